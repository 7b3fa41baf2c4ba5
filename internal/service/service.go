package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/alerting"
	"github.com/aerugo/SimCash-sub000/internal/config"
	"github.com/aerugo/SimCash-sub000/internal/engine"
	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/scheduler"
	"github.com/aerugo/SimCash-sub000/internal/storage"
)

// ErrLockBusy is returned by ProcessTick when another process holds the
// run's advisory lock. No tick ran.
var ErrLockBusy = errors.New("advisory lock held elsewhere")

const defaultLockRetry = 100 * time.Millisecond

// TickPublisher mirrors tick output to a live channel.
type TickPublisher interface {
	PublishTick(ctx context.Context, runID string, te engine.TickEvents, states []engine.AgentState) error
}

// Deps are the optional sinks of a Service. Nil fields disable that sink.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Runs        storage.RunStore
	Ticks       storage.TickStore
	Checkpoints storage.CheckpointStore
	Alerts      storage.AlertStore
	Publisher   TickPublisher
	Notifier    alerting.Notifier
}

// Service drives a simulation tick by tick and fans each tick out to
// persistence, the live stream and alerting.
type Service struct {
	cfg   *config.Config
	sim   *engine.Simulation
	runID uuid.UUID
	deps  Deps

	alertKinds map[event.Kind]bool
	throttle   *alerting.Throttle
	locker     storage.AdvisoryLocker
	lockKey    int64
	lockRetry  time.Duration
	logger     zerolog.Logger
}

// New constructs the service around sim. runID identifies the run in every sink.
func New(cfg *config.Config, sim *engine.Simulation, runID uuid.UUID, deps Deps, logger zerolog.Logger) *Service {
	kinds := make(map[event.Kind]bool)
	if cfg.Alerting.Enabled {
		for _, k := range cfg.Alerting.Events {
			kinds[event.Kind(k)] = true
		}
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Ticks.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		cfg:        cfg,
		sim:        sim,
		runID:      runID,
		deps:       deps,
		alertKinds: kinds,
		throttle:   alerting.NewThrottle(cfg.Alerting.Cooldown),
		locker:     locker,
		lockKey:    RunLockKey(cfg.Scheduler.AdvisoryLockKey, runID),
		lockRetry:  defaultLockRetry,
		logger:     logger.With().Str("component", "service").Str("run_id", runID.String()).Logger(),
	}
}

// RunLockKey derives the advisory lock key of one run from the configured
// base, so independent runs sharing a database never contend. A zero base
// disables locking.
func RunLockKey(base int64, runID uuid.UUID) int64 {
	if base == 0 {
		return 0
	}
	key := base ^ int64(xxhash.Sum64(runID[:]))
	if key == 0 {
		key = base
	}
	return key
}

// RunID identifies the run.
func (s *Service) RunID() uuid.UUID {
	return s.runID
}

// Simulation exposes the driven simulation.
func (s *Service) Simulation() *engine.Simulation {
	return s.sim
}

// Run paces ticks with the scheduler until the simulation finishes, halts
// or ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	err := s.deps.Scheduler.Run(ctx, func(ctx context.Context, _ int64) error {
		_, err := s.ProcessTick(ctx)
		switch {
		case errors.Is(err, engine.ErrSimulationFinished):
			return scheduler.ErrStop
		case errors.Is(err, ErrLockBusy):
			// try again on the next scheduled tick
			return nil
		}
		return err
	})
	if err == nil || errors.Is(err, context.Canceled) {
		// Sinks still need a live context after a signal.
		s.stopped(context.WithoutCancel(ctx))
	}
	return err
}

// RunToEnd advances without pacing until the simulation finishes or
// maxTicks ticks have run; zero means no limit. It returns the number of
// ticks processed.
func (s *Service) RunToEnd(ctx context.Context, maxTicks int64) (int64, error) {
	var n int64
	for maxTicks == 0 || n < maxTicks {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := s.ProcessTick(ctx)
		if errors.Is(err, engine.ErrSimulationFinished) {
			return n, nil
		}
		if errors.Is(err, ErrLockBusy) {
			timer := time.NewTimer(s.lockRetry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return n, ctx.Err()
			case <-timer.C:
			}
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	s.stopped(ctx)
	return n, nil
}

// stopped checkpoints a run that ends before its last tick.
func (s *Service) stopped(ctx context.Context) {
	if s.sim.Finished() || s.sim.Halted() {
		return
	}
	s.checkpoint(ctx)
	s.markStatus(ctx, storage.RunStopped, nil)
}

// ProcessTick submits the scripted arrivals of the current tick, advances
// the simulation and hands the result to every configured sink.
func (s *Service) ProcessTick(ctx context.Context) (engine.TickEvents, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return engine.TickEvents{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip tick because advisory lock held elsewhere")
		return engine.TickEvents{}, ErrLockBusy
	}
	if unlock != nil {
		defer unlock()
	}

	if s.sim.Finished() {
		s.markStatus(ctx, storage.RunFinished, nil)
		return engine.TickEvents{}, engine.ErrSimulationFinished
	}

	tick := s.sim.CurrentTick()
	for _, req := range s.cfg.PaymentsAt(tick) {
		if _, err := s.sim.SubmitTransaction(req); err != nil {
			s.logger.Warn().Err(err).Int64("tick", tick).Str("sender", req.Sender).Msg("scripted payment rejected")
		}
	}

	te, err := s.sim.AdvanceTick()
	if err != nil {
		if errors.Is(err, engine.ErrSimulationFinished) {
			s.markStatus(ctx, storage.RunFinished, nil)
			return te, err
		}
		msg := err.Error()
		s.markStatus(ctx, storage.RunHalted, &msg)
		return te, err
	}

	states := s.sim.GetAllAgentStates()
	s.persist(ctx, te, states)
	s.publish(ctx, te, states)
	s.alert(ctx, te)

	if every := s.cfg.Scheduler.CheckpointEvery; every > 0 && (te.Tick+1)%every == 0 {
		s.checkpoint(ctx)
	}
	if s.sim.Finished() {
		s.checkpoint(ctx)
		s.markStatus(ctx, storage.RunFinished, nil)
	}

	s.logger.Info().
		Int64("tick", te.Tick).
		Int("events", len(te.Events)).
		Int("settled", te.Summary.Settled).
		Int64("settled_value", te.Summary.SettledValue).
		Int("central_queued", te.Summary.CentralQueued).
		Int64("costs", te.Summary.Costs).
		Msg("tick processed")
	return te, nil
}

func (s *Service) persist(ctx context.Context, te engine.TickEvents, states []engine.AgentState) {
	if s.deps.Ticks == nil {
		return
	}
	summary, events, snaps, err := Records(s.runID, te, states)
	if err != nil {
		s.logger.Error().Err(err).Int64("tick", te.Tick).Msg("failed to encode tick")
		return
	}
	if err := s.deps.Ticks.SaveTick(ctx, summary, events, snaps); err != nil {
		s.logger.Error().Err(err).Int64("tick", te.Tick).Msg("failed to persist tick")
		return
	}
	s.markStatus(ctx, storage.RunRunning, nil)
}

func (s *Service) publish(ctx context.Context, te engine.TickEvents, states []engine.AgentState) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishTick(ctx, s.runID.String(), te, states); err != nil {
		s.logger.Error().Err(err).Int64("tick", te.Tick).Msg("failed to publish tick")
	}
}

func (s *Service) alert(ctx context.Context, te engine.TickEvents) {
	if len(s.alertKinds) == 0 {
		return
	}
	for _, ev := range te.Events {
		if !s.alertKinds[ev.Kind()] {
			continue
		}
		note, ok := alerting.FromEvent(s.runID.String(), ev, s.cfg.Alerting.Channels)
		if !ok || !s.throttle.Allow(note) {
			continue
		}
		if s.deps.Alerts != nil {
			record := storage.AlertRecord{
				RunID:    s.runID,
				Tick:     note.Tick,
				Kind:     string(note.Kind),
				Subject:  note.Subject,
				Message:  note.Detail,
				Channels: note.Channels,
			}
			if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
				s.logger.Error().Err(err).Int64("tick", te.Tick).Msg("failed to persist alert record")
			}
		}
		if s.deps.Notifier != nil {
			if err := s.deps.Notifier.Notify(ctx, note); err != nil {
				s.logger.Error().Err(err).Int64("tick", te.Tick).Msg("failed to dispatch alert")
			}
		}
	}
}

func (s *Service) checkpoint(ctx context.Context) {
	if s.deps.Checkpoints == nil {
		return
	}
	blob, err := s.sim.SaveState()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to save state")
		return
	}
	digest, err := s.sim.StateDigest()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to digest state")
		return
	}
	cp := storage.Checkpoint{RunID: s.runID, Tick: s.sim.CurrentTick(), Digest: digest, State: blob}
	if err := s.deps.Checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		s.logger.Error().Err(err).Int64("tick", cp.Tick).Msg("failed to store checkpoint")
		return
	}
	s.logger.Debug().Int64("tick", cp.Tick).Str("digest", digest).Msg("checkpoint stored")
}

func (s *Service) markStatus(ctx context.Context, status string, errMsg *string) {
	if s.deps.Runs == nil {
		return
	}
	last := s.sim.CurrentTick() - 1
	if err := s.deps.Runs.UpdateRun(ctx, s.runID, status, last, errMsg); err != nil {
		s.logger.Error().Err(err).Str("status", status).Msg("failed to update run")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Records converts a tick into storage rows.
func Records(runID uuid.UUID, te engine.TickEvents, states []engine.AgentState) (storage.TickSummary, []storage.EventRecord, []storage.AgentSnapshot, error) {
	lsmJSON, err := json.Marshal(te.Summary.LSM)
	if err != nil {
		return storage.TickSummary{}, nil, nil, fmt.Errorf("encode lsm result: %w", err)
	}
	summary := storage.TickSummary{
		RunID:          runID,
		Tick:           te.Tick,
		EventCount:     len(te.Events),
		Settled:        te.Summary.Settled,
		SettledValue:   storage.Units(te.Summary.SettledValue),
		CentralQueued:  te.Summary.CentralQueued,
		InternalQueued: te.Summary.InternalQueued,
		LSM:            lsmJSON,
		Costs:          storage.Units(te.Summary.Costs),
		EndOfDay:       te.Summary.EndOfDay,
	}

	events := make([]storage.EventRecord, 0, len(te.Events))
	for _, ev := range te.Events {
		body, err := json.Marshal(ev)
		if err != nil {
			return storage.TickSummary{}, nil, nil, fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		events = append(events, storage.EventRecord{RunID: runID, Tick: ev.Tick, Seq: ev.Seq, Kind: string(ev.Kind()), Payload: body})
	}

	snaps := make([]storage.AgentSnapshot, 0, len(states))
	for _, st := range states {
		body, err := json.Marshal(st)
		if err != nil {
			return storage.TickSummary{}, nil, nil, fmt.Errorf("encode agent %s: %w", st.Agent.ID, err)
		}
		snaps = append(snaps, storage.AgentSnapshot{
			RunID:              runID,
			Tick:               te.Tick,
			AgentID:            st.Agent.ID,
			Balance:            storage.Units(st.Agent.Balance),
			AvailableLiquidity: storage.Units(st.AvailableLiquidity),
			CreditUsed:         storage.Units(st.CreditUsed),
			PostedCollateral:   storage.Units(st.Agent.PostedCollateral),
			QueueValue:         storage.Units(st.InternalQueueValue + st.CentralQueueValue),
			TotalCosts:         storage.Units(st.Agent.Costs.Total()),
			State:              body,
		})
	}
	return summary, events, snaps, nil
}
