// Package engine drives the settlement simulation one tick at a time and is
// the only boundary through which callers touch its state.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/lsm"
	"github.com/aerugo/SimCash-sub000/internal/policy"
	"github.com/aerugo/SimCash-sub000/internal/rtgs"
)

var (
	// ErrSimulationHalted is returned by every tick after an invariant violation.
	ErrSimulationHalted = errors.New("simulation halted")
	// ErrSimulationFinished is returned once the configured number of days has run.
	ErrSimulationFinished = errors.New("simulation finished")
)

// Simulation owns one ledger, central queue and policy registry. Boundary
// calls are serialised; policy loads only swap the registry slot and never
// wait for a running tick.
type Simulation struct {
	mu       sync.Mutex
	cfg      Config
	ledger   *ledger.Ledger
	queue    *rtgs.Queue
	proc     *rtgs.Processor
	netting  *lsm.Engine
	registry *policy.Registry
	rec      *event.Recorder
	tick     int64
	money    int64
	halted   error

	reloadMu sync.Mutex
	reloads  []*event.PolicyReloaded

	logger zerolog.Logger
}

// New builds a simulation at tick 0.
func New(cfg Config, logger zerolog.Logger) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l := ledger.New()
	for _, a := range cfg.Agents {
		if _, err := l.AddAgent(a.spec()); err != nil {
			return nil, fmt.Errorf("add agent: %w", err)
		}
	}

	fallback, err := policy.Builtin(policy.DefaultPolicyName, cfg.MaxTreeDepth)
	if err != nil {
		return nil, fmt.Errorf("load default policy: %w", err)
	}
	registry := policy.NewRegistry(l.AgentIDs(), fallback, cfg.MaxTreeDepth)
	for _, a := range cfg.Agents {
		p, err := a.policyFor(cfg.MaxTreeDepth)
		if err != nil {
			return nil, fmt.Errorf("policy for agent %s: %w", a.ID, err)
		}
		if err := registry.Install(a.ID, p); err != nil {
			return nil, err
		}
	}

	s := &Simulation{
		cfg:      cfg,
		ledger:   l,
		queue:    rtgs.NewQueue(),
		registry: registry,
		rec:      event.NewRecorder(0),
		money:    l.TotalBalance(),
		logger:   logger.With().Str("component", "engine").Logger(),
	}
	s.wire()
	return s, nil
}

func (s *Simulation) wire() {
	s.proc = rtgs.NewProcessor(s.ledger, s.queue, rtgs.Options{Offsetting: s.cfg.Offsetting}, s.logger)
	s.netting = lsm.NewEngine(s.ledger, s.queue, s.cfg.LSM, s.logger)
}

// Config returns the configuration the simulation was built with.
func (s *Simulation) Config() Config {
	return s.cfg
}

// CurrentTick is the tick the next AdvanceTick will run.
func (s *Simulation) CurrentTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Finished reports whether the configured number of days has run. A zero
// NumDays never finishes.
func (s *Simulation) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished()
}

// Halted reports whether an invariant violation stopped the simulation.
func (s *Simulation) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted != nil
}

func (s *Simulation) finished() bool {
	return s.cfg.NumDays > 0 && s.tick >= s.cfg.NumDays*s.cfg.TicksPerDay
}

// AgentIDs lists agents in sorted order.
func (s *Simulation) AgentIDs() []string {
	return s.ledger.AgentIDs()
}

// SubmitRequest is a new payment obligation. DeadlineTick is absolute.
type SubmitRequest struct {
	Sender       string
	Receiver     string
	Amount       int64
	DeadlineTick int64
	Priority     int
	Divisible    bool
	RTGSPriority ledger.RTGSPriority
}

// SubmitTransaction places a new obligation in the sender's internal queue.
// It arrives at the current tick and is first evaluated by the next
// AdvanceTick.
func (s *Simulation) SubmitTransaction(req SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted != nil {
		return "", ErrSimulationHalted
	}

	tx, err := s.ledger.NewTransaction(ledger.TransactionSpec{
		Sender:            req.Sender,
		Receiver:          req.Receiver,
		Amount:            req.Amount,
		ArrivalTick:       s.tick,
		DeadlineTick:      req.DeadlineTick,
		Priority:          req.Priority,
		Divisible:         req.Divisible,
		RequestedPriority: req.RTGSPriority,
	})
	if err != nil {
		return "", fmt.Errorf("submit transaction: %w", err)
	}
	if err := s.ledger.Enqueue(tx); err != nil {
		return "", fmt.Errorf("submit transaction: %w", err)
	}
	s.rec.Emit(&event.TransactionSubmitted{
		TxID:              tx.ID,
		Sender:            tx.Sender,
		Receiver:          tx.Receiver,
		Amount:            tx.Amount,
		ArrivalTick:       tx.ArrivalTick,
		DeadlineTick:      tx.DeadlineTick,
		Priority:          tx.Priority,
		Divisible:         tx.Divisible,
		RequestedPriority: string(tx.RequestedPriority),
	})
	return tx.ID, nil
}

// WithdrawFromQueue pulls a transaction out of the central queue.
func (s *Simulation) WithdrawFromQueue(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted != nil {
		return ErrSimulationHalted
	}
	return s.proc.Withdraw(txID, s.rec)
}

// ResubmitToQueue returns a withdrawn transaction to the back of a band. It
// is re-attempted during the next tick.
func (s *Simulation) ResubmitToQueue(txID string, priority ledger.RTGSPriority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted != nil {
		return ErrSimulationHalted
	}
	return s.proc.Resubmit(txID, priority, s.tick, s.rec)
}

// LoadPolicy validates definition and installs it for agentID. The next tick
// to start uses it; a tick already running keeps its snapshot.
func (s *Simulation) LoadPolicy(agentID string, definition []byte) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	p, err := s.registry.LoadAndInstall(agentID, definition)
	if err != nil {
		return fmt.Errorf("load policy for %s: %w", agentID, err)
	}
	s.reloads = append(s.reloads, &event.PolicyReloaded{Agent: agentID, PolicyID: p.ID, Version: p.Version})
	s.logger.Info().Str("agent", agentID).Str("policy_id", p.ID).Str("version", p.Version).Msg("policy installed")
	return nil
}

// snapshotPolicies reads every registry slot and moves pending reload
// notices into rec, so a notice lands in the first tick using the policy.
func (s *Simulation) snapshotPolicies(rec *event.Recorder) map[string]*policy.Policy {
	s.reloadMu.Lock()
	policies := s.registry.Snapshot()
	pending := s.reloads
	s.reloads = nil
	s.reloadMu.Unlock()

	for _, ev := range pending {
		rec.Emit(ev)
	}
	return policies
}
