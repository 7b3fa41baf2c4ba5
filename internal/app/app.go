package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/alerting"
	"github.com/aerugo/SimCash-sub000/internal/config"
	"github.com/aerugo/SimCash-sub000/internal/engine"
	"github.com/aerugo/SimCash-sub000/internal/scheduler"
	"github.com/aerugo/SimCash-sub000/internal/service"
	"github.com/aerugo/SimCash-sub000/internal/storage"
	"github.com/aerugo/SimCash-sub000/internal/stream"
	"github.com/aerugo/SimCash-sub000/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) openPublisher(ctx context.Context) (*stream.Publisher, func(), error) {
	if !a.Config.Redis.Enabled {
		return nil, nil, nil
	}
	client, err := stream.NewClient(ctx, a.Config.Redis)
	if err != nil {
		return nil, nil, err
	}
	pub := stream.NewPublisher(client, a.Config.Redis.Prefix, a.Config.Redis.StreamMaxLen, a.Logger)
	closer := func() {
		if err := pub.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return pub, closer, nil
}

func (a *App) newSimulation() (*engine.Simulation, error) {
	ec, err := a.Config.EngineConfig()
	if err != nil {
		return nil, err
	}
	return engine.New(ec, a.Logger)
}

// sinks opens every configured output and returns the service dependencies
// plus a function releasing them.
func (a *App) sinks(ctx context.Context, persist bool) (service.Deps, *storage.Store, func(), error) {
	var deps service.Deps
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var store *storage.Store
	if persist {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return deps, nil, nil, err
		}
		if s == nil {
			a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		} else {
			store = s
			closers = append(closers, closeStore)
			deps.Runs = store
			deps.Ticks = store
			deps.Checkpoints = store
			deps.Alerts = store
		}
	}

	pub, closePub, err := a.openPublisher(ctx)
	if err != nil {
		closeAll()
		return deps, nil, nil, err
	}
	if pub != nil {
		closers = append(closers, closePub)
		deps.Publisher = pub
	}

	if n := a.newNotifier(); n != nil {
		deps.Notifier = n
	}
	return deps, store, closeAll, nil
}

type runConfig struct {
	Engine engine.Config `json:"engine"`
	Build  string        `json:"build"`
}

// createRun registers the run when a store is available; otherwise it
// only mints an id.
func (a *App) createRun(ctx context.Context, store *storage.Store, sim *engine.Simulation) (uuid.UUID, error) {
	if store == nil {
		return uuid.New(), nil
	}
	cfgJSON, err := json.Marshal(runConfig{Engine: sim.Config(), Build: version.String()})
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode run config: %w", err)
	}
	run, err := store.CreateRun(ctx, a.Config.App.Name, cfgJSON)
	if err != nil {
		return uuid.Nil, err
	}
	return run.ID, nil
}

// Run executes the simulation paced by the scheduler until it finishes.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim, err := a.newSimulation()
	if err != nil {
		return err
	}

	deps, store, closeSinks, err := a.sinks(ctx, true)
	if err != nil {
		return err
	}
	defer closeSinks()

	runID, err := a.createRun(ctx, store, sim)
	if err != nil {
		return err
	}

	deps.Scheduler = scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.TickInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		StopOnError:  true,
	}, a.Logger)

	svc := service.New(a.Config, sim, runID, deps, a.Logger)

	a.Logger.Info().Str("run_id", runID.String()).Str("build", version.String()).Msg("starting simulation")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("simulation terminated with error")
		return err
	}

	a.Logger.Info().Str("run_id", runID.String()).Int64("tick", sim.CurrentTick()).Msg("simulation stopped")
	return nil
}

// SimulateOptions configure an unpaced run.
type SimulateOptions struct {
	Ticks      int64
	Persist    bool
	EventsPath string
}

// ResumeOptions configure resuming a stored run.
type ResumeOptions struct {
	RunID uuid.UUID
	Ticks int64
	Paced bool
}

// ExportOptions hold parameters for exporting a run.
type ExportOptions struct {
	RunID     uuid.UUID
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	RunID uuid.UUID
	Limit int
}
