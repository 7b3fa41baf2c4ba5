package app

import (
	"context"
	"fmt"
	"io"

	"github.com/aerugo/SimCash-sub000/internal/engine"
	"github.com/aerugo/SimCash-sub000/internal/scheduler"
	"github.com/aerugo/SimCash-sub000/internal/service"
)

// Resume continues a stored run from its latest checkpoint.
func (a *App) Resume(ctx context.Context, opts ResumeOptions, out io.Writer) error {
	deps, store, closeSinks, err := a.sinks(ctx, true)
	if err != nil {
		return err
	}
	defer closeSinks()
	if store == nil {
		return fmt.Errorf("database not configured; cannot resume")
	}

	run, err := store.GetRun(ctx, opts.RunID)
	if err != nil {
		return err
	}
	cp, err := store.LatestCheckpoint(ctx, run.ID)
	if err != nil {
		return err
	}
	sim, err := engine.LoadState(cp.State, a.Logger)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("run_id", run.ID.String()).Int64("tick", cp.Tick).Str("digest", cp.Digest).Msg("resuming from checkpoint")

	if opts.Paced {
		deps.Scheduler = scheduler.New(scheduler.Options{
			Interval:    a.Config.Scheduler.TickInterval,
			MaxTicks:    opts.Ticks,
			StopOnError: true,
		}, a.Logger)
	}
	svc := service.New(a.Config, sim, run.ID, deps, a.Logger)
	if opts.Paced {
		err = svc.Run(ctx)
	} else {
		_, err = svc.RunToEnd(ctx, opts.Ticks)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "run %s resumed at tick %d, now at tick %d\n", run.ID, cp.Tick, sim.CurrentTick())
	return printAgents(out, sim.GetAllAgentStates())
}
