package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/aerugo/SimCash-sub000/internal/engine"
	"github.com/aerugo/SimCash-sub000/internal/policy"
	"github.com/aerugo/SimCash-sub000/internal/service"
	"github.com/aerugo/SimCash-sub000/internal/storage"
)

// Simulate runs the configured scenario as fast as possible and prints the
// final agent positions to out.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	sim, err := a.newSimulation()
	if err != nil {
		return err
	}

	deps, store, closeSinks, err := a.sinks(ctx, opts.Persist)
	if err != nil {
		return err
	}
	defer closeSinks()

	runID, err := a.createRun(ctx, store, sim)
	if err != nil {
		return err
	}

	var events *eventWriter
	if opts.EventsPath != "" {
		events, err = newEventWriter(opts.EventsPath)
		if err != nil {
			return err
		}
		defer events.Close()
		deps.Publisher = teePublisher{events, deps.Publisher}
	}

	svc := service.New(a.Config, sim, runID, deps, a.Logger)
	n, err := svc.RunToEnd(ctx, opts.Ticks)
	if err != nil {
		return err
	}

	digest, err := sim.StateDigest()
	if err != nil {
		return err
	}
	a.Logger.Info().Str("run_id", runID.String()).Int64("ticks", n).Str("digest", digest).Msg("simulation complete")

	fmt.Fprintf(out, "run %s: %d ticks, state %s\n", runID, n, digest)
	return printAgents(out, sim.GetAllAgentStates())
}

// ValidatePolicy parses and validates a policy file, listing every problem.
// It needs no scenario configuration.
func ValidatePolicy(path string, maxDepth int, out io.Writer) error {
	def, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	p, err := policy.Load(def, maxDepth)
	if err != nil {
		problems := policy.ValidationErrors(err)
		for _, ve := range problems {
			fmt.Fprintln(out, ve.Error())
		}
		if len(problems) == 0 {
			fmt.Fprintln(out, err.Error())
		}
		return err
	}

	trees := make([]string, 0, len(policy.TreeKinds))
	for _, k := range policy.TreeKinds {
		if _, ok := p.Tree(k); ok {
			trees = append(trees, string(k))
		}
	}
	fmt.Fprintf(out, "policy %s version %s ok (trees: %s)\n", p.ID, p.Version, strings.Join(trees, ", "))
	return nil
}

func printAgents(out io.Writer, states []engine.AgentState) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Agent\tBalance\tAvailable\tCredit used\tCollateral\tQueued\tCosts\tPolicy")
	for _, st := range states {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s@%s\n",
			st.Agent.ID,
			storage.Units(st.Agent.Balance).StringFixed(2),
			storage.Units(st.AvailableLiquidity).StringFixed(2),
			storage.Units(st.CreditUsed).StringFixed(2),
			storage.Units(st.Agent.PostedCollateral).StringFixed(2),
			storage.Units(st.InternalQueueValue+st.CentralQueueValue).StringFixed(2),
			storage.Units(st.Agent.Costs.Total()).StringFixed(2),
			st.PolicyID,
			st.PolicyVersion,
		)
	}
	return writer.Flush()
}

// eventWriter appends every event as one JSON line.
type eventWriter struct {
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func newEventWriter(path string) (*eventWriter, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &eventWriter{file: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (w *eventWriter) PublishTick(_ context.Context, _ string, te engine.TickEvents, _ []engine.AgentState) error {
	for _, ev := range te.Events {
		if err := w.enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func (w *eventWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// teePublisher writes to the event file and then to the live stream, if any.
type teePublisher struct {
	file *eventWriter
	next service.TickPublisher
}

func (t teePublisher) PublishTick(ctx context.Context, runID string, te engine.TickEvents, states []engine.AgentState) error {
	if err := t.file.PublishTick(ctx, runID, te, states); err != nil {
		return err
	}
	if t.next == nil {
		return nil
	}
	return t.next.PublishTick(ctx, runID, te, states)
}
