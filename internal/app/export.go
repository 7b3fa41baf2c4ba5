package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/aerugo/SimCash-sub000/internal/storage"
)

// Export renders a run's tick summaries as CSV and agent balances as a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxEvents(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	summaries, err := store.ListSummaries(ctx, opts.RunID, opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		a.Logger.Info().Str("run_id", opts.RunID.String()).Msg("no ticks found for run")
		return nil
	}

	if opts.CSVPath != "" {
		if err := writeSummariesCSV(opts.CSVPath, summaries); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		snaps, err := store.ListSnapshots(ctx, opts.RunID, "", opts.MaxPoints*len(a.Config.Agents))
		if err != nil {
			return err
		}
		series := balanceSeries(snaps, opts.MaxPoints)
		a.Logger.Info().Int("agents", len(series)).Int("ticks", len(summaries)).Msg("exporting balance chart")
		if err := writeBalancesPNG(opts.PNGPath, series, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight); err != nil {
			return err
		}
	}

	return nil
}

type agentSeries struct {
	agent    string
	ticks    []float64
	balances []float64
}

// balanceSeries groups snapshots per agent, downsampling each to max points.
func balanceSeries(snaps []storage.AgentSnapshot, max int) []agentSeries {
	byAgent := make(map[string]*agentSeries)
	for _, s := range snaps {
		as, ok := byAgent[s.AgentID]
		if !ok {
			as = &agentSeries{agent: s.AgentID}
			byAgent[s.AgentID] = as
		}
		as.ticks = append(as.ticks, float64(s.Tick))
		as.balances = append(as.balances, s.Balance.InexactFloat64())
	}

	out := make([]agentSeries, 0, len(byAgent))
	for _, as := range byAgent {
		idx := downsampleIndexes(len(as.ticks), max)
		ds := agentSeries{agent: as.agent}
		for _, i := range idx {
			ds.ticks = append(ds.ticks, as.ticks[i])
			ds.balances = append(ds.balances, as.balances[i])
		}
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agent < out[j].agent })
	return out
}

func downsampleIndexes(n, max int) []int {
	if max <= 0 || n <= max {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if max == 1 {
		return []int{n - 1}
	}

	result := make([]int, 0, max)
	step := float64(n-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= n {
			idx = n - 1
		}
		result = append(result, idx)
	}
	return result
}

func writeSummariesCSV(path string, summaries []storage.TickSummary) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"tick", "events", "settled", "settled_value", "central_queued", "internal_queued", "costs", "end_of_day", "lsm"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range summaries {
		record := []string{
			strconv.FormatInt(s.Tick, 10),
			strconv.Itoa(s.EventCount),
			strconv.Itoa(s.Settled),
			s.SettledValue.StringFixed(2),
			strconv.Itoa(s.CentralQueued),
			strconv.Itoa(s.InternalQueued),
			s.Costs.StringFixed(2),
			strconv.FormatBool(s.EndOfDay),
			string(s.LSM),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeBalancesPNG(path string, series []agentSeries, width, height int) error {
	if len(series) == 0 {
		return errors.New("no agent snapshots to chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	tickFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}

	graph := chart.Chart{
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			Name:           "Tick",
			ValueFormatter: tickFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Balance",
			ValueFormatter: amountFormatter,
		},
	}
	for _, s := range series {
		xs, ys := s.ticks, s.balances
		if len(xs) == 1 {
			// go-chart needs two points to draw a line.
			xs = append(xs, xs[0]+1)
			ys = append(ys, ys[0])
		}
		graph.Series = append(graph.Series, chart.ContinuousSeries{
			Name:    s.agent,
			XValues: xs,
			YValues: ys,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
