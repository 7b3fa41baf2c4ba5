package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/config"
	"github.com/aerugo/SimCash-sub000/internal/cost"
	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/lsm"
	"github.com/aerugo/SimCash-sub000/internal/storage"
)

func testApp() *App {
	cfg := &config.Config{
		App:        config.AppConfig{Name: "test"},
		Simulation: config.SimulationConfig{TicksPerDay: 4, NumDays: 1, EODRushThreshold: 0.8, MaxTreeDepth: 100},
		LSM:        lsm.DefaultOptions(),
		Costs:      cost.DefaultRates(),
		Agents: []config.AgentConfig{
			{ID: "A", OpeningBalance: 10000},
			{ID: "B", OpeningBalance: 10000},
		},
		Payments: []config.PaymentConfig{
			{Tick: 0, Sender: "A", Receiver: "B", Amount: 2500, DeadlineOffset: 3},
			{Tick: 1, Sender: "B", Receiver: "A", Amount: 1000, DeadlineOffset: 2},
		},
		Export: config.ExportConfig{MaxEvents: 100},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestSimulateWritesEventsAndPositions(t *testing.T) {
	a := testApp()
	eventsPath := filepath.Join(t.TempDir(), "out", "events.jsonl")

	var out bytes.Buffer
	if err := a.Simulate(context.Background(), SimulateOptions{EventsPath: eventsPath}, &out); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "4 ticks") {
		t.Fatalf("expected 4 ticks in output, got %q", text)
	}
	if !strings.Contains(text, "85.00") || !strings.Contains(text, "115.00") {
		t.Fatalf("expected final balances 85.00 and 115.00, got %q", text)
	}

	f, err := os.Open(eventsPath)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()

	kinds := make(map[event.Kind]int)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev event.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode event line: %v", err)
		}
		kinds[ev.Kind()]++
	}
	if kinds[event.KindTransactionSubmitted] != 2 || kinds[event.KindImmediateSettlement] != 2 {
		t.Fatalf("unexpected event mix %v", kinds)
	}
	if kinds[event.KindEndOfDay] != 1 {
		t.Fatalf("expected one end of day, got %d", kinds[event.KindEndOfDay])
	}
}

func TestValidatePolicyReportsProblems(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	def := `{"policy_id":"release_all","version":"3","payment_tree":{"type":"action","node_id":"A1","action":"Release"}}`
	if err := os.WriteFile(good, []byte(def), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := ValidatePolicy(good, 0, &out); err != nil {
		t.Fatalf("valid policy rejected: %v (%s)", err, out.String())
	}
	if !strings.Contains(out.String(), "release_all version 3 ok") {
		t.Fatalf("unexpected output %q", out.String())
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"policy_id":"collateral_only","strategic_collateral_tree":{"type":"action","node_id":"H1","action":"Hold"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := ValidatePolicy(bad, 0, &out); err == nil {
		t.Fatal("policy without payment tree should be rejected")
	}
	if !strings.Contains(out.String(), "payment_tree is required") {
		t.Fatalf("expected the missing tree to be reported, got %q", out.String())
	}
}

func TestDownsampleIndexes(t *testing.T) {
	if got := downsampleIndexes(3, 10); len(got) != 3 || got[2] != 2 {
		t.Fatalf("short input should be kept, got %v", got)
	}
	got := downsampleIndexes(101, 5)
	want := []int{0, 25, 50, 75, 100}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("downsample = %v, want %v", got, want)
		}
	}
	if got := downsampleIndexes(7, 1); len(got) != 1 || got[0] != 6 {
		t.Fatalf("single point should be the last, got %v", got)
	}
}

func TestExportWritersProduceFiles(t *testing.T) {
	dir := t.TempDir()
	run := uuid.New()

	summaries := []storage.TickSummary{
		{RunID: run, Tick: 0, EventCount: 3, Settled: 1, SettledValue: storage.Units(2500), Costs: storage.Units(0), LSM: json.RawMessage(`{"iterations":1}`)},
		{RunID: run, Tick: 1, EventCount: 2, Settled: 1, SettledValue: storage.Units(1000), Costs: storage.Units(12), EndOfDay: true, LSM: json.RawMessage(`{}`)},
	}
	csvPath := filepath.Join(dir, "ticks.csv")
	if err := writeSummariesCSV(csvPath, summaries); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(f).ReadAll()
	f.Close()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[1][3] != "25.00" || rows[2][7] != "true" {
		t.Fatalf("unexpected csv rows %v", rows)
	}

	var snaps []storage.AgentSnapshot
	for tick := int64(0); tick < 4; tick++ {
		snaps = append(snaps,
			storage.AgentSnapshot{RunID: run, Tick: tick, AgentID: "B", Balance: storage.Units(10000 + tick*500)},
			storage.AgentSnapshot{RunID: run, Tick: tick, AgentID: "A", Balance: storage.Units(10000 - tick*500)},
		)
	}
	series := balanceSeries(snaps, 10)
	if len(series) != 2 || series[0].agent != "A" || len(series[0].ticks) != 4 {
		t.Fatalf("unexpected series %+v", series)
	}

	pngPath := filepath.Join(dir, "chart", "balances.png")
	if err := writeBalancesPNG(pngPath, series, 640, 360); err != nil {
		t.Fatalf("write png: %v", err)
	}
	info, err := os.Stat(pngPath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty png, err=%v", err)
	}
}
