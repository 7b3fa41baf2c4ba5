package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestUnitsAndCentsRoundTrip(t *testing.T) {
	cases := map[int64]string{
		0:       "0",
		1:       "0.01",
		-250:    "-2.5",
		1234567: "12345.67",
	}
	for cents, want := range cases {
		got := Units(cents)
		if got.String() != want {
			t.Fatalf("Units(%d) = %s, want %s", cents, got.String(), want)
		}
		if back := Cents(got); back != cents {
			t.Fatalf("Cents(%s) = %d, want %d", got, back, cents)
		}
	}
	if got := Cents(decimal.RequireFromString("1.005")); got != 101 {
		t.Fatalf("expected half-cent to round up, got %d", got)
	}
}

func TestTickBatchQueuesEveryRow(t *testing.T) {
	run := uuid.New()
	summary := TickSummary{RunID: run, Tick: 4, EventCount: 2, SettledValue: Units(500), Costs: Units(3)}
	events := []EventRecord{
		{RunID: run, Tick: 4, Seq: 0, Kind: "queued", Payload: json.RawMessage(`{}`)},
		{RunID: run, Tick: 4, Seq: 1, Kind: "queue_settlement", Payload: json.RawMessage(`{}`)},
	}
	snaps := []AgentSnapshot{
		{RunID: run, Tick: 4, AgentID: "A", State: json.RawMessage(`{}`)},
		{RunID: run, Tick: 4, AgentID: "B", State: json.RawMessage(`{}`)},
		{RunID: run, Tick: 4, AgentID: "C", State: json.RawMessage(`{}`)},
	}

	batch := tickBatch(summary, events, snaps)
	if batch.Len() != 6 {
		t.Fatalf("expected 6 queued statements, got %d", batch.Len())
	}
}

func TestStoreWithoutPoolIsNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.ListRuns(context.Background(), 1); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}
