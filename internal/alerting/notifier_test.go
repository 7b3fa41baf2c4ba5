package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/event"
)

func deadlineEvent() event.Event {
	rec := event.NewRecorder(12)
	rec.Emit(&event.DeadlineExpired{TxID: "tx-000007", Sender: "BANK_A", Receiver: "BANK_B", Remaining: 12345, DeadlineTick: 11, Location: "central", Penalty: 10000})
	return rec.Events()[0]
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note, ok := FromEvent("run-1", deadlineEvent(), []string{"telegram"})
	if !ok {
		t.Fatal("deadline_expired should produce a notification")
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("wrong chat_id: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"deadline_expired", "Tick: 12", "BANK_A", "123.45", "penalty 100.00"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message %q should contain %q", text, want)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note, _ := FromEvent("run-1", deadlineEvent(), nil)

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestFromEventIgnoresRoutineEvents(t *testing.T) {
	rec := event.NewRecorder(3)
	rec.Emit(&event.Queued{TxID: "tx-1", Sender: "A", Receiver: "B", Amount: 10})
	rec.Emit(&event.EndOfDay{Day: 0})
	rec.Emit(&event.EndOfDay{Day: 1, Unsettled: 2, UnsettledValue: 500})

	evs := rec.Events()
	if _, ok := FromEvent("r", evs[0], nil); ok {
		t.Fatal("queued should not alert")
	}
	if _, ok := FromEvent("r", evs[1], nil); ok {
		t.Fatal("a clean end of day should not alert")
	}
	note, ok := FromEvent("r", evs[2], nil)
	if !ok || note.Subject != "day-1" {
		t.Fatalf("unsettled end of day should alert, got %+v", note)
	}
}

func TestThrottleSuppressesRepeatsWithinCooldown(t *testing.T) {
	th := NewThrottle(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	note := Notification{Kind: event.KindDeadlineExpired, Agent: "A"}
	if !th.Allow(note) {
		t.Fatal("first alert should pass")
	}
	if th.Allow(note) {
		t.Fatal("repeat within cooldown should be suppressed")
	}
	if !th.Allow(Notification{Kind: event.KindDeadlineExpired, Agent: "B"}) {
		t.Fatal("other agents are throttled separately")
	}
	now = now.Add(2 * time.Minute)
	if !th.Allow(note) {
		t.Fatal("alert after cooldown should pass")
	}

	if !NewThrottle(0).Allow(note) || !NewThrottle(0).Allow(note) {
		t.Fatal("zero cooldown never throttles")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
