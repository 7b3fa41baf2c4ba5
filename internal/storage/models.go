package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunHalted   = "halted"
	RunStopped  = "stopped"
)

// Run is one persisted simulation.
type Run struct {
	ID        uuid.UUID
	Name      string
	Config    json.RawMessage
	Status    string
	LastTick  int64
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TickSummary is the per-tick rollup. Money columns are in currency units.
type TickSummary struct {
	RunID          uuid.UUID
	Tick           int64
	EventCount     int
	Settled        int
	SettledValue   decimal.Decimal
	CentralQueued  int
	InternalQueued int
	LSM            json.RawMessage
	Costs          decimal.Decimal
	EndOfDay       bool
	CreatedAt      time.Time
}

// EventRecord is one event in its JSON envelope.
type EventRecord struct {
	RunID   uuid.UUID
	Tick    int64
	Seq     int
	Kind    string
	Payload json.RawMessage
}

// AgentSnapshot is an agent's position at the end of a tick.
type AgentSnapshot struct {
	RunID              uuid.UUID
	Tick               int64
	AgentID            string
	Balance            decimal.Decimal
	AvailableLiquidity decimal.Decimal
	CreditUsed         decimal.Decimal
	PostedCollateral   decimal.Decimal
	QueueValue         decimal.Decimal
	TotalCosts         decimal.Decimal
	State              json.RawMessage
}

// Checkpoint is a saved simulation state.
type Checkpoint struct {
	RunID     uuid.UUID
	Tick      int64
	Digest    string
	State     []byte
	CreatedAt time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	RunID     uuid.UUID
	Tick      int64
	Kind      string
	Subject   string
	Message   string
	Channels  []string
	CreatedAt time.Time
}

// Units converts integer cents to currency units.
func Units(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Cents converts currency units back to integer cents.
func Cents(units decimal.Decimal) int64 {
	return units.Shift(2).Round(0).IntPart()
}
