package ledger

import (
	"fmt"
	"strings"
)

// NoTick marks an unset tick field.
const NoTick int64 = -1

// Internal priorities range over [MinPriority, MaxPriority].
const (
	MinPriority = 0
	MaxPriority = 10
)

// Status is the settlement status of a transaction.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPartiallySettled Status = "partially_settled"
	StatusSettled          Status = "settled"
	StatusDropped          Status = "dropped"
)

// Location says which queue currently holds a transaction.
type Location string

const (
	LocationInternal  Location = "internal_queue"
	LocationCentral   Location = "central_queue"
	LocationWithdrawn Location = "withdrawn"
	LocationNone      Location = "none"
)

// RTGSPriority is the urgency band declared when a payment enters the central queue.
type RTGSPriority string

const (
	HighlyUrgent RTGSPriority = "highly_urgent"
	Urgent       RTGSPriority = "urgent"
	Normal       RTGSPriority = "normal"
)

// Bands lists declared priorities from most to least urgent.
var Bands = []RTGSPriority{HighlyUrgent, Urgent, Normal}

// Band returns the queue band index, or -1 for an undeclared priority.
func (p RTGSPriority) Band() int {
	switch p {
	case HighlyUrgent:
		return 0
	case Urgent:
		return 1
	case Normal:
		return 2
	default:
		return -1
	}
}

// Valid reports whether p is one of the three declared bands.
func (p RTGSPriority) Valid() bool {
	return p.Band() >= 0
}

// ParseRTGSPriority accepts the band names, case-insensitively, with - or _ separators.
func ParseRTGSPriority(s string) (RTGSPriority, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	p := RTGSPriority(norm)
	if !p.Valid() {
		return "", fmt.Errorf("unknown rtgs priority %q", s)
	}
	return p, nil
}

// Transaction is a payment obligation from Sender to Receiver.
type Transaction struct {
	ID                string       `json:"id"`
	ParentID          string       `json:"parent_id,omitempty"`
	Children          []string     `json:"children,omitempty"`
	Sender            string       `json:"sender"`
	Receiver          string       `json:"receiver"`
	Amount            int64        `json:"amount"`
	RemainingAmount   int64        `json:"remaining_amount"`
	SettledAmount     int64        `json:"settled_amount"`
	ArrivalTick       int64        `json:"arrival_tick"`
	DeadlineTick      int64        `json:"deadline_tick"`
	Priority          int          `json:"priority"`
	Divisible         bool         `json:"divisible"`
	RequestedPriority RTGSPriority `json:"requested_priority,omitempty"`
	DeclaredPriority  RTGSPriority `json:"declared_priority,omitempty"`
	SubmissionTick    int64        `json:"submission_tick"`
	Status            Status       `json:"status"`
	Location          Location     `json:"location"`
	PenaltyCharged    bool         `json:"penalty_charged"`
	SettledTick       int64        `json:"settled_tick"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.Children != nil {
		c.Children = append([]string(nil), t.Children...)
	}
	return &c
}

// Open reports whether the transaction still awaits settlement.
func (t *Transaction) Open() bool {
	return t.Status == StatusPending || t.Status == StatusPartiallySettled
}

// Overdue reports whether the deadline has passed at tick.
func (t *Transaction) Overdue(tick int64) bool {
	return tick > t.DeadlineTick
}

// ReleasePriority is the band used when the owner releases without naming one.
func (t *Transaction) ReleasePriority() RTGSPriority {
	if t.RequestedPriority.Valid() {
		return t.RequestedPriority
	}
	return Normal
}

func (t *Transaction) checkBounds() error {
	if t.RemainingAmount < 0 || t.RemainingAmount > t.Amount || t.RemainingAmount+t.SettledAmount != t.Amount {
		return fmt.Errorf("%w: %s amount=%d remaining=%d settled=%d",
			ErrNegativeRemaining, t.ID, t.Amount, t.RemainingAmount, t.SettledAmount)
	}
	return nil
}

// CostBreakdown accumulates the costs charged to one agent, in cents.
type CostBreakdown struct {
	Overdraft     int64 `json:"overdraft"`
	Delay         int64 `json:"delay"`
	Collateral    int64 `json:"collateral"`
	Deadline      int64 `json:"deadline"`
	SplitFriction int64 `json:"split_friction"`
	EndOfDay      int64 `json:"end_of_day"`
}

// Total sums every component.
func (c CostBreakdown) Total() int64 {
	return c.Overdraft + c.Delay + c.Collateral + c.Deadline + c.SplitFriction + c.EndOfDay
}

// Add returns the component-wise sum.
func (c CostBreakdown) Add(o CostBreakdown) CostBreakdown {
	return CostBreakdown{
		Overdraft:     c.Overdraft + o.Overdraft,
		Delay:         c.Delay + o.Delay,
		Collateral:    c.Collateral + o.Collateral,
		Deadline:      c.Deadline + o.Deadline,
		SplitFriction: c.SplitFriction + o.SplitFriction,
		EndOfDay:      c.EndOfDay + o.EndOfDay,
	}
}

// IsZero reports whether nothing was charged.
func (c CostBreakdown) IsZero() bool {
	return c == CostBreakdown{}
}

// Agent is a settlement participant.
type Agent struct {
	ID                 string           `json:"id"`
	Balance            int64            `json:"balance"`
	UnsecuredCap       int64            `json:"unsecured_cap"`
	PostedCollateral   int64            `json:"posted_collateral"`
	CollateralHaircut  float64          `json:"collateral_haircut"`
	CollateralCapacity int64            `json:"collateral_capacity"`
	BilateralLimits    map[string]int64 `json:"bilateral_limits,omitempty"`
	MultilateralLimit  *int64           `json:"multilateral_limit,omitempty"`
	BilateralOutflow   map[string]int64 `json:"bilateral_outflow,omitempty"`
	TotalOutflow       int64            `json:"total_outflow"`
	Queue              []string         `json:"queue"`
	Costs              CostBreakdown    `json:"costs"`
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	c := *a
	c.BilateralLimits = cloneMap(a.BilateralLimits)
	c.BilateralOutflow = cloneMap(a.BilateralOutflow)
	if a.MultilateralLimit != nil {
		v := *a.MultilateralLimit
		c.MultilateralLimit = &v
	}
	c.Queue = append([]string{}, a.Queue...)
	return &c
}

// CreditUsed is the overdraft currently drawn.
func (a *Agent) CreditUsed() int64 {
	if a.Balance < 0 {
		return -a.Balance
	}
	return 0
}

// BilateralLimit returns the configured limit towards counterparty, if any.
func (a *Agent) BilateralLimit(counterparty string) (int64, bool) {
	limit, ok := a.BilateralLimits[counterparty]
	return limit, ok
}

func (a *Agent) removeFromQueue(txID string) bool {
	for i, id := range a.Queue {
		if id == txID {
			a.Queue = append(a.Queue[:i], a.Queue[i+1:]...)
			return true
		}
	}
	return false
}

func cloneMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
