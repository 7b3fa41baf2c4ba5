package event

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the payload carried by an event.
type Kind string

const (
	KindTransactionSubmitted   Kind = "transaction_submitted"
	KindPolicyDecision         Kind = "policy_decision"
	KindPolicyEvaluationFailed Kind = "policy_evaluation_failed"
	KindPolicyReloaded         Kind = "policy_reloaded"
	KindTransactionReleased    Kind = "transaction_released"
	KindImmediateSettlement    Kind = "rtgs_immediate_settlement"
	KindQueued                 Kind = "queued"
	KindLimitExceeded          Kind = "limit_exceeded"
	KindOffsetSettlement       Kind = "offset_settlement"
	KindQueueSettlement        Kind = "queue_settlement"
	KindLSMBilateralOffset     Kind = "lsm_bilateral_offset"
	KindLSMCycleSettlement     Kind = "lsm_cycle_settlement"
	KindLSMCandidateRejected   Kind = "lsm_candidate_rejected"
	KindDeadlineExpired        Kind = "deadline_expired"
	KindTransactionDropped     Kind = "transaction_dropped"
	KindTransactionSplit       Kind = "transaction_split"
	KindTransactionHeld        Kind = "transaction_held"
	KindCollateralPosted       Kind = "collateral_posted"
	KindCollateralWithdrawn    Kind = "collateral_withdrawn"
	KindQueueWithdrawn         Kind = "queue_withdrawn"
	KindQueueResubmitted       Kind = "queue_resubmitted"
	KindCostAccrual            Kind = "cost_accrual"
	KindEndOfDay               Kind = "end_of_day"
)

// Payload is implemented only by pointers to the payload types of this package.
type Payload interface {
	Kind() Kind
	payload()
}

// Event is one self-contained record emitted during a tick.
type Event struct {
	Tick int64
	Seq  int
	Data Payload
}

// Kind returns the payload kind.
func (e Event) Kind() Kind {
	if e.Data == nil {
		return ""
	}
	return e.Data.Kind()
}

type envelope struct {
	Tick int64           `json:"tick"`
	Seq  int             `json:"seq"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {tick, seq, kind, data}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("event %d/%d has no payload", e.Tick, e.Seq)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Data.Kind(), err)
	}
	return json.Marshal(envelope{Tick: e.Tick, Seq: e.Seq, Kind: e.Data.Kind(), Data: data})
}

// UnmarshalJSON decodes an event, choosing the payload type from kind.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	p, err := newPayload(env.Kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}
	e.Tick = env.Tick
	e.Seq = env.Seq
	e.Data = p
	return nil
}

// Recorder numbers events within one tick.
type Recorder struct {
	tick   int64
	events []Event
}

// NewRecorder starts a recorder for tick.
func NewRecorder(tick int64) *Recorder {
	return &Recorder{tick: tick}
}

// ResumeRecorder continues a recorder for tick that already holds events.
func ResumeRecorder(tick int64, events []Event) *Recorder {
	r := &Recorder{tick: tick}
	for _, ev := range events {
		r.Emit(ev.Data)
	}
	return r
}

// Emit appends p with the next sequence number.
func (r *Recorder) Emit(p Payload) {
	r.events = append(r.events, Event{Tick: r.tick, Seq: len(r.events), Data: p})
}

// Events returns what was recorded so far.
func (r *Recorder) Events() []Event {
	return r.events
}

// Len is the number of recorded events.
func (r *Recorder) Len() int {
	return len(r.events)
}

// Filter returns the events of the given kinds, in order.
func Filter(events []Event, kinds ...Kind) []Event {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []Event
	for _, ev := range events {
		if want[ev.Kind()] {
			out = append(out, ev)
		}
	}
	return out
}
