package event

import (
	"fmt"

	"github.com/aerugo/SimCash-sub000/internal/ledger"
)

// TransactionSubmitted records a new obligation entering its sender's internal queue.
type TransactionSubmitted struct {
	TxID              string `json:"tx_id"`
	Sender            string `json:"sender"`
	Receiver          string `json:"receiver"`
	Amount            int64  `json:"amount"`
	ArrivalTick       int64  `json:"arrival_tick"`
	DeadlineTick      int64  `json:"deadline_tick"`
	Priority          int    `json:"priority"`
	Divisible         bool   `json:"divisible"`
	RequestedPriority string `json:"requested_priority,omitempty"`
}

// PolicyDecision records the action a payment tree chose for one transaction.
type PolicyDecision struct {
	Agent     string `json:"agent"`
	PolicyID  string `json:"policy_id"`
	TxID      string `json:"tx_id"`
	Action    string `json:"action"`
	NodeID    string `json:"node_id"`
	Priority  string `json:"priority,omitempty"`
	Reason    string `json:"reason,omitempty"`
	NumSplits int    `json:"num_splits,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
}

// PolicyEvaluationFailed records a tree evaluation that terminated with an
// error. The transaction, if any, is left untouched.
type PolicyEvaluationFailed struct {
	Agent    string `json:"agent"`
	PolicyID string `json:"policy_id"`
	Tree     string `json:"tree"`
	NodeID   string `json:"node_id"`
	TxID     string `json:"tx_id,omitempty"`
	Error    string `json:"error"`
}

// PolicyReloaded records a policy installed between ticks.
type PolicyReloaded struct {
	Agent    string `json:"agent"`
	PolicyID string `json:"policy_id"`
	Version  string `json:"version"`
}

// TransactionReleased records a transaction leaving the internal queue for the central system.
type TransactionReleased struct {
	TxID             string `json:"tx_id"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Amount           int64  `json:"amount"`
	DeclaredPriority string `json:"declared_priority"`
}

// ImmediateSettlement records a gross settlement at entry.
type ImmediateSettlement struct {
	TxID            string `json:"tx_id"`
	Sender          string `json:"sender"`
	Receiver        string `json:"receiver"`
	Amount          int64  `json:"amount"`
	SenderBalance   int64  `json:"sender_balance"`
	ReceiverBalance int64  `json:"receiver_balance"`
}

// Queued records a transaction entering the central queue.
type Queued struct {
	TxID             string `json:"tx_id"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Amount           int64  `json:"amount"`
	DeclaredPriority string `json:"declared_priority"`
	Reason           string `json:"reason"`
	Available        int64  `json:"available_liquidity"`
}

// LimitExceeded records a settlement attempt rejected by an outflow limit.
type LimitExceeded struct {
	TxID           string `json:"tx_id"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	LimitKind      string `json:"limit_kind"`
	Limit          int64  `json:"limit"`
	CurrentOutflow int64  `json:"current_outflow"`
	Attempted      int64  `json:"attempted"`
}

// OffsetSettlement records a released payment settled against an opposite queued one.
type OffsetSettlement struct {
	TxID        string `json:"tx_id"`
	OffsetTxID  string `json:"offset_tx_id"`
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	Amount      int64  `json:"amount"`
	OffsetValue int64  `json:"offset_amount"`
	NetAmount   int64  `json:"net_amount"`
}

// QueueSettlement records a central-queue entry settled on re-attempt.
type QueueSettlement struct {
	TxID             string `json:"tx_id"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Amount           int64  `json:"amount"`
	DeclaredPriority string `json:"declared_priority"`
	WaitTicks        int64  `json:"wait_ticks"`
}

// LSMBilateralOffset records a pair of agents netted by the LSM.
type LSMBilateralOffset struct {
	Iteration int      `json:"iteration"`
	AgentA    string   `json:"agent_a"`
	AgentB    string   `json:"agent_b"`
	AmountAB  int64    `json:"amount_a_to_b"`
	AmountBA  int64    `json:"amount_b_to_a"`
	NetAmount int64    `json:"net_amount"`
	TxIDs     []string `json:"tx_ids"`
}

// NetPosition is one agent's inflow minus outflow in a netted settlement.
type NetPosition struct {
	Agent  string `json:"agent"`
	Amount int64  `json:"amount"`
}

// CycleLeg is one edge of a settled cycle.
type CycleLeg struct {
	Sender   string   `json:"sender"`
	Receiver string   `json:"receiver"`
	Amount   int64    `json:"amount"`
	TxIDs    []string `json:"tx_ids"`
}

// LSMCycleSettlement records a multilateral cycle settled atomically.
type LSMCycleSettlement struct {
	Iteration    int           `json:"iteration"`
	Agents       []string      `json:"agents"`
	Legs         []CycleLeg    `json:"legs"`
	NetPositions []NetPosition `json:"net_positions"`
	TotalValue   int64         `json:"total_value"`
}

// LSMCandidateRejected records a bilateral or cycle candidate that failed
// its checks and stays queued.
type LSMCandidateRejected struct {
	Iteration int      `json:"iteration"`
	Candidate string   `json:"candidate"`
	Agents    []string `json:"agents"`
	Reason    string   `json:"reason"`
}

// DeadlineExpired records the one-off penalty for an unsettled transaction past its deadline.
type DeadlineExpired struct {
	TxID         string `json:"tx_id"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	Remaining    int64  `json:"remaining_amount"`
	DeadlineTick int64  `json:"deadline_tick"`
	Location     string `json:"location"`
	Penalty      int64  `json:"penalty"`
}

// TransactionDropped records a transaction removed by its owner's policy.
type TransactionDropped struct {
	TxID      string `json:"tx_id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Remaining int64  `json:"remaining_amount"`
}

// TransactionSplit records a divisible transaction replaced by children.
type TransactionSplit struct {
	TxID         string   `json:"tx_id"`
	Sender       string   `json:"sender"`
	NumSplits    int      `json:"num_splits"`
	// Requested is the policy's count when it was clamped.
	Requested    int      `json:"requested,omitempty"`
	ChildIDs     []string `json:"child_ids"`
	FrictionCost int64    `json:"friction_cost"`
}

// TransactionHeld records a hold that carries information, such as a
// split on an indivisible transaction.
type TransactionHeld struct {
	TxID   string `json:"tx_id"`
	Sender string `json:"sender"`
	Reason string `json:"reason"`
}

// CollateralChange records collateral posted or withdrawn by a policy tree.
type CollateralChange struct {
	Agent     string `json:"agent"`
	Tree      string `json:"tree"`
	Requested int64  `json:"requested"`
	Amount    int64  `json:"amount"`
	Posted    int64  `json:"posted_total"`
	Available int64  `json:"available_liquidity"`
}

// CollateralPosted is a CollateralChange that increased posted collateral.
type CollateralPosted struct{ CollateralChange }

// CollateralWithdrawn is a CollateralChange that decreased posted collateral.
type CollateralWithdrawn struct{ CollateralChange }

// QueueWithdrawn records a transaction pulled out of the central queue.
type QueueWithdrawn struct {
	TxID             string `json:"tx_id"`
	Sender           string `json:"sender"`
	PreviousPriority string `json:"previous_priority"`
}

// QueueResubmitted records a withdrawn transaction placed at the back of a band.
type QueueResubmitted struct {
	TxID             string `json:"tx_id"`
	Sender           string `json:"sender"`
	DeclaredPriority string `json:"declared_priority"`
	SubmissionTick   int64  `json:"submission_tick"`
}

// CostAccrual records the costs charged to one agent this tick.
type CostAccrual struct {
	Agent string               `json:"agent"`
	Costs ledger.CostBreakdown `json:"costs"`
	Total int64                `json:"total"`
}

// EndOfDay records the day boundary.
type EndOfDay struct {
	Day            int64 `json:"day"`
	Unsettled      int   `json:"unsettled"`
	PenaltyTotal   int64 `json:"penalty_total"`
	LimitsReset    bool  `json:"limits_reset"`
	SettledToday   int   `json:"settled_today"`
	UnsettledValue int64 `json:"unsettled_value"`
}

func (*TransactionSubmitted) Kind() Kind   { return KindTransactionSubmitted }
func (*PolicyDecision) Kind() Kind         { return KindPolicyDecision }
func (*PolicyEvaluationFailed) Kind() Kind { return KindPolicyEvaluationFailed }
func (*PolicyReloaded) Kind() Kind         { return KindPolicyReloaded }
func (*TransactionReleased) Kind() Kind    { return KindTransactionReleased }
func (*ImmediateSettlement) Kind() Kind    { return KindImmediateSettlement }
func (*Queued) Kind() Kind                 { return KindQueued }
func (*LimitExceeded) Kind() Kind          { return KindLimitExceeded }
func (*OffsetSettlement) Kind() Kind       { return KindOffsetSettlement }
func (*QueueSettlement) Kind() Kind        { return KindQueueSettlement }
func (*LSMBilateralOffset) Kind() Kind     { return KindLSMBilateralOffset }
func (*LSMCycleSettlement) Kind() Kind     { return KindLSMCycleSettlement }
func (*LSMCandidateRejected) Kind() Kind   { return KindLSMCandidateRejected }
func (*DeadlineExpired) Kind() Kind        { return KindDeadlineExpired }
func (*TransactionDropped) Kind() Kind     { return KindTransactionDropped }
func (*TransactionSplit) Kind() Kind       { return KindTransactionSplit }
func (*TransactionHeld) Kind() Kind        { return KindTransactionHeld }
func (*CollateralPosted) Kind() Kind       { return KindCollateralPosted }
func (*CollateralWithdrawn) Kind() Kind    { return KindCollateralWithdrawn }
func (*QueueWithdrawn) Kind() Kind         { return KindQueueWithdrawn }
func (*QueueResubmitted) Kind() Kind       { return KindQueueResubmitted }
func (*CostAccrual) Kind() Kind            { return KindCostAccrual }
func (*EndOfDay) Kind() Kind               { return KindEndOfDay }

func (*TransactionSubmitted) payload()   {}
func (*PolicyDecision) payload()         {}
func (*PolicyEvaluationFailed) payload() {}
func (*PolicyReloaded) payload()         {}
func (*TransactionReleased) payload()    {}
func (*ImmediateSettlement) payload()    {}
func (*Queued) payload()                 {}
func (*LimitExceeded) payload()          {}
func (*OffsetSettlement) payload()       {}
func (*QueueSettlement) payload()        {}
func (*LSMBilateralOffset) payload()     {}
func (*LSMCycleSettlement) payload()     {}
func (*LSMCandidateRejected) payload()   {}
func (*DeadlineExpired) payload()        {}
func (*TransactionDropped) payload()     {}
func (*TransactionSplit) payload()       {}
func (*TransactionHeld) payload()        {}
func (*CollateralPosted) payload()       {}
func (*CollateralWithdrawn) payload()    {}
func (*QueueWithdrawn) payload()         {}
func (*QueueResubmitted) payload()       {}
func (*CostAccrual) payload()            {}
func (*EndOfDay) payload()               {}

func newPayload(k Kind) (Payload, error) {
	switch k {
	case KindTransactionSubmitted:
		return &TransactionSubmitted{}, nil
	case KindPolicyDecision:
		return &PolicyDecision{}, nil
	case KindPolicyEvaluationFailed:
		return &PolicyEvaluationFailed{}, nil
	case KindPolicyReloaded:
		return &PolicyReloaded{}, nil
	case KindTransactionReleased:
		return &TransactionReleased{}, nil
	case KindImmediateSettlement:
		return &ImmediateSettlement{}, nil
	case KindQueued:
		return &Queued{}, nil
	case KindLimitExceeded:
		return &LimitExceeded{}, nil
	case KindOffsetSettlement:
		return &OffsetSettlement{}, nil
	case KindQueueSettlement:
		return &QueueSettlement{}, nil
	case KindLSMBilateralOffset:
		return &LSMBilateralOffset{}, nil
	case KindLSMCycleSettlement:
		return &LSMCycleSettlement{}, nil
	case KindLSMCandidateRejected:
		return &LSMCandidateRejected{}, nil
	case KindDeadlineExpired:
		return &DeadlineExpired{}, nil
	case KindTransactionDropped:
		return &TransactionDropped{}, nil
	case KindTransactionSplit:
		return &TransactionSplit{}, nil
	case KindTransactionHeld:
		return &TransactionHeld{}, nil
	case KindCollateralPosted:
		return &CollateralPosted{}, nil
	case KindCollateralWithdrawn:
		return &CollateralWithdrawn{}, nil
	case KindQueueWithdrawn:
		return &QueueWithdrawn{}, nil
	case KindQueueResubmitted:
		return &QueueResubmitted{}, nil
	case KindCostAccrual:
		return &CostAccrual{}, nil
	case KindEndOfDay:
		return &EndOfDay{}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", k)
	}
}
