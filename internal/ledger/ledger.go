package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// AgentSpec describes an agent at creation.
type AgentSpec struct {
	ID                 string
	OpeningBalance     int64
	UnsecuredCap       int64
	PostedCollateral   int64
	CollateralHaircut  float64
	CollateralCapacity int64
	BilateralLimits    map[string]int64
	MultilateralLimit  *int64
}

// TransactionSpec describes a new payment obligation.
type TransactionSpec struct {
	Sender            string
	Receiver          string
	Amount            int64
	ArrivalTick       int64
	DeadlineTick      int64
	Priority          int
	Divisible         bool
	RequestedPriority RTGSPriority
	ParentID          string
}

// Ledger owns agents and transactions. It is not safe for concurrent use; the
// orchestrator serialises access.
type Ledger struct {
	agents   map[string]*Agent
	agentIDs []string
	txs      map[string]*Transaction
	txOrder  []string
	nextTx   int64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		agents: make(map[string]*Agent),
		txs:    make(map[string]*Transaction),
	}
}

// AddAgent registers an agent.
func (l *Ledger) AddAgent(spec AgentSpec) (*Agent, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if _, exists := l.agents[spec.ID]; exists {
		return nil, fmt.Errorf("agent %q already registered", spec.ID)
	}
	if spec.CollateralHaircut < 0 || spec.CollateralHaircut > 1 {
		return nil, fmt.Errorf("agent %q: collateral haircut %v outside [0,1]", spec.ID, spec.CollateralHaircut)
	}
	if spec.UnsecuredCap < 0 || spec.PostedCollateral < 0 || spec.CollateralCapacity < 0 {
		return nil, fmt.Errorf("agent %q: credit and collateral amounts must be non-negative", spec.ID)
	}

	agent := &Agent{
		ID:                 spec.ID,
		Balance:            spec.OpeningBalance,
		UnsecuredCap:       spec.UnsecuredCap,
		PostedCollateral:   spec.PostedCollateral,
		CollateralHaircut:  spec.CollateralHaircut,
		CollateralCapacity: spec.CollateralCapacity,
		BilateralLimits:    cloneMap(spec.BilateralLimits),
		BilateralOutflow:   make(map[string]int64),
		Queue:              []string{},
	}
	if spec.MultilateralLimit != nil {
		v := *spec.MultilateralLimit
		agent.MultilateralLimit = &v
	}
	l.insertAgent(agent)
	return agent, nil
}

func (l *Ledger) insertAgent(agent *Agent) {
	l.agents[agent.ID] = agent
	idx := sort.SearchStrings(l.agentIDs, agent.ID)
	l.agentIDs = append(l.agentIDs, "")
	copy(l.agentIDs[idx+1:], l.agentIDs[idx:])
	l.agentIDs[idx] = agent.ID
}

// Agent returns the live agent record.
func (l *Ledger) Agent(id string) (*Agent, bool) {
	a, ok := l.agents[id]
	return a, ok
}

func (l *Ledger) mustAgent(id string) (*Agent, error) {
	a, ok := l.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// AgentIDs returns agent ids in lexicographic order.
func (l *Ledger) AgentIDs() []string {
	return append([]string(nil), l.agentIDs...)
}

// NewTransaction validates spec, assigns the next id and records the transaction.
// The caller decides which queue receives it.
func (l *Ledger) NewTransaction(spec TransactionSpec) (*Transaction, error) {
	if spec.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidTransaction, spec.Amount)
	}
	if spec.Sender == spec.Receiver {
		return nil, fmt.Errorf("%w: sender and receiver are both %q", ErrInvalidTransaction, spec.Sender)
	}
	if _, err := l.mustAgent(spec.Sender); err != nil {
		return nil, err
	}
	if _, err := l.mustAgent(spec.Receiver); err != nil {
		return nil, err
	}
	if spec.Priority < MinPriority || spec.Priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority %d outside [%d,%d]", ErrInvalidTransaction, spec.Priority, MinPriority, MaxPriority)
	}
	if spec.DeadlineTick < spec.ArrivalTick {
		return nil, fmt.Errorf("%w: deadline %d before arrival %d", ErrInvalidTransaction, spec.DeadlineTick, spec.ArrivalTick)
	}
	if spec.RequestedPriority != "" && !spec.RequestedPriority.Valid() {
		return nil, fmt.Errorf("%w: rtgs priority %q", ErrInvalidTransaction, spec.RequestedPriority)
	}

	l.nextTx++
	tx := &Transaction{
		ID:                fmt.Sprintf("tx-%06d", l.nextTx),
		ParentID:          spec.ParentID,
		Sender:            spec.Sender,
		Receiver:          spec.Receiver,
		Amount:            spec.Amount,
		RemainingAmount:   spec.Amount,
		ArrivalTick:       spec.ArrivalTick,
		DeadlineTick:      spec.DeadlineTick,
		Priority:          spec.Priority,
		Divisible:         spec.Divisible,
		RequestedPriority: spec.RequestedPriority,
		SubmissionTick:    NoTick,
		Status:            StatusPending,
		Location:          LocationNone,
		SettledTick:       NoTick,
	}
	l.txs[tx.ID] = tx
	l.txOrder = append(l.txOrder, tx.ID)
	return tx, nil
}

// Transaction returns the live transaction record.
func (l *Ledger) Transaction(id string) (*Transaction, bool) {
	tx, ok := l.txs[id]
	return tx, ok
}

// Transactions returns live records in creation order.
func (l *Ledger) Transactions() []*Transaction {
	out := make([]*Transaction, 0, len(l.txOrder))
	for _, id := range l.txOrder {
		out = append(out, l.txs[id])
	}
	return out
}

// Enqueue appends tx to its sender's internal queue.
func (l *Ledger) Enqueue(tx *Transaction) error {
	agent, err := l.mustAgent(tx.Sender)
	if err != nil {
		return err
	}
	agent.Queue = append(agent.Queue, tx.ID)
	tx.Location = LocationInternal
	return nil
}

// Dequeue removes tx from its sender's internal queue.
func (l *Ledger) Dequeue(tx *Transaction) bool {
	agent, ok := l.agents[tx.Sender]
	if !ok {
		return false
	}
	if agent.removeFromQueue(tx.ID) {
		tx.Location = LocationNone
		return true
	}
	return false
}

// Drop removes an open transaction from play without settling it.
func (l *Ledger) Drop(tx *Transaction) {
	l.Dequeue(tx)
	tx.Status = StatusDropped
	tx.Location = LocationNone
}

// CollateralValue is the liquidity value of posted collateral after haircut, floored to cents.
func CollateralValue(posted int64, haircut float64) int64 {
	if posted <= 0 {
		return 0
	}
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(haircut))
	return decimal.NewFromInt(posted).Mul(factor).Floor().IntPart()
}

// AvailableLiquidity is balance plus unsecured credit plus haircut collateral.
func (a *Agent) AvailableLiquidity() int64 {
	return a.Balance + a.UnsecuredCap + CollateralValue(a.PostedCollateral, a.CollateralHaircut)
}

// AvailableLiquidity returns the agent's available liquidity, zero for unknown agents.
func (l *Ledger) AvailableLiquidity(id string) int64 {
	a, ok := l.agents[id]
	if !ok {
		return 0
	}
	return a.AvailableLiquidity()
}

// CheckLiquidity reports whether sender can fund amount.
func (l *Ledger) CheckLiquidity(sender string, amount int64) error {
	a, err := l.mustAgent(sender)
	if err != nil {
		return err
	}
	if avail := a.AvailableLiquidity(); avail < amount {
		return &InsufficientLiquidityError{Agent: sender, Available: avail, Required: amount}
	}
	return nil
}

// CheckLimits checks the bilateral then multilateral limit of sender. It never mutates state.
func (l *Ledger) CheckLimits(sender, receiver string, amount int64) error {
	a, err := l.mustAgent(sender)
	if err != nil {
		return err
	}
	if limit, ok := a.BilateralLimits[receiver]; ok {
		current := a.BilateralOutflow[receiver]
		if current+amount > limit {
			return &LimitExceededError{Kind: LimitBilateral, Sender: sender, Receiver: receiver, Limit: limit, Current: current, Attempted: amount}
		}
	}
	if a.MultilateralLimit != nil {
		limit := *a.MultilateralLimit
		if a.TotalOutflow+amount > limit {
			return &LimitExceededError{Kind: LimitMultilateral, Sender: sender, Receiver: receiver, Limit: limit, Current: a.TotalOutflow, Attempted: amount}
		}
	}
	return nil
}

// ApplyTransfer moves amount from sender to receiver. It fails without
// mutation when the sender lacks available liquidity.
func (l *Ledger) ApplyTransfer(sender, receiver string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative transfer %d", ErrInvalidTransaction, amount)
	}
	from, err := l.mustAgent(sender)
	if err != nil {
		return err
	}
	to, err := l.mustAgent(receiver)
	if err != nil {
		return err
	}
	if avail := from.AvailableLiquidity(); avail < amount {
		return &InsufficientLiquidityError{Agent: sender, Available: avail, Required: amount}
	}
	from.Balance -= amount
	to.Balance += amount
	return nil
}

// RecordOutflow adds amount to sender's bilateral and total outflow trackers.
func (l *Ledger) RecordOutflow(sender, receiver string, amount int64) {
	a, ok := l.agents[sender]
	if !ok {
		return
	}
	if a.BilateralOutflow == nil {
		a.BilateralOutflow = make(map[string]int64)
	}
	a.BilateralOutflow[receiver] += amount
	a.TotalOutflow += amount
}

// ResetOutflowTracking zeroes every outflow tracker. Called once per day boundary.
func (l *Ledger) ResetOutflowTracking() {
	for _, id := range l.agentIDs {
		a := l.agents[id]
		a.BilateralOutflow = make(map[string]int64)
		a.TotalOutflow = 0
	}
}

// ChargeCosts adds c to the agent's accumulated costs.
func (l *Ledger) ChargeCosts(agentID string, c CostBreakdown) {
	if a, ok := l.agents[agentID]; ok {
		a.Costs = a.Costs.Add(c)
	}
}

// TotalBalance sums balances over all agents.
func (l *Ledger) TotalBalance() int64 {
	var total int64
	for _, id := range l.agentIDs {
		total += l.agents[id].Balance
	}
	return total
}
