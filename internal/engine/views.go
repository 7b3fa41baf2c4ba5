package engine

import (
	"fmt"

	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/rtgs"
)

// AgentState is a copy of one agent with derived figures.
type AgentState struct {
	Agent              *ledger.Agent `json:"agent"`
	AvailableLiquidity int64         `json:"available_liquidity"`
	CreditUsed         int64         `json:"credit_used"`
	InternalQueueValue int64         `json:"internal_queue_value"`
	CentralQueueCount  int           `json:"central_queue_count"`
	CentralQueueValue  int64         `json:"central_queue_value"`
	IncomingQueueValue int64         `json:"incoming_queue_value"`
	PolicyID           string        `json:"policy_id"`
	PolicyVersion      string        `json:"policy_version"`
}

// GetAgentState returns a snapshot of one agent.
func (s *Simulation) GetAgentState(agentID string) (AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.ledger.Agent(agentID)
	if !ok {
		return AgentState{}, fmt.Errorf("get agent state: %w: %s", ledger.ErrUnknownAgent, agentID)
	}
	return s.agentState(a, s.queue.Summaries(s.ledger)[agentID]), nil
}

// GetAllAgentStates returns every agent in sorted order, all taken at the
// same tick.
func (s *Simulation) GetAllAgentStates() []AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.ledger.AgentIDs()
	sums := s.queue.Summaries(s.ledger)
	out := make([]AgentState, 0, len(ids))
	for _, id := range ids {
		a, ok := s.ledger.Agent(id)
		if !ok {
			continue
		}
		out = append(out, s.agentState(a, sums[id]))
	}
	return out
}

func (s *Simulation) agentState(a *ledger.Agent, sum rtgs.AgentSummary) AgentState {
	st := AgentState{
		Agent:              a.Clone(),
		AvailableLiquidity: a.AvailableLiquidity(),
		CreditUsed:         a.CreditUsed(),
		InternalQueueValue: s.ledger.QueuedValue(a.ID),
		CentralQueueCount:  sum.OutgoingCount,
		CentralQueueValue:  sum.OutgoingValue,
		IncomingQueueValue: sum.IncomingValue,
	}
	if p, ok := s.registry.Get(a.ID); ok {
		st.PolicyID = p.ID
		st.PolicyVersion = p.Version
	}
	return st
}

// QueuedPayment is a central-queue entry with its transaction's figures.
type QueuedPayment struct {
	rtgs.Entry
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Remaining        int64  `json:"remaining_amount"`
	InternalPriority int    `json:"internal_priority"`
}

// QueueContents lists the central queue in queue order and each agent's
// internal queue.
type QueueContents struct {
	Central  []QueuedPayment     `json:"central"`
	Internal map[string][]string `json:"internal"`
}

// GetQueueContents returns a copy of both queue levels.
func (s *Simulation) GetQueueContents() QueueContents {
	s.mu.Lock()
	defer s.mu.Unlock()

	qc := QueueContents{Internal: make(map[string][]string)}
	for _, e := range s.queue.Entries() {
		qp := QueuedPayment{Entry: e}
		if tx, ok := s.ledger.Transaction(e.TxID); ok {
			qp.Sender = tx.Sender
			qp.Receiver = tx.Receiver
			qp.Remaining = tx.RemainingAmount
			qp.InternalPriority = tx.Priority
		}
		qc.Central = append(qc.Central, qp)
	}
	for _, id := range s.ledger.AgentIDs() {
		a, _ := s.ledger.Agent(id)
		qc.Internal[id] = append([]string{}, a.Queue...)
	}
	return qc
}

// GetTransactionDetails returns a copy of one transaction.
func (s *Simulation) GetTransactionDetails(txID string) (*ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.ledger.Transaction(txID)
	if !ok {
		return nil, fmt.Errorf("get transaction: %w: %s", ledger.ErrUnknownTransaction, txID)
	}
	return tx.Clone(), nil
}
