package ledger

import (
	"fmt"
)

// State is the serialisable content of a ledger. Agents are sorted by id and
// transactions are in creation order so that encoding is canonical.
type State struct {
	Agents       []*Agent       `json:"agents"`
	Transactions []*Transaction `json:"transactions"`
	NextTxSeq    int64          `json:"next_tx_seq"`
}

// Export deep-copies the ledger into a State.
func (l *Ledger) Export() State {
	st := State{
		Agents:       make([]*Agent, 0, len(l.agentIDs)),
		Transactions: make([]*Transaction, 0, len(l.txOrder)),
		NextTxSeq:    l.nextTx,
	}
	for _, id := range l.agentIDs {
		st.Agents = append(st.Agents, l.agents[id].Clone())
	}
	for _, id := range l.txOrder {
		st.Transactions = append(st.Transactions, l.txs[id].Clone())
	}
	return st
}

// Restore rebuilds a ledger from st and re-verifies the amount invariants.
func Restore(st State) (*Ledger, error) {
	l := New()
	for _, a := range st.Agents {
		if a == nil || a.ID == "" {
			return nil, fmt.Errorf("restore ledger: agent without id")
		}
		if _, dup := l.agents[a.ID]; dup {
			return nil, fmt.Errorf("restore ledger: duplicate agent %q", a.ID)
		}
		c := a.Clone()
		if c.BilateralOutflow == nil {
			c.BilateralOutflow = make(map[string]int64)
		}
		l.insertAgent(c)
	}
	for _, tx := range st.Transactions {
		if tx == nil || tx.ID == "" {
			return nil, fmt.Errorf("restore ledger: transaction without id")
		}
		if _, dup := l.txs[tx.ID]; dup {
			return nil, fmt.Errorf("restore ledger: duplicate transaction %q", tx.ID)
		}
		if err := tx.checkBounds(); err != nil {
			return nil, fmt.Errorf("restore ledger: %w", err)
		}
		l.txs[tx.ID] = tx.Clone()
		l.txOrder = append(l.txOrder, tx.ID)
	}
	for _, id := range l.agentIDs {
		for _, txID := range l.agents[id].Queue {
			if _, ok := l.txs[txID]; !ok {
				return nil, fmt.Errorf("restore ledger: agent %s queues %w %s", id, ErrUnknownTransaction, txID)
			}
		}
	}
	if st.NextTxSeq < int64(len(st.Transactions)) {
		return nil, fmt.Errorf("restore ledger: sequence %d behind %d transactions", st.NextTxSeq, len(st.Transactions))
	}
	l.nextTx = st.NextTxSeq
	return l, nil
}

// QueuedValue sums the remaining amount of the agent's internal queue.
func (l *Ledger) QueuedValue(agentID string) int64 {
	a, ok := l.agents[agentID]
	if !ok {
		return 0
	}
	var total int64
	for _, id := range a.Queue {
		if tx, ok := l.txs[id]; ok {
			total += tx.RemainingAmount
		}
	}
	return total
}

// OpenTransactions returns every unsettled, undropped transaction in creation
// order. Split parents are excluded; their children stand in for them.
func (l *Ledger) OpenTransactions() []*Transaction {
	var out []*Transaction
	for _, id := range l.txOrder {
		tx := l.txs[id]
		if tx.Open() && len(tx.Children) == 0 {
			out = append(out, tx)
		}
	}
	return out
}

// Verify re-checks the amount bounds of every transaction.
func (l *Ledger) Verify() error {
	for _, id := range l.txOrder {
		if err := l.txs[id].checkBounds(); err != nil {
			return err
		}
	}
	return nil
}
