package ledger

import (
	"fmt"
)

// CanSettle checks limits and liquidity for the full remaining amount of tx,
// limits first. Both must pass before any balance moves.
func (l *Ledger) CanSettle(tx *Transaction) error {
	if !tx.Open() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransaction, tx.ID, tx.Status)
	}
	if err := l.CheckLimits(tx.Sender, tx.Receiver, tx.RemainingAmount); err != nil {
		return err
	}
	return l.CheckLiquidity(tx.Sender, tx.RemainingAmount)
}

// SettleTransaction settles the remaining amount of tx gross, or returns the
// rejection without touching any state.
func (l *Ledger) SettleTransaction(tx *Transaction, tick int64) error {
	if err := l.CanSettle(tx); err != nil {
		return err
	}
	amount := tx.RemainingAmount
	if err := l.ApplyTransfer(tx.Sender, tx.Receiver, amount); err != nil {
		return err
	}
	l.RecordOutflow(tx.Sender, tx.Receiver, amount)
	return l.markSettled(tx, tick)
}

// Leg is one directed component of a net settlement: every listed
// transaction runs Sender->Receiver and Amount is their remaining total.
type Leg struct {
	Sender   string
	Receiver string
	TxIDs    []string
	Amount   int64
}

// NetPositions computes inflow minus outflow per agent over legs.
func NetPositions(legs []Leg) map[string]int64 {
	net := make(map[string]int64)
	for _, leg := range legs {
		net[leg.Sender] -= leg.Amount
		net[leg.Receiver] += leg.Amount
	}
	return net
}

// CheckNet runs every check a net settlement needs without mutating state:
// leg consistency, one leg per sender, CheckLimits per leg, zero-sum nets and
// liquidity for every net payer.
func (l *Ledger) CheckNet(legs []Leg) (map[string]int64, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("%w: empty net settlement", ErrInvalidTransaction)
	}
	senders := make(map[string]bool, len(legs))
	seen := make(map[string]bool)
	for _, leg := range legs {
		if senders[leg.Sender] {
			return nil, fmt.Errorf("%w: %s pays on more than one leg", ErrInvalidTransaction, leg.Sender)
		}
		senders[leg.Sender] = true

		var sum int64
		for _, id := range leg.TxIDs {
			tx, ok := l.txs[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
			}
			if seen[id] {
				return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidTransaction, id)
			}
			seen[id] = true
			if !tx.Open() || tx.Sender != leg.Sender || tx.Receiver != leg.Receiver {
				return nil, fmt.Errorf("%w: %s does not belong to leg %s->%s", ErrInvalidTransaction, id, leg.Sender, leg.Receiver)
			}
			sum += tx.RemainingAmount
		}
		if sum != leg.Amount {
			return nil, fmt.Errorf("%w: leg %s->%s amount %d != remaining %d", ErrInvalidTransaction, leg.Sender, leg.Receiver, leg.Amount, sum)
		}
		if err := l.CheckLimits(leg.Sender, leg.Receiver, leg.Amount); err != nil {
			return nil, err
		}
	}

	net := NetPositions(legs)
	var total int64
	for _, id := range sortedKeys(net) {
		if _, err := l.mustAgent(id); err != nil {
			return nil, err
		}
		total += net[id]
	}
	if total != 0 {
		return nil, fmt.Errorf("%w: net positions sum to %d", ErrConservationViolation, total)
	}
	for _, id := range sortedKeys(net) {
		if delta := net[id]; delta < 0 {
			if err := l.CheckLiquidity(id, -delta); err != nil {
				return nil, err
			}
		}
	}
	return net, nil
}

// SettleNet settles every leg in full as one atomic operation: either all
// balances, trackers and transactions change, or none do.
func (l *Ledger) SettleNet(legs []Leg, tick int64) (map[string]int64, error) {
	net, err := l.CheckNet(legs)
	if err != nil {
		return nil, err
	}
	for _, id := range sortedKeys(net) {
		l.agents[id].Balance += net[id]
	}
	for _, leg := range legs {
		l.RecordOutflow(leg.Sender, leg.Receiver, leg.Amount)
		for _, id := range leg.TxIDs {
			if err := l.markSettled(l.txs[id], tick); err != nil {
				return nil, err
			}
		}
	}
	return net, nil
}

func (l *Ledger) markSettled(tx *Transaction, tick int64) error {
	amount := tx.RemainingAmount
	tx.RemainingAmount = 0
	tx.SettledAmount += amount
	tx.Status = StatusSettled
	tx.SettledTick = tick
	tx.Location = LocationNone
	if err := tx.checkBounds(); err != nil {
		return err
	}
	if tx.ParentID == "" {
		return nil
	}

	parent, ok := l.txs[tx.ParentID]
	if !ok {
		return fmt.Errorf("%w: parent %s of %s", ErrUnknownTransaction, tx.ParentID, tx.ID)
	}
	parent.RemainingAmount -= amount
	parent.SettledAmount += amount
	if parent.RemainingAmount == 0 {
		parent.Status = StatusSettled
		parent.SettledTick = tick
	} else {
		parent.Status = StatusPartiallySettled
	}
	return parent.checkBounds()
}

// Split replaces the open parent with n children whose amounts sum to its
// remaining amount; the last child takes the remainder.
func (l *Ledger) Split(parent *Transaction, n int) ([]*Transaction, error) {
	if !parent.Divisible {
		return nil, fmt.Errorf("%w: %s is not divisible", ErrInvalidTransaction, parent.ID)
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: split count %d", ErrInvalidTransaction, n)
	}
	if int64(n) > parent.RemainingAmount {
		n = int(parent.RemainingAmount)
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: %s too small to split", ErrInvalidTransaction, parent.ID)
	}

	share := parent.RemainingAmount / int64(n)
	children := make([]*Transaction, 0, n)
	for i := 0; i < n; i++ {
		amount := share
		if i == n-1 {
			amount = parent.RemainingAmount - share*int64(n-1)
		}
		child, err := l.NewTransaction(TransactionSpec{
			Sender:            parent.Sender,
			Receiver:          parent.Receiver,
			Amount:            amount,
			ArrivalTick:       parent.ArrivalTick,
			DeadlineTick:      parent.DeadlineTick,
			Priority:          parent.Priority,
			Divisible:         false,
			RequestedPriority: parent.RequestedPriority,
			ParentID:          parent.ID,
		})
		if err != nil {
			return nil, err
		}
		children = append(children, child)
		parent.Children = append(parent.Children, child.ID)
	}
	l.Dequeue(parent)
	return children, nil
}
