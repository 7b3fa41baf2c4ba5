// Package rtgs implements gross settlement against the central queue.
package rtgs

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
)

var (
	// ErrNotQueued is returned when withdrawing a transaction that is not in the central queue.
	ErrNotQueued = errors.New("transaction is not in the central queue")
	// ErrNotWithdrawn is returned when resubmitting a transaction that was not withdrawn.
	ErrNotWithdrawn = errors.New("transaction is not withdrawn")
)

// Queue reasons reported in queued events.
const (
	ReasonInsufficientLiquidity = "insufficient_liquidity"
	ReasonLimitExceeded         = "limit_exceeded"
)

// Outcome is the result of entry disposition.
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomeOffset  Outcome = "offset"
	OutcomeQueued  Outcome = "queued"
)

// Options configures a Processor.
type Options struct {
	Offsetting bool
}

// Processor owns entry disposition and re-attempts on the central queue.
type Processor struct {
	ledger *ledger.Ledger
	queue  *Queue
	opts   Options
	logger zerolog.Logger
}

// NewProcessor binds a processor to a ledger and queue.
func NewProcessor(l *ledger.Ledger, q *Queue, opts Options, logger zerolog.Logger) *Processor {
	return &Processor{
		ledger: l,
		queue:  q,
		opts:   opts,
		logger: logger.With().Str("component", "rtgs").Logger(),
	}
}

// Queue exposes the central queue.
func (p *Processor) Queue() *Queue {
	return p.queue
}

// Release runs entry disposition for tx under priority: immediate gross
// settlement, then the optional offsetting check, then the central queue.
// Only invariant violations and bookkeeping faults are returned as errors.
func (p *Processor) Release(tx *ledger.Transaction, priority ledger.RTGSPriority, tick int64, rec *event.Recorder) (Outcome, error) {
	if !priority.Valid() {
		return "", fmt.Errorf("release %s: invalid priority %q", tx.ID, priority)
	}
	tx.DeclaredPriority = priority
	tx.SubmissionTick = tick
	rec.Emit(&event.TransactionReleased{
		TxID: tx.ID, Sender: tx.Sender, Receiver: tx.Receiver,
		Amount: tx.RemainingAmount, DeclaredPriority: string(priority),
	})

	amount := tx.RemainingAmount
	err := p.ledger.SettleTransaction(tx, tick)
	if err == nil {
		p.emitImmediate(tx, amount, rec)
		return OutcomeSettled, nil
	}
	if ledger.IsInvariantViolation(err) {
		return "", err
	}
	reason, rerr := p.rejection(tx, err, rec)
	if rerr != nil {
		return "", rerr
	}

	if p.opts.Offsetting {
		ok, err := p.tryOffset(tx, tick, rec)
		if err != nil {
			return "", err
		}
		if ok {
			return OutcomeOffset, nil
		}
	}

	if _, err := p.queue.Push(tx.ID, priority, tick); err != nil {
		return "", err
	}
	tx.Location = ledger.LocationCentral
	rec.Emit(&event.Queued{
		TxID: tx.ID, Sender: tx.Sender, Receiver: tx.Receiver, Amount: tx.RemainingAmount,
		DeclaredPriority: string(priority), Reason: reason,
		Available: p.ledger.AvailableLiquidity(tx.Sender),
	})
	return OutcomeQueued, nil
}

func (p *Processor) emitImmediate(tx *ledger.Transaction, amount int64, rec *event.Recorder) {
	from, _ := p.ledger.Agent(tx.Sender)
	to, _ := p.ledger.Agent(tx.Receiver)
	rec.Emit(&event.ImmediateSettlement{
		TxID: tx.ID, Sender: tx.Sender, Receiver: tx.Receiver, Amount: amount,
		SenderBalance: from.Balance, ReceiverBalance: to.Balance,
	})
}

// rejection reports an expected settlement failure and names it.
func (p *Processor) rejection(tx *ledger.Transaction, err error, rec *event.Recorder) (string, error) {
	var lim *ledger.LimitExceededError
	switch {
	case errors.As(err, &lim):
		rec.Emit(&event.LimitExceeded{
			TxID: tx.ID, Sender: lim.Sender, Receiver: lim.Receiver, LimitKind: string(lim.Kind),
			Limit: lim.Limit, CurrentOutflow: lim.Current, Attempted: lim.Attempted,
		})
		return ReasonLimitExceeded, nil
	case errors.Is(err, ledger.ErrInsufficientLiquidity):
		return ReasonInsufficientLiquidity, nil
	default:
		return "", fmt.Errorf("settle %s: %w", tx.ID, err)
	}
}

// tryOffset scans the receiver's queued payments to the sender in queue
// order and settles the first feasible pair as a two-party net.
func (p *Processor) tryOffset(tx *ledger.Transaction, tick int64, rec *event.Recorder) (bool, error) {
	for _, e := range p.queue.Entries() {
		other, ok := p.ledger.Transaction(e.TxID)
		if !ok || other.Sender != tx.Receiver || other.Receiver != tx.Sender || !other.Open() {
			continue
		}
		legs := []ledger.Leg{
			{Sender: tx.Sender, Receiver: tx.Receiver, TxIDs: []string{tx.ID}, Amount: tx.RemainingAmount},
			{Sender: other.Sender, Receiver: other.Receiver, TxIDs: []string{other.ID}, Amount: other.RemainingAmount},
		}
		if _, err := p.ledger.CheckNet(legs); err != nil {
			if ledger.IsInvariantViolation(err) {
				return false, err
			}
			continue
		}
		if _, err := p.ledger.SettleNet(legs, tick); err != nil {
			return false, err
		}
		p.queue.Remove(other.ID)
		rec.Emit(&event.OffsetSettlement{
			TxID: tx.ID, OffsetTxID: other.ID, Sender: tx.Sender, Receiver: tx.Receiver,
			Amount: legs[0].Amount, OffsetValue: legs[1].Amount, NetAmount: legs[0].Amount - legs[1].Amount,
		})
		p.logger.Debug().Str("tx_id", tx.ID).Str("offset_tx_id", other.ID).Msg("offset settled at entry")
		return true, nil
	}
	return false, nil
}

// Reattempt drains each band from its head while the head settles. A head
// that cannot settle blocks its own band only. Passes repeat while any
// band made progress, since settlements free liquidity for other bands.
func (p *Processor) Reattempt(tick int64, rec *event.Recorder) (int, error) {
	total := 0
	for {
		settled := 0
		for _, band := range ledger.Bands {
			n, err := p.drainBand(band, tick, rec)
			if err != nil {
				return total + settled, err
			}
			settled += n
		}
		total += settled
		if settled == 0 {
			return total, nil
		}
	}
}

func (p *Processor) drainBand(band ledger.RTGSPriority, tick int64, rec *event.Recorder) (int, error) {
	settled := 0
	for {
		head, ok := p.queue.Head(band)
		if !ok {
			return settled, nil
		}
		tx, ok := p.ledger.Transaction(head.TxID)
		if !ok {
			return settled, fmt.Errorf("%w: queued %s", ledger.ErrUnknownTransaction, head.TxID)
		}
		if !tx.Open() {
			p.queue.Remove(tx.ID)
			continue
		}

		amount := tx.RemainingAmount
		err := p.ledger.SettleTransaction(tx, tick)
		if err != nil {
			if ledger.IsInvariantViolation(err) {
				return settled, err
			}
			return settled, nil
		}
		p.queue.Remove(tx.ID)
		settled++
		rec.Emit(&event.QueueSettlement{
			TxID: tx.ID, Sender: tx.Sender, Receiver: tx.Receiver, Amount: amount,
			DeclaredPriority: string(head.Priority), WaitTicks: tick - head.SubmissionTick,
		})
	}
}

// Withdraw pulls a transaction out of the central queue. It keeps its
// internal priority but loses its declared priority and queue position.
func (p *Processor) Withdraw(txID string, rec *event.Recorder) error {
	tx, ok := p.ledger.Transaction(txID)
	if !ok {
		return fmt.Errorf("withdraw: %w: %s", ledger.ErrUnknownTransaction, txID)
	}
	if tx.Location != ledger.LocationCentral {
		return fmt.Errorf("withdraw %s: %w", txID, ErrNotQueued)
	}
	if _, ok := p.queue.Remove(txID); !ok {
		return fmt.Errorf("withdraw %s: %w", txID, ErrNotQueued)
	}
	prev := tx.DeclaredPriority
	tx.DeclaredPriority = ""
	tx.SubmissionTick = ledger.NoTick
	tx.Location = ledger.LocationWithdrawn
	rec.Emit(&event.QueueWithdrawn{TxID: txID, Sender: tx.Sender, PreviousPriority: string(prev)})
	return nil
}

// Resubmit places a withdrawn transaction at the back of the band for
// priority with a new submission tick. Settlement waits for the next
// re-attempt.
func (p *Processor) Resubmit(txID string, priority ledger.RTGSPriority, tick int64, rec *event.Recorder) error {
	tx, ok := p.ledger.Transaction(txID)
	if !ok {
		return fmt.Errorf("resubmit: %w: %s", ledger.ErrUnknownTransaction, txID)
	}
	if tx.Location != ledger.LocationWithdrawn || !tx.Open() {
		return fmt.Errorf("resubmit %s: %w", txID, ErrNotWithdrawn)
	}
	if _, err := p.queue.Push(txID, priority, tick); err != nil {
		return fmt.Errorf("resubmit %s: %w", txID, err)
	}
	tx.DeclaredPriority = priority
	tx.SubmissionTick = tick
	tx.Location = ledger.LocationCentral
	rec.Emit(&event.QueueResubmitted{TxID: txID, Sender: tx.Sender, DeclaredPriority: string(priority), SubmissionTick: tick})
	return nil
}
