package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientLiquidity signals that a sender cannot fund a payment.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrLimitExceeded signals a bilateral or multilateral outflow limit breach.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrUnknownAgent is returned for agent ids the ledger does not hold.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnknownTransaction is returned for transaction ids the ledger does not hold.
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrInvalidTransaction rejects malformed submissions.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrConservationViolation is fatal: a settlement would create or destroy money.
	ErrConservationViolation = errors.New("invariant violation: conservation")
	// ErrNegativeRemaining is fatal: a transaction left its amount bounds.
	ErrNegativeRemaining = errors.New("invariant violation: remaining amount out of bounds")
)

// LimitKind names the limit that rejected a payment.
type LimitKind string

const (
	LimitBilateral    LimitKind = "bilateral"
	LimitMultilateral LimitKind = "multilateral"
)

// LimitExceededError reports the limit, the outflow already used and the attempted amount.
type LimitExceededError struct {
	Kind      LimitKind
	Sender    string
	Receiver  string
	Limit     int64
	Current   int64
	Attempted int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s->%s: limit=%d current=%d attempted=%d",
		e.Kind, e.Sender, e.Receiver, e.Limit, e.Current, e.Attempted)
}

// Is makes errors.Is(err, ErrLimitExceeded) hold.
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// InsufficientLiquidityError carries the shortfall of a rejected payment.
type InsufficientLiquidityError struct {
	Agent     string
	Available int64
	Required  int64
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity for %s: available=%d required=%d", e.Agent, e.Available, e.Required)
}

// Is makes errors.Is(err, ErrInsufficientLiquidity) hold.
func (e *InsufficientLiquidityError) Is(target error) bool {
	return target == ErrInsufficientLiquidity
}

// IsInvariantViolation reports whether err must abort the current tick.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrConservationViolation) || errors.Is(err, ErrNegativeRemaining)
}
