// Package cost prices liquidity use and delay for each agent. Rates are
// floats; every accrual is rounded half away from zero to whole cents.
package cost

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aerugo/SimCash-sub000/internal/ledger"
)

const bpsDivisor = 10000

// Rates are the configured cost parameters.
type Rates struct {
	OverdraftBpsPerTick    float64 `mapstructure:"overdraft_bps_per_tick" json:"overdraft_bps_per_tick"`
	DelayPerTickPerCent    float64 `mapstructure:"delay_per_tick_per_cent" json:"delay_per_tick_per_cent"`
	CollateralBpsPerTick   float64 `mapstructure:"collateral_bps_per_tick" json:"collateral_bps_per_tick"`
	DeadlinePenalty        int64   `mapstructure:"deadline_penalty" json:"deadline_penalty"`
	SplitFriction          int64   `mapstructure:"split_friction" json:"split_friction"`
	EODPenalty             int64   `mapstructure:"eod_penalty" json:"eod_penalty"`
	OverdueDelayMultiplier float64 `mapstructure:"overdue_delay_multiplier" json:"overdue_delay_multiplier"`
}

// DefaultRates mirrors the defaults of the configuration layer.
func DefaultRates() Rates {
	return Rates{
		OverdraftBpsPerTick:    0.001,
		DelayPerTickPerCent:    0.0001,
		CollateralBpsPerTick:   0.0002,
		DeadlinePenalty:        10000,
		SplitFriction:          1000,
		EODPenalty:             20000,
		OverdueDelayMultiplier: 5,
	}
}

// Validate rejects negative rates.
func (r Rates) Validate() error {
	if r.OverdraftBpsPerTick < 0 || r.DelayPerTickPerCent < 0 || r.CollateralBpsPerTick < 0 {
		return fmt.Errorf("cost rates must be non-negative")
	}
	if r.DeadlinePenalty < 0 || r.SplitFriction < 0 || r.EODPenalty < 0 {
		return fmt.Errorf("cost penalties must be non-negative")
	}
	if r.OverdueDelayMultiplier < 1 {
		return fmt.Errorf("overdue delay multiplier must be at least 1, got %v", r.OverdueDelayMultiplier)
	}
	return nil
}

func roundCents(base int64, rate float64) int64 {
	if base == 0 || rate == 0 {
		return 0
	}
	return decimal.NewFromInt(base).Mul(decimal.NewFromFloat(rate)).Round(0).IntPart()
}

// Overdraft is the one-tick charge on a negative balance.
func (r Rates) Overdraft(balance int64) int64 {
	if balance >= 0 {
		return 0
	}
	return roundCents(-balance, r.OverdraftBpsPerTick/bpsDivisor)
}

// Collateral is the one-tick opportunity cost of posted collateral.
func (r Rates) Collateral(posted int64) int64 {
	if posted <= 0 {
		return 0
	}
	return roundCents(posted, r.CollateralBpsPerTick/bpsDivisor)
}

// Delay is the one-tick charge for holding remaining cents in an internal queue.
func (r Rates) Delay(remaining int64, overdue bool) int64 {
	rate := r.DelayPerTickPerCent
	if overdue {
		rate *= r.OverdueDelayMultiplier
	}
	return roundCents(remaining, rate)
}

// Split is the friction of cutting a payment into n parts.
func (r Rates) Split(n int) int64 {
	if n < 2 {
		return 0
	}
	return r.SplitFriction * int64(n-1)
}

// DelayEstimate is the unrounded cost of delaying remaining by one tick.
func (r Rates) DelayEstimate(remaining int64) float64 {
	return float64(remaining) * r.DelayPerTickPerCent
}

// OverdraftEstimate is the unrounded cost of borrowing amount for one tick.
func (r Rates) OverdraftEstimate(amount int64) float64 {
	return float64(amount) * r.OverdraftBpsPerTick / bpsDivisor
}

// Accrue prices one tick for agent. queued holds the transactions in the
// agent's internal queue; central-queue transactions accrue no delay cost.
func (r Rates) Accrue(agent *ledger.Agent, queued []*ledger.Transaction, tick int64) ledger.CostBreakdown {
	c := ledger.CostBreakdown{
		Overdraft:  r.Overdraft(agent.Balance),
		Collateral: r.Collateral(agent.PostedCollateral),
	}
	for _, tx := range queued {
		if tx.Open() {
			c.Delay += r.Delay(tx.RemainingAmount, tx.Overdue(tick))
		}
	}
	return c
}
