package ledger

import (
	"fmt"
	"sort"
)

// CollateralHeadroom is how much more collateral the agent may post. A zero
// capacity means no cap; the headroom is then reported as -1.
func (a *Agent) CollateralHeadroom() int64 {
	if a.CollateralCapacity == 0 {
		return -1
	}
	if h := a.CollateralCapacity - a.PostedCollateral; h > 0 {
		return h
	}
	return 0
}

// PostCollateral posts up to amount, clamped to the agent's remaining
// capacity, and returns what was actually posted.
func (l *Ledger) PostCollateral(agentID string, amount int64) (int64, error) {
	a, err := l.mustAgent(agentID)
	if err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, fmt.Errorf("post collateral: negative amount %d", amount)
	}
	if h := a.CollateralHeadroom(); h >= 0 && amount > h {
		amount = h
	}
	a.PostedCollateral += amount
	return amount, nil
}

// WithdrawCollateral withdraws up to amount, clamped so that the agent's
// available liquidity never goes negative, and returns what was withdrawn.
func (l *Ledger) WithdrawCollateral(agentID string, amount int64) (int64, error) {
	a, err := l.mustAgent(agentID)
	if err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, fmt.Errorf("withdraw collateral: negative amount %d", amount)
	}
	if amount > a.PostedCollateral {
		amount = a.PostedCollateral
	}

	base := a.Balance + a.UnsecuredCap
	fits := func(w int64) bool {
		return base+CollateralValue(a.PostedCollateral-w, a.CollateralHaircut) >= 0
	}
	if !fits(amount) {
		// collateral value is monotone in the posted amount
		lo, hi := int64(0), amount
		if !fits(0) {
			return 0, nil
		}
		for lo < hi {
			mid := lo + (hi-lo+1)/2
			if fits(mid) {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		amount = lo
	}
	a.PostedCollateral -= amount
	return amount, nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
