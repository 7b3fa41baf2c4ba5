package engine

import (
	"errors"
	"fmt"

	"github.com/aerugo/SimCash-sub000/internal/cost"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/lsm"
	"github.com/aerugo/SimCash-sub000/internal/policy"
)

// Config is everything a Simulation needs at construction.
type Config struct {
	TicksPerDay        int64         `json:"ticks_per_day"`
	NumDays            int64         `json:"num_days"`
	EODRushThreshold   float64       `json:"eod_rush_threshold"`
	MaxTreeDepth       int           `json:"max_tree_depth"`
	ParallelPolicyEval bool          `json:"parallel_policy_eval"`
	MaxSplits          int           `json:"max_splits"`
	Offsetting         bool          `json:"offsetting"`
	LSM                lsm.Options   `json:"lsm"`
	Costs              cost.Rates    `json:"costs"`
	Agents             []AgentConfig `json:"agents"`
}

// AgentConfig describes one agent and the policy it starts with. Policy
// names a built-in; PolicyDefinition, when set, takes precedence.
type AgentConfig struct {
	ID                 string           `json:"id"`
	OpeningBalance     int64            `json:"opening_balance"`
	UnsecuredCap       int64            `json:"unsecured_cap"`
	PostedCollateral   int64            `json:"posted_collateral"`
	CollateralHaircut  float64          `json:"collateral_haircut"`
	CollateralCapacity int64            `json:"collateral_capacity"`
	BilateralLimits    map[string]int64 `json:"bilateral_limits,omitempty"`
	MultilateralLimit  *int64           `json:"multilateral_limit,omitempty"`
	Policy             string           `json:"policy,omitempty"`
	PolicyDefinition   []byte           `json:"policy_definition,omitempty"`
}

// DefaultMaxSplits caps the parts of one Split when MaxSplits is zero.
const DefaultMaxSplits = 16

// DefaultConfig returns a day of 100 ticks with both LSM passes enabled.
func DefaultConfig() Config {
	return Config{
		TicksPerDay:      100,
		NumDays:          1,
		EODRushThreshold: 0.8,
		MaxTreeDepth:     policy.DefaultMaxDepth,
		MaxSplits:        DefaultMaxSplits,
		LSM:              lsm.DefaultOptions(),
		Costs:            cost.DefaultRates(),
	}
}

// Validate checks the engine settings and the agent set.
func (c Config) Validate() error {
	if c.TicksPerDay <= 0 {
		return errors.New("ticks_per_day must be positive")
	}
	if c.NumDays < 0 {
		return errors.New("num_days must not be negative")
	}
	if c.EODRushThreshold < 0 || c.EODRushThreshold > 1 {
		return fmt.Errorf("eod_rush_threshold must be within [0,1], got %v", c.EODRushThreshold)
	}
	if c.MaxSplits < 0 || c.MaxSplits == 1 {
		return fmt.Errorf("max_splits must be 0 (default) or at least 2, got %d", c.MaxSplits)
	}
	if err := c.Costs.Validate(); err != nil {
		return err
	}
	if len(c.Agents) < 2 {
		return errors.New("at least two agents are required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent %q", a.ID)
		}
		seen[a.ID] = true
		if a.CollateralHaircut < 0 || a.CollateralHaircut > 1 {
			return fmt.Errorf("agent %s: collateral_haircut must be within [0,1]", a.ID)
		}
		if a.OpeningBalance < 0 || a.UnsecuredCap < 0 || a.PostedCollateral < 0 || a.CollateralCapacity < 0 {
			return fmt.Errorf("agent %s: amounts must not be negative", a.ID)
		}
	}
	for _, a := range c.Agents {
		for cp := range a.BilateralLimits {
			if !seen[cp] {
				return fmt.Errorf("agent %s: bilateral limit towards unknown agent %q", a.ID, cp)
			}
		}
	}
	return nil
}

func (c Config) splitCap() int {
	if c.MaxSplits == 0 {
		return DefaultMaxSplits
	}
	return c.MaxSplits
}

func (a AgentConfig) spec() ledger.AgentSpec {
	return ledger.AgentSpec{
		ID:                 a.ID,
		OpeningBalance:     a.OpeningBalance,
		UnsecuredCap:       a.UnsecuredCap,
		PostedCollateral:   a.PostedCollateral,
		CollateralHaircut:  a.CollateralHaircut,
		CollateralCapacity: a.CollateralCapacity,
		BilateralLimits:    a.BilateralLimits,
		MultilateralLimit:  a.MultilateralLimit,
	}
}

// policyFor resolves the agent's starting policy.
func (a AgentConfig) policyFor(maxDepth int) (*policy.Policy, error) {
	if len(a.PolicyDefinition) > 0 {
		return policy.Load(a.PolicyDefinition, maxDepth)
	}
	name := a.Policy
	if name == "" {
		name = policy.DefaultPolicyName
	}
	return policy.Builtin(name, maxDepth)
}
