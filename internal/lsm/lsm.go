// Package lsm finds and settles netting opportunities in the central queue:
// bilateral offsets between pairs of agents and multilateral cycles.
package lsm

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/rtgs"
)

// Candidate labels used in rejection events.
const (
	CandidateBilateral = "bilateral"
	CandidateCycle     = "cycle"
)

// Options configures the netting engine.
type Options struct {
	Enabled        bool `mapstructure:"enabled" json:"enabled"`
	Bilateral      bool `mapstructure:"bilateral" json:"bilateral"`
	Cycles         bool `mapstructure:"cycles" json:"cycles"`
	MaxIterations  int  `mapstructure:"max_iterations" json:"max_iterations"`
	MaxCycleLength int  `mapstructure:"max_cycle_length" json:"max_cycle_length"`
}

// DefaultOptions enables both passes with three iterations and cycles of up to five agents.
func DefaultOptions() Options {
	return Options{Enabled: true, Bilateral: true, Cycles: true, MaxIterations: 3, MaxCycleLength: 5}
}

// Reattempter runs the gross re-attempt pass over the central queue.
type Reattempter interface {
	Reattempt(tick int64, rec *event.Recorder) (int, error)
}

// Result summarises one LSM run.
type Result struct {
	Iterations       int   `json:"iterations"`
	BilateralOffsets int   `json:"bilateral_offsets"`
	CyclesSettled    int   `json:"cycles_settled"`
	Transactions     int   `json:"transactions"`
	Value            int64 `json:"value"`
	Reattempted      int   `json:"reattempted"`
}

// Engine settles netting candidates atomically against the ledger.
type Engine struct {
	ledger *ledger.Ledger
	queue  *rtgs.Queue
	opts   Options
	logger zerolog.Logger
}

// NewEngine binds the engine to the ledger and central queue.
func NewEngine(l *ledger.Ledger, q *rtgs.Queue, opts Options, logger zerolog.Logger) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.MaxCycleLength <= 0 {
		opts.MaxCycleLength = DefaultOptions().MaxCycleLength
	}
	return &Engine{
		ledger: l,
		queue:  q,
		opts:   opts,
		logger: logger.With().Str("component", "lsm").Logger(),
	}
}

// Run executes up to MaxIterations netting iterations. After any iteration
// that settled something, r re-attempts gross settlement; the loop stops
// at the first iteration that settles nothing.
func (e *Engine) Run(tick int64, rec *event.Recorder, r Reattempter) (Result, error) {
	var res Result
	if !e.opts.Enabled {
		return res, nil
	}
	for iter := 1; iter <= e.opts.MaxIterations; iter++ {
		res.Iterations = iter
		settled := 0
		if e.opts.Bilateral {
			n, err := e.bilateralPass(iter, tick, rec, &res)
			if err != nil {
				return res, err
			}
			settled += n
		}
		if e.opts.Cycles {
			n, err := e.cyclePass(iter, tick, rec, &res)
			if err != nil {
				return res, err
			}
			settled += n
		}
		if settled == 0 {
			break
		}
		if r != nil {
			n, err := r.Reattempt(tick, rec)
			if err != nil {
				return res, err
			}
			res.Reattempted += n
		}
	}
	if res.Transactions > 0 {
		e.logger.Debug().
			Int64("tick", tick).
			Int("bilateral", res.BilateralOffsets).
			Int("cycles", res.CyclesSettled).
			Int64("value", res.Value).
			Msg("lsm settled")
	}
	return res, nil
}

// bilateralPass visits agent pairs in lexicographic order and settles both
// directions of each pair in full with one net update.
func (e *Engine) bilateralPass(iter int, tick int64, rec *event.Recorder, res *Result) (int, error) {
	g := BuildGraph(e.ledger, e.queue)
	settled := 0
	for i := 0; i < g.Len(); i++ {
		for j := i + 1; j < g.Len(); j++ {
			ab, ok1 := g.Edge(i, j)
			ba, ok2 := g.Edge(j, i)
			if !ok1 || !ok2 {
				continue
			}
			legs := []ledger.Leg{g.leg(ab), g.leg(ba)}
			agents := []string{g.Agents[i], g.Agents[j]}
			if _, err := e.check(legs); err != nil {
				if ledger.IsInvariantViolation(err) {
					return settled, err
				}
				rec.Emit(&event.LSMCandidateRejected{Iteration: iter, Candidate: CandidateBilateral, Agents: agents, Reason: reason(err)})
				continue
			}
			if err := e.commit(legs, tick); err != nil {
				return settled, err
			}
			settled++
			res.BilateralOffsets++
			res.Transactions += len(ab.TxIDs) + len(ba.TxIDs)
			res.Value += ab.Amount + ba.Amount
			rec.Emit(&event.LSMBilateralOffset{
				Iteration: iter,
				AgentA:    agents[0],
				AgentB:    agents[1],
				AmountAB:  ab.Amount,
				AmountBA:  ba.Amount,
				NetAmount: ab.Amount - ba.Amount,
				TxIDs:     append(append([]string(nil), ab.TxIDs...), ba.TxIDs...),
			})
		}
	}
	return settled, nil
}

// cyclePass settles feasible cycles best first. Candidates are checked
// against the state at the start of the pass, then re-checked against live
// state just before settlement.
func (e *Engine) cyclePass(iter int, tick int64, rec *event.Recorder, res *Result) (int, error) {
	g := BuildGraph(e.ledger, e.queue)
	var feasible []Cycle
	for _, c := range FindCycles(g, e.opts.MaxCycleLength) {
		if err := verifyConservation(c); err != nil {
			return 0, err
		}
		if _, err := e.check(c.Legs); err != nil {
			if ledger.IsInvariantViolation(err) {
				return 0, err
			}
			continue
		}
		feasible = append(feasible, c)
	}
	SortCandidates(feasible)

	used := make(map[[2]int]bool)
	settled := 0
	for _, c := range feasible {
		if touchesUsed(c, used) {
			continue
		}
		if _, err := e.check(c.Legs); err != nil {
			if ledger.IsInvariantViolation(err) {
				return settled, err
			}
			rec.Emit(&event.LSMCandidateRejected{Iteration: iter, Candidate: CandidateCycle, Agents: c.Agents, Reason: reason(err)})
			continue
		}
		if err := e.commit(c.Legs, tick); err != nil {
			return settled, err
		}
		markUsed(c, used)
		settled++
		res.CyclesSettled++
		res.Value += c.Value
		rec.Emit(cycleEvent(iter, c))
		for _, leg := range c.Legs {
			res.Transactions += len(leg.TxIDs)
		}
	}
	return settled, nil
}

// check runs the full feasibility check without mutating anything.
func (e *Engine) check(legs []ledger.Leg) (map[string]int64, error) {
	return e.ledger.CheckNet(legs)
}

func (e *Engine) commit(legs []ledger.Leg, tick int64) error {
	if _, err := e.ledger.SettleNet(legs, tick); err != nil {
		return fmt.Errorf("settle net: %w", err)
	}
	for _, leg := range legs {
		for _, id := range leg.TxIDs {
			e.queue.Remove(id)
		}
	}
	return nil
}

func verifyConservation(c Cycle) error {
	var sum int64
	for _, v := range c.Net {
		sum += v
	}
	if sum != 0 {
		return fmt.Errorf("%w: cycle %v nets to %d", ledger.ErrConservationViolation, c.Agents, sum)
	}
	return nil
}

// SortCandidates orders cycles by value cleared per agent, descending, then
// by agent sequence.
func SortCandidates(cs []Cycle) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cmp := compareValuePerAgent(cs[i], cs[j]); cmp != 0 {
			return cmp > 0
		}
		return lessAgents(cs[i].Agents, cs[j].Agents)
	})
}

// compareValuePerAgent compares a.Value/len(a) with b.Value/len(b) exactly.
func compareValuePerAgent(a, b Cycle) int {
	ahi, alo := bits.Mul64(uint64(a.Value), uint64(len(b.Agents)))
	bhi, blo := bits.Mul64(uint64(b.Value), uint64(len(a.Agents)))
	switch {
	case ahi != bhi:
		if ahi > bhi {
			return 1
		}
		return -1
	case alo != blo:
		if alo > blo {
			return 1
		}
		return -1
	default:
		return 0
	}
}

func lessAgents(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func touchesUsed(c Cycle, used map[[2]int]bool) bool {
	for i, from := range c.Nodes {
		if used[[2]int{from, c.Nodes[(i+1)%len(c.Nodes)]}] {
			return true
		}
	}
	return false
}

func markUsed(c Cycle, used map[[2]int]bool) {
	for i, from := range c.Nodes {
		used[[2]int{from, c.Nodes[(i+1)%len(c.Nodes)]}] = true
	}
}

func cycleEvent(iter int, c Cycle) *event.LSMCycleSettlement {
	ev := &event.LSMCycleSettlement{Iteration: iter, Agents: c.Agents, TotalValue: c.Value}
	for _, leg := range c.Legs {
		ev.Legs = append(ev.Legs, event.CycleLeg{Sender: leg.Sender, Receiver: leg.Receiver, Amount: leg.Amount, TxIDs: leg.TxIDs})
	}
	for _, agent := range c.Agents {
		ev.NetPositions = append(ev.NetPositions, event.NetPosition{Agent: agent, Amount: c.Net[agent]})
	}
	return ev
}

func reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ledger.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	default:
		return err.Error()
	}
}
