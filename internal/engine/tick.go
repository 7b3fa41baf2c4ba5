package engine

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/lsm"
	"github.com/aerugo/SimCash-sub000/internal/policy"
)

// TickEvents is everything one tick produced.
type TickEvents struct {
	Tick    int64         `json:"tick"`
	Events  []event.Event `json:"events"`
	Summary TickSummary   `json:"summary"`
}

// TickSummary condenses a tick for logging and persistence.
type TickSummary struct {
	Settled        int        `json:"settled"`
	SettledValue   int64      `json:"settled_value"`
	CentralQueued  int        `json:"central_queued"`
	InternalQueued int        `json:"internal_queued"`
	LSM            lsm.Result `json:"lsm"`
	Costs          int64      `json:"costs"`
	EndOfDay       bool       `json:"end_of_day"`
}

// AdvanceTick runs one tick. An invariant violation aborts the tick and
// halts the simulation; every later call returns ErrSimulationHalted.
func (s *Simulation) AdvanceTick() (TickEvents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return TickEvents{}, fmt.Errorf("%w: %v", ErrSimulationHalted, s.halted)
	}
	if s.finished() {
		return TickEvents{}, ErrSimulationFinished
	}

	t := &tickRun{
		sim:   s,
		tick:  s.tick,
		rec:   s.rec,
		costs: make(map[string]ledger.CostBreakdown),
	}
	t.policies = s.snapshotPolicies(t.rec)

	if err := t.run(); err != nil {
		s.halted = err
		s.logger.Error().Err(err).Int64("tick", t.tick).Msg("tick aborted, simulation halted")
		return TickEvents{}, fmt.Errorf("advance tick %d: %w", t.tick, err)
	}

	out := TickEvents{Tick: t.tick, Events: t.rec.Events(), Summary: t.summary()}
	s.tick++
	s.rec = event.NewRecorder(s.tick)

	s.logger.Debug().
		Int64("tick", out.Tick).
		Int("events", len(out.Events)).
		Int("settled", out.Summary.Settled).
		Int("central_queued", out.Summary.CentralQueued).
		Msg("tick complete")
	return out, nil
}

type tickRun struct {
	sim      *Simulation
	tick     int64
	rec      *event.Recorder
	policies map[string]*policy.Policy
	costs    map[string]ledger.CostBreakdown
	netting  lsm.Result
	eod      bool
}

func (t *tickRun) run() error {
	if err := t.collateral(policy.StrategicCollateralTree); err != nil {
		return err
	}
	results, err := t.evaluatePayments()
	if err != nil {
		return err
	}
	if err := t.applyDecisions(results); err != nil {
		return err
	}
	if _, err := t.sim.proc.Reattempt(t.tick, t.rec); err != nil {
		return fmt.Errorf("reattempt: %w", err)
	}
	res, err := t.sim.netting.Run(t.tick, t.rec, t.sim.proc)
	if err != nil {
		return fmt.Errorf("lsm: %w", err)
	}
	t.netting = res
	if err := t.collateral(policy.EndOfTickCollateralTree); err != nil {
		return err
	}
	t.deadlines()
	t.accrue()
	eod := t.endOfDay()
	t.chargeCosts()
	if eod != nil {
		t.sim.ledger.ResetOutflowTracking()
		t.rec.Emit(eod)
	}
	return t.verify()
}

func (t *tickRun) verify() error {
	if err := t.sim.ledger.Verify(); err != nil {
		return err
	}
	if total := t.sim.ledger.TotalBalance(); total != t.sim.money {
		return fmt.Errorf("%w: total balance %d, expected %d", ledger.ErrConservationViolation, total, t.sim.money)
	}
	return nil
}

func (t *tickRun) system() policy.SystemState {
	cfg := t.sim.cfg
	return policy.SystemState{
		Tick:             t.tick,
		TicksPerDay:      cfg.TicksPerDay,
		EODRushThreshold: cfg.EODRushThreshold,
		Queue2Size:       t.sim.queue.Len(),
		TotalAgents:      len(t.sim.ledger.AgentIDs()),
		Rates:            cfg.Costs,
	}
}

// agentStates copies every agent so that evaluation reads no live state.
func (t *tickRun) agentStates() map[string]policy.AgentState {
	l := t.sim.ledger
	sums := t.sim.queue.Summaries(l)
	out := make(map[string]policy.AgentState)
	for _, id := range l.AgentIDs() {
		a, _ := l.Agent(id)
		sum := sums[id]
		out[id] = policy.AgentState{
			Agent:               a.Clone(),
			OutgoingQueueValue:  l.QueuedValue(id),
			Queue2Count:         sum.OutgoingCount,
			Queue2Value:         sum.OutgoingValue,
			IncomingQueue2Value: sum.IncomingValue,
		}
	}
	return out
}

func (t *tickRun) evalFailed(agentID string, p *policy.Policy, txID string, err error) {
	ev := &event.PolicyEvaluationFailed{Agent: agentID, PolicyID: p.ID, TxID: txID, Error: err.Error()}
	var ee *policy.EvalError
	if errors.As(err, &ee) {
		ev.Tree = string(ee.Tree)
		ev.NodeID = ee.NodeID
	}
	t.rec.Emit(ev)
	t.sim.logger.Warn().Err(err).Str("agent", agentID).Str("policy_id", p.ID).Str("tx_id", txID).Msg("policy evaluation failed")
}

// collateral evaluates the collateral tree of kind for every agent in
// sorted order.
func (t *tickRun) collateral(kind policy.TreeKind) error {
	sys := t.system()
	states := t.agentStates()
	for _, id := range t.sim.ledger.AgentIDs() {
		p := t.policies[id]
		if _, ok := p.Tree(kind); !ok {
			continue
		}
		d, err := policy.Evaluate(p, kind, policy.CollateralFields(states[id], sys))
		if err != nil {
			t.evalFailed(id, p, "", err)
			continue
		}
		if err := t.adjustCollateral(id, kind, d); err != nil {
			return err
		}
	}
	return nil
}

func (t *tickRun) adjustCollateral(agentID string, kind policy.TreeKind, d policy.Decision) error {
	var (
		moved int64
		err   error
	)
	switch d.Action {
	case policy.ActionPostCollateral:
		moved, err = t.sim.ledger.PostCollateral(agentID, d.Amount)
	case policy.ActionWithdrawCollateral:
		moved, err = t.sim.ledger.WithdrawCollateral(agentID, d.Amount)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("adjust collateral of %s: %w", agentID, err)
	}
	if d.Amount == 0 {
		return nil
	}

	a, _ := t.sim.ledger.Agent(agentID)
	change := event.CollateralChange{
		Agent:     agentID,
		Tree:      string(kind),
		Requested: d.Amount,
		Amount:    moved,
		Posted:    a.PostedCollateral,
		Available: a.AvailableLiquidity(),
	}
	if d.Action == policy.ActionPostCollateral {
		t.rec.Emit(&event.CollateralPosted{CollateralChange: change})
	} else {
		t.rec.Emit(&event.CollateralWithdrawn{CollateralChange: change})
	}
	return nil
}

type evaluation struct {
	tx       *ledger.Transaction
	decision policy.Decision
	err      error
}

// internalQueue orders an agent's open queued transactions for evaluation:
// internal priority descending, then arrival, then queue position.
func (t *tickRun) internalQueue(agentID string) []*ledger.Transaction {
	a, _ := t.sim.ledger.Agent(agentID)
	txs := make([]*ledger.Transaction, 0, len(a.Queue))
	for _, id := range a.Queue {
		if tx, ok := t.sim.ledger.Transaction(id); ok && tx.Open() {
			txs = append(txs, tx)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Priority != txs[j].Priority {
			return txs[i].Priority > txs[j].Priority
		}
		return txs[i].ArrivalTick < txs[j].ArrivalTick
	})
	return txs
}

// evaluatePayments runs every agent's payment tree over copies of the
// state as it stood after the strategic collateral trees. Results are
// indexed by sorted agent position, so applying them is order-independent
// of how evaluation was scheduled.
func (t *tickRun) evaluatePayments() ([][]evaluation, error) {
	ids := t.sim.ledger.AgentIDs()
	sys := t.system()
	states := t.agentStates()

	live := make([][]*ledger.Transaction, len(ids))
	snap := make([][]*ledger.Transaction, len(ids))
	for i, id := range ids {
		live[i] = t.internalQueue(id)
		for _, tx := range live[i] {
			snap[i] = append(snap[i], tx.Clone())
		}
	}

	results := make([][]evaluation, len(ids))
	evalAgent := func(i int) error {
		p := t.policies[ids[i]]
		out := make([]evaluation, len(snap[i]))
		for j, tx := range snap[i] {
			d, err := policy.Evaluate(p, policy.PaymentTree, policy.PaymentFields(tx, states[ids[i]], sys))
			var ee *policy.EvalError
			if err != nil && !errors.As(err, &ee) {
				return fmt.Errorf("evaluate %s for %s: %w", tx.ID, ids[i], err)
			}
			out[j] = evaluation{tx: live[i][j], decision: d, err: err}
		}
		results[i] = out
		return nil
	}

	if !t.sim.cfg.ParallelPolicyEval {
		for i := range ids {
			if err := evalAgent(i); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	var g errgroup.Group
	for i := range ids {
		i := i
		g.Go(func() error { return evalAgent(i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (t *tickRun) applyDecisions(results [][]evaluation) error {
	for i, id := range t.sim.ledger.AgentIDs() {
		p := t.policies[id]
		for _, ev := range results[i] {
			if ev.err != nil {
				t.evalFailed(id, p, ev.tx.ID, ev.err)
				continue
			}
			if ev.tx.Location != ledger.LocationInternal || !ev.tx.Open() {
				continue
			}
			d := ev.decision
			t.rec.Emit(&event.PolicyDecision{
				Agent:     id,
				PolicyID:  p.ID,
				TxID:      ev.tx.ID,
				Action:    string(d.Action),
				NodeID:    d.NodeID,
				Priority:  string(d.Priority),
				Reason:    d.Reason,
				NumSplits: d.NumSplits,
				Amount:    d.Amount,
			})
			if err := t.apply(id, ev.tx, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *tickRun) apply(agentID string, tx *ledger.Transaction, d policy.Decision) error {
	switch d.Action {
	case policy.ActionRelease:
		return t.release(tx, tx.ReleasePriority())
	case policy.ActionSubmit:
		return t.release(tx, d.Priority)
	case policy.ActionHold:
		return nil
	case policy.ActionDrop:
		remaining := tx.RemainingAmount
		t.sim.ledger.Drop(tx)
		t.rec.Emit(&event.TransactionDropped{TxID: tx.ID, Sender: tx.Sender, Receiver: tx.Receiver, Remaining: remaining})
		return nil
	case policy.ActionSplit:
		return t.split(tx, d.NumSplits)
	case policy.ActionPostCollateral:
		if err := t.adjustCollateral(agentID, policy.PaymentTree, d); err != nil {
			return err
		}
		return t.release(tx, tx.ReleasePriority())
	case policy.ActionWithdrawCollateral:
		return t.adjustCollateral(agentID, policy.PaymentTree, d)
	default:
		return fmt.Errorf("apply decision to %s: unexpected action %q", tx.ID, d.Action)
	}
}

func (t *tickRun) release(tx *ledger.Transaction, priority ledger.RTGSPriority) error {
	t.sim.ledger.Dequeue(tx)
	if _, err := t.sim.proc.Release(tx, priority, t.tick, t.rec); err != nil {
		return fmt.Errorf("release %s: %w", tx.ID, err)
	}
	return nil
}

func (t *tickRun) split(tx *ledger.Transaction, n int) error {
	if !tx.Divisible {
		t.rec.Emit(&event.TransactionHeld{TxID: tx.ID, Sender: tx.Sender, Reason: policy.SplitIndivisibleReason})
		return nil
	}
	requested := n
	if limit := t.sim.cfg.splitCap(); n > limit {
		n = limit
	}
	children, err := t.sim.ledger.Split(tx, n)
	if errors.Is(err, ledger.ErrInvalidTransaction) {
		// a payment of one cent cannot be cut
		return t.release(tx, tx.ReleasePriority())
	}
	if err != nil {
		return fmt.Errorf("split %s: %w", tx.ID, err)
	}

	friction := t.sim.cfg.Costs.Split(len(children))
	t.charge(tx.Sender, ledger.CostBreakdown{SplitFriction: friction})
	ev := &event.TransactionSplit{TxID: tx.ID, Sender: tx.Sender, NumSplits: len(children), FrictionCost: friction}
	if requested != len(children) {
		ev.Requested = requested
	}
	for _, c := range children {
		ev.ChildIDs = append(ev.ChildIDs, c.ID)
	}
	t.rec.Emit(ev)

	for _, c := range children {
		if _, err := t.sim.proc.Release(c, tx.ReleasePriority(), t.tick, t.rec); err != nil {
			return fmt.Errorf("release %s: %w", c.ID, err)
		}
	}
	return nil
}

// deadlines charges the one-off penalty to every open transaction whose
// deadline has passed, wherever it sits.
func (t *tickRun) deadlines() {
	penalty := t.sim.cfg.Costs.DeadlinePenalty
	for _, tx := range t.sim.ledger.OpenTransactions() {
		if tx.PenaltyCharged || !tx.Overdue(t.tick) {
			continue
		}
		tx.PenaltyCharged = true
		t.charge(tx.Sender, ledger.CostBreakdown{Deadline: penalty})
		t.rec.Emit(&event.DeadlineExpired{
			TxID:         tx.ID,
			Sender:       tx.Sender,
			Receiver:     tx.Receiver,
			Remaining:    tx.RemainingAmount,
			DeadlineTick: tx.DeadlineTick,
			Location:     string(tx.Location),
			Penalty:      penalty,
		})
	}
}

func (t *tickRun) accrue() {
	l := t.sim.ledger
	for _, id := range l.AgentIDs() {
		a, _ := l.Agent(id)
		queued := make([]*ledger.Transaction, 0, len(a.Queue))
		for _, txID := range a.Queue {
			if tx, ok := l.Transaction(txID); ok {
				queued = append(queued, tx)
			}
		}
		t.charge(id, t.sim.cfg.Costs.Accrue(a, queued, t.tick))
	}
}

// endOfDay charges the end-of-day penalty on the last tick of a day and
// returns the event to emit once costs are booked.
func (t *tickRun) endOfDay() *event.EndOfDay {
	tpd := t.sim.cfg.TicksPerDay
	if (t.tick+1)%tpd != 0 {
		return nil
	}
	t.eod = true
	day := t.tick / tpd
	ev := &event.EndOfDay{Day: day, LimitsReset: true}

	penalty := t.sim.cfg.Costs.EODPenalty
	for _, tx := range t.sim.ledger.OpenTransactions() {
		ev.Unsettled++
		ev.UnsettledValue += tx.RemainingAmount
		ev.PenaltyTotal += penalty
		t.charge(tx.Sender, ledger.CostBreakdown{EndOfDay: penalty})
	}
	dayStart := day * tpd
	for _, tx := range t.sim.ledger.Transactions() {
		if tx.Status == ledger.StatusSettled && len(tx.Children) == 0 && tx.SettledTick >= dayStart {
			ev.SettledToday++
		}
	}
	return ev
}

func (t *tickRun) charge(agentID string, c ledger.CostBreakdown) {
	t.costs[agentID] = t.costs[agentID].Add(c)
}

// chargeCosts books the tick's costs and reports them per agent.
func (t *tickRun) chargeCosts() {
	for _, id := range t.sim.ledger.AgentIDs() {
		c := t.costs[id]
		if c.IsZero() {
			continue
		}
		t.sim.ledger.ChargeCosts(id, c)
		t.rec.Emit(&event.CostAccrual{Agent: id, Costs: c, Total: c.Total()})
	}
}

func (t *tickRun) summary() TickSummary {
	sum := TickSummary{
		CentralQueued: t.sim.queue.Len(),
		LSM:           t.netting,
		EndOfDay:      t.eod,
	}
	for _, id := range t.sim.ledger.AgentIDs() {
		a, _ := t.sim.ledger.Agent(id)
		sum.InternalQueued += len(a.Queue)
		sum.Costs += t.costs[id].Total()
	}
	for _, ev := range t.rec.Events() {
		switch p := ev.Data.(type) {
		case *event.ImmediateSettlement:
			sum.Settled++
			sum.SettledValue += p.Amount
		case *event.OffsetSettlement:
			sum.Settled += 2
			sum.SettledValue += p.Amount + p.OffsetValue
		case *event.QueueSettlement:
			sum.Settled++
			sum.SettledValue += p.Amount
		case *event.LSMBilateralOffset:
			sum.Settled += len(p.TxIDs)
			sum.SettledValue += p.AmountAB + p.AmountBA
		case *event.LSMCycleSettlement:
			for _, leg := range p.Legs {
				sum.Settled += len(leg.TxIDs)
			}
			sum.SettledValue += p.TotalValue
		}
	}
	return sum
}
