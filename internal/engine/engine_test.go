package engine

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/policy"
)

func testConfig(agents ...AgentConfig) Config {
	cfg := DefaultConfig()
	cfg.TicksPerDay = 10
	cfg.NumDays = 0
	cfg.Agents = agents
	return cfg
}

func newSim(t *testing.T, cfg Config) *Simulation {
	t.Helper()
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func submit(t *testing.T, s *Simulation, from, to string, amount, deadline int64) string {
	t.Helper()
	id, err := s.SubmitTransaction(SubmitRequest{Sender: from, Receiver: to, Amount: amount, DeadlineTick: deadline})
	require.NoError(t, err)
	return id
}

func advance(t *testing.T, s *Simulation) TickEvents {
	t.Helper()
	out, err := s.AdvanceTick()
	require.NoError(t, err)
	return out
}

func balance(t *testing.T, s *Simulation, id string) int64 {
	t.Helper()
	st, err := s.GetAgentState(id)
	require.NoError(t, err)
	return st.Agent.Balance
}

func TestMutualPaymentsSettleByBilateralOffset(t *testing.T) {
	s := newSim(t, testConfig(
		AgentConfig{ID: "A", OpeningBalance: 100},
		AgentConfig{ID: "B", OpeningBalance: 100}))
	ab := submit(t, s, "A", "B", 500, 10)
	ba := submit(t, s, "B", "A", 500, 10)

	out := advance(t, s)
	assert.Equal(t, int64(100), balance(t, s, "A"))
	assert.Equal(t, int64(100), balance(t, s, "B"))
	assert.Empty(t, s.GetQueueContents().Central)
	require.Len(t, event.Filter(out.Events, event.KindLSMBilateralOffset), 1)
	assert.Equal(t, 2, out.Summary.Settled)

	for _, id := range []string{ab, ba} {
		tx, err := s.GetTransactionDetails(id)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusSettled, tx.Status)
	}
}

func TestDeadlinePenaltyChargedOnceAndPaymentStaysQueued(t *testing.T) {
	cfg := testConfig(AgentConfig{ID: "A", OpeningBalance: 100}, AgentConfig{ID: "B"})
	cfg.LSM.Enabled = false
	s := newSim(t, cfg)
	id := submit(t, s, "A", "B", 10000, 2)

	var expired []event.Event
	for i := 0; i < 6; i++ {
		out := advance(t, s)
		expired = append(expired, event.Filter(out.Events, event.KindDeadlineExpired)...)
	}
	require.Len(t, expired, 1)
	assert.Equal(t, int64(3), expired[0].Tick)
	ev := expired[0].Data.(*event.DeadlineExpired)
	assert.Equal(t, cfg.Costs.DeadlinePenalty, ev.Penalty)
	assert.Equal(t, string(ledger.LocationCentral), ev.Location)

	tx, err := s.GetTransactionDetails(id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.Equal(t, ledger.LocationCentral, tx.Location)
	assert.True(t, tx.PenaltyCharged)

	st, err := s.GetAgentState("A")
	require.NoError(t, err)
	assert.Equal(t, cfg.Costs.DeadlinePenalty, st.Agent.Costs.Deadline)
}

func TestBilateralLimitQueuesSecondPayment(t *testing.T) {
	s := newSim(t, testConfig(
		AgentConfig{ID: "A", OpeningBalance: 100000, BilateralLimits: map[string]int64{"B": 5000}},
		AgentConfig{ID: "B"}))
	first := submit(t, s, "A", "B", 3000, 10)
	second := submit(t, s, "A", "B", 3000, 10)

	out := advance(t, s)
	tx, _ := s.GetTransactionDetails(first)
	assert.Equal(t, ledger.StatusSettled, tx.Status)
	tx, _ = s.GetTransactionDetails(second)
	assert.Equal(t, ledger.LocationCentral, tx.Location)

	limits := event.Filter(out.Events, event.KindLimitExceeded)
	require.Len(t, limits, 1)
	ev := limits[0].Data.(*event.LimitExceeded)
	assert.Equal(t, int64(3000), ev.CurrentOutflow)
	assert.Equal(t, int64(5000), ev.Limit)
	assert.Equal(t, int64(3000), ev.Attempted)
}

func TestLimitsResetAtEndOfDay(t *testing.T) {
	cfg := testConfig(
		AgentConfig{ID: "A", OpeningBalance: 1000, BilateralLimits: map[string]int64{"B": 100}},
		AgentConfig{ID: "B"})
	cfg.TicksPerDay = 2
	s := newSim(t, cfg)

	submit(t, s, "A", "B", 100, 5)
	advance(t, s)
	late := submit(t, s, "A", "B", 100, 5)
	out := advance(t, s)

	eod := event.Filter(out.Events, event.KindEndOfDay)
	require.Len(t, eod, 1)
	day := eod[0].Data.(*event.EndOfDay)
	assert.Equal(t, int64(0), day.Day)
	assert.Equal(t, 1, day.Unsettled)
	assert.Equal(t, 1, day.SettledToday)
	assert.Equal(t, cfg.Costs.EODPenalty, day.PenaltyTotal)
	assert.True(t, out.Summary.EndOfDay)

	out = advance(t, s)
	settled := event.Filter(out.Events, event.KindQueueSettlement)
	require.Len(t, settled, 1)
	assert.Equal(t, late, settled[0].Data.(*event.QueueSettlement).TxID)
}

type scriptedPayment struct {
	tick int64
	req  SubmitRequest
}

func script(seed int64, ticks int64, agents []string) []scriptedPayment {
	rng := rand.New(rand.NewSource(seed))
	var out []scriptedPayment
	for tick := int64(0); tick < ticks; tick++ {
		n := rng.Intn(4)
		for i := 0; i < n; i++ {
			from := agents[rng.Intn(len(agents))]
			to := agents[rng.Intn(len(agents))]
			if from == to {
				continue
			}
			out = append(out, scriptedPayment{tick: tick, req: SubmitRequest{
				Sender:       from,
				Receiver:     to,
				Amount:       int64(100 + rng.Intn(2000)),
				DeadlineTick: tick + int64(1+rng.Intn(6)),
				Priority:     rng.Intn(11),
				Divisible:    rng.Intn(3) == 0,
			}})
		}
	}
	return out
}

func mixedConfig(parallel bool) Config {
	cfg := testConfig(
		AgentConfig{ID: "A", OpeningBalance: 1500, UnsecuredCap: 500, Policy: "liquidity_aware"},
		AgentConfig{ID: "B", OpeningBalance: 800, PostedCollateral: 1000, CollateralHaircut: 0.1, Policy: "deadline_aware"},
		AgentConfig{ID: "C", OpeningBalance: 300, CollateralCapacity: 2000, Policy: "collateral_backstop"},
		AgentConfig{ID: "D", OpeningBalance: 1000, BilateralLimits: map[string]int64{"A": 1500}},
	)
	cfg.TicksPerDay = 8
	cfg.Offsetting = true
	cfg.ParallelPolicyEval = parallel
	return cfg
}

// drive runs from the current tick to end, submitting the scripted payments
// of each tick first, and returns the encoded events.
func drive(t *testing.T, s *Simulation, payments []scriptedPayment, end int64) []byte {
	t.Helper()
	var all []event.Event
	for s.CurrentTick() < end {
		tick := s.CurrentTick()
		for _, p := range payments {
			if p.tick == tick {
				_, err := s.SubmitTransaction(p.req)
				require.NoError(t, err)
			}
		}
		out := advance(t, s)
		all = append(all, out.Events...)
	}
	b, err := json.Marshal(all)
	require.NoError(t, err)
	return b
}

func TestConservationAndAmountBounds(t *testing.T) {
	cfg := mixedConfig(false)
	s := newSim(t, cfg)
	payments := script(11, 40, s.AgentIDs())

	var opening int64
	for _, a := range cfg.Agents {
		opening += a.OpeningBalance
	}
	for s.CurrentTick() < 40 {
		tick := s.CurrentTick()
		for _, p := range payments {
			if p.tick == tick {
				_, err := s.SubmitTransaction(p.req)
				require.NoError(t, err)
			}
		}
		advance(t, s)

		var total int64
		for _, st := range s.GetAllAgentStates() {
			total += st.Agent.Balance
			assert.GreaterOrEqual(t, st.AvailableLiquidity, int64(0), st.Agent.ID)
		}
		require.Equal(t, opening, total, "tick %d", tick)
	}

	for i := int64(1); ; i++ {
		tx, err := s.GetTransactionDetails(txID(i))
		if err != nil {
			break
		}
		assert.GreaterOrEqual(t, tx.RemainingAmount, int64(0))
		assert.LessOrEqual(t, tx.RemainingAmount, tx.Amount)
		assert.Equal(t, tx.Amount, tx.RemainingAmount+tx.SettledAmount)
	}
}

func txID(n int64) string {
	return fmt.Sprintf("tx-%06d", n)
}

func TestDeterministicAcrossEvaluationModes(t *testing.T) {
	seq := newSim(t, mixedConfig(false))
	par := newSim(t, mixedConfig(true))
	payments := script(5, 30, seq.AgentIDs())

	a := drive(t, seq, payments, 30)
	b := drive(t, par, payments, 30)
	assert.Equal(t, string(a), string(b))

	da, err := seq.StateDigest()
	require.NoError(t, err)
	db, err := par.StateDigest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestSaveLoadContinuesIdentically(t *testing.T) {
	orig := newSim(t, mixedConfig(false))
	payments := script(23, 24, orig.AgentIDs())
	drive(t, orig, payments, 10)

	// pending boundary events must survive the checkpoint too
	_, err := orig.SubmitTransaction(SubmitRequest{Sender: "A", Receiver: "B", Amount: 50, DeadlineTick: 15})
	require.NoError(t, err)

	blob, err := orig.SaveState()
	require.NoError(t, err)
	restored, err := LoadState(blob, zerolog.Nop())
	require.NoError(t, err)

	d1, err := orig.StateDigest()
	require.NoError(t, err)
	d2, err := restored.StateDigest()
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	a := drive(t, orig, payments, 24)
	b := drive(t, restored, payments, 24)
	assert.Equal(t, string(a), string(b))
}

func TestLoadStateRejectsTamperedCheckpoint(t *testing.T) {
	s := newSim(t, testConfig(AgentConfig{ID: "A", OpeningBalance: 100}, AgentConfig{ID: "B"}))
	blob, err := s.SaveState()
	require.NoError(t, err)

	var cp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &cp))
	cp["digest"] = json.RawMessage(`"0x00"`)
	tampered, err := json.Marshal(cp)
	require.NoError(t, err)

	_, err = LoadState(tampered, zerolog.Nop())
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

const holdAll = `{"policy_id":"hold_all","version":"2","payment_tree":{"type":"action","node_id":"hold","action":"Hold","parameters":{"reason":{"value":"waiting"}}}}`

func TestHotReloadAppliesFromNextTick(t *testing.T) {
	s := newSim(t, testConfig(AgentConfig{ID: "A", OpeningBalance: 100}, AgentConfig{ID: "B"}))
	require.NoError(t, s.LoadPolicy("A", []byte(holdAll)))
	id := submit(t, s, "A", "B", 10, 5)

	out := advance(t, s)
	reloads := event.Filter(out.Events, event.KindPolicyReloaded)
	require.Len(t, reloads, 1)
	assert.Equal(t, "hold_all", reloads[0].Data.(*event.PolicyReloaded).PolicyID)

	decisions := event.Filter(out.Events, event.KindPolicyDecision)
	require.Len(t, decisions, 1)
	d := decisions[0].Data.(*event.PolicyDecision)
	assert.Equal(t, string(policy.ActionHold), d.Action)
	assert.Equal(t, "waiting", d.Reason)

	tx, _ := s.GetTransactionDetails(id)
	assert.Equal(t, ledger.LocationInternal, tx.Location)

	err := s.LoadPolicy("A", []byte(`{"policy_id":"bad","payment_tree":{"type":"action","node_id":"x","action":"Teleport"}}`))
	assert.ErrorIs(t, err, policy.ErrInvalidAction)
	st, err := s.GetAgentState("A")
	require.NoError(t, err)
	assert.Equal(t, "hold_all", st.PolicyID)
	assert.Equal(t, "2", st.PolicyVersion)
}

func TestEvaluationFailureLeavesTransactionUntouched(t *testing.T) {
	ratio := `{
	  "policy_id": "ratio",
	  "payment_tree": {
	    "type": "condition", "node_id": "ratio_check",
	    "condition": {"op": ">", "left": {"compute": {"op": "/", "left": {"field": "remaining_amount"}, "right": {"field": "balance"}}}, "right": {"value": 2}},
	    "on_true": {"type": "action", "node_id": "hold", "action": "Hold"},
	    "on_false": {"type": "action", "node_id": "go", "action": "Release"}
	  }
	}`
	s := newSim(t, testConfig(
		AgentConfig{ID: "A", PolicyDefinition: []byte(ratio)},
		AgentConfig{ID: "B"}))
	id := submit(t, s, "A", "B", 10, 5)

	out := advance(t, s)
	failed := event.Filter(out.Events, event.KindPolicyEvaluationFailed)
	require.Len(t, failed, 1)
	ev := failed[0].Data.(*event.PolicyEvaluationFailed)
	assert.Equal(t, "ratio_check", ev.NodeID)
	assert.Equal(t, string(policy.PaymentTree), ev.Tree)
	assert.Equal(t, id, ev.TxID)
	assert.Empty(t, event.Filter(out.Events, event.KindPolicyDecision))

	tx, _ := s.GetTransactionDetails(id)
	assert.Equal(t, ledger.LocationInternal, tx.Location)
	assert.Equal(t, ledger.StatusPending, tx.Status)
}

const splitFour = `{"policy_id":"split4","payment_tree":{"type":"action","node_id":"split","action":"Split","parameters":{"num_splits":{"value":4}}}}`

func TestSplitReleasesChildrenAndChargesFriction(t *testing.T) {
	cfg := testConfig(
		AgentConfig{ID: "A", OpeningBalance: 1000, PolicyDefinition: []byte(splitFour)},
		AgentConfig{ID: "B"})
	s := newSim(t, cfg)
	id, err := s.SubmitTransaction(SubmitRequest{Sender: "A", Receiver: "B", Amount: 1001, DeadlineTick: 5, Divisible: true})
	require.NoError(t, err)
	indivisible := submit(t, s, "A", "B", 10, 5)

	out := advance(t, s)
	splits := event.Filter(out.Events, event.KindTransactionSplit)
	require.Len(t, splits, 1)
	ev := splits[0].Data.(*event.TransactionSplit)
	assert.Len(t, ev.ChildIDs, 4)
	assert.Equal(t, cfg.Costs.SplitFriction*3, ev.FrictionCost)

	last, err := s.GetTransactionDetails(ev.ChildIDs[3])
	require.NoError(t, err)
	assert.Equal(t, int64(251), last.Amount)
	assert.Equal(t, id, last.ParentID)

	// 1000 covers three children of 250; the last child waits
	parent, _ := s.GetTransactionDetails(id)
	assert.Equal(t, ledger.StatusPartiallySettled, parent.Status)
	assert.Equal(t, int64(750), parent.SettledAmount)

	held := event.Filter(out.Events, event.KindTransactionHeld)
	require.Len(t, held, 1)
	assert.Equal(t, indivisible, held[0].Data.(*event.TransactionHeld).TxID)
	assert.Equal(t, policy.SplitIndivisibleReason, held[0].Data.(*event.TransactionHeld).Reason)

	st, _ := s.GetAgentState("A")
	assert.Equal(t, cfg.Costs.SplitFriction*3, st.Agent.Costs.SplitFriction)
}

func TestStrategicCollateralFundsSameTickRelease(t *testing.T) {
	post := `{
	  "policy_id": "post_first",
	  "payment_tree": {"type": "action", "node_id": "go", "action": "Release"},
	  "strategic_collateral_tree": {"type": "action", "node_id": "post", "action": "PostCollateral", "parameters": {"amount": {"value": 500}}}
	}`
	s := newSim(t, testConfig(
		AgentConfig{ID: "A", CollateralCapacity: 300, PolicyDefinition: []byte(post)},
		AgentConfig{ID: "B"}))
	id := submit(t, s, "A", "B", 250, 5)

	out := advance(t, s)
	posted := event.Filter(out.Events, event.KindCollateralPosted)
	require.Len(t, posted, 1)
	ev := posted[0].Data.(*event.CollateralPosted)
	assert.Equal(t, int64(500), ev.Requested)
	assert.Equal(t, int64(300), ev.Amount)

	tx, _ := s.GetTransactionDetails(id)
	assert.Equal(t, ledger.StatusSettled, tx.Status)
	assert.Equal(t, int64(-250), balance(t, s, "A"))
}

func TestWithdrawAndResubmitThroughBoundary(t *testing.T) {
	cfg := testConfig(AgentConfig{ID: "A"}, AgentConfig{ID: "B"})
	cfg.LSM.Enabled = false
	s := newSim(t, cfg)
	id := submit(t, s, "A", "B", 100, 9)
	advance(t, s)

	require.NoError(t, s.WithdrawFromQueue(id))
	require.NoError(t, s.ResubmitToQueue(id, ledger.Urgent))
	assert.Error(t, s.ResubmitToQueue(id, ledger.Urgent))

	central := s.GetQueueContents().Central
	require.Len(t, central, 1)
	assert.Equal(t, ledger.Urgent, central[0].Priority)
	assert.Equal(t, int64(1), central[0].SubmissionTick)

	out := advance(t, s)
	assert.Len(t, event.Filter(out.Events, event.KindQueueWithdrawn), 1)
	assert.Len(t, event.Filter(out.Events, event.KindQueueResubmitted), 1)

	tx, _ := s.GetTransactionDetails(id)
	assert.Equal(t, 0, tx.Priority)
}

func TestInvariantViolationHaltsSimulation(t *testing.T) {
	s := newSim(t, testConfig(AgentConfig{ID: "A", OpeningBalance: 100}, AgentConfig{ID: "B"}))
	id := submit(t, s, "A", "B", 10, 5)
	advance(t, s)

	tx, ok := s.ledger.Transaction(id)
	require.True(t, ok)
	tx.SettledAmount = 5

	_, err := s.AdvanceTick()
	require.ErrorIs(t, err, ledger.ErrNegativeRemaining)
	_, err = s.AdvanceTick()
	assert.ErrorIs(t, err, ErrSimulationHalted)
	_, err = s.SaveState()
	assert.ErrorIs(t, err, ErrSimulationHalted)
}

func TestFinishedAfterConfiguredDays(t *testing.T) {
	cfg := testConfig(AgentConfig{ID: "A"}, AgentConfig{ID: "B"})
	cfg.TicksPerDay = 3
	cfg.NumDays = 1
	s := newSim(t, cfg)
	for i := 0; i < 3; i++ {
		advance(t, s)
	}
	assert.True(t, s.Finished())
	_, err := s.AdvanceTick()
	assert.ErrorIs(t, err, ErrSimulationFinished)
}

const splitPerCent = `{"policy_id":"split_cents","payment_tree":{"type":"action","node_id":"split","action":"Split","parameters":{"num_splits":{"field":"amount"}}}}`

func TestSplitCountIsCapped(t *testing.T) {
	cfg := testConfig(
		AgentConfig{ID: "A", OpeningBalance: 1_000_000, PolicyDefinition: []byte(splitPerCent)},
		AgentConfig{ID: "B"})
	cfg.MaxSplits = 5
	s := newSim(t, cfg)
	_, err := s.SubmitTransaction(SubmitRequest{Sender: "A", Receiver: "B", Amount: 300000, DeadlineTick: 5, Divisible: true})
	require.NoError(t, err)

	out := advance(t, s)
	splits := event.Filter(out.Events, event.KindTransactionSplit)
	require.Len(t, splits, 1)
	ev := splits[0].Data.(*event.TransactionSplit)
	assert.Equal(t, 5, ev.NumSplits)
	assert.Len(t, ev.ChildIDs, 5)
	assert.Equal(t, 300000, ev.Requested)
	assert.Equal(t, cfg.Costs.SplitFriction*4, ev.FrictionCost)
	assert.Len(t, event.Filter(out.Events, event.KindImmediateSettlement), 5)
	assert.Equal(t, int64(300000), balance(t, s, "B"))
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig(AgentConfig{ID: "A"})
	assert.Error(t, cfg.Validate())

	cfg = testConfig(AgentConfig{ID: "A", BilateralLimits: map[string]int64{"Z": 1}}, AgentConfig{ID: "B"})
	assert.Error(t, cfg.Validate())

	cfg = testConfig(AgentConfig{ID: "A"}, AgentConfig{ID: "B"})
	cfg.MaxSplits = 1
	assert.Error(t, cfg.Validate())

	cfg = testConfig(AgentConfig{ID: "A", Policy: "unknown"}, AgentConfig{ID: "B"})
	_, err := New(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestAllAgentStatesComeFromOneTick(t *testing.T) {
	s := newSim(t, testConfig(
		AgentConfig{ID: "A", OpeningBalance: 10_000},
		AgentConfig{ID: "B", OpeningBalance: 10_000},
		AgentConfig{ID: "C", OpeningBalance: 10_000}))

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			from, to := "A", "B"
			if i%2 == 1 {
				from, to = "B", "C"
			}
			if _, err := s.SubmitTransaction(SubmitRequest{Sender: from, Receiver: to, Amount: 7, DeadlineTick: int64(i + 5)}); err != nil {
				done <- err
				return
			}
			if _, err := s.AdvanceTick(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		default:
		}
		var total int64
		for _, st := range s.GetAllAgentStates() {
			total += st.Agent.Balance
		}
		require.Equal(t, int64(30_000), total)
	}
}
