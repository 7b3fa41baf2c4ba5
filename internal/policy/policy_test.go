package policy

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerugo/SimCash-sub000/internal/cost"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
)

func testContext(tx *ledger.Transaction, balance int64) Fields {
	agent := &ledger.Agent{ID: "A", Balance: balance, CollateralHaircut: 0.2, BilateralOutflow: map[string]int64{}}
	sys := SystemState{Tick: 8, TicksPerDay: 10, EODRushThreshold: 0.8, TotalAgents: 2, Rates: cost.DefaultRates()}
	return PaymentFields(tx, AgentState{Agent: agent}, sys)
}

func testTx() *ledger.Transaction {
	return &ledger.Transaction{
		ID: "tx-000001", Sender: "A", Receiver: "B",
		Amount: 1000, RemainingAmount: 1000, ArrivalTick: 2, DeadlineTick: 10,
		Priority: 5, Divisible: true, Status: ledger.StatusPending,
	}
}

func mustLoad(t *testing.T, def string) *Policy {
	t.Helper()
	p, err := Load([]byte(def), 0)
	require.NoError(t, err)
	return p
}

func TestBuiltinsValidate(t *testing.T) {
	names := BuiltinNames()
	assert.Equal(t, []string{"collateral_backstop", "deadline_aware", "fifo", "liquidity_aware"}, names)
	for _, name := range names {
		p, err := Builtin(name, 0)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.ID)
	}
	_, err := Builtin("nope", 0)
	assert.Error(t, err)
}

func TestDeadlineAwareEvaluation(t *testing.T) {
	p, err := Builtin("deadline_aware", 0)
	require.NoError(t, err)

	tx := testTx()
	d, err := Evaluate(p, PaymentTree, testContext(tx, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionSubmit, d.Action)
	assert.Equal(t, ledger.Urgent, d.Priority)
	assert.Equal(t, "submit_urgent", d.NodeID)

	tx.DeadlineTick = 5
	d, err = Evaluate(p, PaymentTree, testContext(tx, 0))
	require.NoError(t, err)
	assert.Equal(t, ledger.HighlyUrgent, d.Priority)

	tx.DeadlineTick = 40
	d, err = Evaluate(p, PaymentTree, testContext(tx, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, "insufficient_liquidity", d.Reason)

	d, err = Evaluate(p, PaymentTree, testContext(tx, 5000))
	require.NoError(t, err)
	assert.Equal(t, ActionRelease, d.Action)
}

func TestValidationCollectsEveryProblem(t *testing.T) {
	def := `{
	  "policy_id": "broken",
	  "parameters": {"known": 1},
	  "payment_tree": {
	    "type": "condition", "node_id": "n1",
	    "condition": {"op": "and", "conditions": [
	      {"op": ">", "left": {"field": "no_such_field"}, "right": {"param": "missing"}},
	      {"op": "<", "left": {"compute": {"op": "/", "left": {"value": 1}, "right": {"value": 0}}}, "right": {"value": 1}}
	    ]},
	    "on_true": {"type": "action", "node_id": "n1", "action": "Release"},
	    "on_false": {"type": "action", "node_id": "n2", "action": "Teleport"}
	  },
	  "strategic_collateral_tree": {
	    "type": "condition", "node_id": "s1",
	    "condition": {"op": ">", "left": {"field": "remaining_amount"}, "right": {"value": 0}},
	    "on_true": {"type": "action", "node_id": "s2", "action": "Release"},
	    "on_false": {"type": "action", "node_id": "s3", "action": "Hold"}
	  }
	}`
	p, err := Parse([]byte(def))
	require.NoError(t, err)
	err = Validate(p, 0)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrInvalidFieldReference)
	assert.ErrorIs(t, err, ErrUnknownParameter)
	assert.ErrorIs(t, err, ErrDivisionByZero)
	assert.ErrorIs(t, err, ErrDuplicateNodeID)
	assert.ErrorIs(t, err, ErrInvalidAction)

	codes := map[Code]int{}
	for _, ve := range ValidationErrors(err) {
		codes[ve.Code]++
	}
	// no_such_field in the payment tree, remaining_amount in a collateral tree
	assert.Equal(t, 2, codes[CodeInvalidFieldReference])
	// Teleport, and Release in a collateral tree
	assert.Equal(t, 2, codes[CodeInvalidAction])
}

func TestTreeTooDeep(t *testing.T) {
	var b strings.Builder
	depth := 120
	for i := 0; i < depth; i++ {
		fmt.Fprintf(&b, `{"type":"condition","node_id":"c%d","condition":{"op":">","left":{"field":"amount"},"right":{"value":%d}},"on_true":{"type":"action","node_id":"a%d","action":"Release"},"on_false":`, i, i, i)
	}
	b.WriteString(`{"type":"action","node_id":"leaf","action":"Hold"}`)
	b.WriteString(strings.Repeat("}", depth))
	def := `{"policy_id":"deep","payment_tree":` + b.String() + `}`

	p, err := Parse([]byte(def))
	require.NoError(t, err)
	err = Validate(p, 0)
	assert.ErrorIs(t, err, ErrTreeTooDeep)

	assert.NoError(t, Validate(p, 200))
}

func TestRuntimeDivisionByZero(t *testing.T) {
	p := mustLoad(t, `{
	  "policy_id": "ratio",
	  "payment_tree": {
	    "type": "condition", "node_id": "ratio_check",
	    "condition": {"op": ">", "left": {"compute": {"op": "/", "left": {"field": "remaining_amount"}, "right": {"field": "balance"}}}, "right": {"value": 2}},
	    "on_true": {"type": "action", "node_id": "hold", "action": "Hold"},
	    "on_false": {"type": "action", "node_id": "go", "action": "Release"}
	  }
	}`)

	_, err := Evaluate(p, PaymentTree, testContext(testTx(), 0))
	require.ErrorIs(t, err, ErrDivisionByZero)
	var evalErr *EvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "ratio_check", evalErr.NodeID)
	assert.Equal(t, PaymentTree, evalErr.Tree)

	d, err := Evaluate(p, PaymentTree, testContext(testTx(), 100))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, DefaultHoldReason, d.Reason)
}

func TestSplitAndCollateralActions(t *testing.T) {
	p := mustLoad(t, `{
	  "policy_id": "actions",
	  "parameters": {"parts": 3.7},
	  "payment_tree": {
	    "type": "condition", "node_id": "big",
	    "condition": {"op": "not", "condition": {"op": "<", "left": {"field": "amount"}, "right": {"value": 500}}},
	    "on_true": {"type": "action", "node_id": "split", "action": "Split", "parameters": {"num_splits": {"param": "parts"}}},
	    "on_false": {"type": "action", "node_id": "split_one", "action": "Split", "parameters": {"num_splits": {"value": 1}}}
	  },
	  "end_of_tick_collateral_tree": {
	    "type": "action", "node_id": "post", "action": "PostCollateral",
	    "parameters": {"amount": {"compute": {"op": "max", "values": [{"value": 10.9}, {"field": "credit_used"}]}}}
	  }
	}`)

	tx := testTx()
	d, err := Evaluate(p, PaymentTree, testContext(tx, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionSplit, d.Action)
	assert.Equal(t, 3, d.NumSplits)

	tx.Amount = 100
	d, err = Evaluate(p, PaymentTree, testContext(tx, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionRelease, d.Action)

	agent := &ledger.Agent{ID: "A", Balance: -50}
	d, err = Evaluate(p, EndOfTickCollateralTree, CollateralFields(AgentState{Agent: agent}, SystemState{TicksPerDay: 10}))
	require.NoError(t, err)
	assert.Equal(t, ActionPostCollateral, d.Action)
	assert.Equal(t, int64(50), d.Amount)

	_, err = Evaluate(p, StrategicCollateralTree, Fields{})
	assert.ErrorIs(t, err, ErrTreeMissing)
}

func TestSubmitPriorityValidation(t *testing.T) {
	_, err := Load([]byte(`{"policy_id":"bad","payment_tree":{"type":"action","node_id":"s","action":"Submit","parameters":{"priority":{"value":"express"}}}}`), 0)
	assert.ErrorIs(t, err, ErrInvalidAction)

	p := mustLoad(t, `{"policy_id":"idx","payment_tree":{"type":"action","node_id":"s","action":"Submit","parameters":{"priority":{"value":1}}}}`)
	d, err := Evaluate(p, PaymentTree, testContext(testTx(), 0))
	require.NoError(t, err)
	assert.Equal(t, ledger.Urgent, d.Priority)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"payment_tree":{"type":"action","node_id":"a","action":"Release"}}`,
		`{"policy_id":"x"}`,
		`{"policy_id":"x","payment_tree":{"type":"branch","node_id":"a"}}`,
		`{"policy_id":"x","payment_tree":{"type":"condition","node_id":"a","condition":{"op":">","left":{"value":1,"field":"amount"},"right":{"value":1}},"on_true":{"type":"action","node_id":"b","action":"Release"},"on_false":{"type":"action","node_id":"c","action":"Release"}}}`,
		`{"policy_id":"x","payment_tree":{"type":"condition","node_id":"a","condition":{"op":"xor","conditions":[]},"on_true":{"type":"action","node_id":"b","action":"Release"},"on_false":{"type":"action","node_id":"c","action":"Release"}}}`,
	}
	for _, def := range cases {
		_, err := Parse([]byte(def))
		assert.ErrorIs(t, err, ErrMalformedPolicy, def)
	}
}

func TestRegistryHotReload(t *testing.T) {
	fifo, err := Builtin(DefaultPolicyName, 0)
	require.NoError(t, err)
	reg := NewRegistry([]string{"B", "A"}, fifo, 0)

	before := reg.Snapshot()
	assert.Equal(t, "fifo", before["A"].ID)

	_, err = reg.LoadAndInstall("A", []byte(`{"policy_id":"bad","payment_tree":{"type":"condition","node_id":"c","condition":{"op":">","left":{"field":"nonsense"},"right":{"value":0}},"on_true":{"type":"action","node_id":"t","action":"Release"},"on_false":{"type":"action","node_id":"f","action":"Hold"}}}`))
	require.ErrorIs(t, err, ErrInvalidFieldReference)
	current, _ := reg.Get("A")
	assert.Equal(t, "fifo", current.ID)

	def, err := BuiltinDefinition("deadline_aware")
	require.NoError(t, err)
	_, err = reg.LoadAndInstall("A", def)
	require.NoError(t, err)

	assert.Equal(t, "fifo", before["A"].ID, "snapshot taken earlier is unaffected")
	after := reg.Snapshot()
	assert.Equal(t, "deadline_aware", after["A"].ID)
	assert.Equal(t, "fifo", after["B"].ID)

	assert.Error(t, reg.Install("Z", fifo))
}

func TestCollateralBackstopPostsShortfall(t *testing.T) {
	p, err := Builtin("collateral_backstop", 0)
	require.NoError(t, err)

	agent := &ledger.Agent{ID: "A", Balance: 100, CollateralHaircut: 0.5, CollateralCapacity: 10000, Queue: []string{"tx-1"}}
	fields := CollateralFields(AgentState{Agent: agent, OutgoingQueueValue: 600}, SystemState{TicksPerDay: 10})
	d, err := Evaluate(p, StrategicCollateralTree, fields)
	require.NoError(t, err)
	assert.Equal(t, ActionPostCollateral, d.Action)
	// (600 - 100) / 0.5
	assert.Equal(t, int64(1000), d.Amount)
	assert.Equal(t, "cover_queue", d.Reason)

	empty := &ledger.Agent{ID: "A", PostedCollateral: 300, CollateralHaircut: 0.5}
	d, err = Evaluate(p, EndOfTickCollateralTree, CollateralFields(AgentState{Agent: empty}, SystemState{TicksPerDay: 10}))
	require.NoError(t, err)
	assert.Equal(t, ActionWithdrawCollateral, d.Action)
	assert.Equal(t, int64(300), d.Amount)
}

func TestSystemFields(t *testing.T) {
	f := testContext(testTx(), 0)
	assert.Equal(t, float64(0), f["current_day"])
	assert.Equal(t, float64(8), f["tick_in_day"])
	assert.InDelta(t, 0.8, f["day_progress_fraction"], 1e-9)
	assert.Equal(t, float64(1), f["is_eod_rush"])
	assert.Equal(t, float64(1), f["ticks_remaining_in_day"])
	assert.Equal(t, float64(2), f["ticks_to_deadline"])
	assert.Equal(t, float64(6), f["queue_age"])
	assert.Equal(t, Unlimited, f["bilateral_headroom_to_receiver"])

	for _, name := range FieldNames(PaymentTree) {
		_, ok := f[name]
		assert.True(t, ok, name)
	}
}
