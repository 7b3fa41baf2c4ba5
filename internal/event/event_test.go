package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONCarriesKind(t *testing.T) {
	ev := Event{Tick: 4, Seq: 2, Data: &LimitExceeded{
		TxID: "tx-000002", Sender: "A", Receiver: "B",
		LimitKind: "bilateral", Limit: 5000, CurrentOutflow: 3000, Attempted: 3000,
	}}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tick":4,"seq":2,"kind":"limit_exceeded","data":{
		"tx_id":"tx-000002","sender":"A","receiver":"B","limit_kind":"bilateral",
		"limit":5000,"current_outflow":3000,"attempted":3000}}`, string(raw))

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ev, decoded)
	assert.Equal(t, KindLimitExceeded, decoded.Kind())
}

func TestEmbeddedCollateralPayloadIsFlat(t *testing.T) {
	ev := Event{Data: &CollateralPosted{CollateralChange{Agent: "A", Tree: "strategic", Requested: 10, Amount: 10, Posted: 10}}}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var generic map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "A", generic["data"]["agent"])

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestUnknownKindRejected(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"tick":0,"seq":0,"kind":"mystery","data":{}}`), &ev)
	assert.Error(t, err)
}

func TestRecorderSequencesAndFilter(t *testing.T) {
	r := NewRecorder(7)
	r.Emit(&TransactionSubmitted{TxID: "tx-000001"})
	r.Emit(&DeadlineExpired{TxID: "tx-000001", Penalty: 100})
	r.Emit(&EndOfDay{Day: 0})

	events := r.Events()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(7), ev.Tick)
		assert.Equal(t, i, ev.Seq)
	}

	expired := Filter(events, KindDeadlineExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(100), expired[0].Data.(*DeadlineExpired).Penalty)
}

func TestEveryKindDecodes(t *testing.T) {
	kinds := []Kind{
		KindTransactionSubmitted, KindPolicyDecision, KindPolicyEvaluationFailed, KindPolicyReloaded,
		KindTransactionReleased, KindImmediateSettlement, KindQueued, KindLimitExceeded,
		KindOffsetSettlement, KindQueueSettlement, KindLSMBilateralOffset, KindLSMCycleSettlement,
		KindLSMCandidateRejected, KindDeadlineExpired, KindTransactionDropped, KindTransactionSplit,
		KindTransactionHeld, KindCollateralPosted, KindCollateralWithdrawn, KindQueueWithdrawn,
		KindQueueResubmitted, KindCostAccrual, KindEndOfDay,
	}
	for _, k := range kinds {
		p, err := newPayload(k)
		require.NoError(t, err, k)
		assert.Equal(t, k, p.Kind())
	}
}
