package policy

import (
	"math"

	"github.com/aerugo/SimCash-sub000/internal/cost"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
)

// Unlimited is reported for headroom fields when no limit or cap is configured.
const Unlimited = float64(math.MaxInt64)

// Fields is the evaluation context: every named field with its value.
type Fields map[string]float64

var transactionFields = []string{
	"amount", "remaining_amount", "settled_amount", "arrival_tick", "deadline_tick",
	"priority", "is_divisible", "ticks_to_deadline", "queue_age", "is_overdue",
	"bilateral_limit_to_receiver", "bilateral_headroom_to_receiver",
	"cost_delay_this_tx_one_tick", "cost_overdraft_this_amount_one_tick",
}

var agentFields = []string{
	"balance", "credit_limit", "posted_collateral", "collateral_haircut",
	"collateral_capacity", "collateral_headroom", "available_liquidity", "credit_used",
	"outgoing_queue_size", "outgoing_queue_value", "queue2_count_for_agent",
	"queue2_value_for_agent", "incoming_queue2_value", "multilateral_headroom",
}

var systemFields = []string{
	"current_tick", "current_day", "tick_in_day", "ticks_per_day", "day_progress_fraction",
	"is_eod_rush", "ticks_remaining_in_day", "system_queue2_size", "total_agents",
	"cost_overdraft_bps_per_tick", "cost_delay_per_tick_per_cent", "cost_collateral_bps_per_tick",
	"cost_deadline_penalty", "cost_split_friction", "cost_eod_penalty",
}

var fieldsByTree = func() map[TreeKind]map[string]bool {
	collateral := make(map[string]bool)
	for _, f := range agentFields {
		collateral[f] = true
	}
	for _, f := range systemFields {
		collateral[f] = true
	}
	payment := make(map[string]bool, len(collateral)+len(transactionFields))
	for f := range collateral {
		payment[f] = true
	}
	for _, f := range transactionFields {
		payment[f] = true
	}
	return map[TreeKind]map[string]bool{
		PaymentTree:             payment,
		StrategicCollateralTree: collateral,
		EndOfTickCollateralTree: collateral,
	}
}()

// FieldAvailable reports whether name is defined for trees of kind k.
func FieldAvailable(k TreeKind, name string) bool {
	return fieldsByTree[k][name]
}

// FieldNames lists the fields of trees of kind k.
func FieldNames(k TreeKind) []string {
	out := append([]string(nil), agentFields...)
	out = append(out, systemFields...)
	if k == PaymentTree {
		out = append(out, transactionFields...)
	}
	return out
}

// SystemState is the system-wide part of the context.
type SystemState struct {
	Tick             int64
	TicksPerDay      int64
	EODRushThreshold float64
	Queue2Size       int
	TotalAgents      int
	Rates            cost.Rates
}

// AgentState is one agent's part of the context. Agent must be a snapshot
// the evaluation may read without synchronisation.
type AgentState struct {
	Agent               *ledger.Agent
	OutgoingQueueValue  int64
	Queue2Count         int
	Queue2Value         int64
	IncomingQueue2Value int64
}

func boolField(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// CollateralFields builds the context of a collateral tree.
func CollateralFields(a AgentState, sys SystemState) Fields {
	f := make(Fields, len(agentFields)+len(systemFields))
	addSystem(f, sys)
	addAgent(f, a)
	return f
}

// PaymentFields builds the context of a payment tree for tx.
func PaymentFields(tx *ledger.Transaction, a AgentState, sys SystemState) Fields {
	f := make(Fields, len(agentFields)+len(systemFields)+len(transactionFields))
	addSystem(f, sys)
	addAgent(f, a)

	f["amount"] = float64(tx.Amount)
	f["remaining_amount"] = float64(tx.RemainingAmount)
	f["settled_amount"] = float64(tx.SettledAmount)
	f["arrival_tick"] = float64(tx.ArrivalTick)
	f["deadline_tick"] = float64(tx.DeadlineTick)
	f["priority"] = float64(tx.Priority)
	f["is_divisible"] = boolField(tx.Divisible)
	f["ticks_to_deadline"] = float64(tx.DeadlineTick - sys.Tick)
	f["queue_age"] = float64(sys.Tick - tx.ArrivalTick)
	f["is_overdue"] = boolField(tx.Overdue(sys.Tick))

	f["bilateral_limit_to_receiver"] = Unlimited
	f["bilateral_headroom_to_receiver"] = Unlimited
	if limit, ok := a.Agent.BilateralLimit(tx.Receiver); ok {
		f["bilateral_limit_to_receiver"] = float64(limit)
		f["bilateral_headroom_to_receiver"] = float64(limit - a.Agent.BilateralOutflow[tx.Receiver])
	}

	f["cost_delay_this_tx_one_tick"] = sys.Rates.DelayEstimate(tx.RemainingAmount)
	f["cost_overdraft_this_amount_one_tick"] = sys.Rates.OverdraftEstimate(tx.RemainingAmount)
	return f
}

func addAgent(f Fields, s AgentState) {
	a := s.Agent
	f["balance"] = float64(a.Balance)
	f["credit_limit"] = float64(a.UnsecuredCap)
	f["posted_collateral"] = float64(a.PostedCollateral)
	f["collateral_haircut"] = a.CollateralHaircut
	f["collateral_capacity"] = float64(a.CollateralCapacity)
	f["collateral_headroom"] = Unlimited
	if h := a.CollateralHeadroom(); h >= 0 {
		f["collateral_headroom"] = float64(h)
	}
	f["available_liquidity"] = float64(a.AvailableLiquidity())
	f["credit_used"] = float64(a.CreditUsed())
	f["outgoing_queue_size"] = float64(len(a.Queue))
	f["outgoing_queue_value"] = float64(s.OutgoingQueueValue)
	f["queue2_count_for_agent"] = float64(s.Queue2Count)
	f["queue2_value_for_agent"] = float64(s.Queue2Value)
	f["incoming_queue2_value"] = float64(s.IncomingQueue2Value)
	f["multilateral_headroom"] = Unlimited
	if a.MultilateralLimit != nil {
		f["multilateral_headroom"] = float64(*a.MultilateralLimit - a.TotalOutflow)
	}
}

func addSystem(f Fields, sys SystemState) {
	tpd := sys.TicksPerDay
	if tpd <= 0 {
		tpd = 1
	}
	tickInDay := sys.Tick % tpd
	progress := float64(tickInDay) / float64(tpd)

	f["current_tick"] = float64(sys.Tick)
	f["current_day"] = float64(sys.Tick / tpd)
	f["tick_in_day"] = float64(tickInDay)
	f["ticks_per_day"] = float64(tpd)
	f["day_progress_fraction"] = progress
	f["is_eod_rush"] = boolField(progress >= sys.EODRushThreshold)
	f["ticks_remaining_in_day"] = float64(tpd - 1 - tickInDay)
	f["system_queue2_size"] = float64(sys.Queue2Size)
	f["total_agents"] = float64(sys.TotalAgents)

	r := sys.Rates
	f["cost_overdraft_bps_per_tick"] = r.OverdraftBpsPerTick
	f["cost_delay_per_tick_per_cent"] = r.DelayPerTickPerCent
	f["cost_collateral_bps_per_tick"] = r.CollateralBpsPerTick
	f["cost_deadline_penalty"] = float64(r.DeadlinePenalty)
	f["cost_split_friction"] = float64(r.SplitFriction)
	f["cost_eod_penalty"] = float64(r.EODPenalty)
}
