// Package policy parses, validates and evaluates agent decision trees.
//
// A policy carries up to three trees. The payment tree is evaluated once per
// queued transaction per tick; the collateral trees once per agent per tick.
// Trees are closed sum types: every node, condition, value and expression
// kind is a concrete type of this package and evaluation is a type switch.
package policy

import (
	"github.com/aerugo/SimCash-sub000/internal/ledger"
)

// TreeKind names one of the trees of a policy.
type TreeKind string

const (
	PaymentTree             TreeKind = "payment_tree"
	StrategicCollateralTree TreeKind = "strategic_collateral_tree"
	EndOfTickCollateralTree TreeKind = "end_of_tick_collateral_tree"
)

// DefaultMaxDepth bounds tree depth when no other limit is configured.
const DefaultMaxDepth = 100

const (
	// DefaultHoldReason is reported for holds without an explicit reason.
	DefaultHoldReason = "policy_hold"
	// SplitIndivisibleReason is reported when a split targets an indivisible transaction.
	SplitIndivisibleReason = "split_indivisible"
	withdrawHoldReason     = "collateral_withdrawn"
)

// TreeKinds lists trees in evaluation order within a tick.
var TreeKinds = []TreeKind{StrategicCollateralTree, PaymentTree, EndOfTickCollateralTree}

// ActionKind is what an action node asks the orchestrator to do.
type ActionKind string

const (
	ActionRelease            ActionKind = "Release"
	ActionSubmit             ActionKind = "Submit"
	ActionHold               ActionKind = "Hold"
	ActionDrop               ActionKind = "Drop"
	ActionSplit              ActionKind = "Split"
	ActionPostCollateral     ActionKind = "PostCollateral"
	ActionWithdrawCollateral ActionKind = "WithdrawCollateral"
)

var allowedActions = map[TreeKind]map[ActionKind]bool{
	PaymentTree: {
		ActionRelease: true, ActionSubmit: true, ActionHold: true, ActionDrop: true,
		ActionSplit: true, ActionPostCollateral: true, ActionWithdrawCollateral: true,
	},
	StrategicCollateralTree: {ActionPostCollateral: true, ActionWithdrawCollateral: true, ActionHold: true},
	EndOfTickCollateralTree: {ActionPostCollateral: true, ActionWithdrawCollateral: true, ActionHold: true},
}

// Policy is an immutable, validated set of trees. Installed policies are
// never mutated; a reload replaces the whole value.
type Policy struct {
	ID         string
	Version    string
	Parameters map[string]float64
	Trees      map[TreeKind]Node
	raw        []byte
}

// Tree returns the tree of kind k, if the policy defines it.
func (p *Policy) Tree(k TreeKind) (Node, bool) {
	n, ok := p.Trees[k]
	return n, ok && n != nil
}

// Definition returns the JSON the policy was parsed from.
func (p *Policy) Definition() []byte {
	return append([]byte(nil), p.raw...)
}

// Node is a ConditionNode or an ActionNode.
type Node interface {
	ID() string
	node()
}

// ConditionNode branches on a condition.
type ConditionNode struct {
	NodeID  string
	Cond    Condition
	OnTrue  Node
	OnFalse Node
}

// ActionNode is a leaf producing a decision.
type ActionNode struct {
	NodeID string
	Action ActionKind
	Params map[string]Value
}

func (n *ConditionNode) ID() string { return n.NodeID }
func (n *ActionNode) ID() string    { return n.NodeID }
func (*ConditionNode) node()        {}
func (*ActionNode) node()           {}

// CompareOp is a binary comparison.
type CompareOp string

const (
	OpEq CompareOp = "=="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Condition is a Comparison, a Logical or a Not.
type Condition interface {
	condition()
}

// Comparison compares two values.
type Comparison struct {
	Op    CompareOp
	Left  Value
	Right Value
}

// Logical combines conditions with and/or. Evaluation short-circuits.
type Logical struct {
	And        bool
	Conditions []Condition
}

// Not negates a condition.
type Not struct {
	Cond Condition
}

func (*Comparison) condition() {}
func (*Logical) condition()    {}
func (*Not) condition()        {}

// Value is a Literal, FieldRef, ParamRef or Compute.
type Value interface {
	value()
}

// Literal is a constant. Text literals only appear as action parameters.
type Literal struct {
	Num    float64
	Text   string
	IsText bool
}

// FieldRef reads a field of the evaluation context.
type FieldRef struct {
	Name string
}

// ParamRef reads a policy parameter.
type ParamRef struct {
	Name string
}

// Compute evaluates an arithmetic expression.
type Compute struct {
	Expr Expr
}

func (*Literal) value()  {}
func (*FieldRef) value() {}
func (*ParamRef) value() {}
func (*Compute) value()  {}

// ArithOp is an arithmetic or aggregation operator.
type ArithOp string

const (
	OpAdd ArithOp = "+"
	OpSub ArithOp = "-"
	OpMul ArithOp = "*"
	OpDiv ArithOp = "/"
	OpMin ArithOp = "min"
	OpMax ArithOp = "max"
)

// Expr is a Binary or an Aggregate.
type Expr interface {
	expr()
}

// Binary applies + - * / to two values.
type Binary struct {
	Op    ArithOp
	Left  Value
	Right Value
}

// Aggregate applies min or max to one or more values.
type Aggregate struct {
	Op     ArithOp
	Values []Value
}

func (*Binary) expr()    {}
func (*Aggregate) expr() {}

// Decision is the result of evaluating one tree.
type Decision struct {
	Action    ActionKind
	NodeID    string
	Priority  ledger.RTGSPriority
	Reason    string
	NumSplits int
	Amount    int64
}
