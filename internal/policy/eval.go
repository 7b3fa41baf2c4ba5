package policy

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aerugo/SimCash-sub000/internal/ledger"
)

// ErrUnknownField is returned when a context lacks a referenced field.
// Validated trees never hit it.
var ErrUnknownField = errors.New("unknown field")

// ErrTreeMissing is returned when a policy has no tree of the requested kind.
var ErrTreeMissing = errors.New("tree not defined")

// EvalError reports where an evaluation terminated.
type EvalError struct {
	Tree   TreeKind
	NodeID string
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %s at node %q: %v", e.Tree, e.NodeID, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Evaluate walks the tree of kind k against fields. It has no side effects.
func Evaluate(p *Policy, k TreeKind, fields Fields) (Decision, error) {
	root, ok := p.Tree(k)
	if !ok {
		return Decision{}, &EvalError{Tree: k, Err: ErrTreeMissing}
	}
	ev := evaluator{params: p.Parameters, fields: fields}
	n := root
	for {
		switch node := n.(type) {
		case *ConditionNode:
			ok, err := ev.condition(node.Cond)
			if err != nil {
				return Decision{}, &EvalError{Tree: k, NodeID: node.NodeID, Err: err}
			}
			if ok {
				n = node.OnTrue
			} else {
				n = node.OnFalse
			}
		case *ActionNode:
			d, err := ev.decision(k, node)
			if err != nil {
				return Decision{}, &EvalError{Tree: k, NodeID: node.NodeID, Err: err}
			}
			return d, nil
		default:
			return Decision{}, &EvalError{Tree: k, Err: fmt.Errorf("unexpected node %T", n)}
		}
	}
}

type evaluator struct {
	params map[string]float64
	fields Fields
}

func (ev evaluator) condition(c Condition) (bool, error) {
	switch c := c.(type) {
	case *Comparison:
		l, err := ev.number(c.Left)
		if err != nil {
			return false, err
		}
		r, err := ev.number(c.Right)
		if err != nil {
			return false, err
		}
		switch c.Op {
		case OpEq:
			return l == r, nil
		case OpNe:
			return l != r, nil
		case OpLt:
			return l < r, nil
		case OpLe:
			return l <= r, nil
		case OpGt:
			return l > r, nil
		case OpGe:
			return l >= r, nil
		}
		return false, fmt.Errorf("unknown comparison %q", c.Op)
	case *Logical:
		for _, inner := range c.Conditions {
			ok, err := ev.condition(inner)
			if err != nil {
				return false, err
			}
			if c.And && !ok {
				return false, nil
			}
			if !c.And && ok {
				return true, nil
			}
		}
		return c.And, nil
	case *Not:
		ok, err := ev.condition(c.Cond)
		return !ok, err
	default:
		return false, fmt.Errorf("unexpected condition %T", c)
	}
}

func (ev evaluator) number(v Value) (float64, error) {
	switch v := v.(type) {
	case *Literal:
		if v.IsText {
			return 0, fmt.Errorf("text literal %q is not a number", v.Text)
		}
		return v.Num, nil
	case *FieldRef:
		x, ok := ev.fields[v.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownField, v.Name)
		}
		return x, nil
	case *ParamRef:
		x, ok := ev.params[v.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownParameter, v.Name)
		}
		return x, nil
	case *Compute:
		return ev.expr(v.Expr)
	default:
		return 0, fmt.Errorf("unexpected value %T", v)
	}
}

func (ev evaluator) expr(e Expr) (float64, error) {
	switch e := e.(type) {
	case *Binary:
		l, err := ev.number(e.Left)
		if err != nil {
			return 0, err
		}
		r, err := ev.number(e.Right)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case OpAdd:
			return l + r, nil
		case OpSub:
			return l - r, nil
		case OpMul:
			return l * r, nil
		case OpDiv:
			if r == 0 {
				return 0, ErrDivisionByZero
			}
			return l / r, nil
		}
		return 0, fmt.Errorf("unknown operator %q", e.Op)
	case *Aggregate:
		acc, err := ev.number(e.Values[0])
		if err != nil {
			return 0, err
		}
		for _, v := range e.Values[1:] {
			x, err := ev.number(v)
			if err != nil {
				return 0, err
			}
			if e.Op == OpMin {
				acc = math.Min(acc, x)
			} else {
				acc = math.Max(acc, x)
			}
		}
		return acc, nil
	default:
		return 0, fmt.Errorf("unexpected expression %T", e)
	}
}

func (ev evaluator) decision(k TreeKind, n *ActionNode) (Decision, error) {
	d := Decision{Action: n.Action, NodeID: n.NodeID}
	switch n.Action {
	case ActionRelease, ActionDrop:
	case ActionHold:
		d.Reason = DefaultHoldReason
		if lit, ok := n.Params["reason"].(*Literal); ok && lit.IsText && lit.Text != "" {
			d.Reason = lit.Text
		}
	case ActionSubmit:
		p, err := ev.band(n.Params["priority"])
		if err != nil {
			return Decision{}, err
		}
		d.Priority = p
	case ActionSplit:
		x, err := ev.number(n.Params["num_splits"])
		if err != nil {
			return Decision{}, err
		}
		if x < 2 || math.IsNaN(x) {
			return Decision{Action: ActionRelease, NodeID: n.NodeID}, nil
		}
		d.NumSplits = int(math.Min(math.Floor(x), math.MaxInt32))
	case ActionPostCollateral, ActionWithdrawCollateral:
		x, err := ev.number(n.Params["amount"])
		if err != nil {
			return Decision{}, err
		}
		d.Amount = toCents(x)
		if lit, ok := n.Params["reason"].(*Literal); ok && lit.IsText {
			d.Reason = lit.Text
		}
		if k == PaymentTree && n.Action == ActionWithdrawCollateral && d.Reason == "" {
			d.Reason = withdrawHoldReason
		}
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidAction, n.Action)
	}
	return d, nil
}

func (ev evaluator) band(v Value) (ledger.RTGSPriority, error) {
	if lit, ok := v.(*Literal); ok && lit.IsText {
		return parseBand(lit.Text)
	}
	x, err := ev.number(v)
	if err != nil {
		return "", err
	}
	idx := int(math.Floor(x))
	if idx < 0 || idx >= len(ledger.Bands) {
		return "", fmt.Errorf("%w: priority band index %v", ErrInvalidAction, x)
	}
	return ledger.Bands[idx], nil
}

func parseBand(s string) (ledger.RTGSPriority, error) {
	p, err := ledger.ParseRTGSPriority(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return p, nil
}

func toCents(x float64) int64 {
	switch {
	case math.IsNaN(x) || x <= 0:
		return 0
	case x >= float64(math.MaxInt64):
		return math.MaxInt64
	default:
		return int64(math.Floor(x))
	}
}
