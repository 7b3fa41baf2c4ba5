package policy

import (
	"errors"
	"fmt"
	"sort"
)

// Code classifies a validation failure.
type Code string

const (
	CodeInvalidFieldReference Code = "InvalidFieldReference"
	CodeUnknownParameter      Code = "UnknownParameter"
	CodeDuplicateNodeID       Code = "DuplicateNodeId"
	CodeTreeTooDeep           Code = "TreeTooDeep"
	CodeDivisionByZero        Code = "DivisionByZero"
	CodeInvalidAction         Code = "InvalidAction"
	CodeInvalidExpression     Code = "InvalidExpression"
	CodeMalformedPolicy       Code = "MalformedPolicy"
)

var (
	ErrInvalidFieldReference = errors.New("invalid field reference")
	ErrUnknownParameter      = errors.New("unknown parameter")
	ErrDuplicateNodeID       = errors.New("duplicate node id")
	ErrTreeTooDeep           = errors.New("tree too deep")
	ErrDivisionByZero        = errors.New("division by zero")
	ErrInvalidAction         = errors.New("invalid action")
	ErrInvalidExpression     = errors.New("invalid expression")
	ErrMalformedPolicy       = errors.New("malformed policy")
)

var codeErrors = map[Code]error{
	CodeInvalidFieldReference: ErrInvalidFieldReference,
	CodeUnknownParameter:      ErrUnknownParameter,
	CodeDuplicateNodeID:       ErrDuplicateNodeID,
	CodeTreeTooDeep:           ErrTreeTooDeep,
	CodeDivisionByZero:        ErrDivisionByZero,
	CodeInvalidAction:         ErrInvalidAction,
	CodeInvalidExpression:     ErrInvalidExpression,
	CodeMalformedPolicy:       ErrMalformedPolicy,
}

// ValidationError is one problem found in a policy definition.
type ValidationError struct {
	Code   Code
	Tree   TreeKind
	NodeID string
	Detail string
}

func (e *ValidationError) Error() string {
	loc := string(e.Tree)
	if e.NodeID != "" {
		loc += "/" + e.NodeID
	}
	if loc == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s at %s: %s", e.Code, loc, e.Detail)
}

// Is matches the sentinel of the error's code.
func (e *ValidationError) Is(target error) bool {
	return codeErrors[e.Code] == target
}

// ValidationErrors extracts every ValidationError joined into err.
func ValidationErrors(err error) []*ValidationError {
	var out []*ValidationError
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if ve, ok := e.(*ValidationError); ok {
			out = append(out, ve)
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		walk(errors.Unwrap(e))
	}
	walk(err)
	return out
}

// Validate checks every tree of p and returns all problems joined, or nil.
// maxDepth <= 0 selects DefaultMaxDepth.
func Validate(p *Policy, maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	v := &validator{policy: p, maxDepth: maxDepth, seen: make(map[string]TreeKind)}
	if _, ok := p.Tree(PaymentTree); !ok {
		v.tree = PaymentTree
		v.fail(CodeMalformedPolicy, "", "payment_tree is required")
	}
	for _, kind := range TreeKinds {
		root, ok := p.Tree(kind)
		if !ok {
			continue
		}
		v.tree = kind
		v.node(root, 1)
	}
	return errors.Join(v.errs...)
}

type validator struct {
	policy   *Policy
	maxDepth int
	tree     TreeKind
	seen     map[string]TreeKind
	errs     []error
}

func (v *validator) fail(code Code, nodeID, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{Code: code, Tree: v.tree, NodeID: nodeID, Detail: fmt.Sprintf(format, args...)})
}

func (v *validator) node(n Node, depth int) {
	if depth > v.maxDepth {
		v.fail(CodeTreeTooDeep, n.ID(), "depth exceeds %d", v.maxDepth)
		return
	}
	id := n.ID()
	if id == "" {
		v.fail(CodeMalformedPolicy, "", "node without node_id")
	} else if prev, dup := v.seen[id]; dup {
		v.fail(CodeDuplicateNodeID, id, "node id already used in %s", prev)
	} else {
		v.seen[id] = v.tree
	}

	switch n := n.(type) {
	case *ConditionNode:
		v.condition(n.NodeID, n.Cond)
		v.node(n.OnTrue, depth+1)
		v.node(n.OnFalse, depth+1)
	case *ActionNode:
		v.action(n)
	}
}

func (v *validator) condition(nodeID string, c Condition) {
	switch c := c.(type) {
	case *Comparison:
		v.numeric(nodeID, c.Left)
		v.numeric(nodeID, c.Right)
	case *Logical:
		for _, inner := range c.Conditions {
			v.condition(nodeID, inner)
		}
	case *Not:
		v.condition(nodeID, c.Cond)
	}
}

func (v *validator) numeric(nodeID string, val Value) {
	switch val := val.(type) {
	case *Literal:
		if val.IsText {
			v.fail(CodeInvalidExpression, nodeID, "text literal %q used as a number", val.Text)
		}
	case *FieldRef:
		if !FieldAvailable(v.tree, val.Name) {
			v.fail(CodeInvalidFieldReference, nodeID, "field %q is not available in %s", val.Name, v.tree)
		}
	case *ParamRef:
		if _, ok := v.policy.Parameters[val.Name]; !ok {
			v.fail(CodeUnknownParameter, nodeID, "parameter %q is not declared", val.Name)
		}
	case *Compute:
		v.expr(nodeID, val.Expr)
	}
}

func (v *validator) expr(nodeID string, e Expr) {
	switch e := e.(type) {
	case *Binary:
		v.numeric(nodeID, e.Left)
		v.numeric(nodeID, e.Right)
		if e.Op == OpDiv {
			if lit, ok := e.Right.(*Literal); ok && !lit.IsText && lit.Num == 0 {
				v.fail(CodeDivisionByZero, nodeID, "literal zero divisor")
			}
		}
	case *Aggregate:
		for _, val := range e.Values {
			v.numeric(nodeID, val)
		}
	}
}

var actionParams = map[ActionKind]struct {
	required []string
	optional []string
}{
	ActionRelease:            {},
	ActionDrop:               {},
	ActionHold:               {optional: []string{"reason"}},
	ActionSubmit:             {required: []string{"priority"}},
	ActionSplit:              {required: []string{"num_splits"}},
	ActionPostCollateral:     {required: []string{"amount"}, optional: []string{"reason"}},
	ActionWithdrawCollateral: {required: []string{"amount"}, optional: []string{"reason"}},
}

func (v *validator) action(n *ActionNode) {
	spec, known := actionParams[n.Action]
	if !known {
		v.fail(CodeInvalidAction, n.NodeID, "unknown action %q", n.Action)
		return
	}
	if !allowedActions[v.tree][n.Action] {
		v.fail(CodeInvalidAction, n.NodeID, "action %s is not allowed in %s", n.Action, v.tree)
	}

	allowed := make(map[string]bool)
	for _, name := range spec.required {
		allowed[name] = true
		if _, ok := n.Params[name]; !ok {
			v.fail(CodeInvalidAction, n.NodeID, "%s requires parameter %q", n.Action, name)
		}
	}
	for _, name := range spec.optional {
		allowed[name] = true
	}

	names := make([]string, 0, len(n.Params))
	for name := range n.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !allowed[name] {
			v.fail(CodeInvalidAction, n.NodeID, "%s does not take parameter %q", n.Action, name)
			continue
		}
		val := n.Params[name]
		lit, isLit := val.(*Literal)
		switch name {
		case "reason":
			if !isLit || !lit.IsText {
				v.fail(CodeInvalidAction, n.NodeID, "reason must be a text literal")
			}
		case "priority":
			if isLit && lit.IsText {
				if _, err := parseBand(lit.Text); err != nil {
					v.fail(CodeInvalidAction, n.NodeID, "%v", err)
				}
				continue
			}
			v.numeric(n.NodeID, val)
		default:
			v.numeric(n.NodeID, val)
		}
	}
}
