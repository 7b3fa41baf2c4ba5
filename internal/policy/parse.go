package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type rawPolicy struct {
	PolicyID    string             `json:"policy_id"`
	Version     json.RawMessage    `json:"version"`
	Description string             `json:"description"`
	Parameters  map[string]float64 `json:"parameters"`
	Payment     json.RawMessage    `json:"payment_tree"`
	Strategic   json.RawMessage    `json:"strategic_collateral_tree"`
	EndOfTick   json.RawMessage    `json:"end_of_tick_collateral_tree"`
}

type rawNode struct {
	Type       string                     `json:"type"`
	NodeID     string                     `json:"node_id"`
	Condition  json.RawMessage            `json:"condition"`
	OnTrue     json.RawMessage            `json:"on_true"`
	OnFalse    json.RawMessage            `json:"on_false"`
	Action     string                     `json:"action"`
	Parameters map[string]json.RawMessage `json:"parameters"`
}

type rawCondition struct {
	Op         string            `json:"op"`
	Left       json.RawMessage   `json:"left"`
	Right      json.RawMessage   `json:"right"`
	Conditions []json.RawMessage `json:"conditions"`
	Condition  json.RawMessage   `json:"condition"`
}

type rawValue struct {
	Value   json.RawMessage `json:"value"`
	Field   *string         `json:"field"`
	Param   *string         `json:"param"`
	Compute json.RawMessage `json:"compute"`
}

type rawExpr struct {
	Op     string            `json:"op"`
	Left   json.RawMessage   `json:"left"`
	Right  json.RawMessage   `json:"right"`
	Values []json.RawMessage `json:"values"`
}

// Parse decodes a policy definition. It checks structure only; call
// Validate before installing the result.
func Parse(definition []byte) (*Policy, error) {
	var raw rawPolicy
	dec := json.NewDecoder(bytes.NewReader(definition))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, malformed("", "", "decode policy: %v", err)
	}
	if strings.TrimSpace(raw.PolicyID) == "" {
		return nil, malformed("", "", "policy_id is required")
	}

	p := &Policy{
		ID:         raw.PolicyID,
		Version:    parseVersion(raw.Version),
		Parameters: raw.Parameters,
		Trees:      make(map[TreeKind]Node),
		raw:        append([]byte(nil), definition...),
	}
	if p.Parameters == nil {
		p.Parameters = map[string]float64{}
	}

	trees := []struct {
		kind TreeKind
		raw  json.RawMessage
	}{
		{PaymentTree, raw.Payment},
		{StrategicCollateralTree, raw.Strategic},
		{EndOfTickCollateralTree, raw.EndOfTick},
	}
	for _, tr := range trees {
		if isNull(tr.raw) {
			continue
		}
		n, err := parseNode(tr.kind, tr.raw)
		if err != nil {
			return nil, err
		}
		p.Trees[tr.kind] = n
	}
	if len(p.Trees) == 0 {
		return nil, malformed("", "", "policy %s defines no trees", p.ID)
	}
	return p, nil
}

func parseVersion(raw json.RawMessage) string {
	if isNull(raw) {
		return "1"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func parseNode(tree TreeKind, data json.RawMessage) (Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed(tree, "", "decode node: %v", err)
	}
	switch raw.Type {
	case "condition":
		cond, err := parseCondition(tree, raw.NodeID, raw.Condition)
		if err != nil {
			return nil, err
		}
		if isNull(raw.OnTrue) || isNull(raw.OnFalse) {
			return nil, malformed(tree, raw.NodeID, "condition node needs on_true and on_false")
		}
		onTrue, err := parseNode(tree, raw.OnTrue)
		if err != nil {
			return nil, err
		}
		onFalse, err := parseNode(tree, raw.OnFalse)
		if err != nil {
			return nil, err
		}
		return &ConditionNode{NodeID: raw.NodeID, Cond: cond, OnTrue: onTrue, OnFalse: onFalse}, nil
	case "action":
		params := make(map[string]Value, len(raw.Parameters))
		for name, rv := range raw.Parameters {
			v, err := parseValue(tree, raw.NodeID, rv)
			if err != nil {
				return nil, err
			}
			params[name] = v
		}
		return &ActionNode{NodeID: raw.NodeID, Action: ActionKind(raw.Action), Params: params}, nil
	default:
		return nil, malformed(tree, raw.NodeID, "unknown node type %q", raw.Type)
	}
}

func parseCondition(tree TreeKind, nodeID string, data json.RawMessage) (Condition, error) {
	if isNull(data) {
		return nil, malformed(tree, nodeID, "missing condition")
	}
	var raw rawCondition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed(tree, nodeID, "decode condition: %v", err)
	}
	switch op := strings.ToLower(raw.Op); op {
	case "and", "or":
		if len(raw.Conditions) == 0 {
			return nil, malformed(tree, nodeID, "%s needs at least one condition", op)
		}
		out := &Logical{And: op == "and"}
		for _, rc := range raw.Conditions {
			c, err := parseCondition(tree, nodeID, rc)
			if err != nil {
				return nil, err
			}
			out.Conditions = append(out.Conditions, c)
		}
		return out, nil
	case "not":
		c, err := parseCondition(tree, nodeID, raw.Condition)
		if err != nil {
			return nil, err
		}
		return &Not{Cond: c}, nil
	case string(OpEq), string(OpNe), string(OpLt), string(OpLe), string(OpGt), string(OpGe):
		left, err := parseValue(tree, nodeID, raw.Left)
		if err != nil {
			return nil, err
		}
		right, err := parseValue(tree, nodeID, raw.Right)
		if err != nil {
			return nil, err
		}
		return &Comparison{Op: CompareOp(op), Left: left, Right: right}, nil
	default:
		return nil, malformed(tree, nodeID, "unknown condition operator %q", raw.Op)
	}
}

func parseValue(tree TreeKind, nodeID string, data json.RawMessage) (Value, error) {
	if isNull(data) {
		return nil, malformed(tree, nodeID, "missing value")
	}
	var raw rawValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed(tree, nodeID, "decode value: %v", err)
	}

	set := 0
	for _, present := range []bool{!isNull(raw.Value), raw.Field != nil, raw.Param != nil, !isNull(raw.Compute)} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, malformed(tree, nodeID, "value must have exactly one of value, field, param, compute")
	}

	switch {
	case raw.Field != nil:
		return &FieldRef{Name: *raw.Field}, nil
	case raw.Param != nil:
		return &ParamRef{Name: *raw.Param}, nil
	case !isNull(raw.Compute):
		e, err := parseExpr(tree, nodeID, raw.Compute)
		if err != nil {
			return nil, err
		}
		return &Compute{Expr: e}, nil
	default:
		return parseLiteral(tree, nodeID, raw.Value)
	}
}

func parseLiteral(tree TreeKind, nodeID string, data json.RawMessage) (Value, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, malformed(tree, nodeID, "decode literal: %v", err)
	}
	switch lit := v.(type) {
	case float64:
		return &Literal{Num: lit}, nil
	case bool:
		if lit {
			return &Literal{Num: 1}, nil
		}
		return &Literal{Num: 0}, nil
	case string:
		return &Literal{Text: lit, IsText: true}, nil
	default:
		return nil, malformed(tree, nodeID, "unsupported literal %s", string(data))
	}
}

func parseExpr(tree TreeKind, nodeID string, data json.RawMessage) (Expr, error) {
	var raw rawExpr
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed(tree, nodeID, "decode compute: %v", err)
	}
	switch op := ArithOp(strings.ToLower(raw.Op)); op {
	case OpAdd, OpSub, OpMul, OpDiv:
		left, err := parseValue(tree, nodeID, raw.Left)
		if err != nil {
			return nil, err
		}
		right, err := parseValue(tree, nodeID, raw.Right)
		if err != nil {
			return nil, err
		}
		return &Binary{Op: op, Left: left, Right: right}, nil
	case OpMin, OpMax:
		if len(raw.Values) == 0 {
			return nil, malformed(tree, nodeID, "%s needs at least one value", op)
		}
		out := &Aggregate{Op: op}
		for _, rv := range raw.Values {
			v, err := parseValue(tree, nodeID, rv)
			if err != nil {
				return nil, err
			}
			out.Values = append(out.Values, v)
		}
		return out, nil
	default:
		return nil, malformed(tree, nodeID, "unknown compute operator %q", raw.Op)
	}
}

func malformed(tree TreeKind, nodeID, format string, args ...any) error {
	return &ValidationError{Code: CodeMalformedPolicy, Tree: tree, NodeID: nodeID, Detail: fmt.Sprintf(format, args...)}
}
