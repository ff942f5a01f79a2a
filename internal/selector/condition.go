// Package selector evaluates declarative condition trees against resources,
// environments, deployments and deployment versions.
//
// A selector is a closed set of node types. Parsing rejects unknown node
// types and malformed operators, so evaluation only ever sees well-formed
// trees; evaluation still fails loudly when a leaf does not apply to the
// candidate being matched.
package selector

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Type tags a condition node in its JSON form.
type Type string

const (
	TypeIdentifier Type = "identifier"
	TypeName       Type = "name"
	TypeKind       Type = "kind"
	TypeVersion    Type = "version"
	TypeMetadata   Type = "metadata"
	TypeSystem     Type = "system"
	TypeTag        Type = "tag"
	TypeComparison Type = "comparison"
	TypeCEL        Type = "cel"
)

// Operator compares a leaf's attribute with its value.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts-with"
	OpEndsWith   Operator = "ends-with"
	OpRegex      Operator = "regex"
)

// LogicalOperator combines the children of a comparison node.
type LogicalOperator string

const (
	And LogicalOperator = "and"
	Or  LogicalOperator = "or"
)

// MaxDepth bounds comparison nesting.
const MaxDepth = 16

// Condition is one node of a selector tree. The set of implementations is
// closed to this package.
type Condition interface {
	Type() Type
	isCondition()
}

// Match is the comparison shared by all string leaves.
type Match struct {
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

type (
	Identifier struct{ Match }
	Name       struct{ Match }
	Kind       struct{ Match }
	Version    struct{ Match }
	System     struct{ Match }
	Tag        struct{ Match }
)

// Metadata matches the value stored under Key.
type Metadata struct {
	Key string `json:"key"`
	Match
}

// Comparison groups child conditions with and/or, optionally negated.
type Comparison struct {
	Operator   LogicalOperator `json:"operator"`
	Not        bool            `json:"not,omitempty"`
	Conditions []Condition     `json:"-"`
}

// CEL is a boolean CEL expression over the candidate, exposed as a variable
// named after its kind (resource, environment, deployment, version).
type CEL struct {
	Expression string `json:"expression"`
}

func (Identifier) Type() Type { return TypeIdentifier }
func (Name) Type() Type       { return TypeName }
func (Kind) Type() Type       { return TypeKind }
func (Version) Type() Type    { return TypeVersion }
func (System) Type() Type     { return TypeSystem }
func (Tag) Type() Type        { return TypeTag }
func (Metadata) Type() Type   { return TypeMetadata }
func (Comparison) Type() Type { return TypeComparison }
func (CEL) Type() Type        { return TypeCEL }

func (Identifier) isCondition() {}
func (Name) isCondition()       {}
func (Kind) isCondition()       {}
func (Version) isCondition()    {}
func (System) isCondition()     {}
func (Tag) isCondition()        {}
func (Metadata) isCondition()   {}
func (Comparison) isCondition() {}
func (CEL) isCondition()        {}

// node is the wire shape of every condition type.
type node struct {
	Type       Type              `json:"type"`
	Operator   string            `json:"operator,omitempty"`
	Key        string            `json:"key,omitempty"`
	Value      *string           `json:"value,omitempty"`
	Not        bool              `json:"not,omitempty"`
	Conditions []json.RawMessage `json:"conditions,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

// Parse decodes and validates a JSON condition tree.
func Parse(data []byte) (Condition, error) {
	return parse(data, 0)
}

func parse(data []byte, depth int) (Condition, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("selector nesting exceeds %d levels", MaxDepth)
	}
	var n node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}

	switch n.Type {
	case TypeComparison:
		op := LogicalOperator(n.Operator)
		if op != And && op != Or {
			return nil, fmt.Errorf("comparison operator %q must be and|or", n.Operator)
		}
		c := Comparison{Operator: op, Not: n.Not, Conditions: make([]Condition, 0, len(n.Conditions))}
		for i, raw := range n.Conditions {
			child, err := parse(raw, depth+1)
			if err != nil {
				return nil, fmt.Errorf("conditions[%d]: %w", i, err)
			}
			c.Conditions = append(c.Conditions, child)
		}
		return c, nil
	case TypeCEL:
		if n.Expression == "" {
			return nil, fmt.Errorf("cel condition requires an expression")
		}
		if _, err := compile(n.Expression); err != nil {
			return nil, err
		}
		return CEL{Expression: n.Expression}, nil
	case TypeIdentifier, TypeName, TypeKind, TypeVersion, TypeSystem, TypeTag, TypeMetadata:
		m, err := parseMatch(n)
		if err != nil {
			return nil, fmt.Errorf("%s condition: %w", n.Type, err)
		}
		switch n.Type {
		case TypeIdentifier:
			return Identifier{m}, nil
		case TypeName:
			return Name{m}, nil
		case TypeKind:
			return Kind{m}, nil
		case TypeVersion:
			return Version{m}, nil
		case TypeSystem:
			if m.Operator != OpEquals {
				return nil, fmt.Errorf("system condition only supports %q", OpEquals)
			}
			return System{m}, nil
		case TypeTag:
			return Tag{m}, nil
		default:
			if n.Key == "" {
				return nil, fmt.Errorf("metadata condition requires a key")
			}
			return Metadata{Key: n.Key, Match: m}, nil
		}
	case "":
		return nil, fmt.Errorf("condition type is required")
	default:
		return nil, fmt.Errorf("unsupported condition type %q", n.Type)
	}
}

func parseMatch(n node) (Match, error) {
	if n.Value == nil {
		return Match{}, fmt.Errorf("value is required")
	}
	m := Match{Operator: Operator(n.Operator), Value: *n.Value}
	switch m.Operator {
	case OpEquals, OpContains, OpStartsWith, OpEndsWith:
	case OpRegex:
		if _, err := regexp.Compile(m.Value); err != nil {
			return Match{}, fmt.Errorf("invalid regex %q: %w", m.Value, err)
		}
	default:
		return Match{}, fmt.Errorf("unsupported operator %q", n.Operator)
	}
	return m, nil
}

// Marshal encodes a condition tree in its wire form.
func Marshal(c Condition) ([]byte, error) {
	n, err := toNode(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func toNode(c Condition) (node, error) {
	leaf := func(t Type, m Match) node {
		v := m.Value
		return node{Type: t, Operator: string(m.Operator), Value: &v}
	}
	switch c := c.(type) {
	case Identifier:
		return leaf(TypeIdentifier, c.Match), nil
	case Name:
		return leaf(TypeName, c.Match), nil
	case Kind:
		return leaf(TypeKind, c.Match), nil
	case Version:
		return leaf(TypeVersion, c.Match), nil
	case System:
		return leaf(TypeSystem, c.Match), nil
	case Tag:
		return leaf(TypeTag, c.Match), nil
	case Metadata:
		n := leaf(TypeMetadata, c.Match)
		n.Key = c.Key
		return n, nil
	case CEL:
		return node{Type: TypeCEL, Expression: c.Expression}, nil
	case Comparison:
		n := node{Type: TypeComparison, Operator: string(c.Operator), Not: c.Not}
		n.Conditions = make([]json.RawMessage, 0, len(c.Conditions))
		for _, child := range c.Conditions {
			b, err := Marshal(child)
			if err != nil {
				return node{}, err
			}
			n.Conditions = append(n.Conditions, b)
		}
		return n, nil
	default:
		return node{}, fmt.Errorf("unsupported condition %T", c)
	}
}
