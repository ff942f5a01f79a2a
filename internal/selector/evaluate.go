package selector

import (
	"fmt"
	"regexp"
	"strings"
)

// Evaluate reports whether c matches subject. AND/OR groups short-circuit.
func Evaluate(c Condition, subject Subject) (bool, error) {
	switch c := c.(type) {
	case Comparison:
		return evaluateComparison(c, subject)
	case CEL:
		return evaluateCEL(c, subject)
	}

	if !applies(c.Type(), subject.Kind) {
		return false, &UnsupportedError{Type: c.Type(), Kind: subject.Kind}
	}

	switch c := c.(type) {
	case Identifier:
		return compare(c.Match, subject.Identifier)
	case Name:
		return compare(c.Match, subject.Name)
	case Kind:
		return compare(c.Match, subject.ResourceKind)
	case Version:
		return compare(c.Match, subject.Version)
	case System:
		return compare(c.Match, subject.SystemID)
	case Tag:
		return compare(c.Match, subject.Tag)
	case Metadata:
		v, ok := subject.Metadata[c.Key]
		if !ok {
			return false, nil
		}
		return compare(c.Match, v)
	default:
		return false, fmt.Errorf("unsupported condition %T", c)
	}
}

func evaluateComparison(c Comparison, subject Subject) (bool, error) {
	result := c.Operator == And
	for _, child := range c.Conditions {
		ok, err := Evaluate(child, subject)
		if err != nil {
			return false, err
		}
		if c.Operator == And && !ok {
			result = false
			break
		}
		if c.Operator == Or && ok {
			result = true
			break
		}
	}
	if c.Not {
		return !result, nil
	}
	return result, nil
}

func compare(m Match, actual string) (bool, error) {
	switch m.Operator {
	case OpEquals:
		return actual == m.Value, nil
	case OpContains:
		return strings.Contains(actual, m.Value), nil
	case OpStartsWith:
		return strings.HasPrefix(actual, m.Value), nil
	case OpEndsWith:
		return strings.HasSuffix(actual, m.Value), nil
	case OpRegex:
		re, err := regexp.Compile(m.Value)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", m.Value, err)
		}
		return re.MatchString(actual), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", m.Operator)
	}
}
