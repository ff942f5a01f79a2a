package selector

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Selector wraps a root condition so it can be embedded in models and
// request payloads. A nil *Selector matches every candidate.
type Selector struct {
	Root Condition
}

// New wraps c.
func New(c Condition) *Selector {
	return &Selector{Root: c}
}

// MarshalJSON implements json.Marshaler.
func (s Selector) MarshalJSON() ([]byte, error) {
	if s.Root == nil {
		return []byte("null"), nil
	}
	return Marshal(s.Root)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Selector) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		s.Root = nil
		return nil
	}
	c, err := Parse(data)
	if err != nil {
		return err
	}
	s.Root = c
	return nil
}

// Matches reports whether the selector matches subject. A nil selector or a
// selector without a root matches everything.
func (s *Selector) Matches(subject Subject) (bool, error) {
	if s == nil || s.Root == nil {
		return true, nil
	}
	return Evaluate(s.Root, subject)
}

// ValidateFor checks that every leaf applies to candidates of kind k.
func (s *Selector) ValidateFor(k SubjectKind) error {
	if s == nil || s.Root == nil {
		return nil
	}
	return validateFor(s.Root, k)
}

func validateFor(c Condition, k SubjectKind) error {
	if cmp, ok := c.(Comparison); ok {
		for i, child := range cmp.Conditions {
			if err := validateFor(child, k); err != nil {
				return fmt.Errorf("conditions[%d]: %w", i, err)
			}
		}
		return nil
	}
	if !applies(c.Type(), k) {
		return &UnsupportedError{Type: c.Type(), Kind: k}
	}
	return nil
}

// Equal reports whether two selectors have the same wire form.
func Equal(a, b *Selector) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}
