// Package scan filters snapshots with typed value constraints.
package scan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/memscan/memscan/pkg/snapshot"
	"github.com/memscan/memscan/pkg/value"
)

var (
	// ErrInvalidElementType is returned when a constraint value does not
	// match the active element type, or a constraint kind can not be used
	// with it.
	ErrInvalidElementType = value.ErrInvalidElementType
	// ErrOutOfBoundsIndex is returned for constraint indices outside the
	// manager.
	ErrOutOfBoundsIndex = snapshot.ErrOutOfBoundsIndex
)

// Kind is the comparison performed by a Constraint.
type Kind uint8

const (
	Equal Kind = iota
	NotEqual
	GreaterThan
	LessThan
	GreaterOrEqual
	LessOrEqual
	Changed
	Unchanged
	Increased
	Decreased
	IncreasedBy
	DecreasedBy
	numKinds
)

var kindNames = [...]string{
	Equal:          "==",
	NotEqual:       "!=",
	GreaterThan:    ">",
	LessThan:       "<",
	GreaterOrEqual: ">=",
	LessOrEqual:    "<=",
	Changed:        "changed",
	Unchanged:      "unchanged",
	Increased:      "increased",
	Decreased:      "decreased",
	IncreasedBy:    "increased-by",
	DecreasedBy:    "decreased-by",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses the textual form of a Kind. Besides the forms produced
// by String it accepts the constant names, case insensitive.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if s == name {
			return Kind(k), nil
		}
	}
	switch s {
	case "eq", "equal":
		return Equal, nil
	case "ne", "notequal", "not-equal":
		return NotEqual, nil
	case "gt", "greaterthan":
		return GreaterThan, nil
	case "lt", "lessthan":
		return LessThan, nil
	case "ge", "greaterorequal":
		return GreaterOrEqual, nil
	case "le", "lessorequal":
		return LessOrEqual, nil
	case "increasedby", "inc-by", "+=":
		return IncreasedBy, nil
	case "decreasedby", "dec-by", "-=":
		return DecreasedBy, nil
	}
	return 0, fmt.Errorf("unknown constraint %q", s)
}

// IsRelative returns true for kinds comparing the current value of an
// element with its previous value.
func (k Kind) IsRelative() bool {
	return k >= Changed && k < numKinds
}

// NeedsValue returns true for kinds that compare against a value.
func (k Kind) NeedsValue() bool {
	switch k {
	case Changed, Unchanged, Increased, Decreased:
		return false
	}
	return k < numKinds
}

// Constraint is a predicate on the value of an element.
type Constraint struct {
	Kind Kind
	// Value is the comparison value, the zero Value for kinds that do not
	// need one.
	Value value.Value
}

func (c Constraint) String() string {
	if !c.Kind.NeedsValue() {
		return c.Kind.String()
	}
	return fmt.Sprintf("%v %v", c.Kind, c.Value)
}

func validate(dt value.DataType, c Constraint) error {
	if c.Kind >= numKinds {
		return fmt.Errorf("unknown constraint kind %v", c.Kind)
	}
	if dt.Kind == value.Bytes {
		switch c.Kind {
		case Equal, NotEqual, Changed, Unchanged:
		default:
			return fmt.Errorf("constraint %v on %v: %w", c.Kind, dt, ErrInvalidElementType)
		}
	}
	if c.Kind.NeedsValue() && c.Value.Type() != dt {
		return fmt.Errorf("value of type %v for constraint %v on %v: %w", c.Value.Type(), c.Kind, dt, ErrInvalidElementType)
	}
	return nil
}

// ConstraintManager is an ordered set of constraints over one element
// type. An element satisfies the manager if it satisfies all of its
// constraints. Edits that fail leave the manager unchanged.
type ConstraintManager struct {
	dt          value.DataType
	constraints []Constraint
}

// NewConstraintManager returns an empty manager for elements of type dt.
func NewConstraintManager(dt value.DataType) *ConstraintManager {
	return &ConstraintManager{dt: dt}
}

// ElementType returns the active element type.
func (m *ConstraintManager) ElementType() value.DataType { return m.dt }

// Len returns the number of constraints.
func (m *ConstraintManager) Len() int { return len(m.constraints) }

// Constraints returns a copy of the constraints in insertion order.
func (m *ConstraintManager) Constraints() []Constraint {
	return slices.Clone(m.constraints)
}

// At returns the constraint at index i.
func (m *ConstraintManager) At(i int) (Constraint, error) {
	if i < 0 || i >= len(m.constraints) {
		return Constraint{}, fmt.Errorf("constraint %d of %d: %w", i, len(m.constraints), ErrOutOfBoundsIndex)
	}
	return m.constraints[i], nil
}

// AddConstraint appends a constraint. v is ignored for kinds that do not
// need a value.
func (m *ConstraintManager) AddConstraint(kind Kind, v value.Value) error {
	c := Constraint{Kind: kind, Value: v}
	if !kind.NeedsValue() {
		c.Value = value.Value{}
	}
	if err := validate(m.dt, c); err != nil {
		return err
	}
	m.constraints = append(m.constraints, c)
	return nil
}

// UpdateConstraint replaces the value of the constraint at index i.
func (m *ConstraintManager) UpdateConstraint(i int, v value.Value) error {
	c, err := m.At(i)
	if err != nil {
		return err
	}
	if !c.Kind.NeedsValue() {
		return fmt.Errorf("constraint %v takes no value", c.Kind)
	}
	c.Value = v
	if err := validate(m.dt, c); err != nil {
		return err
	}
	m.constraints[i] = c
	return nil
}

// RemoveConstraints removes the constraints at the given indices. If any
// index is out of bounds nothing is removed.
func (m *ConstraintManager) RemoveConstraints(indices ...int) error {
	drop := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(m.constraints) {
			return fmt.Errorf("constraint %d of %d: %w", i, len(m.constraints), ErrOutOfBoundsIndex)
		}
		drop[i] = true
	}
	kept := m.constraints[:0:0]
	for i, c := range m.constraints {
		if !drop[i] {
			kept = append(kept, c)
		}
	}
	m.constraints = kept
	return nil
}

// ClearConstraints removes all constraints.
func (m *ConstraintManager) ClearConstraints() {
	m.constraints = nil
}

// SetElementType changes the active element type. Constraint values are
// converted to dt; constraints that can not be used with dt are removed
// and returned.
func (m *ConstraintManager) SetElementType(dt value.DataType) (dropped []Constraint, err error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("element type %v: %w", dt, ErrInvalidElementType)
	}
	kept := make([]Constraint, 0, len(m.constraints))
	for _, c := range m.constraints {
		if c.Kind.NeedsValue() {
			v, err := c.Value.Convert(dt)
			if err != nil {
				dropped = append(dropped, c)
				continue
			}
			c.Value = v
		}
		if validate(dt, c) != nil {
			dropped = append(dropped, c)
			continue
		}
		kept = append(kept, c)
	}
	m.dt = dt
	m.constraints = kept
	return dropped, nil
}

// Clone returns an independent copy of m.
func (m *ConstraintManager) Clone() *ConstraintManager {
	return &ConstraintManager{dt: m.dt, constraints: slices.Clone(m.constraints)}
}

// HasRelative returns true if one of the constraints compares against the
// previous capture.
func (m *ConstraintManager) HasRelative() bool {
	return slices.ContainsFunc(m.constraints, func(c Constraint) bool { return c.Kind.IsRelative() })
}
