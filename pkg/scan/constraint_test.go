package scan

import (
	"errors"
	"testing"

	"github.com/memscan/memscan/pkg/value"
)

func TestConstraintManagerEdits(t *testing.T) {
	m := NewConstraintManager(value.Int32)
	if err := m.AddConstraint(Equal, value.Int(value.Int32, 3)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddConstraint(Changed, value.Value{}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddConstraint(GreaterThan, value.Int(value.Int64, 3)); !errors.Is(err, ErrInvalidElementType) {
		t.Fatalf("expected ErrInvalidElementType, got %v", err)
	}
	if err := m.AddConstraint(LessThan, value.Value{}); !errors.Is(err, ErrInvalidElementType) {
		t.Fatalf("expected ErrInvalidElementType for a missing value, got %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("rejected edits changed the manager: %v", m.Constraints())
	}

	if err := m.UpdateConstraint(0, value.Uint(value.Uint32, 4)); !errors.Is(err, ErrInvalidElementType) {
		t.Fatalf("expected ErrInvalidElementType, got %v", err)
	}
	if c, _ := m.At(0); c.Value.Int64() != 3 {
		t.Fatalf("rejected update changed the constraint: %v", c)
	}
	if err := m.UpdateConstraint(0, value.Int(value.Int32, 4)); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateConstraint(1, value.Int(value.Int32, 4)); err == nil {
		t.Fatal("expected error updating a constraint that takes no value")
	}
	if err := m.UpdateConstraint(5, value.Int(value.Int32, 4)); !errors.Is(err, ErrOutOfBoundsIndex) {
		t.Fatalf("expected ErrOutOfBoundsIndex, got %v", err)
	}

	if err := m.RemoveConstraints(1, 2); !errors.Is(err, ErrOutOfBoundsIndex) || m.Len() != 2 {
		t.Fatalf("expected atomic rejection, got %v (%d constraints)", err, m.Len())
	}
	if err := m.RemoveConstraints(1); err != nil || m.Len() != 1 {
		t.Fatalf("RemoveConstraints: %v (%d constraints)", err, m.Len())
	}
	if c, _ := m.At(0); c.Kind != Equal || c.Value.Int64() != 4 {
		t.Fatalf("unexpected remaining constraint %v", c)
	}
	m.ClearConstraints()
	if m.Len() != 0 {
		t.Fatal("ClearConstraints left constraints")
	}
}

func TestSetElementType(t *testing.T) {
	m := NewConstraintManager(value.Int32)
	m.AddConstraint(Equal, value.Int(value.Int32, 7))
	m.AddConstraint(Increased, value.Value{})
	m.AddConstraint(GreaterThan, value.Int(value.Int32, 1))

	dropped, err := m.SetElementType(value.Float64)
	if err != nil || len(dropped) != 0 {
		t.Fatalf("SetElementType(f64) = %v, %v", dropped, err)
	}
	if c, _ := m.At(0); c.Value.Type() != value.Float64 || c.Value.Float64() != 7 {
		t.Fatalf("value not converted: %v", c)
	}

	dropped, err = m.SetElementType(value.ByteArray(4))
	if err != nil {
		t.Fatal(err)
	}
	// f64 does not fit bytes:4, ordering kinds do not apply to byte arrays
	if len(dropped) != 3 || m.Len() != 0 {
		t.Fatalf("dropped %v, kept %v", dropped, m.Constraints())
	}
	if m.ElementType() != value.ByteArray(4) {
		t.Fatalf("element type %v", m.ElementType())
	}
	if _, err := m.SetElementType(value.DataType{}); !errors.Is(err, ErrInvalidElementType) {
		t.Fatalf("expected ErrInvalidElementType, got %v", err)
	}
}

func TestByteArrayKinds(t *testing.T) {
	m := NewConstraintManager(value.ByteArray(2))
	if err := m.AddConstraint(GreaterThan, value.ByteArrayOf([]byte{1, 2})); !errors.Is(err, ErrInvalidElementType) {
		t.Fatalf("expected ErrInvalidElementType, got %v", err)
	}
	if err := m.AddConstraint(Equal, value.ByteArrayOf([]byte{1, 2, 3})); !errors.Is(err, ErrInvalidElementType) {
		t.Fatalf("expected length mismatch to be rejected, got %v", err)
	}
	if err := m.AddConstraint(Unchanged, value.Value{}); err != nil {
		t.Fatal(err)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"==":           Equal,
		"eq":           Equal,
		"NE":           NotEqual,
		">=":           GreaterOrEqual,
		"changed":      Changed,
		"increased-by": IncreasedBy,
		"-=":           DecreasedBy,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseKind("~"); err == nil {
		t.Error("expected error")
	}
}
