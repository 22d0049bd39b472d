package scan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/memscan/memscan/pkg/value"
)

// predicate reports whether the element whose current bytes are cur and
// previous bytes are prev satisfies a constraint. prev is nil for elements
// of regions captured once; predicates of relative constraints are never
// called with a nil prev.
type predicate func(cur, prev []byte) bool

type number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// compile turns the constraints of m into predicates specialized for the
// element type, so that no type dispatch happens per element.
func compile(m *ConstraintManager) ([]predicate, error) {
	preds := make([]predicate, 0, len(m.constraints))
	for _, c := range m.constraints {
		if err := validate(m.dt, c); err != nil {
			return nil, err
		}
		p, err := compileOne(m.dt, c)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func byteOrder(dt value.DataType) binary.ByteOrder {
	if dt.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func compileOne(dt value.DataType, c Constraint) (predicate, error) {
	bo := byteOrder(dt)
	v := c.Value
	switch dt.Kind {
	case value.I8:
		return numeric(func(b []byte) int8 { return int8(b[0]) }, int8(v.Int64()), c.Kind), nil
	case value.U8:
		return numeric(func(b []byte) uint8 { return b[0] }, uint8(v.Uint64()), c.Kind), nil
	case value.I16:
		return numeric(func(b []byte) int16 { return int16(bo.Uint16(b)) }, int16(v.Int64()), c.Kind), nil
	case value.U16:
		return numeric(bo.Uint16, uint16(v.Uint64()), c.Kind), nil
	case value.I32:
		return numeric(func(b []byte) int32 { return int32(bo.Uint32(b)) }, int32(v.Int64()), c.Kind), nil
	case value.U32:
		return numeric(bo.Uint32, uint32(v.Uint64()), c.Kind), nil
	case value.I64:
		return numeric(func(b []byte) int64 { return int64(bo.Uint64(b)) }, v.Int64(), c.Kind), nil
	case value.U64:
		return numeric(bo.Uint64, v.Uint64(), c.Kind), nil
	case value.F32:
		return numeric(func(b []byte) float32 { return math.Float32frombits(bo.Uint32(b)) }, float32(v.Float64()), c.Kind), nil
	case value.F64:
		return numeric(func(b []byte) float64 { return math.Float64frombits(bo.Uint64(b)) }, v.Float64(), c.Kind), nil
	case value.Bytes:
		return byteArray(v.Bytes(), c.Kind), nil
	}
	return nil, fmt.Errorf("element type %v: %w", dt, ErrInvalidElementType)
}

// numeric builds the predicate of kind over elements loaded by load.
// Integer arithmetic wraps like the target's; floating point comparisons
// are exact IEEE 754 comparisons, so NaN is never equal to anything and
// -0 equals +0.
func numeric[T number](load func([]byte) T, arg T, kind Kind) predicate {
	switch kind {
	case Equal:
		return func(cur, _ []byte) bool { return load(cur) == arg }
	case NotEqual:
		return func(cur, _ []byte) bool { return load(cur) != arg }
	case GreaterThan:
		return func(cur, _ []byte) bool { return load(cur) > arg }
	case LessThan:
		return func(cur, _ []byte) bool { return load(cur) < arg }
	case GreaterOrEqual:
		return func(cur, _ []byte) bool { return load(cur) >= arg }
	case LessOrEqual:
		return func(cur, _ []byte) bool { return load(cur) <= arg }
	case Changed:
		return func(cur, prev []byte) bool { return load(cur) != load(prev) }
	case Unchanged:
		return func(cur, prev []byte) bool { return load(cur) == load(prev) }
	case Increased:
		return func(cur, prev []byte) bool { return load(cur) > load(prev) }
	case Decreased:
		return func(cur, prev []byte) bool { return load(cur) < load(prev) }
	case IncreasedBy:
		return func(cur, prev []byte) bool { return load(cur) == load(prev)+arg }
	case DecreasedBy:
		return func(cur, prev []byte) bool { return load(cur) == load(prev)-arg }
	}
	panic(fmt.Sprintf("unknown constraint kind %v", kind))
}

func byteArray(arg []byte, kind Kind) predicate {
	switch kind {
	case Equal:
		return func(cur, _ []byte) bool { return bytes.Equal(cur, arg) }
	case NotEqual:
		return func(cur, _ []byte) bool { return !bytes.Equal(cur, arg) }
	case Changed:
		return func(cur, prev []byte) bool { return !bytes.Equal(cur, prev) }
	case Unchanged:
		return func(cur, prev []byte) bool { return bytes.Equal(cur, prev) }
	}
	panic(fmt.Sprintf("constraint kind %v on byte arrays", kind))
}

// needle returns the encoded value to search for when m can be evaluated
// by searching for the bytes of a single value: one Equal constraint on an
// integer or byte array type. Float equality is not byte equality.
func needle(m *ConstraintManager) ([]byte, bool) {
	if len(m.constraints) != 1 || m.constraints[0].Kind != Equal {
		return nil, false
	}
	if !m.dt.Kind.IsInteger() && m.dt.Kind != value.Bytes {
		return nil, false
	}
	return m.constraints[0].Value.Encode(), true
}
