package value

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a single element value. Integer values are stored as their
// two's complement bit pattern truncated to the type size, floating point
// values as their IEEE 754 bits and byte arrays as a byte slice.
type Value struct {
	typ   DataType
	bits  uint64
	bytes []byte
}

// Type returns the data type of v.
func (v Value) Type() DataType {
	return v.typ
}

// IsZero returns true for the zero Value, which holds no data type.
func (v Value) IsZero() bool {
	return v.typ.Kind == Invalid
}

func truncate(bits uint64, size int) uint64 {
	if size >= 8 {
		return bits
	}
	return bits & (1<<(uint(size)*8) - 1)
}

// Int returns a value of integer type dt holding n.
func Int(dt DataType, n int64) Value {
	return Value{typ: dt, bits: truncate(uint64(n), dt.Size())}
}

// Uint returns a value of integer type dt holding n.
func Uint(dt DataType, n uint64) Value {
	return Value{typ: dt, bits: truncate(n, dt.Size())}
}

// Float returns a value of floating point type dt holding f.
func Float(dt DataType, f float64) Value {
	if dt.Kind == F32 {
		return Value{typ: dt, bits: uint64(math.Float32bits(float32(f)))}
	}
	return Value{typ: dt, bits: math.Float64bits(f)}
}

// ByteArrayOf returns a byte array value holding a copy of b.
func ByteArrayOf(b []byte) Value {
	return Value{typ: ByteArray(len(b)), bytes: append([]byte(nil), b...)}
}

// Int64 returns v as a signed integer. Floats are truncated toward zero.
func (v Value) Int64() int64 {
	switch {
	case v.typ.Kind.IsSigned():
		shift := 64 - uint(v.typ.Size())*8
		return int64(v.bits<<shift) >> shift
	case v.typ.Kind.IsFloat():
		return int64(v.Float64())
	}
	return int64(v.bits)
}

// Uint64 returns v as an unsigned integer.
func (v Value) Uint64() uint64 {
	if v.typ.Kind.IsFloat() {
		return uint64(v.Float64())
	}
	if v.typ.Kind.IsSigned() {
		return uint64(v.Int64())
	}
	return v.bits
}

// Float64 returns v as a float64.
func (v Value) Float64() float64 {
	switch v.typ.Kind {
	case F32:
		return float64(math.Float32frombits(uint32(v.bits)))
	case F64:
		return math.Float64frombits(v.bits)
	}
	if v.typ.Kind.IsSigned() {
		return float64(v.Int64())
	}
	return float64(v.bits)
}

// Bits returns the raw bit pattern of a numeric value.
func (v Value) Bits() uint64 {
	return v.bits
}

// Bytes returns the contents of a byte array value.
func (v Value) Bytes() []byte {
	return v.bytes
}

// Encode returns the in-memory representation of v.
func (v Value) Encode() []byte {
	if v.typ.Kind == Bytes {
		return append([]byte(nil), v.bytes...)
	}
	size := v.typ.Size()
	buf := make([]byte, 8)
	if v.typ.BigEndian {
		binary.BigEndian.PutUint64(buf, v.bits)
		return buf[8-size:]
	}
	binary.LittleEndian.PutUint64(buf, v.bits)
	return buf[:size]
}

// Decode decodes the first dt.Size() bytes of buf as a value of type dt.
func Decode(dt DataType, buf []byte) (Value, error) {
	size := dt.Size()
	if !dt.Valid() || len(buf) < size {
		return Value{}, fmt.Errorf("can not decode %d bytes as %v: %w", len(buf), dt, ErrInvalidElementType)
	}
	if dt.Kind == Bytes {
		return Value{typ: dt, bytes: append([]byte(nil), buf[:size]...)}, nil
	}
	return Value{typ: dt, bits: LoadBits(dt, buf)}, nil
}

// LoadBits returns the raw bits of the numeric element of type dt stored
// at the start of buf.
func LoadBits(dt DataType, buf []byte) uint64 {
	if dt.BigEndian {
		switch dt.Size() {
		case 2:
			return uint64(binary.BigEndian.Uint16(buf))
		case 4:
			return uint64(binary.BigEndian.Uint32(buf))
		case 8:
			return binary.BigEndian.Uint64(buf)
		}
	}
	switch dt.Size() {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	return 0
}

// Equal returns true if v and w have the same type and bit pattern.
func (v Value) Equal(w Value) bool {
	if v.typ != w.typ {
		return false
	}
	if v.typ.Kind == Bytes {
		return bytes.Equal(v.bytes, w.bytes)
	}
	return v.bits == w.bits
}

// Convert reinterprets v as a value of type dt. Numeric values are
// converted numerically; byte arrays convert to and from numeric types
// only when the sizes match, by reinterpreting the in-memory encoding.
func (v Value) Convert(dt DataType) (Value, error) {
	if !dt.Valid() {
		return Value{}, fmt.Errorf("convert to %v: %w", dt, ErrInvalidElementType)
	}
	if v.typ == dt {
		return v, nil
	}
	switch {
	case v.typ.Kind == Bytes || dt.Kind == Bytes:
		if v.typ.Size() != dt.Size() {
			return Value{}, fmt.Errorf("convert %v to %v: %w", v.typ, dt, ErrInvalidElementType)
		}
		return Decode(dt, v.Encode())
	case dt.Kind.IsFloat():
		return Float(dt, v.Float64()), nil
	case dt.Kind.IsSigned():
		return Int(dt, v.Int64()), nil
	default:
		return Uint(dt, v.Uint64()), nil
	}
}

// Parse parses s as a value of type dt. Integers accept a 0x prefix for
// hexadecimal, byte arrays are written as hexadecimal bytes optionally
// separated by spaces.
func Parse(dt DataType, s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch {
	case dt.Kind == Bytes:
		b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
		if err != nil {
			return Value{}, fmt.Errorf("invalid byte array %q: %v", s, err)
		}
		if dt.Length != 0 && len(b) != dt.Length {
			return Value{}, fmt.Errorf("byte array %q has %d bytes, expected %d: %w", s, len(b), dt.Length, ErrInvalidElementType)
		}
		return ByteArrayOf(b), nil
	case dt.Kind.IsFloat():
		f, err := strconv.ParseFloat(s, dt.Size()*8)
		if err != nil {
			return Value{}, err
		}
		return Float(dt, f), nil
	case dt.Kind.IsSigned():
		n, err := strconv.ParseInt(s, 0, dt.Size()*8)
		if err != nil {
			return Value{}, err
		}
		return Int(dt, n), nil
	case dt.Kind.IsUnsigned():
		n, err := strconv.ParseUint(s, 0, dt.Size()*8)
		if err != nil {
			return Value{}, err
		}
		return Uint(dt, n), nil
	}
	return Value{}, fmt.Errorf("parse %q as %v: %w", s, dt, ErrInvalidElementType)
}

func (v Value) String() string {
	switch {
	case v.typ.Kind == Bytes:
		return strings.ToUpper(hex.EncodeToString(v.bytes))
	case v.typ.Kind.IsFloat():
		return strconv.FormatFloat(v.Float64(), 'g', -1, v.typ.Size()*8)
	case v.typ.Kind.IsSigned():
		return strconv.FormatInt(v.Int64(), 10)
	case v.typ.Kind.IsUnsigned():
		return strconv.FormatUint(v.bits, 10)
	}
	return "<invalid>"
}
