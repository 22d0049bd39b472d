// Package value defines the element data types understood by the scanner
// and a closed tagged union holding one value of any of them.
package value

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidElementType is returned when a value's type does not match the
// element type it is used with.
var ErrInvalidElementType = errors.New("invalid element type")

// Kind is the primitive kind of a DataType.
type Kind uint8

const (
	Invalid Kind = iota
	I8
	U8
	I16
	U16
	I32
	U32
	I64
	U64
	F32
	F64
	Bytes
)

var kindNames = [...]string{
	Invalid: "invalid",
	I8:      "i8",
	U8:      "u8",
	I16:     "i16",
	U16:     "u16",
	I32:     "i32",
	U32:     "u32",
	I64:     "i64",
	U64:     "u64",
	F32:     "f32",
	F64:     "f64",
	Bytes:   "bytes",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsSigned returns true for signed integer kinds.
func (k Kind) IsSigned() bool {
	return k == I8 || k == I16 || k == I32 || k == I64
}

// IsUnsigned returns true for unsigned integer kinds.
func (k Kind) IsUnsigned() bool {
	return k == U8 || k == U16 || k == U32 || k == U64
}

// IsInteger returns true for integer kinds.
func (k Kind) IsInteger() bool {
	return k.IsSigned() || k.IsUnsigned()
}

// IsFloat returns true for floating point kinds.
func (k Kind) IsFloat() bool {
	return k == F32 || k == F64
}

// DataType is the type of the elements of a snapshot.
type DataType struct {
	Kind Kind
	// Length is the size of Bytes elements, zero for the other kinds.
	Length int
	// BigEndian selects big endian decoding of numeric kinds.
	BigEndian bool
}

var (
	Int8    = DataType{Kind: I8}
	Uint8   = DataType{Kind: U8}
	Int16   = DataType{Kind: I16}
	Uint16  = DataType{Kind: U16}
	Int32   = DataType{Kind: I32}
	Uint32  = DataType{Kind: U32}
	Int64   = DataType{Kind: I64}
	Uint64  = DataType{Kind: U64}
	Float32 = DataType{Kind: F32}
	Float64 = DataType{Kind: F64}
)

// ByteArray returns the DataType of byte arrays of length n.
func ByteArray(n int) DataType {
	return DataType{Kind: Bytes, Length: n}
}

// Size returns the size in bytes of one element.
func (dt DataType) Size() int {
	switch dt.Kind {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64:
		return 8
	case Bytes:
		return dt.Length
	}
	return 0
}

// Valid returns true if dt describes an element of non-zero size.
func (dt DataType) Valid() bool {
	if dt.Kind == Bytes {
		return dt.Length > 0 && !dt.BigEndian
	}
	return dt.Size() > 0
}

func (dt DataType) String() string {
	switch {
	case dt.Kind == Bytes:
		return fmt.Sprintf("bytes:%d", dt.Length)
	case dt.BigEndian:
		return dt.Kind.String() + "be"
	}
	return dt.Kind.String()
}

// ParseDataType parses the textual form produced by DataType.String, for
// example "i32", "u16be", "f64" or "bytes:8".
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if rest, ok := strings.CutPrefix(s, "bytes:"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return DataType{}, fmt.Errorf("invalid byte array length %q", rest)
		}
		return ByteArray(n), nil
	}
	var dt DataType
	if name, ok := strings.CutSuffix(s, "be"); ok {
		dt.BigEndian = true
		s = name
	}
	for k, name := range kindNames {
		if name == s && Kind(k) != Invalid && Kind(k) != Bytes {
			dt.Kind = Kind(k)
			if dt.BigEndian && dt.Size() == 1 {
				return DataType{}, fmt.Errorf("unknown data type %q", s+"be")
			}
			return dt, nil
		}
	}
	return DataType{}, fmt.Errorf("unknown data type %q", s)
}
