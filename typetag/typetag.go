// Package typetag implements flarekv's closed primitive type system: the
// tagged key/value types a DataNode may carry, their fixed-width little
// endian encodings, and the tag byte each has on disk.
//
// Supported types: bool, u8, i8, u16, i16, u32, i32, u64, i64, f32, f64, and
// str:N (a fixed-length, producer-padded/truncated byte buffer). Multi-byte
// integers and floats are little-endian; signed integers use two's
// complement; bool is 0x00/0x01.
package typetag

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/flarekv/flarekv/kverrors"
)

// Kind identifies one of the primitive types. A Kind value fully describes
// a type except for Str, whose fixed length is carried alongside it.
type Kind uint8

// Tag values are the fixed on-disk wire codes for each Kind, assigned
// explicitly rather than by iota so that reordering this declaration never
// changes the format.
const (
	Bool Kind = 0
	U8   Kind = 1
	I8   Kind = 2
	U16  Kind = 3
	I16  Kind = 4
	U32  Kind = 10
	I32  Kind = 5
	U64  Kind = 6
	I64  Kind = 7
	F32  Kind = 8
	F64  Kind = 9
	Str  Kind = 11
)

// Type pairs a Kind with the fixed length needed for Str; it is zero for
// every other kind.
type Type struct {
	Kind Kind
	N    int // string length in bytes, only meaningful when Kind == Str
}

func Bool_() Type  { return Type{Kind: Bool} }
func U8_() Type    { return Type{Kind: U8} }
func I8_() Type    { return Type{Kind: I8} }
func U16_() Type   { return Type{Kind: U16} }
func I16_() Type   { return Type{Kind: I16} }
func U32_() Type   { return Type{Kind: U32} }
func I32_() Type   { return Type{Kind: I32} }
func U64_() Type   { return Type{Kind: U64} }
func I64_() Type   { return Type{Kind: I64} }
func F32_() Type   { return Type{Kind: F32} }
func F64_() Type   { return Type{Kind: F64} }
func StrN(n int) Type { return Type{Kind: Str, N: n} }

// Width returns the fixed encoded width in bytes of t.
func Width(t Type) (int, error) {
	switch t.Kind {
	case Bool, U8, I8:
		return 1, nil
	case U16, I16:
		return 2, nil
	case U32, I32, F32:
		return 4, nil
	case U64, I64, F64:
		return 8, nil
	case Str:
		if t.N < 0 {
			return 0, &kverrors.TypeError{Op: "Width", Detail: fmt.Sprintf("negative str length %d", t.N)}
		}
		return t.N, nil
	default:
		return 0, &kverrors.TypeError{Op: "Width", Detail: fmt.Sprintf("unknown type kind %d", t.Kind)}
	}
}

// Tag returns the on-disk single-byte tag for t's Kind.
func Tag(t Type) uint8 { return uint8(t.Kind) }

// FromTag reconstructs a Type from its on-disk tag byte. lengthHint supplies
// N when tag denotes Str; it is ignored otherwise.
func FromTag(tag uint8, lengthHint int) (Type, error) {
	k := Kind(tag)
	switch k {
	case Bool, U8, I8, U16, I16, U32, I32, U64, I64, F32, F64:
		return Type{Kind: k}, nil
	case Str:
		return Type{Kind: Str, N: lengthHint}, nil
	default:
		return Type{}, &kverrors.TypeError{Op: "FromTag", Detail: fmt.Sprintf("unknown tag %d", tag)}
	}
}

// Value is a decoded primitive value. Exactly one of the fields is
// meaningful, selected by the Type it was produced with.
type Value struct {
	B   bool
	U   uint64
	I   int64
	F32 float32
	F64 float64
	S   []byte
}

// Encode writes v's little-endian byte representation for type t. For Str,
// v.S is padded with zero bytes or truncated to exactly t.N bytes.
func Encode(v Value, t Type) ([]byte, error) {
	w, err := Width(t)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, w)

	switch t.Kind {
	case Bool:
		if v.B {
			buf[0] = 0x01
		} else {
			buf[0] = 0x00
		}
	case U8:
		buf[0] = byte(v.U)
	case I8:
		buf[0] = byte(int8(v.I))
	case U16:
		binary.LittleEndian.PutUint16(buf, uint16(v.U))
	case I16:
		binary.LittleEndian.PutUint16(buf, uint16(int16(v.I)))
	case U32:
		binary.LittleEndian.PutUint32(buf, uint32(v.U))
	case I32:
		binary.LittleEndian.PutUint32(buf, uint32(int32(v.I)))
	case U64:
		binary.LittleEndian.PutUint64(buf, v.U)
	case I64:
		binary.LittleEndian.PutUint64(buf, uint64(v.I))
	case F32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v.F32))
	case F64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.F64))
	case Str:
		n := copy(buf, v.S)
		_ = n // remainder stays zero-padded
	default:
		return nil, &kverrors.TypeError{Op: "Encode", Detail: fmt.Sprintf("unknown type kind %d", t.Kind)}
	}

	return buf, nil
}

// Decode reconstructs a Value of type t from its little-endian encoding.
// len(b) must equal Width(t); a mismatch is a TypeError.
func Decode(b []byte, t Type) (Value, error) {
	w, err := Width(t)
	if err != nil {
		return Value{}, err
	}
	if len(b) != w {
		return Value{}, &kverrors.TypeError{Op: "Decode", Detail: fmt.Sprintf("width mismatch: want %d got %d", w, len(b))}
	}

	switch t.Kind {
	case Bool:
		return Value{B: b[0] != 0}, nil
	case U8:
		return Value{U: uint64(b[0])}, nil
	case I8:
		return Value{I: int64(int8(b[0]))}, nil
	case U16:
		return Value{U: uint64(binary.LittleEndian.Uint16(b))}, nil
	case I16:
		return Value{I: int64(int16(binary.LittleEndian.Uint16(b)))}, nil
	case U32:
		return Value{U: uint64(binary.LittleEndian.Uint32(b))}, nil
	case I32:
		return Value{I: int64(int32(binary.LittleEndian.Uint32(b)))}, nil
	case U64:
		return Value{U: binary.LittleEndian.Uint64(b)}, nil
	case I64:
		return Value{I: int64(binary.LittleEndian.Uint64(b))}, nil
	case F32:
		return Value{F32: math.Float32frombits(binary.LittleEndian.Uint32(b))}, nil
	case F64:
		return Value{F64: math.Float64frombits(binary.LittleEndian.Uint64(b))}, nil
	case Str:
		s := make([]byte, len(b))
		copy(s, b)
		return Value{S: s}, nil
	default:
		return Value{}, &kverrors.TypeError{Op: "Decode", Detail: fmt.Sprintf("unknown type kind %d", t.Kind)}
	}
}

// ParseString parses a human-readable string into a Value of type t, for
// CLI/config-driven key construction.
func ParseString(s string, t Type) (Value, error) {
	switch t.Kind {
	case Bool:
		switch s {
		case "true", "1":
			return Value{B: true}, nil
		case "false", "0":
			return Value{B: false}, nil
		}
		return Value{}, &kverrors.TypeError{Op: "ParseString", Detail: fmt.Sprintf("invalid bool %q", s)}
	case U8, U16, U32, U64:
		var u uint64
		if _, err := fmt.Sscanf(s, "%d", &u); err != nil {
			return Value{}, &kverrors.TypeError{Op: "ParseString", Detail: "invalid unsigned integer", Err: err}
		}
		return Value{U: u}, nil
	case I8, I16, I32, I64:
		var i int64
		if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
			return Value{}, &kverrors.TypeError{Op: "ParseString", Detail: "invalid signed integer", Err: err}
		}
		return Value{I: i}, nil
	case F32:
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
			return Value{}, &kverrors.TypeError{Op: "ParseString", Detail: "invalid float32", Err: err}
		}
		return Value{F32: float32(f)}, nil
	case F64:
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
			return Value{}, &kverrors.TypeError{Op: "ParseString", Detail: "invalid float64", Err: err}
		}
		return Value{F64: f}, nil
	case Str:
		return Value{S: []byte(s)}, nil
	default:
		return Value{}, &kverrors.TypeError{Op: "ParseString", Detail: fmt.Sprintf("unknown type kind %d", t.Kind)}
	}
}

// EncodeTimestamp encodes a non-negative integral millisecond count as an
// 8-byte little-endian binary64. A zero timestamp encodes to all-zero
// bytes. The bit pattern is always the straight IEEE-754 binary64
// representation of the millisecond count as a float64, matching how
// DecodeTimestamp reads it back.
func EncodeTimestamp(ms int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(float64(ms)))
	return buf
}

// DecodeTimestamp reverses EncodeTimestamp.
func DecodeTimestamp(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, &kverrors.TypeError{Op: "DecodeTimestamp", Detail: fmt.Sprintf("width mismatch: want 8 got %d", len(b))}
	}
	return int64(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
}

// Compare orders two values of the same type t using that type's natural
// order: numeric for numeric kinds, lexicographic byte order for Str.
func Compare(a, b Value, t Type) int {
	switch t.Kind {
	case Bool:
		if a.B == b.B {
			return 0
		}
		if !a.B {
			return -1
		}
		return 1
	case U8, U16, U32, U64:
		switch {
		case a.U < b.U:
			return -1
		case a.U > b.U:
			return 1
		default:
			return 0
		}
	case I8, I16, I32, I64:
		switch {
		case a.I < b.I:
			return -1
		case a.I > b.I:
			return 1
		default:
			return 0
		}
	case F32:
		switch {
		case a.F32 < b.F32:
			return -1
		case a.F32 > b.F32:
			return 1
		default:
			return 0
		}
	case F64:
		switch {
		case a.F64 < b.F64:
			return -1
		case a.F64 > b.F64:
			return 1
		default:
			return 0
		}
	case Str:
		for i := 0; i < len(a.S) && i < len(b.S); i++ {
			if a.S[i] != b.S[i] {
				if a.S[i] < b.S[i] {
					return -1
				}
				return 1
			}
		}
		switch {
		case len(a.S) < len(b.S):
			return -1
		case len(a.S) > len(b.S):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}
