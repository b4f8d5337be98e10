package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed protobuf")

// field is one top-level tag/value pair found while walking a message.
// For varint and fixed fields only num and typ plus the decoded u64 are set;
// bytes fields carry the raw value in raw.
type field struct {
	num protowire.Number
	typ protowire.Type
	u64 uint64
	raw []byte
}

// walk visits every top-level field of buf in order. It stops early when
// visit returns false. Groups and truncated values are reported as
// ErrMalformed.
func walk(buf []byte, visit func(f field) bool) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(buf)
			if m < 0 {
				return fmt.Errorf("%w: field %d varint: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.u64, n = v, m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(buf)
			if m < 0 {
				return fmt.Errorf("%w: field %d fixed32: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.u64, n = uint64(v), m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(buf)
			if m < 0 {
				return fmt.Errorf("%w: field %d fixed64: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.u64, n = v, m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(buf)
			if m < 0 {
				return fmt.Errorf("%w: field %d bytes: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.raw, n = v, m
		default:
			return fmt.Errorf("%w: field %d has unsupported wire type %d", ErrMalformed, num, typ)
		}
		buf = buf[n:]

		if !visit(f) {
			return nil
		}
	}

	return nil
}

// ExtractLengthDelimited returns the raw bytes of the first length-delimited
// field numbered num. The result aliases buf.
func ExtractLengthDelimited(buf []byte, num protowire.Number) ([]byte, bool) {
	var (
		out   []byte
		found bool
	)
	err := walk(buf, func(f field) bool {
		if f.num == num && f.typ == protowire.BytesType {
			out, found = f.raw, true
			return false
		}
		return true
	})
	if err != nil && !found {
		return nil, false
	}

	return out, found
}

// ExtractVarint returns the first varint field numbered num, truncated to
// int32 like the firmware does for enum and flag fields.
func ExtractVarint(buf []byte, num protowire.Number) (int32, bool) {
	v, ok := extractScalar(buf, num, protowire.VarintType)
	// #nosec G115 -- protobuf int32 fields are sign-extended varints.
	return int32(v), ok
}

// ExtractFixed32 returns the first fixed32 field numbered num.
func ExtractFixed32(buf []byte, num protowire.Number) (uint32, bool) {
	v, ok := extractScalar(buf, num, protowire.Fixed32Type)
	// #nosec G115 -- fixed32 values always fit.
	return uint32(v), ok
}

// ExtractUint32 accepts either encoding for fields older clients sent as
// varints and newer firmware sends as fixed32 (from, to, id).
func ExtractUint32(buf []byte, num protowire.Number) (uint32, bool) {
	var (
		out   uint32
		found bool
	)
	err := walk(buf, func(f field) bool {
		if f.num != num {
			return true
		}
		if f.typ == protowire.VarintType || f.typ == protowire.Fixed32Type {
			// #nosec G115 -- node numbers and packet ids are 32-bit.
			out, found = uint32(f.u64), true
			return false
		}
		return true
	})
	if err != nil && !found {
		return 0, false
	}

	return out, found
}

func extractScalar(buf []byte, num protowire.Number, typ protowire.Type) (uint64, bool) {
	var (
		out   uint64
		found bool
	)
	err := walk(buf, func(f field) bool {
		if f.num == num && f.typ == typ {
			out, found = f.u64, true
			return false
		}
		return true
	})
	if err != nil && !found {
		return 0, false
	}

	return out, found
}

// Validate walks the whole message and reports the first framing error.
func Validate(buf []byte) error {
	return walk(buf, func(field) bool { return true })
}
