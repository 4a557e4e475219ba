// Package keycodec encodes composite keys into lexicographically ordered
// byte strings, and derives the start/end sentinels range scans need, so
// that every storage backend in this module can rely on the same portable
// ordering contract regardless of its native collation.
//
// Field encodings (spec section 4.1):
//
//   - IDField:     16 raw bytes of a uuid.UUID.
//   - IntField:    8 bytes big-endian, sign bit flipped so negative values
//     sort before positive ones.
//   - StringField: bytes of the string with 0x00 escaped as 0x00 0xFF,
//     terminated by 0x00 0x00. Since every in-field 0x00 is followed by
//     something strictly greater than the terminator's second byte can
//     never be, "a" always sorts before "ab".
package keycodec

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/starwalker/kvlayer/kverrors"
)

// FieldType identifies the legal types a key field may hold.
type FieldType int

const (
	// IDField fields hold a uuid.UUID, encoded as its raw 16 bytes.
	IDField FieldType = iota
	// IntField fields hold an int64, encoded big-endian with the sign
	// bit flipped.
	IntField
	// StringField fields hold a string, encoded with a reversible
	// terminator.
	StringField
)

// KeySpec is the ordered sequence of field descriptors that every key
// written to or queried from one virtual table must match in arity and
// per-field type.
type KeySpec []FieldType

// Key is an ordered tuple of field values conforming to some KeySpec.
// Legal element types are uuid.UUID, int64, and string.
type Key []interface{}

const (
	signBit      = uint64(1) << 63
	stringEscape = 0x00
	stringEscVal = 0xFF
	stringTerm   = 0x00
)

// Encode serializes key according to spec, failing with kverrors.BadKey if
// key's arity or any field's type does not match spec.
func Encode(key Key, spec KeySpec) ([]byte, error) {
	if len(key) != len(spec) {
		return nil, kverrors.New(kverrors.BadKey,
			"key has %d fields but spec wants %d", len(key), len(spec))
	}
	var buf bytes.Buffer
	for i, ft := range spec {
		if err := encodeField(&buf, ft, key[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeField(buf *bytes.Buffer, ft FieldType, v interface{}) error {
	switch ft {
	case IDField:
		id, ok := v.(uuid.UUID)
		if !ok {
			return kverrors.New(kverrors.BadKey, "field wants uuid.UUID, got %T", v)
		}
		buf.Write(id[:])
	case IntField:
		n, ok := v.(int64)
		if !ok {
			return kverrors.New(kverrors.BadKey, "field wants int64, got %T", v)
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n)^signBit)
		buf.Write(b[:])
	case StringField:
		s, ok := v.(string)
		if !ok {
			return kverrors.New(kverrors.BadKey, "field wants string, got %T", v)
		}
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c == stringEscape {
				buf.WriteByte(stringEscape)
				buf.WriteByte(stringEscVal)
			} else {
				buf.WriteByte(c)
			}
		}
		buf.WriteByte(stringEscape)
		buf.WriteByte(stringTerm)
	default:
		return kverrors.New(kverrors.BadKey, "unknown field type %d", ft)
	}
	return nil
}

// Decode is the inverse of Encode, failing with kverrors.BadKey on
// malformed input (including input that is truncated or has trailing
// bytes once spec is exhausted).
func Decode(b []byte, spec KeySpec) (Key, error) {
	key := make(Key, len(spec))
	pos := 0
	for i, ft := range spec {
		v, n, err := decodeField(b[pos:], ft)
		if err != nil {
			return nil, err
		}
		key[i] = v
		pos += n
	}
	if pos != len(b) {
		return nil, kverrors.New(kverrors.BadKey, "trailing bytes after decoding key")
	}
	return key, nil
}

func decodeField(b []byte, ft FieldType) (interface{}, int, error) {
	switch ft {
	case IDField:
		if len(b) < 16 {
			return nil, 0, kverrors.New(kverrors.BadKey, "truncated id field")
		}
		var id uuid.UUID
		copy(id[:], b[:16])
		return id, 16, nil
	case IntField:
		if len(b) < 8 {
			return nil, 0, kverrors.New(kverrors.BadKey, "truncated int field")
		}
		u := binary.BigEndian.Uint64(b[:8])
		return int64(u ^ signBit), 8, nil
	case StringField:
		var out []byte
		i := 0
		for {
			if i >= len(b) {
				return nil, 0, kverrors.New(kverrors.BadKey, "unterminated string field")
			}
			if b[i] == stringEscape {
				if i+1 >= len(b) {
					return nil, 0, kverrors.New(kverrors.BadKey, "truncated string escape")
				}
				switch b[i+1] {
				case stringEscVal:
					out = append(out, stringEscape)
					i += 2
				case stringTerm:
					return string(out), i + 2, nil
				default:
					return nil, 0, kverrors.New(kverrors.BadKey, "invalid string escape byte %#x", b[i+1])
				}
				continue
			}
			out = append(out, b[i])
			i++
		}
	default:
		return nil, 0, kverrors.New(kverrors.BadKey, "unknown field type %d", ft)
	}
}

// RangeStart returns the least byte string whose decode would conform to
// spec and be >= prefix (a possibly-partial leading tuple). An empty
// prefix returns the empty string, the least possible byte string.
func RangeStart(prefix Key, spec KeySpec) ([]byte, error) {
	if len(prefix) == 0 {
		return []byte{}, nil
	}
	if len(prefix) > len(spec) {
		return nil, kverrors.New(kverrors.BadKey, "prefix has more fields than spec")
	}
	var buf bytes.Buffer
	for i, v := range prefix {
		if err := encodeField(&buf, spec[i], v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// RangeEnd returns an inclusive upper bound for keys matching prefix: a
// byte string that is greater than or equal to the encoding of any key
// beginning with prefix (equal when prefix is a complete key), by padding
// every field spec describes beyond prefix's arity with that field's
// maximal encoding.
//
// For IDField and IntField this is an exact bound (both are fixed-width
// and their maximal encoding is all 0xFF bytes). For a StringField left
// unspecified, the padding is a single 0xFF byte with no terminator; this
// is not a tight bound against a string field value that itself begins
// with 0xFF: such a key sorts above the bound and falls outside the range.
//
// Backends whose native range primitive is half-open (exclusive end)
// should append one extra high-byte (0xFF) sentinel to the result to
// turn this inclusive bound into a strict one.
func RangeEnd(prefix Key, spec KeySpec) ([]byte, error) {
	if len(prefix) == 0 {
		return nil, nil // nil signals "no upper bound", i.e. +infinity
	}
	if len(prefix) > len(spec) {
		return nil, kverrors.New(kverrors.BadKey, "prefix has more fields than spec")
	}
	var buf bytes.Buffer
	for i, v := range prefix {
		if err := encodeField(&buf, spec[i], v); err != nil {
			return nil, err
		}
	}
	for i := len(prefix); i < len(spec); i++ {
		switch spec[i] {
		case IDField:
			buf.Write(bytes.Repeat([]byte{0xFF}, 16))
		case IntField:
			buf.Write(bytes.Repeat([]byte{0xFF}, 8))
		case StringField:
			buf.WriteByte(0xFF)
		}
	}
	return buf.Bytes(), nil
}

// Compare orders two keys conforming to the same spec the same way their
// encoded bytes would sort; it is provided for tests that check order
// preservation without re-deriving tuple comparison by hand.
func Compare(a, b Key, spec KeySpec) (int, error) {
	ea, err := Encode(a, spec)
	if err != nil {
		return 0, err
	}
	eb, err := Encode(b, spec)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ea, eb), nil
}
