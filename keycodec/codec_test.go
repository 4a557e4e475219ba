package keycodec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starwalker/kvlayer/kverrors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	spec := KeySpec{IDField, IntField, StringField}
	id := uuid.New()
	key := Key{id, int64(-42), "hello"}

	enc, err := Encode(key, spec)
	require.NoError(t, err)

	dec, err := Decode(enc, spec)
	require.NoError(t, err)
	require.Equal(t, key, dec)
}

func TestEncodeArityMismatch(t *testing.T) {
	spec := KeySpec{IntField, IntField}
	_, err := Encode(Key{int64(1)}, spec)
	require.Error(t, err)
	kind, ok := kverrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kverrors.BadKey, kind)
}

func TestEncodeTypeMismatch(t *testing.T) {
	spec := KeySpec{IntField}
	_, err := Encode(Key{"not an int"}, spec)
	require.Error(t, err)
	assert.True(t, kverrors.Is(err, kverrors.BadKey))
}

func TestIntFieldOrdering(t *testing.T) {
	spec := KeySpec{IntField}
	values := []int64{-1 << 62, -1000, -1, 0, 1, 1000, 1 << 62}
	var prev []byte
	for _, v := range values {
		enc, err := Encode(Key{v}, spec)
		require.NoError(t, err)
		if prev != nil {
			assert.True(t, bytes.Compare(prev, enc) < 0, "expected %d to encode less than next value", v)
		}
		prev = enc
	}
}

func TestStringFieldPrefixOrdering(t *testing.T) {
	spec := KeySpec{StringField}
	a, err := Encode(Key{"a"}, spec)
	require.NoError(t, err)
	ab, err := Encode(Key{"ab"}, spec)
	require.NoError(t, err)
	assert.True(t, bytes.Compare(a, ab) < 0, "\"a\" must sort before \"ab\"")
}

func TestStringFieldWithEmbeddedNull(t *testing.T) {
	spec := KeySpec{StringField}
	key := Key{"a\x00b"}
	enc, err := Encode(key, spec)
	require.NoError(t, err)
	dec, err := Decode(enc, spec)
	require.NoError(t, err)
	require.Equal(t, key, dec)
}

func TestMultiFieldOrderingMatchesTupleOrder(t *testing.T) {
	// spec.md scenario 4: [string, int] keys ("a",2), ("a",10), ("b",1)
	// must sort in that order: numeric, not lexical, comparison of the
	// int component, and string component dominates across letters.
	spec := KeySpec{StringField, IntField}
	keys := []Key{
		{"a", int64(2)},
		{"a", int64(10)},
		{"b", int64(1)},
	}
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		enc, err := Encode(k, spec)
		require.NoError(t, err)
		encoded[i] = enc
	}
	for i := 0; i < len(encoded)-1; i++ {
		assert.True(t, bytes.Compare(encoded[i], encoded[i+1]) < 0)
	}
}

func TestOrderPreservationRandomized(t *testing.T) {
	spec := KeySpec{IDField, IntField, StringField}
	rnd := rand.New(rand.NewSource(1))
	randomKey := func() Key {
		return Key{
			uuid.New(),
			int64(rnd.Intn(2000000) - 1000000),
			randString(rnd, rnd.Intn(12)),
		}
	}
	for i := 0; i < 200; i++ {
		a := randomKey()
		b := randomKey()
		cmp, err := Compare(a, b, spec)
		require.NoError(t, err)
		tupleCmp := tupleCompare(a, b)
		assert.Equal(t, sign(tupleCmp), sign(cmp), "a=%v b=%v", a, b)
	}
}

func randString(rnd *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rnd.Intn(len(letters))]
	}
	return string(b)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// tupleCompare is a reference comparison over (uuid.UUID, int64, string)
// tuples used only to check Compare against an independent implementation.
func tupleCompare(a, b Key) int {
	ida, idb := a[0].(uuid.UUID), b[0].(uuid.UUID)
	if c := bytes.Compare(ida[:], idb[:]); c != 0 {
		return c
	}
	ia, ib := a[1].(int64), b[1].(int64)
	switch {
	case ia < ib:
		return -1
	case ia > ib:
		return 1
	}
	sa, sb := a[2].(string), b[2].(string)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func TestRangeStartEmptyIsEmptyString(t *testing.T) {
	spec := KeySpec{IntField}
	start, err := RangeStart(Key{}, spec)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, start)
}

func TestRangeEndEmptyIsInfinity(t *testing.T) {
	spec := KeySpec{IntField}
	end, err := RangeEnd(Key{}, spec)
	require.NoError(t, err)
	assert.Nil(t, end)
}

func TestRangeEndDominatesMatchingPrefix(t *testing.T) {
	spec := KeySpec{StringField, IntField}
	end, err := RangeEnd(Key{"a"}, spec)
	require.NoError(t, err)
	for _, n := range []int64{-1000, 0, 1000} {
		enc, err := Encode(Key{"a", n}, spec)
		require.NoError(t, err)
		assert.True(t, bytes.Compare(enc, end) <= 0)
	}
	// a key with a later string prefix must exceed it
	enc, err := Encode(Key{"b", int64(0)}, spec)
	require.NoError(t, err)
	assert.True(t, bytes.Compare(enc, end) > 0)
}
