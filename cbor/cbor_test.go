package cbor

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := NewMap(
		Pair(0, uint64(1)),
		Pair(1, "scope-1"),
		Pair(2, []byte{0xaa, 0xbb}),
		Pair(3, NewArray(uint64(7), "x", []byte{0x01})),
		Pair(4, NewMap(Pair(0, uint64(64)), Pair(1, uint64(2)))),
	)
	b, err := EncodeCanonical(v)
	require.NoError(t, err)

	decoded, err := DecodeCanonical(b, DefaultLimits())
	require.NoError(t, err)

	reencoded, err := EncodeCanonical(decoded)
	require.NoError(t, err)
	require.Equal(t, b, reencoded)
}

func TestEncodeIsDeterministic(t *testing.T) {
	v := NewMap(
		Pair(10, "ten"),
		Pair(2, "two"),
		Pair(0, "zero"),
	)
	a, err := EncodeCanonical(v)
	require.NoError(t, err)
	b, err := EncodeCanonical(v)
	require.NoError(t, err)
	require.Equal(t, a, b)

	// Map keys sort by their encoded bytes, so 0 < 2 < 10.
	require.Equal(t, byte(0xa3), a[0])
	require.Equal(t, byte(0x00), a[1])
}

func TestRejectsNonCanonicalKeyOrder(t *testing.T) {
	// {1: 1, 0: 2} with the keys emitted out of sorted order.
	raw, err := hex.DecodeString("a201010002")
	require.NoError(t, err)

	_, err = DecodeCanonical(raw, DefaultLimits())
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "non-canonical cbor")
}

func TestRejectsNonMinimalInteger(t *testing.T) {
	// uint 1 encoded with a needless one-byte argument (0x18 0x01).
	raw := []byte{0x18, 0x01}
	_, err := DecodeCanonical(raw, DefaultLimits())
	require.ErrorIs(t, err, ErrInvalid)
}

func TestRejectsIndefiniteLength(t *testing.T) {
	raw := []byte{0x9f, 0x01, 0x02, 0xff}
	_, err := DecodeCanonical(raw, DefaultLimits())
	require.ErrorIs(t, err, ErrInvalid)
}

func TestRejectsDuplicateMapKeys(t *testing.T) {
	raw := []byte{0xa2, 0x00, 0x01, 0x00, 0x02}
	_, err := DecodeCanonical(raw, DefaultLimits())
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLimits(t *testing.T) {
	t.Run("max bytes", func(t *testing.T) {
		b, err := EncodeCanonical([]byte{1, 2, 3, 4, 5, 6, 7, 8})
		require.NoError(t, err)
		_, err = DecodeCanonical(b, Limits{MaxBytes: 4, MaxDepth: 64, MaxItems: 4096})
		require.ErrorIs(t, err, ErrInvalid)
		require.ErrorContains(t, err, "too large")
	})

	t.Run("max depth", func(t *testing.T) {
		var v any = uint64(1)
		for i := 0; i < 80; i++ {
			v = NewArray(v)
		}
		b, err := EncodeCanonical(v)
		require.NoError(t, err)
		_, err = DecodeCanonical(b, DefaultLimits())
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("max items", func(t *testing.T) {
		items := make([]any, 5000)
		for i := range items {
			items[i] = uint64(i)
		}
		b, err := EncodeCanonical(items)
		require.NoError(t, err)
		_, err = DecodeCanonical(b, DefaultLimits())
		require.ErrorIs(t, err, ErrInvalid)
	})
}

func TestTypedHelpers(t *testing.T) {
	b, err := EncodeCanonical(NewMap(
		Pair(0, "text"),
		Pair(1, []byte{0x01}),
		Pair(2, uint64(42)),
	))
	require.NoError(t, err)
	v, err := DecodeCanonical(b, DefaultLimits())
	require.NoError(t, err)
	m, err := AsMap(v)
	require.NoError(t, err)

	s, err := ReqText(m, 0)
	require.NoError(t, err)
	require.Equal(t, "text", s)

	bs, err := ReqBytes(m, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, bs)

	u, err := ReqUint(m, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(42), u)

	_, err = ReqText(m, 9)
	require.ErrorContains(t, err, "missing key 9")
	_, err = ReqText(m, 2)
	require.ErrorContains(t, err, "expected text")

	_, ok, err := OptBytes(m, 9)
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := OptUint(m, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), got)

	_, err = AsArray(v)
	require.ErrorIs(t, err, ErrInvalid)
}
