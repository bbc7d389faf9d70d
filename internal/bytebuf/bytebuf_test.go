package bytebuf

import (
	"testing"

	"github.com/cesanta/errors"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.U8(0x12).S8(-1).U16(0xABCD).S16(-2).U32(0xDEADBEEF).S32(-3).
		U64(0x0123456789ABCDEF).S64(-4).F32(1.5).F64(2.25).
		String("hi", 5).LengthPrefixedString("yo")

	r := NewReader(w.Build())
	u8, err := r.U8()
	require.NoError(t, err)
	require.EqualValues(t, 0x12, u8)

	s8, err := r.S8()
	require.NoError(t, err)
	require.EqualValues(t, -1, s8)

	u16, err := r.U16()
	require.NoError(t, err)
	require.EqualValues(t, 0xABCD, u16)

	s16, err := r.S16()
	require.NoError(t, err)
	require.EqualValues(t, -2, s16)

	u32, err := r.U32()
	require.NoError(t, err)
	require.EqualValues(t, 0xDEADBEEF, u32)

	s32, err := r.S32()
	require.NoError(t, err)
	require.EqualValues(t, -3, s32)

	u64, err := r.U64()
	require.NoError(t, err)
	require.EqualValues(t, 0x0123456789ABCDEF, u64)

	s64, err := r.S64()
	require.NoError(t, err)
	require.EqualValues(t, -4, s64)

	f32, err := r.F32()
	require.NoError(t, err)
	require.EqualValues(t, 1.5, f32)

	f64, err := r.F64()
	require.NoError(t, err)
	require.EqualValues(t, 2.25, f64)

	s, err := r.String(5)
	require.NoError(t, err)
	require.Equal(t, "hi", s)

	lps, err := r.LengthPrefixedString()
	require.NoError(t, err)
	require.Equal(t, "yo", lps)

	require.Zero(t, r.Remaining())
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader([]byte{0x01})
	_, err := r.U32()
	require.Error(t, err)
	require.Equal(t, ErrShortRead, errors.Cause(err))
}

func TestReaderRemainingString(t *testing.T) {
	r := NewReader([]byte("abc"))
	_, _ = r.U8()
	require.Equal(t, "bc", r.RemainingString())
	require.Zero(t, r.Remaining())
}

func TestWriterStringTruncatesAndPads(t *testing.T) {
	w := NewWriter()
	w.String("toolongvalue", 4)
	require.Equal(t, []byte("tool"), w.Build())

	w2 := NewWriter()
	w2.String("hi", 5)
	require.Equal(t, []byte{'h', 'i', 0, 0, 0}, w2.Build())
}
