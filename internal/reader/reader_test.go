package reader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU32AndU64(t *testing.T) {
	// u64 is encoded as two little-endian u32 words, low half first.
	buf := []byte{
		0x01, 0x00, 0x00, 0x00, // u32 = 1
		0x02, 0x00, 0x00, 0x00, // low
		0x00, 0x00, 0x00, 0x00, // high
	}
	r := New(buf)

	v, err := r.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	u, err := r.U64()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u)

	assert.True(t, r.IsEmpty())
}

func TestU32InsufficientBytes(t *testing.T) {
	r := New([]byte{0x01, 0x02})
	_, err := r.U32()
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ErrInsufficientBytes})
}

func TestDiscardAndFinish(t *testing.T) {
	r := New([]byte{1, 2, 3, 4})
	require.NoError(t, r.Discard(4))
	require.NoError(t, r.Finish())

	r2 := New([]byte{1, 2, 3})
	require.NoError(t, r2.Discard(1))
	err := r2.Finish()
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ErrTrailingBytes})
}

func TestMagicNumber(t *testing.T) {
	r := New([]byte("gcno"))
	kind, err := r.MagicNumber()
	require.NoError(t, err)
	assert.Equal(t, KindGcno, kind)

	r2 := New([]byte("gcda"))
	kind2, err := r2.MagicNumber()
	require.NoError(t, err)
	assert.Equal(t, KindGcda, kind2)

	r3 := New([]byte("oncg"))
	_, err = r3.MagicNumber()
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ErrEndianness})

	r4 := New([]byte("xxxx"))
	_, err = r4.MagicNumber()
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ErrValue})
}

func TestVersionThreeDigit(t *testing.T) {
	// Three-digit form: 100*(b3-'A') + 10*(b2-'0') + (b1-'0').
	// "*02B" -> n3=1, n2=2, n1=0 -> 120
	buf := []byte{'*', '0', '2', 'A' + 1}
	r := New(buf)
	v, err := r.Version()
	require.NoError(t, err)
	assert.Equal(t, uint32(120), v)
}

func TestVersionTwoDigit(t *testing.T) {
	// 10*(b3-'0') + (b1-'0'), e.g. version 80: b3='8', b1='0'
	buf := []byte{'*', '0', '0', '8'}
	r := New(buf)
	v, err := r.Version()
	require.NoError(t, err)
	assert.Equal(t, uint32(80), v)
}

func TestVersionBadPrefix(t *testing.T) {
	r := New([]byte{'X', '0', '0', '8'})
	_, err := r.Version()
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ErrVersion})
}

func TestStringWordScaledLength(t *testing.T) {
	// version < 130: length field counts 4-byte words.
	payload := append([]byte("hello\x00"), 0, 0)
	buf := append([]byte{0x02, 0x00, 0x00, 0x00}, payload...) // length=2 words = 8 bytes
	r := New(buf)
	s, err := r.String(90)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestStringByteScaledLength(t *testing.T) {
	// version >= 130: length field counts bytes directly.
	payload := []byte("hi\x00")
	buf := append([]byte{0x03, 0x00, 0x00, 0x00}, payload...)
	r := New(buf)
	s, err := r.String(130)
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
}

func TestStringEmptyLength(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x00}
	r := New(buf)
	s, err := r.String(130)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestStringMissingNul(t *testing.T) {
	buf := append([]byte{0x03, 0x00, 0x00, 0x00}, []byte("abc")...)
	r := New(buf)
	_, err := r.String(130)
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ErrValue})
}

func TestStringInvalidUTF8(t *testing.T) {
	buf := append([]byte{0x03, 0x00, 0x00, 0x00}, []byte{0xff, 0xfe, 0x00}...)
	r := New(buf)
	_, err := r.String(130)
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ErrUTF8})
}
