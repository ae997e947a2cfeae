package bytearray

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteArray_FixedIntRoundTrip(t *testing.T) {
	b := New(8) // tiny segments to force boundary-crossing writes
	b.WriteFixed8(0xAB)
	b.WriteFixed16(0x1234)
	b.WriteFixed32(0xDEADBEEF)
	b.WriteFixed64(0x0102030405060708)

	v8, err := b.ReadFixed8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), v8)

	v16, err := b.ReadFixed16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v16)

	v32, err := b.ReadFixed32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)

	v64, err := b.ReadFixed64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)
}

func TestByteArray_LittleEndianRoundTrip(t *testing.T) {
	b := New(4)
	b.SetIsLittleEndian(true)
	b.WriteFixed32(0x01020304)

	require.NoError(t, b.SetPosition(0))
	v, err := b.ReadFixed32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), v)
}

func TestByteArray_VarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, math.MaxUint64}
	for _, v := range values {
		b := New(16)
		b.WriteUvarint(v)
		require.NoError(t, b.SetPosition(0))
		got, err := b.ReadUvarint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestByteArray_SignedVarintZigzagRoundTrip(t *testing.T) {
	values := []int64{0, -1, 1, -64, 64, math.MinInt64, math.MaxInt64}
	for _, v := range values {
		b := New(16)
		b.WriteVarint(v)
		require.NoError(t, b.SetPosition(0))
		got, err := b.ReadVarint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestByteArray_BoolAndFloatRoundTrip(t *testing.T) {
	b := New(8)
	b.WriteBool(true)
	b.WriteBool(false)
	b.WriteFloat32(3.14159)
	b.WriteFloat64(2.718281828459045)

	v1, err := b.ReadBool()
	require.NoError(t, err)
	assert.True(t, v1)

	v2, err := b.ReadBool()
	require.NoError(t, err)
	assert.False(t, v2)

	f32, err := b.ReadFloat32()
	require.NoError(t, err)
	assert.InDelta(t, float32(3.14159), f32, 1e-6)

	f64, err := b.ReadFloat64()
	require.NoError(t, err)
	assert.InDelta(t, 2.718281828459045, f64, 1e-12)
}

func TestByteArray_StringRoundTripAcrossSegments(t *testing.T) {
	b := New(4) // force the string to span several segments
	s := "the quick brown fox jumps over the lazy dog"
	b.WriteString(s)
	require.NoError(t, b.SetPosition(0))
	got, err := b.ReadString()
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestByteArray_BytesRoundTrip(t *testing.T) {
	b := New(4)
	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	b.WriteBytes(payload)
	require.NoError(t, b.SetPosition(0))
	got, err := b.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestByteArray_ReadPastSizeFails(t *testing.T) {
	b := New(16)
	b.WriteFixed8(1)
	require.NoError(t, b.SetPosition(0))
	_, err := b.ReadFixed64()
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestByteArray_SetPositionPastSizeFails(t *testing.T) {
	b := New(16)
	b.WriteFixed8(1)
	assert.ErrorIs(t, b.SetPosition(100), ErrPositionOutOfRange)
}

func TestByteArray_MultipleWritesInterleavedWithReads(t *testing.T) {
	b := New(4)
	b.WriteFixed32(1)
	b.WriteFixed32(2)
	b.WriteFixed32(3)

	require.NoError(t, b.SetPosition(0))
	for _, want := range []uint32{1, 2, 3} {
		got, err := b.ReadFixed32()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	b.WriteFixed32(4)
	require.NoError(t, b.SetPosition(12))
	got, err := b.ReadFixed32()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got)
}

func TestByteArray_ToHexStringWraps32BytesPerLine(t *testing.T) {
	b := New(64)
	buf := make([]byte, 40)
	for i := range buf {
		buf[i] = byte(i)
	}
	b.Write(buf)
	require.NoError(t, b.SetPosition(0))

	hex := b.ToHexString()
	lines := splitLines(hex)
	require.Len(t, lines, 2)
	assert.Equal(t, "00 01 02", lines[0][:8])
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func TestByteArray_ToStringReturnsUnreadPortion(t *testing.T) {
	b := New(8)
	b.WriteString("hello world")
	require.NoError(t, b.SetPosition(0))
	_, err := b.ReadFixed8() // consume the length-prefix byte
	require.NoError(t, err)
	assert.Equal(t, "hello world", b.ToString())
}

func TestByteArray_GetReadAndWriteBuffersSpanSegments(t *testing.T) {
	b := New(4)
	payload := []byte("0123456789abcdef")
	b.Write(payload)
	require.NoError(t, b.SetPosition(0))

	bufs := b.GetReadBuffers(len(payload))
	var got []byte
	for _, seg := range bufs {
		got = append(got, seg...)
	}
	assert.Equal(t, payload, got)

	b2 := New(4)
	wbufs := b2.GetWriteBuffers(len(payload))
	n := 0
	for _, seg := range wbufs {
		n += copy(seg, payload[n:])
	}
	require.NoError(t, b2.CommitWrite(n))
	require.NoError(t, b2.SetPosition(0))
	readBack := make([]byte, len(payload))
	require.NoError(t, b2.Read(readBack))
	assert.Equal(t, payload, readBack)
}

func TestByteArray_WriteAndReadFromFile(t *testing.T) {
	b := New(4)
	payload := []byte("segmented byte array file round trip test payload")
	b.Write(payload)
	require.NoError(t, b.SetPosition(0))

	path := filepath.Join(t.TempDir(), "bytearray.bin")
	require.NoError(t, b.WriteToFile(path))

	b2 := New(4)
	require.NoError(t, b2.ReadFromFile(path))
	assert.Equal(t, len(payload), b2.GetSize())

	got := make([]byte, len(payload))
	require.NoError(t, b2.Read(got))
	assert.Equal(t, payload, got)

	_, err := os.Stat(path)
	require.NoError(t, err)
}
