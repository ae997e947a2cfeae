package protocol

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercadocoro/corofiber/internal/bytearray"
)

func TestFrame_RoundTrip(t *testing.T) {
	frames := []Frame{
		{MsgType: HeartbeatPacket, SequenceID: 0, CompressType: 0, Body: nil},
		{MsgType: RPCMethodRequest, SequenceID: 42, CompressType: 0, Body: []byte("hello")},
		{MsgType: RPCMethodResponse, SequenceID: 1 << 20, CompressType: 0, Body: make([]byte, 10000)},
	}
	for _, f := range frames {
		ba := Encode(f)
		require.NoError(t, ba.SetPosition(0))
		got, err := Decode(ba)
		require.NoError(t, err)
		assert.Equal(t, f.MsgType, got.MsgType)
		assert.Equal(t, f.SequenceID, got.SequenceID)
		assert.Equal(t, f.CompressType, got.CompressType)
		assert.Equal(t, len(f.Body), len(got.Body))
		assert.Equal(t, f.Body, got.Body)
	}
}

func TestFrame_BadMagicRejected(t *testing.T) {
	ba := bytearray.New(0)
	ba.WriteFixed8(0x00)
	ba.WriteFixed8(Version)
	ba.WriteFixed8(uint8(HeartbeatPacket))
	ba.WriteFixed32(0)
	ba.WriteFixed8(0)
	ba.WriteFixed32(0)
	require.NoError(t, ba.SetPosition(0))

	_, err := DecodeMeta(ba)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestFrame_OversizedContentLengthRejected(t *testing.T) {
	ba := bytearray.New(0)
	ba.WriteFixed8(Magic)
	ba.WriteFixed8(Version)
	ba.WriteFixed8(uint8(HeartbeatPacket))
	ba.WriteFixed32(0)
	ba.WriteFixed8(0)
	ba.WriteFixed32(MaxContentLength + 1)
	require.NoError(t, ba.SetPosition(0))

	_, err := DecodeMeta(ba)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSerializer_PrimitiveRoundTrip(t *testing.T) {
	ba := bytearray.New(16)
	s := NewSerializer(ba)

	require.NoError(t, s.MarshalTuple(int32(-7), uint64(12345), "hello", true, 3.5))
	require.NoError(t, ba.SetPosition(0))

	var i int32
	var u uint64
	var str string
	var b bool
	var f float64
	require.NoError(t, s.UnmarshalTuple(&i, &u, &str, &b, &f))

	assert.Equal(t, int32(-7), i)
	assert.Equal(t, uint64(12345), u)
	assert.Equal(t, "hello", str)
	assert.True(t, b)
	assert.Equal(t, 3.5, f)
}

func TestSerializer_SliceRoundTrip(t *testing.T) {
	ba := bytearray.New(16)
	s := NewSerializer(ba)
	in := []int32{1, 2, 3, 4, 5}
	require.NoError(t, s.Marshal(reflect.ValueOf(in)))
	require.NoError(t, ba.SetPosition(0))

	var out []int32
	require.NoError(t, s.Unmarshal(reflect.ValueOf(&out).Elem()))
	assert.Equal(t, in, out)
}

func TestSerializer_MapRoundTrip(t *testing.T) {
	ba := bytearray.New(16)
	s := NewSerializer(ba)
	in := map[string]int32{"a": 1, "b": 2, "c": 3}
	require.NoError(t, s.Marshal(reflect.ValueOf(in)))
	require.NoError(t, ba.SetPosition(0))

	var out map[string]int32
	require.NoError(t, s.Unmarshal(reflect.ValueOf(&out).Elem()))
	assert.Equal(t, in, out)
}

func TestSerializer_BytesRoundTrip(t *testing.T) {
	ba := bytearray.New(4)
	s := NewSerializer(ba)
	in := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	require.NoError(t, s.Marshal(reflect.ValueOf(in)))
	require.NoError(t, ba.SetPosition(0))

	var out []byte
	require.NoError(t, s.Unmarshal(reflect.ValueOf(&out).Elem()))
	assert.Equal(t, in, out)
}

func TestResult_SuccessRoundTrip(t *testing.T) {
	body := EncodeResult(Result{Code: Success, Msg: "ok", Value: int32(99)})
	got, err := DecodeResult(body, reflect.TypeOf(int32(0)))
	require.NoError(t, err)
	assert.Equal(t, Success, got.Code)
	assert.Equal(t, "ok", got.Msg)
	assert.Equal(t, int32(99), got.Value)
}

func TestResult_FailureCarriesNoValue(t *testing.T) {
	body := EncodeResult(Result{Code: NoMethod, Msg: "no such method"})
	got, err := DecodeResult(body, reflect.TypeOf(int32(0)))
	require.NoError(t, err)
	assert.Equal(t, NoMethod, got.Code)
	assert.Equal(t, "no such method", got.Msg)
	assert.Nil(t, got.Value)
}

func TestMsgType_StringIsStable(t *testing.T) {
	assert.Equal(t, "RPC_METHOD_REQUEST", RPCMethodRequest.String())
	assert.Equal(t, "HEARTBEAT_PACKET", HeartbeatPacket.String())
}
