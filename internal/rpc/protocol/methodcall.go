package protocol

import (
	"reflect"

	"github.com/mercadocoro/corofiber/internal/bytearray"
)

// EncodeMethodRequest builds the body of an RPC_METHOD_REQUEST frame:
// the method name followed by the marshaled argument tuple.
func EncodeMethodRequest(name string, args []any) ([]byte, error) {
	ba := bytearray.New(0)
	ba.WriteString(name)
	s := NewSerializer(ba)
	if err := s.MarshalTuple(args...); err != nil {
		return nil, err
	}
	return drain(ba)
}

// DecodeMethodRequest splits an RPC_METHOD_REQUEST body into the
// method name and the remaining bytes, the serialized argument tuple.
func DecodeMethodRequest(body []byte) (name string, argBody []byte, err error) {
	ba := bytearray.New(0)
	ba.Write(body)
	if err := ba.SetPosition(0); err != nil {
		return "", nil, err
	}
	name, err = ba.ReadString()
	if err != nil {
		return "", nil, err
	}
	argBody = make([]byte, ba.GetReadSize())
	if err := ba.Read(argBody); err != nil {
		return "", nil, err
	}
	return name, argBody, nil
}

// EncodePublish serializes a (topic, value) tuple for the body of an
// RPC_PUBLISH_REQUEST frame.
func EncodePublish(topic string, value any) ([]byte, error) {
	ba := bytearray.New(0)
	ba.WriteString(topic)
	if value != nil {
		if err := NewSerializer(ba).Marshal(reflect.ValueOf(value)); err != nil {
			return nil, err
		}
	}
	return drain(ba)
}

// DecodePublish splits a publish body into its topic and the raw
// remaining bytes, left for the caller to Unmarshal into whatever type
// it expects for that topic.
func DecodePublish(body []byte) (topic string, valueBody []byte, err error) {
	ba := bytearray.New(0)
	ba.Write(body)
	if err := ba.SetPosition(0); err != nil {
		return "", nil, err
	}
	topic, err = ba.ReadString()
	if err != nil {
		return "", nil, err
	}
	valueBody = make([]byte, ba.GetReadSize())
	if err := ba.Read(valueBody); err != nil {
		return "", nil, err
	}
	return topic, valueBody, nil
}

// drain copies ba's full contents out as a byte slice, leaving ba's
// position reset to 0 — the common tail of every Encode* helper above.
func drain(ba *bytearray.ByteArray) ([]byte, error) {
	out := make([]byte, ba.GetSize())
	if err := ba.SetPosition(0); err != nil {
		return nil, err
	}
	if err := ba.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
