package protocol

import (
	"reflect"

	"github.com/mercadocoro/corofiber/internal/bytearray"
)

// Code is the outcome of an RPC call, carried as the first field of
// every RPC_METHOD_RESPONSE body.
type Code uint16

const (
	// Success indicates the call succeeded; Value is present.
	Success Code = iota
	// Fail is a generic server-side failure (a handler panicked or
	// returned an error).
	Fail
	// NoMatch indicates an argument or return-value type mismatch
	// during de/serialization.
	NoMatch
	// NoMethod indicates the method was never registered, or
	// discovery returned no provider.
	NoMethod
	// Closed indicates the session was closed, locally or by the
	// peer, before a response arrived.
	Closed
	// Timeout indicates the caller's deadline elapsed first.
	Timeout
)

func (c Code) String() string {
	switch c {
	case Success:
		return "RPC_SUCCESS"
	case Fail:
		return "RPC_FAIL"
	case NoMatch:
		return "RPC_NO_MATCH"
	case NoMethod:
		return "RPC_NO_METHOD"
	case Closed:
		return "RPC_CLOSED"
	case Timeout:
		return "RPC_TIMEOUT"
	default:
		return "RPC_UNKNOWN"
	}
}

// Result is the body of an RPC_METHOD_RESPONSE frame: a code, a
// human-readable message, and — only when Code == Success — the
// method's return value.
type Result struct {
	Code  Code
	Msg   string
	Value any
}

// EncodeResult serializes r onto a fresh ByteArray's bytes. The value
// is omitted entirely when Code != Success, matching the wire layout
// in which only a successful response carries a trailing value.
func EncodeResult(r Result) []byte {
	ba := bytearray.New(0)
	s := NewSerializer(ba)
	ba.WriteFixed16(uint16(r.Code))
	ba.WriteString(r.Msg)
	if r.Code == Success && r.Value != nil {
		_ = s.Marshal(reflect.ValueOf(r.Value))
	}
	out, _ := drain(ba) // position 0..size was just written, so this cannot fail
	return out
}

// DecodeResult parses a Result from body. When the result is
// successful and valueType is non-nil, the value is decoded into a
// freshly allocated valueType and returned via Value as that concrete
// type; a value that cannot be decoded into valueType surfaces as an
// error (*ErrTypeMismatch for an unsupported kind, a ByteArray read
// error for bytes that do not fit) so callers can translate it to
// NoMatch.
func DecodeResult(body []byte, valueType reflect.Type) (Result, error) {
	ba := bytearray.New(0)
	ba.Write(body)
	if err := ba.SetPosition(0); err != nil {
		return Result{}, err
	}
	code16, err := ba.ReadFixed16()
	if err != nil {
		return Result{}, err
	}
	msg, err := ba.ReadString()
	if err != nil {
		return Result{}, err
	}
	r := Result{Code: Code(code16), Msg: msg}
	if r.Code == Success && valueType != nil {
		out := reflect.New(valueType)
		if err := NewSerializer(ba).Unmarshal(out.Elem()); err != nil {
			return Result{}, err
		}
		r.Value = out.Elem().Interface()
	}
	return r, nil
}
