package server

import (
	"fmt"
	"reflect"

	"github.com/mercadocoro/corofiber/internal/bytearray"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
)

var errType = reflect.TypeOf((*error)(nil)).Elem()

// method wraps a registered handler function, recording its argument
// types once at registration time so dispatch never has to reflect on
// fn itself on the hot path.
type method struct {
	fn       reflect.Value
	argTypes []reflect.Type
	// hasValue is true when fn returns a value in addition to (or
	// instead of) an error; hasError is true when its last return is
	// the error interface.
	hasValue bool
	hasError bool
}

// newMethod validates fn's shape and records what dispatch needs to
// know about it. fn must be a func accepting zero or more arguments
// representable by the Serializer and returning at most one non-error
// value followed optionally by an error.
func newMethod(fn any) (*method, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("server: handler must be a func, got %T", fn)
	}
	t := v.Type()

	m := &method{fn: v}
	for i := 0; i < t.NumIn(); i++ {
		m.argTypes = append(m.argTypes, t.In(i))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errType {
			m.hasError = true
		} else {
			m.hasValue = true
		}
	case 2:
		if t.Out(1) != errType {
			return nil, fmt.Errorf("server: handler's second return value must be error")
		}
		m.hasValue = true
		m.hasError = true
	default:
		return nil, fmt.Errorf("server: handler may return at most (value, error)")
	}
	return m, nil
}

// invoke deserializes body as this method's argument tuple, calls fn,
// and encodes the outcome as a Result-shaped body. Argument
// deserialization failures and handler panics are both caught and
// translated into an in-band Result rather than propagating, per the
// exception-to-error translation requirement.
func (m *method) invoke(body []byte) (result protocol.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = protocol.Result{Code: protocol.Fail, Msg: fmt.Sprintf("handler panicked: %v", r)}
		}
	}()

	ba := bytearray.New(0)
	ba.Write(body)
	if err := ba.SetPosition(0); err != nil {
		return protocol.Result{Code: protocol.NoMatch, Msg: err.Error()}
	}
	s := protocol.NewSerializer(ba)

	args := make([]reflect.Value, len(m.argTypes))
	for i, at := range m.argTypes {
		p := reflect.New(at)
		if err := s.Unmarshal(p.Elem()); err != nil {
			return protocol.Result{Code: protocol.NoMatch, Msg: err.Error()}
		}
		args[i] = p.Elem()
	}

	out := m.fn.Call(args)

	var retErr error
	if m.hasError {
		if e, ok := out[len(out)-1].Interface().(error); ok {
			retErr = e
		}
	}
	if retErr != nil {
		return protocol.Result{Code: protocol.Fail, Msg: retErr.Error()}
	}
	if m.hasValue {
		return protocol.Result{Code: protocol.Success, Value: out[0].Interface()}
	}
	return protocol.Result{Code: protocol.Success}
}
