package protocol

import (
	"fmt"
	"reflect"

	"github.com/mercadocoro/corofiber/internal/bytearray"
)

// ErrTypeMismatch is returned by Unmarshal when the bytes on the wire
// don't agree with the Go type the caller asked to decode into — the
// condition that the RPC layer reports upward as RPC_NO_MATCH.
type ErrTypeMismatch struct {
	Kind reflect.Kind
}

func (e *ErrTypeMismatch) Error() string {
	return fmt.Sprintf("protocol: unsupported or mismatched kind %s", e.Kind)
}

// Serializer wraps a ByteArray with typed stream operators: varints
// (zig-zag for signed kinds) for integers of every width, booleans,
// floats, length-prefixed byte strings, tuples (plain concatenation),
// and count-prefixed homogeneous sequences and maps. It has no
// fixed-width integer operator; those are only reachable through the
// underlying ByteArray. On top of these primitives, Marshal/Unmarshal
// walk an arbitrary Go value via reflection — including plain structs,
// field by exported field, in declaration order — so RpcServer and
// RpcClient can serialize user-defined argument and result types
// without each caller hand-writing a codec.
type Serializer struct {
	ba *bytearray.ByteArray
}

// NewSerializer wraps an existing ByteArray.
func NewSerializer(ba *bytearray.ByteArray) *Serializer { return &Serializer{ba: ba} }

// ByteArray returns the underlying buffer, for callers that need to
// hand it to Encode/Decode directly.
func (s *Serializer) ByteArray() *bytearray.ByteArray { return s.ba }

// MarshalTuple encodes args as a plain concatenation of their
// individual encodings — the "argument tuple" a method request body
// carries.
func (s *Serializer) MarshalTuple(args ...any) error {
	for _, a := range args {
		if err := s.Marshal(reflect.ValueOf(a)); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalTuple decodes len(out) values in order into the pointers in
// out.
func (s *Serializer) UnmarshalTuple(out ...any) error {
	for _, o := range out {
		v := reflect.ValueOf(o)
		if v.Kind() != reflect.Ptr || v.IsNil() {
			return &ErrTypeMismatch{Kind: v.Kind()}
		}
		if err := s.Unmarshal(v.Elem()); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes a single reflect.Value using the typed primitive
// that matches its Kind, recursing into slices and maps.
func (s *Serializer) Marshal(v reflect.Value) error {
	if !v.IsValid() {
		return &ErrTypeMismatch{Kind: reflect.Invalid}
	}
	switch v.Kind() {
	case reflect.Bool:
		s.ba.WriteBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		s.ba.WriteVarint(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		s.ba.WriteUvarint(v.Uint())
	case reflect.Float32:
		s.ba.WriteFloat32(float32(v.Float()))
	case reflect.Float64:
		s.ba.WriteFloat64(v.Float())
	case reflect.String:
		s.ba.WriteString(v.String())
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			if v.Kind() == reflect.Array && !v.CanAddr() {
				cp := reflect.New(v.Type()).Elem()
				cp.Set(v)
				v = cp
			}
			s.ba.WriteBytes(v.Bytes())
			return nil
		}
		s.ba.WriteUvarint(uint64(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := s.Marshal(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		keys := v.MapKeys()
		s.ba.WriteUvarint(uint64(len(keys)))
		for _, k := range keys {
			if err := s.Marshal(k); err != nil {
				return err
			}
			if err := s.Marshal(v.MapIndex(k)); err != nil {
				return err
			}
		}
	case reflect.Ptr:
		if v.IsNil() {
			s.ba.WriteBool(false)
			return nil
		}
		s.ba.WriteBool(true)
		return s.Marshal(v.Elem())
	case reflect.Interface:
		return s.Marshal(v.Elem())
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue // unexported
			}
			if err := s.Marshal(v.Field(i)); err != nil {
				return err
			}
		}
	default:
		return &ErrTypeMismatch{Kind: v.Kind()}
	}
	return nil
}

// Unmarshal decodes into v, which must be settable (typically obtained
// via reflect.ValueOf(ptr).Elem()).
func (s *Serializer) Unmarshal(v reflect.Value) error {
	if !v.IsValid() || !v.CanSet() {
		return &ErrTypeMismatch{Kind: v.Kind()}
	}
	switch v.Kind() {
	case reflect.Bool:
		b, err := s.ba.ReadBool()
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := s.ba.ReadVarint()
		if err != nil {
			return err
		}
		v.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := s.ba.ReadUvarint()
		if err != nil {
			return err
		}
		v.SetUint(u)
	case reflect.Float32:
		f, err := s.ba.ReadFloat32()
		if err != nil {
			return err
		}
		v.SetFloat(float64(f))
	case reflect.Float64:
		f, err := s.ba.ReadFloat64()
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.String:
		str, err := s.ba.ReadString()
		if err != nil {
			return err
		}
		v.SetString(str)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			buf, err := s.ba.ReadBytes()
			if err != nil {
				return err
			}
			v.SetBytes(buf)
			return nil
		}
		n, err := s.ba.ReadUvarint()
		if err != nil {
			return err
		}
		out := reflect.MakeSlice(v.Type(), int(n), int(n))
		for i := 0; i < int(n); i++ {
			if err := s.Unmarshal(out.Index(i)); err != nil {
				return err
			}
		}
		v.Set(out)
	case reflect.Map:
		n, err := s.ba.ReadUvarint()
		if err != nil {
			return err
		}
		out := reflect.MakeMapWithSize(v.Type(), int(n))
		keyType, valType := v.Type().Key(), v.Type().Elem()
		for i := 0; i < int(n); i++ {
			k := reflect.New(keyType).Elem()
			if err := s.Unmarshal(k); err != nil {
				return err
			}
			val := reflect.New(valType).Elem()
			if err := s.Unmarshal(val); err != nil {
				return err
			}
			out.SetMapIndex(k, val)
		}
		v.Set(out)
	case reflect.Ptr:
		present, err := s.ba.ReadBool()
		if err != nil {
			return err
		}
		if !present {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		p := reflect.New(v.Type().Elem())
		if err := s.Unmarshal(p.Elem()); err != nil {
			return err
		}
		v.Set(p)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue // unexported
			}
			if err := s.Unmarshal(v.Field(i)); err != nil {
				return err
			}
		}
	default:
		return &ErrTypeMismatch{Kind: v.Kind()}
	}
	return nil
}
