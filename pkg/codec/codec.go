// Package codec marshals typed messages to and from envelope payloads.
package codec

import (
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec defines a simple interface for marshaling typed messages.
// Implementations must be deterministic and safe for cross-process exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec.
//
// Maps decoded into an untyped destination become map[string]any, and
// fields present in the data but absent from a destination struct are
// rejected.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

// Default is the codec used when none is configured.
var Default = mustCBOR()

func mustCBOR() Codec {
	c, err := CBOR()
	if err != nil {
		panic(err)
	}
	return c
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// Decode unmarshals data into a new value of type t and returns it.
func Decode(c Codec, data []byte, t reflect.Type) (any, error) {
	ptr := reflect.New(t)
	if err := c.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// Convert returns v as a value of type t. Values already assignable to t are
// returned unchanged; anything else is re-encoded through c, so a dynamic
// map produced by an interpreter can be checked against a registered struct.
func Convert(c Codec, v any, t reflect.Type) (any, error) {
	if v == nil {
		if t.Kind() == reflect.Interface {
			return nil, nil
		}
	} else if reflect.TypeOf(v).AssignableTo(t) {
		return v, nil
	}
	data, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out, err := Decode(c, data, t)
	if err != nil {
		return nil, fmt.Errorf("decode into %s: %w", t, err)
	}
	return out, nil
}

// ToDynamic converts a typed value into plain maps, slices and scalars.
func ToDynamic(c Codec, v any) (any, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var out any
	if err := c.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
