package errs

import "errors"

// Wire is the serialized form of an error sent between processes.
type Wire struct {
	Kind    Kind   `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
}

// ToWire converts err for transmission. Errors outside the taxonomy are
// sent as call errors.
func ToWire(err error) *Wire {
	if err == nil {
		return nil
	}
	kind := KindCall
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		kind = e.Kind
	}
	return &Wire{Kind: kind, Message: err.Error()}
}

// Err rebuilds the error on the receiving side.
func (w *Wire) Err(op string) error {
	if w == nil {
		return nil
	}
	kind := w.Kind
	if kind == KindUnknown {
		kind = KindCall
	}
	return &Error{Kind: kind, Op: op, Msg: w.Message}
}
