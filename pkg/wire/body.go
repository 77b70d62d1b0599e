package wire

import "github.com/bft-labs/starpool/pkg/errs"

// Payload bodies carried inside envelopes. Keys are integers so the
// encoding stays compact and independent of Go field names.

// Request opens an ask or a stream.
type Request struct {
	Type   string            `cbor:"1,keyasint"`
	Trace  map[string]string `cbor:"2,keyasint,omitempty"`
	Body   []byte            `cbor:"3,keyasint"`
	Stream bool              `cbor:"4,keyasint,omitempty"`
}

// Reply answers a Request that was not a stream.
type Reply struct {
	Body []byte     `cbor:"1,keyasint,omitempty"`
	Err  *errs.Wire `cbor:"2,keyasint,omitempty"`
}

// StreamItem carries one value of a stream.
type StreamItem struct {
	Index uint64 `cbor:"1,keyasint"`
	Body  []byte `cbor:"2,keyasint"`
}

// StreamEnd terminates a stream normally.
type StreamEnd struct {
	Count uint64 `cbor:"1,keyasint"`
}

// StreamError terminates a stream with a failure at Index.
type StreamError struct {
	Index uint64    `cbor:"1,keyasint"`
	Err   errs.Wire `cbor:"2,keyasint"`
}

// Callback is a request from a worker back to the supervisor.
type Callback struct {
	Type  string            `cbor:"1,keyasint"`
	Trace map[string]string `cbor:"2,keyasint,omitempty"`
	Body  []byte            `cbor:"3,keyasint"`
}

// CallbackReply answers a Callback.
type CallbackReply struct {
	Body []byte     `cbor:"1,keyasint,omitempty"`
	Err  *errs.Wire `cbor:"2,keyasint,omitempty"`
}
