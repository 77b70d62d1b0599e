// Package handshake negotiates protocol version and message schema when a
// worker connects.
//
// The supervisor initiates:
//
//	Init -> SentCapabilities -> AwaitingAck -> Ready
//
// and any mismatch, I/O error or deadline moves the session to Failed. A
// failed connection is never retried; the caller discards it.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bft-labs/starpool/pkg/codec"
	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/wire"
)

// Protocol version spoken by this build. Peers must share the major
// version; minor versions only add optional fields.
const (
	ProtocolMajor uint16 = 1
	ProtocolMinor uint16 = 0
)

// DefaultTimeout bounds a handshake when the context has no deadline.
const DefaultTimeout = 10 * time.Second

// Record is what each side advertises.
type Record struct {
	ProtocolMajor uint16 `cbor:"1,keyasint"`
	ProtocolMinor uint16 `cbor:"2,keyasint"`
	Fingerprint   uint64 `cbor:"3,keyasint"`
	Streaming     bool   `cbor:"4,keyasint,omitempty"`
	WorkerID      string `cbor:"5,keyasint,omitempty"`
	PID           int    `cbor:"6,keyasint,omitempty"`
}

// NewRecord returns a record for this build's protocol version.
func NewRecord(fingerprint uint64, streaming bool) Record {
	return Record{
		ProtocolMajor: ProtocolMajor,
		ProtocolMinor: ProtocolMinor,
		Fingerprint:   fingerprint,
		Streaming:     streaming,
	}
}

// Hello is the HandshakeInit payload.
type Hello struct {
	Record Record `cbor:"1,keyasint"`
}

// Ack is the HandshakeAck payload.
type Ack struct {
	Accepted bool   `cbor:"1,keyasint"`
	Reason   string `cbor:"2,keyasint,omitempty"`
	Record   Record `cbor:"3,keyasint"`
}

// State is the handshake progress.
type State int

const (
	StateInit State = iota
	StateSentCapabilities
	StateAwaitingAck
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSentCapabilities:
		return "SentCapabilities"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Conn is the connection a handshake runs over, before any reader loop
// owns it.
type Conn interface {
	ReadEnvelope() (wire.Envelope, error)
	WriteEnvelope(env wire.Envelope) error
	SetDeadline(t time.Time) error
}

// Compatible checks a peer record against the local one.
func Compatible(local, peer Record) error {
	if peer.ProtocolMajor != local.ProtocolMajor {
		return fmt.Errorf("protocol version %d.%d is incompatible with %d.%d",
			peer.ProtocolMajor, peer.ProtocolMinor, local.ProtocolMajor, local.ProtocolMinor)
	}
	if peer.Fingerprint != local.Fingerprint {
		return fmt.Errorf("schema fingerprint %016x does not match %016x", peer.Fingerprint, local.Fingerprint)
	}
	if peer.Streaming != local.Streaming {
		return fmt.Errorf("execution mode mismatch: peer streaming=%t, local streaming=%t", peer.Streaming, local.Streaming)
	}
	return nil
}

// Session runs one handshake and records its state.
type Session struct {
	mu    sync.Mutex
	state State
	codec codec.Codec
	local Record
	peer  Record
}

// NewSession creates a session advertising local. c defaults to
// codec.Default.
func NewSession(local Record, c codec.Codec) *Session {
	if c == nil {
		c = codec.Default
	}
	return &Session{codec: c, local: local}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the record the peer advertised.
func (s *Session) Peer() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) set(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) fail(op string, err error) error {
	s.set(StateFailed)
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &errs.Error{Kind: errs.KindHandshake, Op: op, Msg: "timed out", Err: err}
	}
	return errs.Wrap(errs.KindHandshake, op, err)
}

// Initiate runs the supervisor side: send capabilities, await the ack and
// validate the worker's record.
func (s *Session) Initiate(ctx context.Context, conn Conn) (Record, error) {
	const op = "initiate"
	stop, err := bindDeadline(ctx, conn)
	if err != nil {
		return Record{}, s.fail(op, err)
	}
	defer stop()

	payload, err := s.codec.Marshal(Hello{Record: s.local})
	if err != nil {
		return Record{}, s.fail(op, err)
	}
	if err := conn.WriteEnvelope(wire.Envelope{Kind: wire.KindHandshakeInit, Payload: payload}); err != nil {
		return Record{}, s.fail(op, err)
	}
	s.set(StateSentCapabilities)
	s.set(StateAwaitingAck)

	env, err := conn.ReadEnvelope()
	if err != nil {
		return Record{}, s.fail(op, err)
	}
	if env.Kind != wire.KindHandshakeAck {
		return Record{}, s.fail(op, fmt.Errorf("expected %v, got %v", wire.KindHandshakeAck, env.Kind))
	}
	var ack Ack
	if err := s.codec.Unmarshal(env.Payload, &ack); err != nil {
		return Record{}, s.fail(op, fmt.Errorf("decode ack: %w", err))
	}
	if !ack.Accepted {
		return Record{}, s.fail(op, fmt.Errorf("rejected by worker: %s", ack.Reason))
	}
	if err := Compatible(s.local, ack.Record); err != nil {
		return Record{}, s.fail(op, err)
	}

	s.mu.Lock()
	s.peer = ack.Record
	s.state = StateReady
	s.mu.Unlock()
	return ack.Record, nil
}

// Accept runs the worker side. setupErr reports a failure to prepare the
// worker (for example a missing function); the supervisor is told why and
// the handshake fails.
func (s *Session) Accept(ctx context.Context, conn Conn, setupErr error) (Record, error) {
	const op = "accept"
	stop, err := bindDeadline(ctx, conn)
	if err != nil {
		return Record{}, s.fail(op, err)
	}
	defer stop()

	env, err := conn.ReadEnvelope()
	if err != nil {
		return Record{}, s.fail(op, err)
	}
	if env.Kind != wire.KindHandshakeInit {
		return Record{}, s.fail(op, fmt.Errorf("expected %v, got %v", wire.KindHandshakeInit, env.Kind))
	}
	var hello Hello
	if err := s.codec.Unmarshal(env.Payload, &hello); err != nil {
		return Record{}, s.fail(op, fmt.Errorf("decode hello: %w", err))
	}
	s.set(StateSentCapabilities)

	reason := ""
	if setupErr != nil {
		reason = "worker setup failed: " + setupErr.Error()
	} else if err := Compatible(s.local, hello.Record); err != nil {
		reason = err.Error()
	}

	payload, err := s.codec.Marshal(Ack{Accepted: reason == "", Reason: reason, Record: s.local})
	if err != nil {
		return Record{}, s.fail(op, err)
	}
	if err := conn.WriteEnvelope(wire.Envelope{Kind: wire.KindHandshakeAck, Payload: payload}); err != nil {
		return Record{}, s.fail(op, err)
	}
	if reason != "" {
		return Record{}, s.fail(op, errors.New(reason))
	}

	s.mu.Lock()
	s.peer = hello.Record
	s.state = StateReady
	s.mu.Unlock()
	return hello.Record, nil
}

// bindDeadline applies the context deadline (or DefaultTimeout) to conn and
// forces the deadline into the past if ctx is cancelled first. The returned
// stop function clears the deadline.
func bindDeadline(ctx context.Context, conn Conn) (func(), error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		_ = conn.SetDeadline(time.Time{})
	}, nil
}
