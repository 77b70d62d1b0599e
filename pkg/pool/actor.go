package pool

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/schema"
)

// Actor is a typed handle for one registered message type.
type Actor[M, R any] struct {
	p    *Pool
	name string
}

// NewActor returns the typed handle for name. M and R must match the
// registration.
func NewActor[M, R any](p *Pool, name string) (*Actor[M, R], error) {
	entry, ok := p.reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("message type %q not registered", name)
	}
	req, rep := schema.TypeOf[M](), schema.TypeOf[R]()
	if entry.Request != req || entry.Reply != rep {
		return nil, fmt.Errorf("message type %q is registered as %s -> %s, not %s -> %s",
			name, entry.Request, entry.Reply, req, rep)
	}
	return &Actor[M, R]{p: p, name: name}, nil
}

// Name returns the registered message type name.
func (a *Actor[M, R]) Name() string { return a.name }

// Ask sends msg and waits for the single reply.
func (a *Actor[M, R]) Ask(ctx context.Context, msg M) (R, error) {
	var out R
	err := a.p.Call(ctx, a.name, msg, &out)
	return out, err
}

// SendStream sends msg as a streaming request.
func (a *Actor[M, R]) SendStream(ctx context.Context, msg M) (*Stream[R], error) {
	raw, err := a.p.OpenStream(ctx, a.name, msg)
	if err != nil {
		return nil, err
	}
	return &Stream[R]{raw: raw, op: "stream " + a.name}, nil
}

// Stream yields typed replies in the order the worker produced them.
type Stream[R any] struct {
	raw *RawStream
	op  string
}

// Next returns the next reply, io.EOF once the worker has finished, or the
// error that ended the stream.
func (s *Stream[R]) Next(ctx context.Context) (R, error) {
	var out R
	body, err := s.raw.Next(ctx)
	if err != nil {
		return out, err
	}
	if err := s.raw.p.codec.Unmarshal(body, &out); err != nil {
		_ = s.raw.Close()
		return out, errs.Wrap(errs.KindDeserialization, s.op, err)
	}
	return out, nil
}

// Close abandons the stream.
func (s *Stream[R]) Close() error { return s.raw.Close() }

// Collect drains the stream. On error it returns the items received so far.
func (s *Stream[R]) Collect(ctx context.Context) ([]R, error) {
	var out []R
	for {
		v, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			_ = s.Close()
			return out, err
		}
		out = append(out, v)
	}
}
