// Package channel multiplexes requests, replies, streams and callbacks over
// one supervisor/worker connection.
//
// A Channel owns the connection. Before Start it can be used synchronously
// for the handshake (ReadEnvelope/WriteEnvelope). After Start a single
// reader goroutine routes every inbound envelope by kind:
//
//   - Reply and CallbackReply complete the pending operation with the same
//     correlation id. A Reply addressed to an open stream ends that stream.
//   - StreamItem, StreamEnd and StreamError feed the open Stream.
//   - Request, Callback and Cancel go to the Handler.
//
// Writes from any goroutine are serialized; each frame is written whole.
// Correlation ids are odd on the initiating side and even on the accepting
// side, so the two directions never share an id.
//
// A stream whose consumer falls behind holds the reader until the consumer
// catches up, the stream is closed, or the channel is closed.
// When the connection drops, every outstanding operation fails with a
// connection error.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bft-labs/starpool/pkg/codec"
	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/wire"
)

// Defaults applied to zero Options fields.
const (
	DefaultCallTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultStreamBuffer = 64
)

// ErrClosed is the cause attached to operations failed by Close.
var ErrClosed = errors.New("channel closed")

// Handler receives inbound Request, Callback and Cancel envelopes. It runs
// on the reader goroutine and must not block.
type Handler func(env wire.Envelope)

// Options configures a Channel.
type Options struct {
	Codec  codec.Codec
	Logger log.Logger

	// CallTimeout is applied to calls and stream reads whose context has no
	// deadline.
	CallTimeout time.Duration

	WriteTimeout time.Duration

	// StreamBuffer is the per-stream queue capacity.
	StreamBuffer int

	// PropagateCancel sends a Cancel envelope when a caller abandons a
	// request.
	PropagateCancel bool

	// Acceptor marks the side that accepted the connection. It allocates
	// even correlation ids; the initiator allocates odd ones.
	Acceptor bool

	// OnClose runs once after the connection is gone and every outstanding
	// operation has been failed.
	OnClose func(err error)
}

func (o *Options) setDefaults() {
	if o.Codec == nil {
		o.Codec = codec.Default
	}
	o.Logger = log.OrNoop(o.Logger)
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = DefaultStreamBuffer
	}
}

// Channel is a duplex, correlation-aware message channel.
type Channel struct {
	conn   net.Conn
	reader *wire.Reader
	opts   Options
	logger log.Logger

	wmu sync.Mutex

	nextID atomix.Uint64

	mu      sync.Mutex
	pending map[uint64]chan wire.Envelope
	streams map[uint64]*Stream
	closed  bool
	err     error

	started   atomix.Uint32
	done      chan struct{}
	closeOnce sync.Once

	// closing is closed by Close, before the reader has noticed.
	closing     chan struct{}
	closingOnce sync.Once
}

// New wraps conn. The channel does nothing until Start is called.
func New(conn net.Conn, opts Options) *Channel {
	opts.setDefaults()
	return &Channel{
		conn:    conn,
		reader:  wire.NewReader(conn),
		opts:    opts,
		logger:  opts.Logger,
		pending: make(map[uint64]chan wire.Envelope),
		streams: make(map[uint64]*Stream),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// ReadEnvelope reads one envelope directly. Only valid before Start.
func (c *Channel) ReadEnvelope() (wire.Envelope, error) {
	if c.started.Load() != 0 {
		return wire.Envelope{}, errors.New("channel: ReadEnvelope after Start")
	}
	return c.reader.Read()
}

// WriteEnvelope writes one envelope under the write lock.
func (c *Channel) WriteEnvelope(env wire.Envelope) error {
	buf, err := wire.Encode(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err = c.conn.Write(buf)
	return err
}

// SetDeadline sets the connection deadline. Used by the handshake.
func (c *Channel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Start launches the reader goroutine. h may be nil for a channel that
// never receives requests.
func (c *Channel) Start(h Handler) {
	if !c.started.CompareAndSwap(0, 1) {
		return
	}
	go c.readLoop(h)
}

// Done is closed when the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel shut down, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and fails every outstanding operation.
func (c *Channel) Close() error {
	c.closingOnce.Do(func() { close(c.closing) })
	err := c.conn.Close()
	if c.started.Load() == 0 {
		c.shutdown(ErrClosed)
	}
	return err
}

func (c *Channel) readLoop(h Handler) {
	for {
		env, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = ErrClosed
			} else if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, wire.ErrMalformedFrame) {
				c.logger.Warn("dropping connection after bad frame", log.Err(err))
			}
			c.shutdown(err)
			return
		}
		c.route(env, h)
	}
}

func (c *Channel) route(env wire.Envelope, h Handler) {
	switch env.Kind {
	case wire.KindReply, wire.KindCallbackReply:
		c.mu.Lock()
		slot, ok := c.pending[env.CorrelationID]
		delete(c.pending, env.CorrelationID)
		s := c.streams[env.CorrelationID]
		c.mu.Unlock()
		if !ok && s != nil && env.Kind == wire.KindReply {
			// The peer answered a stream request as a plain request.
			s.deliver(env)
			return
		}
		if !ok {
			c.logger.Debug("dropping reply for unknown correlation id",
				log.Uint64("correlation_id", env.CorrelationID),
				log.String("kind", env.Kind.String()))
			return
		}
		slot <- env

	case wire.KindStreamItem, wire.KindStreamEnd, wire.KindStreamError:
		c.mu.Lock()
		s, ok := c.streams[env.CorrelationID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping frame for closed stream",
				log.Uint64("correlation_id", env.CorrelationID),
				log.String("kind", env.Kind.String()))
			return
		}
		s.deliver(env)

	case wire.KindRequest, wire.KindCallback, wire.KindCancel:
		if h == nil {
			c.logger.Warn("no handler for inbound envelope",
				log.String("kind", env.Kind.String()),
				log.Uint64("correlation_id", env.CorrelationID))
			return
		}
		h(env)

	default:
		c.logger.Warn("unexpected envelope after handshake",
			log.String("kind", env.Kind.String()),
			log.Uint64("correlation_id", env.CorrelationID))
	}
}

// shutdown fails everything outstanding. Runs once.
func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		connErr := &errs.Error{Kind: errs.KindConnection, Msg: "connection lost", Err: cause}

		c.mu.Lock()
		c.closed = true
		c.err = connErr
		pending := c.pending
		streams := c.streams
		c.pending = make(map[uint64]chan wire.Envelope)
		c.streams = make(map[uint64]*Stream)
		c.mu.Unlock()

		_ = c.conn.Close()
		for _, slot := range pending {
			close(slot)
		}
		for _, s := range streams {
			s.terminate(connErr)
		}
		close(c.done)

		if c.opts.OnClose != nil {
			c.opts.OnClose(connErr)
		}
	})
}

// newID allocates the next correlation id for this side.
func (c *Channel) newID() uint64 {
	n := c.nextID.Add(1)
	if c.opts.Acceptor {
		return 2 * n
	}
	return 2*n - 1
}

// register allocates a correlation id and a reply slot.
func (c *Channel) register() (uint64, chan wire.Envelope, error) {
	id := c.newID()
	slot := make(chan wire.Envelope, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, c.err
	}
	c.pending[id] = slot
	return id, slot, nil
}

func (c *Channel) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Send encodes body and writes it as one envelope.
func (c *Channel) Send(kind wire.Kind, id uint64, body any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = c.opts.Codec.Marshal(body); err != nil {
			return errs.Wrap(errs.KindSerialization, "encode "+kind.String(), err)
		}
	}
	if err := c.WriteEnvelope(wire.Envelope{Kind: kind, CorrelationID: id, Payload: payload}); err != nil {
		// A failed write leaves the stream in an unknown state.
		_ = c.conn.Close()
		return &errs.Error{Kind: errs.KindConnection, Op: "write " + kind.String(), Err: err}
	}
	return nil
}

// withDefaultTimeout applies CallTimeout when ctx has no deadline.
func (c *Channel) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.CallTimeout)
}

// call sends body as kind and waits for the reply envelope.
func (c *Channel) call(ctx context.Context, op string, kind wire.Kind, body any) (wire.Envelope, error) {
	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()

	id, slot, err := c.register()
	if err != nil {
		return wire.Envelope{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("starpool.correlation_id", int64(id)))
	if err := c.Send(kind, id, body); err != nil {
		c.forget(id)
		return wire.Envelope{}, err
	}

	select {
	case env, ok := <-slot:
		if !ok {
			return wire.Envelope{}, c.Err()
		}
		return env, nil
	case <-ctx.Done():
		c.forget(id)
		if kind == wire.KindRequest && c.opts.PropagateCancel {
			if err := c.Send(wire.KindCancel, id, nil); err != nil {
				c.logger.Debug("cancel not delivered", log.Uint64("correlation_id", id), log.Err(err))
			}
		}
		return wire.Envelope{}, errs.FromContext(op, ctx.Err())
	}
}

// Request sends a non-streaming request and waits for its reply.
func (c *Channel) Request(ctx context.Context, req wire.Request) (wire.Reply, error) {
	req.Stream = false
	op := "ask " + req.Type
	env, err := c.call(ctx, op, wire.KindRequest, req)
	if err != nil {
		return wire.Reply{}, err
	}
	if env.Kind != wire.KindReply {
		return wire.Reply{}, errs.Errorf(errs.KindCall, op, "unexpected %v for request", env.Kind)
	}
	var rep wire.Reply
	if err := c.opts.Codec.Unmarshal(env.Payload, &rep); err != nil {
		return wire.Reply{}, errs.Wrap(errs.KindDeserialization, op, err)
	}
	return rep, nil
}

// Callback sends a callback to the peer and waits for its reply.
func (c *Channel) Callback(ctx context.Context, cb wire.Callback) (wire.CallbackReply, error) {
	op := "callback " + cb.Type
	env, err := c.call(ctx, op, wire.KindCallback, cb)
	if err != nil {
		return wire.CallbackReply{}, err
	}
	if env.Kind != wire.KindCallbackReply {
		return wire.CallbackReply{}, errs.Errorf(errs.KindCallback, op, "unexpected %v for callback", env.Kind)
	}
	var rep wire.CallbackReply
	if err := c.opts.Codec.Unmarshal(env.Payload, &rep); err != nil {
		return wire.CallbackReply{}, errs.Wrap(errs.KindDeserialization, op, err)
	}
	return rep, nil
}

// OpenStream sends a streaming request. Items arrive through the returned
// Stream, which must be drained or closed.
func (c *Channel) OpenStream(ctx context.Context, req wire.Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext("stream "+req.Type, err)
	}
	req.Stream = true
	id := c.newID()
	s := newStream(c, id, req.Type, c.opts.StreamBuffer)

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.Send(wire.KindRequest, id, req); err != nil {
		c.dropStream(id)
		return nil, err
	}
	return s, nil
}

func (c *Channel) dropStream(id uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// cancelStream tells the peer to stop producing id.
func (c *Channel) cancelStream(id uint64) {
	c.dropStream(id)
	if err := c.Send(wire.KindCancel, id, nil); err != nil {
		c.logger.Debug("stream cancel not delivered", log.Uint64("correlation_id", id), log.Err(err))
	}
}

// Pending returns the number of outstanding calls and open streams.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + len(c.streams)
}

// String identifies the channel in logs.
func (c *Channel) String() string {
	return fmt.Sprintf("channel(%s)", c.conn.LocalAddr())
}
