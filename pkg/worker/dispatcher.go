// Package worker runs inside a worker process. It answers requests arriving
// on the supervisor connection by invoking the hosted function.
//
// Every request runs in its own goroutine, but the hosted function is
// single-threaded: a process-wide execution lock is held while it runs and
// is released whenever the task suspends for I/O (a callback round-trip or a
// stream write), so other tasks can make progress in between.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/bft-labs/starpool/pkg/codec"
	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/interp"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/schema"
	"github.com/bft-labs/starpool/pkg/telemetry"
	"github.com/bft-labs/starpool/pkg/tracker"
	"github.com/bft-labs/starpool/pkg/wire"
)

// DefaultCallbackTimeout bounds a callback round-trip.
const DefaultCallbackTimeout = 30 * time.Second

// Conn is the part of the supervisor connection a dispatcher writes to.
type Conn interface {
	Send(kind wire.Kind, id uint64, body any) error
	Callback(ctx context.Context, cb wire.Callback) (wire.CallbackReply, error)
}

// Config configures a Dispatcher.
type Config struct {
	Registry *schema.Registry
	Function interp.Function
	Mode     interp.Mode

	Codec           codec.Codec
	Logger          log.Logger
	CallbackTimeout time.Duration
}

// Dispatcher turns inbound requests into function invocations.
type Dispatcher struct {
	cfg    Config
	conn   Conn
	logger log.Logger
	tracer trace.Tracer

	lock  *semaphore.Weighted
	tasks tracker.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
}

// NewDispatcher creates a dispatcher that answers on conn.
func NewDispatcher(cfg Config, conn Conn) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("worker: registry is required")
	}
	if cfg.Function == nil {
		return nil, fmt.Errorf("worker: function is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		conn:    conn,
		logger:  log.OrNoop(cfg.Logger),
		tracer:  telemetry.Tracer(),
		lock:    semaphore.NewWeighted(1),
		ctx:     ctx,
		cancel:  cancel,
		cancels: make(map[uint64]context.CancelFunc),
	}, nil
}

// InFlight returns the number of running tasks.
func (d *Dispatcher) InFlight() int64 { return d.tasks.Load() }

// Peak returns the highest number of concurrent tasks seen.
func (d *Dispatcher) Peak() int64 { return d.tasks.Peak() }

// Handle routes one inbound envelope. It never blocks; use it as the
// channel handler.
func (d *Dispatcher) Handle(env wire.Envelope) {
	switch env.Kind {
	case wire.KindRequest:
		var req wire.Request
		if err := d.cfg.Codec.Unmarshal(env.Payload, &req); err != nil {
			d.reply(env.CorrelationID, nil, errs.Wrap(errs.KindSerialization, "decode request", err))
			return
		}
		ctx, cancel := context.WithCancel(d.ctx)
		d.mu.Lock()
		d.cancels[env.CorrelationID] = cancel
		d.mu.Unlock()

		d.tasks.Inc()
		d.wg.Add(1)
		go d.run(ctx, env.CorrelationID, req)

	case wire.KindCancel:
		d.mu.Lock()
		cancel, ok := d.cancels[env.CorrelationID]
		d.mu.Unlock()
		if ok {
			d.logger.Debug("request cancelled by supervisor", log.Uint64("correlation_id", env.CorrelationID))
			cancel()
		}

	default:
		d.logger.Warn("worker cannot handle envelope",
			log.String("kind", env.Kind.String()),
			log.Uint64("correlation_id", env.CorrelationID))
	}
}

// Shutdown cancels every running task and waits up to timeout for them to
// finish.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker: %d tasks still running after %s", d.tasks.Load(), timeout)
	}
}

func (d *Dispatcher) run(ctx context.Context, id uint64, req wire.Request) {
	defer d.wg.Done()
	defer d.tasks.Dec()
	defer func() {
		d.mu.Lock()
		cancel := d.cancels[id]
		delete(d.cancels, id)
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	ctx = telemetry.Extract(ctx, req.Trace)
	ctx, span := d.tracer.Start(ctx, "worker "+req.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("starpool.message_type", req.Type),
			attribute.Bool("starpool.stream", req.Stream),
		))
	defer span.End()

	logger := log.With(d.logger, log.Uint64("correlation_id", id), log.String("type", req.Type))
	logger.Debug("task started", log.Int64("in_flight", d.tasks.Load()))

	t := &task{d: d, ctx: ctx, id: id, req: req, logger: logger, lock: &execLock{sem: d.lock}}
	defer t.lock.release()

	var err error
	if req.Stream {
		err = t.stream()
	} else {
		err = t.ask()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug("task failed", log.Err(err))
		return
	}
	logger.Debug("task finished")
}

// execLock is one task's view of the process-wide execution lock.
type execLock struct {
	sem  *semaphore.Weighted
	held bool
}

func (l *execLock) acquire(ctx context.Context) error {
	if l.held {
		return nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.held = true
	return nil
}

func (l *execLock) release() {
	if l.held {
		l.held = false
		l.sem.Release(1)
	}
}

// task is one request being served.
type task struct {
	d      *Dispatcher
	ctx    context.Context
	id     uint64
	req    wire.Request
	logger log.Logger
	lock   *execLock
	entry  schema.Entry
}

func (t *task) op() string {
	if t.req.Stream {
		return "stream " + t.req.Type
	}
	return "ask " + t.req.Type
}

// prepare resolves the message type and builds the interpreter call.
func (t *task) prepare() (*interp.Call, error) {
	entry, ok := t.d.cfg.Registry.Lookup(t.req.Type)
	if !ok {
		return nil, errs.Errorf(errs.KindSerialization, t.op(), "unknown message type %q", t.req.Type)
	}
	t.entry = entry

	msg, err := codec.Decode(t.d.cfg.Codec, t.req.Body, entry.Request)
	if err != nil {
		return nil, errs.Wrap(errs.KindSerialization, t.op(), fmt.Errorf("decode %s: %w", entry.Request, err))
	}
	dyn, err := codec.ToDynamic(t.d.cfg.Codec, msg)
	if err != nil {
		return nil, errs.Wrap(errs.KindSerialization, t.op(), err)
	}
	return &interp.Call{Type: t.req.Type, Message: dyn, Callback: t.callback}, nil
}

// invoke runs the function under the execution lock. A panic is turned
// into a call error and the worker carries on.
func (t *task) invoke(call *interp.Call) (v any, err error) {
	if err := t.lock.acquire(t.ctx); err != nil {
		return nil, errs.FromContext(t.op(), err)
	}
	defer t.lock.release()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in worker function, continuing",
				log.Any("panic", r),
				log.String("stack", string(debug.Stack())))
			v, err = nil, errs.Errorf(errs.KindCall, t.op(), "panic: %v", r)
		}
	}()

	v, err = t.d.cfg.Function.Invoke(t.ctx, call)
	if err != nil {
		if errs.KindOf(err) != errs.KindUnknown {
			return nil, err
		}
		if ctxErr := errs.FromContext(t.op(), err); errs.KindOf(ctxErr) == errs.KindTimeout {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.KindCall, t.op(), err)
	}
	return v, nil
}

// encode checks v against the registered reply type and encodes it.
func (t *task) encode(v any) ([]byte, error) {
	out, err := codec.Convert(t.d.cfg.Codec, v, t.entry.Reply)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeserialization, t.op(), fmt.Errorf("result does not match %s: %w", t.entry.Reply, err))
	}
	body, err := t.d.cfg.Codec.Marshal(out)
	if err != nil {
		return nil, errs.Wrap(errs.KindSerialization, t.op(), err)
	}
	return body, nil
}

func (t *task) ask() error {
	call, err := t.prepare()
	if err != nil {
		return t.d.reply(t.id, nil, err)
	}
	if t.d.cfg.Mode == interp.ModeStreaming {
		return t.d.reply(t.id, nil, errs.Errorf(errs.KindCall, t.op(), "worker runs a streaming function; open a stream instead"))
	}

	v, err := t.invoke(call)
	if err != nil {
		return t.d.reply(t.id, nil, err)
	}
	body, err := t.encode(v)
	if err != nil {
		return t.d.reply(t.id, nil, err)
	}
	return t.d.reply(t.id, body, nil)
}

func (t *task) stream() error {
	call, err := t.prepare()
	if err != nil {
		return t.streamError(0, err)
	}

	var n uint64
	send := func(v any) error {
		body, err := t.encode(v)
		if err != nil {
			return err
		}
		if err := t.d.conn.Send(wire.KindStreamItem, t.id, wire.StreamItem{Index: n, Body: body}); err != nil {
			return err
		}
		n++
		return nil
	}

	if t.d.cfg.Mode == interp.ModeSync {
		// A sync function answers a stream request with exactly one item.
		v, err := t.invoke(call)
		if err == nil {
			err = send(v)
		}
		if err != nil {
			return t.streamError(n, err)
		}
		return t.streamEnd(n)
	}

	call.Emit = func(v any) error {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		t.lock.release()
		err := send(v)
		if aerr := t.lock.acquire(t.ctx); aerr != nil && err == nil {
			err = aerr
		}
		return err
	}
	if _, err := t.invoke(call); err != nil {
		return t.streamError(n, err)
	}
	return t.streamEnd(n)
}

func (t *task) streamEnd(count uint64) error {
	if t.ctx.Err() != nil {
		return t.ctx.Err()
	}
	if err := t.d.conn.Send(wire.KindStreamEnd, t.id, wire.StreamEnd{Count: count}); err != nil {
		t.logger.Warn("failed to end stream", log.Err(err))
		return err
	}
	return nil
}

func (t *task) streamError(index uint64, cause error) error {
	// A cancelled stream has no reader left.
	if t.ctx.Err() != nil {
		return cause
	}
	w := errs.ToWire(cause)
	if err := t.d.conn.Send(wire.KindStreamError, t.id, wire.StreamError{Index: index, Err: *w}); err != nil {
		t.logger.Warn("failed to send stream error", log.Err(err))
	}
	return cause
}

// callback is the interpreter's bridge to the supervisor. The execution
// lock is released for the round-trip.
func (t *task) callback(typ string, v any) (any, error) {
	op := "callback " + typ
	entry, ok := t.d.cfg.Registry.LookupCallback(typ)
	if !ok {
		return nil, errs.Errorf(errs.KindCallback, op, "unknown callback type %q", typ)
	}
	msg, err := codec.Convert(t.d.cfg.Codec, v, entry.Request)
	if err != nil {
		return nil, errs.Wrap(errs.KindSerialization, op, err)
	}
	body, err := t.d.cfg.Codec.Marshal(msg)
	if err != nil {
		return nil, errs.Wrap(errs.KindSerialization, op, err)
	}

	t.lock.release()
	ctx, cancel := context.WithTimeout(t.ctx, t.d.cfg.CallbackTimeout)
	rep, err := t.d.conn.Callback(ctx, wire.Callback{Type: typ, Trace: telemetry.Inject(t.ctx), Body: body})
	cancel()
	if aerr := t.lock.acquire(t.ctx); aerr != nil {
		return nil, errs.FromContext(op, aerr)
	}

	if err != nil {
		if errs.KindOf(err) == errs.KindCallback {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindCallback, op, err)
	}
	if rep.Err != nil {
		return nil, rep.Err.Err(op)
	}
	out, err := codec.Decode(t.d.cfg.Codec, rep.Body, entry.Reply)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeserialization, op, err)
	}
	return codec.ToDynamic(t.d.cfg.Codec, out)
}

// reply answers a non-streaming request. It returns cause so callers can
// report it.
func (d *Dispatcher) reply(id uint64, body []byte, cause error) error {
	if err := d.conn.Send(wire.KindReply, id, wire.Reply{Body: body, Err: errs.ToWire(cause)}); err != nil {
		d.logger.Warn("failed to send reply", log.Uint64("correlation_id", id), log.Err(err))
		if cause == nil {
			return err
		}
	}
	return cause
}
