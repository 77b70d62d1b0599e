package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/starpool/pkg/channel"
	"github.com/bft-labs/starpool/pkg/codec"
	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/lifecycle"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/schema"
	"github.com/bft-labs/starpool/pkg/telemetry"
	"github.com/bft-labs/starpool/pkg/wire"
)

// Lifecycle errors.
var (
	ErrAlreadyRunning  = lifecycle.ErrAlreadyRunning
	ErrNotRunning      = lifecycle.ErrNotRunning
	ErrNoReadyWorkers  = errors.New("no ready workers")
	ErrShutdownTimeout = lifecycle.ErrShutdownTimeout
)

// errAtCapacity means Ready workers exist but all are at MaxInFlight.
var errAtCapacity = errors.New("all workers at capacity")

// Pool supervises a fixed number of worker processes.
// Use New() to create one, then Start() to spawn the workers.
type Pool struct {
	id     string
	reg    *schema.Registry
	cfg    Config
	opts   options
	codec  codec.Codec
	logger log.Logger
	tracer trace.Tracer

	lifecycle *lifecycle.DefaultManager
	emitter   *emitter
	workers   *workerRecord

	mu      sync.RWMutex
	handles []*handle
	rt      RuntimeConfig
	ctx     context.Context

	// selMu makes pick-and-reserve atomic under MaxInFlight.
	selMu sync.Mutex
	rr    atomix.Uint64

	capMu sync.Mutex
	capCh chan struct{}

	callbacks sync.WaitGroup
}

// New creates a pool in StateStopped. reg must be the registry the workers
// are built with; call Start to spawn them.
func New(reg *schema.Registry, cfg Config, opts ...Option) (*Pool, error) {
	if reg == nil {
		return nil, errors.New("pool: registry is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkCallbacks(reg, o.callbacks); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := log.With(o.logger, log.String("pool_id", id[:8]))
	em := &emitter{handler: o.eventHandler}

	p := &Pool{
		id:        id,
		reg:       reg,
		cfg:       cfg,
		opts:      o,
		codec:     o.codec,
		logger:    logger,
		tracer:    telemetry.Tracer(),
		lifecycle: lifecycle.NewManager(logger, em),
		emitter:   em,
		rt: RuntimeConfig{
			CallTimeout: cfg.CallTimeout,
			Policy:      cfg.Policy,
			MaxInFlight: cfg.MaxInFlight,
		},
		capCh: make(chan struct{}),
		ctx:   context.Background(),
	}
	if o.tracers != nil {
		p.tracer = o.tracers.Tracer(telemetry.InstrumentationName)
	}
	if cfg.StateDir != "" {
		p.workers = newWorkerRecord(cfg.StateDir, id, logger)
	}
	return p, nil
}

// ID returns the pool instance id.
func (p *Pool) ID() string { return p.id }

// Registry returns the message registry the pool was built with.
func (p *Pool) Registry() *schema.Registry { return p.reg }

// Codec returns the payload codec, for decoding raw stream items.
func (p *Pool) Codec() codec.Codec { return p.codec }

// Status returns the lifecycle state.
func (p *Pool) Status() State { return p.lifecycle.State() }

// Start spawns every worker in parallel and waits for all handshakes. If
// any worker fails, the others are stopped and the error is returned; no
// partial pool is ever running.
func (p *Pool) Start(ctx context.Context) error {
	if !p.lifecycle.CanStart() {
		return ErrAlreadyRunning
	}
	if err := p.lifecycle.TransitionTo(StateStarting, "Start() called"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.lifecycle.SetCancel(cancel)
	p.mu.Lock()
	p.ctx = runCtx
	p.mu.Unlock()

	if p.workers != nil {
		p.workers.reapOrphans(ctx)
	}

	handles := make([]*handle, p.cfg.Size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range handles {
		g.Go(func() error {
			h, err := p.spawn(gctx, i)
			handles[i] = h
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				h.stop(exitGrace)
			}
		}
		cancel()
		p.logger.Error("pool start failed", log.Err(err))
		_ = p.lifecycle.TransitionTo(StateCrashed, err.Error())
		return err
	}

	p.mu.Lock()
	p.handles = handles
	p.mu.Unlock()
	if p.workers != nil {
		for _, h := range handles {
			p.workers.put(h)
		}
	}

	pluginCfg := PluginConfig{
		Size:     p.cfg.Size,
		StateDir: p.cfg.StateDir,
		LogDir:   p.cfg.LogDir,
		Logger:   p.logger,
		Pool:     p,
		Workers:  p.Workers,
	}
	for i, pl := range p.opts.plugins {
		if err := pl.Initialize(runCtx, pluginCfg); err != nil {
			p.logger.Error("plugin initialization failed", log.String("plugin", pl.Name()), log.Err(err))
			for j := i - 1; j >= 0; j-- {
				_ = p.opts.plugins[j].Shutdown(context.Background())
			}
			p.stopWorkers()
			cancel()
			_ = p.lifecycle.TransitionTo(StateCrashed, "plugin init failed: "+pl.Name())
			return err
		}
		p.logger.Info("plugin initialized", log.String("plugin", pl.Name()))
	}

	return p.lifecycle.TransitionTo(StateRunning, fmt.Sprintf("%d workers ready", len(handles)))
}

// Stop closes every worker connection, waits for the processes to exit and
// shuts down plugins in reverse order.
func (p *Pool) Stop() error {
	if !p.lifecycle.CanStop() {
		return ErrNotRunning
	}
	if err := p.lifecycle.TransitionTo(StateStopping, "Stop() called"); err != nil {
		return err
	}
	p.lifecycle.Cancel()

	p.stopWorkers()
	err := p.lifecycle.WaitWithTimeout(lifecycle.ShutdownTimeout)
	p.callbacks.Wait()

	for i := len(p.opts.plugins) - 1; i >= 0; i-- {
		pl := p.opts.plugins[i]
		if shutdownErr := pl.Shutdown(context.Background()); shutdownErr != nil {
			p.logger.Error("plugin shutdown failed", log.String("plugin", pl.Name()), log.Err(shutdownErr))
		}
	}

	if p.workers != nil {
		p.workers.clear()
	}
	_ = p.lifecycle.TransitionTo(StateStopped, "Stop() completed")
	return err
}

func (p *Pool) stopWorkers() {
	p.mu.Lock()
	handles := p.handles
	p.handles = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		if h == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.stop(exitGrace)
		}()
	}
	wg.Wait()
	p.notifyCapacity()
}

// Workers returns a snapshot of every worker slot.
func (p *Pool) Workers() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Info, 0, len(p.handles))
	for _, h := range p.handles {
		if h != nil {
			out = append(out, h.info())
		}
	}
	return out
}

// RuntimeConfig returns the current runtime settings.
func (p *Pool) RuntimeConfig() RuntimeConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rt
}

// Reconfigure changes runtime settings. Zero CallTimeout keeps the current
// value.
func (p *Pool) Reconfigure(rc RuntimeConfig) error {
	if rc.Policy != RoundRobin && rc.Policy != LeastInFlight {
		return fmt.Errorf("invalid policy %v", rc.Policy)
	}
	if rc.MaxInFlight < 0 {
		return errors.New("max in-flight must not be negative")
	}
	p.mu.Lock()
	if rc.CallTimeout <= 0 {
		rc.CallTimeout = p.rt.CallTimeout
	}
	prev := p.rt
	p.rt = rc
	p.mu.Unlock()

	p.notifyCapacity()
	p.logger.Info("pool reconfigured",
		log.Duration("call_timeout", rc.CallTimeout),
		log.String("policy", rc.Policy.String()),
		log.Int("max_in_flight", rc.MaxInFlight),
		log.String("previous_policy", prev.Policy.String()))
	return nil
}

// setHealth changes a handle's health and emits an event.
func (p *Pool) setHealth(h *handle, next Health, reason string) {
	prev, changed := h.setHealth(next)
	if !changed {
		return
	}
	h.logger.Info("worker health changed",
		log.String("from", prev.String()),
		log.String("to", next.String()),
		log.String("reason", reason))
	p.emitter.workerChange(WorkerEvent{
		WorkerID: h.id,
		PID:      h.PID(),
		Previous: prev,
		Current:  next,
		Reason:   reason,
	})
	p.notifyCapacity()
}

// workerLost runs when a worker connection closes.
func (p *Pool) workerLost(h *handle, err error) {
	p.mu.RLock()
	owned := h.slot < len(p.handles) && p.handles[h.slot] == h
	ctx := p.ctx
	p.mu.RUnlock()

	p.setHealth(h, Dead, err.Error())
	if !owned || ctx.Err() != nil || !p.lifecycle.IsRunning() {
		return
	}
	h.logger.Warn("worker lost", log.Err(err), log.Int("pid", h.PID()))
	go h.stop(exitGrace)

	if p.cfg.Respawn.Enabled {
		p.lifecycle.AddWorker()
		go p.respawn(ctx, h.slot)
	}
}

// respawn replaces the worker in slot, retrying with backoff.
func (p *Pool) respawn(ctx context.Context, slot int) {
	defer p.lifecycle.WorkerDone()
	bo := lifecycle.NewBackoff(p.cfg.Respawn.InitialBackoff, p.cfg.Respawn.MaxBackoff)
	for attempt := 1; ; attempt++ {
		if err := bo.Wait(ctx); err != nil {
			return
		}
		h, err := p.spawn(ctx, slot)
		if err == nil {
			p.mu.Lock()
			if ctx.Err() != nil || slot >= len(p.handles) {
				p.mu.Unlock()
				h.stop(exitGrace)
				return
			}
			// Readers hold the old slice without the lock; never write into it.
			next := append([]*handle(nil), p.handles...)
			next[slot] = h
			p.handles = next
			p.mu.Unlock()
			if p.workers != nil {
				p.workers.put(h)
			}
			p.notifyCapacity()
			p.logger.Info("worker respawned", log.Int("slot", slot), log.String("worker_id", h.id), log.Int("attempt", attempt))
			return
		}
		p.logger.Warn("respawn failed", log.Int("slot", slot), log.Int("attempt", attempt), log.Err(err))
		if limit := p.cfg.Respawn.MaxAttempts; limit > 0 && attempt >= limit {
			p.logger.Error("giving up on worker slot", log.Int("slot", slot))
			return
		}
	}
}

func (p *Pool) capacityChanged() <-chan struct{} {
	p.capMu.Lock()
	defer p.capMu.Unlock()
	return p.capCh
}

func (p *Pool) notifyCapacity() {
	p.capMu.Lock()
	close(p.capCh)
	p.capCh = make(chan struct{})
	p.capMu.Unlock()
}

// pick selects a Ready handle under the current policy and reserves a slot
// on it.
func (p *Pool) pick() (*handle, error) {
	p.mu.RLock()
	handles := p.handles
	rt := p.rt
	p.mu.RUnlock()

	p.selMu.Lock()
	defer p.selMu.Unlock()

	ready := make([]*handle, 0, len(handles))
	for _, h := range handles {
		if h.cooled(p.cfg.DegradedCooldown) {
			p.setHealth(h, Ready, "cooldown elapsed")
		}
		if h.Health() == Ready {
			ready = append(ready, h)
		}
	}
	if len(ready) == 0 {
		return nil, ErrNoReadyWorkers
	}

	candidates := ready
	if rt.MaxInFlight > 0 {
		candidates = candidates[:0:0]
		for _, h := range ready {
			if h.inflight.Load() < int64(rt.MaxInFlight) {
				candidates = append(candidates, h)
			}
		}
		if len(candidates) == 0 {
			return nil, errAtCapacity
		}
	}

	var chosen *handle
	switch rt.Policy {
	case LeastInFlight:
		for _, h := range candidates {
			if chosen == nil || h.inflight.Load() < chosen.inflight.Load() {
				chosen = h
			}
		}
	default:
		n := p.rr.Add(1) - 1
		chosen = candidates[n%uint64(len(candidates))]
	}
	chosen.inflight.Inc()
	return chosen, nil
}

// acquire waits for a worker with capacity.
func (p *Pool) acquire(ctx context.Context, op string) (*handle, error) {
	if !p.lifecycle.IsRunning() {
		return nil, ErrNotRunning
	}
	for {
		changed := p.capacityChanged()
		h, err := p.pick()
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, errAtCapacity) {
			return nil, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, errs.FromContext(op, ctx.Err())
		}
	}
}

func (p *Pool) release(h *handle) {
	h.inflight.Dec()
	p.notifyCapacity()
}

// observe updates worker health from the outcome of one call.
func (p *Pool) observe(h *handle, err error) {
	switch {
	case err == nil:
		h.timeouts.Store(0)
		if h.Health() == Degraded {
			p.setHealth(h, Ready, "successful reply")
		}
	case errs.KindOf(err) == errs.KindTimeout:
		n := h.timeouts.Add(1)
		if after := p.cfg.DegradeAfter; after > 0 && n >= int64(after) {
			p.setHealth(h, Degraded, fmt.Sprintf("%d consecutive timeouts", n))
		}
	}
}

// withCallTimeout applies the runtime call timeout when ctx has no
// deadline.
func (p *Pool) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.RuntimeConfig().CallTimeout)
}

// encodeRequest checks msg against the registered type and encodes it.
func (p *Pool) encodeRequest(op, typ string, msg any) (schema.Entry, []byte, error) {
	entry, ok := p.reg.Lookup(typ)
	if !ok {
		return entry, nil, errs.Errorf(errs.KindSerialization, op, "unknown message type %q", typ)
	}
	v, err := codec.Convert(p.codec, msg, entry.Request)
	if err != nil {
		return entry, nil, errs.Wrap(errs.KindSerialization, op, err)
	}
	body, err := p.codec.Marshal(v)
	if err != nil {
		return entry, nil, errs.Wrap(errs.KindSerialization, op, err)
	}
	return entry, body, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Call sends msg as message type typ to one worker and decodes the reply
// into reply, which may be nil to discard it.
func (p *Pool) Call(ctx context.Context, typ string, msg, reply any) (err error) {
	op := "ask " + typ
	_, body, err := p.encodeRequest(op, typ, msg)
	if err != nil {
		return err
	}

	ctx, cancel := p.withCallTimeout(ctx)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("starpool.message_type", typ)))
	defer func() { endSpan(span, err) }()

	h, err := p.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer p.release(h)
	span.SetAttributes(attribute.String("starpool.worker_id", h.id))

	rep, err := h.ch.Request(ctx, wire.Request{Type: typ, Trace: telemetry.Inject(ctx), Body: body})
	p.observe(h, err)
	if err != nil {
		return err
	}
	if rep.Err != nil {
		return rep.Err.Err(op)
	}
	if reply == nil {
		return nil
	}
	if err := p.codec.Unmarshal(rep.Body, reply); err != nil {
		return errs.Wrap(errs.KindDeserialization, op, err)
	}
	return nil
}

// RawStream is an open stream of encoded reply bodies.
type RawStream struct {
	p    *Pool
	h    *handle
	s    *channel.Stream
	span trace.Span
	once sync.Once
}

// OpenStream sends msg as a streaming request to one worker.
func (p *Pool) OpenStream(ctx context.Context, typ string, msg any) (*RawStream, error) {
	op := "stream " + typ
	_, body, err := p.encodeRequest(op, typ, msg)
	if err != nil {
		return nil, err
	}

	// The span covers the whole stream, so it does not inherit the
	// caller's cancellation.
	sctx, span := p.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("starpool.message_type", typ)))

	actx, cancel := p.withCallTimeout(ctx)
	h, err := p.acquire(actx, op)
	cancel()
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("starpool.worker_id", h.id))

	s, err := h.ch.OpenStream(ctx, wire.Request{Type: typ, Trace: telemetry.Inject(sctx), Body: body})
	if err != nil {
		p.release(h)
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("starpool.correlation_id", int64(s.ID())))
	return &RawStream{p: p, h: h, s: s, span: span}, nil
}

// Next returns the next encoded item. It returns io.EOF after the last
// item, or the error that ended the stream.
func (r *RawStream) Next(ctx context.Context) ([]byte, error) {
	body, err := r.s.Next(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.p.observe(r.h, err)
			return nil, err
		}
		r.finish(err)
		return nil, err
	}
	return body, nil
}

// Close abandons the stream if it has not finished.
func (r *RawStream) Close() error {
	err := r.s.Close()
	r.finish(nil)
	return err
}

func (r *RawStream) finish(err error) {
	r.once.Do(func() {
		if errors.Is(err, io.EOF) {
			r.p.observe(r.h, nil)
		}
		r.p.release(r.h)
		endSpan(r.span, err)
	})
}

// inbound handles envelopes a worker sends on its own initiative.
func (p *Pool) inbound(h *handle) channel.Handler {
	return func(env wire.Envelope) {
		switch env.Kind {
		case wire.KindCallback:
			var cb wire.Callback
			if err := p.codec.Unmarshal(env.Payload, &cb); err != nil {
				p.replyCallback(h, env.CorrelationID, nil, errs.Wrap(errs.KindDeserialization, "decode callback", err))
				return
			}
			p.callbacks.Add(1)
			go func() {
				defer p.callbacks.Done()
				p.serveCallback(h, env.CorrelationID, cb)
			}()
		default:
			h.logger.Warn("unexpected envelope from worker",
				log.String("kind", env.Kind.String()),
				log.Uint64("correlation_id", env.CorrelationID))
		}
	}
}

func (p *Pool) serveCallback(h *handle, id uint64, cb wire.Callback) {
	op := "callback " + cb.Type
	ctx, cancel := context.WithTimeout(telemetry.Extract(context.Background(), cb.Trace), p.cfg.CallbackTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindServer))

	body, err := p.runCallback(ctx, op, cb)
	endSpan(span, err)
	if err != nil {
		h.logger.Debug("callback failed", log.String("type", cb.Type), log.Err(err))
	}
	p.replyCallback(h, id, body, err)
}

func (p *Pool) runCallback(ctx context.Context, op string, cb wire.Callback) ([]byte, error) {
	handler, ok := p.opts.callbacks[cb.Type]
	if !ok {
		return nil, errs.Errorf(errs.KindCallback, op, "no handler registered for %q", cb.Type)
	}
	msg, err := codec.Decode(p.codec, cb.Body, handler.request)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeserialization, op, err)
	}

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := handler.fn(ctx, msg)
		done <- result{v, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCallback, op, errs.FromContext(op, ctx.Err()))
	}
	if res.err != nil {
		if errs.KindOf(res.err) == errs.KindCallback {
			return nil, res.err
		}
		return nil, errs.Wrap(errs.KindCallback, op, res.err)
	}
	body, err := p.codec.Marshal(res.v)
	if err != nil {
		return nil, errs.Wrap(errs.KindSerialization, op, err)
	}
	return body, nil
}

func (p *Pool) replyCallback(h *handle, id uint64, body []byte, err error) {
	if sendErr := h.ch.Send(wire.KindCallbackReply, id, wire.CallbackReply{Body: body, Err: errs.ToWire(err)}); sendErr != nil {
		h.logger.Debug("callback reply not delivered", log.Uint64("correlation_id", id), log.Err(sendErr))
	}
}

// waitReady blocks until at least one worker is Ready.
func (p *Pool) waitReady(ctx context.Context) error {
	for {
		changed := p.capacityChanged()
		for _, w := range p.Workers() {
			if w.Health == Ready {
				return nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
