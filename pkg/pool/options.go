package pool

import (
	"context"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel/trace"

	"github.com/bft-labs/starpool/pkg/codec"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/schema"
)

// Option configures optional behavior of a Pool.
type Option func(*options)

type options struct {
	logger       log.Logger
	eventHandler EventHandler
	plugins      []Plugin
	codec        codec.Codec
	callbacks    map[string]callbackHandler
	tracers      trace.TracerProvider
}

// callbackHandler answers one callback type. Bodies are encoded with the
// pool codec.
type callbackHandler struct {
	request reflect.Type
	reply   reflect.Type
	fn      func(ctx context.Context, msg any) (any, error)
}

func defaultOptions() options {
	return options{
		logger:    log.NewNoopLogger(),
		codec:     codec.Default,
		callbacks: make(map[string]callbackHandler),
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = log.OrNoop(logger)
	}
}

// WithEventHandler sets a handler for pool and worker events.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized when the pool starts.
// Plugins are initialized in registration order and shut down in reverse
// order.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// WithCodec replaces the payload codec. Both sides of the connection must
// agree, so workers must be built with the same codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithTracerProvider records pool spans on tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracers = tp
	}
}

// WithCallback handles callbacks of the given registered type. The types
// must match the registration in the schema.
//
//	pool.New(reg, cfg,
//	    pool.WithCallback("Lookup", func(ctx context.Context, q Lookup) (Found, error) {
//	        return Found{Value: db[q.Key]}, nil
//	    }),
//	)
func WithCallback[C, R any](name string, fn func(ctx context.Context, msg C) (R, error)) Option {
	return func(o *options) {
		o.callbacks[name] = callbackHandler{
			request: schema.TypeOf[C](),
			reply:   schema.TypeOf[R](),
			fn: func(ctx context.Context, msg any) (any, error) {
				c, _ := msg.(C)
				return fn(ctx, c)
			},
		}
	}
}

// checkCallbacks verifies every handler against the registry.
func checkCallbacks(reg *schema.Registry, handlers map[string]callbackHandler) error {
	for name, h := range handlers {
		entry, ok := reg.LookupCallback(name)
		if !ok {
			return fmt.Errorf("callback handler %q: type not registered", name)
		}
		if entry.Request != h.request || entry.Reply != h.reply {
			return fmt.Errorf("callback handler %q: handler takes %s -> %s, registry has %s -> %s",
				name, h.request, h.reply, entry.Request, entry.Reply)
		}
	}
	return nil
}
