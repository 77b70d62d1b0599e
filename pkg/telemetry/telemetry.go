// Package telemetry propagates trace context across the supervisor/worker
// boundary and installs the process-wide tracer provider.
package telemetry

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used by starpool packages.
const InstrumentationName = "github.com/bft-labs/starpool"

// ErrAlreadyInitialized is returned by a second Init in the same process.
var ErrAlreadyInitialized = errors.New("telemetry: already initialized")

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

var (
	initMu      sync.Mutex
	initialized bool
)

// Config configures the tracer provider.
type Config struct {
	ServiceName string

	// SpanProcessors receive finished spans. With none, spans are recorded
	// for propagation only.
	SpanProcessors []sdktrace.SpanProcessor

	// Sampler defaults to parent-based always-on.
	Sampler sdktrace.Sampler
}

// Init installs a tracer provider and the trace-context propagator as the
// process globals. It may be called once per process until the returned
// shutdown function runs.
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initialized {
		return nil, ErrAlreadyInitialized
	}

	sampler := cfg.Sampler
	if sampler == nil {
		sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	}
	for _, sp := range cfg.SpanProcessors {
		opts = append(opts, sdktrace.WithSpanProcessor(sp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
	initialized = true

	return func(ctx context.Context) error {
		initMu.Lock()
		defer initMu.Unlock()
		initialized = false
		return tp.Shutdown(ctx)
	}, nil
}

// Tracer returns the starpool tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Inject returns the trace context of ctx as a string map.
// It returns nil when ctx carries no trace context.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract returns ctx extended with the trace context held in carrier.
func Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(carrier))
}
