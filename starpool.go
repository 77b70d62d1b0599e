// Package starpool runs functions on a pool of isolated worker processes,
// each hosting its own interpreter.
//
// The types and constructors here alias pkg/pool, pkg/schema and
// pkg/worker; import those directly for the full API.
//
// Example usage:
//
//	b := starpool.NewRegistry()
//	schema.Message[Double, Doubled](b, "double")
//	reg, err := b.Build()
//
//	cfg := starpool.DefaultConfig()
//	cfg.ModulePath = "double.star"
//	cfg.Function = "double"
//	p, err := starpool.New(reg, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := p.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Stop()
//
//	double, _ := starpool.NewActor[Double, Doubled](p, "double")
//	out, err := double.Ask(ctx, Double{N: 21})
//
// A program that starts a pool without Executables re-executes itself, so
// it must hand control to the worker first thing in main:
//
//	if starpool.IsWorker() {
//	    os.Exit(starpool.WorkerMain(reg, starpool.StarlarkLoader))
//	}
package starpool

import (
	"context"

	"github.com/bft-labs/starpool/pkg/pool"
	"github.com/bft-labs/starpool/pkg/schema"
	"github.com/bft-labs/starpool/pkg/worker"
)

type (
	// Pool supervises worker processes. See pool.Pool.
	Pool = pool.Pool

	// Config holds the configuration of a pool.
	// Use DefaultConfig() to get a Config with sensible defaults.
	Config = pool.Config

	// RespawnPolicy controls replacement of dead workers.
	RespawnPolicy = pool.RespawnPolicy

	// Option configures optional behavior of a Pool.
	Option = pool.Option

	// Registry is the fixed set of message and callback types both sides
	// of a worker connection agree on.
	Registry = schema.Registry

	// Builder collects registrations for a Registry.
	Builder = schema.Builder

	// Loader prepares the function a worker hosts.
	Loader = worker.Loader

	// State is the lifecycle state of a pool.
	State = pool.State

	// EventHandler receives pool and worker notifications.
	EventHandler = pool.EventHandler

	// WorkerEvent describes a worker health change.
	WorkerEvent = pool.WorkerEvent

	// Plugin extends a pool.
	Plugin = pool.Plugin
)

// Pool lifecycle states.
const (
	StateStopped  = pool.StateStopped
	StateStarting = pool.StateStarting
	StateRunning  = pool.StateRunning
	StateStopping = pool.StateStopping
	StateCrashed  = pool.StateCrashed
)

// Actor is a typed handle for one registered message type.
type Actor[M, R any] = pool.Actor[M, R]

// Stream is a typed stream of replies.
type Stream[R any] = pool.Stream[R]

// New creates a pool in StateStopped; call Start to spawn the workers.
func New(reg *Registry, cfg Config, opts ...Option) (*Pool, error) {
	return pool.New(reg, cfg, opts...)
}

// DefaultConfig returns a Config with sensible default values.
// At minimum, set ModulePath and Function before calling New.
func DefaultConfig() Config {
	return pool.DefaultConfig()
}

// NewRegistry returns an empty registry builder. Register types with
// schema.Message and schema.Callback.
func NewRegistry() *Builder {
	return schema.NewBuilder()
}

// NewActor returns a typed handle for the message type registered as name.
func NewActor[M, R any](p *Pool, name string) (*Actor[M, R], error) {
	return pool.NewActor[M, R](p, name)
}

// IsWorker reports whether this process was started as a pool worker.
func IsWorker() bool {
	return worker.IsWorker()
}

// WorkerMain serves the supervisor connection and returns the exit code.
func WorkerMain(reg *Registry, loader Loader) int {
	return worker.Main(reg, loader)
}

// StarlarkLoader loads the configured function from a Starlark module.
var StarlarkLoader Loader = worker.StarlarkLoader

// Option constructors re-exported from pkg/pool.
var (
	WithLogger       = pool.WithLogger
	WithEventHandler = pool.WithEventHandler
	WithPlugin       = pool.WithPlugin
	WithCodec        = pool.WithCodec
)

// WithCallback handles callbacks of the given registered type.
func WithCallback[C, R any](name string, fn func(ctx context.Context, msg C) (R, error)) Option {
	return pool.WithCallback(name, fn)
}
