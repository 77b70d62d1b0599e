package pool

import (
	"context"

	"github.com/bft-labs/starpool/pkg/lifecycle"
	"github.com/bft-labs/starpool/pkg/log"
)

// State is the lifecycle state of a pool.
type State = lifecycle.State

// Pool lifecycle states.
const (
	StateStopped  = lifecycle.StateStopped
	StateStarting = lifecycle.StateStarting
	StateRunning  = lifecycle.StateRunning
	StateStopping = lifecycle.StateStopping
	StateCrashed  = lifecycle.StateCrashed
)

// Health is the state of one worker.
type Health int

const (
	Connecting Health = iota
	Ready
	Degraded
	Dead
)

func (h Health) String() string {
	switch h {
	case Connecting:
		return "Connecting"
	case Ready:
		return "Ready"
	case Degraded:
		return "Degraded"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// WorkerEvent describes a worker health change.
type WorkerEvent struct {
	WorkerID string
	PID      int
	Previous Health
	Current  Health
	Reason   string
}

// EventHandler receives pool notifications. Methods are called
// synchronously and should return quickly.
type EventHandler interface {
	OnStateChange(previous, current State, reason string)
	OnWorkerChange(ev WorkerEvent)
}

// Plugin extends a pool. Plugins are initialized on Start in registration
// order and shut down on Stop in reverse order.
type Plugin interface {
	Name() string
	Initialize(ctx context.Context, cfg PluginConfig) error
	Shutdown(ctx context.Context) error
}

// Reconfigurer changes runtime settings of a running pool.
type Reconfigurer interface {
	RuntimeConfig() RuntimeConfig
	Reconfigure(rc RuntimeConfig) error
}

// PluginConfig is what a plugin gets from the pool it extends.
type PluginConfig struct {
	Size     int
	StateDir string
	LogDir   string
	Logger   log.Logger
	Pool     Reconfigurer

	// Workers snapshots the current workers.
	Workers func() []Info
}

// emitter adapts an EventHandler; the zero value drops events.
type emitter struct {
	handler EventHandler
}

func (e *emitter) OnStateChange(previous, current State, reason string) {
	if e.handler != nil {
		e.handler.OnStateChange(previous, current, reason)
	}
}

func (e *emitter) workerChange(ev WorkerEvent) {
	if e.handler != nil {
		e.handler.OnWorkerChange(ev)
	}
}
