package pool

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bft-labs/starpool/pkg/interp"
)

// Policy chooses which Ready worker receives the next request.
type Policy int

const (
	// RoundRobin cycles through workers in order.
	RoundRobin Policy = iota
	// LeastInFlight picks the worker with the fewest outstanding requests.
	LeastInFlight
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "round-robin"
	case LeastInFlight:
		return "least-in-flight"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "round-robin" (or "rr") and "least-in-flight" (or
// "least").
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round-robin", "roundrobin", "rr":
		return RoundRobin, nil
	case "least-in-flight", "least", "lif":
		return LeastInFlight, nil
	default:
		return RoundRobin, fmt.Errorf("unknown selection policy %q", s)
	}
}

// RespawnPolicy controls what happens when a worker dies.
type RespawnPolicy struct {
	// Enabled replaces dead workers. Off by default: a dead worker is only
	// excluded from selection.
	Enabled bool

	// MaxAttempts bounds consecutive failed replacements per slot. Zero
	// means unlimited.
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape the delay between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Config holds the configuration of a worker pool.
// Use DefaultConfig() for sensible defaults.
type Config struct {
	// Size is the number of worker processes. Required.
	Size int

	// Executables are tried in order; the first one found is used. Empty
	// means re-executing the current binary, which must call worker.Main
	// when worker.IsWorker reports true.
	Executables []string

	// Args are passed to every worker process.
	Args []string

	// Env entries (KEY=value) are added to every worker's environment.
	Env []string

	// ModulePath and Function name the code each worker hosts.
	ModulePath string
	Function   string

	// Mode is the declared execution mode of the hosted function.
	Mode interp.Mode

	// SpawnTimeout bounds process start plus handshake per worker.
	// Default: 10 seconds
	SpawnTimeout time.Duration

	// CallTimeout applies to asks and stream reads without a deadline.
	// Default: 30 seconds
	CallTimeout time.Duration

	// CallbackTimeout bounds a worker's callback round-trip.
	// Default: 30 seconds
	CallbackTimeout time.Duration

	Policy  Policy
	Respawn RespawnPolicy

	// MaxInFlight caps outstanding requests per worker. Callers wait for
	// capacity. Zero means unlimited.
	MaxInFlight int

	// StreamBuffer is the per-stream item queue capacity.
	// Default: 64
	StreamBuffer int

	// DegradeAfter consecutive caller timeouts mark a worker Degraded.
	// Zero disables degradation.
	DegradeAfter int

	// DegradedCooldown returns an idle Degraded worker to Ready.
	// Default: 5 seconds
	DegradedCooldown time.Duration

	// PropagateCancel tells the worker when a caller gives up.
	// Default: true
	PropagateCancel bool

	// LogDir, if set, gives each worker a rotating log file there.
	LogDir   string
	LogLevel string

	// StateDir, if set, records worker PIDs so a later pool can reap
	// orphans left by a crashed supervisor.
	StateDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Size:             4,
		SpawnTimeout:     10 * time.Second,
		CallTimeout:      30 * time.Second,
		CallbackTimeout:  30 * time.Second,
		Policy:           RoundRobin,
		StreamBuffer:     64,
		DegradedCooldown: 5 * time.Second,
		PropagateCancel:  true,
		LogLevel:         "info",
		Respawn: RespawnPolicy{
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
	}
}

// SetDefaults fills zero-valued fields with defaults.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = d.SpawnTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = d.CallbackTimeout
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	if c.DegradedCooldown <= 0 {
		c.DegradedCooldown = d.DegradedCooldown
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Respawn.InitialBackoff <= 0 {
		c.Respawn.InitialBackoff = d.Respawn.InitialBackoff
	}
	if c.Respawn.MaxBackoff <= 0 {
		c.Respawn.MaxBackoff = d.Respawn.MaxBackoff
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Size <= 0 {
		errs = append(errs, fmt.Errorf("size must be positive, got %d", c.Size))
	}
	if c.Mode != interp.ModeSync && c.Mode != interp.ModeStreaming {
		errs = append(errs, fmt.Errorf("invalid mode %v", c.Mode))
	}
	if c.Policy != RoundRobin && c.Policy != LeastInFlight {
		errs = append(errs, fmt.Errorf("invalid policy %v", c.Policy))
	}
	if c.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("max in-flight must not be negative"))
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("env entry %q is not KEY=value", kv))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid pool config: %w", errors.Join(errs...))
	}
	return nil
}

// RuntimeConfig is the subset of Config that can change while the pool
// runs.
type RuntimeConfig struct {
	CallTimeout time.Duration
	Policy      Policy
	MaxInFlight int
}
