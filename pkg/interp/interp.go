// Package interp is the boundary between a worker and the code it hosts.
//
// A worker knows only the Function interface. Two implementations exist:
// Func adapts a plain Go function, and Starlark runs a function defined in
// a Starlark module. Values crossing the boundary are dynamic: nil, bool,
// int64, uint64, float64, string, []byte, []any and map[string]any.
package interp

import (
	"context"
	"fmt"
	"strings"
)

// Mode is how a worker function produces results.
type Mode int

const (
	// ModeSync functions return one value per call.
	ModeSync Mode = iota
	// ModeStreaming functions emit zero or more values per call.
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "sync", "streaming" or "stream". The empty string is
// sync.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync":
		return ModeSync, nil
	case "streaming", "stream":
		return ModeStreaming, nil
	default:
		return ModeSync, fmt.Errorf("unknown execution mode %q", s)
	}
}

// Call is one invocation of a worker function.
type Call struct {
	// Type is the registered message type name.
	Type string
	// Message is the decoded message as a dynamic value.
	Message any

	// Emit sends one stream item. Nil outside streaming calls.
	Emit func(v any) error
	// Callback performs a round-trip to the supervisor.
	Callback func(typ string, v any) (any, error)
}

// Function is the code a worker hosts.
type Function interface {
	Invoke(ctx context.Context, call *Call) (any, error)
}

// Func adapts an ordinary function to Function.
type Func func(ctx context.Context, call *Call) (any, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}
