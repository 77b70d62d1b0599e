package interp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"

	"github.com/bft-labs/starpool/pkg/log"
)

const callKey = "starpool.call"
const ctxKey = "starpool.ctx"

// Starlark runs one function from a Starlark module.
//
// The function is called as fn(msg) or fn(type, msg), depending on how many
// parameters it declares. Inside it, these builtins are available:
//
//	emit(value)            send a stream item
//	callback(type, value)  ask the supervisor and return its answer
//	sleep(seconds)         pause, honouring cancellation
//
// Globals are frozen after the module loads, so concurrent calls cannot
// interfere through shared state.
type Starlark struct {
	filename string
	name     string
	fn       starlark.Callable
	arity    int
	logger   log.Logger
}

// LoadStarlark reads and executes the module at path and looks up function.
func LoadStarlark(path, function string, logger log.Logger) (*Starlark, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return CompileStarlark(path, src, function, logger)
}

// CompileStarlark executes src as a module named filename and looks up
// function.
func CompileStarlark(filename string, src []byte, function string, logger log.Logger) (*Starlark, error) {
	s := &Starlark{filename: filename, name: function, logger: log.OrNoop(logger)}

	thread := &starlark.Thread{Name: "load " + filename, Print: s.print}
	globals, err := starlark.ExecFile(thread, filename, src, Builtins())
	if err != nil {
		return nil, fmt.Errorf("load module %s: %w", filename, err)
	}
	globals.Freeze()

	v, ok := globals[function]
	if !ok {
		return nil, fmt.Errorf("function %q not found in %s", function, filename)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%q in %s is a %s, not a function", function, filename, v.Type())
	}
	s.fn = fn
	s.arity = 1
	if f, ok := fn.(*starlark.Function); ok {
		s.arity = f.NumParams()
	}
	if s.arity < 1 || s.arity > 2 {
		return nil, fmt.Errorf("function %q must take (msg) or (type, msg), takes %d parameters", function, s.arity)
	}
	return s, nil
}

// Name returns the function name.
func (s *Starlark) Name() string { return s.name }

func (s *Starlark) print(thread *starlark.Thread, msg string) {
	s.logger.Info(msg, log.String("source", s.filename), log.String("thread", thread.Name))
}

// Invoke runs the function on a fresh thread. Cancelling ctx cancels the
// thread.
func (s *Starlark) Invoke(ctx context.Context, call *Call) (any, error) {
	msg, err := ToStarlark(call.Message)
	if err != nil {
		return nil, fmt.Errorf("convert message: %w", err)
	}

	thread := &starlark.Thread{Name: call.Type, Print: s.print}
	thread.SetLocal(callKey, call)
	thread.SetLocal(ctxKey, ctx)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	args := starlark.Tuple{msg}
	if s.arity == 2 {
		args = starlark.Tuple{starlark.String(call.Type), msg}
	}
	v, err := starlark.Call(thread, s.fn, args, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, &ScriptError{Msg: evalErr.Msg, Backtrace: evalErr.Backtrace(), cause: evalErr.Unwrap()}
		}
		return nil, err
	}
	return FromStarlark(v)
}

// ScriptError is a failure raised while running Starlark code. It unwraps
// to the error a builtin returned, if any.
type ScriptError struct {
	Msg       string
	Backtrace string
	cause     error
}

func (e *ScriptError) Error() string { return e.Msg }

func (e *ScriptError) Unwrap() error { return e.cause }

// Builtins returns the predeclared names available to worker modules.
func Builtins() starlark.StringDict {
	return starlark.StringDict{
		"emit":     starlark.NewBuiltin("emit", emit),
		"callback": starlark.NewBuiltin("callback", callback),
		"sleep":    starlark.NewBuiltin("sleep", sleep),
	}
}

func callOf(thread *starlark.Thread) *Call {
	c, _ := thread.Local(callKey).(*Call)
	return c
}

func ctxOf(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func emit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	call := callOf(thread)
	if call == nil || call.Emit == nil {
		return nil, fmt.Errorf("%s: not inside a streaming call", b.Name())
	}
	x, err := FromStarlark(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := call.Emit(x); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func callback(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		typ string
		v   starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "type", &typ, "value?", &v); err != nil {
		return nil, err
	}
	call := callOf(thread)
	if call == nil || call.Callback == nil {
		return nil, fmt.Errorf("%s: callbacks are not available", b.Name())
	}
	x, err := FromStarlark(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	reply, err := call.Callback(typ, x)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Name(), typ, err)
	}
	return ToStarlark(reply)
}

func sleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var secs starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &secs); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(secs)
	if !ok || f < 0 {
		return nil, fmt.Errorf("%s: want a non-negative number, got %s", b.Name(), secs.Type())
	}
	t := time.NewTimer(time.Duration(f * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return starlark.None, nil
	case <-ctxOf(thread).Done():
		return nil, ctxOf(thread).Err()
	}
}
