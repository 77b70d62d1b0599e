package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bft-labs/starpool/pkg/interp"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/schema"
	"github.com/bft-labs/starpool/pkg/worker"
)

// envTestSchema makes a worker register an extra type, so its fingerprint
// differs from the supervisor's.
const envTestSchema = "STARPOOL_TEST_SCHEMA"

type Double struct {
	N int `cbor:"n"`
}

type Doubled struct {
	N int `cbor:"n"`
}

type Count struct {
	To     int `cbor:"to"`
	FailAt int `cbor:"fail_at"`
}

type Delay struct {
	Ms int `cbor:"ms"`
}

type Delayed struct {
	Ms int `cbor:"ms"`
}

func testRegistry() *schema.Registry {
	b := schema.NewBuilder()
	schema.Message[Double, Doubled](b, "double")
	schema.Message[Count, int](b, "count")
	schema.Message[Delay, Delayed](b, "delay")
	schema.Callback[Delay, Delayed](b, "delay")
	if os.Getenv(envTestSchema) == "alt" {
		schema.Message[Double, Double](b, "extra")
	}
	reg, err := b.Build()
	if err != nil {
		panic(err)
	}
	return reg
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// testFunctions are the Go functions a test worker can host.
var testFunctions = map[string]interp.Func{
	"double": func(_ context.Context, call *interp.Call) (any, error) {
		m := call.Message.(map[string]any)
		return map[string]any{"n": toInt(m["n"]) * 2}, nil
	},
	"count": func(ctx context.Context, call *interp.Call) (any, error) {
		m := call.Message.(map[string]any)
		to, failAt := toInt(m["to"]), toInt(m["fail_at"])
		for i := 1; i <= to; i++ {
			if failAt > 0 && i == failAt+1 {
				return nil, fmt.Errorf("failed after %d", failAt)
			}
			if err := call.Emit(i); err != nil {
				return nil, err
			}
		}
		return nil, nil
	},
	"delay": func(ctx context.Context, call *interp.Call) (any, error) {
		m := call.Message.(map[string]any)
		v, err := call.Callback("delay", map[string]any{"ms": toInt(m["ms"])})
		if err != nil {
			return nil, err
		}
		return v, nil
	},
	"exit": func(context.Context, *interp.Call) (any, error) {
		os.Exit(3)
		return nil, nil
	},
	"slow": func(ctx context.Context, call *interp.Call) (any, error) {
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m := call.Message.(map[string]any)
		return map[string]any{"n": toInt(m["n"])}, nil
	},
}

// testLoader hosts a Go test function, or a Starlark module when one is
// configured.
func testLoader(cfg worker.ProcessConfig, logger log.Logger) (interp.Function, error) {
	if cfg.ModulePath != "" {
		return worker.StarlarkLoader(cfg, logger)
	}
	fn, ok := testFunctions[cfg.Function]
	if !ok {
		return nil, errors.New("function " + cfg.Function + " not found")
	}
	return fn, nil
}
