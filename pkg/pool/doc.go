// Package pool runs a fixed set of worker processes and dispatches messages
// to them.
//
// Each worker is a child process connected by a private socket. It hosts an
// embedded interpreter function and serves requests concurrently, with
// interpreter execution serialized inside the process. The pool gives
// interpreter-bound work OS-level parallelism and crash isolation.
//
// # Basic Usage
//
// Supervisor and workers build the same registry. The simplest setup
// re-executes the current binary as a worker:
//
//	func main() {
//	    reg := buildRegistry()
//	    if worker.IsWorker() {
//	        os.Exit(worker.Main(reg, worker.StarlarkLoader))
//	    }
//
//	    cfg := pool.DefaultConfig()
//	    cfg.ModulePath = "double.star"
//	    cfg.Function = "double"
//
//	    p, err := pool.New(reg, cfg, pool.WithLogger(logger))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if err := p.Start(ctx); err != nil {
//	        log.Fatal(err)
//	    }
//	    defer p.Stop()
//
//	    double, _ := pool.NewActor[Double, Doubled](p, "double")
//	    out, err := double.Ask(ctx, Double{N: 21})
//	}
//
// # Streams
//
// A worker started in streaming mode produces several replies per request:
//
//	s, err := count.SendStream(ctx, Count{To: 5})
//	for {
//	    v, err := s.Next(ctx)
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    ...
//	}
//
// Close abandons a stream early; the worker is told to stop.
//
// # Callbacks
//
// Worker functions may call back into the supervisor. Handlers are
// registered per callback type:
//
//	p, err := pool.New(reg, cfg,
//	    pool.WithCallback("delay", func(ctx context.Context, d Delay) (Delayed, error) {
//	        ...
//	    }),
//	)
//
// # Worker Health
//
// Only Ready workers are selected. A worker becomes Degraded after
// DegradeAfter consecutive timeouts and Dead when its connection closes.
// Dead workers are replaced only when Config.Respawn is enabled.
//
// # Lifecycle States
//
// A Pool is in one of [StateStopped], [StateStarting], [StateRunning],
// [StateStopping] or [StateCrashed]. Start either brings up every worker or
// none.
package pool
