package pool

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/interp"
	"github.com/bft-labs/starpool/pkg/state"
	"github.com/bft-labs/starpool/pkg/worker"
)

// TestMain doubles as the worker entrypoint: the pool re-executes the test
// binary, which serves as a worker when the pool's environment is set.
func TestMain(m *testing.M) {
	if worker.IsWorker() {
		os.Exit(worker.Main(testRegistry(), testLoader))
	}
	os.Exit(m.Run())
}

func workerConfig(t *testing.T, size int, function string, mode interp.Mode) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Size = size
	cfg.Function = function
	cfg.Mode = mode
	cfg.LogLevel = "error"
	cfg.SpawnTimeout = 5 * time.Second
	cfg.CallTimeout = 5 * time.Second
	return cfg
}

func startPool(t *testing.T, cfg Config, opts ...Option) *Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	p, err := New(testRegistry(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		if p.Status() == StateRunning {
			_ = p.Stop()
		}
	})
	return p
}

func TestPool_ConcurrentAsks(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p := startPool(t, workerConfig(t, 4, "double", interp.ModeSync), WithTracerProvider(tp))
	double, err := NewActor[Double, Doubled](p, "double")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for n := 1; n <= 10; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := double.Ask(context.Background(), Double{N: n})
			if err != nil {
				t.Errorf("Ask(%d) error: %v", n, err)
				return
			}
			if got.N != 2*n {
				t.Errorf("Ask(%d) = %d, want %d", n, got.N, 2*n)
			}
		}()
	}
	wg.Wait()

	workers := p.Workers()
	if len(workers) != 4 {
		t.Fatalf("Workers() = %d entries", len(workers))
	}
	pids := map[int]bool{}
	for _, w := range workers {
		if w.Health != Ready {
			t.Errorf("worker %s is %v", w.ID, w.Health)
		}
		if w.InFlight != 0 {
			t.Errorf("worker %s still has %d in flight", w.ID, w.InFlight)
		}
		pids[w.PID] = true
	}
	if len(pids) != 4 || pids[os.Getpid()] {
		t.Errorf("workers are not separate processes: %v", pids)
	}

	// Correlation ids are scoped to a worker connection.
	type corr struct {
		worker string
		id     int64
	}
	seen := map[corr]int{}
	for _, sp := range sr.Ended() {
		var c corr
		for _, kv := range sp.Attributes() {
			switch kv.Key {
			case "starpool.worker_id":
				c.worker = kv.Value.AsString()
			case "starpool.correlation_id":
				c.id = kv.Value.AsInt64()
			}
		}
		if c.worker == "" || c.id == 0 {
			t.Errorf("span %q lacks worker or correlation id: %v", sp.Name(), sp.Attributes())
			continue
		}
		seen[c]++
	}
	if len(seen) != 10 {
		t.Errorf("distinct correlation ids = %d, want 10: %v", len(seen), seen)
	}
	for c, n := range seen {
		if n != 1 {
			t.Errorf("correlation id %d on %s seen %d times", c.id, c.worker, n)
		}
	}
}

func TestPool_Stream(t *testing.T) {
	p := startPool(t, workerConfig(t, 2, "count", interp.ModeStreaming))
	count, err := NewActor[Count, int](p, "count")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s, err := count.SendStream(ctx, Count{To: 5})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %v, want 1..5", got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Errorf("item %d = %d", i, v)
		}
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after end = %v, want io.EOF", err)
	}

	s, err = count.SendStream(ctx, Count{To: 5, FailAt: 2})
	if err != nil {
		t.Fatal(err)
	}
	got, err = s.Collect(ctx)
	if !errors.Is(err, errs.ErrCall) {
		t.Fatalf("Collect() error = %v, want call error", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("items before failure = %v", got)
	}

	// A streaming worker refuses a plain ask.
	if _, err := count.Ask(ctx, Count{To: 1}); !errors.Is(err, errs.ErrCall) {
		t.Errorf("Ask() on streaming worker = %v, want call error", err)
	}
}

func TestPool_StreamClose(t *testing.T) {
	p := startPool(t, workerConfig(t, 1, "count", interp.ModeStreaming))
	count, _ := NewActor[Count, int](p, "count")
	ctx := context.Background()

	s, err := count.SendStream(ctx, Count{To: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if v, err := s.Next(ctx); err != nil || v != 1 {
		t.Fatalf("Next() = %d, %v", v, err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if p.Workers()[0].InFlight != 0 {
		t.Error("closed stream still counted in flight")
	}

	// The worker keeps serving after an abandoned stream.
	s, err = count.SendStream(ctx, Count{To: 3})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Collect(ctx)
	if err != nil || len(got) != 3 {
		t.Errorf("Collect() = %v, %v", got, err)
	}
}

func TestPool_Callback(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(1)
	p := startPool(t, workerConfig(t, 2, "delay", interp.ModeSync),
		WithCallback("delay", func(ctx context.Context, d Delay) (Delayed, error) {
			defer calls.Done()
			select {
			case <-time.After(time.Duration(d.Ms) * time.Millisecond):
			case <-ctx.Done():
				return Delayed{}, ctx.Err()
			}
			return Delayed{Ms: d.Ms}, nil
		}),
	)
	delay, _ := NewActor[Delay, Delayed](p, "delay")

	start := time.Now()
	got, err := delay.Ask(context.Background(), Delay{Ms: 100})
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if got.Ms != 100 {
		t.Errorf("reply = %+v", got)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("reply after %v, callback delay not observed", elapsed)
	}
	calls.Wait()
}

func TestPool_CallbackWithoutHandler(t *testing.T) {
	p := startPool(t, workerConfig(t, 1, "delay", interp.ModeSync))
	delay, _ := NewActor[Delay, Delayed](p, "delay")

	_, err := delay.Ask(context.Background(), Delay{Ms: 1})
	if !errors.Is(err, errs.ErrCallback) {
		t.Fatalf("Ask() error = %v, want callback error", err)
	}
	// Not connection-fatal.
	if p.Workers()[0].Health != Ready {
		t.Errorf("worker health = %v", p.Workers()[0].Health)
	}
}

func TestPool_Starlark(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "double.star")
	src := "def double(msg):\n    return {\"n\": msg[\"n\"] * 2}\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := workerConfig(t, 2, "double", interp.ModeSync)
	cfg.ModulePath = path
	p := startPool(t, cfg)

	var out Doubled
	if err := p.Call(context.Background(), "double", Double{N: 21}, &out); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if out.N != 42 {
		t.Errorf("double(21) = %d", out.N)
	}
}

func TestPool_StartFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantIs  error
		wantMsg string
	}{
		{
			name:    "schema mismatch",
			mutate:  func(c *Config) { c.Env = []string{envTestSchema + "=alt"} },
			wantIs:  errs.ErrHandshake,
			wantMsg: "fingerprint",
		},
		{
			name:    "missing function",
			mutate:  func(c *Config) { c.Function = "nope" },
			wantIs:  errs.ErrHandshake,
			wantMsg: "worker setup failed",
		},
		{
			name:    "missing executable",
			mutate:  func(c *Config) { c.Executables = []string{"/no/such/starpool"} },
			wantIs:  errs.ErrPoolSpawn,
			wantMsg: "no usable executable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &recordingHandler{}
			cfg := workerConfig(t, 2, "double", interp.ModeSync)
			tt.mutate(&cfg)
			p, err := New(testRegistry(), cfg, WithEventHandler(events))
			if err != nil {
				t.Fatal(err)
			}

			start := time.Now()
			err = p.Start(context.Background())
			if err == nil {
				_ = p.Stop()
				t.Fatal("Start() succeeded")
			}
			if time.Since(start) > cfg.SpawnTimeout+exitGrace {
				t.Errorf("Start() took %v", time.Since(start))
			}
			if !errors.Is(err, errs.ErrPoolSpawn) || !errors.Is(err, tt.wantIs) {
				t.Errorf("Start() error = %v, want %v", err, tt.wantIs)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Start() error = %q, want it to mention %q", err, tt.wantMsg)
			}
			if p.Status() != StateCrashed {
				t.Errorf("Status() = %v, want Crashed", p.Status())
			}
			if len(p.Workers()) != 0 {
				t.Errorf("partial pool left behind: %+v", p.Workers())
			}
			if err := p.Call(context.Background(), "double", Double{N: 1}, nil); !errors.Is(err, ErrNotRunning) {
				t.Errorf("Call() after failed start = %v", err)
			}
		})
	}
}

func TestPool_WorkerCrash(t *testing.T) {
	events := &recordingHandler{}
	p := startPool(t, workerConfig(t, 1, "exit", interp.ModeSync), WithEventHandler(events))

	err := p.Call(context.Background(), "double", Double{N: 1}, nil)
	if !errors.Is(err, errs.ErrConnection) {
		t.Fatalf("Call() on crashing worker = %v, want connection error", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Workers()[0].Health != Dead && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h := p.Workers()[0].Health; h != Dead {
		t.Fatalf("health = %v, want Dead", h)
	}
	if err := p.Call(context.Background(), "double", Double{N: 1}, nil); !errors.Is(err, ErrNoReadyWorkers) {
		t.Errorf("Call() with no ready workers = %v", err)
	}

	var sawDead bool
	for _, ev := range events.WorkerEvents() {
		if ev.Current == Dead {
			sawDead = true
		}
	}
	if !sawDead {
		t.Error("no Dead event emitted")
	}
}

func TestPool_Respawn(t *testing.T) {
	cfg := workerConfig(t, 1, "exit", interp.ModeSync)
	cfg.Respawn = RespawnPolicy{Enabled: true, MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	p := startPool(t, cfg)
	first := p.Workers()[0]

	_ = p.Call(context.Background(), "double", Double{N: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		w := p.Workers()[0]
		if w.ID != first.ID && w.Health == Ready {
			if w.Slot != first.Slot || w.PID == first.PID {
				t.Errorf("replacement %+v, original %+v", w, first)
			}
			return
		}
		if err := p.waitReady(ctx); err != nil {
			t.Fatalf("worker not replaced: %+v", p.Workers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPool_AsksDuringRespawn(t *testing.T) {
	cfg := workerConfig(t, 2, "exit", interp.ModeSync)
	cfg.CallTimeout = 2 * time.Second
	cfg.Respawn = RespawnPolicy{Enabled: true, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	p := startPool(t, cfg)

	// Every ask kills its worker, so slots are replaced while other
	// goroutines select workers. Run with -race.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10 && ctx.Err() == nil; i++ {
				err := p.Call(ctx, "double", Double{N: i}, nil)
				if err == nil {
					t.Error("ask to an exiting worker succeeded")
				}
				_ = p.Workers()
			}
		}()
	}
	wg.Wait()

	if got := len(p.Workers()); got != 2 {
		t.Errorf("Workers() = %d entries, want 2", got)
	}
}

func TestPool_CallTimeoutCancelsWorker(t *testing.T) {
	cfg := workerConfig(t, 1, "slow", interp.ModeSync)
	cfg.DegradeAfter = 1
	cfg.DegradedCooldown = 50 * time.Millisecond
	p := startPool(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Call(ctx, "double", Double{N: 1}, nil)
	if !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("Call() = %v, want timeout", err)
	}
	if h := p.Workers()[0].Health; h != Degraded {
		t.Errorf("health after timeout = %v, want Degraded", h)
	}

	// Once idle past the cooldown the worker is selectable again.
	time.Sleep(100 * time.Millisecond)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	if err := p.Call(ctx2, "double", Double{N: 1}, nil); !errors.Is(err, errs.ErrTimeout) {
		t.Errorf("Call() after cooldown = %v, want timeout from the worker", err)
	}
}

type trackingPlugin struct {
	name  string
	order *[]string
	mu    *sync.Mutex
	cfg   PluginConfig
}

func (p *trackingPlugin) Name() string { return p.name }

func (p *trackingPlugin) Initialize(_ context.Context, cfg PluginConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	*p.order = append(*p.order, "init:"+p.name)
	return nil
}

func (p *trackingPlugin) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.order = append(*p.order, "shutdown:"+p.name)
	return nil
}

func TestPool_LifecycleAndPlugins(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	a := &trackingPlugin{name: "a", order: &order, mu: &mu}
	b := &trackingPlugin{name: "b", order: &order, mu: &mu}
	events := &recordingHandler{}
	stateDir := t.TempDir()

	cfg := workerConfig(t, 2, "double", interp.ModeSync)
	cfg.StateDir = stateDir
	p := startPool(t, cfg, WithPlugin(a), WithPlugin(b), WithEventHandler(events))

	if p.Status() != StateRunning {
		t.Fatalf("Status() = %v", p.Status())
	}
	if a.cfg.Pool == nil || a.cfg.Size != 2 {
		t.Errorf("plugin config = %+v", a.cfg)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v", err)
	}

	rec, err := state.NewFileRepository(stateDir).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.OwnerPID != os.Getpid() || len(rec.Workers) != 2 {
		t.Errorf("worker record = %+v", rec)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	want := []string{"init:a", "init:b", "shutdown:b", "shutdown:a"}
	mu.Lock()
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("plugin order = %v, want %v", order, want)
	}
	mu.Unlock()

	states := events.States()
	wantStates := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v", states)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], wantStates[i])
		}
	}

	rec, _ = state.NewFileRepository(stateDir).Load(context.Background())
	if !rec.IsEmpty() {
		t.Errorf("worker record not cleared: %+v", rec)
	}
}
