// Package resourcegating throttles a pool while the host is under heavy
// load. When the load average per CPU crosses a threshold, the plugin
// lowers the pool's per-worker in-flight cap; callers then wait for
// capacity instead of piling more work onto busy workers. The previous cap
// is restored once load drops.
package resourcegating

import (
	"context"
	"sync"
	"time"

	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/pool"
)

// Sampler reports the current load per CPU.
type Sampler func() (float64, error)

// Plugin implements resource gating functionality.
type Plugin struct {
	mu sync.Mutex

	threshold float64
	gatedCap  int
	interval  time.Duration
	sample    Sampler

	target pool.Reconfigurer
	logger log.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	gated    bool
	savedCap int
}

// Config holds configuration options for the resource gating plugin.
type Config struct {
	// LoadThreshold is the 1-minute load average per CPU above which the
	// pool is gated.
	// Default: 0.85
	LoadThreshold float64

	// GatedMaxInFlight is the per-worker cap applied while gated.
	// Default: 1
	GatedMaxInFlight int

	// Interval between load samples.
	// Default: 5 seconds
	Interval time.Duration

	// Sampler overrides the system load source.
	Sampler Sampler
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LoadThreshold:    0.85,
		GatedMaxInFlight: 1,
		Interval:         5 * time.Second,
	}
}

// New creates a new resource gating plugin with the given configuration.
func New(cfg Config) *Plugin {
	d := DefaultConfig()
	if cfg.LoadThreshold <= 0 {
		cfg.LoadThreshold = d.LoadThreshold
	}
	if cfg.GatedMaxInFlight <= 0 {
		cfg.GatedMaxInFlight = d.GatedMaxInFlight
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Sampler == nil {
		cfg.Sampler = systemLoad
	}

	return &Plugin{
		threshold: cfg.LoadThreshold,
		gatedCap:  cfg.GatedMaxInFlight,
		interval:  cfg.Interval,
		sample:    cfg.Sampler,
		logger:    log.NewNoopLogger(),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "resourcegating"
}

// Initialize starts sampling. Without a pool to throttle the plugin stays
// idle.
func (p *Plugin) Initialize(ctx context.Context, cfg pool.PluginConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger = log.OrNoop(cfg.Logger)
	if cfg.Pool == nil {
		p.logger.Debug("resource gating disabled: no pool to throttle")
		return nil
	}
	p.target = cfg.Pool

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(runCtx)

	p.logger.Info("resource gating plugin initialized",
		log.Any("load_threshold", p.threshold),
		log.Int("gated_max_in_flight", p.gatedCap),
		log.Duration("interval", p.interval))
	return nil
}

// Shutdown stops sampling. The cap is left as is: the pool is stopping.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}

// Gated reports whether the plugin is currently throttling the pool.
func (p *Plugin) Gated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gated
}

func (p *Plugin) run(ctx context.Context) {
	defer p.wg.Done()

	p.check()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check()
		}
	}
}

// check samples load once and gates or ungates the pool. Ungating waits
// for load to fall below 90% of the threshold so the cap does not flap.
func (p *Plugin) check() {
	load, err := p.sample()
	if err != nil {
		p.logger.Debug("resource gate: sample failed", log.Err(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.gated && load > p.threshold:
		rc := p.target.RuntimeConfig()
		p.savedCap = rc.MaxInFlight
		if rc.MaxInFlight == 0 || rc.MaxInFlight > p.gatedCap {
			rc.MaxInFlight = p.gatedCap
		}
		if err := p.target.Reconfigure(rc); err != nil {
			p.logger.Warn("resource gate: reconfigure failed", log.Err(err))
			return
		}
		p.gated = true
		p.logger.Info("resource gate: host busy, throttling pool",
			log.Any("load", load),
			log.Int("max_in_flight", rc.MaxInFlight))

	case p.gated && load < p.threshold*0.9:
		rc := p.target.RuntimeConfig()
		rc.MaxInFlight = p.savedCap
		if err := p.target.Reconfigure(rc); err != nil {
			p.logger.Warn("resource gate: reconfigure failed", log.Err(err))
			return
		}
		p.gated = false
		p.logger.Info("resource gate: load recovered",
			log.Any("load", load),
			log.Int("max_in_flight", rc.MaxInFlight))
	}
}

// Ensure Plugin implements pool.Plugin.
var _ pool.Plugin = (*Plugin)(nil)
