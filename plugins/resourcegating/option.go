package resourcegating

import "github.com/bft-labs/starpool/pkg/pool"

// WithResourceGating returns a pool Option that enables resource gating.
//
// Usage:
//
//	p, err := pool.New(reg, cfg,
//	    resourcegating.WithResourceGating(resourcegating.Config{
//	        LoadThreshold:    0.85,
//	        GatedMaxInFlight: 1,
//	    }),
//	)
func WithResourceGating(cfg Config) pool.Option {
	plugin := New(cfg)
	return pool.WithPlugin(plugin)
}

// WithDefaultResourceGating returns a pool Option that enables resource
// gating with default settings (load threshold 0.85, gated cap 1).
//
// Usage:
//
//	p, err := pool.New(reg, cfg, resourcegating.WithDefaultResourceGating())
func WithDefaultResourceGating() pool.Option {
	return WithResourceGating(DefaultConfig())
}
