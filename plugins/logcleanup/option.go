package logcleanup

import "github.com/bft-labs/starpool/pkg/pool"

// WithLogCleanup returns a pool Option that enables worker log cleanup.
// It only acts when the pool has a LogDir.
//
// Usage:
//
//	p, err := pool.New(reg, cfg,
//	    logcleanup.WithLogCleanup(logcleanup.Config{
//	        CheckInterval: 10 * time.Minute,
//	        HighWatermark: 256 << 20,
//	    }),
//	)
func WithLogCleanup(cfg Config) pool.Option {
	return pool.WithPlugin(New(cfg))
}

// WithDefaultLogCleanup enables cleanup with default settings.
func WithDefaultLogCleanup() pool.Option {
	return WithLogCleanup(DefaultConfig())
}
