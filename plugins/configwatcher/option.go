package configwatcher

import "github.com/bft-labs/starpool/pkg/pool"

// WithConfigWatcher returns a pool Option that enables runtime file
// watching.
//
// Usage:
//
//	p, err := pool.New(reg, cfg,
//	    configwatcher.WithConfigWatcher(configwatcher.Config{
//	        Path:          "/etc/starpool/runtime.toml",
//	        DebounceDelay: 100 * time.Millisecond,
//	    }),
//	)
func WithConfigWatcher(cfg Config) pool.Option {
	plugin := New(cfg)
	return pool.WithPlugin(plugin)
}

// WithRuntimeFile watches path with default settings.
//
// Usage:
//
//	p, err := pool.New(reg, cfg, configwatcher.WithRuntimeFile("runtime.toml"))
func WithRuntimeFile(path string) pool.Option {
	cfg := DefaultConfig()
	cfg.Path = path
	return WithConfigWatcher(cfg)
}
