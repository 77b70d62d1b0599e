// Package configwatcher reloads runtime pool settings from a TOML file.
// When enabled, it watches the file for changes and applies call timeout,
// selection policy and in-flight cap to the running pool.
//
// The file holds any subset of:
//
//	call_timeout  = "10s"
//	policy        = "least-in-flight"
//	max_in_flight = 8
package configwatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/pool"
)

// Error codes for runtime file issues.
const (
	ErrCodeFileNotFound     = "FILE_NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeReadError        = "READ_ERROR"
	ErrCodeParseError       = "PARSE_ERROR"
	ErrCodeInvalid          = "INVALID"
)

// Plugin implements runtime config watching.
type Plugin struct {
	mu sync.Mutex

	path          string
	debounceDelay time.Duration

	target   pool.Reconfigurer
	logger   log.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
	applied  int
}

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// Path is the runtime TOML file. Empty disables the plugin.
	Path string

	// DebounceDelay is the delay to wait after a file change before
	// applying it.
	// Default: 100 milliseconds
	DebounceDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 100 * time.Millisecond,
	}
}

// New creates a new config watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{
		path:          cfg.Path,
		debounceDelay: cfg.DebounceDelay,
		logger:        log.NewNoopLogger(),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Initialize applies the file once and starts watching it.
func (p *Plugin) Initialize(ctx context.Context, cfg pool.PluginConfig) error {
	p.mu.Lock()
	p.target = cfg.Pool
	p.logger = log.OrNoop(cfg.Logger)
	p.mu.Unlock()

	if p.path == "" || p.target == nil {
		p.logger.Warn("Config watcher disabled: no runtime file configured")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(p.path), err)
	}

	if _, err := os.Stat(p.path); err == nil {
		p.apply()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("Config watcher plugin initialized", log.String("path", p.path))

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

// Shutdown stops the config watcher.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()
	return nil
}

// Applied returns how many times the file has been applied successfully.
func (p *Plugin) Applied() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.debounceApply(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("Config watcher: watcher error", log.Err(err))
		}
	}
}

func (p *Plugin) debounceApply(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(p.debounceDelay, func() {
		if ctx.Err() == nil {
			p.apply()
		}
	})
}

// runtimeFile is the on-disk form. Absent keys keep the current value.
type runtimeFile struct {
	CallTimeout *string `toml:"call_timeout"`
	Policy      *string `toml:"policy"`
	MaxInFlight *int    `toml:"max_in_flight"`
}

// apply reads the file and reconfigures the pool. Failures are logged and
// the previous settings stay in effect.
func (p *Plugin) apply() {
	rc, code, err := p.load()
	if err != nil {
		p.logger.Error("Config watcher: runtime file not applied",
			log.String("code", code),
			log.String("path", p.path),
			log.Err(err))
		return
	}
	if err := p.target.Reconfigure(rc); err != nil {
		p.logger.Error("Config watcher: runtime file not applied",
			log.String("code", ErrCodeInvalid),
			log.Err(err))
		return
	}
	p.mu.Lock()
	p.applied++
	p.mu.Unlock()
	p.logger.Info("Config watcher: applied runtime configuration")
}

func (p *Plugin) load() (pool.RuntimeConfig, string, error) {
	rc := p.target.RuntimeConfig()

	data, err := os.ReadFile(p.path)
	if err != nil {
		return rc, errorToCode(err), err
	}
	var f runtimeFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return rc, ErrCodeParseError, err
	}

	if f.CallTimeout != nil {
		d, err := time.ParseDuration(*f.CallTimeout)
		if err != nil {
			return rc, ErrCodeInvalid, fmt.Errorf("call_timeout: %w", err)
		}
		if d <= 0 {
			return rc, ErrCodeInvalid, fmt.Errorf("call_timeout must be positive, got %s", d)
		}
		rc.CallTimeout = d
	}
	if f.Policy != nil {
		policy, err := pool.ParsePolicy(*f.Policy)
		if err != nil {
			return rc, ErrCodeInvalid, err
		}
		rc.Policy = policy
	}
	if f.MaxInFlight != nil {
		rc.MaxInFlight = *f.MaxInFlight
	}
	return rc, "", nil
}

func errorToCode(err error) string {
	if os.IsNotExist(err) {
		return ErrCodeFileNotFound
	}
	if os.IsPermission(err) {
		return ErrCodePermissionDenied
	}
	if strings.Contains(err.Error(), "permission denied") {
		return ErrCodePermissionDenied
	}
	return ErrCodeReadError
}

// Ensure Plugin implements pool.Plugin.
var _ pool.Plugin = (*Plugin)(nil)
