// Package logcleanup bounds the disk used by per-worker log files.
// Every spawned worker writes its own rotating log under the pool's log
// directory, so replaced workers and earlier pools leave files behind.
// When enabled, the plugin periodically removes the oldest of those files
// once the directory grows past a high watermark, never touching files of
// live workers.
package logcleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/pool"
)

// Plugin implements worker log cleanup.
type Plugin struct {
	mu sync.RWMutex

	checkInterval time.Duration
	highWatermark int64
	lowWatermark  int64

	logDir  string
	workers func() []pool.Info
	logger  log.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Config holds configuration options for the log cleanup plugin.
type Config struct {
	// CheckInterval is how often to check the log directory size.
	// Default: 1 hour
	CheckInterval time.Duration

	// HighWatermark is the size in bytes above which cleanup begins.
	// Default: 512 MiB
	HighWatermark int64

	// LowWatermark is the target size in bytes after cleanup.
	// Default: 384 MiB
	LowWatermark int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Hour,
		HighWatermark: 512 << 20,
		LowWatermark:  384 << 20,
	}
}

// New creates a new log cleanup plugin with the given configuration.
func New(cfg Config) *Plugin {
	d := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = d.CheckInterval
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = d.HighWatermark
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark > cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark * 3 / 4
	}

	return &Plugin{
		checkInterval: cfg.CheckInterval,
		highWatermark: cfg.HighWatermark,
		lowWatermark:  cfg.LowWatermark,
		logger:        log.NewNoopLogger(),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "logcleanup"
}

// Initialize sets up the plugin and starts the cleanup loop.
func (p *Plugin) Initialize(ctx context.Context, cfg pool.PluginConfig) error {
	p.mu.Lock()
	p.logDir = cfg.LogDir
	p.workers = cfg.Workers
	p.logger = log.OrNoop(cfg.Logger)
	p.mu.Unlock()

	if p.logDir == "" {
		p.logger.Warn("log cleanup disabled: no log directory configured")
		return nil
	}

	cleanupCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.logger.Info("log cleanup plugin initialized",
		log.String("log_dir", p.logDir),
		log.String("high_watermark", formatBytes(p.highWatermark)),
		log.String("low_watermark", formatBytes(p.lowWatermark)))

	p.wg.Add(1)
	go p.cleanupLoop(cleanupCtx)

	return nil
}

// Shutdown stops the cleanup loop.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Plugin) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	p.cleanupOnce(ctx)

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanupOnce(ctx)
		}
	}
}

// cleanupOnce performs a single cleanup check and returns the bytes freed.
func (p *Plugin) cleanupOnce(ctx context.Context) int64 {
	p.mu.RLock()
	logDir := p.logDir
	workers := p.workers
	p.mu.RUnlock()

	files, curSize, err := workerLogs(logDir)
	if err != nil {
		p.logger.Error("log cleanup: scan failed", log.Err(err))
		return 0
	}
	if curSize <= p.highWatermark {
		return 0
	}

	live := map[string]bool{}
	if workers != nil {
		for _, w := range workers() {
			live[w.ID] = true
		}
	}

	var removed int64
	count := 0
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		if curSize <= p.lowWatermark {
			break
		}
		if live[f.workerID] {
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Error("log cleanup: remove failed", log.String("path", f.path), log.Err(err))
			continue
		}
		curSize -= f.size
		removed += f.size
		count++
	}

	if removed > 0 {
		p.logger.Info("log cleanup completed",
			log.Int("files", count),
			log.String("freed", formatBytes(removed)),
			log.String("remaining", formatBytes(curSize)))
	}
	return removed
}

// logFile is one worker log or rotated backup.
type logFile struct {
	path     string
	workerID string
	size     int64
	modTime  time.Time
}

// workerLogName matches "<worker id>.log" and rotated backups such as
// "<worker id>-2006-01-02T15-04-05.000.log.gz".
var workerLogName = regexp.MustCompile(`^(w\d+-[0-9a-f]{8})(-[^/]*)?\.log(\.gz)?$`)

// workerLogs lists worker log files in dir, oldest first, and the total
// size of the directory.
func workerLogs(dir string) ([]logFile, int64, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}

	var (
		files []logFile
		total int64
	)
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, 0, err
		}
		total += info.Size()

		m := workerLogName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		files = append(files, logFile{
			path:     filepath.Join(dir, e.Name()),
			workerID: m[1],
			size:     info.Size(),
			modTime:  info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, total, nil
}

func formatBytes(b int64) string {
	const (
		_          = iota
		KB float64 = 1 << (10 * iota)
		MB
		GB
	)

	fb := float64(b)
	switch {
	case fb >= GB:
		return fmt.Sprintf("%.2fGiB", fb/GB)
	case fb >= MB:
		return fmt.Sprintf("%.2fMiB", fb/MB)
	case fb >= KB:
		return fmt.Sprintf("%.2fKiB", fb/KB)
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// Ensure Plugin implements pool.Plugin.
var _ pool.Plugin = (*Plugin)(nil)
