package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bft-labs/starpool/pkg/channel"
	"github.com/bft-labs/starpool/pkg/codec"
	"github.com/bft-labs/starpool/pkg/handshake"
	"github.com/bft-labs/starpool/pkg/interp"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/schema"
	"github.com/bft-labs/starpool/pkg/telemetry"
)

// Environment variables the supervisor sets for a worker process.
const (
	EnvWorker          = "STARPOOL_WORKER"
	EnvWorkerID        = "STARPOOL_WORKER_ID"
	EnvModule          = "STARPOOL_MODULE"
	EnvFunction        = "STARPOOL_FUNCTION"
	EnvMode            = "STARPOOL_MODE"
	EnvLogFile         = "STARPOOL_LOG_FILE"
	EnvLogLevel        = "STARPOOL_LOG_LEVEL"
	EnvCallbackTimeout = "STARPOOL_CALLBACK_TIMEOUT"
)

// ConnFD is the file descriptor of the supervisor connection in a worker.
const ConnFD = 3

// ShutdownTimeout bounds how long a worker waits for running tasks after
// its connection closes.
const ShutdownTimeout = 5 * time.Second

// ProcessConfig is the configuration handed to a worker process.
type ProcessConfig struct {
	WorkerID        string
	ModulePath      string
	Function        string
	Mode            interp.Mode
	LogFile         string
	LogLevel        string
	CallbackTimeout time.Duration
}

// Environ encodes c as environment entries.
func (c ProcessConfig) Environ() []string {
	env := []string{
		EnvWorker + "=1",
		EnvWorkerID + "=" + c.WorkerID,
		EnvModule + "=" + c.ModulePath,
		EnvFunction + "=" + c.Function,
		EnvMode + "=" + c.Mode.String(),
	}
	if c.LogFile != "" {
		env = append(env, EnvLogFile+"="+c.LogFile)
	}
	if c.LogLevel != "" {
		env = append(env, EnvLogLevel+"="+c.LogLevel)
	}
	if c.CallbackTimeout > 0 {
		env = append(env, EnvCallbackTimeout+"="+c.CallbackTimeout.String())
	}
	return env
}

// ConfigFromEnv reads a ProcessConfig through getenv.
func ConfigFromEnv(getenv func(string) string) (ProcessConfig, error) {
	cfg := ProcessConfig{
		WorkerID:   getenv(EnvWorkerID),
		ModulePath: getenv(EnvModule),
		Function:   getenv(EnvFunction),
		LogFile:    getenv(EnvLogFile),
		LogLevel:   getenv(EnvLogLevel),
	}
	mode, err := interp.ParseMode(getenv(EnvMode))
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", EnvMode, err)
	}
	cfg.Mode = mode
	if v := getenv(EnvCallbackTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvCallbackTimeout, err)
		}
		cfg.CallbackTimeout = d
	}
	return cfg, nil
}

// IsWorker reports whether the current process was started as a worker.
func IsWorker() bool {
	v, _ := strconv.ParseBool(os.Getenv(EnvWorker))
	return v
}

// Loader prepares the function a worker hosts. An error is reported to the
// supervisor during the handshake.
type Loader func(cfg ProcessConfig, logger log.Logger) (interp.Function, error)

// StarlarkLoader loads cfg.Function from the Starlark module at
// cfg.ModulePath.
func StarlarkLoader(cfg ProcessConfig, logger log.Logger) (interp.Function, error) {
	if cfg.ModulePath == "" {
		return nil, errors.New("no module path configured")
	}
	if cfg.Function == "" {
		return nil, errors.New("no function name configured")
	}
	return interp.LoadStarlark(cfg.ModulePath, cfg.Function, logger)
}

// Options are the parts of a worker fixed by the program rather than the
// supervisor.
type Options struct {
	Registry *schema.Registry
	Loader   Loader
	Codec    codec.Codec
}

// Run serves the supervisor connection conn until it closes or ctx is
// done.
func Run(ctx context.Context, conn net.Conn, cfg ProcessConfig, opts Options, logger log.Logger) error {
	logger = log.With(log.OrNoop(logger), log.String("worker_id", cfg.WorkerID))
	if opts.Registry == nil {
		_ = conn.Close()
		return errors.New("worker: registry is required")
	}
	if opts.Loader == nil {
		opts.Loader = StarlarkLoader
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}

	fn, setupErr := opts.Loader(cfg, logger)
	if setupErr != nil {
		logger.Error("worker setup failed", log.Err(setupErr))
	}

	ch := channel.New(conn, channel.Options{
		Codec:       opts.Codec,
		Logger:      logger,
		CallTimeout: cfg.CallbackTimeout,
		Acceptor:    true,
	})

	local := handshake.NewRecord(opts.Registry.Fingerprint(), cfg.Mode == interp.ModeStreaming)
	local.WorkerID = cfg.WorkerID
	local.PID = os.Getpid()

	hctx, cancel := context.WithTimeout(ctx, handshake.DefaultTimeout)
	_, err := handshake.NewSession(local, opts.Codec).Accept(hctx, ch, setupErr)
	cancel()
	if err != nil {
		_ = ch.Close()
		return err
	}

	d, err := NewDispatcher(Config{
		Registry:        opts.Registry,
		Function:        fn,
		Mode:            cfg.Mode,
		Codec:           opts.Codec,
		Logger:          logger,
		CallbackTimeout: cfg.CallbackTimeout,
	}, ch)
	if err != nil {
		_ = ch.Close()
		return err
	}
	ch.Start(d.Handle)
	logger.Info("worker started", log.Int("pid", local.PID), log.String("mode", cfg.Mode.String()))

	select {
	case <-ctx.Done():
		_ = ch.Close()
	case <-ch.Done():
	}
	if err := d.Shutdown(ShutdownTimeout); err != nil {
		logger.Warn("worker stopped with tasks running", log.Err(err))
	}
	logger.Info("worker stopped", log.Int64("peak_in_flight", d.Peak()))

	if cause := errors.Unwrap(ch.Err()); cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, channel.ErrClosed) && ctx.Err() == nil {
		return cause
	}
	return nil
}

// Main is the entrypoint of a worker process. It reads its configuration
// from the environment, serves the connection on ConnFD and returns the
// process exit code.
func Main(reg *schema.Registry, loader Loader) int {
	cfg, err := ConfigFromEnv(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starpool worker: %v\n", err)
		return 2
	}

	var logger log.Logger
	if cfg.LogFile != "" {
		fl, closer := log.NewFileLogger(log.FileConfig{Path: cfg.LogFile, Level: cfg.LogLevel})
		defer closer.Close()
		logger = fl
	} else {
		logger = log.NewZerologAdapter(cfg.LogLevel)
	}

	shutdown, err := telemetry.Init(telemetry.Config{ServiceName: "starpool-worker"})
	if err != nil {
		logger.Warn("telemetry not initialized", log.Err(err))
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}

	f := os.NewFile(ConnFD, "starpool-conn")
	if f == nil {
		logger.Error("supervisor connection missing", log.Int("fd", ConnFD))
		return 1
	}
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		logger.Error("open supervisor connection", log.Err(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, conn, cfg, Options{Registry: reg, Loader: loader}, logger); err != nil {
		logger.Error("worker exited", log.Err(err))
		return 1
	}
	return 0
}
