package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/starpool/internal/cliconfig"
	"github.com/bft-labs/starpool/pkg/worker"
)

const helpDescription = `
Run a Starlark function on a pool of isolated worker processes.

Each worker hosts one interpreter loaded from --module. Requests are spread
across workers by the selection policy; a crashed worker never takes the
supervisor down with it.

Highlights:
  - Sync and streaming functions (emit() inside the module).
  - Workers call back into the supervisor with callback("print", value).
  - Runtime settings reload from --runtime-file without a restart.
`

var exampleUsage = strings.TrimSpace(`
  starpool ask --module double.star --function double call '{"n": 21}'
  starpool stream --module count.star --function count --mode streaming call '{"to": 5}'
  starpool serve --config $HOME/.starpool/config.toml < requests.jsonl
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli carries configuration shared by every subcommand.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	types   []string
	log     zerolog.Logger
}

// load resolves configuration: file, then STARPOOL_* environment, then
// flags, which always win.
func (c *cli) load(cmd *cobra.Command) error {
	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
	}

	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}

	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.log = cliconfig.Logger(c.cfg.LogLevel)
	c.log.Debug().Interface("config", c.cfg).Strs("types", c.types).Msg("configuration")
	return nil
}

func main() {
	c := &cli{cfg: cliconfig.DefaultConfig()}

	// Pool workers re-execute this binary; they never parse flags.
	if worker.IsWorker() {
		os.Exit(runWorker())
	}

	root := &cobra.Command{
		Use:           "starpool",
		Short:         "Run Starlark functions on a pool of worker processes",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.starpool/config.toml)")
	pf.StringSliceVar(&c.types, "type", []string{"call"}, "message type names accepted by workers")
	pf.IntVar(&c.cfg.Size, "workers", c.cfg.Size, "number of worker processes")
	pf.StringSliceVar(&c.cfg.Executables, "executable", nil, "worker executable candidates, first found wins (default: this binary)")
	pf.StringVar(&c.cfg.ModulePath, "module", "", "Starlark module each worker loads")
	pf.StringVar(&c.cfg.Function, "function", "", "function in the module to run")
	pf.StringVar(&c.cfg.Mode, "mode", c.cfg.Mode, "execution mode: sync or streaming")
	pf.StringVar(&c.cfg.Policy, "policy", c.cfg.Policy, "worker selection: round-robin or least-in-flight")
	pf.IntVar(&c.cfg.MaxInFlight, "max-in-flight", c.cfg.MaxInFlight, "outstanding requests per worker (0 = unlimited)")
	pf.DurationVar(&c.cfg.SpawnTimeout, "spawn-timeout", c.cfg.SpawnTimeout, "process start plus handshake timeout")
	pf.DurationVar(&c.cfg.CallTimeout, "timeout", c.cfg.CallTimeout, "per-request timeout")
	pf.DurationVar(&c.cfg.CallbackTimeout, "callback-timeout", c.cfg.CallbackTimeout, "callback round-trip timeout")
	pf.IntVar(&c.cfg.StreamBuffer, "stream-buffer", c.cfg.StreamBuffer, "items buffered per stream")
	pf.IntVar(&c.cfg.DegradeAfter, "degrade-after", c.cfg.DegradeAfter, "consecutive timeouts before a worker is degraded (0 = never)")
	pf.BoolVar(&c.cfg.Respawn, "respawn", c.cfg.Respawn, "replace workers that die")
	pf.StringVar(&c.cfg.LogDir, "log-dir", "", "directory for per-worker log files")
	pf.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level: debug, info, warn, error")
	pf.StringVar(&c.cfg.StateDir, "state-dir", "", "directory for the worker PID record")
	pf.Float64Var(&c.cfg.LoadThreshold, "load-threshold", 0, "load per CPU above which serve throttles workers to one request each (0 = off)")
	pf.StringVar(&c.cfg.RuntimeFile, "runtime-file", "", "TOML file with runtime settings, reloaded on change (serve only)")
	if err := root.PersistentFlags().MarkHidden("state-dir"); err != nil {
		fmt.Fprintln(os.Stderr, "failed to hide state-dir flag:", err)
	}

	root.AddCommand(askCommand(c), streamCommand(c), serveCommand(c), workerCommand())

	if err := root.Execute(); err != nil {
		c.log = cliconfig.Logger(c.cfg.LogLevel)
		c.log.Error().Err(err).Msg("starpool")
		os.Exit(1)
	}
}
