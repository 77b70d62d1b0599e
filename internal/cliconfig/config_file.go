package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Workers         int      `toml:"workers"`
	Executables     []string `toml:"executables"`
	Module          string   `toml:"module"`
	Function        string   `toml:"function"`
	Mode            string   `toml:"mode"`
	Policy          string   `toml:"policy"`
	MaxInFlight     int      `toml:"max_in_flight"`
	SpawnTimeout    string   `toml:"spawn_timeout"`
	CallTimeout     string   `toml:"call_timeout"`
	CallbackTimeout string   `toml:"callback_timeout"`
	StreamBuffer    int      `toml:"stream_buffer"`
	DegradeAfter    int      `toml:"degrade_after"`
	Respawn         *bool    `toml:"respawn"`
	LogDir          string   `toml:"log_dir"`
	LogLevel        string   `toml:"log_level"`
	StateDir        string   `toml:"state_dir"`
	RuntimeFile     string   `toml:"runtime_file"`
	LoadThreshold   float64  `toml:"load_threshold"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.starpool/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".starpool", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setInt("workers", fc.Workers, &cfg.Size)
	s.setStrings("executable", fc.Executables, &cfg.Executables)
	s.setString("module", fc.Module, &cfg.ModulePath)
	s.setString("function", fc.Function, &cfg.Function)
	s.setString("mode", fc.Mode, &cfg.Mode)
	s.setString("policy", fc.Policy, &cfg.Policy)
	s.setString("log-dir", fc.LogDir, &cfg.LogDir)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("runtime-file", fc.RuntimeFile, &cfg.RuntimeFile)

	if err := s.setDuration("spawn-timeout", fc.SpawnTimeout, &cfg.SpawnTimeout); err != nil {
		return err
	}
	if err := s.setDuration("timeout", fc.CallTimeout, &cfg.CallTimeout); err != nil {
		return err
	}
	if err := s.setDuration("callback-timeout", fc.CallbackTimeout, &cfg.CallbackTimeout); err != nil {
		return err
	}

	s.setInt("max-in-flight", fc.MaxInFlight, &cfg.MaxInFlight)
	s.setInt("stream-buffer", fc.StreamBuffer, &cfg.StreamBuffer)
	s.setInt("degrade-after", fc.DegradeAfter, &cfg.DegradeAfter)

	s.setFloat("load-threshold", fc.LoadThreshold, &cfg.LoadThreshold)
	s.setBool("respawn", fc.Respawn, &cfg.Respawn)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
