package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (STARPOOL_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setListFromString("executable", os.Getenv("STARPOOL_EXECUTABLES"), &cfg.Executables)
	s.setString("module", os.Getenv("STARPOOL_MODULE"), &cfg.ModulePath)
	s.setString("function", os.Getenv("STARPOOL_FUNCTION"), &cfg.Function)
	s.setString("mode", os.Getenv("STARPOOL_MODE"), &cfg.Mode)
	s.setString("policy", os.Getenv("STARPOOL_POLICY"), &cfg.Policy)
	s.setString("log-dir", os.Getenv("STARPOOL_LOG_DIR"), &cfg.LogDir)
	s.setString("log-level", os.Getenv("STARPOOL_LOG_LEVEL"), &cfg.LogLevel)
	s.setString("state-dir", os.Getenv("STARPOOL_STATE_DIR"), &cfg.StateDir)
	s.setString("runtime-file", os.Getenv("STARPOOL_RUNTIME_FILE"), &cfg.RuntimeFile)

	if err := s.setDuration("spawn-timeout", os.Getenv("STARPOOL_SPAWN_TIMEOUT"), &cfg.SpawnTimeout); err != nil {
		return err
	}
	if err := s.setDuration("timeout", os.Getenv("STARPOOL_CALL_TIMEOUT"), &cfg.CallTimeout); err != nil {
		return err
	}
	if err := s.setDuration("callback-timeout", os.Getenv("STARPOOL_CALLBACK_TIMEOUT"), &cfg.CallbackTimeout); err != nil {
		return err
	}

	if err := s.setIntFromString("workers", os.Getenv("STARPOOL_WORKERS"), &cfg.Size); err != nil {
		return err
	}
	if err := s.setIntFromString("max-in-flight", os.Getenv("STARPOOL_MAX_IN_FLIGHT"), &cfg.MaxInFlight); err != nil {
		return err
	}
	if err := s.setIntFromString("stream-buffer", os.Getenv("STARPOOL_STREAM_BUFFER"), &cfg.StreamBuffer); err != nil {
		return err
	}
	if err := s.setIntFromString("degrade-after", os.Getenv("STARPOOL_DEGRADE_AFTER"), &cfg.DegradeAfter); err != nil {
		return err
	}

	if err := s.setFloatFromString("load-threshold", os.Getenv("STARPOOL_LOAD_THRESHOLD"), &cfg.LoadThreshold); err != nil {
		return err
	}

	s.setBoolFromString("respawn", os.Getenv("STARPOOL_RESPAWN"), &cfg.Respawn)

	return nil
}
