package cliconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/starpool/pkg/interp"
	"github.com/bft-labs/starpool/pkg/pool"
)

// Config holds CLI configuration for starpool.
type Config struct {
	Size        int
	Executables []string

	ModulePath string
	Function   string
	Mode       string

	Policy      string
	MaxInFlight int

	SpawnTimeout    time.Duration
	CallTimeout     time.Duration
	CallbackTimeout time.Duration

	StreamBuffer int
	DegradeAfter int
	Respawn      bool

	LogDir      string
	LogLevel    string
	StateDir    string
	RuntimeFile string

	// LoadThreshold enables resource gating in serve when positive.
	LoadThreshold float64
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	d := pool.DefaultConfig()
	return Config{
		Size:            d.Size,
		Mode:            interp.ModeSync.String(),
		Policy:          d.Policy.String(),
		SpawnTimeout:    d.SpawnTimeout,
		CallTimeout:     d.CallTimeout,
		CallbackTimeout: d.CallbackTimeout,
		StreamBuffer:    d.StreamBuffer,
		LogLevel:        d.LogLevel,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ModulePath == "" {
		return fmt.Errorf("module is required")
	}
	if c.Function == "" {
		return fmt.Errorf("function is required")
	}
	if c.Size <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if _, err := interp.ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := pool.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	if c.LoadThreshold < 0 {
		return fmt.Errorf("load threshold must not be negative")
	}
	return nil
}

// PoolConfig converts c into a library configuration. c must be valid.
func (c *Config) PoolConfig() (pool.Config, error) {
	mode, err := interp.ParseMode(c.Mode)
	if err != nil {
		return pool.Config{}, err
	}
	policy, err := pool.ParsePolicy(c.Policy)
	if err != nil {
		return pool.Config{}, err
	}

	pc := pool.DefaultConfig()
	pc.Size = c.Size
	pc.Executables = c.Executables
	pc.ModulePath = c.ModulePath
	pc.Function = c.Function
	pc.Mode = mode
	pc.Policy = policy
	pc.MaxInFlight = c.MaxInFlight
	pc.SpawnTimeout = c.SpawnTimeout
	pc.CallTimeout = c.CallTimeout
	pc.CallbackTimeout = c.CallbackTimeout
	pc.StreamBuffer = c.StreamBuffer
	pc.DegradeAfter = c.DegradeAfter
	pc.Respawn.Enabled = c.Respawn
	pc.LogDir = c.LogDir
	pc.LogLevel = c.LogLevel
	pc.StateDir = c.StateDir
	pc.SetDefaults()
	return pc, pc.Validate()
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setStrings sets a list if not empty and flag not changed.
func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setFloat sets a float value if positive and flag not changed.
func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setFloatFromString parses a string to float64 and sets the destination.
func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = f
	return nil
}

// setListFromString splits a comma-separated list.
func (s *configSetter) setListFromString(flag, value string, dst *[]string) {
	if value == "" || s.changed[flag] {
		return
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	*dst = out
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
