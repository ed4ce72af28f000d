// Package config loads server configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ComponentSpec is one entry of the `components` configuration map: a
// component name mapped to the module it loads plus its freeform spec.
type ComponentSpec struct {
	Module    string                 `yaml:"module"`
	Providers []string               `yaml:"providers"`
	Spec      map[string]interface{} `yaml:"spec"`
}

// Config holds all server configuration from environment variables, plus
// an optional YAML components file. Mutable fields are protected by an
// RWMutex and accessed via getter/setter methods, since the lifecycle
// supervisor reads them from one goroutine while an admin HTTP handler
// may write them from another.
type Config struct {
	// HTTP surface
	HTTPPort   int
	HTTPSecure bool
	CertPath   string
	KeyPath    string

	// Data store (document database)
	DatabaseConnectionString string
	DatabaseName             string

	// Logging
	LoggerConsole bool
	LoggerLogDir  string
	LoggerLevel   string

	// State store
	StateDir string

	// Identity bootstrap: no hard-coded default password is accepted.
	BootstrapPassword string

	// Token service
	TokenRotationInterval time.Duration
	OperatorTokenTTL      time.Duration
	AgentTokenTTL         time.Duration

	// Session manager
	HeartbeatInterval time.Duration

	// Instance reporter
	InstanceReportInterval time.Duration

	// Components, keyed by component name.
	Components map[string]ComponentSpec

	// mu protects the mutable runtime fields below.
	mu               sync.RWMutex
	instanceReportIv time.Duration
}

// Load reads all configuration from environment variables, applying
// documented defaults. ComponentsFile, if non-empty, is parsed as YAML and
// its entries fill the Components map; no components are read from
// environment variables, so the file is the only source of that map.
func Load(componentsFile string) (*Config, error) {
	cfg := &Config{
		HTTPPort:                  envInt("MORRIGAN_HTTP_PORT", 3000),
		HTTPSecure:                envBool("MORRIGAN_HTTP_SECURE", false),
		CertPath:                  envStr("MORRIGAN_HTTP_CERT_PATH", ""),
		KeyPath:                   envStr("MORRIGAN_HTTP_KEY_PATH", ""),
		DatabaseConnectionString:  envStr("MORRIGAN_DATABASE_CONNECTION_STRING", ""),
		DatabaseName:              envStr("MORRIGAN_DATABASE_DBNAME", "test"),
		LoggerConsole:             envBool("MORRIGAN_LOGGER_CONSOLE", true),
		LoggerLogDir:              envStr("MORRIGAN_LOGGER_LOGDIR", ""),
		LoggerLevel:               envStr("MORRIGAN_LOGGER_LEVEL", "info"),
		StateDir:                  envStr("MORRIGAN_STATE_DIR", "/morrigan.server/state"),
		BootstrapPassword:         envStr("MORRIGAN_BOOTSTRAP_PASSWORD", ""),
		TokenRotationInterval:     envDuration("MORRIGAN_TOKEN_ROTATION_INTERVAL", 6*time.Hour),
		OperatorTokenTTL:          envDuration("MORRIGAN_OPERATOR_TOKEN_TTL", 30*time.Minute),
		AgentTokenTTL:             envDuration("MORRIGAN_AGENT_TOKEN_TTL", 30*24*time.Hour),
		HeartbeatInterval:         envDuration("MORRIGAN_HEARTBEAT_INTERVAL", 30*time.Second),
		InstanceReportInterval:    envDuration("MORRIGAN_INSTANCE_REPORT_INTERVAL", 30*time.Second),
		Components:                map[string]ComponentSpec{},
	}
	cfg.instanceReportIv = cfg.InstanceReportInterval

	if componentsFile != "" {
		raw, err := os.ReadFile(componentsFile)
		if err != nil {
			return nil, fmt.Errorf("read components file: %w", err)
		}
		var parsed map[string]ComponentSpec
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("parse components file: %w", err)
		}
		for name, spec := range parsed {
			cfg.Components[name] = spec
		}
	}

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("MORRIGAN_HTTP_PORT must be a valid port, got %d", c.HTTPPort))
	}
	if c.HTTPSecure {
		if c.CertPath == "" || c.KeyPath == "" {
			errs = append(errs, fmt.Errorf("MORRIGAN_HTTP_CERT_PATH and MORRIGAN_HTTP_KEY_PATH are required when MORRIGAN_HTTP_SECURE is true"))
		} else {
			if _, err := os.Stat(c.CertPath); err != nil {
				errs = append(errs, fmt.Errorf("cert file %s: %w", c.CertPath, err))
			}
			if _, err := os.Stat(c.KeyPath); err != nil {
				errs = append(errs, fmt.Errorf("key file %s: %w", c.KeyPath, err))
			}
		}
	}
	return errors.Join(errs...)
}

// DatabaseNameIsDefault reports whether the database name is still the
// unconfigured default, so the caller can log a warning.
func (c *Config) DatabaseNameIsDefault() bool {
	return c.DatabaseName == "test"
}

// Values returns all configuration as a string map for display/logging.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"MORRIGAN_HTTP_PORT":                   strconv.Itoa(c.HTTPPort),
		"MORRIGAN_HTTP_SECURE":                 fmt.Sprintf("%t", c.HTTPSecure),
		"MORRIGAN_DATABASE_DBNAME":              c.DatabaseName,
		"MORRIGAN_LOGGER_CONSOLE":               fmt.Sprintf("%t", c.LoggerConsole),
		"MORRIGAN_LOGGER_LOGDIR":                c.LoggerLogDir,
		"MORRIGAN_LOGGER_LEVEL":                 c.LoggerLevel,
		"MORRIGAN_STATE_DIR":                    c.StateDir,
		"MORRIGAN_TOKEN_ROTATION_INTERVAL":      c.TokenRotationInterval.String(),
		"MORRIGAN_OPERATOR_TOKEN_TTL":           c.OperatorTokenTTL.String(),
		"MORRIGAN_AGENT_TOKEN_TTL":              c.AgentTokenTTL.String(),
		"MORRIGAN_HEARTBEAT_INTERVAL":           c.HeartbeatInterval.String(),
		"MORRIGAN_INSTANCE_REPORT_INTERVAL":     c.InstanceReportInterval.String(),
		"MORRIGAN_COMPONENTS":                   strings.Join(componentNames(c.Components), ","),
	}
}

func componentNames(m map[string]ComponentSpec) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// InstanceReportIntervalRuntime returns the current instance-report
// interval (thread-safe); distinguished from the static field because the
// lifecycle supervisor may tune it after a config reload.
func (c *Config) InstanceReportIntervalRuntime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceReportIv
}

// SetInstanceReportInterval updates the instance-report interval at runtime.
func (c *Config) SetInstanceReportInterval(d time.Duration) {
	c.mu.Lock()
	c.instanceReportIv = d
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
