// Package config loads bansheed's configuration from the environment,
// following the teacher's koanf + env.Provider + "_FILE" secret-injection
// pattern: defaults loaded first, environment overrides them, then any
// _FILE-suffixed variable's file contents override the plain value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds bansheed's full runtime configuration: the control channel,
// the Observer's cadence knobs, storage location, the default per-jail
// ban-time escalation policy, and the ambient logging/metrics surface.
type Config struct {
	// Control channel
	SocketPath   string `koanf:"socket_path"`
	SocketForce  bool   `koanf:"socket_force"`
	ClientVerbosity int `koanf:"client_verbosity"`

	// Observer cadence
	ObserverSleepTime   time.Duration `koanf:"observer_sleep_time"`
	DBPurgeInterval     time.Duration `koanf:"db_purge_interval"`
	DBPurgeAge          time.Duration `koanf:"db_purge_age"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Jails: names of the jails bansheed manages at startup. The Default*
	// fields below apply to every jail; "set <jail> <key> <value>" over the
	// control channel changes only a jail's "alive" flag, so there are no
	// per-jail bantime or maxretry overrides.
	Jails []string `koanf:"jails"`

	DefaultBanTime     time.Duration `koanf:"default_ban_time"`
	DefaultMaxRetry    int           `koanf:"default_max_retry"`
	DefaultFindTime    time.Duration `koanf:"default_find_time"`
	DefaultIncrement   bool          `koanf:"default_increment"`
	DefaultMaxTime     time.Duration `koanf:"default_max_time"`
	DefaultRndTime     time.Duration `koanf:"default_rnd_time"`
	DefaultFactor      float64       `koanf:"default_factor"`
	DefaultMultipliers []string      `koanf:"default_multipliers"`
	DefaultFormula     string        `koanf:"default_formula"`
	DefaultOverallJails bool         `koanf:"default_overall_jails"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	LogFile        string `koanf:"log_file"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`

	// Action execution: ban/unban decisions are enqueued to a bounded worker
	// pool that shells out to these command templates ({ip} and {jail} are
	// substituted). Empty means log-only, no real enforcement backend.
	BanCommand       string        `koanf:"ban_command"`
	UnbanCommand     string        `koanf:"unban_command"`
	ActionWorkers    int           `koanf:"action_workers"`
	ActionQueueDepth int           `koanf:"action_queue_depth"`
	ActionMaxRetries int           `koanf:"action_max_retries"`
	ActionRetryBase  time.Duration `koanf:"action_retry_base"`
}

// Multipliers parses DefaultMultipliers into float64s, per spec §4.5.
func (c *Config) Multipliers() ([]float64, error) {
	if len(c.DefaultMultipliers) == 0 {
		return nil, nil
	}
	out := make([]float64, 0, len(c.DefaultMultipliers))
	for _, s := range c.DefaultMultipliers {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid multiplier %q: %w", s, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Config) sanitise() {
	c.SocketPath = stripEnvQuotes(c.SocketPath)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.DefaultFormula = stripEnvQuotes(c.DefaultFormula)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.LogFile = stripEnvQuotes(c.LogFile)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.BanCommand = stripEnvQuotes(c.BanCommand)
	c.UnbanCommand = stripEnvQuotes(c.UnbanCommand)
	for i, s := range c.Jails {
		c.Jails[i] = stripEnvQuotes(s)
	}
	for i, s := range c.DefaultMultipliers {
		c.DefaultMultipliers[i] = stripEnvQuotes(s)
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or
// double quotes, normalising values set via Docker --env-file (which does
// not strip shell quoting). Only symmetric pairs are stripped.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"socket_path":           "/var/run/banshee/banshee.sock",
		"socket_force":          false,
		"client_verbosity":      1,
		"observer_sleep_time":   "60s",
		"db_purge_interval":     "3600s",
		"db_purge_age":          "86400s",
		"data_dir":              "/var/lib/banshee",
		"jails":                 "sshd",
		"default_ban_time":      "600s",
		"default_max_retry":     5,
		"default_find_time":     "600s",
		"default_increment":     true,
		"default_max_time":      "86400s",
		"default_rnd_time":      "0s",
		"default_factor":        1.0,
		"default_overall_jails": false,
		"log_level":             "info",
		"log_format":            "json",
		"metrics_enabled":       true,
		"metrics_addr":          ":9090",
		"action_workers":        4,
		"action_queue_depth":    4096,
		"action_max_retries":    3,
		"action_retry_base":     "1s",
	}
}

// Load reads configuration from environment variables, applying _FILE
// secret injection (none of banshee's own fields are secrets today, but
// the mechanism is kept so a jail action plugin can use it later).
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Jails = splitCSV(k.String("jails"))
	cfg.DefaultMultipliers = splitCSV(k.String("default_multipliers"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("SOCKET_PATH is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if len(c.Jails) == 0 {
		return fmt.Errorf("JAILS must name at least one jail")
	}
	if c.DefaultMaxRetry < 1 {
		return fmt.Errorf("DEFAULT_MAX_RETRY must be >= 1; got %d", c.DefaultMaxRetry)
	}
	if c.DefaultFindTime <= 0 {
		return fmt.Errorf("DEFAULT_FIND_TIME must be > 0; got %s", c.DefaultFindTime)
	}
	if c.DefaultMaxTime <= 0 {
		return fmt.Errorf("DEFAULT_MAX_TIME must be > 0; got %s", c.DefaultMaxTime)
	}
	if c.DefaultRndTime < 0 {
		return fmt.Errorf("DEFAULT_RND_TIME must be >= 0; got %s", c.DefaultRndTime)
	}
	if _, err := c.Multipliers(); err != nil {
		return fmt.Errorf("DEFAULT_MULTIPLIERS: %w", err)
	}
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}
	if c.ObserverSleepTime <= 0 {
		return fmt.Errorf("OBSERVER_SLEEP_TIME must be > 0; got %s", c.ObserverSleepTime)
	}
	if c.DBPurgeInterval <= 0 {
		return fmt.Errorf("DB_PURGE_INTERVAL must be > 0; got %s", c.DBPurgeInterval)
	}
	if c.ActionWorkers < 1 || c.ActionWorkers > 64 {
		return fmt.Errorf("ACTION_WORKERS must be 1-64; got %d", c.ActionWorkers)
	}
	if c.ActionQueueDepth < 1 {
		return fmt.Errorf("ACTION_QUEUE_DEPTH must be > 0; got %d", c.ActionQueueDepth)
	}
	if c.ActionMaxRetries < 0 {
		return fmt.Errorf("ACTION_MAX_RETRIES must be >= 0; got %d", c.ActionMaxRetries)
	}
	return nil
}

var fileSecretKeys []string // none today; mechanism retained for future jail-action secrets

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

func (r *rawProvider) Read() (map[string]interface{}, error) { return r.data, nil }

func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
