// Package config loads chronod's configuration: a JSON5 file, environment
// overrides on top, and keyring references for secret values. The contract
// environment variables always win over the file so container deployments
// need no config file at all.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"github.com/zalando/go-keyring"
)

// EnvConfigPath points at the config file when --config is not given.
const EnvConfigPath = "CHRONOD_CONFIG"

// FileName is the canonical config file name.
const FileName = "chronod.json5"

// Config is the full runtime configuration.
type Config struct {
	Database  Database  `json:"database"`
	Server    Server    `json:"server"`
	Log       Log       `json:"log"`
	Cache     Cache     `json:"cache"`
	Scheduler Scheduler `json:"scheduler"`
	Executor  Executor  `json:"executor"`
	Alerts    Alerts    `json:"alerts"`
	Tracing   Tracing   `json:"tracing"`
	Tailscale Tailscale `json:"tailscale"`
}

// Database holds the PostgreSQL connection settings.
type Database struct {
	// URL is the DSN. Env: DB_CONNECTION_STRING. Supports keyring refs.
	URL string `json:"url"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port int `json:"port"` // env PORT

	// Env is "development" or "production"; production hides stack traces
	// and switches logs to JSON. Env: NODE_ENV.
	Env string `json:"env"`

	// JWTSecret enables bearer auth when non-empty. Env: JWT_SECRET.
	// Supports keyring refs.
	JWTSecret string `json:"jwtSecret"`

	// AllowedOrigins is the CORS allow list. Env: ALLOWED_ORIGINS
	// (comma-separated). "*" allows any origin.
	AllowedOrigins []string `json:"allowedOrigins"`

	// Timezone is informational; cadence arithmetic is fixed to
	// Asia/Kolkata regardless. Env: TIMEZONE.
	Timezone string `json:"timezone"`

	// MaxConns caps concurrent accepted connections.
	MaxConns int `json:"maxConns"`
}

// Log holds logging settings.
type Log struct {
	Level  string `json:"level"`  // debug|info|warn|error; env LOG_LEVEL
	Format string `json:"format"` // text|json; empty derives from Server.Env
}

// Cache holds the response cache settings.
type Cache struct {
	Capacity int `json:"capacity"`

	// RedisURL enables the cross-replica invalidation broadcast. Empty
	// disables it silently. Env: REDIS_URL.
	RedisURL string `json:"redisUrl"`
}

// Scheduler holds scheduler tuning.
type Scheduler struct {
	SyncIntervalSeconds  int `json:"syncIntervalSeconds"`
	ExecutionConcurrency int `json:"executionConcurrency"`
}

// Executor selects the execution engine.
type Executor struct {
	// Kind is simulated (default), script, command, or auto. Auto routes
	// by payload shape: a "script" field runs in the JS engine, a
	// "command" field runs as a subprocess, anything else simulates.
	Kind string `json:"kind"`

	// FailureRate injects random failures into the simulated executor,
	// 0.0-1.0. Useful for exercising retries and alerting.
	FailureRate float64 `json:"failureRate"`
}

// Alerts configures failure alerting.
type Alerts struct {
	// Webhook is the default Slack webhook. Supports keyring refs.
	Webhook string      `json:"webhook"`
	Rules   []AlertRule `json:"rules"`
}

// AlertRule routes a subset of failures; When is a CEL expression.
type AlertRule struct {
	Name    string `json:"name"`
	When    string `json:"when"`
	Webhook string `json:"webhook,omitempty"`
}

// Tracing configures the OTLP exporter (only used by otel-tagged builds).
type Tracing struct {
	Endpoint string            `json:"endpoint"`
	Protocol string            `json:"protocol"`
	Insecure bool              `json:"insecure"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Tailscale configures the optional tailnet listener (only used by
// tsnet-tagged builds). Empty Hostname disables it.
type Tailscale struct {
	Hostname string `json:"hostname"` // env CHRONOD_TSNET_HOSTNAME

	// AuthKey joins the tailnet on first start. Supports keyring refs.
	AuthKey   string `json:"authKey"` // env CHRONOD_TSNET_AUTHKEY
	Ephemeral bool   `json:"ephemeral"`
	StateDir  string `json:"stateDir"`
	EnableTLS bool   `json:"enableTls"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:     3000,
			Env:      "development",
			MaxConns: 512,
		},
		Log: Log{Level: "info"},
		Cache: Cache{
			Capacity: 1000,
		},
		Scheduler: Scheduler{
			SyncIntervalSeconds:  30,
			ExecutionConcurrency: 64,
		},
		Executor: Executor{Kind: "simulated"},
	}
}

// DefaultPath returns the first config file that exists: ./chronod.json5,
// then ~/.config/chronod/chronod.json5. Empty when neither does.
func DefaultPath() string {
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "chronod", FileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load parses the JSON5 file at path over the defaults. An empty path
// returns pure defaults. Environment overrides are NOT applied here; use
// LoadResolved for the full chain.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json5.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadResolved is the boot path: file, then environment, then keyring
// resolution.
func LoadResolved(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.ResolveSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON (valid JSON5), creating parent
// directories. Used by the init wizard.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides layers the contract environment variables over the
// loaded file. Empty variables leave the file value alone.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DB_CONNECTION_STRING"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			c.Server.Port = port
		} else {
			slog.Warn("config: ignoring invalid PORT", "value", v)
		}
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		c.Server.Timezone = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.Server.AllowedOrigins = origins
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CHRONOD_TSNET_HOSTNAME"); v != "" {
		c.Tailscale.Hostname = v
	}
	if v := os.Getenv("CHRONOD_TSNET_AUTHKEY"); v != "" {
		c.Tailscale.AuthKey = v
	}
}

// ResolveSecrets replaces keyring:<service>/<key> references in secret
// fields with the stored values.
func (c *Config) ResolveSecrets() error {
	var err error
	if c.Database.URL, err = resolveKeyring(c.Database.URL); err != nil {
		return err
	}
	if c.Server.JWTSecret, err = resolveKeyring(c.Server.JWTSecret); err != nil {
		return err
	}
	if c.Alerts.Webhook, err = resolveKeyring(c.Alerts.Webhook); err != nil {
		return err
	}
	for i := range c.Alerts.Rules {
		if c.Alerts.Rules[i].Webhook, err = resolveKeyring(c.Alerts.Rules[i].Webhook); err != nil {
			return err
		}
	}
	if c.Tailscale.AuthKey, err = resolveKeyring(c.Tailscale.AuthKey); err != nil {
		return err
	}
	return nil
}

func resolveKeyring(v string) (string, error) {
	ref, ok := strings.CutPrefix(v, "keyring:")
	if !ok {
		return v, nil
	}
	service, key, ok := strings.Cut(ref, "/")
	if !ok || service == "" || key == "" {
		return "", fmt.Errorf("config: keyring reference %q must be keyring:<service>/<key>", v)
	}
	secret, err := keyring.Get(service, key)
	if err != nil {
		return "", fmt.Errorf("config: keyring %s/%s: %w", service, key, err)
	}
	return secret, nil
}

// Production reports whether the server runs with production hardening.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// LogLevel parses Log.Level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJSON reports whether logs should be JSON: explicit log.format wins,
// otherwise production implies JSON.
func (c *Config) LogJSON() bool {
	switch strings.ToLower(c.Log.Format) {
	case "json":
		return true
	case "text":
		return false
	default:
		return c.Production()
	}
}
