package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Server.Env != "development" {
		t.Errorf("env = %q, want development", cfg.Server.Env)
	}
	if cfg.Cache.Capacity != 1000 {
		t.Errorf("cache capacity = %d, want 1000", cfg.Cache.Capacity)
	}
	if cfg.Scheduler.SyncIntervalSeconds != 30 {
		t.Errorf("sync interval = %d, want 30", cfg.Scheduler.SyncIntervalSeconds)
	}
	if cfg.Executor.Kind != "simulated" {
		t.Errorf("executor kind = %q, want simulated", cfg.Executor.Kind)
	}
}

func TestLoad_JSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	raw := `{
	// comments and trailing commas are fine
	server: {
		port: 8080,
		env: "production",
		allowedOrigins: ["https://app.example.com"],
	},
	database: { url: "postgres://localhost/chronod" },
	log: { level: "debug" },
	alerts: {
		webhook: "https://hooks.example/default",
		rules: [
			{ name: "timeouts", when: 'execution.status == "timeout"' },
		],
	},
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if !cfg.Production() {
		t.Error("Production() = false, want true")
	}
	if cfg.Database.URL != "postgres://localhost/chronod" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if len(cfg.Alerts.Rules) != 1 || cfg.Alerts.Rules[0].Name != "timeouts" {
		t.Errorf("alert rules = %+v, want one timeouts rule", cfg.Alerts.Rules)
	}
	// defaults survive for unset sections
	if cfg.Cache.Capacity != 1000 {
		t.Errorf("cache capacity = %d, want default 1000", cfg.Cache.Capacity)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json5")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DB_CONNECTION_STRING", "postgres://env/db")
	t.Setenv("PORT", "4100")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TIMEZONE", "Asia/Kolkata")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := Default()
	cfg.Database.URL = "postgres://file/db"
	cfg.ApplyEnvOverrides()

	if cfg.Database.URL != "postgres://env/db" {
		t.Errorf("database url = %q, env must win over file", cfg.Database.URL)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.JWTSecret != "s3cret" {
		t.Errorf("jwt secret = %q", cfg.Server.JWTSecret)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("allowed origins = %v, want trimmed pair", cfg.Server.AllowedOrigins)
	}
	if cfg.Cache.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Cache.RedisURL)
	}
	if cfg.LogLevel() != slog.LevelWarn {
		t.Errorf("log level = %v, want warn", cfg.LogLevel())
	}
}

func TestApplyEnvOverrides_BadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	cfg := Default()
	cfg.ApplyEnvOverrides()
	if cfg.Server.Port != 3000 {
		t.Errorf("port = %d, invalid PORT must keep the default", cfg.Server.Port)
	}
}

func TestResolveSecrets_Keyring(t *testing.T) {
	keyring.MockInit()
	if err := keyring.Set("chronod", "db", "postgres://secret/db"); err != nil {
		t.Fatalf("keyring set: %v", err)
	}

	cfg := Default()
	cfg.Database.URL = "keyring:chronod/db"
	cfg.Server.JWTSecret = "plain-secret"
	if err := cfg.ResolveSecrets(); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if cfg.Database.URL != "postgres://secret/db" {
		t.Errorf("database url = %q, want keyring value", cfg.Database.URL)
	}
	if cfg.Server.JWTSecret != "plain-secret" {
		t.Errorf("jwt secret = %q, plain values must pass through", cfg.Server.JWTSecret)
	}
}

func TestResolveSecrets_BadReference(t *testing.T) {
	for _, ref := range []string{"keyring:", "keyring:only-service", "keyring:/key"} {
		cfg := Default()
		cfg.Server.JWTSecret = ref
		if err := cfg.ResolveSecrets(); err == nil {
			t.Errorf("ResolveSecrets(%q) = nil, want error", ref)
		}
	}
}

func TestLogJSON(t *testing.T) {
	tests := []struct {
		env    string
		format string
		want   bool
	}{
		{"development", "", false},
		{"production", "", true},
		{"production", "text", false},
		{"development", "json", true},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Server.Env = tt.env
		cfg.Log.Format = tt.format
		if got := cfg.LogJSON(); got != tt.want {
			t.Errorf("LogJSON(env=%s format=%s) = %v, want %v", tt.env, tt.format, got, tt.want)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.Server.Port = 9000
	cfg.Database.URL = "postgres://localhost/roundtrip"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Server.Port != 9000 || got.Database.URL != cfg.Database.URL {
		t.Errorf("round trip lost values: %+v", got.Server)
	}
}
