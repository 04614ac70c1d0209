package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: pricesync-test
upstream:
  rest_url: https://quotes.example.com/v1
  requests_per_second: 5
push:
  url: wss://quotes.example.com/ws
  enabled: false
cache:
  ttl: 30s
  redis:
    addr: localhost:6379
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "pricesync-test" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "pricesync-test")
	}
	if cfg.Upstream.RestURL != "https://quotes.example.com/v1" {
		t.Errorf("Upstream.RestURL = %q, want %q", cfg.Upstream.RestURL, "https://quotes.example.com/v1")
	}
	if cfg.Upstream.RequestsPerSecond != 5 {
		t.Errorf("Upstream.RequestsPerSecond = %v, want 5", cfg.Upstream.RequestsPerSecond)
	}
	if cfg.Push.IsEnabled() {
		t.Error("Push.IsEnabled() = true, want false")
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want 30s", cfg.Cache.TTL)
	}
	if cfg.Cache.Redis.Addr != "localhost:6379" {
		t.Errorf("Cache.Redis.Addr = %q, want %q", cfg.Cache.Redis.Addr, "localhost:6379")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")

	yaml := `
archive:
  enabled: true
  database:
    host: localhost
    name: quotes
    user: pricesync
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Archive.Database.Password != "secret123" {
		t.Errorf("Archive.Database.Password = %q, want %q", cfg.Archive.Database.Password, "secret123")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := writeTempFile(t, ".env", "PRICESYNC_TEST_ENV_VAR=from-dotenv\n")
	t.Setenv("PRICESYNC_TEST_ENV_VAR", "")
	os.Unsetenv("PRICESYNC_TEST_ENV_VAR")

	if err := LoadEnvFile(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("PRICESYNC_TEST_ENV_VAR"); got != "from-dotenv" {
		t.Errorf("PRICESYNC_TEST_ENV_VAR = %q, want %q", got, "from-dotenv")
	}
}

func TestLoadEnvFileKeepsExisting(t *testing.T) {
	path := writeTempFile(t, ".env", "PRICESYNC_TEST_KEEP=from-dotenv\n")
	t.Setenv("PRICESYNC_TEST_KEEP", "from-env")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("PRICESYNC_TEST_KEEP"); got != "from-env" {
		t.Errorf("PRICESYNC_TEST_KEEP = %q, want %q", got, "from-env")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
push:
  url: wss://quotes.example.com/ws
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Instance.ID != DefaultInstanceID {
		t.Errorf("Instance.ID = %q, want default %q", cfg.Instance.ID, DefaultInstanceID)
	}
	if !cfg.Push.IsEnabled() || !cfg.Push.FallsBack() {
		t.Error("push and fallback should default to enabled")
	}
	if cfg.Push.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Push.MaxAttempts = %d, want default %d", cfg.Push.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.Polling.Interval != DefaultPollInterval {
		t.Errorf("Polling.Interval = %v, want default %v", cfg.Polling.Interval, DefaultPollInterval)
	}
	if cfg.Cache.TTL != DefaultCacheTTL {
		t.Errorf("Cache.TTL = %v, want default %v", cfg.Cache.TTL, DefaultCacheTTL)
	}
	if cfg.Limits.RateLimit != DefaultRateLimit {
		t.Errorf("Limits.RateLimit = %d, want default %d", cfg.Limits.RateLimit, DefaultRateLimit)
	}
	if cfg.Limits.DedupWindow != DefaultDedupWindow {
		t.Errorf("Limits.DedupWindow = %v, want default %v", cfg.Limits.DedupWindow, DefaultDedupWindow)
	}
	if cfg.Archive.Database.Port != DefaultDBPort {
		t.Errorf("Archive.Database.Port = %d, want default %d", cfg.Archive.Database.Port, DefaultDBPort)
	}
	if cfg.HTTP.Addr != DefaultHTTPAddr {
		t.Errorf("HTTP.Addr = %q, want default %q", cfg.HTTP.Addr, DefaultHTTPAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}
}

func validConfig() Config {
	cfg := Config{Push: PushConfig{URL: "wss://quotes.example.com/ws"}}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: `log.format must be text or json, got "xml"`,
		},
		{
			name:    "push url required when enabled",
			mutate:  func(c *Config) { c.Push.URL = "" },
			wantErr: "push.url is required",
		},
		{
			name: "push url not required when disabled",
			mutate: func(c *Config) {
				c.Push.URL = ""
				c.Push.Enabled = boolPtr(false)
			},
			wantErr: "",
		},
		{
			name:    "push url wrong scheme",
			mutate:  func(c *Config) { c.Push.URL = "https://quotes.example.com/ws" },
			wantErr: `push.url must use scheme [ws wss], got "https"`,
		},
		{
			name:    "key id required with secret",
			mutate:  func(c *Config) { c.Upstream.SecretPath = "/run/secrets/quotes" },
			wantErr: "upstream.key_id is required when upstream.secret_path is set",
		},
		{
			name:    "stale ttl shorter than ttl",
			mutate:  func(c *Config) { c.Cache.StaleTTL = time.Second },
			wantErr: "cache.stale_ttl (1s) cannot be shorter than cache.ttl (1m0s)",
		},
		{
			name: "archive password missing",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Database = DBConfig{Host: "db", Name: "q", User: "u", MaxConns: 1}
			},
			wantErr: "archive.database.password is required",
		},
		{
			name: "archive min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Database = DBConfig{Host: "db", Name: "q", User: "u", Password: "p", MaxConns: 5, MinConns: 10}
			},
			wantErr: "archive.database.min_conns (10) cannot exceed max_conns (5)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
