package config

import "time"

// Config is the root configuration for a pricesync instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Push     PushConfig     `yaml:"push"`
	Polling  PollingConfig  `yaml:"polling"`
	Cache    CacheConfig    `yaml:"cache"`
	Limits   LimitsConfig   `yaml:"limits"`
	Archive  ArchiveConfig  `yaml:"archive"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	Output     string `yaml:"output"` // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// UpstreamConfig holds quote provider pull settings.
type UpstreamConfig struct {
	RestURL           string        `yaml:"rest_url"`
	APIKey            string        `yaml:"api_key"`     // Bearer token
	KeyID             string        `yaml:"key_id"`      // HMAC key ID (X-API-KEY header)
	SecretPath        string        `yaml:"secret_path"` // Path to HMAC secret file
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unpaced
	Burst             int           `yaml:"burst"`
}

// PushConfig holds push transport settings.
type PushConfig struct {
	URL               string        `yaml:"url"`
	Enabled           *bool         `yaml:"enabled"`
	FallbackToPolling *bool         `yaml:"fallback_to_polling"`
	MaxAttempts       int           `yaml:"max_attempts"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
}

// IsEnabled reports whether the push transport is used.
func (p PushConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// FallsBack reports whether persistent push failure starts polling.
func (p PushConfig) FallsBack() bool {
	return p.FallbackToPolling == nil || *p.FallbackToPolling
}

// PollingConfig holds pull scheduler settings.
type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CacheConfig holds quote cache settings.
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	StaleTTL time.Duration `yaml:"stale_ttl"`
	Redis    RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the optional quote mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LimitsConfig holds request deduplication and rate limiting.
type LimitsConfig struct {
	DedupWindow     time.Duration `yaml:"dedup_window"`
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

// ArchiveConfig holds the quote archive writer.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HTTPConfig holds the status and query API.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	Mode            string        `yaml:"mode"` // gin mode: debug, release, test
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}
