package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "pricesync"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLogOutput         = "stdout"
	DefaultLogMaxSizeMB      = 100
	DefaultLogMaxAgeDays     = 7
	DefaultRestURL           = "http://localhost:8081/v1"
	DefaultUpstreamTimeout   = 10 * time.Second
	DefaultMaxRetries        = 2
	DefaultMaxAttempts       = 5
	DefaultConnectTimeout    = 10 * time.Second
	DefaultProbeTimeout      = 3 * time.Second
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultPingTimeout       = 90 * time.Second
	DefaultPollInterval      = 30 * time.Second
	DefaultPollTimeout       = 10 * time.Second
	DefaultCacheTTL          = 60 * time.Second
	DefaultStaleTTL          = 5 * time.Minute
	DefaultRedisTTL          = 5 * time.Minute
	DefaultRedisTimeout      = 500 * time.Millisecond
	DefaultDedupWindow       = 5 * time.Second
	DefaultRateLimit         = 50
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultBatchSize         = 500
	DefaultFlushInterval     = 1 * time.Second
	DefaultArchiveBufferSize = 10000
	DefaultHTTPAddr          = ":8080"
	DefaultHTTPMode          = "release"
	DefaultShutdownTimeout   = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.Output == "" {
		c.Log.Output = DefaultLogOutput
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = DefaultLogMaxAgeDays
	}

	// Upstream defaults
	if c.Upstream.RestURL == "" {
		c.Upstream.RestURL = DefaultRestURL
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = DefaultMaxRetries
	}

	// Push defaults
	if c.Push.Enabled == nil {
		c.Push.Enabled = boolPtr(true)
	}
	if c.Push.FallbackToPolling == nil {
		c.Push.FallbackToPolling = boolPtr(true)
	}
	if c.Push.MaxAttempts == 0 {
		c.Push.MaxAttempts = DefaultMaxAttempts
	}
	if c.Push.ConnectTimeout == 0 {
		c.Push.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Push.ProbeTimeout == 0 {
		c.Push.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Push.BackoffBase == 0 {
		c.Push.BackoffBase = DefaultBackoffBase
	}
	if c.Push.BackoffCap == 0 {
		c.Push.BackoffCap = DefaultBackoffCap
	}
	if c.Push.PingInterval == 0 {
		c.Push.PingInterval = DefaultPingInterval
	}
	if c.Push.PingTimeout == 0 {
		c.Push.PingTimeout = DefaultPingTimeout
	}

	// Polling defaults
	if c.Polling.Interval == 0 {
		c.Polling.Interval = DefaultPollInterval
	}
	if c.Polling.Timeout == 0 {
		c.Polling.Timeout = DefaultPollTimeout
	}

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.StaleTTL == 0 {
		c.Cache.StaleTTL = DefaultStaleTTL
	}
	if c.Cache.Redis.TTL == 0 {
		c.Cache.Redis.TTL = DefaultRedisTTL
	}
	if c.Cache.Redis.Timeout == 0 {
		c.Cache.Redis.Timeout = DefaultRedisTimeout
	}

	// Limits defaults
	if c.Limits.DedupWindow == 0 {
		c.Limits.DedupWindow = DefaultDedupWindow
	}
	if c.Limits.RateLimit == 0 {
		c.Limits.RateLimit = DefaultRateLimit
	}
	if c.Limits.RateLimitWindow == 0 {
		c.Limits.RateLimitWindow = DefaultRateLimitWindow
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}

	// HTTP defaults
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.Mode == "" {
		c.HTTP.Mode = DefaultHTTPMode
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

func boolPtr(b bool) *bool {
	return &b
}
