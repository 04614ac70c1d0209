package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	if err := validateURL("upstream.rest_url", c.Upstream.RestURL, "http", "https"); err != nil {
		return err
	}
	if c.Upstream.MaxRetries < 0 {
		return errors.New("upstream.max_retries must be >= 0")
	}
	if c.Upstream.RequestsPerSecond < 0 {
		return errors.New("upstream.requests_per_second must be >= 0")
	}
	if c.Upstream.SecretPath != "" && c.Upstream.KeyID == "" {
		return errors.New("upstream.key_id is required when upstream.secret_path is set")
	}

	if c.Push.IsEnabled() {
		if err := validateURL("push.url", c.Push.URL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.Push.MaxAttempts < 1 {
		return errors.New("push.max_attempts must be >= 1")
	}
	if c.Push.BackoffBase > c.Push.BackoffCap {
		return fmt.Errorf("push.backoff_base (%v) cannot exceed push.backoff_cap (%v)", c.Push.BackoffBase, c.Push.BackoffCap)
	}

	if c.Polling.Interval <= 0 {
		return errors.New("polling.interval must be > 0")
	}

	if c.Cache.StaleTTL < c.Cache.TTL {
		return fmt.Errorf("cache.stale_ttl (%v) cannot be shorter than cache.ttl (%v)", c.Cache.StaleTTL, c.Cache.TTL)
	}

	if c.Limits.RateLimit < 1 {
		return errors.New("limits.rate_limit must be >= 1")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use scheme %v, got %q", field, schemes, u.Scheme)
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
