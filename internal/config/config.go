// Package config resolves environment-driven configuration for the
// orbitmail core: a single struct of tuned defaults, overridable from
// the environment at process start.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the resolved runtime configuration for a single orbitmail
// process.
type Config struct {
	// DataDir holds the SQLite database and migration state.
	DataDir string
	// CacheDir holds rewritten inline-image assets for the current run.
	CacheDir string

	// GoogleClientID / GoogleClientSecret authenticate the refresh-token
	// exchange against Google's OAuth2 token endpoint. OAuth's
	// interactive consent flow and credential provisioning remain an
	// external collaborator; this process only ever sees these two
	// values and a long-lived refresh token.
	GoogleClientID     string
	GoogleClientSecret string

	// PollInterval is resolved from ORBITMAIL_POLL_INTERVAL (default
	// 180s) but is not passed to the Poll Loop, which always ticks at
	// poll.Interval.
	PollInterval time.Duration
	// IdleBaseBackoff / IdleMaxBackoff bound the IDLE reconnect backoff.
	IdleBaseBackoff time.Duration
	IdleMaxBackoff  time.Duration
	// BodyCacheCapacity is the in-memory LRU body cache size.
	BodyCacheCapacity int
	// PrefetchQueueCapacity is resolved from
	// ORBITMAIL_PREFETCH_QUEUE_CAPACITY (default 25) but is not passed to
	// the Prefetch Queue, which is always bounded by prefetch.MaxLength.
	PrefetchQueueCapacity int
	// PrefetchConcurrency caps concurrent body fetches across
	// foreground reads and background prefetch. This is also the knob
	// that drives DB connection pool sizing: it is the only part of
	// this single-account, single-mailbox core whose concurrency scales
	// at runtime (the sync engine, IDLE coordinator, and poll loop each
	// hold exactly one connection's worth of ambient traffic).
	PrefetchConcurrency int
	// DBCheckpointInterval is how often the WAL checkpoint routine
	// merges the write-ahead log back into the main database file.
	DBCheckpointInterval time.Duration
}

// Load resolves configuration from the environment, falling back to the
// documented defaults for anything unset.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	cfg := &Config{
		DataDir:               envOr("ORBITMAIL_DATA_DIR", filepath.Join(home, ".orbitmail")),
		CacheDir:               envOr("ORBITMAIL_CACHE_DIR", filepath.Join(os.TempDir(), "orbitmail_inline")),
		GoogleClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		PollInterval:          envDuration("ORBITMAIL_POLL_INTERVAL", 180*time.Second),
		IdleBaseBackoff:       envDuration("ORBITMAIL_IDLE_BASE_BACKOFF", 2*time.Second),
		IdleMaxBackoff:        envDuration("ORBITMAIL_IDLE_MAX_BACKOFF", 60*time.Second),
		BodyCacheCapacity:     envInt("ORBITMAIL_BODY_CACHE_CAPACITY", 50),
		PrefetchQueueCapacity: envInt("ORBITMAIL_PREFETCH_QUEUE_CAPACITY", 25),
		PrefetchConcurrency:   envInt("ORBITMAIL_PREFETCH_CONCURRENCY", 3),
		DBCheckpointInterval:  envDuration("ORBITMAIL_DB_CHECKPOINT_INTERVAL", 5*time.Minute),
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabasePath returns the path to the SQLite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "orbitmail.db")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
