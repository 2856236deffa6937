package config

import (
	"path/filepath"
	"time"
)

// Config holds runtime settings for the fieldkeeper sync engine.
//
// Fields:
//   - DataDir: directory for local stores when LocalDSN is empty.
//   - LocalDSN: sqlite DSN of the local document store.
//   - DirectoryURL: remote directory database (couchdb URL or postgres DSN).
//   - DirectoryToken: bearer token used for the directory connection.
//   - PostgresDatabase: physical database holding the logical databases of
//     postgres clusters.
//   - LongPoll: change feed wait of live replications.
//   - SettleTimeout: quiet period after which a replication counts as paused.
//   - BootTimeout: bounded wait for initial metadata at startup.
//   - RetryMin, RetryMax: replication retry backoff bounds.
//   - PollInterval: change feed poll interval of the local store.
//   - AutoActivate: activate every project discovered in a listing.
//   - LogLevel, LogFormat: logger settings ("console" or "json").
type Config struct {
	DataDir          string
	LocalDSN         string
	DirectoryURL     string
	DirectoryToken   string
	PostgresDatabase string
	LongPoll         time.Duration
	SettleTimeout    time.Duration
	BootTimeout      time.Duration
	RetryMin         time.Duration
	RetryMax         time.Duration
	PollInterval     time.Duration
	AutoActivate     bool
	LogLevel         string
	LogFormat        string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = "./fieldkeeper-data"
	c.LocalDSN = ""
	c.DirectoryURL = "http://127.0.0.1:5984/directory"
	c.DirectoryToken = ""
	c.PostgresDatabase = "fieldkeeper"
	c.LongPoll = 25 * time.Second
	c.SettleTimeout = 2 * time.Second
	c.BootTimeout = 10 * time.Second
	c.RetryMin = 500 * time.Millisecond
	c.RetryMax = 30 * time.Second
	c.PollInterval = 250 * time.Millisecond
	c.AutoActivate = false
	c.LogLevel = "info"
	c.LogFormat = "console"
}

// LocalStoreDSN returns LocalDSN, or a file under DataDir when it is empty.
func (c *Config) LocalStoreDSN() string {
	if c.LocalDSN != "" {
		return c.LocalDSN
	}
	return filepath.Join(c.DataDir, "local.db")
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
