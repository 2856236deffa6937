package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/fieldkeeper/internal/flagx"
	"github.com/dmitrijs2005/fieldkeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer
// fields distinguish "absent" from "zero" so a partial file only overrides
// what it names.
type JsonConfig struct {
	DataDir          *string         `json:"data_dir"`
	LocalDSN         *string         `json:"local_dsn"`
	DirectoryURL     *string         `json:"directory_url"`
	DirectoryToken   *string         `json:"directory_token"`
	PostgresDatabase *string         `json:"postgres_database"`
	LongPoll         *timex.Duration `json:"long_poll"`
	SettleTimeout    *timex.Duration `json:"settle_timeout"`
	BootTimeout      *timex.Duration `json:"boot_timeout"`
	RetryMin         *timex.Duration `json:"retry_min"`
	RetryMax         *timex.Duration `json:"retry_max"`
	PollInterval     *timex.Duration `json:"poll_interval"`
	AutoActivate     *bool           `json:"auto_activate"`
	LogLevel         *string         `json:"log_level"`
	LogFormat        *string         `json:"log_format"`
}

// parseJson overlays Config with values loaded from a JSON file whose path
// is given with -c or -config. Without either flag nothing is loaded.
// Panics on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	jc.apply(cfg)
}

func (jc *JsonConfig) apply(cfg *Config) {
	setString(&cfg.DataDir, jc.DataDir)
	setString(&cfg.LocalDSN, jc.LocalDSN)
	setString(&cfg.DirectoryURL, jc.DirectoryURL)
	setString(&cfg.DirectoryToken, jc.DirectoryToken)
	setString(&cfg.PostgresDatabase, jc.PostgresDatabase)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogFormat, jc.LogFormat)

	if jc.LongPoll != nil {
		cfg.LongPoll = jc.LongPoll.Duration
	}
	if jc.SettleTimeout != nil {
		cfg.SettleTimeout = jc.SettleTimeout.Duration
	}
	if jc.BootTimeout != nil {
		cfg.BootTimeout = jc.BootTimeout.Duration
	}
	if jc.RetryMin != nil {
		cfg.RetryMin = jc.RetryMin.Duration
	}
	if jc.RetryMax != nil {
		cfg.RetryMax = jc.RetryMax.Duration
	}
	if jc.PollInterval != nil {
		cfg.PollInterval = jc.PollInterval.Duration
	}
	if jc.AutoActivate != nil {
		cfg.AutoActivate = *jc.AutoActivate
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
