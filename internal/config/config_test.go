package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "http://127.0.0.1:5984/directory", c.DirectoryURL)
	assert.Equal(t, 2*time.Second, c.SettleTimeout)
	assert.Equal(t, 10*time.Second, c.BootTimeout)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "fieldkeeper", c.PostgresDatabase)
	assert.Equal(t, 25*time.Second, c.LongPoll)
	assert.False(t, c.AutoActivate)
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}

	cfg := LoadConfig()

	require.NotNil(t, cfg, "LoadConfig must not return nil")
	assert.Equal(t, "./fieldkeeper-data", cfg.DataDir)
	assert.Equal(t, 2*time.Second, cfg.SettleTimeout)
}

func TestLocalStoreDSN(t *testing.T) {
	c := &Config{DataDir: "/tmp/fk"}
	assert.Equal(t, filepath.Join("/tmp/fk", "local.db"), c.LocalStoreDSN())

	c.LocalDSN = ":memory:"
	assert.Equal(t, ":memory:", c.LocalStoreDSN())
}

func TestLoadConfig_FlagsOverrideJSON(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, "", "", map[string]any{
		"directory_url":  "https://couch.example/directory",
		"settle_timeout": "5s",
	})
	os.Args = []string{"testbin", "-c", path, "-s", "300"}

	cfg := LoadConfig()
	assert.Equal(t, "https://couch.example/directory", cfg.DirectoryURL)
	assert.Equal(t, 300*time.Millisecond, cfg.SettleTimeout)
}
