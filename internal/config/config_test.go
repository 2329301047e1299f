package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T) (*cobra.Command, *viper.Viper) {
	t.Helper()
	cmd := &cobra.Command{Use: "chat-sync"}
	v := viper.New()
	require.NoError(t, BindFlags(cmd, v))
	return cmd, v
}

func TestLoadDefaults(t *testing.T) {
	_, v := newCommand(t)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.OutboxRate)
	assert.Empty(t, cfg.UserID)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat-sync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
store = "memory"
remote-url = "http://from-file"
user-id = "file-user"
`), 0o600))

	t.Setenv("CHAT_SYNC_USER_ID", "env-user")
	t.Setenv("CHAT_SYNC_OUTBOX_RATE", "2")

	cmd, v := newCommand(t)
	require.NoError(t, cmd.PersistentFlags().Set(ConfigFileFlag, path))
	require.NoError(t, cmd.PersistentFlags().Set(RemoteURLFlag, "http://from-flag"))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "http://from-flag", cfg.RemoteURL)
	assert.Equal(t, "env-user", cfg.UserID)
	assert.Equal(t, 2, cfg.OutboxRate)
}

func TestLoadMissingConfigFile(t *testing.T) {
	cmd, v := newCommand(t)
	require.NoError(t, cmd.PersistentFlags().Set(ConfigFileFlag, filepath.Join(t.TempDir(), "missing.toml")))

	_, err := Load(v)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Store:         StoreMemory,
		RemoteURL:     "http://remote",
		RemoteTimeout: time.Second,
		LogLevel:      "info",
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"unknown store":    func(c *Config) { c.Store = "sqlite" },
		"postgres no dsn":  func(c *Config) { c.Store = StorePostgres; c.DBDSN = "" },
		"no remote":        func(c *Config) { c.RemoteURL = "" },
		"zero timeout":     func(c *Config) { c.RemoteTimeout = 0 },
		"zero interval":    func(c *Config) { c.HealthAddr = "backend:9090"; c.HealthInterval = 0 },
		"negative rate":    func(c *Config) { c.OutboxRate = -1 },
		"unknown loglevel": func(c *Config) { c.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
