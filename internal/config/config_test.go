package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
[server]
bind_port = 1080
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Server.BindAddress)
	require.Equal(t, "memory", cfg.Sessions.Storage)
	require.Equal(t, "htb", cfg.Qos.Algorithm)
	require.Equal(t, "/", cfg.Sessions.BasePath)
}

func TestLoadRequiresAclConfigFileWhenEnabled(t *testing.T) {
	path := writeTemp(t, `
[acl]
enabled = true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresDatabaseURLForSqliteStorage(t *testing.T) {
	path := writeTemp(t, `
[sessions]
storage = "sqlite"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadNormalizesBasePath(t *testing.T) {
	path := writeTemp(t, `
[sessions]
base_path = "stats"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/stats", cfg.Sessions.BasePath)
}

func TestLoadRejectsInvalidSocksMethod(t *testing.T) {
	path := writeTemp(t, `
[auth]
socks_method = "bogus"
`)
	_, err := Load(path)
	require.Error(t, err)
}
