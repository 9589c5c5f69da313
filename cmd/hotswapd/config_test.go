package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:3000", cfg.ListenAddr)
	require.Equal(t, "/tmp/hotswapd_upgrade.sock", cfg.UpgradeSock)
	require.Equal(t, Duration(30*time.Second), cfg.UpstreamTimeout)
	require.Equal(t, Duration(10*time.Second), cfg.ShutdownTimeout)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotswapd.yaml")
	data := `listen_addr: "127.0.0.1:8080"
upgrade_sock: /run/hotswapd/upgrade.sock
upstream_timeout: 5s
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	require.Equal(t, "/run/hotswapd/upgrade.sock", cfg.UpgradeSock)
	require.Equal(t, Duration(5*time.Second), cfg.UpstreamTimeout)
	// Keys absent from the file keep their defaults.
	require.Equal(t, Duration(10*time.Second), cfg.ShutdownTimeout)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotswapd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream_timeout: soon\n"), 0o644))
	_, err := loadConfig(path)
	require.Error(t, err)
}

func TestValidateRejectsWhitespaceBind(t *testing.T) {
	cfg := defaultConfig()
	cfg.ListenAddr = "127.0.0.1:80 80"
	require.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.ListenAddr = ""
	require.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.UpgradeSock = ""
	require.Error(t, cfg.validate())
}
