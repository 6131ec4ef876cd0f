package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wsrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(nil))
	listen, _ := cmd.Flags().GetString("listen")
	timeout, _ := cmd.Flags().GetDuration("connect-timeout")
	assert.Equal(t, ":8080", listen)
	assert.Equal(t, 5*time.Second, timeout)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9999"
connect-timeout: 2s
read-buffer: 4096
redis-addr: "redis:6379"
redis-db: 3
debug: true
`)
	var cfg Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs, &cfg)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, applyConfigFile(path, fs, &cfg))

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.True(t, cfg.Debug)
	assert.Equal(t, ":9100", cfg.MetricsAddr, "keys absent from the file keep their defaults")
}

func TestExplicitFlagsBeatConfigFile(t *testing.T) {
	path := writeConfig(t, "listen: \":9999\"\nconnect-timeout: 2s\n")
	var cfg Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{"--connect-timeout=750ms"}))
	require.NoError(t, applyConfigFile(path, fs, &cfg))

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 750*time.Millisecond, cfg.ConnectTimeout)
}

func TestConfigFileErrors(t *testing.T) {
	var cfg Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs, &cfg)
	require.NoError(t, fs.Parse(nil))

	err := applyConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), fs, &cfg)
	require.ErrorIs(t, err, os.ErrNotExist)

	err = applyConfigFile(writeConfig(t, "connect-timeout: soon\n"), fs, &cfg)
	require.Error(t, err)

	err = applyConfigFile(writeConfig(t, "tls-cert: cert.pem\n"), fs, &cfg)
	require.ErrorContains(t, err, "tls-cert and tls-key")
}
