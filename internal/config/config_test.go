package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig_DecodesAndAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 7000
channel:
  library_channel_uri: ""
  bus_uri: ""
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, int64(10_000), cfg.Server.ReplyTimeoutMs, "unset reply timeout falls back to default")
	assert.Equal(t, "local://", cfg.Channel.LibraryChannelURI)
	assert.Equal(t, "local://", cfg.Channel.BusURI)
	assert.Equal(t, "bcrypt", cfg.Auth.Strategy)
	assert.Equal(t, "memory", cfg.IdentityStore.Backend)
	assert.Equal(t, "session_identities", cfg.IdentityStore.SpannerTable)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FRAMER_HOST", "10.0.0.1")
	t.Setenv("FRAMER_PORT", "4242")
	t.Setenv("FRAMER_AUTH_STRATEGY", "spiffe")
	t.Setenv("FRAMER_IDENTITY_STORE_BACKEND", "spanner")

	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	assert.Equal(t, "10.0.0.1", cfg.Server.Host)
	assert.Equal(t, 4242, cfg.Server.Port)
	assert.Equal(t, "spiffe", cfg.Auth.Strategy)
	assert.Equal(t, "spanner", cfg.IdentityStore.Backend)
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV("a, b ,c"))
	assert.Empty(t, splitCSV(""))
}
