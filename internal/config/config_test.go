package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, ":8181", cfg.Gateway.Addr)
	assert.Equal(t, "http://localhost:9090", cfg.Backend.BaseURL)
	assert.Equal(t, 120*time.Second, cfg.Backend.Timeout())
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[gateway]
addr = ":9999"

[backend]
base_url = "http://backend.internal:8080"
model = "large-v2"
timeout_seconds = 30

[audit]
enabled = false

[log]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Gateway.Addr)
	assert.Equal(t, "http://backend.internal:8080", cfg.Backend.BaseURL)
	assert.Equal(t, "large-v2", cfg.Backend.Model)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout())
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_PartialFileKeepsRemainingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[gateway]\naddr = \":7777\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Gateway.Addr)
	assert.Equal(t, "http://localhost:9090", cfg.Backend.BaseURL)
}

func TestLoad_EnvOverridesAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[backend]\napi_key = \"from-file\"\n"), 0o644))

	t.Setenv("CHAINBRIDGE_API_KEY", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Backend.APIKey)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
