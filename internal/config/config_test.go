// ABOUTME: Tests for configuration loading, env expansion, and validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
service:
  base_url: "https://api.example.com/v1"
  api_key: "sk-test"
  short_timeout: "45s"
  long_timeout: "3m"
retry:
  enabled: true
  max_attempts: 2
  backoff_base: "500ms"
  backoff_cap: "8s"
history:
  base_url: "https://history.example.com"
state:
  path: "/tmp/flowchat.db"
  usage_path: "/tmp/usage.db"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v1", cfg.Service.BaseURL)
	assert.Equal(t, "sk-test", cfg.Service.APIKey)
	assert.Equal(t, 45*time.Second, cfg.Service.ShortTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Service.LongTimeout)

	assert.True(t, cfg.Retry.Enabled)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BackoffBase)
	assert.Equal(t, 8*time.Second, cfg.Retry.BackoffCap)

	assert.Equal(t, "https://history.example.com", cfg.History.BaseURL)
	assert.Equal(t, "/tmp/flowchat.db", cfg.State.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("FLOWCHAT_TEST_KEY", "sk-from-env")

	path := writeConfig(t, `
service:
  base_url: "https://api.example.com/v1"
  api_key: "${FLOWCHAT_TEST_KEY}"
state:
  path: "flowchat.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Service.APIKey)
}

func TestLoadUnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
service:
  base_url: "https://api.example.com/v1"
  api_key: "${FLOWCHAT_DEFINITELY_UNSET}"
state:
  path: "flowchat.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Service.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
service:
  base_url: "https://api.example.com/v1"
  short_timeout: "soon"
state:
  path: "flowchat.db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short_timeout")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing base url", func(c *Config) { c.Service.BaseURL = "" }, "base_url"},
		{"missing state path", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"negative retries", func(c *Config) { c.Retry.MaxAttempts = -1 }, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Service.ShortTimeout)
	assert.Equal(t, 180*time.Second, cfg.Service.LongTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}
