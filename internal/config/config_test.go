package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate(t *testing.T) {
	t.Setenv("TG_TEST_SET", "hello")

	t.Run("Required", func(t *testing.T) {
		out, err := Interpolate("value: ${TG_TEST_SET}")
		require.NoError(t, err)
		assert.Equal(t, "value: hello", out)
	})

	t.Run("RequiredMissingFails", func(t *testing.T) {
		_, err := Interpolate("value: ${TG_TEST_DEFINITELY_UNSET}")
		require.ErrorContains(t, err, "TG_TEST_DEFINITELY_UNSET")
	})

	t.Run("DefaultUsedWhenUnset", func(t *testing.T) {
		out, err := Interpolate("value: ${TG_TEST_DEFINITELY_UNSET:-fallback}")
		require.NoError(t, err)
		assert.Equal(t, "value: fallback", out)
	})

	t.Run("DefaultIgnoredWhenSet", func(t *testing.T) {
		out, err := Interpolate("value: ${TG_TEST_SET:-fallback}")
		require.NoError(t, err)
		assert.Equal(t, "value: hello", out)
	})

	t.Run("EmptyDefault", func(t *testing.T) {
		out, err := Interpolate("value: ${TG_TEST_DEFINITELY_UNSET:-}")
		require.NoError(t, err)
		assert.Equal(t, "value: ", out)
	})

	t.Run("BareDollarLeftAlone", func(t *testing.T) {
		out, err := Interpolate("echo $HOME and $(cmd)")
		require.NoError(t, err)
		assert.Equal(t, "echo $HOME and $(cmd)", out)
	})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.LeaseTTL)
	assert.Equal(t, 1, cfg.Dispatch.DefaultWIP)
	assert.Equal(t, "requeue", string(cfg.Watchdog.Policy))
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TG_TEST_KEY", "sekrit")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/custom.db
server:
  port: 9999
dispatch:
  lease_ttl: 45s
  wip_limits:
    code: 3
adapters:
  - name: llm
    kind: http
    base_url: https://api.example.com
    api_key: ${TG_TEST_KEY}
    task_types: [chat]
schedules:
  - template: nightly
    every: 1d
    enabled: true
webhooks:
  - name: notify
    url: ${TG_TEST_WEBHOOK:-https://hooks.example.com/default}
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.LeaseTTL)
	assert.Equal(t, 3, cfg.Dispatch.WIPLimits["code"])

	require.Len(t, cfg.Adapters, 1)
	assert.Equal(t, "sekrit", cfg.Adapters[0].APIKey)

	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly", cfg.Schedules[0].TemplateName)
	assert.True(t, cfg.Schedules[0].Enabled)

	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, "https://hooks.example.com/default", cfg.Webhooks[0].URL)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoadUnsetRequiredVarFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_path: ${TG_TEST_DEFINITELY_UNSET}\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "TG_TEST_DEFINITELY_UNSET")
}
