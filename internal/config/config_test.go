package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 100, cfg.CycleLimit)
	assert.Equal(t, 5, cfg.ConcurrentWorkers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.CycleInterval())
	assert.Equal(t, 2*time.Hour, cfg.StaleAttemptAge())
	assert.Equal(t, 120*time.Second, cfg.TaskTimeout())
	assert.Equal(t, 10*time.Second, cfg.RetryBackoff())
	assert.Equal(t, time.Minute, cfg.MinDelay())
	assert.Equal(t, 30*time.Minute, cfg.MaxDelay())
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout())
	assert.Equal(t, time.Second, cfg.QueuePoll())
	assert.Equal(t, 5*time.Minute, cfg.QueueVisibility())
	assert.Equal(t, "fake", cfg.ExecutorDriver)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"db_path": "data/p.db", "cycle_limit": 25, "concurrent_workers": 2}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "data/p.db", cfg.DBPath)
	assert.Equal(t, 25, cfg.CycleLimit)
	assert.Equal(t, 2, cfg.ConcurrentWorkers)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
db_driver: memory
queue_driver: memory
executor_driver: api
upstream_base_url: https://upstream.example/v1
upstream_rps: 2.5
max_attempts: 4
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, "api", cfg.ExecutorDriver)
	assert.Equal(t, "https://upstream.example/v1", cfg.UpstreamBaseURL)
	assert.InDelta(t, 2.5, cfg.UpstreamRPS, 1e-9)
	assert.Equal(t, 4, cfg.MaxAttempts)
}

func TestLoadConfig_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "from-env")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@localhost/db")
	path := writeFile(t, "config.json", `{"upstream_api_key": "from-file", "db_driver": "postgres"}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.UpstreamAPIKey)
	assert.Equal(t, "postgres://u:p@localhost/db", cfg.PostgresDSN)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown driver":       `{"db_driver": "mongo"}`,
		"postgres no dsn":      `{"db_driver": "postgres"}`,
		"api no base url":      `{"executor_driver": "api"}`,
		"sqlite lock no file":  `{"queue_driver": "memory", "lock_backend": "sqlite"}`,
		"delay window":         `{"min_delay_minutes": 40, "max_delay_minutes": 30}`,
		"short timeout":        `{"upstream_timeout_ms": 10}`,
		"bad rate store":       `{"rate_limit_store": "memcached"}`,
		"visibility too short": `{"queue_visibility_sec": 30, "task_timeout_sec": 120}`,
		"visibility at budget": `{"queue_visibility_sec": 150, "task_timeout_sec": 120, "upstream_timeout_ms": 30000}`,
	}
	t.Setenv("POSTGRES_DSN", "")

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.json", body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfig_BadSyntax(t *testing.T) {
	_, err := LoadConfig(writeFile(t, "config.yml", "cycle_limit: [oops"))
	assert.Error(t, err)
}
