package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "docdelta", cfg.App.Name)
	assert.Equal(t, QueueDriverRabbitMQ, cfg.RabbitMQ.Driver)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Recovery.StuckThreshold)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
	// Conditional job updates rely on matched-row counts.
	assert.Contains(t, cfg.MySQLDSN(), "clientFoundRows=true")
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[mysql]
user = "svc"
password = "pw"
host = "db"
port = 3307
db = "dd"
params = "parseTime=true"

[rabbitmq]
driver = "memory"

[guardrail]
store = "memory"
max_chunks_per_window = 50
window = "24h"

[recovery]
stuck_threshold = "10m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WORKER_MAX_RETRIES", "5")
	t.Setenv("RECOVERY_JOB_TIMEOUT", "2m")
	t.Setenv("APP_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, QueueDriverMemory, cfg.RabbitMQ.Driver)
	assert.EqualValues(t, 50, cfg.Guardrail.MaxChunksPerWindow)
	assert.Equal(t, 24*time.Hour, cfg.Guardrail.Window)
	assert.Equal(t, 10*time.Minute, cfg.Recovery.StuckThreshold)
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Recovery.JobTimeout)
	assert.Equal(t, 8080, cfg.App.Port, "unparsable env keeps the previous value")
	assert.Equal(t, "svc:pw@tcp(db:3307)/dd?parseTime=true", cfg.MySQLDSN())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"queue driver":   func(c *Config) { c.RabbitMQ.Driver = "kafka" },
		"usage store":    func(c *Config) { c.Guardrail.Store = "etcd" },
		"retries":        func(c *Config) { c.Worker.MaxRetries = 0 },
		"chunk size":     func(c *Config) { c.Chunker.MaxChars = 0 },
		"heartbeat rate": func(c *Config) { c.Worker.HeartbeatInterval = c.Recovery.JobTimeout },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, defaultConfig().Validate())
}
