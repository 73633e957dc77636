package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "999999.99", cfg.Ledger.MaxAmount)
	assert.Equal(t, 730, cfg.Ledger.ExpenseHistoryWindowDays)
	assert.Equal(t, 500, cfg.Ledger.MaxBatchSize)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: A TOML file overriding some values and an env override on top
	// WHEN: The config is loaded
	// THEN: Env wins over file, file wins over defaults
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9090"
read_timeout = "5s"

[database]
path = "/tmp/ledger.db"

[ledger]
max_amount = "5000.00"
max_batch_size = 50

[lock]
backend = "redis"

[lock.redis]
addr = "redis:6379"
ttl = "10s"

[log]
level = "debug"
`), 0o644))
	t.Setenv("LEDGER_MAX_BATCH_SIZE", "20")
	t.Setenv("LEDGER_LOG_FORMAT", "console")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "/tmp/ledger.db", cfg.Database.Path)
	assert.Equal(t, 20, cfg.Ledger.MaxBatchSize)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "redis:6379", cfg.Lock.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Lock.Redis.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "5000.00", cfg.ValidatorConfig().MaxAmount.StringFixed(2))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad amount", map[string]string{"LEDGER_MAX_AMOUNT": "lots"}},
		{"bad batch", map[string]string{"LEDGER_MAX_BATCH_SIZE": "0"}},
		{"non-numeric batch", map[string]string{"LEDGER_MAX_BATCH_SIZE": "ten"}},
		{"unknown lock", map[string]string{"LEDGER_LOCK_BACKEND": "zookeeper"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
