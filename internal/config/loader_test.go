package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"MIGRATOR_DRIVER",
	"MIGRATOR_DSN",
	"MIGRATOR_MIGRATIONS_DIR",
	"MIGRATOR_TABLE_NAME",
	"MIGRATOR_LOG_LEVEL",
	"MIGRATOR_LOG_FORMAT",
	"MIGRATOR_SQLITE_BUSY_TIMEOUT",
	"MIGRATOR_SQLITE_JOURNAL_MODE",
	"MIGRATOR_SQLITE_FOREIGN_KEYS",
	"MIGRATOR_LOCK_REDIS_ADDR",
	"MIGRATOR_LOCK_KEY",
	"MIGRATOR_LOCK_TTL",
	"MIGRATOR_TELEMETRY_ENDPOINT",
	"MIGRATOR_TELEMETRY_SERVICE_NAME",
}

// clearEnv unsets every MIGRATOR_* key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("failed to unset %s: %v", key, err)
		}
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("applies defaults without a file", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "sqlite", cfg.Driver)
		assert.Equal(t, "migrations.db", cfg.DSN)
		assert.Equal(t, "./migrations", cfg.MigrationsDir)
		assert.Equal(t, "_migrations", cfg.TableName)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, 30*time.Second, cfg.SQLite.BusyTimeout)
		assert.Equal(t, "WAL", cfg.SQLite.JournalMode)
		assert.True(t, cfg.SQLite.ForeignKeys)
		assert.Empty(t, cfg.Lock.RedisAddr)
		assert.Equal(t, 5*time.Minute, cfg.Lock.TTL)
		assert.Empty(t, cfg.Telemetry.Endpoint)
		assert.Equal(t, "schema-migrator", cfg.Telemetry.ServiceName)
	})

	t.Run("reads a yaml file", func(t *testing.T) {
		clearEnv(t)
		path := writeFile(t, "migrator.yaml", `
driver: postgres
dsn: postgres://localhost/app?sslmode=disable
migrations_dir: db/migrations
table_name: schema_history
log_format: text
lock:
  redis_addr: localhost:6379
  ttl: 90s
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "postgres", cfg.Driver)
		assert.Equal(t, "postgres://localhost/app?sslmode=disable", cfg.DSN)
		assert.Equal(t, "db/migrations", cfg.MigrationsDir)
		assert.Equal(t, "schema_history", cfg.TableName)
		assert.Equal(t, "text", cfg.LogFormat)
		assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)
		assert.Equal(t, 90*time.Second, cfg.Lock.TTL)
		assert.Equal(t, "schema-migrator:lock", cfg.Lock.Key, "unset keys keep defaults")
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		clearEnv(t)
		path := writeFile(t, "migrator.json", `{"driver": "postgres", "dsn": "from-file", "table_name": "from_file"}`)

		t.Setenv("MIGRATOR_DSN", "from-env")
		t.Setenv("MIGRATOR_SQLITE_BUSY_TIMEOUT", "2s")
		t.Setenv("MIGRATOR_SQLITE_FOREIGN_KEYS", "false")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "postgres", cfg.Driver)
		assert.Equal(t, "from-env", cfg.DSN)
		assert.Equal(t, "from_file", cfg.TableName)
		assert.Equal(t, 2*time.Second, cfg.SQLite.BusyTimeout)
		assert.False(t, cfg.SQLite.ForeignKeys)
	})

	t.Run("reports every invalid key", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MIGRATOR_DRIVER", "oracle")
		t.Setenv("MIGRATOR_LOG_FORMAT", "xml")
		t.Setenv("MIGRATOR_LOCK_REDIS_ADDR", "localhost:6379")
		t.Setenv("MIGRATOR_LOCK_TTL", "0s")

		_, err := Load("")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalid))
		for _, key := range []string{"driver", "log_format", "lock.ttl"} {
			assert.True(t, strings.Contains(err.Error(), key), "expected %q in %q", key, err.Error())
		}
	})

	t.Run("rejects malformed environment values", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MIGRATOR_LOCK_TTL", "soon")

		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse env")
	})

	t.Run("fails on a missing file", func(t *testing.T) {
		clearEnv(t)

		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config file")
	})
}
