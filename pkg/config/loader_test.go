package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestInitialize(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		workerCfg, redisCfg, err := Initialize(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)

		assert.Equal(t, 4, workerCfg.PoolSize)
		assert.Equal(t, "localhost:6379", redisCfg.Addr)
	})

	t.Run("file overlays defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
worker:
  pool_size: 12
  consumer_group: staging-handlers
redis:
  addr: redis.staging:6379
  db: 2
`)
		workerCfg, redisCfg, err := Initialize(path)
		require.NoError(t, err)

		assert.Equal(t, 12, workerCfg.PoolSize)
		assert.Equal(t, "staging-handlers", workerCfg.ConsumerGroup)
		// Untouched fields keep their defaults.
		assert.Equal(t, 10, workerCfg.BatchSize)
		assert.Equal(t, "redis.staging:6379", redisCfg.Addr)
		assert.Equal(t, 2, redisCfg.DB)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := writeConfigFile(t, `
worker:
  pool_size: 12
redis:
  addr: redis.staging:6379
`)
		t.Setenv("WORKER_POOL_SIZE", "3")
		t.Setenv("REDIS_ADDR", "redis.prod:6379")

		workerCfg, redisCfg, err := Initialize(path)
		require.NoError(t, err)

		assert.Equal(t, 3, workerCfg.PoolSize)
		assert.Equal(t, "redis.prod:6379", redisCfg.Addr)
	})

	t.Run("malformed file fails", func(t *testing.T) {
		path := writeConfigFile(t, "worker: [not a mapping")
		_, _, err := Initialize(path)
		assert.Error(t, err)
	})

	t.Run("invalid resulting config fails", func(t *testing.T) {
		path := writeConfigFile(t, `
worker:
  pool_size: -1
`)
		_, _, err := Initialize(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool_size")
	})

	t.Run("consumer name is always populated", func(t *testing.T) {
		workerCfg, _, err := Initialize(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.NotEmpty(t, workerCfg.ConsumerName)
	})
}
