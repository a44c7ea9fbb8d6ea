// Package redistest provides a shared Redis instance for integration tests.
package redistest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// Shared address for all tests in local dev
	sharedAddr    string
	containerOnce sync.Once
	containerErr  error
)

// NewClient returns a Redis client connected to the shared test instance.
// In CI (when CI_REDIS_ADDR is set): connects to an external Redis service container.
// In local dev: spins up a testcontainer once per package.
// Skips the test when neither is available (e.g. no Docker daemon).
// Tests share one database, so callers must namespace their keys and
// streams; UniqueName helps with that.
func NewClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := getOrCreateSharedRedis(t)
	if containerErr != nil {
		t.Skipf("Redis not available, skipping integration test: %v", containerErr)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not reachable at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// UniqueName returns base suffixed with a short random token so concurrent
// tests sharing the Redis database never collide on keys or streams.
func UniqueName(base string) string {
	return base + ":" + uuid.New().String()[:8]
}

// getOrCreateSharedRedis returns the address of the shared Redis instance.
// In CI, uses CI_REDIS_ADDR. In local dev, creates a shared testcontainer once.
func getOrCreateSharedRedis(t *testing.T) string {
	if ciAddr := os.Getenv("CI_REDIS_ADDR"); ciAddr != "" {
		t.Log("Using external Redis from CI_REDIS_ADDR")
		return ciAddr
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		// GenericContainer panics when no Docker daemon is reachable
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()

		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		}
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			containerErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to get container host: %w", err)
			return
		}
		port, err := container.MappedPort(ctx, "6379")
		if err != nil {
			containerErr = fmt.Errorf("failed to get container port: %w", err)
			return
		}

		sharedAddr = host + ":" + port.Port()
		t.Logf("Shared Redis container ready: %s", sharedAddr)
	})

	return sharedAddr
}
