// Package config holds worker-pool settings. Values come from defaults, an
// optional YAML block, and WORKER_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkerConfig controls how the pool reads, executes, and shuts down.
type WorkerConfig struct {
	// PoolSize is the maximum number of concurrently executing agents.
	PoolSize int `yaml:"pool_size"`

	// BatchSize bounds events read from the stream per iteration.
	BatchSize int `yaml:"batch_size"`

	// EventTimeout is advisory; it is surfaced to agents, which implement
	// their own timeouts. The pool imposes none beyond the shutdown grace.
	EventTimeout time.Duration `yaml:"event_timeout"`

	// ShutdownTimeout is the grace window for in-flight tasks on Stop.
	// Tasks still running after it are cancelled and their events are left
	// unacknowledged for reclaim.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ConsumerGroup is the stream consumer-group name for the pool.
	ConsumerGroup string `yaml:"consumer_group"`

	// ConsumerName identifies this instance within the group. Must be
	// unique per running instance; auto-generated when empty.
	ConsumerName string `yaml:"consumer_name"`

	// BlockTimeout is how long a stream read blocks waiting for entries.
	BlockTimeout time.Duration `yaml:"block_timeout"`

	// IdempotencyTTL is the processed-marker lifetime.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// StaleClaimIdle is the idle threshold past which pending entries are
	// eligible for reclaim by another consumer.
	StaleClaimIdle time.Duration `yaml:"stale_claim_idle"`

	// StreamMaxLen is the approximate stream length cap applied on
	// publish.
	StreamMaxLen int64 `yaml:"stream_max_len"`

	// WorkspacePath is the filesystem root handed to agents.
	WorkspacePath string `yaml:"workspace_path"`

	// MultiTenant enables tenant key prefixing.
	MultiTenant bool `yaml:"multi_tenant"`

	// DefaultTenant is used when tenancy is enabled but no tenant is set.
	DefaultTenant string `yaml:"default_tenant"`
}

// DefaultWorkerConfig returns the built-in defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		PoolSize:        4,
		BatchSize:       10,
		EventTimeout:    300 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ConsumerGroup:   "development-handlers",
		BlockTimeout:    5 * time.Second,
		IdempotencyTTL:  7 * 24 * time.Hour,
		StaleClaimIdle:  60 * time.Second,
		StreamMaxLen:    10_000,
	}
}

// FromEnv applies WORKER_* environment overrides on top of the current
// values and fills the consumer name if still empty. Malformed values fail
// rather than being silently ignored.
func (c *WorkerConfig) FromEnv() error {
	var err error
	if err = envInt("WORKER_POOL_SIZE", &c.PoolSize); err != nil {
		return err
	}
	if err = envInt("WORKER_BATCH_SIZE", &c.BatchSize); err != nil {
		return err
	}
	if err = envSeconds("WORKER_EVENT_TIMEOUT_SECONDS", &c.EventTimeout); err != nil {
		return err
	}
	if err = envSeconds("WORKER_SHUTDOWN_TIMEOUT_SECONDS", &c.ShutdownTimeout); err != nil {
		return err
	}
	if err = envSeconds("WORKER_IDEMPOTENCY_TTL_SECONDS", &c.IdempotencyTTL); err != nil {
		return err
	}
	if err = envMillis("WORKER_STALE_CLAIM_IDLE_MS", &c.StaleClaimIdle); err != nil {
		return err
	}
	if err = envMillis("WORKER_BLOCK_TIMEOUT_MS", &c.BlockTimeout); err != nil {
		return err
	}
	if err = envInt64("WORKER_STREAM_MAX_LEN", &c.StreamMaxLen); err != nil {
		return err
	}
	envString("WORKER_CONSUMER_GROUP", &c.ConsumerGroup)
	envString("WORKER_CONSUMER_NAME", &c.ConsumerName)
	envString("WORKER_WORKSPACE_PATH", &c.WorkspacePath)
	envString("WORKER_DEFAULT_TENANT", &c.DefaultTenant)
	if err = envBool("WORKER_MULTI_TENANT", &c.MultiTenant); err != nil {
		return err
	}

	if c.ConsumerName == "" {
		c.ConsumerName = GenerateConsumerName()
	}
	return nil
}

// Validate checks internal consistency.
func (c *WorkerConfig) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("consumer_group must not be empty")
	}
	if c.StreamMaxLen <= 0 {
		return fmt.Errorf("stream_max_len must be positive, got %d", c.StreamMaxLen)
	}
	return nil
}

// GenerateConsumerName returns "worker-" plus 8 random hex characters.
func GenerateConsumerName() string {
	return "worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func envString(key string, out *string) {
	if v := os.Getenv(key); v != "" {
		*out = v
	}
}

func envInt(key string, out *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*out = n
	return nil
}

func envInt64(key string, out *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*out = n
	return nil
}

func envBool(key string, out *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*out = b
	return nil
}

func envSeconds(key string, out *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*out = time.Duration(n) * time.Second
	return nil
}

func envMillis(key string, out *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*out = time.Duration(n) * time.Millisecond
	return nil
}
