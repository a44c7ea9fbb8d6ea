package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk configuration layout.
type FileConfig struct {
	Worker *WorkerConfig `yaml:"worker"`
	Redis  *RedisConfig  `yaml:"redis"`
}

// RedisConfig locates the backing event log.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{Addr: "localhost:6379"}
}

// FromEnv applies REDIS_* environment overrides.
func (c *RedisConfig) FromEnv() error {
	envString("REDIS_ADDR", &c.Addr)
	envString("REDIS_PASSWORD", &c.Password)
	return envInt("REDIS_DB", &c.DB)
}

// Initialize loads configuration: built-in defaults, overlaid by the YAML
// file at path (if present), overlaid by environment variables. A missing
// file is not an error; the environment alone is a complete configuration
// surface.
func Initialize(path string) (*WorkerConfig, *RedisConfig, error) {
	workerCfg := DefaultWorkerConfig()
	redisCfg := DefaultRedisConfig()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		file := FileConfig{Worker: workerCfg, Redis: redisCfg}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		slog.Info("Loaded configuration file", "path", path)
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("No configuration file, using defaults and environment", "path", path)
	default:
		return nil, nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := workerCfg.FromEnv(); err != nil {
		return nil, nil, err
	}
	if err := redisCfg.FromEnv(); err != nil {
		return nil, nil, err
	}
	if err := workerCfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid worker configuration: %w", err)
	}
	return workerCfg, redisCfg, nil
}
