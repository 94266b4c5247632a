package toolflow

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the process-level configuration surface. Values come from an
// optional YAML file overridden by TOOLFLOW_* environment variables.
type Config struct {
	// RedisURL is the durable backend connection string
	// (redis://host:port/db). Empty disables the durable backend.
	RedisURL string `yaml:"redis_url"`
	// MongoURL optionally moves session records to MongoDB while Redis
	// keeps serving the cache and the execution lock.
	MongoURL string `yaml:"mongo_url"`
	// MongoDatabase is the Mongo database name. Required when MongoURL is
	// set.
	MongoDatabase string `yaml:"mongo_database"`
	// KeyPrefix scopes every Redis key written by this process.
	KeyPrefix string `yaml:"key_prefix"`
	// SessionTTLSeconds is the sliding session expiry window.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
	// LockTTLSeconds bounds the execution lock validity.
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`
	// ExecuteTimeoutSeconds bounds each external tool call. Zero disables
	// the timeout.
	ExecuteTimeoutSeconds int `yaml:"execute_timeout_seconds"`
	// EnableLocalCache turns on the in-process cache tier.
	EnableLocalCache bool `yaml:"enable_local_cache"`
	// ForceMemory skips the durable backend entirely, even when reachable.
	ForceMemory bool `yaml:"force_memory"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "toolflow:",
		SessionTTLSeconds: 3600,
		LockTTLSeconds:    30,
		EnableLocalCache:  true,
	}
}

// LoadConfig builds the effective configuration: defaults, then the YAML
// file at path when non-empty, then environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("TOOLFLOW_REDIS_URL", &c.RedisURL)
	envString("TOOLFLOW_MONGO_URL", &c.MongoURL)
	envString("TOOLFLOW_MONGO_DATABASE", &c.MongoDatabase)
	envString("TOOLFLOW_KEY_PREFIX", &c.KeyPrefix)
	if err := envInt("TOOLFLOW_SESSION_TTL_SECONDS", &c.SessionTTLSeconds); err != nil {
		return err
	}
	if err := envInt("TOOLFLOW_LOCK_TTL_SECONDS", &c.LockTTLSeconds); err != nil {
		return err
	}
	if err := envInt("TOOLFLOW_EXECUTE_TIMEOUT_SECONDS", &c.ExecuteTimeoutSeconds); err != nil {
		return err
	}
	if err := envBool("TOOLFLOW_ENABLE_LOCAL_CACHE", &c.EnableLocalCache); err != nil {
		return err
	}
	if err := envBool("TOOLFLOW_FORCE_MEMORY", &c.ForceMemory); err != nil {
		return err
	}
	return envBool("TOOLFLOW_DEBUG", &c.Debug)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = b
	return nil
}
