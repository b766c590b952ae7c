package domain

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfigYAML reads a configuration file and layers it over the
// defaults; absent fields keep their default values.
func LoadConfigYAML(path string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("path", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, NewConfigError("yaml", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.Logger = logger
	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Storage:        DefaultStorageConfig(),
		Engine:         DefaultEngineConfig(),
		Lease:          DefaultLeaseConfig(),
		Retry:          DefaultRetryConfig(),
		Queue:          DefaultQueueConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Observability:  DefaultObservabilityConfig(),
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver: StorageDriverBadger,
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentNodes:   50,
		NodeExecutionTimeout: 5 * time.Minute,
		ExecutionTimeout:     time.Hour,
		StateUpdateRetries:   10,
		IdempotencyClaimTTL:  10 * time.Minute,
		WorkerCount:          10,
		FailurePolicy:        FailurePolicyFailFast,
	}
}

func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		TTL:           30 * time.Second,
		RenewInterval: 10 * time.Second,
	}
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Enabled:           false,
		VisibilityTimeout: time.Minute,
		MaxDeliveries:     5,
		PollInterval:      250 * time.Millisecond,
	}
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:  false,
		Defaults: DefaultBreakerSettings(),
	}
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:       false,
		Addr:          ":9090",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnablePprof:   false,
		EnableMetrics: true,
	}
}

func NewConfigFromSimple(workerID, dataDir string, logger *slog.Logger) *Config {
	config := DefaultConfig()
	config.WorkerID = workerID
	config.DataDir = dataDir
	config.Logger = logger

	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return config
}

func (c *Config) WithStorage(driver StorageDriver, path string) *Config {
	c.Storage.Driver = driver
	c.Storage.Path = path
	return c
}

func (c *Config) WithEngineSettings(maxConcurrentNodes int, nodeTimeout time.Duration, retryAttempts int) *Config {
	if maxConcurrentNodes > 0 {
		c.Engine.MaxConcurrentNodes = maxConcurrentNodes
	}
	if nodeTimeout > 0 {
		c.Engine.NodeExecutionTimeout = nodeTimeout
	}
	if retryAttempts > 0 {
		c.Retry.MaxAttempts = retryAttempts
	}
	return c
}

func (c *Config) WithFailurePolicy(policy FailurePolicy) *Config {
	c.Engine.FailurePolicy = policy
	return c
}

func (c *Config) WithLease(ttl, renewInterval time.Duration) *Config {
	if ttl > 0 {
		c.Lease.TTL = ttl
	}
	if renewInterval > 0 {
		c.Lease.RenewInterval = renewInterval
	}
	return c
}

func (c *Config) WithRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Config {
	if maxAttempts > 0 {
		c.Retry.MaxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		c.Retry.BaseDelay = baseDelay
	}
	if maxDelay > 0 {
		c.Retry.MaxDelay = maxDelay
	}
	return c
}

func (c *Config) WithQueue(visibilityTimeout time.Duration, maxDeliveries int) *Config {
	c.Queue.Enabled = true
	if visibilityTimeout > 0 {
		c.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxDeliveries > 0 {
		c.Queue.MaxDeliveries = maxDeliveries
	}
	return c
}

func (c *Config) WithCircuitBreakers(enabled bool) *Config {
	c.CircuitBreaker.Enabled = enabled
	return c
}

func (c *Config) WithObservability(addr string) *Config {
	c.Observability.Enabled = true
	if addr != "" {
		c.Observability.Addr = addr
	}
	return c
}

func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	switch c.Storage.Driver {
	case StorageDriverSQLite:
		return filepath.Join(c.DataDir, "weft.db")
	default:
		return filepath.Join(c.DataDir, "storage")
	}
}

func (c *Config) Validate() error {
	if c.WorkerID == "" {
		return NewConfigError("worker_id", ErrInvalidInput)
	}
	if c.DataDir == "" && c.Storage.Driver != StorageDriverMemory {
		return NewConfigError("data_dir", ErrInvalidInput)
	}
	if c.Logger == nil {
		return NewConfigError("logger", ErrInvalidInput)
	}

	switch c.Storage.Driver {
	case StorageDriverMemory, StorageDriverBadger, StorageDriverSQLite:
	default:
		return NewConfigError("storage.driver", fmt.Errorf("unknown driver %q", c.Storage.Driver))
	}

	if c.Engine.MaxConcurrentNodes <= 0 {
		return NewConfigError("engine.max_concurrent_nodes", ErrInvalidInput)
	}
	if c.Engine.StateUpdateRetries <= 0 {
		return NewConfigError("engine.state_update_retries", ErrInvalidInput)
	}
	if c.Engine.FailurePolicy != FailurePolicyFailFast && c.Engine.FailurePolicy != FailurePolicyContinueIndependent {
		return NewConfigError("engine.failure_policy", fmt.Errorf("unknown policy %q", c.Engine.FailurePolicy))
	}

	if c.Lease.TTL <= 0 {
		return NewConfigError("lease.ttl", ErrInvalidInput)
	}
	if c.Lease.RenewInterval <= 0 || c.Lease.RenewInterval >= c.Lease.TTL {
		return NewConfigError("lease.renew_interval", fmt.Errorf("renew interval must be positive and shorter than the TTL"))
	}

	if c.Retry.MaxAttempts < 1 {
		return NewConfigError("retry.max_attempts", ErrInvalidInput)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return NewConfigError("retry.base_delay", ErrInvalidInput)
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor >= 1 {
		return NewConfigError("retry.jitter_factor", fmt.Errorf("jitter factor must be in [0, 1)"))
	}

	if c.Queue.Enabled {
		if c.Queue.VisibilityTimeout <= 0 {
			return NewConfigError("queue.visibility_timeout", ErrInvalidInput)
		}
		if c.Queue.MaxDeliveries < 1 {
			return NewConfigError("queue.max_deliveries", ErrInvalidInput)
		}
		if c.Engine.WorkerCount <= 0 {
			return NewConfigError("engine.worker_count", ErrInvalidInput)
		}
	}

	if c.CircuitBreaker.Enabled {
		if err := validateBreakerSettings(c.CircuitBreaker.Defaults); err != nil {
			return NewConfigError("circuit_breaker.defaults", err)
		}
		for action, settings := range c.CircuitBreaker.ActionOverrides {
			if err := validateBreakerSettings(settings); err != nil {
				return NewConfigError(fmt.Sprintf("circuit_breaker.action_overrides.%s", action), err)
			}
		}
	}

	if c.Observability.Enabled && c.Observability.Addr == "" {
		return NewConfigError("observability.addr", ErrInvalidInput)
	}

	return nil
}

func validateBreakerSettings(s BreakerSettings) error {
	if s.FailureThreshold <= 0 {
		return NewConfigError("failure_threshold", ErrInvalidInput)
	}
	if s.SuccessThreshold <= 0 {
		return NewConfigError("success_threshold", ErrInvalidInput)
	}
	if s.OpenTimeout <= 0 {
		return NewConfigError("open_timeout", ErrInvalidInput)
	}
	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
