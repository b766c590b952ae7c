package weft

import (
	"log/slog"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

type Config = domain.Config

type StorageConfig = domain.StorageConfig

type EngineConfig = domain.EngineConfig

type LeaseConfig = domain.LeaseConfig

type RetryConfig = domain.RetryConfig

type QueueConfig = domain.QueueConfig

type CircuitBreakerConfig = domain.CircuitBreakerConfig

type BreakerSettings = domain.BreakerSettings

type ObservabilityConfig = domain.ObservabilityConfig

type StorageDriver = domain.StorageDriver

const (
	StorageDriverMemory = domain.StorageDriverMemory
	StorageDriverBadger = domain.StorageDriverBadger
	StorageDriverSQLite = domain.StorageDriverSQLite
)

type FailurePolicy = domain.FailurePolicy

const (
	FailurePolicyFailFast            = domain.FailurePolicyFailFast
	FailurePolicyContinueIndependent = domain.FailurePolicyContinueIndependent
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

func DefaultEngineConfig() EngineConfig {
	return domain.DefaultEngineConfig()
}

func DefaultLeaseConfig() LeaseConfig {
	return domain.DefaultLeaseConfig()
}

func DefaultRetryConfig() RetryConfig {
	return domain.DefaultRetryConfig()
}

func DefaultQueueConfig() QueueConfig {
	return domain.DefaultQueueConfig()
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return domain.DefaultCircuitBreakerConfig()
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return domain.DefaultObservabilityConfig()
}

// LoadConfigYAML reads an engine configuration from a YAML file, layered
// over the defaults.
func LoadConfigYAML(path string, logger *slog.Logger) (*Config, error) {
	return domain.LoadConfigYAML(path, logger)
}

// ConfigBuilder assembles a Config fluently on top of the defaults.
type ConfigBuilder struct {
	config *Config
}

func NewConfig(workerID, dataDir string) *ConfigBuilder {
	config := domain.DefaultConfig()
	config.WorkerID = workerID
	config.DataDir = dataDir
	return &ConfigBuilder{config: config}
}

func (b *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	b.config.Logger = logger
	return b
}

func (b *ConfigBuilder) WithStorage(driver StorageDriver, path string) *ConfigBuilder {
	b.config.Storage = StorageConfig{Driver: driver, Path: path}
	return b
}

func (b *ConfigBuilder) WithMaxConcurrentNodes(n int) *ConfigBuilder {
	b.config.Engine.MaxConcurrentNodes = n
	return b
}

func (b *ConfigBuilder) WithExecutionTimeout(d time.Duration) *ConfigBuilder {
	b.config.Engine.ExecutionTimeout = d
	return b
}

func (b *ConfigBuilder) WithNodeTimeout(d time.Duration) *ConfigBuilder {
	b.config.Engine.NodeExecutionTimeout = d
	return b
}

func (b *ConfigBuilder) WithFailurePolicy(policy FailurePolicy) *ConfigBuilder {
	b.config.Engine.FailurePolicy = policy
	return b
}

func (b *ConfigBuilder) WithRetry(retry RetryConfig) *ConfigBuilder {
	b.config.Retry = retry
	return b
}

func (b *ConfigBuilder) WithLease(ttl, renewInterval time.Duration) *ConfigBuilder {
	b.config.Lease = LeaseConfig{TTL: ttl, RenewInterval: renewInterval}
	return b
}

func (b *ConfigBuilder) WithQueue(queue QueueConfig) *ConfigBuilder {
	b.config.Queue = queue
	return b
}

func (b *ConfigBuilder) WithCircuitBreaker(breaker CircuitBreakerConfig) *ConfigBuilder {
	b.config.CircuitBreaker = breaker
	return b
}

func (b *ConfigBuilder) WithObservability(obs ObservabilityConfig) *ConfigBuilder {
	b.config.Observability = obs
	return b
}

// Build validates the assembled configuration and returns it.
func (b *ConfigBuilder) Build() (*Config, error) {
	if b.config.Logger == nil {
		b.config.Logger = slog.Default()
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}
