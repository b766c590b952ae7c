package domain

import (
	"log/slog"
	"time"
)

type StorageDriver string

const (
	StorageDriverMemory StorageDriver = "memory"
	StorageDriverBadger StorageDriver = "badger"
	StorageDriverSQLite StorageDriver = "sqlite"
)

type Config struct {
	WorkerID string       `json:"worker_id" yaml:"worker_id"`
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	Logger   *slog.Logger `json:"-" yaml:"-"`

	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	Engine         EngineConfig         `json:"engine" yaml:"engine"`
	Lease          LeaseConfig          `json:"lease" yaml:"lease"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	Queue          QueueConfig          `json:"queue" yaml:"queue"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `json:"observability" yaml:"observability"`
}

type StorageConfig struct {
	Driver StorageDriver `json:"driver" yaml:"driver"`
	Path   string        `json:"path,omitempty" yaml:"path,omitempty"`
}

type EngineConfig struct {
	MaxConcurrentNodes   int           `json:"max_concurrent_nodes" yaml:"max_concurrent_nodes"`
	NodeExecutionTimeout time.Duration `json:"node_execution_timeout" yaml:"node_execution_timeout"`
	ExecutionTimeout     time.Duration `json:"execution_timeout" yaml:"execution_timeout"`
	StateUpdateRetries   int           `json:"state_update_retries" yaml:"state_update_retries"`
	IdempotencyClaimTTL  time.Duration `json:"idempotency_claim_ttl" yaml:"idempotency_claim_ttl"`
	WorkerCount          int           `json:"worker_count" yaml:"worker_count"`
	FailurePolicy        FailurePolicy `json:"failure_policy" yaml:"failure_policy"`
}

type LeaseConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	RenewInterval time.Duration `json:"renew_interval" yaml:"renew_interval"`
}

type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	JitterFactor float64       `json:"jitter_factor" yaml:"jitter_factor"`
}

type QueueConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	VisibilityTimeout time.Duration `json:"visibility_timeout" yaml:"visibility_timeout"`
	MaxDeliveries     int           `json:"max_deliveries" yaml:"max_deliveries"`
	PollInterval      time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type CircuitBreakerConfig struct {
	Enabled         bool                       `json:"enabled" yaml:"enabled"`
	Defaults        BreakerSettings            `json:"defaults" yaml:"defaults"`
	ActionOverrides map[string]BreakerSettings `json:"action_overrides,omitempty" yaml:"action_overrides,omitempty"`
}

type BreakerSettings struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

type ObservabilityConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Addr          string        `json:"addr" yaml:"addr"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout   time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	EnablePprof   bool          `json:"enable_pprof" yaml:"enable_pprof"`
	EnableMetrics bool          `json:"enable_metrics" yaml:"enable_metrics"`
}

func (c CircuitBreakerConfig) SettingsFor(actionKey string) BreakerSettings {
	if override, ok := c.ActionOverrides[actionKey]; ok {
		return override
	}
	return c.Defaults
}
