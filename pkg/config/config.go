package config

import (
	"time"
)

// Config is the full configuration for a SentinelFlow worker process.
type Config struct {
	Temporal  TemporalConfig  `koanf:"temporal"  validate:"required"`
	Redis     RedisConfig     `koanf:"redis"     validate:"required"`
	Limits    LimitsConfig    `koanf:"limits"    validate:"required"`
	Blob      BlobConfig      `koanf:"blob"      validate:"required"`
	Scheduler SchedulerConfig `koanf:"scheduler" validate:"required"`
	Log       LogConfig       `koanf:"log"`
}

// TemporalConfig points the worker at the durable execution substrate.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port" validate:"required" env:"TEMPORAL_HOST_PORT"`
	Namespace string `koanf:"namespace" validate:"required" env:"TEMPORAL_NAMESPACE"`
	TaskQueue string `koanf:"task_queue" validate:"required" env:"TEMPORAL_TASK_QUEUE"`
}

// RedisConfig configures the shared key-value store backing the admission
// semaphore and the blob store.
type RedisConfig struct {
	URL         string        `koanf:"url"          env:"REDIS_URL"`
	Host        string        `koanf:"host"         env:"REDIS_HOST"`
	Port        string        `koanf:"port"         env:"REDIS_PORT"`
	Password    string        `koanf:"password"     env:"REDIS_PASSWORD"`
	DB          int           `koanf:"db"           env:"REDIS_DB"`
	PingTimeout time.Duration `koanf:"ping_timeout" env:"REDIS_PING_TIMEOUT"`
}

// LimitsConfig holds the per-organization admission caps and the semaphore
// polling knobs. A zero cap means unlimited.
type LimitsConfig struct {
	WorkflowConcurrency int           `koanf:"workflow_concurrency" validate:"min=0" env:"LIMITS_WORKFLOW_CONCURRENCY"`
	ActionConcurrency   int           `koanf:"action_concurrency"   validate:"min=0" env:"LIMITS_ACTION_CONCURRENCY"`
	ActionExecutions    int           `koanf:"action_executions"    validate:"min=0" env:"LIMITS_ACTION_EXECUTIONS"`
	BackoffBase         time.Duration `koanf:"backoff_base"         env:"LIMITS_BACKOFF_BASE"`
	BackoffMax          time.Duration `koanf:"backoff_max"          env:"LIMITS_BACKOFF_MAX"`
	MaxWait             time.Duration `koanf:"max_wait"             env:"LIMITS_MAX_WAIT"`
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"   env:"LIMITS_HEARTBEAT_INTERVAL"`
	PermitTTL           time.Duration `koanf:"permit_ttl"           env:"LIMITS_PERMIT_TTL"`
}

// BlobConfig controls externalization of large collections.
type BlobConfig struct {
	InlineThreshold int           `koanf:"inline_threshold" validate:"min=1" env:"BLOB_INLINE_THRESHOLD"`
	ChunkSize       int           `koanf:"chunk_size"       validate:"min=1" env:"BLOB_CHUNK_SIZE"`
	TTL             time.Duration `koanf:"ttl"              env:"BLOB_TTL"`
}

// SchedulerConfig carries graph-execution defaults.
type SchedulerConfig struct {
	MaxIterations        int           `koanf:"max_iterations"         validate:"min=1" env:"SCHEDULER_MAX_ITERATIONS"`
	ActionTimeout        time.Duration `koanf:"action_timeout"         env:"SCHEDULER_ACTION_TIMEOUT"`
	DefaultRetryAttempts int           `koanf:"default_retry_attempts" validate:"min=1" env:"SCHEDULER_DEFAULT_RETRY_ATTEMPTS"`
}

// LogConfig configures process-level logging.
type LogConfig struct {
	Level string `koanf:"level" env:"LOG_LEVEL"`
	JSON  bool   `koanf:"json"  env:"LOG_JSON"`
}

// Default returns the built-in configuration used when no overrides are set.
func Default() *Config {
	return &Config{
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "sentinelflow",
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        "6379",
			PingTimeout: 10 * time.Second,
		},
		Limits: LimitsConfig{
			WorkflowConcurrency: 0,
			ActionConcurrency:   0,
			ActionExecutions:    1000,
			BackoffBase:         500 * time.Millisecond,
			BackoffMax:          30 * time.Second,
			MaxWait:             10 * time.Minute,
			HeartbeatInterval:   15 * time.Second,
			PermitTTL:           time.Minute,
		},
		Blob: BlobConfig{
			InlineThreshold: 256 * 1024,
			ChunkSize:       64,
			TTL:             24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			MaxIterations:        100,
			ActionTimeout:        5 * time.Minute,
			DefaultRetryAttempts: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
