// Package config defines the global configuration structure for the Waypost
// entitlement engine. Configuration is loaded once at process initialization
// and is immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"waypost/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the Waypost service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"waypost"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Processor     ProcessorConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	Sweep         SweepConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// RequestTimeout bounds end-to-end handler execution, including webhook
	// reconciliation. Webhook handlers must finish (or give up) well inside
	// the payment processor's delivery timeout.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ResyncQueueURL is the SQS queue that receives asynchronous resync
	// requests. Empty in local mode, where resync runs inline.
	ResyncQueueURL string `envconfig:"SQS_RESYNC_QUEUE"`

	// ArchiveBucket is cold storage for aged ledger payload archives.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ProcessorConfig holds payment processor integration credentials and keys.
type ProcessorConfig struct {
	SecretKey     SecretString `envconfig:"PROCESSOR_SECRET_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"PROCESSOR_WEBHOOK_SECRET" validate:"required"`
	// BaseURL overrides the processor API host, used to point the resync
	// client at a stub in local and test environments.
	BaseURL string `envconfig:"PROCESSOR_BASE_URL" default:"https://api.stripe.com"`
}

// SecurityConfig holds security-related configuration including admin access
// and CORS settings.
type SecurityConfig struct {
	// AdminAPIKeyHash is the bcrypt hash of the admin API key. The plaintext
	// key never appears in configuration.
	AdminAPIKeyHash    SecretString `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Waypost"`
}

// SweepConfig holds tuning for the periodic maintenance sweeps.
type SweepConfig struct {
	// RetryInterval is how often the retry sweep scans for unprocessed
	// ledger entries.
	RetryInterval time.Duration `envconfig:"SWEEP_RETRY_INTERVAL" default:"1m"`
	// RetryMinAge is how long an unprocessed entry must sit before the
	// sweep picks it up, to avoid racing in-flight webhook handling.
	RetryMinAge time.Duration `envconfig:"SWEEP_RETRY_MIN_AGE" default:"2m"`
	// RetryMaxAttempts is the attempt cap after which an entry is
	// dead-lettered.
	RetryMaxAttempts int `envconfig:"SWEEP_RETRY_MAX_ATTEMPTS" default:"5"`
	// RetryBatchSize bounds the number of entries claimed per sweep pass.
	RetryBatchSize int `envconfig:"SWEEP_RETRY_BATCH_SIZE" default:"50"`

	// CleanupInterval is how often expired rate limit windows are purged.
	CleanupInterval time.Duration `envconfig:"SWEEP_CLEANUP_INTERVAL" default:"10m"`

	// ArchiveInterval is how often the ledger archive sweep runs.
	ArchiveInterval time.Duration `envconfig:"SWEEP_ARCHIVE_INTERVAL" default:"24h"`
	// ArchiveRetention is how long processed ledger payloads are kept
	// inline before being archived and stripped.
	ArchiveRetention time.Duration `envconfig:"SWEEP_ARCHIVE_RETENTION" default:"720h"`
	// ArchiveBatchSize bounds the number of entries archived per pass.
	ArchiveBatchSize int `envconfig:"SWEEP_ARCHIVE_BATCH_SIZE" default:"500"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
