// Package config defines the configuration for the FolioBase billing core.
// Configuration is loaded once at process initialization and is immutable
// thereafter; values come from the OS environment, with a .env file as
// fallback for local development. Any missing required value or invalid
// format fails startup immediately.
package config

import (
	"time"

	"foliobase/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for sensitive configuration values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"foliobase-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	Billing   BillingConfig
	Reconcile ReconcileConfig
	AWS       AWSConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"20s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds the payment provider credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// ReconcileConfig tunes the reconciliation engine and the snapshot job.
type ReconcileConfig struct {
	// GraceWindow is how long a subscription may go unmentioned by complete
	// snapshots before it is reported as missing locally.
	GraceWindow time.Duration `envconfig:"RECONCILE_GRACE_WINDOW" default:"72h"`
	// SnapshotDumpDir, when set, makes the snapshot job write a compressed
	// dump of every fetched snapshot for replay and diffing.
	SnapshotDumpDir string `envconfig:"SNAPSHOT_DUMP_DIR"`
	// CatalogReloadInterval is how often the API server re-reads the plan
	// catalog from the database.
	CatalogReloadInterval time.Duration `envconfig:"CATALOG_RELOAD_INTERVAL" default:"5m"`
}

// AWSConfig holds AWS resource identifiers for the event worker.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// EventQueueURL is the SQS queue the billing event worker consumes.
	EventQueueURL string `envconfig:"SQS_BILLING_EVENTS"`
	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// MetricsConfig holds telemetry settings.
type MetricsConfig struct {
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"FolioBase/Billing"`
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates environment values could not be parsed into
	// their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
