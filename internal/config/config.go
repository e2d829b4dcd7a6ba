// Package config defines the global configuration structure for peerflow.
// Configuration is loaded once at process initialization (Lambda cold start)
// and is immutable thereafter. It follows 12-Factor App principles by
// strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the process to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"peerflow/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for peerflow. It is populated
// once during process initialization and never modified. Components receive
// only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"peerflow"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	AWS     AWSConfig
	Buckets BucketConfig
	Peers   PeersConfig
	Admin   AdminConfig
	Webhook WebhookConfig
	Wise    WiseEnvConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// AWSConfig holds AWS regional configuration and resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ProcessedQueueURL, when set, receives a message per post-processing
	// action so the trigger layer can re-invoke processing for derived
	// objects. Empty disables publication.
	ProcessedQueueURL string `envconfig:"SQS_PROCESSED_OBJECTS"`

	// MetricsEnabled toggles CloudWatch metric publication. Disabled in
	// local development where no CloudWatch endpoint exists.
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	// LocalStack / MinIO support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BucketConfig names the S3 buckets the pipeline moves objects through.
// Upload receives raw peer deliveries, Incoming holds post-processed files,
// Categorized holds category-filed copies, Files holds API attachment
// downloads, and BackfillTemp backs up categorized objects during a
// category backfill.
type BucketConfig struct {
	Upload       string `envconfig:"BUCKET_NAME_UPLOAD" validate:"required"`
	Incoming     string `envconfig:"BUCKET_NAME_INCOMING" validate:"required"`
	Categorized  string `envconfig:"BUCKET_NAME_CATEGORIZED" validate:"required"`
	Files        string `envconfig:"BUCKET_NAME_FILES"`
	BackfillTemp string `envconfig:"BUCKET_NAME_BACKFILL_CATEGORIES_TEMP"`
}

// PeersConfig holds the location of the peers.json configuration document.
type PeersConfig struct {
	// ConfigURL is the HTTP endpoint serving peers.json (the AppConfig
	// Lambda extension in deployed environments).
	ConfigURL string `envconfig:"APP_CONFIG_PEERS_URL" validate:"required,url"`

	// FetchTimeout bounds a single peers.json fetch.
	FetchTimeout time.Duration `envconfig:"PEERS_FETCH_TIMEOUT" default:"10s"`
}

// AdminConfig holds settings for the admin backfill HTTP surface.
type AdminConfig struct {
	Port   string       `envconfig:"ADMIN_PORT" default:"8080"`
	APIKey SecretString `envconfig:"ADMIN_API_KEY"`
}

// WebhookConfig holds settings for the public webhook HTTP surface.
type WebhookConfig struct {
	Port string `envconfig:"WEBHOOK_PORT" default:"8081"`
}

// WiseEnvConfig selects the Wise API environment. The staging environment
// targets the Wise sandbox; everything else targets production.
type WiseEnvConfig struct {
	UseSandbox bool `envconfig:"WISE_USE_SANDBOX" default:"false"`
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
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
