// Package config defines the process configuration for DevVelocity binaries.
// Configuration is read once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"strings"
	"time"

	"devvelocity/internal/types"
)

// SecretString is the redacted string type used for every credential.
type SecretString = types.SecretString

// Config is the top-level configuration. Components receive only the
// sub-config they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"devvelocity-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Supabase      SupabaseConfig
	Stripe        StripeConfig
	Lemon         LemonConfig
	OpenAI        OpenAIConfig
	Email         EmailConfig
	AWS           AWSConfig
	Security      SecurityConfig
	Cache         CacheConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// AppBaseURL is the dashboard origin used for checkout and SSO redirects
	// (no trailing slash).
	AppBaseURL string `envconfig:"APP_BASE_URL" default:"http://localhost:3000" validate:"url"`
	// APIBaseURL is this service's public origin, used for SSO callbacks.
	APIBaseURL     string        `envconfig:"API_BASE_URL" default:"http://localhost:8080" validate:"url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds the Postgres connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// SupabaseConfig holds the hosted auth settings. Access tokens are HS256
// JWTs signed with JWTSecret and issued by {URL}/auth/v1.
type SupabaseConfig struct {
	URL            string       `envconfig:"SUPABASE_URL" validate:"omitempty,url"`
	AnonKey        SecretString `envconfig:"SUPABASE_ANON_KEY"`
	ServiceRoleKey SecretString `envconfig:"SUPABASE_SERVICE_ROLE_KEY"`
	JWTSecret      SecretString `envconfig:"SUPABASE_JWT_SECRET"`
}

// Issuer returns the expected iss claim of Supabase access tokens.
func (c SupabaseConfig) Issuer() string {
	if c.URL == "" {
		return ""
	}
	return strings.TrimRight(c.URL, "/") + "/auth/v1"
}

// StripeConfig holds Stripe credentials and the price id of each paid plan.
type StripeConfig struct {
	SecretKey       SecretString `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret   SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	PriceStartup    string       `envconfig:"STRIPE_PRICE_STARTUP"`
	PriceTeam       string       `envconfig:"STRIPE_PRICE_TEAM"`
	PriceEnterprise string       `envconfig:"STRIPE_PRICE_ENTERPRISE"`
}

// Enabled reports whether Stripe checkout can be offered.
func (c StripeConfig) Enabled() bool { return c.SecretKey != "" }

// Prices maps each paid plan to its configured Stripe price id.
func (c StripeConfig) Prices() map[types.PlanID]string {
	return planMap(c.PriceStartup, c.PriceTeam, c.PriceEnterprise)
}

// LemonConfig holds Lemon Squeezy credentials and the variant id of each
// paid plan.
type LemonConfig struct {
	APIKey            SecretString `envconfig:"LEMON_API_KEY"`
	StoreID           string       `envconfig:"LEMON_STORE_ID"`
	WebhookSecret     SecretString `envconfig:"LEMON_WEBHOOK_SECRET"`
	VariantStartup    string       `envconfig:"LEMON_VARIANT_STARTUP"`
	VariantTeam       string       `envconfig:"LEMON_VARIANT_TEAM"`
	VariantEnterprise string       `envconfig:"LEMON_VARIANT_ENTERPRISE"`
}

// Enabled reports whether Lemon Squeezy checkout can be offered.
func (c LemonConfig) Enabled() bool { return c.APIKey != "" && c.StoreID != "" }

// Variants maps each paid plan to its configured variant id.
func (c LemonConfig) Variants() map[types.PlanID]string {
	return planMap(c.VariantStartup, c.VariantTeam, c.VariantEnterprise)
}

func planMap(startup, team, enterprise string) map[types.PlanID]string {
	out := make(map[types.PlanID]string, 3)
	for plan, id := range map[types.PlanID]string{
		types.PlanStartup:    startup,
		types.PlanTeam:       team,
		types.PlanEnterprise: enterprise,
	} {
		if id != "" {
			out[plan] = id
		}
	}
	return out
}

// OpenAIConfig holds the AI builder model settings.
type OpenAIConfig struct {
	APIKey  SecretString `envconfig:"OPENAI_API_KEY"`
	Model   string       `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	BaseURL string       `envconfig:"OPENAI_BASE_URL" validate:"omitempty,url"`
}

// EmailConfig holds transactional email settings.
type EmailConfig struct {
	ResendAPIKey SecretString `envconfig:"RESEND_API_KEY"`
	From         string       `envconfig:"EMAIL_FROM" default:"DevVelocity <noreply@devvelocity.io>"`
	QueueURL     string       `envconfig:"EMAIL_QUEUE_URL" validate:"omitempty,url"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region       string `envconfig:"AWS_REGION" default:"us-east-1"`
	ExportBucket string `envconfig:"EXPORT_BUCKET"`

	// LocalStack support; empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds shared secrets and CORS settings.
type SecurityConfig struct {
	AdminSecret        SecretString `envconfig:"INTERNAL_ADMIN_SECRET"`
	SessionSecret      SecretString `envconfig:"SESSION_SECRET" validate:"omitempty,min=32"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// RateLimitPerMinute caps authenticated requests per organization.
	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600" validate:"min=1"`
}

// CacheConfig configures the plan cache. Without a Redis URL an in-process
// cache is used.
type CacheConfig struct {
	RedisURL SecretString  `envconfig:"REDIS_URL"`
	PlanTTL  time.Duration `envconfig:"PLAN_CACHE_TTL" default:"5m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"DevVelocity"`
	TracingEnabled  bool   `envconfig:"TRACING_ENABLED" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an env value could not be parsed into its type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
