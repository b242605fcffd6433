package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// App holds process-level configuration loaded from environment variables
type App struct {
	Env                  string // Environment (development/production)
	LogLevel             string // Log level (debug, info, warn, error)
	LogFormat            string // Log output format (console or json)
	SentryDSN            string // Sentry DSN for error tracking
	ConfigDir            string // Directory holding sources.yaml, data_schema.yaml and filters.yaml
	CacheDir             string // Directory holding the per-source cache files
	LogsDir              string // Directory holding event log files
	SlackWebhookURL      string // Slack webhook for run summaries
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter
}

// LoadApp reads process configuration from the environment.
// .env.local takes priority over .env for development overrides.
func LoadApp() *App {
	godotenv.Load(".env.local", ".env")

	return &App{
		Env:                  EnvWithDefault("APP_ENV", "development"),
		LogLevel:             EnvWithDefault("LOG_LEVEL", "info"),
		LogFormat:            os.Getenv("LOG_FORMAT"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		ConfigDir:            EnvWithDefault("CONFIG_PATH", "config"),
		CacheDir:             EnvWithDefault("CACHE_PATH", "caches"),
		LogsDir:              EnvWithDefault("LOGS_PATH", "logs"),
		SlackWebhookURL:      os.Getenv("SLACK_WEBHOOK_URL"),
		ObservabilityEnabled: EnvWithDefault("OBSERVABILITY_ENABLED", "false") == "true",
		MetricsAddr:          EnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         EnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
	}
}

// EnvWithDefault retrieves an environment variable or returns a default value if not set
func EnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// EnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func EnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return result
}
