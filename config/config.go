// Package config loads the service configuration from the environment, an
// optional .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the typed service configuration.
type Config struct {
	Port            string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string

	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	AppBaseURL         string

	WebhookURL    string
	WebhookSecret string

	JWTSecret   string
	JWTAudience string

	CronSecret       string
	SyncCronSchedule string
	DefaultTimezone  string

	CORSAllowedOrigins []string
	CalendarListTTL    time.Duration

	Telemetry *TelemetryConfig
}

// TelemetryConfig enables OTLP export. nil means telemetry is off.
type TelemetryConfig struct {
	OTLPEndpoint string
	Insecure     bool
	ServiceName  string
	Headers      map[string]string
}

var defaults = map[string]any{
	"port":                 "8080",
	"shutdown_timeout":     "10s",
	"log_level":            "info",
	"log_format":           "json",
	"database_driver":      "postgres",
	"redis_url":            "redis://localhost:6379/0",
	"app_base_url":         "http://localhost:3000",
	"jwt_audience":         "authenticated",
	"sync_cron_schedule":   "@every 1m",
	"default_timezone":     "America/Sao_Paulo",
	"calendar_list_ttl":    "5m",
	"cors_allowed_origins": "http://localhost:3000",
	"otel_service_name":    "calsync-cloud",
}

// Load reads .env (if present), then the environment, then CONFIG_FILE (if
// set). Environment variables win over the file.
func Load() (*Config, error) {
	// Missing .env is fine in deployed environments.
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range []string{
		"database_url", "google_client_id", "google_client_secret", "google_redirect_url",
		"webhook_url", "webhook_secret", "jwt_secret", "cron_secret",
		"otel_exporter_otlp_endpoint", "otel_exporter_otlp_insecure", "otel_exporter_otlp_headers",
	} {
		_ = v.BindEnv(k)
	}

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", file, err)
		}
	}

	cfg := &Config{
		Port:               v.GetString("port"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
		DatabaseDriver:     v.GetString("database_driver"),
		DatabaseURL:        v.GetString("database_url"),
		RedisURL:           v.GetString("redis_url"),
		GoogleClientID:     v.GetString("google_client_id"),
		GoogleClientSecret: v.GetString("google_client_secret"),
		GoogleRedirectURL:  v.GetString("google_redirect_url"),
		AppBaseURL:         strings.TrimRight(v.GetString("app_base_url"), "/"),
		WebhookURL:         v.GetString("webhook_url"),
		WebhookSecret:      v.GetString("webhook_secret"),
		JWTSecret:          v.GetString("jwt_secret"),
		JWTAudience:        v.GetString("jwt_audience"),
		CronSecret:         v.GetString("cron_secret"),
		SyncCronSchedule:   v.GetString("sync_cron_schedule"),
		DefaultTimezone:    v.GetString("default_timezone"),
		CORSAllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		CalendarListTTL:    v.GetDuration("calendar_list_ttl"),
	}
	if endpoint := v.GetString("otel_exporter_otlp_endpoint"); endpoint != "" {
		cfg.Telemetry = &TelemetryConfig{
			OTLPEndpoint: endpoint,
			Insecure:     v.GetBool("otel_exporter_otlp_insecure"),
			ServiceName:  v.GetString("otel_service_name"),
			Headers:      parseHeaders(v.GetString("otel_exporter_otlp_headers")),
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"DATABASE_URL", c.DatabaseURL},
		{"GOOGLE_CLIENT_ID", c.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", c.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URL", c.GoogleRedirectURL},
		{"JWT_SECRET", c.JWTSecret},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	switch c.DatabaseDriver {
	case "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q must be postgres or sqlite3", c.DatabaseDriver))
	}

	if c.WebhookURL != "" {
		u, err := url.ParseRequestURI(c.WebhookURL)
		if err != nil || u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL %q must be an https URL", c.WebhookURL))
		}
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err))
	}
	if c.CalendarListTTL <= 0 {
		errs = append(errs, errors.New("CALENDAR_LIST_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// Location returns the timezone used for pushed events.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseHeaders reads the OTEL_EXPORTER_OTLP_HEADERS format: k1=v1,k2=v2.
func parseHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range splitList(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
