// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/rules"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded migrations at startup

	// Audit scheduler
	AuditInterval  time.Duration
	AuditBatchSize int

	// Alert notifier
	NotifyInterval  time.Duration
	NotifyBatchSize int
	BankName        string // signature line of customer alerts

	// Narrative generator (OpenAI-compatible chat completions)
	NarrativeURL     string
	NarrativeAPIKey  string
	NarrativeModel   string
	NarrativeTimeout time.Duration

	// Mail delivery
	SMTPAddr          string
	SMTPUsername      string
	SMTPPassword      string
	MailFrom          string
	MailWebhookURL    string
	MailWebhookSecret string
	MailTimeout       time.Duration
	OutboxDir         string

	// Observability
	OTLPEndpoint string

	// HTTP surface
	MaxWSClients   int
	CORSOrigins    []string
	RateLimitRPM   int // reviewer API requests per minute per client, 0 disables
	RateLimitBurst int

	// Rule thresholds
	Rules rules.Thresholds
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultAuditInterval    = 10 * time.Second
	DefaultNotifyInterval   = 10 * time.Second
	DefaultBatchSize        = 100
	DefaultNarrativeModel   = "llama-3.3-70b-versatile"
	DefaultNarrativeTimeout = 20 * time.Second
	DefaultMailTimeout      = 15 * time.Second
	DefaultOutboxDir        = "outbox"
	DefaultBankName         = "Sentinel Bank Security"
	DefaultMaxWSClients     = 200
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	def := rules.DefaultThresholds()
	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),

		AuditInterval:   getEnvDuration("AUDIT_INTERVAL", DefaultAuditInterval),
		AuditBatchSize:  int(getEnvInt64("AUDIT_BATCH_SIZE", DefaultBatchSize)),
		NotifyInterval:  getEnvDuration("NOTIFY_INTERVAL", DefaultNotifyInterval),
		NotifyBatchSize: int(getEnvInt64("NOTIFY_BATCH_SIZE", DefaultBatchSize)),
		BankName:        getEnv("BANK_NAME", DefaultBankName),

		NarrativeURL:     os.Getenv("NARRATIVE_URL"),
		NarrativeAPIKey:  os.Getenv("NARRATIVE_API_KEY"),
		NarrativeModel:   getEnv("NARRATIVE_MODEL", DefaultNarrativeModel),
		NarrativeTimeout: getEnvDuration("NARRATIVE_TIMEOUT", DefaultNarrativeTimeout),

		SMTPAddr:          os.Getenv("SMTP_ADDR"),
		SMTPUsername:      os.Getenv("SMTP_USERNAME"),
		SMTPPassword:      os.Getenv("SMTP_PASSWORD"),
		MailFrom:          os.Getenv("MAIL_FROM"),
		MailWebhookURL:    os.Getenv("MAIL_WEBHOOK_URL"),
		MailWebhookSecret: os.Getenv("MAIL_WEBHOOK_SECRET"),
		MailTimeout:       getEnvDuration("MAIL_TIMEOUT", DefaultMailTimeout),
		OutboxDir:         getEnv("OUTBOX_DIR", DefaultOutboxDir),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MaxWSClients: int(getEnvInt64("WS_MAX_CLIENTS", DefaultMaxWSClients)),
		CORSOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),

		RateLimitRPM:   int(getEnvInt64("REVIEW_RATE_LIMIT", DefaultRateLimitRPM)),
		RateLimitBurst: int(getEnvInt64("REVIEW_RATE_BURST", DefaultRateLimitBurst)),

		Rules: rules.Thresholds{
			GeoForeignWindow:     getEnvDuration("RULE_GEO_FOREIGN_WINDOW", def.GeoForeignWindow),
			GeoDomesticWindow:    getEnvDuration("RULE_GEO_DOMESTIC_WINDOW", def.GeoDomesticWindow),
			VelocityWindow:       getEnvDuration("RULE_VELOCITY_WINDOW", def.VelocityWindow),
			StructuringMin:       getEnvDecimal("RULE_STRUCTURING_MIN", def.StructuringMin),
			StructuringMax:       getEnvDecimal("RULE_STRUCTURING_MAX", def.StructuringMax),
			StructuringTolerance: getEnvDecimal("RULE_STRUCTURING_TOLERANCE", def.StructuringTolerance),
			PassThroughWindow:    getEnvDuration("RULE_PASSTHROUGH_WINDOW", def.PassThroughWindow),
			PassThroughTolerance: getEnvDecimal("RULE_PASSTHROUGH_TOLERANCE", def.PassThroughTolerance),
			DormancyPeriod:       getEnvDuration("RULE_DORMANCY_PERIOD", def.DormancyPeriod),
			DormancyAmount:       getEnvDecimal("RULE_DORMANCY_AMOUNT", def.DormancyAmount),
			ProbeMaxAmount:       getEnvDecimal("RULE_PROBE_MAX", def.ProbeMaxAmount),
			ProbeFollowAmount:    getEnvDecimal("RULE_PROBE_FOLLOW", def.ProbeFollowAmount),
			Epsilon:              def.Epsilon,
			Lookback:             getEnvDuration("RULE_LOOKBACK", def.Lookback),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.AuditInterval <= 0 {
		errs = append(errs, fmt.Errorf("AUDIT_INTERVAL must be positive"))
	}
	if c.NotifyInterval <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_INTERVAL must be positive"))
	}
	if c.AuditBatchSize <= 0 || c.NotifyBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("AUDIT_BATCH_SIZE and NOTIFY_BATCH_SIZE must be positive"))
	}
	if c.Rules.StructuringMin.GreaterThan(c.Rules.StructuringMax) {
		errs = append(errs, fmt.Errorf("RULE_STRUCTURING_MIN must not exceed RULE_STRUCTURING_MAX"))
	}
	if c.Rules.Lookback < c.Rules.DormancyPeriod {
		errs = append(errs, fmt.Errorf("RULE_LOOKBACK must cover RULE_DORMANCY_PERIOD"))
	}
	if c.MailWebhookURL != "" && c.MailWebhookSecret == "" {
		errs = append(errs, fmt.Errorf("MAIL_WEBHOOK_SECRET is required with MAIL_WEBHOOK_URL"))
	}
	if c.SMTPAddr != "" && c.MailFrom == "" {
		errs = append(errs, fmt.Errorf("MAIL_FROM is required with SMTP_ADDR"))
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required in production"))
		}
		if c.NarrativeURL == "" {
			errs = append(errs, fmt.Errorf("NARRATIVE_URL is required in production"))
		}
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
