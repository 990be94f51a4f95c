package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds every runtime setting read from the environment.
//
// Slice values use envdecode's convention and are separated by semicolons,
// e.g. N8N_WEBHOOK_URLS="https://a.example/webhook;https://b.example/webhook".
type Config struct {
	AppEnv    string `env:"APP_ENV,default=development"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR,default=:8080"`
	PublicBasePath string `env:"PUBLIC_BASE_PATH"`
	PublicBaseURL  string `env:"PUBLIC_BASE_URL"`

	MetricsNamespace string `env:"METRICS_NAMESPACE,default=dduksanglab"`

	DatabaseDriver string `env:"DATABASE_DRIVER,default=postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	SupabaseSchema string `env:"SUPABASE_SCHEMA,default=public"`
	SQLitePath     string `env:"SQLITE_PATH,default=data/dduksanglab.db"`

	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	RedisTLS      bool   `env:"REDIS_TLS,default=false"`

	CronSecret string `env:"CRON_SECRET"`

	PayAppUserID         string        `env:"PAYAPP_USER_ID"`
	PayAppLinkValue      string        `env:"PAYAPP_LINK_VALUE"`
	PayAppSecretKey      string        `env:"PAYAPP_SECRET_KEY"`
	PayAppWebhookRPS     float64       `env:"PAYAPP_WEBHOOK_RPS,default=20"`
	PaymentPendingTTL    time.Duration `env:"PAYMENT_PENDING_TTL,default=24h"`
	ReferralSignupPoints int64         `env:"REFERRAL_SIGNUP_POINTS,default=0"`

	TelegramWebhookSecret string        `env:"TELEGRAM_WEBHOOK_SECRET"`
	N8NWebhookURLs        []string      `env:"N8N_WEBHOOK_URLS"`
	N8NTimeout            time.Duration `env:"N8N_TIMEOUT,default=10s"`

	AIServiceURLs []string `env:"AI_SERVICE_URLS"`

	AutomationEnabled   bool          `env:"AUTOMATION_ENABLED,default=true"`
	SchedulerTimezone   string        `env:"SCHEDULER_TIMEZONE,default=Asia/Seoul"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL,default=30s"`
	HealthCheckTimeout  time.Duration `env:"HEALTH_CHECK_TIMEOUT,default=5s"`
	RankingCacheSize    int           `env:"RANKING_CACHE_SIZE,default=100"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if c.HTTPListenAddr == "" {
		errs = append(errs, errors.New("HTTP_LISTEN_ADDR must not be empty"))
	}
	if c.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("HEALTH_CHECK_INTERVAL must be positive"))
	}
	if c.N8NTimeout <= 0 {
		errs = append(errs, errors.New("N8N_TIMEOUT must be positive"))
	}
	if c.PaymentPendingTTL <= 0 {
		errs = append(errs, errors.New("PAYMENT_PENDING_TTL must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) normalise() {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	c.HTTPListenAddr = strings.TrimSpace(c.HTTPListenAddr)
	c.CronSecret = strings.TrimSpace(c.CronSecret)
	c.TelegramWebhookSecret = strings.TrimSpace(c.TelegramWebhookSecret)
	c.N8NWebhookURLs = compact(c.N8NWebhookURLs)
	c.AIServiceURLs = compact(c.AIServiceURLs)
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
