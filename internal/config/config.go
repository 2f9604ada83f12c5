package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BotToken              string
	TelegramWebhookSecret string
	MercadoPagoToken      string
	MercadoPagoBaseURL    string
	WebhookBaseURL        string
	HTTPAddr              string
	CronSecret            string

	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdminUserIDs []int64

	InviteLinkTTL       time.Duration
	VerifyTimeout       time.Duration
	LedgerStaleAfter    time.Duration
	ChargeCacheTTL      time.Duration
	SweepSchedule       string
	SweepLockTTL        time.Duration
	ReminderWindowLower time.Duration
	ReminderWindowUpper time.Duration

	Workers int
}

// LoadEnvFiles reads dotenv files without overriding variables already set in
// the process environment. Missing files are ignored.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load builds the configuration from the environment. Missing credentials are
// returned as a single error listing every absent variable.
func Load() (*Config, error) {
	cfg := &Config{
		BotToken:              env("TELEGRAM_BOT_TOKEN", ""),
		TelegramWebhookSecret: env("TELEGRAM_WEBHOOK_SECRET", ""),
		MercadoPagoToken:      env("MERCADO_PAGO_ACCESS_TOKEN", ""),
		MercadoPagoBaseURL:    strings.TrimRight(env("MERCADO_PAGO_BASE_URL", "https://api.mercadopago.com"), "/"),
		WebhookBaseURL:        strings.TrimRight(env("WEBHOOK_BASE_URL", ""), "/"),
		HTTPAddr:              env("HTTP_ADDR", ":8080"),
		CronSecret:            env("CRON_SECRET", ""),
		PostgresDSN:           env("POSTGRES_DSN", ""),
		RedisAddr:             fmt.Sprintf("%s:%s", env("REDIS_HOST", "localhost"), env("REDIS_PORT", "6379")),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               envInt("REDIS_DB", 0),
		InviteLinkTTL:         envDuration("INVITE_LINK_TTL", 2*time.Hour),
		VerifyTimeout:         envDuration("VERIFY_TIMEOUT", 15*time.Second),
		LedgerStaleAfter:      envDuration("LEDGER_STALE_AFTER", 10*time.Minute),
		ChargeCacheTTL:        envDuration("CHARGE_CACHE_TTL", 30*time.Minute),
		SweepSchedule:         env("SWEEP_SCHEDULE", "0 0 * * * *"),
		SweepLockTTL:          envDuration("SWEEP_LOCK_TTL", 15*time.Minute),
		ReminderWindowLower:   envDuration("REMINDER_WINDOW_LOWER", 48*time.Hour),
		ReminderWindowUpper:   envDuration("REMINDER_WINDOW_UPPER", 72*time.Hour),
		Workers:               envInt("FULFILLMENT_WORKERS", 3),
	}

	ids, err := parseIDs(os.Getenv("ADMIN_USER_IDS"))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_USER_IDS: %w", err)
	}
	cfg.AdminUserIDs = ids

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.MercadoPagoToken == "" {
		missing = append(missing, "MERCADO_PAGO_ACCESS_TOKEN")
	}
	if c.WebhookBaseURL == "" {
		missing = append(missing, "WEBHOOK_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.ReminderWindowLower > c.ReminderWindowUpper {
		return errors.New("REMINDER_WINDOW_LOWER must not exceed REMINDER_WINDOW_UPPER")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return nil
}

// NotificationURL is where the gateway posts payment updates.
func (c *Config) NotificationURL() string {
	return c.WebhookBaseURL + "/webhook/mercadopago"
}

func (c *Config) TelegramWebhookURL() string {
	return c.WebhookBaseURL + "/webhook/telegram"
}

// UseTelegramWebhook reports whether updates arrive by webhook. Without a
// secret the bot falls back to long polling.
func (c *Config) UseTelegramWebhook() bool {
	return c.TelegramWebhookSecret != ""
}

func (c *Config) IsAdmin(telegramUserID int64) bool {
	for _, id := range c.AdminUserIDs {
		if id == telegramUserID {
			return true
		}
	}
	return false
}

func env(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
