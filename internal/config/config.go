package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// SMTPAccount is one entry of the outbound mail account pool. The password
// is an opaque secret and must never be logged in full.
type SMTPAccount struct {
	Email    string
	Password string
}

// Config holds every recognized runtime option. Values come from the
// environment, optionally seeded from a .env file.
type Config struct {
	// Admin API bind. The effective port is HTTPPort + (chunk - 1).
	HTTPHost string
	HTTPPort int

	// Persistence target.
	DBType     string // "sqlite" or "postgres"
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBPath     string // sqlite file path

	// Used to build item edit links in notifications.
	AdminDomain string

	// Chat (Telegram).
	TelegramThrottle time.Duration

	// Webhook transport.
	WebhookEnabled    bool
	WebhookThrottle   time.Duration
	WebhookTimeout    time.Duration
	WebhookMaxRetries int

	// Push (Firebase Cloud Messaging).
	FirebaseThrottle           time.Duration
	FirebaseServiceAccountPath string

	// Email.
	EmailThrottle time.Duration
	SMTPEnabled   bool
	SMTPHost      string
	SMTPPort      int
	SMTPUseTLS    bool
	SMTPFromName  string
	SMTPAccounts  []SMTPAccount

	// Throttle curve.
	ConsecutiveErrorThreshold int
	ExtendedAlertInterval     time.Duration
	CountBeforeExtended       int

	// Runtime sizing.
	MaxConcurrentChecks int
	ConnectionPoolSize  int
	HTTPTimeout         time.Duration

	// Logging.
	LogLevel  string
	LogFormat string
	LogFile   string

	// Fallback when a numeric timezone offset has no table entry.
	DefaultTimezone string
}

// Load reads configuration from the environment. When testMode is set the
// alternate test.env file is loaded instead of .env; a missing env file is
// not an error since everything can come from the real environment.
func Load(testMode bool) (*Config, error) {
	envFile := ".env"
	if testMode {
		envFile = "test.env"
	}
	if err := godotenv.Load(envFile); err == nil {
		log.Debug().Str("file", envFile).Msg("Loaded environment file")
	}

	cfg := &Config{
		HTTPHost:                   envString("HTTP_HOST", "127.0.0.1"),
		HTTPPort:                   envInt("HTTP_PORT", 8989),
		DBType:                     strings.ToLower(envString("DB_TYPE", "sqlite")),
		DBHost:                     envString("DB_HOST", "localhost"),
		DBPort:                     envInt("DB_PORT", 5432),
		DBUser:                     envString("DB_USER", ""),
		DBPassword:                 envString("DB_PASSWORD", ""),
		DBName:                     envString("DB_NAME", "monitor"),
		DBPath:                     envString("DB_PATH", "monitor.db"),
		AdminDomain:                envString("ADMIN_DOMAIN", ""),
		TelegramThrottle:           envSeconds("TELEGRAM_THROTTLE_SECONDS", 30),
		WebhookEnabled:             envBool("WEBHOOK_ENABLED", true),
		WebhookThrottle:            envSeconds("WEBHOOK_THROTTLE_SECONDS", 30),
		WebhookTimeout:             envSeconds("WEBHOOK_TIMEOUT", 10),
		WebhookMaxRetries:          envInt("WEBHOOK_MAX_RETRIES", 3),
		FirebaseThrottle:           envSeconds("FIREBASE_THROTTLE_SECONDS", 30),
		FirebaseServiceAccountPath: envString("FIREBASE_SERVICE_ACCOUNT_PATH", ""),
		EmailThrottle:              envSeconds("EMAIL_THROTTLE_SECONDS", 300),
		SMTPEnabled:                envBool("SMTP_ENABLED", false),
		SMTPHost:                   envString("SMTP_HOST", ""),
		SMTPPort:                   envInt("SMTP_PORT", 587),
		SMTPUseTLS:                 envBool("SMTP_USE_TLS", true),
		SMTPFromName:               envString("SMTP_FROM_NAME", "Monitor Service"),
		ConsecutiveErrorThreshold:  envInt("CONSECUTIVE_ERROR_THRESHOLD", 10),
		ExtendedAlertInterval:      time.Duration(envInt("EXTENDED_ALERT_INTERVAL_MINUTES", 5)) * time.Minute,
		CountBeforeExtended:        envInt("COUNT_SEND_ALERT_BEFORE_EXTENDED_INTERVAL", 5),
		MaxConcurrentChecks:        envInt("MAX_CONCURRENT_CHECKS", 500),
		ConnectionPoolSize:         envInt("CONNECTION_POOL_SIZE", 50),
		HTTPTimeout:                envSeconds("HTTP_TIMEOUT", 30),
		LogLevel:                   envString("LOG_LEVEL", "info"),
		LogFormat:                  envString("LOG_FORMAT", "auto"),
		LogFile:                    envString("LOG_FILE", ""),
		DefaultTimezone:            envString("DEFAULT_TIMEZONE", "UTC"),
	}

	cfg.SMTPAccounts = loadSMTPAccounts()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBType {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_TYPE %q (expected sqlite or postgres)", c.DBType)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.SMTPEnabled && c.SMTPHost == "" {
		return fmt.Errorf("SMTP_ENABLED is set but SMTP_HOST is empty")
	}
	if c.MaxConcurrentChecks <= 0 {
		c.MaxConcurrentChecks = 500
	}
	if c.ConnectionPoolSize <= 0 {
		c.ConnectionPoolSize = 50
	}
	return nil
}

// loadSMTPAccounts collects the SMTP_ACCOUNT_i_EMAIL / SMTP_ACCOUNT_i_PASSWORD
// pool, starting at 1 and stopping at the first gap.
func loadSMTPAccounts() []SMTPAccount {
	var accounts []SMTPAccount
	for i := 1; ; i++ {
		email := os.Getenv(fmt.Sprintf("SMTP_ACCOUNT_%d_EMAIL", i))
		if email == "" {
			break
		}
		accounts = append(accounts, SMTPAccount{
			Email:    email,
			Password: os.Getenv(fmt.Sprintf("SMTP_ACCOUNT_%d_PASSWORD", i)),
		})
	}
	return accounts
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
	return fallback
}
