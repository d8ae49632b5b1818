// Package config loads process configuration from the environment.
//
// A .env file is honored when present (development convenience); real
// environment variables always win. The resulting Config struct is
// passed explicitly into the server, scheduler and notifier - no
// process-wide mutable settings.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Payout   PayoutConfig
	SMTP     SMTPConfig
}

type ServerConfig struct {
	Port      string
	Env       string // "development" or "production"
	JWTSecret string
}

type DatabaseConfig struct {
	Path string
}

// PayoutConfig tunes the trigger driver and orchestrator.
type PayoutConfig struct {
	// OperatorEmail receives a copy of every payout notice.
	OperatorEmail string

	// DailySpec is the production schedule (cron syntax).
	DailySpec string

	// FastIntervalMinutes > 0 enables the staging/testing schedule
	// ("every N minutes"). Disabled in production regardless.
	FastIntervalMinutes int

	// Workers bounds within-run parallelism.
	Workers int

	// LeaseTTL caps how long a crashed run can hold the lease.
	LeaseTTL time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	AppName  string
}

// Load reads configuration from the environment, with a .env file as a
// development fallback.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Println("[Config] Loaded .env file")
	}

	return &Config{
		Server: ServerConfig{
			Port:      getEnv("PORT", "8080"),
			Env:       getEnv("GO_ENV", "development"),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "payout.db"),
		},
		Payout: PayoutConfig{
			OperatorEmail:       getEnv("OPERATOR_EMAIL", ""),
			DailySpec:           getEnv("PAYOUT_DAILY_SPEC", "0 0 * * *"),
			FastIntervalMinutes: getEnvInt("PAYOUT_FAST_INTERVAL_MINUTES", 0),
			Workers:             getEnvInt("PAYOUT_WORKERS", 4),
			LeaseTTL:            time.Duration(getEnvInt("PAYOUT_LEASE_TTL_MINUTES", 60)) * time.Minute,
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 465),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			AppName:  getEnv("APP_NAME", "Investment Engine"),
		},
	}
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("[Config] Ignoring malformed %s=%q", key, raw)
		return defaultValue
	}
	return n
}
