package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	LLM           LLMConfig
	Billing       BillingConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port               string
	RateLimitPerSecond int
	RateLimitBurst     int
	AllowedOrigins     []string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN builds a postgres connection string for pgx.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type AuthConfig struct {
	JWTSecret string
}

type LLMConfig struct {
	GeminiAPIKey string
	Model        string
}

type BillingConfig struct {
	// WebhookSecret signs provider webhook deliveries (HMAC-SHA256).
	WebhookSecret string
	// CreditsPerImage is the price of one analysis call in credits.
	CreditsPerImage int
}

type ObservabilityConfig struct {
	MetricsEnabled bool
}

// Load reads configuration from the environment, with a best-effort .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			RateLimitPerSecond: getEnvInt("RATE_LIMIT_PER_SECOND", 20),
			RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
			AllowedOrigins:     []string{getEnv("CORS_ALLOWED_ORIGIN", "http://localhost:3000")},
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "lumiscan"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		LLM: LLMConfig{
			GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
			Model:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Billing: BillingConfig{
			WebhookSecret:   os.Getenv("BILLING_WEBHOOK_SECRET"),
			CreditsPerImage: getEnvInt("CREDITS_PER_IMAGE", 1),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	if cfg.Billing.WebhookSecret == "" {
		return nil, fmt.Errorf("BILLING_WEBHOOK_SECRET is required")
	}
	if cfg.Billing.CreditsPerImage <= 0 {
		return nil, fmt.Errorf("CREDITS_PER_IMAGE must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
