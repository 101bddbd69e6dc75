package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the metering plane
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Metering      MeteringConfig
	Billing       BillingConfig
	Notifications NotificationsConfig
	Manager       ManagerConfig
	Security      SecurityConfig
	Monitoring    MonitoringConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// MeteringConfig holds the charge-cycle configuration
type MeteringConfig struct {
	// ChargeFrequency is how often the charge cycle fires. Minimum 1s.
	ChargeFrequency time.Duration
	// ChargeLookahead is the window each cycle pre-charges for. Must be
	// at least ChargeFrequency so an instance stays funded until the
	// next cycle even under scheduling jitter.
	ChargeLookahead time.Duration
	// TimerDisabled turns the periodic timer off entirely. Billing
	// mutations still occur when cycles are driven explicitly.
	TimerDisabled bool
}

// BillingConfig holds payment integration configuration
type BillingConfig struct {
	StripeWebhookSecret string
}

// NotificationsConfig holds operator alerting configuration
type NotificationsConfig struct {
	// SlackWebhookURL enables Slack alerts when set.
	SlackWebhookURL string
	SlackChannel    string
}

// ManagerConfig holds the VM lifecycle manager client configuration
type ManagerConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "metering"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "metering_plane"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Metering: MeteringConfig{
			ChargeFrequency: getEnvAsDuration("CHARGE_FREQUENCY", "2m"),
			ChargeLookahead: getEnvAsDuration("CHARGE_LOOKAHEAD", "5m"),
			TimerDisabled:   getEnvAsBool("CHARGE_TIMER_DISABLED", false),
		},
		Billing: BillingConfig{
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Notifications: NotificationsConfig{
			SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnv("SLACK_CHANNEL", "#billing-alerts"),
		},
		Manager: ManagerConfig{
			BaseURL: getEnv("VM_MANAGER_URL", "http://localhost:9090"),
			Token:   getEnv("VM_MANAGER_TOKEN", ""),
			Timeout: getEnvAsDuration("VM_MANAGER_TIMEOUT", "2m"),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.Metering.ChargeFrequency < time.Second {
		return nil, fmt.Errorf("CHARGE_FREQUENCY must be at least 1s")
	}

	if cfg.Metering.ChargeLookahead < cfg.Metering.ChargeFrequency {
		return nil, fmt.Errorf("CHARGE_LOOKAHEAD must be at least CHARGE_FREQUENCY")
	}

	if cfg.Security.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
