// Package config loads the shared, validated configuration tree every stage
// binary reads from: NOTIFICATIONS_-prefixed environment variables via
// koanf's env provider, unmarshaled into one typed tree with per-stage
// sections.
package config

import (
	"fmt"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the common prefix stripped from every recognized variable,
// e.g. NOTIFICATIONS_DATABASE.HOST -> database.host.
const EnvPrefix = "NOTIFICATIONS_"

type DatabaseConfig struct {
	Host            string `koanf:"host" validate:"required"`
	Port            int    `koanf:"port" validate:"required"`
	User            string `koanf:"user" validate:"required"`
	Password        string `koanf:"password"`
	Name            string `koanf:"name" validate:"required"`
	SSLMode         string `koanf:"ssl_mode" validate:"required"`
	MaxOpenConns    int    `koanf:"max_open_conns" validate:"required"`
	MaxIdleConns    int    `koanf:"max_idle_conns" validate:"required"`
	ConnMaxLifetime int    `koanf:"conn_max_lifetime" validate:"required"` // seconds
	ConnMaxIdleTime int    `koanf:"conn_max_idle_time" validate:"required"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `koanf:"address" validate:"required"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type RabbitMQConfig struct {
	URL          string `koanf:"url" validate:"required"`
	ExchangeName string `koanf:"exchange_name" validate:"required"`
	ExchangeType string `koanf:"exchange_type" validate:"required"`
	Prefetch     int    `koanf:"prefetch"`
}

// IngestionConfig, PreferencesConfig, RendererConfig and WorkerConfig hold
// per-stage tuning knobs layered on top of the shared broker/store config.
type IngestionConfig struct {
	BatchSize int           `koanf:"batch_size"`
	Wait      time.Duration `koanf:"wait"`
}

type PreferencesConfig struct {
	BatchSize        int           `koanf:"batch_size"`
	Wait             time.Duration `koanf:"wait"`
	RateLimitPerHour int           `koanf:"rate_limit_per_hour"`
}

type RendererConfig struct {
	BatchSize int `koanf:"batch_size"`
}

// WorkerConfig's BatchSize of zero lets the worker binary pick its
// channel's default (5, or 10 for in-app).
type WorkerConfig struct {
	BatchSize int `koanf:"batch_size"`
}

type ServiceConfig struct {
	LogLevel string `koanf:"log_level"`
	// MetricsAddr is the listen address for the /metrics endpoint; empty
	// disables it, and each stage process on a shared host needs its own.
	MetricsAddr string `koanf:"metrics_addr"`
}

type TransportConfig struct {
	SendGridAPIKey    string `koanf:"sendgrid_api_key"`
	SendGridFromEmail string `koanf:"sendgrid_from_email"`
	TwilioAccountSID  string `koanf:"twilio_account_sid"`
	TwilioAuthToken   string `koanf:"twilio_auth_token"`
	TwilioFromNumber  string `koanf:"twilio_from_number"`
	FCMProjectID      string `koanf:"fcm_project_id"`
	FCMServiceAccount string `koanf:"fcm_service_account_json"`
	SandboxMode       bool   `koanf:"sandbox_mode"`
}

type Config struct {
	Service     ServiceConfig     `koanf:"service"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	RabbitMQ    RabbitMQConfig    `koanf:"rabbitmq"`
	Ingestion   IngestionConfig   `koanf:"ingestion"`
	Preferences PreferencesConfig `koanf:"preferences"`
	Renderer    RendererConfig    `koanf:"renderer"`
	Worker      WorkerConfig      `koanf:"worker"`
	Transport   TransportConfig   `koanf:"transport"`
}

// Load reads NOTIFICATIONS_-prefixed environment variables into a Config
// seeded with safe defaults; callers run Validate before using it.
func Load() (*Config, error) {
	k := koanf.New(".")

	err := k.Load(env.Provider(EnvPrefix, ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("could not load environment variables: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{LogLevel: "info"},
		Database: DatabaseConfig{
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			ConnMaxIdleTime: 60,
		},
		RabbitMQ: RabbitMQConfig{
			ExchangeName: "notifications",
			ExchangeType: "topic",
			Prefetch:     10,
		},
		Ingestion: IngestionConfig{
			BatchSize: 10,
			Wait:      5 * time.Second,
		},
		Preferences: PreferencesConfig{
			BatchSize:        10,
			Wait:             5 * time.Second,
			RateLimitPerHour: 10,
		},
		Renderer: RendererConfig{BatchSize: 5},
		Transport: TransportConfig{
			SandboxMode: true,
		},
	}
}

// Validate runs struct-tag validation over the whole config. Stage binaries
// call this after Load; fields with no `validate` tag (the per-stage knobs,
// which all carry safe defaults) never block startup.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg.Database); err != nil {
		return fmt.Errorf("database config validation failed: %w", err)
	}
	if err := v.Struct(cfg.RabbitMQ); err != nil {
		return fmt.Errorf("rabbitmq config validation failed: %w", err)
	}
	if err := v.Struct(cfg.Redis); err != nil {
		return fmt.Errorf("redis config validation failed: %w", err)
	}
	return nil
}
