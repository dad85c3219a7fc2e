package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Storage
	StoreBackend   string        `env:"STORE_BACKEND" envDefault:"memory"`
	StoreNamespace string        `env:"STORE_NAMESPACE" envDefault:"contextai"`
	BoltPath       string        `env:"BOLT_PATH" envDefault:"contextai.db"`
	RedisURL       string        `env:"REDIS_URL"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	AwsRegion      string        `env:"AWS_REGION" envDefault:"us-east-2"`
	AwsAccessKey   string        `env:"AWS_ACCESS_KEY"`
	AwsSecretKey   string        `env:"AWS_SECRET_KEY"`
	BucketName     string        `env:"BUCKET_NAME"`
	S3PollInterval time.Duration `env:"S3_POLL_INTERVAL" envDefault:"2s"`
	EncryptionKey  string        `env:"STORE_ENCRYPTION_KEY"`

	// API
	JWTSecret       string        `env:"JWT_SECRET"`
	ContextTokenTTL time.Duration `env:"CONTEXT_TOKEN_TTL" envDefault:"24h"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`

	// Sessions
	DefaultModel    string        `env:"DEFAULT_MODEL" envDefault:"gemini-2.0-flash"`
	FragmentTimeout time.Duration `env:"FRAGMENT_TIMEOUT" envDefault:"60s"`
	PageWorkers     int           `env:"PAGE_WORKERS" envDefault:"2"`
	ContextIdle     time.Duration `env:"CONTEXT_IDLE_TIMEOUT" envDefault:"30m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case BackendMemory:
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("config: BOLT_PATH is required for the bolt backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres backend")
		}
	case BackendS3:
		if c.BucketName == "" {
			return fmt.Errorf("config: BUCKET_NAME is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("config: STORE_ENCRYPTION_KEY must be 32 bytes of hex")
		}
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET not set")
	}
	if c.PageWorkers < 1 {
		c.PageWorkers = 1
	}
	if c.FragmentTimeout <= 0 {
		return fmt.Errorf("config: FRAGMENT_TIMEOUT must be positive")
	}
	if c.ContextIdle <= 0 {
		return fmt.Errorf("config: CONTEXT_IDLE_TIMEOUT must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
