package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	databaseSQLite   = "sqlite"
	databasePostgres = "postgres"

	defaultHistoryLimit = 50
)

// Config captures runtime configuration for the escrow gateway service.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	NodeURL       string          `yaml:"node_url"`
	Database      DatabaseConfig  `yaml:"database"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	CORS          CORSConfig      `yaml:"cors"`
	HistoryLimit  int             `yaml:"history_limit"`
	Watcher       WatcherConfig   `yaml:"watcher"`
	Webhooks      []WebhookTarget `yaml:"webhooks"`
	Queue         QueueConfig     `yaml:"queue"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig selects the gorm driver. DSN is a file path for sqlite and a
// connection URL for postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig mirrors the node's token settings; the gateway verifies the same
// caller tokens it forwards.
type AuthConfig struct {
	JWTSecretEnv string        `yaml:"jwt_secret_env"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WatcherConfig controls how often ledger events are pulled from the node.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// WebhookTarget is an external endpoint notified about ledger events. An
// empty Events list subscribes to every event type.
type WebhookTarget struct {
	URL       string   `yaml:"url"`
	Secret    string   `yaml:"secret"`
	Events    []string `yaml:"events"`
	RateLimit int      `yaml:"rate_limit"`
}

type QueueConfig struct {
	Capacity int           `yaml:"capacity"`
	History  int           `yaml:"history"`
	TTL      time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Env        string `yaml:"env"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPHeaders  string `yaml:"otlp_headers"`
	Insecure     bool   `yaml:"insecure"`
	Metrics      bool   `yaml:"metrics"`
	Traces       bool   `yaml:"traces"`
}

func defaultConfig() Config {
	return Config{
		ListenAddress: ":8081",
		Database:      DatabaseConfig{Driver: databaseSQLite, DSN: "escrow-gateway.db"},
		Auth:          AuthConfig{JWTSecretEnv: "ESCROW_JWT_SECRET", ClockSkew: 30 * time.Second},
		RateLimit:     RateLimitConfig{PerSecond: 10, Burst: 20},
		HistoryLimit:  defaultHistoryLimit,
		Watcher:       WatcherConfig{PollInterval: 5 * time.Second, BatchSize: 100},
		Queue: QueueConfig{
			Capacity: defaultTaskCapacity,
			History:  defaultHistoryCapacity,
			TTL:      defaultQueueTTL,
		},
		Log: LogConfig{Env: "dev"},
	}
}

// LoadConfig reads the optional YAML file at path and then applies
// ESCROW_GATEWAY_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if val := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_LISTEN")); val != "" {
		cfg.ListenAddress = val
	}
	if val := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NODE_URL")); val != "" {
		cfg.NodeURL = val
	}
	if val := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_DB_DRIVER")); val != "" {
		cfg.Database.Driver = val
	}
	if val := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_DB_DSN")); val != "" {
		cfg.Database.DSN = val
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_HISTORY_LIMIT")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_HISTORY_LIMIT: %w", err)
		}
		if val <= 0 {
			return errors.New("ESCROW_GATEWAY_HISTORY_LIMIT must be positive")
		}
		cfg.HistoryLimit = val
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_POLL_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_POLL_INTERVAL: %w", err)
		}
		if dur <= 0 {
			return errors.New("ESCROW_GATEWAY_POLL_INTERVAL must be positive")
		}
		cfg.Watcher.PollInterval = dur
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_QUEUE_TTL: %w", err)
		}
		if dur <= 0 {
			return errors.New("ESCROW_GATEWAY_QUEUE_TTL must be positive")
		}
		cfg.Queue.TTL = dur
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	cfg.NodeURL = strings.TrimRight(strings.TrimSpace(cfg.NodeURL), "/")
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Database.DSN = strings.TrimSpace(cfg.Database.DSN)
	cfg.Auth.JWTSecretEnv = strings.TrimSpace(cfg.Auth.JWTSecretEnv)
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Watcher.BatchSize <= 0 {
		cfg.Watcher.BatchSize = 100
	}
	for i := range cfg.Webhooks {
		target := &cfg.Webhooks[i]
		target.URL = strings.TrimSpace(target.URL)
		target.Secret = strings.TrimSpace(target.Secret)
		if target.RateLimit <= 0 {
			target.RateLimit = 60
		}
	}
}

func (cfg Config) validate() error {
	if cfg.NodeURL == "" {
		return errors.New("node_url is required (or set ESCROW_GATEWAY_NODE_URL)")
	}
	switch cfg.Database.Driver {
	case databaseSQLite, databasePostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if cfg.Auth.JWTSecretEnv == "" {
		return errors.New("auth.jwt_secret_env is required")
	}
	if cfg.RateLimit.PerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		return errors.New("rate_limit.burst must be positive when per_second is set")
	}
	for i, target := range cfg.Webhooks {
		if target.URL == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
		if target.Secret == "" {
			return fmt.Errorf("webhooks[%d]: secret is required", i)
		}
	}
	return nil
}

// JWTSecret resolves the shared token secret from the configured environment
// variable.
func (cfg Config) JWTSecret() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv(cfg.Auth.JWTSecretEnv))
	if secret == "" {
		return nil, fmt.Errorf("environment variable %s is empty", cfg.Auth.JWTSecretEnv)
	}
	return []byte(secret), nil
}
