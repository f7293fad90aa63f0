// Package config reads the server configuration from the environment,
// optionally seeded from .env files.
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

// Config is the guard server configuration.
type Config struct {
	LogLevel string

	HTTPPort string
	GRPCPort string

	// IdentitySecret keys every identity hash. Required.
	IdentitySecret string
	// APIKeyHash is the bcrypt hash of the service key. Empty disables
	// service key checks.
	APIKeyHash  string
	KeyCacheTTL time.Duration

	PolicyFile  string
	WatchPolicy bool

	PostgresDSN   string
	ClickHouseDSN string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RoomsChannel  string
	KafkaBrokers  []string
	KafkaTopic    string

	MemoryLogSize int
	SweepInterval time.Duration

	WSAllowedOrigins []string
	CORSOrigins      []string
	OperatorRPM      int
	DeviceCookie     string
	SecureCookies    bool
}

// LoadEnvFiles loads .env.local then .env. Values already in the environment
// win; missing files are ignored.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:         envOrDefault("GUARD_LOG_LEVEL", "info"),
		HTTPPort:         envOrDefault("GUARD_HTTP_PORT", "8080"),
		GRPCPort:         envOrDefault("GUARD_GRPC_PORT", "50051"),
		IdentitySecret:   os.Getenv("GUARD_IDENTITY_SECRET"),
		APIKeyHash:       os.Getenv("GUARD_API_KEY_HASH"),
		KeyCacheTTL:      time.Duration(envOrDefaultInt("GUARD_AUTH_CACHE_TTL_S", 30)) * time.Second,
		PolicyFile:       os.Getenv("GUARD_POLICY_FILE"),
		WatchPolicy:      envOrDefaultBool("GUARD_POLICY_WATCH", true),
		PostgresDSN:      os.Getenv("POSTGRES_DSN"),
		ClickHouseDSN:    os.Getenv("CLICKHOUSE_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          envOrDefaultInt("REDIS_DB", 0),
		RoomsChannel:     envOrDefault("REALTIME_ROOMS_CHANNEL", "realtime:rooms"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       envOrDefault("KAFKA_TOPIC", "abuse-events"),
		MemoryLogSize:    envOrDefaultInt("GUARD_MEMORY_LOG_SIZE", 10000),
		SweepInterval:    time.Duration(envOrDefaultInt("GUARD_SWEEP_INTERVAL_S", 60)) * time.Second,
		WSAllowedOrigins: splitList(os.Getenv("WS_ALLOWED_ORIGINS")),
		CORSOrigins:      splitList(os.Getenv("CORS_ORIGINS")),
		OperatorRPM:      envOrDefaultInt("GUARD_OPERATOR_RPM", 60),
		DeviceCookie:     envOrDefault("GUARD_DEVICE_COOKIE", "iskom_did"),
		SecureCookies:    envOrDefaultBool("GUARD_SECURE_COOKIES", true),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if c.IdentitySecret == "" {
		errs = append(errs, errors.New("GUARD_IDENTITY_SECRET is required"))
	}
	if c.PostgresDSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required"))
	}
	if c.HTTPPort == c.GRPCPort {
		errs = append(errs, fmt.Errorf("GUARD_HTTP_PORT and GUARD_GRPC_PORT must differ (both %s)", c.HTTPPort))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("GUARD_SWEEP_INTERVAL_S must be positive"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
