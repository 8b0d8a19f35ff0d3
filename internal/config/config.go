package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server Server
	DB     DB
	Auth   Auth
	Audit  Audit
	Bundle Bundle
	Search Search
	CORS   CORS
}

type Server struct {
	Host string
	Port string
}

type DB struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DB) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type Auth struct {
	JWTSecret     string
	JWTExpiry     time.Duration
	AdminUser     string
	AdminPassHash string // bcrypt hash of the admin password
}

type Audit struct {
	Retention     time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	QueueSize     int
	Workers       int
}

type Bundle struct {
	ChunkSize int
	// TypeChunkSizes overrides the create group size for resource types with
	// large payloads, e.g. "DocumentReference=50,Binary=100".
	TypeChunkSizes map[string]int
}

type Search struct {
	MaxPageSize int
	DefaultPage int
	Timeout     time.Duration
}

type CORS struct {
	AllowedOrigins string
}

func Load() (*Config, error) {
	jwtExpiry, err := time.ParseDuration(envOrDefault("FHIRVAULT_JWT_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid FHIRVAULT_JWT_EXPIRY: %w", err)
	}
	retention, err := time.ParseDuration(envOrDefault("FHIRVAULT_AUDIT_RETENTION", "2160h")) // 90 days
	if err != nil {
		return nil, fmt.Errorf("invalid FHIRVAULT_AUDIT_RETENTION: %w", err)
	}
	sweepInterval, err := time.ParseDuration(envOrDefault("FHIRVAULT_AUDIT_SWEEP_INTERVAL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid FHIRVAULT_AUDIT_SWEEP_INTERVAL: %w", err)
	}
	searchTimeout, err := time.ParseDuration(envOrDefault("FHIRVAULT_SEARCH_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid FHIRVAULT_SEARCH_TIMEOUT: %w", err)
	}
	typeChunks, err := parseTypeChunks(envOrDefault("FHIRVAULT_BUNDLE_TYPE_CHUNKS", "DocumentReference=50,Binary=100"))
	if err != nil {
		return nil, fmt.Errorf("invalid FHIRVAULT_BUNDLE_TYPE_CHUNKS: %w", err)
	}

	cfg := &Config{
		Server: Server{
			Host: envOrDefault("FHIRVAULT_HOST", "0.0.0.0"),
			Port: envOrDefault("FHIRVAULT_PORT", "8080"),
		},
		DB: DB{
			Host:     envOrDefault("FHIRVAULT_DB_HOST", "localhost"),
			Port:     envOrDefault("FHIRVAULT_DB_PORT", "5432"),
			Name:     envOrDefault("FHIRVAULT_DB_NAME", "fhirvault"),
			User:     envOrDefault("FHIRVAULT_DB_USER", "fhirvault"),
			Password: envOrDefault("FHIRVAULT_DB_PASSWORD", "fhirvault"),
			SSLMode:  envOrDefault("FHIRVAULT_DB_SSLMODE", "disable"),
		},
		Auth: Auth{
			JWTSecret:     envOrDefault("FHIRVAULT_JWT_SECRET", "change-me-in-production"),
			JWTExpiry:     jwtExpiry,
			AdminUser:     envOrDefault("FHIRVAULT_ADMIN_USER", "admin"),
			AdminPassHash: os.Getenv("FHIRVAULT_ADMIN_PASSWORD_HASH"),
		},
		Audit: Audit{
			Retention:     retention,
			SweepInterval: sweepInterval,
			SweepBatch:    envIntOrDefault("FHIRVAULT_AUDIT_SWEEP_BATCH", 5000),
			QueueSize:     envIntOrDefault("FHIRVAULT_AUDIT_QUEUE_SIZE", 4096),
			Workers:       envIntOrDefault("FHIRVAULT_AUDIT_WORKERS", 4),
		},
		Bundle: Bundle{
			ChunkSize:      envIntOrDefault("FHIRVAULT_BUNDLE_CHUNK_SIZE", 1000),
			TypeChunkSizes: typeChunks,
		},
		Search: Search{
			MaxPageSize: envIntOrDefault("FHIRVAULT_SEARCH_MAX_PAGE_SIZE", 100),
			DefaultPage: envIntOrDefault("FHIRVAULT_SEARCH_DEFAULT_PAGE_SIZE", 20),
			Timeout:     searchTimeout,
		},
		CORS: CORS{
			AllowedOrigins: envOrDefault("FHIRVAULT_CORS_ORIGINS", "http://localhost:3000"),
		},
	}

	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func parseTypeChunks(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
