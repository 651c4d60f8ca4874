package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendGraphQL  = "graphql"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend     string `validate:"required,oneof=graphql postgres"`
	GraphQLURL  string `validate:"required_if=Backend graphql,omitempty,url"`
	RealtimeURL string `validate:"omitempty,url"`
	IDToken     string
	JWTSecret   string `validate:"required_if=Backend postgres"`

	Database Database

	HTTPAddr       string `validate:"required"`
	PublicURL      string `validate:"required,url"`
	UploadDir      string `validate:"required"`
	AllowedOrigins []string

	HistoryLimit       int           `validate:"gt=0,lte=1000"`
	TypingQuietPeriod  time.Duration `validate:"gt=0"`
	TypingExpiry       time.Duration `validate:"gt=0"`
	MaxAttachmentBytes int64         `validate:"gt=0"`
	AttachmentAccept   string        `validate:"required"`

	LogLevel string `validate:"oneof=debug info warn error"`
}

type Database struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// ConnString renders the keyword/value form pgxpool.ParseConfig expects.
func (d Database) ConnString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s database=%s", d.Host, d.Port, d.User, d.Password, d.Name)
}

// Load reads .env files (when present) and then the process environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Backend:     strings.ToLower(getEnv("BACKEND", BackendGraphQL)),
		GraphQLURL:  os.Getenv("GRAPHQL_URL"),
		RealtimeURL: os.Getenv("REALTIME_URL"),
		IDToken:     os.Getenv("ID_TOKEN"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		Database: Database{
			Host:     getEnv("DATABASE_HOST", "localhost"),
			Port:     getEnv("DATABASE_PORT", "5432"),
			User:     os.Getenv("DATABASE_USER"),
			Password: os.Getenv("DATABASE_PASSWORD"),
			Name:     os.Getenv("DATABASE_NAME"),
		},
		HTTPAddr:         getEnv("HTTP_ADDR", ":3001"),
		UploadDir:        getEnv("UPLOAD_DIR", "./uploads"),
		AttachmentAccept: getEnv("ATTACHMENT_ACCEPT", "image/*,.pdf"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
	cfg.PublicURL = getEnv("PUBLIC_URL", "http://localhost"+cfg.HTTPAddr)
	cfg.AllowedOrigins = splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"))

	var err error
	if cfg.HistoryLimit, err = getInt("HISTORY_LIMIT", 100); err != nil {
		return nil, err
	}
	if cfg.MaxAttachmentBytes, err = getBytes("MAX_ATTACHMENT_BYTES", 10*1024*1024); err != nil {
		return nil, err
	}
	if cfg.TypingQuietPeriod, err = getDuration("TYPING_QUIET_PERIOD", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.TypingExpiry, err = getDuration("TYPING_EXPIRY", 5*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// getBytes accepts plain byte counts as well as sizes like "10MiB" or "5 MB".
func getBytes(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%s: %s is too large", key, v)
	}
	return int64(n), nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
