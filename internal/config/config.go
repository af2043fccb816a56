// Package config loads application configuration from environment variables.
package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port           int
	Host           string
	PublicURL      string
	AllowedOrigins []string
	RequestTimeout time.Duration

	// Database
	DatabaseURL string

	// Object storage (S3-compatible; Tigris, MinIO, AWS all work)
	StorageBucket    string
	StorageEndpoint  string
	StorageRegion    string
	StorageAccessKey string
	StorageSecretKey string
	PresignTTL       time.Duration

	// OCR collaborator
	OCRBaseURL string
	OCRAPIKey  string
	OCRModel   string

	// LLM collaborator
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Pipeline
	WorkerConcurrency int
	MaxAttempts       int
	AttemptTimeout    time.Duration
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	MaxUploadBytes    int64

	// Retention
	CleanupInterval time.Duration
	JobRetention    time.Duration
	PendingUploadTTL time.Duration

	// Auth
	JWTSecret         string
	sessionSigningKey []byte
}

// MaxUploadBytesDefault is the 50 MiB document size cap.
const MaxUploadBytesDefault = 50 << 20

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		Host:           getEnv("HOST", "0.0.0.0"),
		PublicURL:      getEnv("PUBLIC_URL", "http://localhost:8080"),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", "file:ocrbase.db"),

		StorageBucket:    getEnv("STORAGE_BUCKET", "ocrbase"),
		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", ""),
		StorageRegion:    getEnv("STORAGE_REGION", "auto"),
		StorageAccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey: getEnv("STORAGE_SECRET_KEY", ""),
		PresignTTL:       getEnvDuration("PRESIGN_TTL", 15*time.Minute),

		OCRBaseURL: getEnv("OCR_BASE_URL", ""),
		OCRAPIKey:  getEnv("OCR_API_KEY", ""),
		OCRModel:   getEnv("OCR_MODEL", "ocr-standard-v1"),

		LLMBaseURL: getEnv("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMAPIKey:  getEnv("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "google/gemini-2.5-flash"),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 3),
		AttemptTimeout:    getEnvDuration("ATTEMPT_TIMEOUT", 5*time.Minute),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		LeaseDuration:     getEnvDuration("LEASE_DURATION", 10*time.Minute),
		MaxUploadBytes:    getEnvInt64("MAX_UPLOAD_BYTES", MaxUploadBytesDefault),

		CleanupInterval:  getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		JobRetention:     getEnvDuration("JOB_RETENTION", 30*24*time.Hour),
		PendingUploadTTL: getEnvDuration("PENDING_UPLOAD_TTL", 24*time.Hour),

		JWTSecret: getEnv("JWT_SECRET", ""),
	}

	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", cfg.WorkerConcurrency)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", cfg.MaxAttempts)
	}
	if cfg.JWTSecret != "" {
		key, err := deriveSigningKey(cfg.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("deriving session signing key: %w", err)
		}
		cfg.sessionSigningKey = key
	}

	return cfg, nil
}

// SessionSigningKey returns the derived 32-byte session-token signing key,
// or nil when JWT_SECRET is unset (session auth disabled).
func (c *Config) SessionSigningKey() []byte { return c.sessionSigningKey }

// deriveSigningKey stretches the configured secret into a uniform 32-byte
// key with HKDF-SHA256 so a low-entropy secret never signs tokens directly.
func deriveSigningKey(secret string) ([]byte, error) {
	salt := sha256.Sum256([]byte("ocrbase-session-v1"))
	r := hkdf.New(sha256.New, []byte(secret), salt[:], []byte("session-signing"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
