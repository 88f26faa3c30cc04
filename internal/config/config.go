// Package config provides configuration loading and management for the signing service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the signing service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL); empty selects in-memory storage
	NATSURL     string // NATS server URL; empty disables change streaming
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket for capture images and certificates
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	NotifyURL   string // Notification service URL; empty suppresses delivery

	// Capture limits
	MaxCaptureStrokes int // Maximum strokes accepted per capture submission
}

// Default configuration values used when environment variables are not set
const (
	defaultPort              = "8080"
	defaultS3Region          = "us-east-1"
	defaultEnv               = "dev"
	defaultMaxCaptureStrokes = 256
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{}

	if env, exists := os.LookupEnv("SIGN_ENV"); exists {
		cfg.Env = env
	} else {
		cfg.Env = defaultEnv
	}

	if port, exists := os.LookupEnv("SIGN_PORT"); exists {
		cfg.Port = port
	} else {
		cfg.Port = defaultPort
	}

	// Optional backends: each falls back to a degraded-but-working mode
	if dsn, exists := os.LookupEnv("SIGN_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if natsURL, exists := os.LookupEnv("SIGN_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	if s3Endpoint, exists := os.LookupEnv("SIGN_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = s3Endpoint
	}

	if s3Region, exists := os.LookupEnv("SIGN_S3_REGION"); exists {
		cfg.S3Region = s3Region
	} else {
		cfg.S3Region = defaultS3Region
	}

	if s3Bucket, exists := os.LookupEnv("SIGN_S3_BUCKET"); exists {
		cfg.S3Bucket = s3Bucket
	}

	if s3AccessKey, exists := os.LookupEnv("SIGN_S3_ACCESS_KEY"); exists {
		cfg.S3AccessKey = s3AccessKey
	}

	if s3SecretKey, exists := os.LookupEnv("SIGN_S3_SECRET_KEY"); exists {
		cfg.S3SecretKey = s3SecretKey
	}

	if jwtIssuer, exists := os.LookupEnv("SIGN_JWT_ISSUER"); exists {
		cfg.JWTIssuer = jwtIssuer
	}

	if jwtAudience, exists := os.LookupEnv("SIGN_JWT_AUDIENCE"); exists {
		cfg.JWTAudience = jwtAudience
	}

	if notifyURL, exists := os.LookupEnv("SIGN_NOTIFY_URL"); exists {
		cfg.NotifyURL = notifyURL
	}

	if maxStrokes, exists := os.LookupEnv("SIGN_MAX_CAPTURE_STROKES"); exists {
		if n, err := strconv.Atoi(maxStrokes); err == nil && n > 0 {
			cfg.MaxCaptureStrokes = n
		}
	}
	if cfg.MaxCaptureStrokes == 0 {
		cfg.MaxCaptureStrokes = defaultMaxCaptureStrokes
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("SIGN_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("SIGN_JWT_AUDIENCE is required")
	}

	return cfg, nil
}
