// internal/config/config_test.go
package config

import (
	"testing"
)

func TestLoadRequiresJWTSettings(t *testing.T) {
	t.Setenv("SIGN_JWT_ISSUER", "")
	t.Setenv("SIGN_JWT_AUDIENCE", "")

	if _, err := Load(); err == nil {
		t.Error("expected error when JWT settings are missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIGN_JWT_ISSUER", "https://issuer.example.com")
	t.Setenv("SIGN_JWT_AUDIENCE", "sign-service")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("expected default env dev, got %s", cfg.Env)
	}
	if cfg.S3Region != "us-east-1" {
		t.Errorf("expected default region us-east-1, got %s", cfg.S3Region)
	}
	if cfg.MaxCaptureStrokes != 256 {
		t.Errorf("expected default stroke limit 256, got %d", cfg.MaxCaptureStrokes)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SIGN_JWT_ISSUER", "https://issuer.example.com")
	t.Setenv("SIGN_JWT_AUDIENCE", "sign-service")
	t.Setenv("SIGN_PORT", "9090")
	t.Setenv("SIGN_ENV", "prod")
	t.Setenv("SIGN_DB_DSN", "postgres://localhost/sign")
	t.Setenv("SIGN_NATS_URL", "nats://localhost:4222")
	t.Setenv("SIGN_NOTIFY_URL", "http://notify.internal")
	t.Setenv("SIGN_MAX_CAPTURE_STROKES", "64")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "9090" || cfg.Env != "prod" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.DatabaseDSN != "postgres://localhost/sign" || cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("backend settings not applied: %+v", cfg)
	}
	if cfg.NotifyURL != "http://notify.internal" {
		t.Errorf("notify URL not applied: %s", cfg.NotifyURL)
	}
	if cfg.MaxCaptureStrokes != 64 {
		t.Errorf("stroke limit not applied: %d", cfg.MaxCaptureStrokes)
	}
}

func TestLoadIgnoresInvalidStrokeLimit(t *testing.T) {
	t.Setenv("SIGN_JWT_ISSUER", "https://issuer.example.com")
	t.Setenv("SIGN_JWT_AUDIENCE", "sign-service")
	t.Setenv("SIGN_MAX_CAPTURE_STROKES", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.MaxCaptureStrokes != 256 {
		t.Errorf("expected fallback stroke limit, got %d", cfg.MaxCaptureStrokes)
	}
}
