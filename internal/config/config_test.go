package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("PORT", "")
	os.Setenv("SUPABASE_BUCKET", "")
	os.Setenv("DEFAULT_LANGUAGE", "")
	os.Setenv("INPUT_GRACE_PERIOD", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.SupabaseBucket != "voice-recording" {
		t.Fatalf("expected default bucket, got %q", cfg.SupabaseBucket)
	}
	if cfg.DefaultLanguage != "es-ES" {
		t.Fatalf("expected default language, got %q", cfg.DefaultLanguage)
	}
	if cfg.GracePeriod != 5*time.Second {
		t.Fatalf("expected default grace period, got %v", cfg.GracePeriod)
	}
}

func TestLoad_GracePeriodOverride(t *testing.T) {
	os.Setenv("INPUT_GRACE_PERIOD", "2s")
	defer os.Setenv("INPUT_GRACE_PERIOD", "")
	cfg := Load()
	if cfg.GracePeriod != 2*time.Second {
		t.Fatalf("expected 2s grace period, got %v", cfg.GracePeriod)
	}
}
