package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"CREWCHAT_TYPING_TIMEOUT_MS", "CREWCHAT_RECONCILE_WINDOW_MS", "MINIO_USE_SSL", "MEILI_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.TypingTimeout != 3*time.Second {
		t.Errorf("expected 3s typing timeout, got %v", cfg.TypingTimeout)
	}
	if cfg.ReconcileWindow != 10*time.Second {
		t.Errorf("expected 10s reconcile window, got %v", cfg.ReconcileWindow)
	}
	if cfg.MinIOUseSSL {
		t.Error("expected MinIO SSL off by default")
	}
	if cfg.MeiliURL != "" {
		t.Errorf("expected Meilisearch disabled by default, got %q", cfg.MeiliURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CREWCHAT_TYPING_TIMEOUT_MS", "1500")
	t.Setenv("CREWCHAT_RECONCILE_WINDOW_MS", "-4")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("CREWCHAT_USER_ID", "u1")

	cfg := Load()
	if cfg.TypingTimeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s typing timeout, got %v", cfg.TypingTimeout)
	}
	if cfg.ReconcileWindow != 10*time.Second {
		t.Errorf("expected invalid window to fall back to default, got %v", cfg.ReconcileWindow)
	}
	if !cfg.MinIOUseSSL || cfg.UserID != "u1" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestGetenvBoolFallsBackOnGarbage(t *testing.T) {
	t.Setenv("CREWCHAT_TEST_BOOL", "sometimes")
	if !getenvBool("CREWCHAT_TEST_BOOL", true) {
		t.Fatal("expected fallback for unparsable bool")
	}
}
