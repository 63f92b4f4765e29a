package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendURL != "http://localhost:8000" {
		t.Fatalf("BackendURL = %q, want %q", cfg.BackendURL, "http://localhost:8000")
	}
	if cfg.EmotionFrameSkip != 5 || cfg.EmotionWindow != 10 {
		t.Fatalf("emotion defaults = (%d, %d), want (5, 10)", cfg.EmotionFrameSkip, cfg.EmotionWindow)
	}
	if cfg.EmotionHold != 2*time.Second {
		t.Fatalf("EmotionHold = %v, want 2s", cfg.EmotionHold)
	}
	if !cfg.MicEnabled {
		t.Fatalf("MicEnabled = false, want true")
	}
	if cfg.StoreURL != "" {
		t.Fatalf("StoreURL = %q, want empty default", cfg.StoreURL)
	}
	if cfg.EmotionEnabled() {
		t.Fatalf("EmotionEnabled() = true without camera and classifier")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"LUMEN_EMOTION_FRAME_SKIP":  "0",
		"LUMEN_INTERACTION_TIMEOUT": "10ms",
		"LUMEN_MIC_MODE":            "bluetooth",
		"LUMEN_MIC_ENABLED":         "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() expected error for %s=%q", key, value)
			}
		})
	}
}

func TestLoadReadsEnvFileWithoutOverriding(t *testing.T) {
	setCoreEnvEmpty(t)
	// godotenv only sets variables that are unset, so clear them entirely.
	for _, key := range []string{"LUMEN_BACKEND_URL", "LUMEN_DEFAULT_VOICE"} {
		os.Unsetenv(key)
	}
	t.Setenv("LUMEN_BIND_ADDR", "127.0.0.1:9999")

	dir := t.TempDir()
	path := filepath.Join(dir, "lumen.env")
	content := "LUMEN_BACKEND_URL=http://backend.test:8000\nLUMEN_BIND_ADDR=0.0.0.0:1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("LUMEN_BACKEND_URL") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendURL != "http://backend.test:8000" {
		t.Fatalf("BackendURL = %q, want value from env file", cfg.BackendURL)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("BindAddr = %q, want process env to win", cfg.BindAddr)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"LUMEN_BIND_ADDR",
		"LUMEN_SHUTDOWN_TIMEOUT",
		"LUMEN_METRICS_NAMESPACE",
		"LUMEN_ALLOW_ANY_ORIGIN",
		"LUMEN_LOG_LEVEL",
		"LUMEN_LOG_FORMAT",
		"LUMEN_BACKEND_URL",
		"LUMEN_SESSION_CREATE_TIMEOUT",
		"LUMEN_INTERACTION_TIMEOUT",
		"LUMEN_STORE_URL",
		"LUMEN_MIC_MODE",
		"LUMEN_MIC_COMMAND",
		"LUMEN_MIC_SAMPLE_RATE",
		"LUMEN_MIC_ENABLED",
		"LUMEN_PLAYER_MODE",
		"LUMEN_PLAYER_COMMAND",
		"LUMEN_CAMERA_COMMAND",
		"LUMEN_CLASSIFIER_URL",
		"LUMEN_EMOTION_FRAME_SKIP",
		"LUMEN_EMOTION_WINDOW",
		"LUMEN_EMOTION_HOLD",
		"LUMEN_DEFAULT_VOICE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
