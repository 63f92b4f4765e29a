package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	BackendURL           string
	SessionCreateTimeout time.Duration
	InteractionTimeout   time.Duration

	// StoreURL selects the persistence backend: empty for in-memory,
	// postgres://, redis:// or a SQLite file path (optionally sqlite://).
	StoreURL string

	MicMode       string
	MicCommand    string
	MicSampleRate int
	MicEnabled    bool

	PlayerMode    string
	PlayerCommand string

	CameraCommand    string
	ClassifierURL    string
	EmotionFrameSkip int
	EmotionWindow    int
	EmotionHold      time.Duration

	DefaultVoice string
}

// Load reads .env files (when present) and environment variables and applies safe defaults.
func Load(envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:             envOrDefault("LUMEN_BIND_ADDR", "127.0.0.1:8765"),
		MetricsNamespace:     envOrDefault("LUMEN_METRICS_NAMESPACE", "lumen"),
		LogLevel:             envOrDefault("LUMEN_LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LUMEN_LOG_FORMAT", "console"),
		BackendURL:           envOrDefault("LUMEN_BACKEND_URL", "http://localhost:8000"),
		StoreURL:             stringsTrimSpace("LUMEN_STORE_URL"),
		MicMode:              envOrDefault("LUMEN_MIC_MODE", "command"),
		MicCommand:           envOrDefault("LUMEN_MIC_COMMAND", "arecord -q -f S16_LE -r 16000 -c 1 -t raw"),
		MicSampleRate:        16000,
		MicEnabled:           true,
		PlayerMode:           envOrDefault("LUMEN_PLAYER_MODE", "command"),
		PlayerCommand:        envOrDefault("LUMEN_PLAYER_COMMAND", "ffplay -nodisp -autoexit -loglevel quiet"),
		CameraCommand:        stringsTrimSpace("LUMEN_CAMERA_COMMAND"),
		ClassifierURL:        stringsTrimSpace("LUMEN_CLASSIFIER_URL"),
		EmotionFrameSkip:     5,
		EmotionWindow:        10,
		EmotionHold:          2 * time.Second,
		DefaultVoice:         envOrDefault("LUMEN_DEFAULT_VOICE", "sarah"),
		ShutdownTimeout:      10 * time.Second,
		SessionCreateTimeout: 10 * time.Second,
		// The backend runs transcription, an LLM call and synthesis per turn.
		InteractionTimeout: 60 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("LUMEN_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCreateTimeout, err = durationFromEnv("LUMEN_SESSION_CREATE_TIMEOUT", cfg.SessionCreateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InteractionTimeout, err = durationFromEnv("LUMEN_INTERACTION_TIMEOUT", cfg.InteractionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EmotionHold, err = durationFromEnv("LUMEN_EMOTION_HOLD", cfg.EmotionHold)
	if err != nil {
		return Config{}, err
	}
	cfg.MicSampleRate, err = intFromEnv("LUMEN_MIC_SAMPLE_RATE", cfg.MicSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.EmotionFrameSkip, err = intFromEnv("LUMEN_EMOTION_FRAME_SKIP", cfg.EmotionFrameSkip)
	if err != nil {
		return Config{}, err
	}
	cfg.EmotionWindow, err = intFromEnv("LUMEN_EMOTION_WINDOW", cfg.EmotionWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.MicEnabled, err = boolFromEnv("LUMEN_MIC_ENABLED", cfg.MicEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("LUMEN_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.BackendURL) == "" {
		return Config{}, fmt.Errorf("LUMEN_BACKEND_URL must not be empty")
	}
	if cfg.InteractionTimeout < time.Second {
		return Config{}, fmt.Errorf("LUMEN_INTERACTION_TIMEOUT must be at least 1s")
	}
	if cfg.MicSampleRate <= 0 {
		return Config{}, fmt.Errorf("LUMEN_MIC_SAMPLE_RATE must be positive")
	}
	if cfg.EmotionFrameSkip <= 0 {
		return Config{}, fmt.Errorf("LUMEN_EMOTION_FRAME_SKIP must be positive")
	}
	if cfg.EmotionWindow <= 0 {
		return Config{}, fmt.Errorf("LUMEN_EMOTION_WINDOW must be positive")
	}
	if cfg.EmotionHold < 0 {
		return Config{}, fmt.Errorf("LUMEN_EMOTION_HOLD must be >= 0")
	}
	switch strings.ToLower(cfg.MicMode) {
	case "command", "mock":
	default:
		return Config{}, fmt.Errorf("invalid LUMEN_MIC_MODE: %q (expected command|mock)", cfg.MicMode)
	}
	switch strings.ToLower(cfg.PlayerMode) {
	case "command", "null":
	default:
		return Config{}, fmt.Errorf("invalid LUMEN_PLAYER_MODE: %q (expected command|null)", cfg.PlayerMode)
	}

	return cfg, nil
}

// EmotionEnabled reports whether both a camera feed and a classifier are configured.
func (c Config) EmotionEnabled() bool {
	return c.CameraCommand != "" && c.ClassifierURL != ""
}

// loadEnvFiles never overrides variables already present in the environment.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
