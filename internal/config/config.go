package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice-session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SessionInactivityTimeout time.Duration
	SessionJanitorInterval   time.Duration

	RateLimitMaxMessages int
	RateLimitWindow      time.Duration

	CaptureSourceRate int
	CaptureTargetRate int
	CaptureChunkMS    int

	VADThreshold         float64
	VADMinSpeechDuration time.Duration
	VADSilenceDuration   time.Duration
	VADPrerollChunks     int
	VADEnabled           bool

	PlaybackSampleRate    int
	PlaybackBufferSeconds int

	BargeInThreshold   float64
	BargeInMinDuration time.Duration
	BargeInDebounce    time.Duration

	ReconnectMaxAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	UpstreamURL string
	DatabaseURL string
	RecordDir   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "canvass"),
		AllowAnyOrigin:           false,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		SessionJanitorInterval:   30 * time.Second,
		RateLimitMaxMessages:     50,
		RateLimitWindow:          time.Second,
		CaptureSourceRate:        48000,
		CaptureTargetRate:        16000,
		CaptureChunkMS:           20,
		VADThreshold:             0.015,
		VADMinSpeechDuration:     60 * time.Millisecond,
		VADSilenceDuration:       600 * time.Millisecond,
		VADPrerollChunks:         3,
		VADEnabled:               true,
		PlaybackSampleRate:       24000,
		PlaybackBufferSeconds:    30,
		BargeInThreshold:         0.03,
		BargeInMinDuration:       100 * time.Millisecond,
		BargeInDebounce:          time.Second,
		ReconnectMaxAttempts:     5,
		ReconnectInitialDelay:    200 * time.Millisecond,
		ReconnectMaxDelay:        5 * time.Second,
		UpstreamURL:              trimmedEnv("APP_UPSTREAM_URL"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		RecordDir:                trimmedEnv("APP_RECORD_DIR"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionJanitorInterval, err = durationFromEnv("APP_SESSION_JANITOR_INTERVAL", cfg.SessionJanitorInterval); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitMaxMessages, err = intFromEnv("APP_RATE_LIMIT_MAX_MESSAGES", cfg.RateLimitMaxMessages); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = durationFromEnv("APP_RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return Config{}, err
	}
	if cfg.CaptureSourceRate, err = intFromEnv("APP_CAPTURE_SOURCE_RATE", cfg.CaptureSourceRate); err != nil {
		return Config{}, err
	}
	if cfg.CaptureTargetRate, err = intFromEnv("APP_CAPTURE_TARGET_RATE", cfg.CaptureTargetRate); err != nil {
		return Config{}, err
	}
	if cfg.CaptureChunkMS, err = intFromEnv("APP_CAPTURE_CHUNK_MS", cfg.CaptureChunkMS); err != nil {
		return Config{}, err
	}
	if cfg.VADThreshold, err = floatFromEnv("APP_VAD_THRESHOLD", cfg.VADThreshold); err != nil {
		return Config{}, err
	}
	if cfg.VADMinSpeechDuration, err = durationFromEnv("APP_VAD_MIN_SPEECH_DURATION", cfg.VADMinSpeechDuration); err != nil {
		return Config{}, err
	}
	if cfg.VADSilenceDuration, err = durationFromEnv("APP_VAD_SILENCE_DURATION", cfg.VADSilenceDuration); err != nil {
		return Config{}, err
	}
	if cfg.VADPrerollChunks, err = intFromEnv("APP_VAD_PREROLL_CHUNKS", cfg.VADPrerollChunks); err != nil {
		return Config{}, err
	}
	if cfg.VADEnabled, err = boolFromEnv("APP_VAD_ENABLED", cfg.VADEnabled); err != nil {
		return Config{}, err
	}
	if cfg.PlaybackSampleRate, err = intFromEnv("APP_PLAYBACK_SAMPLE_RATE", cfg.PlaybackSampleRate); err != nil {
		return Config{}, err
	}
	if cfg.PlaybackBufferSeconds, err = intFromEnv("APP_PLAYBACK_BUFFER_SECONDS", cfg.PlaybackBufferSeconds); err != nil {
		return Config{}, err
	}
	if cfg.BargeInThreshold, err = floatFromEnv("APP_BARGE_IN_THRESHOLD", cfg.BargeInThreshold); err != nil {
		return Config{}, err
	}
	if cfg.BargeInMinDuration, err = durationFromEnv("APP_BARGE_IN_MIN_DURATION", cfg.BargeInMinDuration); err != nil {
		return Config{}, err
	}
	if cfg.BargeInDebounce, err = durationFromEnv("APP_BARGE_IN_DEBOUNCE", cfg.BargeInDebounce); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMaxAttempts, err = intFromEnv("APP_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMaxAttempts < 0 {
		// The attempt count is converted to an unsigned retry budget; a
		// negative value would wrap instead of disabling retries.
		cfg.ReconnectMaxAttempts = 0
	}
	if cfg.ReconnectInitialDelay, err = durationFromEnv("APP_RECONNECT_INITIAL_DELAY", cfg.ReconnectInitialDelay); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMaxDelay, err = durationFromEnv("APP_RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
