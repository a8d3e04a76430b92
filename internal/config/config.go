package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AuthTokens     []string
	AllowedOrigins []string

	CompletionMode    string
	CompletionURL     string
	CompletionTimeout time.Duration
	MaxNewTokens      int
	Temperature       float64
	RepeatPenalty     float64
	StopMarker        string

	SummarizerMode     string
	SummarizerURL      string
	SummarizerTimeout  time.Duration
	SummaryMaxLength   int
	SummaryTokenBudget int

	HistoryMaxEntries int
	HistoryRetain     int

	DatabaseURL string
	SQLitePath  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		AuthTokens:        splitList(os.Getenv("AUTH_TOKENS")),
		AllowedOrigins:    splitList(envOrDefault("APP_ALLOWED_ORIGINS", "*")),
		CompletionMode:    envOrDefault("COMPLETION_MODE", "auto"),
		CompletionURL:     stringsTrimSpace("COMPLETION_URL"),
		StopMarker:        envOrDefault("COMPLETION_STOP_MARKER", "[end of text]"),
		SummarizerMode:    envOrDefault("SUMMARIZER_MODE", "auto"),
		SummarizerURL:     stringsTrimSpace("SUMMARIZER_URL"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		SQLitePath:        stringsTrimSpace("SQLITE_PATH"),
		ShutdownTimeout:   15 * time.Second,
		CompletionTimeout: 120 * time.Second,
		SummarizerTimeout: 60 * time.Second,
		MaxNewTokens:      384,
		Temperature:       0.7,
		RepeatPenalty:     1.1,
		// 142 matches the summarization model's default output ceiling; 512 is
		// the per-chunk input budget for BART-class models.
		SummaryMaxLength:   142,
		SummaryTokenBudget: 512,
		// Capacity must exceed the detailed retain count by at least 2: every
		// exchange appends a user and an assistant turn before the fullness
		// check fires.
		HistoryMaxEntries: 7,
		HistoryRetain:     4,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTimeout, err = durationFromEnv("COMPLETION_TIMEOUT", cfg.CompletionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SummarizerTimeout, err = durationFromEnv("SUMMARIZER_TIMEOUT", cfg.SummarizerTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxNewTokens, err = intFromEnv("COMPLETION_MAX_NEW_TOKENS", cfg.MaxNewTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("COMPLETION_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.RepeatPenalty, err = floatFromEnv("COMPLETION_REPEAT_PENALTY", cfg.RepeatPenalty)
	if err != nil {
		return Config{}, err
	}
	cfg.SummaryMaxLength, err = intFromEnv("SUMMARY_MAX_LENGTH", cfg.SummaryMaxLength)
	if err != nil {
		return Config{}, err
	}
	cfg.SummaryTokenBudget, err = intFromEnv("SUMMARY_TOKEN_BUDGET", cfg.SummaryTokenBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryMaxEntries, err = intFromEnv("CHAT_MAX_HISTORY_ENTRIES", cfg.HistoryMaxEntries)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryRetain, err = intFromEnv("CHAT_DETAILED_HISTORY", cfg.HistoryRetain)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxNewTokens <= 0 {
		return Config{}, fmt.Errorf("COMPLETION_MAX_NEW_TOKENS must be positive")
	}
	if cfg.SummaryMaxLength <= 0 {
		return Config{}, fmt.Errorf("SUMMARY_MAX_LENGTH must be positive")
	}
	if cfg.SummaryTokenBudget <= 0 {
		return Config{}, fmt.Errorf("SUMMARY_TOKEN_BUDGET must be positive")
	}
	if cfg.HistoryRetain < 0 {
		return Config{}, fmt.Errorf("CHAT_DETAILED_HISTORY must be >= 0")
	}
	if cfg.HistoryMaxEntries > 0 && cfg.HistoryMaxEntries < cfg.HistoryRetain+2 {
		return Config{}, fmt.Errorf("CHAT_MAX_HISTORY_ENTRIES must exceed CHAT_DETAILED_HISTORY by at least 2")
	}
	if cfg.DatabaseURL != "" && cfg.SQLitePath != "" {
		return Config{}, fmt.Errorf("DATABASE_URL and SQLITE_PATH are mutually exclusive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
