// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default assistant IDs, one per chat stage. Overridable via
// ASSISTANT_ID_STAGE1..ASSISTANT_ID_STAGE5.
var defaultAssistantIDs = map[string]string{
	"stage1": "asst_a9s6wbqUHXkbIX2vTj5DstO1",
	"stage2": "asst_WfpGAAkD9g0CHzPeHk3FZUD5",
	"stage3": "asst_JeCRuyTbKUi0P3gQh1mTT4yU",
	"stage4": "asst_VI2qxTfRSjFh7SHnEQdH20Lu",
	"stage5": "asst_VkefuaYBuipFKCtxf7cx3fsj",
}

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	SessionTTL   time.Duration
	OpenAIAPIKey string
	OpenAIBase   string
	SerpAPIKey   string
	SerpAPIBase  string
	AssistantIDs map[string]string
	PollInterval time.Duration
	RunTimeout   time.Duration
	RateLimit    RateLimitConfig
}

// RateLimitConfig controls per-user throttling of assistant-invoking requests.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	assistants := make(map[string]string, len(defaultAssistantIDs))
	for stage, id := range defaultAssistantIDs {
		assistants[stage] = getEnv("ASSISTANT_ID_"+strings.ToUpper(stage), id)
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/prepper.db"),
		SessionTTL:   getEnvDuration("SESSION_TTL", 24*time.Hour),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIBase:   getEnv("OPENAI_API_BASE", "https://api.openai.com/v1"),
		SerpAPIKey:   getEnv("SERPAPI_API_KEY", ""),
		SerpAPIBase:  getEnv("SERPAPI_BASE", "https://serpapi.com/search.json"),
		AssistantIDs: assistants,
		PollInterval: getEnvDuration("RUN_POLL_INTERVAL", time.Second),
		RunTimeout:   getEnvDuration("RUN_TIMEOUT", 120*time.Second),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set. The two API
// keys are hard requirements: without them no session logic can run.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}
	if c.SerpAPIKey == "" {
		return fmt.Errorf("SERPAPI_API_KEY is not set")
	}
	for stage, id := range c.AssistantIDs {
		if id == "" {
			return fmt.Errorf("assistant ID for %s cannot be empty", stage)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("RUN_POLL_INTERVAL must be > 0")
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("RUN_TIMEOUT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
