package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SERPAPI_API_KEY", "serp-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("expected default poll interval 1s, got %v", cfg.PollInterval)
	}
	if cfg.RunTimeout != 120*time.Second {
		t.Errorf("expected default run timeout 120s, got %v", cfg.RunTimeout)
	}
	for _, stage := range []string{"stage1", "stage2", "stage3", "stage4", "stage5"} {
		id := cfg.AssistantIDs[stage]
		if !strings.HasPrefix(id, "asst_") {
			t.Errorf("expected default assistant id for %s, got %q", stage, id)
		}
	}
}

func TestLoadRequiresOpenAIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("SERPAPI_API_KEY", "serp-test")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("expected OPENAI_API_KEY error, got %v", err)
	}
}

func TestLoadRequiresSerpAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SERPAPI_API_KEY", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SERPAPI_API_KEY") {
		t.Fatalf("expected SERPAPI_API_KEY error, got %v", err)
	}
}

func TestLoadAssistantOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ASSISTANT_ID_STAGE3", "asst_custom")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AssistantIDs["stage3"] != "asst_custom" {
		t.Errorf("expected stage3 override, got %q", cfg.AssistantIDs["stage3"])
	}
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RUN_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RunTimeout != 120*time.Second {
		t.Errorf("expected fallback run timeout, got %v", cfg.RunTimeout)
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		frontendURL string
		want        bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"https://prepper.example.com", false},
	}
	for _, tt := range tests {
		cfg := &Config{FrontendURL: tt.frontendURL}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.frontendURL, got, tt.want)
		}
	}
}
