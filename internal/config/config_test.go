package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
anthropic:
  api_key: sk-ant-test-key-0123456789
  model: claude-sonnet-4-20250514
engine:
  pipeline_concurrency: 5
  execution_timeout: 10m
rate_limit:
  requests: 30
  window: 30s
ingest:
  max_attempts: 4
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Anthropic.APIKey != "sk-ant-test-key-0123456789" {
		t.Errorf("api key = %q", cfg.Anthropic.APIKey)
	}
	if cfg.Engine.PipelineConcurrency != 5 {
		t.Errorf("pipeline_concurrency = %d, want 5", cfg.Engine.PipelineConcurrency)
	}
	if cfg.Engine.ExecutionTimeout != 10*time.Minute {
		t.Errorf("execution_timeout = %v, want 10m", cfg.Engine.ExecutionTimeout)
	}
	if cfg.RateLimit.Requests != 30 {
		t.Errorf("rate_limit.requests = %d, want 30", cfg.RateLimit.Requests)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("rate_limit.window = %v, want 30s", cfg.RateLimit.Window)
	}
	if cfg.Ingest.MaxAttempts != 4 {
		t.Errorf("ingest.max_attempts = %d, want 4", cfg.Ingest.MaxAttempts)
	}
	// Unset values keep their defaults.
	if cfg.Ingest.BackoffBase != 5*time.Minute {
		t.Errorf("ingest.backoff_base = %v, want default 5m", cfg.Ingest.BackoffBase)
	}
}

func TestLoadFromPathExpandsEnv(t *testing.T) {
	t.Setenv("TEST_CONDUCTOR_KEY", "sk-ant-from-env-0123456789")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("anthropic:\n  api_key: ${TEST_CONDUCTOR_KEY}\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env-0123456789" {
		t.Errorf("api key = %q, want expanded env value", cfg.Anthropic.APIKey)
	}
}

func TestDefaultMatchesSetDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Engine.PipelineConcurrency != 3 {
		t.Errorf("pipeline_concurrency = %d, want 3", cfg.Engine.PipelineConcurrency)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("rate_limit.window = %v, want 1m", cfg.RateLimit.Window)
	}
	if cfg.Ingest.BackoffBase != 5*time.Minute {
		t.Errorf("ingest.backoff_base = %v, want 5m", cfg.Ingest.BackoffBase)
	}
}

func TestValidateAPIKey(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", "sk-ant-REDACTED", false},
		{"empty", "", true},
		{"wrong prefix", "api-key-0123456789abcdef", true},
		{"too short", "sk-ant-x", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateAPIKey(tc.key)
			if tc.wantErr && err == nil {
				t.Error("expected an error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestGetAPIKeyPrefersEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	cfg := &Config{}
	cfg.Anthropic.APIKey = "sk-ant-from-config"

	key, err := GetAPIKey(cfg)
	if err != nil {
		t.Fatalf("get api key: %v", err)
	}
	if key != "sk-ant-from-env" {
		t.Errorf("key = %q, want the environment value", key)
	}
}
