package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ModelMaxTokens != 128000 {
		t.Errorf("model_max_tokens = %d, want 128000", cfg.ModelMaxTokens)
	}
	if cfg.ContentTokenProportion != 0.5 {
		t.Errorf("content_token_proportion = %f, want 0.5", cfg.ContentTokenProportion)
	}
	if cfg.MaxRetriesPerPI != 3 || cfg.MaxCallbackRetries != 3 {
		t.Errorf("retry defaults = %d, %d, want 3, 3", cfg.MaxRetriesPerPI, cfg.MaxCallbackRetries)
	}
	if cfg.AlarmIntervalMs != 100 {
		t.Errorf("alarm_interval_ms = %d, want 100", cfg.AlarmIntervalMs)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeepInfraAPIKey = "sk-test"
	cfg.ArkeAPIURL = "https://store.example"
	cfg.OrchestratorURL = "https://orch.example"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	missingKey := *cfg
	missingKey.DeepInfraAPIKey = ""
	if err := missingKey.Validate(); err == nil {
		t.Errorf("Validate passed without api key")
	}

	badProportion := *cfg
	badProportion.ContentTokenProportion = 1.5
	if err := badProportion.Validate(); err == nil {
		t.Errorf("Validate passed with proportion > 1")
	}
}

func TestResolveEnvVars(t *testing.T) {
	os.Setenv("PINAX_TEST_SECRET", "s3cret")
	defer os.Unsetenv("PINAX_TEST_SECRET")

	cases := []struct {
		in   string
		want string
	}{
		{"${PINAX_TEST_SECRET}", "s3cret"},
		{"prefix-${PINAX_TEST_SECRET}", "prefix-s3cret"},
		{"plain", "plain"},
		{"", ""},
		{"${PINAX_TEST_UNSET}", ""},
	}
	for _, tc := range cases {
		if got := ResolveEnvVars(tc.in); got != tc.want {
			t.Errorf("ResolveEnvVars(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "deepinfra_api_key: ${DEEPINFRA_API_KEY}") {
		t.Errorf("default config missing env reference:\n%s", content)
	}
	if !strings.Contains(content, "model_max_tokens: 128000") {
		t.Errorf("default config missing token budget:\n%s", content)
	}
}
