package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/piefi/oracle/internal/config"
)

func writeHomeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoad_FromOracleHome(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, "config.yaml", "bind_addr: 0.0.0.0:9000\nrate_limit:\n  max: 20\n")
	writeHomeFile(t, home, config.PromptFile, "  Answer in JSON.\n")
	t.Setenv("ORACLE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.RateLimit.Max != 20 || cfg.RateLimit.WindowSeconds != 60 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.SystemPrompt != "Answer in JSON." {
		t.Fatalf("system prompt = %q", cfg.SystemPrompt)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false when config.yaml exists")
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis when config.yaml is missing")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := config.RateLimitConfig{Enabled: true, WindowSeconds: 60, Max: 100, Backend: "memory"}
	if diff := cmp.Diff(want, cfg.RateLimit); diff != "" {
		t.Fatalf("rate limit defaults (-want +got):\n%s", diff)
	}
	if cfg.LLM.Provider != "google" || cfg.LLM.Temperature != 0.2 {
		t.Fatalf("llm defaults = %+v", cfg.LLM)
	}
	if cfg.LLM.TimeoutSeconds != 20 || cfg.LLM.MaxAttempts != 3 {
		t.Fatalf("llm bounds = %+v", cfg.LLM)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "oracle.db") {
		t.Fatalf("db path = %q", cfg.DatabasePath())
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, "config.yaml", "bind_addr: 127.0.0.1:1\nlog_level: warn\n")
	t.Setenv("ORACLE_BIND_ADDR", "127.0.0.1:2")
	t.Setenv("ORACLE_LOG_LEVEL", "DEBUG")
	t.Setenv("ORACLE_RATE_LIMIT", "7")
	t.Setenv("ORACLE_LLM_PROVIDER", "Anthropic")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:2" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.RateLimit.Max != 7 {
		t.Fatalf("rate limit max = %d", cfg.RateLimit.Max)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("provider = %q", cfg.LLM.Provider)
	}
}

func TestLoad_AuthKeysNormalized(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, "config.yaml", `auth:
  enabled: true
  keys:
    - key: k1
      user_id: u1
      role: LEAD
    - key: k2
      user_id: u2
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := []config.APIKeyEntry{
		{Key: "k1", UserID: "u1", Role: "lead"},
		{Key: "k2", UserID: "u2", Role: "builder"},
	}
	if diff := cmp.Diff(want, cfg.Auth.Keys); diff != "" {
		t.Fatalf("auth keys (-want +got):\n%s", diff)
	}
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown role", "auth:\n  keys:\n    - key: k\n      role: admin\n", "unknown role"},
		{"duplicate key", "auth:\n  keys:\n    - key: k\n    - key: k\n", "duplicate key"},
		{"empty key", "auth:\n  keys:\n    - user_id: u\n", "empty key"},
		{"bad backend", "rate_limit:\n  backend: redis\n", "rate_limit.backend"},
		{"bad yaml", "bind_addr: [\n", "parse config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			writeHomeFile(t, home, "config.yaml", tt.yaml)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestProviderAPIKey_EnvOverridesYAML(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"anthropic": {APIKey: "yaml-key"},
	}}
	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := cfg.ProviderAPIKey("anthropic"); got != "yaml-key" {
		t.Fatalf("yaml key = %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	if got := cfg.ProviderAPIKey("anthropic"); got != "env-key" {
		t.Fatalf("env key = %q", got)
	}
	t.Setenv("OPENAI_API_KEY", "")
	if got := cfg.ProviderAPIKey("openai"); got != "" {
		t.Fatalf("missing key = %q", got)
	}
}

func TestProviderBaseURL(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{CompatibleBaseURL: "http://localhost:11434/v1"},
		Providers: map[string]config.ProviderConfig{
			"openrouter": {BaseURL: "https://openrouter.ai/api/v1"},
		},
	}
	if got := cfg.ProviderBaseURL("openai_compatible"); got != "http://localhost:11434/v1" {
		t.Fatalf("compatible = %q", got)
	}
	if got := cfg.ProviderBaseURL("openrouter"); got != "https://openrouter.ai/api/v1" {
		t.Fatalf("openrouter = %q", got)
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := config.Config{HomeDir: "/srv/oracle", DBPath: "data/o.db"}
	if got := cfg.DatabasePath(); got != filepath.Join("/srv/oracle", "data/o.db") {
		t.Fatalf("relative = %q", got)
	}
	cfg.DBPath = "/var/lib/o.db"
	if got := cfg.DatabasePath(); got != "/var/lib/o.db" {
		t.Fatalf("absolute = %q", got)
	}
}

func TestFingerprint_ChangesWithPrompt(t *testing.T) {
	a := config.Config{BindAddr: "x"}
	b := a
	b.SystemPrompt = "new prompt"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when the prompt changes")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
}
