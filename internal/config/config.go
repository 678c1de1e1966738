package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptFile is the optional system prompt override in the home directory.
const PromptFile = "ORACLE.md"

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMConfig selects the completion provider and bounds each call.
type LLMConfig struct {
	// Provider names the active provider: "google", "anthropic", "openai",
	// "openai_compatible" or "openrouter".
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffBaseMS  int `yaml:"backoff_base_ms"`
	BackoffCapMS   int `yaml:"backoff_cap_ms"`

	CompatibleName    string `yaml:"openai_compatible_provider"`
	CompatibleBaseURL string `yaml:"openai_compatible_base_url"`
}

// RateLimitConfig configures the fixed-window limiter in front of the API.
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	WindowSeconds int  `yaml:"window_seconds"`
	Max           int  `yaml:"max"`
	// Backend is "memory" (per process) or "store" (shared through SQLite).
	Backend string `yaml:"backend"`
}

// APIKeyEntry binds one API key to the identity it authenticates.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	UserID      string `yaml:"user_id"`
	Role        string `yaml:"role"`
	Description string `yaml:"description"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

// RetentionConfig holds purge horizons in days. 0 keeps rows forever.
// Updates are never purged.
type RetentionConfig struct {
	OracleLogsDays int `yaml:"oracle_logs_days"`
	ErrorLogsDays  int `yaml:"error_logs_days"`
	AuditLogDays   int `yaml:"audit_log_days"`
	// Schedule is a cron expression for the purge job.
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string `yaml:"bind_addr"`
	LogLevel     string `yaml:"log_level"`
	DBPath       string `yaml:"db_path"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses 5s.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Retention RetentionConfig `yaml:"retention"`

	// SystemPrompt is the contents of ORACLE.md, empty when absent.
	SystemPrompt string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns the configured endpoint override for a provider.
func (c Config) ProviderBaseURL(provider string) string {
	if provider == "openai_compatible" && c.LLM.CompatibleBaseURL != "" {
		return c.LLM.CompatibleBaseURL
	}
	return c.Providers[provider].BaseURL
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath resolves db_path relative to the home directory.
func (c Config) DatabasePath() string {
	switch {
	case c.DBPath == "":
		return filepath.Join(c.HomeDir, "oracle.db")
	case filepath.IsAbs(c.DBPath):
		return c.DBPath
	default:
		return filepath.Join(c.HomeDir, c.DBPath)
	}
}

// Fingerprint returns a stable hash of the settings that change request handling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|rl=%d/%d|origins=%v|prompt=%d",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model,
		c.RateLimit.Max, c.RateLimit.WindowSeconds, c.CORS.AllowedOrigins, len(c.SystemPrompt))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:8787",
		LogLevel:            "info",
		MaxBodyBytes:        1 << 20,
		DrainTimeoutSeconds: 5,
		LLM: LLMConfig{
			Provider:       "google",
			Temperature:    0.2,
			TimeoutSeconds: 20,
			MaxAttempts:    3,
			BackoffBaseMS:  250,
			BackoffCapMS:   4000,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			WindowSeconds: 60,
			Max:           100,
			Backend:       "memory",
		},
		Retention: RetentionConfig{
			OracleLogsDays: 180,
			ErrorLogsDays:  90,
			AuditLogDays:   365,
			Schedule:       "30 3 * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("ORACLE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".piefi-oracle")
}

// Load reads config.yaml from the home directory, then applies env overrides,
// ORACLE.md and defaults for anything left unset.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create oracle home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8787"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Temperature <= 0 {
		cfg.LLM.Temperature = 0.2
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 20
	}
	if cfg.LLM.MaxAttempts <= 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if cfg.LLM.BackoffBaseMS <= 0 {
		cfg.LLM.BackoffBaseMS = 250
	}
	if cfg.LLM.BackoffCapMS < cfg.LLM.BackoffBaseMS {
		cfg.LLM.BackoffCapMS = 4000
	}

	if cfg.RateLimit.WindowSeconds <= 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.Max <= 0 {
		cfg.RateLimit.Max = 100
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}

	for i := range cfg.Auth.Keys {
		k := &cfg.Auth.Keys[i]
		k.Role = strings.ToLower(strings.TrimSpace(k.Role))
		if k.Role == "" {
			k.Role = "builder"
		}
	}

	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "30 3 * * *"
	}
}

func validate(cfg Config) error {
	switch cfg.RateLimit.Backend {
	case "memory", "store":
	default:
		return fmt.Errorf("rate_limit.backend %q: want memory or store", cfg.RateLimit.Backend)
	}
	seen := make(map[string]bool, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		if k.Key == "" {
			return fmt.Errorf("auth.keys[%d]: empty key", i)
		}
		if seen[k.Key] {
			return fmt.Errorf("auth.keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
		switch k.Role {
		case "builder", "mentor", "lead", "guest":
		default:
			return fmt.Errorf("auth.keys[%d]: unknown role %q", i, k.Role)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORACLE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ORACLE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORACLE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("ORACLE_RATE_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.Max = v
		}
	}
	if raw := os.Getenv("ORACLE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("ORACLE_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("ORACLE_LLM_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LLM.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	cfg.SystemPrompt = ReadPrompt(cfg.HomeDir)
}

// ReadPrompt returns the trimmed contents of ORACLE.md, or "" when missing.
func ReadPrompt(homeDir string) string {
	b, err := os.ReadFile(filepath.Join(homeDir, PromptFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
