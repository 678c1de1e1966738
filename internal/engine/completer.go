// Package engine talks to the external completion model: provider wiring,
// bounded retries and parsing of the model's JSON reply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrNoProvider is returned by a completer that has no usable API key.
var ErrNoProvider = errors.New("no completion provider configured")

const DefaultTemperature = 0.2

// Prompt is a single-turn completion request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
}

// Completer returns the raw text of one model completion.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, p Prompt) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// GenkitConfig selects the provider behind a GenkitCompleter.
type GenkitConfig struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or
	// "openrouter". Empty means google.
	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	// CompatibleName names the provider registered for openai_compatible.
	CompatibleName string
}

// GenkitCompleter sends prompts through a genkit instance.
type GenkitCompleter struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	logger   *slog.Logger
}

// NewGenkitCompleter initializes genkit with the configured provider plugin.
// Without an API key the completer stays offline and every call returns
// ErrNoProvider.
func NewGenkitCompleter(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) *GenkitCompleter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	c := &GenkitCompleter{provider: provider, model: model, logger: logger}
	if apiKey == "" {
		c.g = genkit.Init(ctx)
		logger.Warn("completion API key missing; model calls disabled", "provider", provider)
		return c
	}

	switch provider {
	case "anthropic":
		c.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
	case "openai":
		c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openai_compatible":
		c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleName,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "google":
		c.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}),
			genkit.WithDefaultModel(ModelName(provider, model)),
		)
	default:
		c.g = genkit.Init(ctx)
		logger.Warn("unknown completion provider; model calls disabled", "provider", provider)
		return c
	}
	c.llmOn = true
	logger.Info("completion provider initialized", "provider", provider, "model", ModelName(provider, model))
	return c
}

// Enabled reports whether a provider plugin is active.
func (c *GenkitCompleter) Enabled() bool { return c.llmOn }

func (c *GenkitCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	if !c.llmOn {
		return "", ErrNoProvider
	}
	user := strings.TrimSpace(p.User)
	if user == "" {
		return "", fmt.Errorf("empty prompt")
	}
	temp := p.Temperature
	if temp <= 0 {
		temp = DefaultTemperature
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(ModelName(c.provider, c.model)),
		ai.WithPrompt(user),
		ai.WithConfig(&ai.GenerationCommonConfig{Temperature: temp}),
	}
	if sys := strings.TrimSpace(p.System); sys != "" {
		// ai.WithSystem treats its argument as a format string.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(sys, "%", "%%")))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

var defaultModels = map[string]string{
	"google":     "gemini-2.5-flash",
	"anthropic":  "claude-sonnet-4-5-20250929",
	"openai":     "gpt-4o-mini",
	"openrouter": "google/gemini-2.5-flash",
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	if provider == "openai_compatible" {
		provider = "openai"
	}
	return defaultModels[provider]
}

// ModelName qualifies model with the genkit plugin namespace for provider.
func ModelName(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
