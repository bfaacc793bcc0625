package planner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ModelConfig selects the model behind a GenkitGenerator.
type ModelConfig struct {
	// Provider is google, anthropic, openai or openai_compatible.
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// ErrNoAPIKey is returned when no key is configured or found in the
// provider's environment variable.
var ErrNoAPIKey = errors.New("no API key for model provider")

// GenkitGenerator generates text through a Genkit model.
type GenkitGenerator struct {
	g     *genkit.Genkit
	model string
}

var _ Generator = (*GenkitGenerator)(nil)

// NewGenkitGenerator initialises Genkit with the provider's plugin.
func NewGenkitGenerator(ctx context.Context, cfg ModelConfig) (*GenkitGenerator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w %q", ErrNoAPIKey, provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "openai", "openai_compatible":
		name := "openai"
		if provider == "openai_compatible" {
			name = "compat"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: name,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "google":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}))
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	return &GenkitGenerator{g: g, model: modelNameForProvider(provider, cfg.Model)}, nil
}

// Generate implements Generator.
func (gg *GenkitGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := genkit.Generate(ctx, gg.g,
		ai.WithModelName(gg.model),
		// Both options format their text with fmt.Sprintf.
		ai.WithSystem(escapePercent(system)),
		ai.WithPrompt(escapePercent(prompt)),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func escapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5"
		case "openai", "openai_compatible":
			model = "gpt-4o-mini"
		default:
			model = "gemini-2.5-flash"
		}
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return "compat/" + model
	default:
		return "googleai/" + model
	}
}
