package gateway

import (
	"fmt"

	"github.com/tabarochristian/loop-to-result/internal/models"
)

// BackendInfo describes a model backend the gateway can reach.
type BackendInfo struct {
	Name         string
	DisplayName  string
	DefaultModel string
	Models       []string
	APIKeyEnv    string
}

// Backends is the built-in backend catalog. Model lists are the known names
// offered by the CLI and TUI; other names are passed through to the provider.
var Backends = []BackendInfo{
	{
		Name: "openai", DisplayName: "OpenAI",
		DefaultModel: "gpt-4o-mini",
		Models:       []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1", "gpt-4.1-mini"},
		APIKeyEnv:    "OPENAI_API_KEY",
	},
	{
		Name: "anthropic", DisplayName: "Anthropic",
		DefaultModel: "claude-3-5-haiku-latest",
		Models:       []string{"claude-3-5-haiku-latest", "claude-3-7-sonnet-latest", "claude-sonnet-4-0"},
		APIKeyEnv:    "ANTHROPIC_API_KEY",
	},
	{
		Name: "groq", DisplayName: "Groq",
		DefaultModel: "llama-3.3-70b-versatile",
		Models:       []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant"},
		APIKeyEnv:    "GROQ_API_KEY",
	},
	{
		Name: "mistral", DisplayName: "Mistral",
		DefaultModel: "mistral-small-latest",
		Models:       []string{"mistral-small-latest", "mistral-large-latest", "codestral-latest"},
		APIKeyEnv:    "MISTRAL_API_KEY",
	},
	{
		Name: "ollama", DisplayName: "Ollama (local)",
		DefaultModel: "llama3.2",
		Models:       []string{"llama3.2", "qwen2.5-coder", "codellama"},
	},
}

// LookupBackend returns the catalog entry for name, or nil if unknown.
func LookupBackend(name string) *BackendInfo {
	for i := range Backends {
		if Backends[i].Name == name {
			return &Backends[i]
		}
	}
	return nil
}

// BackendNames lists the catalog in display order.
func BackendNames() []string {
	names := make([]string, len(Backends))
	for i, b := range Backends {
		names[i] = b.Name
	}
	return names
}

// Factory builds a backend for a (backend, model) choice.
type Factory func(backend, model string) (Backend, error)

// ResolveModel validates backend against the catalog and fills in its default
// model when model is empty.
func ResolveModel(backend, model string) (string, error) {
	info := LookupBackend(backend)
	if info == nil {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidBackend, backend)
	}
	if model == "" {
		model = info.DefaultModel
	}
	return model, nil
}
