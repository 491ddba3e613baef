package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
)

// GollmBackend reaches a hosted or local model through gollm.
type GollmBackend struct {
	provider string
	model    string
	llm      gollm.LLM
}

type GollmOptions struct {
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// NewGollmBackend creates a backend for provider/model. When opts.APIKey is
// empty the key is read from the provider's environment variable.
func NewGollmBackend(provider, model string, opts GollmOptions) (*GollmBackend, error) {
	model, err := ResolveModel(provider, model)
	if err != nil {
		return nil, err
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}

	apiKey := opts.APIKey
	if apiKey == "" {
		if info := LookupBackend(provider); info != nil && info.APIKeyEnv != "" {
			apiKey = os.Getenv(info.APIKeyEnv)
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(opts.MaxTokens),
		gollm.SetTemperature(opts.Temperature),
		gollm.SetMaxRetries(0), // the gateway retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}

	client, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", provider, err)
	}

	return &GollmBackend{provider: provider, model: model, llm: client}, nil
}

// GollmFactory returns a Factory producing gollm backends with shared options.
func GollmFactory(opts GollmOptions) Factory {
	return func(backend, model string) (Backend, error) {
		return NewGollmBackend(backend, model, opts)
	}
}

func (b *GollmBackend) Name() string  { return b.provider }
func (b *GollmBackend) Model() string { return b.model }

func (b *GollmBackend) Complete(ctx context.Context, messages []Message) (string, error) {
	text, err := b.llm.Generate(ctx, buildPrompt(messages))
	if err != nil {
		return "", classify(b.provider, err)
	}
	return text, nil
}

// buildPrompt folds a chat history into one gollm prompt: system entries
// become the system prompt, the rest are joined in order with role markers.
func buildPrompt(messages []Message) *gollm.Prompt {
	var system []string
	var parts []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			if m.Content != "" {
				parts = append(parts, "[Assistant]: "+m.Content)
			}
		default:
			parts = append(parts, m.Content)
		}
	}

	var opts []gollm.PromptOption
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(system, "\n"), gollm.CacheTypeEphemeral))
	}
	return gollm.NewPrompt(strings.Join(parts, "\n\n"), opts...)
}

// classify maps a provider error onto a BackendError. gollm's typed errors
// decide where they carry a category; otherwise the status code found in the
// text does, then a few well-known phrases.
func classify(provider string, err error) error {
	msg := err.Error()
	be := &BackendError{Backend: provider, Message: msg, Cause: err}

	var llmErr *llm.LLMError
	if errors.As(err, &llmErr) {
		switch llmErr.Type {
		case llm.ErrorTypeRateLimit:
			be.StatusCode, be.Transient = 429, true
			return be
		case llm.ErrorTypeAuthentication:
			be.StatusCode = 401
			return be
		case llm.ErrorTypeInvalidInput, llm.ErrorTypeUnsupported:
			be.StatusCode = 400
			return be
		case llm.ErrorTypeRequest:
			// The request never reached the provider.
			be.Transient = !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			return be
		}
	}

	if code := statusCode(msg); code != 0 {
		be.StatusCode = code
		be.Transient = transientStatus(code)
		return be
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		be.StatusCode = 401
	case strings.Contains(lower, "forbidden"):
		be.StatusCode = 403
	case strings.Contains(lower, "model not found"):
		be.StatusCode = 404
	case strings.Contains(lower, "rate limit"):
		be.StatusCode, be.Transient = 429, true
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		be.StatusCode = 413
	case strings.Contains(lower, "internal server"):
		be.StatusCode, be.Transient = 500, true
	default:
		be.Transient = IsTransient(err)
	}
	return be
}
