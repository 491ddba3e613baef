// Package gateway wraps a generative-model backend: it validates and maps the
// transcript onto the backend's chat roles, retries transient failures and
// splits the reply into code and explanation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabarochristian/loop-to-result/internal/extract"
	"github.com/tabarochristian/loop-to-result/internal/logging"
	"github.com/tabarochristian/loop-to-result/internal/models"
)

// FallbackReply stands in for a reply with no textual payload.
const FallbackReply = "No response content received"

// ExecutionResultPrefix frames sandbox feedback for the model.
const ExecutionResultPrefix = "Execution Result:\n"

// Backend-native chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a backend request.
type Message struct {
	Role    string
	Content string
}

// Backend is a chat-style model capability keyed by model name.
type Backend interface {
	Name() string
	Model() string
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Reply is the result of one query.
type Reply struct {
	Raw      string
	Code     string
	HasCode  bool
	Residual string
	Attempts int
}

type Options struct {
	SystemPrompt string
	Language     string
	Retry        RetryPolicy
}

type Gateway struct {
	backend      Backend
	extractor    *extract.Extractor
	systemPrompt string
	policy       RetryPolicy
	logger       zerolog.Logger
}

func New(backend Backend, opts Options) *Gateway {
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt(opts.Language)
	}
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}

	g := &Gateway{
		backend:      backend,
		extractor:    extract.ForLanguage(opts.Language),
		systemPrompt: systemPrompt,
		policy:       policy,
		logger: logging.Component("gateway").With().
			Str("backend", backend.Name()).
			Str("model", backend.Model()).
			Logger(),
	}
	if g.policy.OnRetry == nil {
		g.policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			g.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Transient backend failure, retrying")
		}
	}
	return g
}

func (g *Gateway) Backend() Backend {
	return g.backend
}

// Query sends history, preceded by the system instruction, to the backend
// and extracts any code from the reply.
func (g *Gateway) Query(ctx context.Context, history []models.Turn) (*Reply, error) {
	messages, err := g.prepare(history)
	if err != nil {
		return nil, err
	}

	text, attempts, err := Retry(ctx, g.policy, func(ctx context.Context) (string, error) {
		return g.backend.Complete(ctx, messages)
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case IsTransient(err):
			return nil, &UnavailableError{Backend: g.backend.Name(), Attempts: attempts, Err: err}
		default:
			return nil, fmt.Errorf("%s backend: %w", g.backend.Name(), err)
		}
	}

	if strings.TrimSpace(text) == "" {
		return &Reply{Raw: FallbackReply, Residual: FallbackReply, Attempts: attempts}, nil
	}

	code, found, residual := g.extractor.Extract(text)
	return &Reply{
		Raw:      text,
		Code:     code,
		HasCode:  found,
		Residual: residual,
		Attempts: attempts,
	}, nil
}

// prepare validates history and maps it onto backend roles. Model output
// (RoleSystem) goes back as the assistant's own turns; execution feedback
// (RoleAssistant) is presented to the model as user input.
func (g *Gateway) prepare(history []models.Turn) ([]Message, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: history is empty", ErrInvalidHistory)
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: g.systemPrompt})

	for i, turn := range history {
		if turn.Role == "" {
			return nil, fmt.Errorf("%w: entry %d has no role", ErrInvalidHistory, i)
		}
		switch turn.Role {
		case models.RoleUser:
			messages = append(messages, Message{Role: RoleUser, Content: turn.Content})
		case models.RoleSystem:
			messages = append(messages, Message{Role: RoleAssistant, Content: turn.Content})
		case models.RoleAssistant:
			messages = append(messages, Message{Role: RoleUser, Content: ExecutionResultPrefix + turn.Content})
		default:
			return nil, fmt.Errorf("%w: entry %d has unknown role %q", ErrInvalidHistory, i, turn.Role)
		}
	}
	return messages, nil
}

// DefaultSystemPrompt is the instruction sent ahead of every history.
func DefaultSystemPrompt(language string) string {
	lang := "Starlark (a Python dialect)"
	fence := "python"
	if language == "lua" {
		lang, fence = "Lua", "lua"
	}
	return "You are an expert AI coding assistant. Your responses should include:\n" +
		"1. Clear explanations of the solution approach\n" +
		"2. A single well-formatted ```" + fence + " code block written in " + lang + " when code is needed\n" +
		"3. Analysis of potential edge cases\n" +
		"4. Suggestions for optimization and improvement\n" +
		"Your code runs in a persistent interpreter: variables from earlier blocks are still defined. " +
		"When an execution result shows the task is solved, reply with a concise summary and no code."
}

// IsUnavailable reports whether err came from exhausting the retry budget.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
