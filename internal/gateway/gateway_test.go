package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabarochristian/loop-to-result/internal/models"
)

type stubBackend struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	calls    int
	requests [][]Message
}

func (b *stubBackend) Name() string  { return "stub" }
func (b *stubBackend) Model() string { return "stub-1" }

func (b *stubBackend) Complete(ctx context.Context, messages []Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	b.calls++
	b.requests = append(b.requests, messages)
	if i < len(b.errs) && b.errs[i] != nil {
		return "", b.errs[i]
	}
	if i < len(b.replies) {
		return b.replies[i], nil
	}
	return "", nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 1}
}

func TestQueryMapsRolesAndPrependsSystemPrompt(t *testing.T) {
	backend := &stubBackend{replies: []string{"Done."}}
	g := New(backend, Options{SystemPrompt: "be brief", Retry: fastPolicy()})

	history := []models.Turn{
		{Role: models.RoleUser, Content: "compute 2+2"},
		{Role: models.RoleSystem, Content: "```python\nprint(2+2)\n```"},
		{Role: models.RoleAssistant, Content: "4"},
	}
	_, err := g.Query(context.Background(), history)
	require.NoError(t, err)

	require.Len(t, backend.requests, 1)
	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "compute 2+2"},
		{Role: RoleAssistant, Content: "```python\nprint(2+2)\n```"},
		{Role: RoleUser, Content: "Execution Result:\n4"},
	}, backend.requests[0])
}

func TestQueryDefaultSystemPromptFollowsLanguage(t *testing.T) {
	backend := &stubBackend{replies: []string{"ok"}}
	g := New(backend, Options{Language: "lua", Retry: fastPolicy()})

	_, err := g.Query(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Contains(t, backend.requests[0][0].Content, "```lua")
}

func TestQueryInvalidHistory(t *testing.T) {
	tests := []struct {
		name    string
		history []models.Turn
	}{
		{"empty", nil},
		{"missing role", []models.Turn{{Content: "x"}}},
		{"unknown role", []models.Turn{{Role: "tool", Content: "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &stubBackend{}
			g := New(backend, Options{Retry: fastPolicy()})

			_, err := g.Query(context.Background(), tt.history)
			assert.ErrorIs(t, err, ErrInvalidHistory)
			assert.Zero(t, backend.calls)
		})
	}
}

func TestQueryExtractsCode(t *testing.T) {
	backend := &stubBackend{replies: []string{"Try:\n```python\nx = 1\n```\nThen check."}}
	g := New(backend, Options{Retry: fastPolicy()})

	reply, err := g.Query(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "go"}})
	require.NoError(t, err)
	assert.True(t, reply.HasCode)
	assert.Equal(t, "x = 1", reply.Code)
	assert.Equal(t, "Try:\n\nThen check.", reply.Residual)
	assert.Equal(t, "Try:\n```python\nx = 1\n```\nThen check.", reply.Raw)
}

func TestQueryEmptyReplyFallsBack(t *testing.T) {
	backend := &stubBackend{replies: []string{"   "}}
	g := New(backend, Options{Retry: fastPolicy()})

	reply, err := g.Query(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, reply.Raw)
	assert.False(t, reply.HasCode)
}

func TestQueryRetriesTransientFailures(t *testing.T) {
	backend := &stubBackend{
		errs:    []error{errors.New("429 rate limit exceeded"), errors.New("connection reset by peer")},
		replies: []string{"", "", "finally"},
	}
	g := New(backend, Options{Retry: fastPolicy()})

	reply, err := g.Query(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, "finally", reply.Raw)
	assert.Equal(t, 3, reply.Attempts)
}

func TestQueryExhaustionIsUnavailable(t *testing.T) {
	last := &BackendError{Backend: "stub", Message: "overloaded", Transient: true}
	backend := &stubBackend{errs: []error{last, last, last, last}}
	g := New(backend, Options{Retry: fastPolicy()})

	_, err := g.Query(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "go"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.ErrorIs(t, err, last)
	assert.True(t, IsUnavailable(err))

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 3, ue.Attempts)
	assert.Equal(t, 3, backend.calls)
}

func TestQueryFatalFailureIsNotRetried(t *testing.T) {
	fatal := &BackendError{Backend: "stub", StatusCode: 401, Message: "bad key"}
	backend := &stubBackend{errs: []error{fatal}}
	g := New(backend, Options{Retry: fastPolicy()})

	_, err := g.Query(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "go"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.False(t, IsUnavailable(err))
	assert.Equal(t, 1, backend.calls)
}

func TestQueryCancelledDuringBackoff(t *testing.T) {
	backend := &stubBackend{errs: []error{errors.New("503 service unavailable"), errors.New("503 service unavailable")}}
	g := New(backend, Options{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, BackoffMultiplier: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := g.Query(ctx, []models.Turn{{Role: models.RoleUser, Content: "go"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, backend.calls)
}
