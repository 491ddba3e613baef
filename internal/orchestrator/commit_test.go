package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabarochristian/loop-to-result/internal/models"
	"github.com/tabarochristian/loop-to-result/internal/storage"
	"github.com/tabarochristian/loop-to-result/internal/testutil"
)

var errDiskFull = errors.New("disk I/O error")

// flakySession fails store writes before passing them to a real session.
type flakySession struct {
	*storage.Session

	mu            sync.Mutex
	appendFails   int
	appendCalls   int
	failStatusFor models.Status
	statusCalls   int
}

func (s *flakySession) AppendMessageIfActive(ctx context.Context, id string, sender models.Role, content string) (*models.Message, error) {
	s.mu.Lock()
	s.appendCalls++
	fail := s.appendFails > 0
	if fail {
		s.appendFails--
	}
	s.mu.Unlock()

	if fail {
		return nil, &storage.StoreError{Op: "append message", Err: errDiskFull}
	}
	return s.Session.AppendMessageIfActive(ctx, id, sender, content)
}

func (s *flakySession) SetStatusIf(ctx context.Context, id string, status models.Status, from ...models.Status) (bool, error) {
	if status == s.failStatusFor {
		s.mu.Lock()
		s.statusCalls++
		s.mu.Unlock()
		return false, &storage.StoreError{Op: "set status", Err: errDiskFull}
	}
	return s.Session.SetStatusIf(ctx, id, status, from...)
}

func (s *flakySession) counts() (appends, statuses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls, s.statusCalls
}

func useFlakySessions(h *harness, flaky *flakySession) {
	h.orch.sessions = func(ctx context.Context) (workerSession, error) {
		session, err := h.store.Session(ctx)
		if err != nil {
			return nil, err
		}
		flaky.Session = session
		return flaky, nil
	}
}

func TestCommitRetriesTransientStoreFailures(t *testing.T) {
	backend := testutil.NewBackend(codeReply, "The answer is 55.")
	h := newHarness(t, backend, testutil.NewKernel(testutil.Output("55")))
	flaky := &flakySession{appendFails: commitAttempts - 1}
	useFlakySessions(h, flaky)

	id := h.start(t, "compute fib(10)")
	exp := h.wait(t, id)

	assert.Equal(t, models.StatusSuccess, exp.Status)
	msgs := h.transcript(t, id)
	require.Len(t, msgs, 3)
	assert.Equal(t, codeReply, msgs[0].Content)

	appends, _ := flaky.counts()
	assert.Equal(t, commitAttempts-1+3, appends)
}

func TestCommitDropsEntryAfterRepeatedFailures(t *testing.T) {
	backend := testutil.NewBackend(codeReply, "The answer is 55.")
	h := newHarness(t, backend, testutil.NewKernel(testutil.Output("55")))
	flaky := &flakySession{appendFails: commitAttempts}
	useFlakySessions(h, flaky)

	id := h.start(t, "compute fib(10)")
	exp := h.wait(t, id)

	assert.Equal(t, models.StatusSuccess, exp.Status)
	assert.Equal(t, 2, backend.Calls())

	// The first reply was dropped; the loop carried on with the execution
	// result and the final answer.
	msgs := h.transcript(t, id)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[0].Sender)
	assert.True(t, strings.HasPrefix(msgs[0].Content, "55"))
	assert.Equal(t, "The answer is 55.", msgs[1].Content)

	appends, _ := flaky.counts()
	assert.Equal(t, commitAttempts+2, appends)
}

func TestTerminalStatusWriteIsBestEffort(t *testing.T) {
	backend := testutil.NewBackend("The answer is 55.")
	h := newHarness(t, backend, testutil.NewKernel())
	flaky := &flakySession{failStatusFor: models.StatusSuccess}
	useFlakySessions(h, flaky)

	id := h.start(t, "compute fib(10)")
	exp := h.wait(t, id)

	_, statuses := flaky.counts()
	assert.Equal(t, commitAttempts, statuses)
	assert.Equal(t, models.StatusRunning, exp.Status, "the lost write leaves the last committed status")
	assert.False(t, h.orch.Running(id))
	require.Len(t, h.notifier.Sent(), 1, "the finally phase still runs")
	assert.True(t, h.kernel.Closed())
}

func TestSessionFailureRecordsFault(t *testing.T) {
	backend := testutil.NewBackend("unused")
	h := newHarness(t, backend, testutil.NewKernel())
	h.orch.sessions = func(context.Context) (workerSession, error) {
		return nil, &storage.StoreError{Op: "open session", Err: errDiskFull}
	}

	id := h.start(t, "compute fib(10)")
	exp := h.wait(t, id)

	assert.Equal(t, models.StatusFailed, exp.Status)
	assert.Zero(t, backend.Calls())
	assert.True(t, h.kernel.Closed())

	msgs := h.transcript(t, id)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleSystem, msgs[0].Sender)
	assert.Equal(t, "Exception in feedback loop: store: open session: disk I/O error", msgs[0].Content)
}
