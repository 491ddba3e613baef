package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabarochristian/loop-to-result/internal/models"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "lab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createExperiment(t *testing.T, s *Storage) string {
	t.Helper()
	id, err := s.CreateExperiment(context.Background(), &models.Experiment{
		Prompt:   "print fibonacci numbers",
		Backend:  "openai",
		Model:    "gpt-4o-mini",
		Language: "starlark",
	})
	require.NoError(t, err)
	return id
}

func TestCreateGetExperiment(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	id := createExperiment(t, s)
	require.NotEmpty(t, id)

	exp, err := s.GetExperiment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "print fibonacci numbers", exp.Prompt)
	assert.Equal(t, models.StatusPending, exp.Status)
	assert.Equal(t, "starlark", exp.Language)
	assert.False(t, exp.CreatedAt.IsZero())

	_, err = s.GetExperiment(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestListExperimentsNewestFirst(t *testing.T) {
	s := setupTestStorage(t)
	first := createExperiment(t, s)
	second := createExperiment(t, s)

	exps, err := s.ListExperiments(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.Equal(t, second, exps[0].ID)
	assert.Equal(t, first, exps[1].ID)
}

func TestSetStatusIf(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	id := createExperiment(t, s)

	ok, err := s.SetStatusIf(ctx, id, models.StatusRunning, models.StatusPending)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetStatusIf(ctx, id, models.StatusStopped, models.ActiveStatuses...)
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal statuses are never left.
	ok, err = s.SetStatusIf(ctx, id, models.StatusSuccess, models.ActiveStatuses...)
	require.NoError(t, err)
	assert.False(t, ok)

	exp, err := s.GetExperiment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, exp.Status)

	_, err = s.SetStatusIf(ctx, "missing", models.StatusStopped, models.ActiveStatuses...)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestAppendMessageSequence(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	id := createExperiment(t, s)

	for i := 1; i <= 5; i++ {
		msg, err := s.AppendMessage(ctx, id, models.RoleSystem, fmt.Sprintf("reply %d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.Seq)
	}

	msgs, err := s.ListMessages(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
		assert.Equal(t, fmt.Sprintf("reply %d", i+1), msg.Content)
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(msgs[i-1].CreatedAt))
		}
	}

	tail, err := s.ListMessages(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Seq)

	_, err = s.AppendMessage(ctx, "missing", models.RoleUser, "hello")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentAppendsAcrossSessions(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	id := createExperiment(t, s)

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := s.Session(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer sess.Close()
			for i := 0; i < perWriter; i++ {
				if _, err := sess.AppendMessage(ctx, id, models.RoleUser, "x"); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, writers*perWriter)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq, "no gaps or duplicates")
	}
}

func TestAppendMessageIfActive(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	id := createExperiment(t, s)

	_, err := s.AppendMessageIfActive(ctx, id, models.RoleUser, "try a loop")
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, id, models.StatusFailed))

	_, err = s.AppendMessageIfActive(ctx, id, models.RoleUser, "too late")
	require.ErrorIs(t, err, models.ErrExperimentNotActive)

	_, err = s.AppendMessageIfActive(ctx, "missing", models.RoleUser, "x")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteExperimentCascades(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	id := createExperiment(t, s)
	other := createExperiment(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, id, models.RoleSystem, "reply")
		require.NoError(t, err)
	}
	_, err := s.AppendMessage(ctx, other, models.RoleSystem, "keep me")
	require.NoError(t, err)

	require.NoError(t, s.DeleteExperiment(ctx, id))

	msgs, err := s.ListMessages(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.GetExperiment(ctx, id)
	require.ErrorIs(t, err, models.ErrNotFound)

	kept, err := s.ListMessages(ctx, other, 0)
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	require.ErrorIs(t, s.DeleteExperiment(ctx, id), models.ErrNotFound)
}

func TestSessionClosedReturnsStoreError(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	sess, err := s.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	_, err = sess.GetExperiment(ctx, "any")
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
}
