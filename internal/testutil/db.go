// Package testutil provides shared helpers and fakes for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tabarochristian/loop-to-result/internal/models"
	"github.com/tabarochristian/loop-to-result/internal/storage"
)

// NewTestStorage opens a migrated SQLite store in a temp directory. It is
// closed when the test ends.
func NewTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	s, err := storage.New(filepath.Join(t.TempDir(), "lab.db"))
	require.NoError(t, err, "failed to open test storage")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SeedExperiment inserts a pending experiment and returns its id.
func SeedExperiment(t *testing.T, s *storage.Storage, prompt string) string {
	t.Helper()

	id, err := s.CreateExperiment(context.Background(), &models.Experiment{
		Prompt:   prompt,
		Backend:  "scripted",
		Model:    "scripted-1",
		Language: "starlark",
	})
	require.NoError(t, err, "failed to seed experiment")
	return id
}

// CountBySender tallies transcript entries per sender role.
func CountBySender(msgs []*models.Message) map[models.Role]int {
	counts := make(map[models.Role]int)
	for _, m := range msgs {
		counts[m.Sender]++
	}
	return counts
}
