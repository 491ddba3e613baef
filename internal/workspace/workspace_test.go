package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabarochristian/loop-to-result/internal/models"
)

func TestArchiveWritesMetadataAndTranscript(t *testing.T) {
	base := t.TempDir()
	ws, err := Create(base, "exp-1")
	require.NoError(t, err)

	now := time.Now()
	exp := &models.Experiment{
		ID: "exp-1", Prompt: "sum 1..10", Backend: "openai", Model: "gpt-4o-mini",
		Language: "starlark", Status: models.StatusSuccess, CreatedAt: now, UpdatedAt: now,
	}
	transcript := []*models.Message{
		{ExperimentID: "exp-1", Seq: 1, Sender: models.RoleSystem, Content: "```python\nprint(sum(range(11)))\n```", CreatedAt: now},
		{ExperimentID: "exp-1", Seq: 2, Sender: models.RoleAssistant, Content: "55", CreatedAt: now},
	}
	require.NoError(t, ws.Archive(exp, transcript))

	meta, err := ws.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, "exp-1", meta.ExperimentID)
	assert.Equal(t, models.StatusSuccess, meta.Status)
	assert.Equal(t, 2, meta.Messages)

	md, err := os.ReadFile(filepath.Join(ws.Path, "transcript.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Experiment exp-1")
	assert.Contains(t, string(md), "## Prompt\n\nsum 1..10")
	assert.Contains(t, string(md), "## 2. assistant")
}

func TestOpenAndRemove(t *testing.T) {
	base := t.TempDir()

	_, err := Open(base, "missing")
	assert.Error(t, err)

	_, err = Create(base, "exp-2")
	require.NoError(t, err)
	_, err = Open(base, "exp-2")
	require.NoError(t, err)

	require.NoError(t, Remove(base, "exp-2"))
	_, err = os.Stat(filepath.Join(base, "exp-2"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, Remove(base, "exp-2"))
}

func TestRejectsPathLikeIDs(t *testing.T) {
	base := t.TempDir()
	for _, id := range []string{"", "..", "../etc", "a/b"} {
		_, err := Create(base, id)
		assert.Error(t, err, id)
		assert.Error(t, Remove(base, id), id)
	}
}
