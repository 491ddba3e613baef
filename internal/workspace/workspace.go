package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tabarochristian/loop-to-result/internal/models"
)

// Workspace is the artifact directory of one experiment.
type Workspace struct {
	Path string
}

type ExperimentMetadata struct {
	ExperimentID string        `json:"experiment_id"`
	Prompt       string        `json:"prompt"`
	Backend      string        `json:"backend"`
	Model        string        `json:"model"`
	Language     string        `json:"language"`
	Status       models.Status `json:"status"`
	Messages     int           `json:"messages"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ArchivedAt   time.Time     `json:"archived_at"`
}

func pathFor(baseDir, experimentID string) (string, error) {
	if experimentID == "" || strings.ContainsAny(experimentID, `/\`) || experimentID == "." || experimentID == ".." {
		return "", fmt.Errorf("invalid experiment id %q", experimentID)
	}
	return filepath.Join(baseDir, experimentID), nil
}

func Create(baseDir, experimentID string) (*Workspace, error) {
	path, err := pathFor(baseDir, experimentID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return &Workspace{Path: path}, nil
}

func Open(baseDir, experimentID string) (*Workspace, error) {
	path, err := pathFor(baseDir, experimentID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for experiment %s does not exist", experimentID)
	}
	return &Workspace{Path: path}, nil
}

// Remove deletes the workspace of experimentID. A missing directory is not
// an error.
func Remove(baseDir, experimentID string) error {
	path, err := pathFor(baseDir, experimentID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// Archive writes experiment.json and transcript.md.
func (w *Workspace) Archive(exp *models.Experiment, transcript []*models.Message) error {
	meta := &ExperimentMetadata{
		ExperimentID: exp.ID,
		Prompt:       exp.Prompt,
		Backend:      exp.Backend,
		Model:        exp.Model,
		Language:     exp.Language,
		Status:       exp.Status,
		Messages:     len(transcript),
		CreatedAt:    exp.CreatedAt,
		UpdatedAt:    exp.UpdatedAt,
		ArchivedAt:   time.Now().UTC(),
	}
	if err := w.WriteMetadata(meta); err != nil {
		return err
	}
	return w.WriteTranscript(exp, transcript)
}

func (w *Workspace) WriteMetadata(meta *ExperimentMetadata) error {
	path := filepath.Join(w.Path, "experiment.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal experiment metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write experiment.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadMetadata() (*ExperimentMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "experiment.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment.json: %w", err)
	}
	var meta ExperimentMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse experiment.json: %w", err)
	}
	return &meta, nil
}

// WriteTranscript renders the transcript as markdown, one section per
// message.
func (w *Workspace) WriteTranscript(exp *models.Experiment, transcript []*models.Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Experiment %s\n\n", exp.ID)
	fmt.Fprintf(&b, "- Status: %s\n", exp.Status)
	fmt.Fprintf(&b, "- Backend: %s / %s\n", exp.Backend, exp.Model)
	if exp.Language != "" {
		fmt.Fprintf(&b, "- Language: %s\n", exp.Language)
	}
	fmt.Fprintf(&b, "\n## Prompt\n\n%s\n", exp.Prompt)

	for _, m := range transcript {
		fmt.Fprintf(&b, "\n## %d. %s (%s)\n\n%s\n", m.Seq, m.Sender, m.CreatedAt.UTC().Format(time.RFC3339), m.Content)
	}

	path := filepath.Join(w.Path, "transcript.md")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write transcript.md: %w", err)
	}
	return nil
}
