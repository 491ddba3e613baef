package tui

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabarochristian/loop-to-result/internal/hub"
	"github.com/tabarochristian/loop-to-result/internal/models"
	"github.com/tabarochristian/loop-to-result/internal/orchestrator"
)

func newTestApp() *App {
	presets := map[string]*models.Preset{
		"lua-local": {Name: "lua-local", Backend: "ollama", Model: "llama3.2", Language: "lua", MaxIterations: 4},
	}
	return NewApp(nil, presets, orchestrator.StartRequest{Backend: "openai", Model: "gpt-4o-mini"})
}

func TestFormRequestUsesDefaults(t *testing.T) {
	a := newTestApp()
	a.fields[fieldPrompt].SetValue("  sum the primes below 100 ")
	a.fields[fieldBackend].SetValue("")

	req, err := a.formRequest()
	require.NoError(t, err)
	assert.Equal(t, "sum the primes below 100", req.Prompt)
	assert.Equal(t, "openai", req.Backend)
	assert.Equal(t, "gpt-4o-mini", req.Model)
}

func TestFormRequestAppliesPreset(t *testing.T) {
	a := newTestApp()
	a.fields[fieldPrompt].SetValue("fizzbuzz")
	a.fields[fieldPreset].SetValue("lua-local")
	a.fields[fieldBackend].SetValue("")
	a.fields[fieldModel].SetValue("")

	req, err := a.formRequest()
	require.NoError(t, err)
	assert.Equal(t, "ollama", req.Backend)
	assert.Equal(t, "llama3.2", req.Model)
	assert.Equal(t, "lua", req.Language)
	assert.Equal(t, 4, req.MaxIterations)

	a.fields[fieldPreset].SetValue("missing")
	_, err = a.formRequest()
	assert.Error(t, err)
}

func TestApplyEventSkipsKnownMessages(t *testing.T) {
	a := newTestApp()
	a.view = ViewDetail
	a.selected = &models.Experiment{ID: "exp-1", Status: models.StatusRunning}
	a.messages = []*models.Message{
		{ExperimentID: "exp-1", Seq: 1, Sender: models.RoleSystem, Content: "first"},
	}

	a.applyEvent(hub.Event{Type: hub.EventMessage, ExperimentID: "exp-1", Seq: 1, Sender: models.RoleSystem, Content: "first"})
	a.applyEvent(hub.Event{Type: hub.EventMessage, ExperimentID: "exp-1", Seq: 2, Sender: models.RoleAssistant, Content: "55"})
	a.applyEvent(hub.Event{Type: hub.EventStatus, ExperimentID: "exp-1", Status: models.StatusSuccess})

	require.Len(t, a.messages, 2)
	assert.Equal(t, "55", a.messages[1].Content)
	assert.Equal(t, models.StatusSuccess, a.selected.Status)
}

func TestListNavigation(t *testing.T) {
	a := newTestApp()
	a.experiments = []*models.Experiment{
		{ID: "a", Status: models.StatusRunning, CreatedAt: time.Now()},
		{ID: "b", Status: models.StatusFailed, CreatedAt: time.Now()},
	}

	a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	assert.Equal(t, 1, a.selectedIdx)
	a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	assert.Equal(t, 1, a.selectedIdx)
	a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	assert.Equal(t, 0, a.selectedIdx)

	a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	assert.Equal(t, ViewNew, a.view)
	a.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, ViewList, a.view)

	assert.Contains(t, a.View(), "Recent Experiments")
}

func TestRenderTranscript(t *testing.T) {
	out := renderTranscript([]*models.Message{
		{Seq: 1, Sender: models.RoleSystem, Content: "```python\nprint(1)\n```", CreatedAt: time.Now()},
		{Seq: 2, Sender: models.RoleAssistant, Content: "1", CreatedAt: time.Now()},
	}, 80)

	assert.Contains(t, out, "#1 system")
	assert.Contains(t, out, "#2 assistant")
	assert.Contains(t, out, "print(1)")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate("àéîõüàéîõüàéîõü", 10)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, "àéîõüàé...", got)

	got = truncate("日本語のプロンプトを要約する", 9)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, lipgloss.Width(got), 9)

	assert.Equal(t, "short", truncate("short", 20))
}
