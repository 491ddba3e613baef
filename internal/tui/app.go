package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/tabarochristian/loop-to-result/internal/hub"
	"github.com/tabarochristian/loop-to-result/internal/models"
	"github.com/tabarochristian/loop-to-result/internal/orchestrator"
	"github.com/tabarochristian/loop-to-result/internal/preset"
	"github.com/tabarochristian/loop-to-result/internal/storage"
)

type View int

const (
	ViewList View = iota
	ViewDetail
	ViewNew
)

const (
	listLimit     = 50
	requestTimeout = 10 * time.Second
)

// New-experiment form fields, in focus order.
const (
	fieldPrompt = iota
	fieldPreset
	fieldBackend
	fieldModel
	fieldCount
)

type App struct {
	orchestrator *orchestrator.Orchestrator
	presets      map[string]*models.Preset
	defaults     orchestrator.StartRequest

	view        View
	experiments []*models.Experiment
	selectedIdx int

	// Detail view
	selected  *models.Experiment
	messages  []*models.Message
	sub       *hub.Subscription
	viewport  viewport.Model
	input     textinput.Model
	inputMode bool

	// New experiment form
	fields []textinput.Model
	focus  int

	spinner spinner.Model
	width   int
	height  int
	notice  string
	err     error
}

// NewApp builds the TUI. defaults seed the backend and model fields of the
// new-experiment form.
func NewApp(orch *orchestrator.Orchestrator, presets map[string]*models.Preset, defaults orchestrator.StartRequest) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	in := textinput.New()
	in.Placeholder = "Message to the experiment"
	in.CharLimit = 4000

	a := &App{
		orchestrator: orch,
		presets:      presets,
		defaults:     defaults,
		view:         ViewList,
		viewport:     viewport.New(80, 20),
		input:        in,
		spinner:      sp,
	}
	a.fields = a.newForm()
	return a
}

func (a *App) newForm() []textinput.Model {
	fields := make([]textinput.Model, fieldCount)
	for i := range fields {
		ti := textinput.New()
		ti.CharLimit = 4000
		fields[i] = ti
	}
	fields[fieldPrompt].Placeholder = "What should the model work on?"
	fields[fieldPreset].Placeholder = strings.Join(preset.Names(a.presets), ", ")
	fields[fieldBackend].SetValue(a.defaults.Backend)
	fields[fieldModel].SetValue(a.defaults.Model)
	fields[fieldPrompt].Focus()
	return fields
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadExperiments, a.tickCmd(), a.spinner.Tick)
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActive() bool {
	for _, exp := range a.experiments {
		if !exp.Status.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tickMsg:
		// The list also reflects experiments driven by other processes.
		if a.view == ViewList {
			return a, tea.Batch(a.loadExperiments, a.tickCmd())
		}
		return a, a.tickCmd()

	case experimentsLoadedMsg:
		a.experiments = msg.experiments
		a.err = msg.err
		if a.selectedIdx >= len(a.experiments) {
			a.selectedIdx = max(0, len(a.experiments)-1)
		}
		return a, nil

	case detailLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.closeSubscription()
		a.selected = msg.experiment
		a.messages = msg.messages
		a.sub = msg.sub
		a.view = ViewDetail
		a.err = nil
		a.refreshViewport()
		a.viewport.GotoBottom()
		return a, a.waitForEvent()

	case eventMsg:
		if a.sub == nil || msg.sub != a.sub {
			return a, nil
		}
		a.applyEvent(msg.event)
		if msg.event.Type == hub.EventDeleted {
			a.leaveDetail()
			return a, a.loadExperiments
		}
		return a, a.waitForEvent()

	case subscriptionClosedMsg:
		return a, nil

	case startedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = "Started " + shortID(msg.id)
			a.fields = a.newForm()
			a.view = ViewList
			return a, tea.Batch(a.loadExperiments, a.loadDetail(msg.id))
		}
		return a, nil

	case actionMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = msg.notice
		}
		if msg.deleted && a.view == ViewDetail {
			a.leaveDetail()
		}
		return a, a.loadExperiments
	}

	return a, nil
}

func (a *App) resize() {
	w := a.width - 2
	if w < 20 {
		w = 20
	}
	h := a.height - 9
	if h < 5 {
		h = 5
	}
	a.viewport.Width = w
	a.viewport.Height = h
	a.input.Width = w - 4
	for i := range a.fields {
		a.fields[i].Width = w - 12
	}
	a.refreshViewport()
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		a.closeSubscription()
		return a, tea.Quit
	}
	switch a.view {
	case ViewList:
		return a.handleListKey(msg)
	case ViewDetail:
		return a.handleDetailKey(msg)
	case ViewNew:
		return a.handleNewKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.experiments)-1 {
			a.selectedIdx++
		}

	case "enter":
		if exp := a.current(); exp != nil {
			return a, a.loadDetail(exp.ID)
		}

	case "n":
		a.view = ViewNew
		a.err = nil
		return a, textinput.Blink

	case "r":
		return a, a.loadExperiments

	case "x":
		if exp := a.current(); exp != nil {
			return a, a.stop(exp.ID)
		}

	case "d":
		if exp := a.current(); exp != nil {
			return a, a.delete(exp.ID)
		}
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.inputMode {
		switch msg.String() {
		case "esc":
			a.inputMode = false
			a.input.Blur()
			a.input.Reset()
			return a, nil
		case "enter":
			content := strings.TrimSpace(a.input.Value())
			a.inputMode = false
			a.input.Blur()
			a.input.Reset()
			if content == "" || a.selected == nil {
				return a, nil
			}
			return a, a.submit(a.selected.ID, content)
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}

	switch msg.String() {
	case "q", "esc":
		a.leaveDetail()
		return a, a.loadExperiments

	case "i":
		if a.selected != nil && !a.selected.Status.Terminal() {
			a.inputMode = true
			return a, a.input.Focus()
		}

	case "x":
		if a.selected != nil {
			return a, a.stop(a.selected.ID)
		}

	case "d":
		if a.selected != nil {
			return a, a.delete(a.selected.ID)
		}

	default:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) handleNewKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewList
		return a, nil

	case "tab", "down":
		a.setFocus((a.focus + 1) % fieldCount)
		return a, nil

	case "shift+tab", "up":
		a.setFocus((a.focus + fieldCount - 1) % fieldCount)
		return a, nil

	case "enter":
		if a.focus < fieldCount-1 {
			a.setFocus(a.focus + 1)
			return a, nil
		}
		req, err := a.formRequest()
		if err != nil {
			a.err = err
			return a, nil
		}
		return a, a.start(req)
	}

	var cmd tea.Cmd
	a.fields[a.focus], cmd = a.fields[a.focus].Update(msg)
	return a, cmd
}

func (a *App) setFocus(i int) {
	a.fields[a.focus].Blur()
	a.focus = i
	a.fields[a.focus].Focus()
}

// formRequest builds a start request from the form. A named preset fills the
// fields left empty.
func (a *App) formRequest() (orchestrator.StartRequest, error) {
	req := orchestrator.StartRequest{
		Prompt:  strings.TrimSpace(a.fields[fieldPrompt].Value()),
		Backend: strings.TrimSpace(a.fields[fieldBackend].Value()),
		Model:   strings.TrimSpace(a.fields[fieldModel].Value()),
	}
	if name := strings.TrimSpace(a.fields[fieldPreset].Value()); name != "" {
		p, ok := a.presets[name]
		if !ok {
			return req, fmt.Errorf("unknown preset %q", name)
		}
		req.ApplyPreset(p)
	}
	if req.Backend == "" {
		req.Backend = a.defaults.Backend
	}
	if req.Model == "" {
		req.Model = a.defaults.Model
	}
	return req, nil
}

func (a *App) current() *models.Experiment {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.experiments) {
		return nil
	}
	return a.experiments[a.selectedIdx]
}

func (a *App) leaveDetail() {
	a.closeSubscription()
	a.view = ViewList
	a.selected = nil
	a.messages = nil
	a.inputMode = false
}

func (a *App) closeSubscription() {
	if a.sub != nil {
		a.sub.Close()
		a.sub = nil
	}
}

// applyEvent folds a hub event into the detail view. Messages already loaded
// from the store are skipped by sequence number.
func (a *App) applyEvent(e hub.Event) {
	if a.selected == nil {
		return
	}
	switch e.Type {
	case hub.EventMessage:
		if n := len(a.messages); n > 0 && e.Seq <= a.messages[n-1].Seq {
			return
		}
		a.messages = append(a.messages, &models.Message{
			ExperimentID: e.ExperimentID,
			Seq:          e.Seq,
			Sender:       e.Sender,
			Content:      e.Content,
			CreatedAt:    e.Timestamp,
		})
		atBottom := a.viewport.AtBottom()
		a.refreshViewport()
		if atBottom {
			a.viewport.GotoBottom()
		}
	case hub.EventStatus:
		a.selected.Status = e.Status
	}
}

func (a *App) refreshViewport() {
	a.viewport.SetContent(renderTranscript(a.messages, a.viewport.Width))
}

// Views

func (a *App) View() string {
	switch a.view {
	case ViewList:
		return a.viewList()
	case ViewDetail:
		return a.viewDetail()
	case ViewNew:
		return a.viewNew()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	senderStyles = map[models.Role]lipgloss.Style{
		models.RoleUser:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		models.RoleSystem:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		models.RoleAssistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("114")),
	}

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (a *App) header(title string) string {
	s := titleStyle.Render(title) + "\n\n"
	if a.err != nil {
		s += errorStyle.Render("Error: "+a.err.Error()) + "\n\n"
	} else if a.notice != "" {
		s += dimStyle.Render(a.notice) + "\n\n"
	}
	return s
}

func (a *App) viewList() string {
	s := a.header("Lab")

	if len(a.experiments) == 0 {
		s += "No experiments yet. Press 'n' to start one.\n"
	} else {
		s += "Recent Experiments\n"
		s += "──────────────────\n"

		for i, exp := range a.experiments {
			line := a.formatExperimentLine(exp)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if exp.Status.Terminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [n] new  [x] stop  [d] delete  [r] refresh  [q] quit")
	return s
}

func (a *App) formatExperimentLine(exp *models.Experiment) string {
	return fmt.Sprintf("%s  %-10s %-22s %s  %-8s  %s",
		shortID(exp.ID),
		exp.Backend,
		truncate(exp.Model, 22),
		a.formatStatus(exp.Status),
		storage.FormatTimeAgo(exp.CreatedAt),
		truncate(firstLine(exp.Prompt), 40),
	)
}

func (a *App) formatStatus(status models.Status) string {
	switch status {
	case models.StatusRunning:
		return statusRunning.Render(a.spinner.View() + "running")
	case models.StatusSuccess:
		return statusSuccess.Render("✓ success")
	case models.StatusFailed:
		return statusFailed.Render("✗ failed ")
	case models.StatusStopped:
		return statusStopped.Render("■ stopped")
	case models.StatusPending:
		return statusPending.Render("○ pending")
	default:
		return string(status)
	}
}

func (a *App) viewDetail() string {
	if a.selected == nil {
		return "No experiment selected"
	}
	exp := a.selected

	s := a.header(fmt.Sprintf("Experiment %s", shortID(exp.ID)))
	s += a.formatStatus(exp.Status) + "  " +
		labelStyle.Render("backend: ") + exp.Backend + "  " +
		labelStyle.Render("model: ") + exp.Model + "  " +
		labelStyle.Render("language: ") + exp.Language + "\n"
	s += dimStyle.Render(truncate(firstLine(exp.Prompt), max(20, a.viewport.Width))) + "\n\n"

	if len(a.messages) == 0 {
		s += dimStyle.Render("(no messages yet)") + "\n"
	} else {
		s += a.viewport.View() + "\n"
	}

	if a.inputMode {
		s += "\n" + a.input.View() + "\n"
		s += helpStyle.Render("[enter] send  [esc] cancel")
		return s
	}

	help := "[↑/↓] scroll  [x] stop  [d] delete  [esc] back"
	if !exp.Status.Terminal() {
		help = "[i] input  " + help
	}
	s += "\n" + helpStyle.Render(help)
	return s
}

func (a *App) viewNew() string {
	s := a.header("New Experiment")

	labels := [fieldCount]string{"Prompt", "Preset", "Backend", "Model"}
	for i, field := range a.fields {
		s += labelStyle.Render(fmt.Sprintf("%-8s ", labels[i])) + field.View() + "\n"
	}

	if len(a.presets) > 0 {
		s += "\n" + dimStyle.Render("Presets:") + "\n"
		for _, name := range preset.Names(a.presets) {
			p := a.presets[name]
			s += dimStyle.Render(fmt.Sprintf("  • %-16s %s/%s  %s", name, p.Backend, p.Model, p.Description)) + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[tab] next field  [enter] start  [esc] cancel")
	return s
}

// renderTranscript formats messages for the detail viewport.
func renderTranscript(msgs []*models.Message, width int) string {
	var b strings.Builder
	body := lipgloss.NewStyle().PaddingLeft(2)
	if width > 4 {
		body = body.Width(width - 2)
	}
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		style, ok := senderStyles[m.Sender]
		if !ok {
			style = labelStyle
		}
		b.WriteString(style.Render(fmt.Sprintf("#%d %s", m.Seq, m.Sender)))
		b.WriteString(dimStyle.Render("  " + m.CreatedAt.Local().Format("15:04:05")))
		b.WriteString("\n")
		b.WriteString(body.Render(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// Messages

type experimentsLoadedMsg struct {
	experiments []*models.Experiment
	err         error
}

type detailLoadedMsg struct {
	experiment *models.Experiment
	messages   []*models.Message
	sub        *hub.Subscription
	err        error
}

type eventMsg struct {
	sub   *hub.Subscription
	event hub.Event
}

type subscriptionClosedMsg struct{}

type startedMsg struct {
	id  string
	err error
}

type actionMsg struct {
	notice  string
	deleted bool
	err     error
}

// Commands

func (a *App) loadExperiments() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	exps, err := a.orchestrator.ListExperiments(ctx, listLimit)
	return experimentsLoadedMsg{experiments: exps, err: err}
}

// loadDetail subscribes before reading the transcript so no message falls
// between the read and the first event.
func (a *App) loadDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sub, err := a.orchestrator.Hub().Subscribe(id, 0)
		if err != nil {
			return detailLoadedMsg{err: err}
		}
		exp, err := a.orchestrator.GetExperiment(ctx, id)
		if err != nil {
			sub.Close()
			return detailLoadedMsg{err: err}
		}
		msgs, err := a.orchestrator.Transcript(ctx, id, 0)
		if err != nil {
			sub.Close()
			return detailLoadedMsg{err: err}
		}
		return detailLoadedMsg{experiment: exp, messages: msgs, sub: sub}
	}
}

func (a *App) waitForEvent() tea.Cmd {
	sub := a.sub
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-sub.C
		if !ok {
			return subscriptionClosedMsg{}
		}
		return eventMsg{sub: sub, event: e}
	}
}

func (a *App) start(req orchestrator.StartRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		id, err := a.orchestrator.Start(ctx, req)
		return startedMsg{id: id, err: err}
	}
}

func (a *App) stop(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		err := a.orchestrator.StopExperiment(ctx, id)
		return actionMsg{notice: "Stop requested for " + shortID(id), err: err}
	}
}

func (a *App) delete(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*requestTimeout)
		defer cancel()
		err := a.orchestrator.DeleteExperiment(ctx, id)
		return actionMsg{notice: "Deleted " + shortID(id), deleted: err == nil, err: err}
	}
}

func (a *App) submit(id, content string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, err := a.orchestrator.SubmitUserInput(ctx, id, content)
		if errors.Is(err, models.ErrExperimentNotActive) {
			err = fmt.Errorf("experiment %s has finished", shortID(id))
		}
		return actionMsg{notice: "Input sent", err: err}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate shortens s to maxLen terminal cells, ending in "...".
func truncate(s string, maxLen int) string {
	return ansi.Truncate(s, maxLen, "...")
}
