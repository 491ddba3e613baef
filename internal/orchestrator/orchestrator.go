// Package orchestrator creates experiments, runs one feedback loop worker per
// experiment and exposes the control operations observers use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabarochristian/loop-to-result/internal/config"
	"github.com/tabarochristian/loop-to-result/internal/gateway"
	"github.com/tabarochristian/loop-to-result/internal/hub"
	"github.com/tabarochristian/loop-to-result/internal/logging"
	"github.com/tabarochristian/loop-to-result/internal/models"
	"github.com/tabarochristian/loop-to-result/internal/notify"
	"github.com/tabarochristian/loop-to-result/internal/sandbox"
	"github.com/tabarochristian/loop-to-result/internal/storage"
	"github.com/tabarochristian/loop-to-result/internal/workspace"
)

var ErrShuttingDown = errors.New("orchestrator is shutting down")

// KernelFactory builds a fresh sandbox kernel for a language.
type KernelFactory func(language string) (sandbox.Kernel, error)

type Options struct {
	MaxIterations  int
	IterationDelay time.Duration
	ExecTimeout    time.Duration
	StartTimeout   time.Duration
	MaxOutputBytes int

	Language     string
	SystemPrompt string
	Retry        gateway.RetryPolicy

	// WorkspaceDir receives per-experiment archives; empty disables them.
	WorkspaceDir string

	Notifier  notify.Notifier
	Recipient string

	Kernels KernelFactory
}

// OptionsFromConfig maps the loaded configuration onto orchestrator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxIterations:  cfg.Loop.MaxIterations,
		IterationDelay: cfg.Loop.IterationDelay,
		ExecTimeout:    cfg.Loop.ExecTimeout,
		StartTimeout:   cfg.Loop.StartTimeout,
		MaxOutputBytes: cfg.Loop.MaxOutputBytes,
		Language:       cfg.Sandbox.Language,
		SystemPrompt:   cfg.Gateway.SystemPrompt,
		Retry: gateway.RetryPolicy{
			MaxAttempts:       cfg.Gateway.MaxAttempts,
			BaseDelay:         cfg.Gateway.BaseDelay,
			MaxDelay:          cfg.Gateway.MaxDelay,
			BackoffMultiplier: cfg.Gateway.BackoffMultiplier,
		},
		WorkspaceDir: cfg.ExperimentsDir(),
		Recipient:    cfg.Notify.Recipient,
	}
}

func (o *Options) setDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.IterationDelay < 0 {
		o.IterationDelay = 0
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 30 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = sandbox.DefaultOutputLimit
	}
	if o.Language == "" {
		o.Language = "starlark"
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = gateway.DefaultRetryPolicy()
	}
	if o.Kernels == nil {
		o.Kernels = sandbox.NewKernel
	}
}

// StartRequest describes a new experiment. Zero-valued limits and an empty
// language or system prompt fall back to the orchestrator options.
type StartRequest struct {
	Prompt  string
	Backend string
	Model   string

	Language      string
	SystemPrompt  string
	MaxIterations int
	ExecTimeout   time.Duration
}

// ApplyPreset fills unset request fields from p.
func (r *StartRequest) ApplyPreset(p *models.Preset) {
	if r.Backend == "" {
		r.Backend = p.Backend
	}
	if r.Model == "" {
		r.Model = p.Model
	}
	if r.Language == "" {
		r.Language = p.Language
	}
	if r.SystemPrompt == "" {
		r.SystemPrompt = p.SystemPrompt
	}
	if r.MaxIterations == 0 {
		r.MaxIterations = p.MaxIterations
	}
	if r.ExecTimeout == 0 {
		r.ExecTimeout = p.ExecTimeout
	}
}

type worker struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	storage  *storage.Storage
	hub      *hub.Hub
	backends gateway.Factory
	opts     Options
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// sessions replaces storage sessions for workers when set.
	sessions func(ctx context.Context) (workerSession, error)

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

func New(store *storage.Storage, h *hub.Hub, backends gateway.Factory, opts Options) *Orchestrator {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		storage:  store,
		hub:      h,
		backends: backends,
		opts:     opts,
		logger:   logging.Component("orchestrator"),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*worker),
	}
}

func (o *Orchestrator) Hub() *hub.Hub {
	return o.hub
}

// StartExperiment creates an experiment and starts its worker. It returns as
// soon as the record exists; the loop runs asynchronously.
func (o *Orchestrator) StartExperiment(ctx context.Context, prompt, backend, model string) (string, error) {
	return o.Start(ctx, StartRequest{Prompt: prompt, Backend: backend, Model: model})
}

func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return "", models.ErrInvalidPrompt
	}
	if req.Backend == "" {
		return "", models.ErrInvalidBackend
	}
	if req.Model == "" {
		return "", models.ErrInvalidModel
	}
	if req.Language == "" {
		req.Language = o.opts.Language
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}

	backend, err := o.backends(req.Backend, req.Model)
	if err != nil {
		return "", err
	}
	kernel, err := o.opts.Kernels(req.Language)
	if err != nil {
		return "", err
	}

	exp := &models.Experiment{
		Prompt:   req.Prompt,
		Backend:  req.Backend,
		Model:    req.Model,
		Language: req.Language,
	}
	id, err := o.storage.CreateExperiment(ctx, exp)
	if err != nil {
		_ = kernel.Close()
		return "", fmt.Errorf("failed to create experiment: %w", err)
	}
	o.hub.Broadcast(id, hub.StatusEvent(id, models.StatusPending))

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = o.opts.SystemPrompt
	}
	gw := gateway.New(backend, gateway.Options{
		SystemPrompt: systemPrompt,
		Language:     req.Language,
		Retry:        o.opts.Retry,
	})

	lim := limits{
		maxIterations:  o.opts.MaxIterations,
		iterationDelay: o.opts.IterationDelay,
		execTimeout:    o.opts.ExecTimeout,
	}
	if req.MaxIterations > 0 {
		lim.maxIterations = req.MaxIterations
	}
	if req.ExecTimeout > 0 {
		lim.execTimeout = req.ExecTimeout
	}

	executor := sandbox.NewExecutor(kernel, o.opts.StartTimeout)
	executor.SetOutputLimit(o.opts.MaxOutputBytes)

	r := &runner{
		exp:          exp,
		gateway:      gw,
		executor:     executor,
		hub:          o.hub,
		limits:       lim,
		notifier:     o.opts.Notifier,
		recipient:    o.opts.Recipient,
		workspaceDir: o.opts.WorkspaceDir,
		logger:       logging.Component("loop").With().Str("experiment_id", id).Logger(),
	}

	if err := o.spawn(r); err != nil {
		r.executor.Shutdown()
		o.abandon(context.WithoutCancel(ctx), id, models.StatusFailed, err)
		return "", err
	}

	o.logger.Info().
		Str("experiment_id", id).
		Str("backend", req.Backend).
		Str("model", req.Model).
		Str("language", req.Language).
		Msg("Experiment started")
	return id, nil
}

// spawn registers the worker and starts its goroutine. At most one worker
// exists per experiment id.
func (o *Orchestrator) spawn(r *runner) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrShuttingDown
	}
	id := r.exp.ID
	if _, exists := o.workers[id]; exists {
		return models.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(o.ctx)
	w := &worker{id: id, cancel: cancel, done: make(chan struct{})}
	o.workers[id] = w
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer close(w.done)
		defer cancel()
		defer o.removeWorker(id)

		session, err := o.openSession(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to open worker session")
			r.executor.Shutdown()
			status := models.StatusFailed
			if ctx.Err() != nil {
				status = models.StatusStopped
			}
			o.abandon(context.WithoutCancel(ctx), id, status, err)
			return
		}
		r.session = session

		status := r.run(ctx)
		r.logger.Info().Str("status", string(status)).Msg("Experiment finished")
	}()
	return nil
}

func (o *Orchestrator) openSession(ctx context.Context) (workerSession, error) {
	if o.sessions != nil {
		return o.sessions(ctx)
	}
	s, err := o.storage.Session(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// abandon ends an experiment whose worker never ran. A failed experiment
// gets the fault as its last transcript entry.
func (o *Orchestrator) abandon(ctx context.Context, id string, status models.Status, fault error) {
	if status == models.StatusFailed {
		msg, err := o.storage.AppendMessageIfActive(ctx, id, models.RoleSystem, faultMessage(fault))
		if err == nil {
			o.hub.Broadcast(id, hub.MessageEvent(msg))
		} else if !errors.Is(err, models.ErrExperimentNotActive) && !errors.Is(err, models.ErrNotFound) {
			o.logger.Error().Err(err).Str("experiment_id", id).Msg("Failed to record worker fault")
		}
	}
	ok, err := o.storage.SetStatusIf(ctx, id, status, models.ActiveStatuses...)
	if err != nil {
		o.logger.Error().Err(err).Str("experiment_id", id).Msg("Failed to end unstarted experiment")
		return
	}
	if ok {
		o.hub.Broadcast(id, hub.StatusEvent(id, status))
	}
}

func (o *Orchestrator) removeWorker(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.workers, id)
}

func (o *Orchestrator) worker(id string) *worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workers[id]
}

// Running reports whether this process has a live worker for id.
func (o *Orchestrator) Running(id string) bool {
	return o.worker(id) != nil
}

// StopExperiment asks the experiment to stop. The worker observes the
// request at its next iteration boundary. Stopping a terminal experiment is a
// no-op; an unknown id yields models.ErrNotFound.
func (o *Orchestrator) StopExperiment(ctx context.Context, id string) error {
	ok, err := o.storage.SetStatusIf(ctx, id, models.StatusStopped, models.ActiveStatuses...)
	if err != nil {
		return err
	}
	if ok {
		o.hub.Broadcast(id, hub.StatusEvent(id, models.StatusStopped))
		o.logger.Info().Str("experiment_id", id).Msg("Experiment stop requested")
	}
	return nil
}

// SubmitUserInput appends a user message while the experiment is active.
func (o *Orchestrator) SubmitUserInput(ctx context.Context, id, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, models.ErrInvalidPrompt
	}
	msg, err := o.storage.AppendMessageIfActive(ctx, id, models.RoleUser, content)
	if err != nil {
		return nil, err
	}
	o.hub.Broadcast(id, hub.MessageEvent(msg))
	return msg, nil
}

// DeleteExperiment stops the experiment if needed, waits for a local worker
// to wind down and removes the record, its transcript and its archive.
func (o *Orchestrator) DeleteExperiment(ctx context.Context, id string) error {
	exp, err := o.storage.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if !exp.Status.Terminal() {
		if err := o.StopExperiment(ctx, id); err != nil {
			return err
		}
	}

	if w := o.worker(id); w != nil {
		w.cancel()
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.storage.DeleteExperiment(ctx, id); err != nil {
		return err
	}
	if o.opts.WorkspaceDir != "" {
		if err := workspace.Remove(o.opts.WorkspaceDir, id); err != nil {
			o.logger.Warn().Err(err).Str("experiment_id", id).Msg("Failed to remove experiment workspace")
		}
	}
	o.hub.Broadcast(id, hub.DeletedEvent(id))
	o.logger.Info().Str("experiment_id", id).Msg("Experiment deleted")
	return nil
}

// Wait blocks until the local worker for id exits. It returns immediately
// when no worker is running.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	w := o.worker(id)
	if w == nil {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every worker and waits for them to finish. Cancelled
// experiments end as stopped.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read methods for the CLI and TUI

func (o *Orchestrator) ListExperiments(ctx context.Context, limit int) ([]*models.Experiment, error) {
	return o.storage.ListExperiments(ctx, limit)
}

func (o *Orchestrator) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	return o.storage.GetExperiment(ctx, id)
}

func (o *Orchestrator) Transcript(ctx context.Context, id string, afterSeq int64) ([]*models.Message, error) {
	if _, err := o.storage.GetExperiment(ctx, id); err != nil {
		return nil, err
	}
	return o.storage.ListMessages(ctx, id, afterSeq)
}
