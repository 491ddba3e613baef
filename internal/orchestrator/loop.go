package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabarochristian/loop-to-result/internal/gateway"
	"github.com/tabarochristian/loop-to-result/internal/hub"
	"github.com/tabarochristian/loop-to-result/internal/models"
	"github.com/tabarochristian/loop-to-result/internal/notify"
	"github.com/tabarochristian/loop-to-result/internal/sandbox"
	"github.com/tabarochristian/loop-to-result/internal/storage"
	"github.com/tabarochristian/loop-to-result/internal/workspace"
)

const (
	commitAttempts = 3
	commitBackoff  = 100 * time.Millisecond
	finishTimeout  = 30 * time.Second
)

// workerSession is the part of a storage session the runner writes through.
// *storage.Session satisfies it.
type workerSession interface {
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	ListMessages(ctx context.Context, id string, afterSeq int64) ([]*models.Message, error)
	SetStatusIf(ctx context.Context, id string, status models.Status, from ...models.Status) (bool, error)
	AppendMessageIfActive(ctx context.Context, id string, sender models.Role, content string) (*models.Message, error)
	Close() error
}

type limits struct {
	maxIterations  int
	iterationDelay time.Duration
	execTimeout    time.Duration
}

// runner drives one experiment from pending to a terminal status. It is the
// only writer of the experiment's transcript apart from user input.
type runner struct {
	exp      *models.Experiment
	session  workerSession
	gateway  *gateway.Gateway
	executor *sandbox.Executor
	hub      *hub.Hub
	limits   limits

	notifier     notify.Notifier
	recipient    string
	workspaceDir string

	logger zerolog.Logger
}

// errInactive signals that the experiment left the running state (stopped
// or deleted by someone else) and the loop should exit quietly.
var errInactive = errors.New("experiment no longer active")

// run executes the loop and the finally phase, returning the terminal status
// observed at exit.
func (r *runner) run(ctx context.Context) (status models.Status) {
	// Store writes must outlive cancellation so the terminal status lands.
	db := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Feedback loop panicked")
			status = r.fail(db, fmt.Errorf("panic: %v", p))
		}
		r.finish(db, status)
	}()

	ok, err := r.session.SetStatusIf(db, r.exp.ID, models.StatusRunning, models.StatusPending)
	if err != nil {
		return r.fail(db, fmt.Errorf("failed to mark experiment running: %w", err))
	}
	if !ok {
		return r.currentStatus(db)
	}
	r.broadcastStatus(models.StatusRunning)

	if err := r.executor.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return r.transition(db, models.StatusStopped)
		}
		return r.fail(db, err)
	}

	for iteration := 1; ; iteration++ {
		if s, active := r.observe(ctx, db); !active {
			return s
		}

		r.logger.Debug().Int("iteration", iteration).Msg("Iteration started")

		done, status, err := r.iterate(ctx, db, iteration)
		switch {
		case errors.Is(err, errInactive):
			return r.currentStatus(db)
		case err != nil && ctx.Err() != nil:
			return r.transition(db, models.StatusStopped)
		case err != nil:
			return r.fail(db, err)
		case done:
			return status
		}

		if !r.pause(ctx) {
			return r.transition(db, models.StatusStopped)
		}
	}
}

// observe re-reads the experiment at an iteration boundary. It reports false
// with the status to exit with when the loop must not continue.
func (r *runner) observe(ctx, db context.Context) (models.Status, bool) {
	exp, err := r.session.GetExperiment(db, r.exp.ID)
	if errors.Is(err, models.ErrNotFound) {
		r.logger.Info().Msg("Experiment deleted, exiting loop")
		return models.StatusStopped, false
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to read experiment status")
	} else if exp.Status != models.StatusRunning {
		r.logger.Info().Str("status", string(exp.Status)).Msg("Experiment no longer running")
		return exp.Status, false
	}
	if ctx.Err() != nil {
		return r.transition(db, models.StatusStopped), false
	}
	return "", true
}

// iterate performs one generate/execute/evaluate step. done is set when the
// experiment reached a terminal status.
func (r *runner) iterate(ctx, db context.Context, iteration int) (bool, models.Status, error) {
	msgs, err := r.session.ListMessages(db, r.exp.ID, 0)
	if err != nil {
		return false, "", fmt.Errorf("failed to read transcript: %w", err)
	}
	history := append([]models.Turn{{Role: models.RoleUser, Content: r.exp.Prompt}}, models.Turns(msgs)...)

	reply, err := r.gateway.Query(ctx, history)
	if err != nil {
		return false, "", err
	}
	if err := r.append(db, models.RoleSystem, reply.Raw); err != nil {
		return false, "", err
	}

	if !reply.HasCode {
		r.logger.Info().Int("iteration", iteration).Msg("Model returned no code, experiment complete")
		return true, r.transition(db, models.StatusSuccess), nil
	}

	outcome, err := r.executor.Execute(ctx, reply.Code, r.limits.execTimeout)
	if err != nil {
		return false, "", err
	}
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	r.logger.Debug().
		Int("iteration", iteration).
		Str("outcome", string(outcome.Kind)).
		Msg("Code executed")

	if err := r.append(db, models.RoleAssistant, feedback(outcome)); err != nil {
		return false, "", err
	}

	if iteration >= r.limits.maxIterations {
		r.logger.Warn().Int("max_iterations", r.limits.maxIterations).Msg("Iteration limit reached")
		return true, r.transition(db, models.StatusFailed), nil
	}
	return false, "", nil
}

// feedback renders an execution outcome as the message sent back to the
// model.
func feedback(o sandbox.Outcome) string {
	if o.Failed() {
		var b strings.Builder
		if o.Output != "" {
			b.WriteString("Output:\n")
			b.WriteString(o.Output)
			b.WriteString("\n\n")
		}
		b.WriteString("Error:\n")
		b.WriteString(o.Error)
		return b.String()
	}

	output := o.Output
	if output == "" {
		output = "(no output)"
	}
	return output + "\n\n" +
		"If this output resolves the task, reply with a concise summary of the result and no code. " +
		"Otherwise, continue with new code."
}

// append writes a loop message. Transient store failures are retried and then
// logged without aborting the loop.
func (r *runner) append(db context.Context, sender models.Role, content string) error {
	var msg *models.Message
	err := r.commit(db, "append message", func() error {
		var err error
		msg, err = r.session.AppendMessageIfActive(db, r.exp.ID, sender, content)
		return err
	})
	switch {
	case errors.Is(err, models.ErrExperimentNotActive), errors.Is(err, models.ErrNotFound):
		return errInactive
	case err != nil:
		r.logger.Error().Err(err).Str("sender", string(sender)).Msg("Dropped transcript entry after repeated commit failures")
		return nil
	}
	r.hub.Broadcast(r.exp.ID, hub.MessageEvent(msg))
	return nil
}

// transition moves a running experiment to status. If another writer got
// there first the observed status wins.
func (r *runner) transition(db context.Context, status models.Status) models.Status {
	var ok bool
	err := r.commit(db, "set status", func() error {
		var err error
		ok, err = r.session.SetStatusIf(db, r.exp.ID, status, models.ActiveStatuses...)
		return err
	})
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			r.logger.Error().Err(err).Str("status", string(status)).Msg("Failed to write terminal status")
		}
		return status
	}
	if !ok {
		return r.currentStatus(db)
	}
	r.broadcastStatus(status)
	return status
}

// fail records the fault in the transcript and marks the experiment failed.
func (r *runner) fail(db context.Context, fault error) models.Status {
	r.logger.Error().Err(fault).Msg("Feedback loop fault")
	if err := r.append(db, models.RoleSystem, faultMessage(fault)); errors.Is(err, errInactive) {
		return r.currentStatus(db)
	}
	return r.transition(db, models.StatusFailed)
}

func faultMessage(fault error) string {
	return "Exception in feedback loop: " + fault.Error()
}

func (r *runner) currentStatus(db context.Context) models.Status {
	exp, err := r.session.GetExperiment(db, r.exp.ID)
	if err != nil {
		return models.StatusStopped
	}
	return exp.Status
}

// commit retries fn on store failures. Domain errors return immediately.
func (r *runner) commit(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		err = fn()
		var storeErr *storage.StoreError
		if err == nil || !errors.As(err, &storeErr) {
			return err
		}
		r.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Commit failed")
		if attempt < commitAttempts {
			select {
			case <-time.After(commitBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return err
			}
		}
	}
	return err
}

// pause sleeps between iterations. It reports false if ctx was cancelled.
func (r *runner) pause(ctx context.Context) bool {
	if r.limits.iterationDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(r.limits.iterationDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *runner) broadcastStatus(status models.Status) {
	r.hub.Broadcast(r.exp.ID, hub.StatusEvent(r.exp.ID, status))
}

// finish runs exactly once on every exit path: it releases the sandbox,
// archives the transcript, sends the notification and closes the session.
func (r *runner) finish(db context.Context, status models.Status) {
	r.executor.Shutdown()
	defer func() {
		if err := r.session.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close worker session")
		}
	}()

	ctx, cancel := context.WithTimeout(db, finishTimeout)
	defer cancel()

	exp, err := r.session.GetExperiment(ctx, r.exp.ID)
	if errors.Is(err, models.ErrNotFound) {
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to read experiment for archive")
		return
	}
	transcript, err := r.session.ListMessages(ctx, r.exp.ID, 0)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to read transcript for archive")
		return
	}

	if r.workspaceDir != "" {
		ws, err := workspace.Create(r.workspaceDir, exp.ID)
		if err == nil {
			err = ws.Archive(exp, transcript)
		}
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to archive experiment")
		}
	}

	if r.notifier != nil {
		n := notify.Compose(exp, transcript, r.recipient)
		if err := r.notifier.Notify(ctx, n); err != nil {
			r.logger.Warn().Err(err).Str("status", string(status)).Msg("Notification failed")
		}
	}
}
