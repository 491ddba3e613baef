package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tabarochristian/loop-to-result/internal/logging"
)

type OutcomeKind string

const (
	OutcomeOutput  OutcomeKind = "output"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is the result of one execution. Output holds what was produced
// before the execution ended, Error the timeout message or traceback.
type Outcome struct {
	Kind   OutcomeKind
	Output string
	Error  string
}

// Failed reports whether the execution ended in a timeout or runtime error.
func (o Outcome) Failed() bool {
	return o.Kind != OutcomeOutput
}

// DefaultOutputLimit bounds Outcome.Output and Outcome.Error in bytes.
const DefaultOutputLimit = 16 << 10

// Executor owns one kernel session for its whole lifetime.
type Executor struct {
	kernel       Kernel
	startTimeout time.Duration
	outputLimit  int
	logger       zerolog.Logger

	mu           sync.Mutex
	started      bool
	closed       bool
	shutdownOnce sync.Once
}

func NewExecutor(kernel Kernel, startTimeout time.Duration) *Executor {
	if startTimeout <= 0 {
		startTimeout = 10 * time.Second
	}
	return &Executor{
		kernel:       kernel,
		startTimeout: startTimeout,
		outputLimit:  DefaultOutputLimit,
		logger:       logging.Component("sandbox"),
	}
}

// SetOutputLimit changes the byte bound applied to output and error text.
// Longer text keeps its head and tail around a truncation marker.
func (e *Executor) SetOutputLimit(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		n = DefaultOutputLimit
	}
	e.outputLimit = n
}

// Start brings the session up and waits for readiness.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}

	startCtx, cancel := context.WithTimeout(ctx, e.startTimeout)
	defer cancel()

	if err := e.kernel.Start(startCtx); err != nil {
		_ = e.kernel.Close()
		e.closed = true
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	e.started = true
	return nil
}

// Execute runs code and collects its fragments until the kernel goes idle,
// reports an error, or timeout elapses. A timeout interrupts the running
// code but leaves the session usable. Output and error text longer than the
// output limit are clipped. The error return is reserved for a session that
// is not running.
func (e *Executor) Execute(ctx context.Context, code string, timeout time.Duration) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.execute(ctx, code, timeout)
	if err != nil {
		return out, err
	}
	out.Output = clip(out.Output, e.outputLimit)
	out.Error = clip(out.Error, e.outputLimit)
	return out, nil
}

func (e *Executor) execute(ctx context.Context, code string, timeout time.Duration) (Outcome, error) {
	if e.closed {
		return Outcome{}, ErrClosed
	}
	if !e.started {
		return Outcome{}, ErrNotStarted
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execID := uuid.New().String()
	if err := e.kernel.Submit(execCtx, execID, code); err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			return timeoutOutcome("", timeout), nil
		}
		return Outcome{}, err
	}

	var output strings.Builder
	for {
		select {
		case frag, ok := <-e.kernel.Fragments():
			if !ok {
				return Outcome{}, ErrClosed
			}
			if frag.ExecID != execID {
				continue
			}
			switch frag.Kind {
			case FragmentStream, FragmentResult, FragmentDisplay:
				output.WriteString(frag.Text)
				if frag.Kind != FragmentStream && !strings.HasSuffix(frag.Text, "\n") {
					output.WriteString("\n")
				}
			case FragmentError:
				return Outcome{
					Kind:   OutcomeError,
					Output: strings.TrimSpace(output.String()),
					Error:  frag.Text,
				}, nil
			case FragmentIdle:
				return Outcome{
					Kind:   OutcomeOutput,
					Output: strings.TrimSpace(output.String()),
				}, nil
			}

		case <-execCtx.Done():
			if err := e.kernel.Interrupt(execID); err != nil {
				e.logger.Warn().Err(err).Str("exec_id", execID).Msg("Failed to interrupt execution")
			}
			if ctx.Err() != nil {
				return Outcome{
					Kind:   OutcomeError,
					Output: strings.TrimSpace(output.String()),
					Error:  "Execution cancelled: " + ctx.Err().Error(),
				}, nil
			}
			return timeoutOutcome(output.String(), timeout), nil
		}
	}
}

// clip shortens s to about limit bytes, keeping the start and the end on
// rune boundaries.
func clip(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	head := limit / 2
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - (limit - limit/2)
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + fmt.Sprintf("\n... [%d bytes truncated] ...\n", tail-head) + s[tail:]
}

func timeoutOutcome(output string, timeout time.Duration) Outcome {
	return Outcome{
		Kind:   OutcomeTimeout,
		Output: strings.TrimSpace(output),
		Error:  fmt.Sprintf("Execution timeout after %s", timeout),
	}
}

// Shutdown releases the session. It is idempotent and never panics.
func (e *Executor) Shutdown() {
	e.shutdownOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().Interface("panic", r).Msg("Sandbox shutdown panicked")
			}
		}()

		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		if err := e.kernel.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close sandbox session")
		}
	})
}
