// Package sandbox runs model-generated code in a persistent in-process
// interpreter session.
//
// A Kernel speaks a small message protocol: code is submitted under an
// execution id and the kernel answers with a stream of fragments tagged with
// that id, ending with an idle fragment. The Executor drives one kernel for
// the lifetime of an experiment and turns the fragment stream into an
// Outcome.
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/tabarochristian/loop-to-result/internal/models"
)

var (
	ErrStartFailed = errors.New("sandbox session failed to start")
	ErrClosed      = errors.New("sandbox session is closed")
	ErrNotStarted  = errors.New("sandbox session is not started")
)

type FragmentKind int

const (
	FragmentStream  FragmentKind = iota // printed output
	FragmentResult                      // value of a trailing expression
	FragmentDisplay                     // rich display data rendered as text
	FragmentError                       // runtime error with traceback
	FragmentIdle                        // execution finished
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentStream:
		return "stream"
	case FragmentResult:
		return "result"
	case FragmentDisplay:
		return "display"
	case FragmentError:
		return "error"
	case FragmentIdle:
		return "idle"
	}
	return fmt.Sprintf("fragment(%d)", int(k))
}

type Fragment struct {
	ExecID string
	Kind   FragmentKind
	Text   string
}

// Kernel is a persistent execution session.
type Kernel interface {
	// Start blocks until the session signals readiness or ctx is done.
	Start(ctx context.Context) error
	Submit(ctx context.Context, execID, code string) error
	Fragments() <-chan Fragment
	// Interrupt aborts execID if it is running or still queued.
	Interrupt(execID string) error
	Close() error
}

// NewKernel returns a fresh kernel for a sandbox language.
func NewKernel(language string) (Kernel, error) {
	switch language {
	case "starlark", "":
		return NewStarlarkKernel(), nil
	case "lua":
		return NewLuaKernel(), nil
	}
	return nil, fmt.Errorf("%w: %q", models.ErrInvalidLanguage, language)
}

// Languages lists the supported sandbox languages.
func Languages() []string {
	return []string{"starlark", "lua"}
}

func Supported(language string) bool {
	for _, l := range Languages() {
		if l == language {
			return true
		}
	}
	return false
}
