package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabarochristian/loop-to-result/internal/models"
)

// stubKernel answers every submission with a fixed fragment script.
type stubKernel struct {
	mu       sync.Mutex
	frags    chan Fragment
	blockRun bool
	reply    []Fragment
	closed   int
}

func newStubKernel(reply ...Fragment) *stubKernel {
	return &stubKernel{frags: make(chan Fragment, 64), reply: reply}
}

func (k *stubKernel) Start(ctx context.Context) error {
	if k.blockRun {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (k *stubKernel) Submit(ctx context.Context, execID, code string) error {
	// A leftover fragment from an earlier execution arrives first.
	k.frags <- Fragment{ExecID: "stale", Kind: FragmentStream, Text: "stale output"}
	k.frags <- Fragment{ExecID: "stale", Kind: FragmentIdle}
	for _, f := range k.reply {
		f.ExecID = execID
		k.frags <- f
	}
	return nil
}

func (k *stubKernel) Fragments() <-chan Fragment { return k.frags }
func (k *stubKernel) Interrupt(string) error     { return nil }

func (k *stubKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed++
	return nil
}

func TestExecutorCollectsFragmentsInOrder(t *testing.T) {
	k := newStubKernel(
		Fragment{Kind: FragmentStream, Text: "a\n"},
		Fragment{Kind: FragmentDisplay, Text: "<table>"},
		Fragment{Kind: FragmentResult, Text: "42"},
		Fragment{Kind: FragmentIdle},
	)
	e := NewExecutor(k, time.Second)
	require.NoError(t, e.Start(context.Background()))

	out, err := e.Execute(context.Background(), "x", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutput, out.Kind)
	assert.Equal(t, "a\n<table>\n42", out.Output)
	assert.False(t, out.Failed())
}

func TestExecutorStopsAtErrorFragment(t *testing.T) {
	k := newStubKernel(
		Fragment{Kind: FragmentStream, Text: "partial\n"},
		Fragment{Kind: FragmentError, Text: "Traceback: boom"},
		Fragment{Kind: FragmentIdle},
	)
	e := NewExecutor(k, time.Second)
	require.NoError(t, e.Start(context.Background()))

	out, err := e.Execute(context.Background(), "x", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, "partial", out.Output)
	assert.Equal(t, "Traceback: boom", out.Error)
	assert.True(t, out.Failed())
}

func TestExecutorStartTimeout(t *testing.T) {
	k := newStubKernel()
	k.blockRun = true
	e := NewExecutor(k, 30*time.Millisecond)

	start := time.Now()
	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, k.closed)

	_, err = e.Execute(context.Background(), "x", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecutorRequiresStart(t *testing.T) {
	e := NewExecutor(newStubKernel(), time.Second)
	_, err := e.Execute(context.Background(), "x", time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestExecutorShutdownIsIdempotent(t *testing.T) {
	k := newStubKernel()
	e := NewExecutor(k, time.Second)
	require.NoError(t, e.Start(context.Background()))

	e.Shutdown()
	e.Shutdown()
	assert.Equal(t, 1, k.closed)

	_, err := e.Execute(context.Background(), "x", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewKernelRejectsUnknownLanguage(t *testing.T) {
	_, err := NewKernel("ruby")
	assert.ErrorIs(t, err, models.ErrInvalidLanguage)
}

func TestExecutorClipsLongOutputAndError(t *testing.T) {
	k := newStubKernel(
		Fragment{Kind: FragmentStream, Text: "first line\n" + strings.Repeat("x", 5000) + "\nlast line\n"},
		Fragment{Kind: FragmentError, Text: "Traceback (most recent call last):\n" + strings.Repeat("  <cell>:2:12: in f\n", 1000) + "Error: boom"},
	)
	e := NewExecutor(k, time.Second)
	e.SetOutputLimit(512)
	require.NoError(t, e.Start(context.Background()))

	out, err := e.Execute(context.Background(), "x", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, out.Kind)

	assert.LessOrEqual(t, len(out.Output), 512+64)
	assert.True(t, strings.HasPrefix(out.Output, "first line"))
	assert.True(t, strings.HasSuffix(out.Output, "last line"))
	assert.Contains(t, out.Output, "bytes truncated")

	assert.LessOrEqual(t, len(out.Error), 512+64)
	assert.True(t, strings.HasPrefix(out.Error, "Traceback"))
	assert.True(t, strings.HasSuffix(out.Error, "Error: boom"))
}

func TestClipKeepsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("é", 100)
	got := clip(s, 51)
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "bytes truncated")

	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, s, clip(s, 0))
}
