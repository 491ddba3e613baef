package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// interpreter is the per-language half of a kernel. All methods are called
// from the session goroutine only.
type interpreter interface {
	open() error
	exec(ctx context.Context, code string, emit func(FragmentKind, string)) error
	close()
}

type submission struct {
	id   string
	code string
}

// session owns an interpreter on a single goroutine and implements Kernel.
type session struct {
	interp interpreter

	submits chan submission
	frags   chan Fragment
	ready   chan error
	done    chan struct{}

	mu        sync.Mutex
	started   bool
	current   string
	cancel    context.CancelFunc
	skipped   map[string]bool
	closeOnce sync.Once
}

func newSession(interp interpreter) *session {
	return &session{
		interp:  interp,
		submits: make(chan submission, 1),
		frags:   make(chan Fragment, 256),
		ready:   make(chan error, 1),
		done:    make(chan struct{}),
		skipped: make(map[string]bool),
	}
}

func (s *session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.run()

	select {
	case err := <-s.ready:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) run() {
	if err := s.open(); err != nil {
		s.ready <- err
		return
	}
	defer s.interp.close()
	s.ready <- nil

	for {
		select {
		case <-s.done:
			return
		case sub := <-s.submits:
			s.execute(sub)
		}
	}
}

func (s *session) open() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panicked during start: %v", r)
		}
	}()
	return s.interp.open()
}

func (s *session) execute(sub submission) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if s.skipped[sub.id] {
		delete(s.skipped, sub.id)
		s.mu.Unlock()
		s.emit(sub.id, FragmentError, "execution interrupted before it started")
		s.emit(sub.id, FragmentIdle, "")
		return
	}
	s.current = sub.id
	s.cancel = cancel
	s.mu.Unlock()

	err := s.safeExec(ctx, sub)

	s.mu.Lock()
	s.current = ""
	s.cancel = nil
	s.mu.Unlock()

	if err != nil {
		s.emit(sub.id, FragmentError, formatError(err))
	}
	s.emit(sub.id, FragmentIdle, "")
}

func (s *session) safeExec(ctx context.Context, sub submission) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()
	return s.interp.exec(ctx, sub.code, func(kind FragmentKind, text string) {
		s.emit(sub.id, kind, text)
	})
}

func (s *session) emit(id string, kind FragmentKind, text string) {
	select {
	case s.frags <- Fragment{ExecID: id, Kind: kind, Text: text}:
	case <-s.done:
	}
}

func (s *session) Submit(ctx context.Context, execID, code string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.submits <- submission{id: execID, code: code}:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Fragments() <-chan Fragment {
	return s.frags
}

func (s *session) Interrupt(execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == execID && s.cancel != nil {
		s.cancel()
		return nil
	}
	s.skipped[execID] = true
	return nil
}

// Close stops the session goroutine. It does not wait for code that ignores
// cancellation.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()

		close(s.done)
	})
	return nil
}

// errorFormatter is implemented by interpreter errors that carry a
// traceback.
type errorFormatter interface {
	Backtrace() string
}

func formatError(err error) string {
	var bt errorFormatter
	if errors.As(err, &bt) {
		return bt.Backtrace()
	}
	return err.Error()
}
