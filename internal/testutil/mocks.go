package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/tabarochristian/loop-to-result/internal/gateway"
	"github.com/tabarochristian/loop-to-result/internal/hub"
	"github.com/tabarochristian/loop-to-result/internal/notify"
	"github.com/tabarochristian/loop-to-result/internal/sandbox"
)

// BackendResponse is one canned model reply.
type BackendResponse struct {
	Text string
	Err  error
}

// Backend is a scripted gateway.Backend. Responses are consumed in order;
// once exhausted, Default is returned.
type Backend struct {
	mu sync.Mutex

	Responses []BackendResponse
	Default   BackendResponse

	// Gate, when set, blocks every call until a value is received or the
	// call's context ends. Entered receives a value as each call starts.
	Gate    chan struct{}
	Entered chan struct{}

	requests [][]gateway.Message
}

// NewBackend returns a backend replying with texts in order.
func NewBackend(texts ...string) *Backend {
	b := &Backend{}
	for _, t := range texts {
		b.Responses = append(b.Responses, BackendResponse{Text: t})
	}
	return b
}

func (b *Backend) Name() string  { return "scripted" }
func (b *Backend) Model() string { return "scripted-1" }

func (b *Backend) Complete(ctx context.Context, messages []gateway.Message) (string, error) {
	b.mu.Lock()
	b.requests = append(b.requests, messages)
	resp := b.Default
	if len(b.Responses) > 0 {
		resp = b.Responses[0]
		b.Responses = b.Responses[1:]
	}
	gate, entered := b.Gate, b.Entered
	b.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return resp.Text, resp.Err
}

// Calls returns how many requests the backend received.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// Requests returns a copy of every request received.
func (b *Backend) Requests() [][]gateway.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]gateway.Message(nil), b.requests...)
}

// Factory returns a gateway.Factory that always yields b.
func Factory(b gateway.Backend) gateway.Factory {
	return func(string, string) (gateway.Backend, error) {
		return b, nil
	}
}

// Kernel is a scripted sandbox.Kernel. Each submission replays the next
// script entry, followed by an idle fragment.
type Kernel struct {
	mu sync.Mutex

	Scripts  [][]sandbox.Fragment
	Default  []sandbox.Fragment
	StartErr error

	frags     chan sandbox.Fragment
	submitted []string
	closed    bool
}

func NewKernel(scripts ...[]sandbox.Fragment) *Kernel {
	return &Kernel{
		Scripts: scripts,
		Default: []sandbox.Fragment{{Kind: sandbox.FragmentStream, Text: "ok"}},
		frags:   make(chan sandbox.Fragment, 256),
	}
}

// Output is a script entry producing text on stdout.
func Output(text string) []sandbox.Fragment {
	return []sandbox.Fragment{{Kind: sandbox.FragmentStream, Text: text}}
}

// RuntimeError is a script entry failing with msg.
func RuntimeError(msg string) []sandbox.Fragment {
	return []sandbox.Fragment{{Kind: sandbox.FragmentError, Text: msg}}
}

func (k *Kernel) Start(ctx context.Context) error {
	return k.StartErr
}

func (k *Kernel) Submit(ctx context.Context, execID, code string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return sandbox.ErrClosed
	}
	k.submitted = append(k.submitted, code)
	script := k.Default
	if len(k.Scripts) > 0 {
		script = k.Scripts[0]
		k.Scripts = k.Scripts[1:]
	}
	for _, f := range script {
		f.ExecID = execID
		k.frags <- f
	}
	k.frags <- sandbox.Fragment{ExecID: execID, Kind: sandbox.FragmentIdle}
	return nil
}

func (k *Kernel) Fragments() <-chan sandbox.Fragment { return k.frags }
func (k *Kernel) Interrupt(string) error             { return nil }

func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

// Submitted returns the code of every submission in order.
func (k *Kernel) Submitted() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.submitted...)
}

// Closed reports whether Close was called.
func (k *Kernel) Closed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

// ErrNotifierDown is returned by a failing Notifier.
var ErrNotifierDown = errors.New("notifier unavailable")

// Notifier records notifications. With Fail set every call errors after
// being recorded.
type Notifier struct {
	mu   sync.Mutex
	Fail bool
	sent []notify.Notification
}

func (n *Notifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	if n.Fail {
		return ErrNotifierDown
	}
	return nil
}

func (n *Notifier) Sent() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}

// Subscriber records hub events in delivery order.
type Subscriber struct {
	mu     sync.Mutex
	events []hub.Event
}

func (s *Subscriber) Deliver(e hub.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *Subscriber) Events() []hub.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hub.Event(nil), s.events...)
}
