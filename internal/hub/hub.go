// Package hub fans transcript and status events out to live observers of an
// experiment.
package hub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabarochristian/loop-to-result/internal/logging"
	"github.com/tabarochristian/loop-to-result/internal/models"
)

var (
	ErrSlowSubscriber = errors.New("subscriber buffer is full")
	ErrHubClosed      = errors.New("hub is closed")
)

type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
	EventDeleted EventType = "deleted"
)

type Event struct {
	Type         EventType     `json:"type"`
	ExperimentID string        `json:"experiment_id"`
	Seq          int64         `json:"seq,omitempty"`
	Sender       models.Role   `json:"sender,omitempty"`
	Content      string        `json:"content,omitempty"`
	Status       models.Status `json:"status,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

func MessageEvent(m *models.Message) Event {
	return Event{
		Type:         EventMessage,
		ExperimentID: m.ExperimentID,
		Seq:          m.Seq,
		Sender:       m.Sender,
		Content:      m.Content,
		Timestamp:    m.CreatedAt,
	}
}

func StatusEvent(experimentID string, status models.Status) Event {
	return Event{Type: EventStatus, ExperimentID: experimentID, Status: status, Timestamp: time.Now()}
}

func DeletedEvent(experimentID string) Event {
	return Event{Type: EventDeleted, ExperimentID: experimentID, Timestamp: time.Now()}
}

// Subscriber receives events. A delivery error unregisters the subscriber.
type Subscriber interface {
	Deliver(Event) error
}

// SubscriberFunc is a function adapter for Subscriber.
type SubscriberFunc func(Event) error

func (f SubscriberFunc) Deliver(e Event) error {
	return f(e)
}

// Handle identifies one registration.
type Handle uint64

const defaultMailbox = 64

// mailbox queues events for one registration and delivers them in order on
// its own goroutine, so a slow subscriber never blocks a broadcast.
type mailbox struct {
	handle   Handle
	sub      Subscriber
	events   chan Event
	quit     chan struct{}
	onRemove func()
	stopOnce sync.Once
}

func (m *mailbox) stop() {
	m.stopOnce.Do(func() { close(m.quit) })
}

type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[Handle]*mailbox
	next   Handle
	closed bool
	logger zerolog.Logger
}

func New() *Hub {
	return &Hub{
		subs:   make(map[string]map[Handle]*mailbox),
		logger: logging.Component("hub"),
	}
}

// Register adds sub as an observer of experimentID.
func (h *Hub) Register(experimentID string, sub Subscriber) (Handle, error) {
	return h.register(experimentID, sub, defaultMailbox, nil)
}

func (h *Hub) register(experimentID string, sub Subscriber, buffer int, onRemove func()) (Handle, error) {
	if buffer <= 0 {
		buffer = defaultMailbox
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHubClosed
	}

	h.next++
	mb := &mailbox{
		handle:   h.next,
		sub:      sub,
		events:   make(chan Event, buffer),
		quit:     make(chan struct{}),
		onRemove: onRemove,
	}
	if h.subs[experimentID] == nil {
		h.subs[experimentID] = make(map[Handle]*mailbox)
	}
	h.subs[experimentID][mb.handle] = mb

	go h.deliver(experimentID, mb)

	h.logger.Debug().Str("experiment_id", experimentID).Uint64("handle", uint64(mb.handle)).Msg("Subscriber registered")
	return mb.handle, nil
}

// Unregister removes a registration. Unknown handles are ignored.
func (h *Hub) Unregister(experimentID string, handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(experimentID, handle)
}

func (h *Hub) removeLocked(experimentID string, handle Handle) bool {
	set := h.subs[experimentID]
	mb, ok := set[handle]
	if !ok {
		return false
	}
	delete(set, handle)
	if len(set) == 0 {
		delete(h.subs, experimentID)
	}
	mb.stop()
	return true
}

// Broadcast queues e for every observer of experimentID. Observers whose
// mailbox is full are unregistered.
func (h *Hub) Broadcast(experimentID string, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for handle, mb := range h.subs[experimentID] {
		select {
		case mb.events <- e:
		default:
			h.removeLocked(experimentID, handle)
			h.logger.Warn().
				Str("experiment_id", experimentID).
				Uint64("handle", uint64(handle)).
				Err(ErrSlowSubscriber).
				Msg("Subscriber evicted")
		}
	}
}

func (h *Hub) deliver(experimentID string, mb *mailbox) {
	if mb.onRemove != nil {
		defer mb.onRemove()
	}
	for {
		select {
		case <-mb.quit:
			return
		case e := <-mb.events:
			if err := h.safeDeliver(mb.sub, e); err != nil {
				h.Unregister(experimentID, mb.handle)
				h.logger.Warn().
					Str("experiment_id", experimentID).
					Uint64("handle", uint64(mb.handle)).
					Err(err).
					Msg("Subscriber delivery failed, unregistered")
				return
			}
		}
	}
}

func (h *Hub) safeDeliver(sub Subscriber, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return sub.Deliver(e)
}

// Subscribers returns the number of live registrations for experimentID.
func (h *Hub) Subscribers(experimentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[experimentID])
}

// Close unregisters every subscriber and rejects new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, set := range h.subs {
		for handle := range set {
			h.removeLocked(id, handle)
		}
	}
}
