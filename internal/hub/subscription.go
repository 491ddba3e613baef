package hub

import "sync"

// Subscription is a channel-backed subscriber. C is closed once the
// subscription is unregistered, whether by Close, eviction or Hub.Close.
type Subscription struct {
	C <-chan Event

	hub          *Hub
	experimentID string
	handle       Handle
	ch           chan Event
	closeOnce    sync.Once
}

// Subscribe registers a channel subscriber for experimentID. buffer bounds
// both the hub mailbox and the channel; a consumer that falls further behind
// is evicted.
func (h *Hub) Subscribe(experimentID string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = defaultMailbox
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, hub: h, experimentID: experimentID, ch: ch}

	handle, err := h.register(experimentID, SubscriberFunc(s.push), buffer, func() { close(ch) })
	if err != nil {
		return nil, err
	}
	s.handle = handle
	return s, nil
}

func (s *Subscription) push(e Event) error {
	select {
	case s.ch <- e:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (s *Subscription) ExperimentID() string {
	return s.experimentID
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.Unregister(s.experimentID, s.handle)
	})
}
