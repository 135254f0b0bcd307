// Package stream fans forge events out to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"
	"time"

	"allura.org/internal/bus"
)

// Event is the public view of a react message.
type Event struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	ProjectID  string    `json:"project_id,omitempty"`
	MountPoint string    `json:"mount_point,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FromMessage converts a bus message. Audit messages are commands, not
// events, and are reported as not ok.
func FromMessage(msg bus.Message) (Event, bool) {
	if msg.Exchange != bus.React {
		return Event{}, false
	}
	evt := Event{
		ID:         msg.ID,
		Key:        msg.RoutingKey,
		ProjectID:  msg.ProjectID,
		MountPoint: msg.MountPoint,
		UserID:     msg.UserID,
		Timestamp:  msg.CreatedAt,
	}
	var payload any
	if err := msg.Decode(&payload); err == nil {
		evt.Payload = payload
	}
	return evt, true
}

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	ProjectID string
	Key       string
}

func (f Filter) match(evt Event) bool {
	if f.ProjectID != "" && f.ProjectID != evt.ProjectID {
		return false
	}
	return f.Key == "" || bus.Match(f.Key, evt.Key)
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Attach feeds every react message sent by pub into s.
func (s *Stream) Attach(pub *bus.Publisher) {
	pub.Observe(func(msg bus.Message) {
		if evt, ok := FromMessage(msg); ok {
			s.Publish(evt)
		}
	})
}

// Subscribe registers a subscriber and returns a channel which will receive
// matching events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, f Filter) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{filter: f, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all matching subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.filter.match(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
