// Package stream provides the in-process change feed that fans newly
// appended events out to live observers, keyed by session id.
package stream

import (
	"log/slog"
	"sync"

	"github.com/convoke-ai/convoke/internal/domain"
)

// Subscription is one observer's handle on a session's event feed. Close
// is idempotent and stops delivery immediately; history is never deleted.
type Subscription struct {
	C <-chan domain.Event

	broker    *Broker
	sessionID string
	id        int
	once      sync.Once
}

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s.sessionID, s.id)
	})
}

// Broker fans events out to per-session subscribers. Delivery is
// at-least-once from the observer's point of view: a subscriber replaying
// history around Subscribe may see an event twice, and the projection's
// idempotence absorbs that.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan domain.Event
	nextID int
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[string]map[int]chan domain.Event),
		logger: logger,
	}
}

// Subscribe registers an observer for one session's new events. buf bounds
// the delivery channel; a subscriber that stops draining is dropped rather
// than allowed to block the publisher.
func (b *Broker) Subscribe(sessionID string, buf int) *Subscription {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan domain.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan domain.Event)
	}
	b.subs[sessionID][id] = ch

	return &Subscription{C: ch, broker: b, sessionID: sessionID, id: id}
}

func (b *Broker) unsubscribe(sessionID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sessionID]; ok {
		if ch, ok := m[id]; ok {
			delete(m, id)
			close(ch)
		}
		if len(m) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// Publish delivers one stored event to the session's subscribers. Slow
// subscribers with full buffers are disconnected; ordering within a session
// is preserved because Publish is called after the store append, in append
// order.
func (b *Broker) Publish(ev domain.Event) {
	b.mu.RLock()
	var stuck []int
	for id, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			stuck = append(stuck, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range stuck {
		b.logger.Warn("dropping slow event subscriber", "session_id", ev.SessionID, "subscriber", id)
		b.unsubscribe(ev.SessionID, id)
	}
}

// SubscriberCount reports the number of live subscribers for a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
