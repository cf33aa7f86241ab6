// Package eventbus provides fan-out pub/sub for live tool-call events.
package eventbus

import (
	"sync"
	"time"
)

const defaultBufSize = 256

// CallEvent describes one tool invocation routed through the proxy.
type CallEvent struct {
	Time    time.Time `json:"time"`
	Gate    string    `json:"gate"`
	Tool    string    `json:"tool"`
	Blocked bool      `json:"blocked"`
	Pattern string    `json:"pattern,omitempty"` // block pattern that matched, when Blocked
}

// Bus implements fan-out pub/sub for call events. Each subscriber gets a
// buffered channel; if a subscriber is slow, events are dropped for that
// subscriber rather than blocking the proxy.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *CallEvent
	bufSize     int
}

func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Bus{
		subscribers: make(map[string]chan *CallEvent),
		bufSize:     bufSize,
	}
}

// Subscribe creates a new subscription. Returns the channel and an
// unsubscribe function that must be called when done.
func (b *Bus) Subscribe(id string) (<-chan *CallEvent, func()) {
	ch := make(chan *CallEvent, b.bufSize)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		close(ch)
		b.mu.Unlock()
	}
	return ch, unsub
}

// Publish sends an event to all subscribers. Non-blocking: slow
// subscribers will miss events.
func (b *Bus) Publish(event *CallEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
