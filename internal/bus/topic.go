// Package bus is an in-process publish/subscribe transport. A Topic fans each
// published message out to every subscriber channel; latched topics also keep
// a bounded history that is replayed to subscribers who join late, which is
// how static frame relationships reach consumers that start after the
// publisher.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/sceneinit/internal/monitoring"
)

// ErrTopicClosed is returned when publishing to a topic that has been closed.
var ErrTopicClosed = errors.New("topic closed")

// DefaultDepth matches the history depth the pose and transform publishers
// were created with.
const DefaultDepth = 10

var logf = monitoring.Component("bus")

// QoS describes delivery behaviour for a topic.
type QoS struct {
	// Depth is the buffer size of each subscriber channel and, for latched
	// topics, the number of messages retained for late subscribers.
	Depth int

	// Latched topics replay retained messages to new subscribers.
	Latched bool
}

// DefaultQoS returns a volatile topic with DefaultDepth.
func DefaultQoS() QoS {
	return QoS{Depth: DefaultDepth}
}

// LatchedQoS returns a latched topic with DefaultDepth.
func LatchedQoS() QoS {
	return QoS{Depth: DefaultDepth, Latched: true}
}

// Stats is a point-in-time summary of a topic.
type Stats struct {
	Name        string `json:"name"`
	Latched     bool   `json:"latched"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Retained    int    `json:"retained"`
	Closed      bool   `json:"closed"`
}

// Topic is a named channel carrying messages of type T.
type Topic[T any] struct {
	name string
	qos  QoS

	mu          sync.Mutex
	subscribers map[string]chan T
	retained    []T
	published   uint64
	dropped     uint64
	closed      bool
}

// NewTopic creates a topic. A depth below one is raised to one.
func NewTopic[T any](name string, qos QoS) *Topic[T] {
	if qos.Depth < 1 {
		qos.Depth = 1
	}
	return &Topic[T]{
		name:        name,
		qos:         qos,
		subscribers: make(map[string]chan T),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// QoS returns the topic's delivery settings.
func (t *Topic[T]) QoS() QoS { return t.qos }

// Subscribe creates a new channel for receiving messages. The ID identifies
// the channel when unsubscribing. On a latched topic the channel already
// holds the retained history, oldest first. Subscribing to a closed topic
// returns a closed channel so readers do not block.
func (t *Topic[T]) Subscribe() (string, <-chan T) {
	id := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.qos.Depth
	if len(t.retained) > size {
		size = len(t.retained)
	}
	ch := make(chan T, size)
	if t.closed {
		close(ch)
		return id, ch
	}
	for _, msg := range t.retained {
		ch <- msg
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *Topic[T]) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Publish delivers msg to every current subscriber without blocking. A
// subscriber whose buffer is full misses the message and the drop is counted.
func (t *Topic[T]) Publish(msg T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTopicClosed
	}

	t.published++
	if t.qos.Latched {
		t.retained = append(t.retained, msg)
		if over := len(t.retained) - t.qos.Depth; over > 0 {
			t.retained = append(t.retained[:0:0], t.retained[over:]...)
		}
	}

	for id, ch := range t.subscribers {
		select {
		case ch <- msg:
		default:
			t.dropped++
			logf("%s: subscriber %s is full, dropping message", t.name, id)
		}
	}
	return nil
}

// Retained returns a copy of the latched history.
func (t *Topic[T]) Retained() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, len(t.retained))
	copy(out, t.retained)
	return out
}

// SubscriberCount returns the number of active subscribers.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Stats returns a snapshot of the topic counters.
func (t *Topic[T]) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Name:        t.name,
		Latched:     t.qos.Latched,
		Subscribers: len(t.subscribers),
		Published:   t.published,
		Dropped:     t.dropped,
		Retained:    len(t.retained),
		Closed:      t.closed,
	}
}

// SubscribeJSON subscribes to the topic and re-emits each message encoded as
// JSON until ctx is done or the topic closes. The returned channel is closed
// when the subscription ends.
func (t *Topic[T]) SubscribeJSON(ctx context.Context) <-chan []byte {
	id, ch := t.Subscribe()
	out := make(chan []byte, t.qos.Depth)

	go func() {
		defer close(out)
		defer t.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b, err := json.Marshal(msg)
				if err != nil {
					logf("%s: failed to encode message: %v", t.name, err)
					continue
				}
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Close closes all subscriber channels. Later publishes fail with
// ErrTopicClosed. Closing twice is a no-op.
func (t *Topic[T]) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	return nil
}
