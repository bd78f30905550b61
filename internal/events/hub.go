// Package events is an in-process publish/subscribe hub for progress updates.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codemechanic/internal/metrics"
)

// Event types.
const (
	TypeSession    = "session"
	TypeLog        = "log"
	TypeBuild      = "build"
	TypeDeployment = "deployment"
)

// Event is one notification delivered to subscribers of a topic.
type Event struct {
	Seq   uint64    `json:"seq"`
	Topic string    `json:"topic"`
	Type  string    `json:"type"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// SessionTopic is the topic for an execution session.
func SessionTopic(id uuid.UUID) string { return "session:" + id.String() }

// BuildTopic is the topic for a build job.
func BuildTopic(id uuid.UUID) string { return "build:" + id.String() }

// DeploymentTopic is the topic for a deployment.
func DeploymentTopic(id uuid.UUID) string { return "deployment:" + id.String() }

// Publisher publishes events. *Hub implements it; nil-safe callers use Nop.
type Publisher interface {
	Publish(topic, typ string, data any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, string, any) {}

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

type subscriber struct {
	ch chan Event
}

// Hub fans events out to per-topic subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and must poll.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	buffer int
	closed bool
	seq    atomic.Uint64
}

// NewHub creates a hub. A buffer <= 0 means DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{topics: make(map[string]map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers for events on topic. The returned cancel func removes
// the subscription and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.remove(topic, sub) })
	}
}

func (h *Hub) remove(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	close(sub.ch)
}

// Publish delivers an event to every current subscriber of topic.
func (h *Hub) Publish(topic, typ string, data any) {
	ev := Event{
		Seq:   h.seq.Add(1),
		Topic: topic,
		Type:  typ,
		Data:  data,
		Time:  time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.topics, topic)
	}
}

var _ Publisher = (*Hub)(nil)
var _ Publisher = Nop{}
