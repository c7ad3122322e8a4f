// Package bus provides the JSON pub/sub abstraction payoutd talks to: a
// handful of topics carrying one JSON object per message.
// Concrete Redis wire details are explicitly out of scope for this system;
// what's specified is PUB/SUB semantics, which this in-memory implementation
// satisfies so the daemon, request handler, and tests never depend on a
// particular broker. A production deployment swaps this for a Redis-backed
// Bus without touching daemon/dispatcher code — the interface is the
// contract either side relies on.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Bus is the publish/subscribe surface the daemon and request handler use.
// Implementations must deliver each Publish to every current Subscriber of
// that topic; slow subscribers must never block a Publish.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (ch <-chan []byte, unsubscribe func())
}

// memoryBus is a self-contained, goroutine-safe fan-out implementation.
type memoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan []byte
}

// New creates an in-memory Bus.
func New() Bus {
	return &memoryBus{subs: make(map[string][]chan []byte)}
}

const subscriberBuffer = 64

// Publish fans payload out to every current subscriber of topic. A
// subscriber whose buffer is full has the message dropped for it rather than
// stalling the publisher.
func (b *memoryBus) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
			log.Warn().Str("topic", topic).Msg("bus: subscriber buffer full, dropping message")
		}
	}
	return nil
}

// Subscribe registers a new listener on topic. The returned unsubscribe
// func removes and closes the channel; it is safe to call exactly once.
func (b *memoryBus) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, c := range list {
			if c == ch {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// NewMsgID generates a fresh message id.
func NewMsgID() string {
	return uuid.NewString()
}

// Envelope stamps fields with a fresh msgId and, when correlId is non-empty,
// the correlId tying a response or event back to the request that caused it
//. Returns JSON ready to Publish.
func Envelope(correlID string, fields map[string]any) ([]byte, error) {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["msgId"] = NewMsgID()
	if correlID != "" {
		out["correlId"] = correlID
	}
	return json.Marshal(out)
}
