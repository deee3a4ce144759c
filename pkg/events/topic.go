package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/polisai/hexaflow/pkg/domain"
)

// Message is a payload routed to a topic by a forward stage.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Topics is an in-process domain.Sink that treats the namespace as a topic
// name. Every subscriber of the topic receives each message; delivery blocks
// until the subscriber accepts it or ctx ends.
type Topics struct {
	mu     sync.RWMutex
	topics map[string][]chan Message
	buffer int
}

// NewTopics creates an empty topic router.
func NewTopics(buffer int) *Topics {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Topics{topics: make(map[string][]chan Message), buffer: buffer}
}

// Subscribe returns a channel receiving messages put to topic.
func (t *Topics) Subscribe(topic string) <-chan Message {
	ch := make(chan Message, t.buffer)
	t.mu.Lock()
	t.topics[topic] = append(t.topics[topic], ch)
	t.mu.Unlock()
	return ch
}

// Put implements domain.Sink. A topic without subscribers is an error so a
// misrouted forward stage fails instead of silently discarding output.
func (t *Topics) Put(ctx context.Context, topic, key string, value []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.topics[topic]
	if len(subs) == 0 {
		return fmt.Errorf("topic %q: %w", topic, domain.ErrNotFound)
	}
	msg := Message{Topic: topic, Key: key, Value: append([]byte(nil), value...)}
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes every subscriber channel.
func (t *Topics) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, subs := range t.topics {
		for _, ch := range subs {
			close(ch)
		}
		delete(t.topics, name)
	}
}
