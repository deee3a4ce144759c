// Package events provides Publisher implementations for execution events:
// an in-process fan-out bus, a structured-log publisher, and a combinator
// that publishes to several at once.
package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/polisai/hexaflow/pkg/domain"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("event bus closed")
	// ErrDropped reports events skipped because a subscriber was full.
	ErrDropped = errors.New("event dropped")
)

type subscriber struct {
	ch    chan domain.Event
	types []domain.EventType
}

func (s *subscriber) wants(t domain.EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus fans events out to subscriber channels. Publish never blocks: a full
// subscriber misses the event and the drop is counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	dropped     atomic.Uint64
	buffer      int
}

// NewBus creates a bus whose subscriber channels hold buffer events. A
// non-positive buffer uses DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subscribers: make(map[string]*subscriber), buffer: buffer}
}

// Subscribe registers a channel receiving events of the given types, or all
// events when none are given. The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(types ...domain.EventType) (string, <-chan domain.Event) {
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan domain.Event, b.buffer), types: types}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return id, sub.ch
	}
	b.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Publish implements domain.Publisher.
func (b *Bus) Publish(_ context.Context, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	var dropped int
	for _, sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
		return fmt.Errorf("%s for %d subscriber(s): %w", event.Type, dropped, ErrDropped)
	}
	return nil
}

// Dropped returns the number of deliveries skipped so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later publishes return ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}
