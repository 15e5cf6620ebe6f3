package inproc

import (
	"errors"
	"sync"

	"agent_ensemble/internal/domain"
)

var ErrListenerQueueFull = errors.New("every listener queue is full")

// Bus fans run events out to registered listeners. Publishing with no
// listeners is a no-op; a listener that cannot keep up loses events rather
// than blocking the orchestrator.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.RunEvent
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.RunEvent),
		buffer: buffer,
	}
}

func (b *Bus) Register(listenerID string) <-chan domain.RunEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[listenerID]; ok {
		return ch
	}
	ch := make(chan domain.RunEvent, b.buffer)
	b.subs[listenerID] = ch
	return ch
}

func (b *Bus) Unregister(listenerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[listenerID]
	if !ok {
		return
	}
	delete(b.subs, listenerID)
	close(ch)
}

func (b *Bus) Publish(ev domain.RunEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		return nil
	}
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return ErrListenerQueueFull
	}
	return nil
}
