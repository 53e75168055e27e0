package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// ErrClosed is returned when subscribing or publishing after Close.
var ErrClosed = xerrors.New("pubsub closed")

// MemoryPubsub is an in-memory Pubsub implementation. It's an exported type so
// that test code can do type checks.
type MemoryPubsub struct {
	mut       sync.RWMutex
	listeners map[string]map[uuid.UUID]Listener
	closed    bool
}

func (m *MemoryPubsub) Subscribe(event string, listener Listener) (cancel func(), err error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var listeners map[uuid.UUID]Listener
	var ok bool
	if listeners, ok = m.listeners[event]; !ok {
		listeners = map[uuid.UUID]Listener{}
		m.listeners[event] = listeners
	}
	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok = listeners[id]; !ok {
			break
		}
	}
	listeners[id] = listener
	return func() {
		m.mut.Lock()
		defer m.mut.Unlock()
		listeners := m.listeners[event]
		delete(listeners, id)
		if len(listeners) == 0 {
			delete(m.listeners, event)
		}
	}, nil
}

func (m *MemoryPubsub) Publish(event string, message []byte) error {
	m.mut.RLock()
	defer m.mut.RUnlock()
	if m.closed {
		return ErrClosed
	}
	listeners, ok := m.listeners[event]
	if !ok {
		return nil
	}
	var wg sync.WaitGroup
	for _, listener := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener(context.Background(), message)
		}()
	}
	wg.Wait()

	return nil
}

// Subscribers returns the number of listeners for an event.
func (m *MemoryPubsub) Subscribers(event string) int {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return len(m.listeners[event])
}

func (m *MemoryPubsub) Close() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.closed = true
	m.listeners = map[string]map[uuid.UUID]Listener{}
	return nil
}

func NewInMemory() *MemoryPubsub {
	return &MemoryPubsub{
		listeners: make(map[string]map[uuid.UUID]Listener),
	}
}
