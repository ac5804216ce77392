package eventbus

import (
	"context"
	"sync"
)

// transport carries the "live" half of the catch-up-then-live contract
// (spec §4.2.2). It never needs to be durable — anything it drops is still
// recoverable from the log on the next subscribe's catch-up read.
type transport interface {
	publish(ctx context.Context, sessionID string, payload []byte)
	subscribe(ctx context.Context, sessionID string) (<-chan []byte, func())
}

// memoryTransport fans out in-process, for single-process deployments and
// tests that don't want a Redis dependency.
type memoryTransport struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{subs: make(map[string]map[chan []byte]struct{})}
}

func (m *memoryTransport) publish(_ context.Context, sessionID string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[sessionID] {
		select {
		case ch <- payload:
		default:
			// Slow subscriber: drop rather than block the publisher. The
			// dropped envelope is not delivered on this subscription; only
			// a later Subscribe call's catch-up read returns it.
		}
	}
}

func (m *memoryTransport) subscribe(_ context.Context, sessionID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 256)
	m.mu.Lock()
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[chan []byte]struct{})
	}
	m.subs[sessionID][ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs[sessionID], ch)
		m.mu.Unlock()
	}
	return ch, cancel
}
