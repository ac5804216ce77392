package engine

import (
	"sync"

	"github.com/cevr/harness/internal/store"
)

// steerQueue is the per-loop FIFO of spec §4.6, safe for concurrent
// enqueue from external API callers while a single driver goroutine
// drains it.
type steerQueue struct {
	mu     sync.Mutex
	items  []SteerCommand
	notify chan struct{}
}

func newSteerQueue() *steerQueue {
	return &steerQueue{notify: make(chan struct{}, 1)}
}

func (q *steerQueue) push(cmd SteerCommand) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// notifyChan exposes the push signal so a watcher can select on it
// alongside a stream's own completion/cancellation channels.
func (q *steerQueue) notifyChan() <-chan struct{} {
	return q.notify
}

// popAll drains every currently queued command in FIFO order.
func (q *steerQueue) popAll() []SteerCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// followupItem is one admitted {message, bypass} pair of spec §3. kind is
// store.KindInterjection for a message born from a Steer Interject command
// (scenario D: persisted with kind "interjection"), store.KindRegular for
// an ordinary sendMessage admission.
type followupItem struct {
	message string
	bypass  bool
	kind    store.Kind
}

// followupQueue is the bounded FIFO of spec §3/§4.6, with Interject's
// prepend semantics and Cancel's discard-everything semantics.
type followupQueue struct {
	mu    sync.Mutex
	items []followupItem
	max   int
}

func newFollowupQueue(max int) *followupQueue {
	if max <= 0 {
		max = 100
	}
	return &followupQueue{max: max}
}

// push appends to the back (ordinary sendMessage admission). Returns
// ErrFollowupQueueFull, leaving the queue unmutated, once at the bound.
func (q *followupQueue) push(item followupItem) error {
	if item.kind == "" {
		item.kind = store.KindRegular
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		return ErrFollowupQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

// prepend admits an Interject message ahead of everything already queued.
// Interject bypasses the bound: the interjecting steer command always wins.
func (q *followupQueue) prepend(item followupItem) {
	if item.kind == "" {
		item.kind = store.KindInterjection
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]followupItem{item}, q.items...)
}

// pop removes and returns the front item, if any.
func (q *followupQueue) pop() (followupItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return followupItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// clear discards everything queued — Cancel's semantics (spec Design
// Note #2: Cancel drains the follow-up queue; Interrupt/Interject don't).
func (q *followupQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

func (q *followupQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
