package store

import (
	"sync"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// CommitBus is the typed publish/subscribe channel for applied commits.
// It replaces notification-center style observers: every consumer holds an
// explicit channel, so event flow is traceable. Delivery is non-blocking;
// a subscriber that falls more than busBuffer summaries behind loses the
// oldest ones rather than stalling the commit path.
type CommitBus struct {
	mu     sync.Mutex
	subs   map[int]chan types.CommitSummary
	nextID int
	closed bool
}

const busBuffer = 16

func newCommitBus() *CommitBus {
	return &CommitBus{subs: make(map[int]chan types.CommitSummary)}
}

func (b *CommitBus) subscribe() (<-chan types.CommitSummary, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan types.CommitSummary, busBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *CommitBus) publish(summary types.CommitSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- summary:
		default:
			// Drop the oldest summary to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- summary:
			default:
			}
		}
	}
}

func (b *CommitBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
