package veritas

import (
	"sync"

	"github.com/brunobiangulo/veritas/workflow"
)

// subscriberBuffer is the per-subscriber event backlog. A subscriber that
// falls further behind misses events.
const subscriberBuffer = 64

// broadcaster fans workflow events out to subscribers.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan workflow.Event
	next   int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan workflow.Event)}
}

// subscribe registers a new subscriber. The returned cancel func is
// idempotent and closes the channel.
func (b *broadcaster) subscribe() (<-chan workflow.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan workflow.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// publish delivers ev without blocking.
func (b *broadcaster) publish(ev workflow.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
