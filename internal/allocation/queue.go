package allocation

import (
	"cmp"
	"slices"
	"sync"

	"github.com/sahyog/sahyog-backend/internal/models"
)

// queue is the matcher's unbounded intake.
type queue struct {
	mu     sync.Mutex
	events []*models.Event
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(ev *models.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// drain returns queued events in sequence order.
func (q *queue) drain() []*models.Event {
	q.mu.Lock()
	out := q.events
	q.events = nil
	q.mu.Unlock()
	slices.SortFunc(out, func(a, b *models.Event) int { return cmp.Compare(a.Sequence, b.Sequence) })
	return out
}
