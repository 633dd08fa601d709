package dispatch

import (
	"slices"
	"sync"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/metrics"
)

// Item is one entry of a connection's outbound queue: an event, or a resync
// marker telling the client to re-read the log from FromSequence.
type Item struct {
	Event        *models.Event
	Resync       bool
	FromSequence uint64
}

// Outbox is a bounded per-connection queue. Push never blocks: when the queue
// is full the oldest non-critical event (the oldest event if all are
// critical) is dropped and a single resync marker takes its place. Markers do
// not count against the capacity.
type Outbox struct {
	mu       sync.Mutex
	items    []Item
	events   int
	capacity int
	lastSeq  uint64
	closed   bool
	ready    chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox{capacity: capacity, ready: make(chan struct{}, 1)}
}

// Push queues ev and reports whether an older event had to be dropped.
// Events at or below the last queued sequence are ignored, so the queue
// stays in sequence order.
func (o *Outbox) Push(ev *models.Event) bool {
	o.mu.Lock()
	if o.closed || ev.Sequence <= o.lastSeq {
		o.mu.Unlock()
		return false
	}
	o.lastSeq = ev.Sequence
	o.items = append(o.items, Item{Event: ev})
	o.events++
	dropped := false
	if o.events > o.capacity {
		o.dropOldestLocked()
		dropped = true
	}
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (o *Outbox) dropOldestLocked() {
	victim, marker := -1, -1
	for i, it := range o.items {
		switch {
		case it.Resync:
			marker = i
		case victim < 0 && !it.Event.Critical:
			victim = i
		}
	}
	if victim < 0 {
		for i, it := range o.items {
			if !it.Resync {
				victim = i
				break
			}
		}
	}
	seq := o.items[victim].Event.Sequence
	o.events--
	metrics.DispatchDroppedTotal.Inc()

	if marker < 0 {
		o.items[victim] = Item{Resync: true, FromSequence: seq}
		metrics.DispatchResyncsTotal.Inc()
		return
	}
	from := min(o.items[marker].FromSequence, seq)
	o.items = slices.Delete(o.items, victim, victim+1)
	if victim < marker {
		// The marker must precede every gap it covers.
		o.items = slices.Delete(o.items, marker-1, marker)
		o.items = slices.Insert(o.items, victim, Item{})
		marker = victim
	}
	o.items[marker] = Item{Resync: true, FromSequence: from}
}

// Drain removes and returns everything queued.
func (o *Outbox) Drain() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = nil
	o.events = 0
	return out
}

// Ready is signalled whenever Push queues something.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Len returns the number of queued events, excluding markers.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events
}

// Close discards the queue and rejects further pushes.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.items = nil
	o.events = 0
	o.mu.Unlock()
}
