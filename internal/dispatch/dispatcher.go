// Package dispatch delivers stored events to subscribed real-time
// connections. A single dispatcher tails the event log, resolves each event's
// audience in the room registry and queues it on every member's outbox.
package dispatch

import (
	"context"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/metrics"
)

// LogReader is the read side of the event log.
type LogReader interface {
	ReadFrom(ctx context.Context, from uint64, filter models.EventFilter) iter.Seq2[*models.Event, error]
	Head() uint64
}

// Audience resolves event topics to connection ids.
type Audience interface {
	Match(topics ...string) map[string]struct{}
}

// Connections looks up the outbox of a live connection; nil when it is gone.
type Connections interface {
	Outbox(connID string) *Outbox
}

type Options struct {
	// IntakeSize bounds the queue of freshly stored events. A full intake
	// is not an error; the tail read picks the events up.
	IntakeSize int
	// PollInterval is how often the log head is checked for missed events.
	PollInterval time.Duration
	// Wake, when set, signals new commits (see eventstore.Store.Subscribe).
	Wake   <-chan struct{}
	Logger *zap.Logger
}

type Dispatcher struct {
	log      LogReader
	audience Audience
	conns    Connections
	cursor   Cursor
	intake   chan *models.Event
	wake     <-chan struct{}
	poll     time.Duration
	logger   *zap.Logger

	pos   uint64 // last delivered sequence; owned by Run
	saved uint64
}

// New creates a dispatcher resuming after the persisted cursor.
func New(log LogReader, audience Audience, conns Connections, cursor Cursor, opts Options) (*Dispatcher, error) {
	pos, err := cursor.Load()
	if err != nil {
		return nil, err
	}
	if opts.IntakeSize <= 0 {
		opts.IntakeSize = 1024
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	metrics.DispatchCursor.Set(float64(pos))
	return &Dispatcher{
		log:      log,
		audience: audience,
		conns:    conns,
		cursor:   cursor,
		intake:   make(chan *models.Event, opts.IntakeSize),
		wake:     opts.Wake,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
		pos:      pos,
		saved:    pos,
	}, nil
}

// Enqueue hands a stored event to the dispatcher without blocking.
func (d *Dispatcher) Enqueue(ev *models.Event) {
	select {
	case d.intake <- ev:
	default:
		d.logger.Debug("Dispatch intake full; event left to the tail read", zap.Uint64("sequence", ev.Sequence))
	}
}

// Run delivers events until ctx is cancelled. It first catches up with
// everything committed after the cursor.
func (d *Dispatcher) Run(ctx context.Context) error {
	if head := d.log.Head(); d.pos > head {
		d.logger.Warn("Dispatch cursor is ahead of the event log; rewinding", zap.Uint64("cursor", d.pos), zap.Uint64("head", head))
		d.pos = head
	}
	d.logger.Info("Starting dispatcher", zap.Uint64("cursor", d.pos), zap.Duration("poll", d.poll))
	d.catchUp(ctx)
	d.checkpoint()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.checkpoint()
			d.logger.Info("Dispatcher stopped", zap.Uint64("cursor", d.pos))
			return nil
		case ev := <-d.intake:
			d.handle(ctx, ev)
			if len(d.intake) == 0 {
				d.checkpoint()
			}
		case <-d.wake:
			if len(d.intake) == 0 && d.log.Head() > d.pos {
				d.catchUp(ctx)
				d.checkpoint()
			}
		case <-ticker.C:
			if d.log.Head() > d.pos {
				d.catchUp(ctx)
			}
			d.checkpoint()
		}
	}
}

// Position returns the last delivered sequence. Only safe once Run returned
// or from tests that drive the dispatcher synchronously.
func (d *Dispatcher) Position() uint64 { return d.pos }

func (d *Dispatcher) handle(ctx context.Context, ev *models.Event) {
	switch {
	case ev.Sequence <= d.pos:
		return
	case ev.Sequence > d.pos+1:
		// Something between the cursor and this event never reached the
		// intake; read it from the log so delivery stays in order.
		d.catchUp(ctx)
	default:
		d.deliver(ev)
	}
}

// catchUp delivers every committed event after the cursor, retrying log read
// failures with exponential backoff.
func (d *Dispatcher) catchUp(ctx context.Context) {
	op := func() (uint64, error) {
		for ev, err := range d.log.ReadFrom(ctx, d.pos+1, models.EventFilter{}) {
			if err != nil {
				if ctx.Err() != nil {
					return d.pos, backoff.Permanent(ctx.Err())
				}
				return d.pos, err
			}
			if ev.Sequence <= d.pos {
				continue
			}
			d.deliver(ev)
		}
		return d.pos, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(30*time.Second),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn("Event log read failed; retrying", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil && ctx.Err() == nil {
		d.logger.Error("Event log catch-up abandoned until next poll", zap.Uint64("cursor", d.pos), zap.Error(err))
	}
}

func (d *Dispatcher) deliver(ev *models.Event) {
	for id := range d.audience.Match(ev.Audiences()...) {
		ob := d.conns.Outbox(id)
		if ob == nil {
			continue
		}
		ob.Push(ev)
		metrics.DispatchDeliveriesTotal.Inc()
	}
	d.pos = ev.Sequence
	metrics.DispatchCursor.Set(float64(d.pos))
}

func (d *Dispatcher) checkpoint() {
	if d.pos == d.saved {
		return
	}
	if err := d.cursor.Save(d.pos); err != nil {
		d.logger.Error("Failed to persist dispatch cursor", zap.Uint64("cursor", d.pos), zap.Error(err))
		return
	}
	d.saved = d.pos
}
