// Package eventstore is the append-only, totally ordered event log. A single
// writer assigns sequences; readers page through the durable repository.
package eventstore

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/metrics"
	"github.com/sahyog/sahyog-backend/internal/repository"
)

const defaultPageSize = 500

// Options tunes a Store. Zero values pick defaults.
type Options struct {
	// Retention is the idempotency window; keys older than this are forgotten.
	Retention time.Duration
	// PageSize bounds one repository read during ReadFrom.
	PageSize int
	Logger   *zap.Logger
}

// Store is the event log. Appends are serialized; reads are concurrent.
type Store struct {
	repo      repository.EventRepository
	writer    chan struct{}
	head      atomic.Uint64
	retention time.Duration
	pageSize  int
	log       *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// New opens a store over repo, resuming from the last committed sequence.
func New(ctx context.Context, repo repository.EventRepository, opts Options) (*Store, error) {
	last, err := repo.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read head: %w", models.ErrStoreUnavailable, err)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Store{
		repo:      repo,
		writer:    make(chan struct{}, 1),
		retention: opts.Retention,
		pageSize:  opts.PageSize,
		log:       opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		subs:      make(map[chan struct{}]struct{}),
	}
	s.head.Store(last)
	metrics.EventLogHead.Set(float64(last))
	return s, nil
}

// Head returns the last committed sequence (0 for an empty log).
func (s *Store) Head() uint64 { return s.head.Load() }

// Ping checks the durable backing.
func (s *Store) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

// Append assigns the next sequence to ev and persists it. When ev carries an
// idempotency key already recorded within the retention window, the stored
// event is returned with duplicate=true and nothing is written. Any backing
// failure, including ctx expiring, yields models.ErrStoreUnavailable and the
// sequence is not consumed. An insert that committed but reported an error is
// detected by re-reading the head and returned as stored.
func (s *Store) Append(ctx context.Context, ev *models.Event) (*models.Event, bool, error) {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		metrics.EventAppendFailuresTotal.Inc()
		return nil, false, fmt.Errorf("%w: waiting for writer: %w", models.ErrStoreUnavailable, ctx.Err())
	}
	defer func() { <-s.writer }()

	now := s.now()
	if ev.IdempotencyKey != "" {
		prior, err := s.repo.FindByIdempotencyKey(ctx, ev.IdempotencyKey, now.Add(-s.retention))
		if err != nil {
			metrics.EventAppendFailuresTotal.Inc()
			return nil, false, fmt.Errorf("%w: idempotency lookup: %w", models.ErrStoreUnavailable, err)
		}
		if prior != nil {
			return prior, true, nil
		}
	}

	stored := *ev
	stored.Sequence = s.head.Load() + 1
	stored.RecordedAt = now
	if stored.OccurredAt.IsZero() {
		stored.OccurredAt = now
	}
	if err := s.repo.InsertEvent(ctx, &stored); err != nil {
		if last, ok := s.reconcileHead(); !ok || last < stored.Sequence {
			metrics.EventAppendFailuresTotal.Inc()
			return nil, false, fmt.Errorf("%w: insert event: %w", models.ErrStoreUnavailable, err)
		}
		// The writer is exclusive, so a head at or past our sequence means
		// this insert committed and only its acknowledgement was lost.
		s.log.Warn("Insert reported failure after commit; treating event as stored",
			zap.Uint64("sequence", stored.Sequence), zap.Error(err))
		metrics.EventsAppendedTotal.WithLabelValues(string(stored.Kind)).Inc()
		return &stored, false, nil
	}

	s.head.Store(stored.Sequence)
	metrics.EventsAppendedTotal.WithLabelValues(string(stored.Kind)).Inc()
	metrics.EventLogHead.Set(float64(stored.Sequence))
	s.notify()
	return &stored, false, nil
}

// reconcileHead re-reads the committed head after a failed insert. A commit
// whose acknowledgement was lost must not have its sequence handed out again.
// ok is false when the head could not be read.
func (s *Store) reconcileHead() (last uint64, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	last, err := s.repo.LastSequence(ctx)
	if err != nil {
		return 0, false
	}
	if last > s.head.Load() {
		s.head.Store(last)
		metrics.EventLogHead.Set(float64(last))
		s.notify()
	}
	return last, true
}

// ReadFrom yields every committed event with sequence >= from that matches
// filter, in sequence order. Iteration reads the log lazily in pages and stops
// at the head observed when each page was fetched.
func (s *Store) ReadFrom(ctx context.Context, from uint64, filter models.EventFilter) iter.Seq2[*models.Event, error] {
	return func(yield func(*models.Event, error) bool) {
		next := max(from, 1)
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := s.repo.ListEvents(ctx, next, filter, s.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("%w: read events: %w", models.ErrStoreUnavailable, err))
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				next = ev.Sequence + 1
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// Page returns at most limit matching events starting at from, plus the
// sequence a client should pass to continue.
func (s *Store) Page(ctx context.Context, from uint64, filter models.EventFilter, limit int) (*models.EventPage, error) {
	from = max(from, 1)
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}
	events, err := s.repo.ListEvents(ctx, from, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: read events: %w", models.ErrStoreUnavailable, err)
	}
	page := &models.EventPage{Events: events, NextFrom: from}
	if n := len(events); n > 0 {
		page.NextFrom = events[n-1].Sequence + 1
	}
	if page.Events == nil {
		page.Events = []*models.Event{}
	}
	return page, nil
}

// Subscribe returns a channel signalled after every commit and a function
// that releases it. Signals coalesce; readers consult Head.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
