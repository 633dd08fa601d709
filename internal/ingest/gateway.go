// Package ingest is the single entry point for new events: it validates and
// normalizes submissions, appends them to the event log and hands stored
// events to the dispatcher and the allocation matcher.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/metrics"
	"github.com/sahyog/sahyog-backend/internal/pkg/tracing"
	"github.com/sahyog/sahyog-backend/internal/pkg/validate"
)

// Appender is the event log write path.
type Appender interface {
	Append(ctx context.Context, ev *models.Event) (*models.Event, bool, error)
}

// Sink receives stored events. Enqueue must not block.
type Sink interface {
	Enqueue(ev *models.Event)
}

// IncidentStates reports incidents closed to further client updates.
type IncidentStates interface {
	Resolved(incidentID string) bool
}

// Options configures a Gateway.
type Options struct {
	// Timeout bounds a single durable append.
	Timeout time.Duration
	// Retention is the idempotency window.
	Retention time.Duration
	CacheSize int
	// Dispatcher receives every stored event.
	Dispatcher Sink
	// Matcher receives incident and capacity events.
	Matcher Sink
	// Incidents, when set, rejects client updates to resolved incidents.
	Incidents IncidentStates
	Logger    *zap.Logger
}

type Gateway struct {
	store      Appender
	dispatcher Sink
	matcher    Sink
	incidents  IncidentStates
	seen       *expirable.LRU[string, models.SubmitResult]
	timeout    time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func New(store Appender, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gateway{
		store:      store,
		dispatcher: opts.Dispatcher,
		matcher:    opts.Matcher,
		incidents:  opts.Incidents,
		seen:       expirable.NewLRU[string, models.SubmitResult](opts.CacheSize, nil, opts.Retention),
		timeout:    opts.Timeout,
		log:        opts.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit accepts an event from an external producer. Assignment events are
// reserved for the allocation matcher and are rejected here.
func (g *Gateway) Submit(ctx context.Context, raw *models.RawEvent) (*models.SubmitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Submit",
		attribute.String("event.kind", string(raw.Kind)),
	)
	defer span.End()

	res, err := g.submit(ctx, raw)
	switch {
	case err == nil && res.Duplicate:
		metrics.SubmissionsTotal.WithLabelValues(string(raw.Kind), "duplicate").Inc()
		span.SetAttributes(attribute.Bool("event.duplicate", true), attribute.Int64("event.sequence", int64(res.Sequence)))
	case err == nil:
		metrics.SubmissionsTotal.WithLabelValues(string(raw.Kind), "stored").Inc()
		span.SetAttributes(attribute.Int64("event.sequence", int64(res.Sequence)))
	case models.IsValidation(err):
		metrics.SubmissionsTotal.WithLabelValues(string(raw.Kind), "invalid").Inc()
		span.SetStatus(codes.Error, "validation failed")
	case errors.Is(err, models.ErrInvalidTransition):
		metrics.SubmissionsTotal.WithLabelValues(string(raw.Kind), "rejected").Inc()
		span.SetStatus(codes.Error, "incident resolved")
	default:
		metrics.SubmissionsTotal.WithLabelValues(string(raw.Kind), "unavailable").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (g *Gateway) submit(ctx context.Context, raw *models.RawEvent) (*models.SubmitResult, error) {
	verr := &models.ValidationError{}
	if !raw.Kind.Valid() {
		verr.Add("kind", "unknown event kind")
	} else if raw.Kind.IsAssignment() {
		verr.Add("kind", "assignment events are produced by allocation only")
	}
	if raw.IdempotencyKey != "" && !validate.IdempotencyKey(raw.IdempotencyKey) {
		verr.Add("idempotencyKey", "printable ASCII without spaces, at most 256 characters")
	}
	if raw.ProducerID == models.ProducerMatcher {
		verr.Add("producerId", "reserved")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	if raw.IdempotencyKey != "" {
		if prior, ok := g.seen.Get(raw.IdempotencyKey); ok {
			prior.Duplicate = true
			return &prior, nil
		}
	}

	occurredAt := g.now()
	if raw.OccurredAt != nil && !raw.OccurredAt.IsZero() {
		occurredAt = raw.OccurredAt.UTC()
	}
	r, err := normalize(raw.Kind, raw.Payload, occurredAt, false)
	if err != nil {
		return nil, err
	}
	if raw.Kind == models.KindIncidentUpdated && g.incidents != nil && g.incidents.Resolved(r.incidentID) {
		return nil, fmt.Errorf("incident %s is resolved: %w", r.incidentID, models.ErrInvalidTransition)
	}
	producer := raw.ProducerID
	if producer == "" {
		producer = "api"
	}
	return g.append(ctx, &models.Event{
		Kind:           raw.Kind,
		Topic:          r.topic,
		Payload:        r.payload,
		OccurredAt:     occurredAt,
		ProducerID:     producer,
		IdempotencyKey: raw.IdempotencyKey,
		Critical:       r.critical,
	})
}

// Emit appends an event produced by the allocation matcher. payload is
// marshalled to JSON and validated like any other submission.
func (g *Gateway) Emit(ctx context.Context, kind models.EventKind, payload interface{}, idempotencyKey string) (*models.SubmitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Emit", attribute.String("event.kind", string(kind)))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := g.now()
	r, err := normalize(kind, body, now, true)
	if err != nil {
		g.log.Error("Matcher produced an invalid event", zap.String("kind", string(kind)), zap.Error(err))
		return nil, err
	}
	res, err := g.append(ctx, &models.Event{
		Kind:           kind,
		Topic:          r.topic,
		Payload:        r.payload,
		OccurredAt:     now,
		ProducerID:     models.ProducerMatcher,
		IdempotencyKey: idempotencyKey,
		Critical:       r.critical,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (g *Gateway) append(ctx context.Context, ev *models.Event) (*models.SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	stored, dup, err := g.store.Append(ctx, ev)
	if err != nil {
		if !errors.Is(err, models.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
		}
		g.log.Warn("Event append failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("topic", ev.Topic),
			zap.Error(err),
		)
		return nil, err
	}

	res := models.SubmitResult{Sequence: stored.Sequence, Topic: stored.Topic}
	if ev.IdempotencyKey != "" {
		g.seen.Add(ev.IdempotencyKey, res)
	}
	if dup {
		res.Duplicate = true
		return &res, nil
	}

	if g.dispatcher != nil {
		g.dispatcher.Enqueue(stored)
	}
	if g.matcher != nil && matcherKind(stored.Kind) {
		g.matcher.Enqueue(stored)
	}
	return &res, nil
}

func matcherKind(k models.EventKind) bool {
	switch k {
	case models.KindIncidentReported, models.KindIncidentUpdated, models.KindResourceCapacityChanged:
		return true
	}
	return false
}
