// Package allocation matches incidents to nearby resources and owns the
// capacity ledger. Every capacity change is the effect of an event: incident
// and capacity events flow in from ingestion, and each reservation is
// published back to the event log as an assignment event.
package allocation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/metrics"
)

// Emitter appends matcher-produced events to the event log.
type Emitter interface {
	Emit(ctx context.Context, kind models.EventKind, payload interface{}, idempotencyKey string) (*models.SubmitResult, error)
}

type Options struct {
	Policy *Policy
	// RematchInterval triggers a periodic scan of unsatisfied incidents; 0 disables it.
	RematchInterval time.Duration
	// EmitTimeout bounds a single emitted append.
	EmitTimeout time.Duration
	// EmitRetries bounds attempts to record one assignment per pass.
	EmitRetries uint
	Logger      *zap.Logger
}

type incidentState struct {
	inc       models.Incident
	lastSeq   uint64
	published models.IncidentStatus
}

type assignmentState struct {
	a           models.Assignment
	durable     bool // AssignmentCreated committed
	unconfirmed bool // creation append failed ambiguously; units held, retried under the same key
	busy        bool // operator transition in flight
}

// Matcher is safe for concurrent use. mu guards the incident and assignment
// tables and serializes matching passes; capacity counters live in per-
// resource slots with their own locks. Events are emitted only after mu is
// released.
type Matcher struct {
	policy      atomic.Pointer[Policy]
	emitter     Emitter
	log         *zap.Logger
	interval    time.Duration
	emitTimeout time.Duration
	emitRetries uint
	now         func() time.Time
	newID       func() string

	queue *queue
	kick  chan struct{}

	mu          sync.Mutex
	incidents   map[string]*incidentState
	resources   map[string]*slot
	assignments map[string]*assignmentState
	byIncident  map[string][]string
	// recovered is the last sequence applied by Recover; handed-off events
	// at or below it were already replayed.
	recovered uint64
}

func NewMatcher(opts Options) *Matcher {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.EmitTimeout <= 0 {
		opts.EmitTimeout = 5 * time.Second
	}
	if opts.EmitRetries == 0 {
		opts.EmitRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Matcher{
		log:         opts.Logger,
		interval:    opts.RematchInterval,
		emitTimeout: opts.EmitTimeout,
		emitRetries: opts.EmitRetries,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return "asg-" + uuid.New().String() },
		queue:       newQueue(),
		kick:        make(chan struct{}, 1),
		incidents:   make(map[string]*incidentState),
		resources:   make(map[string]*slot),
		assignments: make(map[string]*assignmentState),
		byIncident:  make(map[string][]string),
	}
	m.policy.Store(opts.Policy)
	return m
}

// SetEmitter wires the event log write path. It must be called before Run.
func (m *Matcher) SetEmitter(e Emitter) { m.emitter = e }

// SetPolicy swaps the active policy and schedules a rematch.
func (m *Matcher) SetPolicy(p *Policy) {
	m.policy.Store(p)
	m.requestRematch()
}

func (m *Matcher) Policy() *Policy { return m.policy.Load() }

// Enqueue hands a stored event to the matcher. The queue is unbounded so no
// incident or capacity change is ever lost between the log and the ledger.
func (m *Matcher) Enqueue(ev *models.Event) { m.queue.push(ev) }

func (m *Matcher) requestRematch() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run applies queued events and rematches until ctx is cancelled. An initial
// rematch serves incidents left unsatisfied before a restart.
func (m *Matcher) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if m.interval > 0 {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		tick = t.C
	}
	m.log.Info("Starting allocation matcher", zap.Duration("rematch_interval", m.interval))
	m.Rematch(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Allocation matcher stopped")
			return nil
		case <-m.queue.ready:
			for _, ev := range m.queue.drain() {
				m.Handle(ctx, ev)
			}
		case <-m.kick:
			m.Rematch(ctx)
		case <-tick:
			m.Rematch(ctx)
		}
	}
}

// Handle applies one stored event and runs the matching it triggers.
func (m *Matcher) Handle(ctx context.Context, ev *models.Event) {
	var out outcome
	m.mu.Lock()
	if ev.Sequence > m.recovered {
		out = m.applyLocked(ev, true)
	}
	m.mu.Unlock()
	m.publish(ctx, out)
}

// Rematch re-runs matching for every open or partially assigned incident,
// most severe first and oldest first within a severity.
func (m *Matcher) Rematch(ctx context.Context) {
	m.mu.Lock()
	out := m.rematchLocked()
	m.mu.Unlock()
	m.publish(ctx, out)
}

// outcome collects what a locked section decided to publish.
type outcome struct {
	created []*models.Assignment
	touched map[string]struct{}
}

func (o *outcome) touch(incidentID string) {
	if o.touched == nil {
		o.touched = make(map[string]struct{})
	}
	o.touched[incidentID] = struct{}{}
}

func (o *outcome) merge(other outcome) {
	o.created = append(o.created, other.created...)
	for id := range other.touched {
		o.touch(id)
	}
}

// applyLocked folds ev into the state. With live set, new incidents and
// capacity changes trigger matching; during recovery they do not.
func (m *Matcher) applyLocked(ev *models.Event, live bool) outcome {
	var out outcome
	switch ev.Kind {
	case models.KindIncidentReported:
		var p models.IncidentPayload
		if err := ev.DecodePayload(&p); err != nil {
			m.log.Warn("Skipping undecodable incident", zap.Uint64("sequence", ev.Sequence), zap.Error(err))
			return out
		}
		st := m.reportLocked(ev, &p)
		if st != nil && live {
			out.merge(m.matchLocked(st))
			out.touch(st.inc.ID)
		}
	case models.KindIncidentUpdated:
		var p models.IncidentPayload
		if err := ev.DecodePayload(&p); err != nil {
			m.log.Warn("Skipping undecodable incident update", zap.Uint64("sequence", ev.Sequence), zap.Error(err))
			return out
		}
		// Status announcements are derived from assignments; only a
		// resolution carries state of its own.
		if ev.ProducerID == models.ProducerMatcher && p.Status != models.IncidentResolved {
			return out
		}
		if st := m.updateLocked(ev, &p); st != nil && live {
			out.merge(m.matchLocked(st))
			out.touch(st.inc.ID)
		}
	case models.KindResourceCapacityChanged:
		var p models.ResourcePayload
		if err := ev.DecodePayload(&p); err != nil {
			m.log.Warn("Skipping undecodable capacity change", zap.Uint64("sequence", ev.Sequence), zap.Error(err))
			return out
		}
		if m.capacityLocked(ev, &p) && live {
			out.merge(m.rematchLocked())
		}
	case models.KindAssignmentCreated, models.KindAssignmentDispatched,
		models.KindAssignmentCompleted, models.KindAssignmentCancelled:
		var p models.AssignmentPayload
		if err := ev.DecodePayload(&p); err != nil {
			m.log.Warn("Skipping undecodable assignment", zap.Uint64("sequence", ev.Sequence), zap.Error(err))
			return out
		}
		m.replayAssignmentLocked(ev, &p)
	}
	return out
}

func (m *Matcher) reportLocked(ev *models.Event, p *models.IncidentPayload) *incidentState {
	if _, exists := m.incidents[p.ID]; exists {
		return nil
	}
	pol := m.policy.Load()
	created := p.CreatedAt
	if created.IsZero() {
		created = ev.OccurredAt
	}
	st := &incidentState{
		inc: models.Incident{
			ID:          p.ID,
			Type:        p.Type,
			Severity:    p.Severity,
			Region:      p.Region,
			Description: p.Description,
			ReportedBy:  p.ReportedBy,
			Status:      models.IncidentOpen,
			MatchState:  models.MatchOpen,
			Requested:   pol.Requested(p.Severity),
			CreatedAt:   created,
			UpdatedAt:   ev.OccurredAt,
		},
		lastSeq:   ev.Sequence,
		published: models.IncidentOpen,
	}
	if p.Location != nil {
		st.inc.Location = *p.Location
	}
	m.incidents[p.ID] = st
	return st
}

func (m *Matcher) updateLocked(ev *models.Event, p *models.IncidentPayload) *incidentState {
	st, ok := m.incidents[p.ID]
	if !ok || ev.Sequence < st.lastSeq || st.inc.MatchState == models.MatchResolved {
		return nil
	}
	st.lastSeq = ev.Sequence
	st.inc.UpdatedAt = ev.OccurredAt
	if p.Status == models.IncidentResolved {
		m.resolveLocked(st)
		return nil
	}
	if p.Type != "" {
		st.inc.Type = p.Type
	}
	if p.Severity != "" {
		st.inc.Severity = p.Severity
		st.inc.Requested = m.policy.Load().Requested(p.Severity)
	}
	if p.Location != nil {
		st.inc.Location = *p.Location
	}
	if p.Description != "" {
		st.inc.Description = p.Description
	}
	m.refreshLocked(st)
	return st
}

func (m *Matcher) resolveLocked(st *incidentState) {
	st.inc.MatchState = models.MatchResolved
	st.inc.Status = models.IncidentResolved
	st.published = models.IncidentResolved
	metrics.OpenIncidents.Set(float64(m.openCountLocked()))
}

// capacityLocked applies an absolute capacity report and reports whether the
// resource gained available units.
func (m *Matcher) capacityLocked(ev *models.Event, p *models.ResourcePayload) bool {
	s, ok := m.resources[p.ID]
	if !ok {
		s = &slot{res: models.Resource{ID: p.ID}}
		m.resources[p.ID] = s
	} else if ev.Sequence < s.lastSeq {
		return false
	}
	before := s.available()

	s.mu.Lock()
	s.lastSeq = ev.Sequence
	s.res.Name = p.Name
	s.res.Type = p.Type
	s.res.Region = p.Region
	if p.Location != nil {
		s.res.Location = *p.Location
	}
	s.mu.Unlock()

	var total uint
	if p.TotalCapacity != nil {
		total = *p.TotalCapacity
	}
	if s.setTotal(total, ev.OccurredAt) {
		m.log.Warn("Capacity report below committed units; keeping committed total",
			zap.String("resource_id", p.ID), zap.Uint("reported", total))
	}
	return s.available() > before || !ok
}

func (m *Matcher) replayAssignmentLocked(ev *models.Event, p *models.AssignmentPayload) {
	if ev.Kind == models.KindAssignmentCreated {
		if _, exists := m.assignments[p.ID]; exists {
			return
		}
		s, ok := m.resources[p.ResourceID]
		if !ok {
			m.log.Warn("Assignment references unknown resource", zap.String("assignment_id", p.ID), zap.String("resource_id", p.ResourceID))
			return
		}
		if s.commit(p.Quantity) {
			m.log.Warn("Recorded assignments exceed reported capacity; raising total",
				zap.String("resource_id", p.ResourceID), zap.String("assignment_id", p.ID))
		}
		m.assignments[p.ID] = &assignmentState{
			a: models.Assignment{
				ID:           p.ID,
				IncidentID:   p.IncidentID,
				ResourceID:   p.ResourceID,
				ResourceType: p.ResourceType,
				Region:       p.Region,
				Quantity:     p.Quantity,
				State:        models.AssignmentPending,
				CreatedAt:    p.CreatedAt,
				UpdatedAt:    ev.OccurredAt,
			},
			durable: true,
		}
		m.byIncident[p.IncidentID] = append(m.byIncident[p.IncidentID], p.ID)
		if st, ok := m.incidents[p.IncidentID]; ok {
			st.inc.Allocated += p.Quantity
			m.refreshLocked(st)
			st.published = st.inc.Status
		}
		return
	}
	as, ok := m.assignments[p.ID]
	if !ok || as.a.State.Terminal() {
		return
	}
	m.transitionLocked(as, stateFor(ev.Kind), ev.OccurredAt)
	if st, ok := m.incidents[as.a.IncidentID]; ok {
		st.published = st.inc.Status
	}
}

func stateFor(kind models.EventKind) models.AssignmentState {
	switch kind {
	case models.KindAssignmentDispatched:
		return models.AssignmentDispatched
	case models.KindAssignmentCompleted:
		return models.AssignmentCompleted
	case models.KindAssignmentCancelled:
		return models.AssignmentCancelled
	}
	return models.AssignmentPending
}

// transitionLocked moves an assignment to next. Cancelling returns its units
// to the resource and reopens the incident's demand.
func (m *Matcher) transitionLocked(as *assignmentState, next models.AssignmentState, at time.Time) {
	as.a.State = next
	as.a.UpdatedAt = at
	if next != models.AssignmentCancelled {
		return
	}
	if s, ok := m.resources[as.a.ResourceID]; ok {
		s.release(as.a.Quantity)
	}
	if st, ok := m.incidents[as.a.IncidentID]; ok {
		st.inc.Allocated -= min(as.a.Quantity, st.inc.Allocated)
		m.refreshLocked(st)
	}
}

// refreshLocked recomputes the derived match state of an unresolved incident.
func (m *Matcher) refreshLocked(st *incidentState) {
	if st.inc.MatchState == models.MatchResolved {
		return
	}
	switch {
	case st.inc.Requested > 0 && st.inc.Allocated >= st.inc.Requested:
		st.inc.MatchState = models.MatchAssigned
	case st.inc.Allocated > 0:
		st.inc.MatchState = models.MatchPartiallyAssigned
	case st.inc.MatchState != models.MatchOpen:
		st.inc.MatchState = models.MatchRequested
	}
	st.inc.Status = st.inc.MatchState.Status()
}

type candidate struct {
	s       *slot
	dist    float64
	primary bool
}

// candidatesLocked ranks the resources that may serve st: acceptable type,
// free units and within the severity's radius; nearest first, then primary
// type, then id.
func (m *Matcher) candidatesLocked(st *incidentState, pol *Policy) []candidate {
	types := pol.Types(st.inc.Type)
	if len(types) == 0 {
		return nil
	}
	radius := pol.RadiusKm(st.inc.Severity)
	var out []candidate
	for _, s := range m.resources {
		res, _ := s.snapshot()
		idx := -1
		for i, t := range types {
			if t == res.Type {
				idx = i
				break
			}
		}
		if idx < 0 || res.AvailableCapacity == 0 {
			continue
		}
		d := DistanceKm(st.inc.Location, res.Location)
		if d > radius {
			continue
		}
		out = append(out, candidate{s: s, dist: d, primary: idx == 0})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		if out[i].primary != out[j].primary {
			return out[i].primary
		}
		return out[i].s.res.ID < out[j].s.res.ID
	})
	return out
}

// matchLocked greedily reserves units for st's unmet demand. Each
// reservation is one critical section on the resource's slot.
func (m *Matcher) matchLocked(st *incidentState) outcome {
	var out outcome
	if st.inc.MatchState == models.MatchResolved {
		return out
	}
	pol := m.policy.Load()
	if st.inc.MatchState == models.MatchOpen {
		st.inc.MatchState = models.MatchRequested
	}
	need := st.inc.Requested - min(st.inc.Allocated, st.inc.Requested)
	if need == 0 {
		m.refreshLocked(st)
		return out
	}

	now := m.now()
	for _, c := range m.candidatesLocked(st, pol) {
		if need == 0 {
			break
		}
		q := c.s.reserve(need)
		if q == 0 {
			continue
		}
		res, _ := c.s.snapshot()
		as := &assignmentState{a: models.Assignment{
			ID:           m.newID(),
			IncidentID:   st.inc.ID,
			ResourceID:   res.ID,
			ResourceType: res.Type,
			Region:       st.inc.Region,
			Quantity:     q,
			State:        models.AssignmentPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}}
		m.assignments[as.a.ID] = as
		m.byIncident[st.inc.ID] = append(m.byIncident[st.inc.ID], as.a.ID)
		st.inc.Allocated += q
		need -= q
		a := as.a
		out.created = append(out.created, &a)
	}
	m.refreshLocked(st)
	out.touch(st.inc.ID)
	return out
}

func (m *Matcher) rematchLocked() outcome {
	start := time.Now()
	defer func() { metrics.MatchPassDurationSeconds.Observe(time.Since(start).Seconds()) }()

	var out outcome
	for _, as := range m.assignments {
		if as.unconfirmed {
			a := as.a
			out.created = append(out.created, &a)
			out.touch(a.IncidentID)
		}
	}

	var waiting []*incidentState
	for _, st := range m.incidents {
		if st.inc.MatchState != models.MatchResolved && st.inc.Allocated < st.inc.Requested {
			waiting = append(waiting, st)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return priorityLess(&waiting[i].inc, &waiting[j].inc) })

	for _, st := range waiting {
		out.merge(m.matchLocked(st))
	}
	return out
}

// priorityLess orders incidents most severe first, then oldest, then by id.
func priorityLess(a, b *models.Incident) bool {
	if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *Matcher) openCountLocked() int {
	n := 0
	for _, st := range m.incidents {
		if st.inc.Status == models.IncidentOpen {
			n++
		}
	}
	return n
}

// publish emits the assignments and incident status changes decided under
// the lock. An assignment rejected outright is rolled back and its incident
// stays queued for the next pass. One that may have been stored keeps its
// units until a later pass confirms it under the same idempotency key.
func (m *Matcher) publish(ctx context.Context, out outcome) {
	if len(out.created) == 0 && len(out.touched) == 0 {
		return
	}
	for _, a := range out.created {
		err := m.emitCreated(ctx, a)
		m.mu.Lock()
		as, ok := m.assignments[a.ID]
		switch {
		case !ok || as.durable:
		case err == nil:
			as.durable = true
			as.unconfirmed = false
			metrics.AssignmentsTotal.WithLabelValues(string(models.AssignmentPending)).Inc()
		case errors.Is(err, models.ErrStoreUnavailable) || ctx.Err() != nil:
			if !as.unconfirmed {
				m.log.Warn("Assignment not confirmed by the event log; holding reservation",
					zap.String("assignment_id", a.ID), zap.String("incident_id", a.IncidentID), zap.Error(err))
			}
			as.unconfirmed = true
		default:
			m.log.Warn("Assignment rejected; releasing reservation",
				zap.String("assignment_id", a.ID), zap.String("incident_id", a.IncidentID), zap.Error(err))
			m.rollbackLocked(a.ID)
		}
		m.mu.Unlock()
	}

	type change struct {
		payload models.IncidentPayload
		status  models.IncidentStatus
	}
	var changes []change
	m.mu.Lock()
	for id := range out.touched {
		st, ok := m.incidents[id]
		if !ok || st.inc.Status == st.published {
			continue
		}
		changes = append(changes, change{
			payload: models.IncidentPayload{ID: id, Region: st.inc.Region, Status: st.inc.Status, CreatedAt: st.inc.CreatedAt},
			status:  st.inc.Status,
		})
	}
	metrics.OpenIncidents.Set(float64(m.openCountLocked()))
	m.mu.Unlock()

	for _, c := range changes {
		if err := m.emit(ctx, models.KindIncidentUpdated, c.payload, ""); err != nil {
			m.log.Warn("Incident status change not recorded", zap.String("incident_id", c.payload.ID), zap.Error(err))
			continue
		}
		m.mu.Lock()
		if st, ok := m.incidents[c.payload.ID]; ok && st.inc.Status == c.status {
			st.published = c.status
		}
		m.mu.Unlock()
	}
}

func (m *Matcher) rollbackLocked(id string) {
	as, ok := m.assignments[id]
	if !ok {
		return
	}
	delete(m.assignments, id)
	ids := m.byIncident[as.a.IncidentID]
	for i, other := range ids {
		if other == id {
			m.byIncident[as.a.IncidentID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if s, ok := m.resources[as.a.ResourceID]; ok {
		s.release(as.a.Quantity)
	}
	if st, ok := m.incidents[as.a.IncidentID]; ok {
		st.inc.Allocated -= min(as.a.Quantity, st.inc.Allocated)
		m.refreshLocked(st)
	}
}

// emitCreated records a's creation, retrying storage failures with the same
// key so a commit whose acknowledgement was lost resolves as a duplicate.
func (m *Matcher) emitCreated(ctx context.Context, a *models.Assignment) error {
	key := "assignment:" + a.ID + ":created"
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.emit(ctx, models.KindAssignmentCreated, a.Payload(), key)
		if err != nil && !errors.Is(err, models.ErrStoreUnavailable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.emitRetries))
	return err
}

func (m *Matcher) emit(ctx context.Context, kind models.EventKind, payload interface{}, key string) error {
	if m.emitter == nil {
		return errNoEmitter
	}
	ctx, cancel := context.WithTimeout(ctx, m.emitTimeout)
	defer cancel()
	_, err := m.emitter.Emit(ctx, kind, payload, key)
	return err
}
