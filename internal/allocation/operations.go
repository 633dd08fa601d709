package allocation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"

	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/metrics"
)

var errNoEmitter = errors.New("allocation: no emitter configured")

// LogReader replays the event log.
type LogReader interface {
	ReadFrom(ctx context.Context, from uint64, filter models.EventFilter) iter.Seq2[*models.Event, error]
}

// Recover rebuilds incidents, resources and the ledger from the event log.
// Recorded assignments are applied as they were; nothing is matched until
// Run starts. Must be called before Run and before events are handed off.
func (m *Matcher) Recover(ctx context.Context, log LogReader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ev, err := range log.ReadFrom(ctx, m.recovered+1, models.EventFilter{}) {
		if err != nil {
			return fmt.Errorf("recover allocation state: %w", err)
		}
		m.applyLocked(ev, false)
		m.recovered = ev.Sequence
		n++
	}
	metrics.OpenIncidents.Set(float64(m.openCountLocked()))
	m.log.Info("Allocation state recovered",
		zap.Int("events", n),
		zap.Uint64("through", m.recovered),
		zap.Int("incidents", len(m.incidents)),
		zap.Int("resources", len(m.resources)),
		zap.Int("assignments", len(m.assignments)),
	)
	return nil
}

// Dispatch marks a pending assignment as dispatched.
func (m *Matcher) Dispatch(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	return m.transition(ctx, assignmentID, models.KindAssignmentDispatched, models.AssignmentPending)
}

// Complete marks a pending or dispatched assignment as completed. Its units
// stay consumed.
func (m *Matcher) Complete(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	return m.transition(ctx, assignmentID, models.KindAssignmentCompleted, models.AssignmentPending, models.AssignmentDispatched)
}

// Cancel cancels a pending or dispatched assignment, returns its units to
// the resource and rematches. The freed units go to waiting incidents in
// priority order before any other event is applied.
func (m *Matcher) Cancel(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	return m.transition(ctx, assignmentID, models.KindAssignmentCancelled, models.AssignmentPending, models.AssignmentDispatched)
}

// transition records kind for an assignment currently in one of from, then
// applies it. The event is stored before the ledger changes.
func (m *Matcher) transition(ctx context.Context, id string, kind models.EventKind, from ...models.AssignmentState) (*models.Assignment, error) {
	next := stateFor(kind)

	m.mu.Lock()
	as, ok := m.assignments[id]
	if !ok || !as.durable {
		m.mu.Unlock()
		return nil, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	if as.busy || !allowed(as.a.State, from) {
		state := as.a.State
		m.mu.Unlock()
		return nil, fmt.Errorf("assignment %s is %s, cannot become %s: %w", id, state, next, models.ErrInvalidTransition)
	}
	as.busy = true
	payload := as.a.Payload()
	payload.State = next
	m.mu.Unlock()

	err := m.emit(ctx, kind, payload, "")

	m.mu.Lock()
	as.busy = false
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.transitionLocked(as, next, m.now())
	var out outcome
	if next == models.AssignmentCancelled {
		out = m.rematchLocked()
		out.touch(as.a.IncidentID)
	}
	metrics.AssignmentsTotal.WithLabelValues(string(next)).Inc()
	metrics.OpenIncidents.Set(float64(m.openCountLocked()))
	a := as.a
	m.mu.Unlock()

	m.publish(ctx, out)
	return &a, nil
}

func allowed(s models.AssignmentState, from []models.AssignmentState) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

// Resolve closes an incident. Resolved incidents are never matched again;
// their assignments are left as they are.
func (m *Matcher) Resolve(ctx context.Context, incidentID string) (*models.Incident, error) {
	m.mu.Lock()
	st, ok := m.incidents[incidentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("incident %s: %w", incidentID, models.ErrNotFound)
	}
	if st.inc.MatchState == models.MatchResolved {
		m.mu.Unlock()
		return nil, fmt.Errorf("incident %s is already resolved: %w", incidentID, models.ErrInvalidTransition)
	}
	payload := models.IncidentPayload{
		ID:        st.inc.ID,
		Region:    st.inc.Region,
		Status:    models.IncidentResolved,
		CreatedAt: st.inc.CreatedAt,
	}
	m.mu.Unlock()

	if err := m.emit(ctx, models.KindIncidentUpdated, payload, ""); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st.inc.UpdatedAt = m.now()
	m.resolveLocked(st)
	inc := st.inc
	return &inc, nil
}

// Resolved reports whether incidentID is known and resolved.
func (m *Matcher) Resolved(incidentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.incidents[incidentID]
	return ok && st.inc.MatchState == models.MatchResolved
}

// Incident returns an incident with its assignments in creation order.
func (m *Matcher) Incident(id string) (*models.IncidentAssignments, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, models.ErrNotFound)
	}
	inc := st.inc
	out := &models.IncidentAssignments{Incident: &inc, Assignments: []*models.Assignment{}}
	for _, aid := range m.byIncident[id] {
		if as, ok := m.assignments[aid]; ok && as.durable {
			a := as.a
			out.Assignments = append(out.Assignments, &a)
		}
	}
	return out, nil
}

// Incidents returns every known incident in matching priority order.
func (m *Matcher) Incidents() []*models.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Incident, 0, len(m.incidents))
	for _, st := range m.incidents {
		inc := st.inc
		out = append(out, &inc)
	}
	sort.Slice(out, func(i, j int) bool { return priorityLess(out[i], out[j]) })
	return out
}

// Resources returns every known resource sorted by id.
func (m *Matcher) Resources() []*models.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Resource, 0, len(m.resources))
	for _, s := range m.resources {
		res, _ := s.snapshot()
		out = append(out, &res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Committed returns the units of resourceID held by active assignments, as
// recorded by the ledger.
func (m *Matcher) Committed(resourceID string) (uint, bool) {
	m.mu.Lock()
	s, ok := m.resources[resourceID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	_, committed := s.snapshot()
	return committed, true
}
