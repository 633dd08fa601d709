package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahyog/sahyog-backend/internal/models"
)

type fakeSubmitter struct {
	got    *models.RawEvent
	result *models.SubmitResult
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, raw *models.RawEvent) (*models.SubmitResult, error) {
	f.got = raw
	return f.result, f.err
}

type fakeReplayer struct {
	from   uint64
	filter models.EventFilter
	limit  int
	page   *models.EventPage
	err    error
}

func (f *fakeReplayer) Page(_ context.Context, from uint64, filter models.EventFilter, limit int) (*models.EventPage, error) {
	f.from, f.filter, f.limit = from, filter, limit
	if f.page == nil {
		return &models.EventPage{NextFrom: from}, f.err
	}
	return f.page, f.err
}

type fakeAllocations struct {
	incidents   map[string]*models.IncidentAssignments
	assignments map[string]*models.Assignment
	emitErr     error
	calls       []string
}

func (f *fakeAllocations) Incident(id string) (*models.IncidentAssignments, error) {
	if ia, ok := f.incidents[id]; ok {
		return ia, nil
	}
	return nil, fmt.Errorf("incident %s: %w", id, models.ErrNotFound)
}

func (f *fakeAllocations) Incidents() []*models.Incident {
	var out []*models.Incident
	for _, ia := range f.incidents {
		out = append(out, ia.Incident)
	}
	return out
}

func (f *fakeAllocations) Resources() []*models.Resource { return nil }

func (f *fakeAllocations) move(id, action string, to models.AssignmentState) (*models.Assignment, error) {
	f.calls = append(f.calls, action+":"+id)
	if f.emitErr != nil {
		return nil, f.emitErr
	}
	a, ok := f.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	if a.State.Terminal() {
		return nil, fmt.Errorf("assignment %s is %s: %w", id, a.State, models.ErrInvalidTransition)
	}
	a.State = to
	return a, nil
}

func (f *fakeAllocations) Dispatch(_ context.Context, id string) (*models.Assignment, error) {
	return f.move(id, "dispatch", models.AssignmentDispatched)
}

func (f *fakeAllocations) Complete(_ context.Context, id string) (*models.Assignment, error) {
	return f.move(id, "complete", models.AssignmentCompleted)
}

func (f *fakeAllocations) Cancel(_ context.Context, id string) (*models.Assignment, error) {
	return f.move(id, "cancel", models.AssignmentCancelled)
}

func (f *fakeAllocations) Resolve(_ context.Context, id string) (*models.Incident, error) {
	ia, ok := f.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, models.ErrNotFound)
	}
	ia.Incident.Status = models.IncidentResolved
	return ia.Incident, nil
}

type testAPI struct {
	router      *mux.Router
	submitter   *fakeSubmitter
	replayer    *fakeReplayer
	allocations *fakeAllocations
}

func newTestAPI() *testAPI {
	api := &testAPI{
		submitter: &fakeSubmitter{result: &models.SubmitResult{Sequence: 1, Topic: "region.west.incidents.inc-1"}},
		replayer:  &fakeReplayer{},
		allocations: &fakeAllocations{
			incidents: map[string]*models.IncidentAssignments{
				"inc-1": {Incident: &models.Incident{ID: "inc-1", Status: models.IncidentOpen}},
			},
			assignments: map[string]*models.Assignment{
				"asg-1": {ID: "asg-1", State: models.AssignmentPending},
				"asg-2": {ID: "asg-2", State: models.AssignmentCompleted},
			},
		},
	}
	api.router = mux.NewRouter()
	h := NewHandler(api.submitter, api.replayer, api.allocations, 100, nil)
	SetupRoutes(api.router.PathPrefix("/api/v1").Subrouter(), h)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func TestSubmitEvent_Created(t *testing.T) {
	api := newTestAPI()
	body := []byte(`{"kind":"IncidentReported","payload":{"id":"inc-1"},"producerId":"field-app"}`)

	rec := api.do(t, http.MethodPost, "/api/v1/events", body, map[string]string{IdempotencyKeyHeader: "key-1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	var res models.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, uint64(1), res.Sequence)
	assert.Equal(t, "region.west.incidents.inc-1", res.Topic)
	require.NotNil(t, api.submitter.got)
	assert.Equal(t, "key-1", api.submitter.got.IdempotencyKey)
	assert.Equal(t, "field-app", api.submitter.got.ProducerID)
}

func TestSubmitEvent_DuplicateIs200(t *testing.T) {
	api := newTestAPI()
	api.submitter.result = &models.SubmitResult{Sequence: 4, Topic: "t", Duplicate: true}

	rec := api.do(t, http.MethodPost, "/api/v1/events", []byte(`{"kind":"IncidentReported","payload":{},"idempotencyKey":"k"}`), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)
}

func TestSubmitEvent_Errors(t *testing.T) {
	ve := &models.ValidationError{}
	ve.Add("payload.severity", "required")
	ve.Add("payload.location", "required")

	tests := []struct {
		name   string
		body   string
		header map[string]string
		err    error
		status int
		code   string
	}{
		{name: "malformed json", body: `{"kind":`, status: http.StatusBadRequest, code: ErrCodeInvalidRequest},
		{name: "conflicting keys", body: `{"kind":"IncidentReported","idempotencyKey":"a"}`, header: map[string]string{IdempotencyKeyHeader: "b"}, status: http.StatusBadRequest, code: ErrCodeInvalidRequest},
		{name: "validation", body: `{"kind":"IncidentReported","payload":{}}`, err: ve, status: http.StatusBadRequest, code: ErrCodeValidationFailed},
		{name: "store unavailable", body: `{"kind":"IncidentReported","payload":{}}`, err: fmt.Errorf("%w: timeout", models.ErrStoreUnavailable), status: http.StatusServiceUnavailable, code: ErrCodeStoreUnavailable},
		{name: "unexpected", body: `{"kind":"IncidentReported","payload":{}}`, err: errors.New("boom"), status: http.StatusInternalServerError, code: ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI()
			api.submitter.err = tt.err
			rec := api.do(t, http.MethodPost, "/api/v1/events", []byte(tt.body), tt.header)

			assert.Equal(t, tt.status, rec.Code)
			apiErr := decodeAPIError(t, rec)
			assert.Equal(t, tt.code, apiErr.Code)
			if tt.code == ErrCodeValidationFailed {
				assert.Equal(t, map[string]string{"payload.severity": "required", "payload.location": "required"}, apiErr.Details)
			}
			if tt.code == ErrCodeStoreUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestListEvents_Params(t *testing.T) {
	api := newTestAPI()
	api.replayer.page = &models.EventPage{
		Events:   []*models.Event{{Sequence: 5, Topic: "region.west.incidents.inc-1"}},
		NextFrom: 6,
	}

	rec := api.do(t, http.MethodGet, "/api/v1/events?from=5&topic=Region.West&limit=1000&kind=IncidentReported", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(5), api.replayer.from)
	assert.Equal(t, 100, api.replayer.limit, "limit is capped by the configured page size")
	assert.Equal(t, "region.west", api.replayer.filter.TopicPrefix)
	assert.Equal(t, []models.EventKind{models.KindIncidentReported}, api.replayer.filter.Kinds)
	var page models.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, uint64(6), page.NextFrom)
	require.Len(t, page.Events, 1)
}

func TestListEvents_EmptyPageHasEventsArray(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodGet, "/api/v1/events", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), api.replayer.from)
	assert.JSONEq(t, `{"events":[],"nextFrom":1}`, rec.Body.String())
}

func TestListEvents_TopicPatternsMatchSubscriptions(t *testing.T) {
	tests := []struct {
		topic  string
		prefix string
	}{
		{"region.west.*", "region.west"},
		{"Incident.INC-9", "incident.inc-9"},
		{"*", ""},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			api := newTestAPI()
			rec := api.do(t, http.MethodGet, "/api/v1/events?topic="+url.QueryEscape(tt.topic), nil, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.prefix, api.replayer.filter.TopicPrefix)
		})
	}
}

func TestListEvents_BadParams(t *testing.T) {
	for _, q := range []string{"from=abc", "limit=0", "limit=-2", "topic=region.*.west", "topic=a..b", "kind=Bogus"} {
		t.Run(q, func(t *testing.T) {
			api := newTestAPI()
			rec := api.do(t, http.MethodGet, "/api/v1/events?"+q, nil, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestIncidentAssignments(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodGet, "/api/v1/incidents/INC-1/assignments", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, mustField(t, rec.Body.Bytes(), "assignments"))

	rec = api.do(t, http.MethodGet, "/api/v1/incidents/missing/assignments", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decodeAPIError(t, rec).Code)
}

func TestListIncidentsAndResources(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodGet, "/api/v1/incidents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var incidents []models.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &incidents))
	assert.Len(t, incidents, 1)

	rec = api.do(t, http.MethodGet, "/api/v1/resources", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTransitionAssignment(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodPost, "/api/v1/assignments/asg-1/dispatch", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"Dispatched"`)

	rec = api.do(t, http.MethodPost, "/api/v1/assignments/asg-2/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeInvalidTransition, decodeAPIError(t, rec).Code)

	rec = api.do(t, http.MethodPost, "/api/v1/assignments/none/complete", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/assignments/asg-1/explode", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown actions do not match a route")

	assert.Equal(t, []string{"dispatch:asg-1", "cancel:asg-2", "complete:none"}, api.allocations.calls)
}

func TestTransitionAssignment_StoreUnavailable(t *testing.T) {
	api := newTestAPI()
	api.allocations.emitErr = fmt.Errorf("%w: closed", models.ErrStoreUnavailable)

	rec := api.do(t, http.MethodPost, "/api/v1/assignments/asg-1/complete", nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResolveIncident(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodPost, "/api/v1/incidents/inc-1/resolve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"Resolved"`)

	rec = api.do(t, http.MethodPost, "/api/v1/incidents/inc-9/resolve", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthzHandler(fakePinger{}).Live(rec, httptest.NewRequest(http.MethodGet, "/healthz/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthzHandler(fakePinger{}).Ready(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthzHandler(fakePinger{err: errors.New("database is closed")}).Ready(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store_unavailable")
}

func mustField(t *testing.T, body []byte, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	raw, ok := m[field]
	require.True(t, ok, "missing field %s", field)
	return string(raw)
}
