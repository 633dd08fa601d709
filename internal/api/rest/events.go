package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/validate"
	"github.com/sahyog/sahyog-backend/internal/rooms"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body.
const IdempotencyKeyHeader = "Idempotency-Key"

// SubmitEvent handles POST /events. A replayed idempotency key answers 200
// with the original sequence; a new event answers 201.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var raw models.RawEvent
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondErrorWithCode(w, r, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, "request body too large")
			return
		}
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		if raw.IdempotencyKey != "" && raw.IdempotencyKey != key {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "idempotency key in header and body differ")
			return
		}
		raw.IdempotencyKey = key
	}

	res, err := h.ingest.Submit(r.Context(), &raw)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// ListEvents handles GET /events?from=&topic=&kind=&limit=. Clients resume
// with from=nextFrom until the page comes back empty.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := uint64(1)
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "from must be a sequence number")
			return
		}
		from = n
	}
	limit := h.pageLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.pageLimit)
	}

	var filter models.EventFilter
	if topic := q.Get("topic"); topic != "" {
		if !validate.Topic(topic) {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "topic must be a dot-separated prefix, optionally ending in .*")
			return
		}
		// Same rooms as live subscriptions; "*" replays everything.
		if room := rooms.Normalize(topic); room != rooms.Wildcard {
			filter.TopicPrefix = room
		}
	}
	for _, k := range q["kind"] {
		kind := models.EventKind(k)
		if !kind.Valid() {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown event kind "+k)
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	page, err := h.log.Page(r.Context(), from, filter, limit)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if page.Events == nil {
		page.Events = []*models.Event{}
	}
	respondJSON(w, http.StatusOK, page)
}
