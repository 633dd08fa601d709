package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
)

// Submitter accepts inbound events.
type Submitter interface {
	Submit(ctx context.Context, raw *models.RawEvent) (*models.SubmitResult, error)
}

// Replayer serves pages of the event log.
type Replayer interface {
	Page(ctx context.Context, from uint64, filter models.EventFilter, limit int) (*models.EventPage, error)
}

// Allocations is the allocation matcher's query and operator surface.
type Allocations interface {
	Incident(id string) (*models.IncidentAssignments, error)
	Incidents() []*models.Incident
	Resources() []*models.Resource
	Dispatch(ctx context.Context, assignmentID string) (*models.Assignment, error)
	Complete(ctx context.Context, assignmentID string) (*models.Assignment, error)
	Cancel(ctx context.Context, assignmentID string) (*models.Assignment, error)
	Resolve(ctx context.Context, incidentID string) (*models.Incident, error)
}

// Handler manages HTTP request handlers
type Handler struct {
	ingest      Submitter
	log         Replayer
	allocations Allocations
	pageLimit   int
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler. pageLimit caps GET /events pages.
func NewHandler(ingest Submitter, log Replayer, allocations Allocations, pageLimit int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageLimit <= 0 {
		pageLimit = 500
	}
	return &Handler{
		ingest:      ingest,
		log:         log,
		allocations: allocations,
		pageLimit:   pageLimit,
		logger:      logger,
	}
}

// SetupRoutes configures API routes on the /api/v1 subrouter.
func SetupRoutes(router *mux.Router, h *Handler) {
	// Event log
	router.HandleFunc("/events", h.SubmitEvent).Methods(http.MethodPost)
	router.HandleFunc("/events", h.ListEvents).Methods(http.MethodGet)

	// Allocation queries
	router.HandleFunc("/incidents", h.ListIncidents).Methods(http.MethodGet)
	router.HandleFunc("/incidents/{id}/assignments", h.GetIncidentAssignments).Methods(http.MethodGet)
	router.HandleFunc("/resources", h.ListResources).Methods(http.MethodGet)

	// Operator actions
	router.HandleFunc("/incidents/{id}/resolve", h.ResolveIncident).Methods(http.MethodPost)
	router.HandleFunc("/assignments/{id}/{action:dispatch|complete|cancel}", h.TransitionAssignment).Methods(http.MethodPost)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
