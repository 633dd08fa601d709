package rest

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/logger"
)

// ListIncidents handles GET /incidents in matching priority order.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents := h.allocations.Incidents()
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	respondJSON(w, http.StatusOK, incidents)
}

// GetIncidentAssignments handles GET /incidents/{id}/assignments
func (h *Handler) GetIncidentAssignments(w http.ResponseWriter, r *http.Request) {
	result, err := h.allocations.Incident(strings.ToLower(mux.Vars(r)["id"]))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if result.Assignments == nil {
		result.Assignments = []*models.Assignment{}
	}
	respondJSON(w, http.StatusOK, result)
}

// ListResources handles GET /resources
func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	resources := h.allocations.Resources()
	if resources == nil {
		resources = []*models.Resource{}
	}
	respondJSON(w, http.StatusOK, resources)
}

// ResolveIncident handles POST /incidents/{id}/resolve
func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(mux.Vars(r)["id"])
	incident, err := h.allocations.Resolve(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.logger.Info("Incident resolved",
		zap.String("request_id", logger.FromContext(r.Context())),
		zap.String("incident_id", id),
	)
	respondJSON(w, http.StatusOK, incident)
}

// TransitionAssignment handles POST /assignments/{id}/{dispatch|complete|cancel}
func (h *Handler) TransitionAssignment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := strings.ToLower(vars["id"]), vars["action"]

	var (
		assignment *models.Assignment
		err        error
	)
	switch action {
	case "dispatch":
		assignment, err = h.allocations.Dispatch(r.Context(), id)
	case "complete":
		assignment, err = h.allocations.Complete(r.Context(), id)
	case "cancel":
		assignment, err = h.allocations.Cancel(r.Context(), id)
	default:
		respondErrorWithCode(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.logger.Info("Assignment transitioned",
		zap.String("request_id", logger.FromContext(r.Context())),
		zap.String("assignment_id", id),
		zap.String("state", string(assignment.State)),
	)
	respondJSON(w, http.StatusOK, assignment)
}
