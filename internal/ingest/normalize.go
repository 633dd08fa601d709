package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/pkg/validate"
)

const descriptionMaxLen = 4096

// routed is a validated event body with its derived routing.
type routed struct {
	payload    []byte
	topic      string
	critical   bool
	incidentID string
}

// normalize validates payload for kind, fills generated and derived fields
// and computes the primary topic. occurredAt is already UTC. Trusted events
// come from the allocation matcher and may carry derived incident statuses.
func normalize(kind models.EventKind, payload json.RawMessage, occurredAt time.Time, trusted bool) (*routed, error) {
	verr := &models.ValidationError{}
	if len(payload) == 0 || string(payload) == "null" {
		verr.Add("payload", "required")
		return nil, verr
	}
	switch {
	case kind.IsIncident():
		return normalizeIncident(kind, payload, occurredAt, trusted, verr)
	case kind == models.KindResourceCapacityChanged:
		return normalizeResource(payload, verr)
	case kind.IsAssignment():
		return normalizeAssignment(kind, payload, verr)
	}
	verr.Add("kind", "unknown event kind")
	return nil, verr
}

func normalizeIncident(kind models.EventKind, raw json.RawMessage, occurredAt time.Time, trusted bool, verr *models.ValidationError) (*routed, error) {
	var p models.IncidentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		verr.Add("payload", "malformed: "+err.Error())
		return nil, verr
	}
	p.ID = strings.ToLower(strings.TrimSpace(p.ID))
	p.Region = strings.ToLower(strings.TrimSpace(p.Region))

	reported := kind == models.KindIncidentReported
	if p.ID == "" && reported {
		p.ID = "inc-" + uuid.New().String()
	}
	if !validate.ID(p.ID) {
		verr.Add("payload.id", "required; alphanumeric, '-' or '_'")
	}
	if !validate.Region(p.Region) {
		verr.Add("payload.region", "required; lowercase alphanumeric with inner hyphens")
	}
	if reported || p.Type != "" {
		if !p.Type.Valid() {
			verr.Add("payload.type", "must be one of Flood, Fire, Earthquake, Medical, Other")
		}
	}
	if reported || p.Severity != "" {
		if !p.Severity.Valid() {
			verr.Add("payload.severity", "must be one of Low, Medium, High, Critical")
		}
	}
	switch {
	case p.Location == nil && reported:
		verr.Add("payload.location", "required")
	case p.Location != nil && !validate.Coordinates(p.Location.Lat, p.Location.Lng):
		verr.Add("payload.location", "lat must be within [-90,90] and lng within [-180,180]")
	}
	if len(p.Description) > descriptionMaxLen {
		verr.Add("payload.description", "too long")
	}
	switch {
	case reported && p.Status != "" && p.Status != models.IncidentOpen:
		verr.Add("payload.status", "new incidents start Open")
	case !reported && trusted && p.Status != "" && p.Status != models.IncidentOpen &&
		p.Status != models.IncidentAssigned && p.Status != models.IncidentResolved:
		verr.Add("payload.status", "unknown status")
	case !reported && !trusted && p.Status != "" && p.Status != models.IncidentResolved:
		verr.Add("payload.status", "only Resolved may be set; other statuses are derived by allocation")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	if reported {
		p.Status = models.IncidentOpen
		if p.CreatedAt.IsZero() {
			p.CreatedAt = occurredAt
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &routed{
		payload:    body,
		topic:      models.IncidentRegionTopic(p.Region, p.ID),
		critical:   p.Severity == models.SeverityCritical,
		incidentID: p.ID,
	}, nil
}

func normalizeResource(raw json.RawMessage, verr *models.ValidationError) (*routed, error) {
	var p models.ResourcePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		verr.Add("payload", "malformed: "+err.Error())
		return nil, verr
	}
	p.ID = strings.ToLower(strings.TrimSpace(p.ID))
	p.Region = strings.ToLower(strings.TrimSpace(p.Region))
	if !validate.ID(p.ID) {
		verr.Add("payload.id", "required; alphanumeric, '-' or '_'")
	}
	if !p.Type.Valid() {
		verr.Add("payload.type", "must be one of Shelter, Medical, FoodSupply, ResponseTeam")
	}
	if !validate.Region(p.Region) {
		verr.Add("payload.region", "required; lowercase alphanumeric with inner hyphens")
	}
	switch {
	case p.Location == nil:
		verr.Add("payload.location", "required")
	case !validate.Coordinates(p.Location.Lat, p.Location.Lng):
		verr.Add("payload.location", "lat must be within [-90,90] and lng within [-180,180]")
	}
	if p.TotalCapacity == nil {
		verr.Add("payload.totalCapacity", "required")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &routed{payload: body, topic: models.ResourceRegionTopic(p.Region, p.Type, p.ID)}, nil
}

func normalizeAssignment(kind models.EventKind, raw json.RawMessage, verr *models.ValidationError) (*routed, error) {
	var p models.AssignmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		verr.Add("payload", "malformed: "+err.Error())
		return nil, verr
	}
	if !validate.ID(p.ID) {
		verr.Add("payload.id", "required")
	}
	if !validate.ID(p.IncidentID) {
		verr.Add("payload.incidentId", "required")
	}
	if !validate.ID(p.ResourceID) {
		verr.Add("payload.resourceId", "required")
	}
	if !p.ResourceType.Valid() {
		verr.Add("payload.resourceType", "invalid")
	}
	if !validate.Region(p.Region) {
		verr.Add("payload.region", "required")
	}
	if kind == models.KindAssignmentCreated && p.Quantity == 0 {
		verr.Add("payload.quantity", "must be positive")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &routed{payload: body, topic: models.AssignmentRegionTopic(p.Region, p.ID)}, nil
}
