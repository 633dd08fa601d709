package models

import (
	"strings"
	"time"
)

// AssignmentState is the lifecycle state of an assignment.
type AssignmentState string

const (
	AssignmentPending    AssignmentState = "Pending"
	AssignmentDispatched AssignmentState = "Dispatched"
	AssignmentCompleted  AssignmentState = "Completed"
	AssignmentCancelled  AssignmentState = "Cancelled"
)

// Active reports whether the assignment still holds capacity.
func (s AssignmentState) Active() bool { return s != AssignmentCancelled }

// Terminal reports whether no further transitions are allowed.
func (s AssignmentState) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentCancelled
}

// Assignment binds a quantity of one resource to one incident.
type Assignment struct {
	ID           string          `json:"id"`
	IncidentID   string          `json:"incidentId"`
	ResourceID   string          `json:"resourceId"`
	ResourceType ResourceType    `json:"resourceType"`
	Region       string          `json:"region"`
	Quantity     uint            `json:"quantity"`
	State        AssignmentState `json:"state"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// AssignmentPayload is the payload of all Assignment* events.
type AssignmentPayload struct {
	ID           string          `json:"id"`
	IncidentID   string          `json:"incidentId"`
	ResourceID   string          `json:"resourceId"`
	ResourceType ResourceType    `json:"resourceType"`
	Region       string          `json:"region"`
	Quantity     uint            `json:"quantity"`
	State        AssignmentState `json:"state,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	Reason       string          `json:"reason,omitempty"`
}

// AssignmentRegionTopic is the primary routing topic for assignment events.
func AssignmentRegionTopic(region, id string) string {
	return "region." + strings.ToLower(region) + ".assignments." + strings.ToLower(id)
}

// Payload converts an assignment into its event payload.
func (a *Assignment) Payload() AssignmentPayload {
	return AssignmentPayload{
		ID:           a.ID,
		IncidentID:   a.IncidentID,
		ResourceID:   a.ResourceID,
		ResourceType: a.ResourceType,
		Region:       a.Region,
		Quantity:     a.Quantity,
		State:        a.State,
		CreatedAt:    a.CreatedAt,
	}
}
