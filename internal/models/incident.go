package models

import (
	"strings"
	"time"
)

// IncidentType classifies the disaster an incident reports.
type IncidentType string

const (
	IncidentFlood      IncidentType = "Flood"
	IncidentFire       IncidentType = "Fire"
	IncidentEarthquake IncidentType = "Earthquake"
	IncidentMedical    IncidentType = "Medical"
	IncidentOther      IncidentType = "Other"
)

func (t IncidentType) Valid() bool {
	switch t {
	case IncidentFlood, IncidentFire, IncidentEarthquake, IncidentMedical, IncidentOther:
		return true
	}
	return false
}

// Severity orders incidents for matching priority.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

func (s Severity) Valid() bool { return s.Rank() > 0 }

// Rank returns 1 (Low) through 4 (Critical), 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IncidentStatus is the externally visible lifecycle state.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "Open"
	IncidentAssigned IncidentStatus = "Assigned"
	IncidentResolved IncidentStatus = "Resolved"
)

// MatchState is the matcher's view of an incident.
type MatchState string

const (
	MatchOpen              MatchState = "Open"
	MatchRequested         MatchState = "MatchRequested"
	MatchPartiallyAssigned MatchState = "PartiallyAssigned"
	MatchAssigned          MatchState = "Assigned"
	MatchResolved          MatchState = "Resolved"
)

// Status maps a match state onto the public incident status. A partial
// match keeps the incident Open.
func (m MatchState) Status() IncidentStatus {
	switch m {
	case MatchAssigned:
		return IncidentAssigned
	case MatchResolved:
		return IncidentResolved
	}
	return IncidentOpen
}

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Incident is the matcher's record of a reported incident.
type Incident struct {
	ID          string         `json:"id"`
	Type        IncidentType   `json:"type"`
	Severity    Severity       `json:"severity"`
	Location    Location       `json:"location"`
	Region      string         `json:"region"`
	Description string         `json:"description,omitempty"`
	ReportedBy  string         `json:"reportedBy,omitempty"`
	Status      IncidentStatus `json:"status"`
	MatchState  MatchState     `json:"matchState"`
	Requested   uint           `json:"requested"`
	Allocated   uint           `json:"allocated"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// IncidentPayload is the payload of IncidentReported and IncidentUpdated.
// On updates, zero-valued fields leave the current value unchanged.
type IncidentPayload struct {
	ID          string         `json:"id"`
	Type        IncidentType   `json:"type,omitempty"`
	Severity    Severity       `json:"severity,omitempty"`
	Location    *Location      `json:"location,omitempty"`
	Region      string         `json:"region"`
	Description string         `json:"description,omitempty"`
	ReportedBy  string         `json:"reportedBy,omitempty"`
	Status      IncidentStatus `json:"status,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// IncidentTopic is the alias audience for a single incident.
func IncidentTopic(id string) string {
	return "incident." + strings.ToLower(id)
}

// IncidentRegionTopic is the primary routing topic for incident events.
func IncidentRegionTopic(region, id string) string {
	return "region." + strings.ToLower(region) + ".incidents." + strings.ToLower(id)
}

// IncidentAssignments is the response of the allocation query.
type IncidentAssignments struct {
	Incident    *Incident     `json:"incident"`
	Assignments []*Assignment `json:"assignments"`
}
