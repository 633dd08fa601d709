package models

import (
	"encoding/json"
	"time"
)

// ProducerMatcher marks events emitted by the allocation matcher.
const ProducerMatcher = "allocation-matcher"

// EventKind identifies the kind of fact recorded in the event log.
type EventKind string

const (
	KindIncidentReported        EventKind = "IncidentReported"
	KindIncidentUpdated         EventKind = "IncidentUpdated"
	KindResourceCapacityChanged EventKind = "ResourceCapacityChanged"
	KindAssignmentCreated       EventKind = "AssignmentCreated"
	KindAssignmentDispatched    EventKind = "AssignmentDispatched"
	KindAssignmentCompleted     EventKind = "AssignmentCompleted"
	KindAssignmentCancelled     EventKind = "AssignmentCancelled"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindIncidentReported, KindIncidentUpdated, KindResourceCapacityChanged,
		KindAssignmentCreated, KindAssignmentDispatched, KindAssignmentCompleted, KindAssignmentCancelled:
		return true
	}
	return false
}

// IsIncident reports whether events of this kind carry an IncidentPayload.
func (k EventKind) IsIncident() bool {
	return k == KindIncidentReported || k == KindIncidentUpdated
}

// IsAssignment reports whether events of this kind carry an AssignmentPayload.
func (k EventKind) IsAssignment() bool {
	switch k {
	case KindAssignmentCreated, KindAssignmentDispatched, KindAssignmentCompleted, KindAssignmentCancelled:
		return true
	}
	return false
}

// Event is an immutable record in the event log. Sequence and RecordedAt are
// assigned by the store on append.
type Event struct {
	Sequence       uint64          `json:"sequence"`
	Kind           EventKind       `json:"kind"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurredAt"`
	RecordedAt     time.Time       `json:"recordedAt"`
	ProducerID     string          `json:"producerId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Critical       bool            `json:"critical,omitempty"`
}

// Audiences returns the primary topic followed by the alias topics derived
// from the payload. The result depends only on the event itself.
func (e *Event) Audiences() []string {
	out := []string{e.Topic}
	switch {
	case e.Kind.IsIncident():
		var p IncidentPayload
		if json.Unmarshal(e.Payload, &p) == nil && p.ID != "" {
			out = append(out, IncidentTopic(p.ID))
		}
	case e.Kind == KindResourceCapacityChanged:
		var p ResourcePayload
		if json.Unmarshal(e.Payload, &p) == nil && p.ID != "" {
			out = append(out, ResourceTopic(p.Type, p.ID))
		}
	case e.Kind.IsAssignment():
		var p AssignmentPayload
		if json.Unmarshal(e.Payload, &p) == nil && p.ID != "" {
			out = append(out, IncidentTopic(p.IncidentID)+".assignments", ResourceTopic(p.ResourceType, p.ResourceID))
		}
	}
	return out
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// RawEvent is an inbound event as submitted by an external collaborator.
type RawEvent struct {
	Kind           EventKind       `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	ProducerID     string          `json:"producerId,omitempty"`
	OccurredAt     *time.Time      `json:"occurredAt,omitempty"`
}

// SubmitResult is returned to the caller once an event is durably stored.
type SubmitResult struct {
	Sequence  uint64 `json:"sequence"`
	Topic     string `json:"topic"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// EventFilter narrows a log read.
type EventFilter struct {
	// TopicPrefix matches any audience topic on segment boundaries; empty matches all.
	TopicPrefix string
	Kinds       []EventKind
}

// EventPage is one page of a replay read.
type EventPage struct {
	Events   []*Event `json:"events"`
	NextFrom uint64   `json:"nextFrom"`
}

// WebSocketMessage is the envelope pushed to real-time clients.
type WebSocketMessage struct {
	Type         string    `json:"type"` // welcome, event, resync, ack, error
	ConnectionID string    `json:"connectionId,omitempty"`
	Topic        string    `json:"topic,omitempty"`
	Event        *Event    `json:"event,omitempty"`
	FromSequence uint64    `json:"fromSequence,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ClientCommand is a message sent by a real-time client.
type ClientCommand struct {
	Action string `json:"action"` // subscribe, unsubscribe
	Topic  string `json:"topic"`
}
