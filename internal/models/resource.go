package models

import (
	"strings"
	"time"
)

// ResourceType classifies a response resource.
type ResourceType string

const (
	ResourceShelter      ResourceType = "Shelter"
	ResourceMedical      ResourceType = "Medical"
	ResourceFoodSupply   ResourceType = "FoodSupply"
	ResourceResponseTeam ResourceType = "ResponseTeam"
)

func (t ResourceType) Valid() bool {
	switch t {
	case ResourceShelter, ResourceMedical, ResourceFoodSupply, ResourceResponseTeam:
		return true
	}
	return false
}

// Resource is a unit pool owned by the allocation matcher.
// 0 <= AvailableCapacity <= TotalCapacity always holds.
type Resource struct {
	ID                string       `json:"id"`
	Name              string       `json:"name,omitempty"`
	Type              ResourceType `json:"type"`
	Region            string       `json:"region"`
	Location          Location     `json:"location"`
	TotalCapacity     uint         `json:"totalCapacity"`
	AvailableCapacity uint         `json:"availableCapacity"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// ResourcePayload is the payload of ResourceCapacityChanged. TotalCapacity is
// absolute; the available amount is derived by the matcher.
type ResourcePayload struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	Type          ResourceType `json:"type"`
	Region        string       `json:"region"`
	Location      *Location    `json:"location"`
	TotalCapacity *uint        `json:"totalCapacity"`
}

// ResourceTopic is the alias audience for a resource-type channel.
func ResourceTopic(t ResourceType, id string) string {
	return "resource." + strings.ToLower(string(t)) + "." + strings.ToLower(id)
}

// ResourceRegionTopic is the primary routing topic for resource events.
func ResourceRegionTopic(region string, t ResourceType, id string) string {
	return "region." + strings.ToLower(region) + ".resources." + strings.ToLower(string(t)) + "." + strings.ToLower(id)
}
