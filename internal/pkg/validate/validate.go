// Package validate provides input validation for identifiers, topics and coordinates
// used on the ingest path and the real-time channel.
package validate

import (
	"math"
	"regexp"
	"strings"
)

// IDMaxLen is the maximum allowed length for incident, resource and assignment ids.
const IDMaxLen = 128

// TopicMaxLen bounds subscription and routing topics.
const TopicMaxLen = 512

// IdempotencyKeyMaxLen bounds client-supplied idempotency keys.
const IdempotencyKeyMaxLen = 256

// Region token: lowercase alphanumeric with inner hyphens, e.g. "west", "mumbai-north".
var regionRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Topic segment: same alphabet as ids, lowercase.
var segmentRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ID validates an entity id: alphanumeric, hyphen, underscore; 1–IDMaxLen.
func ID(id string) bool {
	if id == "" || len(id) > IDMaxLen {
		return false
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}

// Region validates a region token after lowercasing; max 64 chars.
func Region(region string) bool {
	if region == "" || len(region) > 64 {
		return false
	}
	return regionRe.MatchString(strings.ToLower(region))
}

// Topic validates a dot-separated topic or subscription pattern. A trailing
// ".*" and the lone "*" wildcard are accepted.
func Topic(topic string) bool {
	if topic == "*" {
		return true
	}
	topic = strings.TrimSuffix(strings.ToLower(topic), ".*")
	if topic == "" || len(topic) > TopicMaxLen {
		return false
	}
	for _, seg := range strings.Split(topic, ".") {
		if !segmentRe.MatchString(seg) {
			return false
		}
	}
	return true
}

// Coordinates validates a WGS84 latitude/longitude pair.
func Coordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// IdempotencyKey validates a client token: printable ASCII without spaces; 1–IdempotencyKeyMaxLen.
func IdempotencyKey(key string) bool {
	if key == "" || len(key) > IdempotencyKeyMaxLen {
		return false
	}
	for _, r := range key {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}
