// Package rooms tracks which real-time connections are subscribed to which
// topics. Subscriptions are patterns; an event topic reaches every connection
// subscribed to it or to any of its dot-separated prefixes.
package rooms

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sahyog/sahyog-backend/internal/pkg/metrics"
	"github.com/sahyog/sahyog-backend/internal/pkg/validate"
)

// Wildcard subscribes a connection to every topic.
const Wildcard = "*"

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections   int `json:"connections"`
	Rooms         int `json:"rooms"`
	Subscriptions int `json:"subscriptions"`
}

// Registry is safe for concurrent use. Membership changes come only from
// connection lifecycle calls; the dispatcher only reads.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // pattern -> connection ids
	conns map[string]map[string]struct{} // connection id -> patterns
	subs  int
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Normalize canonicalizes a subscription pattern: lowercase, with a trailing
// ".*" removed, so "region.west.*" and "region.west" name the same room.
func Normalize(topic string) string {
	t := strings.ToLower(strings.TrimSpace(topic))
	if t == Wildcard {
		return t
	}
	return strings.TrimSuffix(t, ".*")
}

// Subscribe adds connID to the room for topic. It reports whether the
// membership is new.
func (r *Registry) Subscribe(connID, topic string) (bool, error) {
	if !validate.Topic(topic) {
		return false, fmt.Errorf("invalid topic %q", topic)
	}
	room := Normalize(topic)

	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	if _, dup := members[connID]; dup {
		return false, nil
	}
	members[connID] = struct{}{}

	topics, ok := r.conns[connID]
	if !ok {
		topics = make(map[string]struct{})
		r.conns[connID] = topics
	}
	topics[room] = struct{}{}
	r.subs++
	metrics.RoomSubscriptions.Set(float64(r.subs))
	return true, nil
}

// Unsubscribe removes connID from the room for topic. It reports whether a
// membership was removed.
func (r *Registry) Unsubscribe(connID, topic string) bool {
	room := Normalize(topic)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.removeLocked(connID, room) {
		return false
	}
	if topics := r.conns[connID]; len(topics) == 0 {
		delete(r.conns, connID)
	}
	metrics.RoomSubscriptions.Set(float64(r.subs))
	return true
}

// DropConnection removes every membership of connID and returns how many
// were removed.
func (r *Registry) DropConnection(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := r.conns[connID]
	n := 0
	for room := range topics {
		if r.removeLocked(connID, room) {
			n++
		}
	}
	delete(r.conns, connID)
	metrics.RoomSubscriptions.Set(float64(r.subs))
	return n
}

func (r *Registry) removeLocked(connID, room string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	delete(r.conns[connID], room)
	r.subs--
	return true
}

// MembersOf returns every connection that should receive an event published
// under topic, including subscribers of its prefixes and of the wildcard.
func (r *Registry) MembersOf(topic string) map[string]struct{} {
	return r.Match(topic)
}

// Match returns the union of audiences for the given event topics. Each
// topic is resolved by probing its segment prefixes, so the cost depends on
// topic depth and not on the number of rooms.
func (r *Registry) Match(topics ...string) map[string]struct{} {
	out := make(map[string]struct{})
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.collectLocked(Wildcard, out)
	for _, topic := range topics {
		t := strings.ToLower(topic)
		for i := 0; i < len(t); i++ {
			if t[i] == '.' {
				r.collectLocked(t[:i], out)
			}
		}
		r.collectLocked(t, out)
	}
	return out
}

func (r *Registry) collectLocked(room string, out map[string]struct{}) {
	for id := range r.rooms[room] {
		out[id] = struct{}{}
	}
}

// TopicsOf returns the normalized patterns connID is subscribed to, sorted.
func (r *Registry) TopicsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns[connID]))
	for room := range r.conns[connID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Rooms: len(r.rooms), Subscriptions: r.subs}
}
