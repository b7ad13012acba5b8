package types

import "time"

// Priority orders the broadcaster's per-level delivery workers (spec §4.C).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every level in worst-to-best delivery order, used when
// wiring one worker per level.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

// DeliveryMode selects how a BroadcastEvent's target set is computed.
type DeliveryMode string

const (
	DeliveryBroadcast DeliveryMode = "broadcast"
	DeliveryTargeted  DeliveryMode = "targeted"
	DeliveryFiltered  DeliveryMode = "filtered"
	DeliveryUnicast   DeliveryMode = "unicast"
)

// ClientInterest is a client-declared filter used in "filtered" delivery
// (spec §3 Client Interest).
type ClientInterest struct {
	ClientID      string
	TopicPatterns []string
	EventTypes    map[string]bool
	Metadata      map[string]any
	CreatedAt     time.Time
	LastUpdated   time.Time
}

// Matches reports whether the interest applies to a message on the given
// topic, optionally constrained by event type.
func (ci ClientInterest) Matches(topic string, eventType string) bool {
	if len(ci.EventTypes) > 0 && eventType != "" && !ci.EventTypes[eventType] {
		return false
	}
	for _, p := range ci.TopicPatterns {
		if GlobMatch(p, topic) {
			return true
		}
	}
	return false
}

// DeliveryFilter composes the broadcaster's "filtered" delivery predicate
// (spec §4.C filter composition: exclude beats include, include if
// non-empty is restrictive, kind/permission sets intersect, topics
// disjunct, custom predicate is the final gate).
type DeliveryFilter struct {
	IncludeClients map[string]bool
	ExcludeClients map[string]bool
	ClientKinds    map[string]bool
	Permissions    map[string]bool
	TopicPatterns  []string
	Custom         func(clientID string, interest ClientInterest) bool
}

// Allows evaluates the filter against a candidate client.
func (f *DeliveryFilter) Allows(clientID string, kind string, perms map[string]bool, interest ClientInterest, topic string) bool {
	if f == nil {
		return true
	}
	if f.ExcludeClients[clientID] {
		return false
	}
	if len(f.IncludeClients) > 0 && !f.IncludeClients[clientID] {
		return false
	}
	if len(f.ClientKinds) > 0 && !f.ClientKinds[kind] {
		return false
	}
	if len(f.Permissions) > 0 {
		ok := false
		for p := range f.Permissions {
			if perms[p] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.TopicPatterns) > 0 {
		matched := false
		for _, p := range f.TopicPatterns {
			if GlobMatch(p, topic) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.Custom != nil && !f.Custom(clientID, interest) {
		return false
	}
	return true
}

// BroadcastEvent is one fan-out job processed by a priority worker
// (spec §3 Broadcast Event).
type BroadcastEvent struct {
	EventID       string
	Message       Message
	Priority      Priority
	DeliveryMode  DeliveryMode
	Filter        *DeliveryFilter
	TargetClients []string
	RetryCount    int
	DeliveredTo   []string
	FailedClients []string
	CreatedAt     time.Time
}
