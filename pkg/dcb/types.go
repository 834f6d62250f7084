// Package dcb defines the event and stream primitives shared by every
// executor in the runtime: the event shape, stream identity, the
// Dynamic Consistency Boundary scope, and the store contract they are
// read and written through.
package dcb

import "time"

// Category classifies an event for routing and retention purposes.
type Category string

const (
	CategoryDomain      Category = "domain"
	CategoryIntegration Category = "integration"
	CategoryTrigger     Category = "trigger"
	CategoryFat         Category = "fat"
)

// ValidCategories is the closed set registries validate against.
var ValidCategories = map[Category]bool{
	CategoryDomain:      true,
	CategoryIntegration: true,
	CategoryTrigger:     true,
	CategoryFat:         true,
}

// Metadata carries the cross-cutting identifiers every event records.
type Metadata struct {
	CorrelationID string `json:"correlationId"`
	CausationID   string `json:"causationId"`
	UserID        string `json:"userId,omitempty"`
}

// Event is an immutable fact appended to a stream. Once appended it is
// never mutated or deleted; (StreamType, StreamID, StreamVersion) is
// unique, and GlobalPosition increases strictly across the entire log.
type Event struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	StreamType     string    `json:"streamType"`
	StreamID       string    `json:"streamId"`
	StreamVersion  int64     `json:"streamVersion"`
	GlobalPosition int64     `json:"globalPosition"`
	Timestamp      time.Time `json:"timestamp"`
	Category       Category  `json:"category"`
	SchemaVersion  int       `json:"schemaVersion"`
	Payload        []byte    `json:"payload"`
	Metadata       Metadata  `json:"metadata"`
	Tags           []Tag     `json:"tags,omitempty"`
}

// InputEvent is the event shape a decider produces, before the store
// assigns it an EventID, StreamVersion and GlobalPosition. Tags name the
// entities this event concerns (e.g. productId, orderId) independent of
// the stream it is appended to, so a tag-based Query can gather an
// entity's history across streams when a DCB operation's consistency
// boundary spans more than one.
type InputEvent struct {
	EventType     string
	Category      Category
	SchemaVersion int
	Payload       []byte
	Metadata      Metadata
	Tags          []Tag
}

// Tag is a key-value pair used to filter events in a Query. Kept narrow
// and internal to
// the store layer; executors address streams by (StreamType, StreamID),
// never by tag.
type Tag struct {
	Key   string
	Value string
}

// QueryItem is one atomic filter: event types AND tags. Multiple items
// in a Query are combined with OR.
type QueryItem struct {
	EventTypes []string
	Tags       []Tag
}

// Query selects events for Read or ReadChannel. The idempotency probe
// (LookupByCommandID) and LoadCMS do not take a Query.
type Query struct {
	Items []QueryItem
}

// NewQuery builds a single-item Query over the given event types and
// tags, the common case.
func NewQuery(eventTypes []string, tags ...Tag) Query {
	return Query{Items: []QueryItem{{EventTypes: eventTypes, Tags: tags}}}
}

// ReadOptions configures a read. A nil *ReadOptions reads the whole
// matching set in ascending order.
type ReadOptions struct {
	FromPosition int64
	Limit        int
	Descending   bool
	BatchSize    int // not read by the memory or Postgres adapters
}

// SequencedEvents bundles a read's events with the global position of
// the last event returned (the highest one on an ascending read), the
// cursor a follow-up read passes as ReadOptions.FromPosition.
type SequencedEvents struct {
	Events   []Event
	Position int64
}

// AppendResult is returned by a successful append. EventIDs and
// GlobalPositions are parallel to the input events slice.
type AppendResult struct {
	NewVersion      int64
	EventIDs        []string
	GlobalPositions []int64
}

// ScopeKey is the tenant:{tenantId}:{scopeType}:{scopeId} coordination
// key a DCB operation commits against.
type ScopeKey string

// Scope is the DCB coordination boundary record: the set of streams an
// atomic multi-entity operation touches, plus the version counter that
// is CAS'd on every commit.
type Scope struct {
	Key            ScopeKey
	CurrentVersion int64
	StreamIDs      []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CommandID is the idempotency key of a command. Never persisted as a
// first-class record; it surfaces only as an event's CausationID.
type CommandID string

// StateProjector folds a stream's events into a CMS-shaped value. Used
// by LoadCMS (called from the orchestrator's entity handler) to rebuild
// state for the decider. The idempotency probe does not use it.
type StateProjector struct {
	Query        Query
	InitialState any
	TransitionFn func(state any, event Event) any
}
