// Package upcaster is the on-read schema migration pipeline: every
// event type declares a currentVersion and an ordered chain of
// per-version migrations; stored events older than currentVersion are
// upcast on read, and the chain's completeness is checked once, at
// registry construction, rather than on every read.
package upcaster

import (
	"encoding/json"
	"fmt"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// Payload is the JSON-object shape migrations operate on. Events whose
// payload isn't a JSON object cannot be upcast and are rejected by
// Upcast.
type Payload map[string]any

// Migration transforms a payload from one schema version to the next.
type Migration func(p Payload) (Payload, error)

// Validator optionally rejects a fully-migrated payload.
type Validator func(p Payload) error

// AddFieldMigration adds field, set from value if it is a plain value,
// or from fn(p) if value is a func(Payload) any.
func AddFieldMigration(field string, valueOrFn any) Migration {
	return func(p Payload) (Payload, error) {
		next := clone(p)
		if fn, ok := valueOrFn.(func(Payload) any); ok {
			next[field] = fn(p)
		} else {
			next[field] = valueOrFn
		}
		return next, nil
	}
}

// RenameFieldMigration moves payload[oldName] to payload[newName].
func RenameFieldMigration(oldName, newName string) Migration {
	return func(p Payload) (Payload, error) {
		next := clone(p)
		v, ok := next[oldName]
		if !ok {
			return nil, fmt.Errorf("renameFieldMigration: field %q not present", oldName)
		}
		delete(next, oldName)
		next[newName] = v
		return next, nil
	}
}

func clone(p Payload) Payload {
	next := make(Payload, len(p)+1)
	for k, v := range p {
		next[k] = v
	}
	return next
}

// EventUpcaster is one event type's migration chain: fromVersion N maps
// to the migration taking a payload at version N to version N+1.
type EventUpcaster struct {
	CurrentVersion int
	Migrations     map[int]Migration
	Validate       Validator
}

// validateChain checks every version 1..CurrentVersion-1 has a
// migration, failing at construction rather than mid-upcast.
func (u EventUpcaster) validateChain(eventType string) error {
	if u.CurrentVersion < 1 {
		return fmt.Errorf("upcaster for %q: currentVersion must be >= 1, got %d", eventType, u.CurrentVersion)
	}
	for v := 1; v < u.CurrentVersion; v++ {
		if _, ok := u.Migrations[v]; !ok {
			return &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "NewRegistry", Err: fmt.Errorf("upcaster for %q: missing migration for schema version %d -> %d", eventType, v, v+1)},
				Code:            dcb.ErrMissingMigration,
				Field:           "migrations",
				Value:           fmt.Sprintf("%s:v%d", eventType, v),
			}
		}
	}
	return nil
}

// Registry maps eventType -> EventUpcaster. Unknown event types pass
// through Upcast unmodified.
type Registry struct {
	upcasters map[string]EventUpcaster
}

// NewRegistry validates every upcaster's migration chain is complete
// and returns the registry, or the first completeness error found.
func NewRegistry(upcasters map[string]EventUpcaster) (*Registry, error) {
	for eventType, u := range upcasters {
		if err := u.validateChain(eventType); err != nil {
			return nil, err
		}
	}
	copied := make(map[string]EventUpcaster, len(upcasters))
	for k, v := range upcasters {
		copied[k] = v
	}
	return &Registry{upcasters: copied}, nil
}

// Upcast migrates event's payload to its event type's currentVersion,
// applying the registered migration chain in order. Event types absent
// from the registry are returned unchanged.
func (r *Registry) Upcast(event dcb.Event) (dcb.Event, error) {
	u, ok := r.upcasters[event.EventType]
	if !ok {
		return event, nil
	}
	if event.SchemaVersion == u.CurrentVersion {
		return event, nil
	}
	if event.SchemaVersion > u.CurrentVersion {
		return dcb.Event{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "upcast", Err: fmt.Errorf("event %s has schema version %d, newer than registered current version %d", event.EventType, event.SchemaVersion, u.CurrentVersion)},
			Code:            dcb.ErrFutureVersion,
			Field:           "schemaVersion",
			Value:           fmt.Sprintf("%d", event.SchemaVersion),
		}
	}

	var payload Payload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return dcb.Event{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "upcast", Err: fmt.Errorf("event %s payload is not a JSON object: %w", event.EventType, err)},
			Field:           "payload",
			Value:           "not_an_object",
		}
	}

	for v := event.SchemaVersion; v < u.CurrentVersion; v++ {
		migrate := u.Migrations[v]
		migrated, err := migrate(payload)
		if err != nil {
			return dcb.Event{}, &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "upcast", Err: fmt.Errorf("migrating %s from v%d to v%d: %w", event.EventType, v, v+1, err)},
				Field:           "payload",
				Value:           fmt.Sprintf("v%d", v),
			}
		}
		payload = migrated
	}

	if u.Validate != nil {
		if err := u.Validate(payload); err != nil {
			return dcb.Event{}, &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "upcast", Err: fmt.Errorf("validating migrated %s: %w", event.EventType, err)},
				Code:            dcb.ErrInvalidEvent,
				Field:           "payload",
				Value:           "invalid_event",
			}
		}
	}

	migratedJSON, err := json.Marshal(payload)
	if err != nil {
		return dcb.Event{}, &dcb.EventStoreError{Op: "upcast", Err: fmt.Errorf("marshal migrated payload: %w", err)}
	}

	out := event
	out.Payload = migratedJSON
	out.SchemaVersion = u.CurrentVersion
	return out, nil
}
