// Package registry holds typed, immutable metadata for commands,
// events, projections, and process managers, each validated once at
// construction rather than on every lookup.
package registry

import (
	"fmt"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// CommandDefinition names one command type and the events it may
// produce.
type CommandDefinition struct {
	CommandType string
	Events      []string
}

// CommandRegistry enforces unique commandType and a declared-events
// subset of the registered EventRegistry.
type CommandRegistry struct {
	byType map[string]CommandDefinition
}

// NewCommandRegistry validates defs against events and builds the
// registry. It fails construction rather than at lookup time so a
// misconfigured command can never reach a running executor.
func NewCommandRegistry(defs []CommandDefinition, events *EventRegistry) (*CommandRegistry, error) {
	byType := make(map[string]CommandDefinition, len(defs))
	for _, d := range defs {
		if d.CommandType == "" {
			return nil, fmt.Errorf("registry: command definition has empty commandType")
		}
		if _, dup := byType[d.CommandType]; dup {
			return nil, fmt.Errorf("registry: duplicate commandType %q", d.CommandType)
		}
		for _, eventType := range d.Events {
			if events != nil && !events.Has(eventType) {
				return nil, fmt.Errorf("registry: command %q declares unregistered event %q", d.CommandType, eventType)
			}
		}
		byType[d.CommandType] = d
	}
	return &CommandRegistry{byType: byType}, nil
}

// Get looks up a command definition by type.
func (r *CommandRegistry) Get(commandType string) (CommandDefinition, bool) {
	d, ok := r.byType[commandType]
	return d, ok
}

// EventDefinition names one event type's schema metadata.
type EventDefinition struct {
	EventType     string
	SchemaVersion int
	Category      dcb.Category
}

// nounPastSuffixes is the advisory noun-past naming convention for
// event types; it is checked but never rejects a registration, only
// surfaced via IsNounPast.
var nounPastSuffixes = []string{"ed", "Failed", "Created", "Cancelled"}

// EventRegistry enforces schemaVersion >= 0 and category membership in
// the closed category set.
type EventRegistry struct {
	byType map[string]EventDefinition
}

// NewEventRegistry validates defs and builds the registry.
func NewEventRegistry(defs []EventDefinition) (*EventRegistry, error) {
	byType := make(map[string]EventDefinition, len(defs))
	for _, d := range defs {
		if d.EventType == "" {
			return nil, fmt.Errorf("registry: event definition has empty eventType")
		}
		if _, dup := byType[d.EventType]; dup {
			return nil, fmt.Errorf("registry: duplicate eventType %q", d.EventType)
		}
		if d.SchemaVersion < 0 {
			return nil, fmt.Errorf("registry: event %q has negative schemaVersion", d.EventType)
		}
		if !dcb.ValidCategories[d.Category] {
			return nil, fmt.Errorf("registry: event %q has invalid category %q", d.EventType, d.Category)
		}
		byType[d.EventType] = d
	}
	return &EventRegistry{byType: byType}, nil
}

// Has reports whether eventType is registered.
func (r *EventRegistry) Has(eventType string) bool {
	_, ok := r.byType[eventType]
	return ok
}

// Get looks up an event definition by type.
func (r *EventRegistry) Get(eventType string) (EventDefinition, bool) {
	d, ok := r.byType[eventType]
	return d, ok
}

// IsNounPast reports whether eventType follows the advisory
// noun-past-tense naming convention. Registration never fails this
// check; callers may log a warning for a mismatch.
func IsNounPast(eventType string) bool {
	for _, suffix := range nounPastSuffixes {
		if len(eventType) > len(suffix) && eventType[len(eventType)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// ProjectionCategory controls client exposure; only view projections
// are client-exposed.
type ProjectionCategory string

const (
	ProjectionLogic       ProjectionCategory = "logic"
	ProjectionView        ProjectionCategory = "view"
	ProjectionReporting   ProjectionCategory = "reporting"
	ProjectionIntegration ProjectionCategory = "integration"
)

var validProjectionCategories = map[ProjectionCategory]bool{
	ProjectionLogic: true, ProjectionView: true, ProjectionReporting: true, ProjectionIntegration: true,
}

// ProjectionDefinition names one registered projection.
type ProjectionDefinition struct {
	ProjectionName     string
	EventSubscriptions []string
	Category           ProjectionCategory
}

// ClientExposed reports whether this projection's category makes it
// directly queryable by a UI client.
func (d ProjectionDefinition) ClientExposed() bool { return d.Category == ProjectionView }

// ProjectionRegistry enforces unique projectionName, non-empty
// eventSubscriptions, and a valid category.
type ProjectionRegistry struct {
	byName map[string]ProjectionDefinition
}

// NewProjectionRegistry validates defs and builds the registry.
func NewProjectionRegistry(defs []ProjectionDefinition) (*ProjectionRegistry, error) {
	byName := make(map[string]ProjectionDefinition, len(defs))
	for _, d := range defs {
		if d.ProjectionName == "" {
			return nil, fmt.Errorf("registry: projection definition has empty projectionName")
		}
		if _, dup := byName[d.ProjectionName]; dup {
			return nil, fmt.Errorf("registry: duplicate projectionName %q", d.ProjectionName)
		}
		if len(d.EventSubscriptions) == 0 {
			return nil, fmt.Errorf("registry: projection %q has no eventSubscriptions", d.ProjectionName)
		}
		if !validProjectionCategories[d.Category] {
			return nil, fmt.Errorf("registry: projection %q has invalid category %q", d.ProjectionName, d.Category)
		}
		byName[d.ProjectionName] = d
	}
	return &ProjectionRegistry{byName: byName}, nil
}

// Get looks up a projection definition by name.
func (r *ProjectionRegistry) Get(name string) (ProjectionDefinition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// PMKind distinguishes what triggers a process manager.
type PMKind string

const (
	PMEventTriggered PMKind = "event"
	PMTimeTriggered  PMKind = "time"
	PMHybrid         PMKind = "hybrid"
)

// PMDefinition names one registered process manager.
type PMDefinition struct {
	PMName             string
	Kind               PMKind
	EventSubscriptions []string
	CronConfig         string
}

// PMRegistry enforces that event-triggered PMs declare at least one
// subscription and time/hybrid PMs declare a cronConfig.
type PMRegistry struct {
	byName map[string]PMDefinition
}

// NewPMRegistry validates defs and builds the registry.
func NewPMRegistry(defs []PMDefinition) (*PMRegistry, error) {
	byName := make(map[string]PMDefinition, len(defs))
	for _, d := range defs {
		if d.PMName == "" {
			return nil, fmt.Errorf("registry: PM definition has empty pmName")
		}
		if _, dup := byName[d.PMName]; dup {
			return nil, fmt.Errorf("registry: duplicate pmName %q", d.PMName)
		}
		switch d.Kind {
		case PMEventTriggered:
			if len(d.EventSubscriptions) == 0 {
				return nil, fmt.Errorf("registry: event-triggered PM %q requires at least one subscription", d.PMName)
			}
		case PMTimeTriggered, PMHybrid:
			if d.CronConfig == "" {
				return nil, fmt.Errorf("registry: %s PM %q requires a cronConfig", d.Kind, d.PMName)
			}
			if d.Kind == PMHybrid && len(d.EventSubscriptions) == 0 {
				return nil, fmt.Errorf("registry: hybrid PM %q requires at least one subscription", d.PMName)
			}
		default:
			return nil, fmt.Errorf("registry: PM %q has unknown kind %q", d.PMName, d.Kind)
		}
		byName[d.PMName] = d
	}
	return &PMRegistry{byName: byName}, nil
}

// Get looks up a PM definition by name.
func (r *PMRegistry) Get(name string) (PMDefinition, bool) {
	d, ok := r.byName[name]
	return d, ok
}
