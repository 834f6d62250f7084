// Package integration translates domain events into integration
// events (Published Language) and routes them to subscribers, with an
// anti-corruption layer for the inbound direction.
package integration

import (
	"fmt"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// IntegrationEvent is the minimal cross-context fact a route publishes:
// IDs and the minimum facts an external bounded context needs, nothing
// more.
type IntegrationEvent struct {
	EventType     string
	SchemaVersion int
	Payload       map[string]any
}

// Translator converts a domain event into an integration event, or
// reports it has nothing to say about this event type.
type Translator func(event dcb.Event) (IntegrationEvent, bool, error)

// Route is one registered source-to-destination mapping.
type Route struct {
	SourceEventType string
	Translator      Translator
	Destinations    []string
}

// Destination receives a published integration event.
type Destination interface {
	Publish(name string, event IntegrationEvent) error
}

// Publisher holds the registered outbound routes and dispatches domain
// events to their destinations.
type Publisher struct {
	routes       map[string]Route
	destinations map[string]Destination
}

// New builds a Publisher. routes are indexed by SourceEventType; a
// duplicate SourceEventType across routes is a construction error
// since translation must be unambiguous per source type.
func New(routes []Route, destinations map[string]Destination) (*Publisher, error) {
	indexed := make(map[string]Route, len(routes))
	for _, r := range routes {
		if _, dup := indexed[r.SourceEventType]; dup {
			return nil, fmt.Errorf("integration: duplicate route for source event type %q", r.SourceEventType)
		}
		if r.Translator == nil {
			return nil, fmt.Errorf("integration: route for %q has no translator", r.SourceEventType)
		}
		indexed[r.SourceEventType] = r
	}
	return &Publisher{routes: indexed, destinations: destinations}, nil
}

// Publish translates event via its registered route, if any, and
// fans the result out to every named destination. An event type with
// no registered route is a no-op, not an error.
func (p *Publisher) Publish(event dcb.Event) error {
	route, ok := p.routes[event.EventType]
	if !ok {
		return nil
	}
	integrationEvent, applicable, err := route.Translator(event)
	if err != nil {
		return fmt.Errorf("integration: translate %q: %w", event.EventType, err)
	}
	if !applicable {
		return nil
	}
	for _, destName := range route.Destinations {
		dest, ok := p.destinations[destName]
		if !ok {
			return fmt.Errorf("integration: unknown destination %q for route %q", destName, event.EventType)
		}
		if err := dest.Publish(destName, integrationEvent); err != nil {
			return fmt.Errorf("integration: publish %q to %q: %w", integrationEvent.EventType, destName, err)
		}
	}
	return nil
}

// ACLTranslator adapts a foreign integration event shape into this
// bounded context's own vocabulary on the way in.
type ACLTranslator func(raw map[string]any) (any, error)

// InboundSchema is the registration-time shape validation an incoming
// integration event type must satisfy before its ACL translator runs.
type InboundSchema struct {
	EventType      string
	RequiredFields []string
	Translate      ACLTranslator
}

// ErrUnknownIntegrationEvent is returned for an incoming integration
// event type with no registered schema, the integration-boundary
// counterpart of the domain-facing rejection codes.
type ErrUnknownIntegrationEvent struct{ EventType string }

func (e *ErrUnknownIntegrationEvent) Error() string {
	return fmt.Sprintf("integration: unknown inbound event type %q", e.EventType)
}

// ErrMissingRequiredField reports a registered inbound event missing a
// field its schema requires.
type ErrMissingRequiredField struct {
	EventType string
	Field     string
}

func (e *ErrMissingRequiredField) Error() string {
	return fmt.Sprintf("integration: event %q missing required field %q", e.EventType, e.Field)
}

// Inbound validates and translates incoming integration events through
// registered ACL schemas.
type Inbound struct {
	schemas map[string]InboundSchema
}

// NewInbound builds an Inbound registry, indexed by EventType.
func NewInbound(schemas []InboundSchema) (*Inbound, error) {
	indexed := make(map[string]InboundSchema, len(schemas))
	for _, s := range schemas {
		if _, dup := indexed[s.EventType]; dup {
			return nil, fmt.Errorf("integration: duplicate inbound schema for %q", s.EventType)
		}
		if s.Translate == nil {
			return nil, fmt.Errorf("integration: inbound schema for %q has no translator", s.EventType)
		}
		indexed[s.EventType] = s
	}
	return &Inbound{schemas: indexed}, nil
}

// Translate validates raw against its registered schema (rejecting
// unknown event types with ErrUnknownIntegrationEvent and missing
// fields with ErrMissingRequiredField) and runs the ACL translator.
func (i *Inbound) Translate(eventType string, raw map[string]any) (any, error) {
	schema, ok := i.schemas[eventType]
	if !ok {
		return nil, &ErrUnknownIntegrationEvent{EventType: eventType}
	}
	for _, field := range schema.RequiredFields {
		if _, present := raw[field]; !present {
			return nil, &ErrMissingRequiredField{EventType: eventType, Field: field}
		}
	}
	return schema.Translate(raw)
}
