// Package orchestrator executes commands end-to-end: idempotency
// dedup, handler invocation, event persistence, inline projection
// dispatch, and publish to the async event bus.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/decider"
)

// HandlerResult is what a domain handler returns: the decider's
// Decision plus where to append its event.
type HandlerResult struct {
	Decision        decider.Decision
	StreamType      string
	StreamID        string
	ExpectedVersion int64
}

// HandlerFunc loads CMS, invokes the decider, and reports where to
// persist the outcome. handlerArgs is whatever Config.ToHandlerArgs
// produced.
type HandlerFunc func(ctx context.Context, handlerArgs any) (HandlerResult, error)

// ProjectionHandler applies one event to a read model. Implementations
// must be idempotent on event.GlobalPosition.
type ProjectionHandler func(ctx context.Context, event dcb.Event, data any) error

// ProjectionConfig names one projection dispatch target.
type ProjectionConfig struct {
	Name             string
	Handler          ProjectionHandler
	GetPartitionKey  func(event dcb.Event) string
	ToProjectionArgs func(event dcb.Event, data any) any
}

// DeadLetter records a projection dispatch failure; it does not roll
// back the already-appended event; events are facts.
type DeadLetter struct {
	SubscriptionName string
	Event            dcb.Event
	Error            string
}

// DeadLetterSink persists dead letters produced by failed inline
// projection dispatch.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

// Publisher is the narrow slice of the event bus the orchestrator
// needs: enqueue one event for asynchronous subscribers.
type Publisher interface {
	Publish(ctx context.Context, event dcb.Event) error
}

// Config is one command type's full wiring.
type Config struct {
	CommandType          string
	BoundedContext       string
	Category             dcb.Category
	SchemaVersion        int
	Handler              HandlerFunc
	ToHandlerArgs        func(args any, commandID, correlationID string) any
	Projection           ProjectionConfig
	SecondaryProjections []ProjectionConfig
	FailedProjection     *ProjectionConfig
	// DeriveCommandID extracts a caller-supplied commandId from args, or
	// "" to mint a fresh one. A supplied id is used verbatim, enabling
	// cross-process retries.
	DeriveCommandID func(args any) string
	// DeriveCorrelationID extracts a caller-supplied correlationId, or
	// "" to default it to commandId.
	DeriveCorrelationID func(args any) string
}

// ResultKind discriminates Result: success | rejected | failed | conflict.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultRejected
	ResultFailed
	ResultConflict
)

// Result is Execute's outcome.
type Result struct {
	Kind           ResultKind
	Data           any
	Version        int64
	EventID        string
	GlobalPosition int64
	Code           string
	Reason         string
	Context        any
	CurrentVersion int64
	// Replayed is true when this Result was reconstructed from a prior
	// event rather than produced by a fresh handler invocation:
	// replaying a command returns the recorded result, not a new one.
	Replayed bool
}

// Orchestrator executes commands against an event store, dispatching
// projections inline and publishing to the bus.
type Orchestrator struct {
	Events      dcb.EventStore
	Bus         Publisher
	DeadLetters DeadLetterSink
	// Logger receives structured fields (commandId, streamId, eventId)
	// for every execution; defaults to a no-op logger so callers that
	// never set it (most tests) see no output. Set to obslog.L() (or a
	// scoped child of it) to get production logging.
	Logger *zap.Logger
}

// New builds an Orchestrator. bus and deadLetters may be nil if the
// caller never configures async subscribers or projection dead-lettering.
func New(events dcb.EventStore, bus Publisher, deadLetters DeadLetterSink) *Orchestrator {
	return &Orchestrator{Events: events, Bus: bus, DeadLetters: deadLetters, Logger: zap.NewNop()}
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Execute runs cfg against args end-to-end: dedup by commandId, invoke
// the handler, append the decided event, dispatch projections inline,
// publish to the bus.
func (o *Orchestrator) Execute(ctx context.Context, cfg Config, args any) (Result, error) {
	commandID := ""
	if cfg.DeriveCommandID != nil {
		commandID = cfg.DeriveCommandID(args)
	}
	if commandID == "" {
		commandID = uuid.New().String()
	}

	if prior, found, err := o.Events.LookupByCommandID(ctx, dcb.CommandID(commandID)); err != nil {
		return Result{}, err
	} else if found {
		o.logger().Info("command replayed", zap.String("commandId", commandID), zap.String("commandType", cfg.CommandType), zap.String("eventId", prior.EventID))
		return resultFromPriorEvent(*prior), nil
	}

	correlationID := ""
	if cfg.DeriveCorrelationID != nil {
		correlationID = cfg.DeriveCorrelationID(args)
	}
	if correlationID == "" {
		correlationID = commandID
	}

	handlerArgs := args
	if cfg.ToHandlerArgs != nil {
		handlerArgs = cfg.ToHandlerArgs(args, commandID, correlationID)
	}

	handlerResult, err := cfg.Handler(ctx, handlerArgs)
	if err != nil {
		return Result{}, err
	}
	decision := handlerResult.Decision

	if decision.Kind == decider.KindRejected {
		o.logger().Warn("command rejected", zap.String("commandId", commandID), zap.String("commandType", cfg.CommandType), zap.String("code", decision.Code))
		return Result{Kind: ResultRejected, Code: decision.Code, Reason: decision.Message, Context: decision.Context}, nil
	}

	eventType := decision.EventType
	if decision.Kind == decider.KindFailed {
		eventType = decision.FailedEventType
	}
	payload, err := marshalEventPayload(decision)
	if err != nil {
		return Result{}, err
	}

	appendResult, err := o.Events.Append(ctx, handlerResult.StreamType, handlerResult.StreamID, handlerResult.ExpectedVersion, []dcb.InputEvent{{
		EventType:     eventType,
		Category:      cfg.Category,
		SchemaVersion: cfg.SchemaVersion,
		Payload:       payload,
		Metadata:      dcb.Metadata{CorrelationID: correlationID, CausationID: commandID},
	}})
	if err != nil {
		if concErr, ok := dcb.AsConcurrencyError(err); ok {
			o.logger().Info("command conflict", zap.String("commandId", commandID), zap.String("streamId", handlerResult.StreamID), zap.Int64("currentVersion", concErr.ActualVersion))
			return Result{Kind: ResultConflict, CurrentVersion: concErr.ActualVersion}, nil
		}
		return Result{}, err
	}

	event := dcb.Event{
		EventType:      eventType,
		StreamType:     handlerResult.StreamType,
		StreamID:       handlerResult.StreamID,
		StreamVersion:  appendResult.NewVersion,
		GlobalPosition: appendResult.GlobalPositions[0],
		EventID:        appendResult.EventIDs[0],
		Category:       cfg.Category,
		SchemaVersion:  cfg.SchemaVersion,
		Payload:        payload,
		Metadata:       dcb.Metadata{CorrelationID: correlationID, CausationID: commandID},
	}

	o.logger().Info("event appended", zap.String("eventId", event.EventID), zap.String("eventType", event.EventType), zap.String("streamId", event.StreamID), zap.Int64("globalPosition", event.GlobalPosition))

	o.dispatchProjections(ctx, cfg, decision, event)

	if o.Bus != nil {
		if err := o.Bus.Publish(ctx, event); err != nil {
			// Publish failures are fatal to the command: the event is
			// already durable, but the caller must know async delivery
			// did not get scheduled.
			return Result{}, fmt.Errorf("orchestrator: publish event %s: %w", event.EventID, err)
		}
	}

	result := Result{
		Version:        appendResult.NewVersion,
		EventID:        event.EventID,
		GlobalPosition: event.GlobalPosition,
	}
	if decision.Kind == decider.KindFailed {
		result.Kind = ResultFailed
		result.Reason = decision.Reason
		result.Context = decision.Context
	} else {
		result.Kind = ResultSuccess
		result.Data = decision.Payload
	}
	return result, nil
}

func (o *Orchestrator) dispatchProjections(ctx context.Context, cfg Config, decision decider.Decision, event dcb.Event) {
	dispatch := func(p ProjectionConfig) {
		if p.Handler == nil {
			return
		}
		var data any
		if p.ToProjectionArgs != nil {
			data = p.ToProjectionArgs(event, decision.Payload)
		}
		if err := p.Handler(ctx, event, data); err != nil {
			o.logger().Error("projection dispatch failed", zap.String("subscriptionName", p.Name), zap.String("eventId", event.EventID), zap.Error(err))
			if o.DeadLetters != nil {
				_ = o.DeadLetters.Record(ctx, DeadLetter{SubscriptionName: p.Name, Event: event, Error: err.Error()})
			}
		}
	}

	if decision.Kind == decider.KindFailed {
		if cfg.FailedProjection != nil {
			dispatch(*cfg.FailedProjection)
		}
		return
	}
	dispatch(cfg.Projection)
	for _, p := range cfg.SecondaryProjections {
		dispatch(p)
	}
}

func marshalEventPayload(decision decider.Decision) ([]byte, error) {
	v := decision.Payload
	if decision.Kind == decider.KindFailed {
		v = decision.Context
	}
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal event payload: %w", err)
	}
	return b, nil
}

// resultFromPriorEvent reconstructs a replayed command's Result from its
// recorded event (Data is the event payload decoded from JSON). It always
// reports ResultSuccess: the orchestrator does not persist which
// Decision kind produced the recorded event, so a replayed "failed"
// command is reported as success with the failure event's own payload
// rather than as ResultFailed. Callers that need to tell the two apart
// on replay should inspect event.EventType against their failure event
// vocabulary.
func resultFromPriorEvent(event dcb.Event) Result {
	var data any
	_ = json.Unmarshal(event.Payload, &data)
	return Result{
		Kind:           ResultSuccess,
		Data:           data,
		Version:        event.StreamVersion,
		EventID:        event.EventID,
		GlobalPosition: event.GlobalPosition,
		Replayed:       true,
	}
}
