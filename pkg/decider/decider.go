// Package decider implements the pure (state, command) -> Decision
// function shape every aggregate handler is built from: a tagged-union
// Decision, a factory for entity-creating handlers that must tolerate
// a nil prior state, and the preValidate hook that is the one
// legitimate place to consult external state before the decider runs.
package decider

import "time"

// Kind discriminates the tagged Decision variants.
type Kind int

const (
	KindSuccess Kind = iota
	KindFailed
	KindRejected
	KindConflict
)

// Context is the ambient information a decider needs beyond (state, command).
type Context struct {
	Now           time.Time
	CommandID     string
	CorrelationID string
}

// Decision is the sum type a decider returns. Exactly the fields for
// its Kind are meaningful; constructors below are the supported way to
// build one so callers can't assemble an inconsistent value.
type Decision struct {
	Kind Kind

	// success
	EventType   string
	Payload     any
	StateUpdate any

	// failed
	FailedEventType string
	Reason          string

	// rejected (Code, Message, Context); failed also sets Context
	Code    string
	Message string
	Context any

	// conflict
	CurrentVersion int64
}

// Success builds a success Decision: append eventType with payload and
// patch CMS with stateUpdate.
func Success(eventType string, payload, stateUpdate any) Decision {
	return Decision{Kind: KindSuccess, EventType: eventType, Payload: payload, StateUpdate: stateUpdate}
}

// Failed builds a failed Decision: the business failure is itself
// recorded as an event, CMS is left unchanged.
func Failed(eventType, reason string, context any) Decision {
	return Decision{Kind: KindFailed, FailedEventType: eventType, Reason: reason, Context: context}
}

// Rejected builds a rejected Decision: no event is emitted, the command
// is refused outright.
func Rejected(code, message string, context any) Decision {
	return Decision{Kind: KindRejected, Code: code, Message: message, Context: context}
}

// Conflict builds a DCB-only conflict Decision reporting the scope's
// actual current version.
func Conflict(currentVersion int64) Decision {
	return Decision{Kind: KindConflict, CurrentVersion: currentVersion}
}

func (d Decision) IsSuccess() bool  { return d.Kind == KindSuccess }
func (d Decision) IsFailed() bool   { return d.Kind == KindFailed }
func (d Decision) IsRejected() bool { return d.Kind == KindRejected }
func (d Decision) IsConflict() bool { return d.Kind == KindConflict }

// Func is the decider signature itself: pure, deterministic, no I/O.
// state is nil for entity-creating commands.
type Func func(state any, command any, ctx Context) Decision

// PreValidateFunc is the one legitimate place for a decider to consult
// external state (e.g. a uniqueness check) before the pure decider
// runs. Returning a non-nil *Decision short-circuits the decider; it is
// always a rejected Decision.
type PreValidateFunc func(ctx Context, args any) *Decision

// EntityHandler is a decider handler built by CreateEntityDeciderHandler:
// it accepts a possibly-nil prior state (nil for entity creation) and
// runs an optional preValidate hook first.
type EntityHandler struct {
	Decide      Func
	PreValidate PreValidateFunc
}

// CreateEntityDeciderHandler builds an EntityHandler wrapping decide,
// permitting nil state for the entity-creating case, and running
// preValidate (if provided) before decide so rejections that require
// reading external state don't need a decider that performs I/O.
func CreateEntityDeciderHandler(decide Func, preValidate PreValidateFunc) EntityHandler {
	return EntityHandler{Decide: decide, PreValidate: preValidate}
}

// Handle runs the handler's preValidate hook (if any), then decide,
// against the given possibly-nil state.
func (h EntityHandler) Handle(state any, command any, ctx Context, args any) Decision {
	if h.PreValidate != nil {
		if rejected := h.PreValidate(ctx, args); rejected != nil {
			return *rejected
		}
	}
	return h.Decide(state, command, ctx)
}
