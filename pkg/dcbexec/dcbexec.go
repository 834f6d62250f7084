// Package dcbexec runs Dynamic Consistency Boundary operations:
// multi-entity atomic execution coordinated through a scope-level
// optimistic concurrency check, layered on the event/scope store
// contract and the decider's Decision sum type.
package dcbexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/decider"
)

// marshalPayload renders the decision's event payload: Payload for
// success, Context for failed (the reason detail a failure event like
// ReservationFailed carries).
func marshalPayload(decision decider.Decision) ([]byte, error) {
	v := decision.Payload
	if decision.Kind == decider.KindFailed {
		v = decision.Context
	}
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dcbexec: marshal event payload: %w", err)
	}
	return b, nil
}

// EntityState is one loaded entity's CMS and storage id, keyed by
// streamId in AggregateState.Entities.
type EntityState struct {
	CMS any
	ID  string
}

// AggregateState is what the decider sees: the scope, its OCC version,
// and every participating entity loaded ahead of time.
type AggregateState struct {
	ScopeKey     dcb.ScopeKey
	ScopeVersion int64
	Entities     map[string]EntityState
}

// LoadEntityFunc loads one entity by streamId; found=false means the
// entity does not exist.
type LoadEntityFunc func(ctx context.Context, streamID string) (cms any, id string, found bool, err error)

// ApplyUpdateFunc persists one entity's patched CMS at newVersion.
type ApplyUpdateFunc func(ctx context.Context, id string, cms any, update any, newVersion int64, now time.Time) error

// DecideFunc is the DCB-flavored decider: it sees the whole aggregate
// state rather than a single entity's CMS.
type DecideFunc func(state AggregateState, command any, ctx decider.Context) decider.Decision

// Input is one call to Execute.
type Input struct {
	ScopeKey        dcb.ScopeKey
	ExpectedVersion int64
	StreamIDs       []string
	LoadEntity      LoadEntityFunc
	Decide          DecideFunc
	Command         any
	ApplyUpdate     ApplyUpdateFunc
	CommandID       string
	CorrelationID   string
	// StreamType is what the scope-level event is appended under;
	// defaults to the scope key's scopeType part when empty.
	StreamType    string
	Category      dcb.Category
	SchemaVersion int
	// UseScopeOperations opts into the scope read/commit pre- and
	// post-checks. Operations that don't need cross-call coordination
	// (a single-shot multi-entity op with no retries) may skip it.
	UseScopeOperations bool
}

// ResultKind discriminates Result, mirroring decider.Kind plus the
// rejected-before-decide cases the executor itself can produce.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultFailed
	ResultRejected
	ResultConflict
)

// Result is Execute's outcome.
type Result struct {
	Kind           ResultKind
	Data           any
	EventID        string
	GlobalPosition int64
	NewVersion     int64
	Reason         string
	Code           string
	Message        string
	Context        any
	CurrentVersion int64
}

// Executor runs DCB operations against an event store and scope store.
type Executor struct {
	Events dcb.EventStore
	Scopes dcb.ScopeStore
	Now    func() time.Time
	// Logger receives structured fields for scope conflicts and
	// rejections; defaults to a no-op logger. Set to obslog.L() for
	// production logging.
	Logger *zap.Logger
}

// New builds an Executor; now defaults to time.Now when nil.
func New(events dcb.EventStore, scopes dcb.ScopeStore, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{Events: events, Scopes: scopes, Now: now, Logger: zap.NewNop()}
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func rejected(code, message string, context any) Result {
	return Result{Kind: ResultRejected, Code: code, Message: message, Context: context}
}

func conflict(currentVersion int64) Result {
	return Result{Kind: ResultConflict, CurrentVersion: currentVersion}
}

// parseScopeKey validates the tenant:{tenantId}:{scopeType}:{scopeId}
// shape and returns the parsed parts.
func parseScopeKey(key dcb.ScopeKey) (tenantID, scopeType, scopeID string, rejectCode string) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 4 || parts[0] != "tenant" {
		return "", "", "", string(dcb.ErrInvalidScopeKeyFormat)
	}
	if parts[1] == "" {
		return "", "", "", string(dcb.ErrTenantIDRequired)
	}
	if parts[2] == "" || parts[3] == "" {
		return "", "", "", string(dcb.ErrScopeKeyEmpty)
	}
	return parts[1], parts[2], parts[3], ""
}

// Execute runs one DCB operation end-to-end: validate the scope key,
// pre-check the scope version, load every entity, run the decider,
// apply its updates, commit the scope, append the scope-level event.
func (e *Executor) Execute(ctx context.Context, in Input) (Result, error) {
	_, scopeType, scopeID, rejectCode := parseScopeKey(in.ScopeKey)
	if rejectCode != "" {
		return rejected(rejectCode, fmt.Sprintf("invalid scope key: %s", in.ScopeKey), nil), nil
	}

	if in.UseScopeOperations {
		scope, found, err := e.Scopes.Get(ctx, in.ScopeKey)
		if err != nil {
			return Result{}, err
		}
		if !found && in.ExpectedVersion != 0 {
			return conflict(0), nil
		}
		if found && scope.CurrentVersion != in.ExpectedVersion {
			return conflict(scope.CurrentVersion), nil
		}
	}

	entities := make(map[string]EntityState, len(in.StreamIDs))
	var missing []string
	for _, streamID := range in.StreamIDs {
		cms, id, found, err := in.LoadEntity(ctx, streamID)
		if err != nil {
			return Result{}, err
		}
		if !found {
			missing = append(missing, streamID)
			continue
		}
		entities[streamID] = EntityState{CMS: cms, ID: id}
	}
	if len(missing) > 0 {
		return rejected(string(dcb.ErrEntitiesNotFound), "entities not found", missing), nil
	}

	state := AggregateState{ScopeKey: in.ScopeKey, ScopeVersion: in.ExpectedVersion, Entities: entities}
	now := e.Now()
	dctx := decider.Context{Now: now, CommandID: in.CommandID, CorrelationID: in.CorrelationID}
	decision := in.Decide(state, in.Command, dctx)

	switch decision.Kind {
	case decider.KindRejected:
		return rejected(decision.Code, decision.Message, decision.Context), nil
	case decider.KindConflict:
		return conflict(decision.CurrentVersion), nil
	}

	newEntityVersion := in.ExpectedVersion + 1
	if decision.Kind == decider.KindSuccess {
		updates, ok := decision.StateUpdate.(map[string]any)
		if !ok {
			return Result{}, fmt.Errorf("dcbexec: success decision's StateUpdate must be map[string]any, got %T", decision.StateUpdate)
		}
		for streamID, update := range updates {
			entity, known := entities[streamID]
			if !known {
				return Result{}, fmt.Errorf("dcbexec: decider update referenced unknown streamId %q", streamID)
			}
			if err := in.ApplyUpdate(ctx, entity.ID, entity.CMS, update, newEntityVersion, now); err != nil {
				return Result{}, fmt.Errorf("dcbexec: applying update for %q: %w", streamID, err)
			}
		}
	}

	newScopeVersion := in.ExpectedVersion
	if in.UseScopeOperations {
		v, err := e.Scopes.Commit(ctx, in.ScopeKey, in.ExpectedVersion, in.StreamIDs)
		if err != nil {
			if scopeErr, ok := dcb.AsScopeConflictError(err); ok {
				// Entity updates above are already persisted and are not
				// rolled back here; callers rely on retry to converge.
				e.logger().Warn("scope commit conflict", zap.String("scopeKey", string(in.ScopeKey)), zap.Int64("currentVersion", scopeErr.CurrentVersion))
				return conflict(scopeErr.CurrentVersion), nil
			}
			return Result{}, err
		}
		newScopeVersion = v
	}

	eventType := decision.EventType
	if decision.Kind == decider.KindFailed {
		eventType = decision.FailedEventType
	}
	payload, err := marshalPayload(decision)
	if err != nil {
		return Result{}, err
	}

	streamType := in.StreamType
	if streamType == "" {
		streamType = scopeType
	}
	appendResult, err := e.Events.Append(ctx, streamType, scopeID, in.ExpectedVersion, []dcb.InputEvent{{
		EventType:     eventType,
		Category:      in.Category,
		SchemaVersion: in.SchemaVersion,
		Payload:       payload,
		Metadata:      dcb.Metadata{CorrelationID: in.CorrelationID, CausationID: in.CommandID},
	}})
	if err != nil {
		return Result{}, err
	}

	result := Result{
		EventID:        appendResult.EventIDs[0],
		GlobalPosition: appendResult.GlobalPositions[0],
		NewVersion:     newScopeVersion,
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
