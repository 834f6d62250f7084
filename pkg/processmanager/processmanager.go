// Package processmanager coordinates events into commands with
// exactly-once-ish delivery, keyed by a durable per-instance
// watermark.
package processmanager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// Status is a PM instance's lifecycle stage.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// State is one PM instance's durable watermark, keyed by
// (pmName, instanceId).
type State struct {
	PMName             string
	InstanceID         string
	Status             Status
	LastGlobalPosition int64
	CommandsEmitted    int
	CommandsFailed     int
	StateVersion       int64
	CustomState        []byte
}

// StateStore persists PM watermarks.
type StateStore interface {
	GetOrCreate(ctx context.Context, pmName, instanceID string) (State, error)
	Save(ctx context.Context, state State) error
}

// EmittedCommand is one command a PM handler wants scheduled.
type EmittedCommand struct {
	CommandType string
	Args        any
}

// HandleFunc is a PM's business logic: decide what, if anything, to do
// about event, and whether the instance is now done.
type HandleFunc func(ctx context.Context, state State, event dcb.Event) (commands []EmittedCommand, done bool, err error)

// InstanceIDResolver derives the PM instance an event belongs to. A
// resolver that returns "" falls back to event.StreamID, logged as a
// warning.
type InstanceIDResolver func(event dcb.Event) string

// CommandEmitter schedules emitted commands fire-and-forget; it is not
// transactional with the PM state write.
type CommandEmitter interface {
	Emit(ctx context.Context, pmName, instanceID string, commands []EmittedCommand) error
}

// DeadLetter records a PM handler failure.
type DeadLetter struct {
	PMName     string
	InstanceID string
	Event      dcb.Event
	Error      string
	Attempt    int
}

// DeadLetterSink persists PM dead letters.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

// Definition is one registered process manager.
type Definition struct {
	PMName             string
	EventSubscriptions []string
	Handle             HandleFunc
	ResolveInstanceID  InstanceIDResolver
}

// SkipReason explains a skipped delivery.
type SkipReason string

const (
	ReasonAlreadyProcessed SkipReason = "already_processed"
	ReasonTerminalState    SkipReason = "terminal_state"
	ReasonNotSubscribed    SkipReason = "not_subscribed"
)

// ResultStatus discriminates ProcessEvent's outcome:
// processed | skipped | failed.
type ResultStatus string

const (
	StatusProcessed    ResultStatus = "processed"
	StatusSkipped      ResultStatus = "skipped"
	StatusResultFailed ResultStatus = "failed"
)

// Result is what ProcessEvent reports to the host.
type Result struct {
	Status          ResultStatus
	CommandsEmitted int
	Reason          SkipReason
	Error           string
}

// Executor runs PM definitions against delivered events.
type Executor struct {
	States      StateStore
	Emitter     CommandEmitter
	DeadLetters DeadLetterSink
	Now         func() time.Time
	// Logger receives structured fields for instance resolution
	// fallbacks and handler failures; defaults to a no-op logger. Set
	// to obslog.L() for production use.
	Logger *zap.Logger
}

// New builds an Executor. now defaults to time.Now.
func New(states StateStore, emitter CommandEmitter, deadLetters DeadLetterSink, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{States: states, Emitter: emitter, DeadLetters: deadLetters, Now: now, Logger: zap.NewNop()}
}

func (x *Executor) logger() *zap.Logger {
	if x.Logger == nil {
		return zap.NewNop()
	}
	return x.Logger
}

func isSubscribed(def Definition, eventType string) bool {
	for _, et := range def.EventSubscriptions {
		if et == eventType {
			return true
		}
	}
	return false
}

// ProcessEvent runs one delivered event through def: resolve the
// instance, guard on the watermark, invoke the handler, emit its
// commands, advance the bookkeeping.
func (x *Executor) ProcessEvent(ctx context.Context, def Definition, event dcb.Event) (Result, error) {
	if !isSubscribed(def, event.EventType) {
		return Result{Status: StatusSkipped, Reason: ReasonNotSubscribed}, nil
	}

	instanceID := ""
	if def.ResolveInstanceID != nil {
		instanceID = def.ResolveInstanceID(event)
	}
	if instanceID == "" {
		instanceID = event.StreamID
		x.logger().Warn("instance id resolution fell back to streamId", zap.String("pmName", def.PMName), zap.String("eventId", event.EventID), zap.String("streamId", event.StreamID))
	}

	state, err := x.States.GetOrCreate(ctx, def.PMName, instanceID)
	if err != nil {
		return Result{}, fmt.Errorf("processmanager: load state for %s/%s: %w", def.PMName, instanceID, err)
	}

	if event.GlobalPosition <= state.LastGlobalPosition {
		return Result{Status: StatusSkipped, Reason: ReasonAlreadyProcessed}, nil
	}
	if state.Status == StatusCompleted {
		return Result{Status: StatusSkipped, Reason: ReasonTerminalState}, nil
	}

	state.Status = StatusProcessing
	if err := x.States.Save(ctx, state); err != nil {
		return Result{}, fmt.Errorf("processmanager: mark processing for %s/%s: %w", def.PMName, instanceID, err)
	}

	commands, done, handlerErr := def.Handle(ctx, state, event)
	if handlerErr != nil {
		x.logger().Error("pm handler failed", zap.String("pmName", def.PMName), zap.String("instanceId", instanceID), zap.String("eventId", event.EventID), zap.Error(handlerErr))
		state.Status = StatusFailed
		state.CommandsFailed++
		_ = x.States.Save(ctx, state)
		if x.DeadLetters != nil {
			_ = x.DeadLetters.Record(ctx, DeadLetter{PMName: def.PMName, InstanceID: instanceID, Event: event, Error: handlerErr.Error()})
		}
		return Result{Status: StatusResultFailed, Error: handlerErr.Error()}, handlerErr
	}

	if len(commands) > 0 && x.Emitter != nil {
		if err := x.Emitter.Emit(ctx, def.PMName, instanceID, commands); err != nil {
			return Result{}, fmt.Errorf("processmanager: emit commands for %s/%s: %w", def.PMName, instanceID, err)
		}
	}

	state.LastGlobalPosition = event.GlobalPosition
	state.CommandsEmitted += len(commands)
	state.StateVersion++
	if done {
		state.Status = StatusCompleted
	} else {
		state.Status = StatusIdle
	}
	if err := x.States.Save(ctx, state); err != nil {
		return Result{}, fmt.Errorf("processmanager: save bookkeeping for %s/%s: %w", def.PMName, instanceID, err)
	}

	return Result{Status: StatusProcessed, CommandsEmitted: len(commands)}, nil
}
