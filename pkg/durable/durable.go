// Package durable wraps the command orchestrator with intent
// bracketing so a crash between "command accepted" and "event durably
// recorded" is detectable rather than silently forgotten.
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dcbrun/domainrt/pkg/orchestrator"
)

// IntentStatus is an intent's lifecycle stage.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
	IntentFailed    IntentStatus = "failed"
	IntentAbandoned IntentStatus = "abandoned"
)

// DefaultTimeout is the intent timeout when none is configured.
const DefaultTimeout = 5 * time.Minute

// Intent is a crash-safety bracket around one command execution,
// keyed by intentKey and indexed by status and expiration.
type Intent struct {
	IntentKey         string
	CommandType       string
	StreamType        string
	StreamID          string
	Status            IntentStatus
	TimeoutMs         int64
	CompletionEventID string
	Error             string
	CreatedAt         time.Time
}

// IntentStore persists intents.
type IntentStore interface {
	Record(ctx context.Context, intent Intent) error
	Update(ctx context.Context, intentKey string, status IntentStatus, completionEventID, errMsg string) error
}

// TimeoutScheduler defers the orphan-detection mutation that flips a
// still-pending intent to abandoned after its deadline.
type TimeoutScheduler interface {
	ScheduleAbandonCheck(ctx context.Context, intentKey string, after time.Duration) error
}

// Orchestrator is the narrow slice of the command orchestrator the
// durable executor wraps.
type Orchestrator interface {
	Execute(ctx context.Context, cfg orchestrator.Config, args any) (orchestrator.Result, error)
}

// Config configures intent bracketing for one call.
type Config struct {
	TimeoutMs     int64
	EnableIntents bool
	GetStreamType func(args any) string
	GetStreamID   func(args any) string
}

// Executor wraps an Orchestrator with intent bracketing.
type Executor struct {
	Orchestrator Orchestrator
	Intents      IntentStore
	Timeouts     TimeoutScheduler
	Now          func() time.Time
	randomSuffix func() string
	// Logger receives structured fields for intent lifecycle
	// transitions; defaults to a no-op logger. Set to obslog.L() for
	// production use.
	Logger *zap.Logger
}

// New builds an Executor. now defaults to time.Now; randomSuffix
// defaults to a uuid fragment.
func New(orch Orchestrator, intents IntentStore, timeouts TimeoutScheduler, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{
		Orchestrator: orch,
		Intents:      intents,
		Timeouts:     timeouts,
		Now:          now,
		randomSuffix: func() string { return uuid.NewString()[:8] },
		Logger:       zap.NewNop(),
	}
}

func (x *Executor) logger() *zap.Logger {
	if x.Logger == nil {
		return zap.NewNop()
	}
	return x.Logger
}

// Execute runs cfg's command under an intent bracket: record pending,
// schedule the abandon check, run the command, settle the intent.
func (x *Executor) Execute(ctx context.Context, durableCfg Config, cfg orchestrator.Config, args any) (orchestrator.Result, error) {
	if !durableCfg.EnableIntents {
		return x.Orchestrator.Execute(ctx, cfg, args)
	}

	streamType := ""
	if durableCfg.GetStreamType != nil {
		streamType = durableCfg.GetStreamType(args)
	}
	streamID := ""
	if durableCfg.GetStreamID != nil {
		streamID = durableCfg.GetStreamID(args)
	}

	timeoutMs := durableCfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeout.Milliseconds()
	}

	intentKey := fmt.Sprintf("%s:%s:%s:%d_%s", cfg.CommandType, streamType, streamID, x.Now().UnixNano(), x.randomSuffix())

	intent := Intent{
		IntentKey:   intentKey,
		CommandType: cfg.CommandType,
		StreamType:  streamType,
		StreamID:    streamID,
		Status:      IntentPending,
		TimeoutMs:   timeoutMs,
		CreatedAt:   x.Now(),
	}
	if x.Intents != nil {
		if err := x.Intents.Record(ctx, intent); err != nil {
			return orchestrator.Result{}, fmt.Errorf("durable: record intent %s: %w", intentKey, err)
		}
	}
	if x.Timeouts != nil {
		if err := x.Timeouts.ScheduleAbandonCheck(ctx, intentKey, time.Duration(timeoutMs)*time.Millisecond); err != nil {
			return orchestrator.Result{}, fmt.Errorf("durable: schedule abandon check for %s: %w", intentKey, err)
		}
	}

	result, err := x.Orchestrator.Execute(ctx, cfg, args)
	if err != nil {
		x.logger().Error("intent failed", zap.String("intentKey", intentKey), zap.Error(err))
		if x.Intents != nil {
			_ = x.Intents.Update(ctx, intentKey, IntentFailed, "", err.Error())
		}
		return orchestrator.Result{}, err
	}

	if result.Kind == orchestrator.ResultFailed || result.Kind == orchestrator.ResultRejected || result.Kind == orchestrator.ResultConflict {
		x.logger().Warn("intent failed", zap.String("intentKey", intentKey), zap.String("reason", result.Reason))
		if x.Intents != nil {
			_ = x.Intents.Update(ctx, intentKey, IntentFailed, "", result.Reason)
		}
	} else {
		x.logger().Info("intent completed", zap.String("intentKey", intentKey), zap.String("eventId", result.EventID))
		if x.Intents != nil {
			_ = x.Intents.Update(ctx, intentKey, IntentCompleted, result.EventID, "")
		}
	}
	return result, nil
}
