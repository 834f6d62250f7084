package dcbexec

import (
	"context"
	"math"
	"math/rand"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// JitterFunc returns a multiplier applied to the raw exponential delay.
// The default jitters uniformly in [0.5, 1.5]; tests inject a constant
// function for deterministic values.
type JitterFunc func() float64

// DefaultJitter draws uniformly from [0.5, 1.5].
func DefaultJitter() float64 { return 0.5 + rand.Float64() }

// CalculateBackoff computes delay = min(initial*base^attempt, max) * jitter().
func CalculateBackoff(attempt int, initialMs, maxMs int64, base float64, jitter JitterFunc) int64 {
	if jitter == nil {
		jitter = DefaultJitter
	}
	raw := float64(initialMs) * math.Pow(base, float64(attempt))
	capped := math.Min(raw, float64(maxMs))
	return int64(capped * jitter())
}

// Scheduler defers a retry attempt; WithDCBRetry passes the
// "dcb:{scopeKey}" partition key. workpool.Pool stores that key in the
// job but runs all retries on one shared queue, without per-key ordering.
type Scheduler interface {
	RunAfter(ctx context.Context, delayMs int64, partitionKey string, attempt int) (workID string, err error)
}

// Deferred is returned while a DCB operation's conflict is being
// retried through the scheduler rather than resolved inline.
type Deferred struct {
	WorkID           string
	RetryAttempt     int
	ScheduledAfterMs int64
}

// WithDCBRetry wraps execute, scheduling a retry through scheduler on
// every Conflict result until cfg.MaxAttempts is reached, at which
// point it returns a rejected Result with DCB_MAX_RETRIES_EXCEEDED.
func WithDCBRetry(ctx context.Context, cfg dcb.RetryConfig, scopeKey dcb.ScopeKey, scheduler Scheduler, jitter JitterFunc, attempt int, execute func() (Result, error)) (Result, *Deferred, error) {
	result, err := execute()
	if err != nil {
		return Result{}, nil, err
	}
	if result.Kind != ResultConflict {
		return result, nil, nil
	}
	if attempt >= cfg.MaxAttempts {
		return rejected(string(dcb.ErrDCBMaxRetriesExceeded), "dcb retry attempts exhausted", nil), nil, nil
	}

	delayMs := CalculateBackoff(attempt, cfg.InitialBackoffMs, cfg.MaxBackoffMs, cfg.Base, jitter)
	workID, err := scheduler.RunAfter(ctx, delayMs, "dcb:"+string(scopeKey), attempt+1)
	if err != nil {
		return Result{}, nil, err
	}
	return Result{}, &Deferred{WorkID: workID, RetryAttempt: attempt + 1, ScheduledAfterMs: delayMs}, nil
}
