// Package workpool is the durable work pool the runtime schedules onto:
// event bus subscription deliveries, process manager command emission,
// and DCB retry backoff all enqueue through it rather than spawning
// goroutines directly, so a process restart does not lose scheduled
// work. It wraps River (github.com/riverqueue/river) with a job/worker
// split: a small, JSON-able Args struct carrying a claim-check
// reference plus a registered worker that resolves the reference and
// invokes the caller's handler.
package workpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/dcbrun/domainrt/pkg/dcbexec"
	"github.com/dcbrun/domainrt/pkg/durable"
	"github.com/dcbrun/domainrt/pkg/eventbus"
	"github.com/dcbrun/domainrt/pkg/processmanager"
)

// DispatchArgs is the one River job kind the pool uses for every
// enqueued subscription delivery. SubscriptionName selects which
// registered HandlerFunc runs; Payload is the subscription's
// ToHandlerArgs output, already marshaled so the job survives a
// process restart without needing the closure that produced it.
type DispatchArgs struct {
	SubscriptionName string `json:"subscriptionName"`
	WorkID           string `json:"workId"`
	EventID          string `json:"eventId"`
	GlobalPosition   int64  `json:"globalPosition"`
	CorrelationID    string `json:"correlationId"`
	CausationID      string `json:"causationId"`
	Payload          []byte `json:"payload"`
}

// Kind identifies this job type to River.
func (DispatchArgs) Kind() string { return "domainrt_dispatch" }

// InsertOpts sets the default queue and retry ceiling for subscription
// dispatch jobs; a subscription's own RetryPolicy overrides the
// ceiling per insert.
func (DispatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: "domainrt_dispatch", MaxAttempts: 5}
}

// RetryArgs is the job kind backing dcbexec.Scheduler: a deferred DCB
// conflict retry carrying its scope's partition key. Every retry job
// goes to the one domainrt_dcb_retry queue; River does not order or
// serialize them by partition key.
type RetryArgs struct {
	PartitionKey string `json:"partitionKey"`
	Attempt      int    `json:"attempt"`
}

func (RetryArgs) Kind() string { return "domainrt_dcb_retry" }

func (RetryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: "domainrt_dcb_retry", MaxAttempts: 1}
}

// HandlerFunc is a registered subscription's business logic: apply a
// projection, run a PM step, call an agent. payload is
// DispatchArgs.Payload, the JSON-marshaled ToHandlerArgs output; the
// handler decodes it itself.
type HandlerFunc func(ctx context.Context, payload []byte) (any, error)

// Pool is the constructed work pool: a registry of subscription
// handlers plus the River client jobs are inserted through.
type Pool struct {
	client *river.Client[pgx.Tx]

	mu             sync.RWMutex
	handlers       map[string]HandlerFunc
	onCompletes    map[string]eventbus.OnCompleteFunc // keyed by workID, in-memory only
	retryHandler   RetryFunc
	abandonHandler AbandonFunc
	commandHandler CommandDispatchFunc
}

// New builds a Pool around an already-constructed River client. The
// caller owns the client's lifecycle (Start/Stop) and its driver
// (riverpgxv5 against the same pool pkg/dcb/postgres uses).
func New(client *river.Client[pgx.Tx]) *Pool {
	return &Pool{
		client:      client,
		handlers:    map[string]HandlerFunc{},
		onCompletes: map[string]eventbus.OnCompleteFunc{},
	}
}

// RegisterHandler binds a subscription name to the function that
// actually runs its side effect. Registration happens once at startup,
// before any event flows, mirroring River's worker-per-kind
// registration (one DispatchWorker fans out to many registered names).
func (p *Pool) RegisterHandler(subscriptionName string, handler HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[subscriptionName] = handler
}

// Enqueue implements eventbus.Enqueuer. onComplete is held in memory
// only; it is a closure the Go runtime cannot serialize into a River
// job row, so it does not survive a process restart between enqueue
// and execution. Mutation subscriptions (which apply a read-model
// patch directly and need no onComplete) are unaffected; action
// subscriptions that must notify a caller on completion should persist
// their own completion record from inside the handler instead of
// relying solely on onComplete for anything that must survive a crash.
func (p *Pool) Enqueue(ctx context.Context, subscriptionName string, args any, enqueueCtx eventbus.EnqueueContext, onComplete eventbus.OnCompleteFunc) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("workpool: marshal args for %q: %w", subscriptionName, err)
	}

	workID := enqueueCtx.EventID + ":" + subscriptionName
	if onComplete != nil {
		p.mu.Lock()
		p.onCompletes[workID] = onComplete
		p.mu.Unlock()
	}

	jobArgs := DispatchArgs{
		SubscriptionName: subscriptionName,
		WorkID:           workID,
		EventID:          enqueueCtx.EventID,
		GlobalPosition:   enqueueCtx.GlobalPosition,
		CorrelationID:    enqueueCtx.CorrelationID,
		CausationID:      enqueueCtx.CausationID,
		Payload:          payload,
	}
	var insertOpts *river.InsertOpts
	if enqueueCtx.Retry != nil && enqueueCtx.Retry.MaxAttempts > 0 {
		insertOpts = &river.InsertOpts{MaxAttempts: enqueueCtx.Retry.MaxAttempts}
	}
	result, err := p.client.Insert(ctx, jobArgs, insertOpts)
	if err != nil {
		return "", fmt.Errorf("workpool: insert job for %q: %w", subscriptionName, err)
	}
	return fmt.Sprintf("%d", result.Job.ID), nil
}

// RunAfter implements dcbexec.Scheduler: insert a delayed RetryArgs
// job on the shared domainrt_dcb_retry queue. partitionKey is stored in
// the job; retries of the same scope are not serialized.
func (p *Pool) RunAfter(ctx context.Context, delayMs int64, partitionKey string, attempt int) (string, error) {
	result, err := p.client.Insert(ctx, RetryArgs{PartitionKey: partitionKey, Attempt: attempt}, &river.InsertOpts{
		ScheduledAt: time.Now().Add(time.Duration(delayMs) * time.Millisecond),
	})
	if err != nil {
		return "", fmt.Errorf("workpool: schedule retry for %q: %w", partitionKey, err)
	}
	return fmt.Sprintf("%d", result.Job.ID), nil
}

var _ eventbus.Enqueuer = (*Pool)(nil)
var _ dcbexec.Scheduler = (*Pool)(nil)

// DispatchWorker runs every enqueued subscription delivery, resolving
// the registered HandlerFunc by name and invoking the caller's
// onComplete if one was registered in-process at enqueue time.
type DispatchWorker struct {
	river.WorkerDefaults[DispatchArgs]
	Pool *Pool
}

func (w *DispatchWorker) Work(ctx context.Context, job *river.Job[DispatchArgs]) error {
	w.Pool.mu.RLock()
	handler, ok := w.Pool.handlers[job.Args.SubscriptionName]
	w.Pool.mu.RUnlock()
	if !ok {
		return fmt.Errorf("workpool: no handler registered for subscription %q", job.Args.SubscriptionName)
	}

	result, err := handler(ctx, job.Args.Payload)

	w.Pool.mu.Lock()
	onComplete, hasOnComplete := w.Pool.onCompletes[job.Args.WorkID]
	delete(w.Pool.onCompletes, job.Args.WorkID)
	w.Pool.mu.Unlock()
	if hasOnComplete {
		onComplete(ctx, result, err)
	}
	return err
}

// RetryFunc re-runs one DCB operation given the scope key it was
// keyed under (RetryArgs.PartitionKey is "dcb:{scopeKey}") and the
// attempt number WithDCBRetry scheduled it at.
type RetryFunc func(ctx context.Context, scopeKey string, attempt int) error

// RegisterRetryHandler binds the single function RetryWorker calls for
// every scheduled DCB retry. There is one retry handler per process,
// not one per scope, since the scope key is carried in the job itself.
func (p *Pool) RegisterRetryHandler(handler RetryFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryHandler = handler
}

// RetryWorker re-invokes a deferred DCB operation after its backoff
// delay elapses.
type RetryWorker struct {
	river.WorkerDefaults[RetryArgs]
	Pool *Pool
}

func (w *RetryWorker) Work(ctx context.Context, job *river.Job[RetryArgs]) error {
	w.Pool.mu.RLock()
	handler := w.Pool.retryHandler
	w.Pool.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("workpool: no retry handler registered")
	}
	return handler(ctx, job.Args.PartitionKey, job.Args.Attempt)
}

// AbandonCheckArgs is the job kind backing durable.TimeoutScheduler: a
// deferred orphan-detection sweep for one intent key.
type AbandonCheckArgs struct {
	IntentKey string `json:"intentKey"`
}

func (AbandonCheckArgs) Kind() string { return "domainrt_abandon_check" }

func (AbandonCheckArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: "domainrt_abandon_check", MaxAttempts: 3}
}

// AbandonFunc resolves one scheduled abandon check. It is not handed
// the IntentStore directly, since the sweep it runs (flip still-pending
// intents past their deadline) is the same idempotent operation
// regardless of which key triggered it; intentKey is passed through for
// logging.
type AbandonFunc func(ctx context.Context, intentKey string) error

// ScheduleAbandonCheck implements durable.TimeoutScheduler.
func (p *Pool) ScheduleAbandonCheck(ctx context.Context, intentKey string, after time.Duration) error {
	_, err := p.client.Insert(ctx, AbandonCheckArgs{IntentKey: intentKey}, &river.InsertOpts{
		ScheduledAt: time.Now().Add(after),
	})
	if err != nil {
		return fmt.Errorf("workpool: schedule abandon check for %q: %w", intentKey, err)
	}
	return nil
}

// RegisterAbandonHandler binds the single function AbandonWorker calls
// for every scheduled abandon check.
func (p *Pool) RegisterAbandonHandler(handler AbandonFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandonHandler = handler
}

// AbandonWorker runs the deferred orphan-detection sweep once an
// intent's timeout has elapsed.
type AbandonWorker struct {
	river.WorkerDefaults[AbandonCheckArgs]
	Pool *Pool
}

func (w *AbandonWorker) Work(ctx context.Context, job *river.Job[AbandonCheckArgs]) error {
	w.Pool.mu.RLock()
	handler := w.Pool.abandonHandler
	w.Pool.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("workpool: no abandon handler registered")
	}
	return handler(ctx, job.Args.IntentKey)
}

var _ durable.TimeoutScheduler = (*Pool)(nil)

// EmitArgs is the job kind backing processmanager.CommandEmitter: one
// PM-emitted command, scheduled fire-and-forget, not transactional
// with the PM state write.
type EmitArgs struct {
	PMName      string `json:"pmName"`
	InstanceID  string `json:"instanceId"`
	CommandType string `json:"commandType"`
	Payload     []byte `json:"payload"`
}

func (EmitArgs) Kind() string { return "domainrt_pm_emit" }

func (EmitArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: "domainrt_pm_emit", MaxAttempts: 5}
}

// CommandDispatchFunc runs one PM-emitted command against the Command
// Orchestrator, decoding payload into whatever args commandType expects.
type CommandDispatchFunc func(ctx context.Context, commandType string, payload []byte) error

// RegisterCommandHandler binds the single function EmitWorker calls to
// actually run a PM-emitted command. One handler per process dispatches
// across all command types by inspecting commandType, mirroring how
// registry.CommandRegistry resolves a handler by name.
func (p *Pool) RegisterCommandHandler(handler CommandDispatchFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commandHandler = handler
}

// Emit implements processmanager.CommandEmitter.
func (p *Pool) Emit(ctx context.Context, pmName, instanceID string, commands []processmanager.EmittedCommand) error {
	for _, cmd := range commands {
		payload, err := json.Marshal(cmd.Args)
		if err != nil {
			return fmt.Errorf("workpool: marshal emitted command %q for %s/%s: %w", cmd.CommandType, pmName, instanceID, err)
		}
		_, err = p.client.Insert(ctx, EmitArgs{
			PMName:      pmName,
			InstanceID:  instanceID,
			CommandType: cmd.CommandType,
			Payload:     payload,
		}, nil)
		if err != nil {
			return fmt.Errorf("workpool: enqueue emitted command %q for %s/%s: %w", cmd.CommandType, pmName, instanceID, err)
		}
	}
	return nil
}

var _ processmanager.CommandEmitter = (*Pool)(nil)

// EmitWorker runs one previously-enqueued PM-emitted command by
// dispatching it to the registered CommandDispatchFunc.
type EmitWorker struct {
	river.WorkerDefaults[EmitArgs]
	Pool *Pool
}

func (w *EmitWorker) Work(ctx context.Context, job *river.Job[EmitArgs]) error {
	w.Pool.mu.RLock()
	handler := w.Pool.commandHandler
	w.Pool.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("workpool: no command handler registered for emitted command %q", job.Args.CommandType)
	}
	return handler(ctx, job.Args.CommandType, job.Args.Payload)
}
