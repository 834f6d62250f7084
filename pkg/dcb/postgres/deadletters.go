package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/orchestrator"
	"github.com/dcbrun/domainrt/pkg/processmanager"
)

// deadLetterStore implements orchestrator.DeadLetterSink against the
// shared, append-only dead_letters table; pmDeadLetterAdapter wraps it
// as processmanager.DeadLetterSink. PM rows are the ones that also set
// pm_name and instance_id.
type deadLetterStore struct {
	pool *pgxpool.Pool
}

func newDeadLetterStore(pool *pgxpool.Pool) (*deadLetterStore, error) {
	if pool == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "NewDeadLetterStore", Err: fmt.Errorf("pool must not be nil")},
			Field:           "pool",
			Value:           "nil",
		}
	}
	return &deadLetterStore{pool: pool}, nil
}

// NewDeadLetterStore constructs the shared dead-letter sink, returned
// as orchestrator.DeadLetterSink; use NewPMDeadLetterSink for the
// processmanager.DeadLetterSink half of the same table.
func NewDeadLetterStore(pool *pgxpool.Pool) (orchestrator.DeadLetterSink, error) {
	store, err := newDeadLetterStore(pool)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Record implements orchestrator.DeadLetterSink (projection dispatch failures).
func (s *deadLetterStore) Record(ctx context.Context, dl orchestrator.DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, subscription_name, event_id, event_type, error, attempt_count)
		VALUES ($1, $2, $3, $4, $5, 1)`,
		dcb.GenerateScopePrefixedID(dl.SubscriptionName, dl.Event.EventID), dl.SubscriptionName,
		dl.Event.EventID, dl.Event.EventType, dl.Error,
	)
	if err != nil {
		return &dcb.EventStoreError{Op: "deadletter.record", Err: fmt.Errorf("record dead letter for %s: %w", dl.SubscriptionName, err)}
	}
	return nil
}

// RecordPM implements processmanager.DeadLetterSink (PM handler failures).
func (s *deadLetterStore) RecordPM(ctx context.Context, dl processmanager.DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, subscription_name, pm_name, instance_id, event_id, event_type, error, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		dcb.GenerateScopePrefixedID(dl.PMName, dl.InstanceID, dl.Event.EventID), dl.PMName,
		dl.PMName, dl.InstanceID, dl.Event.EventID, dl.Event.EventType, dl.Error, dl.Attempt,
	)
	if err != nil {
		return &dcb.EventStoreError{Op: "deadletter.recordPM", Err: fmt.Errorf("record PM dead letter for %s/%s: %w", dl.PMName, dl.InstanceID, err)}
	}
	return nil
}

// pmDeadLetterAdapter narrows deadLetterStore to processmanager.DeadLetterSink's
// single-method shape, since Go can't let one concrete type satisfy two
// interfaces whose method of the same name (Record) has different
// signatures.
type pmDeadLetterAdapter struct{ store *deadLetterStore }

// NewPMDeadLetterSink adapts the shared store to processmanager.DeadLetterSink.
func NewPMDeadLetterSink(pool *pgxpool.Pool) (processmanager.DeadLetterSink, error) {
	store, err := newDeadLetterStore(pool)
	if err != nil {
		return nil, err
	}
	return &pmDeadLetterAdapter{store: store}, nil
}

func (a *pmDeadLetterAdapter) Record(ctx context.Context, dl processmanager.DeadLetter) error {
	return a.store.RecordPM(ctx, dl)
}
