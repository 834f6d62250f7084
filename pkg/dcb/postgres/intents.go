package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/durable"
)

// intentStore implements durable.IntentStore against the intents
// table: one row per intentKey, never deleted.
type intentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore constructs the crash-safety bracket adapter the
// durable executor records intents through.
func NewIntentStore(pool *pgxpool.Pool) (durable.IntentStore, error) {
	if pool == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "NewIntentStore", Err: fmt.Errorf("pool must not be nil")},
			Field:           "pool",
			Value:           "nil",
		}
	}
	return &intentStore{pool: pool}, nil
}

func (s *intentStore) Record(ctx context.Context, intent durable.Intent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO intents (intent_key, operation_type, stream_type, stream_id, status, timeout_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		intent.IntentKey, intent.CommandType, intent.StreamType, intent.StreamID,
		string(intent.Status), intent.TimeoutMs, intent.CreatedAt,
	)
	if err != nil {
		return &dcb.EventStoreError{Op: "intent.record", Err: fmt.Errorf("insert intent %s: %w", intent.IntentKey, err)}
	}
	return nil
}

// Update transitions intentKey out of pending exactly once; a second
// call for the same key is a no-op rather than an error, since the
// timeout-scheduler abandon check races the orchestrator's own
// completion update.
func (s *intentStore) Update(ctx context.Context, intentKey string, status durable.IntentStatus, completionEventID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE intents SET status = $1, completion_event_id = $2, error = $3, updated_at = $4
		WHERE intent_key = $5 AND status = 'pending'`,
		string(status), nullableString(completionEventID), nullableString(errMsg), time.Now().UTC(), intentKey,
	)
	if err != nil {
		return &dcb.EventStoreError{Op: "intent.update", Err: fmt.Errorf("update intent %s: %w", intentKey, err)}
	}
	return nil
}

// AbandonExpired flips every still-pending intent past its deadline to
// abandoned, the orphan-detection sweep the scheduled timeout job
// runs. Returns the keys it abandoned.
func (s *intentStore) AbandonExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE intents SET status = 'abandoned', updated_at = $1
		WHERE status = 'pending' AND created_at + (timeout_ms * interval '1 millisecond') < $1
		RETURNING intent_key`, now,
	)
	if err != nil {
		return nil, &dcb.EventStoreError{Op: "intent.abandonExpired", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &dcb.EventStoreError{Op: "intent.abandonExpired", Err: err}
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Get returns one intent by key, or ok=false if it has never been recorded.
func (s *intentStore) Get(ctx context.Context, intentKey string) (durable.Intent, bool, error) {
	var (
		intent            durable.Intent
		status            string
		completionEventID *string
		errMsg            *string
	)
	row := s.pool.QueryRow(ctx, `
		SELECT intent_key, operation_type, stream_type, stream_id, status, timeout_ms, completion_event_id, error, created_at
		FROM intents WHERE intent_key = $1`, intentKey)
	err := row.Scan(&intent.IntentKey, &intent.CommandType, &intent.StreamType, &intent.StreamID,
		&status, &intent.TimeoutMs, &completionEventID, &errMsg, &intent.CreatedAt)
	if err == pgx.ErrNoRows {
		return durable.Intent{}, false, nil
	}
	if err != nil {
		return durable.Intent{}, false, &dcb.EventStoreError{Op: "intent.get", Err: err}
	}
	intent.Status = durable.IntentStatus(status)
	if completionEventID != nil {
		intent.CompletionEventID = *completionEventID
	}
	if errMsg != nil {
		intent.Error = *errMsg
	}
	return intent, true, nil
}
