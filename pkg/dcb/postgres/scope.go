package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dcbrun/domainrt/pkg/dcb"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// scopeStore implements dcb.ScopeStore against the dcb_scopes table: one
// row per Dynamic Consistency Boundary, CAS'd on every commit so two
// concurrent operations touching the same scope can't both win.
type scopeStore struct {
	pool *pgxpool.Pool
}

// NewScopeStore constructs the DCB scope coordination adapter.
func NewScopeStore(pool *pgxpool.Pool) (dcb.ScopeStore, error) {
	if pool == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "NewScopeStore", Err: fmt.Errorf("pool must not be nil")},
			Field:           "pool",
			Value:           "nil",
		}
	}
	return &scopeStore{pool: pool}, nil
}

func (ss *scopeStore) Get(ctx context.Context, key dcb.ScopeKey) (dcb.Scope, bool, error) {
	row := ss.pool.QueryRow(ctx,
		`SELECT scope_key, current_version, stream_ids, created_at, updated_at FROM dcb_scopes WHERE scope_key = $1`,
		string(key),
	)
	var (
		scope     dcb.Scope
		keyStr    string
		streamIDs []string
	)
	err := row.Scan(&keyStr, &scope.CurrentVersion, &streamIDs, &scope.CreatedAt, &scope.UpdatedAt)
	if err == pgx.ErrNoRows {
		return dcb.Scope{}, false, nil
	}
	if err != nil {
		return dcb.Scope{}, false, &dcb.EventStoreError{Op: "scope.get", Err: err}
	}
	scope.Key = dcb.ScopeKey(keyStr)
	scope.StreamIDs = streamIDs
	return scope, true, nil
}

// Commit CASes the scope's version: it must match expectedVersion (0
// meaning "does not exist yet"), or the commit fails with a
// *dcb.ScopeConflictError rather than silently overwriting a concurrent
// writer's work.
func (ss *scopeStore) Commit(ctx context.Context, key dcb.ScopeKey, expectedVersion int64, streamIDs []string) (int64, error) {
	tx, err := ss.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, &dcb.EventStoreError{Op: "scope.commit", Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	var currentVersion int64
	var exists bool
	err = tx.QueryRow(ctx, `SELECT current_version FROM dcb_scopes WHERE scope_key = $1 FOR UPDATE`, string(key)).Scan(&currentVersion)
	switch err {
	case nil:
		exists = true
	case pgx.ErrNoRows:
		exists = false
	default:
		return 0, &dcb.EventStoreError{Op: "scope.commit", Err: fmt.Errorf("read scope: %w", err)}
	}

	if exists && currentVersion != expectedVersion || !exists && expectedVersion != 0 {
		return 0, &dcb.ScopeConflictError{
			EventStoreError: dcb.EventStoreError{Op: "scope.commit", Err: fmt.Errorf("scope version conflict")},
			ScopeKey:        key,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  currentVersion,
		}
	}

	newVersion := expectedVersion + 1
	now := time.Now().UTC()
	if exists {
		_, err = tx.Exec(ctx,
			`UPDATE dcb_scopes SET current_version = $1, stream_ids = $2, updated_at = $3 WHERE scope_key = $4`,
			newVersion, streamIDs, now, string(key),
		)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO dcb_scopes (scope_key, current_version, stream_ids, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
			string(key), newVersion, streamIDs, now,
		)
	}
	if err != nil {
		return 0, &dcb.EventStoreError{Op: "scope.commit", Err: fmt.Errorf("write scope: %w", err)}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &dcb.EventStoreError{Op: "scope.commit", Err: fmt.Errorf("commit transaction: %w", err)}
	}
	return newVersion, nil
}
