// Package postgres is a pgx/v5-backed implementation of
// dcb.EventStore, dcb.ScopeStore and dcb.StreamingEventStore against a
// single append-only events table plus a dcb_scopes coordination table
// (see schema/schema.sql).
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dcbrun/domainrt/pkg/dcb"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// eventStore implements dcb.EventStore and dcb.StreamingEventStore
// against one Postgres pool; dcb.ScopeStore is scopeStore in scope.go.
type eventStore struct {
	pool   *pgxpool.Pool
	config dcb.EventStoreConfig
}

// NewEventStore constructs the adapter with cfg's batch size and
// isolation defaults.
func NewEventStore(pool *pgxpool.Pool, cfg dcb.EventStoreConfig) (dcb.StreamingEventStore, error) {
	if pool == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "NewEventStore", Err: fmt.Errorf("pool must not be nil")},
			Field:           "pool",
			Value:           "nil",
		}
	}
	return &eventStore{pool: pool, config: cfg}, nil
}

func (es *eventStore) Append(ctx context.Context, streamType, streamID string, expectedVersion int64, events []dcb.InputEvent) (dcb.AppendResult, error) {
	if streamID == "" {
		return dcb.AppendResult{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("stream id must not be empty")},
			Field:           "streamId",
			Value:           "empty",
		}
	}
	if len(events) == 0 {
		return dcb.AppendResult{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("events must not be empty")},
			Field:           "events",
			Value:           "empty",
		}
	}
	if len(events) > es.config.MaxBatchSize {
		return dcb.AppendResult{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), es.config.MaxBatchSize)},
			Field:           "events",
			Value:           fmt.Sprintf("count:%d", len(events)),
		}
	}
	for i, e := range events {
		if e.EventType == "" {
			return dcb.AppendResult{}, &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has empty type", i)},
				Field:           "eventType",
				Value:           "empty",
			}
		}
	}

	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevelOf(es.config.DefaultAppendIsolation)})
	if err != nil {
		return dcb.AppendResult{}, &dcb.EventStoreError{Op: "append", Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	var currentVersion int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_type = $1 AND stream_id = $2`,
		streamType, streamID,
	).Scan(&currentVersion)
	if err != nil {
		return dcb.AppendResult{}, &dcb.EventStoreError{Op: "append", Err: fmt.Errorf("read current stream version: %w", err)}
	}
	if currentVersion != expectedVersion {
		return dcb.AppendResult{}, &dcb.ConcurrencyError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("stream version conflict")},
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
		}
	}

	now := time.Now().UTC()
	eventIDs := make([]string, len(events))
	batch := &pgx.Batch{}
	for i, e := range events {
		streamVersion := expectedVersion + int64(i+1)
		eventIDs[i] = uuid.New().String()
		batch.Queue(`
			INSERT INTO events
				(event_id, event_type, stream_type, stream_id, stream_version, created_at,
				 category, schema_version, payload, correlation_id, causation_id, user_id, tags)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING global_position`,
			eventIDs[i], e.EventType, streamType, streamID, streamVersion, now,
			string(e.Category), e.SchemaVersion, e.Payload,
			e.Metadata.CorrelationID, e.Metadata.CausationID, nullableString(e.Metadata.UserID),
			dcb.TagsToArray(e.Tags),
		)
	}

	br := tx.SendBatch(ctx, batch)
	positions := make([]int64, 0, len(events))
	for i := 0; i < len(events); i++ {
		var pos int64
		if err := br.QueryRow().Scan(&pos); err != nil {
			br.Close()
			return dcb.AppendResult{}, &dcb.EventStoreError{Op: "append", Err: fmt.Errorf("insert event %d: %w", i, err)}
		}
		positions = append(positions, pos)
	}
	if err := br.Close(); err != nil {
		return dcb.AppendResult{}, &dcb.EventStoreError{Op: "append", Err: fmt.Errorf("close batch: %w", err)}
	}

	if err := tx.Commit(ctx); err != nil {
		return dcb.AppendResult{}, &dcb.EventStoreError{Op: "append", Err: fmt.Errorf("commit transaction: %w", err)}
	}

	return dcb.AppendResult{
		NewVersion:      expectedVersion + int64(len(events)),
		EventIDs:        eventIDs,
		GlobalPositions: positions,
	}, nil
}

func (es *eventStore) Read(ctx context.Context, query dcb.Query, options *dcb.ReadOptions) (dcb.SequencedEvents, error) {
	if err := dcb.ValidateQuery(query); err != nil {
		return dcb.SequencedEvents{}, err
	}
	sqlQuery, args, err := buildReadQuerySQL(query, options)
	if err != nil {
		return dcb.SequencedEvents{}, &dcb.EventStoreError{Op: "read", Err: err}
	}
	rows, err := es.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return dcb.SequencedEvents{}, &dcb.EventStoreError{Op: "read", Err: fmt.Errorf("execute query: %w", err)}
	}
	defer rows.Close()

	var events []dcb.Event
	var lastPosition int64
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return dcb.SequencedEvents{}, &dcb.EventStoreError{Op: "read", Err: err}
		}
		events = append(events, event)
		lastPosition = event.GlobalPosition
	}
	if err := rows.Err(); err != nil {
		return dcb.SequencedEvents{}, &dcb.EventStoreError{Op: "read", Err: fmt.Errorf("iterate rows: %w", err)}
	}
	return dcb.SequencedEvents{Events: events, Position: lastPosition}, nil
}

func (es *eventStore) ReadStream(ctx context.Context, streamType, streamID string) (dcb.SequencedEvents, error) {
	rows, err := es.pool.Query(ctx, selectEventColumns+` FROM events WHERE stream_type = $1 AND stream_id = $2 ORDER BY stream_version ASC`, streamType, streamID)
	if err != nil {
		return dcb.SequencedEvents{}, &dcb.EventStoreError{Op: "readStream", Err: fmt.Errorf("execute query: %w", err)}
	}
	defer rows.Close()

	var events []dcb.Event
	var lastPosition int64
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return dcb.SequencedEvents{}, &dcb.EventStoreError{Op: "readStream", Err: err}
		}
		events = append(events, event)
		lastPosition = event.GlobalPosition
	}
	if err := rows.Err(); err != nil {
		return dcb.SequencedEvents{}, &dcb.EventStoreError{Op: "readStream", Err: fmt.Errorf("iterate rows: %w", err)}
	}
	return dcb.SequencedEvents{Events: events, Position: lastPosition}, nil
}

func (es *eventStore) LoadCMS(ctx context.Context, streamType, streamID string, projector dcb.StateProjector) (any, int64, bool, error) {
	seq, err := es.ReadStream(ctx, streamType, streamID)
	if err != nil {
		return nil, 0, false, err
	}
	if len(seq.Events) == 0 {
		return nil, 0, false, nil
	}
	state := projector.InitialState
	for _, event := range seq.Events {
		state = projector.TransitionFn(state, event)
	}
	return state, seq.Events[len(seq.Events)-1].StreamVersion, true, nil
}

func (es *eventStore) LookupByCommandID(ctx context.Context, commandID dcb.CommandID) (*dcb.Event, bool, error) {
	row := es.pool.QueryRow(ctx, selectEventColumns+` FROM events WHERE causation_id = $1 ORDER BY global_position ASC LIMIT 1`, string(commandID))
	event, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, &dcb.EventStoreError{Op: "lookupByCommandId", Err: err}
	}
	return &event, true, nil
}

func isoLevelOf(l dcb.IsolationLevel) pgx.TxIsoLevel {
	switch l {
	case dcb.IsolationLevelReadCommitted:
		return pgx.ReadCommitted
	case dcb.IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	default:
		return pgx.Serializable
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const selectEventColumns = `SELECT event_id, event_type, stream_type, stream_id, stream_version, global_position,
	created_at, category, schema_version, payload, correlation_id, causation_id, user_id, tags`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (dcb.Event, error) {
	var (
		e             dcb.Event
		category      string
		correlationID string
		causationID   string
		userID        *string
		tagsArray     []string
	)
	err := row.Scan(
		&e.EventID, &e.EventType, &e.StreamType, &e.StreamID, &e.StreamVersion, &e.GlobalPosition,
		&e.Timestamp, &category, &e.SchemaVersion, &e.Payload, &correlationID, &causationID, &userID,
		&tagsArray,
	)
	if err != nil {
		return dcb.Event{}, err
	}
	e.Category = dcb.Category(category)
	e.Metadata.CorrelationID = correlationID
	e.Metadata.CausationID = causationID
	if userID != nil {
		e.Metadata.UserID = *userID
	}
	e.Tags = dcb.ParseTagsArray(tagsArray)
	return e, nil
}

// buildReadQuerySQL renders query/options into a SELECT: an OR of
// per-item (event type IN, tags @>) clauses, a position cursor, and an
// optional LIMIT.
func buildReadQuerySQL(query dcb.Query, options *dcb.ReadOptions) (string, []any, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	argIndex := 1

	if len(query.Items) > 0 {
		orConditions := make([]string, 0, len(query.Items))
		for _, item := range query.Items {
			andConditions := make([]string, 0, 2)
			if len(item.EventTypes) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("event_type = ANY($%d::text[])", argIndex))
				args = append(args, item.EventTypes)
				argIndex++
			}
			if len(item.Tags) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("tags @> $%d::text[]", argIndex))
				args = append(args, dcb.TagsToArray(item.Tags))
				argIndex++
			}
			if len(andConditions) > 0 {
				orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
			}
		}
		if len(orConditions) > 0 {
			conditions = append(conditions, "("+strings.Join(orConditions, " OR ")+")")
		}
	}

	if options != nil && options.FromPosition > 0 {
		conditions = append(conditions, fmt.Sprintf("global_position > $%d", argIndex))
		args = append(args, options.FromPosition)
		argIndex++
	}

	sqlQuery := selectEventColumns + " FROM events"
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	if options != nil && options.Descending {
		sqlQuery += " ORDER BY global_position DESC"
	} else {
		sqlQuery += " ORDER BY global_position ASC"
	}
	if options != nil && options.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, options.Limit)
	}
	return sqlQuery, args, nil
}
