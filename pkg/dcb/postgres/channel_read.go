package postgres

import (
	"context"
	"fmt"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// ReadChannel streams query's matching events on a buffered channel
// instead of materializing the whole result set, for upcast and
// projection passes over streams too large to hold in memory at once.
func (es *eventStore) ReadChannel(ctx context.Context, query dcb.Query, options *dcb.ReadOptions) (<-chan dcb.Event, <-chan error) {
	events := make(chan dcb.Event, es.streamBufferSize())
	errs := make(chan error, 1)

	if err := dcb.ValidateQuery(query); err != nil {
		errs <- err
		close(events)
		close(errs)
		return events, errs
	}

	sqlQuery, args, err := buildReadQuerySQL(query, options)
	if err != nil {
		errs <- &dcb.EventStoreError{Op: "readChannel", Err: err}
		close(events)
		close(errs)
		return events, errs
	}

	go func() {
		defer close(events)
		defer close(errs)

		rows, err := es.pool.Query(ctx, sqlQuery, args...)
		if err != nil {
			errs <- &dcb.EventStoreError{Op: "readChannel", Err: fmt.Errorf("execute query: %w", err)}
			return
		}
		defer rows.Close()

		for rows.Next() {
			event, err := scanEvent(rows)
			if err != nil {
				errs <- &dcb.EventStoreError{Op: "readChannel", Err: fmt.Errorf("scan row: %w", err)}
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errs <- &dcb.EventStoreError{Op: "readChannel", Err: fmt.Errorf("iterate rows: %w", err)}
		}
	}()

	return events, errs
}

func (es *eventStore) streamBufferSize() int {
	if es.config.StreamBuffer <= 0 {
		return 100
	}
	return es.config.StreamBuffer
}
