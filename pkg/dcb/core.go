package dcb

import "context"

// EventStore is the contract the command orchestrator, DCB executor
// and process manager executor are all built against. Implementations
// must guarantee serializable mutations within one call to Append, and
// a monotonically increasing GlobalPosition across the entire log.
type EventStore interface {
	// Append atomically persists events onto one stream. expectedVersion
	// is the caller's view of the stream's current version; a mismatch
	// is reported as a *ConcurrencyError rather than written.
	Append(ctx context.Context, streamType, streamID string, expectedVersion int64, events []InputEvent) (AppendResult, error)

	// Read returns events matching query, honoring options (position
	// cursor, limit, direction). BatchSize is not consulted.
	Read(ctx context.Context, query Query, options *ReadOptions) (SequencedEvents, error)

	// ReadStream returns the full, ordered history of one stream.
	ReadStream(ctx context.Context, streamType, streamID string) (SequencedEvents, error)

	// LoadCMS returns the reduced projection for one stream and its
	// version, or ok=false if the stream has never been written to.
	LoadCMS(ctx context.Context, streamType, streamID string, projector StateProjector) (state any, version int64, ok bool, err error)

	// LookupByCommandID is the idempotency probe: it returns the event
	// previously produced by this commandId, if any.
	LookupByCommandID(ctx context.Context, commandID CommandID) (*Event, bool, error)
}

// ScopeStore is the DCB coordination-boundary half of the store
// contract, used exclusively by the DCB executor.
type ScopeStore interface {
	// Get returns the scope, or ok=false if it has never been committed.
	Get(ctx context.Context, key ScopeKey) (Scope, bool, error)

	// Commit atomically increments the scope's version, creating the row
	// on first commit. A version mismatch (or a missing scope when
	// expectedVersion != 0) is reported as a *ScopeConflictError.
	Commit(ctx context.Context, key ScopeKey, expectedVersion int64, streamIDs []string) (newVersion int64, err error)
}

// StreamingEventStore extends EventStore with a channel-based read for
// large streams, so an upcast or projection pass doesn't have to
// materialize the whole result set.
type StreamingEventStore interface {
	EventStore

	// ReadChannel streams events matching query on the returned channel,
	// closing it when the read completes or ctx is done. Errors during
	// iteration are reported on errCh exactly once before both channels
	// close.
	ReadChannel(ctx context.Context, query Query, options *ReadOptions) (events <-chan Event, errCh <-chan error)
}
