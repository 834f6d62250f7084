// Package memory is an in-memory implementation of the store contract:
// dcb.StreamingEventStore plus dcb.ScopeStore behind one mutex. It
// exists for tests and for hosts that want the full runtime without a
// database; semantics mirror pkg/dcb/postgres, including the
// version-gated append and the strictly increasing global position.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// Store holds every appended event and committed scope in memory.
// Safe for concurrent use; the zero value is not usable, construct
// with New.
type Store struct {
	mu     sync.Mutex
	events []dcb.Event
	// versions caches each stream's current version so Append's OCC
	// gate doesn't scan the log.
	versions map[string]int64
	scopes   map[dcb.ScopeKey]dcb.Scope
	now      func() time.Time
}

// New builds an empty Store. now defaults to time.Now; tests inject a
// fixed clock for deterministic timestamps.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		versions: map[string]int64{},
		scopes:   map[dcb.ScopeKey]dcb.Scope{},
		now:      now,
	}
}

func streamKey(streamType, streamID string) string { return streamType + "\x00" + streamID }

// Append implements dcb.EventStore with the same version gate the
// Postgres adapter enforces: expectedVersion must equal the stream's
// current version or the whole batch is refused.
func (s *Store) Append(ctx context.Context, streamType, streamID string, expectedVersion int64, events []dcb.InputEvent) (dcb.AppendResult, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(streamType, streamID)
	current := s.versions[key]
	if current != expectedVersion {
		return dcb.AppendResult{}, &dcb.ConcurrencyError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("stream version conflict")},
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	now := s.now().UTC()
	eventIDs := make([]string, len(events))
	positions := make([]int64, len(events))
	for i, e := range events {
		eventIDs[i] = uuid.New().String()
		positions[i] = int64(len(s.events)) + 1
		s.events = append(s.events, dcb.Event{
			EventID:        eventIDs[i],
			EventType:      e.EventType,
			StreamType:     streamType,
			StreamID:       streamID,
			StreamVersion:  expectedVersion + int64(i+1),
			GlobalPosition: positions[i],
			Timestamp:      now,
			Category:       e.Category,
			SchemaVersion:  e.SchemaVersion,
			Payload:        e.Payload,
			Metadata:       e.Metadata,
			Tags:           e.Tags,
		})
	}
	s.versions[key] = expectedVersion + int64(len(events))

	return dcb.AppendResult{
		NewVersion:      s.versions[key],
		EventIDs:        eventIDs,
		GlobalPositions: positions,
	}, nil
}

func matchesItem(e dcb.Event, item dcb.QueryItem) bool {
	if len(item.EventTypes) > 0 {
		found := false
		for _, et := range item.EventTypes {
			if et == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range item.Tags {
		found := false
		for _, have := range e.Tags {
			if have.Key == want.Key && have.Value == want.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchesQuery(e dcb.Event, q dcb.Query) bool {
	for _, item := range q.Items {
		if matchesItem(e, item) {
			return true
		}
	}
	return false
}

// Read implements dcb.EventStore.
func (s *Store) Read(ctx context.Context, query dcb.Query, options *dcb.ReadOptions) (dcb.SequencedEvents, error) {
	if err := dcb.ValidateQuery(query); err != nil {
		return dcb.SequencedEvents{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dcb.Event
	for _, e := range s.events {
		if options != nil && options.FromPosition > 0 && e.GlobalPosition <= options.FromPosition {
			continue
		}
		if matchesQuery(e, query) {
			out = append(out, e)
		}
	}
	if options != nil && options.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if options != nil && options.Limit > 0 && len(out) > options.Limit {
		out = out[:options.Limit]
	}
	var lastPosition int64
	if len(out) > 0 {
		lastPosition = out[len(out)-1].GlobalPosition
	}
	return dcb.SequencedEvents{Events: out, Position: lastPosition}, nil
}

// ReadStream implements dcb.EventStore.
func (s *Store) ReadStream(ctx context.Context, streamType, streamID string) (dcb.SequencedEvents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dcb.Event
	var lastPosition int64
	for _, e := range s.events {
		if e.StreamType == streamType && e.StreamID == streamID {
			out = append(out, e)
			lastPosition = e.GlobalPosition
		}
	}
	return dcb.SequencedEvents{Events: out, Position: lastPosition}, nil
}

// LoadCMS implements dcb.EventStore by folding the stream through the
// projector's transition function.
func (s *Store) LoadCMS(ctx context.Context, streamType, streamID string, projector dcb.StateProjector) (any, int64, bool, error) {
	seq, err := s.ReadStream(ctx, streamType, streamID)
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

// LookupByCommandID implements the idempotency probe: the first event
// whose causationId equals commandID, in global-position order.
func (s *Store) LookupByCommandID(ctx context.Context, commandID dcb.CommandID) (*dcb.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].Metadata.CausationID == string(commandID) {
			e := s.events[i]
			return &e, true, nil
		}
	}
	return nil, false, nil
}

// ReadChannel implements dcb.StreamingEventStore. The snapshot is taken
// under the lock; delivery happens on a goroutine so a slow consumer
// doesn't hold the store.
func (s *Store) ReadChannel(ctx context.Context, query dcb.Query, options *dcb.ReadOptions) (<-chan dcb.Event, <-chan error) {
	events := make(chan dcb.Event)
	errCh := make(chan error, 1)

	seq, err := s.Read(ctx, query, options)
	go func() {
		defer close(events)
		defer close(errCh)
		if err != nil {
			errCh <- err
			return
		}
		for _, e := range seq.Events {
			select {
			case events <- e:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return events, errCh
}

// Get implements dcb.ScopeStore.
func (s *Store) Get(ctx context.Context, key dcb.ScopeKey) (dcb.Scope, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, ok := s.scopes[key]
	return scope, ok, nil
}

// Commit implements dcb.ScopeStore with the same CAS the Postgres
// adapter runs: expectedVersion must match the scope's current version
// (0 meaning "does not exist yet").
func (s *Store) Commit(ctx context.Context, key dcb.ScopeKey, expectedVersion int64, streamIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, exists := s.scopes[key]
	if exists && scope.CurrentVersion != expectedVersion || !exists && expectedVersion != 0 {
		return 0, &dcb.ScopeConflictError{
			EventStoreError: dcb.EventStoreError{Op: "scope.commit", Err: fmt.Errorf("scope version conflict")},
			ScopeKey:        key,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  scope.CurrentVersion,
		}
	}

	now := s.now().UTC()
	if !exists {
		scope = dcb.Scope{Key: key, CreatedAt: now}
	}
	scope.CurrentVersion = expectedVersion + 1
	scope.StreamIDs = append([]string(nil), streamIDs...)
	scope.UpdatedAt = now
	s.scopes[key] = scope
	return scope.CurrentVersion, nil
}

var _ dcb.StreamingEventStore = (*Store)(nil)
var _ dcb.ScopeStore = (*Store)(nil)
