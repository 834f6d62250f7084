package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/processmanager"
)

// pmStateStore implements processmanager.StateStore against the
// pm_state table, keyed by (pmName, instanceId).
type pmStateStore struct {
	pool *pgxpool.Pool
}

// NewPMStateStore constructs the process manager watermark adapter.
func NewPMStateStore(pool *pgxpool.Pool) (processmanager.StateStore, error) {
	if pool == nil {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "NewPMStateStore", Err: fmt.Errorf("pool must not be nil")},
			Field:           "pool",
			Value:           "nil",
		}
	}
	return &pmStateStore{pool: pool}, nil
}

func (s *pmStateStore) GetOrCreate(ctx context.Context, pmName, instanceID string) (processmanager.State, error) {
	var (
		state       processmanager.State
		status      string
		customState []byte
	)
	row := s.pool.QueryRow(ctx, `
		SELECT pm_name, instance_id, status, last_global_position, commands_emitted, commands_failed, state_version, custom_state
		FROM pm_state WHERE pm_name = $1 AND instance_id = $2`, pmName, instanceID)
	err := row.Scan(&state.PMName, &state.InstanceID, &status, &state.LastGlobalPosition,
		&state.CommandsEmitted, &state.CommandsFailed, &state.StateVersion, &customState)
	switch err {
	case nil:
		state.Status = processmanager.Status(status)
		state.CustomState = customState
		return state, nil
	case pgx.ErrNoRows:
		state = processmanager.State{
			PMName: pmName, InstanceID: instanceID, Status: processmanager.StatusIdle,
			StateVersion: 1, CustomState: []byte("{}"),
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO pm_state (pm_name, instance_id, status, state_version, custom_state)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pm_name, instance_id) DO NOTHING`,
			pmName, instanceID, string(state.Status), state.StateVersion, state.CustomState,
		)
		if err != nil {
			return processmanager.State{}, &dcb.EventStoreError{Op: "pmstate.getOrCreate", Err: err}
		}
		return state, nil
	default:
		return processmanager.State{}, &dcb.EventStoreError{Op: "pmstate.getOrCreate", Err: err}
	}
}

func (s *pmStateStore) Save(ctx context.Context, state processmanager.State) error {
	customState := state.CustomState
	if customState == nil {
		customState = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE pm_state SET status = $1, last_global_position = $2, commands_emitted = $3,
			commands_failed = $4, state_version = $5, custom_state = $6, updated_at = now()
		WHERE pm_name = $7 AND instance_id = $8`,
		string(state.Status), state.LastGlobalPosition, state.CommandsEmitted,
		state.CommandsFailed, state.StateVersion, customState, state.PMName, state.InstanceID,
	)
	if err != nil {
		return &dcb.EventStoreError{Op: "pmstate.save", Err: fmt.Errorf("save state for %s/%s: %w", state.PMName, state.InstanceID, err)}
	}
	return nil
}
