package fsm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbrun/domainrt/pkg/fsm"
)

func reservationFSM() *fsm.Definition {
	return fsm.New("pending", map[fsm.State][]fsm.State{
		"pending":   {"confirmed", "cancelled"},
		"confirmed": {"fulfilled", "cancelled"},
		"fulfilled": {},
		"cancelled": {},
	})
}

func TestCanTransition(t *testing.T) {
	f := reservationFSM()
	assert.True(t, f.CanTransition("pending", "confirmed"))
	assert.True(t, f.CanTransition("confirmed", "fulfilled"))
	assert.False(t, f.CanTransition("pending", "fulfilled"))
	assert.False(t, f.CanTransition("fulfilled", "pending"))
}

func TestAssertTransitionReturnsValidTargets(t *testing.T) {
	f := reservationFSM()
	err := f.AssertTransition("pending", "fulfilled")
	require.Error(t, err)

	var invalid *fsm.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.ElementsMatch(t, []fsm.State{"cancelled", "confirmed"}, invalid.Valid)
	assert.Equal(t, "FSM_INVALID_TRANSITION", invalid.Code())
}

func TestIsTerminal(t *testing.T) {
	f := reservationFSM()
	assert.False(t, f.IsTerminal("pending"))
	assert.True(t, f.IsTerminal("fulfilled"))
	assert.True(t, f.IsTerminal("cancelled"))
}

func TestIsValidState(t *testing.T) {
	f := reservationFSM()
	assert.True(t, f.IsValidState("pending"))
	assert.False(t, f.IsValidState("nonexistent"))
}

func TestValidTransitionsSorted(t *testing.T) {
	f := reservationFSM()
	assert.Equal(t, []fsm.State{"cancelled", "confirmed"}, f.ValidTransitions("pending"))
	assert.Nil(t, f.ValidTransitions("unknown"))
}
