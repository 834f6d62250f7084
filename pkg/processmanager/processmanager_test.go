package processmanager_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/processmanager"
)

type fakeStateStore struct {
	states map[string]processmanager.State
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: map[string]processmanager.State{}}
}

func (f *fakeStateStore) key(pmName, instanceID string) string { return pmName + "/" + instanceID }

func (f *fakeStateStore) GetOrCreate(ctx context.Context, pmName, instanceID string) (processmanager.State, error) {
	k := f.key(pmName, instanceID)
	if s, ok := f.states[k]; ok {
		return s, nil
	}
	s := processmanager.State{PMName: pmName, InstanceID: instanceID, Status: processmanager.StatusIdle}
	f.states[k] = s
	return s, nil
}

func (f *fakeStateStore) Save(ctx context.Context, state processmanager.State) error {
	f.states[f.key(state.PMName, state.InstanceID)] = state
	return nil
}

type fakeEmitter struct {
	emitted []processmanager.EmittedCommand
}

func (f *fakeEmitter) Emit(ctx context.Context, pmName, instanceID string, commands []processmanager.EmittedCommand) error {
	f.emitted = append(f.emitted, commands...)
	return nil
}

func orderCancelled(position int64) dcb.Event {
	return dcb.Event{EventID: "e5", EventType: "OrderCancelled", StreamType: "order", StreamID: "o5", GlobalPosition: position}
}

// TestPMRedeliveryAfterProjectionLag: the first delivery fails because
// the cross-context projection hasn't caught up, leaving
// lastGlobalPosition unadvanced; the retry succeeds once the
// projection has the reservation id.
func TestPMRedeliveryAfterProjectionLag(t *testing.T) {
	states := newFakeStateStore()
	emitter := &fakeEmitter{}
	exec := processmanager.New(states, emitter, nil, nil)

	reservationByOrder := map[string]string{}
	def := processmanager.Definition{
		PMName:             "reservationRelease",
		EventSubscriptions: []string{"OrderCancelled"},
		Handle: func(ctx context.Context, state processmanager.State, event dcb.Event) ([]processmanager.EmittedCommand, bool, error) {
			reservationID, ok := reservationByOrder[event.StreamID]
			if !ok {
				return nil, false, errors.New("reservation projection not yet caught up")
			}
			return []processmanager.EmittedCommand{{CommandType: "ReleaseReservation", Args: map[string]string{"reservationId": reservationID}}}, true, nil
		},
	}

	event := orderCancelled(1)
	result, err := exec.ProcessEvent(context.Background(), def, event)
	require.Error(t, err)
	assert.Equal(t, processmanager.StatusResultFailed, result.Status)

	state, _ := states.GetOrCreate(context.Background(), "reservationRelease", "o5")
	assert.Equal(t, int64(0), state.LastGlobalPosition)
	assert.Empty(t, emitter.emitted)

	reservationByOrder["o5"] = "r5"
	result, err = exec.ProcessEvent(context.Background(), def, event)
	require.NoError(t, err)
	assert.Equal(t, processmanager.StatusProcessed, result.Status)
	require.Len(t, emitter.emitted, 1)
	assert.Equal(t, "ReleaseReservation", emitter.emitted[0].CommandType)

	state, _ = states.GetOrCreate(context.Background(), "reservationRelease", "o5")
	assert.Equal(t, int64(1), state.LastGlobalPosition)
	assert.Equal(t, processmanager.StatusCompleted, state.Status)
}

func TestPMSkipsAlreadyProcessedEvent(t *testing.T) {
	states := newFakeStateStore()
	states.states["pm/i1"] = processmanager.State{PMName: "pm", InstanceID: "i1", LastGlobalPosition: 5}
	exec := processmanager.New(states, nil, nil, nil)

	def := processmanager.Definition{PMName: "pm", EventSubscriptions: []string{"Foo"}}
	event := dcb.Event{EventType: "Foo", StreamID: "i1", GlobalPosition: 3}

	result, err := exec.ProcessEvent(context.Background(), def, event)
	require.NoError(t, err)
	assert.Equal(t, processmanager.StatusSkipped, result.Status)
	assert.Equal(t, processmanager.ReasonAlreadyProcessed, result.Reason)
}

func TestPMSkipsTerminalState(t *testing.T) {
	states := newFakeStateStore()
	states.states["pm/i1"] = processmanager.State{PMName: "pm", InstanceID: "i1", Status: processmanager.StatusCompleted}
	exec := processmanager.New(states, nil, nil, nil)

	def := processmanager.Definition{PMName: "pm", EventSubscriptions: []string{"Foo"}}
	event := dcb.Event{EventType: "Foo", StreamID: "i1", GlobalPosition: 10}

	result, err := exec.ProcessEvent(context.Background(), def, event)
	require.NoError(t, err)
	assert.Equal(t, processmanager.StatusSkipped, result.Status)
	assert.Equal(t, processmanager.ReasonTerminalState, result.Reason)
}

func TestPMSkipsUnsubscribedEvent(t *testing.T) {
	states := newFakeStateStore()
	exec := processmanager.New(states, nil, nil, nil)

	def := processmanager.Definition{PMName: "pm", EventSubscriptions: []string{"Bar"}}
	event := dcb.Event{EventType: "Foo", StreamID: "i1", GlobalPosition: 1}

	result, err := exec.ProcessEvent(context.Background(), def, event)
	require.NoError(t, err)
	assert.Equal(t, processmanager.StatusSkipped, result.Status)
	assert.Equal(t, processmanager.ReasonNotSubscribed, result.Reason)
}
