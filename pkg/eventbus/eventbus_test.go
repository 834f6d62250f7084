package eventbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/eventbus"
)

type fakeEnqueuer struct {
	calls    []string
	contexts []eventbus.EnqueueContext
	fail     string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, name string, args any, ectx eventbus.EnqueueContext, onComplete eventbus.OnCompleteFunc) (string, error) {
	if name == f.fail {
		return "", assertErr{name}
	}
	f.calls = append(f.calls, name)
	f.contexts = append(f.contexts, ectx)
	return "work-" + name, nil
}

type assertErr struct{ name string }

func (e assertErr) Error() string { return "enqueue failed: " + e.name }

func orderPlaced(position int64) dcb.Event {
	return dcb.Event{
		EventID: "e1", EventType: "OrderPlaced", StreamType: "order", StreamID: "o1",
		GlobalPosition: position, Category: dcb.CategoryDomain,
	}
}

func TestPublishMatchesByEventType(t *testing.T) {
	enq := &fakeEnqueuer{}
	bus := eventbus.New([]eventbus.Subscription{
		{Name: "projectOrders", Filter: eventbus.Filter{EventTypes: []string{"OrderPlaced"}}, Priority: 100},
		{Name: "projectShipments", Filter: eventbus.Filter{EventTypes: []string{"ShipmentCreated"}}, Priority: 100},
	}, enq)

	result, err := bus.Publish(context.Background(), orderPlaced(1))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, []string{"projectOrders"}, result.Triggered)
}

func TestPublishMatchesByCategoryAndWildcard(t *testing.T) {
	enq := &fakeEnqueuer{}
	bus := eventbus.New([]eventbus.Subscription{
		{Name: "domainAudit", Filter: eventbus.Filter{Categories: []dcb.Category{dcb.CategoryDomain}}, Priority: 50},
		{Name: "auditAll", Filter: eventbus.Filter{}, Priority: 300},
	}, enq)

	result, err := bus.Publish(context.Background(), orderPlaced(1))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"domainAudit", "auditAll"}, result.Triggered)
}

// TestPublishNoMatchingSubscribers: zero matches is a successful
// publish, not an error.
func TestPublishNoMatchingSubscribers(t *testing.T) {
	enq := &fakeEnqueuer{}
	bus := eventbus.New([]eventbus.Subscription{
		{Name: "projectShipments", Filter: eventbus.Filter{EventTypes: []string{"ShipmentCreated"}}, Priority: 100},
	}, enq)

	result, err := bus.Publish(context.Background(), orderPlaced(1))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Matched)
	assert.Empty(t, result.Triggered)
	assert.True(t, result.Success)
	assert.Empty(t, enq.calls)
}

func TestPublishOrdersByPriority(t *testing.T) {
	enq := &fakeEnqueuer{}
	bus := eventbus.New([]eventbus.Subscription{
		{Name: "saga", Filter: eventbus.Filter{EventTypes: []string{"OrderPlaced"}}, Priority: 300},
		{Name: "projection", Filter: eventbus.Filter{EventTypes: []string{"OrderPlaced"}}, Priority: 100},
		{Name: "pm", Filter: eventbus.Filter{EventTypes: []string{"OrderPlaced"}}, Priority: 200},
	}, enq)

	_, err := bus.Publish(context.Background(), orderPlaced(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"projection", "pm", "saga"}, enq.calls)
}

func TestPublishDeduplicatesAcrossDimensions(t *testing.T) {
	enq := &fakeEnqueuer{}
	bus := eventbus.New([]eventbus.Subscription{
		{Name: "both", Filter: eventbus.Filter{EventTypes: []string{"OrderPlaced"}, Categories: []dcb.Category{dcb.CategoryDomain}}, Priority: 100},
	}, enq)

	result, err := bus.Publish(context.Background(), orderPlaced(1))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)
}

func TestPublishCarriesRetryPolicyOverride(t *testing.T) {
	enq := &fakeEnqueuer{}
	bus := eventbus.New([]eventbus.Subscription{
		{
			Name:        "callPaymentGateway",
			Filter:      eventbus.Filter{EventTypes: []string{"OrderPlaced"}},
			HandlerKind: eventbus.KindAction,
			OnComplete:  func(ctx context.Context, result any, err error) {},
			Priority:    250,
			Retry:       &eventbus.RetryPolicy{MaxAttempts: 1},
		},
	}, enq)

	_, err := bus.Publish(context.Background(), orderPlaced(1))
	require.NoError(t, err)
	require.Len(t, enq.contexts, 1)
	require.NotNil(t, enq.contexts[0].Retry)
	assert.Equal(t, 1, enq.contexts[0].Retry.MaxAttempts)
}

func TestPublishAbortsOnEnqueueError(t *testing.T) {
	enq := &fakeEnqueuer{fail: "broken"}
	bus := eventbus.New([]eventbus.Subscription{
		{Name: "broken", Filter: eventbus.Filter{EventTypes: []string{"OrderPlaced"}}, Priority: 100},
	}, enq)

	_, err := bus.Publish(context.Background(), orderPlaced(1))
	require.Error(t, err)
}

func TestPublishActionWithoutOnCompleteErrors(t *testing.T) {
	enq := &fakeEnqueuer{}
	bus := eventbus.New([]eventbus.Subscription{
		{Name: "agentCall", Filter: eventbus.Filter{EventTypes: []string{"OrderPlaced"}}, HandlerKind: eventbus.KindAction, Priority: 250},
	}, enq)

	_, err := bus.Publish(context.Background(), orderPlaced(1))
	assert.Error(t, err)
}
