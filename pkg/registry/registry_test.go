package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbrun/domainrt/pkg/dcb"
	"github.com/dcbrun/domainrt/pkg/registry"
)

func TestEventRegistryRejectsInvalidCategory(t *testing.T) {
	_, err := registry.NewEventRegistry([]registry.EventDefinition{
		{EventType: "OrderSubmitted", SchemaVersion: 1, Category: "bogus"},
	})
	assert.Error(t, err)
}

func TestEventRegistryRejectsNegativeSchemaVersion(t *testing.T) {
	_, err := registry.NewEventRegistry([]registry.EventDefinition{
		{EventType: "OrderSubmitted", SchemaVersion: -1, Category: dcb.CategoryDomain},
	})
	assert.Error(t, err)
}

func TestEventRegistryRejectsDuplicateEventType(t *testing.T) {
	def := registry.EventDefinition{EventType: "OrderSubmitted", SchemaVersion: 1, Category: dcb.CategoryDomain}
	_, err := registry.NewEventRegistry([]registry.EventDefinition{def, def})
	assert.Error(t, err)
}

func TestCommandRegistryRejectsUndeclaredEvent(t *testing.T) {
	events, err := registry.NewEventRegistry([]registry.EventDefinition{
		{EventType: "OrderSubmitted", SchemaVersion: 1, Category: dcb.CategoryDomain},
	})
	require.NoError(t, err)

	_, err = registry.NewCommandRegistry([]registry.CommandDefinition{
		{CommandType: "SubmitOrder", Events: []string{"NotRegistered"}},
	}, events)
	assert.Error(t, err)
}

func TestCommandRegistryAcceptsValidDefinition(t *testing.T) {
	events, err := registry.NewEventRegistry([]registry.EventDefinition{
		{EventType: "OrderSubmitted", SchemaVersion: 1, Category: dcb.CategoryDomain},
	})
	require.NoError(t, err)

	commands, err := registry.NewCommandRegistry([]registry.CommandDefinition{
		{CommandType: "SubmitOrder", Events: []string{"OrderSubmitted"}},
	}, events)
	require.NoError(t, err)

	def, ok := commands.Get("SubmitOrder")
	require.True(t, ok)
	assert.Equal(t, []string{"OrderSubmitted"}, def.Events)
}

func TestProjectionRegistryRequiresSubscriptions(t *testing.T) {
	_, err := registry.NewProjectionRegistry([]registry.ProjectionDefinition{
		{ProjectionName: "orders", Category: registry.ProjectionView},
	})
	assert.Error(t, err)
}

func TestProjectionClientExposureOnlyForView(t *testing.T) {
	view := registry.ProjectionDefinition{ProjectionName: "a", EventSubscriptions: []string{"E"}, Category: registry.ProjectionView}
	logic := registry.ProjectionDefinition{ProjectionName: "b", EventSubscriptions: []string{"E"}, Category: registry.ProjectionLogic}
	assert.True(t, view.ClientExposed())
	assert.False(t, logic.ClientExposed())
}

func TestPMRegistryRequiresSubscriptionForEventTriggered(t *testing.T) {
	_, err := registry.NewPMRegistry([]registry.PMDefinition{
		{PMName: "reservationRelease", Kind: registry.PMEventTriggered},
	})
	assert.Error(t, err)
}

func TestPMRegistryRequiresCronForTimeTriggered(t *testing.T) {
	_, err := registry.NewPMRegistry([]registry.PMDefinition{
		{PMName: "nightlyReport", Kind: registry.PMTimeTriggered},
	})
	assert.Error(t, err)
}

func TestPMRegistryAcceptsValidHybrid(t *testing.T) {
	pms, err := registry.NewPMRegistry([]registry.PMDefinition{
		{PMName: "hybridPM", Kind: registry.PMHybrid, EventSubscriptions: []string{"E"}, CronConfig: "0 * * * *"},
	})
	require.NoError(t, err)
	_, ok := pms.Get("hybridPM")
	assert.True(t, ok)
}

func TestIsNounPastAdvisory(t *testing.T) {
	assert.True(t, registry.IsNounPast("OrderSubmitted"))
	assert.True(t, registry.IsNounPast("ReservationFailed"))
	assert.False(t, registry.IsNounPast("SubmitOrder"))
}
