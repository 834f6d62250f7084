package decider_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dcbrun/domainrt/pkg/decider"
)

type reserveStock struct {
	ProductID string
	Quantity  int
}

type productCMS struct {
	Available int
}

func reserveDecider(state any, command any, ctx decider.Context) decider.Decision {
	cmd := command.(reserveStock)
	cms, _ := state.(*productCMS)
	if cms == nil || cms.Available < cmd.Quantity {
		return decider.Failed("ReservationFailed", "insufficient_stock", map[string]any{"productId": cmd.ProductID})
	}
	return decider.Success("StockReserved", map[string]any{"productId": cmd.ProductID, "quantity": cmd.Quantity},
		&productCMS{Available: cms.Available - cmd.Quantity})
}

func TestDecisionSuccess(t *testing.T) {
	ctx := decider.Context{Now: time.Now(), CommandID: "cmd-1", CorrelationID: "cmd-1"}
	d := reserveDecider(&productCMS{Available: 10}, reserveStock{ProductID: "p1", Quantity: 3}, ctx)

	assert.True(t, d.IsSuccess())
	assert.Equal(t, "StockReserved", d.EventType)
	assert.Equal(t, &productCMS{Available: 7}, d.StateUpdate)
}

func TestDecisionFailedOnInsufficientStock(t *testing.T) {
	ctx := decider.Context{Now: time.Now(), CommandID: "cmd-2", CorrelationID: "cmd-2"}
	d := reserveDecider(&productCMS{Available: 1}, reserveStock{ProductID: "p1", Quantity: 3}, ctx)

	assert.True(t, d.IsFailed())
	assert.Equal(t, "ReservationFailed", d.FailedEventType)
	assert.Equal(t, "insufficient_stock", d.Reason)
}

func TestEntityHandlerPreValidateShortCircuits(t *testing.T) {
	rejected := decider.Rejected("SKU_ALREADY_EXISTS", "sku taken", nil)
	h := decider.CreateEntityDeciderHandler(
		func(state any, command any, ctx decider.Context) decider.Decision {
			t.Fatal("decide must not run when preValidate rejects")
			return decider.Decision{}
		},
		func(ctx decider.Context, args any) *decider.Decision { return &rejected },
	)

	got := h.Handle(nil, reserveStock{ProductID: "p1", Quantity: 1}, decider.Context{}, nil)
	assert.True(t, got.IsRejected())
	assert.Equal(t, "SKU_ALREADY_EXISTS", got.Code)
}

func TestEntityHandlerPermitsNilStateForCreation(t *testing.T) {
	h := decider.CreateEntityDeciderHandler(
		func(state any, command any, ctx decider.Context) decider.Decision {
			assert.Nil(t, state)
			return decider.Success("ProductCreated", nil, &productCMS{Available: 0})
		},
		nil,
	)

	got := h.Handle(nil, reserveStock{}, decider.Context{}, nil)
	assert.True(t, got.IsSuccess())
}
