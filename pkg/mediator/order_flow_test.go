package mediator

import (
	"context"
	"fmt"
	"testing"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/eventstore"
)

// End-to-end command/query round trip: commands dispatched through the
// mediator append events to a per-order stream, and the query folds the
// stream back into a read model.

type createOrderCommand struct {
	OrderID  string
	Customer string
	Amount   int64
}
type payOrderCommand struct{ OrderID string }
type shipOrderCommand struct{ OrderID string }

type getOrderQuery struct{ OrderID string }
type orderView struct {
	Status string
	Amount int64
}

type orderCreatedEvent struct {
	Customer string
	Amount   int64
}
type orderPaidEvent struct{}
type orderShippedEvent struct{}

func orderStream(orderID string) string { return "Order-" + orderID }

func registerOrderHandlers(t *testing.T, m *Mediator, store eventstore.Store) {
	t.Helper()

	must := func(err error) {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	must(RegisterRequestHandler(m, func(ctx context.Context, cmd createOrderCommand) Result[struct{}] {
		_, err := store.Append(orderStream(cmd.OrderID), []interface{}{orderCreatedEvent{Customer: cmd.Customer, Amount: cmd.Amount}}, 0)
		if err != nil {
			return Failure[struct{}](err)
		}
		return Success(struct{}{})
	}))
	must(RegisterRequestHandler(m, func(ctx context.Context, cmd payOrderCommand) Result[struct{}] {
		version, err := store.GetStreamVersion(orderStream(cmd.OrderID))
		if err != nil {
			return Failure[struct{}](err)
		}
		if _, err := store.Append(orderStream(cmd.OrderID), []interface{}{orderPaidEvent{}}, version); err != nil {
			return Failure[struct{}](err)
		}
		return Success(struct{}{})
	}))
	must(RegisterRequestHandler(m, func(ctx context.Context, cmd shipOrderCommand) Result[struct{}] {
		version, err := store.GetStreamVersion(orderStream(cmd.OrderID))
		if err != nil {
			return Failure[struct{}](err)
		}
		if _, err := store.Append(orderStream(cmd.OrderID), []interface{}{orderShippedEvent{}}, version); err != nil {
			return Failure[struct{}](err)
		}
		return Success(struct{}{})
	}))
	must(RegisterRequestHandler(m, func(ctx context.Context, q getOrderQuery) Result[orderView] {
		stream, err := store.Read(orderStream(q.OrderID), 1, 0)
		if err != nil {
			return Failure[orderView](err)
		}
		if len(stream.Events) == 0 {
			return Failure[orderView](core.NewError(core.KindNotFound, "ORDER_NOT_FOUND", fmt.Sprintf("no order %s", q.OrderID)))
		}
		var view orderView
		for _, env := range stream.Events {
			switch evt := env.Event.(type) {
			case orderCreatedEvent:
				view.Status = "Created"
				view.Amount = evt.Amount
			case orderPaidEvent:
				view.Status = "Paid"
			case orderShippedEvent:
				view.Status = "Shipped"
			}
		}
		return Success(view)
	}))
}

func TestLinearOrderFlow_CommandsExtendStreamAndQueryFoldsIt(t *testing.T) {
	store := eventstore.NewMemoryStore()
	m := New(nil, &RecoveryBehavior{})
	registerOrderHandlers(t, m, store)

	ctx := context.Background()
	if res := SendVoid(m, ctx, createOrderCommand{OrderID: "42", Customer: "C1", Amount: 100}); res.IsFailure() {
		t.Fatalf("create: %v", res.Error())
	}
	if res := SendVoid(m, ctx, payOrderCommand{OrderID: "42"}); res.IsFailure() {
		t.Fatalf("pay: %v", res.Error())
	}
	if res := SendVoid(m, ctx, shipOrderCommand{OrderID: "42"}); res.IsFailure() {
		t.Fatalf("ship: %v", res.Error())
	}

	version, err := store.GetStreamVersion("Order-42")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 3 {
		t.Fatalf("stream version = %d, want 3", version)
	}

	res := Send[getOrderQuery, orderView](m, ctx, getOrderQuery{OrderID: "42"})
	if res.IsFailure() {
		t.Fatalf("query: %v", res.Error())
	}
	if view := res.Value(); view.Status != "Shipped" || view.Amount != 100 {
		t.Fatalf("view = %+v, want {Shipped 100}", view)
	}
}

func TestLinearOrderFlow_QueryOnAbsentOrderIsNotFound(t *testing.T) {
	store := eventstore.NewMemoryStore()
	m := New(nil)
	registerOrderHandlers(t, m, store)

	res := Send[getOrderQuery, orderView](m, context.Background(), getOrderQuery{OrderID: "nope"})
	if res.IsSuccess() {
		t.Fatal("expected NotFound for absent order")
	}
	if res.Error().Kind != core.KindNotFound {
		t.Fatalf("kind = %v, want NotFound", res.Error().Kind)
	}
}
