package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the position of an order within its lifecycle state machine.
//
// Valid forward transitions:
//
//	pending → accepted → partially_filled → filled
//
// plus failed/canceled reachable from any non-terminal state. Filled, failed
// and canceled are terminal: no transition ever leaves them. Status never
// moves backward along the graph.
type OrderStatus int

const (
	// OrderPending means the command was sent but not yet acknowledged.
	OrderPending OrderStatus = iota

	// OrderAccepted means the exchange acknowledged receipt.
	OrderAccepted

	// OrderPartiallyFilled means 0 < filled < requested.
	OrderPartiallyFilled

	// OrderFilled means filled == requested. Terminal.
	OrderFilled

	// OrderCanceled means the order was canceled by user or exchange. Terminal.
	OrderCanceled

	// OrderFailed means the exchange rejected the order or errored. Terminal.
	OrderFailed
)

// String returns the canonical status name.
func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderAccepted:
		return "accepted"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCanceled:
		return "canceled"
	case OrderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseOrderStatus converts a case-insensitive status name.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return OrderPending, nil
	case "accepted":
		return OrderAccepted, nil
	case "partially_filled":
		return OrderPartiallyFilled, nil
	case "filled":
		return OrderFilled, nil
	case "canceled":
		return OrderCanceled, nil
	case "failed":
		return OrderFailed, nil
	default:
		return 0, fmt.Errorf("unknown order status: %q", s)
	}
}

// IsTerminal reports whether no further transition is permitted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderFailed:
		return true
	default:
		return false
	}
}

// rank orders statuses along the forward direction of the lifecycle graph.
// Terminal failure states rank highest so no event can ever move out of them.
var statusRank = map[OrderStatus]int{
	OrderPending:         0,
	OrderAccepted:        1,
	OrderPartiallyFilled: 2,
	OrderFilled:          3,
	OrderCanceled:        3,
	OrderFailed:          3,
}

// CanTransitionTo reports whether moving from s to next is a valid forward
// step through the lifecycle graph. A transition into a terminal failure
// state (failed/canceled) is valid from any non-terminal state.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == OrderFailed || next == OrderCanceled {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// StatusChange records one status transition and when it happened.
type StatusChange struct {
	Status OrderStatus
	At     time.Time
}

// Order is the engine's authoritative record of one submitted order.
//
// Identity: the client-assigned order id, unique per engine instance and
// immutable once assigned; the exchange-assigned id is attached once known.
// The order is mutated exclusively by the order manager; every other
// component only ever receives immutable snapshots taken via Snapshot.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Exchange        Exchange
	AccountType     AccountType
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Filled          decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          OrderStatus
	Reason          string
	Transitions     []StatusChange
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsOpen reports whether the order can still receive transitions.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// Remaining returns the unfilled amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Snapshot returns a deep copy safe to hand to strategy code. Strategy code
// observing the snapshot later never sees a future state under its feet.
func (o *Order) Snapshot() Order {
	cp := *o
	cp.Transitions = make([]StatusChange, len(o.Transitions))
	copy(cp.Transitions, o.Transitions)
	return cp
}
