package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags the concrete type of an Event flowing through the bus.
type EventKind int

const (
	EvBookL1 EventKind = iota + 1
	EvTrade
	EvKline
	EvOrderAck
	EvOrderFill
	EvOrderReject
	EvOrderCancel
	EvBalance
	EvPosition
	EvOrderUpdate
	EvSignal
)

// String returns the canonical event kind name.
func (k EventKind) String() string {
	switch k {
	case EvBookL1:
		return "bookl1"
	case EvTrade:
		return "trade"
	case EvKline:
		return "kline"
	case EvOrderAck:
		return "order_ack"
	case EvOrderFill:
		return "order_fill"
	case EvOrderReject:
		return "order_reject"
	case EvOrderCancel:
		return "order_cancel"
	case EvBalance:
		return "balance"
	case EvPosition:
		return "position"
	case EvOrderUpdate:
		return "order_update"
	case EvSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Event is the interface implemented by every normalized event the adapters
// emit and the dispatcher consumes. Events are immutable value snapshots;
// they are never mutated after creation.
type Event interface {
	Kind() EventKind
}

// BookL1 is a top-of-book (best bid/ask) market data snapshot.
//
// It carries an exchange-supplied or locally-assigned sequence/timestamp used
// for staleness checks. There is no identity beyond (symbol, exchange, ts).
type BookL1 struct {
	Symbol   string
	Exchange Exchange
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
	Seq      uint64
	Ts       time.Time
}

func (BookL1) Kind() EventKind { return EvBookL1 }

// Trade is an executed trade observed on a public stream.
type Trade struct {
	Symbol   string
	Exchange Exchange
	Price    decimal.Decimal
	Size     decimal.Decimal
	Side     OrderSide
	Seq      uint64
	Ts       time.Time
}

func (Trade) Kind() EventKind { return EvTrade }

// Kline is an OHLCV bucket covering [Start, End).
type Kline struct {
	Symbol   string
	Exchange Exchange
	Interval string
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Start    time.Time
	End      time.Time
	Ts       time.Time
}

func (Kline) Kind() EventKind { return EvKline }

// OrderAck acknowledges that the exchange received an order. It establishes
// the exchange-assigned order id for the client order id.
type OrderAck struct {
	Exchange        Exchange
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Seq             uint64
	Ts              time.Time
}

func (OrderAck) Kind() EventKind { return EvOrderAck }

// OrderFill reports an execution (partial or full) against an order.
//
// Fill events for a given order must be applied in Seq order; the order
// manager discards any event with a Seq at or below the last applied one.
type OrderFill struct {
	Exchange        Exchange
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	FillPrice       decimal.Decimal
	FillSize        decimal.Decimal
	Seq             uint64
	Ts              time.Time
}

func (OrderFill) Kind() EventKind { return EvOrderFill }

// OrderReject reports that the exchange refused an order.
type OrderReject struct {
	Exchange        Exchange
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Reason          string
	Seq             uint64
	Ts              time.Time
}

func (OrderReject) Kind() EventKind { return EvOrderReject }

// OrderCancelConfirm reports that the exchange confirmed a cancellation.
type OrderCancelConfirm struct {
	Exchange        Exchange
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Seq             uint64
	Ts              time.Time
}

func (OrderCancelConfirm) Kind() EventKind { return EvOrderCancel }

// Balance is one asset balance within a BalanceUpdate.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// BalanceUpdate is a wholesale snapshot of account balances. It replaces the
// previous snapshot entirely; it is never a partial mutation, to avoid torn
// reads.
type BalanceUpdate struct {
	Exchange    Exchange
	AccountType AccountType
	Balances    []Balance
	Ts          time.Time
}

func (BalanceUpdate) Kind() EventKind { return EvBalance }

// Position is one open position within a PositionUpdate.
type Position struct {
	Symbol     string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// PositionUpdate is a wholesale snapshot of open positions.
type PositionUpdate struct {
	Exchange    Exchange
	AccountType AccountType
	Positions   []Position
	Ts          time.Time
}

func (PositionUpdate) Kind() EventKind { return EvPosition }

// OrderUpdate carries an immutable order snapshot taken at a status
// transition. Exactly one OrderUpdate is delivered per transition.
type OrderUpdate struct {
	Order Order
}

func (OrderUpdate) Kind() EventKind { return EvOrderUpdate }

// Signal is a user-defined payload injected by strategy code and delivered
// back through the dispatcher stream in order with everything else.
type Signal struct {
	Name    string
	Payload any
	Ts      time.Time
}

func (Signal) Kind() EventKind { return EvSignal }
