package service

import (
	"time"

	"github.com/fengyelingdu/NexusTrader/internal/clock"
	"github.com/fengyelingdu/NexusTrader/internal/model"
	"github.com/fengyelingdu/NexusTrader/internal/order"
)

// Trader is the control surface handed to strategy code. Every method is
// safe to call from inside strategy callbacks; effects that produce events
// (submits, signals, timers) are observed later on the same ordered stream
// the callbacks run on.
type Trader interface {
	// Submit places an order and returns its client order id. Local
	// validation failures are returned synchronously; everything after
	// validation arrives as order snapshots via OnOrder.
	Submit(req order.SubmitRequest) (string, error)

	// Cancel requests cancellation. The order stays open until the exchange
	// confirms.
	Cancel(clientOrderID string) error

	// GetOrder returns a snapshot of one tracked order.
	GetOrder(clientOrderID string) (model.Order, bool)

	// OpenOrders returns snapshots of non-terminal orders, optionally
	// filtered by symbol (empty matches all).
	OpenOrders(symbol string) []model.Order

	// Subscribe requests additional market data or account streams.
	Subscribe(subs ...model.Subscription) error

	// Schedule arms a one-shot timer. The callback runs on the dispatcher
	// stream, never concurrently with other callbacks.
	Schedule(delay time.Duration, fn clock.Callback) clock.Handle

	// ScheduleRepeating arms a repeating timer.
	ScheduleRepeating(interval time.Duration, fn clock.Callback) clock.Handle

	// CancelTimer stops a scheduled timer.
	CancelTimer(h clock.Handle)

	// SendSignal injects a user-defined event into the stream; it is
	// delivered to OnSignal in order with everything else.
	SendSignal(name string, payload any) error

	// Cache exposes the latest market state per symbol.
	Cache() *Cache
}

// Strategy receives the ordered event stream. All callbacks run on the
// dispatcher goroutine one at a time, so strategy state needs no locking.
type Strategy interface {
	OnStart(t Trader)
	OnBookL1(book model.BookL1)
	OnTrade(trade model.Trade)
	OnKline(kline model.Kline)
	OnOrder(ord model.Order)
	OnBalance(balance model.BalanceUpdate)
	OnPosition(position model.PositionUpdate)
	OnSignal(signal model.Signal)
	OnStop()
}

// BaseStrategy is a no-op Strategy implementation meant for embedding, so
// strategies only override the callbacks they care about.
type BaseStrategy struct{}

func (BaseStrategy) OnStart(Trader)                  {}
func (BaseStrategy) OnBookL1(model.BookL1)           {}
func (BaseStrategy) OnTrade(model.Trade)             {}
func (BaseStrategy) OnKline(model.Kline)             {}
func (BaseStrategy) OnOrder(model.Order)             {}
func (BaseStrategy) OnBalance(model.BalanceUpdate)   {}
func (BaseStrategy) OnPosition(model.PositionUpdate) {}
func (BaseStrategy) OnSignal(model.Signal)           {}
func (BaseStrategy) OnStop()                         {}
