// Package service runs strategy code against the ordered event stream.
//
// The dispatcher uses the actor model pattern: a single goroutine owns the
// strategy, the market cache, and the routing of every event, eliminating
// the need for locks in strategy code while keeping the whole engine's
// observable behavior sequential.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fengyelingdu/NexusTrader/internal/bus"
	"github.com/fengyelingdu/NexusTrader/internal/clock"
	"github.com/fengyelingdu/NexusTrader/internal/model"
	"github.com/fengyelingdu/NexusTrader/internal/order"
)

var (
	// ErrSignalDropped indicates the bus had no room for a user signal.
	ErrSignalDropped = errors.New("signal dropped, event bus full")
)

// SubscribeFunc routes a runtime subscription request to the owning stream
// session. Wired by the engine.
type SubscribeFunc func(subs ...model.Subscription) error

// DispatcherConfig holds the collaborators of a Dispatcher.
type DispatcherConfig struct {
	Bus       *bus.Bus
	Scheduler *clock.Scheduler
	Strategy  Strategy
	Cache     *Cache
	Subscribe SubscribeFunc
}

// Dispatcher pulls events off the bus and due timers off the scheduler and
// delivers them, one at a time, to the strategy and the order manager.
type Dispatcher struct {
	cfg    DispatcherConfig
	orders *order.Manager
	logger zerolog.Logger

	// pending queues order snapshots produced while handling the current
	// event. Draining it between events keeps snapshot delivery ordered
	// without the order manager ever publishing to the bus it is fed from.
	pendingMu sync.Mutex
	pending   []model.Order

	started atomic.Bool
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. BindOrders must be called before Run.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: log.With().Str("component", "dispatcher").Logger(),
		done:   make(chan struct{}),
	}
}

// BindOrders attaches the order manager. Split from the constructor because
// the manager needs the dispatcher's Transition callback at creation time.
func (d *Dispatcher) BindOrders(m *order.Manager) {
	d.orders = m
}

// Transition enqueues an order snapshot for delivery to the strategy. It is
// the order manager's TransitionFunc and must never block.
func (d *Dispatcher) Transition(ord model.Order) {
	d.pendingMu.Lock()
	d.pending = append(d.pending, ord)
	d.pendingMu.Unlock()
}

// Cache returns the dispatcher's market state cache.
func (d *Dispatcher) Cache() *Cache {
	return d.cfg.Cache
}

// Done is closed when the dispatch loop has fully stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run executes the dispatch loop until ctx is cancelled. It must be called
// at most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}
	if d.orders == nil {
		return errors.New("dispatcher has no order manager bound")
	}
	defer close(d.done)

	trader := &dispatcherTrader{d: d, ctx: ctx}
	d.cfg.Strategy.OnStart(trader)
	d.drainTransitions()

	d.logger.Info().Msg("dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			d.cfg.Strategy.OnStop()
			d.logger.Info().Msg("dispatch loop stopped")
			return nil
		case ev := <-d.cfg.Bus.Events():
			d.dispatch(ev)
		case firing := <-d.cfg.Scheduler.Due():
			firing.Fn(firing.Due)
			d.drainTransitions()
		}
	}
}

// dispatch routes one event to its consumer and then delivers any order
// snapshots the handling produced.
func (d *Dispatcher) dispatch(ev model.Event) {
	switch e := ev.(type) {
	case model.BookL1:
		d.cfg.Cache.apply(e)
		d.cfg.Strategy.OnBookL1(e)
	case model.Trade:
		d.cfg.Cache.apply(e)
		d.cfg.Strategy.OnTrade(e)
	case model.Kline:
		d.cfg.Cache.apply(e)
		d.cfg.Strategy.OnKline(e)
	case model.OrderAck, model.OrderFill, model.OrderReject, model.OrderCancelConfirm:
		d.orders.Apply(ev)
	case model.BalanceUpdate:
		d.cfg.Cache.apply(e)
		d.cfg.Strategy.OnBalance(e)
	case model.PositionUpdate:
		d.cfg.Cache.apply(e)
		d.cfg.Strategy.OnPosition(e)
	case model.Signal:
		d.cfg.Strategy.OnSignal(e)
	default:
		d.logger.Warn().Str("kind", ev.Kind().String()).Msg("unhandled event kind")
	}
	d.drainTransitions()
}

// drainTransitions delivers queued order snapshots to the strategy. OnOrder
// may submit again and enqueue further snapshots; the loop runs until the
// queue is empty so every transition is observed before the next bus event.
func (d *Dispatcher) drainTransitions() {
	for {
		d.pendingMu.Lock()
		batch := d.pending
		d.pending = nil
		d.pendingMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, snapshot := range batch {
			d.cfg.Strategy.OnOrder(snapshot)
		}
	}
}

// dispatcherTrader is the Trader implementation handed to strategy code.
type dispatcherTrader struct {
	d   *Dispatcher
	ctx context.Context
}

func (t *dispatcherTrader) Submit(req order.SubmitRequest) (string, error) {
	return t.d.orders.Submit(t.ctx, req)
}

func (t *dispatcherTrader) Cancel(clientOrderID string) error {
	return t.d.orders.Cancel(t.ctx, clientOrderID)
}

func (t *dispatcherTrader) GetOrder(clientOrderID string) (model.Order, bool) {
	return t.d.orders.Get(clientOrderID)
}

func (t *dispatcherTrader) OpenOrders(symbol string) []model.Order {
	return t.d.orders.OpenOrders(symbol)
}

func (t *dispatcherTrader) Subscribe(subs ...model.Subscription) error {
	if t.d.cfg.Subscribe == nil {
		return errors.New("runtime subscriptions not wired")
	}
	return t.d.cfg.Subscribe(subs...)
}

func (t *dispatcherTrader) Schedule(delay time.Duration, fn clock.Callback) clock.Handle {
	return t.d.cfg.Scheduler.ScheduleOnce(delay, fn)
}

func (t *dispatcherTrader) ScheduleRepeating(interval time.Duration, fn clock.Callback) clock.Handle {
	return t.d.cfg.Scheduler.ScheduleRepeating(interval, fn)
}

func (t *dispatcherTrader) CancelTimer(h clock.Handle) {
	t.d.cfg.Scheduler.Cancel(h)
}

// SendSignal enqueues a user signal. It must not block: the caller runs on
// the dispatcher goroutine, which is also the bus consumer.
func (t *dispatcherTrader) SendSignal(name string, payload any) error {
	ok := t.d.cfg.Bus.TryPublish(model.Signal{
		Name:    name,
		Payload: payload,
		Ts:      t.d.cfg.Scheduler.Now(),
	})
	if !ok {
		return ErrSignalDropped
	}
	return nil
}

func (t *dispatcherTrader) Cache() *Cache {
	return t.d.cfg.Cache
}
