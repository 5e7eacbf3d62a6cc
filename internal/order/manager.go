// Package order tracks the lifecycle of every order the engine submits.
//
// The Manager is the single writer of order state. It validates and sends
// submissions, applies exchange-reported lifecycle events, and guarantees
// the lifecycle invariants: status moves forward only, fills never exceed
// the order amount, duplicate fill events are discarded, and every status
// transition produces exactly one immutable snapshot.
//
// All mutating methods are expected to be called from the dispatcher
// goroutine; internal locking exists only to make read-side accessors
// (Get, OpenOrders) safe from other goroutines.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fengyelingdu/NexusTrader/internal/adapter"
	"github.com/fengyelingdu/NexusTrader/internal/model"
	"github.com/fengyelingdu/NexusTrader/internal/ratelimit"
	"github.com/fengyelingdu/NexusTrader/internal/utils"
)

var (
	// ErrUnknownOrder indicates the client order id is not tracked.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrNoRoute indicates no private session is registered for the exchange.
	ErrNoRoute = errors.New("no route for exchange")
)

// ValidationError reports a submission rejected locally before anything was
// sent to the exchange. No order record is created for it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// CommandSender delivers an encoded command to the exchange. Implemented by
// the private stream session.
type CommandSender interface {
	Send(payload []byte) error
}

// TransitionFunc receives an immutable order snapshot for every status
// transition, in transition order. The callback must not block.
type TransitionFunc func(model.Order)

// SubmitRequest describes one order to place.
type SubmitRequest struct {
	Exchange    model.Exchange
	AccountType model.AccountType
	Symbol      string
	Side        model.OrderSide
	Type        model.OrderType
	Price       decimal.Decimal
	Amount      decimal.Decimal
}

// route binds an exchange to its adapter, private session, and request
// budget.
type route struct {
	adapter adapter.Adapter
	sender  CommandSender
	limiter *ratelimit.Limiter
}

// orderState is the mutable tracking record behind one order.
type orderState struct {
	order   model.Order
	lastSeq uint64
	seqSeen bool
}

// Manager owns all in-flight order state.
type Manager struct {
	mu     sync.Mutex
	routes map[model.Exchange]*route
	orders map[string]*orderState

	// byExchangeID correlates exchange-assigned ids back to client ids for
	// venues that omit the client id on some events.
	byExchangeID map[string]string

	// open indexes non-terminal client order ids per symbol.
	open map[string]map[string]struct{}

	// terminal buffers finished orders until the next archive flush.
	terminal []model.Order

	onTransition TransitionFunc
	logger       zerolog.Logger
	newID        func() string
	now          func() time.Time
}

// NewManager creates a manager delivering transition snapshots to
// onTransition. A nil callback is allowed and simply drops snapshots.
func NewManager(onTransition TransitionFunc) *Manager {
	if onTransition == nil {
		onTransition = func(model.Order) {}
	}
	return &Manager{
		routes:       make(map[model.Exchange]*route),
		orders:       make(map[string]*orderState),
		byExchangeID: make(map[string]string),
		open:         make(map[string]map[string]struct{}),
		onTransition: onTransition,
		logger:       log.With().Str("component", "orderManager").Logger(),
		newID:        func() string { return uuid.NewString() },
		now:          time.Now,
	}
}

// RegisterRoute wires an exchange's adapter and private session into the
// manager. Orders for an exchange can only be submitted after its route is
// registered.
func (m *Manager) RegisterRoute(ex model.Exchange, a adapter.Adapter, sender CommandSender, limiter *ratelimit.Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[ex] = &route{adapter: a, sender: sender, limiter: limiter}
}

// Submit validates and places an order.
//
// Local validation failures return a ValidationError and create no order.
// Once validation passes, a pending order record exists and every later
// failure is data: encode or send errors move the order to failed and are
// reported through the transition stream, not the return value.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := validateSubmit(req); err != nil {
		return "", err
	}

	m.mu.Lock()
	rt, ok := m.routes[req.Exchange]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, req.Exchange)
	}

	clientID := m.newID()
	now := m.now()
	ord := model.Order{
		ClientOrderID: clientID,
		Exchange:      req.Exchange,
		AccountType:   req.AccountType,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Amount:        req.Amount,
		Status:        model.OrderPending,
		Transitions:   []model.StatusChange{{Status: model.OrderPending, At: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	m.orders[clientID] = &orderState{order: ord}
	m.indexOpen(clientID, req.Symbol)
	snapshot := ord.Snapshot()
	m.mu.Unlock()
	m.onTransition(snapshot)

	if rt.limiter != nil {
		if err := rt.limiter.Wait(ctx); err != nil {
			m.fail(clientID, "rate limit wait cancelled: "+err.Error())
			return clientID, nil
		}
	}

	payload, err := rt.adapter.Encode(adapter.SubmitOrder{
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Amount:        req.Amount,
		Ts:            m.now(),
	})
	if err != nil {
		m.fail(clientID, "encode: "+err.Error())
		return clientID, nil
	}

	if err := rt.sender.Send(payload); err != nil {
		m.fail(clientID, "send: "+err.Error())
		return clientID, nil
	}

	m.logger.Info().
		Str("clientOrderId", clientID).
		Str("exchange", req.Exchange.String()).
		Str("symbol", req.Symbol).
		Str("side", req.Side.String()).
		Str("amount", req.Amount.String()).
		Msg("order submitted")
	return clientID, nil
}

// validateSubmit checks a submission before any state is created.
func validateSubmit(req SubmitRequest) error {
	if err := utils.ValidateSymbol(req.Symbol); err != nil {
		return ValidationError{Field: "symbol", Reason: err.Error()}
	}
	if !req.Amount.IsPositive() {
		return ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.Type != model.Market && !req.Price.IsPositive() {
		return ValidationError{Field: "price", Reason: "required for non-market orders"}
	}
	return nil
}

// Cancel requests cancellation of an order. The local state is not touched:
// the order stays open until the exchange confirms the cancel, so a fill
// racing the cancel request still wins.
func (m *Manager) Cancel(ctx context.Context, clientID string) error {
	m.mu.Lock()
	st, ok := m.orders[clientID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownOrder
	}
	if st.order.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	ord := st.order
	rt, ok := m.routes[ord.Exchange]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, ord.Exchange)
	}

	if rt.limiter != nil {
		if err := rt.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	payload, err := rt.adapter.Encode(adapter.CancelOrder{
		ClientOrderID:   clientID,
		ExchangeOrderID: ord.ExchangeOrderID,
		Symbol:          ord.Symbol,
		Ts:              m.now(),
	})
	if err != nil {
		return err
	}
	if err := rt.sender.Send(payload); err != nil {
		return err
	}

	m.logger.Info().Str("clientOrderId", clientID).Msg("cancel requested")
	return nil
}

// Apply folds one exchange-reported lifecycle event into order state.
// Events for unknown orders and regressive transitions are logged and
// ignored; they never corrupt tracked state.
func (m *Manager) Apply(ev model.Event) {
	switch e := ev.(type) {
	case model.OrderAck:
		m.applyAck(e)
	case model.OrderFill:
		m.applyFill(e)
	case model.OrderReject:
		m.applyReject(e)
	case model.OrderCancelConfirm:
		m.applyCancel(e)
	default:
		m.logger.Warn().Str("kind", ev.Kind().String()).Msg("non-order event routed to order manager")
	}
}

func (m *Manager) applyAck(e model.OrderAck) {
	m.mu.Lock()
	st := m.resolveLocked(e.ClientOrderID, e.ExchangeOrderID)
	if st == nil {
		m.mu.Unlock()
		m.anomaly("ack", e.ClientOrderID, e.ExchangeOrderID, "unknown order")
		return
	}

	if e.ExchangeOrderID != "" {
		st.order.ExchangeOrderID = e.ExchangeOrderID
		m.byExchangeID[e.ExchangeOrderID] = st.order.ClientOrderID
	}

	snapshot, changed := m.transitionLocked(st, model.OrderAccepted, "")
	m.mu.Unlock()
	if changed {
		m.onTransition(snapshot)
	}
}

func (m *Manager) applyFill(e model.OrderFill) {
	m.mu.Lock()
	st := m.resolveLocked(e.ClientOrderID, e.ExchangeOrderID)
	if st == nil {
		m.mu.Unlock()
		m.anomaly("fill", e.ClientOrderID, e.ExchangeOrderID, "unknown order")
		return
	}

	// Duplicate or replayed fill: at-or-below the last applied sequence is
	// an idempotent discard, not an error.
	if st.seqSeen && e.Seq <= st.lastSeq {
		m.mu.Unlock()
		m.logger.Debug().
			Str("clientOrderId", st.order.ClientOrderID).
			Uint64("seq", e.Seq).
			Uint64("lastSeq", st.lastSeq).
			Msg("duplicate fill discarded")
		return
	}

	if st.order.Status.IsTerminal() {
		m.mu.Unlock()
		m.anomaly("fill", e.ClientOrderID, e.ExchangeOrderID, "fill on terminal order")
		return
	}

	if e.ExchangeOrderID != "" && st.order.ExchangeOrderID == "" {
		st.order.ExchangeOrderID = e.ExchangeOrderID
		m.byExchangeID[e.ExchangeOrderID] = st.order.ClientOrderID
	}

	fillSize := e.FillSize
	remaining := st.order.Amount.Sub(st.order.Filled)
	if fillSize.GreaterThan(remaining) {
		m.anomaly("fill", e.ClientOrderID, e.ExchangeOrderID, "fill exceeds remaining, clamping")
		fillSize = remaining
	}

	prevFilled := st.order.Filled
	newFilled := prevFilled.Add(fillSize)
	if newFilled.IsPositive() {
		notional := st.order.AvgFillPrice.Mul(prevFilled).Add(e.FillPrice.Mul(fillSize))
		st.order.AvgFillPrice = notional.Div(newFilled)
	}
	st.order.Filled = newFilled
	st.lastSeq = e.Seq
	st.seqSeen = true

	target := model.OrderPartiallyFilled
	if newFilled.GreaterThanOrEqual(st.order.Amount) {
		target = model.OrderFilled
	}
	snapshot, changed := m.transitionLocked(st, target, "")
	if !changed {
		// Same status (another partial fill): still one snapshot per applied
		// fill so consumers observe the new filled quantity.
		st.order.UpdatedAt = m.now()
		snapshot = st.order.Snapshot()
		changed = true
	}
	m.mu.Unlock()
	m.onTransition(snapshot)
}

func (m *Manager) applyReject(e model.OrderReject) {
	m.mu.Lock()
	st := m.resolveLocked(e.ClientOrderID, e.ExchangeOrderID)
	if st == nil {
		m.mu.Unlock()
		m.anomaly("reject", e.ClientOrderID, e.ExchangeOrderID, "unknown order")
		return
	}
	snapshot, changed := m.transitionLocked(st, model.OrderFailed, e.Reason)
	m.mu.Unlock()
	if changed {
		m.onTransition(snapshot)
	}
}

func (m *Manager) applyCancel(e model.OrderCancelConfirm) {
	m.mu.Lock()
	st := m.resolveLocked(e.ClientOrderID, e.ExchangeOrderID)
	if st == nil {
		m.mu.Unlock()
		m.anomaly("cancel", e.ClientOrderID, e.ExchangeOrderID, "unknown order")
		return
	}
	snapshot, changed := m.transitionLocked(st, model.OrderCanceled, "")
	m.mu.Unlock()
	if changed {
		m.onTransition(snapshot)
	}
}

// fail moves an order to failed with a reason, outside the event path.
func (m *Manager) fail(clientID, reason string) {
	m.mu.Lock()
	st, ok := m.orders[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot, changed := m.transitionLocked(st, model.OrderFailed, reason)
	m.mu.Unlock()
	if changed {
		m.onTransition(snapshot)
	}
}

// transitionLocked applies a forward-only status transition. It returns the
// post-transition snapshot and whether the transition happened. Regressive
// or invalid transitions are logged and dropped. Must be called with the
// mutex held.
func (m *Manager) transitionLocked(st *orderState, target model.OrderStatus, reason string) (model.Order, bool) {
	if !st.order.Status.CanTransitionTo(target) {
		if st.order.Status != target {
			m.logger.Warn().
				Str("clientOrderId", st.order.ClientOrderID).
				Str("from", st.order.Status.String()).
				Str("to", target.String()).
				Msg("ignoring regressive order transition")
		}
		return model.Order{}, false
	}

	now := m.now()
	st.order.Status = target
	st.order.UpdatedAt = now
	if reason != "" {
		st.order.Reason = reason
	}
	st.order.Transitions = append(st.order.Transitions, model.StatusChange{Status: target, At: now})

	if target.IsTerminal() {
		m.deindexOpen(st.order.ClientOrderID, st.order.Symbol)
		m.terminal = append(m.terminal, st.order.Snapshot())
	}
	return st.order.Snapshot(), true
}

// resolveLocked finds the tracking record by client id, falling back to the
// exchange id correlation map. Must be called with the mutex held.
func (m *Manager) resolveLocked(clientID, exchangeID string) *orderState {
	if clientID != "" {
		if st, ok := m.orders[clientID]; ok {
			return st
		}
	}
	if exchangeID != "" {
		if mapped, ok := m.byExchangeID[exchangeID]; ok {
			return m.orders[mapped]
		}
	}
	return nil
}

func (m *Manager) indexOpen(clientID, symbol string) {
	set, ok := m.open[symbol]
	if !ok {
		set = make(map[string]struct{})
		m.open[symbol] = set
	}
	set[clientID] = struct{}{}
}

func (m *Manager) deindexOpen(clientID, symbol string) {
	if set, ok := m.open[symbol]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.open, symbol)
		}
	}
}

func (m *Manager) anomaly(event, clientID, exchangeID, reason string) {
	m.logger.Warn().
		Str("event", event).
		Str("clientOrderId", clientID).
		Str("exchangeOrderId", exchangeID).
		Msg(reason)
}

// Get returns a snapshot of one tracked order.
func (m *Manager) Get(clientID string) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[clientID]
	if !ok {
		return model.Order{}, false
	}
	return st.order.Snapshot(), true
}

// OpenOrders returns snapshots of every non-terminal order for a symbol, or
// for all symbols when symbol is empty.
func (m *Manager) OpenOrders(symbol string) []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Order
	collect := func(ids map[string]struct{}) {
		for id := range ids {
			if st, ok := m.orders[id]; ok {
				out = append(out, st.order.Snapshot())
			}
		}
	}
	if symbol != "" {
		collect(m.open[symbol])
		return out
	}
	for _, ids := range m.open {
		collect(ids)
	}
	return out
}

// DrainTerminal returns and clears the buffer of finished orders. The
// engine flushes this buffer to the archive on a schedule and at shutdown.
func (m *Manager) DrainTerminal() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.terminal
	m.terminal = nil
	return out
}
