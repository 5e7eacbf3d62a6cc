package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengyelingdu/NexusTrader/internal/adapter"
	"github.com/fengyelingdu/NexusTrader/internal/bus"
	"github.com/fengyelingdu/NexusTrader/internal/clock"
	"github.com/fengyelingdu/NexusTrader/internal/model"
	"github.com/fengyelingdu/NexusTrader/internal/order"
)

// nullSender accepts every payload; the exchange side is scripted via events
type nullSender struct{}

func (nullSender) Send([]byte) error { return nil }

// recordingStrategy captures every callback in arrival order
type recordingStrategy struct {
	BaseStrategy

	mu      sync.Mutex
	trades  []model.Trade
	books   []model.BookL1
	orders  []model.Order
	signals []model.Signal

	onStart func(Trader)
	onOrder func(Trader, model.Order)
	trader  Trader
	events  chan struct{}
}

func newRecordingStrategy() *recordingStrategy {
	return &recordingStrategy{events: make(chan struct{}, 4096)}
}

func (s *recordingStrategy) OnStart(t Trader) {
	s.trader = t
	if s.onStart != nil {
		s.onStart(t)
	}
}

func (s *recordingStrategy) OnTrade(trade model.Trade) {
	s.mu.Lock()
	s.trades = append(s.trades, trade)
	s.mu.Unlock()
	s.events <- struct{}{}
}

func (s *recordingStrategy) OnBookL1(book model.BookL1) {
	s.mu.Lock()
	s.books = append(s.books, book)
	s.mu.Unlock()
	s.events <- struct{}{}
}

func (s *recordingStrategy) OnOrder(ord model.Order) {
	s.mu.Lock()
	s.orders = append(s.orders, ord)
	s.mu.Unlock()
	if s.onOrder != nil {
		s.onOrder(s.trader, ord)
	}
	s.events <- struct{}{}
}

func (s *recordingStrategy) OnSignal(sig model.Signal) {
	s.mu.Lock()
	s.signals = append(s.signals, sig)
	s.mu.Unlock()
	s.events <- struct{}{}
}

// waitCallbacks blocks until n callbacks have been observed
func (s *recordingStrategy) waitCallbacks(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.events:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d callbacks", i, n)
		}
	}
}

func (s *recordingStrategy) orderStatuses() []model.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OrderStatus, len(s.orders))
	for i, ord := range s.orders {
		out[i] = ord.Status
	}
	return out
}

// dispatcherFixture wires a full dispatcher with a mock exchange route
type dispatcherFixture struct {
	bus      *bus.Bus
	sched    *clock.Scheduler
	strategy *recordingStrategy
	disp     *Dispatcher
	orders   *order.Manager
	cancel   context.CancelFunc
}

func newDispatcherFixture(t *testing.T, strategy *recordingStrategy) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		bus:      bus.New(8192),
		sched:    clock.NewScheduler(),
		strategy: strategy,
	}
	f.disp = NewDispatcher(DispatcherConfig{
		Bus:       f.bus,
		Scheduler: f.sched,
		Strategy:  strategy,
		Cache:     NewCache(),
	})
	f.orders = order.NewManager(f.disp.Transition)
	f.orders.RegisterRoute(model.BinanceExchange, adapter.NewMockAdapter(model.BinanceExchange), nullSender{}, nil)
	f.disp.BindOrders(f.orders)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.sched.Run(ctx)
	go func() { _ = f.disp.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.disp.Done():
		case <-time.After(2 * time.Second):
			t.Log("dispatcher did not stop in time")
		}
	})
	return f
}

func (f *dispatcherFixture) publish(t *testing.T, ev model.Event) {
	t.Helper()
	require.NoError(t, f.bus.Publish(context.Background(), ev))
}

// Test_Dispatcher_RoutesMarketData tests event routing and cache updates
func Test_Dispatcher_RoutesMarketData(t *testing.T) {
	strategy := newRecordingStrategy()
	f := newDispatcherFixture(t, strategy)

	book := model.BookL1{
		Symbol:   "BTC-USDT",
		Exchange: model.BinanceExchange,
		BidPrice: decimal.RequireFromString("50000"),
		AskPrice: decimal.RequireFromString("50001"),
		Seq:      1,
	}
	trade := model.Trade{Symbol: "BTC-USDT", Exchange: model.BinanceExchange, Seq: 2}

	f.publish(t, book)
	f.publish(t, trade)
	strategy.waitCallbacks(t, 2)

	strategy.mu.Lock()
	defer strategy.mu.Unlock()
	require.Len(t, strategy.books, 1)
	require.Len(t, strategy.trades, 1)

	cached, ok := f.disp.Cache().BookL1("BTC-USDT")
	require.True(t, ok, "the cache must hold the latest book")
	assert.True(t, cached.BidPrice.Equal(book.BidPrice))
}

// Test_Dispatcher_OrderLifecycle tests submit-ack-fill through the stream
func Test_Dispatcher_OrderLifecycle(t *testing.T) {
	strategy := newRecordingStrategy()
	idCh := make(chan string, 1)
	strategy.onStart = func(tr Trader) {
		id, err := tr.Submit(order.SubmitRequest{
			Exchange:    model.BinanceExchange,
			AccountType: model.SpotAccount,
			Symbol:      "BTC-USDT",
			Side:        model.Buy,
			Type:        model.Limit,
			Price:       decimal.RequireFromString("50000"),
			Amount:      decimal.RequireFromString("0.1"),
		})
		require.NoError(t, err)
		idCh <- id
	}
	f := newDispatcherFixture(t, strategy)

	var id string
	select {
	case id = <-idCh:
	case <-time.After(3 * time.Second):
		t.Fatal("OnStart never ran")
	}
	strategy.waitCallbacks(t, 1) // pending snapshot

	f.publish(t, model.OrderAck{ClientOrderID: id, ExchangeOrderID: "ex-1", Seq: 1})
	f.publish(t, model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.1"),
		Seq:           2,
	})
	strategy.waitCallbacks(t, 2)

	assert.Equal(t, []model.OrderStatus{
		model.OrderPending,
		model.OrderAccepted,
		model.OrderFilled,
	}, strategy.orderStatuses(), "one snapshot per transition, in transition order")
}

// Test_Dispatcher_SubmitInsideOnOrder tests re-entrant submission from a
// snapshot callback
func Test_Dispatcher_SubmitInsideOnOrder(t *testing.T) {
	strategy := newRecordingStrategy()
	resubmitted := false
	strategy.onOrder = func(tr Trader, ord model.Order) {
		if ord.Status == model.OrderFilled && !resubmitted {
			resubmitted = true
			_, err := tr.Submit(order.SubmitRequest{
				Exchange:    model.BinanceExchange,
				AccountType: model.SpotAccount,
				Symbol:      "ETH-USDT",
				Side:        model.Sell,
				Type:        model.Market,
				Amount:      decimal.RequireFromString("1"),
			})
			require.NoError(t, err)
		}
	}
	idCh := make(chan string, 1)
	strategy.onStart = func(tr Trader) {
		id, err := tr.Submit(order.SubmitRequest{
			Exchange:    model.BinanceExchange,
			AccountType: model.SpotAccount,
			Symbol:      "BTC-USDT",
			Side:        model.Buy,
			Type:        model.Market,
			Amount:      decimal.RequireFromString("0.1"),
		})
		require.NoError(t, err)
		idCh <- id
	}
	f := newDispatcherFixture(t, strategy)
	id := <-idCh
	strategy.waitCallbacks(t, 1)

	f.publish(t, model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.1"),
		Seq:           1,
	})
	// filled snapshot of the first order, pending snapshot of the second
	strategy.waitCallbacks(t, 2)

	statuses := strategy.orderStatuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, model.OrderFilled, statuses[1])
	assert.Equal(t, model.OrderPending, statuses[2], "the nested submit's snapshot arrives right after")
}

// Test_Dispatcher_PerProducerOrdering tests that two concurrent producers
// each keep their own event order through the dispatcher
func Test_Dispatcher_PerProducerOrdering(t *testing.T) {
	const perProducer = 1000

	strategy := newRecordingStrategy()
	f := newDispatcherFixture(t, strategy)

	var wg sync.WaitGroup
	produce := func(ex model.Exchange) {
		defer wg.Done()
		for i := 0; i < perProducer; i++ {
			f.publish(t, model.Trade{Exchange: ex, Symbol: "BTC-USDT", Seq: uint64(i + 1)})
		}
	}
	wg.Add(2)
	go produce(model.BinanceExchange)
	go produce(model.OkxExchange)
	wg.Wait()

	strategy.waitCallbacks(t, perProducer*2)

	strategy.mu.Lock()
	defer strategy.mu.Unlock()
	last := map[model.Exchange]uint64{}
	for _, trade := range strategy.trades {
		assert.Equal(t, last[trade.Exchange]+1, trade.Seq,
			"per-producer order must survive interleaving")
		last[trade.Exchange] = trade.Seq
	}
	assert.Equal(t, uint64(perProducer), last[model.BinanceExchange])
	assert.Equal(t, uint64(perProducer), last[model.OkxExchange])
}

// Test_Dispatcher_SignalRoundTrip tests user signals through the stream
func Test_Dispatcher_SignalRoundTrip(t *testing.T) {
	strategy := newRecordingStrategy()
	strategy.onStart = func(tr Trader) {
		require.NoError(t, tr.SendSignal("rebalance", 42))
	}
	newDispatcherFixture(t, strategy)

	strategy.waitCallbacks(t, 1)
	strategy.mu.Lock()
	defer strategy.mu.Unlock()
	require.Len(t, strategy.signals, 1)
	assert.Equal(t, "rebalance", strategy.signals[0].Name)
	assert.Equal(t, 42, strategy.signals[0].Payload)
}

// Test_Dispatcher_TimerDelivery tests that scheduled callbacks run on the
// dispatcher stream
func Test_Dispatcher_TimerDelivery(t *testing.T) {
	strategy := newRecordingStrategy()
	fired := make(chan time.Time, 1)
	strategy.onStart = func(tr Trader) {
		tr.Schedule(10*time.Millisecond, func(now time.Time) {
			fired <- now
		})
	}
	newDispatcherFixture(t, strategy)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled callback never ran")
	}
}

// Test_Cache_StaleBookIgnored tests sequence-gated cache writes
func Test_Cache_StaleBookIgnored(t *testing.T) {
	cache := NewCache()
	cache.apply(model.BookL1{Symbol: "BTC-USDT", Seq: 10, BidPrice: decimal.NewFromInt(2)})
	cache.apply(model.BookL1{Symbol: "BTC-USDT", Seq: 5, BidPrice: decimal.NewFromInt(1)})

	book, ok := cache.BookL1("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, uint64(10), book.Seq, "stale snapshots must not overwrite newer state")
}
