package order

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengyelingdu/NexusTrader/internal/adapter"
	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// recordingSender captures payloads handed to the private session
type recordingSender struct {
	sent [][]byte
	err  error
}

func (s *recordingSender) Send(payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, payload)
	return nil
}

// managerFixture bundles a manager with its captured transition stream
type managerFixture struct {
	manager     *Manager
	mock        *adapter.MockAdapter
	sender      *recordingSender
	transitions []model.Order
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		mock:   adapter.NewMockAdapter(model.BinanceExchange),
		sender: &recordingSender{},
	}
	f.manager = NewManager(func(ord model.Order) {
		f.transitions = append(f.transitions, ord)
	})
	f.manager.RegisterRoute(model.BinanceExchange, f.mock, f.sender, nil)
	return f
}

func (f *managerFixture) submit(t *testing.T) string {
	t.Helper()
	id, err := f.manager.Submit(context.Background(), SubmitRequest{
		Exchange:    model.BinanceExchange,
		AccountType: model.SpotAccount,
		Symbol:      "BTC-USDT",
		Side:        model.Buy,
		Type:        model.Limit,
		Price:       decimal.RequireFromString("50000"),
		Amount:      decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (f *managerFixture) statuses() []model.OrderStatus {
	out := make([]model.OrderStatus, len(f.transitions))
	for i, ord := range f.transitions {
		out[i] = ord.Status
	}
	return out
}

// Test_Manager_Submit_Validation tests local rejection before anything is sent
func Test_Manager_Submit_Validation(t *testing.T) {
	tests := []struct {
		name        string
		req         SubmitRequest
		field       string
		description string
	}{
		{
			name: "Invalid symbol",
			req: SubmitRequest{
				Exchange: model.BinanceExchange,
				Symbol:   "btcusdt",
				Side:     model.Buy,
				Type:     model.Market,
				Amount:   decimal.NewFromInt(1),
			},
			field:       "symbol",
			description: "Symbols must be normalized BASE-QUOTE",
		},
		{
			name: "Non-positive amount",
			req: SubmitRequest{
				Exchange: model.BinanceExchange,
				Symbol:   "BTC-USDT",
				Side:     model.Buy,
				Type:     model.Market,
				Amount:   decimal.Zero,
			},
			field:       "amount",
			description: "Amount must be strictly positive",
		},
		{
			name: "Limit without price",
			req: SubmitRequest{
				Exchange: model.BinanceExchange,
				Symbol:   "BTC-USDT",
				Side:     model.Buy,
				Type:     model.Limit,
				Amount:   decimal.NewFromInt(1),
			},
			field:       "price",
			description: "Limit orders need a price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			id, err := f.manager.Submit(context.Background(), tt.req)

			assert.Empty(t, id)
			require.Error(t, err, tt.description)
			assert.True(t, IsValidation(err), "local rejections must classify as validation errors")
			var ve ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
			assert.Empty(t, f.transitions, "no order record may exist after local rejection")
			assert.Empty(t, f.sender.sent, "nothing may reach the exchange")
		})
	}
}

// Test_Manager_Submit_HappyPath tests the pending record and outbound command
func Test_Manager_Submit_HappyPath(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)

	require.Len(t, f.transitions, 1)
	assert.Equal(t, model.OrderPending, f.transitions[0].Status)
	assert.Equal(t, id, f.transitions[0].ClientOrderID)
	require.Len(t, f.sender.sent, 1, "the encoded submit must be sent")

	cmds := f.mock.EncodedCommands()
	require.Len(t, cmds, 1)
	sub := cmds[0].(adapter.SubmitOrder)
	assert.Equal(t, id, sub.ClientOrderID)
	assert.Equal(t, "BTC-USDT", sub.Symbol)

	open := f.manager.OpenOrders("BTC-USDT")
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].ClientOrderID)
}

// Test_Manager_Submit_NoRoute tests submission to an unregistered exchange
func Test_Manager_Submit_NoRoute(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Submit(context.Background(), SubmitRequest{
		Exchange: model.OkxExchange,
		Symbol:   "BTC-USDT",
		Side:     model.Buy,
		Type:     model.Market,
		Amount:   decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ErrNoRoute)
}

// Test_Manager_Submit_FailureIsData tests that post-validation failures
// become failed orders instead of returned errors
func Test_Manager_Submit_FailureIsData(t *testing.T) {
	t.Run("Encode failure", func(t *testing.T) {
		f := newManagerFixture(t)
		f.mock.RejectSymbol("BTC-USDT")

		id := f.submit(t)
		require.NotEmpty(t, id)
		assert.Equal(t, []model.OrderStatus{model.OrderPending, model.OrderFailed}, f.statuses())

		ord, ok := f.manager.Get(id)
		require.True(t, ok)
		assert.Contains(t, ord.Reason, "encode")
		assert.Empty(t, f.manager.OpenOrders("BTC-USDT"), "failed orders leave the open index")
	})

	t.Run("Send failure", func(t *testing.T) {
		f := newManagerFixture(t)
		f.sender.err = errors.New("connection reset")

		id := f.submit(t)
		require.NotEmpty(t, id)
		assert.Equal(t, []model.OrderStatus{model.OrderPending, model.OrderFailed}, f.statuses())
	})
}

// Test_Manager_AckThenFill tests the canonical pending-accepted-filled path
func Test_Manager_AckThenFill(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)

	f.manager.Apply(model.OrderAck{ClientOrderID: id, ExchangeOrderID: "ex-1", Seq: 1})
	f.manager.Apply(model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.1"),
		Seq:           2,
	})

	assert.Equal(t, []model.OrderStatus{
		model.OrderPending,
		model.OrderAccepted,
		model.OrderFilled,
	}, f.statuses())

	ord, ok := f.manager.Get(id)
	require.True(t, ok)
	assert.Equal(t, "ex-1", ord.ExchangeOrderID)
	assert.True(t, ord.Filled.Equal(ord.Amount))
	assert.True(t, ord.AvgFillPrice.Equal(decimal.RequireFromString("50000")))
	assert.Empty(t, f.manager.OpenOrders("BTC-USDT"))
}

// Test_Manager_PartialFills tests quantity accounting across partial fills
func Test_Manager_PartialFills(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)
	f.manager.Apply(model.OrderAck{ClientOrderID: id, ExchangeOrderID: "ex-1", Seq: 1})

	f.manager.Apply(model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.04"),
		Seq:           2,
	})
	ord, _ := f.manager.Get(id)
	assert.Equal(t, model.OrderPartiallyFilled, ord.Status)
	assert.True(t, ord.Filled.Equal(decimal.RequireFromString("0.04")))

	f.manager.Apply(model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50100"),
		FillSize:      decimal.RequireFromString("0.06"),
		Seq:           3,
	})
	ord, _ = f.manager.Get(id)
	assert.Equal(t, model.OrderFilled, ord.Status)
	assert.True(t, ord.Filled.Equal(decimal.RequireFromString("0.1")))

	// Volume-weighted: (50000*0.04 + 50100*0.06) / 0.1 = 50060
	assert.True(t, ord.AvgFillPrice.Equal(decimal.RequireFromString("50060")),
		"average fill price must be volume weighted, got %s", ord.AvgFillPrice)
}

// Test_Manager_DuplicateFillDiscarded tests sequence-based idempotency
func Test_Manager_DuplicateFillDiscarded(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)
	f.manager.Apply(model.OrderAck{ClientOrderID: id, ExchangeOrderID: "ex-1", Seq: 1})

	fill := model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.04"),
		Seq:           7,
	}
	f.manager.Apply(fill)
	before := len(f.transitions)

	f.manager.Apply(fill) // replay
	f.manager.Apply(model.OrderFill{ // stale, below last applied seq
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.04"),
		Seq:           5,
	})

	ord, _ := f.manager.Get(id)
	assert.True(t, ord.Filled.Equal(decimal.RequireFromString("0.04")), "duplicates must not double count")
	assert.Len(t, f.transitions, before, "discarded duplicates emit no snapshot")
}

// Test_Manager_FillNeverExceedsAmount tests clamping of oversized fills
func Test_Manager_FillNeverExceedsAmount(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)

	f.manager.Apply(model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.5"), // order amount is 0.1
		Seq:           2,
	})

	ord, _ := f.manager.Get(id)
	assert.True(t, ord.Filled.Equal(ord.Amount), "filled quantity is capped at the order amount")
	assert.Equal(t, model.OrderFilled, ord.Status)
}

// Test_Manager_CancelRacesFill tests that a fill beating the cancel wins
func Test_Manager_CancelRacesFill(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)
	f.manager.Apply(model.OrderAck{ClientOrderID: id, ExchangeOrderID: "ex-1", Seq: 1})

	require.NoError(t, f.manager.Cancel(context.Background(), id))
	ord, _ := f.manager.Get(id)
	assert.Equal(t, model.OrderAccepted, ord.Status, "a cancel request alone changes nothing locally")

	// The fill arrives before the exchange processed the cancel.
	f.manager.Apply(model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.1"),
		Seq:           2,
	})
	// The late cancel confirmation must not resurrect the order.
	f.manager.Apply(model.OrderCancelConfirm{ClientOrderID: id, Seq: 3})

	ord, _ = f.manager.Get(id)
	assert.Equal(t, model.OrderFilled, ord.Status, "the fill won the race; cancel confirm is ignored")
}

// Test_Manager_CancelConfirm tests the confirmed cancellation path
func Test_Manager_CancelConfirm(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)
	f.manager.Apply(model.OrderAck{ClientOrderID: id, ExchangeOrderID: "ex-1", Seq: 1})

	require.NoError(t, f.manager.Cancel(context.Background(), id))
	f.manager.Apply(model.OrderCancelConfirm{ClientOrderID: id, Seq: 2})

	ord, _ := f.manager.Get(id)
	assert.Equal(t, model.OrderCanceled, ord.Status)
	assert.Empty(t, f.manager.OpenOrders("BTC-USDT"))

	t.Run("Cancel on terminal order is a no-op", func(t *testing.T) {
		sent := len(f.sender.sent)
		require.NoError(t, f.manager.Cancel(context.Background(), id))
		assert.Len(t, f.sender.sent, sent, "no cancel command for a finished order")
	})

	t.Run("Cancel of unknown order errors", func(t *testing.T) {
		assert.ErrorIs(t, f.manager.Cancel(context.Background(), "nope"), ErrUnknownOrder)
	})
}

// Test_Manager_Reject tests the rejection path
func Test_Manager_Reject(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)

	f.manager.Apply(model.OrderReject{ClientOrderID: id, Reason: "insufficient balance", Seq: 1})

	ord, _ := f.manager.Get(id)
	assert.Equal(t, model.OrderFailed, ord.Status)
	assert.Equal(t, "insufficient balance", ord.Reason)
}

// Test_Manager_CorrelatesByExchangeID tests the exchange-id fallback lookup
func Test_Manager_CorrelatesByExchangeID(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)
	f.manager.Apply(model.OrderAck{ClientOrderID: id, ExchangeOrderID: "ex-42", Seq: 1})

	// Some venues omit the client id on fills.
	f.manager.Apply(model.OrderFill{
		ExchangeOrderID: "ex-42",
		FillPrice:       decimal.RequireFromString("50000"),
		FillSize:        decimal.RequireFromString("0.1"),
		Seq:             2,
	})

	ord, _ := f.manager.Get(id)
	assert.Equal(t, model.OrderFilled, ord.Status, "fills must correlate through the exchange order id")
}

// Test_Manager_UnknownOrderEventIgnored tests anomaly tolerance
func Test_Manager_UnknownOrderEventIgnored(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.Apply(model.OrderFill{
		ClientOrderID: "ghost",
		FillPrice:     decimal.NewFromInt(1),
		FillSize:      decimal.NewFromInt(1),
		Seq:           1,
	})
	assert.Empty(t, f.transitions, "events for unknown orders are dropped")
}

// Test_Manager_DrainTerminal tests the archive buffer
func Test_Manager_DrainTerminal(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)
	f.manager.Apply(model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.1"),
		Seq:           1,
	})

	drained := f.manager.DrainTerminal()
	require.Len(t, drained, 1)
	assert.Equal(t, model.OrderFilled, drained[0].Status)
	assert.Empty(t, f.manager.DrainTerminal(), "drain clears the buffer")
}

// Test_Manager_TransitionTimestamps tests that the transition history is ordered
func Test_Manager_TransitionTimestamps(t *testing.T) {
	f := newManagerFixture(t)
	id := f.submit(t)
	f.manager.Apply(model.OrderAck{ClientOrderID: id, ExchangeOrderID: "ex-1", Seq: 1})
	f.manager.Apply(model.OrderFill{
		ClientOrderID: id,
		FillPrice:     decimal.RequireFromString("50000"),
		FillSize:      decimal.RequireFromString("0.1"),
		Seq:           2,
	})

	ord, _ := f.manager.Get(id)
	require.Len(t, ord.Transitions, 3)
	for i := 1; i < len(ord.Transitions); i++ {
		assert.False(t, ord.Transitions[i].At.Before(ord.Transitions[i-1].At),
			"transition history must be chronologically ordered")
	}
	assert.Equal(t, model.OrderPending, ord.Transitions[0].Status)
	assert.Equal(t, model.OrderFilled, ord.Transitions[2].Status)
}
