package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func terminalOrder(id, symbol string, status model.OrderStatus) model.Order {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return model.Order{
		ClientOrderID:   id,
		ExchangeOrderID: "ex-" + id,
		Exchange:        model.BinanceExchange,
		AccountType:     model.SpotAccount,
		Symbol:          symbol,
		Side:            model.Buy,
		Type:            model.Limit,
		Price:           decimal.RequireFromString("50000"),
		Amount:          decimal.RequireFromString("0.1"),
		Filled:          decimal.RequireFromString("0.1"),
		AvgFillPrice:    decimal.RequireFromString("50000"),
		Status:          status,
		Transitions: []model.StatusChange{
			{Status: model.OrderPending, At: now.Add(-time.Second)},
			{Status: status, At: now},
		},
		CreatedAt: now.Add(-time.Second),
		UpdatedAt: now,
	}
}

// Test_Store_SaveAndLoad tests the archive round trip
func Test_Store_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := terminalOrder("a1", "BTC-USDT", model.OrderFilled)
	require.NoError(t, store.SaveOrders(ctx, []model.Order{want}))

	got, err := store.LoadOrders(ctx, "BTC-USDT", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, want.ClientOrderID, got[0].ClientOrderID)
	assert.Equal(t, want.ExchangeOrderID, got[0].ExchangeOrderID)
	assert.Equal(t, model.OrderFilled, got[0].Status)
	assert.True(t, got[0].Filled.Equal(want.Filled))
	assert.True(t, got[0].AvgFillPrice.Equal(want.AvgFillPrice))
	require.Len(t, got[0].Transitions, 2)
	assert.Equal(t, model.OrderPending, got[0].Transitions[0].Status)
}

// Test_Store_SaveIsIdempotent tests that replaying a flush does not duplicate
func Test_Store_SaveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ord := terminalOrder("a1", "BTC-USDT", model.OrderCanceled)
	require.NoError(t, store.SaveOrders(ctx, []model.Order{ord}))
	require.NoError(t, store.SaveOrders(ctx, []model.Order{ord}))

	got, err := store.LoadOrders(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "replayed flushes must not create duplicate rows")
}

// Test_Store_LoadFilters tests symbol filtering and limits
func Test_Store_LoadFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveOrders(ctx, []model.Order{
		terminalOrder("a1", "BTC-USDT", model.OrderFilled),
		terminalOrder("a2", "ETH-USDT", model.OrderFailed),
		terminalOrder("a3", "BTC-USDT", model.OrderCanceled),
	}))

	btc, err := store.LoadOrders(ctx, "BTC-USDT", 10)
	require.NoError(t, err)
	assert.Len(t, btc, 2)

	all, err := store.LoadOrders(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2, "the limit caps the result set")
}

// Test_Store_EmptyBatch tests that a no-op flush succeeds
func Test_Store_EmptyBatch(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.SaveOrders(context.Background(), nil))
}
