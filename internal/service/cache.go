package service

import (
	"sync"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// Cache holds the latest observed market and account state per symbol.
//
// It is written only by the dispatcher goroutine as events flow through, and
// read from anywhere; strategies typically read it inside callbacks, other
// goroutines (monitoring, shutdown reports) may read it concurrently.
type Cache struct {
	mu        sync.RWMutex
	books     map[string]model.BookL1
	trades    map[string]model.Trade
	klines    map[string]model.Kline // keyed by symbol + "/" + interval
	balances  map[model.Exchange]model.BalanceUpdate
	positions map[model.Exchange]model.PositionUpdate
}

// NewCache allocates an empty cache.
func NewCache() *Cache {
	return &Cache{
		books:     make(map[string]model.BookL1),
		trades:    make(map[string]model.Trade),
		klines:    make(map[string]model.Kline),
		balances:  make(map[model.Exchange]model.BalanceUpdate),
		positions: make(map[model.Exchange]model.PositionUpdate),
	}
}

// apply folds one event into the cache. Order lifecycle events are not
// cached here; the order manager owns that state.
func (c *Cache) apply(ev model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case model.BookL1:
		// Ignore stale snapshots arriving out of order across reconnects.
		if prev, ok := c.books[e.Symbol]; ok && e.Seq != 0 && e.Seq <= prev.Seq {
			return
		}
		c.books[e.Symbol] = e
	case model.Trade:
		c.trades[e.Symbol] = e
	case model.Kline:
		c.klines[e.Symbol+"/"+e.Interval] = e
	case model.BalanceUpdate:
		c.balances[e.Exchange] = e
	case model.PositionUpdate:
		c.positions[e.Exchange] = e
	}
}

// BookL1 returns the latest top-of-book snapshot for a symbol.
func (c *Cache) BookL1(symbol string) (model.BookL1, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	book, ok := c.books[symbol]
	return book, ok
}

// LastTrade returns the latest trade seen for a symbol.
func (c *Cache) LastTrade(symbol string) (model.Trade, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	trade, ok := c.trades[symbol]
	return trade, ok
}

// Kline returns the latest OHLCV bucket for a symbol and interval.
func (c *Cache) Kline(symbol, interval string) (model.Kline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kline, ok := c.klines[symbol+"/"+interval]
	return kline, ok
}

// Balances returns the latest balance snapshot for an exchange.
func (c *Cache) Balances(ex model.Exchange) (model.BalanceUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bal, ok := c.balances[ex]
	return bal, ok
}

// Positions returns the latest position snapshot for an exchange.
func (c *Cache) Positions(ex model.Exchange) (model.PositionUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.positions[ex]
	return pos, ok
}
