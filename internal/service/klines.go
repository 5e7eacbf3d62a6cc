package service

import (
	"fmt"
	"time"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// KlineBuilder aggregates trades into OHLCV buckets locally, for exchanges
// or intervals without a native kline stream.
//
// Feed it trades from OnTrade; it returns the finished bucket whenever a
// trade crosses an interval boundary. Buckets are aligned to wall-clock
// multiples of the interval, so builders on different hosts produce the same
// boundaries. All methods must be called from the dispatcher stream; the
// builder holds no locks.
type KlineBuilder struct {
	interval time.Duration
	label    string
	buckets  map[string]*model.Kline
}

// NewKlineBuilder creates a builder producing klines of the given interval.
func NewKlineBuilder(interval time.Duration) *KlineBuilder {
	if interval <= 0 {
		interval = time.Minute
	}
	return &KlineBuilder{
		interval: interval,
		label:    intervalLabel(interval),
		buckets:  make(map[string]*model.Kline),
	}
}

// Push folds one trade into its symbol's bucket. When the trade belongs to a
// later bucket than the open one, the open bucket is returned as finished and
// a new bucket is started from the trade.
func (b *KlineBuilder) Push(trade model.Trade) (model.Kline, bool) {
	start := trade.Ts.Truncate(b.interval)

	current, found := b.buckets[trade.Symbol]
	if !found {
		b.buckets[trade.Symbol] = b.openBucket(trade, start)
		return model.Kline{}, false
	}

	if start.After(current.Start) {
		finished := *current
		b.buckets[trade.Symbol] = b.openBucket(trade, start)
		return finished, true
	}
	if start.Before(current.Start) {
		// Late trade from a bucket already emitted; fold it nowhere rather
		// than corrupt the open bucket.
		return model.Kline{}, false
	}

	if trade.Price.GreaterThan(current.High) {
		current.High = trade.Price
	}
	if trade.Price.LessThan(current.Low) {
		current.Low = trade.Price
	}
	current.Close = trade.Price
	current.Volume = current.Volume.Add(trade.Size)
	current.Ts = trade.Ts
	return model.Kline{}, false
}

// Flush returns every open bucket and resets the builder. Used at shutdown
// so partially built buckets are not silently lost.
func (b *KlineBuilder) Flush() []model.Kline {
	out := make([]model.Kline, 0, len(b.buckets))
	for _, bucket := range b.buckets {
		out = append(out, *bucket)
	}
	b.buckets = make(map[string]*model.Kline)
	return out
}

func (b *KlineBuilder) openBucket(trade model.Trade, start time.Time) *model.Kline {
	return &model.Kline{
		Symbol:   trade.Symbol,
		Exchange: trade.Exchange,
		Interval: b.label,
		Open:     trade.Price,
		High:     trade.Price,
		Low:      trade.Price,
		Close:    trade.Price,
		Volume:   trade.Size,
		Start:    start,
		End:      start.Add(b.interval),
		Ts:       trade.Ts,
	}
}

// intervalLabel renders the interval the way exchange kline channels name
// theirs (1m, 5m, 1h).
func intervalLabel(interval time.Duration) string {
	switch {
	case interval >= time.Hour && interval%time.Hour == 0:
		return fmt.Sprintf("%dh", interval/time.Hour)
	case interval >= time.Minute && interval%time.Minute == 0:
		return fmt.Sprintf("%dm", interval/time.Minute)
	default:
		return fmt.Sprintf("%ds", int(interval/time.Second))
	}
}
