// Package model defines the normalized domain types shared by every component
// of the trading engine.
//
// All exchange-specific payloads are translated into these types by the
// adapters; strategy code and the order manager never see raw wire formats.
// All monetary values use decimal.Decimal for precise financial calculations
// to avoid floating-point precision issues common in financial applications.
package model

import (
	"fmt"
	"strings"
)

// Exchange identifies a supported cryptocurrency exchange.
type Exchange int

const (
	// BinanceExchange represents the Binance cryptocurrency exchange
	BinanceExchange Exchange = iota

	// OkxExchange represents the OKX cryptocurrency exchange
	OkxExchange

	// BybitExchange represents the Bybit cryptocurrency exchange
	BybitExchange

	// MockExchange is a scriptable in-process exchange used for paper
	// sessions and tests.
	MockExchange
)

// String returns the canonical upper-case exchange name.
func (e Exchange) String() string {
	switch e {
	case BinanceExchange:
		return "BINANCE"
	case OkxExchange:
		return "OKX"
	case BybitExchange:
		return "BYBIT"
	case MockExchange:
		return "MOCK"
	default:
		return fmt.Sprintf("EXCHANGE(%d)", int(e))
	}
}

// ParseExchange converts a case-insensitive exchange name into an Exchange.
func ParseExchange(s string) (Exchange, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BINANCE":
		return BinanceExchange, nil
	case "OKX":
		return OkxExchange, nil
	case "BYBIT":
		return BybitExchange, nil
	case "MOCK":
		return MockExchange, nil
	default:
		return 0, fmt.Errorf("unknown exchange: %q", s)
	}
}

// AccountType distinguishes the account class a connection is bound to.
type AccountType int

const (
	// SpotAccount is a spot trading account.
	SpotAccount AccountType = iota

	// FuturesAccount is a linear futures / perpetual account.
	FuturesAccount
)

// String returns the canonical lower-case account type name.
func (a AccountType) String() string {
	switch a {
	case SpotAccount:
		return "spot"
	case FuturesAccount:
		return "futures"
	default:
		return fmt.Sprintf("account(%d)", int(a))
	}
}

// ParseAccountType converts a case-insensitive account type name.
func ParseAccountType(s string) (AccountType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return SpotAccount, nil
	case "futures", "linear":
		return FuturesAccount, nil
	default:
		return 0, fmt.Errorf("unknown account type: %q", s)
	}
}

// ChannelKind identifies a market-data or account stream channel.
type ChannelKind int

const (
	// BookL1Channel streams top-of-book (best bid/ask) snapshots.
	BookL1Channel ChannelKind = iota

	// TradeChannel streams executed trades.
	TradeChannel

	// KlineChannel streams OHLCV buckets.
	KlineChannel

	// OrderChannel streams private order acknowledgements and fills.
	OrderChannel

	// BalanceChannel streams private balance and position updates.
	BalanceChannel
)

// String returns the canonical channel name.
func (c ChannelKind) String() string {
	switch c {
	case BookL1Channel:
		return "bookl1"
	case TradeChannel:
		return "trade"
	case KlineChannel:
		return "kline"
	case OrderChannel:
		return "order"
	case BalanceChannel:
		return "balance"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// ParseChannelKind converts a case-insensitive channel name.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bookl1":
		return BookL1Channel, nil
	case "trade", "trades":
		return TradeChannel, nil
	case "kline", "candle":
		return KlineChannel, nil
	case "order", "orders":
		return OrderChannel, nil
	case "balance":
		return BalanceChannel, nil
	default:
		return 0, fmt.Errorf("unknown channel kind: %q", s)
	}
}

// OrderSide represents the direction of an order or trade.
type OrderSide int

const (
	Buy OrderSide = iota
	Sell
)

// String returns the canonical side name.
func (s OrderSide) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// ParseOrderSide converts a case-insensitive side name.
func ParseOrderSide(s string) (OrderSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown order side: %q", s)
	}
}

// OrderType represents the execution type of an order.
type OrderType int

const (
	Market OrderType = iota
	Limit
	Stop
)

// String returns the canonical order type name.
func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	default:
		return "market"
	}
}

// ParseOrderType converts a case-insensitive order type name.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "market":
		return Market, nil
	case "limit":
		return Limit, nil
	case "stop":
		return Stop, nil
	default:
		return 0, fmt.Errorf("unknown order type: %q", s)
	}
}

// Subscription is a (symbol, exchange, account-type, channel-kind) tuple
// representing a strategy's interest in one stream.
//
// A Subscription is owned by the stream session that must maintain it and
// survives reconnects: the session re-issues every owned subscription each
// time the connection is re-established.
type Subscription struct {
	Symbol      string
	Exchange    Exchange
	AccountType AccountType
	Channel     ChannelKind
}

// String renders the subscription as a stable, log-friendly key.
func (s Subscription) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.Exchange, s.AccountType, s.Channel, s.Symbol)
}
