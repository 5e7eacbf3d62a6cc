// Package adapter provides exchange adapters for the trading engine.
//
// The Binance adapter translates Binance's combined-stream market data
// format and user-data-stream execution reports into normalized events, and
// encodes engine commands into Binance WebSocket API requests. It handles
// Binance-specific message formats, validation, and symbol normalization.
package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// BinanceAdapter implements the Adapter interface for the Binance exchange.
type BinanceAdapter struct {
	creds    Credentials
	validate *validator.Validate
}

// NewBinanceAdapter creates a Binance adapter. Credentials may be zero for
// public market-data sessions; order encoding requires them.
func NewBinanceAdapter(creds Credentials) *BinanceAdapter {
	return &BinanceAdapter{
		creds:    creds,
		validate: validator.New(),
	}
}

// Exchange identifies this adapter as Binance.
func (b *BinanceAdapter) Exchange() model.Exchange { return model.BinanceExchange }

// binanceStreamMsg represents the outer wrapper for Binance combined-stream
// messages.
//
// Example Binance message format:
//
//	{
//		"stream": "btcusdt@trade",
//		"data": {
//			"s": "BTCUSDT",
//			"p": "50000.12",
//			"q": "0.001",
//			"T": 1634567890123
//		}
//	}
type binanceStreamMsg struct {
	Stream string          `json:"stream"` // Stream identifier (e.g., "btcusdt@trade")
	Data   json.RawMessage `json:"data"`   // Raw JSON payload for the stream
	Event  string          `json:"e"`      // Event type for unwrapped private messages
	EvTime int64           `json:"E"`      // Event time; exact-match sibling so "E" does not bind to "e"
}

// binanceBookTicker is the payload of a <symbol>@bookTicker stream message.
type binanceBookTicker struct {
	Seq      uint64 `json:"u" validate:"required"`         // Order book update id
	Symbol   string `json:"s" validate:"required"`         // Trading pair symbol
	BidPrice string `json:"b" validate:"required,numeric"` // Best bid price
	BidSize  string `json:"B" validate:"required,numeric"` // Best bid quantity
	AskPrice string `json:"a" validate:"required,numeric"` // Best ask price
	AskSize  string `json:"A" validate:"required,numeric"` // Best ask quantity
}

// binanceTrade is the payload of a <symbol>@trade stream message.
type binanceTrade struct {
	Symbol  string `json:"s" validate:"required"`         // Trading pair symbol
	TradeID uint64 `json:"t" validate:"required"`         // Trade id
	Price   string `json:"p" validate:"required,numeric"` // Trade price as string
	Size    string `json:"q" validate:"required,numeric"` // Trade quantity as string
	Time    int64  `json:"T" validate:"required,gt=0"`    // Trade time in Unix milliseconds
	IsMaker bool   `json:"m"`                             // True when the buyer is the maker
}

// binanceKline is the payload of a <symbol>@kline_<interval> stream message.
type binanceKline struct {
	Symbol string `json:"s" validate:"required"`
	Kline  struct {
		Start    int64  `json:"t" validate:"required"`
		End      int64  `json:"T" validate:"required"`
		Interval string `json:"i" validate:"required"`
		Open     string `json:"o" validate:"required,numeric"`
		Close    string `json:"c" validate:"required,numeric"`
		High     string `json:"h" validate:"required,numeric"`
		Low      string `json:"l" validate:"required,numeric"`
		Volume   string `json:"v" validate:"required,numeric"`
	} `json:"k" validate:"required"`
}

// binanceExecutionReport is a user-data-stream order update.
//
// The "X" field carries the order status (NEW, PARTIALLY_FILLED, FILLED,
// CANCELED, REJECTED, EXPIRED) and "x" the execution type that produced it.
type binanceExecutionReport struct {
	Event         string `json:"e"` // Exact-match sibling so "e" does not bind to EventTime
	EventTime     int64  `json:"E" validate:"required"`
	Symbol        string `json:"s" validate:"required"`
	ClientOrderID string `json:"c" validate:"required"`
	ExecType      string `json:"x" validate:"required"`
	OrderStatus   string `json:"X" validate:"required"`
	OrderID       int64  `json:"i" validate:"required"`
	LastFillSize  string `json:"l"`
	LastFillPrice string `json:"L"`
	TradeID       int64  `json:"t"`
	TxTime        int64  `json:"T"`
	RejectReason  string `json:"r"`
}

// binanceAccountPosition is a user-data-stream balance snapshot.
type binanceAccountPosition struct {
	Event     string `json:"e"` // Exact-match sibling so "e" does not bind to EventTime
	EventTime int64  `json:"E" validate:"required"`
	Balances  []struct {
		Asset  string `json:"a" validate:"required"`
		Free   string `json:"f" validate:"required,numeric"`
		Locked string `json:"l" validate:"required,numeric"`
	} `json:"B" validate:"required,dive"`
}

// Normalize converts one raw Binance message into zero or one typed event.
func (b *BinanceAdapter) Normalize(raw []byte) (model.Event, error) {
	var outer binanceStreamMsg
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid outer JSON", Err: err}
	}

	// Combined-stream public market data carries a "stream" discriminator.
	if outer.Stream != "" {
		return b.normalizePublic(outer.Stream, outer.Data)
	}

	// User-data-stream private messages arrive unwrapped with an "e" field.
	switch outer.Event {
	case "executionReport":
		return b.normalizeExecutionReport(raw)
	case "outboundAccountPosition":
		return b.normalizeAccountPosition(raw)
	case "":
		// Subscription acknowledgements and other control frames.
		return nil, nil
	default:
		// Unknown private event kinds are ignorable, not protocol errors:
		// Binance adds user-stream event types without notice.
		return nil, nil
	}
}

func (b *BinanceAdapter) normalizePublic(stream string, data json.RawMessage) (model.Event, error) {
	switch {
	case strings.HasSuffix(stream, "@bookTicker"):
		var t binanceBookTicker
		if err := b.decode(data, &t); err != nil {
			return nil, err
		}
		bid, ask, err := parseDecimalPair(t.BidPrice, t.AskPrice)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid book ticker price", Err: err}
		}
		bidSize, askSize, err := parseDecimalPair(t.BidSize, t.AskSize)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid book ticker size", Err: err}
		}
		return model.BookL1{
			Symbol:   binanceToNormalizedSymbol(t.Symbol),
			Exchange: b.Exchange(),
			BidPrice: bid,
			BidSize:  bidSize,
			AskPrice: ask,
			AskSize:  askSize,
			Seq:      t.Seq,
			Ts:       time.Now(),
		}, nil

	case strings.HasSuffix(stream, "@trade"):
		var t binanceTrade
		if err := b.decode(data, &t); err != nil {
			return nil, err
		}
		price, size, err := parseDecimalPair(t.Price, t.Size)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid trade fields", Err: err}
		}
		side := model.Buy
		if t.IsMaker {
			// Buyer is maker: the taker sold.
			side = model.Sell
		}
		return model.Trade{
			Symbol:   binanceToNormalizedSymbol(t.Symbol),
			Exchange: b.Exchange(),
			Price:    price,
			Size:     size,
			Side:     side,
			Seq:      t.TradeID,
			Ts:       time.UnixMilli(t.Time),
		}, nil

	case strings.Contains(stream, "@kline"):
		var k binanceKline
		if err := b.decode(data, &k); err != nil {
			return nil, err
		}
		open, err := decimal.NewFromString(k.Kline.Open)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid kline open", Err: err}
		}
		high, low, err := parseDecimalPair(k.Kline.High, k.Kline.Low)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid kline range", Err: err}
		}
		closePx, volume, err := parseDecimalPair(k.Kline.Close, k.Kline.Volume)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid kline close", Err: err}
		}
		return model.Kline{
			Symbol:   binanceToNormalizedSymbol(k.Symbol),
			Exchange: b.Exchange(),
			Interval: k.Kline.Interval,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePx,
			Volume:   volume,
			Start:    time.UnixMilli(k.Kline.Start),
			End:      time.UnixMilli(k.Kline.End),
			Ts:       time.UnixMilli(k.Kline.Start),
		}, nil

	default:
		// Streams the engine never subscribes to are ignorable.
		return nil, nil
	}
}

func (b *BinanceAdapter) normalizeExecutionReport(raw []byte) (model.Event, error) {
	var r binanceExecutionReport
	if err := b.decode(raw, &r); err != nil {
		return nil, err
	}

	symbol := binanceToNormalizedSymbol(r.Symbol)
	exchangeOrderID := strconv.FormatInt(r.OrderID, 10)
	ts := time.UnixMilli(r.EventTime)

	// A fill execution takes precedence over the coarse order status: the
	// order manager derives partial/full fill state from the amounts.
	if r.ExecType == "TRADE" {
		price, size, err := parseDecimalPair(r.LastFillPrice, r.LastFillSize)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid fill fields", Err: err}
		}
		return model.OrderFill{
			Exchange:        b.Exchange(),
			Symbol:          symbol,
			ClientOrderID:   r.ClientOrderID,
			ExchangeOrderID: exchangeOrderID,
			FillPrice:       price,
			FillSize:        size,
			Seq:             uint64(r.TradeID),
			Ts:              time.UnixMilli(r.TxTime),
		}, nil
	}

	switch r.OrderStatus {
	case "NEW":
		return model.OrderAck{
			Exchange:        b.Exchange(),
			Symbol:          symbol,
			ClientOrderID:   r.ClientOrderID,
			ExchangeOrderID: exchangeOrderID,
			Seq:             uint64(r.EventTime),
			Ts:              ts,
		}, nil
	case "REJECTED":
		return model.OrderReject{
			Exchange:        b.Exchange(),
			Symbol:          symbol,
			ClientOrderID:   r.ClientOrderID,
			ExchangeOrderID: exchangeOrderID,
			Reason:          r.RejectReason,
			Seq:             uint64(r.EventTime),
			Ts:              ts,
		}, nil
	case "CANCELED", "EXPIRED":
		return model.OrderCancelConfirm{
			Exchange:        b.Exchange(),
			Symbol:          symbol,
			ClientOrderID:   r.ClientOrderID,
			ExchangeOrderID: exchangeOrderID,
			Seq:             uint64(r.EventTime),
			Ts:              ts,
		}, nil
	default:
		return nil, &ProtocolError{
			Exchange: b.Exchange(),
			Reason:   fmt.Sprintf("unexpected order status %q", r.OrderStatus),
		}
	}
}

func (b *BinanceAdapter) normalizeAccountPosition(raw []byte) (model.Event, error) {
	var p binanceAccountPosition
	if err := b.decode(raw, &p); err != nil {
		return nil, err
	}
	balances := make([]model.Balance, 0, len(p.Balances))
	for _, bal := range p.Balances {
		free, locked, err := parseDecimalPair(bal.Free, bal.Locked)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid balance fields", Err: err}
		}
		balances = append(balances, model.Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return model.BalanceUpdate{
		Exchange:    b.Exchange(),
		AccountType: model.SpotAccount,
		Balances:    balances,
		Ts:          time.UnixMilli(p.EventTime),
	}, nil
}

// decode unmarshals and validates one wire struct in place.
func (b *BinanceAdapter) decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &ProtocolError{Exchange: b.Exchange(), Reason: "invalid payload JSON", Err: err}
	}
	if err := b.validate.Struct(v); err != nil {
		return &ProtocolError{Exchange: b.Exchange(), Reason: "payload validation failed", Err: err}
	}
	return nil
}

// Encode deterministically maps an engine command to one Binance request.
func (b *BinanceAdapter) Encode(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case Subscribe:
		return b.encodeSubscription("SUBSCRIBE", c.Subscriptions)
	case Unsubscribe:
		return b.encodeSubscription("UNSUBSCRIBE", c.Subscriptions)
	case SubmitOrder:
		return b.encodeSubmit(c)
	case CancelOrder:
		return b.encodeCancel(c)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

// encodeSubscription builds a stream subscription request.
//
//	{"method":"SUBSCRIBE","params":["btcusdt@trade"],"id":1}
//
// Private order/balance channels produce no request: the user data stream
// delivers them implicitly once the session connects with a listen key.
func (b *BinanceAdapter) encodeSubscription(method string, subs []model.Subscription) ([]byte, error) {
	params := make([]string, 0, len(subs))
	for _, sub := range subs {
		stream, err := binanceStreamName(sub)
		if err != nil {
			return nil, err
		}
		if stream == "" {
			continue
		}
		params = append(params, stream)
	}
	if len(params) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     1,
	})
}

func (b *BinanceAdapter) encodeSubmit(c SubmitOrder) ([]byte, error) {
	params := map[string]string{
		"symbol":           binanceWireSymbol(c.Symbol),
		"side":             strings.ToUpper(c.Side.String()),
		"type":             strings.ToUpper(c.Type.String()),
		"quantity":         c.Amount.String(),
		"newClientOrderId": c.ClientOrderID,
		"timestamp":        strconv.FormatInt(c.Ts.UnixMilli(), 10),
		"apiKey":           b.creds.APIKey,
	}
	if c.Type == model.Limit || c.Type == model.Stop {
		params["price"] = c.Price.String()
		params["timeInForce"] = "GTC"
	}
	params["signature"] = b.sign(params)
	return json.Marshal(map[string]any{
		"id":     c.ClientOrderID,
		"method": "order.place",
		"params": params,
	})
}

func (b *BinanceAdapter) encodeCancel(c CancelOrder) ([]byte, error) {
	params := map[string]string{
		"symbol":            binanceWireSymbol(c.Symbol),
		"origClientOrderId": c.ClientOrderID,
		"timestamp":         strconv.FormatInt(c.Ts.UnixMilli(), 10),
		"apiKey":            b.creds.APIKey,
	}
	params["signature"] = b.sign(params)
	return json.Marshal(map[string]any{
		"id":     c.ClientOrderID,
		"method": "order.cancel",
		"params": params,
	})
}

// sign computes the HMAC-SHA256 request signature over the sorted parameter
// query string, per the Binance WebSocket API signing rules.
func (b *BinanceAdapter) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}

	mac := hmac.New(sha256.New, []byte(b.creds.Secret))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// binanceStreamName maps a subscription to a Binance stream identifier.
// Private channels return "" because the user data stream carries them
// without an explicit subscription.
func binanceStreamName(sub model.Subscription) (string, error) {
	wire := strings.ToLower(binanceWireSymbol(sub.Symbol))
	switch sub.Channel {
	case model.BookL1Channel:
		return wire + "@bookTicker", nil
	case model.TradeChannel:
		return wire + "@trade", nil
	case model.KlineChannel:
		return wire + "@kline_1m", nil
	case model.OrderChannel, model.BalanceChannel:
		return "", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, sub.Channel)
	}
}

// binanceWireSymbol converts "BTC-USDT" into Binance's "BTCUSDT" format.
func binanceWireSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// binanceToNormalizedSymbol converts Binance symbol format to the engine's
// standardized "BASE-QUOTE" format.
func binanceToNormalizedSymbol(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, quote := range []string{"USDT", "USDC", "BTC", "ETH"} {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)] + "-" + quote
		}
	}
	return upper
}

// parseDecimalPair parses two numeric strings into decimals.
func parseDecimalPair(a, b string) (decimal.Decimal, decimal.Decimal, error) {
	first, err := decimal.NewFromString(a)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	second, err := decimal.NewFromString(b)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return first, second, nil
}
