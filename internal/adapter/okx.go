// Package adapter provides exchange adapters for the trading engine.
//
// The OKX adapter speaks OKX's WebSocket API v5. Public market data arrives
// as channel-tagged messages with batched data arrays; private order updates
// arrive on the "orders" channel; outbound commands use the op/args request
// protocol.
//
// Example subscription request:
//
//	{
//	  "op": "subscribe",
//	  "args": [
//	    {"channel": "trades", "instId": "BTC-USDT"},
//	    {"channel": "bbo-tbt", "instId": "ETH-USDT"}
//	  ]
//	}
//
// Example trade message:
//
//	{
//	  "arg": {"channel": "trades", "instId": "BTC-USDT"},
//	  "data": [
//	    {"instId": "BTC-USDT", "tradeId": "123", "px": "50000.0",
//	     "sz": "0.001", "side": "buy", "ts": "1640995200000"}
//	  ]
//	}
package adapter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// OkxAdapter implements the Adapter interface for the OKX exchange.
type OkxAdapter struct {
	creds    Credentials
	validate *validator.Validate
}

// NewOkxAdapter creates an OKX adapter.
func NewOkxAdapter(creds Credentials) *OkxAdapter {
	return &OkxAdapter{
		creds:    creds,
		validate: validator.New(),
	}
}

// Exchange identifies this adapter as OKX.
func (o *OkxAdapter) Exchange() model.Exchange { return model.OkxExchange }

// okxMessage is the envelope shared by every inbound OKX message.
type okxMessage struct {
	Event string `json:"event"` // control frames: subscribe/unsubscribe/error
	Op    string `json:"op"`    // command responses: order/cancel-order
	Code  string `json:"code"`  // non-zero on command rejection
	Msg   string `json:"msg"`
	ID    string `json:"id"` // echo of the request id (client order id)
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

// okxTrade is one element of a "trades" channel data array.
type okxTrade struct {
	InstID  string `json:"instId" validate:"required"`
	TradeID string `json:"tradeId" validate:"required,numeric"`
	Price   string `json:"px" validate:"required,numeric"`
	Size    string `json:"sz" validate:"required,numeric"`
	Side    string `json:"side" validate:"required,oneof=buy sell"`
	TS      string `json:"ts" validate:"required,numeric"`
}

// okxBookL1 is one element of a "bbo-tbt" channel data array. Asks and bids
// hold exactly one [price, size, _, _] level each.
type okxBookL1 struct {
	Asks  [][]string `json:"asks" validate:"required,min=1"`
	Bids  [][]string `json:"bids" validate:"required,min=1"`
	TS    string     `json:"ts" validate:"required,numeric"`
	SeqID uint64     `json:"seqId"`
}

// okxOrder is one element of an "orders" channel data array.
type okxOrder struct {
	InstID        string `json:"instId" validate:"required"`
	OrderID       string `json:"ordId" validate:"required"`
	ClientOrderID string `json:"clOrdId" validate:"required"`
	State         string `json:"state" validate:"required"`
	FillPrice     string `json:"fillPx"`
	FillSize      string `json:"fillSz"`
	TradeID       string `json:"tradeId"`
	UpdateTime    string `json:"uTime" validate:"required,numeric"`
}

// okxBalance is one element of an "account" channel data array.
type okxBalance struct {
	UpdateTime string `json:"uTime" validate:"required,numeric"`
	Details    []struct {
		Currency  string `json:"ccy" validate:"required"`
		Available string `json:"availBal" validate:"required,numeric"`
		Frozen    string `json:"frozenBal" validate:"required,numeric"`
	} `json:"details" validate:"required,dive"`
}

// Normalize converts one raw OKX message into zero or one typed event.
//
// OKX batches data arrays; snapshot channels (bbo-tbt, candle) collapse to
// the newest element, and trade/order batches are delivered one element per
// message by OKX in practice.
func (o *OkxAdapter) Normalize(raw []byte) (model.Event, error) {
	var msg okxMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid outer JSON", Err: err}
	}

	// Subscription acknowledgements and pongs are ignorable control frames.
	if msg.Event != "" {
		if msg.Event == "error" {
			return nil, &ProtocolError{
				Exchange: o.Exchange(),
				Reason:   fmt.Sprintf("server error %s: %s", msg.Code, msg.Msg),
			}
		}
		return nil, nil
	}

	// Command responses: a non-zero code on an order op is a rejection.
	if msg.Op != "" {
		if (msg.Op == "order" || msg.Op == "batch-orders") && msg.Code != "0" && msg.Code != "" {
			return model.OrderReject{
				Exchange:      o.Exchange(),
				ClientOrderID: msg.ID,
				Reason:        fmt.Sprintf("%s: %s", msg.Code, msg.Msg),
				Seq:           uint64(time.Now().UnixMilli()),
				Ts:            time.Now(),
			}, nil
		}
		return nil, nil
	}

	switch msg.Arg.Channel {
	case "trades":
		return o.normalizeTrade(msg.Data)
	case "bbo-tbt":
		return o.normalizeBookL1(msg.Arg.InstID, msg.Data)
	case "candle1m":
		return o.normalizeCandle(msg.Arg.InstID, msg.Data)
	case "orders":
		return o.normalizeOrder(msg.Data)
	case "account":
		return o.normalizeBalance(msg.Data)
	case "":
		return nil, nil
	default:
		return nil, nil
	}
}

func (o *OkxAdapter) normalizeTrade(data json.RawMessage) (model.Event, error) {
	trades, err := decodeOkxBatch[okxTrade](o, data)
	if err != nil {
		return nil, err
	}
	t := trades[len(trades)-1]

	price, size, err := parseDecimalPair(t.Price, t.Size)
	if err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid trade fields", Err: err}
	}
	seq, _ := strconv.ParseUint(t.TradeID, 10, 64)
	ms, _ := strconv.ParseInt(t.TS, 10, 64)

	side := model.Buy
	if t.Side == "sell" {
		side = model.Sell
	}
	return model.Trade{
		Symbol:   t.InstID,
		Exchange: o.Exchange(),
		Price:    price,
		Size:     size,
		Side:     side,
		Seq:      seq,
		Ts:       time.UnixMilli(ms),
	}, nil
}

func (o *OkxAdapter) normalizeBookL1(instID string, data json.RawMessage) (model.Event, error) {
	books, err := decodeOkxBatch[okxBookL1](o, data)
	if err != nil {
		return nil, err
	}
	b := books[len(books)-1]
	if len(b.Asks[0]) < 2 || len(b.Bids[0]) < 2 {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "truncated bbo level"}
	}

	askPrice, askSize, err := parseDecimalPair(b.Asks[0][0], b.Asks[0][1])
	if err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid ask level", Err: err}
	}
	bidPrice, bidSize, err := parseDecimalPair(b.Bids[0][0], b.Bids[0][1])
	if err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid bid level", Err: err}
	}
	ms, _ := strconv.ParseInt(b.TS, 10, 64)

	return model.BookL1{
		Symbol:   instID,
		Exchange: o.Exchange(),
		BidPrice: bidPrice,
		BidSize:  bidSize,
		AskPrice: askPrice,
		AskSize:  askSize,
		Seq:      b.SeqID,
		Ts:       time.UnixMilli(ms),
	}, nil
}

// normalizeCandle parses a candle1m batch. OKX candles are positional
// arrays: [ts, open, high, low, close, volume, ...].
func (o *OkxAdapter) normalizeCandle(instID string, data json.RawMessage) (model.Event, error) {
	var candles [][]string
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid candle payload", Err: err}
	}
	if len(candles) == 0 {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "empty candle batch"}
	}
	c := candles[len(candles)-1]
	if len(c) < 6 {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "truncated candle row"}
	}

	open, high, err := parseDecimalPair(c[1], c[2])
	if err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid candle fields", Err: err}
	}
	low, closePx, err := parseDecimalPair(c[3], c[4])
	if err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid candle fields", Err: err}
	}
	volume, err := decimal.NewFromString(c[5])
	if err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid candle volume", Err: err}
	}
	ms, err := strconv.ParseInt(c[0], 10, 64)
	if err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid candle timestamp", Err: err}
	}
	start := time.UnixMilli(ms)

	return model.Kline{
		Symbol:   instID,
		Exchange: o.Exchange(),
		Interval: "1m",
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePx,
		Volume:   volume,
		Start:    start,
		End:      start.Add(time.Minute),
		Ts:       start,
	}, nil
}

func (o *OkxAdapter) normalizeOrder(data json.RawMessage) (model.Event, error) {
	orders, err := decodeOkxBatch[okxOrder](o, data)
	if err != nil {
		return nil, err
	}
	ord := orders[len(orders)-1]
	ms, _ := strconv.ParseInt(ord.UpdateTime, 10, 64)
	ts := time.UnixMilli(ms)

	// A populated fill size means this update reports an execution; the
	// order manager derives partial/full state from the amounts.
	if ord.FillSize != "" && ord.FillSize != "0" {
		price, size, err := parseDecimalPair(ord.FillPrice, ord.FillSize)
		if err != nil {
			return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid fill fields", Err: err}
		}
		seq, _ := strconv.ParseUint(ord.TradeID, 10, 64)
		if seq == 0 {
			seq = uint64(ms)
		}
		return model.OrderFill{
			Exchange:        o.Exchange(),
			Symbol:          ord.InstID,
			ClientOrderID:   ord.ClientOrderID,
			ExchangeOrderID: ord.OrderID,
			FillPrice:       price,
			FillSize:        size,
			Seq:             seq,
			Ts:              ts,
		}, nil
	}

	switch ord.State {
	case "live":
		return model.OrderAck{
			Exchange:        o.Exchange(),
			Symbol:          ord.InstID,
			ClientOrderID:   ord.ClientOrderID,
			ExchangeOrderID: ord.OrderID,
			Seq:             uint64(ms),
			Ts:              ts,
		}, nil
	case "canceled":
		return model.OrderCancelConfirm{
			Exchange:        o.Exchange(),
			Symbol:          ord.InstID,
			ClientOrderID:   ord.ClientOrderID,
			ExchangeOrderID: ord.OrderID,
			Seq:             uint64(ms),
			Ts:              ts,
		}, nil
	case "filled", "partially_filled":
		// Fill amounts arrive in the same update; handled above. A fill
		// state without amounts carries no new information.
		return nil, nil
	default:
		return nil, &ProtocolError{
			Exchange: o.Exchange(),
			Reason:   fmt.Sprintf("unexpected order state %q", ord.State),
		}
	}
}

func (o *OkxAdapter) normalizeBalance(data json.RawMessage) (model.Event, error) {
	balances, err := decodeOkxBatch[okxBalance](o, data)
	if err != nil {
		return nil, err
	}
	b := balances[len(balances)-1]
	ms, _ := strconv.ParseInt(b.UpdateTime, 10, 64)

	out := make([]model.Balance, 0, len(b.Details))
	for _, d := range b.Details {
		free, frozen, err := parseDecimalPair(d.Available, d.Frozen)
		if err != nil {
			return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid balance fields", Err: err}
		}
		out = append(out, model.Balance{Asset: d.Currency, Free: free, Locked: frozen})
	}
	return model.BalanceUpdate{
		Exchange:    o.Exchange(),
		AccountType: model.SpotAccount,
		Balances:    out,
		Ts:          time.UnixMilli(ms),
	}, nil
}

// decodeOkxBatch unmarshals a data array and validates every element.
func decodeOkxBatch[T any](o *OkxAdapter, data json.RawMessage) ([]T, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "invalid payload JSON", Err: err}
	}
	if len(items) == 0 {
		return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "empty data batch"}
	}
	for i := range items {
		if err := o.validate.Struct(&items[i]); err != nil {
			return nil, &ProtocolError{Exchange: o.Exchange(), Reason: "payload validation failed", Err: err}
		}
	}
	return items, nil
}

// Encode deterministically maps an engine command to one OKX request.
func (o *OkxAdapter) Encode(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case Subscribe:
		return o.encodeSubscription("subscribe", c.Subscriptions)
	case Unsubscribe:
		return o.encodeSubscription("unsubscribe", c.Subscriptions)
	case SubmitOrder:
		return o.encodeSubmit(c)
	case CancelOrder:
		return o.encodeCancel(c)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

func (o *OkxAdapter) encodeSubscription(op string, subs []model.Subscription) ([]byte, error) {
	args := make([]map[string]string, 0, len(subs))
	for _, sub := range subs {
		channel, err := okxChannelName(sub.Channel)
		if err != nil {
			return nil, err
		}
		arg := map[string]string{"channel": channel}
		if sub.Channel == model.OrderChannel {
			arg["instType"] = "ANY"
		} else if sub.Channel != model.BalanceChannel {
			arg["instId"] = sub.Symbol
		}
		args = append(args, arg)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]any{"op": op, "args": args})
}

func (o *OkxAdapter) encodeSubmit(c SubmitOrder) ([]byte, error) {
	arg := map[string]string{
		"instId":  c.Symbol,
		"tdMode":  "cash",
		"clOrdId": c.ClientOrderID,
		"side":    c.Side.String(),
		"ordType": c.Type.String(),
		"sz":      c.Amount.String(),
	}
	if c.Type == model.Limit || c.Type == model.Stop {
		arg["px"] = c.Price.String()
	}
	return json.Marshal(map[string]any{
		"id":   c.ClientOrderID,
		"op":   "order",
		"args": []map[string]string{arg},
	})
}

func (o *OkxAdapter) encodeCancel(c CancelOrder) ([]byte, error) {
	arg := map[string]string{
		"instId":  c.Symbol,
		"clOrdId": c.ClientOrderID,
	}
	if c.ExchangeOrderID != "" {
		arg["ordId"] = c.ExchangeOrderID
	}
	return json.Marshal(map[string]any{
		"id":   c.ClientOrderID,
		"op":   "cancel-order",
		"args": []map[string]string{arg},
	})
}

// okxChannelName maps a channel kind to OKX's channel identifier.
func okxChannelName(kind model.ChannelKind) (string, error) {
	switch kind {
	case model.BookL1Channel:
		return "bbo-tbt", nil
	case model.TradeChannel:
		return "trades", nil
	case model.KlineChannel:
		return "candle1m", nil
	case model.OrderChannel:
		return "orders", nil
	case model.BalanceChannel:
		return "account", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, kind)
	}
}
