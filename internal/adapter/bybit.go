// Package adapter provides exchange adapters for the trading engine.
//
// The Bybit adapter speaks Bybit's v5 WebSocket API. Public market data is
// topic-tagged ("publicTrade.BTCUSDT", "orderbook.1.BTCUSDT", "kline.1.*");
// private updates arrive on the "order", "execution" and "wallet" topics;
// outbound commands use the op/args request protocol.
package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// BybitAdapter implements the Adapter interface for the Bybit exchange.
type BybitAdapter struct {
	creds    Credentials
	validate *validator.Validate
}

// NewBybitAdapter creates a Bybit adapter.
func NewBybitAdapter(creds Credentials) *BybitAdapter {
	return &BybitAdapter{
		creds:    creds,
		validate: validator.New(),
	}
}

// Exchange identifies this adapter as Bybit.
func (b *BybitAdapter) Exchange() model.Exchange { return model.BybitExchange }

// bybitMessage is the envelope shared by every inbound Bybit message.
type bybitMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"` // snapshot or delta
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`      // control frames and command acks
	Success *bool           `json:"success"` // set on control acks
	RetCode int             `json:"retCode"` // command responses
	RetMsg  string          `json:"retMsg"`
	ReqID   string          `json:"reqId"` // echo of the request id
}

// bybitTrade is one element of a publicTrade data array.
type bybitTrade struct {
	Symbol  string `json:"s" validate:"required"`
	Side    string `json:"S" validate:"required,oneof=Buy Sell"`
	Price   string `json:"p" validate:"required,numeric"`
	Size    string `json:"v" validate:"required,numeric"`
	TradeID string `json:"i" validate:"required"`
	TS      int64  `json:"T" validate:"required"`
}

// bybitOrderbook is the orderbook.1 payload: one level per side.
type bybitOrderbook struct {
	Symbol   string     `json:"s" validate:"required"`
	Bids     [][]string `json:"b" validate:"required,min=1"`
	Asks     [][]string `json:"a" validate:"required,min=1"`
	UpdateID uint64     `json:"u"`
	Seq      uint64     `json:"seq"`
}

// bybitKline is one element of a kline data array.
type bybitKline struct {
	Start    int64  `json:"start" validate:"required"`
	End      int64  `json:"end" validate:"required"`
	Interval string `json:"interval" validate:"required"`
	Open     string `json:"open" validate:"required,numeric"`
	High     string `json:"high" validate:"required,numeric"`
	Low      string `json:"low" validate:"required,numeric"`
	Close    string `json:"close" validate:"required,numeric"`
	Volume   string `json:"volume" validate:"required,numeric"`
	TS       int64  `json:"timestamp" validate:"required"`
}

// bybitOrder is one element of the private "order" topic data array.
type bybitOrder struct {
	Symbol        string `json:"symbol" validate:"required"`
	OrderID       string `json:"orderId" validate:"required"`
	OrderLinkID   string `json:"orderLinkId"`
	OrderStatus   string `json:"orderStatus" validate:"required"`
	RejectReason  string `json:"rejectReason"`
	UpdatedTimeMS string `json:"updatedTime" validate:"required,numeric"`
}

// bybitExecution is one element of the private "execution" topic data array.
type bybitExecution struct {
	Symbol      string `json:"symbol" validate:"required"`
	OrderID     string `json:"orderId" validate:"required"`
	OrderLinkID string `json:"orderLinkId"`
	ExecPrice   string `json:"execPrice" validate:"required,numeric"`
	ExecQty     string `json:"execQty" validate:"required,numeric"`
	ExecID      string `json:"execId" validate:"required"`
	ExecTimeMS  string `json:"execTime" validate:"required,numeric"`
}

// bybitWallet is one element of the private "wallet" topic data array.
type bybitWallet struct {
	AccountType string `json:"accountType" validate:"required"`
	Coins       []struct {
		Coin    string `json:"coin" validate:"required"`
		Balance string `json:"walletBalance" validate:"required,numeric"`
		Locked  string `json:"locked"`
	} `json:"coin" validate:"required,dive"`
}

// Normalize converts one raw Bybit message into zero or one typed event.
func (b *BybitAdapter) Normalize(raw []byte) (model.Event, error) {
	var msg bybitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid outer JSON", Err: err}
	}

	// Control frames: subscribe acks, auth acks, pongs.
	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			return nil, &ProtocolError{
				Exchange: b.Exchange(),
				Reason:   fmt.Sprintf("%s failed: %s", msg.Op, msg.RetMsg),
			}
		}
		// A non-zero retCode on an order op is a rejection of our command.
		if strings.HasPrefix(msg.Op, "order.") && msg.RetCode != 0 {
			return model.OrderReject{
				Exchange:      b.Exchange(),
				ClientOrderID: msg.ReqID,
				Reason:        fmt.Sprintf("%d: %s", msg.RetCode, msg.RetMsg),
				Seq:           uint64(time.Now().UnixMilli()),
				Ts:            time.Now(),
			}, nil
		}
		return nil, nil
	}

	switch {
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		return b.normalizeTrade(msg.Data)
	case strings.HasPrefix(msg.Topic, "orderbook.1."):
		return b.normalizeBookL1(msg.TS, msg.Data)
	case strings.HasPrefix(msg.Topic, "kline."):
		return b.normalizeKline(msg.Topic, msg.Data)
	case msg.Topic == "order":
		return b.normalizeOrder(msg.Data)
	case msg.Topic == "execution":
		return b.normalizeExecution(msg.Data)
	case msg.Topic == "wallet":
		return b.normalizeWallet(msg.TS, msg.Data)
	default:
		return nil, nil
	}
}

func (b *BybitAdapter) normalizeTrade(data json.RawMessage) (model.Event, error) {
	trades, err := decodeBybitBatch[bybitTrade](b, data)
	if err != nil {
		return nil, err
	}
	t := trades[len(trades)-1]

	price, size, err := parseDecimalPair(t.Price, t.Size)
	if err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid trade fields", Err: err}
	}
	side := model.Buy
	if t.Side == "Sell" {
		side = model.Sell
	}
	seq, _ := strconv.ParseUint(t.TradeID, 10, 64)
	if seq == 0 {
		seq = uint64(t.TS)
	}
	return model.Trade{
		Symbol:   bybitToNormalizedSymbol(t.Symbol),
		Exchange: b.Exchange(),
		Price:    price,
		Size:     size,
		Side:     side,
		Seq:      seq,
		Ts:       time.UnixMilli(t.TS),
	}, nil
}

func (b *BybitAdapter) normalizeBookL1(ts int64, data json.RawMessage) (model.Event, error) {
	var book bybitOrderbook
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid orderbook payload", Err: err}
	}
	if err := b.validate.Struct(&book); err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "orderbook validation failed", Err: err}
	}
	if len(book.Bids[0]) < 2 || len(book.Asks[0]) < 2 {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "truncated book level"}
	}

	bidPrice, bidSize, err := parseDecimalPair(book.Bids[0][0], book.Bids[0][1])
	if err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid bid level", Err: err}
	}
	askPrice, askSize, err := parseDecimalPair(book.Asks[0][0], book.Asks[0][1])
	if err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid ask level", Err: err}
	}

	seq := book.Seq
	if seq == 0 {
		seq = book.UpdateID
	}
	return model.BookL1{
		Symbol:   bybitToNormalizedSymbol(book.Symbol),
		Exchange: b.Exchange(),
		BidPrice: bidPrice,
		BidSize:  bidSize,
		AskPrice: askPrice,
		AskSize:  askSize,
		Seq:      seq,
		Ts:       time.UnixMilli(ts),
	}, nil
}

func (b *BybitAdapter) normalizeKline(topic string, data json.RawMessage) (model.Event, error) {
	// Topic format: kline.<interval>.<symbol>
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "malformed kline topic " + topic}
	}

	klines, err := decodeBybitBatch[bybitKline](b, data)
	if err != nil {
		return nil, err
	}
	k := klines[len(klines)-1]

	open, high, err := parseDecimalPair(k.Open, k.High)
	if err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid kline fields", Err: err}
	}
	low, closePx, err := parseDecimalPair(k.Low, k.Close)
	if err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid kline fields", Err: err}
	}
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid kline volume", Err: err}
	}

	return model.Kline{
		Symbol:   bybitToNormalizedSymbol(parts[2]),
		Exchange: b.Exchange(),
		Interval: k.Interval + "m",
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePx,
		Volume:   volume,
		Start:    time.UnixMilli(k.Start),
		End:      time.UnixMilli(k.End),
		Ts:       time.UnixMilli(k.TS),
	}, nil
}

// normalizeOrder maps the "order" topic to acks, cancels and rejections.
// Fill quantities arrive on the "execution" topic, so PartiallyFilled and
// Filled statuses carry no new information here.
func (b *BybitAdapter) normalizeOrder(data json.RawMessage) (model.Event, error) {
	orders, err := decodeBybitBatch[bybitOrder](b, data)
	if err != nil {
		return nil, err
	}
	ord := orders[len(orders)-1]
	ms, _ := strconv.ParseInt(ord.UpdatedTimeMS, 10, 64)
	ts := time.UnixMilli(ms)

	switch ord.OrderStatus {
	case "New":
		return model.OrderAck{
			Exchange:        b.Exchange(),
			Symbol:          bybitToNormalizedSymbol(ord.Symbol),
			ClientOrderID:   ord.OrderLinkID,
			ExchangeOrderID: ord.OrderID,
			Seq:             uint64(ms),
			Ts:              ts,
		}, nil
	case "Cancelled":
		return model.OrderCancelConfirm{
			Exchange:        b.Exchange(),
			Symbol:          bybitToNormalizedSymbol(ord.Symbol),
			ClientOrderID:   ord.OrderLinkID,
			ExchangeOrderID: ord.OrderID,
			Seq:             uint64(ms),
			Ts:              ts,
		}, nil
	case "Rejected":
		return model.OrderReject{
			Exchange:        b.Exchange(),
			Symbol:          bybitToNormalizedSymbol(ord.Symbol),
			ClientOrderID:   ord.OrderLinkID,
			ExchangeOrderID: ord.OrderID,
			Reason:          ord.RejectReason,
			Seq:             uint64(ms),
			Ts:              ts,
		}, nil
	case "PartiallyFilled", "Filled":
		return nil, nil
	default:
		return nil, &ProtocolError{
			Exchange: b.Exchange(),
			Reason:   fmt.Sprintf("unexpected order status %q", ord.OrderStatus),
		}
	}
}

func (b *BybitAdapter) normalizeExecution(data json.RawMessage) (model.Event, error) {
	execs, err := decodeBybitBatch[bybitExecution](b, data)
	if err != nil {
		return nil, err
	}
	e := execs[len(execs)-1]

	price, size, err := parseDecimalPair(e.ExecPrice, e.ExecQty)
	if err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid execution fields", Err: err}
	}
	ms, _ := strconv.ParseInt(e.ExecTimeMS, 10, 64)
	seq, _ := strconv.ParseUint(e.ExecID, 10, 64)
	if seq == 0 {
		seq = uint64(ms)
	}
	return model.OrderFill{
		Exchange:        b.Exchange(),
		Symbol:          bybitToNormalizedSymbol(e.Symbol),
		ClientOrderID:   e.OrderLinkID,
		ExchangeOrderID: e.OrderID,
		FillPrice:       price,
		FillSize:        size,
		Seq:             seq,
		Ts:              time.UnixMilli(ms),
	}, nil
}

func (b *BybitAdapter) normalizeWallet(ts int64, data json.RawMessage) (model.Event, error) {
	wallets, err := decodeBybitBatch[bybitWallet](b, data)
	if err != nil {
		return nil, err
	}
	w := wallets[len(wallets)-1]

	out := make([]model.Balance, 0, len(w.Coins))
	for _, coin := range w.Coins {
		balance, err := decimal.NewFromString(coin.Balance)
		if err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid wallet balance", Err: err}
		}
		locked := decimal.Zero
		if coin.Locked != "" {
			if locked, err = decimal.NewFromString(coin.Locked); err != nil {
				return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid locked balance", Err: err}
			}
		}
		out = append(out, model.Balance{Asset: coin.Coin, Free: balance.Sub(locked), Locked: locked})
	}
	return model.BalanceUpdate{
		Exchange:    b.Exchange(),
		AccountType: model.SpotAccount,
		Balances:    out,
		Ts:          time.UnixMilli(ts),
	}, nil
}

// decodeBybitBatch unmarshals a data array and validates every element.
func decodeBybitBatch[T any](b *BybitAdapter, data json.RawMessage) ([]T, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "invalid payload JSON", Err: err}
	}
	if len(items) == 0 {
		return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "empty data batch"}
	}
	for i := range items {
		if err := b.validate.Struct(&items[i]); err != nil {
			return nil, &ProtocolError{Exchange: b.Exchange(), Reason: "payload validation failed", Err: err}
		}
	}
	return items, nil
}

// Encode deterministically maps an engine command to one Bybit request.
func (b *BybitAdapter) Encode(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case Subscribe:
		return b.encodeSubscription("subscribe", c.Subscriptions)
	case Unsubscribe:
		return b.encodeSubscription("unsubscribe", c.Subscriptions)
	case SubmitOrder:
		return b.encodeSubmit(c)
	case CancelOrder:
		return b.encodeCancel(c)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

func (b *BybitAdapter) encodeSubscription(op string, subs []model.Subscription) ([]byte, error) {
	args := make([]string, 0, len(subs))
	for _, sub := range subs {
		topic, err := bybitTopic(sub)
		if err != nil {
			return nil, err
		}
		args = append(args, topic)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]any{"op": op, "args": args})
}

func (b *BybitAdapter) encodeSubmit(c SubmitOrder) ([]byte, error) {
	arg := map[string]string{
		"category":    "spot",
		"symbol":      bybitWireSymbol(c.Symbol),
		"side":        bybitSide(c.Side),
		"orderType":   bybitOrderType(c.Type),
		"qty":         c.Amount.String(),
		"orderLinkId": c.ClientOrderID,
	}
	if c.Type == model.Limit || c.Type == model.Stop {
		arg["price"] = c.Price.String()
	}
	return json.Marshal(map[string]any{
		"reqId": c.ClientOrderID,
		"op":    "order.create",
		"args":  []map[string]string{arg},
	})
}

func (b *BybitAdapter) encodeCancel(c CancelOrder) ([]byte, error) {
	arg := map[string]string{
		"category":    "spot",
		"symbol":      bybitWireSymbol(c.Symbol),
		"orderLinkId": c.ClientOrderID,
	}
	if c.ExchangeOrderID != "" {
		arg["orderId"] = c.ExchangeOrderID
	}
	return json.Marshal(map[string]any{
		"reqId": c.ClientOrderID,
		"op":    "order.cancel",
		"args":  []map[string]string{arg},
	})
}

// bybitTopic maps a subscription to Bybit's topic string.
func bybitTopic(sub model.Subscription) (string, error) {
	switch sub.Channel {
	case model.BookL1Channel:
		return "orderbook.1." + bybitWireSymbol(sub.Symbol), nil
	case model.TradeChannel:
		return "publicTrade." + bybitWireSymbol(sub.Symbol), nil
	case model.KlineChannel:
		return "kline.1." + bybitWireSymbol(sub.Symbol), nil
	case model.OrderChannel:
		return "order", nil
	case model.BalanceChannel:
		return "wallet", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, sub.Channel)
	}
}

func bybitSide(side model.OrderSide) string {
	if side == model.Sell {
		return "Sell"
	}
	return "Buy"
}

func bybitOrderType(t model.OrderType) string {
	if t == model.Market {
		return "Market"
	}
	return "Limit"
}

// bybitWireSymbol converts "BTC-USDT" to Bybit's "BTCUSDT".
func bybitWireSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// bybitToNormalizedSymbol converts Bybit symbol format to "BASE-QUOTE".
func bybitToNormalizedSymbol(symbol string) string {
	return binanceToNormalizedSymbol(symbol)
}
