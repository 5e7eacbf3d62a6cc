// Package adapter defines the exchange adapter contract: the translation
// layer between exchange-specific wire protocols and the engine's normalized
// event and command types.
//
// One Adapter implementation exists per exchange. Adapters are pure with
// respect to the engine core: Normalize has no side channel back into the
// core other than the returned event, and Encode deterministically maps a
// command to exactly one wire request. The concrete adapter for a session is
// selected at engine construction time from configuration, never by runtime
// type inspection.
package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

var (
	// ErrUnsupportedCommand indicates a command kind the adapter cannot encode.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrUnsupportedChannel indicates a channel kind the adapter cannot subscribe.
	ErrUnsupportedChannel = errors.New("unsupported channel")
)

// Adapter translates between one exchange's wire formats and the engine's
// normalized types. Implementations must be safe for concurrent use: one
// instance is shared between the public and private sessions of an exchange.
type Adapter interface {
	// Exchange identifies the exchange this adapter speaks for.
	Exchange() model.Exchange

	// Normalize converts one raw wire message into zero or one typed event.
	//
	// A (nil, nil) return means the message is an ignorable control frame
	// (subscription acknowledgement, heartbeat, pong). A *ProtocolError
	// return means the payload is malformed or unexpected; the session drops
	// the message, logs it, and stays connected.
	Normalize(raw []byte) (model.Event, error)

	// Encode deterministically maps an outbound command to exactly one raw
	// wire request ready to be written to the exchange stream.
	Encode(cmd Command) ([]byte, error)
}

// Command is an outbound instruction the engine asks an adapter to encode.
// The closed set is: SubmitOrder, CancelOrder, Subscribe, Unsubscribe.
type Command interface {
	isCommand()
}

// SubmitOrder asks the exchange to create an order.
type SubmitOrder struct {
	ClientOrderID string
	Symbol        string
	Side          model.OrderSide
	Type          model.OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Ts            time.Time
}

func (SubmitOrder) isCommand() {}

// CancelOrder asks the exchange to cancel an order.
type CancelOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Ts              time.Time
}

func (CancelOrder) isCommand() {}

// Subscribe asks the exchange to start one or more streams.
type Subscribe struct {
	Subscriptions []model.Subscription
}

func (Subscribe) isCommand() {}

// Unsubscribe asks the exchange to stop one or more streams.
type Unsubscribe struct {
	Subscriptions []model.Subscription
}

func (Unsubscribe) isCommand() {}

// Credentials holds the per-exchange API credentials and network mode handed
// to an adapter at construction. Immutable after engine construction.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
	Testnet    bool
}

// ProtocolError reports a malformed or unexpected payload. The affected
// message is dropped; the session stays connected.
type ProtocolError struct {
	Exchange model.Exchange
	Reason   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol error: %s: %v", e.Exchange, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Exchange, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError reports a network or connection failure. It triggers a
// session reconnect and is never surfaced to strategy code.
type TransportError struct {
	Exchange model.Exchange
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error during %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsProtocol reports whether err classifies as a protocol error.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransport reports whether err classifies as a transport error.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
