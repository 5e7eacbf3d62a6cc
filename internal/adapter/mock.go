package adapter

import (
	"sync"

	json "github.com/goccy/go-json"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// MockAdapter is a scriptable adapter used in tests and paper sessions.
//
// Normalize decodes a self-describing JSON envelope produced by test
// fixtures, and Encode records every command it is asked to encode so tests
// can assert on the outbound command flow.
type MockAdapter struct {
	ExchangeID model.Exchange

	mu       sync.Mutex
	encoded  []Command
	rejected map[string]bool // symbols whose submits should fail encoding
}

// mockEnvelope is the wire format the mock speaks: a kind tag plus the
// normalized event serialized as-is.
type mockEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewMockAdapter creates a mock adapter for the given exchange id.
func NewMockAdapter(exchange model.Exchange) *MockAdapter {
	return &MockAdapter{
		ExchangeID: exchange,
		rejected:   make(map[string]bool),
	}
}

// Exchange identifies the exchange this mock stands in for.
func (m *MockAdapter) Exchange() model.Exchange { return m.ExchangeID }

// Normalize decodes a mock envelope into the corresponding typed event.
func (m *MockAdapter) Normalize(raw []byte) (model.Event, error) {
	var env mockEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Exchange: m.ExchangeID, Reason: "invalid envelope", Err: err}
	}

	switch env.Kind {
	case "bookl1":
		return decodeMockPayload[model.BookL1](m, env.Payload)
	case "trade":
		return decodeMockPayload[model.Trade](m, env.Payload)
	case "kline":
		return decodeMockPayload[model.Kline](m, env.Payload)
	case "order_ack":
		return decodeMockPayload[model.OrderAck](m, env.Payload)
	case "order_fill":
		return decodeMockPayload[model.OrderFill](m, env.Payload)
	case "order_reject":
		return decodeMockPayload[model.OrderReject](m, env.Payload)
	case "order_cancel":
		return decodeMockPayload[model.OrderCancelConfirm](m, env.Payload)
	case "balance":
		return decodeMockPayload[model.BalanceUpdate](m, env.Payload)
	case "position":
		return decodeMockPayload[model.PositionUpdate](m, env.Payload)
	case "noop":
		return nil, nil
	default:
		return nil, &ProtocolError{Exchange: m.ExchangeID, Reason: "unknown envelope kind " + env.Kind}
	}
}

func decodeMockPayload[T model.Event](m *MockAdapter, payload json.RawMessage) (model.Event, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &ProtocolError{Exchange: m.ExchangeID, Reason: "invalid payload", Err: err}
	}
	return ev, nil
}

// Encode records the command and returns its envelope serialization.
func (m *MockAdapter) Encode(cmd Command) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := cmd.(SubmitOrder); ok && m.rejected[sub.Symbol] {
		return nil, &ProtocolError{Exchange: m.ExchangeID, Reason: "scripted encode failure"}
	}

	m.encoded = append(m.encoded, cmd)
	return json.Marshal(map[string]string{"cmd": commandName(cmd)})
}

// RejectSymbol scripts Encode to fail for submits on the given symbol.
func (m *MockAdapter) RejectSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[symbol] = true
}

// EncodedCommands returns a copy of every command encoded so far.
func (m *MockAdapter) EncodedCommands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.encoded))
	copy(out, m.encoded)
	return out
}

func commandName(cmd Command) string {
	switch cmd.(type) {
	case SubmitOrder:
		return "submit"
	case CancelOrder:
		return "cancel"
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}
