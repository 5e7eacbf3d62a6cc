// Package stream manages WebSocket sessions to exchanges.
//
// A Session owns one connection, the set of subscriptions desired on it, and
// the reconnect loop that keeps both alive. Raw frames are handed to the
// exchange adapter for normalization and the resulting events are published
// to the event bus; the session itself never interprets payloads.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fengyelingdu/NexusTrader/internal/adapter"
	"github.com/fengyelingdu/NexusTrader/internal/bus"
	"github.com/fengyelingdu/NexusTrader/internal/model"
)

const (
	defaultPingPeriod       = 15 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultReadLimit        = 1 << 20 // 1MB
	defaultHandshakeTimeout = 10 * time.Second

	// Reconnect backoff bounds.
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 60 * time.Second
)

var (
	// ErrSessionClosed indicates the session has been shut down.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotConnected indicates no live connection is available for sending.
	ErrNotConnected = errors.New("session not connected")
)

// State describes the connection lifecycle of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config defines settings for a stream session.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Adapter translates between raw frames and normalized events. Required.
	Adapter adapter.Adapter

	// Bus receives every normalized event. Required.
	Bus *bus.Bus

	// AccountType tags the session for logging and subscription routing.
	AccountType model.AccountType

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping messages.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for write operations.
	SendTimeout time.Duration

	// ReconnectBase and ReconnectMax bound the exponential reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Session is a self-healing WebSocket session bound to one exchange endpoint.
//
// The session reconnects with exponential backoff on any transport failure
// and replays its desired subscription set after every successful connect,
// so a subscription made while disconnected becomes active as soon as the
// link is back.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	// conn stores the active *websocket.Conn, nil-able across reconnects.
	conn atomic.Value

	state atomic.Int32

	// subMu guards the desired subscription set.
	subMu sync.Mutex
	subs  map[string]model.Subscription

	// writeMu serializes writes to the connection.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSession validates the configuration and returns an unstarted session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Adapter == nil {
		return nil, errors.New("exchange adapter is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}

	return &Session{
		cfg:  cfg,
		subs: make(map[string]model.Subscription),
		logger: log.With().
			Str("component", "session").
			Str("exchange", cfg.Adapter.Exchange().String()).
			Str("accountType", cfg.AccountType.String()).
			Str("endpoint", cfg.Endpoint).
			Logger(),
	}, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start launches the session's connect loop. It returns once the loop is
// running; connection establishment happens asynchronously with retries.
func (s *Session) Start(ctx context.Context) error {
	if s.ctx != nil {
		return errors.New("session already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	return nil
}

// run is the session's supervisor loop: connect, pump messages until the
// connection fails, back off, repeat. It exits only on shutdown.
func (s *Session) run() {
	attempt := 0
	for {
		if s.ctx.Err() != nil {
			s.state.Store(int32(StateDisconnected))
			return
		}

		if attempt == 0 {
			s.state.Store(int32(StateConnecting))
		} else {
			s.state.Store(int32(StateReconnecting))
			delay := s.backoff(attempt)
			s.logger.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("reconnecting after backoff")
			select {
			case <-s.ctx.Done():
				s.state.Store(int32(StateDisconnected))
				return
			case <-time.After(delay):
			}
		}

		conn, err := s.dial()
		if err != nil {
			s.logger.Error().Err(err).Int("attempt", attempt).Msg("dial failed")
			attempt++
			continue
		}

		s.conn.Store(conn)
		s.state.Store(int32(StateConnected))
		attempt = 0
		s.logger.Info().Msg("session connected")

		if err := s.resubscribe(); err != nil {
			s.logger.Error().Err(err).Msg("resubscribe failed, reconnecting")
			s.teardownConn(conn)
			attempt++
			continue
		}

		err = s.pump(conn)
		s.teardownConn(conn)
		if s.ctx.Err() != nil {
			s.state.Store(int32(StateDisconnected))
			return
		}
		s.logger.Warn().Err(err).Msg("connection lost")
		attempt++
	}
}

// backoff returns the exponential reconnect delay for a retry attempt, with
// jitter so sessions to the same exchange do not thunder in step.
func (s *Session) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := s.cfg.ReconnectBase * time.Duration(1<<uint(attempt-1))
	if delay > s.cfg.ReconnectMax || delay <= 0 {
		delay = s.cfg.ReconnectMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// dial establishes one WebSocket connection to the configured endpoint.
func (s *Session) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: s.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(s.ctx, s.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", s.cfg.Endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.Endpoint, err)
	}

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PingPeriod * 2))
	})
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PingPeriod * 2)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// pump reads frames until the connection fails, normalizing each one and
// publishing the resulting events. A protocol error drops the frame and
// keeps the connection; only transport errors end the pump.
func (s *Session) pump(conn *websocket.Conn) error {
	pingDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pingLoop(conn, pingDone)
	}()
	defer close(pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Err(err).Msg("websocket closed by peer")
			}
			return &adapter.TransportError{
				Exchange: s.cfg.Adapter.Exchange(),
				Op:       "read",
				Err:      err,
			}
		}

		ev, err := s.cfg.Adapter.Normalize(data)
		if err != nil {
			if adapter.IsProtocol(err) {
				s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
				continue
			}
			return err
		}
		if ev == nil {
			continue
		}

		if err := s.cfg.Bus.Publish(s.ctx, ev); err != nil {
			return err
		}
	}
}

// pingLoop keeps one connection alive until it is torn down.
func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("ping failed")
				return
			}
		case <-done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Subscribe adds subscriptions to the desired set and, when connected,
// requests them immediately. Subscriptions survive reconnects: the whole set
// is replayed after every successful connect.
func (s *Session) Subscribe(subs ...model.Subscription) error {
	s.subMu.Lock()
	for _, sub := range subs {
		s.subs[sub.String()] = sub
	}
	s.subMu.Unlock()

	if s.State() != StateConnected {
		return nil
	}
	return s.sendSubscribe(subs)
}

// Unsubscribe removes subscriptions from the desired set and, when
// connected, requests their removal from the exchange.
func (s *Session) Unsubscribe(subs ...model.Subscription) error {
	s.subMu.Lock()
	for _, sub := range subs {
		delete(s.subs, sub.String())
	}
	s.subMu.Unlock()

	if s.State() != StateConnected {
		return nil
	}
	payload, err := s.cfg.Adapter.Encode(adapter.Unsubscribe{Subscriptions: subs})
	if err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	return s.Send(payload)
}

// Subscriptions returns a snapshot of the desired subscription set.
func (s *Session) Subscriptions() []model.Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]model.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// resubscribe replays the full desired set on a fresh connection.
func (s *Session) resubscribe() error {
	subs := s.Subscriptions()
	if len(subs) == 0 {
		return nil
	}
	s.logger.Info().Int("count", len(subs)).Msg("replaying subscriptions")
	return s.sendSubscribe(subs)
}

func (s *Session) sendSubscribe(subs []model.Subscription) error {
	payload, err := s.cfg.Adapter.Encode(adapter.Subscribe{Subscriptions: subs})
	if err != nil {
		return err
	}
	// Some channels are implicit on the endpoint and need no request.
	if payload == nil {
		return nil
	}
	return s.Send(payload)
}

// Send writes one raw payload to the active connection. A write failure is
// classified as a transport error; the read side will notice the broken
// connection and the supervisor reconnects.
func (s *Session) Send(payload []byte) error {
	if s.ctx != nil && s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	connVal := s.conn.Load()
	if connVal == nil || s.State() != StateConnected {
		return ErrNotConnected
	}
	conn := connVal.(*websocket.Conn)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &adapter.TransportError{
			Exchange: s.cfg.Adapter.Exchange(),
			Op:       "write",
			Err:      err,
		}
	}
	return nil
}

// teardownConn closes one connection after its pump has finished.
func (s *Session) teardownConn(conn *websocket.Conn) {
	if err := conn.Close(); err != nil && s.ctx.Err() == nil {
		s.logger.Debug().Err(err).Msg("error closing connection")
	}
}

// Close shuts the session down and waits for its goroutines. Safe to call
// more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosing))
		if s.cancel != nil {
			s.cancel()
		}

		if connVal := s.conn.Load(); connVal != nil {
			conn := connVal.(*websocket.Conn)
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.logger.Warn().Msg("timeout waiting for session goroutines")
		}
		s.state.Store(int32(StateDisconnected))
		s.logger.Info().Msg("session closed")
	})
}
