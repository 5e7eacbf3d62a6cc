// Package engine assembles the trading engine from configuration: exchange
// adapters, stream sessions, the event bus, the order manager, the
// dispatcher, and the order archive.
//
// The engine owns lifecycle only. All trading behavior lives in the strategy
// and the components; the engine builds them, starts them in dependency
// order, and tears them down in reverse.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fengyelingdu/NexusTrader/internal/adapter"
	"github.com/fengyelingdu/NexusTrader/internal/archive"
	"github.com/fengyelingdu/NexusTrader/internal/bus"
	"github.com/fengyelingdu/NexusTrader/internal/clock"
	"github.com/fengyelingdu/NexusTrader/internal/config"
	"github.com/fengyelingdu/NexusTrader/internal/model"
	"github.com/fengyelingdu/NexusTrader/internal/order"
	"github.com/fengyelingdu/NexusTrader/internal/ratelimit"
	"github.com/fengyelingdu/NexusTrader/internal/service"
	"github.com/fengyelingdu/NexusTrader/internal/stream"
	"github.com/fengyelingdu/NexusTrader/internal/utils"
)

// sessionKey identifies one stream session within the engine.
type sessionKey struct {
	exchange    model.Exchange
	accountType model.AccountType
	private     bool
}

// Engine wires all components together and drives their lifecycle.
type Engine struct {
	cfg      *config.Config
	bus      *bus.Bus
	sched    *clock.Scheduler
	disp     *service.Dispatcher
	orders   *order.Manager
	store    *archive.Store
	sessions map[sessionKey]*stream.Session

	cancel   context.CancelFunc
	started  atomic.Bool
	disposed atomic.Bool
	logger   zerolog.Logger
}

// New builds an engine from configuration. Construction fails fast: any
// unresolvable exchange, endpoint or subscription is reported before a
// single connection is attempted.
func New(cfg *config.Config, strategy service.Strategy) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if strategy == nil {
		return nil, errors.New("nil strategy")
	}

	e := &Engine{
		cfg:      cfg,
		bus:      bus.New(cfg.Engine.BusCapacity),
		sched:    clock.NewScheduler(),
		sessions: make(map[sessionKey]*stream.Session),
		logger:   log.With().Str("component", "engine").Logger(),
	}

	e.disp = service.NewDispatcher(service.DispatcherConfig{
		Bus:       e.bus,
		Scheduler: e.sched,
		Strategy:  strategy,
		Cache:     service.NewCache(),
		Subscribe: e.routeSubscriptions,
	})
	e.orders = order.NewManager(e.disp.Transition)
	e.disp.BindOrders(e.orders)

	if err := e.buildConnectors(); err != nil {
		return nil, err
	}
	if err := e.registerInitialSubscriptions(); err != nil {
		return nil, err
	}

	if cfg.Engine.ArchivePath != "" {
		store, err := archive.NewStore(cfg.Engine.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open order archive: %w", err)
		}
		e.store = store
	}

	return e, nil
}

// buildConnectors creates one public session per configured exchange and,
// when a private endpoint is configured, a private session registered as the
// exchange's order route.
func (e *Engine) buildConnectors() error {
	for _, excfg := range e.cfg.Exchanges {
		ex, err := model.ParseExchange(excfg.Name)
		if err != nil {
			return err
		}
		accountType := model.SpotAccount
		if excfg.AccountType != "" {
			if accountType, err = model.ParseAccountType(excfg.AccountType); err != nil {
				return err
			}
		}

		creds := adapter.Credentials{
			APIKey:     excfg.APIKey,
			Secret:     excfg.Secret,
			Passphrase: excfg.Passphrase,
			Testnet:    excfg.Testnet,
		}
		adp, err := buildAdapter(ex, creds)
		if err != nil {
			return err
		}

		public, err := stream.NewSession(stream.Config{
			Endpoint:    excfg.PublicEndpoint,
			Adapter:     adp,
			Bus:         e.bus,
			AccountType: accountType,
		})
		if err != nil {
			return fmt.Errorf("public session for %s: %w", excfg.Name, err)
		}
		e.sessions[sessionKey{ex, accountType, false}] = public

		if excfg.PrivateEndpoint == "" {
			continue
		}
		private, err := stream.NewSession(stream.Config{
			Endpoint:    excfg.PrivateEndpoint,
			Adapter:     adp,
			Bus:         e.bus,
			AccountType: accountType,
		})
		if err != nil {
			return fmt.Errorf("private session for %s: %w", excfg.Name, err)
		}
		e.sessions[sessionKey{ex, accountType, true}] = private

		burst, perSecond := excfg.RateLimits()
		e.orders.RegisterRoute(ex, adp, private, ratelimit.New(burst, perSecond))
	}
	return nil
}

// buildAdapter selects the adapter implementation by exchange id. The
// selection is explicit: configuration decides, never runtime inspection.
func buildAdapter(ex model.Exchange, creds adapter.Credentials) (adapter.Adapter, error) {
	switch ex {
	case model.BinanceExchange:
		return adapter.NewBinanceAdapter(creds), nil
	case model.OkxExchange:
		return adapter.NewOkxAdapter(creds), nil
	case model.BybitExchange:
		return adapter.NewBybitAdapter(creds), nil
	case model.MockExchange:
		return adapter.NewMockAdapter(model.MockExchange), nil
	default:
		return nil, fmt.Errorf("no adapter for exchange %s", ex)
	}
}

// registerInitialSubscriptions seeds each session's desired subscription set
// from configuration. Sessions replay the set once they connect.
func (e *Engine) registerInitialSubscriptions() error {
	for _, subcfg := range e.cfg.Subscriptions {
		ex, err := model.ParseExchange(subcfg.Exchange)
		if err != nil {
			return err
		}
		accountType := model.SpotAccount
		if subcfg.AccountType != "" {
			if accountType, err = model.ParseAccountType(subcfg.AccountType); err != nil {
				return err
			}
		}
		channel, err := model.ParseChannelKind(subcfg.Channel)
		if err != nil {
			return err
		}
		if err := utils.ValidateSymbols(subcfg.Symbols, 0); err != nil {
			return fmt.Errorf("subscription %s/%s: %w", subcfg.Exchange, subcfg.Channel, err)
		}

		subs := make([]model.Subscription, 0, len(subcfg.Symbols))
		for _, symbol := range subcfg.Symbols {
			subs = append(subs, model.Subscription{
				Symbol:      symbol,
				Exchange:    ex,
				AccountType: accountType,
				Channel:     channel,
			})
		}
		if err := e.routeSubscriptions(subs...); err != nil {
			return err
		}
	}
	return nil
}

// routeSubscriptions hands each subscription to the session that owns its
// stream: order and balance channels go to the private session, market data
// to the public one.
func (e *Engine) routeSubscriptions(subs ...model.Subscription) error {
	for _, sub := range subs {
		private := sub.Channel == model.OrderChannel || sub.Channel == model.BalanceChannel
		sess, ok := e.sessions[sessionKey{sub.Exchange, sub.AccountType, private}]
		if !ok {
			return fmt.Errorf("no session for subscription %s", sub)
		}
		if err := sess.Subscribe(sub); err != nil {
			return err
		}
	}
	return nil
}

// Start connects every session and launches the scheduler and dispatcher.
// It returns once everything is launched; connections establish and retry
// asynchronously.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)

	go e.sched.Run(ctx)

	for key, sess := range e.sessions {
		if err := sess.Start(ctx); err != nil {
			e.Dispose()
			return fmt.Errorf("failed to start session %s/%s: %w", key.exchange, key.accountType, err)
		}
	}

	if e.store != nil {
		e.sched.ScheduleRepeating(e.cfg.Engine.FlushInterval(), func(time.Time) {
			e.flushArchive()
		})
	}

	go func() {
		if err := e.disp.Run(ctx); err != nil {
			e.logger.Error().Err(err).Msg("dispatcher exited with error")
		}
	}()

	e.logger.Info().
		Int("sessions", len(e.sessions)).
		Bool("archive", e.store != nil).
		Msg("engine started")
	return nil
}

// flushArchive persists finished orders. Runs on the dispatcher stream via
// the scheduler and again once at shutdown.
func (e *Engine) flushArchive() {
	drained := e.orders.DrainTerminal()
	if len(drained) == 0 || e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveOrders(ctx, drained); err != nil {
		e.logger.Error().Err(err).Int("orders", len(drained)).Msg("archive flush failed")
		return
	}
	e.logger.Debug().Int("orders", len(drained)).Msg("archived finished orders")
}

// Dispose tears the engine down in reverse start order: sessions first so no
// new events are produced, then the dispatcher, then the final archive
// flush. Safe to call multiple times and after a failed Start.
func (e *Engine) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.logger.Info().Msg("disposing engine")

	if e.cancel != nil {
		e.cancel()
	}
	for _, sess := range e.sessions {
		sess.Close()
	}

	if e.started.Load() {
		select {
		case <-e.disp.Done():
		case <-time.After(5 * time.Second):
			e.logger.Warn().Msg("timeout waiting for dispatcher shutdown")
		}
	}

	e.flushArchive()
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("error closing order archive")
		}
	}
	e.bus.Close()
	e.logger.Info().Msg("engine disposed")
}
