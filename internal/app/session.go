package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/engine"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/execution"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra/kraken"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/storage"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/strategy"
)

// ExchangeAPI is the part of the REST client the session uses directly.
// Order placement goes through execution.Execution.
type ExchangeAPI interface {
	SystemStatus(ctx context.Context) (kraken.SystemStatus, error)
	Balance(ctx context.Context) ([]domain.Balance, error)
	Close() error
}

// MarketStream is the part of the StreamManager the session uses.
type MarketStream interface {
	On(kind event.Kind, h kraken.Handler)
	Subscribe(ctx context.Context, subs ...kraken.Subscription) error
	Start(ctx context.Context)
	Stop(ctx context.Context) error
	Errors() <-chan error
	State(which kraken.Conn) infra.ConnState
}

// RecordSink receives everything worth archiving. Calls must not block.
type RecordSink interface {
	RecordOrder(o domain.Order)
	RecordTrade(tr storage.Trade)
	RecordEvent(ev event.Event)
	Close(ctx context.Context) error
}

// SessionConfig is the session's slice of the configuration.
type SessionConfig struct {
	Pairs    []string
	Channels []infra.ChannelSettings
	// Private subscribes executions and balances and reads balances at start.
	Private bool

	CancelTimeout     time.Duration
	StreamStopTimeout time.Duration
	RestCloseTimeout  time.Duration
	StoreCloseTimeout time.Duration
	MonitorInterval   time.Duration
}

// SessionConfigFrom extracts the session settings from cfg.
func SessionConfigFrom(cfg *infra.Config, private bool) SessionConfig {
	return SessionConfig{
		Pairs:             cfg.Kraken.Pairs,
		Channels:          cfg.Stream.Channels,
		Private:           private,
		CancelTimeout:     cfg.Session.CancelTimeout,
		StreamStopTimeout: cfg.Session.StreamStopTimeout,
		RestCloseTimeout:  cfg.Session.RestCloseTimeout,
		StoreCloseTimeout: cfg.Session.StoreCloseTimeout,
		MonitorInterval:   cfg.Session.MonitorInterval,
	}
}

// SessionDeps are the collaborators of a Session. Recorder, Store,
// Snapshots and Breaker are optional.
type SessionDeps struct {
	REST      ExchangeAPI
	Stream    MarketStream
	Execution execution.Execution
	Strategy  strategy.Strategy
	Recorder  RecordSink
	Store     interface{ Close() error }
	Snapshots *storage.SnapshotManager
	Breaker   *infra.CircuitBreaker
}

// Session is the trading lifecycle: Initialize, Run, Stop.
// Stop always runs its steps in order (cancel orders, stop the stream,
// close REST, close persistence), each under its own timeout, and a failed
// or timed out step never prevents the next one.
type Session struct {
	cfg     SessionConfig
	deps    SessionDeps
	tracker *engine.OrderTracker

	tickers chan domain.Ticker

	halted  atomic.Bool
	haltErr chan error

	mu          sync.Mutex
	cancelRun   context.CancelFunc
	strategyEnd chan struct{}
	tasks       conc.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// NewSession wires a session. Nothing talks to the exchange until Initialize.
func NewSession(cfg SessionConfig, deps SessionDeps) *Session {
	if deps.Strategy == nil {
		deps.Strategy = strategy.Idle{}
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Minute
	}
	s := &Session{
		cfg:     cfg,
		deps:    deps,
		tickers: make(chan domain.Ticker, 256),
		haltErr: make(chan error, 1),
	}
	s.tracker = engine.NewOrderTracker(s.onOrderUpdate)
	return s
}

// Tracker exposes order state.
func (s *Session) Tracker() *engine.OrderTracker { return s.tracker }

// Halted reports whether order placement has been stopped.
func (s *Session) Halted() bool { return s.halted.Load() }

// Initialize checks the exchange, reconciles open orders, registers
// stream handlers and queues the subscriptions.
func (s *Session) Initialize(ctx context.Context) error {
	status, err := s.deps.REST.SystemStatus(ctx)
	switch {
	case err != nil:
		slog.Warn("System status unavailable", slog.Any("error", err))
	case !status.Online():
		slog.Warn("⚠️ Kraken is not fully online", slog.String("status", status.Status))
	default:
		slog.Info("Kraken system status", slog.String("status", status.Status))
	}

	if s.cfg.Private {
		bals, err := s.deps.REST.Balance(ctx)
		if err != nil {
			if errs.KindOf(err).Critical() {
				return fmt.Errorf("read balances: %w", err)
			}
			slog.Warn("Initial balance read failed", slog.Any("error", err))
		} else {
			s.tracker.ApplyBalances(bals)
			slog.Info("Balances loaded", slog.Int("assets", len(bals)))
		}
	}

	open, err := s.deps.Execution.OpenOrders(ctx)
	if err != nil {
		if errs.KindOf(err).Critical() {
			return fmt.Errorf("read open orders: %w", err)
		}
		slog.Warn("Open order reconcile skipped", slog.Any("error", err))
	} else {
		missing := s.tracker.Reconcile(open)
		slog.Info("Open orders reconciled",
			slog.Int("open", len(s.tracker.OpenOrders())),
			slog.Int("missing", len(missing)))
	}

	if s.deps.Snapshots != nil {
		if snap, err := s.deps.Snapshots.LoadLatest(); err != nil {
			slog.Warn("Previous snapshot unreadable", slog.Any("error", err))
		} else if snap != nil {
			slog.Info("Previous session snapshot",
				slog.Time("taken_at", time.Unix(snap.TsUnix, 0)),
				slog.String("reason", snap.Reason),
				slog.Int("open_orders", len(snap.OpenOrders)))
		}
	}

	st := s.deps.Stream
	st.On(event.KindTicker, s.onTicker)
	st.On(event.KindExecution, s.onExecution)
	st.On(event.KindBalance, s.onBalance)
	st.On(event.KindStatus, s.onStatus)
	st.On(event.KindTrade, s.onRecord)
	st.On(event.KindBook, s.onRecord)
	st.On(event.KindOHLC, s.onRecord)

	if err := st.Subscribe(ctx, s.subscriptions()...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (s *Session) subscriptions() []kraken.Subscription {
	var subs []kraken.Subscription
	for _, ch := range s.cfg.Channels {
		for _, pair := range s.cfg.Pairs {
			subs = append(subs, kraken.Subscription{
				Channel:  ch.Name,
				Symbol:   pair,
				Depth:    ch.Depth,
				Interval: ch.Interval,
			})
		}
	}
	if s.cfg.Private {
		subs = append(subs,
			kraken.Subscription{Channel: "executions"},
			kraken.Subscription{Channel: "balances"})
	}
	return subs
}

// Run starts the stream, the strategy loop and the monitor, then blocks
// until ctx ends or trading is halted. A halt returns its cause.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	strategyCtx, stopStrategy := context.WithCancel(runCtx)
	end := make(chan struct{})

	s.mu.Lock()
	s.cancelRun = func() { stopStrategy(); cancel() }
	s.strategyEnd = end
	s.mu.Unlock()

	// The stream outlives the run context: Stop tears it down after orders
	// are cancelled.
	s.deps.Stream.Start(context.WithoutCancel(runCtx))
	s.tasks.Go(func() {
		defer close(end)
		s.strategyLoop(strategyCtx)
	})
	s.tasks.Go(func() { s.watchStream(runCtx) })
	s.tasks.Go(func() { s.monitor(runCtx) })

	slog.Info("✨ Trading session running", slog.Int("subscriptions", len(s.subscriptions())))

	select {
	case <-runCtx.Done():
		return nil
	case err := <-s.haltErr:
		return err
	}
}

// Serve runs Initialize and Run, then Stop. Stop runs even after a failed
// Initialize or a panic.
func (s *Session) Serve(ctx context.Context) (err error) {
	defer func() {
		stopCtx := context.WithoutCancel(ctx)
		if stopErr := s.Stop(stopCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}()

	var catcher panics.Catcher
	catcher.Try(func() {
		if err = s.Initialize(ctx); err != nil {
			err = fmt.Errorf("initialize: %w", err)
			return
		}
		err = s.Run(ctx)
	})
	if r := catcher.Recovered(); r != nil {
		slog.Error("💥 Session panic recovered", slog.Any("panic", r.Value), slog.String("stack", string(r.Stack)))
		err = errors.Join(err, r.AsError())
	}
	return err
}

// Stop shuts the session down in order. It is idempotent and safe to call
// before Initialize or Run.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.shutdown(ctx) })
	return s.stopErr
}

func (s *Session) shutdown(ctx context.Context) error {
	slog.Info("👋 Stopping trading session...")
	s.halted.Store(true)

	s.mu.Lock()
	cancelRun, end := s.cancelRun, s.strategyEnd
	s.mu.Unlock()

	var all []error

	// 1. Halt order placement, then cancel what is open.
	all = append(all, s.step(ctx, "cancel_orders", s.cfg.CancelTimeout, func(ctx context.Context) error {
		if cancelRun != nil {
			cancelRun()
		}
		if end != nil {
			select {
			case <-end:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		n, err := s.deps.Execution.CancelAll(ctx)
		if err != nil {
			return err
		}
		slog.Info("Open orders cancelled", slog.Int("count", n))
		return nil
	}))

	// 2. Stream.
	all = append(all, s.step(ctx, "stop_stream", s.cfg.StreamStopTimeout, s.deps.Stream.Stop))

	// 3. REST.
	all = append(all, s.step(ctx, "close_rest", s.cfg.RestCloseTimeout, func(context.Context) error {
		return s.deps.REST.Close()
	}))

	// 4. Persistence.
	all = append(all, s.step(ctx, "close_store", s.cfg.StoreCloseTimeout, func(ctx context.Context) error {
		var errList []error
		if s.deps.Snapshots != nil {
			if _, err := s.deps.Snapshots.Save(s.snapshot("shutdown")); err != nil {
				errList = append(errList, err)
			} else {
				s.deps.Snapshots.Cleanup(10)
			}
		}
		if s.deps.Recorder != nil {
			errList = append(errList, s.deps.Recorder.Close(ctx))
		}
		if s.deps.Store != nil {
			errList = append(errList, s.deps.Store.Close())
		}
		return errors.Join(errList...)
	}))

	if cancelRun != nil {
		done := make(chan struct{})
		go func() {
			s.tasks.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			slog.Warn("Session tasks still running after stop")
		}
	}

	err := errors.Join(all...)
	if err != nil {
		slog.Error("Session stopped with errors", slog.Any("error", err))
	} else {
		slog.Info("✅ Trading session stopped")
	}
	return err
}

// step runs fn under its own timeout. A timeout is reported and the caller
// moves on; fn may still be running.
func (s *Session) step(parent context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var catcher panics.Catcher
		var err error
		catcher.Try(func() { err = fn(ctx) })
		if r := catcher.Recovered(); r != nil {
			err = r.AsError()
		}
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		slog.Error("Shutdown step failed", slog.String("step", name), slog.Any("error", err))
		return fmt.Errorf("%s: %w", name, err)
	}
	slog.Debug("Shutdown step done", slog.String("step", name))
	return nil
}

// halt stops order placement and wakes Run. Only the first cause is kept.
func (s *Session) halt(err error) {
	if !s.halted.CompareAndSwap(false, true) {
		return
	}
	slog.Error("🛑 Trading halted", slog.Any("error", err))
	select {
	case s.haltErr <- err:
	default:
	}
}

func (s *Session) watchStream(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.deps.Stream.Errors():
			if errs.KindOf(err).Critical() {
				s.halt(fmt.Errorf("private stream: %w", err))
				continue
			}
			slog.Warn("Stream error", slog.Any("error", err))
		}
	}
}

func (s *Session) strategyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tickers:
			for _, o := range s.deps.Strategy.OnMarketUpdate(t) {
				if ctx.Err() != nil {
					return
				}
				if _, err := s.PlaceOrder(ctx, o); err != nil && !errors.Is(err, errHalted) {
					slog.Warn("Strategy order failed", slog.String("pair", o.Pair), slog.Any("error", err))
				}
			}
		}
	}
}

var errHalted = errors.New("trading halted")

// PlaceOrder tracks and submits o. A failure that may have reached the
// exchange leaves the order submitted for the stream to settle. An
// authentication failure halts trading.
func (s *Session) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	if s.halted.Load() {
		return "", errHalted
	}
	id, err := s.tracker.Track(o)
	if err != nil {
		return "", err
	}
	o.ClientOrderID = id

	txid, err := s.deps.Execution.SubmitOrder(ctx, o)
	if err != nil {
		if submitRefused(err) {
			s.tracker.Reject(id, err)
		} else {
			slog.Warn("Order submission outcome unknown, awaiting exchange confirmation",
				slog.String("cl_ord_id", id), slog.String("kind", errs.KindOf(err).String()))
			s.tracker.Unconfirmed(id, err)
		}
		if errs.Is(err, errs.KindAuthentication) {
			s.halt(fmt.Errorf("order placement: %w", err))
		}
		return id, err
	}
	s.tracker.Acknowledge(id, txid)
	return id, nil
}

// submitRefused reports whether err proves the exchange did not take the
// order. Network, timeout and unclassified failures may have reached it.
func submitRefused(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindAuthentication, errs.KindRateLimit,
		errs.KindCircuitOpen, errs.KindConfiguration:
		return true
	default:
		return false
	}
}

func (s *Session) onTicker(ctx context.Context, ev event.Event) {
	te, ok := ev.(event.TickerEvent)
	if !ok {
		return
	}
	s.record(ev)
	if s.halted.Load() {
		return
	}
	select {
	case s.tickers <- te.Ticker:
	default:
		slog.Debug("Strategy busy, ticker skipped", slog.String("symbol", te.Ticker.Symbol))
	}
}

func (s *Session) onExecution(ctx context.Context, ev event.Event) {
	ex, ok := ev.(event.ExecutionEvent)
	if !ok {
		return
	}
	s.record(ev)
	if s.tracker.ApplyExecution(ex) && ex.IsFill() && s.deps.Recorder != nil {
		s.deps.Recorder.RecordTrade(storage.TradeFromExecution(ex))
	}
}

func (s *Session) onBalance(ctx context.Context, ev event.Event) {
	if be, ok := ev.(event.BalanceEvent); ok {
		s.tracker.ApplyBalances(be.Balances)
	}
	s.record(ev)
}

func (s *Session) onStatus(ctx context.Context, ev event.Event) {
	if st, ok := ev.(event.StatusEvent); ok && !st.Online() {
		slog.Warn("⚠️ Exchange status changed", slog.String("system", st.System))
	}
	s.record(ev)
}

func (s *Session) onRecord(ctx context.Context, ev event.Event) { s.record(ev) }

func (s *Session) record(ev event.Event) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordEvent(ev)
	}
}

func (s *Session) onOrderUpdate(o domain.Order) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordOrder(o)
	}
	s.deps.Strategy.OnOrderUpdate(o)
}

func (s *Session) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attrs := []any{
				slog.String("public", s.deps.Stream.State(kraken.ConnPublic).String()),
				slog.Int("open_orders", len(s.tracker.OpenOrders())),
				slog.Bool("halted", s.halted.Load()),
			}
			if s.cfg.Private {
				attrs = append(attrs, slog.String("private", s.deps.Stream.State(kraken.ConnPrivate).String()))
			}
			if s.deps.Breaker != nil {
				snap := s.deps.Breaker.Snapshot()
				attrs = append(attrs, slog.String("breaker", snap.State.String()), slog.Int("breaker_failures", snap.Failures))
			}
			slog.Info("📊 Session status", attrs...)
		}
	}
}

func (s *Session) snapshot(reason string) *storage.Snapshot {
	snap := &storage.Snapshot{
		Reason:     reason,
		OpenOrders: s.tracker.OpenOrders(),
		Balances:   s.tracker.Balances(),
	}
	for _, pair := range s.cfg.Pairs {
		if p := s.tracker.Position(pair); !p.Volume.IsZero() || !p.RealizedPnL.IsZero() {
			snap.Positions = append(snap.Positions, p)
		}
	}
	return snap
}
