package kraken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra"
)

// Conn names one of the two stream connections.
type Conn int

const (
	ConnPublic Conn = iota
	ConnPrivate
)

func (c Conn) String() string {
	if c == ConnPrivate {
		return "kraken-private"
	}
	return "kraken-public"
}

// Subscription is one channel descriptor. Private channels carry no symbol.
type Subscription struct {
	Channel  string
	Symbol   string
	Depth    int // book
	Interval int // ohlc, minutes
}

// Private reports whether the channel needs the authenticated connection.
func (s Subscription) Private() bool {
	return s.Channel == "executions" || s.Channel == "balances"
}

func (s Subscription) key() string {
	return s.Channel + "|" + s.Symbol + "|" + strconv.Itoa(s.Depth) + "|" + strconv.Itoa(s.Interval)
}

func (s Subscription) String() string {
	if s.Symbol == "" {
		return s.Channel
	}
	return s.Channel + ":" + s.Symbol
}

// TokenSource issues private stream tokens. *RestClient implements it.
type TokenSource interface {
	WebSocketToken(ctx context.Context) (WebSocketToken, error)
}

// StreamOptions configures a StreamManager. Zero durations take defaults.
type StreamOptions struct {
	PublicURL  string
	PrivateURL string
	// Tokens enables the private connection. Nil runs public only.
	Tokens       TokenSource
	TokenBreaker *infra.CircuitBreaker
	TokenTTL     time.Duration
	// TokenRefreshMargin is how long before expiry a new token is fetched.
	TokenRefreshMargin time.Duration

	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	HeartbeatTimeout     time.Duration
	PingInterval         time.Duration
	ReadTimeout          time.Duration

	QueueSize      int
	DispatchBudget time.Duration
	// DialLimiter is shared by both connections. Nil means unlimited.
	DialLimiter *rate.Limiter
}

const tokenRetryDelay = 10 * time.Second

// StreamManager owns the public and the optional private Kraken v2
// connection. Each runs as its own supervised worker with its own dispatcher,
// so a failure on one never stops the other.
type StreamManager struct {
	opts StreamOptions

	subMu sync.Mutex
	subs  map[string]Subscription
	order []string // replay in subscription order

	handlerMu sync.RWMutex
	handlers  map[event.Kind][]Handler

	tokenMu   sync.Mutex
	token     string
	tokenTTL  time.Duration
	tokenTime time.Time
	tokenSet  chan struct{} // wakes refreshLoop after a fetch

	public  *connection
	private *connection

	seq    atomic.Uint64
	errCh  chan error
	cancel context.CancelFunc
	wg     conc.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
}

// NewStreamManager creates the manager. Nothing connects until Start.
func NewStreamManager(opts StreamOptions) *StreamManager {
	if opts.PublicURL == "" {
		opts.PublicURL = PublicWSURL
	}
	if opts.PrivateURL == "" {
		opts.PrivateURL = PrivateWSURL
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	if opts.TokenRefreshMargin <= 0 || opts.TokenRefreshMargin >= opts.TokenTTL {
		opts.TokenRefreshMargin = opts.TokenTTL / 5
	}
	if opts.Tokens != nil && opts.TokenBreaker == nil {
		opts.TokenBreaker = infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
			Name:             "kraken-ws-token",
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
			IsFailure:        BreakerIsFailure,
		})
	}

	m := &StreamManager{
		opts:     opts,
		subs:     make(map[string]Subscription),
		handlers: make(map[event.Kind][]Handler),
		errCh:    make(chan error, 4),
		tokenSet: make(chan struct{}, 1),
	}
	m.public = m.newConnection(ConnPublic, opts.PublicURL)
	if opts.Tokens != nil {
		m.private = m.newConnection(ConnPrivate, opts.PrivateURL)
	}
	return m
}

func (m *StreamManager) newConnection(which Conn, url string) *connection {
	c := &connection{m: m, which: which, url: url}
	c.disp = newDispatcher(which.String(), m.opts.QueueSize, m.opts.DispatchBudget, m.handlersFor)

	w := infra.NewBaseWSWorker(c)
	if m.opts.ReconnectInterval > 0 {
		w.ReconnectInterval = m.opts.ReconnectInterval
	}
	if m.opts.MaxReconnectInterval > 0 {
		w.MaxReconnectInterval = m.opts.MaxReconnectInterval
	}
	if m.opts.HeartbeatTimeout > 0 {
		w.HeartbeatTimeout = m.opts.HeartbeatTimeout
	}
	if m.opts.PingInterval > 0 {
		w.PingInterval = m.opts.PingInterval
	}
	if m.opts.ReadTimeout > 0 {
		w.ReadTimeout = m.opts.ReadTimeout
	}
	w.DialLimiter = m.opts.DialLimiter
	w.OnStateChange = func(id string, s infra.ConnState) {
		slog.Info("Stream state changed", slog.String("conn", id), slog.String("state", s.String()))
	}
	w.OnFatal = m.reportFatal
	c.worker = w
	return c
}

// On registers h for events of kind.
func (m *StreamManager) On(kind event.Kind, h Handler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers[kind] = append(m.handlers[kind], h)
}

func (m *StreamManager) handlersFor(kind event.Kind) []Handler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handlers[kind]
}

// Errors delivers errors that stopped a connection for good (authentication
// on the private connection). The public feed keeps running.
func (m *StreamManager) Errors() <-chan error { return m.errCh }

func (m *StreamManager) reportFatal(err error) {
	select {
	case m.errCh <- err:
	default:
		slog.Error("Stream error channel full, dropping error", slog.Any("error", err))
	}
}

// State returns the lifecycle state of one connection. A private connection
// that was never configured reports DISCONNECTED.
func (m *StreamManager) State(which Conn) infra.ConnState {
	c := m.conn(which)
	if c == nil {
		return infra.ConnDisconnected
	}
	return c.worker.State()
}

// LastSeen returns when the connection last received any frame.
func (m *StreamManager) LastSeen(which Conn) time.Time {
	c := m.conn(which)
	if c == nil {
		return time.Time{}
	}
	return c.worker.LastSeen()
}

func (m *StreamManager) conn(which Conn) *connection {
	if which == ConnPrivate {
		return m.private
	}
	return m.public
}

// Subscribe adds subscriptions to the set. Live connections get the
// subscribe message now; every (re)connect replays the whole set.
func (m *StreamManager) Subscribe(ctx context.Context, subs ...Subscription) error {
	for _, s := range subs {
		if err := m.validate(s); err != nil {
			return err
		}
	}

	var now []Subscription
	m.subMu.Lock()
	for _, s := range subs {
		k := s.key()
		if _, ok := m.subs[k]; ok {
			continue
		}
		m.subs[k] = s
		m.order = append(m.order, k)
		// A connection still replaying picks this up before it goes live.
		if c := m.conn(connFor(s)); c.live {
			c.sent[k] = s
			now = append(now, s)
		}
	}
	m.subMu.Unlock()

	var errList []error
	for _, s := range now {
		c := m.conn(connFor(s))
		if err := c.send(ctx, "subscribe", s); err != nil {
			if c.worker.State() != infra.ConnConnected {
				continue // replayed on the next connect
			}
			errList = append(errList, fmt.Errorf("subscribe %s: %w", s, err))
		}
	}
	return errors.Join(errList...)
}

// Unsubscribe removes subscriptions so they are not replayed, and tells the
// live connection.
func (m *StreamManager) Unsubscribe(ctx context.Context, subs ...Subscription) error {
	var removed []Subscription
	m.subMu.Lock()
	for _, s := range subs {
		k := s.key()
		if _, ok := m.subs[k]; !ok {
			continue
		}
		delete(m.subs, k)
		for i, existing := range m.order {
			if existing == k {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		if c := m.conn(connFor(s)); c != nil && c.live {
			delete(c.sent, k)
			removed = append(removed, s)
		}
	}
	m.subMu.Unlock()

	var errList []error
	for _, s := range removed {
		c := m.conn(connFor(s))
		if c.worker.State() != infra.ConnConnected {
			continue
		}
		if err := c.send(ctx, "unsubscribe", s); err != nil {
			errList = append(errList, fmt.Errorf("unsubscribe %s: %w", s, err))
		}
	}
	return errors.Join(errList...)
}

// Subscriptions returns the active set, sorted by channel then symbol.
func (m *StreamManager) Subscriptions() []Subscription {
	m.subMu.Lock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.subMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (m *StreamManager) subscriptionsFor(which Conn) []Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]Subscription, 0, len(m.order))
	for _, k := range m.order {
		s := m.subs[k]
		if connFor(s) == which {
			out = append(out, s)
		}
	}
	return out
}

// replayPlan returns what c still has to send for its socket to match the
// subscription set. An empty plan marks c live: from then on Subscribe and
// Unsubscribe write to the socket themselves.
func (m *StreamManager) replayPlan(c *connection) (subscribe, unsubscribe []Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, k := range m.order {
		s := m.subs[k]
		if connFor(s) != c.which {
			continue
		}
		if _, ok := c.sent[k]; !ok {
			subscribe = append(subscribe, s)
		}
	}
	for k, s := range c.sent {
		if _, ok := m.subs[k]; !ok {
			unsubscribe = append(unsubscribe, s)
		}
	}
	if len(subscribe) == 0 && len(unsubscribe) == 0 {
		c.live = true
	}
	return subscribe, unsubscribe
}

func (m *StreamManager) validate(s Subscription) error {
	switch {
	case s.Channel == "":
		return errs.New(errs.KindValidation, errs.WithOp("stream subscribe"), errs.WithMessage("channel is required"))
	case s.Private() && m.private == nil:
		return errs.New(errs.KindConfiguration, errs.WithOp("stream subscribe"),
			errs.WithMessage(s.Channel+" needs a private connection but no credential is configured"))
	case !s.Private() && s.Symbol == "":
		return errs.New(errs.KindValidation, errs.WithOp("stream subscribe"),
			errs.WithMessage(s.Channel+" needs a symbol"))
	}
	return nil
}

func connFor(s Subscription) Conn {
	if s.Private() {
		return ConnPrivate
	}
	return ConnPublic
}

// Start launches the connections. Calling it twice is a no-op.
func (m *StreamManager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	for _, c := range []*connection{m.public, m.private} {
		if c == nil {
			continue
		}
		c.disp.start(ctx)
		c.worker.Start(ctx)
	}
	if m.private != nil {
		m.wg.Go(func() { m.refreshLoop(ctx) })
	}
	slog.Info("Stream manager started",
		slog.Bool("private", m.private != nil),
		slog.Int("subscriptions", len(m.Subscriptions())))
}

// Stop closes both connections and their dispatchers, waiting up to ctx.
// It is idempotent and safe to call before Start.
func (m *StreamManager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		var errList []error
		for _, c := range []*connection{m.public, m.private} {
			if c == nil {
				continue
			}
			if e := c.worker.Stop(ctx); e != nil {
				errList = append(errList, e)
			}
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, c := range []*connection{m.public, m.private} {
				if c != nil {
					c.disp.stop()
				}
			}
			m.wg.Wait()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errList = append(errList, fmt.Errorf("stream dispatch stop: %w", ctx.Err()))
		}

		m.tokenMu.Lock()
		m.token = ""
		m.tokenMu.Unlock()

		err = errors.Join(errList...)
		slog.Info("Stream manager stopped")
	})
	return err
}

// =====================================================
// Private token
// =====================================================

// currentToken returns a token that is valid for at least the refresh
// margin, fetching a new one when needed.
func (m *StreamManager) currentToken(ctx context.Context) (string, error) {
	m.tokenMu.Lock()
	if m.token != "" && time.Since(m.tokenTime) < m.tokenTTL-m.opts.TokenRefreshMargin {
		tok := m.token
		m.tokenMu.Unlock()
		return tok, nil
	}
	m.tokenMu.Unlock()
	return m.fetchToken(ctx)
}

func (m *StreamManager) fetchToken(ctx context.Context) (string, error) {
	res, err := infra.Call(ctx, m.opts.TokenBreaker, func(ctx context.Context) (WebSocketToken, error) {
		return m.opts.Tokens.WebSocketToken(ctx)
	})
	if err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", errs.New(errs.KindUnknown, errs.WithOp("private/GetWebSocketsToken"),
			errs.WithMessage("empty token in response"))
	}

	m.tokenMu.Lock()
	m.token = res.Token
	m.tokenTime = time.Now()
	m.tokenTTL = res.TTL(m.opts.TokenTTL)
	m.tokenMu.Unlock()
	select {
	case m.tokenSet <- struct{}{}:
	default:
	}
	slog.Info("Stream token obtained", slog.Duration("ttl", res.TTL(m.opts.TokenTTL)))
	return res.Token, nil
}

func (m *StreamManager) invalidateToken() {
	m.tokenMu.Lock()
	m.token = ""
	m.tokenMu.Unlock()
}

func (m *StreamManager) tokenDue() time.Duration {
	m.tokenMu.Lock()
	defer m.tokenMu.Unlock()
	if m.token == "" {
		return tokenRetryDelay
	}
	return time.Until(m.tokenTime.Add(m.tokenTTL - m.opts.TokenRefreshMargin))
}

// refreshLoop renews the token before expiry and re-sends the private
// subscriptions with it on the live connection, which stays open.
func (m *StreamManager) refreshLoop(ctx context.Context) {
	for {
		wait := m.tokenDue()
		if wait <= 0 && m.private.worker.State() != infra.ConnConnected {
			wait = tokenRetryDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-m.tokenSet:
			continue
		case <-time.After(wait):
		}
		if m.private.worker.State() != infra.ConnConnected {
			continue
		}
		if m.tokenDue() > 0 {
			continue
		}

		if _, err := m.fetchToken(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Stream token refresh failed",
				slog.String("kind", errs.KindOf(err).String()),
				slog.Any("error", err))
			if errs.KindOf(err).Critical() {
				m.reportFatal(err)
				return
			}
			m.invalidateToken()
			continue
		}
		for _, s := range m.subscriptionsFor(ConnPrivate) {
			if err := m.private.send(ctx, "subscribe", s); err != nil {
				slog.Warn("Stream re-authentication failed, reconnecting", slog.Any("error", err))
				m.private.worker.Reconnect()
				break
			}
		}
	}
}

// =====================================================
// connection
// =====================================================

// connection adapts one Kraken v2 socket to infra.WebSocketHandler.
type connection struct {
	m      *StreamManager
	which  Conn
	url    string
	worker *infra.BaseWSWorker
	disp   *dispatcher
	reqID  atomic.Int64

	// Guarded by m.subMu. sent is what the current socket has been asked
	// for; live is set once the connect replay has caught up.
	sent map[string]Subscription
	live bool
}

func (c *connection) GetURL() string { return c.url }
func (c *connection) ID() string     { return c.which.String() }

// OnConnect replays every subscription for this connection before the
// worker starts reading, so no data is dispatched from a half-subscribed
// socket. Changes made to the set while the replay is running are sent
// before the connection goes live.
func (c *connection) OnConnect(ctx context.Context, s infra.Sender) error {
	c.m.subMu.Lock()
	c.live = false
	c.sent = make(map[string]Subscription)
	c.m.subMu.Unlock()

	token := ""
	if c.which == ConnPrivate {
		var err error
		if token, err = c.m.currentToken(ctx); err != nil {
			return err
		}
	}

	replayed := 0
	for {
		subscribe, unsubscribe := c.m.replayPlan(c)
		if len(subscribe) == 0 && len(unsubscribe) == 0 {
			break
		}
		for _, sub := range subscribe {
			if err := s.WriteJSON(c.request("subscribe", sub, token)); err != nil {
				return fmt.Errorf("replay %s: %w", sub, err)
			}
		}
		for _, sub := range unsubscribe {
			if err := s.WriteJSON(c.request("unsubscribe", sub, token)); err != nil {
				return fmt.Errorf("replay %s: %w", sub, err)
			}
		}
		c.m.subMu.Lock()
		for _, sub := range subscribe {
			c.sent[sub.key()] = sub
		}
		for _, sub := range unsubscribe {
			delete(c.sent, sub.key())
		}
		c.m.subMu.Unlock()
		replayed += len(subscribe)
	}
	slog.Info("Stream subscriptions replayed",
		slog.String("conn", c.ID()),
		slog.Int("count", replayed))
	return nil
}

func (c *connection) OnPing(ctx context.Context, s infra.Sender) error {
	return s.WriteJSON(wsRequest{Method: "ping", ReqID: c.reqID.Add(1)})
}

func (c *connection) OnMessage(ctx context.Context, msg []byte) {
	var f wsFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		slog.Warn("Stream frame undecodable", slog.String("conn", c.ID()), slog.Any("error", err))
		return
	}

	if f.Method != "" {
		c.onResponse(f)
		return
	}
	if f.Channel == "heartbeat" || f.Channel == "" {
		return
	}

	events, err := decodeEvents(f, time.Now(), func() uint64 { return c.m.seq.Add(1) })
	if err != nil {
		slog.Warn("Stream data undecodable",
			slog.String("conn", c.ID()),
			slog.String("channel", f.Channel),
			slog.Any("error", err))
		return
	}
	for _, ev := range events {
		c.disp.offer(ctx, ev)
	}
}

func (c *connection) onResponse(f wsFrame) {
	if f.Method == "pong" || f.Success == nil || *f.Success {
		return
	}
	var res wsAckResult
	if len(f.Result) > 0 {
		json.Unmarshal(f.Result, &res)
	}
	slog.Warn("Stream request rejected",
		slog.String("conn", c.ID()),
		slog.String("method", f.Method),
		slog.String("channel", res.Channel),
		slog.String("error", f.Error))

	if c.which == ConnPrivate && isTokenError(f.Error) {
		c.m.invalidateToken()
		c.worker.Reconnect()
	}
}

func isTokenError(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "token") || strings.HasPrefix(m, "esession")
}

func (c *connection) send(ctx context.Context, method string, s Subscription) error {
	token := ""
	if c.which == ConnPrivate {
		var err error
		if token, err = c.m.currentToken(ctx); err != nil {
			return err
		}
	}
	return c.worker.WriteJSON(c.request(method, s, token))
}

func (c *connection) request(method string, s Subscription, token string) wsRequest {
	p := &wsParams{Channel: s.Channel, Depth: s.Depth, Interval: s.Interval, Token: token}
	if s.Symbol != "" {
		p.Symbol = []string{s.Symbol}
	}
	if method == "subscribe" && s.Channel == "executions" {
		yes := true
		p.SnapOrders = &yes
		p.SnapTrades = &yes
	}
	return wsRequest{Method: method, Params: p, ReqID: c.reqID.Add(1)}
}
