package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
)

// ConnState is the lifecycle state of one supervised connection.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnStopped
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "DISCONNECTED"
	case ConnConnecting:
		return "CONNECTING"
	case ConnConnected:
		return "CONNECTED"
	case ConnReconnecting:
		return "RECONNECTING"
	case ConnStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Sender writes to the live connection. Safe for concurrent use.
type Sender interface {
	Write(msgType int, data []byte) error
	WriteJSON(v any) error
}

// WebSocketHandler defines exchange-specific logic for the BaseWSWorker.
type WebSocketHandler interface {
	GetURL() string
	// OnConnect runs after dial and before the first read. It must replay
	// every subscription; the connection is not CONNECTED until it returns.
	// A Critical error kind stops the worker instead of reconnecting.
	OnConnect(ctx context.Context, s Sender) error
	OnMessage(ctx context.Context, msg []byte)
	// OnPing sends the application-level keepalive.
	OnPing(ctx context.Context, s Sender) error
	ID() string
}

// BaseWSWorker supervises one WebSocket connection: dial, replay, read,
// heartbeat watchdog, reconnect with backoff. A panic inside a session is
// recovered and the connection restarted.
type BaseWSWorker struct {
	handler WebSocketHandler
	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	cancel   context.CancelFunc
	wg       conc.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	state    atomic.Int32
	lastSeen atomic.Int64

	ReadTimeout          time.Duration
	PingInterval         time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	// DialLimiter caps connection attempts. Nil means unlimited.
	DialLimiter *rate.Limiter
	// OnStateChange is called on every transition.
	OnStateChange func(id string, s ConnState)
	// OnFatal receives the error that stopped the worker for good.
	OnFatal func(err error)

	reconnects metric.Int64Counter
	silences   metric.Int64Counter
	panicked   metric.Int64Counter
}

// NewBaseWSWorker creates a new generic WebSocket worker.
func NewBaseWSWorker(handler WebSocketHandler) *BaseWSWorker {
	w := &BaseWSWorker{
		handler:              handler,
		done:                 make(chan struct{}),
		ReadTimeout:          90 * time.Second,
		PingInterval:         30 * time.Second,
		HeartbeatTimeout:     45 * time.Second,
		ReconnectInterval:    baseDelay,
		MaxReconnectInterval: maxDelay,
	}
	meter := otel.Meter("infra")
	w.reconnects, _ = meter.Int64Counter("ws.reconnects",
		metric.WithDescription("WebSocket connection attempts after the first"))
	w.silences, _ = meter.Int64Counter("ws.heartbeat.timeouts",
		metric.WithDescription("Connections closed by the heartbeat watchdog"))
	w.panicked, _ = meter.Int64Counter("ws.panics",
		metric.WithDescription("Recovered panics in connection sessions"))
	return w
}

// ID returns the handler ID.
func (w *BaseWSWorker) ID() string { return w.handler.ID() }

// State returns the current connection state.
func (w *BaseWSWorker) State() ConnState { return ConnState(w.state.Load()) }

// LastSeen returns when the last frame (data, heartbeat, ping or pong) arrived.
func (w *BaseWSWorker) LastSeen() time.Time {
	ns := w.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start initiates the connection loop. Calling it twice is a no-op.
func (w *BaseWSWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Go(func() {
		defer close(w.done)
		w.runLoop(ctx)
	})
}

// Stop terminates the worker and waits for it up to ctx. It is idempotent
// and safe to call before Start.
func (w *BaseWSWorker) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.close()
		if w.started.Load() {
			select {
			case <-w.done:
				w.wg.Wait()
			case <-ctx.Done():
				err = fmt.Errorf("ws %s stop: %w", w.handler.ID(), ctx.Err())
			}
		}
		w.setState(ConnStopped)
	})
	return err
}

func (w *BaseWSWorker) runLoop(ctx context.Context) {
	b := NewReconnectBackoff(w.ReconnectInterval, w.MaxReconnectInterval)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if attempt == 0 {
			w.setState(ConnConnecting)
		} else {
			w.setState(ConnReconnecting)
			w.count(ctx, w.reconnects)
		}
		attempt++

		var fatal error
		var catcher panics.Catcher
		catcher.Try(func() { fatal = w.session(ctx, b) })
		if r := catcher.Recovered(); r != nil {
			w.count(ctx, w.panicked)
			slog.Error("WS session panic recovered",
				slog.String("id", w.handler.ID()),
				slog.Any("panic", r.Value),
				slog.String("stack", string(r.Stack)))
		}
		if fatal != nil {
			slog.Error("WS worker stopped on fatal error",
				slog.String("id", w.handler.ID()),
				slog.String("kind", errs.KindOf(fatal).String()),
				slog.Any("error", fatal))
			w.setState(ConnStopped)
			if w.OnFatal != nil {
				w.OnFatal(fatal)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		w.setState(ConnReconnecting)
		delay := b.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection to completion. It returns an error only when
// the worker must not reconnect.
func (w *BaseWSWorker) session(ctx context.Context, b *ReconnectBackoff) error {
	conn, err := w.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errs.KindOf(err).Critical() {
			return err
		}
		slog.Warn("WS Connection failed", slog.String("id", w.handler.ID()), slog.Any("error", err))
		return nil
	}

	b.Reset()
	w.setState(ConnConnected)
	slog.Info("WS Connected", slog.String("id", w.handler.ID()))

	sctx, cancel := context.WithCancel(ctx)
	var g conc.WaitGroup
	defer func() {
		cancel()
		w.close()
		g.Wait()
	}()

	if w.PingInterval > 0 {
		g.Go(func() { w.pingLoop(sctx, conn) })
	}
	if w.HeartbeatTimeout > 0 {
		g.Go(func() { w.watchdog(sctx, conn) })
	}

	w.process(sctx, conn)
	return nil
}

func (w *BaseWSWorker) connect(ctx context.Context) (*websocket.Conn, error) {
	if w.DialLimiter != nil {
		if err := w.DialLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("dial budget: %w", err)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", GetUserAgent())

	conn, _, err := dialer.DialContext(ctx, w.handler.GetURL(), header)
	if err != nil {
		return nil, errs.New(errs.KindNetwork, errs.WithOp("ws dial "+w.handler.ID()), errs.WithCause(err))
	}

	w.touch()
	conn.SetPingHandler(func(data string) error {
		w.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		w.touch()
		return nil
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, w); err != nil {
		w.close()
		return nil, fmt.Errorf("OnConnect failed: %w", err)
	}
	return conn, nil
}

func (w *BaseWSWorker) process(ctx context.Context, conn *websocket.Conn) {
	for {
		if w.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("WS Read error", slog.String("id", w.handler.ID()), slog.Any("error", err))
			}
			return
		}
		w.touch()
		w.handler.OnMessage(ctx, msg)
	}
}

func (w *BaseWSWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.handler.OnPing(ctx, w); err != nil {
				slog.Warn("WS Ping error", slog.String("id", w.handler.ID()), slog.Any("error", err))
				conn.Close()
				return
			}
		}
	}
}

// watchdog closes a connection that stays silent past HeartbeatTimeout,
// even when the socket itself reports no error.
func (w *BaseWSWorker) watchdog(ctx context.Context, conn *websocket.Conn) {
	interval := w.HeartbeatTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(w.LastSeen())
			if silent > w.HeartbeatTimeout {
				w.count(ctx, w.silences)
				slog.Warn("WS heartbeat timeout, forcing reconnect",
					slog.String("id", w.handler.ID()),
					slog.Duration("silent", silent))
				conn.Close()
				return
			}
		}
	}
}

// Reconnect drops the current connection; the worker dials again after backoff.
func (w *BaseWSWorker) Reconnect() {
	w.close()
}

// Write sends one frame on the current connection.
func (w *BaseWSWorker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("ws not connected")
	}

	c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.WriteMessage(msgType, data)
}

// WriteJSON marshals v and sends it as a text frame.
func (w *BaseWSWorker) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal ws message: %w", err)
	}
	return w.Write(websocket.TextMessage, data)
}

func (w *BaseWSWorker) touch() {
	w.lastSeen.Store(time.Now().UnixNano())
}

func (w *BaseWSWorker) setState(s ConnState) {
	prev := ConnState(w.state.Swap(int32(s)))
	if prev == s {
		return
	}
	// STOPPED is terminal.
	if prev == ConnStopped {
		w.state.Store(int32(ConnStopped))
		return
	}
	if w.OnStateChange != nil {
		w.OnStateChange(w.handler.ID(), s)
	}
}

func (w *BaseWSWorker) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("conn", w.handler.ID())))
	}
}

func (w *BaseWSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
