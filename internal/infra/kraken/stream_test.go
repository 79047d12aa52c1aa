package kraken

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra"
)

// fakeStream is a Kraken v2 server. session runs once per accepted
// connection with its 1-based index.
type fakeStream struct {
	server *httptest.Server
	conns  atomic.Int32

	mu   sync.Mutex
	reqs map[int][]wsRequest
}

func newFakeStream(t *testing.T, session func(n int, conn *websocket.Conn, fs *fakeStream)) *fakeStream {
	t.Helper()
	fs := &fakeStream{reqs: make(map[int][]wsRequest)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		session(int(fs.conns.Add(1)), conn, fs)
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeStream) url() string {
	return strings.Replace(fs.server.URL, "http://", "ws://", 1)
}

// read reads one client request and records it under connection n.
func (fs *fakeStream) read(n int, conn *websocket.Conn) (wsRequest, error) {
	var req wsRequest
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return req, err
	}
	fs.mu.Lock()
	fs.reqs[n] = append(fs.reqs[n], req)
	fs.mu.Unlock()
	return req, nil
}

func (fs *fakeStream) requests(n int) []wsRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]wsRequest(nil), fs.reqs[n]...)
}

func tickerFrame(symbol, bid string) []byte {
	return []byte(fmt.Sprintf(`{"channel":"ticker","type":"update","data":[{"symbol":%q,"bid":%s,"ask":%s,"last":%s,"volume":100,"low":1,"high":2}]}`,
		symbol, bid, bid, bid))
}

func testStreamOptions(publicURL string) StreamOptions {
	return StreamOptions{
		PublicURL:            publicURL,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectInterval: 50 * time.Millisecond,
		HeartbeatTimeout:     time.Second,
		PingInterval:         time.Hour,
		ReadTimeout:          2 * time.Second,
		QueueSize:            16,
		DispatchBudget:       10 * time.Millisecond,
	}
}

func stopStream(t *testing.T, m *StreamManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

// Two ticker subscriptions survive a forced disconnect: both are replayed on
// the new connection and each following ticker reaches the handler once.
func TestStreamManager_ResubscribesAfterDisconnect(t *testing.T) {
	fs := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		for i := 0; i < 2; i++ {
			if _, err := fs.read(n, conn); err != nil {
				return
			}
		}
		if n == 1 {
			return // forced disconnect mid-session
		}
		conn.WriteMessage(websocket.TextMessage, tickerFrame("XLM/USD", "0.12"))
		conn.WriteMessage(websocket.TextMessage, tickerFrame("BTC/USD", "65000.5"))
		time.Sleep(time.Second)
	})

	m := NewStreamManager(testStreamOptions(fs.url()))
	var mu sync.Mutex
	got := make(map[string]int)
	m.On(event.KindTicker, func(ctx context.Context, ev event.Event) {
		tk := ev.(event.TickerEvent)
		mu.Lock()
		got[tk.Ticker.Symbol]++
		mu.Unlock()
	})

	err := m.Subscribe(context.Background(),
		Subscription{Channel: "ticker", Symbol: "XLM/USD"},
		Subscription{Channel: "ticker", Symbol: "BTC/USD"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	m.Start(context.Background())
	time.Sleep(400 * time.Millisecond)
	stopStream(t, m)

	if fs.conns.Load() < 2 {
		t.Fatalf("Expected a reconnect, got %d connections", fs.conns.Load())
	}
	symbols := make(map[string]bool)
	for _, req := range fs.requests(2) {
		if req.Method != "subscribe" || req.Params == nil || req.Params.Channel != "ticker" {
			t.Errorf("Unexpected request on new connection: %+v", req)
			continue
		}
		for _, s := range req.Params.Symbol {
			symbols[s] = true
		}
	}
	if !symbols["XLM/USD"] || !symbols["BTC/USD"] {
		t.Errorf("Expected both subscriptions replayed, got %v", symbols)
	}

	mu.Lock()
	defer mu.Unlock()
	if got["XLM/USD"] != 1 || got["BTC/USD"] != 1 {
		t.Errorf("Expected each ticker delivered once, got %v", got)
	}
}

func TestStreamManager_HeartbeatSilenceReconnects(t *testing.T) {
	fs := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		fs.read(n, conn)
		time.Sleep(time.Second) // connected but silent
	})

	opts := testStreamOptions(fs.url())
	opts.HeartbeatTimeout = 80 * time.Millisecond
	opts.ReadTimeout = 5 * time.Second
	m := NewStreamManager(opts)
	m.Subscribe(context.Background(), Subscription{Channel: "ticker", Symbol: "XLM/USD"})
	m.Start(context.Background())
	time.Sleep(400 * time.Millisecond)
	stopStream(t, m)

	if fs.conns.Load() < 2 {
		t.Errorf("Expected watchdog reconnect, got %d connections", fs.conns.Load())
	}
	if len(fs.requests(2)) == 0 {
		t.Error("Expected subscription replayed after watchdog reconnect")
	}
}

func TestStreamManager_HeartbeatFramesKeepAlive(t *testing.T) {
	fs := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		fs.read(n, conn)
		for i := 0; i < 15; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"heartbeat"}`)); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	})

	opts := testStreamOptions(fs.url())
	opts.HeartbeatTimeout = 100 * time.Millisecond
	m := NewStreamManager(opts)
	m.Subscribe(context.Background(), Subscription{Channel: "ticker", Symbol: "XLM/USD"})
	m.Start(context.Background())
	time.Sleep(250 * time.Millisecond)

	if fs.conns.Load() != 1 {
		t.Errorf("Expected heartbeats to keep one connection, got %d", fs.conns.Load())
	}
	if m.State(ConnPublic) != infra.ConnConnected {
		t.Errorf("Expected CONNECTED, got %s", m.State(ConnPublic))
	}
	stopStream(t, m)
}

func TestStreamManager_SnapshotFlagAndOrdering(t *testing.T) {
	fs := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		fs.read(n, conn)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"trade","type":"snapshot","data":[{"symbol":"XLM/USD","side":"buy","price":0.1,"qty":5,"trade_id":1,"timestamp":"2026-01-01T00:00:00Z"},{"symbol":"XLM/USD","side":"sell","price":0.2,"qty":6,"trade_id":2,"timestamp":"2026-01-01T00:00:01Z"}]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"trade","type":"update","data":[{"symbol":"XLM/USD","side":"buy","price":0.3,"qty":7,"trade_id":3,"timestamp":"2026-01-01T00:00:02Z"}]}`))
		time.Sleep(time.Second)
	})

	m := NewStreamManager(testStreamOptions(fs.url()))
	var mu sync.Mutex
	var trades []event.TradeEvent
	m.On(event.KindTrade, func(ctx context.Context, ev event.Event) {
		mu.Lock()
		trades = append(trades, ev.(event.TradeEvent))
		mu.Unlock()
	})
	m.Subscribe(context.Background(), Subscription{Channel: "trade", Symbol: "XLM/USD"})
	m.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	stopStream(t, m)

	mu.Lock()
	defer mu.Unlock()
	if len(trades) != 3 {
		t.Fatalf("Expected 3 trades, got %d", len(trades))
	}
	for i, tr := range trades {
		if tr.TradeID != int64(i+1) {
			t.Errorf("Expected trade %d in order, got %d", i+1, tr.TradeID)
		}
		if wantSnap := i < 2; tr.IsSnapshot() != wantSnap {
			t.Errorf("trade %d: expected snapshot=%v", tr.TradeID, wantSnap)
		}
		if i > 0 && tr.GetSeq() <= trades[i-1].GetSeq() {
			t.Errorf("Expected increasing seq, got %d after %d", tr.GetSeq(), trades[i-1].GetSeq())
		}
	}
}

func TestStreamManager_HandlerPanicDoesNotStopStream(t *testing.T) {
	fs := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		fs.read(n, conn)
		conn.WriteMessage(websocket.TextMessage, tickerFrame("XLM/USD", "0.1"))
		conn.WriteMessage(websocket.TextMessage, tickerFrame("XLM/USD", "0.2"))
		time.Sleep(time.Second)
	})

	m := NewStreamManager(testStreamOptions(fs.url()))
	var calls atomic.Int32
	m.On(event.KindTicker, func(ctx context.Context, ev event.Event) {
		if calls.Add(1) == 1 {
			panic("consumer bug")
		}
	})
	m.Subscribe(context.Background(), Subscription{Channel: "ticker", Symbol: "XLM/USD"})
	m.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	stopStream(t, m)

	if calls.Load() != 2 {
		t.Errorf("Expected both tickers handled, got %d", calls.Load())
	}
	if fs.conns.Load() != 1 {
		t.Errorf("Handler panic must not reconnect, got %d connections", fs.conns.Load())
	}
}

type fakeTokens struct {
	n       atomic.Int32
	expires int
	err     error
}

func (f *fakeTokens) WebSocketToken(ctx context.Context) (WebSocketToken, error) {
	if f.err != nil {
		return WebSocketToken{}, f.err
	}
	n := f.n.Add(1)
	return WebSocketToken{Token: fmt.Sprintf("tok-%d", n), Expires: f.expires}, nil
}

func TestStreamManager_PrivateSubscribeCarriesToken(t *testing.T) {
	private := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		fs.read(n, conn)
		fs.read(n, conn)
		time.Sleep(time.Second)
	})
	public := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		time.Sleep(time.Second)
	})

	opts := testStreamOptions(public.url())
	opts.PrivateURL = private.url()
	opts.Tokens = &fakeTokens{expires: 900}
	m := NewStreamManager(opts)
	err := m.Subscribe(context.Background(),
		Subscription{Channel: "executions"},
		Subscription{Channel: "balances"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	m.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	stopStream(t, m)

	reqs := private.requests(1)
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 private subscriptions, got %d", len(reqs))
	}
	for _, req := range reqs {
		if req.Params.Token != "tok-1" {
			t.Errorf("Expected token on %s, got %q", req.Params.Channel, req.Params.Token)
		}
	}
	if reqs[0].Params.Channel != "executions" || reqs[0].Params.SnapOrders == nil || !*reqs[0].Params.SnapOrders {
		t.Errorf("Expected executions with snap_orders, got %+v", reqs[0].Params)
	}
}

// gatedTokens holds the first token fetch until release is closed, keeping
// the private connection inside its connect replay.
type gatedTokens struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTokens) WebSocketToken(ctx context.Context) (WebSocketToken, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return WebSocketToken{}, ctx.Err()
	}
	return WebSocketToken{Token: "tok-gated", Expires: 900}, nil
}

// A subscription added while the connection is still replaying goes out on
// that same socket instead of waiting for the next reconnect.
func TestStreamManager_SubscribeDuringHandshakeIsSent(t *testing.T) {
	private := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		for {
			if _, err := fs.read(n, conn); err != nil {
				return
			}
		}
	})
	public := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		time.Sleep(time.Second)
	})

	tokens := &gatedTokens{entered: make(chan struct{}), release: make(chan struct{})}
	opts := testStreamOptions(public.url())
	opts.PrivateURL = private.url()
	opts.Tokens = tokens
	m := NewStreamManager(opts)
	if err := m.Subscribe(context.Background(), Subscription{Channel: "executions"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	m.Start(context.Background())

	select {
	case <-tokens.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Private connection never reached the token fetch")
	}
	if err := m.Subscribe(context.Background(), Subscription{Channel: "balances"}); err != nil {
		t.Fatalf("Subscribe during handshake failed: %v", err)
	}
	close(tokens.release)

	deadline := time.Now().Add(2 * time.Second)
	for len(private.requests(1)) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stopStream(t, m)

	if private.conns.Load() != 1 {
		t.Errorf("Expected a single private connection, got %d", private.conns.Load())
	}
	channels := make(map[string]int)
	for _, req := range private.requests(1) {
		if req.Method == "subscribe" {
			channels[req.Params.Channel]++
		}
	}
	if channels["executions"] != 1 || channels["balances"] != 1 {
		t.Errorf("Expected executions and balances subscribed once each, got %v", channels)
	}
}

func TestStreamManager_TokenRefreshKeepsConnection(t *testing.T) {
	private := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		for {
			if _, err := fs.read(n, conn); err != nil {
				return
			}
		}
	})
	public := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		time.Sleep(time.Second)
	})

	opts := testStreamOptions(public.url())
	opts.PrivateURL = private.url()
	opts.Tokens = &fakeTokens{expires: 1}
	opts.TokenRefreshMargin = 800 * time.Millisecond
	m := NewStreamManager(opts)
	m.Subscribe(context.Background(), Subscription{Channel: "executions"})
	m.Start(context.Background())
	time.Sleep(600 * time.Millisecond)
	stopStream(t, m)

	if private.conns.Load() != 1 {
		t.Errorf("Expected refresh without reconnect, got %d connections", private.conns.Load())
	}
	tokens := make(map[string]bool)
	for _, req := range private.requests(1) {
		if req.Params != nil {
			tokens[req.Params.Token] = true
		}
	}
	if len(tokens) < 2 {
		t.Errorf("Expected re-authentication with a fresh token, got %v", tokens)
	}
}

// An authentication failure stops only the private connection.
func TestStreamManager_PrivateAuthFailureLeavesPublicRunning(t *testing.T) {
	private := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		time.Sleep(time.Second)
	})
	public := newFakeStream(t, func(n int, conn *websocket.Conn, fs *fakeStream) {
		fs.read(n, conn)
		time.Sleep(time.Second)
	})

	opts := testStreamOptions(public.url())
	opts.PrivateURL = private.url()
	opts.Tokens = &fakeTokens{err: errs.New(errs.KindAuthentication,
		errs.WithOp("private/GetWebSocketsToken"), errs.WithCodes("EAPI:Invalid key"))}
	m := NewStreamManager(opts)
	m.Subscribe(context.Background(),
		Subscription{Channel: "ticker", Symbol: "XLM/USD"},
		Subscription{Channel: "executions"})
	m.Start(context.Background())

	select {
	case err := <-m.Errors():
		if !errs.Is(err, errs.KindAuthentication) {
			t.Errorf("Expected AUTHENTICATION, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected fatal private error")
	}

	time.Sleep(50 * time.Millisecond)
	if m.State(ConnPrivate) != infra.ConnStopped {
		t.Errorf("Expected private STOPPED, got %s", m.State(ConnPrivate))
	}
	if m.State(ConnPublic) != infra.ConnConnected {
		t.Errorf("Expected public CONNECTED, got %s", m.State(ConnPublic))
	}
	stopStream(t, m)
}

func TestStreamManager_SubscribeValidation(t *testing.T) {
	m := NewStreamManager(testStreamOptions("ws://127.0.0.1:1"))

	if err := m.Subscribe(context.Background(), Subscription{Channel: "ticker"}); !errs.Is(err, errs.KindValidation) {
		t.Errorf("Expected VALIDATION for missing symbol, got %v", err)
	}
	if err := m.Subscribe(context.Background(), Subscription{Channel: "executions"}); !errs.Is(err, errs.KindConfiguration) {
		t.Errorf("Expected CONFIGURATION without credentials, got %v", err)
	}

	sub := Subscription{Channel: "ticker", Symbol: "XLM/USD"}
	m.Subscribe(context.Background(), sub, sub)
	if got := len(m.Subscriptions()); got != 1 {
		t.Errorf("Expected duplicate collapsed, got %d", got)
	}
	m.Unsubscribe(context.Background(), sub)
	if got := len(m.Subscriptions()); got != 0 {
		t.Errorf("Expected empty set after Unsubscribe, got %d", got)
	}
	if m.State(ConnPrivate) != infra.ConnDisconnected {
		t.Errorf("Expected unconfigured private DISCONNECTED, got %s", m.State(ConnPrivate))
	}
	stopStream(t, m)
	stopStream(t, m)
}
