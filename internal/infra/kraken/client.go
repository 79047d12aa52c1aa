package kraken

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/nonce"
)

// Constants for Kraken API URLs
const (
	MainnetURL  = "https://api.kraken.com"
	apiVersion  = "0"
	maxBodySize = 8 << 20
)

// Credential is a signer paired with the nonce source of the same key.
// Requests on one credential are serialized from nonce draw to response so
// the exchange sees nonces in issue order.
type Credential struct {
	Signer *Signer
	Nonces *nonce.Source

	sendMu sync.Mutex
}

// Label returns the credential label.
func (c *Credential) Label() string { return c.Signer.Label() }

// NewCredential builds the signer and opens the nonce state for cfg.
func NewCredential(cfg infra.CredentialConfig, nonceDir string) (*Credential, error) {
	signer, err := NewSigner(cfg.Label, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, err
	}
	src, err := nonce.Open(nonce.Options{
		Label: cfg.Label,
		Path:  nonce.StatePath(nonceDir, cfg.Label),
		Floor: cfg.NonceFloor,
	})
	if err != nil {
		signer.Wipe()
		return nil, err
	}
	return &Credential{Signer: signer, Nonces: src}, nil
}

// endpoint describes one REST method.
type endpoint struct {
	name     string
	private  bool
	class    infra.EndpointClass
	readOnly bool // served by the secondary credential when configured
}

func (e endpoint) path() string {
	if e.private {
		return "/" + apiVersion + "/private/" + e.name
	}
	return "/" + apiVersion + "/public/" + e.name
}

func (e endpoint) op() string {
	if e.private {
		return "private/" + e.name
	}
	return "public/" + e.name
}

var (
	epSystemStatus = endpoint{name: "SystemStatus", class: infra.ClassPublic}
	epTime         = endpoint{name: "Time", class: infra.ClassPublic}
	epTicker       = endpoint{name: "Ticker", class: infra.ClassPublic}
	epAssetPairs   = endpoint{name: "AssetPairs", class: infra.ClassPublic}
	epBalance      = endpoint{name: "Balance", private: true, class: infra.ClassPrivate, readOnly: true}
	epTradeBalance = endpoint{name: "TradeBalance", private: true, class: infra.ClassPrivate, readOnly: true}
	epOpenOrders   = endpoint{name: "OpenOrders", private: true, class: infra.ClassPrivate, readOnly: true}
	epClosedOrders = endpoint{name: "ClosedOrders", private: true, class: infra.ClassPrivate, readOnly: true}
	epAddOrder     = endpoint{name: "AddOrder", private: true, class: infra.ClassTrading}
	epCancelOrder  = endpoint{name: "CancelOrder", private: true, class: infra.ClassTrading}
	epCancelAll    = endpoint{name: "CancelAll", private: true, class: infra.ClassTrading}
	epWSToken      = endpoint{name: "GetWebSocketsToken", private: true, class: infra.ClassPrivate}
)

// ClientOptions configures a RestClient.
type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Limiter    *infra.RateLimiter
	// Breaker guards every call. Nil builds one with default thresholds.
	Breaker *infra.CircuitBreaker
}

// RestClient issues public and signed private Kraken REST calls through a
// rate limiter and a circuit breaker. The breaker is the only retry
// authority; the client never resubmits on its own.
type RestClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	limiter *infra.RateLimiter
	breaker *infra.CircuitBreaker

	primary   *Credential
	secondary *Credential

	unknownMu sync.Mutex
	unknown   map[string]bool // endpoint -> previous call failed UNKNOWN

	closed   atomic.Bool
	requests metric.Int64Counter
}

// NewRestClient creates the client. primary may be nil for public-only use;
// secondary may be nil, in which case primary serves read-only calls too.
func NewRestClient(opts ClientOptions, primary, secondary *Credential) *RestClient {
	if opts.BaseURL == "" {
		opts.BaseURL = MainnetURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Breaker == nil {
		cfg := infra.DefaultCircuitBreakerConfig("kraken-rest")
		opts.Breaker = infra.NewCircuitBreaker(cfg)
	}

	c := &RestClient{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		timeout:   opts.Timeout,
		http:      opts.HTTPClient,
		limiter:   opts.Limiter,
		breaker:   opts.Breaker,
		primary:   primary,
		secondary: secondary,
		unknown:   make(map[string]bool),
	}
	c.requests, _ = otel.Meter("kraken").Int64Counter("kraken.rest.requests",
		metric.WithDescription("REST calls by endpoint and outcome"))
	return c
}

// BreakerIsFailure is the IsFailure predicate for the REST breaker: caller
// and credential errors do not count against the exchange's health.
func BreakerIsFailure(err error) bool { return countsAsBreakerFailure(err) }

// Breaker exposes the guarding breaker for monitoring.
func (c *RestClient) Breaker() *infra.CircuitBreaker { return c.breaker }

// HasPrivate reports whether a primary credential is configured.
func (c *RestClient) HasPrivate() bool { return c.primary != nil }

// Close stops accepting calls, drops idle connections and wipes key
// material. Safe to call more than once.
func (c *RestClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.http.CloseIdleConnections()
	for _, cred := range []*Credential{c.primary, c.secondary} {
		if cred != nil {
			cred.sendMu.Lock()
			cred.Signer.Wipe()
			cred.sendMu.Unlock()
		}
	}
	slog.Info("Kraken REST client closed")
	return nil
}

// =====================================================
// Public endpoints
// =====================================================

// SystemStatus returns the exchange trading status.
func (c *RestClient) SystemStatus(ctx context.Context) (SystemStatus, error) {
	var out SystemStatus
	err := c.call(ctx, epSystemStatus, nil, &out)
	return out, err
}

// ServerTime returns the exchange clock.
func (c *RestClient) ServerTime(ctx context.Context) (ServerTime, error) {
	var out ServerTime
	err := c.call(ctx, epTime, nil, &out)
	return out, err
}

// Ticker returns tickers keyed by the exchange's pair name.
func (c *RestClient) Ticker(ctx context.Context, pairs ...string) (map[string]domain.Ticker, error) {
	params := url.Values{}
	if len(pairs) > 0 {
		params.Set("pair", strings.Join(pairs, ","))
	}
	var raw map[string]tickerInfo
	if err := c.call(ctx, epTicker, params, &raw); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make(map[string]domain.Ticker, len(raw))
	for pair, info := range raw {
		out[pair] = info.toDomain(pair, now)
	}
	return out, nil
}

// AssetPairs returns tradable pair metadata.
func (c *RestClient) AssetPairs(ctx context.Context, pairs ...string) (map[string]AssetPair, error) {
	params := url.Values{}
	if len(pairs) > 0 {
		params.Set("pair", strings.Join(pairs, ","))
	}
	var out map[string]AssetPair
	err := c.call(ctx, epAssetPairs, params, &out)
	return out, err
}

// =====================================================
// Private endpoints
// =====================================================

// Balance returns account balances.
func (c *RestClient) Balance(ctx context.Context) ([]domain.Balance, error) {
	var raw map[string]string
	if err := c.call(ctx, epBalance, nil, &raw); err != nil {
		return nil, err
	}
	return balancesFromMap(raw, time.Now()), nil
}

// TradeBalance returns the margin/equity summary in asset (default ZUSD).
func (c *RestClient) TradeBalance(ctx context.Context, asset string) (TradeBalance, error) {
	params := url.Values{}
	if asset != "" {
		params.Set("asset", asset)
	}
	var out TradeBalance
	err := c.call(ctx, epTradeBalance, params, &out)
	return out, err
}

// OpenOrders returns open orders keyed by txid.
func (c *RestClient) OpenOrders(ctx context.Context) (map[string]OrderInfo, error) {
	var out openOrdersResult
	if err := c.call(ctx, epOpenOrders, nil, &out); err != nil {
		return nil, err
	}
	return out.Open, nil
}

// ClosedOrders returns recently closed orders keyed by txid.
func (c *RestClient) ClosedOrders(ctx context.Context) (map[string]OrderInfo, error) {
	var out closedOrdersResult
	if err := c.call(ctx, epClosedOrders, nil, &out); err != nil {
		return nil, err
	}
	return out.Closed, nil
}

// AddOrder places (or with Validate, checks) an order.
func (c *RestClient) AddOrder(ctx context.Context, req OrderRequest) (AddOrderResult, error) {
	var out AddOrderResult
	err := c.call(ctx, epAddOrder, req.values(), &out)
	return out, err
}

// CancelOrder cancels one order by txid or client order id.
func (c *RestClient) CancelOrder(ctx context.Context, req CancelRequest) (CancelResult, error) {
	if req.TxID == "" && req.ClientOrderID == "" {
		return CancelResult{}, errs.New(errs.KindValidation,
			errs.WithOp(epCancelOrder.op()),
			errs.WithMessage("txid or cl_ord_id is required"))
	}
	var out CancelResult
	err := c.call(ctx, epCancelOrder, req.values(), &out)
	return out, err
}

// CancelAll cancels every open order on the primary credential.
func (c *RestClient) CancelAll(ctx context.Context) (int, error) {
	var out CancelResult
	err := c.call(ctx, epCancelAll, nil, &out)
	return out.Count, err
}

// WebSocketToken fetches a private stream token.
func (c *RestClient) WebSocketToken(ctx context.Context) (WebSocketToken, error) {
	var out WebSocketToken
	err := c.call(ctx, epWSToken, nil, &out)
	return out, err
}

// =====================================================
// Transport
// =====================================================

func (c *RestClient) credentialFor(ep endpoint) *Credential {
	if ep.readOnly && c.secondary != nil {
		return c.secondary
	}
	return c.primary
}

// call throttles, then runs one attempt through the breaker. The nonce is
// drawn inside the breaker so a fast-failed call never consumes one.
func (c *RestClient) call(ctx context.Context, ep endpoint, params url.Values, out any) error {
	label := ""
	if ep.private {
		cred := c.credentialFor(ep)
		if cred == nil {
			return errs.New(errs.KindConfiguration,
				errs.WithOp(ep.op()),
				errs.WithMessage("no credential configured for private endpoint"))
		}
		label = cred.Label()
	}
	if c.closed.Load() {
		return errs.New(errs.KindNetwork,
			errs.WithOp(ep.op()),
			errs.WithCredential(label),
			errs.WithMessage("client closed"),
			errs.WithRetryable(false))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ep.class); err != nil {
			return fmt.Errorf("%s rate wait: %w", ep.op(), err)
		}
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, ep, params, out)
	})
	err = c.noteOutcome(ep, err)

	kind := "ok"
	if err != nil {
		kind = errs.KindOf(err).String()
		c.logFailure(ep, label, params, err)
	}
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", ep.op()),
			attribute.String("kind", kind)))
	}
	return err
}

// noteOutcome applies the per-endpoint UNKNOWN policy: retryable the first
// time, not retryable when the previous call to the endpoint was UNKNOWN too.
func (c *RestClient) noteOutcome(ep endpoint, err error) error {
	c.unknownMu.Lock()
	defer c.unknownMu.Unlock()

	e, ok := errs.As(err)
	switch {
	case err == nil:
		delete(c.unknown, ep.op())
	case ok && e.Kind == errs.KindUnknown:
		if c.unknown[ep.op()] {
			return e.WithoutRetry()
		}
		c.unknown[ep.op()] = true
	case ok && e.Kind == errs.KindCircuitOpen:
		// Not an exchange response; leave the streak alone.
	default:
		delete(c.unknown, ep.op())
	}
	return err
}

func (c *RestClient) do(ctx context.Context, ep endpoint, params url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		req   *http.Request
		err   error
		label string
	)
	if ep.private {
		cred := c.credentialFor(ep)
		label = cred.Label()

		cred.sendMu.Lock()
		defer cred.sendMu.Unlock()

		n := cred.Nonces.Next()
		form := cloneValues(params)
		form.Set("nonce", n)
		body := form.Encode()
		sig := cred.Signer.Sign(ep.path(), n, body)

		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ep.path(), strings.NewReader(body))
		if err != nil {
			return errs.New(errs.KindValidation, errs.WithOp(ep.op()), errs.WithCause(err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
		cred.Signer.Apply(req.Header, sig)
	} else {
		u := c.baseURL + ep.path()
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return errs.New(errs.KindValidation, errs.WithOp(ep.op()), errs.WithCause(err))
		}
	}
	req.Header.Set("User-Agent", infra.GetUserAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return errs.New(classifyTransport(err),
			errs.WithOp(ep.op()),
			errs.WithCredential(label),
			errs.WithCause(stripURL(err)))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return errs.New(classifyTransport(err),
			errs.WithOp(ep.op()),
			errs.WithCredential(label),
			errs.WithHTTP(resp.StatusCode),
			errs.WithCause(err))
	}

	return decodeResponse(ep, label, resp, data, out)
}

func decodeResponse(ep endpoint, label string, resp *http.Response, data []byte, out any) error {
	status := resp.StatusCode
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		kind := classifyHTTP(status)
		return errs.New(kind,
			errs.WithOp(ep.op()),
			errs.WithCredential(label),
			errs.WithHTTP(status),
			errs.WithRetryAfter(retryAfter),
			errs.WithMessage("undecodable response body"),
			errs.WithCause(err))
	}

	// A non-empty error array is authoritative, whatever the HTTP status.
	if len(env.Error) > 0 {
		kind, ok := classifyCodes(env.Error)
		if !ok {
			kind = errs.KindUnknown
		}
		return errs.New(kind,
			errs.WithOp(ep.op()),
			errs.WithCredential(label),
			errs.WithCodes(env.Error...),
			errs.WithHTTP(status),
			errs.WithRetryAfter(retryAfter),
			errs.WithRemediation(remediation[kind]))
	}
	if status >= 400 {
		kind := classifyHTTP(status)
		return errs.New(kind,
			errs.WithOp(ep.op()),
			errs.WithCredential(label),
			errs.WithHTTP(status),
			errs.WithRetryAfter(retryAfter),
			errs.WithRemediation(remediation[kind]))
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errs.New(errs.KindUnknown,
			errs.WithOp(ep.op()),
			errs.WithCredential(label),
			errs.WithHTTP(status),
			errs.WithMessage("unexpected result shape"),
			errs.WithCause(err))
	}
	return nil
}

func (c *RestClient) logFailure(ep endpoint, label string, params url.Values, err error) {
	kind := errs.KindOf(err)
	attrs := []any{
		slog.String("endpoint", ep.op()),
		slog.String("kind", kind.String()),
		slog.Bool("retryable", errs.IsRetryable(err)),
		slog.String("params", redact(params)),
		slog.Any("error", err),
	}
	if label != "" {
		attrs = append(attrs, slog.String("credential", label))
	}
	switch {
	case kind.Critical():
		slog.Error("Kraken request failed", attrs...)
	case kind == errs.KindCircuitOpen:
		slog.Debug("Kraken request rejected by breaker", attrs...)
	default:
		slog.Warn("Kraken request failed", attrs...)
	}
}

// sensitiveParams are masked before logging.
var sensitiveParams = map[string]bool{"token": true, "otp": true}

func redact(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	safe := url.Values{}
	for k, vs := range params {
		if sensitiveParams[strings.ToLower(k)] {
			safe.Set(k, "***")
			continue
		}
		safe[k] = vs
	}
	return safe.Encode()
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// stripURL drops the request URL from transport errors.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
