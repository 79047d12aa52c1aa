package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
)

// maxSeenExecs bounds the exec_id de-duplication set.
const maxSeenExecs = 10_000

// NewClientOrderID returns a fresh client order id.
func NewClientOrderID() string {
	return uuid.NewString()
}

// OrderTracker holds order state keyed by client order id.
// Status only moves through observations; a local submit never makes an
// order open, only a REST ack or a stream report does.
// All methods are safe for concurrent use.
type OrderTracker struct {
	mu         sync.RWMutex
	orders     map[string]*domain.Order
	byExchange map[string]string // txid -> client order id
	seen       map[string]struct{}
	seenOrder  []string
	positions  map[string]*domain.Position
	balances   *domain.BalanceBook
	since      time.Time

	onUpdate func(domain.Order)
}

// NewOrderTracker creates an empty tracker. onUpdate, when set, is called
// with a copy of every order whose state changed, outside the lock.
func NewOrderTracker(onUpdate func(domain.Order)) *OrderTracker {
	return &OrderTracker{
		orders:     make(map[string]*domain.Order),
		byExchange: make(map[string]string),
		seen:       make(map[string]struct{}),
		positions:  make(map[string]*domain.Position),
		balances:   domain.NewBalanceBook(),
		since:      time.Now(),
		onUpdate:   onUpdate,
	}
}

// Track registers an order about to be sent. A missing ClientOrderID is
// filled in and returned.
func (t *OrderTracker) Track(o domain.Order) (string, error) {
	if o.ClientOrderID == "" {
		o.ClientOrderID = NewClientOrderID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.Status = ""
	o.FilledVolume = decimal.Zero

	t.mu.Lock()
	if _, dup := t.orders[o.ClientOrderID]; dup {
		t.mu.Unlock()
		return "", fmt.Errorf("order %s already tracked", o.ClientOrderID)
	}
	ord := &o
	ord.Observe(domain.Observation{Status: domain.StatusSubmitted, Source: domain.SourceLocal})
	t.orders[o.ClientOrderID] = ord
	snap := *ord
	t.mu.Unlock()

	t.notify(snap)
	return o.ClientOrderID, nil
}

// Acknowledge records the exchange order id returned by AddOrder.
func (t *OrderTracker) Acknowledge(clientID, txid string) {
	t.update(clientID, func(o *domain.Order) bool {
		if txid != "" {
			o.ExchangeOrderID = txid
			t.byExchange[txid] = clientID
		}
		return o.Observe(domain.Observation{Status: domain.StatusPendingNew, Source: domain.SourceREST})
	})
}

// Reject marks a submitted order as refused.
func (t *OrderTracker) Reject(clientID string, cause error) {
	note := ""
	if cause != nil {
		note = cause.Error()
	}
	t.update(clientID, func(o *domain.Order) bool {
		return o.Observe(domain.Observation{Status: domain.StatusRejected, Source: domain.SourceREST, Note: note})
	})
}

// Unconfirmed notes a submission whose outcome is unknown: the request may
// have reached the exchange. The order stays submitted until a stream report
// or Reconcile settles it.
func (t *OrderTracker) Unconfirmed(clientID string, cause error) {
	note := "submission outcome unknown"
	if cause != nil {
		note += ": " + cause.Error()
	}
	t.update(clientID, func(o *domain.Order) bool {
		return o.Observe(domain.Observation{Status: o.Status, Source: domain.SourceLocal, Note: note})
	})
}

// ApplyExecution folds one stream execution report into the tracker.
// Fills are applied once per exec_id, so a reconnect snapshot replaying
// known trades changes nothing while a fill missed during the outage is
// still counted. Snapshot fills older than the tracker only seed the
// de-duplication set. Orders placed outside this process are adopted.
// It reports whether anything changed.
func (t *OrderTracker) ApplyExecution(ev event.ExecutionEvent) bool {
	t.mu.Lock()

	if ev.ExecID != "" {
		if _, dup := t.seen[ev.ExecID]; dup {
			t.mu.Unlock()
			return false
		}
		t.remember(ev.ExecID)
	}

	ord := t.lookupLocked(ev.ClientOrderID, ev.OrderID)
	if ord == nil {
		ord = &domain.Order{
			ClientOrderID:   ev.ClientOrderID,
			ExchangeOrderID: ev.OrderID,
			Pair:            ev.Symbol,
			Side:            ev.Side,
			Type:            ev.OrderType,
			Volume:          ev.OrderQty,
			Price:           ev.LimitPrice,
			CreatedAt:       ev.At,
		}
		if ord.ClientOrderID == "" {
			ord.ClientOrderID = ev.OrderID
		}
		t.orders[ord.ClientOrderID] = ord
	}
	if ev.OrderID != "" && ord.ExchangeOrderID == "" {
		ord.ExchangeOrderID = ev.OrderID
	}
	if ord.ExchangeOrderID != "" {
		t.byExchange[ord.ExchangeOrderID] = ord.ClientOrderID
	}
	if ord.Volume.IsZero() && ev.OrderQty.IsPositive() {
		ord.Volume = ev.OrderQty
	}

	status := ev.OrderStatus
	if status == "" {
		status = ord.Status
	}
	changed := ord.Observe(domain.Observation{
		Status:       status,
		Source:       domain.SourceStream,
		FilledVolume: ev.CumQty,
		At:           ev.At,
		Note:         ev.ExecType,
	})
	if ev.AvgPrice.IsPositive() {
		ord.AvgFillPrice = ev.AvgPrice
	}

	if ev.IsFill() && !(ev.IsSnapshot() && ev.At.Before(t.since)) {
		pos := t.positionLocked(ord.Pair)
		pos.ApplyFill(ord.Side, ev.LastQty, ev.LastPrice, ev.Fee)
		changed = true
	}
	snap := *ord
	t.mu.Unlock()

	if changed {
		t.notify(snap)
	}
	return changed
}

// Reconcile compares tracked open orders with the exchange's open order
// list. Unknown exchange orders are adopted. It returns the client ids of
// tracked open orders the exchange no longer lists; the caller decides how
// to resolve them (ClosedOrders or the executions snapshot).
func (t *OrderTracker) Reconcile(open []domain.Order) []string {
	listed := make(map[string]struct{}, len(open))
	var updates []domain.Order

	t.mu.Lock()
	for _, remote := range open {
		ord := t.lookupLocked(remote.ClientOrderID, remote.ExchangeOrderID)
		if ord == nil {
			cp := remote
			status := cp.Status
			cp.Status = ""
			if cp.ClientOrderID == "" {
				cp.ClientOrderID = cp.ExchangeOrderID
			}
			cp.Observe(domain.Observation{Status: status, Source: domain.SourceREST, FilledVolume: remote.FilledVolume})
			ord = &cp
			t.orders[cp.ClientOrderID] = ord
			updates = append(updates, *ord)
		} else if ord.Observe(domain.Observation{Status: remote.Status, Source: domain.SourceREST, FilledVolume: remote.FilledVolume}) {
			updates = append(updates, *ord)
		}
		if remote.ExchangeOrderID != "" {
			ord.ExchangeOrderID = remote.ExchangeOrderID
			t.byExchange[remote.ExchangeOrderID] = ord.ClientOrderID
		}
		listed[ord.ClientOrderID] = struct{}{}
	}

	var missing []string
	for id, ord := range t.orders {
		if !ord.IsOpen() {
			continue
		}
		if _, ok := listed[id]; !ok {
			missing = append(missing, id)
		}
	}
	t.mu.Unlock()

	for _, u := range updates {
		t.notify(u)
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		slog.Warn("Tracked orders missing from exchange open orders", slog.Int("count", len(missing)))
	}
	return missing
}

// ApplyBalances stores newer balances.
func (t *OrderTracker) ApplyBalances(bals []domain.Balance) {
	for _, b := range bals {
		t.balances.Apply(b)
	}
}

// Balances is the latest balance per asset.
func (t *OrderTracker) Balances() []domain.Balance {
	return t.balances.Snapshot()
}

// Order returns a copy of the tracked order.
func (t *OrderTracker) Order(clientID string) (domain.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[clientID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OpenOrders returns the orders the exchange has confirmed and not yet
// finished, oldest first.
func (t *OrderTracker) OpenOrders() []domain.Order {
	t.mu.RLock()
	out := make([]domain.Order, 0, len(t.orders))
	for _, o := range t.orders {
		if o.IsOpen() {
			out = append(out, *o)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Position returns the position for pair.
func (t *OrderTracker) Position(pair string) domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.positions[pair]; ok {
		return *p
	}
	return domain.Position{Pair: pair}
}

func (t *OrderTracker) update(clientID string, fn func(o *domain.Order) bool) {
	t.mu.Lock()
	ord, ok := t.orders[clientID]
	if !ok {
		t.mu.Unlock()
		slog.Warn("Update for untracked order", slog.String("cl_ord_id", clientID))
		return
	}
	changed := fn(ord)
	snap := *ord
	t.mu.Unlock()
	if changed {
		t.notify(snap)
	}
}

func (t *OrderTracker) lookupLocked(clientID, txid string) *domain.Order {
	if clientID != "" {
		if o, ok := t.orders[clientID]; ok {
			return o
		}
	}
	if txid != "" {
		if id, ok := t.byExchange[txid]; ok {
			return t.orders[id]
		}
		if o, ok := t.orders[txid]; ok {
			return o
		}
	}
	return nil
}

func (t *OrderTracker) positionLocked(pair string) *domain.Position {
	p, ok := t.positions[pair]
	if !ok {
		p = &domain.Position{Pair: pair}
		t.positions[pair] = p
	}
	return p
}

func (t *OrderTracker) remember(execID string) {
	t.seen[execID] = struct{}{}
	t.seenOrder = append(t.seenOrder, execID)
	if len(t.seenOrder) > maxSeenExecs {
		drop := len(t.seenOrder) - maxSeenExecs
		for _, id := range t.seenOrder[:drop] {
			delete(t.seen, id)
		}
		t.seenOrder = append([]string(nil), t.seenOrder[drop:]...)
	}
}

func (t *OrderTracker) notify(o domain.Order) {
	if t.onUpdate != nil {
		t.onUpdate(o)
	}
}
