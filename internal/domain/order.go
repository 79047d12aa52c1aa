package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the order kind.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the exchange-confirmed lifecycle of an order.
type OrderStatus string

const (
	// StatusSubmitted is local only: sent, not yet acknowledged.
	StatusSubmitted       OrderStatus = "submitted"
	StatusPendingNew      OrderStatus = "pending_new"
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusExpired         OrderStatus = "expired"
	StatusRejected        OrderStatus = "rejected"
)

func (s OrderStatus) rank() int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusPendingNew:
		return 1
	case StatusNew:
		return 2
	case StatusPartiallyFilled:
		return 3
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool { return s.rank() == 4 }

// Source tells where an observation came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceREST   Source = "rest"
	SourceStream Source = "stream"
)

// Observation is one recorded fact about an order.
type Observation struct {
	Status       OrderStatus
	Source       Source
	FilledVolume decimal.Decimal
	At           time.Time
	Note         string
}

// Order is a PendingOrder until the exchange confirms it, then an open order
// until terminal. Status only changes through Observe.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	Side            Side
	Type            OrderType
	Volume          decimal.Decimal
	Price           decimal.Decimal // zero for market orders
	FilledVolume    decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time

	observations []Observation
}

// Observe appends obs and advances Status. Observations that would move
// the order backwards (a stale snapshot after a fill, anything after a
// terminal state) are kept in the history but do not change Status.
// It reports whether Status or the filled volume changed.
func (o *Order) Observe(obs Observation) bool {
	if obs.At.IsZero() {
		obs.At = time.Now()
	}
	o.observations = append(o.observations, obs)

	if o.Status.Terminal() || obs.Status.rank() < o.Status.rank() {
		return false
	}
	changed := obs.Status != o.Status
	if obs.FilledVolume.GreaterThan(o.FilledVolume) {
		o.FilledVolume = obs.FilledVolume
		changed = true
	}
	o.Status = obs.Status
	return changed
}

// Observations returns a copy of the history.
func (o *Order) Observations() []Observation {
	out := make([]Observation, len(o.observations))
	copy(out, o.observations)
	return out
}

// IsOpen checks if the order is still active on the exchange.
func (o *Order) IsOpen() bool {
	return o.Status == StatusPendingNew || o.Status == StatusNew || o.Status == StatusPartiallyFilled
}

// Remaining is the unfilled volume.
func (o *Order) Remaining() decimal.Decimal {
	r := o.Volume.Sub(o.FilledVolume)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
