package strategy

import (
	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
)

// Strategy defines the interface for trading logic.
type Strategy interface {
	// OnMarketUpdate is called for every ticker update. The returned orders
	// are placed by the session; they need no client order id.
	OnMarketUpdate(t domain.Ticker) []domain.Order

	// OnOrderUpdate is called when an order status changes (Filled, Canceled, etc).
	OnOrderUpdate(order domain.Order)
}

// Idle watches the market and never trades.
type Idle struct{}

func (Idle) OnMarketUpdate(domain.Ticker) []domain.Order { return nil }
func (Idle) OnOrderUpdate(domain.Order)                  {}
