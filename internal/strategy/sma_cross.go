package strategy

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
)

// SMACrossStrategy implements a simple SMA Crossover strategy on the ticker
// mid price. It is stateful and deterministic.
// Prices are kept in a ring buffer sized to the long period.
type SMACrossStrategy struct {
	symbol      string
	shortPeriod int
	longPeriod  int
	volume      decimal.Decimal

	mu sync.Mutex
	// State (Ring Buffer)
	prices []decimal.Decimal
	head   int             // Current write position
	count  int             // Number of elements filled
	sum    decimal.Decimal // Running sum over the long period

	prevShortSMA decimal.Decimal
	prevLongSMA  decimal.Decimal

	// pending is set while an order we emitted is not yet terminal.
	pending bool
}

// NewSMACrossStrategy creates a new instance.
func NewSMACrossStrategy(symbol string, shortPeriod, longPeriod int, volume decimal.Decimal) (*SMACrossStrategy, error) {
	if shortPeriod <= 0 || shortPeriod >= longPeriod {
		return nil, fmt.Errorf("SMACrossStrategy: shortPeriod must be positive and less than longPeriod")
	}
	if !volume.IsPositive() {
		return nil, fmt.Errorf("SMACrossStrategy: volume must be positive")
	}
	return &SMACrossStrategy{
		symbol:      symbol,
		shortPeriod: shortPeriod,
		longPeriod:  longPeriod,
		volume:      volume,
		prices:      make([]decimal.Decimal, longPeriod), // Fixed size allocation
	}, nil
}

// OnMarketUpdate processes ticker updates and generates signals.
func (s *SMACrossStrategy) OnMarketUpdate(t domain.Ticker) []domain.Order {
	// 1. Filter by symbol
	if t.Symbol != s.symbol {
		return nil
	}
	price := t.Mid()
	if price.IsZero() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 2. Update Price History (Ring Buffer)
	// If full, subtract the oldest value from sum before overwriting
	if s.count == s.longPeriod {
		s.sum = s.sum.Sub(s.prices[s.head]) // s.head points to the oldest value when full
	}
	s.prices[s.head] = price
	s.sum = s.sum.Add(price)
	s.head = (s.head + 1) % s.longPeriod
	if s.count < s.longPeriod {
		s.count++
	}

	// 3. Check if we have enough data
	if s.count < s.longPeriod {
		return nil
	}

	// 4. Calculate SMAs
	currLongSMA := s.sum.Div(decimal.NewFromInt(int64(s.longPeriod)))
	currShortSMA := s.calculateShortSMA()

	var orders []domain.Order

	// 5. Check for Cross. One order in flight at a time.
	if !s.prevLongSMA.IsZero() && !s.pending {
		var side domain.Side
		switch {
		case s.prevShortSMA.LessThanOrEqual(s.prevLongSMA) && currShortSMA.GreaterThan(currLongSMA):
			side = domain.SideBuy // Golden Cross
		case s.prevShortSMA.GreaterThanOrEqual(s.prevLongSMA) && currShortSMA.LessThan(currLongSMA):
			side = domain.SideSell // Dead Cross
		}
		if side != "" {
			orders = append(orders, domain.Order{
				Pair:   s.symbol,
				Side:   side,
				Type:   domain.OrderTypeMarket,
				Volume: s.volume,
			})
			s.pending = true
		}
	}

	// 6. Update State
	s.prevShortSMA = currShortSMA
	s.prevLongSMA = currLongSMA

	return orders
}

// OnOrderUpdate releases the in-flight guard once our order is finished.
func (s *SMACrossStrategy) OnOrderUpdate(order domain.Order) {
	if order.Pair != s.symbol || !order.Status.Terminal() {
		return
	}
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
}

// calculateShortSMA calculates the SMA for the short period using the ring buffer.
func (s *SMACrossStrategy) calculateShortSMA() decimal.Decimal {
	sum := decimal.Zero
	// Walk backwards from current head (which points to next write slot, so head-1 is latest)
	idx := s.head
	for i := 0; i < s.shortPeriod; i++ {
		idx--
		if idx < 0 {
			idx = s.longPeriod - 1
		}
		sum = sum.Add(s.prices[idx])
	}
	return sum.Div(decimal.NewFromInt(int64(s.shortPeriod)))
}
