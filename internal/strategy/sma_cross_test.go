package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/strategy"
)

func TestSMACrossStrategy(t *testing.T) {
	// Setup: Short=3, Long=5
	strat, err := strategy.NewSMACrossStrategy("XLM/USD", 3, 5, decimal.NewFromInt(50))
	if err != nil {
		t.Fatal(err)
	}

	push := func(price int64) []domain.Order {
		p := decimal.NewFromInt(price)
		return strat.OnMarketUpdate(domain.Ticker{Symbol: "XLM/USD", Bid: p, Ask: p})
	}

	// T1-T5: All 100 (S=100, L=100). No previous SMA yet.
	for i := 0; i < 5; i++ {
		if orders := push(100); len(orders) > 0 {
			t.Errorf("T%d: Expected no orders, got %v", i, orders)
		}
	}

	// T6: 200 -> Short 133 > Long 120 => GOLDEN CROSS (BUY)
	orders := push(200)
	if len(orders) != 1 {
		t.Fatalf("T6: Expected 1 order (BUY), got %d", len(orders))
	}
	if orders[0].Side != domain.SideBuy || orders[0].Type != domain.OrderTypeMarket {
		t.Errorf("T6: Expected market BUY, got %s %s", orders[0].Type, orders[0].Side)
	}
	if !orders[0].Volume.Equal(decimal.NewFromInt(50)) {
		t.Errorf("T6: Expected volume 50, got %s", orders[0].Volume)
	}

	// BUY completes.
	strat.OnOrderUpdate(domain.Order{Pair: "XLM/USD", Status: domain.StatusFilled})

	// T7: 50 -> Short 116 > Long 110, still above.
	if orders := push(50); len(orders) != 0 {
		t.Errorf("T7: Expected no orders, got %v", orders)
	}

	// T8: 0 -> Short 83 < Long 90 => DEAD CROSS (SELL)
	orders = push(0)
	if len(orders) != 1 {
		t.Fatalf("T8: Expected 1 order (SELL), got %d", len(orders))
	}
	if orders[0].Side != domain.SideSell {
		t.Errorf("T8: Expected SELL, got %s", orders[0].Side)
	}
}

func TestSMACrossStrategy_OneOrderInFlight(t *testing.T) {
	strat, _ := strategy.NewSMACrossStrategy("XLM/USD", 1, 2, decimal.NewFromInt(1))
	push := func(price int64) int {
		p := decimal.NewFromInt(price)
		return len(strat.OnMarketUpdate(domain.Ticker{Symbol: "XLM/USD", Last: p}))
	}

	push(100)
	push(100)
	if n := push(200); n != 1 {
		t.Fatalf("Expected BUY, got %d orders", n)
	}
	push(50) // cross down while BUY is open
	if n := push(300); n != 0 {
		t.Errorf("Expected no order while one is pending, got %d", n)
	}
}

func TestSMACrossStrategy_IgnoresOtherSymbols(t *testing.T) {
	strat, _ := strategy.NewSMACrossStrategy("XLM/USD", 1, 2, decimal.NewFromInt(1))
	for i := int64(1); i < 10; i++ {
		p := decimal.NewFromInt(i * i)
		if orders := strat.OnMarketUpdate(domain.Ticker{Symbol: "BTC/USD", Last: p}); len(orders) != 0 {
			t.Fatalf("Expected no orders for other symbol, got %v", orders)
		}
	}
}

func TestNewSMACrossStrategy_Rejects(t *testing.T) {
	if _, err := strategy.NewSMACrossStrategy("X", 5, 5, decimal.NewFromInt(1)); err == nil {
		t.Error("Expected error for short >= long")
	}
	if _, err := strategy.NewSMACrossStrategy("X", 1, 5, decimal.Zero); err == nil {
		t.Error("Expected error for zero volume")
	}
}

func TestIdle(t *testing.T) {
	var s strategy.Strategy = strategy.Idle{}
	if orders := s.OnMarketUpdate(domain.Ticker{Symbol: "XLM/USD"}); orders != nil {
		t.Errorf("Expected no orders, got %v", orders)
	}
}
