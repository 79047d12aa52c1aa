package domain

import "testing"

func TestTicker_MidAndSpread(t *testing.T) {
	t.Run("Two-sided", func(t *testing.T) {
		tk := Ticker{Bid: d("99"), Ask: d("101"), Last: d("100.5")}
		if !tk.Mid().Equal(d("100")) {
			t.Errorf("Expected mid 100, got %s", tk.Mid())
		}
		if !tk.SpreadBps().Equal(d("200")) {
			t.Errorf("Expected 200 bps, got %s", tk.SpreadBps())
		}
	})

	t.Run("Safety: One-sided book", func(t *testing.T) {
		tk := Ticker{Ask: d("101"), Last: d("100.5")}
		if !tk.Mid().Equal(d("100.5")) {
			t.Errorf("Expected last as mid, got %s", tk.Mid())
		}
		if !tk.SpreadBps().IsZero() {
			t.Error("Spread should be zero without a bid")
		}
	})
}
