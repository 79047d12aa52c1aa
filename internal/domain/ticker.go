package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the top of book and 24h stats for one pair.
type Ticker struct {
	Symbol    string          `json:"symbol"` // "XLM/USD"
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume24h decimal.Decimal `json:"volume"`
	High24h   decimal.Decimal `json:"high"`
	Low24h    decimal.Decimal `json:"low"`
	Time      time.Time       `json:"time"`
}

// Mid returns the bid/ask midpoint, or Last when the book is one-sided.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return t.Last
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// SpreadBps returns the spread in basis points of the mid price.
func (t Ticker) SpreadBps() decimal.Decimal {
	mid := t.Mid()
	if mid.IsZero() || t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(10_000))
}
