package domain

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one asset's holding as last reported by the exchange.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Hold      decimal.Decimal // reserved by open orders, when reported
	UpdatedAt time.Time
}

// Available is Total minus Hold, never negative.
func (b Balance) Available() decimal.Decimal {
	a := b.Total.Sub(b.Hold)
	if a.IsNegative() {
		return decimal.Zero
	}
	return a
}

// BalanceBook is the latest balance per asset. Thread-safe.
// Updates older than the stored one are ignored.
type BalanceBook struct {
	mu       sync.RWMutex
	balances map[string]Balance
}

// NewBalanceBook creates an empty book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]Balance)}
}

// Apply stores b unless a newer value for the asset is already held.
func (bb *BalanceBook) Apply(b Balance) bool {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if cur, ok := bb.balances[b.Asset]; ok && b.UpdatedAt.Before(cur.UpdatedAt) {
		return false
	}
	bb.balances[b.Asset] = b
	return true
}

// Get returns the balance for asset.
func (bb *BalanceBook) Get(asset string) (Balance, bool) {
	bb.mu.RLock()
	defer bb.mu.RUnlock()
	b, ok := bb.balances[asset]
	return b, ok
}

// Snapshot returns all balances sorted by asset.
func (bb *BalanceBook) Snapshot() []Balance {
	bb.mu.RLock()
	defer bb.mu.RUnlock()
	out := make([]Balance, 0, len(bb.balances))
	for _, b := range bb.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
