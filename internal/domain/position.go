package domain

import "github.com/shopspring/decimal"

// Position is the net exposure built from confirmed fills.
type Position struct {
	Pair          string
	Volume        decimal.Decimal // Positive for Long, Negative for Short.
	AvgEntryPrice decimal.Decimal // Weighted Average Entry Price.
	RealizedPnL   decimal.Decimal
	Fees          decimal.Decimal
}

// IsLong checks if the position is Long.
func (p *Position) IsLong() bool {
	return p.Volume.IsPositive()
}

// IsShort checks if the position is Short.
func (p *Position) IsShort() bool {
	return p.Volume.IsNegative()
}

// ApplyFill updates the position with one execution.
func (p *Position) ApplyFill(side Side, qty, price, fee decimal.Decimal) {
	signed := qty
	if side == SideSell {
		signed = qty.Neg()
	}
	p.Fees = p.Fees.Add(fee)

	switch {
	case p.Volume.IsZero() || p.Volume.Sign() == signed.Sign():
		// Opening or adding: re-weight the entry price.
		total := p.Volume.Abs().Add(qty)
		if !total.IsZero() {
			p.AvgEntryPrice = p.AvgEntryPrice.Mul(p.Volume.Abs()).Add(price.Mul(qty)).Div(total)
		}
		p.Volume = p.Volume.Add(signed)

	default:
		// Reducing, closing or flipping.
		closing := decimal.Min(qty, p.Volume.Abs())
		pnl := price.Sub(p.AvgEntryPrice).Mul(closing)
		if p.IsShort() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Volume = p.Volume.Add(signed)
		if p.Volume.IsZero() {
			p.AvgEntryPrice = decimal.Zero
		} else if p.Volume.Sign() == signed.Sign() {
			// Flipped: the remainder opened at this price.
			p.AvgEntryPrice = price
		}
	}
}
