package orders

import (
	"github.com/shopspring/decimal"
)

// RoundToTick snaps a price onto the contract tick grid using half-to-even
// rounding, so systematic strategies don't drift directionally on the
// midpoint case. tick <= 0 returns the price unchanged.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t).RoundBank(0)
	out, _ := steps.Mul(t).Float64()
	return out
}

// AlignedToTick reports whether a price sits exactly on the tick grid.
func AlignedToTick(price, tick float64) bool {
	if tick <= 0 {
		return true
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	return p.Mod(t).IsZero()
}

// TicksBetween returns the signed distance from a to b in ticks.
func TicksBetween(a, b, tick float64) float64 {
	if tick <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(b).Sub(decimal.NewFromFloat(a)).Div(decimal.NewFromFloat(tick))
	out, _ := d.Float64()
	return out
}
