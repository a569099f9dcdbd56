// Technical indicators over closed bars.
//
//   - SMA(bars, n) – simple moving average of Close
//   - RSI(bars, n) – relative strength index (Wilder's smoothing)
//   - ATR(bars, n) – average true range (Wilder's smoothing)
//
// Outputs are aligned to input length; indices before the first full window
// are NaN. Keep these allocation-light, they run on every cycle.
package strategy

import (
	"math"

	"topstepx-engine/pkg/types"
)

// SMA returns the n-period simple moving average of Close, aligned to bars.
func SMA(bars []types.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if n <= 0 || len(bars) < n {
		return out
	}
	var sum float64
	for i := range bars {
		sum += bars[i].Close
		if i >= n {
			sum -= bars[i-n].Close
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// RSI returns the n-period relative strength index using Wilder's smoothing.
func RSI(bars []types.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if n <= 0 || len(bars) <= n {
		return out
	}
	var gain, loss float64
	for i := 1; i < len(bars); i++ {
		d := bars[i].Close - bars[i-1].Close
		if i <= n {
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
			if i == n {
				out[i] = rsiValue(gain/float64(n), loss/float64(n))
				gain /= float64(n)
				loss /= float64(n)
			}
			continue
		}
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(n-1) + up) / float64(n)
		loss = (loss*float64(n-1) + down) / float64(n)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the n-period average true range using Wilder's smoothing. The
// true range of bar i is max(high-low, |high-prevClose|, |low-prevClose|).
func ATR(bars []types.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if n <= 0 || len(bars) <= n {
		return out
	}
	var atr float64
	for i := 1; i < len(bars); i++ {
		tr := trueRange(bars[i], bars[i-1].Close)
		if i <= n {
			atr += tr
			if i == n {
				atr /= float64(n)
				out[i] = atr
			}
			continue
		}
		atr = (atr*float64(n-1) + tr) / float64(n)
		out[i] = atr
	}
	return out
}

func trueRange(b types.Bar, prevClose float64) float64 {
	tr := b.High - b.Low
	if d := math.Abs(b.High - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(b.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// Last returns the final value of an indicator series, or NaN when empty.
func Last(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return xs[len(xs)-1]
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
