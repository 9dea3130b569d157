// Package gate holds the entry heuristics the engine consults before a
// trade: BTC trend alignment, institutional score and volatility sizing. The
// indicator helpers are shared with the risk loop.
package gate

import "github.com/triplewz/ironguard/internal/platform/binance"

// SMA returns the simple moving average of the last period values, or 0 when
// there is not enough data.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average of values with the given
// period, seeded from the SMA of the first period values.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	ema := SMA(values[:period], period)
	k := 2 / float64(period+1)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// ATR returns the Wilder average true range over the klines, or 0 when there
// is not enough data.
func ATR(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		cur, prev := klines[i], klines[i-1]
		tr := cur.High - cur.Low
		if d := abs(cur.High - prev.Close); d > tr {
			tr = d
		}
		if d := abs(cur.Low - prev.Close); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}

	atr := SMA(trs[:period], period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

// Closes extracts the close series from klines.
func Closes(klines []binance.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
