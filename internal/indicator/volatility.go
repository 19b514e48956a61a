package indicator

import "github.com/markcheno/go-talib"

// Bollinger returns the upper, middle, and lower bands for period n and
// standard-deviation multiplier k.
func Bollinger(closes []float64, n int, k float64) (upper, middle, lower []float64) {
	if n <= 0 || k <= 0 || len(closes) < n {
		return nil, nil, nil
	}
	return talib.BBands(closes, n, k, k, talib.SMA)
}

// TrueRange returns the per-bar true range series.
func TrueRange(highs, lows, closes []float64) []float64 {
	if len(closes) < 2 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return talib.TRange(highs, lows, closes)
}

// ATR returns the average true range of period n.
func ATR(highs, lows, closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return talib.Atr(highs, lows, closes, n)
}

// Keltner returns channels built from an EMA midline shifted by a multiple
// of ATR: middle = EMA(close, n), upper/lower = middle ± mult × ATR(n).
func Keltner(highs, lows, closes []float64, n int, mult float64) (upper, middle, lower []float64) {
	if n <= 0 || mult <= 0 || len(closes) < n+1 {
		return nil, nil, nil
	}
	middle = EMA(closes, n)
	atr := ATR(highs, lows, closes, n)
	if middle == nil || atr == nil {
		return nil, nil, nil
	}
	upper = make([]float64, len(closes))
	lower = make([]float64, len(closes))
	for i := range closes {
		upper[i] = middle[i] + mult*atr[i]
		lower[i] = middle[i] - mult*atr[i]
	}
	return upper, middle, lower
}

// BollingerBandwidth returns (upper - lower) / middle, the squeeze metric.
func BollingerBandwidth(closes []float64, n int, k float64) []float64 {
	upper, middle, lower := Bollinger(closes, n, k)
	if upper == nil {
		return nil
	}
	out := make([]float64, len(closes))
	for i := n - 1; i < len(closes); i++ {
		if middle[i] != 0 {
			out[i] = (upper[i] - lower[i]) / middle[i]
		}
	}
	return out
}

// PercentileRank returns, for each value, the fraction of the preceding
// lookback window that is at or below it, in [0, 100]. The first lookback
// values are zero (warmup).
func PercentileRank(series []float64, lookback int) []float64 {
	if lookback <= 0 || len(series) <= lookback {
		return nil
	}
	out := make([]float64, len(series))
	for i := lookback; i < len(series); i++ {
		var below int
		for j := i - lookback; j < i; j++ {
			if series[j] <= series[i] {
				below++
			}
		}
		out[i] = 100 * float64(below) / float64(lookback)
	}
	return out
}

// VolatilityPercentile returns the percentile rank of current ATR within
// the trailing lookback window, or false during warmup. This is the regime
// metric: low percentiles mean a quiet market, high percentiles a stressed
// one.
func VolatilityPercentile(highs, lows, closes []float64, atrPeriod, lookback int) (float64, bool) {
	atr := ATR(highs, lows, closes, atrPeriod)
	if atr == nil {
		return 0, false
	}
	ranked := PercentileRank(atr, lookback)
	if ranked == nil {
		return 0, false
	}
	return ranked[len(ranked)-1], true
}
