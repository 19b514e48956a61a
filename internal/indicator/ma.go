package indicator

import "github.com/markcheno/go-talib"

// SMA returns the simple moving average of period n.
func SMA(closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n {
		return nil
	}
	return talib.Sma(closes, n)
}

// EMA returns the exponential moving average of period n.
func EMA(closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n {
		return nil
	}
	return talib.Ema(closes, n)
}

// WMA returns the linearly weighted moving average of period n.
func WMA(closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n {
		return nil
	}
	return talib.Wma(closes, n)
}

// VWMA returns the volume-weighted moving average of period n. Windows with
// zero total volume fall back to the plain mean of the window.
func VWMA(closes, volumes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n || len(volumes) != len(closes) {
		return nil
	}
	out := make([]float64, len(closes))
	for i := n - 1; i < len(closes); i++ {
		var pv, v float64
		for j := i - n + 1; j <= i; j++ {
			pv += closes[j] * volumes[j]
			v += volumes[j]
		}
		if v > 0 {
			out[i] = pv / v
		} else {
			var sum float64
			for j := i - n + 1; j <= i; j++ {
				sum += closes[j]
			}
			out[i] = sum / float64(n)
		}
	}
	return out
}
