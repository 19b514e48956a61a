package indicator

import "github.com/markcheno/go-talib"

// MACD returns the MACD line, signal line, and histogram.
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(closes) < slow+signal {
		return nil, nil, nil
	}
	return talib.Macd(closes, fast, slow, signal)
}

// ADX returns the average directional index of period n. Values above ~25
// indicate a trending market.
func ADX(highs, lows, closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < 2*n || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return talib.Adx(highs, lows, closes, n)
}

// ParabolicSAR returns the parabolic stop-and-reverse series.
func ParabolicSAR(highs, lows []float64, accel, maxAccel float64) []float64 {
	if len(highs) < 2 || len(highs) != len(lows) || accel <= 0 || maxAccel < accel {
		return nil
	}
	return talib.Sar(highs, lows, accel, maxAccel)
}

// Momentum returns close[i] - close[i-n].
func Momentum(closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n+1 {
		return nil
	}
	return talib.Mom(closes, n)
}

// ROC returns the rate of change over n periods, in percent.
func ROC(closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n+1 {
		return nil
	}
	return talib.Roc(closes, n)
}
