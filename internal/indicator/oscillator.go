package indicator

import "github.com/markcheno/go-talib"

// RSI returns the relative strength index of period n.
func RSI(closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n+1 {
		return nil
	}
	return talib.Rsi(closes, n)
}

// Stochastic returns the slow %K and %D lines.
func Stochastic(highs, lows, closes []float64, fastK, slowK, slowD int) (k, d []float64) {
	warmup := fastK + slowK + slowD
	if fastK <= 0 || slowK <= 0 || slowD <= 0 || len(closes) < warmup {
		return nil, nil
	}
	if len(highs) != len(closes) || len(lows) != len(closes) {
		return nil, nil
	}
	return talib.Stoch(highs, lows, closes, fastK, slowK, talib.SMA, slowD, talib.SMA)
}

// WilliamsR returns Williams %R of period n, in [-100, 0].
func WilliamsR(highs, lows, closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return talib.WillR(highs, lows, closes, n)
}

// CCI returns the commodity channel index of period n.
func CCI(highs, lows, closes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return talib.Cci(highs, lows, closes, n)
}
