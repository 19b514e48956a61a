// Package indicator provides pure functions from bar series to derived
// series: moving averages, oscillators, bands, volatility and regime
// metrics. Inputs shorter than an indicator's warmup return nil; nothing in
// this package errors or panics. Values are float64 throughout; monetary
// accounting elsewhere uses decimals, indicators do not.
//
// Where go-talib covers an indicator we call it; the rest (VWMA, Keltner,
// session VWAP, pivots, Fibonacci levels, Hurst, bandwidth, percentile
// rank) are implemented here with the same aligned-series convention talib
// uses: output has the input's length and the warmup region is zero.
package indicator

import (
	"math"

	"tradecore/pkg/types"
)

// Closes extracts the close series from bars.
func Closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts the high series from bars.
func Highs(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts the low series from bars.
func Lows(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// Volumes extracts the volume series from bars.
func Volumes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// Last returns the final value of a series, or false when it is empty.
func Last(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Crossover reports whether a crossed above b on the most recent value:
// a was at or below b on the previous one and is strictly above now.
func Crossover(a, b []float64) bool {
	n := len(a)
	if n < 2 || len(b) != n {
		return false
	}
	return a[n-2] <= b[n-2] && a[n-1] > b[n-1]
}

// Crossunder reports whether a crossed below b on the most recent value.
func Crossunder(a, b []float64) bool {
	n := len(a)
	if n < 2 || len(b) != n {
		return false
	}
	return a[n-2] >= b[n-2] && a[n-1] < b[n-1]
}
