package indicator

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// hurstMinLen is the smallest series the R/S estimate accepts; shorter
// inputs have too few window sizes for a stable log-log fit.
const hurstMinLen = 64

// Hurst estimates the Hurst exponent of a price series by rescaled-range
// analysis: compute R/S over a ladder of window sizes and fit
// log(R/S) ~ H · log(n). H ≈ 0.5 is a random walk, H > 0.5 trending,
// H < 0.5 mean-reverting. Returns false when the series is too short or
// degenerate (zero variance).
func Hurst(closes []float64) (float64, bool) {
	if len(closes) < hurstMinLen {
		return 0, false
	}

	// Work on log returns so the estimate is scale-free.
	rets := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return 0, false
		}
		rets[i-1] = math.Log(closes[i] / closes[i-1])
	}

	var logN, logRS []float64
	for n := 8; n <= len(rets)/2; n *= 2 {
		rs := avgRescaledRange(rets, n)
		if rs <= 0 {
			continue
		}
		logN = append(logN, math.Log(float64(n)))
		logRS = append(logRS, math.Log(rs))
	}
	if len(logN) < 3 {
		return 0, false
	}

	_, h := stat.LinearRegression(logN, logRS, nil, false)
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0, false
	}
	return h, true
}

// avgRescaledRange averages R/S over all non-overlapping windows of size n.
func avgRescaledRange(rets []float64, n int) float64 {
	var sum float64
	var count int
	for start := 0; start+n <= len(rets); start += n {
		window := rets[start : start+n]
		mean := stat.Mean(window, nil)

		// Range of the mean-adjusted cumulative sum.
		var cum, minCum, maxCum float64
		for _, r := range window {
			cum += r - mean
			if cum < minCum {
				minCum = cum
			}
			if cum > maxCum {
				maxCum = cum
			}
		}
		sd := stat.StdDev(window, nil)
		if sd <= 0 {
			continue
		}
		sum += (maxCum - minCum) / sd
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
