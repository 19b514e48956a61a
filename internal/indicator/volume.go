package indicator

import (
	"github.com/markcheno/go-talib"

	"tradecore/pkg/types"
)

// OBV returns the on-balance volume series.
func OBV(closes, volumes []float64) []float64 {
	if len(closes) < 2 || len(volumes) != len(closes) {
		return nil
	}
	return talib.Obv(closes, volumes)
}

// MFI returns the money flow index of period n.
func MFI(highs, lows, closes, volumes []float64, n int) []float64 {
	if n <= 0 || len(closes) < n+1 {
		return nil
	}
	if len(highs) != len(closes) || len(lows) != len(closes) || len(volumes) != len(closes) {
		return nil
	}
	return talib.Mfi(highs, lows, closes, volumes, n)
}

// VolumeROC returns the percent change of volume over n periods. Bars with
// zero reference volume yield zero.
func VolumeROC(volumes []float64, n int) []float64 {
	if n <= 0 || len(volumes) < n+1 {
		return nil
	}
	out := make([]float64, len(volumes))
	for i := n; i < len(volumes); i++ {
		if volumes[i-n] > 0 {
			out[i] = 100 * (volumes[i] - volumes[i-n]) / volumes[i-n]
		}
	}
	return out
}

// SessionVWAP returns the cumulative volume-weighted average price from the
// start of the given bars, using the typical price (H+L+C)/3 per bar.
func SessionVWAP(bars []types.Bar) []float64 {
	if len(bars) == 0 {
		return nil
	}
	out := make([]float64, len(bars))
	var cumPV, cumV float64
	for i, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		cumPV += typical * b.Volume
		cumV += b.Volume
		if cumV > 0 {
			out[i] = cumPV / cumV
		} else {
			out[i] = b.Close
		}
	}
	return out
}
