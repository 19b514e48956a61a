package indicator

// Pivots holds classic floor-trader pivot levels computed from the previous
// period's high, low, and close.
type Pivots struct {
	P  float64
	R1 float64
	R2 float64
	R3 float64
	S1 float64
	S2 float64
	S3 float64
}

// PivotPoints computes classic pivots from one period's high/low/close.
func PivotPoints(high, low, close float64) Pivots {
	p := (high + low + close) / 3
	return Pivots{
		P:  p,
		R1: 2*p - low,
		S1: 2*p - high,
		R2: p + (high - low),
		S2: p - (high - low),
		R3: high + 2*(p-low),
		S3: low - 2*(high-p),
	}
}

// FibLevels are the standard retracement ratios.
var FibLevels = []float64{0.236, 0.382, 0.5, 0.618, 0.786}

// FibonacciRetracements returns the retracement prices between a swing high
// and swing low, keyed by ratio. For an up swing (high > low) the levels
// descend from the high; for a down swing they ascend from the low.
func FibonacciRetracements(high, low float64) map[float64]float64 {
	span := high - low
	out := make(map[float64]float64, len(FibLevels))
	for _, ratio := range FibLevels {
		out[ratio] = high - span*ratio
	}
	return out
}
