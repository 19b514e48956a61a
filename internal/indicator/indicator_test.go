package indicator

import (
	"math"
	"math/rand"
	"testing"

	"tradecore/pkg/types"
)

func TestEmptyInputsReturnNil(t *testing.T) {
	t.Parallel()

	if SMA(nil, 10) != nil {
		t.Fatal("SMA of empty series should be nil")
	}
	if EMA([]float64{1, 2}, 10) != nil {
		t.Fatal("EMA below warmup should be nil")
	}
	if RSI(nil, 14) != nil {
		t.Fatal("RSI of empty series should be nil")
	}
	if u, m, l := Bollinger(nil, 20, 2); u != nil || m != nil || l != nil {
		t.Fatal("Bollinger of empty series should be nil")
	}
	if ATR(nil, nil, nil, 14) != nil {
		t.Fatal("ATR of empty series should be nil")
	}
	if macd, sig, hist := MACD([]float64{1}, 12, 26, 9); macd != nil || sig != nil || hist != nil {
		t.Fatal("MACD below warmup should be nil")
	}
	if _, ok := Hurst([]float64{1, 2, 3}); ok {
		t.Fatal("Hurst below warmup should report false")
	}
}

// The rolling SMA of period N must equal the naive mean of the last N
// closes, for arbitrary inputs.
func TestSMAMatchesNaiveMean(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		n := 2 + rng.Intn(30)
		length := n + rng.Intn(100)
		closes := make([]float64, length)
		for i := range closes {
			closes[i] = 1000 + rng.Float64()*100
		}

		sma := SMA(closes, n)
		if sma == nil {
			t.Fatalf("trial %d: SMA returned nil for len %d period %d", trial, length, n)
		}

		var naive float64
		for _, c := range closes[len(closes)-n:] {
			naive += c
		}
		naive /= float64(n)

		got := sma[len(sma)-1]
		if math.Abs(got-naive) > 1e-6 {
			t.Fatalf("trial %d: SMA(%d) last = %v, naive mean = %v", trial, n, got, naive)
		}
	}
}

func TestCrossoverDetection(t *testing.T) {
	t.Parallel()

	fast := []float64{1, 2, 4}
	slow := []float64{3, 3, 3}
	if !Crossover(fast, slow) {
		t.Fatal("fast crossing above slow not detected")
	}
	if Crossunder(fast, slow) {
		t.Fatal("crossunder reported on an upward cross")
	}
	if Crossover(slow, fast) {
		t.Fatal("crossover reported for the slow line")
	}
	// Touch without crossing is not a cross.
	if Crossover([]float64{3, 3}, []float64{3, 3}) {
		t.Fatal("equal series reported as crossing")
	}
}

func TestVWMAWeighting(t *testing.T) {
	t.Parallel()

	closes := []float64{10, 20, 30}
	volumes := []float64{1, 1, 2}
	out := VWMA(closes, volumes, 3)
	if out == nil {
		t.Fatal("VWMA returned nil")
	}
	// (10 + 20 + 60) / 4 = 22.5
	if math.Abs(out[2]-22.5) > 1e-9 {
		t.Fatalf("VWMA last = %v, want 22.5", out[2])
	}
}

func TestSessionVWAP(t *testing.T) {
	t.Parallel()

	bars := []types.Bar{
		{High: 12, Low: 8, Close: 10, Volume: 1},
		{High: 22, Low: 18, Close: 20, Volume: 3},
	}
	out := SessionVWAP(bars)
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	// typicals 10 and 20; (10*1 + 20*3) / 4 = 17.5
	if math.Abs(out[1]-17.5) > 1e-9 {
		t.Fatalf("session VWAP = %v, want 17.5", out[1])
	}
}

func TestPercentileRank(t *testing.T) {
	t.Parallel()

	series := []float64{1, 2, 3, 4, 10}
	out := PercentileRank(series, 4)
	if out == nil {
		t.Fatal("PercentileRank returned nil")
	}
	// 10 is above all 4 preceding values.
	if out[4] != 100 {
		t.Fatalf("rank of max = %v, want 100", out[4])
	}

	series = []float64{5, 5, 5, 5, 1}
	out = PercentileRank(series, 4)
	if out[4] != 0 {
		t.Fatalf("rank of min = %v, want 0", out[4])
	}
}

func TestVolumeROC(t *testing.T) {
	t.Parallel()

	out := VolumeROC([]float64{100, 100, 150}, 2)
	if out == nil {
		t.Fatal("VolumeROC returned nil")
	}
	if math.Abs(out[2]-50) > 1e-9 {
		t.Fatalf("volume ROC = %v, want 50", out[2])
	}
}

func TestPivotPoints(t *testing.T) {
	t.Parallel()

	p := PivotPoints(110, 90, 100)
	if p.P != 100 {
		t.Fatalf("pivot = %v, want 100", p.P)
	}
	if p.R1 != 110 || p.S1 != 90 {
		t.Fatalf("R1/S1 = %v/%v, want 110/90", p.R1, p.S1)
	}
	if p.R2 != 120 || p.S2 != 80 {
		t.Fatalf("R2/S2 = %v/%v, want 120/80", p.R2, p.S2)
	}
}

func TestFibonacciRetracements(t *testing.T) {
	t.Parallel()

	levels := FibonacciRetracements(200, 100)
	if got := levels[0.5]; got != 150 {
		t.Fatalf("50%% retracement = %v, want 150", got)
	}
	if got := levels[0.236]; math.Abs(got-176.4) > 1e-9 {
		t.Fatalf("23.6%% retracement = %v, want 176.4", got)
	}
}

func TestHurstSeparatesRegimes(t *testing.T) {
	t.Parallel()

	// Smooth persistent drift: cumulative deviations grow with window size.
	trending := make([]float64, 512)
	px := 100.0
	for i := range trending {
		px *= math.Exp(0.01 + 0.002*math.Sin(float64(i)/50))
		trending[i] = px
	}
	h, ok := Hurst(trending)
	if !ok {
		t.Fatal("Hurst failed on trending series")
	}
	if h < 0.7 {
		t.Fatalf("trending series H = %v, want > 0.7", h)
	}

	// Strict alternation: every deviation is immediately undone.
	alternating := make([]float64, 512)
	for i := range alternating {
		if i%2 == 0 {
			alternating[i] = 100
		} else {
			alternating[i] = 101
		}
	}
	h, ok = Hurst(alternating)
	if !ok {
		t.Fatal("Hurst failed on alternating series")
	}
	if h > 0.3 {
		t.Fatalf("alternating series H = %v, want < 0.3", h)
	}
}

func TestKeltnerOrdering(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	n := 64
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	px := 100.0
	for i := 0; i < n; i++ {
		px += rng.Float64()*2 - 1
		closes[i] = px
		highs[i] = px + 1
		lows[i] = px - 1
	}

	upper, middle, lower := Keltner(highs, lows, closes, 20, 2)
	if upper == nil {
		t.Fatal("Keltner returned nil")
	}
	last := n - 1
	if !(lower[last] < middle[last] && middle[last] < upper[last]) {
		t.Fatalf("band ordering broken: %v %v %v", lower[last], middle[last], upper[last])
	}
}
