package strategy

import (
	"math"
	"strings"
	"testing"

	"tradecore/pkg/types"
)

// feedPair replays two aligned legs bar by bar, leg B landing first. The
// callback on B must never evaluate (leg A is still one bar behind); the
// callback on A carries the evaluation for that timestamp.
func feedPair(t *testing.T, m *stubMarket, ctx *Context, s Strategy, symA, symB string, tf types.Timeframe, aPx, bPx []float64) map[int][]types.Signal {
	t.Helper()
	out := make(map[int][]types.Signal)
	var aBars, bBars []types.Bar
	for i := range aPx {
		bBar := mkBar(symB, tf, i, bPx[i], bPx[i], 100)
		bBars = append(bBars, bBar)
		m.setBars(symB, tf, bBars)
		if sigs := s.OnBar(ctx, bBar); len(sigs) != 0 {
			t.Fatalf("bar %d: leg %s evaluated while %s was stale: %+v", i, symB, symA, sigs)
		}

		aBar := mkBar(symA, tf, i, aPx[i], aPx[i], 100)
		aBars = append(aBars, aBar)
		m.setBars(symA, tf, aBars)
		if sigs := s.OnBar(ctx, aBar); len(sigs) != 0 {
			out[i] = sigs
		}
	}
	return out
}

func TestPairsTradesACointegrationCycle(t *testing.T) {
	t.Parallel()
	const symA, symB = "AAAUSDT", "BBBUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "pairs", []string{symA, symB}, "1h", map[string]any{
		"lookback": 30, "entry_z": 2.0, "exit_z": 0.5, "max_half_life": 50,
	})

	// Leg B follows a slow cycle, leg A twice B plus a residual: alternating
	// noise for thirty bars, then a -4 shock that decays geometrically. The
	// z-score hits -4.6 on the shock bar and is back inside 0.5 four bars
	// later.
	n := 46
	aPx := make([]float64, n)
	bPx := make([]float64, n)
	res := make([]float64, n)
	for i := 0; i < n; i++ {
		bPx[i] = 100 + 2*math.Sin(float64(i)/7)
		if i < 30 {
			res[i] = 0.3
			if i%2 == 1 {
				res[i] = -0.3
			}
		} else {
			res[i] = -4 * math.Pow(0.8, float64(i-30))
		}
		aPx[i] = 2*bPx[i] + res[i]
	}

	out := feedPair(t, m, ctx, s, symA, symB, types.TF1h, aPx, bPx)
	onlyAt(t, out, 30, 34)

	entry := out[30]
	if len(entry) != 2 {
		t.Fatalf("entry batch = %d signals, want 2", len(entry))
	}
	wantSignal(t, entry[0], types.Buy, types.IntentOpen)
	wantSignal(t, entry[1], types.Sell, types.IntentOpen)
	if entry[0].Symbol != symA || entry[1].Symbol != symB {
		t.Fatalf("entry symbols = %s/%s, want %s/%s", entry[0].Symbol, entry[1].Symbol, symA, symB)
	}
	// Legs carry no stop; each is sized by the risk pipeline on its own.
	if !entry[0].StopLossPx.IsZero() || !entry[1].StopLossPx.IsZero() {
		t.Fatal("pair legs must not carry stops")
	}

	unwind := out[34]
	if len(unwind) != 2 {
		t.Fatalf("unwind batch = %d signals, want 2", len(unwind))
	}
	wantSignal(t, unwind[0], types.Sell, types.IntentClose)
	wantSignal(t, unwind[1], types.Buy, types.IntentClose)

	// Long the cheap leg, short the rich one: the round trip on this path
	// is profitable at the 2:1 hedge.
	pnl := (aPx[34] - aPx[30]) - 2*(bPx[34]-bPx[30])
	if pnl <= 0 {
		t.Fatalf("round trip pnl = %v, want > 0", pnl)
	}
}

func TestPairsInitializeRequiresTwoSymbols(t *testing.T) {
	t.Parallel()
	reg, ok := lookup("pairs")
	if !ok {
		t.Fatal("pairs not registered")
	}
	opts, err := reg.schema.Validate(nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	opts["symbols"] = []string{"AAAUSDT"}
	opts["timeframe"] = "1h"
	err = reg.factory().Initialize(opts)
	if err == nil || !strings.Contains(err.Error(), "needs exactly two symbols") {
		t.Fatalf("err = %v, want symbol count error", err)
	}
}

func TestSpreadArbRoundTrip(t *testing.T) {
	t.Parallel()
	const symA, symB = "BTCUSDT", "BTCUSDC"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "spread_arb", []string{symA, symB}, "5m", map[string]any{
		"entry_pct": 0.005, "exit_pct": 0.001,
	})

	// Flat, 0.8% rich, then converged to 0.05%.
	out := feedPair(t, m, ctx, s, symA, symB, types.TF5m,
		[]float64{100, 100.8, 100.05}, []float64{100, 100, 100})
	onlyAt(t, out, 1, 2)

	entry := out[1]
	if len(entry) != 2 {
		t.Fatalf("entry batch = %d signals, want 2", len(entry))
	}
	wantSignal(t, entry[0], types.Sell, types.IntentOpen)
	wantSignal(t, entry[1], types.Buy, types.IntentOpen)
	if entry[0].Symbol != symA || entry[1].Symbol != symB {
		t.Fatalf("entry symbols = %s/%s, want rich leg sold", entry[0].Symbol, entry[1].Symbol)
	}

	unwind := out[2]
	if len(unwind) != 2 {
		t.Fatalf("unwind batch = %d signals, want 2", len(unwind))
	}
	wantSignal(t, unwind[0], types.Buy, types.IntentClose)
	wantSignal(t, unwind[1], types.Sell, types.IntentClose)
}

func TestBasisCarryHarvestsRichPerp(t *testing.T) {
	t.Parallel()
	const perp, spot = "BTC-PERP", "BTCUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "basis", []string{perp, spot}, "1h", map[string]any{
		"entry_pct": 0.003, "exit_pct": 0.0005,
	})

	out := feedPair(t, m, ctx, s, perp, spot, types.TF1h,
		[]float64{100.4, 100.02}, []float64{100, 100})
	onlyAt(t, out, 0, 1)

	entry := out[0]
	if len(entry) != 2 {
		t.Fatalf("entry batch = %d signals, want 2", len(entry))
	}
	wantSignal(t, entry[0], types.Sell, types.IntentOpen)
	wantSignal(t, entry[1], types.Buy, types.IntentOpen)
	if entry[0].Symbol != perp || entry[1].Symbol != spot {
		t.Fatalf("entry symbols = %s/%s, want perp sold against spot", entry[0].Symbol, entry[1].Symbol)
	}

	unwind := out[1]
	if len(unwind) != 2 {
		t.Fatalf("unwind batch = %d signals, want 2", len(unwind))
	}
	wantSignal(t, unwind[0], types.Buy, types.IntentClose)
	wantSignal(t, unwind[1], types.Sell, types.IntentClose)
}

func TestBasisCarryReverseGate(t *testing.T) {
	t.Parallel()
	const perp, spot = "ETH-PERP", "ETHUSDT"

	// Discounted perp with reversal disabled: no trade.
	m := newStubMarket()
	s := newFamily(t, "basis", []string{perp, spot}, "1h", map[string]any{
		"entry_pct": 0.003, "exit_pct": 0.0005, "allow_reverse": false,
	})
	out := feedPair(t, m, testCtx(m), s, perp, spot, types.TF1h,
		[]float64{99.5}, []float64{100})
	if len(out) != 0 {
		t.Fatalf("reverse-disabled basis traded a discount: %+v", out)
	}

	// Same tape with reversal allowed buys the perp against spot.
	m2 := newStubMarket()
	s2 := newFamily(t, "basis", []string{perp, spot}, "1h", map[string]any{
		"entry_pct": 0.003, "exit_pct": 0.0005, "allow_reverse": true,
	})
	out2 := feedPair(t, m2, testCtx(m2), s2, perp, spot, types.TF1h,
		[]float64{99.5}, []float64{100})
	onlyAt(t, out2, 0)
	if len(out2[0]) != 2 {
		t.Fatalf("reverse entry batch = %d signals, want 2", len(out2[0]))
	}
	wantSignal(t, out2[0][0], types.Buy, types.IntentOpen)
	wantSignal(t, out2[0][1], types.Sell, types.IntentOpen)
	if out2[0][0].Symbol != perp {
		t.Fatalf("reverse entry buys %s, want %s", out2[0][0].Symbol, perp)
	}
}
