package strategy

import (
	"math"
	"testing"

	"tradecore/pkg/types"
)

// sineBars builds a smooth price cycle: close(i) = 50000 + 2000·sin(i/5),
// open chained to the prior close. One full period is about 31 bars.
func sineBars(symbol string, tf types.Timeframe, n int) []types.Bar {
	bars := make([]types.Bar, 0, n)
	open := 50000.0
	for i := 0; i < n; i++ {
		cl := 50000 + 2000*math.Sin(float64(i)/5)
		bars = append(bars, mkBar(symbol, tf, i, open, cl, 120))
		open = cl
	}
	return bars
}

func TestDualSMAGoldenAndDeathCross(t *testing.T) {
	t.Parallel()
	const sym = "BTCUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "dual_sma", []string{sym}, "1h", map[string]any{
		"short": 10, "long": 20, "stop_pct": 0.01,
	})

	bars := sineBars(sym, types.TF1h, 50)
	out := feedBars(m, ctx, s, bars)

	// The 10/20 averages of this cycle cross up exactly once, at bar 34,
	// and cross down exactly once, at bar 49.
	onlyAt(t, out, 34, 49)

	golden := out[34]
	if len(golden) != 1 {
		t.Fatalf("golden cross batch = %d signals, want 1", len(golden))
	}
	wantSignal(t, golden[0], types.Buy, types.IntentOpen)
	wantStop(t, golden[0], bars[34].Close*0.99, 1e-6)
	if golden[0].Urgency != 0.5 {
		t.Fatalf("urgency = %v, want 0.5", golden[0].Urgency)
	}

	death := out[49]
	if len(death) != 2 {
		t.Fatalf("death cross batch = %d signals, want 2", len(death))
	}
	wantSignal(t, death[0], types.Sell, types.IntentClose)
	wantSignal(t, death[1], types.Sell, types.IntentOpen)
	wantStop(t, death[1], bars[49].Close*1.01, 1e-6)
}

func TestDualSMAIgnoresCrossIntoHeldSide(t *testing.T) {
	t.Parallel()
	const sym = "BTCUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "dual_sma", []string{sym}, "1h", map[string]any{
		"short": 10, "long": 20, "stop_pct": 0.01,
	})
	// A restored long position must not re-enter on the same golden cross.
	if err := s.RestoreState([]byte(`{"BTCUSDT":"buy"}`)); err != nil {
		t.Fatalf("restore: %v", err)
	}

	bars := sineBars(sym, types.TF1h, 35)
	m.setBars(sym, types.TF1h, bars)
	if sigs := s.OnBar(ctx, bars[34]); len(sigs) != 0 {
		t.Fatalf("held-side cross emitted %d signals, want 0", len(sigs))
	}
}

func TestMACDAlternatesWithTheCycle(t *testing.T) {
	t.Parallel()
	const sym = "ETHUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "macd", []string{sym}, "4h", map[string]any{
		"fast": 12, "slow": 26, "signal": 9, "stop_pct": 0.02,
	})

	bars := sineBars(sym, types.TF4h, 100)
	out := feedBars(m, ctx, s, bars)

	var batches [][]types.Signal
	for i := 0; i < len(bars); i++ {
		if sigs, ok := out[i]; ok {
			batches = append(batches, sigs)
		}
	}
	if len(batches) < 2 {
		t.Fatalf("got %d signal batches over a three-period cycle, want at least 2", len(batches))
	}

	// First entry from flat is a single open; every later flip pairs a
	// close with the opposite open, and the sides must alternate.
	first := batches[0]
	if len(first) != 1 || first[0].Intent != types.IntentOpen {
		t.Fatalf("first batch = %+v, want a single open", first)
	}
	held := first[0].Side
	for _, b := range batches[1:] {
		if len(b) != 2 {
			t.Fatalf("flip batch = %d signals, want close+open", len(b))
		}
		wantSignal(t, b[0], held.Opposite(), types.IntentClose)
		wantSignal(t, b[1], held.Opposite(), types.IntentOpen)
		held = b[1].Side
	}
}
