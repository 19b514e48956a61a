package strategy

import (
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"testing"

	"tradecore/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Shared fakes and helpers
// ————————————————————————————————————————————————————————————————————————

// stubMarket is an in-memory MarketData with settable histories. It also
// implements Subscriber and risk.MarketView so the runtime tests can reuse
// it end to end.
type stubMarket struct {
	mu      sync.Mutex
	bars    map[string][]types.Bar
	tickers map[string]types.Ticker
	books   map[string]types.OrderBook
	subs    map[string]int
}

func newStubMarket() *stubMarket {
	return &stubMarket{
		bars:    map[string][]types.Bar{},
		tickers: map[string]types.Ticker{},
		books:   map[string]types.OrderBook{},
		subs:    map[string]int{},
	}
}

func (m *stubMarket) setBars(symbol string, tf types.Timeframe, bars []types.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[symbol+"|"+string(tf)] = bars
}

func (m *stubMarket) setTicker(symbol string, last float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[symbol] = types.Ticker{Symbol: symbol, Bid: last - 0.5, Ask: last + 0.5, Last: last}
}

func (m *stubMarket) setBook(ob types.OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[ob.Symbol] = ob
}

func (m *stubMarket) History(symbol string, tf types.Timeframe, n int) []types.Bar {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars := m.bars[symbol+"|"+string(tf)]
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars
}

func (m *stubMarket) Ticker(symbol string) (types.Ticker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tk, ok := m.tickers[symbol]
	return tk, ok
}

func (m *stubMarket) Book(symbol string) (types.OrderBook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.books[symbol]
	return ob, ok
}

func (m *stubMarket) Subscribe(symbol string, tf types.Timeframe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[symbol+"|"+string(tf)]++
}

func (m *stubMarket) subscribed(symbol string, tf types.Timeframe) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[symbol+"|"+string(tf)] > 0
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCtx(m *stubMarket) *Context {
	return &Context{Logger: testLogger(), market: m}
}

// newFamily builds and initializes one strategy instance the way the
// runtime does: schema validation first, then the reserved keys.
func newFamily(t *testing.T, name string, symbols []string, tf string, raw map[string]any) Strategy {
	t.Helper()
	reg, ok := lookup(name)
	if !ok {
		t.Fatalf("strategy %q not registered", name)
	}
	opts, err := reg.schema.Validate(raw)
	if err != nil {
		t.Fatalf("validate %s options: %v", name, err)
	}
	opts["symbols"] = symbols
	opts["timeframe"] = tf
	s := reg.factory()
	if err := s.Initialize(opts); err != nil {
		t.Fatalf("initialize %s: %v", name, err)
	}
	return s
}

// barStart is midnight UTC, so it is aligned to every supported timeframe.
const barStart = int64(1_700_006_400_000)

func barHL(symbol string, tf types.Timeframe, i int, open, high, low, cl, vol float64) types.Bar {
	return types.Bar{
		Symbol:    symbol,
		Timeframe: tf,
		TsMs:      barStart + int64(i)*tf.Millis(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cl,
		Volume:    vol,
	}
}

func mkBar(symbol string, tf types.Timeframe, i int, open, cl, vol float64) types.Bar {
	high := math.Max(open, cl) * 1.0005
	low := math.Min(open, cl) * 0.9995
	return barHL(symbol, tf, i, open, high, low, cl, vol)
}

// feedBars replays bars one at a time, growing the visible history before
// each callback, and collects the emitted signals by bar index.
func feedBars(m *stubMarket, ctx *Context, s Strategy, bars []types.Bar) map[int][]types.Signal {
	out := make(map[int][]types.Signal)
	for i := range bars {
		m.setBars(bars[i].Symbol, bars[i].Timeframe, bars[:i+1])
		if sigs := s.OnBar(ctx, bars[i]); len(sigs) > 0 {
			out[i] = sigs
		}
	}
	return out
}

func wantSignal(t *testing.T, sig types.Signal, side types.Side, intent types.Intent) {
	t.Helper()
	if sig.Side != side || sig.Intent != intent {
		t.Fatalf("signal = %s/%s, want %s/%s", sig.Side, sig.Intent, side, intent)
	}
}

func wantStop(t *testing.T, sig types.Signal, px, tol float64) {
	t.Helper()
	got := sig.StopLossPx.InexactFloat64()
	if math.Abs(got-px) > tol {
		t.Fatalf("stop = %v, want %v (±%v)", got, px, tol)
	}
}

func onlyAt(t *testing.T, out map[int][]types.Signal, idx ...int) {
	t.Helper()
	want := make(map[int]bool, len(idx))
	for _, i := range idx {
		want[i] = true
	}
	for i := range out {
		if !want[i] {
			t.Fatalf("unexpected signals at bar %d: %+v", i, out[i])
		}
	}
	for i := range want {
		if _, ok := out[i]; !ok {
			t.Fatalf("no signals at bar %d, want some", i)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Mean reversion
// ————————————————————————————————————————————————————————————————————————

func TestRSIReversionRoundTrip(t *testing.T) {
	t.Parallel()
	const sym = "BTCUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "rsi_reversion", []string{sym}, "1h", map[string]any{
		"period": 14, "oversold": 30.0, "overbought": 70.0, "exit_level": 50.0, "stop_pct": 0.02,
	})

	// A steady 1% decline keeps RSI pinned at zero: the first complete
	// evaluation is the entry.
	var bars []types.Bar
	px := 200.0
	for i := 0; i < 28; i++ {
		open := px
		px *= 0.99
		bars = append(bars, mkBar(sym, types.TF1h, i, open, px, 100))
	}
	out := feedBars(m, ctx, s, bars)
	onlyAt(t, out, 27)
	entry := out[27]
	if len(entry) != 1 {
		t.Fatalf("entry batch = %d signals, want 1", len(entry))
	}
	wantSignal(t, entry[0], types.Buy, types.IntentOpen)
	wantStop(t, entry[0], px*0.98, 1e-6)
	if entry[0].Urgency != 0.4 {
		t.Fatalf("urgency = %v, want 0.4", entry[0].Urgency)
	}

	snap, err := s.StateSnapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if string(snap) != `{"BTCUSDT":"buy"}` {
		t.Fatalf("snapshot = %s", snap)
	}

	// Recover 1.5% per bar until RSI crosses back through the exit level.
	closed := false
	for i := 28; i < 68 && !closed; i++ {
		open := px
		px *= 1.015
		bars = append(bars, mkBar(sym, types.TF1h, i, open, px, 100))
		m.setBars(sym, types.TF1h, bars)
		sigs := s.OnBar(ctx, bars[len(bars)-1])
		if len(sigs) == 0 {
			continue
		}
		if len(sigs) != 1 {
			t.Fatalf("exit batch = %d signals, want 1", len(sigs))
		}
		wantSignal(t, sigs[0], types.Sell, types.IntentClose)
		closed = true
	}
	if !closed {
		t.Fatal("position never closed on the recovery leg")
	}
}

func TestBollingerReversionFadesTheBands(t *testing.T) {
	t.Parallel()
	const sym = "ETHUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "bollinger_reversion", []string{sym}, "1h", map[string]any{
		"period": 20, "band_k": 2.0, "stop_pct": 0.02,
	})

	// Alternating closes around 100 stay well inside the ±2σ bands; the
	// plunge to 95 lands below the lower band, the bounce exits at the mid.
	var bars []types.Bar
	open := 100.0
	for i := 0; i < 25; i++ {
		cl := 100.5
		if i%2 == 1 {
			cl = 99.5
		}
		bars = append(bars, mkBar(sym, types.TF1h, i, open, cl, 100))
		open = cl
	}
	bars = append(bars, mkBar(sym, types.TF1h, 25, open, 95, 100))
	bars = append(bars, mkBar(sym, types.TF1h, 26, 95, 100.5, 100))

	out := feedBars(m, ctx, s, bars)
	onlyAt(t, out, 25, 26)
	wantSignal(t, out[25][0], types.Buy, types.IntentOpen)
	wantStop(t, out[25][0], 95*0.98, 1e-6)
	wantSignal(t, out[26][0], types.Sell, types.IntentClose)
}

// ————————————————————————————————————————————————————————————————————————
// Volatility
// ————————————————————————————————————————————————————————————————————————

func TestATRBreakoutStopAndReverse(t *testing.T) {
	t.Parallel()
	const sym = "BTCUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "atr_breakout", []string{sym}, "1h", map[string]any{
		"atr_period": 5, "k": 2.0,
	})

	// Constant 2-point true ranges hold ATR at exactly 2 through bar 10.
	var bars []types.Bar
	for i := 0; i <= 10; i++ {
		bars = append(bars, barHL(sym, types.TF1h, i, 100, 101, 99, 100, 100))
	}
	// Breakout: TR 10.4 lifts ATR to 3.68; 110 clears 100 + 2×3.68.
	bars = append(bars, barHL(sym, types.TF1h, 11, 100, 110.2, 99.8, 110, 100))
	// Reversal: TR 16.2 lifts ATR to 6.184; 94 undercuts 110 − 2×6.184.
	bars = append(bars, barHL(sym, types.TF1h, 12, 110, 110.1, 93.9, 94, 100))

	out := feedBars(m, ctx, s, bars)
	onlyAt(t, out, 11, 12)

	buy := out[11]
	if len(buy) != 1 {
		t.Fatalf("breakout batch = %d signals, want 1", len(buy))
	}
	wantSignal(t, buy[0], types.Buy, types.IntentOpen)
	wantStop(t, buy[0], 110-2*3.68, 1e-6)

	rev := out[12]
	if len(rev) != 2 {
		t.Fatalf("reversal batch = %d signals, want 2", len(rev))
	}
	wantSignal(t, rev[0], types.Sell, types.IntentClose)
	wantSignal(t, rev[1], types.Sell, types.IntentOpen)
	wantStop(t, rev[1], 94+2*6.184, 1e-6)
}

func TestSqueezeTradesTheRelease(t *testing.T) {
	t.Parallel()
	const sym = "BTCUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "squeeze", []string{sym}, "1h", map[string]any{
		"period": 20, "band_k": 2.0, "lookback": 30, "squeeze_pctile": 20.0, "stop_pct": 0.02,
	})

	// Decaying alternation compresses the bandwidth monotonically, so the
	// percentile rank sits at zero from the first evaluation. The jump to
	// 106 blows the bands out and releases the squeeze upward.
	var bars []types.Bar
	open := 103.0
	for i := 0; i < 70; i++ {
		amp := 3 * math.Pow(0.95, float64(i))
		cl := 100 + amp
		if i%2 == 1 {
			cl = 100 - amp
		}
		bars = append(bars, mkBar(sym, types.TF1h, i, open, cl, 100))
		open = cl
	}
	bars = append(bars, mkBar(sym, types.TF1h, 70, open, 106, 100))
	bars = append(bars, mkBar(sym, types.TF1h, 71, 106, 106, 100))
	bars = append(bars, mkBar(sym, types.TF1h, 72, 106, 94, 100))

	out := feedBars(m, ctx, s, bars)
	onlyAt(t, out, 70, 72)

	rel := out[70]
	if len(rel) != 1 {
		t.Fatalf("release batch = %d signals, want 1", len(rel))
	}
	wantSignal(t, rel[0], types.Buy, types.IntentOpen)
	wantStop(t, rel[0], 106*0.98, 1e-6)
	if rel[0].Urgency != 0.6 {
		t.Fatalf("urgency = %v, want 0.6", rel[0].Urgency)
	}

	wantSignal(t, out[72][0], types.Sell, types.IntentClose)
}

func TestVolRegimeLifecycle(t *testing.T) {
	t.Parallel()
	const sym = "BTCUSDT"

	// An early volatility spike that decays into calm: the ATR chain falls
	// monotonically, so the entry rank is zero. The 48-point bar lands the
	// ATR between the decayed values and the spike plateau (rank 90), the
	// 70-point bar clears everything (rank 100).
	var bars []types.Bar
	for i := 0; i < 8; i++ {
		bars = append(bars, barHL(sym, types.TF1h, i, 100, 106, 94, 100, 100))
	}
	for i := 8; i < 26; i++ {
		bars = append(bars, barHL(sym, types.TF1h, i, 100, 100.5, 99.5, 100, 100))
	}
	bars = append(bars, barHL(sym, types.TF1h, 26, 100, 124, 76, 100, 100))
	bars = append(bars, barHL(sym, types.TF1h, 27, 100, 135, 65, 100, 100))

	opts := map[string]any{
		"atr_period": 5, "lookback": 20,
		"calm_pctile": 30.0, "elevated_pctile": 85.0, "extreme_pctile": 97.0,
		"stop_pct": 0.03,
	}

	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "vol_regime", []string{sym}, "1h", opts)

	out := feedBars(m, ctx, s, bars)
	onlyAt(t, out, 25, 26, 27)

	wantSignal(t, out[25][0], types.Buy, types.IntentOpen)
	wantStop(t, out[25][0], 100*0.97, 1e-6)
	wantSignal(t, out[26][0], types.Sell, types.IntentReduce)
	wantSignal(t, out[27][0], types.Sell, types.IntentClose)
	if out[27][0].Urgency != 0.8 {
		t.Fatalf("flatten urgency = %v, want 0.8", out[27][0].Urgency)
	}

	// A restored instance that already trimmed re-arms in the calm stretch
	// and trims again on the next spike.
	m2 := newStubMarket()
	s2 := newFamily(t, "vol_regime", []string{sym}, "1h", opts)
	if err := s2.RestoreState([]byte(`{"pos":{"BTCUSDT":"buy"},"trimmed":{"BTCUSDT":true}}`)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	out2 := feedBars(m2, testCtx(m2), s2, bars[:27])
	onlyAt(t, out2, 26)
	wantSignal(t, out2[26][0], types.Sell, types.IntentReduce)
}

// ————————————————————————————————————————————————————————————————————————
// Order flow
// ————————————————————————————————————————————————————————————————————————

func TestVolumeSpikeTimedHold(t *testing.T) {
	t.Parallel()
	const sym = "SOLUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "volume_spike", []string{sym}, "5m", map[string]any{
		"window": 5, "z_threshold": 3.0, "hold_bars": 3, "stop_pct": 0.02,
	})

	vols := []float64{90, 110, 90, 110, 90}
	var bars []types.Bar
	for i, v := range vols {
		bars = append(bars, mkBar(sym, types.TF5m, i, 100, 100, v))
	}
	// Volume 200 against mean 98 / sd 10.95 is a z of 9.3 on an up bar.
	bars = append(bars, mkBar(sym, types.TF5m, 5, 100, 101, 200))
	for i := 6; i <= 8; i++ {
		bars = append(bars, mkBar(sym, types.TF5m, i, 101, 101, 100))
	}

	out := feedBars(m, ctx, s, bars)
	onlyAt(t, out, 5, 8)
	wantSignal(t, out[5][0], types.Buy, types.IntentOpen)
	wantStop(t, out[5][0], 101*0.98, 1e-6)
	if out[5][0].Urgency != 0.8 {
		t.Fatalf("spike urgency = %v, want 0.8", out[5][0].Urgency)
	}
	wantSignal(t, out[8][0], types.Sell, types.IntentClose)
}

func TestVWAPDeviationFadesStretch(t *testing.T) {
	t.Parallel()
	const sym = "BTCUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "vwap_deviation", []string{sym}, "1h", map[string]any{
		"stretch_pct": 0.01, "exit_pct": 0.002, "min_bars": 3, "stop_pct": 0.02,
	})

	// Three flat bars anchor the session VWAP at 100. The drop to 98.5 is a
	// 1.25% stretch below it; the bounce to 99.8 is back inside the exit
	// band.
	bars := []types.Bar{
		mkBar(sym, types.TF1h, 0, 100, 100, 50),
		mkBar(sym, types.TF1h, 1, 100, 100, 50),
		mkBar(sym, types.TF1h, 2, 100, 100, 50),
		mkBar(sym, types.TF1h, 3, 100, 98.5, 50),
		mkBar(sym, types.TF1h, 4, 98.5, 99.8, 50),
	}

	out := feedBars(m, ctx, s, bars)
	onlyAt(t, out, 3, 4)
	wantSignal(t, out[3][0], types.Buy, types.IntentOpen)
	wantStop(t, out[3][0], 98.5*0.98, 1e-6)
	wantSignal(t, out[4][0], types.Sell, types.IntentClose)
}

func TestTakerRatioFollowsFlow(t *testing.T) {
	t.Parallel()
	const sym = "ETHUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "taker_ratio", []string{sym}, "15m", map[string]any{
		"window": 5, "imbalance": 0.6, "exit_band": 0.55, "stop_pct": 0.02,
	})

	var bars []types.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, mkBar(sym, types.TF15m, i, 100+float64(i), 101+float64(i), 10))
	}
	for i := 5; i < 8; i++ {
		open := 105 - float64(i-5)
		bars = append(bars, mkBar(sym, types.TF15m, i, open, open-1, 10))
	}

	// Ratio walks 1.0 → 0.8 → 0.6 → 0.4: entry on the first full window,
	// exit when it drops through the band.
	out := feedBars(m, ctx, s, bars)
	onlyAt(t, out, 4, 7)
	wantSignal(t, out[4][0], types.Buy, types.IntentOpen)
	wantSignal(t, out[7][0], types.Sell, types.IntentClose)
}

// ————————————————————————————————————————————————————————————————————————
// Multi-timeframe
// ————————————————————————————————————————————————————————————————————————

func TestMTFResonanceAlignsThreeTimeframes(t *testing.T) {
	t.Parallel()
	const sym = "BTCUSDT"
	m := newStubMarket()
	ctx := testCtx(m)
	s := newFamily(t, "mtf_resonance", []string{sym}, "5m", map[string]any{
		"trend_tf": "1h", "pullback_tf": "15m",
		"trend_len": 50, "rsi_period": 14,
		"pull_low": 40.0, "pull_high": 60.0, "stop_pct": 0.02,
	})

	tr, ok := s.(TimeframeRequirer)
	if !ok {
		t.Fatal("mtf_resonance must declare its extra timeframes")
	}
	tfs := tr.Timeframes()
	if len(tfs) != 2 || tfs[0] != types.TF15m || tfs[1] != types.TF1h {
		t.Fatalf("timeframes = %v, want [15m 1h]", tfs)
	}

	// Slow leg trending up, middle leg neutral (alternating closes pin RSI
	// at 50), trigger bar breaking the prior high.
	var trend []types.Bar
	for i := 0; i < 52; i++ {
		cl := 100 + 0.5*float64(i)
		trend = append(trend, mkBar(sym, types.TF1h, i, cl-0.5, cl, 100))
	}
	m.setBars(sym, types.TF1h, trend)

	var pull []types.Bar
	open := 99.7
	for i := 0; i < 42; i++ {
		cl := 100.3
		if i%2 == 1 {
			cl = 99.7
		}
		pull = append(pull, mkBar(sym, types.TF15m, i, open, cl, 100))
		open = cl
	}
	m.setBars(sym, types.TF15m, pull)

	trig := []types.Bar{
		mkBar(sym, types.TF5m, 0, 100, 100.2, 100),
		mkBar(sym, types.TF5m, 1, 100.2, 101, 100),
	}
	m.setBars(sym, types.TF5m, trig)

	sigs := s.OnBar(ctx, trig[1])
	if len(sigs) != 1 {
		t.Fatalf("entry = %d signals, want 1", len(sigs))
	}
	wantSignal(t, sigs[0], types.Buy, types.IntentOpen)
	wantStop(t, sigs[0], 101*0.98, 1e-6)

	// Held and still trending: nothing.
	if sigs := s.OnBar(ctx, trig[1]); len(sigs) != 0 {
		t.Fatalf("held bar emitted %d signals, want 0", len(sigs))
	}

	// Trend flip closes the position regardless of the lower timeframes.
	var down []types.Bar
	for i := 0; i < 52; i++ {
		cl := 130 - 0.5*float64(i)
		down = append(down, mkBar(sym, types.TF1h, i, cl+0.5, cl, 100))
	}
	m.setBars(sym, types.TF1h, down)

	sigs = s.OnBar(ctx, trig[1])
	if len(sigs) != 1 {
		t.Fatalf("exit = %d signals, want 1", len(sigs))
	}
	wantSignal(t, sigs[0], types.Sell, types.IntentClose)
}

func TestMTFResonanceRejectsUnorderedTimeframes(t *testing.T) {
	t.Parallel()
	reg, ok := lookup("mtf_resonance")
	if !ok {
		t.Fatal("mtf_resonance not registered")
	}
	opts, err := reg.schema.Validate(map[string]any{"trend_tf": "1h", "pullback_tf": "15m"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	opts["symbols"] = []string{"BTCUSDT"}
	opts["timeframe"] = "4h"
	err = reg.factory().Initialize(opts)
	if err == nil || !strings.Contains(err.Error(), "timeframes must ascend") {
		t.Fatalf("err = %v, want timeframe ordering error", err)
	}
}
