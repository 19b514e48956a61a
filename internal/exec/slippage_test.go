package exec

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

func execCfg() config.ExecutionConfig {
	return config.ExecutionConfig{
		Workers:               2,
		SlippageWarnPct:       0.001,
		SlippageHighPct:       0.005,
		SlippageExtremePct:    0.02,
		SmallOrderADVRatio:    0.001,
		TWAPDuration:          10 * time.Minute,
		MinSliceInterval:      5 * time.Second,
		MaxSliceInterval:      2 * time.Minute,
		VWAPCurve:             "u_shape",
		IcebergSplit:          "linear",
		IcebergDisplayRatio:   0.1,
		MaxRetries:            3,
		RetryBackoffBase:      time.Millisecond,
		RetryBackoffCap:       8 * time.Millisecond,
		OrderTimeout:          time.Second,
		AdaptiveFeedbackAlpha: 0.3,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// testBook has mid 100 with 5 + 10 + 50 units on each side.
func testBook() types.OrderBook {
	return types.OrderBook{
		Symbol: "BTCUSDT",
		Bids: []types.PriceLevel{
			{Price: 99.95, Size: 5},
			{Price: 99.90, Size: 10},
			{Price: 99.00, Size: 50},
		},
		Asks: []types.PriceLevel{
			{Price: 100.05, Size: 5},
			{Price: 100.10, Size: 10},
			{Price: 101.00, Size: 50},
		},
	}
}

func TestEstimateWalksBook(t *testing.T) {
	t.Parallel()
	m := NewModel(execCfg())
	book := testBook()

	est, ok := m.Estimate(book, types.Buy, dec("5"))
	if !ok {
		t.Fatal("estimate not ok")
	}
	if !est.VWAP.Equal(dec("100.05")) {
		t.Errorf("vwap = %s, want 100.05", est.VWAP)
	}
	if est.Pct < 0.00049 || est.Pct > 0.00051 {
		t.Errorf("pct = %v, want 0.0005", est.Pct)
	}
	if est.Class != types.SlipLow || est.BeyondDepth {
		t.Errorf("class = %s beyond = %v", est.Class, est.BeyondDepth)
	}

	// 15 spans two levels: vwap (100.05·5 + 100.10·10)/15
	est, _ = m.Estimate(book, types.Buy, dec("15"))
	want := dec("1501.25").Div(dec("15"))
	if !est.VWAP.Equal(want) {
		t.Errorf("vwap = %s, want %s", est.VWAP, want)
	}

	// sell side walks bids
	est, _ = m.Estimate(book, types.Sell, dec("15"))
	if !est.VWAP.LessThan(dec("100")) {
		t.Errorf("sell vwap = %s, want below mid", est.VWAP)
	}
}

func TestEstimateMonotoneInSize(t *testing.T) {
	t.Parallel()
	m := NewModel(execCfg())
	book := testBook()

	var prev float64
	for _, q := range []string{"1", "5", "15", "40", "65"} {
		est, ok := m.Estimate(book, types.Buy, dec(q))
		if !ok {
			t.Fatalf("estimate %s not ok", q)
		}
		if est.Pct < prev {
			t.Errorf("pct(%s) = %v < previous %v", q, est.Pct, prev)
		}
		prev = est.Pct
	}
}

func TestEstimateBeyondDepth(t *testing.T) {
	t.Parallel()
	m := NewModel(execCfg())

	est, ok := m.Estimate(testBook(), types.Buy, dec("66"))
	if !ok {
		t.Fatal("estimate not ok")
	}
	if !est.BeyondDepth {
		t.Error("66 against 65 of depth should be beyond")
	}
	if est.Class != types.SlipExtreme {
		t.Errorf("class = %s, want extreme", est.Class)
	}
	if !est.FilledQty.Equal(dec("65")) {
		t.Errorf("filled = %s, want 65", est.FilledQty)
	}
	if !est.SuggestSplit() {
		t.Error("extreme estimate should suggest splitting")
	}
}

func TestEstimateEmptyBook(t *testing.T) {
	t.Parallel()
	m := NewModel(execCfg())
	if _, ok := m.Estimate(types.OrderBook{}, types.Buy, dec("1")); ok {
		t.Error("empty book should not produce an estimate")
	}
	if _, ok := m.Estimate(testBook(), types.Buy, decimal.Zero); ok {
		t.Error("zero qty should not produce an estimate")
	}
}

func TestMaxQtyWithin(t *testing.T) {
	t.Parallel()
	m := NewModel(execCfg())
	book := testBook()

	// levels 1+2 stay under 0.1% (vwap 100.083 at 15), level 3 breaks it
	got := m.MaxQtyWithin(book, types.Buy, 0.001)
	if !got.Equal(dec("15")) {
		t.Errorf("max qty = %s, want 15", got)
	}

	// even the first level breaches a zero-ish cap
	if got := m.MaxQtyWithin(book, types.Buy, 0.0001); !got.IsZero() {
		t.Errorf("max qty under tight cap = %s, want 0", got)
	}

	if got := m.MaxQtyWithin(types.OrderBook{}, types.Buy, 0.01); !got.IsZero() {
		t.Errorf("max qty on empty book = %s, want 0", got)
	}
}

func TestAverageDailyVolume(t *testing.T) {
	t.Parallel()
	bars := make([]types.Bar, 10)
	for i := range bars {
		bars[i] = types.Bar{Timeframe: types.TF1h, Volume: 100}
	}
	if got := AverageDailyVolume(bars); got < 2399 || got > 2401 {
		t.Errorf("adv = %v, want 2400", got)
	}
	if got := AverageDailyVolume(nil); got != 0 {
		t.Errorf("adv of no bars = %v", got)
	}
	if got := AverageDailyVolume([]types.Bar{{Volume: 5}}); got != 0 {
		t.Errorf("adv without timeframe = %v", got)
	}
}
