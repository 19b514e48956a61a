// slippage.go estimates market impact by walking the visible order book.
//
// The model is shared by the pre-trade liquidity gate and the execution
// planner: both need to know what a given size would cost against current
// depth before any order leaves the process.
package exec

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// Estimate is the projected cost of taking one size from the book.
// Pct is |VWAP − mid| / mid over the consumed levels; BeyondDepth means the
// visible book cannot absorb the full quantity at any price.
type Estimate struct {
	Mid         decimal.Decimal
	VWAP        decimal.Decimal
	Pct         float64
	Class       types.SlippageClass
	BeyondDepth bool
	FilledQty   decimal.Decimal
}

// SuggestSplit reports whether a single order of this size should be worked
// in slices instead of crossing the book at once.
func (e Estimate) SuggestSplit() bool { return e.Class != types.SlipLow }

// Model buckets estimates into slippage classes using the configured
// thresholds.
type Model struct {
	warnPct    float64
	highPct    float64
	extremePct float64
}

// NewModel builds a model from the execution config.
func NewModel(cfg config.ExecutionConfig) Model {
	return Model{
		warnPct:    cfg.SlippageWarnPct,
		highPct:    cfg.SlippageHighPct,
		extremePct: cfg.SlippageExtremePct,
	}
}

// Estimate walks the taking side of the book from the best level and
// accumulates consumed liquidity until qty is filled. The estimate is
// monotone non-decreasing in qty: a larger order consumes every level a
// smaller one does, plus worse ones. Returns false when the book has no
// usable mid or qty is not positive.
func (m Model) Estimate(book types.OrderBook, side types.Side, qty decimal.Decimal) (Estimate, bool) {
	mid, ok := book.Mid()
	if !ok || !qty.IsPositive() {
		return Estimate{}, false
	}
	levels := book.Asks // a buy consumes asks
	if side == types.Sell {
		levels = book.Bids
	}

	remaining := qty
	notional := decimal.Zero
	filled := decimal.Zero
	for _, lvl := range levels {
		take := decimal.Min(remaining, decimal.NewFromFloat(lvl.Size))
		if !take.IsPositive() {
			continue
		}
		notional = notional.Add(decimal.NewFromFloat(lvl.Price).Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}

	est := Estimate{
		Mid:         decimal.NewFromFloat(mid),
		FilledQty:   filled,
		BeyondDepth: remaining.IsPositive(),
	}
	if filled.IsPositive() {
		est.VWAP = notional.Div(filled)
		est.Pct, _ = est.VWAP.Sub(est.Mid).Abs().Div(est.Mid).Float64()
	}
	est.Class = m.classify(est)
	return est, true
}

func (m Model) classify(est Estimate) types.SlippageClass {
	switch {
	case est.BeyondDepth:
		return types.SlipExtreme
	case est.Pct >= m.extremePct:
		return types.SlipExtreme
	case est.Pct >= m.highPct:
		return types.SlipHigh
	case est.Pct >= m.warnPct:
		return types.SlipMedium
	default:
		return types.SlipLow
	}
}

// MaxQtyWithin returns the largest quantity the book can absorb while the
// estimated slippage stays at or under pctCap, at level granularity. Zero
// when even the first level breaches the cap or the book is unusable.
func (m Model) MaxQtyWithin(book types.OrderBook, side types.Side, pctCap float64) decimal.Decimal {
	mid, ok := book.Mid()
	if !ok {
		return decimal.Zero
	}
	levels := book.Asks
	if side == types.Sell {
		levels = book.Bids
	}

	midD := decimal.NewFromFloat(mid)
	notional := decimal.Zero
	filled := decimal.Zero
	good := decimal.Zero
	for _, lvl := range levels {
		size := decimal.NewFromFloat(lvl.Size)
		if !size.IsPositive() {
			continue
		}
		notional = notional.Add(decimal.NewFromFloat(lvl.Price).Mul(size))
		filled = filled.Add(size)
		pct, _ := notional.Div(filled).Sub(midD).Abs().Div(midD).Float64()
		if pct > pctCap {
			break
		}
		good = filled
	}
	return good
}

// AverageDailyVolume extrapolates a daily base volume from recent bars.
// Zero when the bars are missing or carry no recognizable timeframe.
func AverageDailyVolume(bars []types.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	tfMs := bars[0].Timeframe.Millis()
	if tfMs <= 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.Volume
	}
	perBar := sum / float64(len(bars))
	return perBar * float64((24*time.Hour).Milliseconds()) / float64(tfMs)
}
