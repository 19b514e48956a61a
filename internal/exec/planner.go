// planner.go turns sized signals into execution plans.
//
// The chooser weighs estimated impact against the signal's urgency: small
// or urgent orders cross the book at once, visible-impact orders hide
// behind iceberg slices, impatient flow adapts per slice, and patient flow
// follows time or volume curves.
package exec

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

const (
	// urgency bands for the algorithm chooser
	urgencyNow  = 0.9
	urgencyFast = 2.0 / 3.0
	urgencySlow = 1.0 / 3.0

	// slice quantities are kept at this scale; the venue boundary rounds
	// again to market precision
	qtyScale = 8

	twapTargetSlices  = 10
	icebergSliceCap   = 200
	icebergDecay      = 0.7 // exponential split ratio between consecutive slices
	defaultIcebergDiv = 10  // slice count when the book offers no depth signal
)

// Planner builds execution plans. It is pure computation and safe for
// concurrent use.
type Planner struct {
	cfg   config.ExecutionConfig
	model Model

	// History, when set, supplies recent bars for the history-derived VWAP
	// curve. Left nil the planner falls back to the U-shaped curve.
	History func(symbol string, n int) []types.Bar

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPlanner creates a planner from the execution config.
func NewPlanner(cfg config.ExecutionConfig) *Planner {
	return &Planner{
		cfg:   cfg,
		model: NewModel(cfg),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Model returns the planner's slippage model for callers that gate on it.
func (p *Planner) Model() Model { return p.model }

// PlanExecution picks an algorithm for a sized signal and slices it.
// The slice quantities always sum to qty exactly; the last slice absorbs
// any division remainder.
func (p *Planner) PlanExecution(sig types.Signal, qty decimal.Decimal, book types.OrderBook, adv float64) (types.ExecutionPlan, error) {
	return p.planAt(time.Now(), sig, qty, book, adv)
}

func (p *Planner) planAt(now time.Time, sig types.Signal, qty decimal.Decimal, book types.OrderBook, adv float64) (types.ExecutionPlan, error) {
	if !qty.IsPositive() {
		return types.ExecutionPlan{}, types.Ef(types.KindValidation, "exec.plan", "signal %s: non-positive planned qty %s", sig.ID, qty)
	}

	est, haveBook := p.model.Estimate(book, sig.Side, qty)
	algo := p.choose(sig, qty, est, haveBook, adv)

	plan := types.ExecutionPlan{
		ID:        uuid.NewString(),
		Algo:      algo,
		Symbol:    sig.Symbol,
		Side:      sig.Side,
		TotalQty:  qty,
		StartedTs: now.UnixMilli(),
	}
	switch algo {
	case types.AlgoImmediate:
		plan.Slices = []types.Slice{{Qty: qty, ScheduledTs: now.UnixMilli()}}
	case types.AlgoTWAP, types.AlgoAdaptive:
		plan.Slices = p.twapSlices(now, qty)
	case types.AlgoVWAP:
		plan.Slices = p.vwapSlices(now, sig.Symbol, qty)
	case types.AlgoIceberg:
		plan.Slices = p.icebergSlices(now, qty, book, sig.Side)
	}
	if err := plan.Validate(); err != nil {
		return types.ExecutionPlan{}, types.E(types.KindInternal, "exec.plan", err)
	}
	return plan, nil
}

// choose selects the algorithm from order size versus visible liquidity and
// the signal's urgency.
func (p *Planner) choose(sig types.Signal, qty decimal.Decimal, est Estimate, haveBook bool, adv float64) types.ExecAlgo {
	if sig.Urgency >= urgencyNow {
		return types.AlgoImmediate
	}
	if !haveBook {
		// No depth to read: pace the order out over time.
		return types.AlgoTWAP
	}
	qtyF, _ := qty.Float64()
	small := adv > 0 && qtyF <= adv*p.cfg.SmallOrderADVRatio
	if small && !est.BeyondDepth && est.Pct < p.cfg.SlippageWarnPct {
		return types.AlgoImmediate
	}
	switch {
	case est.Class == types.SlipHigh || est.Class == types.SlipExtreme:
		return types.AlgoIceberg
	case sig.Urgency >= urgencyFast:
		return types.AlgoAdaptive
	case sig.Urgency < urgencySlow:
		return types.AlgoVWAP
	default:
		return types.AlgoTWAP
	}
}

// ———————————————————————————————————————————————————————————————————————
// Slicing
// ———————————————————————————————————————————————————————————————————————

// sliceInterval clamps the nominal TWAP interval into the configured band.
func (p *Planner) sliceInterval() time.Duration {
	interval := p.cfg.TWAPDuration / twapTargetSlices
	if interval < p.cfg.MinSliceInterval {
		interval = p.cfg.MinSliceInterval
	}
	if interval > p.cfg.MaxSliceInterval {
		interval = p.cfg.MaxSliceInterval
	}
	return interval
}

// twapSlices spreads qty equally across the TWAP duration, with optional
// per-slice schedule jitter so the flow is harder to fingerprint.
func (p *Planner) twapSlices(now time.Time, qty decimal.Decimal) []types.Slice {
	interval := p.sliceInterval()
	n := int(p.cfg.TWAPDuration / interval)
	if n < 1 {
		n = 1
	}
	times := make([]int64, n)
	weights := make([]float64, n)
	for i := range times {
		offset := time.Duration(i) * interval
		if i > 0 && p.cfg.TWAPJitterPct > 0 {
			offset += p.jitter(interval)
		}
		times[i] = now.Add(offset).UnixMilli()
		weights[i] = 1
	}
	return sliceByWeights(times, weights, qty)
}

// vwapSlices weights the TWAP schedule by an intraday volume curve.
func (p *Planner) vwapSlices(now time.Time, symbol string, qty decimal.Decimal) []types.Slice {
	interval := p.sliceInterval()
	n := int(p.cfg.TWAPDuration / interval)
	if n < 1 {
		n = 1
	}
	times := make([]int64, n)
	for i := range times {
		times[i] = now.Add(time.Duration(i) * interval).UnixMilli()
	}
	return sliceByWeights(times, p.volumeCurve(symbol, n), qty)
}

// volumeCurve returns n bucket weights for the configured curve. The
// history curve uses recent bar volumes when a history source is wired and
// falls back to the U shape otherwise.
func (p *Planner) volumeCurve(symbol string, n int) []float64 {
	weights := make([]float64, n)
	if p.cfg.VWAPCurve == "flat" || n == 1 {
		for i := range weights {
			weights[i] = 1
		}
		return weights
	}
	if p.cfg.VWAPCurve == "history" && p.History != nil {
		bars := p.History(symbol, n)
		if len(bars) == n {
			var total float64
			for i, b := range bars {
				weights[i] = b.Volume
				total += b.Volume
			}
			if total > 0 {
				return weights
			}
		}
	}
	// U shape: volume concentrates at the ends of the window.
	for i := range weights {
		x := 2*float64(i)/float64(n-1) - 1
		weights[i] = 1 + x*x
	}
	return weights
}

// icebergSlices hides a large order behind many small clips. The slice
// size follows the split mode; every slice displays at most display_ratio
// of itself, capped by the current top-of-book size.
func (p *Planner) icebergSlices(now time.Time, qty decimal.Decimal, book types.OrderBook, side types.Side) []types.Slice {
	top := topOfBook(book, side)

	var per decimal.Decimal
	switch p.cfg.IcebergSplit {
	case "adaptive":
		per = p.model.MaxQtyWithin(book, side, p.cfg.SlippageWarnPct)
		if !per.IsPositive() {
			per = top
		}
	default: // linear, exponential
		per = top
	}
	if !per.IsPositive() {
		per = qty.Div(decimal.NewFromInt(defaultIcebergDiv))
	}

	n := int(qty.Div(per).Ceil().IntPart())
	if n < 1 {
		n = 1
	}
	if n > icebergSliceCap {
		n = icebergSliceCap
	}

	nowMs := now.UnixMilli()
	times := make([]int64, n)
	weights := make([]float64, n)
	for i := range times {
		// Iceberg slices are liquidity-driven: each goes out when the
		// previous one completes, so they all carry the start time.
		times[i] = nowMs
		weights[i] = 1
		if p.cfg.IcebergSplit == "exponential" {
			weights[i] = math.Pow(icebergDecay, float64(i))
		}
	}

	slices := sliceByWeights(times, weights, qty)
	ratio := decimal.NewFromFloat(p.cfg.IcebergDisplayRatio)
	for i := range slices {
		display := slices[i].Qty.Mul(ratio)
		if top.IsPositive() && display.GreaterThan(top) {
			display = top
		}
		if display.GreaterThan(slices[i].Qty) {
			display = slices[i].Qty
		}
		slices[i].DisplayQty = display
	}
	return slices
}

// sliceByWeights distributes total across the schedule in proportion to
// weights. Each slice is rounded to qtyScale and clamped to what remains;
// the final slice takes the exact remainder, so the output always sums to
// total. Slices that round to zero are dropped.
func sliceByWeights(times []int64, weights []float64, total decimal.Decimal) []types.Slice {
	var wsum float64
	for _, w := range weights {
		wsum += w
	}
	out := make([]types.Slice, 0, len(times))
	remaining := total
	for i := range times {
		var q decimal.Decimal
		if i == len(times)-1 {
			q = remaining
		} else {
			q = total.Mul(decimal.NewFromFloat(weights[i] / wsum)).Round(qtyScale)
			if q.GreaterThan(remaining) {
				q = remaining
			}
		}
		if !q.IsPositive() {
			continue
		}
		out = append(out, types.Slice{Qty: q, ScheduledTs: times[i]})
		remaining = remaining.Sub(q)
	}
	if len(out) == 0 {
		return []types.Slice{{Qty: total, ScheduledTs: times[0]}}
	}
	return out
}

func topOfBook(book types.OrderBook, side types.Side) decimal.Decimal {
	if side == types.Buy {
		if ask, ok := book.BestAsk(); ok {
			return decimal.NewFromFloat(ask.Size)
		}
		return decimal.Zero
	}
	if bid, ok := book.BestBid(); ok {
		return decimal.NewFromFloat(bid.Size)
	}
	return decimal.Zero
}

func (p *Planner) jitter(interval time.Duration) time.Duration {
	p.mu.Lock()
	u := p.rng.Float64()
	p.mu.Unlock()
	return time.Duration((2*u - 1) * p.cfg.TWAPJitterPct * float64(interval))
}
