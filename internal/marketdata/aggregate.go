package marketdata

import "tradecore/pkg/types"

// aggregator folds base-timeframe bars into one higher timeframe. A higher
// bar is emitted only when the base bar closing exactly on the higher
// boundary arrives; buckets touched by a feed gap are invalidated and never
// emitted partially.
type aggregator struct {
	target types.Timeframe
	baseMs int64
	tgtMs  int64

	cur    *types.Bar // partial bucket under construction
	nextTs int64      // expected ts of the next base bar within the bucket
	skipTs int64      // bucket start being skipped after a gap, -1 = none
}

func newAggregator(base, target types.Timeframe) *aggregator {
	return &aggregator{
		target: target,
		baseMs: base.Millis(),
		tgtMs:  target.Millis(),
		skipTs: -1,
	}
}

// bucketStart aligns a base bar timestamp down to its higher-tf boundary.
func (a *aggregator) bucketStart(ts int64) int64 { return ts - ts%a.tgtMs }

// fold consumes one base bar and returns a completed higher-tf bar when the
// bucket closes.
func (a *aggregator) fold(b types.Bar) (types.Bar, bool) {
	bucket := a.bucketStart(b.TsMs)

	// A gap inside the current bucket poisons it: drop the partial and
	// ignore the rest of that bucket rather than emit an undercounted bar.
	if a.cur != nil && b.TsMs != a.nextTs {
		a.cur = nil
		a.skipTs = bucket
	}
	if a.skipTs == bucket {
		// Still inside a poisoned bucket unless this bar starts it cleanly.
		if b.TsMs != bucket {
			return types.Bar{}, false
		}
		a.skipTs = -1
	}

	if a.cur == nil {
		// Only start a bucket at its first base bar; joining mid-bucket
		// would produce a partial aggregate.
		if b.TsMs != bucket {
			return types.Bar{}, false
		}
		a.cur = &types.Bar{
			Symbol:      b.Symbol,
			Timeframe:   a.target,
			TsMs:        bucket,
			Open:        b.Open,
			High:        b.High,
			Low:         b.Low,
			Close:       b.Close,
			Volume:      b.Volume,
			QuoteVolume: b.QuoteVolume,
			TradesCount: b.TradesCount,
		}
	} else {
		if b.High > a.cur.High {
			a.cur.High = b.High
		}
		if b.Low < a.cur.Low {
			a.cur.Low = b.Low
		}
		a.cur.Close = b.Close
		a.cur.Volume += b.Volume
		a.cur.QuoteVolume += b.QuoteVolume
		a.cur.TradesCount += b.TradesCount
	}
	a.nextTs = b.TsMs + a.baseMs

	// The bucket closes when this base bar's end lands on the boundary.
	if (b.TsMs+a.baseMs)%a.tgtMs == 0 {
		done := *a.cur
		a.cur = nil
		return done, true
	}
	return types.Bar{}, false
}
