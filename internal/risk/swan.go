package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// swanTrigger is one armed detector condition. The manager turns it into a
// risk event and a breaker arming; price-move triggers also request a cancel
// of working orders on the affected symbol.
type swanTrigger struct {
	kind          string
	symbol        string
	level         types.BreakerLevel
	reason        string
	cancelWorking bool
}

type priceAnchor struct {
	price float64
	ts    time.Time
}

type depthAnchor struct {
	depth float64
	ts    time.Time
}

type venueMark struct {
	mid float64
	ts  time.Time
}

// swanDetector watches for discontinuous market behavior: price moving
// faster than volatility explains, book depth evaporating, and the same
// symbol pricing apart across venues. Anchors roll forward when the
// detection window expires, so every comparison is against a recent
// reference, never a stale one.
type swanDetector struct {
	cfg config.RiskConfig

	mu     sync.Mutex
	prices map[string]priceAnchor
	last   map[string]float64
	atr    map[string]float64 // symbol → ATR as a fraction of price
	depths map[string]depthAnchor
	venues map[string]map[string]venueMark // symbol → venue → last mid
	now    func() time.Time
}

func newSwanDetector(cfg config.RiskConfig) *swanDetector {
	return &swanDetector{
		cfg:    cfg,
		prices: make(map[string]priceAnchor),
		last:   make(map[string]float64),
		atr:    make(map[string]float64),
		depths: make(map[string]depthAnchor),
		venues: make(map[string]map[string]venueMark),
		now:    time.Now,
	}
}

// observePrice records a traded price and arms when the move per minute
// since the anchor exceeds the ATR-scaled bound. A move at twice the bound
// arms one level higher. Symbols without a known ATR are not judged.
func (d *swanDetector) observePrice(symbol string, px, atrPct float64) *swanTrigger {
	if px <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.last[symbol] = px
	if atrPct > 0 {
		d.atr[symbol] = atrPct
	}
	a, ok := d.prices[symbol]
	if !ok || now.Sub(a.ts) > d.cfg.BlackSwanWindow {
		d.prices[symbol] = priceAnchor{price: px, ts: now}
		return nil
	}
	atr := d.atr[symbol]
	if a.price <= 0 || atr <= 0 || d.cfg.BlackSwanATRFactor <= 0 {
		return nil
	}
	move := math.Abs(px-a.price) / a.price
	windowMin := d.cfg.BlackSwanWindow.Minutes()
	if windowMin <= 0 {
		windowMin = 1
	}
	rate := move / windowMin
	bound := d.cfg.BlackSwanATRFactor * atr
	if rate <= bound {
		return nil
	}
	level := types.BreakerL2
	if rate > 2*bound {
		level = types.BreakerL3
	}
	return &swanTrigger{
		kind:          "priceMove",
		symbol:        symbol,
		level:         level,
		cancelWorking: true,
		reason: fmt.Sprintf("%s moved %.2f%% in %s against ATR %.3f%%",
			symbol, move*100, d.cfg.BlackSwanWindow, atr*100),
	}
}

// observeDepth records total visible book size. The anchor tracks the
// window high; a drop past the collapse fraction from that high arms L1.
func (d *swanDetector) observeDepth(symbol string, depth float64) *swanTrigger {
	if depth < 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	a, ok := d.depths[symbol]
	if !ok || now.Sub(a.ts) > d.cfg.BlackSwanWindow || depth > a.depth {
		d.depths[symbol] = depthAnchor{depth: depth, ts: now}
		return nil
	}
	if a.depth <= 0 || d.cfg.DepthCollapsePct <= 0 {
		return nil
	}
	drop := 1 - depth/a.depth
	if drop <= d.cfg.DepthCollapsePct {
		return nil
	}
	return &swanTrigger{
		kind:   "depthCollapse",
		symbol: symbol,
		level:  types.BreakerL1,
		reason: fmt.Sprintf("%s book depth dropped %.0f%% within %s", symbol, drop*100, d.cfg.BlackSwanWindow),
	}
}

// observeVenueMid records one venue's mid for a symbol and compares it
// against every other venue's recent mid. A divergence past the configured
// fraction arms L2.
func (d *swanDetector) observeVenueMid(venue, symbol string, mid float64) *swanTrigger {
	if mid <= 0 || venue == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	marks := d.venues[symbol]
	if marks == nil {
		marks = make(map[string]venueMark)
		d.venues[symbol] = marks
	}
	marks[venue] = venueMark{mid: mid, ts: now}
	if d.cfg.VenueSpreadPct <= 0 {
		return nil
	}
	for other, mark := range marks {
		if other == venue || mark.mid <= 0 {
			continue
		}
		if now.Sub(mark.ts) > d.cfg.BlackSwanWindow {
			continue
		}
		lo := math.Min(mid, mark.mid)
		spread := math.Abs(mid-mark.mid) / lo
		if spread > d.cfg.VenueSpreadPct {
			return &swanTrigger{
				kind:   "venueSpread",
				symbol: symbol,
				level:  types.BreakerL2,
				reason: fmt.Sprintf("%s mid diverges %.2f%% between %s and %s", symbol, spread*100, venue, other),
			}
		}
	}
	return nil
}

// calm reports whether every tracked symbol trades within one ATR of its
// anchor. The breaker uses this to time de-escalation.
func (d *swanDetector) calm() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for sym, a := range d.prices {
		if now.Sub(a.ts) > d.cfg.BlackSwanWindow {
			continue // expired anchor, re-anchors on the next observation
		}
		atr := d.atr[sym]
		px := d.last[sym]
		if atr <= 0 || a.price <= 0 || px <= 0 {
			continue
		}
		if math.Abs(px-a.price)/a.price > atr {
			return false
		}
	}
	return true
}
