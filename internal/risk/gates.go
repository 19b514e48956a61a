package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// gateInput is everything the gates need about one signal, gathered once.
// qty is filled in after sizing; gates 4–10 read the sized quantity, not the
// signal's requested one.
type gateInput struct {
	sig     types.Signal
	account string
	venue   string
	opens   bool

	snap        types.AccountSnapshot
	pos         types.Position
	havePos     bool
	posNotional decimal.Decimal // |pos.Qty| × mark
	aggNotional decimal.Decimal // Σ over all positions

	entry    decimal.Decimal // limit price, else ticker mid
	book     types.OrderBook
	haveBook bool

	qty decimal.Decimal
}

func (m *Manager) gatherInput(as *accountState, sig types.Signal) *gateInput {
	snap := as.src.Snapshot()
	in := &gateInput{
		sig:     sig,
		account: as.src.ID(),
		venue:   as.src.Venue(),
		opens:   sig.Intent.Opens(),
		snap:    snap,
	}
	for _, p := range snap.Positions {
		n := p.Qty.Abs().Mul(markOf(p))
		in.aggNotional = in.aggNotional.Add(n)
		if p.Symbol == sig.Symbol {
			in.pos, in.havePos, in.posNotional = p, true, n
		}
	}
	if ob, ok := m.market.Book(sig.Symbol); ok {
		in.book, in.haveBook = ob, true
	}
	in.entry = sig.LimitPx
	if !in.entry.IsPositive() {
		if tk, ok := m.market.Ticker(sig.Symbol); ok {
			if mid := tk.Mid(); mid > 0 {
				in.entry = decimal.NewFromFloat(mid)
			}
		}
	}
	return in
}

// markOf recovers the mark price implied by a position's unrealized PnL.
// For both signs uPnL = (mark − entry) × qty, so mark = entry + uPnL/qty.
func markOf(p types.Position) decimal.Decimal {
	if p.Qty.IsZero() {
		return p.AvgEntryPx
	}
	return p.AvgEntryPx.Add(p.UnrealizedPnL.Div(p.Qty))
}

// preGates runs gates 1–3, the ones that need no sized quantity. A non-empty
// return is the denial reason and nothing later runs.
func (m *Manager) preGates(as *accountState, in *gateInput) string {
	// 1. circuit breaker
	lvl := m.breaker.Level()
	if in.opens && !lvl.AllowsOpen() {
		return fmt.Sprintf("circuit breaker %s halts new exposure", lvl)
	}
	if !in.opens && !lvl.AllowsClose() {
		return fmt.Sprintf("circuit breaker %s halts all orders", lvl)
	}

	// 2. trading paused / reduce-only. Closes always pass: a paused account
	// must still be able to get flat.
	if in.opens {
		if g := m.global.Load(); g.Paused {
			return "trading paused globally: " + g.PauseReason
		}
		flags := as.flags.Load()
		if flags.Paused {
			return "trading paused: " + flags.PauseReason
		}
		if detail, ok := flags.ReduceOnly[in.sig.Symbol]; ok {
			return fmt.Sprintf("%s is reduce-only: %s", in.sig.Symbol, detail)
		}
	}

	// 3. allow-lists
	if in.opens {
		if len(m.symbolAllow) > 0 && !m.symbolAllow[in.sig.Symbol] {
			return fmt.Sprintf("symbol %s not in allow list", in.sig.Symbol)
		}
		if len(m.venueAllow) > 0 && !m.venueAllow[in.venue] {
			return fmt.Sprintf("venue %s not in allow list", in.venue)
		}
	}
	return ""
}

// postGates runs gates 4–10 on the sized quantity. Gates 4–8 and 10 deny
// opens only; gate 9 denies opens and downgrades to a warning for closes,
// since refusing to exit a position is worse than paying slippage. Zero
// config limits disable their gate.
func (m *Manager) postGates(as *accountState, in *gateInput) (string, []string) {
	var warns []string
	addNotional := in.qty.Mul(in.entry)

	if in.opens {
		// 4. per-symbol and account-wide position limits
		if m.cfg.MaxPositionPerSymbol > 0 {
			projected := in.pos.Qty
			if in.sig.Side == types.Buy {
				projected = projected.Add(in.qty)
			} else {
				projected = projected.Sub(in.qty)
			}
			if limit := decimal.NewFromFloat(m.cfg.MaxPositionPerSymbol); projected.Abs().GreaterThan(limit) {
				return fmt.Sprintf("position %s %s would exceed per-symbol cap %s",
					in.sig.Symbol, projected.Abs(), limit), warns
			}
		}
		if m.cfg.MaxAccountNotional > 0 {
			if limit := decimal.NewFromFloat(m.cfg.MaxAccountNotional); in.aggNotional.Add(addNotional).GreaterThan(limit) {
				return fmt.Sprintf("account notional %s would exceed cap %s",
					in.aggNotional.Add(addNotional).StringFixed(2), limit), warns
			}
		}

		// 5. leverage
		if m.cfg.MaxLeverage > 0 && in.snap.Equity.IsPositive() {
			lev := in.aggNotional.Add(addNotional).Div(in.snap.Equity)
			if lev.GreaterThan(decimal.NewFromFloat(m.cfg.MaxLeverage)) {
				return fmt.Sprintf("projected leverage %sx over limit %.1fx",
					lev.StringFixed(2), m.cfg.MaxLeverage), warns
			}
		}

		// 6. concentration
		if m.cfg.ConcentrationMax > 0 && in.snap.Equity.IsPositive() {
			limit := in.snap.Equity.Mul(decimal.NewFromFloat(m.cfg.ConcentrationMax))
			if in.posNotional.Add(addNotional).GreaterThan(limit) {
				return fmt.Sprintf("%s notional %s would exceed %.0f%% of equity",
					in.sig.Symbol, in.posNotional.Add(addNotional).StringFixed(2),
					m.cfg.ConcentrationMax*100), warns
			}
		}

		// 7. margin headroom after the order consumes initial margin
		if in.snap.Equity.IsPositive() {
			consumed := addNotional
			if m.cfg.MaxLeverage > 1 {
				consumed = consumed.Div(decimal.NewFromFloat(m.cfg.MaxLeverage))
			}
			free, _ := in.snap.FreeMargin.Sub(consumed).Float64()
			eq, _ := in.snap.Equity.Float64()
			rate := free / eq
			switch {
			case m.cfg.MarginCritical > 0 && rate < m.cfg.MarginCritical:
				return fmt.Sprintf("projected margin rate %.2f below critical %.2f",
					rate, m.cfg.MarginCritical), warns
			case m.cfg.MarginWarn > 0 && rate < m.cfg.MarginWarn:
				warns = append(warns, fmt.Sprintf("projected margin rate %.2f below warn %.2f",
					rate, m.cfg.MarginWarn))
			}
		}

		// 8. daily loss
		if m.cfg.DailyLossLimit > 0 {
			day := as.src.DayPnL()
			if day.LessThanOrEqual(decimal.NewFromFloat(m.cfg.DailyLossLimit).Neg()) {
				return fmt.Sprintf("day PnL %s at daily loss limit %.0f",
					day.StringFixed(2), m.cfg.DailyLossLimit), warns
			}
		}
	}

	// 9. liquidity and slippage
	if in.haveBook {
		est, ok := m.model.Estimate(in.book, in.sig.Side, in.qty)
		switch {
		case !ok:
			warns = append(warns, "slippage estimate unavailable for "+in.sig.Symbol)
		case est.BeyondDepth:
			if in.opens {
				return fmt.Sprintf("order %s %s exceeds visible book depth", in.qty, in.sig.Symbol), warns
			}
			warns = append(warns, "close exceeds visible book depth, expect heavy slicing")
		case est.Pct > m.slippageCap(in.sig.Urgency):
			if in.opens {
				return fmt.Sprintf("estimated slippage %.3f%% over %.3f%% cap",
					est.Pct*100, m.slippageCap(in.sig.Urgency)*100), warns
			}
			warns = append(warns, fmt.Sprintf("close slippage %.3f%% over cap", est.Pct*100))
		}
	} else {
		warns = append(warns, "no order book for "+in.sig.Symbol+", slippage unchecked")
	}

	// 10. cooldown after a failed order on the same symbol and side
	if in.opens && m.cfg.CooldownAfterFailure > 0 {
		key := failureKey(in.sig.Symbol, in.sig.Side)
		as.mu.Lock()
		failedAt, ok := as.failures[key]
		if ok && m.now().Sub(failedAt) >= m.cfg.CooldownAfterFailure {
			delete(as.failures, key)
			ok = false
		}
		as.mu.Unlock()
		if ok {
			rem := m.cfg.CooldownAfterFailure - m.now().Sub(failedAt)
			return fmt.Sprintf("cooldown after failed %s %s order, %s remaining",
				in.sig.Side, in.sig.Symbol, rem.Round(time.Second)), warns
		}
	}
	return "", warns
}

// slippageCap picks the urgency-banded cap: patient orders tolerate the
// least slippage, urgent ones the most.
func (m *Manager) slippageCap(urgency float64) float64 {
	switch {
	case urgency < 1.0/3:
		return m.cfg.SlippageCapPatient
	case urgency < 2.0/3:
		return m.cfg.SlippageCapNormal
	default:
		return m.cfg.SlippageCapUrgent
	}
}

func failureKey(symbol string, side types.Side) string {
	return symbol + "|" + string(side)
}
