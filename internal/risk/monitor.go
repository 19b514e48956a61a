package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"tradecore/internal/indicator"
	"tradecore/pkg/types"
)

const concentrationHardFactor = 1.25

// tick runs one monitor pass: per-account ladders, cross-account totals,
// then the black-swan detectors and the breaker's calm reading.
func (m *Manager) tick() {
	var totalNotional, totalDayPnL decimal.Decimal
	seen := make(map[string]bool)
	for _, as := range m.accountList() {
		snap := as.src.Snapshot()
		m.checkMargin(as, snap)
		m.checkDrawdown(as, as.src.Drawdown())
		m.checkConcentration(as, snap)
		m.checkLiquidation(as, snap)
		totalDayPnL = totalDayPnL.Add(as.src.DayPnL())
		for _, p := range snap.Positions {
			if p.Flat() {
				continue
			}
			totalNotional = totalNotional.Add(p.Qty.Abs().Mul(markOf(p)))
			seen[p.Symbol] = true
		}
	}
	m.checkGlobal(totalNotional, totalDayPnL)
	for _, sym := range m.watchSymbols(seen) {
		m.observeMarket(sym)
	}
	m.breaker.Observe(m.swan.calm())
}

// checkMargin walks the margin ladder. The pause set below the critical
// threshold holds until the rate recovers past the warn threshold, so an
// account hovering at the boundary does not flap.
func (m *Manager) checkMargin(as *accountState, snap types.AccountSnapshot) {
	rate := snap.MarginRate()
	acct := as.src.ID()
	switch {
	case m.cfg.MarginCritical > 0 && rate < m.cfg.MarginCritical:
		detail := fmt.Sprintf("margin rate %.2f below critical %.2f", rate, m.cfg.MarginCritical)
		m.alert("risk.margin", "marginCritical", types.LevelCritical, "", acct, detail,
			map[string]any{"margin_rate": rate})
		m.setPause(as, "margin", detail, true, types.LevelCritical)
	case m.cfg.MarginWarn > 0 && rate < m.cfg.MarginWarn:
		m.alert("risk.margin", "marginWarn", types.LevelWarn, "", acct,
			fmt.Sprintf("margin rate %.2f below warn %.2f", rate, m.cfg.MarginWarn),
			map[string]any{"margin_rate": rate})
	default:
		m.setPause(as, "margin", "", false, types.LevelInfo)
	}
}

// checkDrawdown walks the drawdown ladder: warn notifies, danger halves new
// exposure, critical pauses opening. Both holds clear only once drawdown is
// back under the warn threshold.
func (m *Manager) checkDrawdown(as *accountState, dd float64) {
	acct := as.src.ID()
	switch {
	case m.cfg.DrawdownCritical > 0 && dd >= m.cfg.DrawdownCritical:
		detail := fmt.Sprintf("drawdown %.1f%% beyond critical %.1f%%", dd*100, m.cfg.DrawdownCritical*100)
		m.alert("risk.drawdown", "drawdownCritical", types.LevelCritical, "", acct, detail,
			map[string]any{"drawdown": dd})
		m.setPause(as, "drawdown", detail, true, types.LevelCritical)
		m.setReduce(as, "drawdown", detail, true, types.LevelCritical)
	case m.cfg.DrawdownDanger > 0 && dd >= m.cfg.DrawdownDanger:
		detail := fmt.Sprintf("drawdown %.1f%% beyond danger %.1f%%", dd*100, m.cfg.DrawdownDanger*100)
		m.alert("risk.drawdown", "drawdownDanger", types.LevelDanger, "", acct, detail,
			map[string]any{"drawdown": dd})
		m.setReduce(as, "drawdown", detail, true, types.LevelDanger)
	case m.cfg.DrawdownWarn > 0 && dd >= m.cfg.DrawdownWarn:
		m.alert("risk.drawdown", "drawdownWarn", types.LevelWarn, "", acct,
			fmt.Sprintf("drawdown %.1f%% beyond warn %.1f%%", dd*100, m.cfg.DrawdownWarn*100),
			map[string]any{"drawdown": dd})
	default:
		m.setPause(as, "drawdown", "", false, types.LevelInfo)
		m.setReduce(as, "drawdown", "", false, types.LevelInfo)
	}
}

// checkConcentration warns when one symbol's notional is over the equity
// fraction and forces reduce mode past 1.25× of it. The reduce hold clears
// only once the position is back under the base limit.
func (m *Manager) checkConcentration(as *accountState, snap types.AccountSnapshot) {
	if m.cfg.ConcentrationMax <= 0 || !snap.Equity.IsPositive() {
		return
	}
	acct := as.src.ID()
	limit := snap.Equity.Mul(decimal.NewFromFloat(m.cfg.ConcentrationMax))
	hard := limit.Mul(decimal.NewFromFloat(concentrationHardFactor))
	live := make(map[string]bool)
	for _, p := range snap.Positions {
		if p.Flat() {
			continue
		}
		notional := p.Qty.Abs().Mul(markOf(p))
		cause := "concentration:" + p.Symbol
		live[cause] = true
		switch {
		case notional.GreaterThan(hard):
			detail := fmt.Sprintf("%s notional %s far over the %.0f%% concentration limit",
				p.Symbol, notional.StringFixed(2), m.cfg.ConcentrationMax*100)
			m.alert("risk.concentration", "concentrationBreach", types.LevelDanger, p.Symbol, acct, detail,
				map[string]any{"notional": notional.String()})
			m.setReduce(as, cause, detail, true, types.LevelDanger)
		case notional.GreaterThan(limit):
			m.alert("risk.concentration", "concentrationBreach", types.LevelWarn, p.Symbol, acct,
				fmt.Sprintf("%s notional %s over the %.0f%% concentration limit",
					p.Symbol, notional.StringFixed(2), m.cfg.ConcentrationMax*100),
				map[string]any{"notional": notional.String()})
		default:
			m.setReduce(as, cause, "", false, types.LevelInfo)
		}
	}
	for _, cause := range as.reduceCauseKeys("concentration:") {
		if !live[cause] {
			m.setReduce(as, cause, "", false, types.LevelInfo)
		}
	}
}

// checkLiquidation flips a symbol to reduce-only when price is within the
// critical distance of its liquidation price, and clears it once price has
// retreated to twice that distance.
func (m *Manager) checkLiquidation(as *accountState, snap types.AccountSnapshot) {
	if m.cfg.LiqDistanceCritical <= 0 {
		return
	}
	acct := as.src.ID()
	live := make(map[string]bool)
	for _, p := range snap.Positions {
		if p.Flat() || !p.LiqPx.IsPositive() {
			continue
		}
		live[p.Symbol] = true
		px := m.lastPrice(p.Symbol)
		if px <= 0 {
			continue
		}
		liq, _ := p.LiqPx.Float64()
		dist := math.Abs(px-liq) / px
		switch {
		case dist < m.cfg.LiqDistanceCritical:
			detail := fmt.Sprintf("%s price %.4f within %.2f%% of liquidation %.4f",
				p.Symbol, px, dist*100, liq)
			m.alert("risk.liquidation", "liquidationProximity", types.LevelCritical, p.Symbol, acct, detail,
				map[string]any{"distance": dist})
			m.setReduceOnly(as, p.Symbol, detail, true)
		case dist >= 2*m.cfg.LiqDistanceCritical:
			m.setReduceOnly(as, p.Symbol, "", false)
		}
	}
	for _, sym := range as.reduceOnlyList() {
		if !live[sym] {
			m.setReduceOnly(as, sym, "", false)
		}
	}
}

// checkGlobal pauses every account when cross-account totals breach the
// global caps.
func (m *Manager) checkGlobal(totalNotional, totalDayPnL decimal.Decimal) {
	if m.cfg.GlobalMaxNotional > 0 {
		limit := decimal.NewFromFloat(m.cfg.GlobalMaxNotional)
		if totalNotional.GreaterThan(limit) {
			m.setGlobalPause("global_notional",
				fmt.Sprintf("aggregate notional %s over global cap %s",
					totalNotional.StringFixed(0), limit.StringFixed(0)), true)
		} else {
			m.setGlobalPause("global_notional", "", false)
		}
	}
	if m.cfg.GlobalDailyLossLimit > 0 {
		limit := decimal.NewFromFloat(m.cfg.GlobalDailyLossLimit)
		if totalDayPnL.LessThanOrEqual(limit.Neg()) {
			m.setGlobalPause("global_daily_loss",
				fmt.Sprintf("aggregate day PnL %s beyond global loss limit %s",
					totalDayPnL.StringFixed(2), limit.StringFixed(0)), true)
		} else {
			m.setGlobalPause("global_daily_loss", "", false)
		}
	}
}

// observeMarket feeds one symbol's latest price and depth into the swan
// detector and applies whatever it arms.
func (m *Manager) observeMarket(symbol string) {
	if px := m.lastPrice(symbol); px > 0 {
		m.applyTrigger(m.swan.observePrice(symbol, px, m.atrPct(symbol)))
	}
	if ob, ok := m.market.Book(symbol); ok {
		m.applyTrigger(m.swan.observeDepth(symbol, bookDepth(ob)))
	}
}

func (m *Manager) applyTrigger(t *swanTrigger) {
	if t == nil {
		return
	}
	level := breakerRiskLevel(t.level)
	m.alert("risk.swan", t.kind, level, t.symbol, "", t.reason, nil)
	if m.breaker.Arm(t.level, t.reason) && t.cancelWorking {
		m.pushAction(types.RiskAction{
			Type:   types.ActionCancelWorking,
			Reason: t.reason,
			Level:  level,
			Symbol: t.symbol,
			TsMs:   m.now().UnixMilli(),
		})
	}
}

func (m *Manager) lastPrice(symbol string) float64 {
	tk, ok := m.market.Ticker(symbol)
	if !ok {
		return 0
	}
	if tk.Last > 0 {
		return tk.Last
	}
	return tk.Mid()
}

// atrPct returns the one-minute ATR as a fraction of the last close, or 0
// when history is too short to judge.
func (m *Manager) atrPct(symbol string) float64 {
	const atrLen = 14
	bars := m.market.History(symbol, types.TF1m, atrLen+6)
	if len(bars) < atrLen+1 {
		return 0
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	atr := indicator.ATR(highs, lows, closes, atrLen)
	if len(atr) == 0 {
		return 0
	}
	ref := closes[len(closes)-1]
	if ref <= 0 {
		return 0
	}
	return atr[len(atr)-1] / ref
}

func bookDepth(ob types.OrderBook) float64 {
	var d float64
	for _, l := range ob.Bids {
		d += l.Size
	}
	for _, l := range ob.Asks {
		d += l.Size
	}
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Pause and reduce state
// ————————————————————————————————————————————————————————————————————————

// setPause flips one named pause cause on an account. Causes stack: the
// account is paused while any cause is set, and the empty↔non-empty
// boundary emits exactly one tradingPaused/tradingResumed event no matter
// how often monitors re-assert their cause.
func (m *Manager) setPause(as *accountState, cause, detail string, active bool, level types.RiskLevel) {
	acct := as.src.ID()
	as.mu.Lock()
	was := len(as.pauseCauses) > 0
	if active {
		as.pauseCauses[cause] = detail
	} else {
		delete(as.pauseCauses, cause)
	}
	is := len(as.pauseCauses) > 0
	as.rebuildLocked()
	as.mu.Unlock()

	switch {
	case !was && is:
		m.logger.Error("TRADING PAUSED", "account", acct, "cause", cause, "reason", detail)
		m.emitEvent("risk.monitor", "tradingPaused", level, "", acct,
			map[string]any{"cause": cause, "reason": detail})
		m.pushAction(types.RiskAction{
			Type: types.ActionPauseTrading, Reason: detail, Level: level,
			Account: acct, TsMs: m.now().UnixMilli(),
		})
	case was && !is:
		m.logger.Info("trading resumed", "account", acct)
		m.emitEvent("risk.monitor", "tradingResumed", types.LevelInfo, "", acct, nil)
	}
}

// setReduce flips one named reduce-mode cause; while any is set, opening
// sizes are halved.
func (m *Manager) setReduce(as *accountState, cause, detail string, active bool, level types.RiskLevel) {
	acct := as.src.ID()
	as.mu.Lock()
	was := len(as.reduceCauses) > 0
	if active {
		as.reduceCauses[cause] = detail
	} else {
		delete(as.reduceCauses, cause)
	}
	is := len(as.reduceCauses) > 0
	as.rebuildLocked()
	as.mu.Unlock()

	switch {
	case !was && is:
		m.logger.Warn("reduce mode engaged", "account", acct, "cause", cause, "reason", detail)
		m.emitEvent("risk.monitor", "reduceEngaged", level, "", acct,
			map[string]any{"cause": cause, "reason": detail})
		m.pushAction(types.RiskAction{
			Type: types.ActionReduceNewExposure, Reason: detail, Level: level,
			Account: acct, TsMs: m.now().UnixMilli(),
		})
	case was && !is:
		m.logger.Info("reduce mode cleared", "account", acct)
		m.emitEvent("risk.monitor", "reduceCleared", types.LevelInfo, "", acct, nil)
	}
}

// setReduceOnly flips per-symbol reduce-only: opens on the symbol are
// denied, closes pass.
func (m *Manager) setReduceOnly(as *accountState, symbol, detail string, active bool) {
	acct := as.src.ID()
	as.mu.Lock()
	_, was := as.reduceOnly[symbol]
	if active {
		as.reduceOnly[symbol] = detail
	} else {
		delete(as.reduceOnly, symbol)
	}
	as.rebuildLocked()
	as.mu.Unlock()

	switch {
	case !was && active:
		m.logger.Error("REDUCE ONLY", "account", acct, "symbol", symbol, "reason", detail)
		m.emitEvent("risk.monitor", "reduceOnlySet", types.LevelCritical, symbol, acct,
			map[string]any{"reason": detail})
		m.pushAction(types.RiskAction{
			Type: types.ActionReduceNewExposure, Reason: detail, Level: types.LevelCritical,
			Symbol: symbol, Account: acct, TsMs: m.now().UnixMilli(),
		})
	case was && !active:
		m.logger.Info("reduce-only cleared", "account", acct, "symbol", symbol)
		m.emitEvent("risk.monitor", "reduceOnlyCleared", types.LevelInfo, symbol, acct, nil)
	}
}

// setGlobalPause is setPause across every account at once.
func (m *Manager) setGlobalPause(cause, detail string, active bool) {
	m.gmu.Lock()
	was := len(m.globalCauses) > 0
	if active {
		m.globalCauses[cause] = detail
	} else {
		delete(m.globalCauses, cause)
	}
	is := len(m.globalCauses) > 0
	f := &pauseFlags{}
	if is {
		f.Paused = true
		f.PauseReason = joinCauses(m.globalCauses)
	}
	m.global.Store(f)
	m.gmu.Unlock()

	switch {
	case !was && is:
		m.logger.Error("GLOBAL TRADING PAUSE", "cause", cause, "reason", detail)
		m.emitEvent("risk.monitor", "tradingPaused", types.LevelCritical, "", "",
			map[string]any{"cause": cause, "reason": detail, "scope": "global"})
		m.pushAction(types.RiskAction{
			Type: types.ActionPauseTrading, Reason: detail, Level: types.LevelCritical,
			TsMs: m.now().UnixMilli(),
		})
	case was && !is:
		m.logger.Info("global trading pause lifted")
		m.emitEvent("risk.monitor", "tradingResumed", types.LevelInfo, "", "", nil)
	}
}

func joinCauses(causes map[string]string) string {
	keys := make([]string, 0, len(causes))
	for k := range causes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = causes[k]
	}
	return strings.Join(parts, "; ")
}
