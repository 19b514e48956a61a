package risk

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

var two = decimal.NewFromInt(2)

// sizeOpen turns an opening signal into a quantity. The core rule risks a
// fixed fraction of equity against the stop distance:
//
//	qty = equity × risk_per_trade / |entry − stop|
//
// then clamps by the per-position equity fraction, by remaining
// concentration headroom, and by any explicit qty/notional carried on the
// signal. Reduce mode halves the result.
func sizeOpen(cfg config.RiskConfig, sig types.Signal, equity, entry, posNotional decimal.Decimal, reduced bool) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, types.Ef(types.KindValidation, "risk.size",
			"no usable price for %s: no limit price and no ticker", sig.Symbol)
	}
	if !equity.IsPositive() {
		return decimal.Zero, types.Ef(types.KindRiskDenied, "risk.size", "account equity is not positive")
	}

	stop := sig.StopLossPx
	if !stop.IsPositive() {
		pct := decimal.NewFromFloat(cfg.DefaultStopPct)
		if sig.Side == types.Buy {
			stop = entry.Mul(decimal.NewFromInt(1).Sub(pct))
		} else {
			stop = entry.Mul(decimal.NewFromInt(1).Add(pct))
		}
	}
	dist := entry.Sub(stop).Abs()
	if !dist.IsPositive() {
		return decimal.Zero, types.Ef(types.KindValidation, "risk.size", "stop equals entry for %s", sig.Symbol)
	}

	qty := equity.Mul(decimal.NewFromFloat(cfg.RiskPerTrade)).Div(dist)
	if cfg.PositionPercent > 0 {
		qty = decimal.Min(qty, equity.Mul(decimal.NewFromFloat(cfg.PositionPercent)).Div(entry))
	}
	if cfg.ConcentrationMax > 0 {
		headroom := equity.Mul(decimal.NewFromFloat(cfg.ConcentrationMax)).Sub(posNotional)
		if !headroom.IsPositive() {
			return decimal.Zero, types.Ef(types.KindRiskDenied, "risk.size",
				"no concentration headroom left for %s", sig.Symbol)
		}
		qty = decimal.Min(qty, headroom.Div(entry))
	}
	if sig.Qty.IsPositive() {
		qty = decimal.Min(qty, sig.Qty)
	}
	if sig.Notional.IsPositive() {
		qty = decimal.Min(qty, sig.Notional.Div(entry))
	}
	if reduced {
		qty = qty.Div(two)
	}
	if !qty.IsPositive() {
		return decimal.Zero, types.Ef(types.KindRiskDenied, "risk.size", "sized quantity for %s is zero", sig.Symbol)
	}
	return qty, nil
}

// sizeClose sizes a closing or reducing signal against the held position.
// The default close is the full position; a reduce intent takes half. An
// explicit signal qty caps at the held size, never flips it.
func sizeClose(sig types.Signal, pos types.Position) (decimal.Decimal, error) {
	held := pos.Qty.Abs()
	if !held.IsPositive() {
		return decimal.Zero, types.Ef(types.KindRiskDenied, "risk.size",
			"no %s position to %s", sig.Symbol, sig.Intent)
	}
	if (pos.Qty.IsPositive() && sig.Side != types.Sell) || (pos.Qty.IsNegative() && sig.Side != types.Buy) {
		return decimal.Zero, types.Ef(types.KindValidation, "risk.size",
			"%s %s does not reduce the %s position", sig.Side, sig.Symbol, pos.Qty)
	}
	qty := held
	if sig.Intent == types.IntentReduce {
		qty = held.Div(two)
	}
	if sig.Qty.IsPositive() {
		qty = decimal.Min(sig.Qty, held)
	}
	return qty, nil
}
