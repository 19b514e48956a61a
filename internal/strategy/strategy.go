// Package strategy hosts the signal-generating strategies and the runtime
// that drives them.
//
// A strategy is a pure transformer from market data to trade intents: it
// consumes closed bars (and optionally tickers or books), reads history
// through its Context, and returns Signals. It never sees balances,
// positions, or orders; sizing and safety belong to the risk pipeline, and
// fills belong to the executor. That separation is what makes a strategy
// replayable: the same bars produce the same signals.
//
// Lifecycle per instance:
//  1. The registered factory builds a fresh value; Initialize applies the
//     schema-validated options.
//  2. A saved state snapshot, when one exists, is restored (crash recovery).
//  3. One goroutine consumes the instance's event queue, so callbacks never
//     run concurrently for the same instance.
//  4. Returned signals are stamped with the originating bar time, published
//     on the spine, and handed to the signal sink.
//  5. On stop the state is snapshotted and the instance announces itself.
package strategy

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// MarketData is the read-only market view handed to strategies. The
// market-data engine implements it.
type MarketData interface {
	History(symbol string, tf types.Timeframe, n int) []types.Bar
	Ticker(symbol string) (types.Ticker, bool)
	Book(symbol string) (types.OrderBook, bool)
}

// Context is passed to every callback: read-only market state plus a logger
// scoped to the instance. Deliberately nothing about the account.
type Context struct {
	Logger *slog.Logger

	market MarketData
}

// History returns up to n most recent bars for (symbol, timeframe),
// including the bar that triggered the current callback.
func (c *Context) History(symbol string, tf types.Timeframe, n int) []types.Bar {
	return c.market.History(symbol, tf, n)
}

// Ticker returns the freshest last-price snapshot for the symbol.
func (c *Context) Ticker(symbol string) (types.Ticker, bool) {
	return c.market.Ticker(symbol)
}

// Book returns the freshest depth snapshot for the symbol.
func (c *Context) Book(symbol string) (types.OrderBook, bool) {
	return c.market.Book(symbol)
}

// Strategy is the capability set every family implements. OnBar runs once
// per closed bar of the instance's (symbol, timeframe) set and may return
// zero or more signals. Snapshot bytes are opaque JSON used only for crash
// recovery, never as a migration format.
type Strategy interface {
	Name() string
	Initialize(opts Options) error
	OnBar(ctx *Context, bar types.Bar) []types.Signal
	StateSnapshot() ([]byte, error)
	RestoreState(data []byte) error
}

// TickerHandler is an optional capability for strategies that react to
// last-price updates between bars.
type TickerHandler interface {
	OnTicker(ctx *Context, t types.Ticker) []types.Signal
}

// BookHandler is an optional capability for strategies that react to depth
// snapshots.
type BookHandler interface {
	OnBook(ctx *Context, ob types.OrderBook) []types.Signal
}

// TimeframeRequirer lists extra timeframes an instance reads via History
// beyond the one it trades on. The runtime registers them with the
// market-data engine at start so aggregation is running before the first
// callback.
type TimeframeRequirer interface {
	Timeframes() []types.Timeframe
}

// enter builds an opening market signal with a protective stop stopPct away
// from px. px or stopPct of zero means no stop; sizing then falls back to
// the configured default stop distance.
func enter(symbol string, side types.Side, px, stopPct, urgency float64) types.Signal {
	sig := types.Signal{
		Symbol:  symbol,
		Side:    side,
		Intent:  types.IntentOpen,
		Type:    types.Market,
		Urgency: urgency,
	}
	if px > 0 && stopPct > 0 {
		stop := px * (1 - stopPct)
		if side == types.Sell {
			stop = px * (1 + stopPct)
		}
		sig.StopLossPx = decimal.NewFromFloat(stop)
	}
	return sig
}

// exit builds a full-position close. Side is the closing direction, opposite
// the held side.
func exit(symbol string, side types.Side, urgency float64) types.Signal {
	return types.Signal{
		Symbol:  symbol,
		Side:    side,
		Intent:  types.IntentClose,
		Type:    types.Market,
		Urgency: urgency,
	}
}

// trim builds a partial de-risking signal; the risk pipeline sizes it
// against the live position.
func trim(symbol string, side types.Side, urgency float64) types.Signal {
	return types.Signal{
		Symbol:  symbol,
		Side:    side,
		Intent:  types.IntentReduce,
		Type:    types.Market,
		Urgency: urgency,
	}
}
