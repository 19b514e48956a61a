// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: bars, tickers, order
// books, signals, orders, positions, account snapshots, execution plans, and
// risk events. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a signal or order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Intent expresses what a signal wants to do with exposure.
type Intent string

const (
	IntentOpen   Intent = "open"   // increase exposure
	IntentClose  Intent = "close"  // flatten an existing position
	IntentReduce Intent = "reduce" // shrink an existing position
)

// Valid reports whether the intent is a known value.
func (i Intent) Valid() bool {
	return i == IntentOpen || i == IntentClose || i == IntentReduce
}

// Opens reports whether the intent increases exposure. The risk gates treat
// opening and closing flow differently: most denials apply to opens only.
func (i Intent) Opens() bool { return i == IntentOpen }

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market    OrderType = "market"
	Limit     OrderType = "limit"
	Stop      OrderType = "stop"
	StopLimit OrderType = "stop_limit"
)

// Valid reports whether the order type is a known value.
func (t OrderType) Valid() bool {
	switch t {
	case Market, Limit, Stop, StopLimit:
		return true
	}
	return false
}

// OrderStatus tracks an order through its lifecycle. Transitions are
// monotone: new → partial → filled | cancelled | rejected.
type OrderStatus string

const (
	StatusNew       OrderStatus = "new"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// statusRank orders statuses along the lifecycle; terminal states share the
// top rank so a terminal order can never move again.
var statusRank = map[OrderStatus]int{
	StatusNew:       0,
	StatusPartial:   1,
	StatusFilled:    2,
	StatusCancelled: 2,
	StatusRejected:  2,
}

// CanTransition reports whether moving from s to next respects monotonicity.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s] || (s == StatusNew && next == StatusPartial)
}

// Timeframe is a bar interval. Only the closed set below is recognized.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeMillis = map[Timeframe]int64{
	TF1m:  60_000,
	TF5m:  300_000,
	TF15m: 900_000,
	TF30m: 1_800_000,
	TF1h:  3_600_000,
	TF4h:  14_400_000,
	TF1d:  86_400_000,
}

// Millis returns the timeframe length in milliseconds, 0 if unknown.
func (tf Timeframe) Millis() int64 { return timeframeMillis[tf] }

// Duration returns the timeframe as a time.Duration, 0 if unknown.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Millis()) * time.Millisecond
}

// Valid reports whether the timeframe is in the recognized set.
func (tf Timeframe) Valid() bool { return tf.Millis() > 0 }

// ParseTimeframe validates a raw string as a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// RiskLevel grades risk events from informational to emergency.
type RiskLevel string

const (
	LevelInfo      RiskLevel = "info"
	LevelWarn      RiskLevel = "warn"
	LevelDanger    RiskLevel = "danger"
	LevelCritical  RiskLevel = "critical"
	LevelEmergency RiskLevel = "emergency"
)

var levelRank = map[RiskLevel]int{
	LevelInfo:      0,
	LevelWarn:      1,
	LevelDanger:    2,
	LevelCritical:  3,
	LevelEmergency: 4,
}

// Rank returns the numeric severity, higher is worse.
func (l RiskLevel) Rank() int { return levelRank[l] }

// AtLeast reports whether l is as severe as other or more.
func (l RiskLevel) AtLeast(other RiskLevel) bool { return l.Rank() >= other.Rank() }

// Escalate returns the next level up, capped at emergency.
func (l RiskLevel) Escalate() RiskLevel {
	switch l {
	case LevelInfo:
		return LevelWarn
	case LevelWarn:
		return LevelDanger
	case LevelDanger:
		return LevelCritical
	default:
		return LevelEmergency
	}
}

// BreakerLevel is the circuit-breaker state. Each level strictly widens the
// restrictions of the previous one.
type BreakerLevel string

const (
	BreakerNormal    BreakerLevel = "NORMAL"
	BreakerL1        BreakerLevel = "L1"        // warn only
	BreakerL2        BreakerLevel = "L2"        // halt new opens
	BreakerL3        BreakerLevel = "L3"        // halt all + cancel working
	BreakerEmergency BreakerLevel = "EMERGENCY" // force-close positions
)

var breakerRank = map[BreakerLevel]int{
	BreakerNormal:    0,
	BreakerL1:        1,
	BreakerL2:        2,
	BreakerL3:        3,
	BreakerEmergency: 4,
}

// Rank returns the numeric breaker level, higher is more restrictive.
func (b BreakerLevel) Rank() int { return breakerRank[b] }

// AllowsOpen reports whether new opening orders are permitted at this level.
func (b BreakerLevel) AllowsOpen() bool { return b.Rank() < BreakerL2.Rank() }

// AllowsClose reports whether closing/reducing orders are permitted.
// Only EMERGENCY blocks closes (the engine force-closes on its own terms).
func (b BreakerLevel) AllowsClose() bool { return b.Rank() < BreakerEmergency.Rank() }

// ExecAlgo selects how the execution layer works an order.
type ExecAlgo string

const (
	AlgoImmediate ExecAlgo = "immediate"
	AlgoTWAP      ExecAlgo = "twap"
	AlgoVWAP      ExecAlgo = "vwap"
	AlgoIceberg   ExecAlgo = "iceberg"
	AlgoAdaptive  ExecAlgo = "adaptive"
)

// SlippageClass buckets estimated slippage for gating and planning.
type SlippageClass string

const (
	SlipLow     SlippageClass = "low"
	SlipMedium  SlippageClass = "medium"
	SlipHigh    SlippageClass = "high"
	SlipExtreme SlippageClass = "extreme"
)

// ActionType is the idempotent risk-action vocabulary. Monitors emit these;
// the engine and executor apply them. Repeating an action is a no-op.
type ActionType string

const (
	ActionNotify            ActionType = "notify"
	ActionReduceNewExposure ActionType = "reduce_new_exposure"
	ActionPauseTrading      ActionType = "pause_trading"
	ActionCancelWorking     ActionType = "cancel_working"
	ActionForceClose        ActionType = "force_close"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Bar is one immutable OHLCV record. The market-data engine creates a bar
// when a timeframe boundary closes; it is never mutated afterwards.
type Bar struct {
	Symbol      string    `json:"symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	TsMs        int64     `json:"ts_ms"` // open time, aligned to the timeframe boundary
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	QuoteVolume float64   `json:"quote_volume,omitempty"`
	TradesCount int64     `json:"trades_count,omitempty"`
}

// Time returns the bar open time.
func (b Bar) Time() time.Time { return time.UnixMilli(b.TsMs) }

// Validate checks the OHLCV invariants and boundary alignment.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if !b.Timeframe.Valid() {
		return fmt.Errorf("bar %s: unknown timeframe %q", b.Symbol, b.Timeframe)
	}
	if b.TsMs%b.Timeframe.Millis() != 0 {
		return fmt.Errorf("bar %s %s: ts %d not aligned to timeframe", b.Symbol, b.Timeframe, b.TsMs)
	}
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo || b.High < hi {
		return fmt.Errorf("bar %s %s @%d: OHLC out of range", b.Symbol, b.Timeframe, b.TsMs)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s %s @%d: negative volume", b.Symbol, b.Timeframe, b.TsMs)
	}
	return nil
}

// Ticker is the last-price snapshot for a symbol, replaced wholesale on
// every update.
type Ticker struct {
	Symbol string  `json:"symbol"`
	TsMs   int64   `json:"ts_ms"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	BidVol float64 `json:"bid_vol"`
	AskVol float64 `json:"ask_vol"`
}

// Mid returns the bid/ask midpoint, falling back to last when one side is
// missing.
func (t Ticker) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a point-in-time depth snapshot. Bids are sorted descending,
// asks ascending. A valid book is never crossed.
type OrderBook struct {
	Symbol string       `json:"symbol"`
	TsMs   int64        `json:"ts_ms"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
	Nonce  int64        `json:"nonce"`
}

// BestBid returns the top bid, or false when the book side is empty.
func (ob OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask, or false when the book side is empty.
func (ob OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

// Mid returns the midpoint of the best bid and ask, or false when either
// side is empty.
func (ob OrderBook) Mid() (float64, bool) {
	bid, okB := ob.BestBid()
	ask, okA := ob.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Depth returns the total size resting on one side of the book.
func (ob OrderBook) Depth(side Side) float64 {
	levels := ob.Asks
	if side == Sell {
		levels = ob.Bids
	}
	var total float64
	for _, lvl := range levels {
		total += lvl.Size
	}
	return total
}

// Validate checks ordering and rejects crossed books.
func (ob OrderBook) Validate() error {
	for i := 1; i < len(ob.Bids); i++ {
		if ob.Bids[i].Price >= ob.Bids[i-1].Price {
			return fmt.Errorf("book %s: bids not strictly descending", ob.Symbol)
		}
	}
	for i := 1; i < len(ob.Asks); i++ {
		if ob.Asks[i].Price <= ob.Asks[i-1].Price {
			return fmt.Errorf("book %s: asks not strictly ascending", ob.Symbol)
		}
	}
	if bid, okB := ob.BestBid(); okB {
		if ask, okA := ob.BestAsk(); okA && bid.Price >= ask.Price {
			return fmt.Errorf("book %s: crossed (bid %.8f >= ask %.8f)", ob.Symbol, bid.Price, ask.Price)
		}
	}
	return nil
}

// MarketInfo describes one tradable symbol on a venue: precision for
// rounding at the venue boundary plus minimum order constraints.
type MarketInfo struct {
	Symbol         string          `json:"symbol"`
	Base           string          `json:"base"`
	Quote          string          `json:"quote"`
	PricePrecision int32           `json:"price_precision"`
	QtyPrecision   int32           `json:"qty_precision"`
	MinQty         decimal.Decimal `json:"min_qty"`
	MinNotional    decimal.Decimal `json:"min_notional"`
	Active         bool            `json:"active"`
}

// RoundPrice rounds a price to the venue's precision, half-up.
func (m MarketInfo) RoundPrice(px decimal.Decimal) decimal.Decimal {
	return px.Round(m.PricePrecision)
}

// RoundQty rounds a quantity to the venue's precision, half-up.
func (m MarketInfo) RoundQty(qty decimal.Decimal) decimal.Decimal {
	return qty.Round(m.QtyPrecision)
}

// ————————————————————————————————————————————————————————————————————————
// Signals and orders
// ————————————————————————————————————————————————————————————————————————

// Signal is a strategy's trade intent. It is consumed exactly once by the
// risk pipeline, which either rejects it (terminal) or turns it into one or
// more orders. Monetary fields are decimal; a zero decimal means unset.
type Signal struct {
	ID           string          `json:"id"`
	Strategy     string          `json:"strategy"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Intent       Intent          `json:"intent"`
	Type         OrderType       `json:"type"`
	Qty          decimal.Decimal `json:"qty,omitempty"`
	Notional     decimal.Decimal `json:"notional,omitempty"`
	LimitPx      decimal.Decimal `json:"limit_px,omitempty"`
	StopPx       decimal.Decimal `json:"stop_px,omitempty"`
	StopLossPx   decimal.Decimal `json:"stop_loss_px,omitempty"`
	TakeProfitPx decimal.Decimal `json:"take_profit_px,omitempty"`
	Urgency      float64         `json:"urgency"`
	TsMs         int64           `json:"ts_ms"` // originating bar timestamp, for replayability
	Context      map[string]any  `json:"context,omitempty"`
}

// Validate rejects malformed signals before they reach the risk gates.
func (s Signal) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("signal %s: empty symbol", s.ID)
	case s.Strategy == "":
		return fmt.Errorf("signal %s: empty strategy", s.ID)
	case !s.Side.Valid():
		return fmt.Errorf("signal %s: bad side %q", s.ID, s.Side)
	case !s.Intent.Valid():
		return fmt.Errorf("signal %s: bad intent %q", s.ID, s.Intent)
	case !s.Type.Valid():
		return fmt.Errorf("signal %s: bad order type %q", s.ID, s.Type)
	case s.Urgency < 0 || s.Urgency > 1:
		return fmt.Errorf("signal %s: urgency %.3f outside [0,1]", s.ID, s.Urgency)
	case s.Qty.IsNegative() || s.Notional.IsNegative():
		return fmt.Errorf("signal %s: negative qty or notional", s.ID)
	case (s.Type == Limit || s.Type == StopLimit) && !s.LimitPx.IsPositive():
		return fmt.Errorf("signal %s: %s order without limit price", s.ID, s.Type)
	case (s.Type == Stop || s.Type == StopLimit) && !s.StopPx.IsPositive():
		return fmt.Errorf("signal %s: %s order without stop price", s.ID, s.Type)
	}
	return nil
}

// Order is owned by the execution layer from submission until it reaches a
// terminal status and bookkeeping has run.
type Order struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	Symbol         string          `json:"symbol"`
	Venue          string          `json:"venue"`
	Account        string          `json:"account"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Qty            decimal.Decimal `json:"qty"`
	LimitPx        decimal.Decimal `json:"limit_px,omitempty"`
	StopPx         decimal.Decimal `json:"stop_px,omitempty"`
	ReduceOnly     bool            `json:"reduce_only,omitempty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	AvgFillPx      decimal.Decimal `json:"avg_fill_px"`
	Status         OrderStatus     `json:"status"`
	Reason         string          `json:"reason,omitempty"` // rejection/cancel reason
	CreatedTs      int64           `json:"created_ts"`
	UpdatedTs      int64           `json:"updated_ts"`
	ParentSignalID string          `json:"parent_signal_id,omitempty"`
	SliceOf        string          `json:"slice_of,omitempty"` // execution plan ID when this order is one slice
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal { return o.Qty.Sub(o.FilledQty) }

/// ApplyFill folds a fill into the order: filled_qty and avg_fill_px move,
// status goes partial or filled. Overfills are rejected.
func (o *Order) ApplyFill(f Fill) error {
	if o.Status.Terminal() {
		return fmt.Errorf("order %s: fill after terminal status %s", o.ID, o.Status)
	}
	newFilled := o.FilledQty.Add(f.Qty)
	if newFilled.GreaterThan(o.Qty) {
		return fmt.Errorf("order %s: fill %s exceeds remaining %s", o.ID, f.Qty, o.Remaining())
	}
	// Volume-weighted average entry across all fills so far.
	notional := o.AvgFillPx.Mul(o.FilledQty).Add(f.Px.Mul(f.Qty))
	o.FilledQty = newFilled
	if newFilled.IsPositive() {
		o.AvgFillPx = notional.Div(newFilled)
	}
	if o.FilledQty.Equal(o.Qty) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	o.UpdatedTs = f.TsMs
	return nil
}

// Fill is one execution report from a venue.
type Fill struct {
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Px      decimal.Decimal `json:"px"`
	Qty     decimal.Decimal `json:"qty"`
	Fee     decimal.Decimal `json:"fee"`
	TsMs    int64           `json:"ts_ms"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and accounts
// ————————————————————————————————————————————————————————————————————————

// Position is the folded result of terminal fills for one
// (account, venue, symbol). Qty is signed: positive long, negative short.
type Position struct {
	Account       string          `json:"account"`
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPx    decimal.Decimal `json:"avg_entry_px"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarginUsed    decimal.Decimal `json:"margin_used"`
	LiqPx         decimal.Decimal `json:"liq_px,omitempty"`
	UpdatedTs     int64           `json:"updated_ts"`
}

// Notional returns |qty| × mark price.
func (p Position) Notional(mark decimal.Decimal) decimal.Decimal {
	return p.Qty.Abs().Mul(mark)
}

// Flat reports whether the position is closed.
func (p Position) Flat() bool { return p.Qty.IsZero() }

// AccountSnapshot is the periodic view of one account's health, refreshed
// on fill and on poll.
type AccountSnapshot struct {
	AccountID  string          `json:"account_id"`
	Venue      string          `json:"venue"`
	Equity     decimal.Decimal `json:"equity"`
	FreeMargin decimal.Decimal `json:"free_margin"`
	UsedMargin decimal.Decimal `json:"used_margin"`
	Positions  []Position      `json:"positions"`
	TsMs       int64           `json:"ts_ms"`
}

// MarginRate returns free margin over equity. Lower is more at risk; 1.0
// means nothing is in use. Returns 1.0 for an empty account.
func (a AccountSnapshot) MarginRate() float64 {
	if !a.Equity.IsPositive() {
		return 1.0
	}
	rate, _ := a.FreeMargin.Div(a.Equity).Float64()
	return rate
}

// ————————————————————————————————————————————————————————————————————————
// Execution plans
// ————————————————————————————————————————————————————————————————————————

// Slice is one scheduled child of an execution plan. DisplayQty applies to
// iceberg-style slices; zero means fully visible.
type Slice struct {
	Qty         decimal.Decimal `json:"qty"`
	ScheduledTs int64           `json:"scheduled_ts"`
	DisplayQty  decimal.Decimal `json:"display_qty,omitempty"`
}

// ExecutionPlan describes how a sized order is worked over time.
// Invariant: the slice quantities sum exactly to TotalQty and every slice's
// display quantity is at most its quantity.
type ExecutionPlan struct {
	ID         string          `json:"id"`
	Algo       ExecAlgo        `json:"algo"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Slices     []Slice         `json:"slices"`
	TotalQty   decimal.Decimal `json:"total_qty"`
	StartedTs  int64           `json:"started_ts"`
	FinishedTs int64           `json:"finished_ts,omitempty"`
}

// Validate checks the plan invariants.
func (p ExecutionPlan) Validate() error {
	if len(p.Slices) == 0 {
		return fmt.Errorf("plan %s: no slices", p.ID)
	}
	sum := decimal.Zero
	for i, sl := range p.Slices {
		if !sl.Qty.IsPositive() {
			return fmt.Errorf("plan %s: slice %d has non-positive qty", p.ID, i)
		}
		if sl.DisplayQty.GreaterThan(sl.Qty) {
			return fmt.Errorf("plan %s: slice %d display qty exceeds qty", p.ID, i)
		}
		sum = sum.Add(sl.Qty)
	}
	if !sum.Equal(p.TotalQty) {
		return fmt.Errorf("plan %s: slices sum %s != total %s", p.ID, sum, p.TotalQty)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Risk events and actions
// ————————————————————————————————————————————————————————————————————————

// RiskEvent is the unit the risk pipeline emits and the audit sink records.
// The integrity chain fields (prev_hash, hash) are attached by the audit
// sink at write time, not here.
type RiskEvent struct {
	ID      string         `json:"id"`
	Module  string         `json:"module"`
	Kind    string         `json:"kind"`
	Level   RiskLevel      `json:"level"`
	Symbol  string         `json:"symbol,omitempty"`
	Account string         `json:"account,omitempty"`
	TsMs    int64          `json:"ts_ms"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RiskAction is a monitor's instruction to the engine/executor. Actions are
// idempotent: applying the same action twice leaves the system unchanged.
type RiskAction struct {
	Type    ActionType `json:"type"`
	Reason  string     `json:"reason"`
	Level   RiskLevel  `json:"level"`
	Symbol  string     `json:"symbol,omitempty"`  // empty = all symbols
	Account string     `json:"account,omitempty"` // empty = all accounts
	TsMs    int64      `json:"ts_ms"`
}
