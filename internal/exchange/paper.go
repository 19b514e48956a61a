// paper.go implements a simulated venue. Dry-run engines route every
// account through it so the full strategy → risk → execution path runs
// without touching a live market.
//
// Market data comes from an optional Source connector (public endpoints
// need no credentials) or, when none is configured, from a seeded random
// walk so offline runs and tests are deterministic. Orders fill against
// the observed quote: market orders immediately at bid/ask, limit orders
// when the book crosses their price, stops when the trigger trades.
// Fills charge a taker fee and fold into a local position and equity
// model that backs FetchBalance and FetchPositions.
package exchange

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// PaperOptions configures the simulated venue.
type PaperOptions struct {
	Name        string
	Source      Connector       // optional public-data passthrough
	Symbols     []string        // synthetic universe when Source is nil
	StartEquity decimal.Decimal // default 100000
	FeeRate     decimal.Decimal // taker fee fraction, default 0.0004
	TickEvery   time.Duration   // synthetic tick cadence, default 250ms
	Interval    types.Timeframe // synthetic bar interval, default 1m
	Seed        int64           // synthetic walk seed, default 1
}

// Paper is the simulated venue.
type Paper struct {
	name      string
	source    Connector
	symbols   []string
	fee       decimal.Decimal
	tickEvery time.Duration
	interval  types.Timeframe
	rl        *RateLimiter
	logger    *slog.Logger
	nowMs     func() int64

	mu        sync.Mutex
	rng       *rand.Rand
	equity    decimal.Decimal
	positions map[string]*paperPosition
	resting   map[string]*restingOrder // client order ID → order
	last      map[string]quote         // latest observed top of book
	walk      map[string]float64       // synthetic mid per symbol
	markets   map[string]types.MarketInfo
	events    chan StreamEvent
}

type paperPosition struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

type restingOrder struct {
	order     types.Order
	stopPx    decimal.Decimal
	triggered bool
}

type quote struct {
	bid, ask float64
	tsMs     int64
}

const (
	paperSpread    = 0.0002 // synthetic half-spread plus book level step
	paperStepSigma = 0.001  // synthetic per-tick move bound
	paperLevelSize = 25.0   // synthetic size per book level
	paperDepth     = 5
)

// NewPaper builds a simulated venue.
func NewPaper(opts PaperOptions, logger *slog.Logger) *Paper {
	name := opts.Name
	if name == "" {
		name = "paper"
	}
	equity := opts.StartEquity
	if !equity.IsPositive() {
		equity = decimal.NewFromInt(100_000)
	}
	fee := opts.FeeRate
	if fee.IsZero() {
		fee = decimal.NewFromFloat(0.0004)
	}
	tick := opts.TickEvery
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	interval := opts.Interval
	if interval == "" {
		interval = types.TF1m
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}

	p := &Paper{
		name:      name,
		source:    opts.Source,
		symbols:   opts.Symbols,
		fee:       fee,
		tickEvery: tick,
		interval:  interval,
		rl:        NewRateLimiter(),
		logger:    logger.With("component", "exchange", "venue", name),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
		rng:       rand.New(rand.NewSource(seed)),
		equity:    equity,
		positions: make(map[string]*paperPosition),
		resting:   make(map[string]*restingOrder),
		last:      make(map[string]quote),
		walk:      make(map[string]float64),
		markets:   make(map[string]types.MarketInfo),
		events:    make(chan StreamEvent, streamBufferSize),
	}
	for _, sym := range opts.Symbols {
		p.walk[sym] = 100.0
	}
	return p
}

// Name returns the venue name.
func (p *Paper) Name() string { return p.name }

// RateLimit exposes the venue token buckets. The simulated venue keeps
// real pacing so execution behaves the same in dry-run.
func (p *Paper) RateLimit() *RateLimiter { return p.rl }

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// LoadMarkets delegates to the source when present, otherwise
// synthesizes permissive defaults for the configured universe.
func (p *Paper) LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error) {
	if p.source != nil {
		markets, err := p.source.LoadMarkets(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.markets = markets
		p.mu.Unlock()
		return markets, nil
	}

	markets := make(map[string]types.MarketInfo, len(p.symbols))
	for _, sym := range p.symbols {
		base := strings.TrimSuffix(sym, "USDT")
		if base == "" {
			base = sym
		}
		markets[sym] = types.MarketInfo{
			Symbol:         sym,
			Base:           base,
			Quote:          "USDT",
			PricePrecision: 2,
			QtyPrecision:   3,
			MinQty:         decimal.NewFromFloat(0.001),
			MinNotional:    decimal.NewFromInt(5),
			Active:         true,
		}
	}
	p.mu.Lock()
	p.markets = markets
	p.mu.Unlock()
	return markets, nil
}

// FetchTicker returns the source quote or steps the synthetic walk.
func (p *Paper) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	if p.source != nil {
		t, err := p.source.FetchTicker(ctx, symbol)
		if err == nil {
			p.observe(t.Symbol, t.Bid, t.Ask, t.TsMs)
		}
		return t, err
	}
	p.mu.Lock()
	t := p.syntheticTickerLocked(symbol)
	p.matchLocked(symbol)
	p.mu.Unlock()
	return t, nil
}

// FetchOrderBook returns the source book or a synthetic ladder around
// the walk price.
func (p *Paper) FetchOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	if p.source != nil {
		return p.source.FetchOrderBook(ctx, symbol, depth)
	}
	if depth <= 0 || depth > paperDepth {
		depth = paperDepth
	}
	p.mu.Lock()
	t := p.syntheticTickerLocked(symbol)
	p.matchLocked(symbol)
	p.mu.Unlock()

	book := types.OrderBook{Symbol: symbol, TsMs: t.TsMs, Nonce: t.TsMs}
	for i := 0; i < depth; i++ {
		step := paperSpread * float64(i)
		book.Bids = append(book.Bids, types.PriceLevel{Price: t.Bid * (1 - step), Size: paperLevelSize})
		book.Asks = append(book.Asks, types.PriceLevel{Price: t.Ask * (1 + step), Size: paperLevelSize})
	}
	return book, nil
}

// FetchOHLCV returns source history or a deterministic synthetic walk
// ending at the current price.
func (p *Paper) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]types.Bar, error) {
	if p.source != nil {
		return p.source.FetchOHLCV(ctx, symbol, tf, sinceMs, limit)
	}
	if limit <= 0 {
		limit = 500
	}
	durMs := tf.Millis()
	if durMs == 0 {
		return nil, types.Ef(types.KindValidation, "paper.fetch_ohlcv", "unknown timeframe %q", tf)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.walk[symbol]
	if px == 0 {
		px = 100.0
		p.walk[symbol] = px
	}

	// Walk backwards from the live price so history joins the stream
	// seamlessly, then emit in ascending time order.
	end := (p.nowMs() / durMs) * durMs
	bars := make([]types.Bar, limit)
	closePx := px
	for i := limit - 1; i >= 0; i-- {
		move := 1 + (p.rng.Float64()-0.5)*2*paperStepSigma
		openPx := closePx / move
		hi := openPx
		lo := closePx
		if closePx > hi {
			hi = closePx
		}
		if openPx < lo {
			lo = openPx
		}
		bars[i] = types.Bar{
			Symbol:      symbol,
			Timeframe:   tf,
			TsMs:        end - int64(limit-i)*durMs,
			Open:        openPx,
			High:        hi * (1 + paperStepSigma/4),
			Low:         lo * (1 - paperStepSigma/4),
			Close:       closePx,
			Volume:      1000 + p.rng.Float64()*500,
			TradesCount: 100,
		}
		closePx = openPx
	}
	return bars, nil
}

// FetchFundingRateHistory returns source data or a flat synthetic rate.
func (p *Paper) FetchFundingRateHistory(ctx context.Context, symbol string, sinceMs int64, limit int) ([]FundingRate, error) {
	if p.source != nil {
		return p.source.FetchFundingRateHistory(ctx, symbol, sinceMs, limit)
	}
	if limit <= 0 {
		limit = 21
	}
	const eightHoursMs = 8 * 60 * 60 * 1000
	now := p.nowMs()
	out := make([]FundingRate, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		out = append(out, FundingRate{Symbol: symbol, Rate: 0.0001, TsMs: now - int64(i)*eightHoursMs})
	}
	return out, nil
}

// FetchOpenInterestHistory returns source data or a flat synthetic
// series.
func (p *Paper) FetchOpenInterestHistory(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]OpenInterest, error) {
	if p.source != nil {
		return p.source.FetchOpenInterestHistory(ctx, symbol, tf, sinceMs, limit)
	}
	if limit <= 0 {
		limit = 100
	}
	durMs := tf.Millis()
	if durMs == 0 {
		durMs = types.TF1h.Millis()
	}
	now := p.nowMs()
	out := make([]OpenInterest, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		out = append(out, OpenInterest{Symbol: symbol, Value: 1_000_000, TsMs: now - int64(i)*durMs})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// FetchBalance reports simulated equity. Used margin assumes 10x
// leverage on open notional.
func (p *Paper) FetchBalance(ctx context.Context) (types.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	used := decimal.Zero
	for sym, pos := range p.positions {
		used = used.Add(pos.qty.Abs().Mul(p.markDecimalLocked(sym, pos.avg)))
	}
	used = used.Div(decimal.NewFromInt(10))
	return types.AccountSnapshot{
		Venue:      p.name,
		Equity:     p.equity,
		UsedMargin: used,
		FreeMargin: p.equity.Sub(used),
		TsMs:       p.nowMs(),
	}, nil
}

// FetchPositions reports the simulated open positions.
func (p *Paper) FetchPositions(ctx context.Context) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	syms := make([]string, 0, len(p.positions))
	for sym := range p.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	out := make([]types.Position, 0, len(syms))
	for _, sym := range syms {
		pos := p.positions[sym]
		mark := p.markDecimalLocked(sym, pos.avg)
		unreal := mark.Sub(pos.avg).Mul(pos.qty)
		out = append(out, types.Position{
			Venue:         p.name,
			Symbol:        sym,
			Qty:           pos.qty,
			AvgEntryPx:    pos.avg,
			UnrealizedPnL: unreal,
			UpdatedTs:     p.nowMs(),
		})
	}
	return out, nil
}

func (p *Paper) markDecimalLocked(symbol string, fallback decimal.Decimal) decimal.Decimal {
	if q, ok := p.last[symbol]; ok && q.bid > 0 && q.ask > 0 {
		return decimal.NewFromFloat((q.bid + q.ask) / 2)
	}
	if px, ok := p.walk[symbol]; ok && px > 0 {
		return decimal.NewFromFloat(px)
	}
	return fallback
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// CreateOrder fills market orders immediately at the touch and rests
// limit and stop orders until the simulated book crosses them.
func (p *Paper) CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	const op = "paper.create_order"
	if err := p.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}
	if !req.Qty.IsPositive() {
		return types.Order{}, types.Ef(types.KindValidation, op, "qty must be positive, got %s", req.Qty)
	}
	if !req.Side.Valid() {
		return types.Order{}, types.Ef(types.KindValidation, op, "invalid side %q", req.Side)
	}

	now := p.nowMs()
	order := types.Order{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Venue:     p.name,
		Side:      req.Side,
		Type:      req.Type,
		Qty:       req.Qty,
		LimitPx:   req.LimitPx,
		Status:    types.StatusNew,
		CreatedTs: now,
		UpdatedTs: now,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.quoteLocked(req.Symbol)

	switch req.Type {
	case types.Market:
		px := q.ask
		if req.Side == types.Sell {
			px = q.bid
		}
		p.fillLocked(&order, decimal.NewFromFloat(px))

	case types.Limit:
		marketable := (req.Side == types.Buy && q.ask <= req.LimitPx.InexactFloat64()) ||
			(req.Side == types.Sell && q.bid >= req.LimitPx.InexactFloat64())
		if marketable {
			p.fillLocked(&order, req.LimitPx)
		} else {
			p.resting[order.ClientID] = &restingOrder{order: order}
		}

	case types.Stop, types.StopLimit:
		if !req.StopPx.IsPositive() {
			return types.Order{}, types.Ef(types.KindValidation, op, "stop order needs a stop price")
		}
		p.resting[order.ClientID] = &restingOrder{order: order, stopPx: req.StopPx}

	default:
		return types.Order{}, types.Ef(types.KindValidation, op, "unsupported order type %q", req.Type)
	}

	return order, nil
}

// CancelOrder removes a resting order. Cancelling an unknown or already
// filled order succeeds, matching live venue semantics.
func (p *Paper) CancelOrder(ctx context.Context, symbol, clientID string) error {
	if err := p.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	ro, ok := p.resting[clientID]
	if ok {
		delete(p.resting, clientID)
		ro.order.Status = types.StatusCancelled
		ro.order.UpdatedTs = p.nowMs()
	}
	p.mu.Unlock()

	if ok {
		o := ro.order
		p.emit(StreamEvent{Order: &o})
	}
	return nil
}

// observe records a fresh quote and runs the resting-order matcher.
func (p *Paper) observe(symbol string, bid, ask float64, tsMs int64) {
	if bid <= 0 || ask <= 0 {
		return
	}
	p.mu.Lock()
	p.last[symbol] = quote{bid: bid, ask: ask, tsMs: tsMs}
	p.matchLocked(symbol)
	p.mu.Unlock()
}

func (p *Paper) quoteLocked(symbol string) quote {
	if q, ok := p.last[symbol]; ok && q.bid > 0 && q.ask > 0 {
		return q
	}
	t := p.syntheticTickerLocked(symbol)
	return quote{bid: t.Bid, ask: t.Ask, tsMs: t.TsMs}
}

// syntheticTickerLocked steps the random walk and records the quote.
func (p *Paper) syntheticTickerLocked(symbol string) types.Ticker {
	px, ok := p.walk[symbol]
	if !ok || px == 0 {
		px = 100.0
	}
	px *= 1 + (p.rng.Float64()-0.5)*2*paperStepSigma
	p.walk[symbol] = px

	t := types.Ticker{
		Symbol: symbol,
		TsMs:   p.nowMs(),
		Bid:    px * (1 - paperSpread/2),
		Ask:    px * (1 + paperSpread/2),
		Last:   px,
		BidVol: paperLevelSize,
		AskVol: paperLevelSize,
	}
	p.last[symbol] = quote{bid: t.Bid, ask: t.Ask, tsMs: t.TsMs}
	return t
}

// matchLocked fills resting orders crossed by the current quote.
func (p *Paper) matchLocked(symbol string) {
	q, ok := p.last[symbol]
	if !ok {
		return
	}
	for id, ro := range p.resting {
		if ro.order.Symbol != symbol {
			continue
		}
		o := &ro.order

		// Stop trigger: buy stops arm above the market, sell stops below.
		if (o.Type == types.Stop || o.Type == types.StopLimit) && !ro.triggered {
			stop := ro.stopPx.InexactFloat64()
			if (o.Side == types.Buy && q.ask >= stop) || (o.Side == types.Sell && q.bid <= stop) {
				ro.triggered = true
			} else {
				continue
			}
			if o.Type == types.Stop {
				px := q.ask
				if o.Side == types.Sell {
					px = q.bid
				}
				p.fillLocked(o, decimal.NewFromFloat(px))
				delete(p.resting, id)
				continue
			}
		}
		if o.Type == types.Stop || (o.Type == types.StopLimit && !ro.triggered) {
			continue
		}

		limit := o.LimitPx.InexactFloat64()
		if (o.Side == types.Buy && q.ask <= limit) || (o.Side == types.Sell && q.bid >= limit) {
			p.fillLocked(o, o.LimitPx)
			delete(p.resting, id)
		}
	}
}

// fillLocked executes the full quantity at px, updates the position and
// equity, and emits order and fill events.
func (p *Paper) fillLocked(order *types.Order, px decimal.Decimal) {
	if mi, ok := p.markets[order.Symbol]; ok {
		px = mi.RoundPrice(px)
	}
	now := p.nowMs()
	order.FilledQty = order.Qty
	order.AvgFillPx = px
	order.Status = types.StatusFilled
	order.UpdatedTs = now

	fee := px.Mul(order.Qty).Mul(p.fee)
	p.applyPositionLocked(order.Symbol, order.Side, order.Qty, px)
	p.equity = p.equity.Sub(fee)

	o := *order
	fill := types.Fill{
		OrderID: order.ClientID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Px:      px,
		Qty:     order.Qty,
		Fee:     fee,
		TsMs:    now,
	}
	if fill.OrderID == "" {
		fill.OrderID = order.ID
	}
	p.emit(StreamEvent{Order: &o})
	p.emit(StreamEvent{Fill: &fill})
}

// applyPositionLocked folds a fill into the signed position, crediting
// realized PnL to equity on reduces and flips.
func (p *Paper) applyPositionLocked(symbol string, side types.Side, qty, px decimal.Decimal) {
	delta := qty
	if side == types.Sell {
		delta = qty.Neg()
	}
	pos := p.positions[symbol]
	if pos == nil {
		pos = &paperPosition{}
		p.positions[symbol] = pos
	}
	old := pos.qty
	newQty := old.Add(delta)

	switch {
	case old.IsZero() || old.Sign() == delta.Sign():
		// Opening or adding: volume-weighted average entry.
		if !newQty.IsZero() {
			oldNotional := pos.avg.Mul(old.Abs())
			addNotional := px.Mul(delta.Abs())
			pos.avg = oldNotional.Add(addNotional).Div(newQty.Abs())
		}

	case newQty.IsZero() || newQty.Sign() == old.Sign():
		// Reducing or closing.
		closeQty := delta.Abs()
		pnl := px.Sub(pos.avg).Mul(closeQty)
		if old.Sign() < 0 {
			pnl = pos.avg.Sub(px).Mul(closeQty)
		}
		p.equity = p.equity.Add(pnl)

	default:
		// Flip through zero: close the whole old side, open the rest at px.
		closeQty := old.Abs()
		pnl := px.Sub(pos.avg).Mul(closeQty)
		if old.Sign() < 0 {
			pnl = pos.avg.Sub(px).Mul(closeQty)
		}
		p.equity = p.equity.Add(pnl)
		pos.avg = px
	}

	pos.qty = newQty
	if newQty.IsZero() {
		delete(p.positions, symbol)
	}
}

func (p *Paper) emit(ev StreamEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("paper event buffer full, dropping")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Stream
// ————————————————————————————————————————————————————————————————————————

// Stream merges market data (delegated or synthetic) with simulated
// order and fill events. The channel closes when ctx is cancelled.
func (p *Paper) Stream(ctx context.Context, symbols []string) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, streamBufferSize)

	if p.source != nil {
		src, err := p.source.Stream(ctx, symbols)
		if err != nil {
			return nil, err
		}
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-src:
					if !ok {
						return
					}
					if ev.Ticker != nil {
						p.observe(ev.Ticker.Symbol, ev.Ticker.Bid, ev.Ticker.Ask, ev.Ticker.TsMs)
					}
					forward(out, ev)
				case ev := <-p.events:
					forward(out, ev)
				}
			}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(p.tickEvery)
		defer ticker.Stop()
		agg := make(map[string]*types.Bar)

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-p.events:
				forward(out, ev)
			case <-ticker.C:
				for _, sym := range symbols {
					p.mu.Lock()
					t := p.syntheticTickerLocked(sym)
					p.matchLocked(sym)
					p.mu.Unlock()
					forward(out, StreamEvent{Ticker: &t})
					if bar := p.foldBar(agg, t); bar != nil {
						forward(out, StreamEvent{Bar: bar})
					}
				}
			}
		}
	}()
	return out, nil
}

// foldBar aggregates ticks into interval bars, returning a bar when its
// boundary has passed.
func (p *Paper) foldBar(agg map[string]*types.Bar, t types.Ticker) *types.Bar {
	durMs := p.interval.Millis()
	bucket := (t.TsMs / durMs) * durMs

	cur := agg[t.Symbol]
	if cur == nil {
		agg[t.Symbol] = &types.Bar{
			Symbol: t.Symbol, Timeframe: p.interval, TsMs: bucket,
			Open: t.Last, High: t.Last, Low: t.Last, Close: t.Last,
		}
		return nil
	}
	if bucket == cur.TsMs {
		if t.Last > cur.High {
			cur.High = t.Last
		}
		if t.Last < cur.Low {
			cur.Low = t.Last
		}
		cur.Close = t.Last
		cur.Volume += paperLevelSize
		cur.TradesCount++
		return nil
	}

	done := *cur
	agg[t.Symbol] = &types.Bar{
		Symbol: t.Symbol, Timeframe: p.interval, TsMs: bucket,
		Open: t.Last, High: t.Last, Low: t.Last, Close: t.Last,
	}
	return &done
}

func forward(out chan<- StreamEvent, ev StreamEvent) {
	select {
	case out <- ev:
	default:
	}
}
