package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/bus"
	"tradecore/pkg/types"
)

// Config controls the market-data engine.
type Config struct {
	BaseTimeframe types.Timeframe // timeframe the connectors deliver
	SeriesCap     int             // bars retained per (symbol, timeframe)
	QueueSize     int             // per-symbol ingest queue
	StaleAfter    time.Duration   // ticker/book older than this is not served
}

func (c *Config) defaults() {
	if c.BaseTimeframe == "" {
		c.BaseTimeframe = types.TF5m
	}
	if c.SeriesCap <= 0 {
		c.SeriesCap = 1000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
}

// Update is one normalized message from a connector. Exactly one field is
// set.
type Update struct {
	Bar    *types.Bar
	Ticker *types.Ticker
	Book   *types.OrderBook
}

// symbolState holds everything the engine tracks for one symbol. A single
// goroutine consumes the ingest queue, which is what gives consumers the
// per-symbol ordering guarantee.
type symbolState struct {
	symbol string
	in     chan Update

	mu       sync.RWMutex
	series   map[types.Timeframe]*series
	aggs     map[types.Timeframe]*aggregator
	subs     map[types.Timeframe]int
	lastBase int64
	ticker   types.Ticker
	tickerAt time.Time
	book     types.OrderBook
	bookAt   time.Time

	dedupDrops atomic.Int64
	gaps       atomic.Int64
	lost       atomic.Bool
}

// Engine normalizes connector updates into ordered bar/ticker/book streams
// and fans them out on the spine.
type Engine struct {
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolState
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the engine. Start must be called before updates flow.
func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:     cfg,
		bus:     b,
		logger:  logger.With("component", "marketdata"),
		symbols: make(map[string]*symbolState),
	}
}

// Start launches per-symbol workers for known symbols; later symbols start
// lazily on first Subscribe or Feed.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	for _, st := range e.symbols {
		e.wg.Add(1)
		go e.runSymbol(st)
	}
	e.logger.Info("market data engine started", "base_tf", e.cfg.BaseTimeframe, "symbols", len(e.symbols))
}

// Stop halts ingestion and waits for the workers to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("market data engine stopped")
}

// state returns the per-symbol state, creating it (and its worker when the
// engine is running) on first sight.
func (e *Engine) state(symbol string) *symbolState {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		symbol: symbol,
		in:     make(chan Update, e.cfg.QueueSize),
		series: make(map[types.Timeframe]*series),
		aggs:   make(map[types.Timeframe]*aggregator),
		subs:   make(map[types.Timeframe]int),
	}
	st.series[e.cfg.BaseTimeframe] = newSeries(e.cfg.SeriesCap)
	e.symbols[symbol] = st
	if e.started {
		e.wg.Add(1)
		go e.runSymbol(st)
	}
	return st
}

// Subscribe registers interest in (symbol, timeframe), setting up an
// aggregator when the timeframe is above the base feed.
func (e *Engine) Subscribe(symbol string, tf types.Timeframe) {
	st := e.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.subs[tf]++
	if _, ok := st.series[tf]; !ok {
		st.series[tf] = newSeries(e.cfg.SeriesCap)
	}
	if tf != e.cfg.BaseTimeframe {
		if _, ok := st.aggs[tf]; !ok {
			st.aggs[tf] = newAggregator(e.cfg.BaseTimeframe, tf)
		}
	}
}

// Unsubscribe drops one registration; the aggregator goes away with the
// last subscriber. The base series always stays.
func (e *Engine) Unsubscribe(symbol string, tf types.Timeframe) {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.subs[tf] == 0 {
		return
	}
	st.subs[tf]--
	if st.subs[tf] == 0 && tf != e.cfg.BaseTimeframe {
		delete(st.aggs, tf)
		delete(st.series, tf)
		delete(st.subs, tf)
	}
}

// Feed ingests one connector update. Never blocks: when a symbol's queue is
// full the update is dropped with a warning, matching the spine's
// overflow-is-observable stance.
func (e *Engine) Feed(u Update) {
	var symbol string
	switch {
	case u.Bar != nil:
		symbol = u.Bar.Symbol
	case u.Ticker != nil:
		symbol = u.Ticker.Symbol
	case u.Book != nil:
		symbol = u.Book.Symbol
	default:
		return
	}
	st := e.state(symbol)
	select {
	case st.in <- u:
	default:
		e.logger.Warn("ingest queue full, dropping update", "symbol", symbol)
	}
}

func (e *Engine) runSymbol(st *symbolState) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case u := <-st.in:
			switch {
			case u.Bar != nil:
				e.handleBar(st, *u.Bar)
			case u.Ticker != nil:
				e.handleTicker(st, *u.Ticker)
			case u.Book != nil:
				e.handleBook(st, *u.Book)
			}
		}
	}
}

func (e *Engine) handleBar(st *symbolState, b types.Bar) {
	if err := b.Validate(); err != nil {
		e.logger.Warn("rejecting malformed bar", "symbol", st.symbol, "error", err)
		return
	}

	st.mu.Lock()
	ser, ok := st.series[b.Timeframe]
	if !ok {
		// Direct feed for a timeframe nobody set up: create storage so the
		// bar is not lost (tests and replay feeds inject higher tfs).
		ser = newSeries(e.cfg.SeriesCap)
		st.series[b.Timeframe] = ser
	}

	// Ordering per (symbol, timeframe): equal ts is a duplicate, older is
	// stale; both are dropped and counted.
	if last := ser.latestTs(); last != 0 && b.TsMs <= last {
		st.dedupDrops.Add(1)
		st.mu.Unlock()
		e.logger.Debug("dropping out-of-order bar", "symbol", st.symbol, "tf", b.Timeframe, "ts", b.TsMs, "last", last)
		return
	}

	isBase := b.Timeframe == e.cfg.BaseTimeframe
	var gapFrom int64
	if isBase {
		if st.lastBase != 0 && b.TsMs != st.lastBase+b.Timeframe.Millis() {
			gapFrom = st.lastBase
			st.gaps.Add(1)
		}
		st.lastBase = b.TsMs
	}
	ser.push(b)

	var completed []types.Bar
	if isBase {
		for tf, agg := range st.aggs {
			if done, ok := agg.fold(b); ok {
				if s := st.series[tf]; s != nil {
					s.push(done)
				}
				completed = append(completed, done)
			}
		}
	}
	st.mu.Unlock()

	if gapFrom != 0 {
		e.emitGap(st.symbol, b.Timeframe, gapFrom, b.TsMs)
	}
	e.bus.Emit(bus.EvBar, st.symbol, b)
	for _, done := range completed {
		e.bus.Emit(bus.EvBar, st.symbol, done)
	}
}

func (e *Engine) emitGap(symbol string, tf types.Timeframe, lastTs, gotTs int64) {
	e.logger.Warn("feed gap detected", "symbol", symbol, "tf", tf, "last_ts", lastTs, "got_ts", gotTs)
	e.bus.Emit(bus.EvRiskEvent, symbol, types.RiskEvent{
		ID:     uuid.NewString(),
		Module: "marketdata",
		Kind:   "dataGap",
		Level:  types.LevelWarn,
		Symbol: symbol,
		TsMs:   time.Now().UnixMilli(),
		Payload: map[string]any{
			"timeframe":   string(tf),
			"expected_ts": lastTs + tf.Millis(),
			"got_ts":      gotTs,
		},
	})
}

func (e *Engine) handleTicker(st *symbolState, t types.Ticker) {
	st.mu.Lock()
	st.ticker = t
	st.tickerAt = time.Now()
	st.mu.Unlock()
	e.bus.Emit(bus.EvTicker, st.symbol, t)
}

func (e *Engine) handleBook(st *symbolState, ob types.OrderBook) {
	if err := ob.Validate(); err != nil {
		e.logger.Warn("rejecting malformed book", "symbol", st.symbol, "error", err)
		return
	}
	st.mu.Lock()
	if ob.Nonce != 0 && ob.Nonce <= st.book.Nonce {
		st.mu.Unlock()
		return
	}
	st.book = ob
	st.bookAt = time.Now()
	st.mu.Unlock()
	e.bus.Emit(bus.EvBook, st.symbol, ob)
}

// History returns up to n most recent bars for (symbol, timeframe) in
// chronological order.
func (e *Engine) History(symbol string, tf types.Timeframe, n int) []types.Bar {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	ser, ok := st.series[tf]
	if !ok {
		return nil
	}
	return ser.last(n)
}

// Ticker returns the cached last-price snapshot unless it has gone stale.
func (e *Engine) Ticker(symbol string) (types.Ticker, bool) {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return types.Ticker{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.tickerAt.IsZero() || time.Since(st.tickerAt) > e.cfg.StaleAfter {
		return types.Ticker{}, false
	}
	return st.ticker, true
}

// Book returns the cached depth snapshot unless it has gone stale.
func (e *Engine) Book(symbol string) (types.OrderBook, bool) {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return types.OrderBook{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.bookAt.IsZero() || time.Since(st.bookAt) > e.cfg.StaleAfter {
		return types.OrderBook{}, false
	}
	return st.book, true
}

// ConnectionLost marks a symbol's feed as interrupted. Cached state keeps
// serving; strategies may quiesce on the event.
func (e *Engine) ConnectionLost(symbol string) {
	st := e.state(symbol)
	if st.lost.Swap(true) {
		return
	}
	e.logger.Warn("feed interrupted", "symbol", symbol)
	e.bus.Emit(bus.EvConnectionLost, symbol, symbol)
}

// ConnectionRestored clears the interruption flag.
func (e *Engine) ConnectionRestored(symbol string) {
	st := e.state(symbol)
	if !st.lost.Swap(false) {
		return
	}
	e.logger.Info("feed restored", "symbol", symbol)
	e.bus.Emit(bus.EvConnectionRestored, symbol, symbol)
}

// DedupDrops returns how many duplicate or out-of-order bars were dropped
// for a symbol.
func (e *Engine) DedupDrops(symbol string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.symbols[symbol]; ok {
		return st.dedupDrops.Load()
	}
	return 0
}

// Gaps returns how many base-feed gaps were seen for a symbol.
func (e *Engine) Gaps(symbol string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.symbols[symbol]; ok {
		return st.gaps.Load()
	}
	return 0
}
