package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/exchange"
	"tradecore/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Collaborator interfaces
// ————————————————————————————————————————————————————————————————————————

// Account is the slice of the account manager the executor needs: identity,
// venue routing, and fill application.
type Account interface {
	ID() string
	Venue() string
	ApplyFill(f types.Fill) (types.Position, decimal.Decimal, error)
	Snapshot() types.AccountSnapshot
}

// Store persists orders and fills for restart recovery. A nil Store disables
// persistence; the executor keeps trading either way.
type Store interface {
	RecordOrder(o types.Order) error
	InsertFill(account string, f types.Fill) error
}

// BookSource yields the latest order book so adaptive plans can compare
// predicted slippage against what each slice actually paid.
type BookSource interface {
	Book(symbol string) (types.OrderBook, bool)
}

// ————————————————————————————————————————————————————————————————————————
// Worker tasks
// ————————————————————————————————————————————————————————————————————————

// All state for one symbol lives on one worker, so tasks are routed by
// symbol hash and the handlers below never need locks.
type taskKind uint8

const (
	taskSubmit taskKind = iota
	taskFill
	taskCancel
	taskStartPlan
	taskSliceDue
)

type task struct {
	kind   taskKind
	symbol string
	order  types.Order // taskSubmit
	fill   types.Fill  // taskFill
	ps     *planState  // taskStartPlan
	id     string      // taskCancel: order ID, taskSliceDue: plan ID
	reason string
}

// planState tracks one working execution plan. It is owned by a single
// worker goroutine after handoff; only that worker touches it.
type planState struct {
	plan    types.ExecutionPlan
	sig     types.Signal
	account string
	venue   string

	next      int     // index of the next slice to submit
	ema       float64 // realized/predicted slippage ratio, smoothed
	predicted float64 // predicted slippage pct for the inflight slice
	mid       decimal.Decimal
	inflight  string // order ID of the slice currently working
	timer     *time.Timer
	done      bool
}

func (ps *planState) stopTimer() {
	if ps.timer != nil {
		ps.timer.Stop()
		ps.timer = nil
	}
}

const (
	taskQueueCap = 128

	// Adaptive pace control: below fast the venue is giving us better fills
	// than predicted, above slow it is costing more than predicted.
	adaptiveFastRatio = 0.8
	adaptiveSlowRatio = 1.2

	slipEps = 1e-6
)

// ————————————————————————————————————————————————————————————————————————
// Executor
// ————————————————————————————————————————————————————————————————————————

// Executor owns the full order lifecycle: validation and venue rounding,
// submission with retry, fill folding, cancels, and the slice schedulers
// for worked plans. Orders for the same symbol are serialized onto one
// worker; different symbols proceed in parallel.
//
// Connectors pace themselves against venue limits inside CreateOrder and
// CancelOrder. The executor only reads bucket headroom to delay the next
// slice when a burst would otherwise queue at the venue boundary.
type Executor struct {
	cfg     config.ExecutionConfig
	logger  *slog.Logger
	bus     *bus.Bus
	store   Store
	books   BookSource
	planner *Planner

	accounts map[string]Account
	conns    map[string]exchange.Connector

	mktMu   sync.RWMutex
	markets map[string]types.MarketInfo // venue:symbol

	table  *orderTable
	chans  []chan task
	wg     sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool

	submitted atomic.Int64
	filledCnt atomic.Int64
	cancelled atomic.Int64
	failed    atomic.Int64

	now func() time.Time
}

// Stats is a point-in-time view of executor throughput.
type Stats struct {
	Workers   int   `json:"workers"`
	Working   int   `json:"working"`
	Submitted int64 `json:"submitted"`
	Filled    int64 `json:"filled"`
	Cancelled int64 `json:"cancelled"`
	Failed    int64 `json:"failed"`
}

// New builds an executor. st and books may be nil (tests, dry runs).
func New(cfg config.ExecutionConfig, planner *Planner, st Store, books BookSource, b *bus.Bus, logger *slog.Logger) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	chans := make([]chan task, workers)
	for i := range chans {
		chans[i] = make(chan task, taskQueueCap)
	}
	return &Executor{
		cfg:      cfg,
		logger:   logger.With("component", "exec"),
		bus:      b,
		store:    st,
		books:    books,
		planner:  planner,
		accounts: make(map[string]Account),
		conns:    make(map[string]exchange.Connector),
		markets:  make(map[string]types.MarketInfo),
		table:    newOrderTable(),
		chans:    chans,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// AddAccount registers an account and its venue connector. Call before
// Start; the maps are not locked afterwards.
func (e *Executor) AddAccount(a Account, conn exchange.Connector) {
	e.accounts[a.ID()] = a
	if _, ok := e.conns[a.Venue()]; !ok {
		e.conns[a.Venue()] = conn
	}
}

// Start loads venue market metadata and launches the workers.
func (e *Executor) Start(ctx context.Context) error {
	for venue, conn := range e.conns {
		mkts, err := conn.LoadMarkets(ctx)
		if err != nil {
			return fmt.Errorf("exec: load markets for %s: %w", venue, err)
		}
		e.mktMu.Lock()
		for sym, m := range mkts {
			e.markets[venue+":"+sym] = m
		}
		e.mktMu.Unlock()
		e.logger.Info("markets loaded", "venue", venue, "count", len(mkts))
	}
	for i := range e.chans {
		e.wg.Add(1)
		go e.runWorker(ctx, e.chans[i])
	}
	e.logger.Info("executor started", "workers", len(e.chans))
	return nil
}

// Stop halts intake and waits for the workers to drain. Working orders
// remain at the venue; call CancelAll first for a clean shutdown.
func (e *Executor) Stop() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	close(e.done)
	e.wg.Wait()
	e.logger.Info("executor stopped", "working", e.table.size())
}

func (e *Executor) dispatch(t task) {
	idx := int(symbolHash(t.symbol)) % len(e.chans)
	select {
	case e.chans[idx] <- t:
	case <-e.done:
	}
}

func (e *Executor) market(venue, symbol string) (types.MarketInfo, bool) {
	e.mktMu.RLock()
	m, ok := e.markets[venue+":"+symbol]
	e.mktMu.RUnlock()
	return m, ok
}

// Stats returns current throughput counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Workers:   len(e.chans),
		Working:   e.table.size(),
		Submitted: e.submitted.Load(),
		Filled:    e.filledCnt.Load(),
		Cancelled: e.cancelled.Load(),
		Failed:    e.failed.Load(),
	}
}

// WorkingOrders returns copies of all non-terminal orders, optionally
// scoped to one symbol ("" = all).
func (e *Executor) WorkingOrders(symbol string) []types.Order {
	return e.table.working(symbol)
}

// ————————————————————————————————————————————————————————————————————————
// Intake
// ————————————————————————————————————————————————————————————————————————

// Submit validates, rounds, persists, and enqueues a single order. It
// returns the order ID immediately; placement happens on the symbol's
// worker and the outcome arrives as orderSubmitted/orderFailed events.
func (e *Executor) Submit(o types.Order) (string, error) {
	if e.closed.Load() {
		return "", types.Ef(types.KindInternal, "exec.submit", "executor stopped")
	}
	if err := e.prepare(&o); err != nil {
		return "", err
	}
	e.table.put(o)
	e.persist(o)
	e.submitted.Add(1)
	e.bus.Emit(bus.EvOrderSubmitted, o.Symbol, o)
	e.dispatch(task{kind: taskSubmit, symbol: o.Symbol, order: o})
	return o.ID, nil
}

// ExecutePlan hands a sized, risk-approved plan to the symbol's worker.
// Slices are submitted on their schedule; fills advance the plan.
func (e *Executor) ExecutePlan(account string, sig types.Signal, plan types.ExecutionPlan) error {
	if e.closed.Load() {
		return types.Ef(types.KindInternal, "exec.plan", "executor stopped")
	}
	if err := plan.Validate(); err != nil {
		return types.E(types.KindValidation, "exec.plan", err)
	}
	a, ok := e.accounts[account]
	if !ok {
		return types.Ef(types.KindValidation, "exec.plan", "unknown account %q", account)
	}
	ps := &planState{plan: plan, sig: sig, account: account, venue: a.Venue(), ema: 1}
	e.logger.Info("plan accepted",
		"plan", plan.ID, "algo", plan.Algo, "symbol", plan.Symbol,
		"side", plan.Side, "slices", len(plan.Slices), "total_qty", plan.TotalQty)
	e.dispatch(task{kind: taskStartPlan, symbol: plan.Symbol, ps: ps})
	return nil
}

// RecordFill routes a venue fill to the owning worker. Fills for unknown
// or already-terminal orders are dropped there.
func (e *Executor) RecordFill(f types.Fill) {
	if e.closed.Load() {
		return
	}
	e.dispatch(task{kind: taskFill, symbol: f.Symbol, fill: f})
}

// Cancel requests cancellation of one working order. Terminal orders are a
// no-op; unknown IDs are an error.
func (e *Executor) Cancel(id string) error {
	o, ok := e.table.find(id)
	if !ok {
		return types.Ef(types.KindValidation, "exec.cancel", "unknown order %q", id)
	}
	if o.Status.Terminal() {
		return nil
	}
	e.dispatch(task{kind: taskCancel, symbol: o.Symbol, id: o.ID, reason: "cancel requested"})
	return nil
}

// CancelAll cancels every working order, optionally scoped to one symbol
// ("" = all). It returns the number of cancels enqueued.
func (e *Executor) CancelAll(symbol string) int {
	orders := e.table.working(symbol)
	for _, o := range orders {
		e.dispatch(task{kind: taskCancel, symbol: o.Symbol, id: o.ID, reason: "cancel all"})
	}
	return len(orders)
}

// ForceCloseAll cancels all working orders and submits reduce-only market
// orders flattening every open position on every account. It returns the
// number of close orders submitted.
func (e *Executor) ForceCloseAll(reason string) int {
	cancelled := e.CancelAll("")
	closes := 0
	for name, a := range e.accounts {
		snap := a.Snapshot()
		for _, pos := range snap.Positions {
			if pos.Flat() {
				continue
			}
			side := types.Sell
			if pos.Qty.IsNegative() {
				side = types.Buy
			}
			o := types.Order{
				Symbol:     pos.Symbol,
				Account:    name,
				Side:       side,
				Type:       types.Market,
				Qty:        pos.Qty.Abs(),
				ReduceOnly: true,
			}
			if _, err := e.Submit(o); err != nil {
				e.logger.Error("force close submit failed",
					"account", name, "symbol", pos.Symbol, "err", err)
				continue
			}
			closes++
		}
	}
	e.logger.Warn("force close all", "reason", reason, "cancelled", cancelled, "closes", closes)
	return closes
}

// prepare validates the order, fills in identity and routing, and applies
// venue precision exactly once. It mutates o in place.
func (e *Executor) prepare(o *types.Order) error {
	switch {
	case o.Symbol == "":
		return types.Ef(types.KindValidation, "exec.submit", "missing symbol")
	case !o.Side.Valid():
		return types.Ef(types.KindValidation, "exec.submit", "invalid side %q", o.Side)
	case !o.Type.Valid():
		return types.Ef(types.KindValidation, "exec.submit", "invalid order type %q", o.Type)
	case !o.Qty.IsPositive():
		return types.Ef(types.KindValidation, "exec.submit", "non-positive qty %s", o.Qty)
	}
	if (o.Type == types.Limit || o.Type == types.StopLimit) && !o.LimitPx.IsPositive() {
		return types.Ef(types.KindValidation, "exec.submit", "%s order without limit price", o.Type)
	}
	if (o.Type == types.Stop || o.Type == types.StopLimit) && !o.StopPx.IsPositive() {
		return types.Ef(types.KindValidation, "exec.submit", "%s order without trigger price", o.Type)
	}
	a, ok := e.accounts[o.Account]
	if !ok {
		return types.Ef(types.KindValidation, "exec.submit", "unknown account %q", o.Account)
	}
	if o.Venue == "" {
		o.Venue = a.Venue()
	}
	if _, ok := e.conns[o.Venue]; !ok {
		return types.Ef(types.KindValidation, "exec.submit", "no connector for venue %q", o.Venue)
	}
	if mkt, ok := e.market(o.Venue, o.Symbol); ok {
		o.Qty = mkt.RoundQty(o.Qty)
		if o.LimitPx.IsPositive() {
			o.LimitPx = mkt.RoundPrice(o.LimitPx)
		}
		if o.StopPx.IsPositive() {
			o.StopPx = mkt.RoundPrice(o.StopPx)
		}
		if !o.Qty.IsPositive() || o.Qty.LessThan(mkt.MinQty) {
			return types.Ef(types.KindValidation, "exec.submit",
				"qty %s below venue minimum %s", o.Qty, mkt.MinQty)
		}
		if o.LimitPx.IsPositive() && mkt.MinNotional.IsPositive() &&
			o.Qty.Mul(o.LimitPx).LessThan(mkt.MinNotional) {
			return types.Ef(types.KindValidation, "exec.submit",
				"notional %s below venue minimum %s", o.Qty.Mul(o.LimitPx), mkt.MinNotional)
		}
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	// One identifier end to end: the venue echoes ClientID on fills, so
	// stream fills map straight back to the table key.
	o.ClientID = o.ID
	o.Status = types.StatusNew
	ts := e.now().UnixMilli()
	o.CreatedTs, o.UpdatedTs = ts, ts
	return nil
}

func (e *Executor) persist(o types.Order) {
	if e.store == nil {
		return
	}
	if err := e.store.RecordOrder(o); err != nil {
		e.logger.Warn("order not persisted", "order", o.ID, "err", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Workers
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) runWorker(ctx context.Context, ch chan task) {
	defer e.wg.Done()
	plans := make(map[string]*planState)
	defer func() {
		for _, ps := range plans {
			ps.stopTimer()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case t := <-ch:
			e.handle(ctx, t, plans)
		}
	}
}

func (e *Executor) handle(ctx context.Context, t task, plans map[string]*planState) {
	switch t.kind {
	case taskSubmit:
		e.placeOrder(ctx, t.order, plans)
	case taskFill:
		e.applyFill(t.fill, plans)
	case taskCancel:
		e.cancelOrder(ctx, t.symbol, t.id, t.reason, plans)
	case taskStartPlan:
		ps := t.ps
		plans[ps.plan.ID] = ps
		delay := time.Duration(ps.plan.Slices[0].ScheduledTs-e.now().UnixMilli()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		e.scheduleSlice(ps, delay)
	case taskSliceDue:
		ps, ok := plans[t.id]
		if !ok || ps.done || ps.inflight != "" {
			return
		}
		e.submitSlice(ctx, ps, plans)
	}
}

// placeOrder pushes one prepared order to the venue, retrying transient
// failures with exponential backoff. The connector paces itself against
// venue limits inside CreateOrder.
func (e *Executor) placeOrder(ctx context.Context, o types.Order, plans map[string]*planState) {
	conn := e.conns[o.Venue]
	if conn == nil {
		e.rejectOrder(o, "no connector for venue "+o.Venue, plans)
		return
	}
	req := exchange.OrderRequest{
		ClientID:   o.ClientID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       o.Type,
		Qty:        o.Qty,
		LimitPx:    o.LimitPx,
		StopPx:     o.StopPx,
		ReduceOnly: o.ReduceOnly,
	}
	backoff := e.cfg.RetryBackoffBase
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		_, err := conn.CreateOrder(callCtx, req)
		cancel()
		if err == nil {
			// Ack status is ignored: stream fills drive all state from here.
			o.UpdatedTs = e.now().UnixMilli()
			e.table.put(o)
			e.persist(o)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if types.KindOf(err) != types.KindTransientVenue {
			e.rejectOrder(o, err.Error(), plans)
			return
		}
		if attempt >= e.cfg.MaxRetries {
			e.rejectOrder(o, fmt.Sprintf("venue retries exhausted: %v", err), plans)
			return
		}
		e.logger.Warn("order submit retry",
			"order", o.ID, "symbol", o.Symbol, "attempt", attempt+1, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		case <-e.done:
			return
		}
		backoff *= 2
		if backoff > e.cfg.RetryBackoffCap {
			backoff = e.cfg.RetryBackoffCap
		}
	}
}

func (e *Executor) rejectOrder(o types.Order, reason string, plans map[string]*planState) {
	o.Status = types.StatusRejected
	o.Reason = reason
	o.UpdatedTs = e.now().UnixMilli()
	e.table.delete(o.Symbol, o.ID)
	e.persist(o)
	e.failed.Add(1)
	e.logger.Warn("order rejected", "order", o.ID, "symbol", o.Symbol, "reason", reason)
	e.bus.Emit(bus.EvOrderFailed, o.Symbol, o)
	if o.SliceOf != "" {
		e.abortPlan(plans, o.SliceOf, "slice rejected: "+reason)
	}
}

// applyFill folds a venue fill into the order, the store, and the owning
// account, then emits partial/filled and advances any parent plan.
func (e *Executor) applyFill(f types.Fill, plans map[string]*planState) {
	o, ok := e.table.get(f.Symbol, f.OrderID)
	if !ok {
		e.logger.Debug("fill for unknown order", "order", f.OrderID, "symbol", f.Symbol)
		return
	}
	if err := o.ApplyFill(f); err != nil {
		e.logger.Warn("fill dropped", "order", o.ID, "err", err)
		return
	}
	o.UpdatedTs = e.now().UnixMilli()
	e.table.put(o)
	e.persist(o)
	if e.store != nil {
		if err := e.store.InsertFill(o.Account, f); err != nil {
			e.logger.Warn("fill not persisted", "order", o.ID, "err", err)
		}
	}
	if a, ok := e.accounts[o.Account]; ok {
		if _, _, err := a.ApplyFill(f); err != nil {
			e.logger.Warn("account fill apply failed", "account", o.Account, "err", err)
		}
	}
	if o.Status == types.StatusFilled {
		e.filledCnt.Add(1)
		e.table.delete(o.Symbol, o.ID)
		e.logger.Info("order filled",
			"order", o.ID, "symbol", o.Symbol, "qty", o.FilledQty, "avg_px", o.AvgFillPx)
		e.bus.Emit(bus.EvOrderFilled, o.Symbol, o)
		e.advancePlan(plans, o)
		return
	}
	e.bus.Emit(bus.EvOrderPartial, o.Symbol, o)
}

func (e *Executor) cancelOrder(ctx context.Context, symbol, id, reason string, plans map[string]*planState) {
	o, ok := e.table.get(symbol, id)
	if !ok || o.Status.Terminal() {
		return
	}
	if conn := e.conns[o.Venue]; conn != nil {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		err := conn.CancelOrder(callCtx, o.Symbol, o.ClientID)
		cancel()
		if err != nil {
			// The order stays working; a later fill or cancel retry settles it.
			e.logger.Warn("cancel failed", "order", o.ID, "symbol", o.Symbol, "err", err)
			return
		}
	}
	o.Status = types.StatusCancelled
	o.Reason = reason
	o.UpdatedTs = e.now().UnixMilli()
	e.table.delete(o.Symbol, o.ID)
	e.persist(o)
	e.cancelled.Add(1)
	e.logger.Info("order cancelled", "order", o.ID, "symbol", o.Symbol, "reason", reason)
	e.bus.Emit(bus.EvOrderCancelled, o.Symbol, o)
	if o.SliceOf != "" {
		e.abortPlan(plans, o.SliceOf, "slice cancelled: "+reason)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Plan scheduling
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) scheduleSlice(ps *planState, delay time.Duration) {
	ps.stopTimer()
	planID, symbol := ps.plan.ID, ps.plan.Symbol
	ps.timer = time.AfterFunc(delay, func() {
		e.dispatch(task{kind: taskSliceDue, symbol: symbol, id: planID})
	})
}

// submitSlice builds and places the order for the plan's next slice,
// recording the book's predicted slippage for the adaptive feedback loop.
func (e *Executor) submitSlice(ctx context.Context, ps *planState, plans map[string]*planState) {
	sl := ps.plan.Slices[ps.next]
	o := types.Order{
		Symbol:         ps.plan.Symbol,
		Venue:          ps.venue,
		Account:        ps.account,
		Side:           ps.plan.Side,
		Type:           ps.sig.Type,
		Qty:            sl.Qty,
		LimitPx:        ps.sig.LimitPx,
		StopPx:         ps.sig.StopPx,
		ReduceOnly:     !ps.sig.Intent.Opens(),
		ParentSignalID: ps.sig.ID,
		SliceOf:        ps.plan.ID,
	}
	if err := e.prepare(&o); err != nil {
		e.abortPlan(plans, ps.plan.ID, err.Error())
		return
	}
	ps.predicted, ps.mid = 0, decimal.Zero
	if e.books != nil {
		if book, ok := e.books.Book(o.Symbol); ok {
			if est, ok := e.planner.Model().Estimate(book, o.Side, o.Qty); ok {
				ps.predicted, ps.mid = est.Pct, est.Mid
			}
		}
	}
	ps.inflight = o.ID
	e.table.put(o)
	e.persist(o)
	e.submitted.Add(1)
	e.bus.Emit(bus.EvOrderSubmitted, o.Symbol, o)
	e.placeOrder(ctx, o, plans)
}

// advancePlan moves a plan forward after its inflight slice filled. For
// adaptive plans the realized-vs-predicted slippage ratio speeds up or
// slows down the remaining schedule.
func (e *Executor) advancePlan(plans map[string]*planState, o types.Order) {
	if o.SliceOf == "" {
		return
	}
	ps, ok := plans[o.SliceOf]
	if !ok || ps.done || ps.inflight != o.ID {
		return
	}
	ps.inflight = ""
	if ps.plan.Algo == types.AlgoAdaptive && ps.mid.IsPositive() && o.AvgFillPx.IsPositive() {
		realized, _ := o.AvgFillPx.Sub(ps.mid).Abs().Div(ps.mid).Float64()
		predicted := ps.predicted
		if predicted < slipEps {
			predicted = slipEps
		}
		alpha := e.cfg.AdaptiveFeedbackAlpha
		ps.ema = alpha*(realized/predicted) + (1-alpha)*ps.ema
	}
	ps.next++
	if ps.next >= len(ps.plan.Slices) {
		ps.done = true
		ps.plan.FinishedTs = e.now().UnixMilli()
		delete(plans, ps.plan.ID)
		e.logger.Info("plan complete",
			"plan", ps.plan.ID, "algo", ps.plan.Algo, "symbol", ps.plan.Symbol,
			"slices", len(ps.plan.Slices))
		return
	}
	delay := time.Duration(ps.plan.Slices[ps.next].ScheduledTs-e.now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if ps.plan.Algo == types.AlgoAdaptive {
		switch {
		case ps.ema < adaptiveFastRatio:
			delay = 0
		case ps.ema > adaptiveSlowRatio:
			e.shrinkNextSlice(ps)
			delay = delay*2 + e.cfg.MinSliceInterval
		}
	}
	// Soft pacing: if the venue order bucket is empty, push the next slice
	// out instead of queueing at the connector.
	if conn := e.conns[ps.venue]; conn != nil && conn.RateLimit().Order.Available() < 1 {
		delay += e.cfg.MinSliceInterval
	}
	e.scheduleSlice(ps, delay)
}

// shrinkNextSlice halves the upcoming slice and pushes the remainder into a
// new slice right after it, preserving the plan's total.
func (e *Executor) shrinkNextSlice(ps *planState) {
	sl := ps.plan.Slices[ps.next]
	half := sl.Qty.Div(decimal.NewFromInt(2)).Round(qtyScale)
	if !half.IsPositive() || half.GreaterThanOrEqual(sl.Qty) {
		return
	}
	rest := sl.Qty.Sub(half)
	slices := make([]types.Slice, 0, len(ps.plan.Slices)+1)
	slices = append(slices, ps.plan.Slices[:ps.next]...)
	slices = append(slices,
		types.Slice{Qty: half, ScheduledTs: sl.ScheduledTs, DisplayQty: capDisplay(sl.DisplayQty, half)},
		types.Slice{Qty: rest, ScheduledTs: sl.ScheduledTs, DisplayQty: capDisplay(sl.DisplayQty, rest)},
	)
	slices = append(slices, ps.plan.Slices[ps.next+1:]...)
	ps.plan.Slices = slices
}

func capDisplay(display, qty decimal.Decimal) decimal.Decimal {
	if display.IsPositive() && display.GreaterThan(qty) {
		return qty
	}
	return display
}

func (e *Executor) abortPlan(plans map[string]*planState, planID, reason string) {
	ps, ok := plans[planID]
	if !ok || ps.done {
		return
	}
	ps.done = true
	ps.stopTimer()
	delete(plans, planID)
	e.logger.Warn("plan aborted",
		"plan", planID, "symbol", ps.plan.Symbol, "algo", ps.plan.Algo,
		"submitted_slices", ps.next, "reason", reason)
}
