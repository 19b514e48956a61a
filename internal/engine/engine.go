// Package engine is the central orchestrator of the trading engine core.
//
// It wires together all subsystems:
//
//  1. Venue connectors stream bars, tickers, books, and fills; one pump
//     goroutine per venue normalizes them into the market-data engine and
//     the executor's fill path.
//  2. The market-data engine orders and aggregates the streams, then fans
//     them out on the event spine.
//  3. The strategy runtime feeds bars to its instances; their signals run
//     through the risk pipeline, which validates, sizes, gates, plans, and
//     hands approved plans to the executor.
//  4. Risk monitors watch margin, drawdown, and market shocks beside the
//     signal flow; their forced interventions arrive on an action channel
//     the engine applies (cancel working orders, force-close positions).
//  5. The audit sink tails the whole spine into the hash-chained log.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop().
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/account"
	"tradecore/internal/audit"
	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/credstore"
	"tradecore/internal/exchange"
	"tradecore/internal/exec"
	"tradecore/internal/marketdata"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

// Engine lifecycle states.
const (
	stateStopped int32 = iota
	stateStarting
	stateRunning
	stateStopping
)

var stateNames = [...]string{"stopped", "starting", "running", "stopping"}

// riskSink funnels runtime signals into the risk pipeline, dropping the
// per-signal decision: approvals continue through the executor and denials
// are already published as signalRejected events.
type riskSink struct{ m *risk.Manager }

func (s riskSink) ProcessSignal(ctx context.Context, account string, sig types.Signal) error {
	_, err := s.m.ProcessSignal(ctx, account, sig)
	return err
}

// componentError is one failure routed through the error funnel.
type componentError struct {
	component string
	err       error
}

// StatusReport is the point-in-time view the CLI surface exposes.
type StatusReport struct {
	State      string                    `json:"state"`
	Uptime     time.Duration             `json:"uptime"`
	Strategies []strategy.InstanceStatus `json:"strategies"`
	Executor   exec.Stats                `json:"executor"`
	Risk       risk.Status               `json:"risk"`
	AuditLines int64                     `json:"audit_lines"`
}

// Engine owns every component and all their goroutines. It is the only
// place that knows the full wiring; components only see the interfaces they
// need.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	bus      *bus.Bus
	store    *store.Store
	audit    *audit.Sink
	tap      *bus.Subscription
	market   *marketdata.Engine
	runtime  *strategy.Runtime
	riskMgr  *risk.Manager
	executor *exec.Executor

	// conns maps venue name → connector; accounts maps account id → manager.
	conns    map[string]exchange.Connector
	accounts map[string]*account.Manager

	// venueSymbols is the per-venue stream universe, derived from the
	// strategy blocks at construction time.
	venueSymbols map[string][]string
	universe     []string

	state     atomic.Int32
	forced    atomic.Bool
	startedAt time.Time

	errs   chan componentError
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components from a validated config. Credentials are only
// consulted for live venues; paper accounts need none.
func New(cfg config.Config, creds credstore.Store, logger *slog.Logger) (*Engine, error) {
	if err := strategy.ValidateConfigs(cfg.Strategies); err != nil {
		return nil, err
	}
	baseTF, err := types.ParseTimeframe(cfg.MarketData.BaseTimeframe)
	if err != nil {
		return nil, types.E(types.KindConfig, "engine.new", err)
	}

	b := bus.New(logger, cfg.Engine.EventQueueSize)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	sink, err := audit.New(audit.Config{
		Dir:               cfg.Audit.Dir,
		Prefix:            cfg.Audit.Prefix,
		MaxSizeBytes:      cfg.Audit.MaxSizeBytes,
		RetentionDays:     cfg.Audit.RetentionDays,
		RetentionSchedule: cfg.Audit.RetentionSchedule,
		FlushInterval:     cfg.Audit.FlushInterval,
		IntegrityKey:      []byte(cfg.Audit.IntegrityKey),
		EncryptionKey:     encryptionKey(cfg.Audit.EncryptionKey),
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	md := marketdata.New(marketdata.Config{
		BaseTimeframe: baseTF,
		SeriesCap:     cfg.MarketData.SeriesCap,
		StaleAfter:    cfg.MarketData.StaleAfter,
	}, b, logger)

	e := &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		bus:          b,
		store:        st,
		audit:        sink,
		market:       md,
		conns:        make(map[string]exchange.Connector),
		accounts:     make(map[string]*account.Manager),
		venueSymbols: make(map[string][]string),
		errs:         make(chan componentError, 16),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mapSymbols()

	if err := e.buildConnectors(creds, baseTF); err != nil {
		e.closeResources()
		return nil, err
	}

	planner := exec.NewPlanner(cfg.Execution)
	e.executor = exec.New(cfg.Execution, planner, st, md, b, logger)
	e.riskMgr = risk.New(cfg.Risk, md, planner, e.executor, b, logger)
	e.runtime = strategy.NewRuntime(md, riskSink{e.riskMgr}, st, b, logger)

	for _, ac := range cfg.Accounts {
		am := account.New(ac.ID, ac.Venue, st, logger)
		if err := am.Restore(); err != nil {
			e.closeResources()
			return nil, err
		}
		e.accounts[ac.ID] = am
		e.executor.AddAccount(am, e.conns[ac.Venue])
		e.riskMgr.AddAccount(am)
	}
	return e, nil
}

// mapSymbols derives the per-venue stream universe from the strategy
// blocks: a strategy's symbols stream from the venue its account trades on.
func (e *Engine) mapSymbols() {
	venueOf := make(map[string]string, len(e.cfg.Accounts))
	for _, ac := range e.cfg.Accounts {
		venueOf[ac.ID] = ac.Venue
	}
	seen := make(map[string]map[string]bool)
	all := make(map[string]bool)
	for _, sc := range e.cfg.Strategies {
		venue := venueOf[sc.Account]
		if seen[venue] == nil {
			seen[venue] = make(map[string]bool)
		}
		for _, sym := range sc.Symbols {
			seen[venue][sym] = true
			all[sym] = true
		}
	}
	for venue, syms := range seen {
		list := make([]string, 0, len(syms))
		for s := range syms {
			list = append(list, s)
		}
		sort.Strings(list)
		e.venueSymbols[venue] = list
	}
	e.universe = make([]string, 0, len(all))
	for s := range all {
		e.universe = append(e.universe, s)
	}
	sort.Strings(e.universe)
}

// buildConnectors creates one connector per venue any account references.
// The paper venue is always synthetic; live venues need credentials.
func (e *Engine) buildConnectors(creds credstore.Store, baseTF types.Timeframe) error {
	venueCfg := make(map[string]config.VenueConfig, len(e.cfg.Venues))
	for _, v := range e.cfg.Venues {
		venueCfg[v.Name] = v
	}

	for _, ac := range e.cfg.Accounts {
		if _, ok := e.conns[ac.Venue]; ok {
			continue
		}
		if ac.Venue == "paper" {
			e.conns["paper"] = exchange.NewPaper(exchange.PaperOptions{
				Name:     "paper",
				Symbols:  e.venueSymbols["paper"],
				Interval: baseTF,
			}, e.logger)
			continue
		}
		vc, ok := venueCfg[ac.Venue]
		if !ok {
			return types.Ef(types.KindConfig, "engine.new", "account %s references venue %q with no venues block", ac.ID, ac.Venue)
		}
		c, ok := creds.Get(ac.Venue)
		if !ok {
			return types.Ef(types.KindConfig, "engine.new", "no credentials stored for venue %q", ac.Venue)
		}
		e.conns[ac.Venue] = exchange.NewClient(exchange.Options{
			Name:          vc.Name,
			RESTBaseURL:   vc.RESTBaseURL,
			WSBaseURL:     vc.WSBaseURL,
			Timeout:       vc.Timeout,
			APIKey:        c.APIKey,
			APISecret:     c.APISecret,
			KlineInterval: baseTF,
		}, e.logger)
	}
	return nil
}

func encryptionKey(k string) []byte {
	if k == "" {
		return nil
	}
	return []byte(k)
}

// Start launches every component and the configured strategies. It is
// idempotent: a second call while running is a no-op. On error the engine
// is left partially started; callers should Stop() and exit.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(stateStopped, stateStarting) {
		return nil
	}
	e.startedAt = time.Now()

	// The audit tap subscribes before anything publishes so the chained log
	// has the full session from its first event.
	e.tap = e.bus.SubscribeAll("audit")
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runAudit(e.tap)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bus.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.funnel()
	}()

	e.market.Start(e.ctx)

	if err := e.executor.Start(e.ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskMgr.Run(e.ctx)
	}()

	for _, ac := range e.cfg.Accounts {
		am, conn := e.accounts[ac.ID], e.conns[ac.Venue]
		interval := ac.PollInterval
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			am.Run(e.ctx, conn, interval, e.bus)
		}()
	}

	for venue, symbols := range e.venueSymbols {
		venue, symbols := venue, symbols
		if len(symbols) == 0 {
			continue
		}
		conn := e.conns[venue]
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pumpVenue(venue, conn, symbols)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainActions()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.statusLoop()
	}()

	for _, sc := range e.cfg.Strategies {
		if _, err := e.runtime.Start(e.ctx, sc); err != nil {
			return err
		}
	}
	e.riskMgr.Watch(e.universe...)

	e.bus.Emit(bus.EvEngineStarted, "", map[string]any{
		"strategies": len(e.cfg.Strategies),
		"accounts":   len(e.accounts),
		"venues":     len(e.conns),
		"dry_run":    e.cfg.DryRun,
	})
	e.state.Store(stateRunning)
	e.logger.Info("engine started",
		"strategies", len(e.cfg.Strategies),
		"accounts", len(e.accounts),
		"symbols", len(e.universe),
		"dry_run", e.cfg.DryRun)
	return nil
}

// runAudit drives the audit sink with bounded restarts. A broken chain is
// an emergency; disk hiccups get two more chances before the funnel sees
// them.
func (e *Engine) runAudit(tap *bus.Subscription) {
	for attempt := 0; ; attempt++ {
		err := e.audit.Run(e.ctx, tap.C())
		if err == nil || e.ctx.Err() != nil {
			return
		}
		if types.KindOf(err) == types.KindIntegrity || attempt >= 2 {
			e.fail("audit", err)
			return
		}
		e.logger.Error("audit writer error, restarting", "attempt", attempt+1, "error", err)
	}
}

// fail routes a component failure into the funnel without blocking the
// failing component.
func (e *Engine) fail(component string, err error) {
	select {
	case e.errs <- componentError{component: component, err: err}:
	default:
		e.logger.Error("error funnel full, dropping", "component", component, "error", err)
	}
}

// funnel classifies component failures. Transient venue trouble and data
// gaps are logged and left to the component's own retry; anything else
// surfaces as a critical risk event, and a broken audit chain stops the
// engine.
func (e *Engine) funnel() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ce := <-e.errs:
			switch types.KindOf(ce.err) {
			case types.KindTransientVenue, types.KindDataGap:
				e.logger.Warn("component error", "component", ce.component, "error", ce.err)
			case types.KindIntegrity:
				e.logger.Error("integrity failure, emergency stop", "component", ce.component, "error", ce.err)
				e.emitComponentEvent(ce, types.LevelEmergency)
				e.forced.Store(true)
				go e.Stop()
				return
			default:
				e.logger.Error("component error", "component", ce.component, "error", ce.err)
				e.emitComponentEvent(ce, types.LevelCritical)
			}
		}
	}
}

func (e *Engine) emitComponentEvent(ce componentError, level types.RiskLevel) {
	e.bus.Emit(bus.EvRiskEvent, "", types.RiskEvent{
		ID:     uuid.NewString(),
		Module: "engine",
		Kind:   "componentError",
		Level:  level,
		TsMs:   time.Now().UnixMilli(),
		Payload: map[string]any{
			"component": ce.component,
			"error":     ce.err.Error(),
		},
	})
}

// pumpVenue consumes one venue's push stream for the life of the engine.
// Connectors reconnect internally and surface each interruption as an Err
// event; the channel only closes when the engine context ends.
func (e *Engine) pumpVenue(venue string, conn exchange.Connector, symbols []string) {
	backoff := time.Second
	for {
		if e.ctx.Err() != nil {
			return
		}
		ch, err := conn.Stream(e.ctx, symbols)
		if err != nil {
			e.logger.Error("venue stream failed, retrying", "venue", venue, "backoff", backoff, "error", err)
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
		e.logger.Info("venue stream up", "venue", venue, "symbols", len(symbols))
		e.consumeStream(venue, symbols, ch)
	}
}

func (e *Engine) consumeStream(venue string, symbols []string, ch <-chan exchange.StreamEvent) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.routeStream(venue, symbols, ev)
		}
	}
}

// routeStream fans one connector event into the subsystems that consume it.
// Tickers additionally feed the black-swan detector's cross-venue view.
func (e *Engine) routeStream(venue string, symbols []string, ev exchange.StreamEvent) {
	switch {
	case ev.Err != nil:
		e.logger.Warn("venue feed interrupted", "venue", venue, "error", ev.Err)
		for _, sym := range symbols {
			e.market.ConnectionLost(sym)
		}
	case ev.Bar != nil:
		e.market.ConnectionRestored(ev.Bar.Symbol)
		e.market.Feed(marketdata.Update{Bar: ev.Bar})
	case ev.Ticker != nil:
		e.market.ConnectionRestored(ev.Ticker.Symbol)
		e.market.Feed(marketdata.Update{Ticker: ev.Ticker})
		e.riskMgr.ObserveVenueMid(venue, ev.Ticker.Symbol, ev.Ticker.Mid())
	case ev.Book != nil:
		e.market.ConnectionRestored(ev.Book.Symbol)
		e.market.Feed(marketdata.Update{Book: ev.Book})
	case ev.Fill != nil:
		e.executor.RecordFill(*ev.Fill)
	case ev.Order != nil:
		e.logger.Debug("venue order update", "venue", venue, "order", ev.Order.ClientID, "status", ev.Order.Status)
	}
}

// drainActions applies the risk manager's forced interventions. Pause and
// reduce-only are enforced inside the gates already; cancel and force-close
// need the executor.
func (e *Engine) drainActions() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case act := <-e.riskMgr.Actions():
			e.applyAction(act)
		}
	}
}

func (e *Engine) applyAction(act types.RiskAction) {
	e.logger.Warn("risk action",
		"type", act.Type, "level", act.Level, "reason", act.Reason,
		"symbol", act.Symbol, "account", act.Account)
	switch act.Type {
	case types.ActionCancelWorking:
		n := e.executor.CancelAll(act.Symbol)
		e.logger.Warn("working orders cancelled", "symbol", act.Symbol, "count", n)
	case types.ActionForceClose:
		n := e.executor.ForceCloseAll(act.Reason)
		e.logger.Error("force-close submitted", "reason", act.Reason, "orders", n)
	case types.ActionPauseTrading, types.ActionReduceNewExposure, types.ActionNotify:
		// Already enforced by the gates; the log line above is the apply.
	}
}

func (e *Engine) statusLoop() {
	interval := e.cfg.Engine.StatusInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.logStatus()
		}
	}
}

func (e *Engine) logStatus() {
	rs := e.riskMgr.Status()
	es := e.executor.Stats()
	e.logger.Info("status",
		"uptime", time.Since(e.startedAt).Round(time.Second),
		"strategies", len(e.runtime.Statuses()),
		"breaker", rs.Breaker.Level,
		"signals", rs.SignalsProcessed,
		"denied", rs.SignalsDenied,
		"working", es.Working,
		"filled", es.Filled,
		"failed", es.Failed,
		"audit_lines", e.audit.Written())
}

// Stop shuts the engine down in order: strategies stop signalling, working
// orders are cancelled, in-flight fills drain up to the grace deadline,
// then feeds, executor, audit, and store close. Components exceeding the
// grace are abandoned and Forced() reports true.
func (e *Engine) Stop() {
	if !e.state.CompareAndSwap(stateRunning, stateStopping) &&
		!e.state.CompareAndSwap(stateStarting, stateStopping) {
		return
	}
	e.logger.Info("shutting down...")
	grace := e.cfg.Engine.GraceShutdown
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.Now().Add(grace)

	e.bus.Emit(bus.EvShutdown, "", map[string]any{"grace": grace.String()})

	e.runtime.StopAll()

	if n := e.executor.CancelAll(""); n > 0 {
		e.logger.Info("cancelled working orders", "count", n)
	}

	for time.Now().Before(deadline) && e.executor.Stats().Working > 0 {
		time.Sleep(100 * time.Millisecond)
	}
	if w := e.executor.Stats().Working; w > 0 {
		e.forced.Store(true)
		e.logger.Error("abandoning in-flight orders past grace deadline", "working", w)
		e.bus.Emit(bus.EvRiskEvent, "", types.RiskEvent{
			ID:     uuid.NewString(),
			Module: "engine",
			Kind:   "shutdownForced",
			Level:  types.LevelCritical,
			TsMs:   time.Now().UnixMilli(),
			Payload: map[string]any{
				"working_orders": w,
				"grace":          grace.String(),
			},
		})
	}

	// Closing the tap lets the audit sink drain its queue and flush before
	// the context cancellation below tears the other components down.
	e.bus.Unsubscribe(e.tap)

	e.cancel()
	e.market.Stop()
	e.executor.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline) + time.Second):
		e.forced.Store(true)
		e.logger.Error("components exceeded shutdown grace, abandoning")
	}

	if err := e.audit.Close(); err != nil {
		e.logger.Error("audit close failed", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}

	e.bus.Emit(bus.EvEngineStopped, "", map[string]any{"forced": e.forced.Load()})
	e.bus.Close()

	e.state.Store(stateStopped)
	e.logger.Info("shutdown complete", "forced", e.forced.Load())
}

// closeResources releases what New acquired before a wiring failure.
func (e *Engine) closeResources() {
	if e.audit != nil {
		e.audit.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
	e.bus.Close()
	e.cancel()
}

// Forced reports whether shutdown abandoned components past the grace
// deadline; main exits 2 in that case.
func (e *Engine) Forced() bool { return e.forced.Load() }

// State returns the lifecycle state name.
func (e *Engine) State() string { return stateNames[e.state.Load()] }

// RunStrategy starts one strategy instance at runtime.
func (e *Engine) RunStrategy(cfg config.StrategyConfig) error {
	_, err := e.runtime.Start(e.ctx, cfg)
	if err == nil {
		e.riskMgr.Watch(cfg.Symbols...)
	}
	return err
}

// StopStrategy stops one strategy instance by id.
func (e *Engine) StopStrategy(id string) error { return e.runtime.Stop(id) }

// Status assembles the full status report.
func (e *Engine) Status() StatusReport {
	return StatusReport{
		State:      e.State(),
		Uptime:     time.Since(e.startedAt).Round(time.Second),
		Strategies: e.runtime.Statuses(),
		Executor:   e.executor.Stats(),
		Risk:       e.riskMgr.Status(),
		AuditLines: e.audit.Written(),
	}
}

// QueryAccount returns the live snapshot for one account.
func (e *Engine) QueryAccount(id string) (types.AccountSnapshot, bool) {
	am, ok := e.accounts[id]
	if !ok {
		return types.AccountSnapshot{}, false
	}
	return am.Snapshot(), true
}
