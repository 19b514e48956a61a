// Package risk is the pre-trade control plane and the continuous account
// watchdog. Every strategy signal passes through a fixed gate sequence; the
// first failing gate denies the signal and nothing later runs:
//
//  1. circuit breaker level
//  2. trading paused / reduce-only holds
//  3. symbol and venue allow-lists
//  4. per-symbol and account-notional position limits
//  5. projected leverage
//  6. single-symbol concentration
//  7. projected margin headroom
//  8. daily loss limit
//  9. book liquidity and estimated slippage
//  10. cooldown after a recently failed order
//
// Position sizing runs between gates 3 and 4, so the limit gates judge the
// quantity that would actually trade. Gates 2–10 deny opening orders only:
// an account in trouble must always be able to get flat.
//
// Alongside the gates, monitors re-read every account on a fixed interval
// and walk margin, drawdown, concentration, and liquidation-distance
// ladders, pausing or shrinking new exposure with hysteresis so holds do
// not flap at a threshold. A black-swan detector arms the engine-wide
// circuit breaker on discontinuous price moves, depth collapse, or
// cross-venue divergence; the breaker steps back down one level per calm
// cooldown. Forced interventions surface as RiskActions on a channel the
// engine drains; everything observable is published on the bus as risk
// events, deduplicated by the alert filter.
package risk

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/exec"
	"tradecore/pkg/types"
)

const actionQueueCap = 32

// MarketView is the slice of the market-data engine the gates and monitors
// read.
type MarketView interface {
	Ticker(symbol string) (types.Ticker, bool)
	Book(symbol string) (types.OrderBook, bool)
	History(symbol string, tf types.Timeframe, n int) []types.Bar
}

// AccountSource is the slice of an account manager the risk pipeline reads.
type AccountSource interface {
	ID() string
	Venue() string
	Snapshot() types.AccountSnapshot
	DayPnL() decimal.Decimal
	Drawdown() float64
}

// Submitter receives approved signals with their execution plan.
type Submitter interface {
	ExecutePlan(account string, sig types.Signal, plan types.ExecutionPlan) error
}

// Decision is the outcome of ProcessSignal. A denied signal is a normal
// outcome, not an error: Allow is false and Reason names the failing gate.
type Decision struct {
	Allow    bool
	Reason   string
	Warnings []string
	SizedQty decimal.Decimal
	Plan     types.ExecutionPlan
}

// Rejection is the signalRejected event payload.
type Rejection struct {
	Signal  types.Signal `json:"signal"`
	Account string       `json:"account"`
	Reason  string       `json:"reason"`
}

// Status is the manager's state for periodic status logging.
type Status struct {
	Breaker          BreakerSnapshot   `json:"breaker"`
	SignalsProcessed int64             `json:"signals_processed"`
	SignalsDenied    int64             `json:"signals_denied"`
	GlobalPaused     bool              `json:"global_paused"`
	GlobalReason     string            `json:"global_reason,omitempty"`
	PausedAccounts   map[string]string `json:"paused_accounts,omitempty"`
	ReducedAccounts  map[string]string `json:"reduced_accounts,omitempty"`
}

// pauseFlags is an immutable snapshot of an account's holds, swapped
// atomically so the signal path reads it without taking the monitor's lock.
type pauseFlags struct {
	Paused       bool
	PauseReason  string
	Reduced      bool
	ReduceReason string
	ReduceOnly   map[string]string // symbol → reason
}

type accountState struct {
	src   AccountSource
	flags atomic.Pointer[pauseFlags]

	mu           sync.Mutex
	pauseCauses  map[string]string
	reduceCauses map[string]string
	reduceOnly   map[string]string
	failures     map[string]time.Time // symbol|side → last failure
}

func (as *accountState) rebuildLocked() {
	f := &pauseFlags{}
	if len(as.pauseCauses) > 0 {
		f.Paused = true
		f.PauseReason = joinCauses(as.pauseCauses)
	}
	if len(as.reduceCauses) > 0 {
		f.Reduced = true
		f.ReduceReason = joinCauses(as.reduceCauses)
	}
	if len(as.reduceOnly) > 0 {
		f.ReduceOnly = make(map[string]string, len(as.reduceOnly))
		for k, v := range as.reduceOnly {
			f.ReduceOnly[k] = v
		}
	}
	as.flags.Store(f)
}

func (as *accountState) reduceCauseKeys(prefix string) []string {
	as.mu.Lock()
	defer as.mu.Unlock()
	var keys []string
	for k := range as.reduceCauses {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (as *accountState) reduceOnlyList() []string {
	as.mu.Lock()
	defer as.mu.Unlock()
	syms := make([]string, 0, len(as.reduceOnly))
	for s := range as.reduceOnly {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// Manager owns the gates, the sizing rule, the monitors, the breaker, and
// the alert filter.
type Manager struct {
	cfg     config.RiskConfig
	logger  *slog.Logger
	bus     *bus.Bus
	market  MarketView
	planner *exec.Planner
	model   exec.Model
	submit  Submitter

	breaker *Breaker
	swan    *swanDetector
	alerts  *alertFilter

	symbolAllow map[string]bool
	venueAllow  map[string]bool

	mu       sync.RWMutex
	accounts map[string]*accountState
	watch    map[string]bool

	global atomic.Pointer[pauseFlags]

	gmu          sync.Mutex
	globalCauses map[string]string

	actions chan types.RiskAction

	processed atomic.Int64
	denied    atomic.Int64

	now func() time.Time
}

// New wires a manager; call AddAccount before Run.
func New(cfg config.RiskConfig, market MarketView, planner *exec.Planner, submit Submitter, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		bus:          b,
		market:       market,
		planner:      planner,
		model:        planner.Model(),
		submit:       submit,
		swan:         newSwanDetector(cfg),
		alerts:       newAlertFilter(cfg),
		symbolAllow:  toSet(cfg.SymbolAllowList),
		venueAllow:   toSet(cfg.VenueAllowList),
		accounts:     make(map[string]*accountState),
		watch:        make(map[string]bool),
		globalCauses: make(map[string]string),
		actions:      make(chan types.RiskAction, actionQueueCap),
		now:          time.Now,
	}
	m.global.Store(&pauseFlags{})
	m.breaker = NewBreaker(cfg.BreakerCooldown, b, logger)
	m.breaker.onChange = m.onBreakerChange
	return m
}

// AddAccount registers an account with the gates and monitors.
func (m *Manager) AddAccount(src AccountSource) {
	as := &accountState{
		src:          src,
		pauseCauses:  make(map[string]string),
		reduceCauses: make(map[string]string),
		reduceOnly:   make(map[string]string),
		failures:     make(map[string]time.Time),
	}
	as.flags.Store(&pauseFlags{})
	m.mu.Lock()
	m.accounts[src.ID()] = as
	m.mu.Unlock()
	m.logger.Info("account registered", "account", src.ID(), "venue", src.Venue())
}

// Watch adds symbols to the market monitors without waiting for a signal or
// position to reference them first.
func (m *Manager) Watch(symbols ...string) {
	m.mu.Lock()
	for _, s := range symbols {
		if s != "" {
			m.watch[s] = true
		}
	}
	m.mu.Unlock()
}

// Actions is the stream of forced interventions for the engine to apply.
func (m *Manager) Actions() <-chan types.RiskAction { return m.actions }

// Breaker exposes the circuit breaker for manual override and status.
func (m *Manager) Breaker() *Breaker { return m.breaker }

// ObserveVenueMid feeds a cross-venue price observation into the black-swan
// detector. The engine calls this from every connector's ticker stream.
func (m *Manager) ObserveVenueMid(venue, symbol string, mid float64) {
	m.applyTrigger(m.swan.observeVenueMid(venue, symbol, mid))
}

// Run drives the monitors until ctx is cancelled. It also consumes order
// failures from the bus to feed the cooldown gate.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.MonitorInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sub := m.bus.Subscribe("risk", bus.EvOrderFailed)
	defer m.bus.Unsubscribe(sub)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("risk manager running", "interval", interval, "accounts", len(m.accountList()))
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			m.noteOrderFailed(evt)
		case <-ticker.C:
			m.tick()
		}
	}
}

// ProcessSignal runs one signal through validation, the gates, sizing, and
// execution planning, then hands the approved plan to the submitter. Denials
// return a Decision with Allow false and a nil error; the error return is
// reserved for misuse such as an unknown account.
func (m *Manager) ProcessSignal(ctx context.Context, account string, sig types.Signal) (Decision, error) {
	if err := sig.Validate(); err != nil {
		return m.reject(account, sig, err.Error()), nil
	}
	as := m.account(account)
	if as == nil {
		return Decision{}, types.Ef(types.KindValidation, "risk.process", "unknown account %q", account)
	}
	m.processed.Add(1)
	m.Watch(sig.Symbol)

	in := m.gatherInput(as, sig)
	if reason := m.preGates(as, in); reason != "" {
		return m.reject(account, sig, reason), nil
	}

	flags := as.flags.Load()
	reduced := flags.Reduced || m.global.Load().Reduced
	var (
		qty decimal.Decimal
		err error
	)
	if in.opens {
		qty, err = sizeOpen(m.cfg, sig, in.snap.Equity, in.entry, in.posNotional, reduced)
	} else {
		qty, err = sizeClose(sig, in.pos)
	}
	if err != nil {
		return m.reject(account, sig, denyReason(err)), nil
	}
	in.qty = qty

	deny, warns := m.postGates(as, in)
	if deny != "" {
		return m.reject(account, sig, deny), nil
	}

	adv := exec.AverageDailyVolume(m.market.History(sig.Symbol, types.TF1h, 24))
	plan, err := m.planner.PlanExecution(sig, qty, in.book, adv)
	if err != nil {
		return m.reject(account, sig, "planning failed: "+denyReason(err)), nil
	}
	if m.submit != nil {
		if err := m.submit.ExecutePlan(account, sig, plan); err != nil {
			return m.reject(account, sig, "execution handoff failed: "+denyReason(err)), nil
		}
	}
	m.logger.Info("signal approved",
		"account", account, "strategy", sig.Strategy, "symbol", sig.Symbol,
		"side", sig.Side, "intent", sig.Intent, "qty", qty, "algo", plan.Algo,
		"slices", len(plan.Slices), "warnings", len(warns))
	return Decision{Allow: true, SizedQty: qty, Plan: plan, Warnings: warns}, nil
}

// Status reports counters, holds, and the breaker state.
func (m *Manager) Status() Status {
	st := Status{
		Breaker:          m.breaker.Snapshot(),
		SignalsProcessed: m.processed.Load(),
		SignalsDenied:    m.denied.Load(),
	}
	if g := m.global.Load(); g.Paused {
		st.GlobalPaused = true
		st.GlobalReason = g.PauseReason
	}
	for id, as := range m.accountMap() {
		f := as.flags.Load()
		if f.Paused {
			if st.PausedAccounts == nil {
				st.PausedAccounts = make(map[string]string)
			}
			st.PausedAccounts[id] = f.PauseReason
		}
		if f.Reduced {
			if st.ReducedAccounts == nil {
				st.ReducedAccounts = make(map[string]string)
			}
			st.ReducedAccounts[id] = f.ReduceReason
		}
	}
	return st
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) reject(account string, sig types.Signal, reason string) Decision {
	m.denied.Add(1)
	m.logger.Warn("signal rejected",
		"account", account, "strategy", sig.Strategy, "symbol", sig.Symbol,
		"side", sig.Side, "intent", sig.Intent, "reason", reason)
	m.bus.Emit(bus.EvSignalRejected, sig.Symbol, Rejection{Signal: sig, Account: account, Reason: reason})
	return Decision{Reason: reason}
}

func (m *Manager) noteOrderFailed(evt bus.Event) {
	o, ok := evt.Data.(types.Order)
	if !ok {
		return
	}
	as := m.account(o.Account)
	if as == nil {
		return
	}
	as.mu.Lock()
	as.failures[failureKey(o.Symbol, o.Side)] = m.now()
	as.mu.Unlock()
}

func (m *Manager) onBreakerChange(from, to types.BreakerLevel, reason string) {
	ts := m.now().UnixMilli()
	switch {
	case to == types.BreakerEmergency:
		m.pushAction(types.RiskAction{
			Type: types.ActionForceClose, Reason: reason, Level: types.LevelEmergency, TsMs: ts,
		})
	case to.Rank() >= types.BreakerL3.Rank() && from.Rank() < types.BreakerL3.Rank():
		m.pushAction(types.RiskAction{
			Type: types.ActionCancelWorking, Reason: reason, Level: types.LevelCritical, TsMs: ts,
		})
	}
}

// alert pushes one monitor observation through the dedup filter; delivered
// alerts become a risk event plus a notify action.
func (m *Manager) alert(module, kind string, level types.RiskLevel, symbol, account, reason string, payload map[string]any) {
	lvl, ok := m.alerts.admit(kind, level, symbol, account)
	if !ok {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["reason"] = reason
	if lvl != level {
		payload["escalated_from"] = string(level)
	}
	m.emitEvent(module, kind, lvl, symbol, account, payload)
	m.pushAction(types.RiskAction{
		Type: types.ActionNotify, Reason: reason, Level: lvl,
		Symbol: symbol, Account: account, TsMs: m.now().UnixMilli(),
	})
	m.logger.Warn("risk alert", "kind", kind, "level", lvl, "symbol", symbol, "account", account, "reason", reason)
}

func (m *Manager) emitEvent(module, kind string, level types.RiskLevel, symbol, account string, payload map[string]any) {
	key := account
	if key == "" {
		key = symbol
	}
	m.bus.Emit(bus.EvRiskEvent, key, types.RiskEvent{
		ID:      uuid.NewString(),
		Module:  module,
		Kind:    kind,
		Level:   level,
		Symbol:  symbol,
		Account: account,
		TsMs:    m.now().UnixMilli(),
		Payload: payload,
	})
}

// pushAction never blocks a monitor: when the engine is not draining fast
// enough the action is dropped with a log line rather than stalling a tick.
func (m *Manager) pushAction(a types.RiskAction) {
	select {
	case m.actions <- a:
	default:
		m.logger.Warn("risk action dropped, queue full", "type", a.Type, "reason", a.Reason)
	}
}

func (m *Manager) account(id string) *accountState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[id]
}

func (m *Manager) accountMap() map[string]*accountState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*accountState, len(m.accounts))
	for id, as := range m.accounts {
		out[id] = as
	}
	return out
}

func (m *Manager) accountList() []*accountState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*accountState, len(ids))
	for i, id := range ids {
		out[i] = m.accounts[id]
	}
	return out
}

func (m *Manager) watchSymbols(extra map[string]bool) []string {
	m.mu.RLock()
	for s := range m.watch {
		extra[s] = true
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(extra))
	for s := range extra {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// denyReason strips the op prefix from classified errors so gate denials
// read as plain reasons.
func denyReason(err error) string {
	var ee *types.EngineError
	if errors.As(err, &ee) && ee.Err != nil {
		return ee.Err.Error()
	}
	return err.Error()
}

func toSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}
