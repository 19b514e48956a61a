// Package account tracks per-account trading state: positions folded
// from fills, marks, equity, day PnL, and the equity high-water mark.
//
// Local fill folding is the source of truth for position quantity and
// average entry. Venue polls refresh balances and flag drift; they never
// overwrite locally folded positions.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/bus"
	"tradecore/pkg/types"
)

// Persister is the slice of the store the manager needs.
type Persister interface {
	UpsertPosition(types.Position) error
	InsertFill(account string, f types.Fill) error
	Positions(account string) ([]types.Position, error)
	SaveStrategyState(id string, state json.RawMessage, tsMs int64) error
	LoadStrategyState(id string) (json.RawMessage, error)
}

// BalanceSource provides the venue side of the periodic reconcile.
type BalanceSource interface {
	FetchBalance(ctx context.Context) (types.AccountSnapshot, error)
	FetchPositions(ctx context.Context) ([]types.Position, error)
}

// entry holds one symbol's position under its own lock, so fills on
// different symbols never contend.
type entry struct {
	mu   sync.Mutex
	pos  types.Position
	mark decimal.Decimal
}

// Manager is the state of one account.
type Manager struct {
	account string
	venue   string
	store   Persister
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex // guards the map and the aggregate fields below
	entries map[string]*entry

	equity     decimal.Decimal
	freeMargin decimal.Decimal
	usedMargin decimal.Decimal

	dayKey      string
	dayRealized decimal.Decimal
	hwm         decimal.Decimal
}

// New creates a manager for one account.
func New(account, venue string, store Persister, logger *slog.Logger) *Manager {
	m := &Manager{
		account: account,
		venue:   venue,
		store:   store,
		logger:  logger.With("component", "account", "account", account),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	m.dayKey = m.now().UTC().Format("2006-01-02")
	return m
}

// ID returns the account identifier.
func (m *Manager) ID() string { return m.account }

// Venue returns the venue this account trades on.
func (m *Manager) Venue() string { return m.venue }

// Restore loads persisted positions and the current day's realized PnL.
func (m *Manager) Restore() error {
	positions, err := m.store.Positions(m.account)
	if err != nil {
		return fmt.Errorf("restore %s: %w", m.account, err)
	}
	m.mu.Lock()
	for _, p := range positions {
		m.entries[p.Symbol] = &entry{pos: p}
	}
	m.mu.Unlock()

	raw, err := m.store.LoadStrategyState(m.dayStateKey())
	if err != nil {
		return fmt.Errorf("restore %s day state: %w", m.account, err)
	}
	if raw != nil {
		var ds dayState
		if err := json.Unmarshal(raw, &ds); err == nil && ds.Day == m.today() {
			if v, err := decimal.NewFromString(ds.Realized); err == nil {
				m.mu.Lock()
				m.dayRealized = v
				m.mu.Unlock()
			}
		}
	}
	m.logger.Info("account restored", "positions", len(positions))
	return nil
}

type dayState struct {
	Day      string `json:"day"`
	Realized string `json:"realized"`
}

func (m *Manager) dayStateKey() string { return "account:" + m.account + ":day" }

func (m *Manager) today() string { return m.now().UTC().Format("2006-01-02") }

// rollDayLocked resets day PnL when the UTC day has changed. Caller
// holds m.mu.
func (m *Manager) rollDayLocked() {
	if day := m.today(); day != m.dayKey {
		m.dayKey = day
		m.dayRealized = decimal.Zero
	}
}

// ApplyFill folds one fill into the position, realizes PnL on reducing
// quantity, persists, and returns the updated position copy and the
// realized PnL delta (fees included).
func (m *Manager) ApplyFill(f types.Fill) (types.Position, decimal.Decimal, error) {
	e := m.entry(f.Symbol)

	e.mu.Lock()
	pos := &e.pos
	if pos.Symbol == "" {
		pos.Account, pos.Venue, pos.Symbol = m.account, m.venue, f.Symbol
	}

	delta := f.Qty
	if f.Side == types.Sell {
		delta = f.Qty.Neg()
	}

	realized := decimal.Zero
	switch {
	case pos.Qty.IsZero() || pos.Qty.Sign() == delta.Sign():
		// opening or adding: volume-weighted average entry
		newQty := pos.Qty.Add(delta)
		notional := pos.AvgEntryPx.Mul(pos.Qty.Abs()).Add(f.Px.Mul(delta.Abs()))
		pos.Qty = newQty
		if !newQty.IsZero() {
			pos.AvgEntryPx = notional.Div(newQty.Abs())
		}
	default:
		// reducing, closing, or flipping
		oldQty := pos.Qty
		closeQty := decimal.Min(delta.Abs(), oldQty.Abs())
		if oldQty.IsPositive() {
			realized = f.Px.Sub(pos.AvgEntryPx).Mul(closeQty)
		} else {
			realized = pos.AvgEntryPx.Sub(f.Px).Mul(closeQty)
		}
		newQty := oldQty.Add(delta)
		pos.Qty = newQty
		switch {
		case newQty.IsZero():
			pos.AvgEntryPx = decimal.Zero
		case newQty.Sign() != oldQty.Sign():
			// flipped through zero: remainder opens at the fill price
			pos.AvgEntryPx = f.Px
		}
	}
	realized = realized.Sub(f.Fee)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.UpdatedTs = f.TsMs
	if !e.mark.IsZero() {
		pos.UnrealizedPnL = unrealized(pos.Qty, pos.AvgEntryPx, e.mark)
	}
	snapshot := *pos
	e.mu.Unlock()

	m.mu.Lock()
	m.rollDayLocked()
	m.dayRealized = m.dayRealized.Add(realized)
	day := dayState{Day: m.dayKey, Realized: m.dayRealized.String()}
	m.mu.Unlock()

	if err := m.store.InsertFill(m.account, f); err != nil {
		return snapshot, realized, err
	}
	if err := m.store.UpsertPosition(snapshot); err != nil {
		return snapshot, realized, err
	}
	raw, _ := json.Marshal(day)
	if err := m.store.SaveStrategyState(m.dayStateKey(), raw, f.TsMs); err != nil {
		return snapshot, realized, err
	}
	return snapshot, realized, nil
}

func unrealized(qty, avg, mark decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	if qty.IsPositive() {
		return mark.Sub(avg).Mul(qty)
	}
	return avg.Sub(mark).Mul(qty.Abs())
}

// SetMark updates the mark price for a symbol and refreshes its
// unrealized PnL.
func (m *Manager) SetMark(symbol string, mark decimal.Decimal) {
	e := m.entry(symbol)
	e.mu.Lock()
	e.mark = mark
	e.pos.UnrealizedPnL = unrealized(e.pos.Qty, e.pos.AvgEntryPx, mark)
	e.mu.Unlock()
}

// SetBalances stores the venue-reported equity and margin and advances
// the high-water mark.
func (m *Manager) SetBalances(equity, free, used decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity, m.freeMargin, m.usedMargin = equity, free, used
	if equity.GreaterThan(m.hwm) {
		m.hwm = equity
	}
}

// Position returns a copy of one symbol's position.
func (m *Manager) Position(symbol string) (types.Position, bool) {
	m.mu.RLock()
	e, ok := m.entries[symbol]
	m.mu.RUnlock()
	if !ok {
		return types.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Symbol == "" {
		return types.Position{}, false
	}
	return e.pos, true
}

// Snapshot assembles the account view consumed by risk monitors.
// Flat positions are omitted.
func (m *Manager) Snapshot() types.AccountSnapshot {
	m.mu.RLock()
	snap := types.AccountSnapshot{
		AccountID:  m.account,
		Venue:      m.venue,
		Equity:     m.equity,
		FreeMargin: m.freeMargin,
		UsedMargin: m.usedMargin,
		TsMs:       m.now().UnixMilli(),
	}
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.pos.Flat() {
			snap.Positions = append(snap.Positions, e.pos)
		}
		e.mu.Unlock()
	}
	return snap
}

// DayPnL returns realized PnL since midnight UTC plus current unrealized
// across all positions.
func (m *Manager) DayPnL() decimal.Decimal {
	m.mu.Lock()
	m.rollDayLocked()
	total := m.dayRealized
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		total = total.Add(e.pos.UnrealizedPnL)
		e.mu.Unlock()
	}
	return total
}

// Equity returns the last venue-reported equity.
func (m *Manager) Equity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// Drawdown returns the fraction of equity lost from the high-water mark,
// zero when at or above it.
func (m *Manager) Drawdown() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hwm.IsPositive() || m.equity.GreaterThanOrEqual(m.hwm) {
		return 0
	}
	dd, _ := m.hwm.Sub(m.equity).Div(m.hwm).Float64()
	return dd
}

func (m *Manager) entry(symbol string) *entry {
	m.mu.RLock()
	e, ok := m.entries[symbol]
	m.mu.RUnlock()
	if ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[symbol]; ok {
		return e
	}
	e = &entry{}
	m.entries[symbol] = e
	return e
}

// Run polls the venue for balances and position drift until ctx is done.
// Drift between venue-reported and locally folded quantity is published
// as a risk warning, never silently patched.
func (m *Manager) Run(ctx context.Context, src BalanceSource, interval time.Duration, b *bus.Bus) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx, src, b)
		}
	}
}

func (m *Manager) poll(ctx context.Context, src BalanceSource, b *bus.Bus) {
	snap, err := src.FetchBalance(ctx)
	if err != nil {
		m.logger.Warn("balance poll failed", "error", err)
		return
	}
	m.SetBalances(snap.Equity, snap.FreeMargin, snap.UsedMargin)

	venuePos, err := src.FetchPositions(ctx)
	if err != nil {
		m.logger.Warn("position poll failed", "error", err)
		return
	}
	for _, vp := range venuePos {
		local, _ := m.Position(vp.Symbol)
		if local.Qty.Equal(vp.Qty) {
			continue
		}
		m.logger.Warn("position drift",
			"symbol", vp.Symbol, "local", local.Qty, "venue", vp.Qty)
		b.Publish(bus.Event{
			Name: bus.EvRiskEvent,
			Key:  m.account,
			Ts:   m.now(),
			Data: types.RiskEvent{
				ID:      uuid.NewString(),
				Module:  "account",
				Kind:    "positionDrift",
				Level:   types.LevelWarn,
				Symbol:  vp.Symbol,
				Account: m.account,
				TsMs:    m.now().UnixMilli(),
				Payload: map[string]any{
					"local_qty": local.Qty.String(),
					"venue_qty": vp.Qty.String(),
				},
			},
		})
	}
}
