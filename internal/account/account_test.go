package account

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// fakeStore satisfies Persister in memory.
type fakeStore struct {
	mu        sync.Mutex
	positions map[string]types.Position
	fills     []types.Fill
	kv        map[string]json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: map[string]types.Position{}, kv: map[string]json.RawMessage{}}
}

func (f *fakeStore) UpsertPosition(p types.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[p.Account+"/"+p.Symbol] = p
	return nil
}

func (f *fakeStore) InsertFill(account string, fill types.Fill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, fill)
	return nil
}

func (f *fakeStore) Positions(account string) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Position
	for _, p := range f.positions {
		if p.Account == account {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveStrategyState(id string, state json.RawMessage, tsMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[id] = append(json.RawMessage(nil), state...)
	return nil
}

func (f *fakeStore) LoadStrategyState(id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kv[id], nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	m := New("main", "paper", fs, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return m, fs
}

func fill(side types.Side, px, qty, fee string, ts int64) types.Fill {
	return types.Fill{
		OrderID: "ord", Symbol: "BTCUSDT", Side: side,
		Px: dec(px), Qty: dec(qty), Fee: dec(fee), TsMs: ts,
	}
}

func TestFillFoldingLong(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	// open 2 @ 100
	pos, realized, err := m.ApplyFill(fill(types.Buy, "100", "2", "0", 1))
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if !pos.Qty.Equal(dec("2")) || !pos.AvgEntryPx.Equal(dec("100")) || !realized.IsZero() {
		t.Fatalf("open: qty=%s avg=%s realized=%s", pos.Qty, pos.AvgEntryPx, realized)
	}

	// add 2 @ 110 → avg 105
	pos, _, _ = m.ApplyFill(fill(types.Buy, "110", "2", "0", 2))
	if !pos.Qty.Equal(dec("4")) || !pos.AvgEntryPx.Equal(dec("105")) {
		t.Fatalf("add: qty=%s avg=%s", pos.Qty, pos.AvgEntryPx)
	}

	// reduce 1 @ 120 with 0.5 fee → realized (120-105) - 0.5 = 14.5, avg unchanged
	pos, realized, _ = m.ApplyFill(fill(types.Sell, "120", "1", "0.5", 3))
	if !realized.Equal(dec("14.5")) {
		t.Errorf("reduce realized = %s, want 14.5", realized)
	}
	if !pos.Qty.Equal(dec("3")) || !pos.AvgEntryPx.Equal(dec("105")) {
		t.Errorf("reduce: qty=%s avg=%s", pos.Qty, pos.AvgEntryPx)
	}

	// close 3 @ 90 → realized (90-105)*3 = -45, flat
	pos, realized, _ = m.ApplyFill(fill(types.Sell, "90", "3", "0", 4))
	if !realized.Equal(dec("-45")) {
		t.Errorf("close realized = %s, want -45", realized)
	}
	if !pos.Flat() || !pos.AvgEntryPx.IsZero() {
		t.Errorf("close: qty=%s avg=%s", pos.Qty, pos.AvgEntryPx)
	}
	if !pos.RealizedPnL.Equal(dec("-30.5")) {
		t.Errorf("cumulative realized = %s, want -30.5", pos.RealizedPnL)
	}
}

func TestFillFoldingShortAndFlip(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	// open short 2 @ 100
	pos, _, _ := m.ApplyFill(fill(types.Sell, "100", "2", "0", 1))
	if !pos.Qty.Equal(dec("-2")) || !pos.AvgEntryPx.Equal(dec("100")) {
		t.Fatalf("short open: qty=%s avg=%s", pos.Qty, pos.AvgEntryPx)
	}

	// buy back 1 @ 90 → realized +10
	pos, realized, _ := m.ApplyFill(fill(types.Buy, "90", "1", "0", 2))
	if !realized.Equal(dec("10")) || !pos.Qty.Equal(dec("-1")) {
		t.Errorf("cover: realized=%s qty=%s", realized, pos.Qty)
	}

	// buy 3 @ 95 → closes the last 1 (+5), flips long 2 @ 95
	pos, realized, _ = m.ApplyFill(fill(types.Buy, "95", "3", "0", 3))
	if !realized.Equal(dec("5")) {
		t.Errorf("flip realized = %s, want 5", realized)
	}
	if !pos.Qty.Equal(dec("2")) || !pos.AvgEntryPx.Equal(dec("95")) {
		t.Errorf("flip: qty=%s avg=%s, want 2 @ 95", pos.Qty, pos.AvgEntryPx)
	}
}

func TestUnrealizedFromMark(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	m.ApplyFill(fill(types.Buy, "105", "3", "0", 1))
	m.SetMark("BTCUSDT", dec("110"))
	pos, _ := m.Position("BTCUSDT")
	if !pos.UnrealizedPnL.Equal(dec("15")) {
		t.Errorf("long unrealized = %s, want 15", pos.UnrealizedPnL)
	}

	m2, _ := newTestManager(t)
	m2.ApplyFill(fill(types.Sell, "100", "2", "0", 1))
	m2.SetMark("BTCUSDT", dec("95"))
	pos, _ = m2.Position("BTCUSDT")
	if !pos.UnrealizedPnL.Equal(dec("10")) {
		t.Errorf("short unrealized = %s, want 10", pos.UnrealizedPnL)
	}
}

func TestDayPnLResetsAtMidnightUTC(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	base := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.dayKey = base.UTC().Format("2006-01-02")

	m.ApplyFill(fill(types.Buy, "100", "1", "0", base.UnixMilli()))
	m.ApplyFill(fill(types.Sell, "110", "1", "0", base.UnixMilli()+1))
	if got := m.DayPnL(); !got.Equal(dec("10")) {
		t.Fatalf("day pnl = %s, want 10", got)
	}

	// cross midnight
	base = base.Add(20 * time.Minute)
	if got := m.DayPnL(); !got.IsZero() {
		t.Errorf("day pnl after midnight = %s, want 0", got)
	}
}

func TestDayRealizedSurvivesRestart(t *testing.T) {
	t.Parallel()
	m, fs := newTestManager(t)
	m.ApplyFill(fill(types.Buy, "100", "1", "0", 1))
	m.ApplyFill(fill(types.Sell, "107", "1", "0", 2))

	m2 := New("main", "paper", fs, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := m2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := m2.DayPnL(); !got.Equal(dec("7")) {
		t.Errorf("restored day pnl = %s, want 7", got)
	}
	pos, ok := m2.Position("BTCUSDT")
	if !ok || !pos.Flat() || !pos.RealizedPnL.Equal(dec("7")) {
		t.Errorf("restored position = %+v", pos)
	}
}

func TestSnapshotOmitsFlat(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.SetBalances(dec("10000"), dec("8000"), dec("2000"))

	m.ApplyFill(fill(types.Buy, "100", "2", "0", 1))
	eth := types.Fill{OrderID: "o2", Symbol: "ETHUSDT", Side: types.Buy, Px: dec("2000"), Qty: dec("1"), Fee: dec("0"), TsMs: 2}
	m.ApplyFill(eth)
	ethClose := eth
	ethClose.Side = types.Sell
	m.ApplyFill(ethClose)

	snap := m.Snapshot()
	if len(snap.Positions) != 1 || snap.Positions[0].Symbol != "BTCUSDT" {
		t.Errorf("snapshot positions = %+v", snap.Positions)
	}
	if !snap.Equity.Equal(dec("10000")) {
		t.Errorf("equity = %s", snap.Equity)
	}
	if r := snap.MarginRate(); r < 0.79 || r > 0.81 {
		t.Errorf("margin rate = %v, want 0.8", r)
	}
}

func TestDrawdownFromHighWaterMark(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	m.SetBalances(dec("10000"), dec("10000"), dec("0"))
	if dd := m.Drawdown(); dd != 0 {
		t.Errorf("drawdown at hwm = %v", dd)
	}
	m.SetBalances(dec("12000"), dec("12000"), dec("0"))
	m.SetBalances(dec("9000"), dec("9000"), dec("0"))
	if dd := m.Drawdown(); dd < 0.249 || dd > 0.251 {
		t.Errorf("drawdown = %v, want 0.25", dd)
	}
	// recovery above hwm resets to zero
	m.SetBalances(dec("13000"), dec("13000"), dec("0"))
	if dd := m.Drawdown(); dd != 0 {
		t.Errorf("drawdown after new high = %v", dd)
	}
}

func TestConcurrentFillsDistinctSymbols(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT"}
	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				f := types.Fill{OrderID: "o", Symbol: sym, Side: types.Buy, Px: dec("10"), Qty: dec("1"), Fee: dec("0"), TsMs: int64(i)}
				if _, _, err := m.ApplyFill(f); err != nil {
					t.Errorf("ApplyFill %s: %v", sym, err)
					return
				}
			}
		}(sym)
	}
	wg.Wait()

	for _, sym := range symbols {
		pos, ok := m.Position(sym)
		if !ok || !pos.Qty.Equal(dec("50")) {
			t.Errorf("%s qty = %s, want 50", sym, pos.Qty)
		}
	}
}
