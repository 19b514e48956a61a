package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

func newTestPaper(t *testing.T) *Paper {
	t.Helper()
	p := NewPaper(PaperOptions{
		Symbols:     []string{"BTCUSDT", "ETHUSDT"},
		StartEquity: decimal.NewFromInt(100_000),
		FeeRate:     decimal.RequireFromString("0.0004"),
		TickEvery:   time.Millisecond,
		Seed:        7,
	}, testLogger())
	if _, err := p.LoadMarkets(context.Background()); err != nil {
		t.Fatalf("LoadMarkets: %v", err)
	}
	return p
}

// pin fixes the top of book so fills land at known prices.
func pin(p *Paper, symbol string, bid, ask float64) {
	p.observe(symbol, bid, ask, time.Now().UnixMilli())
}

func TestPaperMarketOrderFillsAtTouch(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t)
	pin(p, "BTCUSDT", 100, 100.1)

	order, err := p.CreateOrder(context.Background(), OrderRequest{
		ClientID: "m-1",
		Symbol:   "BTCUSDT",
		Side:     types.Buy,
		Type:     types.Market,
		Qty:      decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != types.StatusFilled {
		t.Fatalf("status = %s, want filled", order.Status)
	}
	if !order.AvgFillPx.Equal(decimal.RequireFromString("100.1")) {
		t.Errorf("AvgFillPx = %s, want ask 100.1", order.AvgFillPx)
	}

	positions, err := p.FetchPositions(context.Background())
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if !positions[0].Qty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("position qty = %s, want 2", positions[0].Qty)
	}

	// Entry fee only: 100.1 × 2 × 0.0004 = 0.08008
	snap, err := p.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	wantEquity := decimal.RequireFromString("99999.91992")
	if !snap.Equity.Equal(wantEquity) {
		t.Errorf("equity = %s, want %s", snap.Equity, wantEquity)
	}
}

func TestPaperRoundTripRealizesPnl(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t)
	ctx := context.Background()

	pin(p, "BTCUSDT", 100, 100.1)
	if _, err := p.CreateOrder(ctx, OrderRequest{
		ClientID: "rt-1", Symbol: "BTCUSDT", Side: types.Buy,
		Type: types.Market, Qty: decimal.NewFromInt(2),
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	pin(p, "BTCUSDT", 110, 110.1)
	if _, err := p.CreateOrder(ctx, OrderRequest{
		ClientID: "rt-2", Symbol: "BTCUSDT", Side: types.Sell,
		Type: types.Market, Qty: decimal.NewFromInt(2),
	}); err != nil {
		t.Fatalf("sell: %v", err)
	}

	positions, _ := p.FetchPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("expected flat book, got %d positions", len(positions))
	}

	// Realized: (110 − 100.1) × 2 = 19.8
	// Fees: 100.1×2×0.0004 + 110×2×0.0004 = 0.08008 + 0.088
	snap, _ := p.FetchBalance(ctx)
	wantEquity := decimal.RequireFromString("100019.63192")
	if !snap.Equity.Equal(wantEquity) {
		t.Errorf("equity = %s, want %s", snap.Equity, wantEquity)
	}
}

func TestPaperLimitOrderRestsUntilCrossed(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t)
	ctx := context.Background()
	pin(p, "ETHUSDT", 3000, 3000.5)

	order, err := p.CreateOrder(ctx, OrderRequest{
		ClientID: "l-1", Symbol: "ETHUSDT", Side: types.Buy,
		Type: types.Limit, Qty: decimal.NewFromInt(1),
		LimitPx: decimal.NewFromInt(2990),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != types.StatusNew {
		t.Fatalf("status = %s, want new (resting)", order.Status)
	}

	// Market trades down through the limit.
	pin(p, "ETHUSDT", 2989, 2989.5)

	p.mu.Lock()
	_, stillResting := p.resting["l-1"]
	pos := p.positions["ETHUSDT"]
	p.mu.Unlock()
	if stillResting {
		t.Fatal("order should have filled once the ask crossed the limit")
	}
	if pos == nil || !pos.qty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("position after fill = %+v, want qty 1", pos)
	}
	if !pos.avg.Equal(decimal.NewFromInt(2990)) {
		t.Errorf("fill price = %s, want limit 2990", pos.avg)
	}
}

func TestPaperStopTriggersOnTrade(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t)
	ctx := context.Background()
	pin(p, "BTCUSDT", 100, 100.1)

	// Protective sell stop below the market.
	order, err := p.CreateOrder(ctx, OrderRequest{
		ClientID: "s-1", Symbol: "BTCUSDT", Side: types.Sell,
		Type: types.Stop, Qty: decimal.NewFromInt(1),
		StopPx: decimal.NewFromInt(95),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != types.StatusNew {
		t.Fatalf("status = %s, want new", order.Status)
	}

	pin(p, "BTCUSDT", 96, 96.1) // above stop, must not trigger
	p.mu.Lock()
	_, resting := p.resting["s-1"]
	p.mu.Unlock()
	if !resting {
		t.Fatal("stop triggered above its price")
	}

	pin(p, "BTCUSDT", 94.9, 95.0)
	p.mu.Lock()
	_, resting = p.resting["s-1"]
	pos := p.positions["BTCUSDT"]
	p.mu.Unlock()
	if resting {
		t.Fatal("stop should have triggered at 94.9 bid")
	}
	if pos == nil || !pos.qty.Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("position = %+v, want short 1", pos)
	}
}

func TestPaperCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t)
	ctx := context.Background()
	pin(p, "BTCUSDT", 100, 100.1)

	if _, err := p.CreateOrder(ctx, OrderRequest{
		ClientID: "c-1", Symbol: "BTCUSDT", Side: types.Buy,
		Type: types.Limit, Qty: decimal.NewFromInt(1),
		LimitPx: decimal.NewFromInt(90),
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := p.CancelOrder(ctx, "BTCUSDT", "c-1"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	p.mu.Lock()
	_, resting := p.resting["c-1"]
	p.mu.Unlock()
	if resting {
		t.Fatal("order should be gone after cancel")
	}

	if err := p.CancelOrder(ctx, "BTCUSDT", "c-1"); err != nil {
		t.Errorf("second cancel should be a no-op, got %v", err)
	}
}

func TestPaperStreamCarriesFills(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := p.Stream(ctx, []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	pin(p, "BTCUSDT", 100, 100.1)
	if _, err := p.CreateOrder(ctx, OrderRequest{
		ClientID: "st-1", Symbol: "BTCUSDT", Side: types.Buy,
		Type: types.Market, Qty: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	deadline := time.After(3 * time.Second)
	var sawTicker, sawFill bool
	for !(sawTicker && sawFill) {
		select {
		case <-deadline:
			t.Fatalf("timed out: ticker=%v fill=%v", sawTicker, sawFill)
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed early")
			}
			if ev.Ticker != nil {
				sawTicker = true
			}
			if ev.Fill != nil {
				if ev.Fill.OrderID != "st-1" {
					t.Errorf("fill OrderID = %s, want st-1", ev.Fill.OrderID)
				}
				sawFill = true
			}
		}
	}
}

func TestPaperSyntheticHistoryIsWellFormed(t *testing.T) {
	t.Parallel()
	p := newTestPaper(t)

	bars, err := p.FetchOHLCV(context.Background(), "BTCUSDT", types.TF5m, 0, 50)
	if err != nil {
		t.Fatalf("FetchOHLCV: %v", err)
	}
	if len(bars) != 50 {
		t.Fatalf("expected 50 bars, got %d", len(bars))
	}
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			t.Fatalf("bar %d invalid: %v", i, err)
		}
		if i > 0 && b.TsMs != bars[i-1].TsMs+types.TF5m.Millis() {
			t.Fatalf("bar %d not contiguous: %d after %d", i, b.TsMs, bars[i-1].TsMs)
		}
	}
}
