package risk

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"tradecore/internal/bus"
	"tradecore/pkg/types"
)

func drainTransitions(sub *bus.Subscription) []Transition {
	var out []Transition
	for {
		select {
		case evt := <-sub.C():
			if tr, ok := evt.Data.(Transition); ok {
				out = append(out, tr)
			}
		default:
			return out
		}
	}
}

// flatBars builds 1m bars with a constant true range so the ATR is exact:
// spread/close of the returned bars is 0.5%.
func flatBars(n int) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		bars[i] = types.Bar{
			Symbol:    "BTCUSDT",
			Timeframe: types.TF1m,
			TsMs:      int64(i) * 60_000,
			Open:      50_000,
			High:      50_125,
			Low:       49_875,
			Close:     50_000,
			Volume:    10,
		}
	}
	return bars
}

func TestFlashCrashArmsL2AndCancelsWorking(t *testing.T) {
	t.Parallel()
	m, mkt, _, _, clk, b := newTestManager(t, riskCfg())
	evSub := b.Subscribe("test-breaker", bus.EvCircuitBreaker)
	defer b.Unsubscribe(evSub)

	mkt.setBars("BTCUSDT", types.TF1m, flatBars(20))
	mkt.setTicker("BTCUSDT", 50_000)
	m.Watch("BTCUSDT")

	m.tick() // anchors the price window
	if got := m.breaker.Level(); got != types.BreakerNormal {
		t.Fatalf("level after quiet tick = %s, want NORMAL", got)
	}

	// 8% down inside the 2m window: 4%/min against a 2.5%/min bound (5×ATR)
	clk.advance(90 * time.Second)
	mkt.setTicker("BTCUSDT", 46_000)
	m.tick()

	if got := m.breaker.Level(); got != types.BreakerL2 {
		t.Fatalf("level after crash = %s, want L2", got)
	}
	var cancelled bool
	for _, a := range drainActions(m) {
		if a.Type == types.ActionCancelWorking && a.Symbol == "BTCUSDT" {
			cancelled = true
		}
	}
	if !cancelled {
		t.Fatal("no cancel_working action for the crashed symbol")
	}

	// opens are refused at L2, closes still pass gate 1
	d, err := m.ProcessSignal(context.Background(), "main", openSignal("BTCUSDT", types.Buy))
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if d.Allow || !strings.Contains(d.Reason, "circuit breaker") {
		t.Fatalf("want breaker denial, got allow=%v reason=%q", d.Allow, d.Reason)
	}

	// window expires, the detector re-anchors at the new price level
	clk.advance(3 * time.Minute)
	mkt.setTicker("BTCUSDT", 46_000)
	m.tick()
	if got := m.breaker.Level(); got != types.BreakerL2 {
		t.Fatalf("level right after calm begins = %s, want still L2", got)
	}

	// one full cooldown of calm per step: L2 → L1 → NORMAL, never skipping
	clk.advance(5 * time.Minute)
	m.tick()
	if got := m.breaker.Level(); got != types.BreakerL1 {
		t.Fatalf("level after first cooldown = %s, want L1", got)
	}
	clk.advance(5 * time.Minute)
	m.tick()
	if got := m.breaker.Level(); got != types.BreakerNormal {
		t.Fatalf("level after second cooldown = %s, want NORMAL", got)
	}

	var hops []types.BreakerLevel
	for _, tr := range drainTransitions(evSub) {
		hops = append(hops, tr.To)
	}
	want := []types.BreakerLevel{types.BreakerL2, types.BreakerL1, types.BreakerNormal}
	if len(hops) != len(want) {
		t.Fatalf("transitions = %v, want %v", hops, want)
	}
	for i := range want {
		if hops[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, hops[i], want[i])
		}
	}
}

func TestArmOnlyEscalatesOverrideWins(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	br := NewBreaker(5*time.Minute, nil, logger)
	br.now = clk.now

	if !br.Arm(types.BreakerL3, "depth gone") {
		t.Fatal("first arm did not transition")
	}
	if br.Arm(types.BreakerL1, "minor wobble") {
		t.Fatal("arm de-escalated")
	}
	if got := br.Level(); got != types.BreakerL3 {
		t.Fatalf("level = %s, want L3", got)
	}
	if br.Arm(types.BreakerL3, "again") {
		t.Fatal("re-arm at the same level reported a transition")
	}

	br.Override(types.BreakerNormal, "operator reset")
	if got := br.Level(); got != types.BreakerNormal {
		t.Fatalf("level after override = %s, want NORMAL", got)
	}
	if !strings.Contains(br.Snapshot().Reason, "override") {
		t.Fatalf("snapshot reason %q does not mark the override", br.Snapshot().Reason)
	}

	br.Override(types.BreakerEmergency, "halt everything")
	if got := br.Level(); got != types.BreakerEmergency {
		t.Fatalf("level = %s, want EMERGENCY", got)
	}
}

func TestObserveNeedsUninterruptedCalm(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	br := NewBreaker(time.Minute, nil, logger)
	br.now = clk.now

	br.Arm(types.BreakerL2, "shock")
	clk.advance(2 * time.Minute)

	br.Observe(true) // calm clock starts here
	clk.advance(30 * time.Second)
	br.Observe(true)
	if got := br.Level(); got != types.BreakerL2 {
		t.Fatalf("stepped down after 30s of calm, level = %s", got)
	}

	br.Observe(false) // agitation resets the calm clock
	clk.advance(2 * time.Minute)
	br.Observe(true)
	if got := br.Level(); got != types.BreakerL2 {
		t.Fatalf("stepped down without a full calm window, level = %s", got)
	}
	clk.advance(time.Minute)
	br.Observe(true)
	if got := br.Level(); got != types.BreakerL1 {
		t.Fatalf("level = %s, want L1 after a full calm minute", got)
	}
}

func TestBreakerActionsAtHighLevels(t *testing.T) {
	t.Parallel()
	m, _, _, _, _, _ := newTestManager(t, riskCfg())

	m.breaker.Arm(types.BreakerL3, "book vanished")
	var cancel, force int
	for _, a := range drainActions(m) {
		switch a.Type {
		case types.ActionCancelWorking:
			cancel++
		case types.ActionForceClose:
			force++
		}
	}
	if cancel != 1 || force != 0 {
		t.Fatalf("after L3: cancel=%d force=%d, want 1/0", cancel, force)
	}

	m.breaker.Arm(types.BreakerEmergency, "cascading liquidations")
	for _, a := range drainActions(m) {
		if a.Type == types.ActionForceClose {
			force++
		}
	}
	if force != 1 {
		t.Fatalf("after EMERGENCY: force_close actions = %d, want 1", force)
	}
}

func TestEmergencyRefusesEvenCloses(t *testing.T) {
	t.Parallel()
	m, mkt, acct, _, _, _ := newTestManager(t, riskCfg())
	mkt.setTicker("BTCUSDT", 50_000)
	acct.setSnapshot(types.AccountSnapshot{
		AccountID: "main", Venue: "paper",
		Equity: dec("100000"), FreeMargin: dec("80000"), UsedMargin: dec("20000"),
		Positions: []types.Position{{
			Account: "main", Venue: "paper", Symbol: "BTCUSDT",
			Qty: dec("1"), AvgEntryPx: dec("50000"),
		}},
	})

	m.breaker.Override(types.BreakerL3, "drill")
	d, err := m.ProcessSignal(context.Background(), "main", closeSignal("BTCUSDT", types.Sell))
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if !d.Allow {
		t.Fatalf("close denied at L3: %s", d.Reason)
	}

	m.breaker.Override(types.BreakerEmergency, "drill")
	d, _ = m.ProcessSignal(context.Background(), "main", closeSignal("BTCUSDT", types.Sell))
	if d.Allow || !strings.Contains(d.Reason, "circuit breaker") {
		t.Fatalf("want breaker denial at EMERGENCY, got allow=%v reason=%q", d.Allow, d.Reason)
	}
}

func TestDepthCollapseArmsL1(t *testing.T) {
	t.Parallel()
	m, mkt, _, _, _, _ := newTestManager(t, riskCfg())
	m.Watch("ETHUSDT")

	mkt.setBook(types.OrderBook{
		Symbol: "ETHUSDT",
		Bids:   []types.PriceLevel{{Price: 2999, Size: 50}},
		Asks:   []types.PriceLevel{{Price: 3001, Size: 50}},
	})
	m.tick() // anchors depth at 100
	if got := m.breaker.Level(); got != types.BreakerNormal {
		t.Fatalf("level = %s, want NORMAL", got)
	}

	mkt.setBook(types.OrderBook{
		Symbol: "ETHUSDT",
		Bids:   []types.PriceLevel{{Price: 2999, Size: 20}},
		Asks:   []types.PriceLevel{{Price: 3001, Size: 20}},
	})
	m.tick() // 60% collapse against the 50% threshold
	if got := m.breaker.Level(); got != types.BreakerL1 {
		t.Fatalf("level = %s, want L1", got)
	}
}

func TestVenueSpreadArmsL2(t *testing.T) {
	t.Parallel()
	m, _, _, _, _, _ := newTestManager(t, riskCfg())

	m.ObserveVenueMid("binance", "BTCUSDT", 50_000)
	if got := m.breaker.Level(); got != types.BreakerNormal {
		t.Fatalf("level after one venue = %s, want NORMAL", got)
	}
	m.ObserveVenueMid("paper", "BTCUSDT", 51_500) // 3% apart, cap is 2%
	if got := m.breaker.Level(); got != types.BreakerL2 {
		t.Fatalf("level = %s, want L2", got)
	}
}
