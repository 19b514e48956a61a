package risk

import (
	"testing"
	"time"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

func newTestFilter(cooldowns config.AlertCooldowns, window time.Duration, count int) (*alertFilter, *testClock) {
	cfg := config.RiskConfig{
		AlertCooldowns:   cooldowns,
		EscalationWindow: window,
		EscalationCount:  count,
	}
	f := newAlertFilter(cfg)
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	f.now = clk.now
	return f, clk
}

func TestSuppressedAlertsStillCountTowardEscalation(t *testing.T) {
	t.Parallel()
	f, _ := newTestFilter(config.AlertCooldowns{Warn: 10 * time.Minute}, time.Hour, 3)

	lvl, ok := f.admit("marginWarn", types.LevelWarn, "", "main")
	if !ok || lvl != types.LevelWarn {
		t.Fatalf("first trigger: delivered=%v level=%s, want true/warn", ok, lvl)
	}
	if _, ok := f.admit("marginWarn", types.LevelWarn, "", "main"); ok {
		t.Fatal("second trigger delivered inside the warn cooldown")
	}
	// third trigger escalates to danger; the danger cooldown (zero here)
	// lets it through even though warn would still be muted
	lvl, ok = f.admit("marginWarn", types.LevelWarn, "", "main")
	if !ok || lvl != types.LevelDanger {
		t.Fatalf("third trigger: delivered=%v level=%s, want true/danger", ok, lvl)
	}
}

func TestEscalationWindowResets(t *testing.T) {
	t.Parallel()
	f, clk := newTestFilter(config.AlertCooldowns{}, time.Minute, 3)

	f.admit("gap", types.LevelWarn, "BTCUSDT", "")
	f.admit("gap", types.LevelWarn, "BTCUSDT", "")
	clk.advance(2 * time.Minute) // window lapses, the count starts over

	lvl, ok := f.admit("gap", types.LevelWarn, "BTCUSDT", "")
	if !ok {
		t.Fatal("trigger after window reset not delivered")
	}
	if lvl != types.LevelWarn {
		t.Fatalf("level = %s, want warn (escalation count restarted)", lvl)
	}
}

func TestAlertStreamsAreIndependent(t *testing.T) {
	t.Parallel()
	f, _ := newTestFilter(config.AlertCooldowns{Warn: 10 * time.Minute}, time.Hour, 0)

	if _, ok := f.admit("concentrationBreach", types.LevelWarn, "BTCUSDT", "main"); !ok {
		t.Fatal("first symbol not delivered")
	}
	if _, ok := f.admit("concentrationBreach", types.LevelWarn, "ETHUSDT", "main"); !ok {
		t.Fatal("an unrelated symbol was muted by another symbol's cooldown")
	}
	if _, ok := f.admit("concentrationBreach", types.LevelWarn, "BTCUSDT", "main"); ok {
		t.Fatal("repeat on the same symbol not muted")
	}
}

func TestEscalationCapsAtEmergency(t *testing.T) {
	t.Parallel()
	f, _ := newTestFilter(config.AlertCooldowns{}, time.Hour, 2)

	f.admit("liquidationProximity", types.LevelEmergency, "BTCUSDT", "main")
	lvl, ok := f.admit("liquidationProximity", types.LevelEmergency, "BTCUSDT", "main")
	if !ok || lvl != types.LevelEmergency {
		t.Fatalf("delivered=%v level=%s, want true/emergency", ok, lvl)
	}
}
