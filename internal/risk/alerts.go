package risk

import (
	"sync"
	"time"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// alertKey identifies a deduplication stream. Two events with the same kind
// and base level but different symbol or account are unrelated alarms and
// never suppress each other.
type alertKey struct {
	kind    string
	level   types.RiskLevel
	symbol  string
	account string
}

type alertStream struct {
	windowStart   time.Time
	count         int
	lastDelivered time.Time
}

// alertFilter deduplicates repeated risk alerts. Every trigger counts toward
// escalation even while delivery is suppressed, so a condition that keeps
// firing inside a cooldown still escalates on schedule.
type alertFilter struct {
	cooldowns config.AlertCooldowns
	window    time.Duration
	escAfter  int

	mu      sync.Mutex
	streams map[alertKey]*alertStream
	now     func() time.Time
}

func newAlertFilter(cfg config.RiskConfig) *alertFilter {
	return &alertFilter{
		cooldowns: cfg.AlertCooldowns,
		window:    cfg.EscalationWindow,
		escAfter:  cfg.EscalationCount,
		streams:   make(map[alertKey]*alertStream),
		now:       time.Now,
	}
}

// admit records one trigger and decides whether to deliver it. The returned
// level is the delivery level: the base level, bumped one step when the
// stream has fired escAfter or more times inside the escalation window.
func (f *alertFilter) admit(kind string, level types.RiskLevel, symbol, account string) (types.RiskLevel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	key := alertKey{kind: kind, level: level, symbol: symbol, account: account}
	st := f.streams[key]
	if st == nil {
		st = &alertStream{windowStart: now}
		f.streams[key] = st
	}
	if f.window > 0 && now.Sub(st.windowStart) > f.window {
		st.windowStart = now
		st.count = 0
	}
	st.count++

	deliver := level
	if f.escAfter > 0 && st.count >= f.escAfter {
		deliver = level.Escalate()
	}
	if cd := f.cooldowns.For(deliver); !st.lastDelivered.IsZero() && now.Sub(st.lastDelivered) < cd {
		return deliver, false
	}
	st.lastDelivered = now
	return deliver, true
}
