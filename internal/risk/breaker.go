package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/bus"
	"tradecore/pkg/types"
)

const defaultBreakerCooldown = 5 * time.Minute

// Transition is the circuitBreaker event payload.
type Transition struct {
	From   types.BreakerLevel `json:"from"`
	To     types.BreakerLevel `json:"to"`
	Reason string             `json:"reason"`
	TsMs   int64              `json:"ts_ms"`
}

// BreakerSnapshot is the breaker's state for status reporting.
type BreakerSnapshot struct {
	Level     types.BreakerLevel `json:"level"`
	Reason    string             `json:"reason,omitempty"`
	ChangedTs int64              `json:"changed_ts,omitempty"`
}

// Breaker is the engine-wide circuit breaker. Detectors arm it upward only;
// it steps back down one level at a time after a full cooldown of calm
// market readings. A manual override moves it in either direction and always
// wins over automatic arming.
type Breaker struct {
	cooldown time.Duration
	logger   *slog.Logger
	bus      *bus.Bus

	// onChange runs after every transition, outside the lock.
	onChange func(from, to types.BreakerLevel, reason string)

	mu        sync.Mutex
	level     types.BreakerLevel
	reason    string
	changedAt time.Time
	calmSince time.Time // zero while any detector reads agitated
	now       func() time.Time
}

// NewBreaker starts at NORMAL.
func NewBreaker(cooldown time.Duration, b *bus.Bus, logger *slog.Logger) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cooldown: cooldown,
		logger:   logger.With("component", "risk.breaker"),
		bus:      b,
		level:    types.BreakerNormal,
		now:      time.Now,
	}
}

// Level returns the current breaker level.
func (b *Breaker) Level() types.BreakerLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Snapshot returns the level, the reason it was last set, and when.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{Level: b.level, Reason: b.reason}
	if !b.changedAt.IsZero() {
		s.ChangedTs = b.changedAt.UnixMilli()
	}
	return s
}

// Arm escalates to level. Arming never de-escalates: a request at or below
// the current level only restarts the dwell timer, so an ongoing condition
// keeps the breaker held. Reports whether the level actually changed.
func (b *Breaker) Arm(level types.BreakerLevel, reason string) bool {
	b.mu.Lock()
	b.calmSince = time.Time{}
	if level.Rank() <= b.level.Rank() {
		b.changedAt = b.now()
		b.mu.Unlock()
		return false
	}
	t := b.transitionLocked(level, reason)
	b.mu.Unlock()
	b.announce(t)
	return true
}

// Override forces the level in either direction. Manual intervention wins
// over any automatic state.
func (b *Breaker) Override(level types.BreakerLevel, reason string) {
	b.mu.Lock()
	if b.level == level {
		b.mu.Unlock()
		return
	}
	b.calmSince = time.Time{}
	t := b.transitionLocked(level, "manual override: "+reason)
	b.mu.Unlock()
	b.announce(t)
}

// Observe feeds one calm/agitated reading. After a full cooldown of
// uninterrupted calm the breaker steps down exactly one level; another full
// cooldown must pass before the next step.
func (b *Breaker) Observe(calm bool) {
	b.mu.Lock()
	now := b.now()
	if !calm {
		b.calmSince = time.Time{}
		b.mu.Unlock()
		return
	}
	if b.level == types.BreakerNormal {
		b.mu.Unlock()
		return
	}
	if b.calmSince.IsZero() {
		b.calmSince = now
		b.mu.Unlock()
		return
	}
	if now.Sub(b.calmSince) < b.cooldown || now.Sub(b.changedAt) < b.cooldown {
		b.mu.Unlock()
		return
	}
	t := b.transitionLocked(stepDown(b.level), "calm for "+b.cooldown.String())
	b.calmSince = now
	b.mu.Unlock()
	b.announce(t)
}

func (b *Breaker) transitionLocked(to types.BreakerLevel, reason string) Transition {
	t := Transition{From: b.level, To: to, Reason: reason, TsMs: b.now().UnixMilli()}
	b.level = to
	b.reason = reason
	b.changedAt = b.now()
	return t
}

func (b *Breaker) announce(t Transition) {
	escalated := t.To.Rank() > t.From.Rank()
	if escalated {
		b.logger.Error("CIRCUIT BREAKER", "from", t.From, "to", t.To, "reason", t.Reason)
	} else {
		b.logger.Info("circuit breaker stepped down", "from", t.From, "to", t.To, "reason", t.Reason)
	}
	if b.onChange != nil {
		b.onChange(t.From, t.To, t.Reason)
	}
	if b.bus == nil {
		return
	}
	b.bus.Emit(bus.EvCircuitBreaker, "", t)
	kind, level := "breakerDeescalated", types.LevelInfo
	if escalated {
		kind, level = "breakerEscalated", breakerRiskLevel(t.To)
	}
	b.bus.Emit(bus.EvRiskEvent, "", types.RiskEvent{
		ID:     uuid.NewString(),
		Module: "risk.breaker",
		Kind:   kind,
		Level:  level,
		TsMs:   t.TsMs,
		Payload: map[string]any{
			"from":   string(t.From),
			"to":     string(t.To),
			"reason": t.Reason,
		},
	})
}

func stepDown(l types.BreakerLevel) types.BreakerLevel {
	switch l {
	case types.BreakerEmergency:
		return types.BreakerL3
	case types.BreakerL3:
		return types.BreakerL2
	case types.BreakerL2:
		return types.BreakerL1
	default:
		return types.BreakerNormal
	}
}

// breakerRiskLevel maps a breaker level to the severity of the events it
// produces.
func breakerRiskLevel(l types.BreakerLevel) types.RiskLevel {
	switch l {
	case types.BreakerEmergency:
		return types.LevelEmergency
	case types.BreakerL3:
		return types.LevelCritical
	case types.BreakerL2:
		return types.LevelDanger
	case types.BreakerL1:
		return types.LevelWarn
	default:
		return types.LevelInfo
	}
}
