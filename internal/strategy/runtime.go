package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// State is an instance's lifecycle position. Transitions only move forward:
// created → initialized → running → stopping → stopped.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// SignalSink receives every signal the runtime emits, in callback order. The
// risk pipeline sits behind it; a nil sink means signals only reach the
// spine.
type SignalSink interface {
	ProcessSignal(ctx context.Context, account string, sig types.Signal) error
}

// StateStore persists state snapshots for crash recovery. *store.Store
// implements it; nil disables persistence.
type StateStore interface {
	SaveStrategyState(strategyID string, state json.RawMessage, tsMs int64) error
	LoadStrategyState(strategyID string) (json.RawMessage, error)
}

// Subscriber lets the runtime register (symbol, timeframe) interest so the
// market-data engine aggregates everything an instance reads. The engine
// implements it; a plain MarketData without it is fine for tests.
type Subscriber interface {
	Subscribe(symbol string, tf types.Timeframe)
}

// LifecycleEvent is the payload of strategyStarted and strategyStopped.
type LifecycleEvent struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Account   string   `json:"account"`
	Symbols   []string `json:"symbols,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
	Signals   int64    `json:"signals,omitempty"` // lifetime count, set on stop
}

const defaultSnapshotEvery = time.Minute

// maxCallbackPanics is the per-instance panic budget. A strategy that blows
// up this many times is stopped instead of recovered again.
const maxCallbackPanics = 3

// Runtime owns the strategy instances: one consumer goroutine each, at most
// one concurrent callback per instance, periodic state snapshots, and
// signal forwarding to the sink.
type Runtime struct {
	logger *slog.Logger
	bus    *bus.Bus
	market MarketData
	sink   SignalSink
	store  StateStore

	// SnapshotEvery overrides the periodic snapshot interval. Set before
	// the first Start; zero means the default of one minute.
	SnapshotEvery time.Duration

	mu        sync.Mutex
	instances map[string]*Instance

	now func() time.Time
}

// NewRuntime wires the runtime. market serves Context reads, sink receives
// accepted signals, st persists snapshots (nil for none).
func NewRuntime(market MarketData, sink SignalSink, st StateStore, b *bus.Bus, logger *slog.Logger) *Runtime {
	return &Runtime{
		logger:    logger.With("component", "strategy"),
		bus:       b,
		market:    market,
		sink:      sink,
		store:     st,
		instances: make(map[string]*Instance),
		now:       time.Now,
	}
}

// Instance is one running strategy bound to an account and a symbol set.
type Instance struct {
	ID   string
	Name string

	account string
	tf      types.Timeframe
	symbols map[string]bool

	strat   Strategy
	tickers TickerHandler // nil unless the family implements it
	books   BookHandler

	logger *slog.Logger
	sub    *bus.Subscription

	mu    sync.Mutex
	state State

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	bars    atomic.Int64
	signals atomic.Int64
	panics  atomic.Int64
}

// State returns the instance's lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// InstanceStatus is a point-in-time view for status logging.
type InstanceStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	State   State  `json:"state"`
	Bars    int64  `json:"bars"`
	Signals int64  `json:"signals"`
}

// Start validates the block, builds and initializes the strategy, restores
// any saved snapshot, and launches the consumer goroutine. The returned
// instance is already running.
func (r *Runtime) Start(ctx context.Context, cfg config.StrategyConfig) (*Instance, error) {
	reg, ok := lookup(cfg.Name)
	if !ok {
		return nil, types.Ef(types.KindConfig, "strategy.start", "unknown strategy %q", cfg.Name)
	}
	id := instanceID(cfg)

	r.mu.Lock()
	_, dup := r.instances[id]
	r.mu.Unlock()
	if dup {
		return nil, types.Ef(types.KindConfig, "strategy.start", "instance %q already running", id)
	}

	if reg.schema.Symbols > 0 && len(cfg.Symbols) != reg.schema.Symbols {
		return nil, types.Ef(types.KindConfig, "strategy.start",
			"%s needs exactly %d symbols, got %d", cfg.Name, reg.schema.Symbols, len(cfg.Symbols))
	}
	opts, err := reg.schema.Validate(cfg.Options)
	if err != nil {
		return nil, err
	}
	tf, err := types.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, types.E(types.KindConfig, "strategy.start", err)
	}
	opts["symbols"] = append([]string(nil), cfg.Symbols...)
	opts["timeframe"] = cfg.Timeframe

	inst := &Instance{
		ID:      id,
		Name:    cfg.Name,
		account: cfg.Account,
		tf:      tf,
		symbols: make(map[string]bool, len(cfg.Symbols)),
		strat:   reg.factory(),
		logger:  r.logger.With("instance", id, "strategy", cfg.Name),
		state:   StateCreated,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, sym := range cfg.Symbols {
		inst.symbols[sym] = true
	}

	if err := inst.strat.Initialize(opts); err != nil {
		return nil, types.E(types.KindConfig, "strategy.start", err)
	}
	inst.setState(StateInitialized)

	if r.store != nil {
		saved, err := r.store.LoadStrategyState(id)
		switch {
		case err != nil:
			inst.logger.Warn("loading saved state failed, starting fresh", "error", err)
		case len(saved) > 0:
			if err := inst.strat.RestoreState(saved); err != nil {
				inst.logger.Warn("restoring saved state failed, starting fresh", "error", err)
			} else {
				inst.logger.Info("state restored from snapshot")
			}
		}
	}

	inst.tickers, _ = inst.strat.(TickerHandler)
	inst.books, _ = inst.strat.(BookHandler)

	// Register market-data interest, including any extra timeframes the
	// strategy aggregates from.
	if md, ok := r.market.(Subscriber); ok {
		tfs := []types.Timeframe{tf}
		if tr, ok := inst.strat.(TimeframeRequirer); ok {
			tfs = append(tfs, tr.Timeframes()...)
		}
		for _, sym := range cfg.Symbols {
			for _, t := range tfs {
				md.Subscribe(sym, t)
			}
		}
	}

	topics := []bus.EventName{bus.EvBar}
	if inst.tickers != nil {
		topics = append(topics, bus.EvTicker)
	}
	if inst.books != nil {
		topics = append(topics, bus.EvBook)
	}
	inst.sub = r.bus.Subscribe("strategy/"+id, topics...)

	inst.setState(StateRunning)
	go r.run(ctx, inst)

	r.mu.Lock()
	r.instances[id] = inst
	r.mu.Unlock()

	r.bus.Emit(bus.EvStrategyStarted, id, LifecycleEvent{
		ID:        id,
		Name:      cfg.Name,
		Account:   cfg.Account,
		Symbols:   append([]string(nil), cfg.Symbols...),
		Timeframe: cfg.Timeframe,
	})
	inst.logger.Info("strategy started",
		"account", cfg.Account, "symbols", cfg.Symbols, "tf", cfg.Timeframe)
	return inst, nil
}

func (r *Runtime) run(ctx context.Context, inst *Instance) {
	defer close(inst.done)

	every := r.SnapshotEvery
	if every <= 0 {
		every = defaultSnapshotEvery
	}
	snap := time.NewTicker(every)
	defer snap.Stop()

	cctx := &Context{Logger: inst.logger, market: r.market}
	halting := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-inst.stopCh:
			return
		case <-snap.C:
			r.snapshot(inst)
		case evt, ok := <-inst.sub.C():
			if !ok {
				return
			}
			r.dispatch(ctx, inst, cctx, evt)
			if !halting && inst.panics.Load() >= maxCallbackPanics {
				halting = true
				inst.logger.Error("panic budget exhausted, stopping instance")
				// Stop waits for this goroutine, so it must run elsewhere.
				go r.Stop(inst.ID)
			}
		}
	}
}

// dispatch runs one callback and forwards its signals. Signals produced
// while the instance is stopping are dropped; the in-flight callback itself
// always completes.
func (r *Runtime) dispatch(ctx context.Context, inst *Instance, cctx *Context, evt bus.Event) {
	var (
		sigs []types.Signal
		tsMs int64
	)
	switch evt.Name {
	case bus.EvBar:
		bar, ok := evt.Data.(types.Bar)
		if !ok || bar.Timeframe != inst.tf || !inst.symbols[bar.Symbol] {
			return
		}
		inst.bars.Add(1)
		sigs = r.callback(inst, func() []types.Signal { return inst.strat.OnBar(cctx, bar) })
		tsMs = bar.TsMs
	case bus.EvTicker:
		t, ok := evt.Data.(types.Ticker)
		if !ok || inst.tickers == nil || !inst.symbols[t.Symbol] {
			return
		}
		sigs = r.callback(inst, func() []types.Signal { return inst.tickers.OnTicker(cctx, t) })
		tsMs = t.TsMs
	case bus.EvBook:
		ob, ok := evt.Data.(types.OrderBook)
		if !ok || inst.books == nil || !inst.symbols[ob.Symbol] {
			return
		}
		sigs = r.callback(inst, func() []types.Signal { return inst.books.OnBook(cctx, ob) })
		tsMs = ob.TsMs
	default:
		return
	}

	if len(sigs) == 0 {
		return
	}
	if inst.State() != StateRunning {
		inst.logger.Debug("dropping signals, instance not running", "count", len(sigs))
		return
	}
	r.forward(ctx, inst, sigs, tsMs)
}

// callback shields the consumer loop from a panicking strategy. The panic
// surfaces as a critical risk event and the instance keeps consuming until
// its panic budget runs out.
func (r *Runtime) callback(inst *Instance, fn func() []types.Signal) (sigs []types.Signal) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		n := inst.panics.Add(1)
		inst.logger.Error("strategy callback panicked", "panic", rec, "count", n)
		r.bus.Emit(bus.EvRiskEvent, inst.ID, types.RiskEvent{
			ID:     uuid.NewString(),
			Module: "strategy",
			Kind:   "callbackPanic",
			Level:  types.LevelCritical,
			TsMs:   r.now().UnixMilli(),
			Payload: map[string]any{
				"instance": inst.ID,
				"strategy": inst.Name,
				"panic":    fmt.Sprint(rec),
			},
		})
		sigs = nil
	}()
	return fn()
}

// forward stamps, publishes, and hands signals to the sink. TsMs is taken
// from the triggering update so a replay reproduces identical signals.
func (r *Runtime) forward(ctx context.Context, inst *Instance, sigs []types.Signal, tsMs int64) {
	for _, sig := range sigs {
		if sig.ID == "" {
			sig.ID = uuid.NewString()
		}
		if sig.Strategy == "" {
			sig.Strategy = inst.ID
		}
		if sig.TsMs == 0 {
			sig.TsMs = tsMs
		}
		if err := sig.Validate(); err != nil {
			inst.logger.Error("dropping malformed signal", "error", err)
			continue
		}
		inst.signals.Add(1)
		r.bus.Emit(bus.EvSignal, sig.Symbol, sig)
		inst.logger.Info("signal",
			"symbol", sig.Symbol, "side", sig.Side, "intent", sig.Intent, "urgency", sig.Urgency)
		if r.sink == nil {
			continue
		}
		if err := r.sink.ProcessSignal(ctx, inst.account, sig); err != nil {
			inst.logger.Warn("signal not accepted", "symbol", sig.Symbol, "error", err)
		}
	}
}

// snapshot persists the instance state when the strategy carries any. A
// strategy that has panicked may hold inconsistent state, so its last
// snapshot from before the panic stays authoritative.
func (r *Runtime) snapshot(inst *Instance) {
	if r.store == nil || inst.panics.Load() > 0 {
		return
	}
	data, err := inst.strat.StateSnapshot()
	if err != nil {
		inst.logger.Warn("state snapshot failed", "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	if err := r.store.SaveStrategyState(inst.ID, data, r.now().UnixMilli()); err != nil {
		inst.logger.Warn("state snapshot not persisted", "error", err)
	}
}

// Stop moves one instance through stopping, waits for its in-flight callback
// to finish, snapshots, and announces the stop.
func (r *Runtime) Stop(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return types.Ef(types.KindValidation, "strategy.stop", "unknown instance %q", id)
	}
	r.stop(inst)
	return nil
}

// StopAll stops every instance; used at engine shutdown.
func (r *Runtime) StopAll() {
	r.mu.Lock()
	insts := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	for _, inst := range insts {
		r.stop(inst)
	}
}

func (r *Runtime) stop(inst *Instance) {
	inst.setState(StateStopping)
	inst.stopOnce.Do(func() { close(inst.stopCh) })
	<-inst.done
	r.bus.Unsubscribe(inst.sub)
	r.snapshot(inst)
	inst.setState(StateStopped)

	r.bus.Emit(bus.EvStrategyStopped, inst.ID, LifecycleEvent{
		ID:      inst.ID,
		Name:    inst.Name,
		Account: inst.account,
		Signals: inst.signals.Load(),
	})
	inst.logger.Info("strategy stopped", "bars", inst.bars.Load(), "signals", inst.signals.Load())
}

// Statuses reports every live instance, sorted by id.
func (r *Runtime) Statuses() []InstanceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InstanceStatus, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, InstanceStatus{
			ID:      inst.ID,
			Name:    inst.Name,
			State:   inst.State(),
			Bars:    inst.bars.Load(),
			Signals: inst.signals.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
