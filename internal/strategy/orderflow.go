package strategy

import (
	"encoding/json"

	"gonum.org/v1/gonum/stat"

	"tradecore/internal/indicator"
	"tradecore/pkg/types"
)

func init() {
	Register("volume_spike", Schema{
		Fields: []Field{
			{Name: "window", Type: TypeInt, Default: 20, Min: 5, Max: 500},
			{Name: "z_threshold", Type: TypeFloat, Default: 3.0, Min: 0.5, Max: 10},
			{Name: "hold_bars", Type: TypeInt, Default: 10, Min: 1, Max: 500},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.02, Min: 0.0001, Max: 0.5},
		},
	}, func() Strategy { return &volumeSpike{} })

	Register("vwap_deviation", Schema{
		Fields: []Field{
			{Name: "stretch_pct", Type: TypeFloat, Default: 0.01, Min: 0.0005, Max: 0.2},
			{Name: "exit_pct", Type: TypeFloat, Default: 0.002, Min: 0.0001, Max: 0.1},
			{Name: "min_bars", Type: TypeInt, Default: 10, Min: 1, Max: 500},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.02, Min: 0.0001, Max: 0.5},
		},
		Check: func(o Options) error { return ordered(o, "exit_pct", "stretch_pct") },
	}, func() Strategy { return &vwapDeviation{} })

	Register("taker_ratio", Schema{
		Fields: []Field{
			{Name: "window", Type: TypeInt, Default: 20, Min: 5, Max: 500},
			{Name: "imbalance", Type: TypeFloat, Default: 0.65, Min: 0.5, Max: 0.99},
			{Name: "exit_band", Type: TypeFloat, Default: 0.55, Min: 0.01, Max: 0.99},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.02, Min: 0.0001, Max: 0.5},
		},
		Check: func(o Options) error { return ordered(o, "exit_band", "imbalance") },
	}, func() Strategy { return &takerRatio{} })
}

// volumeSpike enters in the direction of a bar whose volume z-score clears
// the threshold against the trailing window, and times out after a fixed
// number of bars.
type volumeSpike struct {
	window    int
	threshold float64
	holdBars  int
	stopPct   float64

	pos map[string]*spikePosition
}

type spikePosition struct {
	Side types.Side `json:"side"`
	Held int        `json:"held"`
}

func (s *volumeSpike) Name() string { return "volume_spike" }

func (s *volumeSpike) Initialize(opts Options) error {
	s.window = opts.Int("window")
	s.threshold = opts.Float("z_threshold")
	s.holdBars = opts.Int("hold_bars")
	s.stopPct = opts.Float("stop_pct")
	s.pos = make(map[string]*spikePosition)
	return nil
}

func (s *volumeSpike) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	if p, open := s.pos[bar.Symbol]; open {
		p.Held++
		if p.Held >= s.holdBars {
			delete(s.pos, bar.Symbol)
			return []types.Signal{exit(bar.Symbol, p.Side.Opposite(), 0.5)}
		}
		return nil
	}

	bars := ctx.History(bar.Symbol, bar.Timeframe, s.window+1)
	if len(bars) < s.window+1 {
		return nil
	}
	vols := indicator.Volumes(bars)
	baseline := vols[:len(vols)-1]
	mean := stat.Mean(baseline, nil)
	sd := stat.StdDev(baseline, nil)
	if sd <= 0 {
		return nil
	}
	z := (bar.Volume - mean) / sd
	if z < s.threshold {
		return nil
	}

	side := types.Buy
	if bar.Close < bar.Open {
		side = types.Sell
	}
	s.pos[bar.Symbol] = &spikePosition{Side: side}
	return []types.Signal{enter(bar.Symbol, side, bar.Close, s.stopPct, 0.8)}
}

func (s *volumeSpike) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *volumeSpike) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }

// vwapDeviation fades stretches away from the session VWAP. The session is
// the current UTC day; the anchor resets at midnight.
type vwapDeviation struct {
	stretch float64
	exitAt  float64
	minBars int
	stopPct float64

	pos map[string]types.Side
}

func (s *vwapDeviation) Name() string { return "vwap_deviation" }

func (s *vwapDeviation) Initialize(opts Options) error {
	s.stretch = opts.Float("stretch_pct")
	s.exitAt = opts.Float("exit_pct")
	s.minBars = opts.Int("min_bars")
	s.stopPct = opts.Float("stop_pct")
	s.pos = make(map[string]types.Side)
	return nil
}

func (s *vwapDeviation) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	dayStart := bar.TsMs - bar.TsMs%types.TF1d.Millis()
	perDay := int(types.TF1d.Millis()/bar.Timeframe.Millis()) + 1
	bars := ctx.History(bar.Symbol, bar.Timeframe, perDay)
	for len(bars) > 0 && bars[0].TsMs < dayStart {
		bars = bars[1:]
	}
	if len(bars) < s.minBars {
		return nil
	}
	vwap, ok := indicator.Last(indicator.SessionVWAP(bars))
	if !ok || vwap <= 0 {
		return nil
	}
	dev := (bar.Close - vwap) / vwap

	sym := bar.Symbol
	switch held := s.pos[sym]; {
	case held == "" && dev >= s.stretch:
		s.pos[sym] = types.Sell
		return []types.Signal{enter(sym, types.Sell, bar.Close, s.stopPct, 0.4)}
	case held == "" && dev <= -s.stretch:
		s.pos[sym] = types.Buy
		return []types.Signal{enter(sym, types.Buy, bar.Close, s.stopPct, 0.4)}
	case held == types.Buy && dev >= -s.exitAt:
		delete(s.pos, sym)
		return []types.Signal{exit(sym, types.Sell, 0.4)}
	case held == types.Sell && dev <= s.exitAt:
		delete(s.pos, sym)
		return []types.Signal{exit(sym, types.Buy, 0.4)}
	}
	return nil
}

func (s *vwapDeviation) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *vwapDeviation) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }

// takerRatio follows sustained one-sided flow. Up-bar volume proxies taker
// buys; bar data carries no trade-side split.
type takerRatio struct {
	window    int
	imbalance float64
	exitBand  float64
	stopPct   float64

	pos map[string]types.Side
}

func (s *takerRatio) Name() string { return "taker_ratio" }

func (s *takerRatio) Initialize(opts Options) error {
	s.window = opts.Int("window")
	s.imbalance = opts.Float("imbalance")
	s.exitBand = opts.Float("exit_band")
	s.stopPct = opts.Float("stop_pct")
	s.pos = make(map[string]types.Side)
	return nil
}

func (s *takerRatio) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	bars := ctx.History(bar.Symbol, bar.Timeframe, s.window)
	if len(bars) < s.window {
		return nil
	}
	var up, total float64
	for _, b := range bars {
		total += b.Volume
		if b.Close >= b.Open {
			up += b.Volume
		}
	}
	if total <= 0 {
		return nil
	}
	ratio := up / total

	sym := bar.Symbol
	switch held := s.pos[sym]; {
	case held == "" && ratio >= s.imbalance:
		s.pos[sym] = types.Buy
		return []types.Signal{enter(sym, types.Buy, bar.Close, s.stopPct, 0.5)}
	case held == "" && ratio <= 1-s.imbalance:
		s.pos[sym] = types.Sell
		return []types.Signal{enter(sym, types.Sell, bar.Close, s.stopPct, 0.5)}
	case held == types.Buy && ratio <= s.exitBand:
		delete(s.pos, sym)
		return []types.Signal{exit(sym, types.Sell, 0.5)}
	case held == types.Sell && ratio >= 1-s.exitBand:
		delete(s.pos, sym)
		return []types.Signal{exit(sym, types.Buy, 0.5)}
	}
	return nil
}

func (s *takerRatio) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *takerRatio) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }
