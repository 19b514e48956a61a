package strategy

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"tradecore/internal/indicator"
	"tradecore/pkg/types"
)

func init() {
	Register("atr_breakout", Schema{
		Fields: []Field{
			{Name: "atr_period", Type: TypeInt, Default: 14, Min: 2, Max: 200},
			{Name: "k", Type: TypeFloat, Default: 2.0, Min: 0.5, Max: 10},
		},
	}, func() Strategy { return &atrBreakout{} })

	Register("squeeze", Schema{
		Fields: []Field{
			{Name: "period", Type: TypeInt, Default: 20, Min: 3, Max: 500},
			{Name: "band_k", Type: TypeFloat, Default: 2.0, Min: 0.5, Max: 5},
			{Name: "lookback", Type: TypeInt, Default: 100, Min: 20, Max: 2000},
			{Name: "squeeze_pctile", Type: TypeFloat, Default: 20, Min: 1, Max: 50},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.02, Min: 0.0001, Max: 0.5},
		},
	}, func() Strategy { return &squeezeBreakout{} })

	Register("vol_regime", Schema{
		Fields: []Field{
			{Name: "atr_period", Type: TypeInt, Default: 14, Min: 2, Max: 200},
			{Name: "lookback", Type: TypeInt, Default: 100, Min: 20, Max: 2000},
			{Name: "calm_pctile", Type: TypeFloat, Default: 30, Min: 1, Max: 99},
			{Name: "elevated_pctile", Type: TypeFloat, Default: 90, Min: 1, Max: 99},
			{Name: "extreme_pctile", Type: TypeFloat, Default: 97, Min: 1, Max: 100},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.03, Min: 0.0001, Max: 0.5},
		},
		Check: func(o Options) error {
			if err := ordered(o, "calm_pctile", "elevated_pctile"); err != nil {
				return err
			}
			return ordered(o, "elevated_pctile", "extreme_pctile")
		},
	}, func() Strategy { return &volRegime{} })
}

// atrBreakout goes with closes that clear the previous close by k·ATR,
// stop-and-reverse. The protective stop sits one channel width away.
type atrBreakout struct {
	atrPeriod int
	k         float64

	pos map[string]types.Side
}

func (s *atrBreakout) Name() string { return "atr_breakout" }

func (s *atrBreakout) Initialize(opts Options) error {
	s.atrPeriod = opts.Int("atr_period")
	s.k = opts.Float("k")
	s.pos = make(map[string]types.Side)
	return nil
}

func (s *atrBreakout) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	bars := ctx.History(bar.Symbol, bar.Timeframe, s.atrPeriod*3)
	if len(bars) < s.atrPeriod*2 {
		return nil
	}
	highs := indicator.Highs(bars)
	lows := indicator.Lows(bars)
	closes := indicator.Closes(bars)
	atr, ok := indicator.Last(indicator.ATR(highs, lows, closes, s.atrPeriod))
	if !ok || atr <= 0 {
		return nil
	}
	prev := closes[len(closes)-2]

	held := s.pos[bar.Symbol]
	var sigs []types.Signal
	switch {
	case bar.Close > prev+s.k*atr && held != types.Buy:
		if held == types.Sell {
			sigs = append(sigs, exit(bar.Symbol, types.Buy, 0.7))
		}
		sig := enter(bar.Symbol, types.Buy, 0, 0, 0.7)
		sig.StopLossPx = decimal.NewFromFloat(bar.Close - s.k*atr)
		sigs = append(sigs, sig)
		s.pos[bar.Symbol] = types.Buy
	case bar.Close < prev-s.k*atr && held != types.Sell:
		if held == types.Buy {
			sigs = append(sigs, exit(bar.Symbol, types.Sell, 0.7))
		}
		sig := enter(bar.Symbol, types.Sell, 0, 0, 0.7)
		sig.StopLossPx = decimal.NewFromFloat(bar.Close + s.k*atr)
		sigs = append(sigs, sig)
		s.pos[bar.Symbol] = types.Sell
	}
	return sigs
}

func (s *atrBreakout) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *atrBreakout) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }

// squeezeBreakout waits for Bollinger bandwidth to compress into its lowest
// percentile band, then trades the direction of the release. Exits when the
// close crosses back through the middle band.
type squeezeBreakout struct {
	period    int
	bandK     float64
	lookback  int
	squeezeAt float64
	stopPct   float64

	st squeezeState
}

type squeezeState struct {
	Squeezed map[string]bool       `json:"squeezed"`
	Pos      map[string]types.Side `json:"pos"`
}

func (s *squeezeBreakout) Name() string { return "squeeze" }

func (s *squeezeBreakout) Initialize(opts Options) error {
	s.period = opts.Int("period")
	s.bandK = opts.Float("band_k")
	s.lookback = opts.Int("lookback")
	s.squeezeAt = opts.Float("squeeze_pctile")
	s.stopPct = opts.Float("stop_pct")
	s.st = squeezeState{
		Squeezed: make(map[string]bool),
		Pos:      make(map[string]types.Side),
	}
	return nil
}

func (s *squeezeBreakout) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	need := s.period + s.lookback + 1
	bars := ctx.History(bar.Symbol, bar.Timeframe, need+5)
	if len(bars) < need {
		return nil
	}
	closes := indicator.Closes(bars)
	bw := indicator.BollingerBandwidth(closes, s.period, s.bandK)
	ranks := indicator.PercentileRank(bw, s.lookback)
	if len(ranks) == 0 {
		return nil
	}
	rank := ranks[len(ranks)-1]
	_, mid, _ := indicator.Bollinger(closes, s.period, s.bandK)
	middle, okM := indicator.Last(mid)
	if !okM {
		return nil
	}

	sym := bar.Symbol
	held := s.st.Pos[sym]
	var sigs []types.Signal

	// Exits first: a release that went nowhere unwinds at the midline.
	switch {
	case held == types.Buy && bar.Close < middle:
		delete(s.st.Pos, sym)
		sigs = append(sigs, exit(sym, types.Sell, 0.5))
	case held == types.Sell && bar.Close > middle:
		delete(s.st.Pos, sym)
		sigs = append(sigs, exit(sym, types.Buy, 0.5))
	}

	switch {
	case rank <= s.squeezeAt:
		s.st.Squeezed[sym] = true
	case s.st.Squeezed[sym]:
		// Squeeze released: trade the side of the expansion.
		s.st.Squeezed[sym] = false
		if _, open := s.st.Pos[sym]; !open {
			if bar.Close > middle {
				sigs = append(sigs, enter(sym, types.Buy, bar.Close, s.stopPct, 0.6))
				s.st.Pos[sym] = types.Buy
			} else if bar.Close < middle {
				sigs = append(sigs, enter(sym, types.Sell, bar.Close, s.stopPct, 0.6))
				s.st.Pos[sym] = types.Sell
			}
		}
	}
	return sigs
}

func (s *squeezeBreakout) StateSnapshot() ([]byte, error) { return json.Marshal(s.st) }
func (s *squeezeBreakout) RestoreState(data []byte) error { return json.Unmarshal(data, &s.st) }

// volRegime is a volatility-percentile regime filter: it builds exposure in
// calm regimes, trims it once volatility climbs into the elevated band, and
// flattens entirely in the extreme band.
type volRegime struct {
	atrPeriod int
	lookback  int
	calm      float64
	elevated  float64
	extreme   float64
	stopPct   float64

	st volRegimeState
}

type volRegimeState struct {
	Pos     map[string]types.Side `json:"pos"`
	Trimmed map[string]bool       `json:"trimmed"`
}

func (s *volRegime) Name() string { return "vol_regime" }

func (s *volRegime) Initialize(opts Options) error {
	s.atrPeriod = opts.Int("atr_period")
	s.lookback = opts.Int("lookback")
	s.calm = opts.Float("calm_pctile")
	s.elevated = opts.Float("elevated_pctile")
	s.extreme = opts.Float("extreme_pctile")
	s.stopPct = opts.Float("stop_pct")
	s.st = volRegimeState{
		Pos:     make(map[string]types.Side),
		Trimmed: make(map[string]bool),
	}
	return nil
}

func (s *volRegime) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	need := s.atrPeriod + s.lookback + 1
	bars := ctx.History(bar.Symbol, bar.Timeframe, need+5)
	if len(bars) < need {
		return nil
	}
	rank, ok := indicator.VolatilityPercentile(
		indicator.Highs(bars), indicator.Lows(bars), indicator.Closes(bars),
		s.atrPeriod, s.lookback)
	if !ok {
		return nil
	}

	sym := bar.Symbol
	held := s.st.Pos[sym]
	switch {
	case held == "" && rank <= s.calm:
		s.st.Pos[sym] = types.Buy
		s.st.Trimmed[sym] = false
		return []types.Signal{enter(sym, types.Buy, bar.Close, s.stopPct, 0.3)}
	case held != "" && rank >= s.extreme:
		delete(s.st.Pos, sym)
		delete(s.st.Trimmed, sym)
		return []types.Signal{exit(sym, held.Opposite(), 0.8)}
	case held != "" && rank >= s.elevated && !s.st.Trimmed[sym]:
		s.st.Trimmed[sym] = true
		return []types.Signal{trim(sym, held.Opposite(), 0.6)}
	case held != "" && rank <= s.calm && s.st.Trimmed[sym]:
		// Calm again: allow another trim on the next spike.
		s.st.Trimmed[sym] = false
	}
	return nil
}

func (s *volRegime) StateSnapshot() ([]byte, error) { return json.Marshal(s.st) }
func (s *volRegime) RestoreState(data []byte) error { return json.Unmarshal(data, &s.st) }
