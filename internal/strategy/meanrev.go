package strategy

import (
	"encoding/json"
	"fmt"

	"tradecore/internal/indicator"
	"tradecore/pkg/types"
)

func init() {
	Register("rsi_reversion", Schema{
		Fields: []Field{
			{Name: "period", Type: TypeInt, Default: 14, Min: 2, Max: 200},
			{Name: "oversold", Type: TypeFloat, Default: 30, Min: 1, Max: 99},
			{Name: "overbought", Type: TypeFloat, Default: 70, Min: 1, Max: 99},
			{Name: "exit_level", Type: TypeFloat, Default: 50, Min: 1, Max: 99},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.02, Min: 0.0001, Max: 0.5},
		},
		Check: func(o Options) error {
			if err := ordered(o, "oversold", "overbought"); err != nil {
				return err
			}
			if x := o.Float("exit_level"); x <= o.Float("oversold") || x >= o.Float("overbought") {
				return fmt.Errorf("exit_level (%v) must sit between oversold and overbought", x)
			}
			return nil
		},
	}, func() Strategy { return &rsiReversion{} })

	Register("bollinger_reversion", Schema{
		Fields: []Field{
			{Name: "period", Type: TypeInt, Default: 20, Min: 3, Max: 500},
			{Name: "band_k", Type: TypeFloat, Default: 2.0, Min: 0.5, Max: 5},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.02, Min: 0.0001, Max: 0.5},
		},
	}, func() Strategy { return &bollingerReversion{} })
}

// rsiReversion buys oversold and sells overbought, exiting when RSI comes
// back through exit_level. One position per symbol at a time.
type rsiReversion struct {
	period               int
	oversold, overbought float64
	exitLevel            float64
	stopPct              float64

	pos map[string]types.Side
}

func (s *rsiReversion) Name() string { return "rsi_reversion" }

func (s *rsiReversion) Initialize(opts Options) error {
	s.period = opts.Int("period")
	s.oversold = opts.Float("oversold")
	s.overbought = opts.Float("overbought")
	s.exitLevel = opts.Float("exit_level")
	s.stopPct = opts.Float("stop_pct")
	s.pos = make(map[string]types.Side)
	return nil
}

func (s *rsiReversion) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	bars := ctx.History(bar.Symbol, bar.Timeframe, s.period*3)
	// Wilder smoothing needs room beyond the period; a warmup zero would
	// read as deeply oversold.
	if len(bars) < s.period*2 {
		return nil
	}
	rsi := indicator.RSI(indicator.Closes(bars), s.period)
	cur, ok := indicator.Last(rsi)
	if !ok {
		return nil
	}

	held := s.pos[bar.Symbol]
	switch {
	case held == "" && cur <= s.oversold:
		s.pos[bar.Symbol] = types.Buy
		return []types.Signal{enter(bar.Symbol, types.Buy, bar.Close, s.stopPct, 0.4)}
	case held == "" && cur >= s.overbought:
		s.pos[bar.Symbol] = types.Sell
		return []types.Signal{enter(bar.Symbol, types.Sell, bar.Close, s.stopPct, 0.4)}
	case held == types.Buy && cur >= s.exitLevel:
		delete(s.pos, bar.Symbol)
		return []types.Signal{exit(bar.Symbol, types.Sell, 0.4)}
	case held == types.Sell && cur <= s.exitLevel:
		delete(s.pos, bar.Symbol)
		return []types.Signal{exit(bar.Symbol, types.Buy, 0.4)}
	}
	return nil
}

func (s *rsiReversion) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *rsiReversion) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }

// bollingerReversion fades closes beyond the bands and exits at the middle
// band.
type bollingerReversion struct {
	period  int
	bandK   float64
	stopPct float64

	pos map[string]types.Side
}

func (s *bollingerReversion) Name() string { return "bollinger_reversion" }

func (s *bollingerReversion) Initialize(opts Options) error {
	s.period = opts.Int("period")
	s.bandK = opts.Float("band_k")
	s.stopPct = opts.Float("stop_pct")
	s.pos = make(map[string]types.Side)
	return nil
}

func (s *bollingerReversion) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	bars := ctx.History(bar.Symbol, bar.Timeframe, s.period+2)
	if len(bars) < s.period+1 {
		return nil
	}
	upper, middle, lower := indicator.Bollinger(indicator.Closes(bars), s.period, s.bandK)
	up, okU := indicator.Last(upper)
	mid, okM := indicator.Last(middle)
	low, okL := indicator.Last(lower)
	if !okU || !okM || !okL {
		return nil
	}

	held := s.pos[bar.Symbol]
	switch {
	case held == "" && bar.Close <= low:
		s.pos[bar.Symbol] = types.Buy
		return []types.Signal{enter(bar.Symbol, types.Buy, bar.Close, s.stopPct, 0.4)}
	case held == "" && bar.Close >= up:
		s.pos[bar.Symbol] = types.Sell
		return []types.Signal{enter(bar.Symbol, types.Sell, bar.Close, s.stopPct, 0.4)}
	case held == types.Buy && bar.Close >= mid:
		delete(s.pos, bar.Symbol)
		return []types.Signal{exit(bar.Symbol, types.Sell, 0.4)}
	case held == types.Sell && bar.Close <= mid:
		delete(s.pos, bar.Symbol)
		return []types.Signal{exit(bar.Symbol, types.Buy, 0.4)}
	}
	return nil
}

func (s *bollingerReversion) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *bollingerReversion) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }
