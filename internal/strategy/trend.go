package strategy

import (
	"encoding/json"
	"fmt"

	"tradecore/internal/indicator"
	"tradecore/pkg/types"
)

func init() {
	Register("dual_sma", Schema{
		Fields: []Field{
			{Name: "short", Type: TypeInt, Default: 10, Min: 2, Max: 500},
			{Name: "long", Type: TypeInt, Default: 20, Min: 3, Max: 1000},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.01, Min: 0.0001, Max: 0.5},
		},
		Check: func(o Options) error {
			if o.Int("short") >= o.Int("long") {
				return fmt.Errorf("short (%d) must be below long (%d)", o.Int("short"), o.Int("long"))
			}
			return nil
		},
	}, func() Strategy { return &dualSMA{} })

	Register("macd", Schema{
		Fields: []Field{
			{Name: "fast", Type: TypeInt, Default: 12, Min: 2, Max: 200},
			{Name: "slow", Type: TypeInt, Default: 26, Min: 3, Max: 400},
			{Name: "signal", Type: TypeInt, Default: 9, Min: 2, Max: 100},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.02, Min: 0.0001, Max: 0.5},
		},
		Check: func(o Options) error {
			if o.Int("fast") >= o.Int("slow") {
				return fmt.Errorf("fast (%d) must be below slow (%d)", o.Int("fast"), o.Int("slow"))
			}
			return nil
		},
	}, func() Strategy { return &macdCross{} })
}

// dualSMA trades golden and death crosses of two simple moving averages,
// stop-and-reverse. It tracks only its own entries per symbol, never account
// positions.
type dualSMA struct {
	short, long int
	stopPct     float64

	pos map[string]types.Side
}

func (s *dualSMA) Name() string { return "dual_sma" }

func (s *dualSMA) Initialize(opts Options) error {
	s.short = opts.Int("short")
	s.long = opts.Int("long")
	s.stopPct = opts.Float("stop_pct")
	s.pos = make(map[string]types.Side)
	return nil
}

func (s *dualSMA) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	bars := ctx.History(bar.Symbol, bar.Timeframe, s.long+2)
	// Both compared values of the slow average must be past warmup, or the
	// first real value against a warmup zero fakes a cross.
	if len(bars) < s.long+1 {
		return nil
	}
	closes := indicator.Closes(bars)
	fast := indicator.SMA(closes, s.short)
	slow := indicator.SMA(closes, s.long)

	var sigs []types.Signal
	switch {
	case indicator.Crossover(fast, slow):
		if s.pos[bar.Symbol] == types.Buy {
			return nil
		}
		if s.pos[bar.Symbol] == types.Sell {
			sigs = append(sigs, exit(bar.Symbol, types.Buy, 0.5))
		}
		sigs = append(sigs, enter(bar.Symbol, types.Buy, bar.Close, s.stopPct, 0.5))
		s.pos[bar.Symbol] = types.Buy
	case indicator.Crossunder(fast, slow):
		if s.pos[bar.Symbol] == types.Sell {
			return nil
		}
		if s.pos[bar.Symbol] == types.Buy {
			sigs = append(sigs, exit(bar.Symbol, types.Sell, 0.5))
		}
		sigs = append(sigs, enter(bar.Symbol, types.Sell, bar.Close, s.stopPct, 0.5))
		s.pos[bar.Symbol] = types.Sell
	}
	return sigs
}

func (s *dualSMA) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *dualSMA) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }

// macdCross trades the MACD line crossing its signal line, stop-and-reverse
// like dualSMA but with momentum smoothing.
type macdCross struct {
	fast, slow, signal int
	stopPct            float64

	pos map[string]types.Side
}

func (s *macdCross) Name() string { return "macd" }

func (s *macdCross) Initialize(opts Options) error {
	s.fast = opts.Int("fast")
	s.slow = opts.Int("slow")
	s.signal = opts.Int("signal")
	s.stopPct = opts.Float("stop_pct")
	s.pos = make(map[string]types.Side)
	return nil
}

func (s *macdCross) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	need := s.slow + s.signal + 5
	bars := ctx.History(bar.Symbol, bar.Timeframe, need+5)
	if len(bars) < need {
		return nil
	}
	line, signal, _ := indicator.MACD(indicator.Closes(bars), s.fast, s.slow, s.signal)

	var sigs []types.Signal
	switch {
	case indicator.Crossover(line, signal):
		if s.pos[bar.Symbol] == types.Buy {
			return nil
		}
		if s.pos[bar.Symbol] == types.Sell {
			sigs = append(sigs, exit(bar.Symbol, types.Buy, 0.5))
		}
		sigs = append(sigs, enter(bar.Symbol, types.Buy, bar.Close, s.stopPct, 0.5))
		s.pos[bar.Symbol] = types.Buy
	case indicator.Crossunder(line, signal):
		if s.pos[bar.Symbol] == types.Sell {
			return nil
		}
		if s.pos[bar.Symbol] == types.Buy {
			sigs = append(sigs, exit(bar.Symbol, types.Sell, 0.5))
		}
		sigs = append(sigs, enter(bar.Symbol, types.Sell, bar.Close, s.stopPct, 0.5))
		s.pos[bar.Symbol] = types.Sell
	}
	return sigs
}

func (s *macdCross) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *macdCross) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }
