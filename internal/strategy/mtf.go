package strategy

import (
	"encoding/json"
	"fmt"

	"tradecore/internal/indicator"
	"tradecore/pkg/types"
)

var timeframeNames = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}

func init() {
	Register("mtf_resonance", Schema{
		Fields: []Field{
			{Name: "trend_tf", Type: TypeString, Default: "1h", OneOf: timeframeNames},
			{Name: "pullback_tf", Type: TypeString, Default: "15m", OneOf: timeframeNames},
			{Name: "trend_len", Type: TypeInt, Default: 50, Min: 5, Max: 1000},
			{Name: "rsi_period", Type: TypeInt, Default: 14, Min: 2, Max: 200},
			{Name: "pull_low", Type: TypeFloat, Default: 40, Min: 1, Max: 99},
			{Name: "pull_high", Type: TypeFloat, Default: 60, Min: 1, Max: 99},
			{Name: "stop_pct", Type: TypeFloat, Default: 0.02, Min: 0.0001, Max: 0.5},
		},
		Check: func(o Options) error { return ordered(o, "pull_low", "pull_high") },
	}, func() Strategy { return &mtfResonance{} })
}

// mtfResonance trades only when three timeframes agree: the slow one sets
// the trend (close against a long SMA), the middle one confirms a pullback
// (RSI back inside the neutral band), and the trading timeframe triggers on
// a break of the prior bar's range. Exits when the slow trend flips.
type mtfResonance struct {
	trendTF   types.Timeframe
	pullTF    types.Timeframe
	trendLen  int
	rsiPeriod int
	pullLow   float64
	pullHigh  float64
	stopPct   float64

	pos map[string]types.Side
}

func (s *mtfResonance) Name() string { return "mtf_resonance" }

func (s *mtfResonance) Initialize(opts Options) error {
	s.trendLen = opts.Int("trend_len")
	s.rsiPeriod = opts.Int("rsi_period")
	s.pullLow = opts.Float("pull_low")
	s.pullHigh = opts.Float("pull_high")
	s.stopPct = opts.Float("stop_pct")

	trend, err := types.ParseTimeframe(opts.String("trend_tf"))
	if err != nil {
		return err
	}
	pull, err := types.ParseTimeframe(opts.String("pullback_tf"))
	if err != nil {
		return err
	}
	trigger, err := types.ParseTimeframe(opts.String("timeframe"))
	if err != nil {
		return err
	}
	if trigger.Millis() >= pull.Millis() || pull.Millis() >= trend.Millis() {
		return fmt.Errorf("timeframes must ascend: trigger %s < pullback %s < trend %s",
			trigger, pull, trend)
	}
	s.trendTF, s.pullTF = trend, pull
	s.pos = make(map[string]types.Side)
	return nil
}

// Timeframes lists the extra aggregations OnBar reads through History.
func (s *mtfResonance) Timeframes() []types.Timeframe {
	return []types.Timeframe{s.pullTF, s.trendTF}
}

func (s *mtfResonance) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	sym := bar.Symbol

	tbars := ctx.History(sym, s.trendTF, s.trendLen+2)
	if len(tbars) < s.trendLen+1 {
		return nil
	}
	sma, ok := indicator.Last(indicator.SMA(indicator.Closes(tbars), s.trendLen))
	if !ok {
		return nil
	}
	tclose := tbars[len(tbars)-1].Close

	held := s.pos[sym]
	if held == types.Buy && tclose < sma {
		delete(s.pos, sym)
		return []types.Signal{exit(sym, types.Sell, 0.6)}
	}
	if held == types.Sell && tclose > sma {
		delete(s.pos, sym)
		return []types.Signal{exit(sym, types.Buy, 0.6)}
	}
	if held != "" {
		return nil
	}

	pbars := ctx.History(sym, s.pullTF, s.rsiPeriod*3)
	if len(pbars) < s.rsiPeriod*2 {
		return nil
	}
	rsi, ok := indicator.Last(indicator.RSI(indicator.Closes(pbars), s.rsiPeriod))
	if !ok || rsi < s.pullLow || rsi > s.pullHigh {
		return nil
	}

	trig := ctx.History(sym, bar.Timeframe, 2)
	if len(trig) < 2 {
		return nil
	}
	prev := trig[len(trig)-2]
	switch {
	case tclose > sma && bar.Close > prev.High:
		s.pos[sym] = types.Buy
		return []types.Signal{enter(sym, types.Buy, bar.Close, s.stopPct, 0.6)}
	case tclose < sma && bar.Close < prev.Low:
		s.pos[sym] = types.Sell
		return []types.Signal{enter(sym, types.Sell, bar.Close, s.stopPct, 0.6)}
	}
	return nil
}

func (s *mtfResonance) StateSnapshot() ([]byte, error) { return json.Marshal(s.pos) }
func (s *mtfResonance) RestoreState(data []byte) error { return json.Unmarshal(data, &s.pos) }
