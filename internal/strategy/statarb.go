package strategy

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"tradecore/internal/indicator"
	"tradecore/pkg/types"
)

func init() {
	Register("pairs", Schema{
		Symbols: 2,
		Fields: []Field{
			{Name: "lookback", Type: TypeInt, Default: 60, Min: 20, Max: 1000},
			{Name: "entry_z", Type: TypeFloat, Default: 2.0, Min: 0.5, Max: 10},
			{Name: "exit_z", Type: TypeFloat, Default: 0.5, Min: 0, Max: 5},
			{Name: "max_half_life", Type: TypeInt, Default: 50, Min: 1, Max: 1000},
		},
		Check: func(o Options) error { return ordered(o, "exit_z", "entry_z") },
	}, func() Strategy { return &pairsTrader{} })

	Register("spread_arb", Schema{
		Symbols: 2,
		Fields: []Field{
			{Name: "entry_pct", Type: TypeFloat, Default: 0.005, Min: 0.0001, Max: 0.2},
			{Name: "exit_pct", Type: TypeFloat, Default: 0.001, Min: 0, Max: 0.1},
		},
		Check: func(o Options) error { return ordered(o, "exit_pct", "entry_pct") },
	}, func() Strategy { return &spreadArb{} })

	Register("basis", Schema{
		Symbols: 2,
		Fields: []Field{
			{Name: "entry_pct", Type: TypeFloat, Default: 0.003, Min: 0.0001, Max: 0.2},
			{Name: "exit_pct", Type: TypeFloat, Default: 0.0005, Min: 0, Max: 0.1},
			{Name: "allow_reverse", Type: TypeBool, Default: true},
		},
		Check: func(o Options) error { return ordered(o, "exit_pct", "entry_pct") },
	}, func() Strategy { return &basisCarry{} })
}

// hedgeState records which way a two-leg position is on: +1 long first leg
// short second, -1 the reverse, 0 flat.
type hedgeState struct {
	Dir int `json:"dir"`
}

// twoLegs reads the injected symbol pair.
func twoLegs(opts Options) (a, b string, err error) {
	syms := opts.Strings("symbols")
	if len(syms) != 2 {
		return "", "", fmt.Errorf("needs exactly two symbols, got %d", len(syms))
	}
	return syms[0], syms[1], nil
}

// openLegs emits the paired entries for a hedge direction. Legs carry no
// price or stop; the risk pipeline sizes each independently.
func openLegs(symA, symB string, dir int, urgency float64) []types.Signal {
	if dir > 0 {
		return []types.Signal{
			enter(symA, types.Buy, 0, 0, urgency),
			enter(symB, types.Sell, 0, 0, urgency),
		}
	}
	return []types.Signal{
		enter(symA, types.Sell, 0, 0, urgency),
		enter(symB, types.Buy, 0, 0, urgency),
	}
}

// closeLegs unwinds both legs of a hedge.
func closeLegs(symA, symB string, dir int, urgency float64) []types.Signal {
	if dir > 0 {
		return []types.Signal{
			exit(symA, types.Sell, urgency),
			exit(symB, types.Buy, urgency),
		}
	}
	return []types.Signal{
		exit(symA, types.Buy, urgency),
		exit(symB, types.Sell, urgency),
	}
}

// alignedPair returns the last n ts-aligned bars of both legs, nil when the
// legs are out of step. Evaluation happens on whichever leg's bar lands
// second, so each tick is considered exactly once.
func alignedPair(ctx *Context, symA, symB string, tf types.Timeframe, tsMs int64, n int) (a, b []types.Bar) {
	aBars := ctx.History(symA, tf, n)
	bBars := ctx.History(symB, tf, n)
	m := len(aBars)
	if len(bBars) < m {
		m = len(bBars)
	}
	if m == 0 {
		return nil, nil
	}
	aBars, bBars = aBars[len(aBars)-m:], bBars[len(bBars)-m:]
	if aBars[m-1].TsMs != tsMs || bBars[m-1].TsMs != tsMs {
		return nil, nil
	}
	return aBars, bBars
}

// pairsTrader trades the OLS spread between two cointegrated legs: short the
// rich leg and long the cheap one when the residual z-score stretches past
// entry_z, unwind once it reverts inside exit_z. Entries are gated on the
// spread's AR(1) half-life so pairs that have stopped reverting are left
// alone.
type pairsTrader struct {
	symA, symB string
	lookback   int
	entryZ     float64
	exitZ      float64
	maxHalf    float64

	st hedgeState
}

func (s *pairsTrader) Name() string { return "pairs" }

func (s *pairsTrader) Initialize(opts Options) error {
	var err error
	if s.symA, s.symB, err = twoLegs(opts); err != nil {
		return err
	}
	s.lookback = opts.Int("lookback")
	s.entryZ = opts.Float("entry_z")
	s.exitZ = opts.Float("exit_z")
	s.maxHalf = float64(opts.Int("max_half_life"))
	return nil
}

func (s *pairsTrader) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	if bar.Symbol != s.symA && bar.Symbol != s.symB {
		return nil
	}
	aBars, bBars := alignedPair(ctx, s.symA, s.symB, bar.Timeframe, bar.TsMs, s.lookback+1)
	n := len(aBars)
	if n < s.lookback {
		return nil
	}

	a := indicator.Closes(aBars)
	b := indicator.Closes(bBars)
	alpha, beta := stat.LinearRegression(b, a, nil, false)
	spread := make([]float64, n)
	for i := range spread {
		spread[i] = a[i] - (alpha + beta*b[i])
	}
	sd := stat.StdDev(spread, nil)
	if sd <= 0 || math.IsNaN(sd) {
		return nil
	}
	z := spread[n-1] / sd

	switch {
	case s.st.Dir == 0 && z >= s.entryZ:
		if h := halfLife(spread); h <= 0 || h > s.maxHalf {
			return nil
		}
		s.st.Dir = -1
		return openLegs(s.symA, s.symB, -1, 0.7)
	case s.st.Dir == 0 && z <= -s.entryZ:
		if h := halfLife(spread); h <= 0 || h > s.maxHalf {
			return nil
		}
		s.st.Dir = 1
		return openLegs(s.symA, s.symB, 1, 0.7)
	case s.st.Dir != 0 && math.Abs(z) <= s.exitZ:
		dir := s.st.Dir
		s.st.Dir = 0
		return closeLegs(s.symA, s.symB, dir, 0.7)
	}
	return nil
}

func (s *pairsTrader) StateSnapshot() ([]byte, error) { return json.Marshal(s.st) }
func (s *pairsTrader) RestoreState(data []byte) error { return json.Unmarshal(data, &s.st) }

// halfLife estimates the mean-reversion half-life of a spread by regressing
// one-step changes on the lagged level, an AR(1) fit. Returns 0 when the
// series does not revert at all.
func halfLife(spread []float64) float64 {
	n := len(spread)
	if n < 3 {
		return 0
	}
	lag := spread[:n-1]
	diff := make([]float64, n-1)
	for i := 1; i < n; i++ {
		diff[i-1] = spread[i] - spread[i-1]
	}
	_, phi := stat.LinearRegression(lag, diff, nil, false)
	switch {
	case phi >= 0 || math.IsNaN(phi):
		return 0
	case phi <= -1:
		return 1
	}
	return -math.Ln2 / math.Log(1+phi)
}

// spreadArb trades the raw percentage gap between two listings of the same
// underlying. No regression: the fair spread is assumed to be zero.
type spreadArb struct {
	symA, symB string
	entry      float64
	exitAt     float64

	st hedgeState
}

func (s *spreadArb) Name() string { return "spread_arb" }

func (s *spreadArb) Initialize(opts Options) error {
	var err error
	if s.symA, s.symB, err = twoLegs(opts); err != nil {
		return err
	}
	s.entry = opts.Float("entry_pct")
	s.exitAt = opts.Float("exit_pct")
	return nil
}

func (s *spreadArb) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	if bar.Symbol != s.symA && bar.Symbol != s.symB {
		return nil
	}
	aBars, bBars := alignedPair(ctx, s.symA, s.symB, bar.Timeframe, bar.TsMs, 1)
	if len(aBars) == 0 {
		return nil
	}
	aPx := aBars[len(aBars)-1].Close
	bPx := bBars[len(bBars)-1].Close
	if bPx <= 0 {
		return nil
	}
	sp := (aPx - bPx) / bPx

	switch {
	case s.st.Dir == 0 && sp >= s.entry:
		s.st.Dir = -1
		return openLegs(s.symA, s.symB, -1, 0.6)
	case s.st.Dir == 0 && sp <= -s.entry:
		s.st.Dir = 1
		return openLegs(s.symA, s.symB, 1, 0.6)
	case s.st.Dir != 0 && math.Abs(sp) <= s.exitAt:
		dir := s.st.Dir
		s.st.Dir = 0
		return closeLegs(s.symA, s.symB, dir, 0.6)
	}
	return nil
}

func (s *spreadArb) StateSnapshot() ([]byte, error) { return json.Marshal(s.st) }
func (s *spreadArb) RestoreState(data []byte) error { return json.Unmarshal(data, &s.st) }

// basisCarry harvests the perp-spot basis: first symbol is the perp, second
// the spot. A rich perp is sold against spot to collect funding; a discount
// is traded the other way only when allow_reverse is set.
type basisCarry struct {
	perp, spot   string
	entry        float64
	exitAt       float64
	allowReverse bool

	st hedgeState
}

func (s *basisCarry) Name() string { return "basis" }

func (s *basisCarry) Initialize(opts Options) error {
	var err error
	if s.perp, s.spot, err = twoLegs(opts); err != nil {
		return err
	}
	s.entry = opts.Float("entry_pct")
	s.exitAt = opts.Float("exit_pct")
	s.allowReverse = opts.Bool("allow_reverse")
	return nil
}

func (s *basisCarry) OnBar(ctx *Context, bar types.Bar) []types.Signal {
	if bar.Symbol != s.perp && bar.Symbol != s.spot {
		return nil
	}
	pBars, sBars := alignedPair(ctx, s.perp, s.spot, bar.Timeframe, bar.TsMs, 1)
	if len(pBars) == 0 {
		return nil
	}
	perpPx := pBars[len(pBars)-1].Close
	spotPx := sBars[len(sBars)-1].Close
	if spotPx <= 0 {
		return nil
	}
	basis := (perpPx - spotPx) / spotPx

	switch {
	case s.st.Dir == 0 && basis >= s.entry:
		s.st.Dir = -1
		return openLegs(s.perp, s.spot, -1, 0.6)
	case s.st.Dir == 0 && s.allowReverse && basis <= -s.entry:
		s.st.Dir = 1
		return openLegs(s.perp, s.spot, 1, 0.6)
	case s.st.Dir != 0 && math.Abs(basis) <= s.exitAt:
		dir := s.st.Dir
		s.st.Dir = 0
		return closeLegs(s.perp, s.spot, dir, 0.6)
	}
	return nil
}

func (s *basisCarry) StateSnapshot() ([]byte, error) { return json.Marshal(s.st) }
func (s *basisCarry) RestoreState(data []byte) error { return json.Unmarshal(data, &s.st) }
