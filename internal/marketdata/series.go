// Package marketdata maintains the canonical, gap-aware stream of bars,
// tickers, and order books per subscribed (symbol, timeframe).
//
// Connectors push normalized updates into Feed; per-symbol goroutines
// validate, deduplicate, and aggregate them, publish them on the spine, and
// retain a bounded history per (symbol, timeframe) for strategy warmup.
// Consumers always see strictly increasing bar timestamps within one
// (symbol, timeframe); nothing is guaranteed across symbols.
package marketdata

import "tradecore/pkg/types"

// series is a bounded ring buffer of closed bars for one
// (symbol, timeframe). Oldest bars fall off when the capacity is reached.
type series struct {
	buf   []types.Bar
	head  int // index of the next write
	count int
}

func newSeries(capacity int) *series {
	if capacity <= 0 {
		capacity = 1000
	}
	return &series{buf: make([]types.Bar, capacity)}
}

// push appends a bar, evicting the oldest when full.
func (s *series) push(b types.Bar) {
	s.buf[s.head] = b
	s.head = (s.head + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
}

// last returns up to n most recent bars in chronological order.
func (s *series) last(n int) []types.Bar {
	if n > s.count {
		n = s.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]types.Bar, n)
	start := s.head - n
	if start < 0 {
		start += len(s.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = s.buf[(start+i)%len(s.buf)]
	}
	return out
}

// latestTs returns the most recent bar timestamp, or 0 when empty.
func (s *series) latestTs() int64 {
	if s.count == 0 {
		return 0
	}
	idx := s.head - 1
	if idx < 0 {
		idx += len(s.buf)
	}
	return s.buf[idx].TsMs
}

func (s *series) len() int { return s.count }
