// Package exchange connects the engine to trading venues.
//
// Connector is the one interface per venue. The Binance-dialect
// implementation (Client) covers signed REST plus websocket streams;
// Paper simulates a venue locally for dry runs and tests. All monetary
// values cross this boundary as decimals and are rounded to venue
// precision exactly once, here.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// OrderRequest is what the executor submits to a venue.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       types.Side
	Type       types.OrderType
	Qty        decimal.Decimal
	LimitPx    decimal.Decimal
	StopPx     decimal.Decimal
	ReduceOnly bool
}

// FundingRate is one historical funding observation.
type FundingRate struct {
	Symbol string  `json:"symbol"`
	Rate   float64 `json:"rate"`
	TsMs   int64   `json:"ts_ms"`
}

// OpenInterest is one historical open-interest observation.
type OpenInterest struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
	TsMs   int64   `json:"ts_ms"`
}

// StreamEvent is one push message from a venue stream. Exactly one
// pointer field is set, or Err for connection-state changes.
type StreamEvent struct {
	Ticker *types.Ticker
	Book   *types.OrderBook
	Bar    *types.Bar
	Fill   *types.Fill
	Order  *types.Order
	Err    error
}

// Connector is the venue abstraction. Implementations must be safe for
// concurrent use; every call honors ctx cancellation and deadlines.
type Connector interface {
	Name() string

	LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error)
	FetchTicker(ctx context.Context, symbol string) (types.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error)
	FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]types.Bar, error)
	FetchFundingRateHistory(ctx context.Context, symbol string, sinceMs int64, limit int) ([]FundingRate, error)
	FetchOpenInterestHistory(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]OpenInterest, error)

	FetchBalance(ctx context.Context) (types.AccountSnapshot, error)
	FetchPositions(ctx context.Context) ([]types.Position, error)

	CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, clientID string) error

	// Stream starts the venue push feed for the given symbols. The
	// returned channel carries market data and, for authenticated venues,
	// fills and order updates. It closes when ctx is cancelled.
	Stream(ctx context.Context, symbols []string) (<-chan StreamEvent, error)

	// RateLimit exposes the venue token buckets so the executor can pace
	// slice submission.
	RateLimit() *RateLimiter
}
