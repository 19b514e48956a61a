// binance.go implements Connector for Binance-dialect USD-M futures
// venues over signed REST:
//
//   - LoadMarkets:    GET  /fapi/v1/exchangeInfo  (precision + min sizes)
//   - FetchTicker:    GET  /fapi/v1/ticker/bookTicker
//   - FetchOrderBook: GET  /fapi/v1/depth
//   - FetchOHLCV:     GET  /fapi/v1/klines        (closed bars only)
//   - Funding / OI:   GET  /fapi/v1/fundingRate, /futures/data/openInterestHist
//   - FetchBalance:   GET  /fapi/v2/account       (signed)
//   - FetchPositions: GET  /fapi/v2/positionRisk  (signed)
//   - CreateOrder:    POST /fapi/v1/order         (signed)
//   - CancelOrder:    DELETE /fapi/v1/order       (signed)
//
// Signed endpoints carry an HMAC-SHA256 signature over the query string.
// Every call is paced by the category token bucket and guarded by a
// circuit breaker so a dying venue fails fast instead of queueing.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"tradecore/pkg/types"
)

// Options configures one venue client.
type Options struct {
	Name          string
	RESTBaseURL   string
	WSBaseURL     string
	Timeout       time.Duration
	APIKey        string
	APISecret     string
	RecvWindow    int64           // ms, default 5000
	KlineInterval types.Timeframe // stream bar interval, default 1m
}

// Client is the Binance-dialect REST connector.
type Client struct {
	name     string
	wsURL    string
	http     *resty.Client
	rl       *RateLimiter
	breaker  *gobreaker.CircuitBreaker
	apiKey   string
	secret   string
	recvWin  int64
	interval types.Timeframe
	logger   *slog.Logger
	nowMs    func() int64
}

// NewClient builds a connector with retry, rate limiting, and a circuit
// breaker.
func NewClient(opts Options, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(opts.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	settings := gobreaker.Settings{
		Name:     opts.Name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			return counts.Requests >= 20 &&
				float64(counts.TotalFailures)/float64(counts.Requests) > 0.2
		},
		// Venue rejections of a bad order are the caller's problem, not a
		// sign the venue is down.
		IsSuccessful: func(err error) bool {
			return err == nil || types.KindOf(err) == types.KindPermanentVenue
		},
	}

	recvWin := opts.RecvWindow
	if recvWin <= 0 {
		recvWin = 5000
	}
	interval := opts.KlineInterval
	if interval == "" {
		interval = types.TF1m
	}
	return &Client{
		name:     opts.Name,
		wsURL:    opts.WSBaseURL,
		http:     httpClient,
		rl:       NewRateLimiter(),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		apiKey:   opts.APIKey,
		secret:   opts.APISecret,
		recvWin:  recvWin,
		interval: interval,
		logger:   logger.With("component", "exchange", "venue", opts.Name),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Name returns the venue name.
func (c *Client) Name() string { return c.name }

// RateLimit exposes the venue token buckets.
func (c *Client) RateLimit() *RateLimiter { return c.rl }

// sign returns the hex HMAC-SHA256 of payload under the API secret.
func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery stamps, encodes, and signs the params.
func (c *Client) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.nowMs(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWin, 10))
	qs := params.Encode()
	return qs + "&signature=" + c.sign(qs)
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps an HTTP failure to the engine error taxonomy: rate
// limits and server trouble are transient, everything else is a
// permanent venue rejection.
func classify(op string, resp *resty.Response) error {
	var ae apiError
	_ = json.Unmarshal(resp.Body(), &ae)
	msg := ae.Msg
	if msg == "" {
		msg = resp.String()
	}
	err := fmt.Errorf("status %d (code %d): %s", resp.StatusCode(), ae.Code, msg)
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests,
		resp.StatusCode() == 418, // venue IP ban, backs off like a rate limit
		resp.StatusCode() >= 500:
		return types.E(types.KindTransientVenue, op, err)
	default:
		return types.E(types.KindPermanentVenue, op, err)
	}
}

// do runs one HTTP call through the circuit breaker.
func (c *Client) do(ctx context.Context, op, method, path, query string, signed bool, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req := c.http.R().SetContext(ctx)
		if out != nil {
			req.SetResult(out)
		}
		if signed || c.apiKey != "" {
			req.SetHeader("X-MBX-APIKEY", c.apiKey)
		}
		if query != "" {
			req.SetQueryString(query)
		}
		var resp *resty.Response
		var err error
		switch method {
		case http.MethodGet:
			resp, err = req.Get(path)
		case http.MethodPost:
			resp, err = req.Post(path)
		case http.MethodPut:
			resp, err = req.Put(path)
		case http.MethodDelete:
			resp, err = req.Delete(path)
		default:
			return nil, types.Ef(types.KindInternal, op, "unsupported method %s", method)
		}
		if err != nil {
			return nil, types.E(types.KindTransientVenue, op, err)
		}
		if resp.IsError() {
			return nil, classify(op, resp)
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return types.E(types.KindTransientVenue, op, err)
	}
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol            string `json:"symbol"`
		BaseAsset         string `json:"baseAsset"`
		QuoteAsset        string `json:"quoteAsset"`
		Status            string `json:"status"`
		PricePrecision    int32  `json:"pricePrecision"`
		QuantityPrecision int32  `json:"quantityPrecision"`
		Filters           []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// LoadMarkets fetches precision and minimum-size constraints for every
// tradable symbol.
func (c *Client) LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var resp exchangeInfoResp
	if err := c.do(ctx, "binance.load_markets", http.MethodGet, "/fapi/v1/exchangeInfo", "", false, &resp); err != nil {
		return nil, err
	}

	markets := make(map[string]types.MarketInfo, len(resp.Symbols))
	for _, s := range resp.Symbols {
		mi := types.MarketInfo{
			Symbol:         s.Symbol,
			Base:           s.BaseAsset,
			Quote:          s.QuoteAsset,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
			Active:         s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				mi.MinQty, _ = decimal.NewFromString(f.MinQty)
			case "MIN_NOTIONAL":
				mi.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		markets[s.Symbol] = mi
	}
	c.logger.Info("markets loaded", "count", len(markets))
	return markets, nil
}

type bookTickerResp struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
	Time     int64  `json:"time"`
}

// FetchTicker returns the current top of book.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}
	var resp bookTickerResp
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, "binance.fetch_ticker", http.MethodGet, "/fapi/v1/ticker/bookTicker", q.Encode(), false, &resp); err != nil {
		return types.Ticker{}, err
	}
	t := types.Ticker{
		Symbol: resp.Symbol,
		TsMs:   resp.Time,
		Bid:    parseF(resp.BidPrice),
		Ask:    parseF(resp.AskPrice),
		BidVol: parseF(resp.BidQty),
		AskVol: parseF(resp.AskQty),
	}
	t.Last = t.Mid()
	if t.TsMs == 0 {
		t.TsMs = c.nowMs()
	}
	return t, nil
}

type depthResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// FetchOrderBook returns a depth snapshot. Nonce is the venue update ID
// so stale snapshots can be rejected downstream.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return types.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 20
	}
	var resp depthResp
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(depth)}}
	if err := c.do(ctx, "binance.fetch_orderbook", http.MethodGet, "/fapi/v1/depth", q.Encode(), false, &resp); err != nil {
		return types.OrderBook{}, err
	}
	book := types.OrderBook{
		Symbol: symbol,
		TsMs:   resp.EventTime,
		Nonce:  resp.LastUpdateID,
		Bids:   parseLevels(resp.Bids),
		Asks:   parseLevels(resp.Asks),
	}
	if book.TsMs == 0 {
		book.TsMs = c.nowMs()
	}
	return book, nil
}

func parseLevels(raw [][]string) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, pq := range raw {
		if len(pq) < 2 {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: parseF(pq[0]), Size: parseF(pq[1])})
	}
	return levels
}

// FetchOHLCV returns closed bars. The venue includes the in-progress
// kline; it is filtered out so downstream consumers only ever see
// immutable bars.
func (c *Client) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]types.Bar, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	q := url.Values{
		"symbol":   {symbol},
		"interval": {string(tf)},
		"limit":    {strconv.Itoa(limit)},
	}
	if sinceMs > 0 {
		q.Set("startTime", strconv.FormatInt(sinceMs, 10))
	}
	var raw [][]any
	if err := c.do(ctx, "binance.fetch_ohlcv", http.MethodGet, "/fapi/v1/klines", q.Encode(), false, &raw); err != nil {
		return nil, err
	}

	now := c.nowMs()
	bars := make([]types.Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 9 {
			continue
		}
		if closeTime := asInt64(k[6]); closeTime >= now {
			continue // still open
		}
		bars = append(bars, types.Bar{
			Symbol:      symbol,
			Timeframe:   tf,
			TsMs:        asInt64(k[0]),
			Open:        asFloat(k[1]),
			High:        asFloat(k[2]),
			Low:         asFloat(k[3]),
			Close:       asFloat(k[4]),
			Volume:      asFloat(k[5]),
			QuoteVolume: asFloat(k[7]),
			TradesCount: asInt64(k[8]),
		})
	}
	return bars, nil
}

type fundingRateResp struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

// FetchFundingRateHistory returns historical funding observations.
func (c *Client) FetchFundingRateHistory(ctx context.Context, symbol string, sinceMs int64, limit int) ([]FundingRate, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	if sinceMs > 0 {
		q.Set("startTime", strconv.FormatInt(sinceMs, 10))
	}
	var raw []fundingRateResp
	if err := c.do(ctx, "binance.fetch_funding", http.MethodGet, "/fapi/v1/fundingRate", q.Encode(), false, &raw); err != nil {
		return nil, err
	}
	out := make([]FundingRate, 0, len(raw))
	for _, r := range raw {
		out = append(out, FundingRate{Symbol: r.Symbol, Rate: parseF(r.FundingRate), TsMs: r.FundingTime})
	}
	return out, nil
}

type openInterestResp struct {
	Symbol          string `json:"symbol"`
	SumOpenInterest string `json:"sumOpenInterest"`
	Timestamp       int64  `json:"timestamp"`
}

// FetchOpenInterestHistory returns historical open interest at the given
// period.
func (c *Client) FetchOpenInterestHistory(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]OpenInterest, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{"symbol": {symbol}, "period": {string(tf)}, "limit": {strconv.Itoa(limit)}}
	if sinceMs > 0 {
		q.Set("startTime", strconv.FormatInt(sinceMs, 10))
	}
	var raw []openInterestResp
	if err := c.do(ctx, "binance.fetch_open_interest", http.MethodGet, "/futures/data/openInterestHist", q.Encode(), false, &raw); err != nil {
		return nil, err
	}
	out := make([]OpenInterest, 0, len(raw))
	for _, r := range raw {
		out = append(out, OpenInterest{Symbol: r.Symbol, Value: parseF(r.SumOpenInterest), TsMs: r.Timestamp})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

type accountResp struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
	AvailableBalance   string `json:"availableBalance"`
	TotalInitialMargin string `json:"totalInitialMargin"`
	UpdateTime         int64  `json:"updateTime"`
}

// FetchBalance returns equity and margin from the venue.
func (c *Client) FetchBalance(ctx context.Context) (types.AccountSnapshot, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return types.AccountSnapshot{}, err
	}
	var resp accountResp
	if err := c.do(ctx, "binance.fetch_balance", http.MethodGet, "/fapi/v2/account", c.signedQuery(url.Values{}), true, &resp); err != nil {
		return types.AccountSnapshot{}, err
	}
	snap := types.AccountSnapshot{Venue: c.name, TsMs: c.nowMs()}
	snap.Equity, _ = decimal.NewFromString(resp.TotalMarginBalance)
	snap.FreeMargin, _ = decimal.NewFromString(resp.AvailableBalance)
	snap.UsedMargin, _ = decimal.NewFromString(resp.TotalInitialMargin)
	return snap, nil
}

type positionRiskResp struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	UpdateTime       int64  `json:"updateTime"`
}

// FetchPositions returns open venue positions; flat symbols are skipped.
func (c *Client) FetchPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var raw []positionRiskResp
	if err := c.do(ctx, "binance.fetch_positions", http.MethodGet, "/fapi/v2/positionRisk", c.signedQuery(url.Values{}), true, &raw); err != nil {
		return nil, err
	}
	var out []types.Position
	for _, r := range raw {
		qty, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || qty.IsZero() {
			continue
		}
		p := types.Position{
			Venue:     c.name,
			Symbol:    r.Symbol,
			Qty:       qty,
			UpdatedTs: r.UpdateTime,
		}
		p.AvgEntryPx, _ = decimal.NewFromString(r.EntryPrice)
		p.UnrealizedPnL, _ = decimal.NewFromString(r.UnRealizedProfit)
		p.LiqPx, _ = decimal.NewFromString(r.LiquidationPrice)
		out = append(out, p)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type orderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

var orderTypeParam = map[types.OrderType]string{
	types.Market:    "MARKET",
	types.Limit:     "LIMIT",
	types.Stop:      "STOP_MARKET",
	types.StopLimit: "STOP",
}

func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.StatusNew
	case "PARTIALLY_FILLED":
		return types.StatusPartial
	case "FILLED":
		return types.StatusFilled
	case "CANCELED", "EXPIRED":
		return types.StatusCancelled
	default:
		return types.StatusRejected
	}
}

// CreateOrder submits an order and returns the venue acknowledgement.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}
	q := url.Values{
		"symbol":           {req.Symbol},
		"side":             {strings.ToUpper(string(req.Side))},
		"type":             {orderTypeParam[req.Type]},
		"quantity":         {req.Qty.String()},
		"newClientOrderId": {req.ClientID},
	}
	if req.Type == types.Limit || req.Type == types.StopLimit {
		q.Set("price", req.LimitPx.String())
		q.Set("timeInForce", "GTC")
	}
	if req.Type == types.Stop || req.Type == types.StopLimit {
		q.Set("stopPrice", req.StopPx.String())
	}
	if req.ReduceOnly {
		q.Set("reduceOnly", "true")
	}

	var resp orderResp
	if err := c.do(ctx, "binance.create_order", http.MethodPost, "/fapi/v1/order", c.signedQuery(q), true, &resp); err != nil {
		return types.Order{}, err
	}

	order := types.Order{
		ID:        strconv.FormatInt(resp.OrderID, 10),
		ClientID:  resp.ClientOrderID,
		Symbol:    resp.Symbol,
		Venue:     c.name,
		Side:      req.Side,
		Type:      req.Type,
		Qty:       req.Qty,
		LimitPx:   req.LimitPx,
		Status:    mapOrderStatus(resp.Status),
		CreatedTs: resp.UpdateTime,
		UpdatedTs: resp.UpdateTime,
	}
	order.FilledQty, _ = decimal.NewFromString(resp.ExecutedQty)
	order.AvgFillPx, _ = decimal.NewFromString(resp.AvgPrice)
	return order, nil
}

// CancelOrder cancels by client order ID. Cancelling an order the venue
// no longer knows is treated as success.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientID string) error {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	q := url.Values{"symbol": {symbol}, "origClientOrderId": {clientID}}
	err := c.do(ctx, "binance.cancel_order", http.MethodDelete, "/fapi/v1/order", c.signedQuery(q), true, nil)
	if err != nil && strings.Contains(err.Error(), "code -2011") {
		c.logger.Debug("cancel of unknown order", "client_id", clientID)
		return nil
	}
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Parsing helpers
// ————————————————————————————————————————————————————————————————————————

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return parseF(t)
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
