// binance_ws.go implements the venue push feeds.
//
// Two independent connections run concurrently:
//
//   - Market feed (public): a combined stream carrying klines, top of
//     book, and partial depth for every subscribed symbol. The stream
//     list is encoded in the dial URL, so a reconnect re-subscribes by
//     construction.
//
//   - User feed (authenticated): a listenKey stream carrying order and
//     fill updates. The key is re-created on every reconnect and kept
//     alive with a periodic refresh.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max). A
// read deadline ensures silent server failures are detected within ~2
// missed pings. Only closed klines are forwarded; downstream consumers
// never see a mutating bar.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	streamBufferSize = 256              // buffer for merged stream events
	listenKeyRefresh = 30 * time.Minute // venue expires keys after 60min idle
)

// wsFeed manages a single WebSocket connection. It handles the
// connection lifecycle, message routing, and automatic reconnection
// with exponential backoff. The dial URL is computed per attempt so
// feeds whose address embeds a credential can refresh it.
type wsFeed struct {
	dialURL func(ctx context.Context) (string, error)
	handle  func(data []byte)

	conn   *websocket.Conn
	connMu sync.Mutex

	logger *slog.Logger
}

// run connects and maintains the connection. Blocks until ctx is
// cancelled. onDown is invoked with every disconnect error before the
// backoff sleep.
func (f *wsFeed) run(ctx context.Context, onDown func(error)) {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		if onDown != nil {
			onDown(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *wsFeed) connectAndRead(ctx context.Context) error {
	addr, err := f.dialURL(ctx)
	if err != nil {
		return fmt.Errorf("dial url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.handle(msg)
	}
}

func (f *wsFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.logger.Warn("ping failed", "error", err)
				}
			}
			f.connMu.Unlock()
		}
	}
}

// dropConn closes the current connection so the run loop redials. Used
// when the venue invalidates a listen key mid-session.
func (f *wsFeed) dropConn() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Stream assembly
// ————————————————————————————————————————————————————————————————————————

// Stream starts the market feed for the given symbols and, when API
// credentials are present, the user feed. Events from both connections
// are merged into one channel that closes when ctx is cancelled.
func (c *Client) Stream(ctx context.Context, symbols []string) (<-chan StreamEvent, error) {
	if c.wsURL == "" {
		return nil, types.Ef(types.KindConfig, "binance.stream", "venue %s has no websocket url", c.name)
	}
	if len(symbols) == 0 {
		return nil, types.Ef(types.KindConfig, "binance.stream", "no symbols to stream")
	}

	out := make(chan StreamEvent, streamBufferSize)
	var wg sync.WaitGroup

	streams := make([]string, 0, len(symbols)*3)
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		streams = append(streams,
			lower+"@kline_"+string(c.interval),
			lower+"@bookTicker",
			lower+"@depth20@100ms",
		)
	}
	marketURL := c.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	market := &wsFeed{
		dialURL: func(context.Context) (string, error) { return marketURL, nil },
		handle:  c.marketHandler(out),
		logger:  c.logger.With("feed", "market"),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		market.run(ctx, func(err error) { c.emit(out, StreamEvent{Err: err}) })
	}()

	if c.apiKey != "" && c.secret != "" {
		user := &wsFeed{
			dialURL: func(dctx context.Context) (string, error) {
				key, err := c.createListenKey(dctx)
				if err != nil {
					return "", err
				}
				return c.wsURL + "/ws/" + key, nil
			},
			logger: c.logger.With("feed", "user"),
		}
		user.handle = c.userHandler(out, user)
		wg.Add(1)
		go func() {
			defer wg.Done()
			user.run(ctx, func(err error) { c.emit(out, StreamEvent{Err: err}) })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.keepAliveLoop(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// emit delivers without blocking; a full consumer drops the oldest
// semantics belong to the spine, here we just shed.
func (c *Client) emit(out chan<- StreamEvent, ev StreamEvent) {
	select {
	case out <- ev:
	default:
		c.logger.Warn("stream buffer full, dropping event")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market messages
// ————————————————————————————————————————————————————————————————————————

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsKline struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		OpenTime    int64  `json:"t"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Close       string `json:"c"`
		Volume      string `json:"v"`
		QuoteVolume string `json:"q"`
		Trades      int64  `json:"n"`
		Closed      bool   `json:"x"`
	} `json:"k"`
}

type wsBookTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Bid       string `json:"b"`
	BidQty    string `json:"B"`
	Ask       string `json:"a"`
	AskQty    string `json:"A"`
}

type wsDepth struct {
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FinalID   int64      `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func (c *Client) marketHandler(out chan<- StreamEvent) func([]byte) {
	return func(data []byte) {
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Data == nil {
			c.logger.Debug("ignoring non-envelope ws message")
			return
		}

		var head struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(env.Data, &head); err != nil {
			return
		}

		switch head.Event {
		case "kline":
			var k wsKline
			if err := json.Unmarshal(env.Data, &k); err != nil {
				c.logger.Error("unmarshal kline", "error", err)
				return
			}
			if !k.K.Closed {
				return // in-progress bar, wait for the close
			}
			c.emit(out, StreamEvent{Bar: &types.Bar{
				Symbol:      k.Symbol,
				Timeframe:   types.Timeframe(k.K.Interval),
				TsMs:        k.K.OpenTime,
				Open:        parseF(k.K.Open),
				High:        parseF(k.K.High),
				Low:         parseF(k.K.Low),
				Close:       parseF(k.K.Close),
				Volume:      parseF(k.K.Volume),
				QuoteVolume: parseF(k.K.QuoteVolume),
				TradesCount: k.K.Trades,
			}})

		case "bookTicker":
			var bt wsBookTicker
			if err := json.Unmarshal(env.Data, &bt); err != nil {
				c.logger.Error("unmarshal bookTicker", "error", err)
				return
			}
			ts := bt.EventTime
			if ts == 0 {
				ts = c.nowMs()
			}
			t := types.Ticker{
				Symbol: bt.Symbol,
				TsMs:   ts,
				Bid:    parseF(bt.Bid),
				Ask:    parseF(bt.Ask),
				BidVol: parseF(bt.BidQty),
				AskVol: parseF(bt.AskQty),
			}
			t.Last = t.Mid()
			c.emit(out, StreamEvent{Ticker: &t})

		case "depthUpdate":
			var d wsDepth
			if err := json.Unmarshal(env.Data, &d); err != nil {
				c.logger.Error("unmarshal depth", "error", err)
				return
			}
			c.emit(out, StreamEvent{Book: &types.OrderBook{
				Symbol: d.Symbol,
				TsMs:   d.EventTime,
				Nonce:  d.FinalID,
				Bids:   parseLevels(d.Bids),
				Asks:   parseLevels(d.Asks),
			}})

		default:
			c.logger.Debug("unknown market event", "type", head.Event)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// User messages
// ————————————————————————————————————————————————————————————————————————

type wsOrderUpdate struct {
	EventTime int64 `json:"E"`
	O         struct {
		Symbol    string `json:"s"`
		ClientID  string `json:"c"`
		Side      string `json:"S"`
		Type      string `json:"o"`
		Qty       string `json:"q"`
		Price     string `json:"p"`
		AvgPrice  string `json:"ap"`
		Status    string `json:"X"`
		OrderID   int64  `json:"i"`
		LastQty   string `json:"l"`
		CumQty    string `json:"z"`
		LastPx    string `json:"L"`
		Fee       string `json:"n"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

var orderTypeFromVenue = map[string]types.OrderType{
	"MARKET":      types.Market,
	"LIMIT":       types.Limit,
	"STOP_MARKET": types.Stop,
	"STOP":        types.StopLimit,
}

func (c *Client) userHandler(out chan<- StreamEvent, feed *wsFeed) func([]byte) {
	return func(data []byte) {
		var head struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return
		}

		switch head.Event {
		case "ORDER_TRADE_UPDATE":
			var u wsOrderUpdate
			if err := json.Unmarshal(data, &u); err != nil {
				c.logger.Error("unmarshal order update", "error", err)
				return
			}
			o := u.O

			side := types.Sell
			if o.Side == "BUY" {
				side = types.Buy
			}
			otype, ok := orderTypeFromVenue[o.Type]
			if !ok {
				otype = types.Market
			}

			order := types.Order{
				ID:        strconv.FormatInt(o.OrderID, 10),
				ClientID:  o.ClientID,
				Symbol:    o.Symbol,
				Venue:     c.name,
				Side:      side,
				Type:      otype,
				Status:    mapOrderStatus(o.Status),
				UpdatedTs: u.EventTime,
			}
			order.Qty, _ = decimal.NewFromString(o.Qty)
			order.LimitPx, _ = decimal.NewFromString(o.Price)
			order.FilledQty, _ = decimal.NewFromString(o.CumQty)
			order.AvgFillPx, _ = decimal.NewFromString(o.AvgPrice)
			c.emit(out, StreamEvent{Order: &order})

			// Fills reference the client order ID so the executor can
			// correlate them with its working orders.
			lastQty, _ := decimal.NewFromString(o.LastQty)
			if lastQty.IsPositive() {
				fill := types.Fill{
					OrderID: o.ClientID,
					Symbol:  o.Symbol,
					Side:    side,
					TsMs:    o.TradeTime,
				}
				fill.Px, _ = decimal.NewFromString(o.LastPx)
				fill.Qty = lastQty
				fill.Fee, _ = decimal.NewFromString(o.Fee)
				if fill.OrderID == "" {
					fill.OrderID = order.ID
				}
				c.emit(out, StreamEvent{Fill: &fill})
			}

		case "listenKeyExpired":
			c.logger.Warn("listen key expired, redialing")
			feed.dropConn()

		case "ACCOUNT_UPDATE", "MARGIN_CALL":
			// Balance changes arrive via the account poll; margin alerts
			// come out of the risk monitors.
			c.logger.Debug("ignoring user event", "type", head.Event)

		default:
			c.logger.Debug("unknown user event", "type", head.Event)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Listen key lifecycle
// ————————————————————————————————————————————————————————————————————————

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResp
	if err := c.do(ctx, "binance.listen_key", http.MethodPost, "/fapi/v1/listenKey", "", false, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", types.Ef(types.KindTransientVenue, "binance.listen_key", "empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.do(ctx, "binance.listen_key_keepalive", http.MethodPut, "/fapi/v1/listenKey", "", false, nil); err != nil {
				c.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}
