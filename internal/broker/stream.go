// stream.go implements the real-time WebSocket hubs of the gateway.
//
// Two independent hubs run concurrently:
//
//   - Market hub: subscribes by symbol, receives "quote" ticks and "trade"
//     prints used by the bar aggregator and mark-to-market.
//
//   - User hub (authenticated): subscribes by account ID, receives "order",
//     "position", "account" and "fill" events that drive the local
//     projections.
//
// Both hubs auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe to all tracked IDs before reporting Connected. Every payload
// carries a per-topic sequence number; a gap means events were lost and a
// ResyncRequest is emitted so consumers refetch authoritative state over
// REST. The server heartbeats continuously: a read deadline of 15s treats a
// silent connection as dead.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"topstepx-engine/internal/metrics"
	"topstepx-engine/pkg/types"
)

const (
	hubPingInterval  = 5 * time.Second
	hubReadTimeout   = 15 * time.Second // heartbeat cadence is 5s; 3 misses = dead
	hubWriteTimeout  = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	quoteBufferSize  = 512
	eventBufferSize  = 128
)

// ResyncRequest signals that the hub detected a sequence gap on a topic and
// the consumer must refetch state over REST before trusting further deltas.
type ResyncRequest struct {
	Topic    string // e.g. "order:ACC123", "quote:NQ"
	Expected int64
	Got      int64
}

// HubFeed manages a single hub connection (market or user). It handles the
// connection lifecycle, subscription tracking, sequence accounting, message
// routing, and automatic reconnection.
type HubFeed struct {
	url     string
	auth    *tokenSource
	hubType string // "market" or "user"

	conn   *websocket.Conn
	connMu sync.Mutex

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // symbols (market) or account IDs (user)

	// Per-topic last-seen sequence numbers; reset on every reconnect since
	// the server restarts numbering per connection.
	seqMu sync.Mutex
	seq   map[string]int64

	connected atomic.Bool

	quoteCh    chan types.Quote
	orderCh    chan types.Order
	positionCh chan types.Position
	accountCh  chan types.Account
	fillCh     chan types.Fill
	resyncCh   chan ResyncRequest

	logger *slog.Logger
}

// NewMarketHub creates the hub feed for market data, subscribed by symbol.
func NewMarketHub(url string, auth *tokenSource, logger *slog.Logger) *HubFeed {
	return newHubFeed(url, auth, "market", logger)
}

// NewUserHub creates the hub feed for account/order/fill events, subscribed
// by account ID.
func NewUserHub(url string, auth *tokenSource, logger *slog.Logger) *HubFeed {
	return newHubFeed(url, auth, "user", logger)
}

func newHubFeed(url string, auth *tokenSource, hubType string, logger *slog.Logger) *HubFeed {
	return &HubFeed{
		url:        url,
		auth:       auth,
		hubType:    hubType,
		subscribed: make(map[string]bool),
		seq:        make(map[string]int64),
		quoteCh:    make(chan types.Quote, quoteBufferSize),
		orderCh:    make(chan types.Order, eventBufferSize),
		positionCh: make(chan types.Position, eventBufferSize),
		accountCh:  make(chan types.Account, eventBufferSize),
		fillCh:     make(chan types.Fill, eventBufferSize),
		resyncCh:   make(chan ResyncRequest, 16),
		logger:     logger.With("component", "hub_"+hubType),
	}
}

// Quotes returns the read-only quote tick channel (market hub).
func (f *HubFeed) Quotes() <-chan types.Quote { return f.quoteCh }

// Orders returns the read-only order event channel (user hub).
func (f *HubFeed) Orders() <-chan types.Order { return f.orderCh }

// Positions returns the read-only position event channel (user hub).
func (f *HubFeed) Positions() <-chan types.Position { return f.positionCh }

// Accounts returns the read-only account update channel (user hub).
func (f *HubFeed) Accounts() <-chan types.Account { return f.accountCh }

// Fills returns the read-only fill event channel (user hub).
func (f *HubFeed) Fills() <-chan types.Fill { return f.fillCh }

// Resyncs returns the channel of detected sequence gaps.
func (f *HubFeed) Resyncs() <-chan ResyncRequest { return f.resyncCh }

// Connected reports whether the hub is connected with all subscriptions
// re-established.
func (f *HubFeed) Connected() bool { return f.connected.Load() }

// Run connects and maintains the hub connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *HubFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		metrics.StreamReconnects.WithLabelValues(f.hubType).Inc()
		f.logger.Warn("hub disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols (market hub) or account IDs (user hub). Safe to call
// before Run; the set is replayed on every (re)connect.
func (f *HubFeed) Subscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	if !f.connected.Load() {
		return nil // picked up by the next connect
	}
	return f.writeJSON(hubCommand{Action: "subscribe", IDs: ids})
}

// Unsubscribe removes IDs from the tracked set.
func (f *HubFeed) Unsubscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	if !f.connected.Load() {
		return nil
	}
	return f.writeJSON(hubCommand{Action: "unsubscribe", IDs: ids})
}

// Close gracefully closes the connection.
func (f *HubFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *HubFeed) connectAndRead(ctx context.Context) error {
	token, err := f.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("hub auth: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url+"?access_token="+token, nil)
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

	// Sequence numbering is per connection.
	f.seqMu.Lock()
	f.seq = make(map[string]int64)
	f.seqMu.Unlock()

	// Re-subscribe before anyone can observe Connected() == true, so no
	// events are missed between the two.
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.connected.Store(true)

	f.logger.Info("hub connected", "hub", f.hubType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(hubReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *HubFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return f.writeJSON(hubCommand{Action: "subscribe", IDs: ids})
}

// hubCommand is the outbound subscribe/unsubscribe message.
type hubCommand struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

// hubMessage is the inbound envelope. Seq is monotonic per topic within a
// connection.
type hubMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Seq   int64           `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

func (f *HubFeed) dispatchMessage(data []byte) {
	var msg hubMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json hub message", "data", string(data))
		return
	}

	if msg.Type == "heartbeat" || msg.Type == "" {
		return
	}

	f.checkSeq(msg.Topic, msg.Seq)

	switch msg.Type {
	case "quote":
		var evt types.Quote
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			f.logger.Error("unmarshal quote", "error", err)
			return
		}
		select {
		case f.quoteCh <- evt:
		default:
			// Quotes are level-valued; dropping the oldest tick under
			// pressure keeps the feed current.
			select {
			case <-f.quoteCh:
			default:
			}
			f.quoteCh <- evt
		}

	case "order":
		var evt orderDTO
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		f.deliverOrder(evt.toDomain())

	case "position":
		var evt positionDTO
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			f.logger.Error("unmarshal position event", "error", err)
			return
		}
		select {
		case f.positionCh <- evt.toDomain():
		default:
			f.logger.Warn("position channel full, dropping event", "symbol", evt.Symbol)
		}

	case "account":
		var evt accountDTO
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			f.logger.Error("unmarshal account event", "error", err)
			return
		}
		select {
		case f.accountCh <- evt.toDomain():
		default:
			f.logger.Warn("account channel full, dropping event", "account", evt.ID)
		}

	case "fill":
		var evt fillDTO
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			f.logger.Error("unmarshal fill event", "error", err)
			return
		}
		select {
		case f.fillCh <- evt.toDomain():
		default:
			f.logger.Warn("fill channel full, dropping event", "order_id", evt.OrderID)
		}

	case "trade", "depth":
		// Market prints and depth are not consumed yet.
		f.logger.Debug("ignoring event", "type", msg.Type)

	default:
		f.logger.Debug("unknown hub event type", "type", msg.Type)
	}
}

func (f *HubFeed) deliverOrder(o types.Order) {
	select {
	case f.orderCh <- o:
	default:
		f.logger.Warn("order channel full, dropping event", "order_id", o.ID)
	}
}

// checkSeq records the latest sequence for a topic and emits a ResyncRequest
// on a gap. The new sequence is adopted either way so one gap produces one
// resync, not a storm.
func (f *HubFeed) checkSeq(topic string, seq int64) {
	if topic == "" || seq == 0 {
		return
	}

	f.seqMu.Lock()
	last, seen := f.seq[topic]
	f.seq[topic] = seq
	f.seqMu.Unlock()

	if !seen || seq == last+1 {
		return
	}

	f.logger.Warn("sequence gap detected",
		"topic", topic,
		"expected", last+1,
		"got", seq,
	)
	select {
	case f.resyncCh <- ResyncRequest{Topic: topic, Expected: last + 1, Got: seq}:
	default:
		// A pending resync already covers the topic refetch.
	}
}

func (f *HubFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *HubFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return types.E(types.KindTransient, "hub not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *HubFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return types.E(types.KindTransient, "hub not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
