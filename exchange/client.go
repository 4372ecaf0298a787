// Package exchange provides the generic venue client: one managed websocket
// per venue, adapter-driven framing, order book synchronization and
// per-pair update streams. All venue-specific behavior lives behind
// venue.Adapter; the client is the same code for every exchange.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	appconfig "arbiflow/config"
	"arbiflow/internal/stream"
	"arbiflow/internal/ws"
	"arbiflow/logger"
	"arbiflow/models"
	"arbiflow/venue"
)

var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrNotAuthenticated = errors.New("client is not authenticated")
	ErrNotSubscribed    = errors.New("pair is not subscribed")
)

const streamBuffer = 256

// subscription is one pair's book pipeline: synchronizer plus fan-out stream.
type subscription struct {
	pair   models.TradingPair
	state  *bookState
	stream *stream.BookStream
}

// Client connects one venue through the shared connection registry and keeps
// synchronized books for every subscribed pair.
type Client struct {
	adapter    venue.Adapter
	cfg        appconfig.VenueConfig
	registry   *ws.Registry
	creds      venue.Credentials
	bookBuffer int
	log        *logger.Entry

	mu            sync.RWMutex
	conn          *ws.Conn
	connected     bool
	authenticated bool
	fees          models.FeeSchedule
	subs          map[string]*subscription
	latest        map[string]*models.OrderBook

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient builds a client for one venue. Credentials come from the venue
// config; absence leaves the client in public-data-only mode. Per-pair book
// streams are sized by channels.book_buffer.
func NewClient(adapter venue.Adapter, cfg appconfig.VenueConfig, channels appconfig.ChannelsConfig, registry *ws.Registry) *Client {
	bookBuffer := channels.BookBuffer
	if bookBuffer <= 0 {
		bookBuffer = streamBuffer
	}

	return &Client{
		adapter:    adapter,
		cfg:        cfg,
		registry:   registry,
		bookBuffer: bookBuffer,
		creds: venue.Credentials{
			APIKey:        cfg.APIKey,
			APISecret:     cfg.APISecret,
			APIPassphrase: cfg.APIPassphrase,
		},
		fees: models.FeeSchedule{
			Venue:     adapter.Name(),
			MakerRate: cfg.DefaultFees.Maker,
			TakerRate: cfg.DefaultFees.Taker,
		},
		subs:   make(map[string]*subscription),
		latest: make(map[string]*models.OrderBook),
		log: logger.GetLogger().WithComponent("exchange-client").WithFields(logger.Fields{
			"venue": adapter.Name(),
		}),
	}
}

// Name returns the venue id this client serves.
func (c *Client) Name() string { return c.adapter.Name() }

// Connect acquires the venue's managed connection from the registry and
// blocks until the first handshake succeeds or ctx expires. Reconnection
// afterwards is the connection's own responsibility; the client only
// re-subscribes when told a new session is up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var sessions atomic.Int64
	callbacks := ws.Callbacks{
		OnMessage: c.handleFrame,
		OnError: func(err error) {
			c.log.WithError(err).Warn("connection error")
		},
		OnConnected: func() {
			if sessions.Add(1) == 1 {
				return
			}
			c.onReconnect()
		},
		OnDisconnected: func() {
			c.log.Warn("connection lost")
		},
	}

	var configure ws.ConfigureFn
	if dc, ok := c.adapter.(venue.DialConfigurer); ok {
		configure = func(_ *websocket.Dialer, header http.Header) {
			dc.ConfigureDial(header)
		}
	}

	conn := c.registry.GetOrCreate(c.adapter.Name(), c.cfg.WsURL, callbacks, configure)
	c.conn = conn
	c.mu.Unlock()

	if err := conn.Open(ctx); err != nil {
		c.mu.Lock()
		c.conn = nil
		c.cancel()
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.adapter.Name(), err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.log.Info("connected")
	return nil
}

// Disconnect releases the venue connection and closes every update stream.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.authenticated = false
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.latest = make(map[string]*models.OrderBook)
	c.cancel()
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stream.Close()
	}
	c.registry.Remove(c.adapter.Name())

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.log.Info("disconnected")
}

// Authenticate validates credential format, then confirms the credentials
// against the venue's fee endpoint. Format failures name the offending field
// and never reach the wire. Venues without account endpoints authenticate on
// format alone.
func (c *Client) Authenticate(ctx context.Context) error {
	if !c.creds.Present() {
		return fmt.Errorf("%w: no credentials configured for %s", ErrNotAuthenticated, c.adapter.Name())
	}
	if err := c.adapter.ValidateCredentials(c.creds); err != nil {
		return fmt.Errorf("credential validation: %w", err)
	}

	fees, err := c.adapter.FetchFees(ctx, c.creds)
	switch {
	case err == nil:
		c.mu.Lock()
		c.fees = fees
		c.mu.Unlock()
		c.log.WithFields(logger.Fields{
			"maker": fees.MakerRate,
			"taker": fees.TakerRate,
		}).Info("fee schedule fetched")
	case errors.Is(err, venue.ErrUnsupported):
		// Fall through on configured defaults.
	default:
		return fmt.Errorf("authenticate %s: %w", c.adapter.Name(), err)
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

// Authenticated reports whether trading operations are available.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// IsConnected reports whether the client holds a live venue connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil && c.conn.State() == models.StateConnected
}

// SupportsStreaming reports whether the venue has a depth stream.
func (c *Client) SupportsStreaming() bool {
	return c.adapter.SupportsStreaming()
}

// Fees returns the current fee schedule: fetched when authenticated,
// configured defaults otherwise.
func (c *Client) Fees() models.FeeSchedule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fees
}

// SubscribeOrderBook starts the book pipeline for a pair. Idempotent:
// subscribing an already-subscribed pair is a no-op, not an error.
func (c *Client) SubscribeOrderBook(pair models.TradingPair) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	key := pair.String()
	if _, ok := c.subs[key]; ok {
		c.mu.Unlock()
		return nil
	}

	sub := &subscription{
		pair:   pair,
		state:  newBookState(c.adapter.Name(), pair, c.cfg.BookDepth),
		stream: stream.NewBookStream(c.adapter.Name()+":"+key, c.bookBuffer),
	}
	c.subs[key] = sub
	conn := c.conn
	c.mu.Unlock()

	payload, err := c.adapter.SubscribePayload([]models.TradingPair{pair}, c.creds)
	if err != nil {
		c.dropSubscription(key)
		return fmt.Errorf("build subscribe payload: %w", err)
	}
	if err := conn.Send(payload); err != nil {
		c.dropSubscription(key)
		return fmt.Errorf("send subscribe: %w", err)
	}

	go c.seedSnapshot(sub)
	c.log.WithFields(logger.Fields{"pair": key}).Info("order book subscribed")
	return nil
}

func (c *Client) dropSubscription(key string) {
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	delete(c.latest, key)
	c.mu.Unlock()
	if ok {
		sub.stream.Close()
	}
}

// seedSnapshot fetches the REST snapshot for venues whose stream carries
// deltas only. Venues that snapshot on the stream return ErrNoRESTSnapshot
// and need nothing here.
func (c *Client) seedSnapshot(sub *subscription) {
	book, err := c.adapter.FetchSnapshot(c.ctx, sub.pair)
	if errors.Is(err, venue.ErrNoRESTSnapshot) {
		return
	}
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"pair": sub.pair.String()}).Error("snapshot fetch failed")
		return
	}
	applied, err := sub.state.ApplySnapshot(book.Bids, book.Asks, book.Sequence, book.Timestamp)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"pair": sub.pair.String()}).Error("snapshot rejected")
		return
	}
	c.publish(sub, applied)
}

// GetOrderBookUpdates returns the pair's book stream. The channel closes on
// unsubscribe or disconnect.
func (c *Client) GetOrderBookUpdates(pair models.TradingPair) (<-chan *models.OrderBook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.subs[pair.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotSubscribed, pair, c.adapter.Name())
	}
	return sub.stream.Updates(), nil
}

// LatestBook returns the most recently published book for a pair.
func (c *Client) LatestBook(pair models.TradingPair) (*models.OrderBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	book, ok := c.latest[pair.String()]
	return book, ok
}

// UnsubscribeOrderBook stops the pair's pipeline and closes its stream.
// Unsubscribing an unknown pair is a no-op.
func (c *Client) UnsubscribeOrderBook(pair models.TradingPair) error {
	key := pair.String()
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, key)
	delete(c.latest, key)
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	sub.stream.Close()
	if connected && conn != nil {
		payload, err := c.adapter.UnsubscribePayload([]models.TradingPair{pair})
		if err != nil {
			return fmt.Errorf("build unsubscribe payload: %w", err)
		}
		if err := conn.Send(payload); err != nil && !errors.Is(err, ws.ErrNotConnected) {
			return fmt.Errorf("send unsubscribe: %w", err)
		}
	}
	c.log.WithFields(logger.Fields{"pair": key}).Info("order book unsubscribed")
	return nil
}

// GetBalances queries the venue's balance endpoint. Requires Authenticate.
func (c *Client) GetBalances(ctx context.Context) ([]models.Balance, error) {
	if !c.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	return c.adapter.FetchBalances(ctx, c.creds)
}

// PlaceMarketOrder submits a market order. Requires Authenticate.
func (c *Client) PlaceMarketOrder(ctx context.Context, pair models.TradingPair, side venue.OrderSide, quantity float64) (venue.OrderResponse, error) {
	return c.placeOrder(ctx, venue.OrderRequest{Pair: pair, Side: side, Quantity: quantity})
}

// PlaceLimitOrder submits a limit order. Requires Authenticate.
func (c *Client) PlaceLimitOrder(ctx context.Context, pair models.TradingPair, side venue.OrderSide, quantity, price float64) (venue.OrderResponse, error) {
	if price <= 0 {
		return venue.OrderResponse{}, fmt.Errorf("limit price must be positive, got %v", price)
	}
	return c.placeOrder(ctx, venue.OrderRequest{Pair: pair, Side: side, Quantity: quantity, Price: price})
}

func (c *Client) placeOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResponse, error) {
	if !c.Authenticated() {
		return venue.OrderResponse{}, ErrNotAuthenticated
	}
	if req.Quantity <= 0 {
		return venue.OrderResponse{}, fmt.Errorf("order quantity must be positive, got %v", req.Quantity)
	}
	resp, err := c.adapter.PlaceOrder(ctx, c.creds, req)
	if err != nil {
		return venue.OrderResponse{}, fmt.Errorf("place order on %s: %w", c.adapter.Name(), err)
	}
	c.log.WithFields(logger.Fields{
		"pair":     req.Pair.String(),
		"side":     string(req.Side),
		"quantity": req.Quantity,
		"order_id": resp.OrderID,
	}).Info("order placed")
	return resp, nil
}

// handleFrame is the OnMessage callback: parse, route by kind, publish.
func (c *Client) handleFrame(data []byte) {
	msg, err := c.adapter.Parse(data)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{
			"payload": truncate(data, 256),
		}).Warn("unparseable frame")
		return
	}

	switch msg.Kind {
	case models.KindIgnore:
		return

	case models.KindSubscribeAck:
		c.log.WithFields(logger.Fields{"channel": msg.Channel}).Debug("subscription acknowledged")

	case models.KindSubscribeError:
		if msg.NeedsAuth {
			c.log.WithError(venue.ErrAuthRequired).WithFields(logger.Fields{
				"reason": msg.Reason,
			}).Error("subscription rejected")
		} else {
			c.log.WithFields(logger.Fields{"reason": msg.Reason}).Error("subscription failed")
		}

	case models.KindSnapshot:
		c.applySnapshot(msg)

	case models.KindDelta:
		c.applyDelta(msg)

	case models.KindTicker:
		c.applyTicker(msg)
	}
}

func (c *Client) applySnapshot(msg models.ParsedMessage) {
	sub := c.lookup(msg.Pair)
	if sub == nil {
		return
	}
	book, err := sub.state.ApplySnapshot(msg.Bids, msg.Asks, msg.Sequence, msg.Timestamp)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"pair": msg.Pair.String()}).Error("snapshot rejected")
		return
	}
	c.publish(sub, book)
}

func (c *Client) applyDelta(msg models.ParsedMessage) {
	sub := c.lookup(msg.Pair)
	if sub == nil {
		return
	}
	book, err := sub.state.ApplyDelta(msg.Changes, msg.Sequence, msg.Timestamp)
	switch {
	case err == nil:
		c.publish(sub, book)
	case errors.Is(err, ErrNoSnapshot):
		c.log.WithFields(logger.Fields{"pair": msg.Pair.String()}).Warn("delta before snapshot, dropped")
	case errors.Is(err, ErrStaleDelta):
		// Expected while the REST snapshot overlaps the stream.
	case errors.Is(err, ErrCrossedBook):
		c.log.WithFields(logger.Fields{"pair": msg.Pair.String()}).Error("crossed book discarded, reseeding")
		go c.seedSnapshot(sub)
	}
}

func (c *Client) applyTicker(msg models.ParsedMessage) {
	sub := c.lookup(msg.Pair)
	if sub == nil {
		return
	}
	book, err := synthesizeTicker(c.adapter.Name(), msg)
	if err != nil {
		c.log.WithFields(logger.Fields{"pair": msg.Pair.String()}).Warn("unusable ticker dropped")
		return
	}
	c.publish(sub, book)
}

func (c *Client) lookup(pair models.TradingPair) *subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[pair.String()]
}

func (c *Client) publish(sub *subscription, book *models.OrderBook) {
	c.mu.Lock()
	c.latest[sub.pair.String()] = book
	c.mu.Unlock()
	sub.stream.Publish(book)
	logger.IncrementBookPublish(c.adapter.Name())
}

// onReconnect re-subscribes every pair on a fresh session and invalidates
// books so stale state never mixes with the new stream.
func (c *Client) onReconnect() {
	c.mu.RLock()
	conn := c.conn
	subs := make([]*subscription, 0, len(c.subs))
	pairs := make([]models.TradingPair, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
		pairs = append(pairs, sub.pair)
	}
	c.mu.RUnlock()

	if len(pairs) == 0 || conn == nil {
		return
	}
	for _, sub := range subs {
		sub.state.Invalidate()
	}

	payload, err := c.adapter.SubscribePayload(pairs, c.creds)
	if err != nil {
		c.log.WithError(err).Error("resubscribe payload build failed")
		return
	}
	if err := conn.Send(payload); err != nil {
		c.log.WithError(err).Error("resubscribe send failed")
		return
	}
	for _, sub := range subs {
		go c.seedSnapshot(sub)
	}
	c.log.WithFields(logger.Fields{"pairs": len(pairs)}).Info("resubscribed after reconnect")
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
