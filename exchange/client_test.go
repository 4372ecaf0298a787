package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "arbiflow/config"
	"arbiflow/internal/ws"
	"arbiflow/models"
	"arbiflow/venue"
)

// fakeAdapter speaks JSON-encoded ParsedMessage frames so tests control the
// parse result directly.
type fakeAdapter struct {
	name string

	mu            sync.Mutex
	subscribeCnt  int
	snapshot      *models.OrderBook
	snapshotErr   error
	snapshotCalls int
	fees          models.FeeSchedule
	feesErr       error
	orders        []venue.OrderRequest
	validateErr   error
}

func (f *fakeAdapter) Name() string            { return f.name }
func (f *fakeAdapter) SupportsStreaming() bool { return true }

func (f *fakeAdapter) FormatSymbol(p models.TradingPair) string { return p.String() }
func (f *fakeAdapter) ParseSymbol(s string) (models.TradingPair, error) {
	return models.ParseTradingPair(s)
}

func (f *fakeAdapter) ValidateCredentials(venue.Credentials) error { return f.validateErr }

func (f *fakeAdapter) SubscribePayload(pairs []models.TradingPair, _ venue.Credentials) ([]byte, error) {
	f.mu.Lock()
	f.subscribeCnt++
	f.mu.Unlock()
	return []byte(`{"op":"subscribe"}`), nil
}

func (f *fakeAdapter) UnsubscribePayload([]models.TradingPair) ([]byte, error) {
	return []byte(`{"op":"unsubscribe"}`), nil
}

func (f *fakeAdapter) Parse(data []byte) (models.ParsedMessage, error) {
	var msg models.ParsedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.ParsedMessage{}, err
	}
	return msg, nil
}

func (f *fakeAdapter) FetchSnapshot(context.Context, models.TradingPair) (*models.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls++
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.snapshot, nil
}

func (f *fakeAdapter) FetchBalances(context.Context, venue.Credentials) ([]models.Balance, error) {
	return []models.Balance{{Venue: f.name, Currency: "USD", Total: 1000, Available: 1000}}, nil
}

func (f *fakeAdapter) FetchFees(context.Context, venue.Credentials) (models.FeeSchedule, error) {
	if f.feesErr != nil {
		return models.FeeSchedule{}, f.feesErr
	}
	return f.fees, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, _ venue.Credentials, req venue.OrderRequest) (venue.OrderResponse, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	f.mu.Unlock()
	return venue.OrderResponse{OrderID: "1", Status: "filled"}, nil
}

type wsServer struct {
	srv *httptest.Server
	out chan []byte
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{out: make(chan []byte, 32)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for msg := range s.out {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		close(s.out)
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) send(t *testing.T, msg models.ParsedMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	s.out <- data
}

func testPolicy() appconfig.ConnectionConfig {
	return appconfig.ConnectionConfig{
		DialTimeout:       2 * time.Second,
		SendTimeout:       time.Second,
		ShutdownGrace:     time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		IdleThreshold:     5 * time.Second,
		Backoff: appconfig.BackoffConfig{
			MinDelay: 10 * time.Millisecond,
			MaxDelay: 100 * time.Millisecond,
			Factor:   2,
		},
		Breaker: appconfig.BreakerConfig{FailureThreshold: 5, Cooldown: time.Second},
	}
}

func newTestClient(t *testing.T, adapter *fakeAdapter, wsURL string) *Client {
	t.Helper()
	registry := ws.NewRegistry(testPolicy())
	t.Cleanup(registry.DisposeAll)
	return NewClient(adapter, appconfig.VenueConfig{
		WsURL:       wsURL,
		BookDepth:   100,
		DefaultFees: appconfig.FeeRates{Maker: 0.001, Taker: 0.002},
		APIKey:      "key",
		APISecret:   "secret",
	}, appconfig.ChannelsConfig{BookBuffer: 16}, registry)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeRequiresConnect(t *testing.T) {
	c := newTestClient(t, &fakeAdapter{name: "testvenue"}, "ws://127.0.0.1:1/ws")
	if err := c.SubscribeOrderBook(testPair); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStreamSnapshotAndDelta(t *testing.T) {
	adapter := &fakeAdapter{name: "testvenue", snapshotErr: venue.ErrNoRESTSnapshot}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if c.IsConnected() {
		t.Fatal("client must start disconnected")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	if !c.IsConnected() {
		t.Fatal("expected connected after Connect")
	}
	if !c.SupportsStreaming() {
		t.Fatal("fake adapter streams")
	}

	if err := c.SubscribeOrderBook(testPair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}
	updates, err := c.GetOrderBookUpdates(testPair)
	if err != nil {
		t.Fatalf("GetOrderBookUpdates: %v", err)
	}
	if got := cap(updates); got != 16 {
		t.Fatalf("book stream buffer not taken from config: %d", got)
	}

	srv.send(t, models.ParsedMessage{
		Kind:      models.KindSnapshot,
		Pair:      testPair,
		Timestamp: time.Now(),
		Bids:      []models.OrderBookEntry{{Price: 50000, Quantity: 1}},
		Asks:      []models.OrderBookEntry{{Price: 50010, Quantity: 1}},
	})

	select {
	case book := <-updates:
		if bid, _ := book.BestBid(); bid.Price != 50000 {
			t.Fatalf("unexpected snapshot book: %+v", book)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot book published")
	}

	srv.send(t, models.ParsedMessage{
		Kind:      models.KindDelta,
		Pair:      testPair,
		Timestamp: time.Now(),
		Changes:   []models.BookChange{{Side: "bid", Price: 50005, Quantity: 2}},
	})

	select {
	case book := <-updates:
		bid, _ := book.BestBid()
		if bid.Price != 50005 || bid.Quantity != 2 {
			t.Fatalf("delta not applied: %+v", book)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delta book published")
	}

	latest, ok := c.LatestBook(testPair)
	if !ok || latest.Bids[0].Price != 50005 {
		t.Fatalf("latest book not tracked: %v %v", ok, latest)
	}
}

func TestDeltaBeforeSnapshotDropped(t *testing.T) {
	adapter := &fakeAdapter{name: "testvenue", snapshotErr: venue.ErrNoRESTSnapshot}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	if err := c.SubscribeOrderBook(testPair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}
	updates, _ := c.GetOrderBookUpdates(testPair)

	srv.send(t, models.ParsedMessage{
		Kind:    models.KindDelta,
		Pair:    testPair,
		Changes: []models.BookChange{{Side: "bid", Price: 50000, Quantity: 1}},
	})

	select {
	case book := <-updates:
		t.Fatalf("pre-snapshot delta must not publish, got %+v", book)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReconnectResubscribesActivePairs(t *testing.T) {
	adapter := &fakeAdapter{
		name: "testvenue",
		snapshot: &models.OrderBook{
			Venue: "testvenue", Pair: testPair, Timestamp: time.Now(),
			Bids: []models.OrderBookEntry{{Price: 50000, Quantity: 1}},
			Asks: []models.OrderBookEntry{{Price: 50010, Quantity: 1}},
		},
	}

	var (
		connMu    sync.Mutex
		firstConn *websocket.Conn
	)
	var sessions int
	frames := make(chan string, 32)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connMu.Lock()
		sessions++
		if sessions == 1 {
			firstConn = conn
		}
		connMu.Unlock()
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, adapter, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	ethPair := models.NewTradingPair("ETH", "USD")
	for _, pair := range []models.TradingPair{testPair, ethPair} {
		if err := c.SubscribeOrderBook(pair); err != nil {
			t.Fatalf("SubscribeOrderBook %s: %v", pair, err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-frames:
		case <-time.After(2 * time.Second):
			t.Fatal("initial subscribe frame not received")
		}
	}
	waitFor(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.snapshotCalls >= 2
	}, "initial snapshot seeds")

	// Drop the session out from under the client.
	connMu.Lock()
	firstConn.Close()
	connMu.Unlock()

	// The fresh session gets exactly one combined resubscription.
	select {
	case frame := <-frames:
		if frame != `{"op":"subscribe"}` {
			t.Fatalf("unexpected frame after reconnect: %s", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no resubscription after reconnect")
	}
	select {
	case frame := <-frames:
		t.Fatalf("duplicate subscription after reconnect: %s", frame)
	case <-time.After(300 * time.Millisecond):
	}

	// Both books were invalidated and reseeded from REST.
	waitFor(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.snapshotCalls >= 4
	}, "reseeded snapshots")

	adapter.mu.Lock()
	subscribes := adapter.subscribeCnt
	adapter.mu.Unlock()
	if subscribes != 3 {
		t.Fatalf("expected 2 initial + 1 reconnect subscribe payloads, got %d", subscribes)
	}
	connMu.Lock()
	defer connMu.Unlock()
	if sessions != 2 {
		t.Fatalf("expected one reconnect, got %d sessions", sessions)
	}
}

func TestRESTSeededSnapshot(t *testing.T) {
	adapter := &fakeAdapter{
		name: "testvenue",
		snapshot: &models.OrderBook{
			Venue: "testvenue", Pair: testPair, Timestamp: time.Now(), Sequence: 10,
			Bids: []models.OrderBookEntry{{Price: 50000, Quantity: 1}},
			Asks: []models.OrderBookEntry{{Price: 50010, Quantity: 1}},
		},
	}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	if err := c.SubscribeOrderBook(testPair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}
	updates, _ := c.GetOrderBookUpdates(testPair)

	select {
	case book := <-updates:
		if book.Sequence != 10 {
			t.Fatalf("expected REST-seeded book, got %+v", book)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("REST snapshot never published")
	}

	// A stale delta (sequence at or below the snapshot) is silently dropped.
	srv.send(t, models.ParsedMessage{
		Kind:     models.KindDelta,
		Pair:     testPair,
		Sequence: 10,
		Changes:  []models.BookChange{{Side: "bid", Price: 1, Quantity: 1}},
	})
	// A fresh delta applies.
	srv.send(t, models.ParsedMessage{
		Kind:     models.KindDelta,
		Pair:     testPair,
		Sequence: 11,
		Changes:  []models.BookChange{{Side: "ask", Price: 50005, Quantity: 2}},
	})

	select {
	case book := <-updates:
		ask, _ := book.BestAsk()
		if ask.Price != 50005 {
			t.Fatalf("fresh delta not applied: %+v", book)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fresh delta never published")
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	adapter := &fakeAdapter{name: "testvenue", snapshotErr: venue.ErrNoRESTSnapshot}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.SubscribeOrderBook(testPair); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := c.SubscribeOrderBook(testPair); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	adapter.mu.Lock()
	cnt := adapter.subscribeCnt
	adapter.mu.Unlock()
	if cnt != 1 {
		t.Fatalf("expected 1 subscribe payload, got %d", cnt)
	}
}

func TestTickerSynthesis(t *testing.T) {
	adapter := &fakeAdapter{name: "testvenue", snapshotErr: venue.ErrNoRESTSnapshot}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	if err := c.SubscribeOrderBook(testPair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}
	updates, _ := c.GetOrderBookUpdates(testPair)

	srv.send(t, models.ParsedMessage{
		Kind:       models.KindTicker,
		Pair:       testPair,
		Timestamp:  time.Now(),
		BestBid:    50000,
		BestAsk:    50010,
		BestBidQty: 2,
		BestAskQty: 1,
	})

	select {
	case book := <-updates:
		if !book.Synthesized {
			t.Fatalf("ticker book not flagged synthesized: %+v", book)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker book never published")
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	adapter := &fakeAdapter{name: "testvenue", snapshotErr: venue.ErrNoRESTSnapshot}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	if err := c.SubscribeOrderBook(testPair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}
	updates, _ := c.GetOrderBookUpdates(testPair)

	if err := c.UnsubscribeOrderBook(testPair); err != nil {
		t.Fatalf("UnsubscribeOrderBook: %v", err)
	}
	waitFor(t, func() bool {
		select {
		case _, open := <-updates:
			return !open
		default:
			return false
		}
	}, "stream close")

	if _, err := c.GetOrderBookUpdates(testPair); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
	// Unsubscribing again is a no-op.
	if err := c.UnsubscribeOrderBook(testPair); err != nil {
		t.Fatalf("repeat unsubscribe: %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	adapter := &fakeAdapter{
		name: "testvenue",
		fees: models.FeeSchedule{Venue: "testvenue", MakerRate: 0.003, TakerRate: 0.005},
	}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if c.Authenticated() {
		t.Fatal("client must start unauthenticated")
	}
	if _, err := c.GetBalances(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !c.Authenticated() {
		t.Fatal("expected authenticated")
	}
	if fees := c.Fees(); fees.TakerRate != 0.005 {
		t.Fatalf("fetched fees not applied: %+v", fees)
	}

	balances, err := c.GetBalances(context.Background())
	if err != nil || len(balances) != 1 {
		t.Fatalf("GetBalances: %v %v", balances, err)
	}
}

func TestAuthenticateValidationFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "testvenue", validateErr: errors.New("api_secret is not valid base64")}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	err := c.Authenticate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "api_secret") {
		t.Fatalf("expected validation error naming the field, got %v", err)
	}
	if c.Authenticated() {
		t.Fatal("validation failure must not authenticate")
	}
}

func TestAuthenticateDefaultFeesWhenUnsupported(t *testing.T) {
	adapter := &fakeAdapter{name: "testvenue", feesErr: venue.ErrUnsupported}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if fees := c.Fees(); fees.TakerRate != 0.002 {
		t.Fatalf("expected configured default taker, got %+v", fees)
	}
}

func TestPlaceOrders(t *testing.T) {
	adapter := &fakeAdapter{name: "testvenue"}
	srv := newWSServer(t)
	c := newTestClient(t, adapter, srv.url())

	if _, err := c.PlaceMarketOrder(context.Background(), testPair, venue.SideBuy, 1); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := c.PlaceMarketOrder(context.Background(), testPair, venue.SideBuy, 0); err == nil {
		t.Fatal("zero quantity must be rejected")
	}
	if _, err := c.PlaceLimitOrder(context.Background(), testPair, venue.SideSell, 1, 0); err == nil {
		t.Fatal("zero limit price must be rejected")
	}

	resp, err := c.PlaceMarketOrder(context.Background(), testPair, venue.SideBuy, 0.5)
	if err != nil || resp.OrderID != "1" {
		t.Fatalf("PlaceMarketOrder: %+v %v", resp, err)
	}
	resp, err = c.PlaceLimitOrder(context.Background(), testPair, venue.SideSell, 0.5, 51000)
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(adapter.orders))
	}
	if adapter.orders[1].Price != 51000 {
		t.Fatalf("limit price lost: %+v", adapter.orders[1])
	}
}
