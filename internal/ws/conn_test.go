package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "arbiflow/config"
	"arbiflow/models"
)

var upgrader = websocket.Upgrader{}

func testPolicy() appconfig.ConnectionConfig {
	return appconfig.ConnectionConfig{
		DialTimeout:       time.Second,
		SendTimeout:       time.Second,
		ShutdownGrace:     2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		IdleThreshold:     time.Minute,
		Backoff: appconfig.BackoffConfig{
			MinDelay: 10 * time.Millisecond,
			MaxDelay: 100 * time.Millisecond,
			Factor:   2,
			Jitter:   true,
		},
		Breaker: appconfig.BreakerConfig{FailureThreshold: 5, Cooldown: time.Second},
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestOpenReceiveAndClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	received := make(chan []byte, 1)
	c := newConn("testvenue", wsURL(srv), testPolicy(), Callbacks{
		OnMessage: func(data []byte) {
			select {
			case received <- data:
			default:
			}
		},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := c.State(); got != models.StateConnected {
		t.Fatalf("unexpected state: %v", got)
	}

	select {
	case data := <-received:
		if string(data) != `{"hello":"world"}` {
			t.Fatalf("unexpected message: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	if err := c.Send([]byte(`{"op":"noop"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	c.Close()
	if got := c.State(); got != models.StateDisconnected {
		t.Fatalf("unexpected state after close: %v", got)
	}
	if err := c.Send([]byte("x")); err == nil {
		t.Fatal("expected send failure after close")
	}
}

func TestReopenDoesNotDuplicateSupervisor(t *testing.T) {
	var upgrades atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgrades.Add(1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newConn("testvenue", wsURL(srv), testPolicy(), Callbacks{}, nil)
	defer c.Close()

	// First Open with an already-expired context fails, but the supervisor
	// keeps dialing in the background.
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Open(expired); err == nil {
		t.Fatal("expected Open to fail with an expired context")
	}

	// A retry must join the existing supervisor, not start a second one.
	ctx, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("retried Open failed: %v", err)
	}
	if got := c.State(); got != models.StateConnected {
		t.Fatalf("unexpected state: %v", got)
	}

	// Give a hypothetical duplicate supervisor time to dial.
	time.Sleep(200 * time.Millisecond)
	if got := upgrades.Load(); got != 1 {
		t.Fatalf("expected exactly one socket for one managed connection, got %d upgrades", got)
	}
}

func TestSendNotConnected(t *testing.T) {
	c := newConn("testvenue", "ws://127.0.0.1:1/ws", testPolicy(), Callbacks{}, nil)
	if err := c.Send([]byte("x")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	policy := testPolicy()
	// An already-expired write deadline makes every write fail as a timeout.
	policy.SendTimeout = -time.Second

	c := newConn("testvenue", wsURL(srv), policy, Callbacks{}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	err := c.Send([]byte("x"))
	if !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout, got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var serverConns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := serverConns.Add(1)
		if n == 1 {
			// Drop the first connection immediately to force a reconnect.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var connects atomic.Int64
	reconnected := make(chan struct{})
	c := newConn("testvenue", wsURL(srv), testPolicy(), Callbacks{
		OnConnected: func() {
			if connects.Add(1) == 2 {
				close(reconnected)
			}
		},
	}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("no reconnect observed, connects=%d", connects.Load())
	}
}

func TestIdleThresholdForcesReconnect(t *testing.T) {
	var serverConns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns.Add(1)
		// Never send anything and ignore pings: a silently dead peer.
		conn.SetPingHandler(func(string) error { return nil })
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	policy := testPolicy()
	policy.HeartbeatInterval = 20 * time.Millisecond
	policy.IdleThreshold = 30 * time.Millisecond

	var connects atomic.Int64
	reconnected := make(chan struct{})
	c := newConn("testvenue", wsURL(srv), policy, Callbacks{
		OnConnected: func() {
			if connects.Add(1) == 2 {
				close(reconnected)
			}
		},
	}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("idle socket was not forced into reconnect")
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	policy := testPolicy()
	policy.DialTimeout = 100 * time.Millisecond
	policy.Breaker = appconfig.BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}

	// Unroutable endpoint: every dial fails.
	c := newConn("testvenue", "ws://127.0.0.1:1/ws", policy, Callbacks{}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Open(ctx); err == nil {
		t.Fatal("expected Open to fail against unroutable endpoint")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == models.StateCircuitOpen {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("breaker never opened, state=%v", c.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testPolicy())

	a := r.GetOrCreate("venue_a", "ws://127.0.0.1:1/ws", Callbacks{}, nil)
	if again := r.GetOrCreate("venue_a", "ws://127.0.0.1:1/ws", Callbacks{}, nil); again != a {
		t.Fatal("GetOrCreate returned a different connection for the same venue")
	}

	r.Remove("venue_a")
	if _, ok := r.Get("venue_a"); ok {
		t.Fatal("connection still present after Remove")
	}
	// A fresh state machine after removal.
	b := r.GetOrCreate("venue_a", "ws://127.0.0.1:1/ws", Callbacks{}, nil)
	if b == a {
		t.Fatal("expected a fresh connection after Remove")
	}

	r.GetOrCreate("venue_b", "ws://127.0.0.1:1/ws", Callbacks{}, nil)
	r.DisposeAll()
	if _, ok := r.Get("venue_b"); ok {
		t.Fatal("connection still present after DisposeAll")
	}
}
