package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	appconfig "arbiflow/config"
	"arbiflow/logger"
	"arbiflow/models"
)

var (
	// ErrNotConnected is returned by Send while the socket is down. Callers
	// treat sends as fire-and-forget and rely on resubscription after
	// reconnect.
	ErrNotConnected = errors.New("connection is not established")
	// ErrSendTimeout is returned when a write does not complete within the
	// policy send timeout.
	ErrSendTimeout = errors.New("send timed out")
	// ErrClosed is returned by Open and Send after Close.
	ErrClosed = errors.New("connection closed")
)

// Callbacks is the event surface a managed connection exposes to its owner.
// All callbacks are invoked from the connection's supervisor goroutine; they
// must not block.
type Callbacks struct {
	OnMessage      func(data []byte)
	OnError        func(err error)
	OnConnected    func()
	OnDisconnected func()
}

// ConfigureFn customizes the dial for one venue (request headers, dialer
// tweaks) before the handshake.
type ConfigureFn func(dialer *websocket.Dialer, header http.Header)

// Conn owns one physical websocket to one venue: dialing, the receive loop,
// heartbeats, idle detection, backoff reconnection and the circuit breaker.
// Lifecycle events are produced by a single supervisor goroutine, which keeps
// ordering and cancellation explicit.
type Conn struct {
	venue     string
	url       string
	policy    appconfig.ConnectionConfig
	callbacks Callbacks
	configure ConfigureFn
	log       *logger.Log

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos of last inbound frame or pong

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn

	firstConn chan struct{}
	firstOnce sync.Once
	runOnce   sync.Once
	done      chan struct{}
	closeOnce sync.Once
	finished  chan struct{}
}

func newConn(venue, url string, policy appconfig.ConnectionConfig, callbacks Callbacks, configure ConfigureFn) *Conn {
	return &Conn{
		venue:     venue,
		url:       url,
		policy:    policy,
		callbacks: callbacks,
		configure: configure,
		log:       logger.GetLogger(),
		firstConn: make(chan struct{}),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() models.ConnectionState {
	return models.ConnectionState(c.state.Load())
}

func (c *Conn) setState(s models.ConnectionState) {
	old := models.ConnectionState(c.state.Swap(int32(s)))
	if old != s {
		c.log.WithComponent(c.venue+"_conn").WithFields(logger.Fields{
			"from": old.String(),
			"to":   s.String(),
		}).Debug("connection state changed")
	}
}

// Open starts the supervisor and blocks until the first successful handshake
// or ctx expiry. Transient dial failures are retried with backoff while Open
// waits; after Open returns the supervisor keeps the link alive until Close.
// Only the first call starts a supervisor. A later Open, for example a retry
// after a ctx expiry, joins the one already dialing so a single Conn never
// owns more than one physical socket.
func (c *Conn) Open(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.runOnce.Do(func() { go c.run() })

	select {
	case <-c.firstConn:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s websocket: %w", c.venue, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// Send writes one text frame. It fails fast with ErrNotConnected while the
// socket is down and ErrSendTimeout when the write deadline lapses; it never
// panics into the caller's hot path.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.State() != models.StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(c.policy.SendTimeout))
	err := conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()

	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("%w: %v", ErrSendTimeout, err)
		}
		return fmt.Errorf("write to %s: %w", c.venue, err)
	}
	return nil
}

// Close terminates the connection permanently. In-flight reads and writes are
// unblocked within the policy shutdown grace.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		// If the supervisor never started there is nothing to wait for.
		c.runOnce.Do(func() { close(c.finished) })

		c.mu.Lock()
		if c.conn != nil {
			deadline := time.Now().Add(c.policy.ShutdownGrace)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			c.conn.Close()
		}
		c.mu.Unlock()

		select {
		case <-c.finished:
		case <-time.After(c.policy.ShutdownGrace):
			c.log.WithComponent(c.venue + "_conn").Warn("supervisor did not stop within shutdown grace")
		}
	})
}

func (c *Conn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// run is the supervisor: it owns the state machine, dialing, the breaker and
// the receive loop for each physical socket.
func (c *Conn) run() {
	defer close(c.finished)
	defer c.setState(models.StateDisconnected)

	log := c.log.WithComponent(c.venue + "_conn")

	b := &backoff.Backoff{
		Min:    c.policy.Backoff.MinDelay,
		Max:    c.policy.Backoff.MaxDelay,
		Factor: c.policy.Backoff.Factor,
		Jitter: c.policy.Backoff.Jitter,
	}
	failures := 0
	reconnecting := false

	for {
		if c.closing() {
			return
		}

		if reconnecting {
			c.setState(models.StateReconnecting)
			logger.IncrementReconnect()
		} else {
			c.setState(models.StateConnecting)
		}

		conn, err := c.dial()
		if err != nil {
			failures++
			log.WithError(err).WithFields(logger.Fields{"consecutive_failures": failures}).Warn("dial failed")
			c.emitError(err)

			if failures >= c.policy.Breaker.FailureThreshold {
				c.setState(models.StateCircuitOpen)
				log.WithFields(logger.Fields{"cooldown": c.policy.Breaker.Cooldown.String()}).Warn("circuit breaker open")
				select {
				case <-time.After(c.policy.Breaker.Cooldown):
				case <-c.done:
					return
				}
				// One probe attempt; a failure trips the breaker again.
				failures = c.policy.Breaker.FailureThreshold - 1
				b.Reset()
				reconnecting = true
				continue
			}

			select {
			case <-time.After(b.Duration()):
			case <-c.done:
				return
			}
			reconnecting = true
			continue
		}

		failures = 0
		b.Reset()

		if c.closing() {
			conn.Close()
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.touch()
		c.setState(models.StateConnected)
		c.firstOnce.Do(func() { close(c.firstConn) })
		log.Info("websocket connected")
		if c.callbacks.OnConnected != nil {
			c.callbacks.OnConnected()
		}

		stopHeartbeat := make(chan struct{})
		go c.heartbeat(conn, stopHeartbeat)

		readErr := c.readLoop(conn)
		close(stopHeartbeat)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if c.callbacks.OnDisconnected != nil {
			c.callbacks.OnDisconnected()
		}

		if c.closing() {
			return
		}

		log.WithError(readErr).Warn("websocket dropped, reconnecting")
		c.emitError(readErr)
		reconnecting = true
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.policy.DialTimeout}
	header := http.Header{}
	if c.configure != nil {
		c.configure(&dialer, header)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.DialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	return conn, nil
}

func (c *Conn) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()
		logger.IncrementStreamRead(c.venue, len(data))
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(data)
		}
	}
}

// heartbeat pings the peer on a fixed interval and force-closes the socket
// when no inbound traffic has been seen within the idle threshold, so that
// silently dead sockets are detected and the supervisor reconnects.
func (c *Conn) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.policy.HeartbeatInterval)
	defer ticker.Stop()

	log := c.log.WithComponent(c.venue + "_conn")

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle > c.policy.IdleThreshold {
				log.WithFields(logger.Fields{"idle": idle.String()}).Warn("no inbound traffic within idle threshold, forcing reconnect")
				conn.Close()
				return
			}
			deadline := time.Now().Add(c.policy.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).Debug("heartbeat ping failed")
			}
		}
	}
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) emitError(err error) {
	if c.callbacks.OnError != nil && err != nil {
		c.callbacks.OnError(err)
	}
}
