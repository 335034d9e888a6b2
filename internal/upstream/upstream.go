// Package upstream maintains the long-lived WebSocket connection between a
// session pipeline and one voice-AI provider.
//
// A Connection is a bus node: outbound events arriving via Receive are
// written to the socket as JSON, inbound frames are parsed and emitted to
// subscribers tagged with the provider's dialect. The connection probes
// liveness with periodic pings, reports the measured round-trip time to the
// stats callback, and reconnects with exponential backoff when the peer
// closes the socket without being asked to.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxswitch/voxswitch/internal/switchctl"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// Compile-time interface check.
var _ rtevent.Node = (*Connection)(nil)

// Default connection parameters.
const (
	defaultConnectTimeout = 5 * time.Second
	defaultPingInterval   = 5 * time.Second
	defaultMaxRetries     = 10
	defaultBackoff        = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// State is the connection lifecycle state.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

// Config describes one upstream provider endpoint.
type Config struct {
	// Vendor is the dialect the provider speaks; inbound events are tagged
	// with it.
	Vendor rtevent.Vendor

	// URL is the WebSocket endpoint, including any model query parameters.
	URL string

	// Header carries the credential (Authorization bearer or API-key header,
	// per vendor).
	Header http.Header

	// ConnectTimeout bounds each dial attempt. Defaults to 5s.
	ConnectTimeout time.Duration

	// PingInterval is the pause between liveness probes. Defaults to 5s.
	PingInterval time.Duration

	// MaxRetries caps reconnect attempts after an unsolicited close.
	// Defaults to 10.
	MaxRetries int
}

// Connection is a long-lived channel to one provider. Create it with [New],
// register callbacks, then call [Connection.Connect].
type Connection struct {
	rtevent.Bus

	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	onConnected func()
	onLatency   func(switchctl.LatencySample)
	cancel      context.CancelFunc
}

// New builds an unconnected Connection. Zero config durations and counts
// fall back to the defaults.
func New(cfg Config, log *slog.Logger) *Connection {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Connection{
		cfg:   cfg,
		log:   log.With("component", "upstream", "provider", cfg.Vendor),
		state: StateInit,
	}
}

// OnConnected registers the callback fired once per successful open,
// including every reconnect. Register before calling Connect.
func (c *Connection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// OnLatency registers the callback receiving liveness samples.
func (c *Connection) OnLatency(fn func(switchctl.LatencySample)) {
	c.mu.Lock()
	c.onLatency = fn
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Connection) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the provider and starts the read and ping loops. The
// onConnected callback fires before Connect returns.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return fmt.Errorf("upstream %s: connect called in state %d", c.cfg.Vendor, c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("upstream %s: dial: %w", c.cfg.Vendor, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.cancel = cancel
	fire := c.onConnected
	c.mu.Unlock()

	go c.readLoop(runCtx)
	go c.pingLoop(runCtx)

	if fire != nil {
		fire()
	}
	return nil
}

// Receive serialises the event payload and writes it to the socket. While
// the socket is not open the event is dropped; translation upstream of the
// connection has already happened, so there is nothing to buffer against.
func (c *Connection) Receive(ev rtevent.Event) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		c.log.Debug("dropping outbound event, connection not open")
		return nil
	}

	data, err := json.Marshal(ev.Payload)
	if err != nil {
		c.log.Error("encoding outbound event", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Error("writing outbound event", "error", err)
	}
	return nil
}

// Cleanup closes the socket without reconnecting and detaches all
// callbacks. Idempotent; after Cleanup the connection is inert.
func (c *Connection) Cleanup() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.onConnected = nil
	c.onLatency = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	c.Bus.Cleanup()
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: c.cfg.Header,
	})
	if err != nil {
		return nil, err
	}
	// Voice sessions stream large base64 audio frames.
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

// readLoop parses inbound frames and emits them. On an unsolicited close it
// tries to reconnect; on self-initiated close it returns.
func (c *Connection) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if c.CurrentState() == StateClosed || ctx.Err() != nil {
				return
			}
			c.log.Warn("upstream connection lost", "error", err)
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			c.log.Error("parsing inbound frame", "error", err)
			continue
		}
		c.Emit(rtevent.Event{Src: c.cfg.Vendor, Payload: payload})
	}
}

// reconnect redials with exponential backoff. Returns false when retries
// are exhausted or the connection was cleaned up meanwhile.
func (c *Connection) reconnect(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	backoff := defaultBackoff
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			if c.state == StateClosed {
				c.mu.Unlock()
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return false
			}
			c.conn = conn
			c.state = StateOpen
			fire := c.onConnected
			c.mu.Unlock()

			c.log.Info("upstream reconnected", "attempt", attempt)
			if fire != nil {
				fire()
			}
			return true
		}
		c.log.Warn("upstream reconnect failed",
			"attempt", attempt, "max_retries", c.cfg.MaxRetries, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > defaultMaxBackoff {
			backoff = defaultMaxBackoff
		}
	}
	c.log.Error("upstream reconnect attempts exhausted", "max_retries", c.cfg.MaxRetries)
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateClosed
	}
	c.mu.Unlock()
	return false
}

// pingLoop measures round-trip latency every ping interval while open.
// A ping that never completes produces no sample; the switch controller
// only acts on samples that do arrive.
func (c *Connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		conn := c.conn
		open := c.state == StateOpen
		fire := c.onLatency
		c.mu.Unlock()
		if !open || conn == nil || fire == nil {
			continue
		}

		start := time.Now()
		if err := conn.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("liveness probe failed", "error", err)
			continue
		}
		fire(switchctl.LatencySample{
			Provider:  c.cfg.Vendor,
			Latency:   time.Since(start),
			Timestamp: time.Now(),
		})
	}
}
