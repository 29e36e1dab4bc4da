package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmtg/boardd/internal/bus"
	"github.com/jmtg/boardd/internal/config"
	"github.com/jmtg/boardd/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MB
	sendBufferSize = 256
	dialTimeout    = 10 * time.Second
)

// Events receives connection lifecycle notifications.
type Events interface {
	OnConnected()
	OnDisconnected()
}

// outFrame is one frame headed for the write pump. done is nil for
// fire-and-forget sends; a synchronous sender passes a buffered channel and
// receives the write result on it.
type outFrame struct {
	data []byte
	done chan error
}

// Client owns the single logical socket to the board server. It keeps one
// connection alive across the two candidate endpoints, resumes the session
// after every open, and routes every inbound frame first to the waiter
// table and then to the event bus, in delivery order.
type Client struct {
	cfg       *config.Config
	bus       *bus.Bus
	waiters   *waiterTable
	events    Events
	tokenFunc func() string
	parentCtx context.Context

	requestTimeout time.Duration
	resumeTimeout  time.Duration
	heartbeat      time.Duration

	mu                sync.Mutex
	conn              *websocket.Conn
	connCtx           context.Context
	connCancel        context.CancelFunc
	stopReconnect     context.CancelFunc // cancels the running reconnectLoop
	send              chan outFrame
	pending           []outFrame // queued while disconnected, flushed once on open
	connected         bool
	dialing           bool
	reconnectAttempts int
	currentURL        string
}

// NewClient creates the connection manager. tokenFunc supplies the stored
// session token replayed on every open; it may return "". The provided ctx
// controls the client lifetime - cancelling it stops all reconnection.
func NewClient(ctx context.Context, cfg *config.Config, b *bus.Bus, tokenFunc func() string, events Events) *Client {
	return &Client{
		cfg:            cfg,
		bus:            b,
		waiters:        newWaiterTable(),
		events:         events,
		tokenFunc:      tokenFunc,
		parentCtx:      ctx,
		requestTimeout: time.Duration(cfg.Timeouts.RequestSeconds) * time.Second,
		resumeTimeout:  time.Duration(cfg.Timeouts.ResumeSeconds) * time.Second,
		heartbeat:      time.Duration(cfg.HeartbeatSeconds) * time.Second,
	}
}

// Connect establishes the connection if there is none. Idempotent while
// open or opening. A dial failure is reported and also feeds the reconnect
// schedule, so the caller never has to drive retries itself.
func (c *Client) Connect() error {
	c.mu.Lock()
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	err := c.tryConnect(attempt)
	if err != nil {
		c.scheduleReconnect()
	}
	return err
}

// tryConnect is the single gate in front of connect: at most one dial runs
// at a time, whoever the caller is. Returns nil without dialing when the
// connection is already open or another dial is in flight.
func (c *Client) tryConnect(attempt int) error {
	c.mu.Lock()
	if c.connected || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.mu.Unlock()

	err := c.connect(attempt)

	c.mu.Lock()
	c.dialing = false
	c.mu.Unlock()
	return err
}

func (c *Client) connect(attempt int) error {
	url := EndpointURL(c.cfg, attempt)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	connCtx, connCancel := context.WithCancel(c.parentCtx)
	send := make(chan outFrame, sendBufferSize)

	c.mu.Lock()
	// Cancel any pending reconnect loop before establishing new state.
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	c.conn = conn
	c.connCtx = connCtx
	c.connCancel = connCancel
	c.send = send
	c.connected = true
	c.reconnectAttempts = 0
	c.currentURL = url
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	log.Printf("[ws] connected to %s", url)

	// Each connection gets its own disconnect handler, fired at most once.
	var once sync.Once
	onDisconnect := func() {
		once.Do(func() {
			connCancel()
			conn.Close()

			c.mu.Lock()
			isCurrentConn := c.conn == conn
			if isCurrentConn {
				c.connected = false
				c.conn = nil
				c.send = nil
			}
			c.mu.Unlock()

			if isCurrentConn {
				log.Printf("[ws] disconnected from server")
				if c.events != nil {
					c.events.OnDisconnected()
				}
				c.scheduleReconnect()
			}
		})
	}

	go c.readPump(connCtx, conn, onDisconnect)
	go c.writePump(connCtx, conn, send, onDisconnect)

	// Open sequence: session resume first, full sync second, then whatever
	// queued up while we were offline, in call order. The write pump keeps
	// this ordering because everything goes through one channel.
	if token := c.storedToken(); token != "" {
		c.enqueue(send, connCtx, outFrame{data: mustMarshal(model.ResumeSessionRequest{Action: model.ActionResumeSession, Token: token})})
	}
	c.enqueue(send, connCtx, outFrame{data: mustMarshal(model.SyncAllRequest{Action: model.ActionSyncAll})})
	for _, frame := range pending {
		c.enqueue(send, connCtx, frame)
	}

	if c.events != nil {
		c.events.OnConnected()
	}
	return nil
}

func (c *Client) storedToken() string {
	if c.tokenFunc == nil {
		return ""
	}
	return c.tokenFunc()
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Requests are plain structs; this cannot fail at runtime.
		panic(err)
	}
	return data
}

// scheduleReconnect starts a reconnect loop unless one is already running,
// the connection is back, or the client is shutting down.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.connected || c.stopReconnect != nil || c.parentCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	var ctx context.Context
	ctx, c.stopReconnect = context.WithCancel(c.parentCtx)
	c.mu.Unlock()

	go c.reconnectLoop(ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		delay := ReconnectDelay(attempt)
		log.Printf("[ws] reconnecting in %v (attempt %d)...", delay, attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if err := c.tryConnect(attempt); err != nil {
			log.Printf("[ws] reconnect failed: %v", err)
			continue
		}

		// tryConnect also returns nil when a competing dial was in flight;
		// only leave once the connection is actually up.
		if c.IsConnected() {
			log.Printf("[ws] reconnected successfully")
			return
		}
	}
}

// Reconnect closes the current connection and dials again immediately.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.send = nil
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	// Give the old connection's close handshake a moment to land before
	// dialing the same endpoint again.
	time.Sleep(100 * time.Millisecond)

	err := c.tryConnect(attempt)
	if err != nil {
		c.scheduleReconnect()
	}
	return err
}

// Close permanently closes the connection and drops anything still queued.
// No reconnection will be attempted. The parent context should be cancelled
// before calling Close.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	c.pending = nil
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.send = nil
		return err
	}
	return nil
}

// Send is fire-and-forget. While disconnected the frame is queued and
// flushed once, in call order, on the next open; it is never dropped.
func (c *Client) Send(req model.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.WireAction(), err)
	}
	c.sendFrame(outFrame{data: data})
	return nil
}

// SendSync blocks until the frame has been written to the socket (or ctx
// expires). For the handful of sends that must reach the server before a
// local state change, most notably the logout before teardown.
func (c *Client) SendSync(ctx context.Context, req model.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.WireAction(), err)
	}

	done := make(chan error, 1)
	c.sendFrame(outFrame{data: data, done: done})

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write %s: %w", req.WireAction(), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendFrame(frame outFrame) {
	c.mu.Lock()
	if !c.connected || c.send == nil {
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
		go c.Connect()
		return
	}
	send := c.send
	ctx := c.connCtx
	c.mu.Unlock()

	c.enqueue(send, ctx, frame)
}

// enqueue hands a frame to the write pump. If the connection dies while the
// buffer is full the frame goes back to the pending queue for the next open.
func (c *Client) enqueue(send chan outFrame, ctx context.Context, frame outFrame) {
	select {
	case send <- frame:
	case <-ctx.Done():
		c.mu.Lock()
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
	}
}

// IsConnected reports the current socket state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Attempts returns the reconnect attempt counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// CurrentURL returns the endpoint of the live connection, if any.
func (c *Client) CurrentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentURL
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, onDisconnect func()) {
	defer onDisconnect()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan outFrame, onDisconnect func()) {
	pingTicker := time.NewTicker(pingPeriod)
	heartbeat := time.NewTicker(c.heartbeat)
	defer func() {
		pingTicker.Stop()
		heartbeat.Stop()
		onDisconnect()
	}()

	for {
		select {
		case frame, ok := <-send:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.TextMessage, frame.data)
			if frame.done != nil {
				frame.done <- err
			}
			if err != nil {
				return
			}

		case <-heartbeat.C:
			// Application-level keep-alive; best effort, never awaited.
			frame := mustMarshal(model.PingRequest{Action: model.ActionPing, T: time.Now().UnixMilli()})
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage runs in the read pump, so frames are processed strictly in
// delivery order: the oldest matching waiter is resolved first, then every
// subscriber is notified, with no interleaving from later frames.
func (c *Client) handleMessage(data []byte) {
	msg, err := model.ParseMessage(data)
	if err != nil {
		log.Printf("[ws] invalid message: %v", err)
		return
	}
	if msg.Action == "" {
		log.Printf("[ws] message without action, dropped")
		return
	}

	c.waiters.resolve(msg.Action, msg)
	c.bus.Emit(msg.Action, msg)
}
