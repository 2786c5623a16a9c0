package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerchat/internal/status"
)

// AuthCookieName is the cookie carrying the client's auth key, presented on
// every dial (the browser client stores the same cookie with
// Max-Age=2147483647).
const AuthCookieName = "peerChatAuth"

var (
	// ErrNotConnected is returned when an operation requires an open
	// connection and there is none.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrDisconnected is returned by Request when the connection drops
	// before the reply arrives. The reply is abandoned; callers re-issue
	// the request after reconnect if still relevant.
	ErrDisconnected = errors.New("channel: connection lost before reply")
)

// Handler processes the payload of a push event. Handlers run on the
// channel's single dispatch goroutine, one at a time; they must not block.
type Handler func(data json.RawMessage)

// Options configures a Channel.
type Options struct {
	// URL is the server's HTTP base URL, e.g. "http://localhost:5000".
	URL string

	// AuthKey is sent as the auth cookie on every dial.
	AuthKey string

	// AutoReconnect enables the backoff reconnect loop after an
	// unintentional connection loss.
	AutoReconnect bool

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxRetries    int

	// Dialer overrides the default websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Channel owns the single persistent connection to the synchronization
// server. At most one physical connection is open at a time. All push
// handlers and lifecycle callbacks run sequentially on one dispatch
// goroutine, so cache mutation triggered from them is never concurrent with
// itself.
type Channel struct {
	opts    Options
	logger  *zap.Logger
	machine *status.Machine
	recon   *reconnector

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	dialing bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	callbackMu   sync.Mutex
	onConnect    []func()
	onDisconnect []func()
}

// New creates an unconnected channel. The status machine may be shared with
// other components observing connectivity.
func New(opts Options, machine *status.Machine, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	return &Channel{
		opts:     opts,
		logger:   logger,
		machine:  machine,
		recon:    newReconnector(opts.ReconnectBase, opts.ReconnectMax, opts.MaxRetries),
		pending:  make(map[string]chan json.RawMessage),
		handlers: make(map[string]Handler),
	}
}

// State returns the current connection state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// IsConnected reports whether the connection is currently open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// OnConnect registers a callback invoked on the dispatch goroutine after
// every successful connect, before any push event is delivered. Owning
// components re-subscribe and re-run their initial fetches from here.
func (c *Channel) OnConnect(f func()) {
	c.callbackMu.Lock()
	c.onConnect = append(c.onConnect, f)
	c.callbackMu.Unlock()
}

// OnDisconnect registers a callback invoked after the connection is lost or
// closed, after all pending requests have been abandoned.
func (c *Channel) OnDisconnect(f func()) {
	c.callbackMu.Lock()
	c.onDisconnect = append(c.onDisconnect, f)
	c.callbackMu.Unlock()
}

// Connect establishes the websocket connection. It is idempotent: a no-op
// when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connecting)
	if err := c.dial(ctx); err != nil {
		_ = c.machine.Transition(status.Disconnected)
		return err
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		// Connected, or another goroutine is mid-dial; only one
		// physical connection may ever be open.
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()

	wsURL := strings.Replace(c.opts.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimSuffix(wsURL, "/") + "/socket"

	header := http.Header{}
	if c.opts.AuthKey != "" {
		header.Set("Cookie", AuthCookieName+"="+c.opts.AuthKey)
	}

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	c.recon.markConnected()
	_ = c.machine.Transition(status.Connected)
	c.logger.Info("channel connected", zap.String("url", wsURL))

	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection intentionally and stops any reconnect
// loop. Pending requests are abandoned.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		c.writeMu.Unlock()
		_ = conn.Close()
		// readLoop observes the close and runs the disconnect path.
		return
	}
	_ = c.machine.Transition(status.Disconnected)
}

// Request performs a single request/reply round trip. The reply payload is
// returned raw for the caller to decode. Returns ErrDisconnected if the
// connection drops before the reply; the ctx deadline bounds the wait.
func (c *Channel) Request(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(conn, envelope{Event: event, ID: id, Args: args}); err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("request %s: %w", event, err)
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return data, nil
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	}
}

// Fire emits an event without expecting a reply.
func (c *Channel) Fire(event string, args ...any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, envelope{Event: event, Args: args}); err != nil {
		return fmt.Errorf("fire %s: %w", event, err)
	}
	return nil
}

// Subscribe registers the handler for a push event, replacing any previous
// handler for the same event.
func (c *Channel) Subscribe(event string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[event] = h
	c.handlersMu.Unlock()
}

// Unsubscribe removes the handler for a push event.
func (c *Channel) Unsubscribe(event string) {
	c.handlersMu.Lock()
	delete(c.handlers, event)
	c.handlersMu.Unlock()
}

func (c *Channel) write(conn *websocket.Conn, env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// readLoop is the single dispatch goroutine for one connection: connect
// callbacks, ack resolution, and push handlers all run here in order.
func (c *Channel) readLoop(conn *websocket.Conn) {
	c.runCallbacks(c.snapshotCallbacks(&c.onConnect))

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleConnectionLoss(conn, err)
			return
		}

		if env.Event == ackEvent && env.ID != "" {
			c.resolve(env.ID, env.Data)
			continue
		}

		c.handlersMu.RLock()
		h := c.handlers[env.Event]
		c.handlersMu.RUnlock()
		if h != nil {
			h(env.Data)
		}
	}
}

func (c *Channel) handleConnectionLoss(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	intentional := c.closing
	c.mu.Unlock()
	_ = conn.Close()

	// Pending request callbacks are abandoned, never invoked with a reply.
	c.abandonPending()

	if intentional {
		c.recon.reset()
		_ = c.machine.Transition(status.Disconnected)
		c.logger.Info("channel closed")
		c.runCallbacks(c.snapshotCallbacks(&c.onDisconnect))
		return
	}

	c.logger.Warn("channel connection lost", zap.Error(err))
	c.runCallbacks(c.snapshotCallbacks(&c.onDisconnect))

	if c.opts.AutoReconnect && c.recon.shouldReconnect() {
		_ = c.machine.Transition(status.Reconnecting)
		go c.reconnectLoop()
		return
	}
	_ = c.machine.Transition(status.Disconnected)
}

func (c *Channel) reconnectLoop() {
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.logger.Info("reconnecting", zap.Duration("delay", delay))
		time.Sleep(delay)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			_ = c.machine.Transition(status.Disconnected)
			return
		}
		c.mu.Unlock()

		_ = c.machine.Transition(status.Connecting)
		err := c.dial(context.Background())
		if err == nil {
			return
		}
		c.logger.Warn("reconnect attempt failed", zap.Error(err))
		_ = c.machine.Transition(status.Reconnecting)
	}
	c.logger.Error("reconnect attempts exhausted")
	_ = c.machine.Transition(status.Disconnected)
}

func (c *Channel) resolve(id string, data json.RawMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- data
	}
}

func (c *Channel) unregister(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Channel) abandonPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Channel) snapshotCallbacks(list *[]func()) []func() {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	return append([]func(){}, *list...)
}

func (c *Channel) runCallbacks(fns []func()) {
	for _, f := range fns {
		f()
	}
}
