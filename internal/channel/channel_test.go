package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"peerchat/internal/status"
)

// testServer is a minimal in-process sync server speaking the envelope
// protocol over a real websocket.
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	lastAuth string
	// onRequest maps an event name to its reply payload. Events not in the
	// map are left unanswered.
	onRequest map[string]any
	// dropOn closes the connection without replying when this event arrives.
	dropOn string

	fired chan envelope
}

func (ts *testServer) setReply(event string, payload any) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.onRequest[event] = payload
}

func (ts *testServer) setDrop(event string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.dropOn = event
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		t:         t,
		onRequest: make(map[string]any),
		fired:     make(chan envelope, 16),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket" {
			http.NotFound(w, r)
			return
		}
		if c, err := r.Cookie(AuthCookieName); err == nil {
			ts.mu.Lock()
			ts.lastAuth = c.Value
			ts.mu.Unlock()
		}
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()
		ts.serve(conn)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) serve(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		ts.mu.Lock()
		drop := env.Event == ts.dropOn && ts.dropOn != ""
		reply, ok := ts.onRequest[env.Event]
		ts.mu.Unlock()
		if drop {
			_ = conn.Close()
			return
		}
		if env.ID == "" {
			ts.fired <- env
			continue
		}
		if !ok {
			continue
		}
		data, err := json.Marshal(reply)
		if err != nil {
			ts.t.Errorf("marshal reply: %v", err)
			continue
		}
		if err := conn.WriteJSON(envelope{Event: ackEvent, ID: env.ID, Data: data}); err != nil {
			return
		}
	}
}

// push sends an unsolicited event to the connected client.
func (ts *testServer) push(event string, payload any) {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	if conn == nil {
		ts.t.Fatal("push: no client connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		ts.t.Fatal(err)
	}
	if err := conn.WriteJSON(envelope{Event: event, Data: data}); err != nil {
		ts.t.Errorf("push: %v", err)
	}
}

func newTestChannel(t *testing.T, ts *testServer) *Channel {
	t.Helper()
	c := New(Options{
		URL:     ts.srv.URL,
		AuthKey: "test-key",
	}, status.NewMachine(nil), nil)
	t.Cleanup(c.Disconnect)
	return c
}

func connect(t *testing.T, c *Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func TestRequestReply(t *testing.T) {
	ts := newTestServer(t)
	ts.setReply(EventListConversations, []string{"c1", "c2"})

	c := newTestChannel(t, ts)
	connect(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := c.Request(ctx, EventListConversations)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	var cids []string
	if err := json.Unmarshal(raw, &cids); err != nil {
		t.Fatal(err)
	}
	if len(cids) != 2 || cids[0] != "c1" || cids[1] != "c2" {
		t.Errorf("got %v, want [c1 c2]", cids)
	}
}

func TestConnectIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := newTestChannel(t, ts)
	connect(t, c)
	// Second connect is a no-op.
	connect(t, c)
	if !c.IsConnected() {
		t.Error("not connected after idempotent connect")
	}
	if c.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", c.State())
	}
}

func TestConcurrentConnectSingleDial(t *testing.T) {
	ts := newTestServer(t)

	var dials atomic.Int32
	slowDialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			time.Sleep(50 * time.Millisecond)
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}
	c := New(Options{
		URL:     ts.srv.URL,
		AuthKey: "test-key",
		Dialer:  slowDialer,
	}, status.NewMachine(nil), nil)
	t.Cleanup(c.Disconnect)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Connect(ctx); err != nil {
				t.Errorf("Connect() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := dials.Load(); got != 1 {
		t.Errorf("physical dials = %d, want 1", got)
	}
	if !c.IsConnected() {
		t.Error("not connected after concurrent connects")
	}
}

func TestAuthCookieSent(t *testing.T) {
	ts := newTestServer(t)
	c := newTestChannel(t, ts)
	connect(t, c)

	ts.mu.Lock()
	got := ts.lastAuth
	ts.mu.Unlock()
	if got != "test-key" {
		t.Errorf("auth cookie = %q, want test-key", got)
	}
}

func TestPushDispatch(t *testing.T) {
	ts := newTestServer(t)
	c := newTestChannel(t, ts)

	received := make(chan json.RawMessage, 1)
	c.Subscribe(EventNewConversation, func(data json.RawMessage) {
		received <- data
	})
	connect(t, c)

	ts.push(EventNewConversation, "c9")

	select {
	case data := <-received:
		var cid string
		if err := json.Unmarshal(data, &cid); err != nil {
			t.Fatal(err)
		}
		if cid != "c9" {
			t.Errorf("cid = %q, want c9", cid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for push")
	}
}

func TestUnsubscribeStopsDispatch(t *testing.T) {
	ts := newTestServer(t)
	ts.setReply("sync-point", true)
	c := newTestChannel(t, ts)

	received := make(chan json.RawMessage, 1)
	c.Subscribe(EventNewConversation, func(data json.RawMessage) {
		received <- data
	})
	c.Unsubscribe(EventNewConversation)
	connect(t, c)

	ts.push(EventNewConversation, "c9")
	// A round trip after the push guarantees the push was dispatched (or
	// dropped) before we assert.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Request(ctx, "sync-point"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-received:
		t.Error("handler invoked after unsubscribe")
	default:
	}
}

func TestFire(t *testing.T) {
	ts := newTestServer(t)
	c := newTestChannel(t, ts)
	connect(t, c)

	if err := c.Fire(EventMarkRead, "c1"); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}

	select {
	case env := <-ts.fired:
		if env.Event != EventMarkRead {
			t.Errorf("event = %q, want mark-conversation-read", env.Event)
		}
		if env.ID != "" {
			t.Errorf("fire must carry no correlation id, got %q", env.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for fired event")
	}
}

// TestDisconnectAbandonsPending verifies that a request in flight when the
// connection drops never receives a reply, and that a fresh request after
// reconnecting succeeds independently.
func TestDisconnectAbandonsPending(t *testing.T) {
	ts := newTestServer(t)
	ts.setReply(EventListConversations, []string{"c1"})
	ts.setDrop(EventGetConversation)

	c := newTestChannel(t, ts)
	connect(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Request(ctx, EventGetConversation, "c1")
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Request() error = %v, want ErrDisconnected", err)
	}

	// Reconnect and issue a fresh request.
	ts.setDrop("")
	connect(t, c)
	raw, err := c.Request(ctx, EventListConversations)
	if err != nil {
		t.Fatalf("Request() after reconnect error = %v", err)
	}
	var cids []string
	if err := json.Unmarshal(raw, &cids); err != nil {
		t.Fatal(err)
	}
	if len(cids) != 1 {
		t.Errorf("got %v, want [c1]", cids)
	}
}

func TestRequestNotConnected(t *testing.T) {
	ts := newTestServer(t)
	c := newTestChannel(t, ts)

	_, err := c.Request(context.Background(), EventListConversations)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Request() error = %v, want ErrNotConnected", err)
	}
}

func TestOnConnectRunsBeforePushes(t *testing.T) {
	ts := newTestServer(t)
	c := newTestChannel(t, ts)

	var order []string
	var orderMu sync.Mutex
	done := make(chan struct{}, 2)
	c.OnConnect(func() {
		orderMu.Lock()
		order = append(order, "connect")
		orderMu.Unlock()
		done <- struct{}{}
	})
	c.Subscribe(EventUpdateConversation, func(json.RawMessage) {
		orderMu.Lock()
		order = append(order, "push")
		orderMu.Unlock()
		done <- struct{}{}
	})

	connect(t, c)
	// Wait for the connect callback before pushing so the server side is up.
	<-done
	ts.push(EventUpdateConversation, map[string]any{"id": "c1"})
	<-done

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != 2 || order[0] != "connect" || order[1] != "push" {
		t.Errorf("order = %v, want [connect push]", order)
	}
}

func TestDisconnectCallback(t *testing.T) {
	ts := newTestServer(t)
	c := newTestChannel(t, ts)

	disconnected := make(chan struct{}, 1)
	c.OnDisconnect(func() { disconnected <- struct{}{} })
	connect(t, c)

	c.Disconnect()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for disconnect callback")
	}
	if c.IsConnected() {
		t.Error("still connected after Disconnect")
	}
}
