package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"peerchat/internal/bus"
	"peerchat/internal/cache"
	"peerchat/internal/channel"
)

// fakeChannel implements Channel in memory for the sync tests.
type fakeChannel struct {
	mu       gosync.Mutex
	reply    map[string]func(args []any) (any, error)
	requests []recordedCall
	fired    []recordedCall
	handlers map[string]channel.Handler
}

type recordedCall struct {
	event string
	args  []any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		reply:    make(map[string]func(args []any) (any, error)),
		handlers: make(map[string]channel.Handler),
	}
}

func (f *fakeChannel) Request(_ context.Context, event string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, recordedCall{event: event, args: args})
	fn := f.reply[event]
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no reply registered for %q", event)
	}
	v, err := fn(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (f *fakeChannel) Fire(event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, recordedCall{event: event, args: args})
	return nil
}

func (f *fakeChannel) Subscribe(event string, h channel.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeChannel) Unsubscribe(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeChannel) IsConnected() bool { return true }

// push delivers a server push to the registered handler, as the dispatch
// goroutine would.
func (f *fakeChannel) push(t *testing.T, event string, payload any) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered for %q", event)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	h(data)
}

func (f *fakeChannel) requestCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.requests {
		if c.event == event {
			n++
		}
	}
	return n
}

func (f *fakeChannel) firedCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fired {
		if c.event == event {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func conversationReply(convs map[string]map[string]any) func(args []any) (any, error) {
	return func(args []any) (any, error) {
		cid, _ := args[0].(string)
		conv, ok := convs[cid]
		if !ok {
			return nil, fmt.Errorf("unknown conversation %q", cid)
		}
		return conv, nil
	}
}

func TestFetchAll(t *testing.T) {
	ch := newFakeChannel()
	ch.reply[channel.EventListConversations] = func([]any) (any, error) {
		return []string{"c1", "c2"}, nil
	}
	ch.reply[channel.EventGetConversation] = conversationReply(map[string]map[string]any{
		"c1": {"id": "c1", "name": "Alice", "length": 3},
		"c2": {"id": "c2", "name": "Bob", "length": 0},
	})

	c := cache.New(bus.New())
	s := NewConversations(ch, c, bus.New(), ConversationsOptions{}, nil)
	if err := s.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	conv, ok := c.Conversation("c1")
	if !ok {
		t.Fatal("c1 not cached")
	}
	if conv.Name != "Alice" || conv.Length != 3 {
		t.Errorf("c1 = %+v", conv)
	}
	if _, ok := c.Conversation("c2"); !ok {
		t.Error("c2 not cached")
	}
}

func TestFetchAllEvictsUnlisted(t *testing.T) {
	ch := newFakeChannel()
	ch.reply[channel.EventListConversations] = func([]any) (any, error) {
		return []string{"c1"}, nil
	}
	ch.reply[channel.EventGetConversation] = conversationReply(map[string]map[string]any{
		"c1": {"id": "c1", "name": "Alice", "length": 3},
	})

	// c2 was deleted server-side while disconnected; its
	// removed-conversation push never arrived.
	c := cache.New(bus.New())
	c.UpsertConversation("c1", cache.ConversationPatch{ID: "c1"})
	c.UpsertConversation("c2", cache.ConversationPatch{ID: "c2"})

	s := NewConversations(ch, c, bus.New(), ConversationsOptions{}, nil)
	if err := s.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if _, ok := c.Conversation("c2"); ok {
		t.Error("c2 still cached after a full pass that no longer lists it")
	}
	if _, ok := c.Conversation("c1"); !ok {
		t.Error("c1 not cached")
	}
}

func TestNewConversationPushFetches(t *testing.T) {
	ch := newFakeChannel()
	ch.reply[channel.EventGetConversation] = conversationReply(map[string]map[string]any{
		"c3": {"id": "c3", "name": "Carol"},
	})

	c := cache.New(bus.New())
	s := NewConversations(ch, c, bus.New(), ConversationsOptions{}, nil)
	s.Listen()

	ch.push(t, channel.EventNewConversation, "c3")

	waitFor(t, "c3 to be cached", func() bool {
		_, ok := c.Conversation("c3")
		return ok
	})
	conv, _ := c.Conversation("c3")
	if conv.Name != "Carol" {
		t.Errorf("name = %q, want Carol", conv.Name)
	}
}

func TestUpdateFlipsUnreadUnlessActive(t *testing.T) {
	ch := newFakeChannel()
	c := cache.New(bus.New())
	s := NewConversations(ch, c, bus.New(), ConversationsOptions{}, nil)
	s.Listen()

	// Background conversation: update sets the unread flag, no ack.
	ch.push(t, channel.EventUpdateConversation, map[string]any{"id": "c1", "length": 4})
	conv, _ := c.Conversation("c1")
	if !conv.UnreadMessages {
		t.Error("background update did not set unread")
	}
	if got := ch.firedCount(channel.EventMarkRead); got != 0 {
		t.Errorf("mark-read fired %d times for background update", got)
	}

	// Active conversation: the flag stays clear and the read is acked.
	s.SetActive("c1")
	acked := ch.firedCount(channel.EventMarkRead)
	ch.push(t, channel.EventUpdateConversation, map[string]any{"id": "c1", "length": 5})
	conv, _ = c.Conversation("c1")
	if conv.UnreadMessages {
		t.Error("active update set unread")
	}
	if got := ch.firedCount(channel.EventMarkRead); got != acked+1 {
		t.Errorf("mark-read fired %d times, want %d", got, acked+1)
	}
	if conv.Length != 5 {
		t.Errorf("length = %d, want 5", conv.Length)
	}
}

func TestRemovedConversationPushEvicts(t *testing.T) {
	ch := newFakeChannel()
	c := cache.New(bus.New())
	c.UpsertConversation("c1", cache.ConversationPatch{ID: "c1"})

	s := NewConversations(ch, c, bus.New(), ConversationsOptions{}, nil)
	s.Listen()
	ch.push(t, channel.EventRemovedConversation, "c1")

	if _, ok := c.Conversation("c1"); ok {
		t.Error("c1 still cached after removal push")
	}
}

func TestChangedPeerRepublished(t *testing.T) {
	ch := newFakeChannel()
	b := bus.New()
	events, cancel := b.Subscribe("session.", 4)
	defer cancel()

	s := NewConversations(ch, cache.New(bus.New()), b, ConversationsOptions{}, nil)
	s.Listen()
	ch.push(t, channel.EventChangedPeer, "peer.example:1234")

	select {
	case ev := <-events:
		if ev.Kind != "session.peer_changed" {
			t.Errorf("kind = %q", ev.Kind)
		}
		if addr, _ := ev.Payload.(string); addr != "peer.example:1234" {
			t.Errorf("payload = %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event published")
	}
}

func TestStopListeningRemovesHandlers(t *testing.T) {
	ch := newFakeChannel()
	s := NewConversations(ch, cache.New(bus.New()), bus.New(), ConversationsOptions{}, nil)
	s.Listen()
	s.StopListening()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.handlers) != 0 {
		t.Errorf("%d handlers still registered", len(ch.handlers))
	}
}

func TestSortedUnreadFirstThenRecency(t *testing.T) {
	c := cache.New(bus.New())
	t1 := cache.Timestamp(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	t2 := cache.Timestamp(time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC))
	t3 := cache.Timestamp(time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC))
	seed := func(id string, ts cache.Timestamp, unread bool) {
		c.UpsertConversation(id, cache.ConversationPatch{
			ID: id, LastModified: &ts, UnreadMessages: &unread,
		})
	}
	seed("a", t1, true)  // old but unread
	seed("b", t2, false) // newer, read
	seed("c", t3, false) // newest, read

	s := NewConversations(newFakeChannel(), c, bus.New(), ConversationsOptions{}, nil)
	got := s.Sorted()
	want := []string{"a", "c", "b"}
	for i, conv := range got {
		if conv.ID != want[i] {
			t.Fatalf("order = %v, want %v",
				[]string{got[0].ID, got[1].ID, got[2].ID}, want)
		}
	}
}

func TestCreateValidatesDetails(t *testing.T) {
	ch := newFakeChannel()
	s := NewConversations(ch, cache.New(bus.New()), bus.New(), ConversationsOptions{}, nil)

	if _, err := s.Create(context.Background(), "  ", "peer"); !errors.Is(err, ErrMissingDetails) {
		t.Errorf("Create() error = %v, want ErrMissingDetails", err)
	}
	if n := ch.requestCount(channel.EventCreateConversation); n != 0 {
		t.Errorf("create round trip issued %d times for invalid input", n)
	}
}

func TestCreateFetchesNewConversation(t *testing.T) {
	ch := newFakeChannel()
	ch.reply[channel.EventCreateConversation] = func([]any) (any, error) { return "c9", nil }
	ch.reply[channel.EventGetConversation] = conversationReply(map[string]map[string]any{
		"c9": {"id": "c9", "name": "Dave", "peer": "dave.example:9"},
	})

	c := cache.New(bus.New())
	s := NewConversations(ch, c, bus.New(), ConversationsOptions{}, nil)
	cid, err := s.Create(context.Background(), "Dave", "dave.example:9")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if cid != "c9" {
		t.Errorf("cid = %q, want c9", cid)
	}
	if _, ok := c.Conversation("c9"); !ok {
		t.Error("created conversation not cached")
	}
}

func TestChangeDetailsRejected(t *testing.T) {
	ch := newFakeChannel()
	ch.reply[channel.EventChangeDetails] = func([]any) (any, error) { return false, nil }

	s := NewConversations(ch, cache.New(bus.New()), bus.New(), ConversationsOptions{}, nil)
	err := s.ChangeDetails(context.Background(), "c1", "New name", "peer.example:1")
	if !errors.Is(err, ErrRejected) {
		t.Errorf("ChangeDetails() error = %v, want ErrRejected", err)
	}
}

func TestDeleteEvicts(t *testing.T) {
	ch := newFakeChannel()
	ch.reply[channel.EventDeleteConversation] = func([]any) (any, error) { return true, nil }

	c := cache.New(bus.New())
	c.UpsertConversation("c1", cache.ConversationPatch{ID: "c1"})

	s := NewConversations(ch, c, bus.New(), ConversationsOptions{}, nil)
	if err := s.Delete(context.Background(), "c1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := c.Conversation("c1"); ok {
		t.Error("conversation still cached after delete")
	}
}

func TestSetActivePersists(t *testing.T) {
	ch := newFakeChannel()
	var persisted string
	s := NewConversations(ch, cache.New(bus.New()), bus.New(), ConversationsOptions{
		PersistActive: func(cid string) error {
			persisted = cid
			return nil
		},
	}, nil)

	s.SetActive("c1")
	if s.Active() != "c1" {
		t.Errorf("Active() = %q, want c1", s.Active())
	}
	if persisted != "c1" {
		t.Errorf("persisted = %q, want c1", persisted)
	}
	if ch.firedCount(channel.EventMarkRead) != 1 {
		t.Error("activation did not ack read status")
	}
}
