package sync

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"peerchat/internal/bus"
	"peerchat/internal/cache"
	"peerchat/internal/channel"
	"peerchat/internal/config"
)

var (
	// ErrRejected is returned when the server answers an operation with
	// ok:false.
	ErrRejected = errors.New("server rejected the change")

	// ErrMissingDetails is returned before any network call when a
	// conversation is created or edited without a name or peer address.
	ErrMissingDetails = errors.New("conversation needs a name and a peer address")
)

// Channel is the slice of the session channel the sync layer consumes.
type Channel interface {
	Request(ctx context.Context, event string, args ...any) (json.RawMessage, error)
	Fire(event string, args ...any) error
	Subscribe(event string, h channel.Handler)
	Unsubscribe(event string)
	IsConnected() bool
}

// ConversationsOptions tunes the conversation sync.
type ConversationsOptions struct {
	// RequestTimeout bounds the round trips issued from push handlers,
	// which have no caller context.
	RequestTimeout time.Duration

	// PersistActive, when set, is called with the conversation id whenever
	// the active conversation changes, so it survives a restart.
	PersistActive func(cid string) error
}

// Conversations keeps the cached conversation set in step with the server:
// a full fetch on demand plus incremental push deltas while listening.
type Conversations struct {
	ch    Channel
	cache *cache.Cache
	bus   *bus.Bus
	log   *zap.Logger
	opts  ConversationsOptions

	mu        gosync.Mutex
	active    string
	listening bool
}

// NewConversations creates a conversation sync writing through cache.
func NewConversations(ch Channel, c *cache.Cache, b *bus.Bus, opts ConversationsOptions, logger *zap.Logger) *Conversations {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	return &Conversations{
		ch:    ch,
		cache: c,
		bus:   b,
		log:   logger,
		opts:  opts,
	}
}

// FetchAll replaces incremental sync with a full pass: list the server's
// conversation ids, then fetch each one on its own goroutine. Merges are
// order-independent, so out-of-order completion is fine. Returns once every
// fetch has settled; individual fetch failures are logged, not returned.
func (s *Conversations) FetchAll(ctx context.Context) error {
	raw, err := s.ch.Request(ctx, channel.EventListConversations)
	if err != nil {
		return err
	}
	var cids []string
	if err := json.Unmarshal(raw, &cids); err != nil {
		return err
	}

	// A full pass also heals removed-conversation pushes missed while
	// disconnected: anything cached but no longer listed is gone.
	listed := make(map[string]struct{}, len(cids))
	for _, cid := range cids {
		listed[cid] = struct{}{}
	}
	for _, cid := range s.cache.ConversationIDs() {
		if _, ok := listed[cid]; !ok {
			s.cache.RemoveConversation(cid)
		}
	}

	var wg gosync.WaitGroup
	for _, cid := range cids {
		wg.Add(1)
		go func(cid string) {
			defer wg.Done()
			if err := s.fetchOne(ctx, cid); err != nil {
				s.log.Warn("conversation fetch failed", zap.String("cid", cid), zap.Error(err))
			}
		}(cid)
	}
	wg.Wait()
	return nil
}

func (s *Conversations) fetchOne(ctx context.Context, cid string) error {
	raw, err := s.ch.Request(ctx, channel.EventGetConversation, cid)
	if err != nil {
		return err
	}
	var p cache.ConversationPatch
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	s.cache.UpsertConversation(cid, p)
	return nil
}

// Listen registers the conversation push handlers. Call after every
// successful connect; the channel does not replay events missed while
// disconnected. Idempotent while already listening.
func (s *Conversations) Listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return
	}
	s.listening = true

	s.ch.Subscribe(channel.EventNewConversation, s.onNew)
	s.ch.Subscribe(channel.EventUpdateConversation, s.onUpdate)
	s.ch.Subscribe(channel.EventRemovedConversation, s.onRemoved)
	s.ch.Subscribe(channel.EventChangedPeer, s.onPeerChanged)
}

// StopListening tears the push handlers down again. Call on disconnect so a
// reconnect's Listen never stacks duplicate handlers.
func (s *Conversations) StopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return
	}
	s.listening = false

	s.ch.Unsubscribe(channel.EventNewConversation)
	s.ch.Unsubscribe(channel.EventUpdateConversation)
	s.ch.Unsubscribe(channel.EventRemovedConversation)
	s.ch.Unsubscribe(channel.EventChangedPeer)
}

func (s *Conversations) onNew(data json.RawMessage) {
	var cid string
	if err := json.Unmarshal(data, &cid); err != nil {
		s.log.Warn("bad new-conversation payload", zap.Error(err))
		return
	}
	// Handlers run on the channel's dispatch goroutine; the fetch must not
	// wait for its own reply there.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		if err := s.fetchOne(ctx, cid); err != nil {
			s.log.Warn("conversation fetch failed", zap.String("cid", cid), zap.Error(err))
		}
	}()
}

func (s *Conversations) onUpdate(data json.RawMessage) {
	var p cache.ConversationPatch
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn("bad update-conversation payload", zap.Error(err))
		return
	}
	if p.ID == "" {
		return
	}

	// An update to a background conversation flips its unread flag. The
	// active conversation is read by definition, so acknowledge it to the
	// server instead; the flag clears through the merge path.
	if p.ID == s.Active() {
		unread := false
		p.UnreadMessages = &unread
		if err := s.ch.Fire(channel.EventMarkRead, p.ID); err != nil {
			s.log.Warn("mark read failed", zap.String("cid", p.ID), zap.Error(err))
		}
	} else {
		unread := true
		p.UnreadMessages = &unread
	}
	s.cache.UpsertConversation(p.ID, p)
}

func (s *Conversations) onRemoved(data json.RawMessage) {
	var cid string
	if err := json.Unmarshal(data, &cid); err != nil {
		s.log.Warn("bad removed-conversation payload", zap.Error(err))
		return
	}
	s.cache.RemoveConversation(cid)
}

func (s *Conversations) onPeerChanged(data json.RawMessage) {
	var addr string
	if err := json.Unmarshal(data, &addr); err != nil {
		s.log.Warn("bad changed-peer payload", zap.Error(err))
		return
	}
	s.bus.Publish(bus.Event{Kind: "session.peer_changed", Payload: addr})
}

// Active returns the currently active conversation id, or "".
func (s *Conversations) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive marks cid as the open conversation: clears its unread flag,
// acknowledges read status to the server and persists the id.
func (s *Conversations) SetActive(cid string) {
	s.mu.Lock()
	s.active = cid
	s.mu.Unlock()

	if cid != "" {
		s.MarkRead(cid)
	}
	if s.opts.PersistActive != nil {
		if err := s.opts.PersistActive(cid); err != nil {
			s.log.Warn("persisting active conversation failed", zap.String("cid", cid), zap.Error(err))
		}
	}
}

// MarkRead clears the unread flag locally and acknowledges it to the server.
func (s *Conversations) MarkRead(cid string) {
	read := false
	s.cache.UpsertConversation(cid, cache.ConversationPatch{ID: cid, UnreadMessages: &read})
	if err := s.ch.Fire(channel.EventMarkRead, cid); err != nil {
		s.log.Warn("mark read failed", zap.String("cid", cid), zap.Error(err))
	}
}

// InformPeers asks the server to broadcast our current address to all peers.
func (s *Conversations) InformPeers() {
	if err := s.ch.Fire(channel.EventInformPeers); err != nil {
		s.log.Warn("inform peers failed", zap.Error(err))
	}
}

// Sorted returns all conversations in display order: most recently modified
// first, then unread ones stably hoisted to the top. Two stable passes, not
// one composite comparator, so ties inside each unread bucket keep recency
// order.
func (s *Conversations) Sorted() []cache.Conversation {
	out := s.cache.Conversations()
	slices.SortStableFunc(out, func(a, b cache.Conversation) int {
		return b.LastModified.Time().Compare(a.LastModified.Time())
	})
	slices.SortStableFunc(out, func(a, b cache.Conversation) int {
		switch {
		case a.UnreadMessages == b.UnreadMessages:
			return 0
		case a.UnreadMessages:
			return -1
		default:
			return 1
		}
	})
	return out
}

// Create creates a conversation server-side and fetches it into the cache.
// Returns the new conversation id.
func (s *Conversations) Create(ctx context.Context, name, peer string) (string, error) {
	name = strings.TrimSpace(name)
	peer = strings.TrimSpace(peer)
	if name == "" || peer == "" {
		return "", ErrMissingDetails
	}
	raw, err := s.ch.Request(ctx, channel.EventCreateConversation, name, peer)
	if err != nil {
		return "", err
	}
	var cid string
	if err := json.Unmarshal(raw, &cid); err != nil {
		return "", err
	}
	if err := s.fetchOne(ctx, cid); err != nil {
		s.log.Warn("conversation fetch failed", zap.String("cid", cid), zap.Error(err))
	}
	return cid, nil
}

// Delete removes a conversation server-side and evicts it locally.
func (s *Conversations) Delete(ctx context.Context, cid string) error {
	if _, err := s.ch.Request(ctx, channel.EventDeleteConversation, cid); err != nil {
		return err
	}
	s.cache.RemoveConversation(cid)
	return nil
}

// ChangeDetails renames a conversation or updates its peer address. A server
// ok:false reply becomes ErrRejected.
func (s *Conversations) ChangeDetails(ctx context.Context, cid, name, peer string) error {
	name = strings.TrimSpace(name)
	peer = strings.TrimSpace(peer)
	if name == "" || peer == "" {
		return ErrMissingDetails
	}
	raw, err := s.ch.Request(ctx, channel.EventChangeDetails, cid, name, peer)
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	s.cache.UpsertConversation(cid, cache.ConversationPatch{ID: cid, Name: &name, Peer: &peer})
	return nil
}
