package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"peerchat/internal/cache"
	"peerchat/internal/channel"
	"peerchat/internal/config"
)

// MessagesOptions tunes the message sync windowing.
type MessagesOptions struct {
	// Window is the number of most-recent messages fetched on open.
	Window int
	// Increment is the "load more" backfill step.
	Increment int
	// RequestTimeout bounds round trips issued from push handlers.
	RequestTimeout time.Duration
}

// Messages populates the open conversation's message window, newest-first,
// and keeps it current via update-message pushes. Message ids are unique
// only within a conversation, so switching conversations clears the loaded
// set before fetching fresh.
type Messages struct {
	ch    Channel
	cache *cache.Cache
	log   *zap.Logger
	opts  MessagesOptions

	mu        gosync.Mutex
	cid       string // open conversation, "" when none
	want      int    // desired window size, counted back from the newest id
	listening bool
}

// NewMessages creates a message sync writing through cache.
func NewMessages(ch Channel, c *cache.Cache, opts MessagesOptions, logger *zap.Logger) *Messages {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Window <= 0 {
		opts.Window = config.DefaultMessageWindow
	}
	if opts.Increment <= 0 {
		opts.Increment = config.DefaultWindowIncrement
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	return &Messages{
		ch:    ch,
		cache: c,
		log:   logger,
		opts:  opts,
	}
}

// Open switches the message window to cid: the previous conversation's
// messages are dropped, the window resets to its default size and the most
// recent messages are fetched. Re-opening the same conversation refetches
// from scratch.
func (s *Messages) Open(ctx context.Context, cid string) error {
	s.mu.Lock()
	prev := s.cid
	s.cid = cid
	s.want = s.opts.Window
	s.mu.Unlock()

	if prev != "" && prev != cid {
		s.cache.ClearMessages(prev)
	}
	s.cache.ClearMessages(cid)
	return s.fetchWindow(ctx)
}

// Close drops the open conversation and its loaded messages.
func (s *Messages) Close() {
	s.mu.Lock()
	cid := s.cid
	s.cid = ""
	s.mu.Unlock()

	if cid != "" {
		s.cache.ClearMessages(cid)
	}
}

// Current returns the id of the open conversation, or "".
func (s *Messages) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cid
}

// LoadMore extends the window toward message id 0 by the configured
// increment. Already-cached ids are not re-fetched.
func (s *Messages) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.cid == "" {
		s.mu.Unlock()
		return nil
	}
	s.want += s.opts.Increment
	s.mu.Unlock()
	return s.fetchWindow(ctx)
}

// LoadAll extends the window to the full history.
func (s *Messages) LoadAll(ctx context.Context) error {
	s.mu.Lock()
	cid := s.cid
	s.mu.Unlock()
	if cid == "" {
		return nil
	}
	conv, ok := s.cache.Conversation(cid)
	if !ok {
		return nil
	}
	s.mu.Lock()
	if conv.Length > s.want {
		s.want = conv.Length
	}
	s.mu.Unlock()
	return s.fetchWindow(ctx)
}

// fetchWindow fetches every uncached id in [length-want, length-1], each on
// its own goroutine, and waits for all of them. Fetch order is newest-first
// but merges are order-independent.
func (s *Messages) fetchWindow(ctx context.Context) error {
	s.mu.Lock()
	cid := s.cid
	want := s.want
	s.mu.Unlock()
	if cid == "" {
		return nil
	}
	conv, ok := s.cache.Conversation(cid)
	if !ok {
		return nil
	}

	bottom := conv.Length - want
	if bottom < 0 {
		bottom = 0
	}

	var wg gosync.WaitGroup
	for mid := conv.Length - 1; mid >= bottom; mid-- {
		if s.cache.HasMessage(cid, mid) {
			continue
		}
		wg.Add(1)
		go func(mid int) {
			defer wg.Done()
			if err := s.fetchOne(ctx, cid, mid); err != nil {
				s.log.Warn("message fetch failed",
					zap.String("cid", cid), zap.Int("mid", mid), zap.Error(err))
			}
		}(mid)
	}
	wg.Wait()
	return nil
}

func (s *Messages) fetchOne(ctx context.Context, cid string, mid int) error {
	raw, err := s.ch.Request(ctx, channel.EventGetMessage, cid, mid)
	if err != nil {
		return err
	}
	var p cache.MessagePatch
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	p.ID = mid
	s.cache.UpsertMessage(cid, p)
	return nil
}

// Listen registers the update-message push handler. Symmetric with
// StopListening around connect/disconnect.
func (s *Messages) Listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return
	}
	s.listening = true
	s.ch.Subscribe(channel.EventUpdateMessage, s.onUpdate)
}

// StopListening removes the push handler again.
func (s *Messages) StopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return
	}
	s.listening = false
	s.ch.Unsubscribe(channel.EventUpdateMessage)
}

// messageUpdate is the update-message push payload.
type messageUpdate struct {
	CID     string             `json:"cid"`
	Message cache.MessagePatch `json:"message"`
}

func (s *Messages) onUpdate(data json.RawMessage) {
	var upd messageUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		s.log.Warn("bad update-message payload", zap.Error(err))
		return
	}
	s.cache.UpsertMessage(upd.CID, upd.Message)

	s.mu.Lock()
	open := s.cid != "" && s.cid == upd.CID
	want := s.want
	s.mu.Unlock()
	if !open {
		return
	}

	// An update to the open conversation means the user has seen it.
	if err := s.ch.Fire(channel.EventMarkRead, upd.CID); err != nil {
		s.log.Warn("mark read failed", zap.String("cid", upd.CID), zap.Error(err))
	}

	// A pushed id past the loaded top implies the history grew while we
	// were looking elsewhere in the window; backfill the gap. Handlers run
	// on the channel's dispatch goroutine, so the fetches must not wait for
	// their replies here.
	length := upd.Message.ID + 1
	if conv, ok := s.cache.Conversation(upd.CID); ok && conv.Length > length {
		length = conv.Length
	}
	bottom := length - want
	if bottom < 0 {
		bottom = 0
	}
	for mid := upd.Message.ID - 1; mid >= bottom; mid-- {
		if s.cache.HasMessage(upd.CID, mid) {
			continue
		}
		go func(mid int) {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
			defer cancel()
			if err := s.fetchOne(ctx, upd.CID, mid); err != nil {
				s.log.Warn("backfill fetch failed",
					zap.String("cid", upd.CID), zap.Int("mid", mid), zap.Error(err))
			}
		}(mid)
	}
}
