package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerchat/internal/bus"
	"peerchat/internal/cache"
	"peerchat/internal/channel"
)

// ErrEmptyMessage is returned before any network call when the body is
// empty or whitespace-only.
var ErrEmptyMessage = errors.New("message body is empty")

// Channel is the slice of the session channel the pipeline consumes.
type Channel interface {
	Request(ctx context.Context, event string, args ...any) (json.RawMessage, error)
	IsConnected() bool
}

// Entry is a locally authored message pending delivery confirmation. It is
// tracked from submission until the server pushes a terminal status.
type Entry struct {
	ClientID string // local correlation id, assigned at submit time
	CID      string
	ID       int // server-assigned message id, -1 until assigned
	Body     string
	Status   cache.MessageStatus
}

// validMoves lists the pending-entry status transitions the server may push.
// "sending" is the optimistic starting state; "queued" means the server
// accepted the message but could not reach the peer yet and owns the retry.
var validMoves = map[cache.MessageStatus][]cache.MessageStatus{
	cache.StatusSending: {cache.StatusOK, cache.StatusQueued, cache.StatusError, cache.StatusDeleted},
	cache.StatusQueued:  {cache.StatusOK, cache.StatusError, cache.StatusDeleted},
	cache.StatusError:   {cache.StatusOK, cache.StatusQueued, cache.StatusDeleted},
	cache.StatusOK:      {cache.StatusDeleted},
}

func moveAllowed(from, to cache.MessageStatus) bool {
	for _, s := range validMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pipeline submits user-authored messages and tracks their delivery status.
// The cache is only written through server replies and pushes, except for
// the single optimistic "sending" entry created at submit time; pending
// entries are reconciled against cache change events on the bus.
type Pipeline struct {
	ch    Channel
	cache *cache.Cache
	bus   *bus.Bus
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string]*Entry // keyed by ClientID
	stop    func()
	done    chan struct{}
}

// New creates an idle pipeline; call Start to begin reconciling.
func New(ch Channel, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		ch:      ch,
		cache:   c,
		bus:     b,
		log:     logger,
		pending: make(map[string]*Entry),
	}
}

// Start subscribes to message change events and reconciles pending entries
// on its own goroutine until Stop is called.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	events, cancel := p.bus.Subscribe("message.", 64)
	p.stop = cancel
	p.done = make(chan struct{})
	go p.consume(events, p.done)
}

// Stop tears the reconciler down and waits for it to drain.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	stop := p.stop
	done := p.done
	p.stop = nil
	p.done = nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (p *Pipeline) consume(events <-chan bus.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		switch ev.Kind {
		case "message.upserted":
			if me, ok := ev.Payload.(cache.MessageEvent); ok {
				p.reconcile(me.CID, me.Message.ID, me.Message.Status)
			}
		case "message.removed":
			if me, ok := ev.Payload.(cache.MessageEvent); ok {
				p.drop(me.CID, me.Message.ID)
			}
		}
	}
}

// reconcile moves the pending entry for (cid, mid), if any, to the status
// the server pushed. Invalid moves are logged and ignored; the cache already
// holds the server's view either way.
func (p *Pipeline) reconcile(cid string, mid int, to cache.MessageStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.pending {
		if e.CID != cid || e.ID != mid {
			continue
		}
		if to == e.Status {
			return
		}
		if !moveAllowed(e.Status, to) {
			p.log.Warn("ignoring invalid status move",
				zap.String("cid", cid), zap.Int("mid", mid),
				zap.String("from", string(e.Status)), zap.String("to", string(to)))
			return
		}
		e.Status = to
		if to == cache.StatusOK || to == cache.StatusDeleted {
			delete(p.pending, key)
		}
		p.bus.Publish(bus.Event{Kind: "outbox.updated", Payload: *e})
		return
	}
}

func (p *Pipeline) drop(cid string, mid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.pending {
		if e.CID == cid && e.ID == mid {
			delete(p.pending, key)
			return
		}
	}
}

// Send submits body to cid: a pending entry and an optimistic cache entry
// appear with status "sending", then the message is posted for an id and
// handed to the server for delivery. Returns the assigned message id; later
// status changes arrive as pushes. Clearing any draft is the caller's
// concern once Send returns.
func (p *Pipeline) Send(ctx context.Context, cid, body string) (int, error) {
	if strings.TrimSpace(body) == "" {
		return -1, ErrEmptyMessage
	}

	entry := &Entry{
		ClientID: uuid.NewString(),
		CID:      cid,
		ID:       -1,
		Body:     body,
		Status:   cache.StatusSending,
	}
	p.mu.Lock()
	p.pending[entry.ClientID] = entry
	p.mu.Unlock()

	raw, err := p.ch.Request(ctx, channel.EventPostMessage, cid, postArgs{Body: body, IsMine: true})
	if err != nil {
		p.remove(entry.ClientID)
		return -1, err
	}
	var mid int
	if err := json.Unmarshal(raw, &mid); err != nil {
		p.remove(entry.ClientID)
		return -1, err
	}

	p.mu.Lock()
	entry.ID = mid
	p.mu.Unlock()

	sending := cache.StatusSending
	mine := true
	now := cache.Now()
	p.cache.UpsertMessage(cid, cache.MessagePatch{
		ID:           mid,
		Body:         &body,
		IsMine:       &mine,
		Status:       &sending,
		LastModified: &now,
	})

	if _, err := p.ch.Request(ctx, channel.EventSendMessage, cid, mid); err != nil {
		p.log.Warn("send dispatch failed, message stays pending",
			zap.String("cid", cid), zap.Int("mid", mid), zap.Error(err))
	}
	return mid, nil
}

// postArgs is the post-message request payload.
type postArgs struct {
	Body   string `json:"body"`
	IsMine bool   `json:"isMine"`
}

// Retry re-issues delivery for a queued or failed message. The local status
// does not change until the server pushes the outcome.
func (p *Pipeline) Retry(ctx context.Context, cid string, mid int) error {
	_, err := p.ch.Request(ctx, channel.EventSendMessage, cid, mid)
	return err
}

// Delete removes a message server-side, then evicts it locally.
func (p *Pipeline) Delete(ctx context.Context, cid string, mid int) error {
	if _, err := p.ch.Request(ctx, channel.EventDeleteMessage, cid, mid); err != nil {
		return err
	}
	p.cache.RemoveMessage(cid, mid)
	return nil
}

// Pending returns a snapshot of the not-yet-confirmed entries.
func (p *Pipeline) Pending() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.pending))
	for _, e := range p.pending {
		out = append(out, *e)
	}
	return out
}

func (p *Pipeline) remove(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, clientID)
}
