// Package archive persists synced conversations and messages to the local
// store, so history survives restarts even though the in-memory cache is
// rebuilt from scratch on every connect.
package archive

import (
	"context"

	"go.uber.org/zap"

	"peerchat/internal/bus"
	"peerchat/internal/cache"
	"peerchat/internal/store"
)

// Recorder writes cache change events through to the archive. It subscribes
// to "conversation." and "message." events on the bus and processes them on
// its own goroutine.
type Recorder struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewRecorder creates a new archive recorder.
func NewRecorder(db *store.DB, b *bus.Bus, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to cache change events on the bus.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	convs, unsubConvs := r.bus.Subscribe("conversation.", 256)
	msgs, unsubMsgs := r.bus.Subscribe("message.", 256)

	go func() {
		defer unsubConvs()
		defer unsubMsgs()
		for {
			select {
			case evt := <-convs:
				r.handleEvent(evt)
			case evt := <-msgs:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the recorder.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Recorder) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "conversation.upserted":
		ce, ok := evt.Payload.(cache.ConversationEvent)
		if !ok {
			return
		}
		if err := r.db.UpsertConversation(conversationRow(ce.Conversation)); err != nil {
			r.logger.Error("failed to archive conversation", zap.Error(err), zap.String("cid", ce.Conversation.ID))
		}
	case "conversation.removed":
		cid, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if err := r.db.DeleteConversation(cid); err != nil {
			r.logger.Error("failed to drop archived conversation", zap.Error(err), zap.String("cid", cid))
		}
	case "message.upserted":
		me, ok := evt.Payload.(cache.MessageEvent)
		if !ok {
			return
		}
		if err := r.db.UpsertMessage(messageRow(me.CID, me.Message)); err != nil {
			r.logger.Error("failed to archive message", zap.Error(err),
				zap.String("cid", me.CID), zap.Int("mid", me.Message.ID))
		}
	case "message.removed":
		me, ok := evt.Payload.(cache.MessageEvent)
		if !ok {
			return
		}
		if err := r.db.DeleteMessage(me.CID, me.Message.ID); err != nil {
			r.logger.Error("failed to drop archived message", zap.Error(err),
				zap.String("cid", me.CID), zap.Int("mid", me.Message.ID))
		}
	}
	// "message.cleared" is deliberately ignored: window resets are a memory
	// concern, the archive keeps the full history.
}

func conversationRow(c cache.Conversation) *store.Conversation {
	return &store.Conversation{
		CID:          c.ID,
		Name:         c.Name,
		Peer:         c.Peer,
		LastModified: c.LastModified.Time().UnixMilli(),
		Length:       c.Length,
		Unread:       c.UnreadMessages,
	}
}

func messageRow(cid string, m cache.Message) *store.Message {
	return &store.Message{
		CID:          cid,
		MsgID:        m.ID,
		Body:         m.Body,
		IsMine:       m.IsMine,
		Status:       string(m.Status),
		LastModified: m.LastModified.Time().UnixMilli(),
	}
}
