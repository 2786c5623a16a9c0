package cache

import (
	"slices"
	"sync"

	"peerchat/internal/bus"
)

// Cache is the in-memory normalized store of conversations and messages. It
// is owned by the synchronization layer: entries are written only as the
// result of a server round trip or push (plus the single optimistic
// "sending" entry), and exposed to consumers as value copies. Every mutation
// is published on the bus so UI layers and the archive can react.
//
// Entries are never evicted by size; messages are cleared wholesale on
// conversation switch or conversation removal.
type Cache struct {
	mu            sync.Mutex
	bus           *bus.Bus
	conversations map[string]*Conversation
	order         []string // known conversation ids, newest discovery first
	messages      map[string]map[int]*Message
}

// ConversationEvent is the payload of "conversation.upserted".
type ConversationEvent struct {
	Conversation Conversation
}

// MessageEvent is the payload of "message.upserted" and "message.removed".
type MessageEvent struct {
	CID     string
	Message Message
}

// New creates an empty cache publishing change events on b.
func New(b *bus.Bus) *Cache {
	return &Cache{
		bus:           b,
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]map[int]*Message),
	}
}

// UpsertConversation merges the patch into the conversation with the given
// id, creating it if unknown. New ids are front-inserted into the iteration
// order so newly discovered conversations surface first before sorting.
// Returns a copy of the merged entity.
func (c *Cache) UpsertConversation(id string, p ConversationPatch) Conversation {
	c.mu.Lock()
	entry, created := upsert(c.conversations, id, p,
		func() *Conversation { return &Conversation{ID: id} },
		(*Conversation).Merge)
	if created {
		c.order = slices.Insert(c.order, 0, id)
	}
	snapshot := *entry
	c.mu.Unlock()

	c.bus.Publish(bus.Event{
		Kind:    "conversation.upserted",
		Payload: ConversationEvent{Conversation: snapshot},
	})
	return snapshot
}

// RemoveConversation evicts a conversation and all its messages.
func (c *Cache) RemoveConversation(id string) {
	c.mu.Lock()
	_, known := c.conversations[id]
	delete(c.conversations, id)
	delete(c.messages, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	c.mu.Unlock()

	if known {
		c.bus.Publish(bus.Event{Kind: "conversation.removed", Payload: id})
	}
}

// UpsertMessage merges the patch into the message keyed by (cid, patch.ID).
// Returns a copy of the merged entity.
func (c *Cache) UpsertMessage(cid string, p MessagePatch) Message {
	c.mu.Lock()
	byID, ok := c.messages[cid]
	if !ok {
		byID = make(map[int]*Message)
		c.messages[cid] = byID
	}
	entry, _ := upsert(byID, p.ID, p,
		func() *Message { return &Message{ID: p.ID} },
		(*Message).Merge)
	snapshot := copyMessage(entry)
	c.mu.Unlock()

	c.bus.Publish(bus.Event{
		Kind:    "message.upserted",
		Payload: MessageEvent{CID: cid, Message: snapshot},
	})
	return snapshot
}

// RemoveMessage drops a single message from the cache.
func (c *Cache) RemoveMessage(cid string, mid int) {
	c.mu.Lock()
	var snapshot Message
	known := false
	if byID, ok := c.messages[cid]; ok {
		var entry *Message
		if entry, known = byID[mid]; known {
			snapshot = copyMessage(entry)
			delete(byID, mid)
		}
	}
	c.mu.Unlock()

	if known {
		c.bus.Publish(bus.Event{
			Kind:    "message.removed",
			Payload: MessageEvent{CID: cid, Message: snapshot},
		})
	}
}

// ClearMessages drops all cached messages of a conversation. Used on
// conversation switch so message ids of different conversations never
// collide in memory.
func (c *Cache) ClearMessages(cid string) {
	c.mu.Lock()
	delete(c.messages, cid)
	c.mu.Unlock()

	c.bus.Publish(bus.Event{Kind: "message.cleared", Payload: cid})
}

// Conversation returns a copy of the conversation with the given id.
func (c *Cache) Conversation(id string) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *entry, true
}

// Message returns a copy of the message keyed by (cid, mid).
func (c *Cache) Message(cid string, mid int) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.messages[cid]
	if !ok {
		return Message{}, false
	}
	entry, ok := byID[mid]
	if !ok {
		return Message{}, false
	}
	return copyMessage(entry), true
}

// HasMessage reports whether (cid, mid) is already cached.
func (c *Cache) HasMessage(cid string, mid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.messages[cid][mid]
	return ok
}

// ConversationIDs returns the known conversation ids in discovery order.
func (c *Cache) ConversationIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Conversations returns copies of all conversations in discovery order.
func (c *Cache) Conversations() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conversation, 0, len(c.order))
	for _, id := range c.order {
		if entry, ok := c.conversations[id]; ok {
			out = append(out, *entry)
		}
	}
	return out
}

// Messages returns copies of the loaded messages of a conversation in
// ascending id order (display order, oldest first). Fetch order is
// independent of this.
func (c *Cache) Messages(cid string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.messages[cid]
	out := make([]Message, 0, len(byID))
	for _, entry := range byID {
		out = append(out, copyMessage(entry))
	}
	slices.SortFunc(out, func(a, b Message) int { return a.ID - b.ID })
	return out
}

// LowestMessageID returns the smallest cached message id for cid, or -1 if
// none are cached.
func (c *Cache) LowestMessageID(cid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	lowest := -1
	for id := range c.messages[cid] {
		if lowest < 0 || id < lowest {
			lowest = id
		}
	}
	return lowest
}

func copyMessage(m *Message) Message {
	out := *m
	if m.Body != nil {
		body := *m.Body
		out.Body = &body
	}
	return out
}
