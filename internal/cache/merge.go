package cache

// Upserts are shallow field-level merges: a patch field left nil keeps the
// prior value, a set field overwrites it. Server payloads decode directly
// into patches, so a partial update (e.g. status only) never clobbers an
// already-loaded body. Applying the same patch twice is a no-op.

// ConversationPatch is a partial conversation update.
type ConversationPatch struct {
	ID             string     `json:"id"`
	Name           *string    `json:"name"`
	Peer           *string    `json:"peer"`
	LastModified   *Timestamp `json:"lastModified"`
	Length         *int       `json:"length"`
	UnreadMessages *bool      `json:"unreadMessages"`
}

// Merge applies the patch onto the conversation.
func (c *Conversation) Merge(p ConversationPatch) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Peer != nil {
		c.Peer = *p.Peer
	}
	if p.LastModified != nil {
		c.LastModified = *p.LastModified
	}
	if p.Length != nil {
		c.Length = *p.Length
	}
	if p.UnreadMessages != nil {
		c.UnreadMessages = *p.UnreadMessages
	}
}

// MessagePatch is a partial message update. A JSON null body is treated as
// omitted ("still loading"), never as an erase.
type MessagePatch struct {
	ID           int            `json:"id"`
	Body         *string        `json:"body"`
	IsMine       *bool          `json:"isMine"`
	Status       *MessageStatus `json:"status"`
	LastModified *Timestamp     `json:"lastModified"`
}

// Merge applies the patch onto the message.
func (m *Message) Merge(p MessagePatch) {
	if p.Body != nil {
		body := *p.Body
		m.Body = &body
	}
	if p.IsMine != nil {
		m.IsMine = *p.IsMine
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.LastModified != nil {
		m.LastModified = *p.LastModified
	}
}

// upsert merges patch into the map entry at key, creating the entry with
// fresh first if absent. Reports whether the entry was created.
func upsert[K comparable, E any, P any](m map[K]*E, key K, patch P, fresh func() *E, merge func(*E, P)) (*E, bool) {
	entry, ok := m[key]
	if !ok {
		entry = fresh()
		m[key] = entry
	}
	merge(entry, patch)
	return entry, !ok
}
