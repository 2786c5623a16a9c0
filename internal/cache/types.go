package cache

import "time"

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusOK      MessageStatus = "ok"
	StatusSending MessageStatus = "sending"
	StatusQueued  MessageStatus = "queued"
	StatusDraft   MessageStatus = "draft"
	StatusDeleted MessageStatus = "deleted"
	StatusError   MessageStatus = "error"
)

// Timestamp is a time.Time that marshals to the server's RFC3339 wire format.
type Timestamp time.Time

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UTC())
}

// Time converts back to time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// Before reports whether t is before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Time().Before(other.Time())
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.Time().UTC().Format(time.RFC3339Nano) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.Parse(`"`+time.RFC3339Nano+`"`, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// Conversation is the client-side view of a conversation between the local
// user and one peer.
type Conversation struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Peer           string    `json:"peer,omitempty"`
	LastModified   Timestamp `json:"lastModified"`
	Length         int       `json:"length"`
	UnreadMessages bool      `json:"unreadMessages"`
}

// Message is a single message within a conversation. IDs are zero-based,
// assigned by the server in send order, and unique only within their
// conversation. Body is nil while the message is still loading.
type Message struct {
	ID           int           `json:"id"`
	Body         *string       `json:"body"`
	IsMine       bool          `json:"isMine"`
	Status       MessageStatus `json:"status"`
	LastModified Timestamp     `json:"lastModified"`
}
