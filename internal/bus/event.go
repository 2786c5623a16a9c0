package bus

import "time"

// Event represents a domain event published on the bus. Kinds are
// dot-namespaced: "conversation.upserted", "message.upserted",
// "session.status_changed", "outbox.updated", and so on.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
