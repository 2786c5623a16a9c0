package store

// Conversation is an archived conversation row.
type Conversation struct {
	CID          string
	Name         string
	Peer         string
	LastModified int64 // unix millis
	Length       int
	Unread       bool
}

// Message is an archived message row. Body is nil while the message body was
// never loaded before archiving.
type Message struct {
	ID           int64 // archive row id
	CID          string
	MsgID        int // server-assigned id, unique within the conversation
	Body         *string
	IsMine       bool
	Status       string
	LastModified int64 // unix millis
}
