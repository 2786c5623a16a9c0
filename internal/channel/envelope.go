package channel

import "encoding/json"

// The wire protocol is a JSON envelope per websocket text frame.
//
// Client to server:
//
//	{"event": "get-message", "id": "<uuid>", "args": ["c1", 7]}
//
// An empty id marks a fire-and-forget emit; the server must not reply.
//
// Server to client, reply to a request:
//
//	{"event": "ack", "id": "<uuid>", "data": <json>}
//
// Server to client, unsolicited push:
//
//	{"event": "update-message", "data": <json>}
type envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Args  []any           `json:"args,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ackEvent is the reserved reply event name.
const ackEvent = "ack"

// Request event names understood by the server.
const (
	EventListConversations  = "list-conversations"
	EventGetConversation    = "get-conversation"
	EventGetMessage         = "get-message"
	EventPostMessage        = "post-message"
	EventSendMessage        = "send-message"
	EventDeleteMessage      = "delete-message"
	EventDeleteConversation = "delete-conversation"
	EventCreateConversation = "create-conversation"
	EventChangeDetails      = "change-conversation-details"
	EventMarkRead           = "mark-conversation-read"
	EventInformPeers        = "inform-peers"
)

// Push event names emitted by the server.
const (
	EventNewConversation     = "new-conversation"
	EventUpdateConversation  = "update-conversation"
	EventRemovedConversation = "removed-conversation"
	EventUpdateMessage       = "update-message"
	EventChangedPeer         = "changed-peer"
)
