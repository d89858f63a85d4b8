package common

import (
	"encoding/json"
	"time"
)

// Bus envelope types
const (
	// MsgTypePresenceChanged presence status change notification
	MsgTypePresenceChanged = "presence-changed"
	// MsgTypeChatBroadcast chat message broadcast into a room
	MsgTypeChatBroadcast = "chat-broadcast"
	// MsgTypeRPCRequest request half of a request-reply exchange
	MsgTypeRPCRequest = "rpc-request"
	// MsgTypeRPCResponse response half of a request-reply exchange
	MsgTypeRPCResponse = "rpc-response"
)

// PresenceChanged payload of a presence-changed envelope
type PresenceChanged struct {
	UserID      string    `json:"user_id" validate:"required"`
	Status      string    `json:"status" validate:"required,oneof=online away offline"`
	LastChanged time.Time `json:"last_changed"`
}

// ChatBroadcast payload of a chat-broadcast envelope
type ChatBroadcast struct {
	SenderID  string `json:"sender_id" validate:"required"`
	RoomID    string `json:"room_id" validate:"required"`
	MessageID string `json:"message_id" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// Envelope canonical wrapper around every message moving through the bus.
//
// The correlation ID and reply-to fields are only populated on rpc-request
// envelopes; the response copies the correlation ID verbatim.
type Envelope struct {
	// Type message type tag. See MsgType* constants
	Type string `json:"type" validate:"required"`
	// Source identity of the node which generated the message
	Source string `json:"source" validate:"required"`
	// Timestamp UNIX timestamp with fraction of when the message was generated
	Timestamp float64 `json:"timestamp"`
	// CorrelationID opaque token linking a request to its asynchronous reply
	CorrelationID string `json:"correlation_id,omitempty"`
	// ReplyTo address the reply should be published on
	ReplyTo string `json:"reply_to,omitempty"`
	// Presence payload when Type is presence-changed
	Presence *PresenceChanged `json:"presence,omitempty"`
	// Chat payload when Type is chat-broadcast
	Chat *ChatBroadcast `json:"chat,omitempty"`
	// Request opaque request payload when Type is rpc-request
	Request json.RawMessage `json:"request,omitempty"`
	// Reply opaque reply payload when Type is rpc-response
	Reply json.RawMessage `json:"reply,omitempty"`
}

// NewEnvelope define a new message envelope stamped with the current time
func NewEnvelope(msgType, source string) Envelope {
	return Envelope{
		Type: msgType, Source: source, Timestamp: TimestampOf(time.Now()),
	}
}

// TimestampOf convert a time.Time into the envelope timestamp format
func TimestampOf(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
