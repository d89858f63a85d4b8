// Copyright 2026 The chatrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"encoding/json"
	"time"
)

// Client event types
const (
	// EventJoinRoom join a chat room
	EventJoinRoom = "join_room"
	// EventLeaveRoom leave a chat room
	EventLeaveRoom = "leave_room"
	// EventSendMessage broadcast a message into a room
	EventSendMessage = "send_message"
	// EventSetStatus change own presence status
	EventSetStatus = "set_status"
	// EventGetFriendStatuses fetch the presence of every friend
	EventGetFriendStatuses = "get_friend_statuses"
	// EventGetFriends fetch the friend list
	EventGetFriends = "get_friends"
)

// Server event types
const (
	// ServerEventMessage a chat message delivered into a joined room
	ServerEventMessage = "message"
	// ServerEventStatusChanged a friend's presence changed
	ServerEventStatusChanged = "status_changed"
	// ServerEventResult the response of a query event
	ServerEventResult = "result"
	// ServerEventError an event was not processed
	ServerEventError = "error"
)

// Error kinds carried on ServerEventError events
const (
	// ErrKindNotAuthenticated the session has not completed authentication
	ErrKindNotAuthenticated = "not_authenticated"
	// ErrKindValidation the event was malformed
	ErrKindValidation = "validation_error"
	// ErrKindDeliveryFailed the message could not be handed to the bus
	ErrKindDeliveryFailed = "delivery_failed"
	// ErrKindRPCTimeout the query received no answer in time
	ErrKindRPCTimeout = "rpc_timeout"
	// ErrKindInternal the event failed for an unexpected reason
	ErrKindInternal = "internal_error"
)

// ClientEvent outer frame of every event a client sends. The payload decodes
// into the event struct matching Type
type ClientEvent struct {
	// Type one of the Event* constants
	Type string `json:"type" validate:"required"`
	// Data the type specific payload
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinRoomEvent payload of a join_room event
type JoinRoomEvent struct {
	RoomID string `json:"room_id" validate:"required"`
}

// LeaveRoomEvent payload of a leave_room event
type LeaveRoomEvent struct {
	RoomID string `json:"room_id" validate:"required"`
}

// SendMessageEvent payload of a send_message event
type SendMessageEvent struct {
	RoomID  string `json:"room_id" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// SetStatusEvent payload of a set_status event
type SetStatusEvent struct {
	Status string `json:"status" validate:"required,oneof=online away offline"`
}

// ==============================================================================

// ChatMessage a chat message as delivered to clients
type ChatMessage struct {
	SenderID  string    `json:"sender_id"`
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
}

// StatusChange a friend presence change as delivered to clients
type StatusChange struct {
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	LastChanged time.Time `json:"last_changed"`
}

// EventError why a client event was not processed
type EventError struct {
	// Kind one of the ErrKind* constants
	Kind string `json:"kind"`
	// Detail human readable explanation
	Detail string `json:"detail,omitempty"`
}

// ServerEvent one event delivered to a client. Exactly one payload field is
// populated, matching Type
type ServerEvent struct {
	// Type one of the ServerEvent* constants
	Type string `json:"type"`
	// Message payload when Type is message
	Message *ChatMessage `json:"message,omitempty"`
	// Status payload when Type is status_changed
	Status *StatusChange `json:"status,omitempty"`
	// Result payload when Type is result
	Result json.RawMessage `json:"result,omitempty"`
	// Error payload when Type is error
	Error *EventError `json:"error,omitempty"`
}

// errorEvent build a ServerEventError event
func errorEvent(kind, detail string) ServerEvent {
	return ServerEvent{
		Type: ServerEventError, Error: &EventError{Kind: kind, Detail: detail},
	}
}

// ==============================================================================

// ClientConn the surface the relay needs from a connected client session
type ClientConn interface {
	// SessionID unique ID of this connection
	SessionID() string
	// Send queue one event for delivery to the client. Must not block; a
	// client too slow to drain its buffer is disconnected
	Send(event ServerEvent) error
	// Close disconnect the client
	Close(reason string)
}
