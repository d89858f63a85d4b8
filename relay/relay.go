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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jameslbray/chatrelay/bridge"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/identity"
	"github.com/jameslbray/chatrelay/presence"
	"github.com/jameslbray/chatrelay/registry"
	"github.com/jameslbray/chatrelay/resilience"
)

// Bus topology names
const (
	topicChat     = "chat"
	topicPresence = "presence"
	topicAuth     = "auth"
	rpcQueueName  = "chatrelay-rpc"
	rpcGroupName  = "chatrelay"
)

// QueryRequest request payload of a relay query exchange
type QueryRequest struct {
	// Method which query to run
	Method string `json:"method" validate:"required,oneof=friend_statuses friends"`
	// UserID whose data to query
	UserID string `json:"user_id" validate:"required"`
}

// FriendStatusesReply response payload of a friend_statuses query
type FriendStatusesReply struct {
	Statuses map[string]StatusChange `json:"statuses"`
}

// FriendsReply response payload of a friends query
type FriendsReply struct {
	Friends []string `json:"friends"`
}

// EventRelay the gateway core: authenticates sessions, routes client events
// to the bus, and delivers bus events back to local sessions
type EventRelay interface {
	// Start declare the bus topology and attach the consumers
	Start(ctxt context.Context) error
	// HandleConnect authenticate a new client connection. On failure the
	// connection is told why and closed
	HandleConnect(ctxt context.Context, conn ClientConn, token string) error
	// HandleEvent process one raw client event frame
	HandleEvent(ctxt context.Context, conn ClientConn, raw []byte)
	// HandleDisconnect clean up after a client connection ends
	HandleDisconnect(ctxt context.Context, conn ClientConn)
}

// EventRelayParams parameters for defining an EventRelay
type EventRelayParams struct {
	// Instance name for logging
	Instance string `validate:"required"`
	// NodeID self-origin marker of this gateway node
	NodeID string `validate:"required"`
	// Connections the session registry
	Connections registry.ConnectionRegistry `validate:"required"`
	// Bus the message bus bridge
	Bus bridge.BusBridge `validate:"required"`
	// Presence the presence tracker
	Presence presence.Tracker `validate:"required"`
	// Identity the auth token verifier
	Identity identity.Verifier `validate:"required"`
	// Retry executor guarding token verification
	Retry resilience.RetryExecutor `validate:"required"`
	// AuthBreaker the auth service circuit breaker
	AuthBreaker resilience.CircuitBreaker `validate:"required"`
	// DefaultRoom room every session joins on connect
	DefaultRoom string `validate:"required"`
	// RPCTimeout deadline of query exchanges
	RPCTimeout time.Duration `validate:"required,gt=0"`
}

// eventRelayImpl implements EventRelay
type eventRelayImpl struct {
	common.Component
	nodeID      string
	connections registry.ConnectionRegistry
	bus         bridge.BusBridge
	presence    presence.Tracker
	identity    identity.Verifier
	retry       resilience.RetryExecutor
	authBreaker resilience.CircuitBreaker
	defaultRoom string
	rpcTimeout  time.Duration
	validate    *validator.Validate
	clk         clock.Clock
	wg          *sync.WaitGroup

	lock     sync.Mutex
	sessions map[string]ClientConn
}

// GetEventRelay define a new EventRelay
func GetEventRelay(
	params EventRelayParams, clk clock.Clock, wg *sync.WaitGroup,
) (EventRelay, error) {
	logTags := log.Fields{
		"module": "relay", "component": "event-relay", "instance": params.Instance,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid event relay parameters")
		return nil, err
	}
	instance := &eventRelayImpl{
		Component:   common.Component{LogTags: logTags},
		nodeID:      params.NodeID,
		connections: params.Connections,
		bus:         params.Bus,
		presence:    params.Presence,
		identity:    params.Identity,
		retry:       params.Retry,
		authBreaker: params.AuthBreaker,
		defaultRoom: params.DefaultRoom,
		rpcTimeout:  params.RPCTimeout,
		validate:    validate,
		clk:         clk,
		wg:          wg,
		sessions:    make(map[string]ClientConn),
	}
	params.Presence.SetNotifyFunc(instance.notifyPresence)
	return instance, nil
}

// eventsQueueName the per node event fan-out queue. Every node consumes the
// full event flow, so each gets its own durable queue
func (r *eventRelayImpl) eventsQueueName() string {
	return fmt.Sprintf("chatrelay-events-%s", r.nodeID)
}

// Start declare the bus topology and attach the consumers
func (r *eventRelayImpl) Start(ctxt context.Context) error {
	for _, topic := range []string{topicChat, topicPresence, topicAuth} {
		if err := r.bus.DeclareTopic(ctxt, topic); err != nil {
			return err
		}
	}

	eventsQueue := r.eventsQueueName()
	if err := r.bus.DeclareQueue(ctxt, eventsQueue, true); err != nil {
		return err
	}
	if err := r.bus.Bind(ctxt, eventsQueue, topicChat, "chat.room.*"); err != nil {
		return err
	}
	if err := r.bus.Bind(ctxt, eventsQueue, topicPresence, "presence.user.*"); err != nil {
		return err
	}
	if err := r.bus.Subscribe(eventsQueue, "", r.handleBusEvent); err != nil {
		return err
	}

	// Query handling is shared work, so all nodes consume as one group
	if err := r.bus.DeclareQueue(ctxt, rpcQueueName, false); err != nil {
		return err
	}
	if err := r.bus.Bind(ctxt, rpcQueueName, topicPresence, "presence.query"); err != nil {
		return err
	}
	if err := r.bus.Subscribe(rpcQueueName, rpcGroupName, r.handleQuery); err != nil {
		return err
	}
	log.WithFields(r.LogTags).Info("Event relay started")
	return nil
}

// ==============================================================================
// Session lifecycle

// HandleConnect authenticate a new client connection
func (r *eventRelayImpl) HandleConnect(
	ctxt context.Context, conn ClientConn, token string,
) error {
	sessionID := conn.SessionID()
	logTags := common.LabelWithSession(r.LogTags, sessionID)

	var userID string
	err := r.retry.Run(ctxt, func(ctxt context.Context) error {
		verified, err := r.identity.Verify(ctxt, token)
		if err != nil {
			return err
		}
		userID = verified
		return nil
	}, r.authBreaker)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			log.WithFields(logTags).Info("Rejected session with invalid token")
		} else {
			log.WithError(err).WithFields(logTags).Error("Token verification unavailable")
		}
		// Disconnect with no detail. An unauthenticated client learns nothing
		// about why, or about the state of the auth dependency
		conn.Close("authentication failed")
		return err
	}

	r.lock.Lock()
	r.sessions[sessionID] = conn
	r.lock.Unlock()

	first := r.connections.Register(sessionID, userID)
	r.connections.JoinRoom(sessionID, r.defaultRoom)
	log.WithFields(logTags).Infof("Session authenticated as %s", userID)
	if first {
		if err := r.presence.Connect(ctxt, userID); err != nil {
			log.WithError(err).WithFields(logTags).Warnf(
				"Presence broadcast for %s failed", userID,
			)
		}
	}
	return nil
}

// HandleDisconnect clean up after a client connection ends
func (r *eventRelayImpl) HandleDisconnect(ctxt context.Context, conn ClientConn) {
	sessionID := conn.SessionID()
	r.lock.Lock()
	delete(r.sessions, sessionID)
	r.lock.Unlock()

	userID, last := r.connections.Unregister(sessionID)
	if userID == "" {
		return
	}
	log.WithFields(common.LabelWithSession(r.LogTags, sessionID)).Infof(
		"Session of %s disconnected", userID,
	)
	if last {
		if err := r.presence.Disconnect(ctxt, userID); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Presence broadcast for %s failed", userID,
			)
		}
	}
}

// ==============================================================================
// Client event dispatch

// HandleEvent process one raw client event frame
func (r *eventRelayImpl) HandleEvent(ctxt context.Context, conn ClientConn, raw []byte) {
	sessionID := conn.SessionID()
	userID, authenticated := r.connections.UserFor(sessionID)
	if !authenticated {
		_ = conn.Send(errorEvent(ErrKindNotAuthenticated, "authenticate first"))
		return
	}

	var event ClientEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		_ = conn.Send(errorEvent(ErrKindValidation, "undecodable event"))
		return
	}
	if err := r.validate.Struct(&event); err != nil {
		_ = conn.Send(errorEvent(ErrKindValidation, "missing event type"))
		return
	}

	switch event.Type {
	case EventJoinRoom:
		var payload JoinRoomEvent
		if !r.decodePayload(conn, event.Data, &payload) {
			return
		}
		r.connections.JoinRoom(sessionID, payload.RoomID)
	case EventLeaveRoom:
		var payload LeaveRoomEvent
		if !r.decodePayload(conn, event.Data, &payload) {
			return
		}
		r.connections.LeaveRoom(sessionID, payload.RoomID)
	case EventSendMessage:
		var payload SendMessageEvent
		if !r.decodePayload(conn, event.Data, &payload) {
			return
		}
		r.handleSendMessage(ctxt, conn, userID, payload)
	case EventSetStatus:
		var payload SetStatusEvent
		if !r.decodePayload(conn, event.Data, &payload) {
			return
		}
		if err := r.presence.SetStatus(ctxt, userID, payload.Status); err != nil {
			_ = conn.Send(errorEvent(ErrKindInternal, "status change failed"))
		}
	case EventGetFriendStatuses:
		r.handleQueryEvent(ctxt, conn, QueryRequest{Method: "friend_statuses", UserID: userID})
	case EventGetFriends:
		r.handleQueryEvent(ctxt, conn, QueryRequest{Method: "friends", UserID: userID})
	default:
		_ = conn.Send(errorEvent(
			ErrKindValidation, fmt.Sprintf("unknown event type '%s'", event.Type),
		))
	}
}

// decodePayload decode and validate one event payload, reporting failures to
// the client
func (r *eventRelayImpl) decodePayload(
	conn ClientConn, raw json.RawMessage, payload interface{},
) bool {
	if len(raw) == 0 {
		_ = conn.Send(errorEvent(ErrKindValidation, "missing event payload"))
		return false
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		_ = conn.Send(errorEvent(ErrKindValidation, "undecodable event payload"))
		return false
	}
	if err := r.validate.Struct(payload); err != nil {
		_ = conn.Send(errorEvent(ErrKindValidation, err.Error()))
		return false
	}
	return true
}

// handleSendMessage broadcast a chat message. Local room members see the
// message immediately; the bus publish happens afterwards off the event path,
// and its failure is reported back to the sender
func (r *eventRelayImpl) handleSendMessage(
	ctxt context.Context, conn ClientConn, userID string, payload SendMessageEvent,
) {
	message := ChatMessage{
		SenderID:  userID,
		RoomID:    payload.RoomID,
		MessageID: uuid.New().String(),
		Content:   payload.Content,
		SentAt:    r.clk.Now(),
	}
	r.emitToRoom(message)

	env := common.NewEnvelope(common.MsgTypeChatBroadcast, r.nodeID)
	env.Timestamp = common.TimestampOf(message.SentAt)
	env.Chat = &common.ChatBroadcast{
		SenderID:  message.SenderID,
		RoomID:    message.RoomID,
		MessageID: message.MessageID,
		Content:   message.Content,
	}
	routingKey := fmt.Sprintf("chat.room.%s", payload.RoomID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.bus.Publish(ctxt, topicChat, routingKey, env); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to broadcast message %s", message.MessageID,
			)
			_ = conn.Send(errorEvent(ErrKindDeliveryFailed, "message not broadcast"))
		}
	}()
}

// emitToRoom deliver a chat message to every local session in the room,
// the sender's own included
func (r *eventRelayImpl) emitToRoom(message ChatMessage) {
	members := r.connections.RoomMembers(message.RoomID)
	event := ServerEvent{Type: ServerEventMessage, Message: &message}
	for idx := 0; idx < len(members); idx++ {
		r.sendToSession(members[idx], event)
	}
}

// notifyPresence deliver a presence change to one local user's sessions
func (r *eventRelayImpl) notifyPresence(userID string, change common.PresenceChanged) {
	sessions := r.connections.SessionsFor(userID)
	event := ServerEvent{Type: ServerEventStatusChanged, Status: &StatusChange{
		UserID: change.UserID, Status: change.Status, LastChanged: change.LastChanged,
	}}
	for idx := 0; idx < len(sessions); idx++ {
		r.sendToSession(sessions[idx], event)
	}
}

// sendToSession deliver one event to a local session if it is still there
func (r *eventRelayImpl) sendToSession(sessionID string, event ServerEvent) {
	r.lock.Lock()
	conn, ok := r.sessions[sessionID]
	r.lock.Unlock()
	if !ok {
		return
	}
	if err := conn.Send(event); err != nil {
		log.WithError(err).WithFields(common.LabelWithSession(r.LogTags, sessionID)).Warn(
			"Unable to deliver event to session",
		)
	}
}

// ==============================================================================
// Bus event dispatch

// handleBusEvent process one event off the per node fan-out queue
func (r *eventRelayImpl) handleBusEvent(ctxt context.Context, env common.Envelope) error {
	switch env.Type {
	case common.MsgTypeChatBroadcast:
		if env.Chat == nil {
			return fmt.Errorf("chat-broadcast envelope missing payload")
		}
		if env.Source == r.nodeID {
			// Sent from this node. Local sessions already saw it
			return nil
		}
		r.emitToRoom(ChatMessage{
			SenderID:  env.Chat.SenderID,
			RoomID:    env.Chat.RoomID,
			MessageID: env.Chat.MessageID,
			Content:   env.Chat.Content,
			SentAt:    time.Unix(0, int64(env.Timestamp*float64(time.Second))),
		})
		return nil
	case common.MsgTypePresenceChanged:
		if env.Presence == nil {
			return fmt.Errorf("presence-changed envelope missing payload")
		}
		r.presence.HandleRemote(ctxt, env.Source, *env.Presence)
		return nil
	default:
		return fmt.Errorf("unroutable bus event type '%s'", env.Type)
	}
}

// ==============================================================================
// Query handling

// handleQueryEvent resolve a client query over the bus and deliver the result
func (r *eventRelayImpl) handleQueryEvent(
	ctxt context.Context, conn ClientConn, query QueryRequest,
) {
	payload, err := json.Marshal(&query)
	if err != nil {
		_ = conn.Send(errorEvent(ErrKindInternal, "query failed"))
		return
	}
	request := common.NewEnvelope(common.MsgTypeRPCRequest, r.nodeID)
	request.Request = payload
	response, err := r.bus.PublishAndWait(
		ctxt, topicPresence, "presence.query", request, r.rpcTimeout,
	)
	if err != nil {
		rpcTimeout := &bridge.RPCTimeoutError{}
		if errors.As(err, &rpcTimeout) {
			_ = conn.Send(errorEvent(ErrKindRPCTimeout, "query timed out"))
		} else {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Query %s for %s failed", query.Method, query.UserID,
			)
			_ = conn.Send(errorEvent(ErrKindInternal, "query failed"))
		}
		return
	}
	_ = conn.Send(ServerEvent{Type: ServerEventResult, Result: response.Reply})
}

// handleQuery answer one query off the shared query queue
func (r *eventRelayImpl) handleQuery(ctxt context.Context, env common.Envelope) error {
	if env.ReplyTo == "" || env.CorrelationID == "" {
		return fmt.Errorf("query envelope missing reply address")
	}
	var query QueryRequest
	if err := json.Unmarshal(env.Request, &query); err != nil {
		return err
	}
	if err := r.validate.Struct(&query); err != nil {
		return err
	}

	statuses, err := r.presence.FriendStatuses(ctxt, query.UserID)
	if err != nil {
		return err
	}
	var result interface{}
	switch query.Method {
	case "friend_statuses":
		reply := FriendStatusesReply{Statuses: make(map[string]StatusChange, len(statuses))}
		for friendID, record := range statuses {
			reply.Statuses[friendID] = StatusChange{
				UserID: friendID, Status: record.Status, LastChanged: record.LastChanged,
			}
		}
		result = &reply
	case "friends":
		reply := FriendsReply{Friends: make([]string, 0, len(statuses))}
		for friendID := range statuses {
			reply.Friends = append(reply.Friends, friendID)
		}
		result = &reply
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}

	response := common.NewEnvelope(common.MsgTypeRPCResponse, r.nodeID)
	response.CorrelationID = env.CorrelationID
	response.Reply = payload
	return r.bus.Reply(ctxt, env.ReplyTo, response)
}
