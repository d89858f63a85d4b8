package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/jameslbray/chatrelay/bridge"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/identity"
	"github.com/jameslbray/chatrelay/presence"
	"github.com/jameslbray/chatrelay/registry"
	"github.com/jameslbray/chatrelay/resilience"
	"github.com/stretchr/testify/assert"
)

// fakeBus scripted BusBridge. Query exchanges loop back into the subscribed
// query handler
type fakeBus struct {
	lock        sync.Mutex
	topics      map[string]bool
	queues      map[string]bool
	handlers    map[string]bridge.MessageHandler
	published   chan common.Envelope
	publishErr  error
	rpcErr      error
	replies     map[string]common.Envelope
	correlation int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		topics:    make(map[string]bool),
		queues:    make(map[string]bool),
		handlers:  make(map[string]bridge.MessageHandler),
		published: make(chan common.Envelope, 16),
		replies:   make(map[string]common.Envelope),
	}
}

func (b *fakeBus) Connect(ctxt context.Context) error { return nil }
func (b *fakeBus) Connected() bool                    { return true }
func (b *fakeBus) ReplyInbox() string                 { return "_INBOX.test" }
func (b *fakeBus) Close(ctxt context.Context)         {}

func (b *fakeBus) DeclareTopic(ctxt context.Context, name string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.topics[name] = true
	return nil
}

func (b *fakeBus) DeclareQueue(ctxt context.Context, name string, durable bool) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.queues[name] = true
	return nil
}

func (b *fakeBus) Bind(ctxt context.Context, queue, topic, pattern string) error {
	return nil
}

func (b *fakeBus) Subscribe(queue, group string, handler bridge.MessageHandler) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[queue] = handler
	return nil
}

func (b *fakeBus) Publish(
	ctxt context.Context, topic, routingKey string, env common.Envelope,
) error {
	b.lock.Lock()
	failWith := b.publishErr
	b.lock.Unlock()
	if failWith != nil {
		return failWith
	}
	b.published <- env
	return nil
}

func (b *fakeBus) Reply(ctxt context.Context, replyTo string, env common.Envelope) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.replies[env.CorrelationID] = env
	return nil
}

func (b *fakeBus) PublishAndWait(
	ctxt context.Context, topic, routingKey string, env common.Envelope,
	timeout time.Duration,
) (common.Envelope, error) {
	if b.rpcErr != nil {
		return common.Envelope{}, b.rpcErr
	}
	b.lock.Lock()
	b.correlation++
	env.CorrelationID = fmt.Sprintf("req-%d", b.correlation)
	env.ReplyTo = "_INBOX.test"
	handler := b.handlers[rpcQueueName]
	b.lock.Unlock()
	if handler == nil {
		return common.Envelope{}, &bridge.RPCTimeoutError{CorrelationID: env.CorrelationID}
	}
	if err := handler(ctxt, env); err != nil {
		return common.Envelope{}, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	reply, ok := b.replies[env.CorrelationID]
	if !ok {
		return common.Envelope{}, &bridge.RPCTimeoutError{CorrelationID: env.CorrelationID}
	}
	return reply, nil
}

// fakeTracker scripted presence Tracker
type fakeTracker struct {
	lock        sync.Mutex
	notify      presence.NotifyFunc
	connects    []string
	disconnects []string
	statuses    map[string]string
	remote      []common.PresenceChanged
	friends     map[string]map[string]presence.Record
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		statuses: make(map[string]string),
		friends:  make(map[string]map[string]presence.Record),
	}
}

func (t *fakeTracker) Connect(ctxt context.Context, userID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.connects = append(t.connects, userID)
	return nil
}

func (t *fakeTracker) Disconnect(ctxt context.Context, userID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.disconnects = append(t.disconnects, userID)
	return nil
}

func (t *fakeTracker) SetStatus(ctxt context.Context, userID, status string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.statuses[userID] = status
	return nil
}

func (t *fakeTracker) HandleRemote(
	ctxt context.Context, source string, change common.PresenceChanged,
) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.remote = append(t.remote, change)
}

func (t *fakeTracker) StatusOf(userID string) presence.Record {
	return presence.Record{Status: presence.StatusOffline}
}

func (t *fakeTracker) FriendStatuses(
	ctxt context.Context, userID string,
) (map[string]presence.Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if statuses, ok := t.friends[userID]; ok {
		return statuses, nil
	}
	return map[string]presence.Record{}, nil
}

func (t *fakeTracker) SetNotifyFunc(notify presence.NotifyFunc) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.notify = notify
}

// fakeConn scripted ClientConn
type fakeConn struct {
	lock      sync.Mutex
	sessionID string
	events    []ServerEvent
	closed    bool
	reason    string
}

func (c *fakeConn) SessionID() string { return c.sessionID }

func (c *fakeConn) Send(event ServerEvent) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	c.reason = reason
}

func (c *fakeConn) received() []ServerEvent {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]ServerEvent, len(c.events))
	copy(result, c.events)
	return result
}

// ==============================================================================

type relayFixture struct {
	uut     EventRelay
	bus     *fakeBus
	tracker *fakeTracker
	conns   registry.ConnectionRegistry
	wg      sync.WaitGroup
}

func setupRelay(t *testing.T) *relayFixture {
	log.SetLevel(log.ErrorLevel)
	fixture := &relayFixture{bus: newFakeBus(), tracker: newFakeTracker()}
	conns, err := registry.GetConnectionRegistry("unit-test")
	assert.Nil(t, err)
	fixture.conns = conns
	retry, err := resilience.GetRetryExecutor("unit-test", resilience.RetryPolicy{
		MaxAttempts:      2,
		InitialDelay:     time.Millisecond,
		MaxDelay:         time.Millisecond * 5,
		BackoffBase:      2.0,
		JitterFraction:   0,
		OpenPollInterval: time.Millisecond * 5,
	}, clock.New())
	assert.Nil(t, err)
	breaker, err := resilience.GetCircuitBreaker("auth", 5, time.Second, clock.New())
	assert.Nil(t, err)
	fixture.uut, err = GetEventRelay(EventRelayParams{
		Instance:    "unit-test",
		NodeID:      "node-0",
		Connections: conns,
		Bus:         fixture.bus,
		Presence:    fixture.tracker,
		Identity: identity.GetStaticVerifier(map[string]string{
			"token-alice":   "alice",
			"token-alice-2": "alice",
			"token-bob":     "bob",
		}),
		Retry:       retry,
		AuthBreaker: breaker,
		DefaultRoom: "general",
		RPCTimeout:  time.Second,
	}, clock.New(), &fixture.wg)
	assert.Nil(t, err)
	assert.Nil(t, fixture.uut.Start(context.Background()))
	return fixture
}

func (f *relayFixture) connect(t *testing.T, sessionID, token string) *fakeConn {
	conn := &fakeConn{sessionID: sessionID}
	assert.Nil(t, f.uut.HandleConnect(context.Background(), conn, token))
	return conn
}

func sendEvent(
	t *testing.T, uut EventRelay, conn ClientConn, eventType string, payload interface{},
) {
	frame := ClientEvent{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		assert.Nil(t, err)
		frame.Data = data
	}
	raw, err := json.Marshal(&frame)
	assert.Nil(t, err)
	uut.HandleEvent(context.Background(), conn, raw)
}

func TestRelayConnectLifecycle(t *testing.T) {
	assert := assert.New(t)
	fixture := setupRelay(t)
	ctxt := context.Background()

	// Topology was declared on start
	assert.True(fixture.bus.topics["chat"])
	assert.True(fixture.bus.topics["presence"])
	assert.True(fixture.bus.queues["chatrelay-events-node-0"])
	assert.True(fixture.bus.queues[rpcQueueName])

	// Invalid tokens disconnect with no detail leaked to the client
	badConn := &fakeConn{sessionID: "session-bad"}
	assert.NotNil(fixture.uut.HandleConnect(ctxt, badConn, "bogus"))
	assert.True(badConn.closed)
	assert.Empty(badConn.received())
	_, bound := fixture.conns.UserFor("session-bad")
	assert.False(bound)

	// First session of a user marks them online
	conn1 := fixture.connect(t, "session-1", "token-alice")
	assert.False(conn1.closed)
	assert.Equal([]string{"alice"}, fixture.tracker.connects)
	userID, bound := fixture.conns.UserFor("session-1")
	assert.True(bound)
	assert.Equal("alice", userID)
	// And joined the default room
	assert.Contains(fixture.conns.RoomMembers("general"), "session-1")

	// A second session of the same user does not re-announce
	fixture.connect(t, "session-2", "token-alice-2")
	assert.Equal([]string{"alice"}, fixture.tracker.connects)

	// Disconnects only mark offline once the last session is gone
	fixture.uut.HandleDisconnect(ctxt, conn1)
	assert.Empty(fixture.tracker.disconnects)
	fixture.uut.HandleDisconnect(ctxt, &fakeConn{sessionID: "session-2"})
	assert.Equal([]string{"alice"}, fixture.tracker.disconnects)
}

func TestRelayEventValidation(t *testing.T) {
	assert := assert.New(t)
	fixture := setupRelay(t)
	ctxt := context.Background()

	// Events before authentication are refused
	stranger := &fakeConn{sessionID: "session-x"}
	fixture.uut.HandleEvent(ctxt, stranger, []byte(`{"type":"join_room"}`))
	events := stranger.received()
	assert.Len(events, 1)
	assert.Equal(ErrKindNotAuthenticated, events[0].Error.Kind)

	conn := fixture.connect(t, "session-1", "token-alice")

	// Undecodable frames
	fixture.uut.HandleEvent(ctxt, conn, []byte(`not json`))
	// Unknown event types
	fixture.uut.HandleEvent(ctxt, conn, []byte(`{"type":"teleport"}`))
	// Missing payload
	fixture.uut.HandleEvent(ctxt, conn, []byte(`{"type":"join_room"}`))
	// Payload failing validation
	fixture.uut.HandleEvent(ctxt, conn, []byte(`{"type":"set_status","data":{"status":"ghost"}}`))
	events = conn.received()
	assert.Len(events, 4)
	for _, event := range events {
		assert.Equal(ServerEventError, event.Type)
		assert.Equal(ErrKindValidation, event.Error.Kind)
	}
}

func TestRelaySendMessage(t *testing.T) {
	assert := assert.New(t)
	fixture := setupRelay(t)

	sender := fixture.connect(t, "session-1", "token-alice")
	receiver := fixture.connect(t, "session-2", "token-bob")

	sendEvent(t, fixture.uut, sender, EventSendMessage, SendMessageEvent{
		RoomID: "general", Content: "hello room",
	})

	// Every local room member saw the message, the sender's session included
	events := receiver.received()
	assert.Len(events, 1)
	assert.Equal(ServerEventMessage, events[0].Type)
	assert.Equal("alice", events[0].Message.SenderID)
	assert.Equal("hello room", events[0].Message.Content)
	senderEvents := sender.received()
	assert.Len(senderEvents, 1)
	assert.Equal(ServerEventMessage, senderEvents[0].Type)
	assert.Equal(events[0].Message.MessageID, senderEvents[0].Message.MessageID)

	// And the message went out on the bus
	select {
	case env := <-fixture.bus.published:
		assert.Equal(common.MsgTypeChatBroadcast, env.Type)
		assert.Equal("node-0", env.Source)
		assert.Equal("general", env.Chat.RoomID)
		assert.Equal(events[0].Message.MessageID, env.Chat.MessageID)
	case <-time.After(time.Second):
		assert.FailNow("message never published to the bus")
	}
	fixture.wg.Wait()
}

func TestRelaySendMessageDeliveryFailure(t *testing.T) {
	assert := assert.New(t)
	fixture := setupRelay(t)

	sender := fixture.connect(t, "session-1", "token-alice")
	fixture.bus.lock.Lock()
	fixture.bus.publishErr = fmt.Errorf("bus unreachable")
	fixture.bus.lock.Unlock()

	sendEvent(t, fixture.uut, sender, EventSendMessage, SendMessageEvent{
		RoomID: "general", Content: "hello room",
	})
	fixture.wg.Wait()

	// The local emit still happened; the failed publish is reported after
	events := sender.received()
	assert.Len(events, 2)
	assert.Equal(ServerEventMessage, events[0].Type)
	assert.Equal(ServerEventError, events[1].Type)
	assert.Equal(ErrKindDeliveryFailed, events[1].Error.Kind)
}

func TestRelayBusEvents(t *testing.T) {
	assert := assert.New(t)
	fixture := setupRelay(t)
	ctxt := context.Background()

	local := fixture.connect(t, "session-1", "token-alice")
	busHandler := fixture.bus.handlers["chatrelay-events-node-0"]
	assert.NotNil(busHandler)

	// Chat events from other nodes reach local room members
	env := common.NewEnvelope(common.MsgTypeChatBroadcast, "node-1")
	env.Chat = &common.ChatBroadcast{
		SenderID: "bob", RoomID: "general", MessageID: "msg-1", Content: "from afar",
	}
	assert.Nil(busHandler(ctxt, env))
	events := local.received()
	assert.Len(events, 1)
	assert.Equal("from afar", events[0].Message.Content)

	// This node's own broadcasts are dropped
	echo := common.NewEnvelope(common.MsgTypeChatBroadcast, "node-0")
	echo.Chat = env.Chat
	assert.Nil(busHandler(ctxt, echo))
	assert.Len(local.received(), 1)

	// Presence events are handed to the tracker
	presenceEnv := common.NewEnvelope(common.MsgTypePresenceChanged, "node-1")
	presenceEnv.Presence = &common.PresenceChanged{
		UserID: "carol", Status: "online", LastChanged: time.Now(),
	}
	assert.Nil(busHandler(ctxt, presenceEnv))
	assert.Len(fixture.tracker.remote, 1)
	assert.Equal("carol", fixture.tracker.remote[0].UserID)

	// Envelopes missing their payload are rejected
	assert.NotNil(busHandler(ctxt, common.NewEnvelope(common.MsgTypeChatBroadcast, "node-1")))
	assert.NotNil(busHandler(ctxt, common.NewEnvelope("mystery", "node-1")))
}

func TestRelayPresenceNotify(t *testing.T) {
	assert := assert.New(t)
	fixture := setupRelay(t)

	conn := fixture.connect(t, "session-1", "token-alice")
	assert.NotNil(fixture.tracker.notify)

	fixture.tracker.notify("alice", common.PresenceChanged{
		UserID: "bob", Status: "away", LastChanged: time.Now(),
	})
	events := conn.received()
	assert.Len(events, 1)
	assert.Equal(ServerEventStatusChanged, events[0].Type)
	assert.Equal("bob", events[0].Status.UserID)
	assert.Equal("away", events[0].Status.Status)
}

func TestRelayQueryRoundTrip(t *testing.T) {
	assert := assert.New(t)
	fixture := setupRelay(t)

	fixture.tracker.friends["alice"] = map[string]presence.Record{
		"bob": {Status: presence.StatusAway, LastChanged: time.Now()},
	}
	conn := fixture.connect(t, "session-1", "token-alice")

	sendEvent(t, fixture.uut, conn, EventGetFriendStatuses, nil)
	events := conn.received()
	assert.Len(events, 1)
	assert.Equal(ServerEventResult, events[0].Type)
	var reply FriendStatusesReply
	assert.Nil(json.Unmarshal(events[0].Result, &reply))
	assert.Len(reply.Statuses, 1)
	assert.Equal(presence.StatusAway, reply.Statuses["bob"].Status)

	sendEvent(t, fixture.uut, conn, EventGetFriends, nil)
	events = conn.received()
	assert.Len(events, 2)
	var friends FriendsReply
	assert.Nil(json.Unmarshal(events[1].Result, &friends))
	assert.Equal([]string{"bob"}, friends.Friends)
}

func TestRelayQueryTimeout(t *testing.T) {
	assert := assert.New(t)
	fixture := setupRelay(t)

	conn := fixture.connect(t, "session-1", "token-alice")
	fixture.bus.rpcErr = &bridge.RPCTimeoutError{CorrelationID: "req-0"}

	sendEvent(t, fixture.uut, conn, EventGetFriends, nil)
	events := conn.received()
	assert.Len(events, 1)
	assert.Equal(ServerEventError, events[0].Type)
	assert.Equal(ErrKindRPCTimeout, events[0].Error.Kind)
}
