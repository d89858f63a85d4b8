package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/resilience"
	"github.com/stretchr/testify/assert"
)

// fakeFriendStore canned friend lists with a lookup counter
type fakeFriendStore struct {
	lock    sync.Mutex
	friends map[string][]string
	lookups int
	fail    bool
}

func (s *fakeFriendStore) FriendIDs(ctxt context.Context, userID string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lookups++
	if s.fail {
		return nil, fmt.Errorf("datastore unreachable")
	}
	if friends, ok := s.friends[userID]; ok {
		return friends, nil
	}
	return []string{}, nil
}

func (s *fakeFriendStore) Ready(ctxt context.Context) error { return nil }
func (s *fakeFriendStore) Close(ctxt context.Context)       {}

// fakePublisher records published envelopes
type fakePublisher struct {
	lock      sync.Mutex
	published []common.Envelope
	keys      []string
}

func (p *fakePublisher) Publish(
	ctxt context.Context, topic, routingKey string, env common.Envelope,
) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.published = append(p.published, env)
	p.keys = append(p.keys, routingKey)
	return nil
}

type notified struct {
	userID string
	change common.PresenceChanged
}

func testTracker(
	t *testing.T, store *fakeFriendStore, bus *fakePublisher, clk clock.Clock,
) Tracker {
	retry, err := resilience.GetRetryExecutor("unit-test", resilience.RetryPolicy{
		MaxAttempts:      2,
		InitialDelay:     time.Millisecond,
		MaxDelay:         time.Millisecond * 5,
		BackoffBase:      2.0,
		JitterFraction:   0,
		OpenPollInterval: time.Millisecond * 5,
	}, clock.New())
	assert.Nil(t, err)
	breaker, err := resilience.GetCircuitBreaker("mongo", 5, time.Second, clock.New())
	assert.Nil(t, err)
	uut, err := GetTracker(
		"node-0", store, bus, retry, breaker,
		common.PresenceConfig{FriendCacheSize: 16, FriendCacheTTL: 60},
		clk, "unit-test",
	)
	assert.Nil(t, err)
	return uut
}

func TestTrackerLocalLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	store := &fakeFriendStore{friends: map[string][]string{
		"alice": {"bob", "carol"},
	}}
	bus := &fakePublisher{}
	clk := clock.NewMock()
	uut := testTracker(t, store, bus, clk)

	var seen []notified
	uut.SetNotifyFunc(func(userID string, change common.PresenceChanged) {
		seen = append(seen, notified{userID: userID, change: change})
	})
	ctxt := context.Background()

	// Unknown users default to offline
	assert.Equal(StatusOffline, uut.StatusOf("alice").Status)

	assert.Nil(uut.Connect(ctxt, "alice"))
	assert.Equal(StatusOnline, uut.StatusOf("alice").Status)
	// Both friends were notified before anything hit the bus
	assert.Len(seen, 2)
	assert.Equal("bob", seen[0].userID)
	assert.Equal("carol", seen[1].userID)
	assert.Equal(StatusOnline, seen[0].change.Status)
	assert.Len(bus.published, 1)
	assert.Equal("presence.user.alice", bus.keys[0])
	assert.Equal(StatusOnline, bus.published[0].Presence.Status)

	// Re-applying the current status is a no-op
	assert.Nil(uut.Connect(ctxt, "alice"))
	assert.Len(seen, 2)
	assert.Len(bus.published, 1)

	clk.Add(time.Minute)
	assert.Nil(uut.SetStatus(ctxt, "alice", StatusAway))
	assert.Equal(StatusAway, uut.StatusOf("alice").Status)
	assert.Len(seen, 4)
	assert.Len(bus.published, 2)

	// Invalid status values are rejected
	assert.NotNil(uut.SetStatus(ctxt, "alice", "invisible"))

	clk.Add(time.Minute)
	assert.Nil(uut.Disconnect(ctxt, "alice"))
	assert.Equal(StatusOffline, uut.StatusOf("alice").Status)
}

func TestTrackerRemoteChanges(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	store := &fakeFriendStore{friends: map[string][]string{
		"alice": {"bob"},
	}}
	bus := &fakePublisher{}
	clk := clock.NewMock()
	uut := testTracker(t, store, bus, clk)

	var seen []notified
	uut.SetNotifyFunc(func(userID string, change common.PresenceChanged) {
		seen = append(seen, notified{userID: userID, change: change})
	})
	ctxt := context.Background()
	base := clk.Now()

	// Changes from other nodes apply and fan out locally
	uut.HandleRemote(ctxt, "node-1", common.PresenceChanged{
		UserID: "alice", Status: StatusOnline, LastChanged: base,
	})
	assert.Equal(StatusOnline, uut.StatusOf("alice").Status)
	assert.Len(seen, 1)
	assert.Equal("bob", seen[0].userID)
	// Remote changes are never re-published
	assert.Empty(bus.published)

	// This node's own broadcast echoing back is ignored
	uut.HandleRemote(ctxt, "node-0", common.PresenceChanged{
		UserID: "alice", Status: StatusAway, LastChanged: base.Add(time.Second),
	})
	assert.Equal(StatusOnline, uut.StatusOf("alice").Status)
	assert.Len(seen, 1)

	// Stale changes lose against newer local state
	uut.HandleRemote(ctxt, "node-2", common.PresenceChanged{
		UserID: "alice", Status: StatusOffline, LastChanged: base.Add(-time.Minute),
	})
	assert.Equal(StatusOnline, uut.StatusOf("alice").Status)
}

func TestTrackerFriendStatuses(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	store := &fakeFriendStore{friends: map[string][]string{
		"alice": {"bob", "carol"},
	}}
	bus := &fakePublisher{}
	uut := testTracker(t, store, bus, clock.NewMock())
	ctxt := context.Background()

	uut.HandleRemote(ctxt, "node-1", common.PresenceChanged{
		UserID: "bob", Status: StatusAway, LastChanged: time.Now(),
	})

	statuses, err := uut.FriendStatuses(ctxt, "alice")
	assert.Nil(err)
	assert.Len(statuses, 2)
	assert.Equal(StatusAway, statuses["bob"].Status)
	assert.Equal(StatusOffline, statuses["carol"].Status)

	// Second lookup must come from the cache
	before := store.lookups
	_, err = uut.FriendStatuses(ctxt, "alice")
	assert.Nil(err)
	assert.Equal(before, store.lookups)
}

func TestTrackerDatastoreFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	store := &fakeFriendStore{fail: true}
	bus := &fakePublisher{}
	uut := testTracker(t, store, bus, clock.NewMock())
	ctxt := context.Background()

	_, err := uut.FriendStatuses(ctxt, "alice")
	assert.NotNil(err)
	exhausted := &resilience.RetryExhaustedError{}
	assert.ErrorAs(err, &exhausted)

	// Status changes still apply locally and broadcast even when the friend
	// lookup fails
	assert.Nil(uut.Connect(ctxt, "alice"))
	assert.Equal(StatusOnline, uut.StatusOf("alice").Status)
	assert.Len(bus.published, 1)
}
