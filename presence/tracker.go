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

package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/datastore"
	"github.com/jameslbray/chatrelay/resilience"
)

// Presence status values
const (
	// StatusOnline user has at least one live session
	StatusOnline = "online"
	// StatusAway user asked to appear away
	StatusAway = "away"
	// StatusOffline user has no live session
	StatusOffline = "offline"
)

// Record one user's last known presence
type Record struct {
	// Status one of the Status* values
	Status string
	// LastChanged when the status last changed
	LastChanged time.Time
}

// NotifyFunc callback delivering a presence change to one local user's
// sessions
type NotifyFunc func(userID string, change common.PresenceChanged)

// Publisher the bus surface the tracker publishes presence changes on
type Publisher interface {
	Publish(ctxt context.Context, topic, routingKey string, env common.Envelope) error
}

// Tracker maintains presence state and fans out changes to interested friends
type Tracker interface {
	// Connect mark a user online. Call when their first session authenticates
	Connect(ctxt context.Context, userID string) error
	// Disconnect mark a user offline. Call when their last session closes
	Disconnect(ctxt context.Context, userID string) error
	// SetStatus apply a user requested status change
	SetStatus(ctxt context.Context, userID, status string) error
	// HandleRemote apply a presence change observed on the bus. Changes
	// originating from this node are ignored
	HandleRemote(ctxt context.Context, source string, change common.PresenceChanged)
	// StatusOf a user's last known presence. Unknown users are offline
	StatusOf(userID string) Record
	// FriendStatuses the presence of every friend of a user
	FriendStatuses(ctxt context.Context, userID string) (map[string]Record, error)
	// SetNotifyFunc install the local fan-out callback
	SetNotifyFunc(notify NotifyFunc)
}

// trackerImpl implements Tracker
type trackerImpl struct {
	common.Component
	nodeID  string
	store   datastore.Datastore
	bus     Publisher
	retry   resilience.RetryExecutor
	breaker resilience.CircuitBreaker
	clk     clock.Clock

	friendCache *expirable.LRU[string, []string]

	lock    sync.Mutex
	records map[string]Record
	notify  NotifyFunc
}

// GetTracker define a new presence Tracker
func GetTracker(
	nodeID string,
	store datastore.Datastore,
	bus Publisher,
	retry resilience.RetryExecutor,
	breaker resilience.CircuitBreaker,
	config common.PresenceConfig,
	clk clock.Clock,
	instance string,
) (Tracker, error) {
	logTags := log.Fields{
		"module": "presence", "component": "tracker", "instance": instance,
	}
	if nodeID == "" {
		return nil, fmt.Errorf("presence tracker requires a node ID")
	}
	friendCache := expirable.NewLRU[string, []string](
		config.FriendCacheSize, nil, time.Second*time.Duration(config.FriendCacheTTL),
	)
	return &trackerImpl{
		Component:   common.Component{LogTags: logTags},
		nodeID:      nodeID,
		store:       store,
		bus:         bus,
		retry:       retry,
		breaker:     breaker,
		clk:         clk,
		friendCache: friendCache,
		records:     make(map[string]Record),
	}, nil
}

// SetNotifyFunc install the local fan-out callback
func (t *trackerImpl) SetNotifyFunc(notify NotifyFunc) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.notify = notify
}

// Connect mark a user online
func (t *trackerImpl) Connect(ctxt context.Context, userID string) error {
	return t.applyLocalChange(ctxt, userID, StatusOnline)
}

// Disconnect mark a user offline
func (t *trackerImpl) Disconnect(ctxt context.Context, userID string) error {
	return t.applyLocalChange(ctxt, userID, StatusOffline)
}

// SetStatus apply a user requested status change
func (t *trackerImpl) SetStatus(ctxt context.Context, userID, status string) error {
	if status != StatusOnline && status != StatusAway && status != StatusOffline {
		return fmt.Errorf("unknown presence status '%s'", status)
	}
	return t.applyLocalChange(ctxt, userID, status)
}

// applyLocalChange record a status change made on this node, notify local
// friends, then publish to the bus. Local observers always see the change
// before (or regardless of whether) the bus does
func (t *trackerImpl) applyLocalChange(ctxt context.Context, userID, status string) error {
	now := t.clk.Now()
	t.lock.Lock()
	current, known := t.records[userID]
	if known && current.Status == status {
		t.lock.Unlock()
		return nil
	}
	t.records[userID] = Record{Status: status, LastChanged: now}
	t.lock.Unlock()
	log.WithFields(t.LogTags).Debugf("User %s is now %s", userID, status)

	change := common.PresenceChanged{UserID: userID, Status: status, LastChanged: now}
	t.fanOutToFriends(ctxt, userID, change)

	env := common.NewEnvelope(common.MsgTypePresenceChanged, t.nodeID)
	env.Timestamp = common.TimestampOf(now)
	env.Presence = &change
	routingKey := fmt.Sprintf("presence.user.%s", userID)
	if err := t.bus.Publish(ctxt, "presence", routingKey, env); err != nil {
		// Local state and fan-out already happened. Remote nodes catch up on
		// the next successful publish
		log.WithError(err).WithFields(t.LogTags).Warnf(
			"Unable to broadcast presence change of %s", userID,
		)
		return err
	}
	return nil
}

// HandleRemote apply a presence change observed on the bus
func (t *trackerImpl) HandleRemote(
	ctxt context.Context, source string, change common.PresenceChanged,
) {
	if source == t.nodeID {
		// This node's own broadcast echoed back
		return
	}
	t.lock.Lock()
	current, known := t.records[change.UserID]
	if known && current.LastChanged.After(change.LastChanged) {
		// Stale. A newer change was already applied
		t.lock.Unlock()
		return
	}
	t.records[change.UserID] = Record{
		Status: change.Status, LastChanged: change.LastChanged,
	}
	t.lock.Unlock()
	log.WithFields(t.LogTags).Debugf(
		"User %s is now %s (via %s)", change.UserID, change.Status, source,
	)
	t.fanOutToFriends(ctxt, change.UserID, change)
}

// fanOutToFriends deliver a presence change to the local sessions of each of
// the user's friends
func (t *trackerImpl) fanOutToFriends(
	ctxt context.Context, userID string, change common.PresenceChanged,
) {
	t.lock.Lock()
	notify := t.notify
	t.lock.Unlock()
	if notify == nil {
		return
	}
	friends, err := t.friendIDs(ctxt, userID)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Warnf(
			"Skipping presence fan-out for %s", userID,
		)
		return
	}
	for idx := 0; idx < len(friends); idx++ {
		notify(friends[idx], change)
	}
}

// friendIDs fetch a user's friend list, preferring the cache
func (t *trackerImpl) friendIDs(ctxt context.Context, userID string) ([]string, error) {
	if friends, ok := t.friendCache.Get(userID); ok {
		return friends, nil
	}
	var friends []string
	err := t.retry.Run(ctxt, func(ctxt context.Context) error {
		fetched, err := t.store.FriendIDs(ctxt, userID)
		if err != nil {
			return err
		}
		friends = fetched
		return nil
	}, t.breaker)
	if err != nil {
		return nil, err
	}
	t.friendCache.Add(userID, friends)
	return friends, nil
}

// StatusOf a user's last known presence
func (t *trackerImpl) StatusOf(userID string) Record {
	t.lock.Lock()
	defer t.lock.Unlock()
	if record, ok := t.records[userID]; ok {
		return record
	}
	return Record{Status: StatusOffline, LastChanged: time.Unix(0, 0)}
}

// FriendStatuses the presence of every friend of a user
func (t *trackerImpl) FriendStatuses(
	ctxt context.Context, userID string,
) (map[string]Record, error) {
	friends, err := t.friendIDs(ctxt, userID)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Record, len(friends))
	for idx := 0; idx < len(friends); idx++ {
		result[friends[idx]] = t.StatusOf(friends[idx])
	}
	return result, nil
}
