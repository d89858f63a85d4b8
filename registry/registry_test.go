package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryBidirectionalConsistency(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConnectionRegistry("ut-consistency")
	assert.Nil(err)

	// Multi-device: two sessions for the same user
	assert.True(uut.Register("s1", "u1"))
	assert.False(uut.Register("s2", "u1"))
	assert.True(uut.Register("s3", "u2"))

	assert.ElementsMatch([]string{"s1", "s2"}, uut.SessionsFor("u1"))
	for _, sessionID := range uut.SessionsFor("u1") {
		userID, ok := uut.UserFor(sessionID)
		assert.True(ok)
		assert.Equal("u1", userID)
	}

	// Register is an idempotent upsert
	assert.False(uut.Register("s1", "u1"))
	assert.Len(uut.SessionsFor("u1"), 2)

	// Re-authentication moves the session to the new user
	assert.False(uut.Register("s3", "u1"))
	assert.Empty(uut.SessionsFor("u2"))
	assert.Len(uut.SessionsFor("u1"), 3)

	// Unregister only reports the user ID on the last session
	userID, last := uut.Unregister("s1")
	assert.False(last)
	assert.Empty(userID)
	_, last = uut.Unregister("s2")
	assert.False(last)
	userID, last = uut.Unregister("s3")
	assert.True(last)
	assert.Equal("u1", userID)

	// Unknown session is a no-op
	_, last = uut.Unregister("s1")
	assert.False(last)
}

func TestRegistryRoomMembership(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConnectionRegistry("ut-rooms")
	assert.Nil(err)

	uut.Register("s1", "u1")
	uut.Register("s2", "u2")
	uut.JoinRoom("s1", "general")
	uut.JoinRoom("s2", "general")
	uut.JoinRoom("s1", "random")

	assert.ElementsMatch([]string{"s1", "s2"}, uut.RoomMembers("general"))
	assert.ElementsMatch([]string{"general", "random"}, uut.Rooms("s1"))

	uut.LeaveRoom("s1", "general")
	assert.ElementsMatch([]string{"s2"}, uut.RoomMembers("general"))

	// Unregister clears remaining room memberships
	uut.Unregister("s1")
	assert.Empty(uut.RoomMembers("random"))
	assert.Empty(uut.Rooms("s1"))
}

func TestRegistryConcurrentChurn(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConnectionRegistry("ut-churn")
	assert.Nil(err)

	users := 8
	sessionsPerUser := 16
	wg := sync.WaitGroup{}
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", u)
			lastSeen := 0
			for s := 0; s < sessionsPerUser; s++ {
				sessionID := fmt.Sprintf("u%d-s%d", u, s)
				uut.Register(sessionID, userID)
				uut.JoinRoom(sessionID, "general")
			}
			for s := 0; s < sessionsPerUser; s++ {
				sessionID := fmt.Sprintf("u%d-s%d", u, s)
				if _, last := uut.Unregister(sessionID); last {
					lastSeen++
				}
			}
			// Exactly one unregister per user reports fully-offline
			assert.Equal(1, lastSeen)
		}(u)
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		assert.Empty(uut.SessionsFor(fmt.Sprintf("u%d", u)))
	}
	assert.Empty(uut.RoomMembers("general"))
}
