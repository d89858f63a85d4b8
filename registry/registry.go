package registry

import (
	"sync"

	"github.com/apex/log"
	"github.com/jameslbray/chatrelay/common"
)

// ConnectionRegistry in-memory bidirectional map of transport session ID to
// logical user ID, plus room membership per session.
//
// The session-to-user and user-to-sessions maps stay mutually consistent: a
// session appears in exactly one user's session set, or in none.
type ConnectionRegistry interface {
	// Register record an authenticated session. Idempotent upsert in both
	// directions; re-registering a session moves it to the new user. Returns
	// true when this is the user's first live session
	Register(sessionID, userID string) bool
	// Unregister remove a session and its room memberships. Returns the user
	// ID with true only when this was the user's last remaining session
	Unregister(sessionID string) (string, bool)
	// SessionsFor all live sessions of a user
	SessionsFor(userID string) []string
	// UserFor the user a session is bound to, if any
	UserFor(sessionID string) (string, bool)
	// JoinRoom add a session to a room
	JoinRoom(sessionID, room string)
	// LeaveRoom remove a session from a room
	LeaveRoom(sessionID, room string)
	// RoomMembers all sessions currently in a room
	RoomMembers(room string) []string
	// Rooms all rooms a session is currently in
	Rooms(sessionID string) []string
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock          sync.Mutex
	sessionToUser map[string]string
	userSessions  map[string]map[string]bool
	sessionRooms  map[string]map[string]bool
	roomSessions  map[string]map[string]bool
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:     common.Component{LogTags: logTags},
		sessionToUser: make(map[string]string),
		userSessions:  make(map[string]map[string]bool),
		sessionRooms:  make(map[string]map[string]bool),
		roomSessions:  make(map[string]map[string]bool),
	}, nil
}

// Register record an authenticated session
func (r *connectionRegistryImpl) Register(sessionID, userID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if prior, ok := r.sessionToUser[sessionID]; ok && prior != userID {
		// Re-authentication. Detach from the prior user first
		r.detachFromUser(sessionID, prior)
	}
	r.sessionToUser[sessionID] = userID
	first := len(r.userSessions[userID]) == 0
	if r.userSessions[userID] == nil {
		r.userSessions[userID] = make(map[string]bool)
	}
	r.userSessions[userID][sessionID] = true
	log.WithFields(r.LogTags).Debugf("Registered session %s for user %s", sessionID, userID)
	return first
}

// Unregister remove a session and its room memberships
func (r *connectionRegistryImpl) Unregister(sessionID string) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Drop all room memberships of the session
	for room := range r.sessionRooms[sessionID] {
		r.dropFromRoom(sessionID, room)
	}
	delete(r.sessionRooms, sessionID)
	userID, ok := r.sessionToUser[sessionID]
	if !ok {
		return "", false
	}
	delete(r.sessionToUser, sessionID)
	r.detachFromUser(sessionID, userID)
	if len(r.userSessions[userID]) == 0 {
		log.WithFields(r.LogTags).Debugf("User %s fully offline", userID)
		return userID, true
	}
	return "", false
}

// detachFromUser remove a session from a user's session set. Caller holds lock
func (r *connectionRegistryImpl) detachFromUser(sessionID, userID string) {
	if sessions, ok := r.userSessions[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.userSessions, userID)
		}
	}
}

// dropFromRoom remove a session from a room's member set. Caller holds lock
func (r *connectionRegistryImpl) dropFromRoom(sessionID, room string) {
	if members, ok := r.roomSessions[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.roomSessions, room)
		}
	}
}

// SessionsFor all live sessions of a user
func (r *connectionRegistryImpl) SessionsFor(userID string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	sessions := make([]string, 0, len(r.userSessions[userID]))
	for sessionID := range r.userSessions[userID] {
		sessions = append(sessions, sessionID)
	}
	return sessions
}

// UserFor the user a session is bound to, if any
func (r *connectionRegistryImpl) UserFor(sessionID string) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	userID, ok := r.sessionToUser[sessionID]
	return userID, ok
}

// JoinRoom add a session to a room
func (r *connectionRegistryImpl) JoinRoom(sessionID, room string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sessionRooms[sessionID] == nil {
		r.sessionRooms[sessionID] = make(map[string]bool)
	}
	r.sessionRooms[sessionID][room] = true
	if r.roomSessions[room] == nil {
		r.roomSessions[room] = make(map[string]bool)
	}
	r.roomSessions[room][sessionID] = true
	log.WithFields(r.LogTags).Debugf("Session %s joined room %s", sessionID, room)
}

// LeaveRoom remove a session from a room
func (r *connectionRegistryImpl) LeaveRoom(sessionID, room string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if rooms, ok := r.sessionRooms[sessionID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.sessionRooms, sessionID)
		}
	}
	r.dropFromRoom(sessionID, room)
	log.WithFields(r.LogTags).Debugf("Session %s left room %s", sessionID, room)
}

// RoomMembers all sessions currently in a room
func (r *connectionRegistryImpl) RoomMembers(room string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	members := make([]string, 0, len(r.roomSessions[room]))
	for sessionID := range r.roomSessions[room] {
		members = append(members, sessionID)
	}
	return members
}

// Rooms all rooms a session is currently in
func (r *connectionRegistryImpl) Rooms(sessionID string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	rooms := make([]string, 0, len(r.sessionRooms[sessionID]))
	for room := range r.sessionRooms[sessionID] {
		rooms = append(rooms, room)
	}
	return rooms
}
