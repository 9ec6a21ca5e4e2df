// Package session tracks which client connections live on this instance,
// which user and quiz each one is bound to, and the per-quiz rooms used for
// broadcast fan-out. All state is instance-local; the shared leaderboard
// store is the only cross-instance state in the system.
package session

import (
	"errors"
	"sync"
)

// ErrUnknownSession is returned when an operation names a session id that
// was never registered or has already been cleaned up.
var ErrUnknownSession = errors.New("unknown session")

// Pipe is a session's outbound frame queue. Send must not block; it reports
// false when the frame was dropped because the queue is full or the session
// is closing.
type Pipe interface {
	Send(frame any) bool
}

// Registry is the instance-local index of live sessions. It holds five
// maps under one RWMutex; every critical section is O(1) except the room
// snapshot, and none of them spans a send or any other blocking call.
//
//   - session → outbound pipe
//   - session → user (set by JOIN)
//   - user → owning session (latest JOIN wins)
//   - session → quiz
//   - quiz → set of sessions (the room)
type Registry struct {
	mu      sync.RWMutex
	pipes   map[string]Pipe
	users   map[string]string
	owners  map[string]string
	quizzes map[string]string
	rooms   map[string]map[string]struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pipes:   make(map[string]Pipe),
		users:   make(map[string]string),
		owners:  make(map[string]string),
		quizzes: make(map[string]string),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Register records a freshly connected session and its outbound pipe.
func (r *Registry) Register(sessionID string, pipe Pipe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipes[sessionID] = pipe
}

// Associate binds a user to a session. If another session currently holds
// the user, the user moves to the new session; the old session stays open
// and keeps serving its own id until its next JOIN rebinds it.
func (r *Registry) Associate(sessionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pipes[sessionID]; !ok {
		return ErrUnknownSession
	}
	r.users[sessionID] = userID
	r.owners[userID] = sessionID
	return nil
}

// User returns the user bound to a session, if any.
func (r *Registry) User(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[sessionID]
	return u, ok
}

// UserSession returns the session currently owning a user, if any.
func (r *Registry) UserSession(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.owners[userID]
	return s, ok
}

// JoinRoom moves a session into a quiz's room, leaving any prior room
// first. A session is in at most one room at a time.
func (r *Registry) JoinRoom(quizID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pipes[sessionID]; !ok {
		return ErrUnknownSession
	}
	r.leaveRoomLocked(sessionID)

	room, ok := r.rooms[quizID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[quizID] = room
	}
	room[sessionID] = struct{}{}
	r.quizzes[sessionID] = quizID
	return nil
}

// Quiz returns the quiz a session has joined, if any.
func (r *Registry) Quiz(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.quizzes[sessionID]
	return q, ok
}

// InRoom reports whether the session is currently in the quiz's room.
func (r *Registry) InRoom(quizID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[quizID][sessionID]
	return ok
}

// RoomPipes snapshots the outbound pipes of every session in the quiz's
// room. Callers send on the snapshot after the lock is released, so a
// session cleaned up mid-broadcast may still receive one final frame.
func (r *Registry) RoomPipes(quizID string) []Pipe {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[quizID]
	if len(room) == 0 {
		return nil
	}
	pipes := make([]Pipe, 0, len(room))
	for sessionID := range room {
		if p, ok := r.pipes[sessionID]; ok {
			pipes = append(pipes, p)
		}
	}
	return pipes
}

// RoomSize reports how many local sessions are in the quiz's room.
func (r *Registry) RoomSize(quizID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[quizID])
}

// SessionCount reports how many sessions are registered on this instance.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pipes)
}

// Cleanup removes every trace of a session. It is idempotent and tolerates
// sessions that never joined, so the disconnect path and the stale sweep
// can race without harm.
func (r *Registry) Cleanup(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pipes, sessionID)
	if user, ok := r.users[sessionID]; ok {
		delete(r.users, sessionID)
		// Only drop the ownership if it wasn't already rebound elsewhere.
		if r.owners[user] == sessionID {
			delete(r.owners, user)
		}
	}
	r.leaveRoomLocked(sessionID)
}

// leaveRoomLocked detaches the session from its room, dropping the room
// once empty. Callers hold the write lock.
func (r *Registry) leaveRoomLocked(sessionID string) {
	quizID, ok := r.quizzes[sessionID]
	if !ok {
		return
	}
	delete(r.quizzes, sessionID)
	if room, ok := r.rooms[quizID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, quizID)
		}
	}
}
