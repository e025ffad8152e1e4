// Package ws is the realtime core of the gateway: the process-local
// connection registry, the per-socket session state machine, and the event
// dispatch that coordinates presence, typing, and message fan-out through
// the shared cache and pub/sub bus.
package ws

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry maps a user id to the set of live sessions on this process.
// It is process-local by design: cross-instance reachability goes through
// the pub/sub bus, never through the registry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Session]bool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]map[*Session]bool),
		logger:   logger.With("component", "registry"),
	}
}

// Register adds a session to the user's connection set and reports whether
// it was the user's first live connection (the 0 -> 1 transition).
// Concurrent registrations for the same user are all retained - one user
// may hold a socket per device.
func (r *Registry) Register(userID uuid.UUID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[*Session]bool)
		r.sessions[userID] = set
	}
	set[s] = true

	first := len(set) == 1
	r.logger.Debug("session registered", "user_id", userID, "connections", len(set), "first", first)
	return first
}

// Unregister removes exactly this session and reports whether the user went
// fully offline (the 1 -> 0 transition). Removing a session that is not
// registered is a no-op and never reports offline, so duplicate cleanup
// paths cannot double-fire presence.
func (r *Registry) Unregister(userID uuid.UUID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[userID]
	if !ok || !set[s] {
		return false
	}

	delete(set, s)
	if len(set) > 0 {
		r.logger.Debug("session unregistered", "user_id", userID, "connections", len(set))
		return false
	}

	delete(r.sessions, userID)
	r.logger.Debug("user offline", "user_id", userID)
	return true
}

// SendToUser enqueues the frame to every session of the user on this
// process and returns the number of sessions that accepted it. A session
// that cannot accept the write is treated as dead and closed; its cleanup
// (unregister, presence) runs through the normal disconnect path so the
// offline transition still fires exactly once.
func (r *Registry) SendToUser(userID uuid.UUID, frame []byte) int {
	r.mu.RLock()
	set := r.sessions[userID]
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.Enqueue(frame) {
			sent++
			continue
		}
		r.logger.Warn("session rejected write, closing", "user_id", userID)
		s.Close()
	}
	return sent
}

// Connections returns the number of live sessions for a user.
func (r *Registry) Connections(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}

// IsOnline reports whether the user has any live session on this process.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	return r.Connections(userID) > 0
}

// OnlineUserIDs returns the ids of all users with a session on this process.
func (r *Registry) OnlineUserIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
