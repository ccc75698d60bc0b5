package service

import (
	"log"
	"sync"

	"shadowkeep-backend/internal/model"
)

// PresenceTracker maps connections to roles and keeps one online flag
// per role. Connections are reference-counted: a role goes offline only
// when its last identified connection drops, so a second tab or a
// reconnect does not flap the role offline.
type PresenceTracker struct {
	mu    sync.Mutex
	conns map[string]model.Role
	count map[model.Role]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		conns: make(map[string]model.Role),
		count: make(map[model.Role]int),
	}
}

// Identify binds a connection to a role. Returns true when the role's
// online flag changed. Re-identifying the same connection as the same
// role is a no-op; switching roles on a live connection rebinds it.
func (p *PresenceTracker) Identify(connID string, role model.Role) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.conns[connID]; ok {
		if prev == role {
			return false
		}
		p.count[prev]--
		if p.count[prev] <= 0 {
			delete(p.count, prev)
		}
	}

	p.conns[connID] = role
	p.count[role]++
	if p.count[role] == 1 {
		log.Printf("Presence: %s is now online", role)
		return true
	}
	return false
}

// Disconnect unbinds a connection. Returns the role it was bound to and
// whether the role's online flag changed. No-op for connections that
// never identified.
func (p *PresenceTracker) Disconnect(connID string) (model.Role, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	role, ok := p.conns[connID]
	if !ok {
		return "", false
	}
	delete(p.conns, connID)

	p.count[role]--
	if p.count[role] <= 0 {
		delete(p.count, role)
		log.Printf("Presence: %s is now offline", role)
		return role, true
	}
	return role, false
}

// Snapshot returns the online flag for every known role.
func (p *PresenceTracker) Snapshot() map[model.Role]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := make(map[model.Role]bool, len(model.Roles))
	for _, role := range model.Roles {
		status[role] = p.count[role] > 0
	}
	return status
}
