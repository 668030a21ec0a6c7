package relay

import (
	"log/slog"
	"sort"
	"sync"
)

// Role is the authentication state of a connection.
type Role int

const (
	RoleUnauthenticated Role = iota
	RoleTarget
	RoleController
)

func (r Role) String() string {
	switch r {
	case RoleTarget:
		return "target"
	case RoleController:
		return "controller"
	default:
		return "unauthenticated"
	}
}

// Sink is the outbound endpoint of one connection. Send must not block.
type Sink interface {
	ID() string
	Send(payload []byte) error
	Close()
}

// Presence maps connected identities to their sinks and tracks which of them
// authenticated as targets or controllers. Role sets are always subsets of
// the connected identities, and disjoint. All methods are safe for concurrent
// use; none of them performs I/O while holding the lock.
type Presence struct {
	mu          sync.RWMutex
	connections map[string]Sink
	targets     map[string]uint64
	controllers map[string]uint64
	seq         uint64
	logger      *slog.Logger
}

// NewPresence returns an empty registry. A nil logger uses slog.Default().
func NewPresence(logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		connections: make(map[string]Sink),
		targets:     make(map[string]uint64),
		controllers: make(map[string]uint64),
		logger:      logger,
	}
}

func (p *Presence) roleSet(role Role) map[string]uint64 {
	switch role {
	case RoleTarget:
		return p.targets
	case RoleController:
		return p.controllers
	default:
		return nil
	}
}

// Register inserts or overwrites the sink for identity. When it replaces a
// different sink, the previous sink and the role it held are returned; the
// replaced identity starts over unauthenticated.
func (p *Presence) Register(identity string, sink Sink) (prev Sink, prevRole Role) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.connections[identity]; ok && old != sink {
		prev = old
		prevRole = p.roleLocked(identity)
		delete(p.targets, identity)
		delete(p.controllers, identity)
	}
	p.connections[identity] = sink
	return prev, prevRole
}

// Unregister removes identity from every structure and returns the role it
// held. ok is false when identity was not registered.
func (p *Presence) Unregister(identity string) (role Role, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(identity)
}

// Release is Unregister restricted to the owner: it removes identity only
// while sinkID is still the registered sink. A connection that was replaced
// by a newer one with the same identity releases nothing.
func (p *Presence) Release(identity, sinkID string) (role Role, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, exists := p.connections[identity]
	if !exists || cur.ID() != sinkID {
		return RoleUnauthenticated, false
	}
	return p.removeLocked(identity)
}

func (p *Presence) removeLocked(identity string) (Role, bool) {
	if _, exists := p.connections[identity]; !exists {
		return RoleUnauthenticated, false
	}
	role := p.roleLocked(identity)
	delete(p.connections, identity)
	delete(p.targets, identity)
	delete(p.controllers, identity)
	return role, true
}

// MarkRole adds identity to the target or controller set. It fails, logged,
// when identity is not connected or already holds the other role.
func (p *Presence) MarkRole(identity string, role Role) bool {
	return p.markRole(identity, "", role)
}

// MarkRoleOwned is MarkRole that also requires sinkID to be the registered
// sink, so a replaced connection cannot authenticate its successor.
func (p *Presence) MarkRoleOwned(identity, sinkID string, role Role) bool {
	return p.markRole(identity, sinkID, role)
}

func (p *Presence) markRole(identity, sinkID string, role Role) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.roleSet(role)
	if set == nil {
		p.logger.Warn("mark_role: not an assignable role", "identity", identity, "role", role)
		return false
	}
	sink, ok := p.connections[identity]
	if !ok {
		p.logger.Warn("mark_role: identity not connected", "identity", identity, "role", role)
		return false
	}
	if sinkID != "" && sink.ID() != sinkID {
		p.logger.Warn("mark_role: connection was replaced", "identity", identity, "role", role)
		return false
	}
	if cur := p.roleLocked(identity); cur != RoleUnauthenticated && cur != role {
		p.logger.Warn("mark_role: identity already holds another role", "identity", identity, "role", cur)
		return false
	}
	if _, exists := set[identity]; !exists {
		p.seq++
		set[identity] = p.seq
	}
	return true
}

// UnmarkRole removes identity from the given role set. Idempotent.
func (p *Presence) UnmarkRole(identity string, role Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set := p.roleSet(role); set != nil {
		delete(set, identity)
	}
}

// LookupSink returns the sink registered for identity.
func (p *Presence) LookupSink(identity string) (Sink, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.connections[identity]
	return s, ok
}

// RoleOf returns the role identity currently holds.
func (p *Presence) RoleOf(identity string) Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roleLocked(identity)
}

func (p *Presence) roleLocked(identity string) Role {
	if _, ok := p.targets[identity]; ok {
		return RoleTarget
	}
	if _, ok := p.controllers[identity]; ok {
		return RoleController
	}
	return RoleUnauthenticated
}

// HasRole reports whether identity is in the given role set.
func (p *Presence) HasRole(identity string, role Role) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.roleSet(role)
	if set == nil {
		return false
	}
	_, ok := set[identity]
	return ok
}

// SnapshotRole returns a point-in-time copy of the role set, ordered by
// when each identity authenticated.
func (p *Presence) SnapshotRole(role Role) []string {
	p.mu.RLock()
	set := p.roleSet(role)
	type entry struct {
		id  string
		seq uint64
	}
	entries := make([]entry, 0, len(set))
	for id, seq := range set {
		entries = append(entries, entry{id, seq})
	}
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// Recipients resolves a role snapshot to sinks. Identities that disconnected
// in between are skipped.
func (p *Presence) Recipients(role Role) map[string]Sink {
	ids := p.SnapshotRole(role)

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Sink, len(ids))
	for _, id := range ids {
		if s, ok := p.connections[id]; ok {
			out[id] = s
		}
	}
	return out
}

// Counts reports the number of connections, targets and controllers.
func (p *Presence) Counts() (connections, targets, controllers int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections), len(p.targets), len(p.controllers)
}

// CloseAll closes every registered sink. Registry entries are left for each
// connection's own teardown to remove.
func (p *Presence) CloseAll() {
	p.mu.RLock()
	sinks := make([]Sink, 0, len(p.connections))
	for _, s := range p.connections {
		sinks = append(sinks, s)
	}
	p.mu.RUnlock()

	for _, s := range sinks {
		s.Close()
	}
}
