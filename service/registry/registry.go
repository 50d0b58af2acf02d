package registry

import (
	"sync"

	"relaychat/logger"
)

// PresenceSink receives connection-count transitions. Implemented by the
// presence tracker; the registry is the only caller.
type PresenceSink interface {
	MarkOnline(identity string)
	MarkOffline(identity string)
}

// Registry maps identities to their live connections (multi-device: one to
// many) and fans outbound events to all of them.
type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*Conn            // conn_id -> conn
	byIdentity map[string]map[string]*Conn // identity -> conn_id -> conn

	presence  PresenceSink
	fanout    *Fanout
	backplane Backplane
}

func New(presence PresenceSink, fanout *Fanout) *Registry {
	return &Registry{
		byConn:     make(map[string]*Conn),
		byIdentity: make(map[string]map[string]*Conn),
		presence:   presence,
		fanout:     fanout,
		backplane:  NoopBackplane{},
	}
}

// SetBackplane swaps the cross-node broadcast seam; must be called before
// serving.
func (r *Registry) SetBackplane(b Backplane) {
	if b != nil {
		r.backplane = b
	}
}

// Register adds the connection. Returns true when this is the identity's
// first live connection (the zero-to-one transition announces presence).
// The sink is called under the lock so transitions reach the tracker in
// registration order; a stale offline can otherwise land after a reconnect
// and strand the identity offline with a live connection.
func (r *Registry) Register(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byIdentity[c.Identity]
	first := len(m) == 0
	if m == nil {
		m = make(map[string]*Conn)
		r.byIdentity[c.Identity] = m
	}
	m[c.ID] = c
	r.byConn[c.ID] = c

	if first && r.presence != nil {
		r.presence.MarkOnline(c.Identity)
	}
	return first
}

// Deregister removes the connection. Returns true when the identity has no
// connections left; the presence tracker then owns the offline debounce.
// Like Register, the sink call stays inside the critical section.
func (r *Registry) Deregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return false
	}
	delete(r.byConn, connID)
	last := false
	if m := r.byIdentity[c.Identity]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byIdentity, c.Identity)
			last = true
		}
	}

	if last && r.presence != nil {
		r.presence.MarkOffline(c.Identity)
	}
	return last
}

// ConnectionsFor returns the identity's live connections.
func (r *Registry) ConnectionsFor(identity string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byIdentity[identity]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// Broadcast delivers payload to every live connection of every listed
// identity. Best-effort per connection; a full queue drops, never blocks.
// Unordered relative to other broadcasts; messages go through
// BroadcastOrdered instead.
func (r *Registry) Broadcast(identities []string, payload []byte) {
	key := ""
	if len(identities) > 0 {
		key = identities[0]
	}
	r.BroadcastOrdered(key, identities, "", payload)
}

// BroadcastOrdered fans out with a per-key ordering guarantee: broadcasts
// sharing a key (a conversation id) reach each recipient queue in submission
// order. exceptConnID skips one connection so a message is not echoed to the
// originating device while the sender's other devices still get it.
func (r *Registry) BroadcastOrdered(key string, identities []string, exceptConnID string, payload []byte) {
	var conns []*Conn
	r.mu.RLock()
	for _, id := range identities {
		for _, c := range r.byIdentity[id] {
			if c.ID == exceptConnID {
				continue
			}
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	if len(conns) > 0 {
		r.fanout.Broadcast(key, conns, payload)
	}
	if err := r.backplane.Publish(identities, payload); err != nil {
		logger.Warnf("backplane publish failed: %v", err)
	}
}

// DeliverLocal queues payload to local connections only. The backplane
// consumer uses it to avoid publish loops.
func (r *Registry) DeliverLocal(identity string, payload []byte) {
	conns := r.ConnectionsFor(identity)
	if len(conns) > 0 {
		r.fanout.Broadcast(identity, conns, payload)
	}
}
