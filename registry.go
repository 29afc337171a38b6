package main

import "sync"

// Registry tracks which Connections belong to which client_id, mirroring
// the original's websocket_connections dict-of-sets. A client_id can have
// more than one live connection; the entry is removed once the last one
// disconnects.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]map[*Connection]struct{}),
	}
}

// Register adds conn under clientID, creating the client's entry if this is
// its first connection.
func (r *Registry) Register(clientID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.connections[clientID]
	if !ok {
		set = make(map[*Connection]struct{})
		r.connections[clientID] = set
	}
	set[conn] = struct{}{}
}

// Unregister removes conn from clientID's set, dropping the entry entirely
// once it's empty.
func (r *Registry) Unregister(clientID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.connections[clientID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.connections, clientID)
	}
}

// ConnectionsFor returns a snapshot slice of the connections currently
// registered for clientID. The caller sees a consistent set as of the call;
// connections added or removed afterward aren't reflected.
func (r *Registry) ConnectionsFor(clientID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.connections[clientID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// ClientCount returns the number of distinct client_ids with at least one
// live connection.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// ConnectionCount returns the total number of live connections across all
// clients.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.connections {
		total += len(set)
	}
	return total
}
