// Package peer maintains the peer related information such as the set
// of known peers and their status.
package peer

import (
	"sort"
	"sync"
	"time"
)

// Info represents information about a node in the network as it is
// exchanged on the wire.
type Info struct {
	NodeID      string `json:"node_id"`
	Address     string `json:"address"`
	LastSeen    int64  `json:"last_seen"`
	BlocksMined uint64 `json:"blocks_mined"`
}

// Match validates if the specified node id matches this peer.
func (i Info) Match(nodeID string) bool {
	return i.NodeID == nodeID
}

// =============================================================================

type entry struct {
	info     Info
	lastSeen time.Time
}

// Registry represents the data representation to maintain the set of
// known peers keyed by node id.
type Registry struct {
	mu  sync.RWMutex
	set map[string]*entry
}

// NewRegistry constructs a new registry to manage node peer information.
func NewRegistry() *Registry {
	return &Registry{
		set: make(map[string]*entry),
	}
}

// Add adds a new peer to the registry stamped with the specified time. It
// returns false if the node id is already registered.
func (r *Registry) Add(info Info, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.set[info.NodeID]; exists {
		return false
	}

	info.LastSeen = now.Unix()
	r.set[info.NodeID] = &entry{info: info, lastSeen: now}

	return true
}

// Exists reports whether the node id is registered.
func (r *Registry) Exists(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.set[nodeID]
	return exists
}

// Touch records activity for the specified peer. It returns false if the
// peer is unknown.
func (r *Registry) Touch(nodeID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.set[nodeID]
	if !exists {
		return false
	}

	e.lastSeen = now
	e.info.LastSeen = now.Unix()

	return true
}

// IncrementMined bumps the number of blocks credited to the peer.
func (r *Registry) IncrementMined(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.set[nodeID]
	if !exists {
		return false
	}

	e.info.BlocksMined++
	return true
}

// Remove removes a peer from the registry.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.set, nodeID)
}

// Evict removes every peer not seen since the cutoff and returns their ids.
func (r *Registry) Evict(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, e := range r.set {
		if e.lastSeen.Before(cutoff) {
			evicted = append(evicted, id)
			delete(r.set, id)
		}
	}

	sort.Strings(evicted)
	return evicted
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.set)
}

// Copy returns a list of the known peers ordered by node id, leaving out
// the specified node.
func (r *Registry) Copy(exclude string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Info, 0, len(r.set))
	for _, e := range r.set {
		if !e.info.Match(exclude) {
			peers = append(peers, e.info)
		}
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].NodeID < peers[j].NodeID
	})

	return peers
}
