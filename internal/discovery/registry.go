// Package discovery implements the dynamic peer registry and the
// WHO_IS_LEADER / I_AM_LEADER exchange (§4.1, §5) plus two startup
// probes supplementing the original spec: an ID_CHECK/ID_TAKEN node-id
// collision check and a WHO_IS_LEADER existing-leader check, both
// grounded on cafeds/node.py's _check_id_available and
// _check_existing_leader.
package discovery

import (
	"sync"
	"time"
)

// PeerInfo is what the registry remembers about one other peer.
type PeerInfo struct {
	ID       uint64
	IP       string
	TCPPort  int
	LastSeen time.Time
}

// Registry is the dynamic peer table every node builds up from
// WHO_IS_LEADER senders, I_AM_LEADER/LEADER_ALIVE gossip, and direct
// ELECTION/ANSWER traffic. Grounded on cafeds/node.py's
// _register_peer/_get_peer_ids/_prune_peers.
type Registry struct {
	selfID uint64

	mu    sync.Mutex
	peers map[uint64]PeerInfo
}

// NewRegistry builds an empty registry for selfID; Register silently
// ignores entries claiming selfID, since a peer never registers
// itself.
func NewRegistry(selfID uint64) *Registry {
	return &Registry{selfID: selfID, peers: make(map[uint64]PeerInfo)}
}

// Register records or refreshes a sighting of peer id at ip/tcpPort.
// tcpPort of 0 means "unknown, keep whatever we had."
func (r *Registry) Register(id uint64, ip string, tcpPort int) {
	if id == r.selfID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.peers[id]
	if ok && tcpPort == 0 {
		tcpPort = existing.TCPPort
	}
	r.peers[id] = PeerInfo{ID: id, IP: ip, TCPPort: tcpPort, LastSeen: time.Now()}
}

// IDs returns every known peer id, excluding self.
func (r *Registry) IDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// HigherIDs returns every known peer id greater than selfID, the set
// an election campaigns against.
func (r *Registry) HigherIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var higher []uint64
	for id := range r.peers {
		if id > r.selfID {
			higher = append(higher, id)
		}
	}
	return higher
}

// Lookup returns the known info for id, if any.
func (r *Registry) Lookup(id uint64) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// Snapshot returns every known peer, for piggybacking on LEADER_ALIVE
// gossip so followers learn about each other without their own
// WHO_IS_LEADER round trip.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Prune drops any peer not seen within expiry.
func (r *Registry) Prune(expiry time.Duration) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > expiry {
			delete(r.peers, id)
		}
	}
}
