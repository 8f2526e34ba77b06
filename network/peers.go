package network

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Role records which side opened the connection.
type Role int

const (
	RoleInbound Role = iota
	RoleOutbound
)

// PeerState is the per-peer connection record. The manager's event loop is
// the sole mutator; other components read copies via Snapshot.
type PeerState struct {
	ID           peer.ID
	Role         Role
	Connected    time.Time
	LastActivity time.Time
	Streams      int
}

// peerTable is the arena of connection state, keyed by peer id and bounded by
// the configured peer limit.
type peerTable struct {
	mu  sync.RWMutex
	clk clock.Clock
	m   map[peer.ID]*PeerState
	max int
}

func newPeerTable(max int, clk clock.Clock) *peerTable {
	if clk == nil {
		clk = clock.New()
	}
	return &peerTable{clk: clk, m: make(map[peer.ID]*PeerState), max: max}
}

// add registers a connected peer. Returns false when the table is full and
// the peer is not already present.
func (t *peerTable) add(p peer.ID, role Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[p]; ok {
		return true
	}
	if len(t.m) >= t.max {
		return false
	}
	now := t.clk.Now()
	t.m[p] = &PeerState{ID: p, Role: role, Connected: now, LastActivity: now}
	return true
}

func (t *peerTable) remove(p peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, p)
}

// touch records activity on a peer's connection.
func (t *peerTable) touch(p peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.m[p]; ok {
		st.LastActivity = t.clk.Now()
	}
}

func (t *peerTable) addStream(p peer.ID, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.m[p]; ok {
		st.Streams += delta
	}
}

func (t *peerTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

func (t *peerTable) contains(p peer.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.m[p]
	return ok
}

// snapshot returns copies of every peer record.
func (t *peerTable) snapshot() []PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerState, 0, len(t.m))
	for _, st := range t.m {
		out = append(out, *st)
	}
	return out
}

// selectPeer picks the best-scored connected peer, breaking ties by most
// recent activity. Used to choose a peer for range requests.
func (t *peerTable) selectPeer(score func(peer.ID) float64) (peer.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		best      peer.ID
		bestScore float64
		bestSeen  time.Time
		found     bool
	)
	for p, st := range t.m {
		s := score(p)
		if !found || s > bestScore || (s == bestScore && st.LastActivity.After(bestSeen)) {
			best, bestScore, bestSeen, found = p, s, st.LastActivity, true
		}
	}
	return best, found
}

// stale returns peers with no activity for the given duration.
func (t *peerTable) stale(cutoff time.Duration) []peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clk.Now()
	var out []peer.ID
	for p, st := range t.m {
		if now.Sub(st.LastActivity) > cutoff {
			out = append(out, p)
		}
	}
	return out
}
