// Package discovery maintains the address book through a Kademlia-style
// lookup protocol over UDP. Lookups walk the XOR metric toward a target,
// optionally constrained to peers advertising a given attestation subnet.
package discovery

import (
	"bytes"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/syjn99/ream/network/enr"
)

// NodeID is a point in the XOR distance space.
type NodeID = [32]byte

type node struct {
	id  peer.ID
	nid NodeID
	rec *enr.Record
}

// Table is the XOR-distance bucketed routing table. Buckets are ordered
// oldest-first; a full bucket evicts its oldest entry.
type Table struct {
	mu         sync.Mutex
	self       NodeID
	bucketSize int
	buckets    [256][]*node
}

// NewTable creates a routing table centered on the local node id.
func NewTable(self NodeID, bucketSize int) *Table {
	return &Table{self: self, bucketSize: bucketSize}
}

// logDistance returns the index of the highest differing bit between two
// ids, or -1 when they are equal.
func logDistance(a, b NodeID) int {
	for i := 0; i < len(a); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		bit := 7
		for x>>uint(bit)&1 == 0 {
			bit--
		}
		return (len(a)-1-i)*8 + bit
	}
	return -1
}

func xorDistance(a, b NodeID) []byte {
	d := make([]byte, len(a))
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Insert admits a record, replacing an older record for the same peer. A
// full bucket drops its oldest entry. The local node itself is never stored.
func (t *Table) Insert(rec *enr.Record) bool {
	id, err := rec.PeerID()
	if err != nil {
		return false
	}
	nid := rec.NodeID()
	dist := logDistance(t.self, nid)
	if dist < 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[dist]
	for i, n := range bucket {
		if n.id == id {
			if rec.Seq < n.rec.Seq {
				return false
			}
			// Refresh: move to the back as most recently seen.
			bucket = append(append(bucket[:i:i], bucket[i+1:]...), &node{id: id, nid: nid, rec: rec})
			t.buckets[dist] = bucket
			return true
		}
	}
	if len(bucket) >= t.bucketSize {
		bucket = bucket[1:]
	}
	t.buckets[dist] = append(bucket, &node{id: id, nid: nid, rec: rec})
	return true
}

// Remove drops the peer from its bucket.
func (t *Table) Remove(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for d, bucket := range t.buckets {
		for i, n := range bucket {
			if n.id == id {
				t.buckets[d] = append(bucket[:i:i], bucket[i+1:]...)
				return
			}
		}
	}
}

// Closest returns up to n records ordered by XOR distance to target,
// restricted to those matching the predicate when one is given.
func (t *Table) Closest(target NodeID, n int, pred func(*enr.Record) bool) []*enr.Record {
	t.mu.Lock()
	var candidates []*node
	for _, bucket := range t.buckets {
		for _, nd := range bucket {
			if pred == nil || pred(nd.rec) {
				candidates = append(candidates, nd)
			}
		}
	}
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return bytes.Compare(xorDistance(candidates[i].nid, target), xorDistance(candidates[j].nid, target)) < 0
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]*enr.Record, len(candidates))
	for i, nd := range candidates {
		out[i] = nd.rec
	}
	return out
}

// Len returns the number of stored nodes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, bucket := range t.buckets {
		total += len(bucket)
	}
	return total
}
