package enr

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Book is the bounded address book. It holds at most one record per peer,
// keeps only the highest sequence number seen, expires records after a TTL
// and evicts the least-recently-seen entry when full.
//
// The book is the discovery component's private table; other components read
// it through Snapshot copies.
type Book struct {
	mu    sync.Mutex
	cache *lru.Cache[peer.ID, *bookEntry]
	ttl   time.Duration
	clk   clock.Clock
}

type bookEntry struct {
	rec      *Record
	lastSeen time.Time
}

// NewBook creates a book holding up to size records with the given TTL.
func NewBook(size int, ttl time.Duration, clk clock.Clock) (*Book, error) {
	cache, err := lru.New[peer.ID, *bookEntry](size)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Book{cache: cache, ttl: ttl, clk: clk}, nil
}

// Accept verifies the record and admits it if it is new or supersedes the
// stored one. It reports whether the book changed.
func (b *Book) Accept(rec *Record) (bool, error) {
	if err := rec.Verify(); err != nil {
		return false, err
	}
	id, err := rec.PeerID()
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.cache.Get(id); ok {
		if existing.rec.Seq > rec.Seq {
			return false, nil
		}
		if existing.rec.Seq == rec.Seq {
			existing.lastSeen = b.clk.Now()
			return false, nil
		}
	}
	b.cache.Add(id, &bookEntry{rec: rec, lastSeen: b.clk.Now()})
	return true, nil
}

// Get returns the live record for the peer, expiring it if stale.
func (b *Book) Get(id peer.ID) (*Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.cache.Get(id)
	if !ok {
		return nil, false
	}
	if b.expired(entry) {
		b.cache.Remove(id)
		return nil, false
	}
	return entry.rec, true
}

// Touch refreshes the last-seen time for a peer, keeping live peers out of
// TTL expiry.
func (b *Book) Touch(id peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.cache.Get(id); ok {
		entry.lastSeen = b.clk.Now()
	}
}

// Remove drops the record for a peer.
func (b *Book) Remove(id peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Remove(id)
}

// Snapshot copies out all live records.
func (b *Book) Snapshot() []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Record
	for _, id := range b.cache.Keys() {
		entry, ok := b.cache.Peek(id)
		if !ok {
			continue
		}
		if b.expired(entry) {
			b.cache.Remove(id)
			continue
		}
		out = append(out, entry.rec)
	}
	return out
}

// Len returns the number of stored records, counting not-yet-expired ones.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.Len()
}

func (b *Book) expired(entry *bookEntry) bool {
	return b.ttl > 0 && b.clk.Since(entry.lastSeen) > b.ttl
}
