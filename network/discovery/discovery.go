package discovery

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/syjn99/ream/config"
	"github.com/syjn99/ream/network/enr"
)

var log = logging.Logger("discovery")

// EventKind tags discovery events surfaced to the network manager.
type EventKind int

const (
	// EventPeersFound carries records discovered by a lookup.
	EventPeersFound EventKind = iota
	// EventDegraded reports a lookup that found no live peers. Degraded
	// connectivity is an operational signal, never a crash.
	EventDegraded
)

// Event is a discovery outcome delivered to the manager.
type Event struct {
	Kind    EventKind
	Records []*enr.Record
	Err     error
}

// Discovery owns the routing table and address book and answers subnet-
// scoped peer lookups. It is the sole mutator of both structures.
type Discovery struct {
	cfg  config.DiscoveryConfig
	priv crypto.PrivKey

	table *Table
	book  *enr.Book

	mu   sync.Mutex
	self *enr.Record

	conn    *net.UDPConn
	pending map[uint64]chan []*enr.Record

	events chan Event
	done   chan struct{}

	// LatencyObserver, when set, receives the duration of every completed
	// lookup.
	LatencyObserver func(time.Duration)

	// queryFn issues one FINDNODE round trip; replaced in tests.
	queryFn func(ctx context.Context, rec *enr.Record, target NodeID) ([]*enr.Record, error)
}

// New creates a discovery instance for the local identity key.
func New(cfg config.DiscoveryConfig, priv crypto.PrivKey, book *enr.Book) (*Discovery, error) {
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	selfRec := &enr.Record{PublicKey: pub}

	d := &Discovery{
		cfg:     cfg,
		priv:    priv,
		table:   NewTable(selfRec.NodeID(), cfg.BucketSize),
		book:    book,
		pending: make(map[uint64]chan []*enr.Record),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
	d.queryFn = d.queryUDP
	return d, nil
}

// Events exposes the discovery event stream consumed by the manager.
func (d *Discovery) Events() <-chan Event { return d.events }

// Book returns the address book owned by this component.
func (d *Discovery) Book() *enr.Book { return d.book }

// Self returns the currently registered local record.
func (d *Discovery) Self() *enr.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.self
}

// RegisterSelf installs the local signed record served to other nodes.
func (d *Discovery) RegisterSelf(rec *enr.Record) error {
	if err := rec.Verify(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.self != nil && rec.Seq <= d.self.Seq {
		return fmt.Errorf("self record seq %d does not supersede %d", rec.Seq, d.self.Seq)
	}
	d.self = rec
	return nil
}

// ImportBootstrap admits a verified bootstrap set into the book and table.
// Any failing record rejects the whole import.
func (d *Discovery) ImportBootstrap(records []*enr.Record) error {
	for i, rec := range records {
		if _, err := d.book.Accept(rec); err != nil {
			return fmt.Errorf("bootstrap record %d: %w", i, err)
		}
	}
	// Table admission after the whole set passed verification.
	for _, rec := range records {
		d.table.Insert(rec)
	}
	return nil
}

// Start binds the discovery UDP socket and begins serving queries.
func (d *Discovery) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: d.cfg.Port})
	if err != nil {
		return fmt.Errorf("listen discovery udp port %d: %w", d.cfg.Port, err)
	}
	d.conn = conn
	go d.readLoop()
	log.Infow("discovery listening", "port", d.cfg.Port)
	return nil
}

// Close stops the read loop and releases the socket.
func (d *Discovery) Close() error {
	close(d.done)
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Lookup walks the XOR metric toward target, bounded by the configured hop
// limit. When a predicate is given, only matching records are admitted to
// the search frontier and returned; peers lacking the attribute are never
// candidates. Records returned are ordered by distance to the target.
func (d *Discovery) Lookup(ctx context.Context, target NodeID, pred func(*enr.Record) bool) []*enr.Record {
	start := time.Now()
	defer func() {
		if d.LatencyObserver != nil {
			d.LatencyObserver(time.Since(start))
		}
	}()

	type frontierEntry struct {
		rec  *enr.Record
		dist []byte
	}
	queried := make(map[peer.ID]bool)
	failed := make(map[peer.ID]bool)
	results := make(map[peer.ID]*enr.Record)

	admit := func(frontier []frontierEntry, rec *enr.Record) []frontierEntry {
		id, err := rec.PeerID()
		if err != nil || queried[id] || failed[id] {
			return frontier
		}
		if pred != nil && !pred(rec) {
			return frontier
		}
		for _, e := range frontier {
			if eid, _ := e.rec.PeerID(); eid == id {
				return frontier
			}
		}
		return append(frontier, frontierEntry{rec: rec, dist: xorDistance(rec.NodeID(), target)})
	}

	var frontier []frontierEntry
	for _, rec := range d.table.Closest(target, d.cfg.BucketSize, pred) {
		frontier = admit(frontier, rec)
	}

	anyLive := false
	closest := []byte(nil)

	for hop := 0; hop < d.cfg.MaxHops && len(frontier) > 0; hop++ {
		// Closest-first, α-wide round.
		sort.Slice(frontier, func(i, j int) bool {
			return bytes.Compare(frontier[i].dist, frontier[j].dist) < 0
		})
		round := frontier
		if len(round) > d.cfg.Parallelism {
			round = round[:d.cfg.Parallelism]
		}
		frontier = frontier[len(round):]

		var wg sync.WaitGroup
		var mu sync.Mutex
		var discovered []*enr.Record

		for _, entry := range round {
			id, err := entry.rec.PeerID()
			if err != nil {
				continue
			}
			queried[id] = true
			wg.Add(1)
			go func(rec *enr.Record, id peer.ID) {
				defer wg.Done()
				qctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
				defer cancel()
				found, err := d.queryFn(qctx, rec, target)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					// Per-node timeout is non-fatal; the node is simply
					// excluded from later rounds.
					failed[id] = true
					log.Debugw("discovery query failed", "peer", id, "err", err)
					return
				}
				anyLive = true
				results[id] = rec
				discovered = append(discovered, found...)
			}(entry.rec, id)
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}

		improved := false
		for _, rec := range discovered {
			if _, err := d.book.Accept(rec); err != nil {
				continue
			}
			d.table.Insert(rec)
			if pred == nil || pred(rec) {
				if id, err := rec.PeerID(); err == nil {
					results[id] = rec
				}
			}
			dist := xorDistance(rec.NodeID(), target)
			if closest == nil || bytes.Compare(dist, closest) < 0 {
				closest = dist
				improved = true
			}
			frontier = admit(frontier, rec)
		}
		if !improved && hop > 0 {
			break
		}
	}

	out := make([]*enr.Record, 0, len(results))
	for _, rec := range results {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(xorDistance(out[i].NodeID(), target), xorDistance(out[j].NodeID(), target)) < 0
	})

	if !anyLive && len(out) == 0 {
		d.emit(Event{Kind: EventDegraded, Err: fmt.Errorf("lookup found no live peers")})
	} else if len(out) > 0 {
		d.emit(Event{Kind: EventPeersFound, Records: out})
	}
	return out
}

// RandomTarget returns a uniformly random lookup target, used for table
// refresh walks.
func RandomTarget() NodeID {
	var t NodeID
	rand.Read(t[:])
	return t
}

func (d *Discovery) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		// The manager is behind; dropping a discovery notification is
		// preferable to stalling a lookup.
	}
}

