// Package composer merges the event streams of discovery, gossip, and
// request/response handling into one ordered source, and funnels their
// outbound actions back to the transport. It routes typed events and holds no
// protocol logic of its own.
package composer

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/syjn99/ream/network/enr"
	"github.com/syjn99/ream/network/gossip"
)

var log = logging.Logger("composer")

// EventKind discriminates the event union.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventGossipRPC
	EventReqRespRequest
	EventDiscoveryFound
	EventDegraded
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventGossipRPC:
		return "gossip_rpc"
	case EventReqRespRequest:
		return "reqresp_request"
	case EventDiscoveryFound:
		return "discovery_found"
	case EventDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Event is one demultiplexed network occurrence. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind
	Peer peer.ID

	// PeerConnected
	Direction network.Direction

	// GossipRPC
	RPC *gossip.RPC

	// ReqRespRequest
	Protocol protocol.ID

	// DiscoveryFound
	Records []*enr.Record

	// Degraded
	Err error
}

// ActionKind discriminates the outbound action union.
type ActionKind int

const (
	ActionDial ActionKind = iota
	ActionOpenStream
	ActionSendRPC
	ActionDisconnect
)

// Action is one instruction for the transport.
type Action struct {
	Kind      ActionKind
	Peer      peer.ID
	Addrs     peer.AddrInfo
	Protocols []protocol.ID
	RPC       *gossip.RPC
}

// Swarm is the transport surface actions execute against.
type Swarm interface {
	Connect(ctx context.Context, info peer.AddrInfo) error
	OpenStream(ctx context.Context, p peer.ID, protos ...protocol.ID) (network.Stream, error)
	SendRPC(p peer.ID, rpc *gossip.RPC) error
	Disconnect(p peer.ID) error
}

// Handler consumes events of one kind.
type Handler func(Event)

// Composer is the typed router between producers and the manager. A single
// FIFO queue carries all events, so events from the same connection are
// dispatched in exactly their arrival order.
type Composer struct {
	events   chan Event
	actions  chan Action
	handlers [6]Handler
}

// New builds a composer with the given queue depth.
func New(buffer int) *Composer {
	return &Composer{
		events:  make(chan Event, buffer),
		actions: make(chan Action, buffer),
	}
}

// Handle registers the consumer for one event kind. Must be called before
// Run; events with no handler are dropped with a log line.
func (c *Composer) Handle(kind EventKind, h Handler) {
	c.handlers[kind] = h
}

// Push enqueues an event. Blocks when the queue is full so producers apply
// backpressure instead of reordering.
func (c *Composer) Push(ev Event) {
	c.events <- ev
}

// Emit enqueues an outbound action.
func (c *Composer) Emit(a Action) {
	c.actions <- a
}

// Number of goroutines executing actions. Dials block for their whole
// timeout, so actions run off the dispatch loop: a dead peer must never stall
// event delivery for live ones.
const actionWorkers = 4

// Run dispatches events to their handlers and executes actions against the
// swarm until ctx is cancelled. Event dispatch is single-threaded and ordered;
// actions execute concurrently on a small worker set.
func (c *Composer) Run(ctx context.Context, sw Swarm) error {
	var wg sync.WaitGroup
	for i := 0; i < actionWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case a := <-c.actions:
					if err := c.execute(ctx, sw, a); err != nil {
						log.Debugw("action failed", "kind", a.Kind, "peer", a.Peer, "err", err)
					}
				}
			}
		}()
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Composer) dispatch(ev Event) {
	if int(ev.Kind) >= len(c.handlers) || c.handlers[ev.Kind] == nil {
		log.Debugw("event without handler", "kind", ev.Kind, "peer", ev.Peer)
		return
	}
	c.handlers[ev.Kind](ev)
}

func (c *Composer) execute(ctx context.Context, sw Swarm, a Action) error {
	switch a.Kind {
	case ActionDial:
		return sw.Connect(ctx, a.Addrs)
	case ActionOpenStream:
		_, err := sw.OpenStream(ctx, a.Peer, a.Protocols...)
		return err
	case ActionSendRPC:
		return sw.SendRPC(a.Peer, a.RPC)
	case ActionDisconnect:
		return sw.Disconnect(a.Peer)
	default:
		return fmt.Errorf("unknown action kind %d", a.Kind)
	}
}
