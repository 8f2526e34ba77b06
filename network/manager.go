// Package network is the orchestration layer: it owns the libp2p host, wires
// discovery, gossip and request/response together through the composer, and
// bridges validated payloads to the consensus collaborator over channels.
package network

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/syjn99/ream/config"
	"github.com/syjn99/ream/network/composer"
	"github.com/syjn99/ream/network/discovery"
	"github.com/syjn99/ream/network/enr"
	"github.com/syjn99/ream/network/gossip"
	"github.com/syjn99/ream/network/reqresp"
	"github.com/syjn99/ream/types"
)

var log = logging.Logger("network")

const (
	connectTimeout     = 10 * time.Second
	healthInterval     = 30 * time.Second
	lookupInterval     = time.Minute
	staleCutoff        = 5 * time.Minute
	minHealthyPeers    = 3
	validationWorkers  = 4
	validationBacklog  = 256
	inboundBuffer      = 256
	composerQueueDepth = 256
)

// Manager owns the network stack. Construct with NewManager, then Start; all
// channels and components live until Stop.
type Manager struct {
	cfg  *config.Config
	host host.Host
	priv crypto.PrivKey

	comp      *composer.Composer
	disc      *discovery.Discovery
	router    *gossip.Router
	rr        *reqresp.Router
	transport *gossipTransport
	ambient   *ambientDiscovery
	peers     *peerTable
	pool      *workerPool
	metrics   *metrics
	limiter   *rate.Limiter

	metaSeq atomic.Uint64
	subnets atomic.Pointer[enr.Subnets]

	bootstrap []*enr.Record
	inbound   chan InboundMessage
	commands  chan OutboundCommand

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// NewManager builds the stack from an immutable, validated configuration. The
// metrics registry is passed in as a handle; nil disables metrics.
func NewManager(cfg *config.Config, validate gossip.ValidateFunc, handler reqresp.Handler, reg prometheus.Registerer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	dcfg := cfg.Discovery()
	book, err := enr.NewBook(dcfg.BookSize, dcfg.RecordTTL, nil)
	if err != nil {
		h.Close()
		return nil, err
	}
	disc, err := discovery.New(dcfg, priv, book)
	if err != nil {
		h.Close()
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		host:     h,
		priv:     priv,
		comp:     composer.New(composerQueueDepth),
		disc:     disc,
		peers:    newPeerTable(cfg.MaxPeers, nil),
		pool:     newWorkerPool(validationWorkers, validationBacklog),
		limiter:  rate.NewLimiter(rate.Limit(cfg.Gossip.PublishRate), cfg.Gossip.PublishBurst),
		inbound:  make(chan InboundMessage, inboundBuffer),
		commands: make(chan OutboundCommand, inboundBuffer),
	}
	m.metaSeq.Store(1)

	var subnets enr.Subnets
	for _, id := range cfg.Subnets {
		if err := subnets.Enable(id); err != nil {
			h.Close()
			return nil, err
		}
	}
	m.subnets.Store(&subnets)

	m.transport = newGossipTransport(h, cfg.Gossip.MaxMessageSize*2)
	m.router = gossip.NewRouter(cfg.Gossip, m.transport, m.pooledValidate(validate), nil)
	m.router.OnMessage = m.onAccepted
	m.rr = reqresp.NewRouter(h, cfg.ReqResp, handler, m.Metadata)
	m.rr.SetGoodbyeHook(func(p peer.ID, g reqresp.Goodbye) {
		log.Infow("peer said goodbye", "peer", p, "reason", g.Reason)
		m.transport.Disconnect(p)
	})
	m.rr.SetRequestHook(func(p peer.ID, proto protocol.ID) {
		m.comp.Push(composer.Event{Kind: composer.EventReqRespRequest, Peer: p, Protocol: proto})
	})

	m.metrics, err = newMetrics(reg, m.router.Stats(), m.rr.Stats(), func() float64 {
		return float64(m.peers.len())
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	m.disc.LatencyObserver = m.metrics.observeLookup

	m.registerHandlers()
	return m, nil
}

// registerHandlers wires the composer's event kinds to their consumers.
func (m *Manager) registerHandlers() {
	m.comp.Handle(composer.EventPeerConnected, func(ev composer.Event) {
		role := RoleInbound
		if ev.Direction == p2pnet.DirOutbound {
			role = RoleOutbound
		}
		if !m.peers.add(ev.Peer, role) {
			log.Debugw("peer limit reached, dropping", "peer", ev.Peer)
			m.comp.Emit(composer.Action{Kind: composer.ActionDisconnect, Peer: ev.Peer})
			return
		}
		m.router.AddPeer(ev.Peer)
	})
	m.comp.Handle(composer.EventPeerDisconnected, func(ev composer.Event) {
		m.peers.remove(ev.Peer)
		m.router.RemovePeer(ev.Peer)
		m.transport.drop(ev.Peer)
	})
	m.comp.Handle(composer.EventGossipRPC, func(ev composer.Event) {
		m.peers.touch(ev.Peer)
		m.router.HandleRPC(ev.Peer, ev.RPC)
	})
	m.comp.Handle(composer.EventReqRespRequest, func(ev composer.Event) {
		m.peers.touch(ev.Peer)
	})
	m.comp.Handle(composer.EventDiscoveryFound, func(ev composer.Event) {
		for _, rec := range ev.Records {
			info, err := rec.AddrInfo()
			if err != nil || info.ID == m.host.ID() || m.peers.contains(info.ID) {
				continue
			}
			m.comp.Emit(composer.Action{Kind: composer.ActionDial, Peer: info.ID, Addrs: info})
		}
	})
	m.comp.Handle(composer.EventDegraded, func(ev composer.Event) {
		m.metrics.markDegraded()
		log.Warnw("degraded connectivity", "err", ev.Err)
	})
}

// Start brings the stack up: discovery socket, gossip heartbeat, protocol
// handlers, bootstrap dials and the background loops.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.eg, m.ctx = errgroup.WithContext(m.ctx)

	if err := m.registerSelfRecord(); err != nil {
		return err
	}

	records, err := enr.ParseBootstrap(m.cfg.Bootstrap, m.cfg.Network)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := m.disc.ImportBootstrap(records); err != nil {
		return fmt.Errorf("bootstrap import: %w", err)
	}
	m.bootstrap = records

	if err := m.disc.Start(); err != nil {
		return err
	}
	m.router.Start()
	m.rr.Start()

	m.host.SetStreamHandler(ProtocolGossip, m.handleGossipStream)
	m.host.Network().Notify(m.notifiee())

	m.router.Subscribe(gossip.BlockTopic(m.cfg.Fork))
	m.router.Subscribe(gossip.VoteTopic(m.cfg.Fork))
	m.router.Subscribe(gossip.AggregateTopic(m.cfg.Fork))

	m.ambient, err = newAmbientDiscovery(m.ctx, m.host, func(pi peer.AddrInfo) {
		m.comp.Emit(composer.Action{Kind: composer.ActionDial, Peer: pi.ID, Addrs: pi})
	})
	if err != nil {
		return fmt.Errorf("ambient discovery: %w", err)
	}
	m.ambient.start(m.ctx)

	m.eg.Go(func() error { return m.comp.Run(m.ctx, m) })
	m.eg.Go(func() error { return m.commandLoop(m.ctx) })
	m.eg.Go(func() error { return m.pumpDiscoveryEvents(m.ctx) })
	m.eg.Go(func() error { return m.lookupLoop(m.ctx) })
	m.eg.Go(func() error { return m.healthLoop(m.ctx) })

	m.dialBootstrap(records)
	log.Infow("network started", "peer", m.host.ID(), "addrs", m.host.Addrs())
	return nil
}

// Stop shuts the stack down in reverse dependency order.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.router.Stop()
	m.rr.Stop()
	if m.ambient != nil {
		m.ambient.close()
	}
	m.transport.close()
	m.pool.Close()
	err := m.disc.Close()
	if herr := m.host.Close(); err == nil {
		err = herr
	}
	if m.eg != nil {
		if werr := m.eg.Wait(); err == nil && werr != context.Canceled {
			err = werr
		}
	}
	close(m.inbound)
	return err
}

// Messages is the stream of validated, decoded gossip payloads.
func (m *Manager) Messages() <-chan InboundMessage { return m.inbound }

// Host exposes the libp2p host for collaborators that need direct access.
func (m *Manager) Host() host.Host { return m.host }

// Metadata returns the node's current subnet metadata.
func (m *Manager) Metadata() reqresp.MetaData {
	return reqresp.MetaData{Seq: m.metaSeq.Load(), Attnets: *m.subnets.Load()}
}

// SetSubnets replaces the subscribed subnet set, bumps the metadata sequence
// number and re-signs the local record.
func (m *Manager) SetSubnets(ids ...uint8) error {
	var subnets enr.Subnets
	for _, id := range ids {
		if err := subnets.Enable(id); err != nil {
			return err
		}
	}
	m.subnets.Store(&subnets)
	m.metaSeq.Add(1)
	return m.registerSelfRecord()
}

// PublishBlock gossips a signed block on the fork's block topic.
func (m *Manager) PublishBlock(block *types.SignedBlock) (string, error) {
	return m.publish(gossip.BlockTopic(m.cfg.Fork), block)
}

// PublishVote gossips a signed vote.
func (m *Manager) PublishVote(vote *types.SignedVote) (string, error) {
	return m.publish(gossip.VoteTopic(m.cfg.Fork), vote)
}

// PublishAggregate gossips an aggregated vote.
func (m *Manager) PublishAggregate(vote *types.SignedVote) (string, error) {
	return m.publish(gossip.AggregateTopic(m.cfg.Fork), vote)
}

func (m *Manager) publish(t gossip.Topic, payload interface{}) (string, error) {
	if !m.limiter.Allow() {
		return "", fmt.Errorf("publish rate limit exceeded for %s", t)
	}
	data, err := types.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return m.router.Publish(t, data)
}

// RequestStatus performs a status exchange: it sends the local status and
// returns the peer's.
func (m *Manager) RequestStatus(ctx context.Context, pid peer.ID, local *reqresp.Status) (*reqresp.Status, error) {
	rs, err := m.rr.SendRequest(ctx, pid, []protocol.ID{reqresp.ProtocolStatusV1}, local)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	chunk, err := rs.Next(ctx)
	if err != nil {
		return nil, err
	}
	var st reqresp.Status
	if err := chunk.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RequestBlocksByRange fetches up to count blocks starting at start from one
// peer. The caller paginates; ranges above the serving limit are rejected by
// the remote, never truncated.
func (m *Manager) RequestBlocksByRange(ctx context.Context, pid peer.ID, start types.Slot, count uint64) ([]types.SignedBlock, error) {
	req := &reqresp.BlocksByRangeRequest{StartSlot: start, Count: count}
	return m.requestBlocks(ctx, pid, []protocol.ID{reqresp.ProtocolBlocksByRangeV1}, req)
}

// RequestBlocksByRoot fetches specific blocks by hash root.
func (m *Manager) RequestBlocksByRoot(ctx context.Context, pid peer.ID, roots []types.Root) ([]types.SignedBlock, error) {
	req := &reqresp.BlocksByRootRequest{Roots: roots}
	return m.requestBlocks(ctx, pid, []protocol.ID{reqresp.ProtocolBlocksByRootV1}, req)
}

func (m *Manager) requestBlocks(ctx context.Context, pid peer.ID, protos []protocol.ID, req interface{}) ([]types.SignedBlock, error) {
	rs, err := m.rr.SendRequest(ctx, pid, protos, req)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var blocks []types.SignedBlock
	for {
		chunk, err := rs.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return blocks, nil
			}
			return nil, err
		}
		var block types.SignedBlock
		if err := chunk.Decode(&block); err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
}

// SelectSyncPeer picks the best-scored connected peer for a range request.
func (m *Manager) SelectSyncPeer() (peer.ID, bool) {
	return m.peers.selectPeer(m.router.Score)
}

// PeerCount reports the number of tracked connections.
func (m *Manager) PeerCount() int { return m.peers.len() }

// Peers returns a copy of the connection state table.
func (m *Manager) Peers() []PeerState { return m.peers.snapshot() }

// Composer.Swarm implementation: the composer's actions execute against the
// manager's host.

func (m *Manager) Connect(ctx context.Context, info peer.AddrInfo) error {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if len(info.Addrs) > 0 {
		m.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	}
	return m.host.Connect(cctx, info)
}

func (m *Manager) OpenStream(ctx context.Context, p peer.ID, protos ...protocol.ID) (p2pnet.Stream, error) {
	return m.host.NewStream(ctx, p, protos...)
}

func (m *Manager) SendRPC(p peer.ID, rpc *gossip.RPC) error {
	return m.transport.SendRPC(p, rpc)
}

func (m *Manager) Disconnect(p peer.ID) error {
	m.transport.Disconnect(p)
	return nil
}

// pooledValidate dispatches verdict work to the worker pool so validation
// never runs on a router goroutine's stack unbounded. A saturated pool sheds
// the message as Ignore.
func (m *Manager) pooledValidate(validate gossip.ValidateFunc) gossip.ValidateFunc {
	return func(ctx context.Context, topic gossip.Topic, payload []byte) gossip.Verdict {
		res := make(chan gossip.Verdict, 1)
		ok := m.pool.Submit(func() { res <- validate(ctx, topic, payload) })
		if !ok {
			log.Warnw("validation pool saturated", "topic", topic)
			return gossip.VerdictIgnore
		}
		select {
		case v := <-res:
			return v
		case <-ctx.Done():
			return gossip.VerdictIgnore
		}
	}
}

// onAccepted bridges validated payloads to the consensus collaborator.
func (m *Manager) onAccepted(from peer.ID, topic gossip.Topic, payload []byte) {
	msg, err := decodeInbound(from, topic, payload)
	if err != nil {
		log.Warnw("accepted message failed decode", "topic", topic, "err", err)
		return
	}
	select {
	case m.inbound <- msg:
	default:
		m.metrics.dropInbound()
		log.Warnw("inbound channel full, dropping message", "topic", topic)
	}
}

// handleGossipStream reads RPC frames from an inbound gossip stream and feeds
// them through the composer, preserving per-connection order.
func (m *Manager) handleGossipStream(s p2pnet.Stream) {
	from := s.Conn().RemotePeer()
	m.peers.addStream(from, 1)
	defer m.peers.addStream(from, -1)
	defer s.Close()

	err := readRPCFrames(s, m.cfg.Gossip.MaxMessageSize*2, func(rpc *gossip.RPC) {
		m.comp.Push(composer.Event{Kind: composer.EventGossipRPC, Peer: from, RPC: rpc})
	})
	if err != nil {
		log.Debugw("gossip stream closed", "peer", from, "err", err)
		s.Reset()
	}
}

// notifiee bridges transport connection events into the composer.
func (m *Manager) notifiee() p2pnet.Notifiee {
	return &p2pnet.NotifyBundle{
		ConnectedF: func(_ p2pnet.Network, c p2pnet.Conn) {
			m.comp.Push(composer.Event{
				Kind:      composer.EventPeerConnected,
				Peer:      c.RemotePeer(),
				Direction: c.Stat().Direction,
			})
		},
		DisconnectedF: func(_ p2pnet.Network, c p2pnet.Conn) {
			m.comp.Push(composer.Event{
				Kind: composer.EventPeerDisconnected,
				Peer: c.RemotePeer(),
			})
		},
	}
}

// registerSelfRecord signs and installs the local address record.
func (m *Manager) registerSelfRecord() error {
	endpoints, err := localEndpoints(m.cfg)
	if err != nil {
		return err
	}
	attrs := make(map[string][]byte)
	subnets := *m.subnets.Load()
	buf := make([]byte, len(subnets))
	copy(buf, subnets[:])
	attrs[enr.AttrSubnets] = buf

	rec, err := enr.Sign(m.priv, m.metaSeq.Load(), endpoints, attrs)
	if err != nil {
		return fmt.Errorf("sign self record: %w", err)
	}
	return m.disc.RegisterSelf(rec)
}

// localEndpoints derives the advertised endpoints from the configuration.
func localEndpoints(cfg *config.Config) ([]enr.Endpoint, error) {
	maddr, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	ipStr, err := maddr.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		ipStr, err = maddr.ValueForProtocol(multiaddr.P_IP6)
		if err != nil {
			return nil, fmt.Errorf("listen address has no ip component")
		}
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("unparseable listen ip %q", ipStr)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	endpoints := []enr.Endpoint{
		{Proto: "udp", IP: ip, Port: uint16(cfg.DiscoveryPort)},
	}
	if portStr, err := maddr.ValueForProtocol(multiaddr.P_TCP); err == nil {
		var port uint16
		fmt.Sscanf(portStr, "%d", &port)
		endpoints = append(endpoints, enr.Endpoint{Proto: "tcp", IP: ip, Port: port})
	}
	return endpoints, nil
}

// dialBootstrap enqueues dials for the bootstrap set.
func (m *Manager) dialBootstrap(records []*enr.Record) {
	for _, rec := range records {
		info, err := rec.AddrInfo()
		if err != nil || info.ID == m.host.ID() {
			continue
		}
		m.comp.Emit(composer.Action{Kind: composer.ActionDial, Peer: info.ID, Addrs: info})
	}
}

// pumpDiscoveryEvents translates discovery events into composer events.
func (m *Manager) pumpDiscoveryEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.disc.Events():
			switch ev.Kind {
			case discovery.EventPeersFound:
				m.comp.Push(composer.Event{Kind: composer.EventDiscoveryFound, Records: ev.Records})
			case discovery.EventDegraded:
				m.comp.Push(composer.Event{Kind: composer.EventDegraded, Err: ev.Err})
			}
		}
	}
}

// lookupLoop keeps the routing table fresh and hunts for subnet peers.
func (m *Manager) lookupLoop(ctx context.Context) error {
	ticker := time.NewTicker(lookupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var pred func(*enr.Record) bool
			if len(m.cfg.Subnets) > 0 {
				pred = enr.SubnetPredicate(m.cfg.Subnets...)
			}
			m.disc.Lookup(ctx, discovery.RandomTarget(), pred)
		}
	}
}

// healthLoop prunes idle connections and falls back to the bootstrap set when
// the peer count gets thin.
func (m *Manager) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, p := range m.peers.stale(staleCutoff) {
				log.Debugw("dropping idle peer", "peer", p)
				m.comp.Emit(composer.Action{Kind: composer.ActionDisconnect, Peer: p})
			}
			if m.peers.len() < minHealthyPeers && len(m.bootstrap) > 0 {
				log.Infow("low peer count, redialing bootstrap", "peers", m.peers.len())
				m.dialBootstrap(m.bootstrap)
			}
		}
	}
}
