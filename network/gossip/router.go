package gossip

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/syjn99/ream/config"
)

var log = logging.Logger("gossip")

// Verdict is the consensus collaborator's judgment of a payload.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictReject
	VerdictIgnore
)

// Sender delivers router output to the transport layer. Implementations must
// not call back into the router.
type Sender interface {
	SendRPC(p peer.ID, rpc *RPC) error
	Disconnect(p peer.ID)
}

// ValidateFunc asks the consensus collaborator for a verdict. It may block;
// the router bounds every call with the configured deadline.
type ValidateFunc func(ctx context.Context, topic Topic, payload []byte) Verdict

// Stats counts router outcomes. Exported through the manager's metrics.
type Stats struct {
	Accepted           atomic.Int64
	Rejected           atomic.Int64
	Ignored            atomic.Int64
	Duplicates         atomic.Int64
	Malformed          atomic.Int64
	ValidationTimeouts atomic.Int64
	Published          atomic.Int64
	Forwarded          atomic.Int64
}

// Number of heartbeat windows a message stays answerable to IWANT.
const historyLength = 6

// Cap on ids requested from a single IHAVE announcement.
const maxIWantIDs = 32

// Router is the gossip overlay. All mesh and subscription state is private
// to it; the manager drives it through AddPeer/RemovePeer/HandleRPC and the
// public API below.
type Router struct {
	cfg      config.GossipConfig
	sender   Sender
	validate ValidateFunc
	clk      clock.Clock

	// OnMessage receives every accepted payload, decompressed.
	OnMessage func(from peer.ID, topic Topic, payload []byte)

	mu      sync.Mutex
	subs    map[string]bool
	peers   map[peer.ID]map[string]bool
	mesh    map[string]map[peer.ID]bool
	mcache  map[string]Message
	history [][]string
	rng     *rand.Rand

	seen   *expirable.LRU[string, struct{}]
	scores *scoreBook
	stats  Stats

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRouter builds a router; Start must be called before use.
func NewRouter(cfg config.GossipConfig, sender Sender, validate ValidateFunc, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		cfg:      cfg,
		sender:   sender,
		validate: validate,
		clk:      clk,
		subs:     make(map[string]bool),
		peers:    make(map[peer.ID]map[string]bool),
		mesh:     make(map[string]map[peer.ID]bool),
		mcache:   make(map[string]Message),
		history:  make([][]string, historyLength),
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
		seen:     expirable.NewLRU[string, struct{}](cfg.SeenCacheSize, nil, cfg.SeenTTL),
		scores:   newScoreBook(),
		done:     make(chan struct{}),
	}
}

// Stats exposes the router counters.
func (r *Router) Stats() *Stats { return &r.stats }

// Score returns the application score of a peer.
func (r *Router) Score(p peer.ID) float64 { return r.scores.Get(p) }

// Start launches the heartbeat loop.
func (r *Router) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := r.clk.Ticker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.heartbeat()
			case <-r.done:
				return
			}
		}
	}()
}

// Stop halts the heartbeat and waits for in-flight validations.
func (r *Router) Stop() {
	close(r.done)
	r.wg.Wait()
}

// AddPeer registers a connected peer and announces our subscriptions to it.
func (r *Router) AddPeer(p peer.ID) {
	r.mu.Lock()
	if _, ok := r.peers[p]; ok {
		r.mu.Unlock()
		return
	}
	r.peers[p] = make(map[string]bool)
	var subs []SubOpt
	for topic := range r.subs {
		subs = append(subs, SubOpt{Topic: topic, Subscribe: true})
	}
	r.mu.Unlock()

	if len(subs) > 0 {
		r.send(p, &RPC{Subs: subs})
	}
}

// RemovePeer drops all state for a disconnected peer.
func (r *Router) RemovePeer(p peer.ID) {
	r.mu.Lock()
	delete(r.peers, p)
	for _, members := range r.mesh {
		delete(members, p)
	}
	r.mu.Unlock()
	r.scores.Forget(p)
}

// Subscribe joins a topic and announces the subscription. The mesh fills on
// the next heartbeat.
func (r *Router) Subscribe(t Topic) {
	name := t.String()
	r.mu.Lock()
	if r.subs[name] {
		r.mu.Unlock()
		return
	}
	r.subs[name] = true
	if r.mesh[name] == nil {
		r.mesh[name] = make(map[peer.ID]bool)
	}
	targets := r.peerList()
	r.mu.Unlock()

	for _, p := range targets {
		r.send(p, &RPC{Subs: []SubOpt{{Topic: name, Subscribe: true}}})
	}
}

// Unsubscribe leaves a topic, pruning its mesh.
func (r *Router) Unsubscribe(t Topic) {
	name := t.String()
	r.mu.Lock()
	if !r.subs[name] {
		r.mu.Unlock()
		return
	}
	delete(r.subs, name)
	members := r.mesh[name]
	delete(r.mesh, name)
	targets := r.peerList()
	r.mu.Unlock()

	for _, p := range targets {
		rpc := &RPC{Subs: []SubOpt{{Topic: name, Subscribe: false}}}
		if members[p] {
			rpc.Control = &Control{Prune: []string{name}}
		}
		r.send(p, rpc)
	}
}

// Publish injects a local payload into the overlay and returns its
// message-id. Re-publishing an id still inside the de-duplication window is
// a no-op.
func (r *Router) Publish(t Topic, payload []byte) (string, error) {
	if len(payload) > r.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	name := t.String()
	id := MessageID(name, payload)
	if _, dup := r.seen.Get(id); dup {
		return id, nil
	}
	r.seen.Add(id, struct{}{})

	msg := Message{Topic: name, Data: Compress(payload)}
	r.mu.Lock()
	r.cacheMessage(id, msg)
	targets := r.meshTargets(name, "")
	if len(targets) == 0 {
		// No mesh yet: fan out to known subscribers.
		targets = r.subscriberSample(name, r.cfg.MeshDegree, nil)
	}
	announce := r.gossipSample(name, targets, "")
	r.mu.Unlock()

	for _, p := range targets {
		r.send(p, &RPC{Messages: []Message{msg}})
	}
	r.announce(name, id, announce)
	r.stats.Published.Add(1)
	return id, nil
}

// HandleRPC processes one inbound frame from a peer. Transport errors and
// malformed frames affect only that peer's score, never the router.
func (r *Router) HandleRPC(from peer.ID, rpc *RPC) {
	r.mu.Lock()
	if _, ok := r.peers[from]; !ok {
		r.peers[from] = make(map[string]bool)
	}
	for _, sub := range rpc.Subs {
		if sub.Subscribe {
			r.peers[from][sub.Topic] = true
		} else {
			delete(r.peers[from], sub.Topic)
			if members, ok := r.mesh[sub.Topic]; ok {
				delete(members, from)
			}
		}
	}
	r.mu.Unlock()

	if rpc.Control != nil {
		r.handleControl(from, rpc.Control)
	}
	for i := range rpc.Messages {
		r.handleMessage(from, rpc.Messages[i])
	}
}

func (r *Router) handleMessage(from peer.ID, msg Message) {
	topic, err := ParseTopic(msg.Topic)
	if err != nil {
		r.stats.Malformed.Add(1)
		r.penalize(from, scoreMalformed)
		return
	}

	r.mu.Lock()
	subscribed := r.subs[msg.Topic]
	r.mu.Unlock()
	if !subscribed {
		return
	}

	payload, err := Decompress(msg.Data, r.cfg.MaxMessageSize)
	if err != nil {
		r.stats.Malformed.Add(1)
		r.penalize(from, scoreMalformed)
		return
	}

	id := MessageID(msg.Topic, payload)
	if _, dup := r.seen.Get(id); dup {
		r.stats.Duplicates.Add(1)
		r.scores.Add(from, scoreDuplicate)
		return
	}
	r.seen.Add(id, struct{}{})

	// The message is not relayed until the collaborator accepts it, so the
	// overlay never amplifies data it cannot vouch for. The wait is bounded:
	// a slow validator drops the message, it does not stall the router.
	r.wg.Add(1)
	go r.validateAndRelay(from, topic, msg, id, payload)
}

func (r *Router) validateAndRelay(from peer.ID, topic Topic, msg Message, id string, payload []byte) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ValidationDeadline)
	defer cancel()

	verdictCh := make(chan Verdict, 1)
	go func() { verdictCh <- r.validate(ctx, topic, payload) }()

	select {
	case verdict := <-verdictCh:
		switch verdict {
		case VerdictAccept:
			r.stats.Accepted.Add(1)
			r.scores.Add(from, scoreFirstDelivery)
			r.relay(from, msg, id)
			if r.OnMessage != nil {
				r.OnMessage(from, topic, payload)
			}
		case VerdictReject:
			r.stats.Rejected.Add(1)
			r.penalize(from, scoreInvalid)
		case VerdictIgnore:
			r.stats.Ignored.Add(1)
		}
	case <-ctx.Done():
		// Latency fault on our validation path, not a peer protocol
		// violation: drop the message, count it, leave the score alone.
		r.stats.ValidationTimeouts.Add(1)
		log.Warnw("validation deadline exceeded", "topic", msg.Topic)
	}
}

// relay forwards an accepted message to the topic mesh (except the sender)
// and announces the id to a random slice of non-mesh subscribers as the
// epidemic backstop.
func (r *Router) relay(from peer.ID, msg Message, id string) {
	r.mu.Lock()
	r.cacheMessage(id, msg)
	targets := r.meshTargets(msg.Topic, from)
	announce := r.gossipSample(msg.Topic, targets, from)
	r.mu.Unlock()

	for _, p := range targets {
		r.send(p, &RPC{Messages: []Message{msg}})
	}
	r.stats.Forwarded.Add(int64(len(targets)))
	r.announce(msg.Topic, id, announce)
}

func (r *Router) handleControl(from peer.ID, ctl *Control) {
	var pruneBack []string
	var iwant []string
	var serve []Message

	r.mu.Lock()
	for _, topic := range ctl.Graft {
		if r.subs[topic] && r.scores.Get(from) >= r.cfg.GraylistThreshold {
			if r.mesh[topic] == nil {
				r.mesh[topic] = make(map[peer.ID]bool)
			}
			r.mesh[topic][from] = true
		} else {
			pruneBack = append(pruneBack, topic)
		}
	}
	for _, topic := range ctl.Prune {
		if members, ok := r.mesh[topic]; ok {
			delete(members, from)
		}
	}
	for _, ihave := range ctl.IHave {
		if !r.subs[ihave.Topic] {
			continue
		}
		for _, id := range ihave.MessageIDs {
			if len(iwant) >= maxIWantIDs {
				break
			}
			if _, have := r.seen.Get(id); !have {
				iwant = append(iwant, id)
			}
		}
	}
	for _, id := range ctl.IWant {
		if msg, ok := r.mcache[id]; ok {
			serve = append(serve, msg)
		}
	}
	r.mu.Unlock()

	if len(pruneBack) > 0 {
		r.send(from, &RPC{Control: &Control{Prune: pruneBack}})
	}
	if len(iwant) > 0 {
		r.send(from, &RPC{Control: &Control{IWant: iwant}})
	}
	if len(serve) > 0 {
		r.send(from, &RPC{Messages: serve})
	}
}

// heartbeat runs mesh maintenance: grafting under-filled meshes, pruning
// overfull ones (keeping higher-scored peers), score decay, disconnecting
// persistent offenders and rolling the message-cache window.
func (r *Router) heartbeat() {
	r.scores.Decay()

	type graft struct {
		p     peer.ID
		topic string
	}
	type prune struct {
		p     peer.ID
		topic string
	}
	var grafts []graft
	var prunes []prune

	r.mu.Lock()
	for topic := range r.subs {
		members := r.mesh[topic]
		if members == nil {
			members = make(map[peer.ID]bool)
			r.mesh[topic] = members
		}

		if len(members) < r.cfg.MeshLow {
			candidates := r.graftCandidates(topic, members)
			for _, p := range candidates {
				if len(members) >= r.cfg.MeshDegree {
					break
				}
				members[p] = true
				grafts = append(grafts, graft{p: p, topic: topic})
			}
		}

		if len(members) > r.cfg.MeshHigh {
			// Drop lowest-scored members down to the target degree.
			sorted := make([]peer.ID, 0, len(members))
			for p := range members {
				sorted = append(sorted, p)
			}
			sort.Slice(sorted, func(i, j int) bool {
				return r.scores.Get(sorted[i]) < r.scores.Get(sorted[j])
			})
			for _, p := range sorted[:len(members)-r.cfg.MeshDegree] {
				delete(members, p)
				prunes = append(prunes, prune{p: p, topic: topic})
			}
		}
	}
	r.shiftHistory()
	r.mu.Unlock()

	for _, g := range grafts {
		r.send(g.p, &RPC{Control: &Control{Graft: []string{g.topic}}})
	}
	for _, p := range prunes {
		r.send(p.p, &RPC{Control: &Control{Prune: []string{p.topic}}})
	}

	for _, p := range r.scores.Below(r.cfg.DisconnectThreshold) {
		log.Infow("disconnecting low-scored peer", "peer", p, "score", r.scores.Get(p))
		r.RemovePeer(p)
		r.sender.Disconnect(p)
	}
}

// graftCandidates returns non-mesh subscribers eligible for grafting,
// highest score first. Caller holds r.mu.
func (r *Router) graftCandidates(topic string, members map[peer.ID]bool) []peer.ID {
	var out []peer.ID
	for p, topics := range r.peers {
		if topics[topic] && !members[p] && r.scores.Get(p) >= r.cfg.GraylistThreshold {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.scores.Get(out[i]) > r.scores.Get(out[j])
	})
	return out
}

// meshTargets returns the mesh members for a topic minus the excluded peer.
// Caller holds r.mu.
func (r *Router) meshTargets(topic string, exclude peer.ID) []peer.ID {
	var out []peer.ID
	for p := range r.mesh[topic] {
		if p != exclude {
			out = append(out, p)
		}
	}
	return out
}

// subscriberSample returns up to n subscribers of a topic. Caller holds r.mu.
func (r *Router) subscriberSample(topic string, n int, exclude map[peer.ID]bool) []peer.ID {
	var out []peer.ID
	for p, topics := range r.peers {
		if topics[topic] && !exclude[p] {
			out = append(out, p)
		}
	}
	r.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// gossipSample picks the random non-mesh subscribers that receive an IHAVE
// announcement for a message. Caller holds r.mu.
func (r *Router) gossipSample(topic string, meshTargets []peer.ID, from peer.ID) []peer.ID {
	if r.cfg.GossipFactor <= 0 {
		return nil
	}
	exclude := make(map[peer.ID]bool, len(meshTargets)+2)
	for _, p := range meshTargets {
		exclude[p] = true
	}
	for p := range r.mesh[topic] {
		exclude[p] = true
	}
	if from != "" {
		exclude[from] = true
	}
	var candidates []peer.ID
	for p, topics := range r.peers {
		if topics[topic] && !exclude[p] {
			candidates = append(candidates, p)
		}
	}
	n := int(math.Ceil(float64(len(candidates)) * r.cfg.GossipFactor))
	if n <= 0 || len(candidates) == 0 {
		return nil
	}
	r.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (r *Router) announce(topic, id string, targets []peer.ID) {
	for _, p := range targets {
		r.send(p, &RPC{Control: &Control{IHave: []ControlIHave{{Topic: topic, MessageIDs: []string{id}}}}})
	}
}

// cacheMessage stores a message for IWANT service. Caller holds r.mu.
func (r *Router) cacheMessage(id string, msg Message) {
	r.mcache[id] = msg
	r.history[0] = append(r.history[0], id)
}

// shiftHistory rolls the message-cache window. Caller holds r.mu.
func (r *Router) shiftHistory() {
	last := r.history[historyLength-1]
	for _, id := range last {
		delete(r.mcache, id)
	}
	copy(r.history[1:], r.history[:historyLength-1])
	r.history[0] = nil
}

func (r *Router) penalize(p peer.ID, delta float64) {
	score := r.scores.Add(p, delta)
	if score < r.cfg.GraylistThreshold {
		r.mu.Lock()
		for _, members := range r.mesh {
			delete(members, p)
		}
		r.mu.Unlock()
	}
	if score < r.cfg.DisconnectThreshold {
		log.Infow("disconnecting misbehaving peer", "peer", p, "score", score)
		r.RemovePeer(p)
		r.sender.Disconnect(p)
	}
}

// peerList snapshots connected peers. Caller holds r.mu.
func (r *Router) peerList() []peer.ID {
	out := make([]peer.ID, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Router) send(p peer.ID, rpc *RPC) {
	if err := r.sender.SendRPC(p, rpc); err != nil {
		log.Debugw("gossip send failed", "peer", p, "err", err)
	}
}
