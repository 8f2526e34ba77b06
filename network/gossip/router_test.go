package gossip

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syjn99/ream/config"
)

type mockSender struct {
	mu           sync.Mutex
	rpcs         map[peer.ID][]*RPC
	disconnected []peer.ID
}

func newMockSender() *mockSender {
	return &mockSender{rpcs: make(map[peer.ID][]*RPC)}
}

func (m *mockSender) SendRPC(p peer.ID, rpc *RPC) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpcs[p] = append(m.rpcs[p], rpc)
	return nil
}

func (m *mockSender) Disconnect(p peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, p)
}

func (m *mockSender) messagesTo(p peer.ID) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, rpc := range m.rpcs[p] {
		out = append(out, rpc.Messages...)
	}
	return out
}

func (m *mockSender) ihavesTo(p peer.ID) []ControlIHave {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ControlIHave
	for _, rpc := range m.rpcs[p] {
		if rpc.Control != nil {
			out = append(out, rpc.Control.IHave...)
		}
	}
	return out
}

func acceptAll(ctx context.Context, topic Topic, payload []byte) Verdict { return VerdictAccept }

func testGossipConfig() config.GossipConfig {
	cfg := config.Default().Gossip
	cfg.ValidationDeadline = 100 * time.Millisecond
	return cfg
}

func newTestRouter(t *testing.T, sender Sender, validate ValidateFunc) *Router {
	t.Helper()
	return NewRouter(testGossipConfig(), sender, validate, nil)
}

func pid(i int) peer.ID { return peer.ID(fmt.Sprintf("peer-%02d", i)) }

// graftAll puts the given peers into the topic mesh directly, bypassing the
// heartbeat, so forwarding tests are deterministic.
func graftAll(r *Router, topic Topic, peers ...peer.ID) {
	name := topic.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mesh[name] == nil {
		r.mesh[name] = make(map[peer.ID]bool)
	}
	for _, p := range peers {
		r.peers[p][name] = true
		r.mesh[name][p] = true
	}
}

func inboundRPC(topic Topic, payload []byte) *RPC {
	return &RPC{Messages: []Message{{Topic: topic.String(), Data: Compress(payload)}}}
}

func TestDuplicateSuppression(t *testing.T) {
	sender := newMockSender()
	validated := 0
	var mu sync.Mutex
	r := newTestRouter(t, sender, func(ctx context.Context, topic Topic, payload []byte) Verdict {
		mu.Lock()
		validated++
		mu.Unlock()
		return VerdictAccept
	})
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)

	src := pid(1)
	r.AddPeer(src)

	payload := []byte("block bytes")
	for i := 0; i < 3; i++ {
		r.HandleRPC(src, inboundRPC(topic, payload))
	}

	require.Eventually(t, func() bool {
		return r.stats.Accepted.Load() == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, validated, "exactly one copy reaches validation")
	mu.Unlock()
	assert.Equal(t, int64(2), r.stats.Duplicates.Load())
}

func TestAcceptForwardsToMeshExceptSender(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := VoteTopic("devnet0")
	r.Subscribe(topic)

	src, a, b := pid(1), pid(2), pid(3)
	for _, p := range []peer.ID{src, a, b} {
		r.AddPeer(p)
	}
	graftAll(r, topic, src, a, b)

	delivered := make(chan []byte, 1)
	r.OnMessage = func(from peer.ID, tp Topic, payload []byte) { delivered <- payload }

	payload := []byte("vote bytes")
	r.HandleRPC(src, inboundRPC(topic, payload))

	select {
	case got := <-delivered:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("accepted message not delivered")
	}

	require.Eventually(t, func() bool {
		return len(sender.messagesTo(a)) == 1 && len(sender.messagesTo(b)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sender.messagesTo(src), "never forwarded back to the sender")
}

func TestGossipAnnouncementsToNonMeshSubscribers(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)

	src, meshPeer := pid(1), pid(2)
	r.AddPeer(src)
	r.AddPeer(meshPeer)
	graftAll(r, topic, src, meshPeer)

	// Subscribed but outside the mesh: candidates for IHAVE announcements.
	var nonMesh []peer.ID
	for i := 10; i < 14; i++ {
		p := pid(i)
		nonMesh = append(nonMesh, p)
		r.AddPeer(p)
		r.HandleRPC(p, &RPC{Subs: []SubOpt{{Topic: topic.String(), Subscribe: true}}})
	}

	payload := []byte("announced block")
	r.HandleRPC(src, inboundRPC(topic, payload))

	require.Eventually(t, func() bool {
		return r.stats.Accepted.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		total := 0
		for _, p := range nonMesh {
			total += len(sender.ihavesTo(p))
		}
		return total >= 1
	}, time.Second, 5*time.Millisecond, "expected IHAVE fan-out to non-mesh subscribers")

	id := MessageID(topic.String(), payload)
	for _, p := range nonMesh {
		for _, ihave := range sender.ihavesTo(p) {
			assert.Equal(t, topic.String(), ihave.Topic)
			assert.Contains(t, ihave.MessageIDs, id)
		}
	}
}

func TestValidationTimeoutDropsWithoutPenalty(t *testing.T) {
	sender := newMockSender()
	block := make(chan struct{})
	r := newTestRouter(t, sender, func(ctx context.Context, topic Topic, payload []byte) Verdict {
		<-block
		return VerdictAccept
	})
	defer close(block)

	topic := BlockTopic("devnet0")
	r.Subscribe(topic)
	src, other := pid(1), pid(2)
	r.AddPeer(src)
	r.AddPeer(other)
	graftAll(r, topic, src, other)

	r.HandleRPC(src, inboundRPC(topic, []byte("slow to validate")))

	require.Eventually(t, func() bool {
		return r.stats.ValidationTimeouts.Load() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, sender.messagesTo(other), "unvalidated message never relayed")
	assert.Zero(t, r.Score(src), "latency fault does not penalize the sender")
	assert.Zero(t, r.stats.Accepted.Load())
}

func TestRejectPenalizesAndEventuallyDisconnects(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, func(ctx context.Context, topic Topic, payload []byte) Verdict {
		return VerdictReject
	})
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)
	src := pid(1)
	r.AddPeer(src)

	for i := 0; i < 10; i++ {
		r.HandleRPC(src, inboundRPC(topic, []byte(fmt.Sprintf("bad payload %d", i))))
	}

	require.Eventually(t, func() bool {
		return r.stats.Rejected.Load() == 10
	}, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Contains(t, sender.disconnected, src, "persistent offender disconnected")
}

func TestMalformedPayloadPenalized(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)
	src := pid(1)
	r.AddPeer(src)

	r.HandleRPC(src, &RPC{Messages: []Message{{Topic: topic.String(), Data: []byte{0xff, 0xff}}}})
	assert.Equal(t, int64(1), r.stats.Malformed.Load())
	assert.Negative(t, r.Score(src))

	r.HandleRPC(src, &RPC{Messages: []Message{{Topic: "/junk/topic", Data: Compress([]byte("x"))}}})
	assert.Equal(t, int64(2), r.stats.Malformed.Load())
}

func TestPublishReturnsIDAndFansOut(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)

	a, b := pid(1), pid(2)
	r.AddPeer(a)
	r.AddPeer(b)
	for _, p := range []peer.ID{a, b} {
		r.HandleRPC(p, &RPC{Subs: []SubOpt{{Topic: topic.String(), Subscribe: true}}})
	}

	payload := []byte("local block")
	id, err := r.Publish(topic, payload)
	require.NoError(t, err)
	assert.Equal(t, MessageID(topic.String(), payload), id)

	// Without a mesh the publish fans out to known subscribers.
	assert.Equal(t, 1, len(sender.messagesTo(a)))
	assert.Equal(t, 1, len(sender.messagesTo(b)))

	// Re-publishing inside the dedup window is a no-op.
	id2, err := r.Publish(topic, payload)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, len(sender.messagesTo(a)))

	_, err = r.Publish(topic, make([]byte, r.cfg.MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestHeartbeatGraftsUnderfilledMesh(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)

	for i := 0; i < 20; i++ {
		p := pid(i)
		r.AddPeer(p)
		r.HandleRPC(p, &RPC{Subs: []SubOpt{{Topic: topic.String(), Subscribe: true}}})
	}

	r.heartbeat()

	r.mu.Lock()
	meshSize := len(r.mesh[topic.String()])
	r.mu.Unlock()
	assert.Equal(t, r.cfg.MeshDegree, meshSize, "mesh grafted up to target degree")

	// Every grafted peer received a GRAFT control message.
	grafted := 0
	sender.mu.Lock()
	for _, rpcs := range sender.rpcs {
		for _, rpc := range rpcs {
			if rpc.Control != nil && len(rpc.Control.Graft) > 0 {
				grafted++
			}
		}
	}
	sender.mu.Unlock()
	assert.Equal(t, meshSize, grafted)
}

func TestHeartbeatPrunesOverfullMeshKeepingHighScores(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)

	var members []peer.ID
	for i := 0; i < r.cfg.MeshHigh+4; i++ {
		p := pid(i)
		r.AddPeer(p)
		members = append(members, p)
	}
	graftAll(r, topic, members...)

	// The first peers are high-scored and must survive the prune.
	for i := 0; i < r.cfg.MeshDegree; i++ {
		r.scores.Add(members[i], 10)
	}
	for i := r.cfg.MeshDegree; i < len(members); i++ {
		r.scores.Add(members[i], -5)
	}

	r.heartbeat()

	r.mu.Lock()
	mesh := r.mesh[topic.String()]
	meshSize := len(mesh)
	kept := 0
	for i := 0; i < r.cfg.MeshDegree; i++ {
		if mesh[members[i]] {
			kept++
		}
	}
	r.mu.Unlock()

	assert.Equal(t, r.cfg.MeshDegree, meshSize, "pruned down to target degree")
	assert.Equal(t, r.cfg.MeshDegree, kept, "higher-scored peers retained")
}

func TestGraftFromGraylistedPeerRefused(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)

	bad := pid(1)
	r.AddPeer(bad)
	r.scores.Add(bad, r.cfg.GraylistThreshold-1)

	r.HandleRPC(bad, &RPC{Control: &Control{Graft: []string{topic.String()}}})

	r.mu.Lock()
	inMesh := r.mesh[topic.String()][bad]
	r.mu.Unlock()
	assert.False(t, inMesh)

	// The refusal is answered with a PRUNE.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	var pruned bool
	for _, rpc := range sender.rpcs[bad] {
		if rpc.Control != nil && len(rpc.Control.Prune) > 0 {
			pruned = true
		}
	}
	assert.True(t, pruned)
}

func TestIHaveIWantExchange(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)

	src, gossiper := pid(1), pid(2)
	r.AddPeer(src)
	r.AddPeer(gossiper)
	graftAll(r, topic, src)

	payload := []byte("cached block")
	r.HandleRPC(src, inboundRPC(topic, payload))
	require.Eventually(t, func() bool {
		return r.stats.Accepted.Load() == 1
	}, time.Second, 5*time.Millisecond)

	id := MessageID(topic.String(), payload)

	// An IHAVE for an unseen id triggers an IWANT request.
	unknown := MessageID(topic.String(), []byte("unknown"))
	r.HandleRPC(gossiper, &RPC{Control: &Control{IHave: []ControlIHave{{Topic: topic.String(), MessageIDs: []string{unknown, id}}}}})

	sender.mu.Lock()
	var wanted []string
	for _, rpc := range sender.rpcs[gossiper] {
		if rpc.Control != nil {
			wanted = append(wanted, rpc.Control.IWant...)
		}
	}
	sender.mu.Unlock()
	assert.Contains(t, wanted, unknown)
	assert.NotContains(t, wanted, id, "already seen ids are not requested")

	// An IWANT for a cached id is served from the message cache.
	r.HandleRPC(gossiper, &RPC{Control: &Control{IWant: []string{id}}})
	msgs := sender.messagesTo(gossiper)
	require.NotEmpty(t, msgs)
	got, err := Decompress(msgs[len(msgs)-1].Data, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUnsubscribeAnnouncesAndClearsMesh(t *testing.T) {
	sender := newMockSender()
	r := newTestRouter(t, sender, acceptAll)
	topic := BlockTopic("devnet0")
	r.Subscribe(topic)

	p := pid(1)
	r.AddPeer(p)
	graftAll(r, topic, p)

	r.Unsubscribe(topic)

	r.mu.Lock()
	_, hasMesh := r.mesh[topic.String()]
	r.mu.Unlock()
	assert.False(t, hasMesh)

	// Messages for the dropped topic are no longer admitted.
	r.HandleRPC(p, inboundRPC(topic, []byte("late")))
	assert.Zero(t, r.stats.Accepted.Load())
}

func TestScoreDecay(t *testing.T) {
	s := newScoreBook()
	p := pid(1)
	s.Add(p, -10)
	for i := 0; i < 200; i++ {
		s.Decay()
	}
	assert.Zero(t, s.Get(p), "scores decay back to neutral")
}
