package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syjn99/ream/types"
)

// fakeNetwork serves a contiguous chain of blocks and records every request.
type fakeNetwork struct {
	mu       sync.Mutex
	tip      types.Slot
	peers    []peer.ID
	next     int
	requests []rangeRequest
	failFor  map[peer.ID]error
}

type rangeRequest struct {
	peer  peer.ID
	start types.Slot
	count uint64
}

func (f *fakeNetwork) SelectSyncPeer() (peer.ID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return "", false
	}
	p := f.peers[f.next%len(f.peers)]
	f.next++
	return p, true
}

func (f *fakeNetwork) RequestBlocksByRange(_ context.Context, pid peer.ID, start types.Slot, count uint64) ([]types.SignedBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, rangeRequest{peer: pid, start: start, count: count})
	if err := f.failFor[pid]; err != nil {
		return nil, err
	}
	var blocks []types.SignedBlock
	for slot := start; uint64(slot) < uint64(start)+count && slot <= f.tip; slot++ {
		blocks = append(blocks, types.SignedBlock{Block: types.Block{Slot: slot}})
	}
	return blocks, nil
}

func (f *fakeNetwork) recorded() []rangeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rangeRequest(nil), f.requests...)
}

// fakeImporter appends blocks and tracks the head.
type fakeImporter struct {
	mu     sync.Mutex
	head   types.Slot
	blocks []types.SignedBlock
	err    error
}

func (f *fakeImporter) HeadSlot() types.Slot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

func (f *fakeImporter) Import(_ context.Context, blocks []types.SignedBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, b := range blocks {
		if b.Block.Slot != f.head+1 {
			return errors.New("out of order import")
		}
		f.head = b.Block.Slot
		f.blocks = append(f.blocks, b)
	}
	return nil
}

func testConfig() Config {
	return Config{BatchSize: 16, Interval: time.Second, RequestTimeout: time.Second, MaxRetries: 3}
}

func TestSyncPaginatesToTarget(t *testing.T) {
	net := &fakeNetwork{tip: 40, peers: []peer.ID{"a"}}
	imp := &fakeImporter{}
	s := New(testConfig(), net, imp, nil)
	s.SetTarget(40)

	require.NoError(t, s.SyncToTarget(context.Background()))
	assert.Equal(t, types.Slot(40), imp.HeadSlot())
	assert.Len(t, imp.blocks, 40)

	// 40 slots in batches of 16: 16 + 16 + 8, never over the batch size.
	reqs := net.recorded()
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.LessOrEqual(t, r.count, uint64(16))
	}
	assert.Equal(t, types.Slot(1), reqs[0].start)
	assert.Equal(t, types.Slot(17), reqs[1].start)
	assert.Equal(t, types.Slot(33), reqs[2].start)
}

func TestSyncRetriesAcrossPeers(t *testing.T) {
	net := &fakeNetwork{
		tip:     8,
		peers:   []peer.ID{"bad", "good"},
		failFor: map[peer.ID]error{"bad": errors.New("stream reset")},
	}
	imp := &fakeImporter{}
	s := New(testConfig(), net, imp, nil)
	s.SetTarget(8)

	require.NoError(t, s.SyncToTarget(context.Background()))
	assert.Equal(t, types.Slot(8), imp.HeadSlot())

	reqs := net.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, peer.ID("bad"), reqs[0].peer)
	assert.Equal(t, peer.ID("good"), reqs[1].peer)
	assert.Equal(t, int64(0), s.Status().FailedBatches)
}

func TestSyncFailsAfterMaxRetries(t *testing.T) {
	net := &fakeNetwork{
		tip:     8,
		peers:   []peer.ID{"bad"},
		failFor: map[peer.ID]error{"bad": errors.New("timeout")},
	}
	s := New(testConfig(), net, &fakeImporter{}, nil)
	s.SetTarget(8)

	err := s.SyncToTarget(context.Background())
	require.Error(t, err)
	assert.Len(t, net.recorded(), 3)
	assert.Equal(t, int64(1), s.Status().FailedBatches)
}

func TestSyncNoPeersAvailable(t *testing.T) {
	s := New(testConfig(), &fakeNetwork{tip: 8}, &fakeImporter{}, nil)
	s.SetTarget(8)
	assert.Error(t, s.SyncToTarget(context.Background()))
}

func TestSyncStopsAtHeadWhenPeersBehind(t *testing.T) {
	// Target says 20 but peers only have 10 blocks: the round ends cleanly
	// and resumes when peers catch up.
	net := &fakeNetwork{tip: 10, peers: []peer.ID{"a"}}
	imp := &fakeImporter{}
	s := New(testConfig(), net, imp, nil)
	s.SetTarget(20)

	require.NoError(t, s.SyncToTarget(context.Background()))
	assert.Equal(t, types.Slot(10), imp.HeadSlot())

	net.mu.Lock()
	net.tip = 20
	net.mu.Unlock()
	require.NoError(t, s.SyncToTarget(context.Background()))
	assert.Equal(t, types.Slot(20), imp.HeadSlot())
}

func TestSetTargetNeverRegresses(t *testing.T) {
	s := New(testConfig(), &fakeNetwork{}, &fakeImporter{}, nil)
	s.SetTarget(50)
	s.SetTarget(10)
	assert.Equal(t, types.Slot(50), s.Status().TargetSlot)
}

func TestStartStop(t *testing.T) {
	net := &fakeNetwork{tip: 4, peers: []peer.ID{"a"}}
	s := New(testConfig(), net, &fakeImporter{}, nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.True(t, s.Status().Active)
	s.Stop()
	assert.False(t, s.Status().Active)
	s.Stop()
}
