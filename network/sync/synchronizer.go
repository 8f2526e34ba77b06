// Package sync drives range-based block download: it paginates block
// requests against the serving limit, spreads retries across peers, and
// hands batches to the importer in slot order.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/syjn99/ream/types"
)

var log = logging.Logger("sync")

// BlockRequester is the network surface the synchronizer pulls blocks
// through.
type BlockRequester interface {
	RequestBlocksByRange(ctx context.Context, pid peer.ID, start types.Slot, count uint64) ([]types.SignedBlock, error)
	SelectSyncPeer() (peer.ID, bool)
}

// BlockImporter is the consensus collaborator receiving downloaded blocks.
type BlockImporter interface {
	HeadSlot() types.Slot
	Import(ctx context.Context, blocks []types.SignedBlock) error
}

// Config tunes the download schedule.
type Config struct {
	// BatchSize must not exceed the network's per-request block limit;
	// oversized requests are rejected by the remote, not truncated.
	BatchSize      uint64
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
}

// DefaultConfig matches the serving defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      64,
		Interval:       6 * time.Second,
		RequestTimeout: 15 * time.Second,
		MaxRetries:     3,
	}
}

// Status is a snapshot of sync progress.
type Status struct {
	Active        bool
	CurrentSlot   types.Slot
	TargetSlot    types.Slot
	SyncedBlocks  int64
	FailedBatches int64
}

// Synchronizer walks the chain from the importer's head toward the highest
// target any peer has advertised.
type Synchronizer struct {
	cfg      Config
	net      BlockRequester
	importer BlockImporter
	clk      clock.Clock

	target        atomic.Uint64
	syncedBlocks  atomic.Int64
	failedBatches atomic.Int64

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a synchronizer; Start launches the schedule loop.
func New(cfg Config, net BlockRequester, importer BlockImporter, clk clock.Clock) *Synchronizer {
	if clk == nil {
		clk = clock.New()
	}
	return &Synchronizer{cfg: cfg, net: net, importer: importer, clk: clk}
}

// SetTarget raises the sync target. Lower targets are ignored; status
// exchanges only ever move the head forward.
func (s *Synchronizer) SetTarget(slot types.Slot) {
	for {
		cur := s.target.Load()
		if uint64(slot) <= cur {
			return
		}
		if s.target.CompareAndSwap(cur, uint64(slot)) {
			return
		}
	}
}

// Status reports progress.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Status{
		Active:        running,
		CurrentSlot:   s.importer.HeadSlot(),
		TargetSlot:    types.Slot(s.target.Load()),
		SyncedBlocks:  s.syncedBlocks.Load(),
		FailedBatches: s.failedBatches.Load(),
	}
}

// Start launches the periodic sync loop.
func (s *Synchronizer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("synchronizer already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the loop and waits for an in-flight batch to finish.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Synchronizer) loop() {
	defer s.wg.Done()
	ticker := s.clk.Ticker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-s.done:
					cancel()
				case <-ctx.Done():
				}
			}()
			if err := s.SyncToTarget(ctx); err != nil {
				log.Debugw("sync round incomplete", "err", err)
			}
			cancel()
		}
	}
}

// SyncToTarget downloads batches until the head reaches the current target.
// Each batch is bounded by BatchSize so no single request exceeds the remote
// serving limit; the requester paginates rather than asking for more.
func (s *Synchronizer) SyncToTarget(ctx context.Context) error {
	for {
		head := s.importer.HeadSlot()
		target := types.Slot(s.target.Load())
		if head >= target {
			return nil
		}

		start := head + 1
		count := uint64(target-head)
		if count > s.cfg.BatchSize {
			count = s.cfg.BatchSize
		}

		blocks, err := s.fetchBatch(ctx, start, count)
		if err != nil {
			s.failedBatches.Add(1)
			return err
		}
		if len(blocks) == 0 {
			// Peers have nothing past our head yet.
			return nil
		}
		if err := s.importer.Import(ctx, blocks); err != nil {
			return fmt.Errorf("import batch at slot %d: %w", start, err)
		}
		s.syncedBlocks.Add(int64(len(blocks)))
	}
}

// fetchBatch tries up to MaxRetries peers for one range.
func (s *Synchronizer) fetchBatch(ctx context.Context, start types.Slot, count uint64) ([]types.SignedBlock, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pid, ok := s.net.SelectSyncPeer()
		if !ok {
			return nil, fmt.Errorf("no peer available for range request")
		}
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		blocks, err := s.net.RequestBlocksByRange(rctx, pid, start, count)
		cancel()
		if err != nil {
			lastErr = err
			log.Debugw("range request failed", "peer", pid, "start", start, "count", count, "err", err)
			continue
		}
		return blocks, nil
	}
	return nil, fmt.Errorf("range request failed after %d attempts: %w", s.cfg.MaxRetries, lastErr)
}
