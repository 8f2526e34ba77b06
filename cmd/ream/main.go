// Command ream runs a lean-consensus network node: it joins the peer-to-peer
// overlay, serves blocks to syncing peers, and follows the chain head it
// learns from status exchanges.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syjn99/ream/config"
	"github.com/syjn99/ream/network"
	"github.com/syjn99/ream/network/gossip"
	"github.com/syjn99/ream/network/reqresp"
	"github.com/syjn99/ream/network/sync"
	"github.com/syjn99/ream/storage"
	"github.com/syjn99/ream/types"
)

var log = logging.Logger("ream")

const statusInterval = 30 * time.Second

func main() {
	cfg := config.Default()

	flag.StringVar(&cfg.Network, "network", cfg.Network, "Network name")
	flag.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "Data directory")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Listen multiaddr")
	flag.IntVar(&cfg.DiscoveryPort, "discovery-port", cfg.DiscoveryPort, "UDP discovery port")
	flag.StringVar(&cfg.Bootstrap, "bootstrap", cfg.Bootstrap, "Bootstrap records: none, default, a file path, or a comma-separated list")
	flag.StringVar(&cfg.Fork, "fork", cfg.Fork, "Fork identifier")
	flag.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "Connection limit")
	subnets := flag.String("subnets", "", "Comma-separated attestation subnet ids")
	flag.BoolVar(&cfg.Metrics.Enabled, "metrics", cfg.Metrics.Enabled, "Serve Prometheus metrics")
	flag.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "Metrics listen address")
	flag.Parse()

	if *subnets != "" {
		ids, err := parseSubnets(*subnets)
		if err != nil {
			fatalf("invalid -subnets: %v", err)
		}
		cfg.Subnets = ids
	}

	lvl, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		fatalf("invalid -log-level %q: %v", cfg.LogLevel, err)
	}
	logging.SetAllLoggers(lvl)

	if err := cfg.Validate(); err != nil {
		fatalf("config: %v", err)
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer store.Close()

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	handler := &chainHandler{fork: cfg.Fork, store: store}
	mgr, err := network.NewManager(cfg, structuralValidator(cfg.Fork), handler, registerer(reg))
	if err != nil {
		fatalf("build network: %v", err)
	}

	syncer := sync.New(sync.DefaultConfig(), mgr, store, nil)
	handler.target = syncer.SetTarget

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		fatalf("start network: %v", err)
	}
	if err := syncer.Start(); err != nil {
		fatalf("start sync: %v", err)
	}

	var metricsSrv *http.Server
	if reg != nil {
		metricsSrv = serveMetrics(cfg.Metrics.Addr, reg)
	}

	go consumeMessages(mgr, store, syncer)
	go statusLoop(ctx, mgr, handler, syncer)

	log.Infow("node running", "peer", mgr.Host().ID(), "network", cfg.Network, "fork", cfg.Fork)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Infow("shutting down")
	cancel()
	syncer.Stop()
	if metricsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(sctx)
		scancel()
	}
	if err := mgr.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnw("shutdown error", "err", err)
	}
}

// consumeMessages drains validated gossip. Blocks are persisted; anything past
// the local head raises the sync target so gaps get backfilled.
func consumeMessages(mgr *network.Manager, store *storage.BlockStore, syncer *sync.Synchronizer) {
	for msg := range mgr.Messages() {
		switch msg.Kind {
		case network.MessageBlock:
			slot := msg.Block.Block.Slot
			if err := store.Put(msg.Block); err != nil {
				log.Warnw("store gossiped block", "slot", slot, "err", err)
				continue
			}
			syncer.SetTarget(slot)
		case network.MessageVote, network.MessageAggregate:
			// No fork choice in this node; votes are relayed by the mesh and
			// dropped here.
		}
	}
}

// statusLoop polls connected peers so the sync target tracks the network head.
func statusLoop(ctx context.Context, mgr *network.Manager, h *chainHandler, syncer *sync.Synchronizer) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			local := h.localStatus()
			for _, ps := range mgr.Peers() {
				rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				st, err := mgr.RequestStatus(rctx, ps.ID, local)
				cancel()
				if err != nil {
					log.Debugw("status exchange failed", "peer", ps.ID, "err", err)
					continue
				}
				if st.Fork != local.Fork {
					log.Debugw("peer on different fork", "peer", ps.ID, "fork", st.Fork)
					continue
				}
				syncer.SetTarget(st.HeadSlot)
			}
		}
	}
}

// chainHandler answers status and block requests from the local store.
type chainHandler struct {
	fork   string
	store  *storage.BlockStore
	target func(types.Slot)
}

func (h *chainHandler) HandleRequest(_ context.Context, from peer.ID, proto protocol.ID, req interface{}, w reqresp.ChunkWriter) error {
	switch req := req.(type) {
	case *reqresp.Status:
		if req.Fork == h.fork && h.target != nil {
			h.target(req.HeadSlot)
		}
		return w.WriteChunk(reqresp.CodeSuccess, h.localStatus())

	case *reqresp.BlocksByRangeRequest:
		blocks, err := h.store.Range(req.StartSlot, req.Count)
		if err != nil {
			return err
		}
		for i := range blocks {
			if err := w.WriteChunk(reqresp.CodeSuccess, &blocks[i]); err != nil {
				return err
			}
		}
		return nil

	case *reqresp.BlocksByRootRequest:
		for _, root := range req.Roots {
			block, err := h.store.ByRoot(root)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := w.WriteChunk(reqresp.CodeSuccess, block); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unhandled request from %s on %s", from, proto)
	}
}

func (h *chainHandler) localStatus() *reqresp.Status {
	st := &reqresp.Status{Fork: h.fork, HeadSlot: h.store.HeadSlot()}
	if block, err := h.store.BySlot(st.HeadSlot); err == nil {
		if root, err := block.Block.HashRoot(); err == nil {
			st.HeadRoot = root
		}
	}
	return st
}

// structuralValidator rejects payloads that do not decode as the topic's type.
// Signature checks belong to the consensus layer, not the wire.
func structuralValidator(fork string) gossip.ValidateFunc {
	return func(_ context.Context, topic gossip.Topic, payload []byte) gossip.Verdict {
		if topic.Fork != fork {
			return gossip.VerdictReject
		}
		switch topic.Kind {
		case gossip.KindBlock:
			var block types.SignedBlock
			if err := types.Unmarshal(payload, &block); err != nil || len(block.Signature) == 0 {
				return gossip.VerdictReject
			}
		case gossip.KindVote, gossip.KindAggregate:
			var vote types.SignedVote
			if err := types.Unmarshal(payload, &vote); err != nil || len(vote.Signature) == 0 {
				return gossip.VerdictReject
			}
		default:
			return gossip.VerdictIgnore
		}
		return gossip.VerdictAccept
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server failed", "addr", addr, "err", err)
		}
	}()
	log.Infow("metrics listening", "addr", addr)
	return srv
}

// registerer keeps the nil-disables-metrics contract: a nil *Registry must
// arrive as a nil interface.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func parseSubnets(s string) ([]uint8, error) {
	var ids []uint8
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("subnet id %q: %w", part, err)
		}
		ids = append(ids, uint8(n))
	}
	return ids, nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ream: "+format+"\n", args...)
	os.Exit(1)
}
