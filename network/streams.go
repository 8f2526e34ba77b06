package network

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-varint"

	"github.com/syjn99/ream/network/gossip"
	"github.com/syjn99/ream/types"
)

// ProtocolGossip carries gossip RPC frames: varint frame length, then the
// encoded RPC. One long-lived stream per peer per direction.
const ProtocolGossip protocol.ID = "/ream/gossip/1/cbor_snappy"

const gossipDialTimeout = 10 * time.Second

// gossipTransport implements gossip.Sender over libp2p streams. Outbound
// streams are cached per peer and dropped on the first write error; the next
// send redials.
type gossipTransport struct {
	host     host.Host
	maxFrame int

	mu      sync.Mutex
	streams map[peer.ID]p2pnet.Stream
}

func newGossipTransport(h host.Host, maxFrame int) *gossipTransport {
	return &gossipTransport{host: h, maxFrame: maxFrame, streams: make(map[peer.ID]p2pnet.Stream)}
}

// SendRPC frames and writes one RPC to the peer's gossip stream.
func (g *gossipTransport) SendRPC(p peer.ID, rpc *gossip.RPC) error {
	s, err := g.stream(p)
	if err != nil {
		return err
	}
	frame, err := types.Marshal(rpc)
	if err != nil {
		return fmt.Errorf("encode rpc: %w", err)
	}
	if len(frame) > g.maxFrame {
		return fmt.Errorf("rpc frame of %d bytes exceeds limit %d", len(frame), g.maxFrame)
	}
	buf := append(varint.ToUvarint(uint64(len(frame))), frame...)
	if _, err := s.Write(buf); err != nil {
		g.drop(p)
		return fmt.Errorf("write rpc to %s: %w", p, err)
	}
	return nil
}

// Disconnect tears down the peer's streams and connection.
func (g *gossipTransport) Disconnect(p peer.ID) {
	g.drop(p)
	_ = g.host.Network().ClosePeer(p)
}

func (g *gossipTransport) stream(p peer.ID) (p2pnet.Stream, error) {
	g.mu.Lock()
	if s, ok := g.streams[p]; ok {
		g.mu.Unlock()
		return s, nil
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gossipDialTimeout)
	defer cancel()
	s, err := g.host.NewStream(ctx, p, ProtocolGossip)
	if err != nil {
		return nil, fmt.Errorf("open gossip stream to %s: %w", p, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.streams[p]; ok {
		// Lost the race to another sender.
		s.Reset()
		return existing, nil
	}
	g.streams[p] = s
	return s, nil
}

func (g *gossipTransport) drop(p peer.ID) {
	g.mu.Lock()
	s, ok := g.streams[p]
	delete(g.streams, p)
	g.mu.Unlock()
	if ok {
		s.Reset()
	}
}

func (g *gossipTransport) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for p, s := range g.streams {
		s.Reset()
		delete(g.streams, p)
	}
}

// readRPCFrames decodes frames from an inbound gossip stream until error or
// EOF, handing each RPC to fn.
func readRPCFrames(r io.Reader, maxFrame int, fn func(*gossip.RPC)) error {
	br := frameByteReader{r: r}
	for {
		size, err := varint.ReadUvarint(&br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if size > uint64(maxFrame) {
			return fmt.Errorf("rpc frame of %d bytes exceeds limit %d", size, maxFrame)
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			return err
		}
		var rpc gossip.RPC
		if err := types.Unmarshal(frame, &rpc); err != nil {
			return fmt.Errorf("decode rpc frame: %w", err)
		}
		fn(&rpc)
	}
}

type frameByteReader struct {
	r io.Reader
	b [1]byte
}

func (br *frameByteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.b[:]); err != nil {
		return 0, err
	}
	return br.b[0], nil
}
