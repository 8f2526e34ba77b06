package reqresp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syjn99/ream/config"
	"github.com/syjn99/ream/types"
)

// pipeStream is an in-memory duplex stream satisfying the router's stream
// interface.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func streamPair() (*pipeStream, *pipeStream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeStream{r: ar, w: aw}, &pipeStream{r: br, w: bw}
}

func (p *pipeStream) Read(b []byte) (int, error)       { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error)      { return p.w.Write(b) }
func (p *pipeStream) CloseWrite() error                { return p.w.Close() }
func (p *pipeStream) SetReadDeadline(time.Time) error  { return nil }
func (p *pipeStream) SetWriteDeadline(time.Time) error { return nil }

func (p *pipeStream) Close() error {
	p.w.Close()
	return p.r.Close()
}

func testCfg() config.ReqRespConfig {
	return config.ReqRespConfig{
		MaxChunkBytes:    1 << 20,
		MaxResponseBytes: 16 << 20,
		MaxRequestBlocks: 64,
		StreamTimeout:    5 * time.Second,
	}
}

type testHandler struct {
	status Status
	blocks []types.SignedBlock
}

func (h *testHandler) HandleRequest(_ context.Context, _ peer.ID, proto protocol.ID, req interface{}, w ChunkWriter) error {
	switch msg := req.(type) {
	case *Status:
		return w.WriteChunk(CodeSuccess, &h.status)
	case *BlocksByRangeRequest:
		for i := range h.blocks {
			b := &h.blocks[i]
			slot := uint64(b.Block.Slot)
			if slot >= uint64(msg.StartSlot) && slot < uint64(msg.StartSlot)+msg.Count {
				if err := w.WriteChunk(CodeSuccess, b); err != nil {
					return err
				}
			}
		}
		return nil
	case *BlocksByRootRequest:
		for _, want := range msg.Roots {
			for i := range h.blocks {
				root, err := h.blocks[i].Block.HashRoot()
				if err != nil {
					return err
				}
				if root == want {
					if err := w.WriteChunk(CodeSuccess, &h.blocks[i]); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	return errors.New("unexpected request type")
}

func testBlocks(n int) []types.SignedBlock {
	blocks := make([]types.SignedBlock, n)
	for i := range blocks {
		blocks[i] = types.SignedBlock{
			Block: types.Block{
				Slot:          types.Slot(100 + i),
				ProposerIndex: uint64(i),
				Body:          []byte{byte(i)},
			},
			Signature: []byte{0xaa, byte(i)},
		}
	}
	return blocks
}

func newTestRouters(t *testing.T, serverCfg, clientCfg config.ReqRespConfig, h Handler) (server, client *Router) {
	t.Helper()
	meta := func() MetaData { return MetaData{Seq: 7} }
	return NewRouter(nil, serverCfg, h, meta), NewRouter(nil, clientCfg, nil, meta)
}

// runExchange wires a client request to a served stream over pipes and
// returns the client's response stream.
func runExchange(t *testing.T, server, client *Router, proto protocol.ID, req interface{}) *ResponseStream {
	t.Helper()
	cs, ss := streamPair()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.serve(proto, peer.ID("remote"), ss)
		ss.Close()
	}()
	t.Cleanup(func() {
		cs.Close()
		<-done
	})
	rs, err := client.request(context.Background(), proto, cs, req)
	require.NoError(t, err)
	return rs
}

func collectChunks(t *testing.T, rs *ResponseStream) []*Chunk {
	t.Helper()
	var chunks []*Chunk
	for {
		c, err := rs.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
}

func TestProtocolIDs(t *testing.T) {
	assert.Equal(t, protocol.ID("/ream/req/status/1/cbor_snappy"), ProtocolStatusV1)
	assert.Len(t, SupportedProtocols(), 6)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := bytes.Repeat([]byte("frame body "), 100)
	require.NoError(t, writeFrame(&buf, body, 1<<20))

	got, err := readFrame(newByteReader(&buf), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFrameBudgetEnforcedBothSides(t *testing.T) {
	var buf bytes.Buffer
	body := make([]byte, 2048)

	err := writeFrame(&buf, body, 1024)
	assert.ErrorIs(t, err, ErrSizeLimitExceeded)

	// A frame legal for the writer but over the reader's budget is rejected
	// from its declared length alone.
	require.NoError(t, writeFrame(&buf, body, 1<<20))
	_, err = readFrame(newByteReader(&buf), 1024)
	assert.ErrorIs(t, err, ErrSizeLimitExceeded)
}

func TestChunkCodec(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteChunk(&buf, CodeSuccess, &Ping{Seq: 42}, 1<<20))
	require.NoError(t, WriteChunk(&buf, CodeInvalidRequest, &ErrorMessage{Message: "bad"}, 1<<20))

	br := newByteReader(&buf)
	code, body, err := ReadChunk(br, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, CodeSuccess, code)
	var pong Ping
	require.NoError(t, types.Unmarshal(body, &pong))
	assert.Equal(t, uint64(42), pong.Seq)

	code, body, err = ReadChunk(br, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidRequest, code)
	var em ErrorMessage
	require.NoError(t, types.Unmarshal(body, &em))
	assert.Equal(t, "bad", em.Message)

	_, _, err = ReadChunk(br, 1<<20)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkCodecRejectsUnknownCode(t *testing.T) {
	_, _, err := ReadChunk(newByteReader(bytes.NewReader([]byte{0x7f})), 1<<20)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestPingExchange(t *testing.T) {
	server, client := newTestRouters(t, testCfg(), testCfg(), nil)
	rs := runExchange(t, server, client, ProtocolPingV1, &Ping{Seq: 3})

	chunks := collectChunks(t, rs)
	require.Len(t, chunks, 1)
	var pong Ping
	require.NoError(t, chunks[0].Decode(&pong))
	assert.Equal(t, uint64(7), pong.Seq)
	assert.Equal(t, StateClosed, rs.State())
}

func TestMetaDataExchange(t *testing.T) {
	server, client := newTestRouters(t, testCfg(), testCfg(), nil)
	rs := runExchange(t, server, client, ProtocolMetaDataV1, &struct{}{})

	chunks := collectChunks(t, rs)
	require.Len(t, chunks, 1)
	var md MetaData
	require.NoError(t, chunks[0].Decode(&md))
	assert.Equal(t, uint64(7), md.Seq)
}

func TestStatusExchange(t *testing.T) {
	h := &testHandler{status: Status{Fork: "devnet0", HeadSlot: 1234}}
	server, client := newTestRouters(t, testCfg(), testCfg(), h)
	rs := runExchange(t, server, client, ProtocolStatusV1, &Status{Fork: "devnet0", HeadSlot: 900})

	chunks := collectChunks(t, rs)
	require.Len(t, chunks, 1)
	var got Status
	require.NoError(t, chunks[0].Decode(&got))
	assert.Equal(t, h.status, got)
	assert.Equal(t, int64(1), server.Stats().Served.Load())
}

func TestGoodbyeHookFires(t *testing.T) {
	server, client := newTestRouters(t, testCfg(), testCfg(), nil)
	var gotPeer peer.ID
	var gotReason uint64
	server.SetGoodbyeHook(func(p peer.ID, g Goodbye) {
		gotPeer = p
		gotReason = g.Reason
	})

	rs := runExchange(t, server, client, ProtocolGoodbyeV1, &Goodbye{Reason: GoodbyeTooManyPeers})
	collectChunks(t, rs)

	assert.Equal(t, peer.ID("remote"), gotPeer)
	assert.Equal(t, GoodbyeTooManyPeers, gotReason)
}

func TestRequestHookSeesInboundRequests(t *testing.T) {
	server, client := newTestRouters(t, testCfg(), testCfg(), nil)
	type hookCall struct {
		peer  peer.ID
		proto protocol.ID
	}
	calls := make(chan hookCall, 1)
	server.SetRequestHook(func(p peer.ID, proto protocol.ID) {
		calls <- hookCall{peer: p, proto: proto}
	})

	rs := runExchange(t, server, client, ProtocolPingV1, &Ping{Seq: 3})
	collectChunks(t, rs)

	select {
	case c := <-calls:
		assert.Equal(t, peer.ID("remote"), c.peer)
		assert.Equal(t, ProtocolPingV1, c.proto)
	default:
		t.Fatal("request hook not invoked")
	}
}

func TestBlocksByRangeStreamsChunks(t *testing.T) {
	h := &testHandler{blocks: testBlocks(5)}
	server, client := newTestRouters(t, testCfg(), testCfg(), h)
	rs := runExchange(t, server, client, ProtocolBlocksByRangeV1,
		&BlocksByRangeRequest{StartSlot: 101, Count: 3})

	chunks := collectChunks(t, rs)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		var b types.SignedBlock
		require.NoError(t, c.Decode(&b))
		assert.Equal(t, types.Slot(101+i), b.Block.Slot)
	}
}

func TestBlocksByRootReturnsMatches(t *testing.T) {
	blocks := testBlocks(3)
	h := &testHandler{blocks: blocks}
	server, client := newTestRouters(t, testCfg(), testCfg(), h)

	root, err := blocks[1].Block.HashRoot()
	require.NoError(t, err)
	rs := runExchange(t, server, client, ProtocolBlocksByRootV1,
		&BlocksByRootRequest{Roots: []types.Root{root}})

	chunks := collectChunks(t, rs)
	require.Len(t, chunks, 1)
	var b types.SignedBlock
	require.NoError(t, chunks[0].Decode(&b))
	assert.Equal(t, blocks[1].Block.Slot, b.Block.Slot)
}

func TestBlocksByRangeTooLargeRejectedNotTruncated(t *testing.T) {
	h := &testHandler{blocks: testBlocks(5)}
	cfg := testCfg()
	server, client := newTestRouters(t, cfg, cfg, h)
	rs := runExchange(t, server, client, ProtocolBlocksByRangeV1,
		&BlocksByRangeRequest{StartSlot: 0, Count: cfg.MaxRequestBlocks + 1})

	chunk, err := rs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidRequest, chunk.Code)
	var b types.SignedBlock
	assert.Error(t, chunk.Decode(&b))
	assert.Equal(t, int64(1), server.Stats().RangesRejected.Load())
}

func TestMalformedRequestAnsweredWithInvalidRequest(t *testing.T) {
	server, _ := newTestRouters(t, testCfg(), testCfg(), nil)
	cs, ss := streamPair()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.serve(ProtocolPingV1, peer.ID("remote"), ss)
		ss.Close()
	}()
	defer func() {
		cs.Close()
		<-done
	}()

	// Valid frame, undecodable body.
	require.NoError(t, writeFrame(cs, []byte{0xff, 0xff}, 1<<20))
	require.NoError(t, cs.CloseWrite())

	code, _, err := ReadChunk(newByteReader(cs), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidRequest, code)
	assert.Equal(t, int64(1), server.Stats().ServeErrors.Load())
}

func TestPerChunkBudgetAbortsStream(t *testing.T) {
	h := &testHandler{blocks: []types.SignedBlock{{
		Block: types.Block{Slot: 100, Body: make([]byte, 4096)},
	}}}
	clientCfg := testCfg()
	clientCfg.MaxChunkBytes = 64
	server, client := newTestRouters(t, testCfg(), clientCfg, h)
	rs := runExchange(t, server, client, ProtocolBlocksByRangeV1,
		&BlocksByRangeRequest{StartSlot: 100, Count: 1})

	_, err := rs.Next(context.Background())
	assert.ErrorIs(t, err, ErrSizeLimitExceeded)
	assert.Equal(t, StateAborted, rs.State())

	_, err = rs.Next(context.Background())
	assert.Error(t, err)
}

func TestAggregateBudgetAbortsStream(t *testing.T) {
	h := &testHandler{blocks: testBlocks(10)}
	for i := range h.blocks {
		h.blocks[i].Block.Body = make([]byte, 512)
	}
	clientCfg := testCfg()
	clientCfg.MaxResponseBytes = 1024
	server, client := newTestRouters(t, testCfg(), clientCfg, h)
	rs := runExchange(t, server, client, ProtocolBlocksByRangeV1,
		&BlocksByRangeRequest{StartSlot: 100, Count: 10})

	var err error
	for err == nil {
		_, err = rs.Next(context.Background())
	}
	assert.ErrorIs(t, err, ErrSizeLimitExceeded)
	assert.Equal(t, StateAborted, rs.State())
}

func TestServerResponseBudget(t *testing.T) {
	cfg := testCfg()
	cfg.MaxResponseBytes = 64
	var buf bytes.Buffer
	w := &chunkWriter{s: nopStream{&buf}, cfg: cfg}

	big := &ErrorMessage{Message: string(make([]byte, 128))}
	assert.ErrorIs(t, w.WriteChunk(CodeSuccess, big), ErrSizeLimitExceeded)
}

// nopStream adapts a buffer to the stream interface for writer-side tests.
type nopStream struct{ *bytes.Buffer }

func (nopStream) Close() error                     { return nil }
func (nopStream) CloseWrite() error                { return nil }
func (nopStream) SetReadDeadline(time.Time) error  { return nil }
func (nopStream) SetWriteDeadline(time.Time) error { return nil }

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestNegotiationFailureLeavesConnectionUsable(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)
	client.Peerstore().AddAddrs(server.ID(), server.Addrs(), time.Hour)

	meta := func() MetaData { return MetaData{Seq: 7} }
	srv := NewRouter(server, testCfg(), nil, meta)
	srv.Start()
	defer srv.Stop()
	cli := NewRouter(client, testCfg(), nil, meta)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Offer only a version the server does not register.
	_, err := cli.SendRequest(ctx, server.ID(),
		[]protocol.ID{"/ream/req/status/99/cbor_snappy"}, &Status{Fork: "devnet0"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNegotiationFailed)
	assert.Equal(t, int64(1), cli.Stats().NegotiationFailures.Load())

	// The connection survives and still serves a supported protocol.
	require.NotEmpty(t, client.Network().ConnsToPeer(server.ID()))
	rs, err := cli.SendRequest(ctx, server.ID(), []protocol.ID{ProtocolPingV1}, &Ping{Seq: 3})
	require.NoError(t, err)
	defer rs.Close()

	chunk, err := rs.Next(ctx)
	require.NoError(t, err)
	var pong Ping
	require.NoError(t, chunk.Decode(&pong))
	assert.Equal(t, uint64(7), pong.Seq)
}

func TestStreamStateStrings(t *testing.T) {
	assert.Equal(t, "awaiting_chunk", StateAwaitingChunk.String())
	assert.Equal(t, "aborted", StateAborted.String())
}
