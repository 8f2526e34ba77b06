package reqresp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multistream"

	"github.com/syjn99/ream/config"
	"github.com/syjn99/ream/types"
)

var log = logging.Logger("reqresp")

// StreamState tracks where a request/response exchange is in its lifecycle.
type StreamState int

const (
	StateNegotiating StreamState = iota
	StateSending
	StateAwaitingChunk
	StateClosed
	StateAborted
)

func (s StreamState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateSending:
		return "sending"
	case StateAwaitingChunk:
		return "awaiting_chunk"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// stream is the slice of network.Stream the router actually uses. Tests
// exercise the full server and client paths over in-memory pipes.
type stream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Stats counts request/response outcomes.
type Stats struct {
	Served              atomic.Int64
	ServeErrors         atomic.Int64
	Sent                atomic.Int64
	SendErrors          atomic.Int64
	NegotiationFailures atomic.Int64
	RangesRejected      atomic.Int64
}

// Handler serves the requests the router cannot answer on its own: status,
// blocks by range, and blocks by root. The handler writes zero or more
// success chunks through w and returns; a returned error becomes a
// server-error chunk if nothing has been written yet.
type Handler interface {
	HandleRequest(ctx context.Context, from peer.ID, proto protocol.ID, req interface{}, w ChunkWriter) error
}

// ChunkWriter emits response chunks, enforcing the per-chunk and aggregate
// response budgets.
type ChunkWriter interface {
	WriteChunk(code byte, msg interface{}) error
}

// MetaProvider supplies the node's current metadata for ping and metadata
// requests.
type MetaProvider func() MetaData

// Router owns both directions of the request/response domain: it registers
// server handlers on the host and opens outbound streams with version
// fallback.
type Router struct {
	host    host.Host
	cfg     config.ReqRespConfig
	handler Handler
	meta    MetaProvider
	stats   Stats

	mu        sync.Mutex
	onGoodbye func(peer.ID, Goodbye)
	onRequest func(peer.ID, protocol.ID)
}

// NewRouter builds a router. The handler may be nil until SetHandler is
// called; requests arriving before that are answered with a server-error
// chunk.
func NewRouter(h host.Host, cfg config.ReqRespConfig, handler Handler, meta MetaProvider) *Router {
	return &Router{host: h, cfg: cfg, handler: handler, meta: meta}
}

// Stats exposes the outcome counters.
func (r *Router) Stats() *Stats { return &r.stats }

// SetGoodbyeHook installs the callback invoked when a peer announces an
// intentional disconnect.
func (r *Router) SetGoodbyeHook(fn func(peer.ID, Goodbye)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGoodbye = fn
}

// SetRequestHook installs the callback invoked for every inbound request
// before it is served. The manager uses it to track per-peer activity.
func (r *Router) SetRequestHook(fn func(peer.ID, protocol.ID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRequest = fn
}

// Start registers stream handlers for every supported protocol.
func (r *Router) Start() {
	for _, id := range SupportedProtocols() {
		proto := id
		r.host.SetStreamHandler(proto, func(s network.Stream) {
			defer s.Close()
			r.serve(proto, s.Conn().RemotePeer(), s)
		})
	}
}

// Stop unregisters the stream handlers.
func (r *Router) Stop() {
	for _, id := range SupportedProtocols() {
		r.host.RemoveStreamHandler(id)
	}
}

// SendRequest opens a stream to pid offering protos in preference order,
// writes the request, and returns the response stream. Negotiation picking
// none of the offered versions surfaces as ErrNegotiationFailed.
func (r *Router) SendRequest(ctx context.Context, pid peer.ID, protos []protocol.ID, req interface{}) (*ResponseStream, error) {
	s, err := r.host.NewStream(ctx, pid, protos...)
	if err != nil {
		var notSupported multistream.ErrNotSupported[protocol.ID]
		if errors.As(err, &notSupported) {
			r.stats.NegotiationFailures.Add(1)
			return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		}
		r.stats.SendErrors.Add(1)
		return nil, fmt.Errorf("open stream to %s: %w", pid, err)
	}
	rs, err := r.request(ctx, s.Protocol(), s, req)
	if err != nil {
		s.Reset()
		return nil, err
	}
	return rs, nil
}

// request runs the client side of an exchange over an already negotiated
// stream.
func (r *Router) request(ctx context.Context, proto protocol.ID, s stream, req interface{}) (*ResponseStream, error) {
	deadline := time.Now().Add(r.cfg.StreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.SetWriteDeadline(deadline)
	if err := WriteRequest(s, req, r.cfg.MaxChunkBytes); err != nil {
		r.stats.SendErrors.Add(1)
		return nil, fmt.Errorf("write request: %w", err)
	}
	// Half-close so the server sees the request boundary.
	if err := s.CloseWrite(); err != nil {
		r.stats.SendErrors.Add(1)
		return nil, fmt.Errorf("close write: %w", err)
	}
	r.stats.Sent.Add(1)
	return &ResponseStream{
		proto:  proto,
		s:      s,
		br:     newByteReader(s),
		cfg:    r.cfg,
		state:  StateAwaitingChunk,
		router: r,
	}, nil
}

// serve runs the server side of one exchange.
func (r *Router) serve(proto protocol.ID, from peer.ID, s stream) {
	r.mu.Lock()
	hook := r.onRequest
	r.mu.Unlock()
	if hook != nil {
		hook(from, proto)
	}

	deadline := time.Now().Add(r.cfg.StreamTimeout)
	_ = s.SetReadDeadline(deadline)
	_ = s.SetWriteDeadline(deadline)

	w := &chunkWriter{s: s, cfg: r.cfg}
	br := newByteReader(s)

	if err := r.serveDecoded(proto, from, br, w); err != nil {
		r.stats.ServeErrors.Add(1)
		if !w.wrote {
			code := CodeServerError
			switch {
			case errors.Is(err, ErrRangeTooLarge), errors.Is(err, ErrSizeLimitExceeded), errors.Is(err, errBadRequest):
				code = CodeInvalidRequest
			case errors.Is(err, errUnavailable):
				code = CodeResourceUnavailable
			}
			if werr := w.WriteChunk(code, &ErrorMessage{Message: err.Error()}); werr != nil {
				log.Debugw("error chunk write failed", "peer", from, "err", werr)
			}
		}
		log.Debugw("request failed", "protocol", proto, "peer", from, "err", err)
		return
	}
	r.stats.Served.Add(1)
}

var (
	errBadRequest  = errors.New("reqresp: malformed request")
	errUnavailable = errors.New("reqresp: resource unavailable")
)

func (r *Router) serveDecoded(proto protocol.ID, from peer.ID, br *byteReader, w ChunkWriter) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StreamTimeout)
	defer cancel()

	switch proto {
	case ProtocolPingV1:
		var req Ping
		if err := ReadRequest(br, &req, r.cfg.MaxChunkBytes); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return w.WriteChunk(CodeSuccess, &Ping{Seq: r.meta().Seq})

	case ProtocolMetaDataV1:
		// Metadata requests carry an empty body frame.
		var req struct{}
		if err := ReadRequest(br, &req, r.cfg.MaxChunkBytes); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		md := r.meta()
		return w.WriteChunk(CodeSuccess, &md)

	case ProtocolGoodbyeV1:
		var req Goodbye
		if err := ReadRequest(br, &req, r.cfg.MaxChunkBytes); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		r.mu.Lock()
		hook := r.onGoodbye
		r.mu.Unlock()
		if hook != nil {
			hook(from, req)
		}
		return w.WriteChunk(CodeSuccess, &Goodbye{Reason: GoodbyeShutdown})

	case ProtocolStatusV1:
		var req Status
		if err := ReadRequest(br, &req, r.cfg.MaxChunkBytes); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return r.delegate(ctx, from, proto, &req, w)

	case ProtocolBlocksByRangeV1:
		var req BlocksByRangeRequest
		if err := ReadRequest(br, &req, r.cfg.MaxChunkBytes); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		if req.Count == 0 {
			return fmt.Errorf("%w: zero count", errBadRequest)
		}
		if req.Count > r.cfg.MaxRequestBlocks {
			r.stats.RangesRejected.Add(1)
			return fmt.Errorf("%w: %d blocks, limit %d", ErrRangeTooLarge, req.Count, r.cfg.MaxRequestBlocks)
		}
		return r.delegate(ctx, from, proto, &req, w)

	case ProtocolBlocksByRootV1:
		var req BlocksByRootRequest
		if err := ReadRequest(br, &req, r.cfg.MaxChunkBytes); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		if n := uint64(len(req.Roots)); n == 0 || n > r.cfg.MaxRequestBlocks {
			r.stats.RangesRejected.Add(1)
			return fmt.Errorf("%w: %d roots, limit %d", ErrRangeTooLarge, n, r.cfg.MaxRequestBlocks)
		}
		return r.delegate(ctx, from, proto, &req, w)

	default:
		return fmt.Errorf("%w: unhandled protocol %s", errBadRequest, proto)
	}
}

func (r *Router) delegate(ctx context.Context, from peer.ID, proto protocol.ID, req interface{}, w ChunkWriter) error {
	if r.handler == nil {
		return fmt.Errorf("%w: no handler registered", errUnavailable)
	}
	return r.handler.HandleRequest(ctx, from, proto, req, w)
}

// chunkWriter enforces budgets on the server's outbound chunks.
type chunkWriter struct {
	s       stream
	cfg     config.ReqRespConfig
	written int
	wrote   bool
}

func (w *chunkWriter) WriteChunk(code byte, msg interface{}) error {
	if w.written >= w.cfg.MaxResponseBytes {
		return fmt.Errorf("%w: response budget %d exhausted", ErrSizeLimitExceeded, w.cfg.MaxResponseBytes)
	}
	cw := &countingWriter{w: w.s}
	if err := WriteChunk(cw, code, msg, w.cfg.MaxChunkBytes); err != nil {
		return err
	}
	w.written += cw.n
	w.wrote = true
	if w.written > w.cfg.MaxResponseBytes {
		return fmt.Errorf("%w: response budget %d exceeded", ErrSizeLimitExceeded, w.cfg.MaxResponseBytes)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

// Chunk is one decoded response chunk.
type Chunk struct {
	Code byte
	Body []byte
}

// Decode unmarshals the chunk body into out.
func (c *Chunk) Decode(out interface{}) error {
	if c.Code != CodeSuccess {
		var em ErrorMessage
		if err := types.Unmarshal(c.Body, &em); err != nil {
			return fmt.Errorf("remote error code 0x%02x", c.Code)
		}
		return fmt.Errorf("remote error code 0x%02x: %s", c.Code, em.Message)
	}
	return types.Unmarshal(c.Body, out)
}

// ResponseStream delivers the chunks of one response lazily. The caller pulls
// chunks with Next until io.EOF, then Close. Any error aborts the stream.
type ResponseStream struct {
	proto  protocol.ID
	s      stream
	br     *byteReader
	cfg    config.ReqRespConfig
	router *Router

	state    StreamState
	received int
}

// Protocol reports the version negotiation settled on.
func (rs *ResponseStream) Protocol() protocol.ID { return rs.proto }

// State reports the stream lifecycle state.
func (rs *ResponseStream) State() StreamState { return rs.state }

// Next returns the next chunk. io.EOF marks a cleanly finished response.
// Budget violations and inactivity abort the stream; after any error the
// stream is unusable.
func (rs *ResponseStream) Next(ctx context.Context) (*Chunk, error) {
	if rs.state != StateAwaitingChunk {
		return nil, fmt.Errorf("reqresp: next on %s stream", rs.state)
	}
	deadline := time.Now().Add(rs.cfg.StreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = rs.s.SetReadDeadline(deadline)

	code, body, err := ReadChunk(rs.br, rs.cfg.MaxChunkBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			rs.state = StateClosed
			return nil, io.EOF
		}
		rs.abort()
		return nil, err
	}
	rs.received += len(body)
	if rs.received > rs.cfg.MaxResponseBytes {
		rs.abort()
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrSizeLimitExceeded, rs.cfg.MaxResponseBytes)
	}
	return &Chunk{Code: code, Body: body}, nil
}

// Close releases the stream. Safe to call in any state.
func (rs *ResponseStream) Close() error {
	if rs.state == StateAborted || rs.state == StateClosed {
		rs.s.Close()
		return nil
	}
	rs.state = StateClosed
	return rs.s.Close()
}

func (rs *ResponseStream) abort() {
	rs.state = StateAborted
	if rs.router != nil {
		rs.router.stats.SendErrors.Add(1)
	}
	rs.s.Close()
}
