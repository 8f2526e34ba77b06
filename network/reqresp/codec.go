package reqresp

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/multiformats/go-varint"

	"github.com/syjn99/ream/types"
)

// Result codes. Every response chunk opens with exactly one of these.
const (
	CodeSuccess             byte = 0x00
	CodeInvalidRequest      byte = 0x01
	CodeServerError         byte = 0x02
	CodeResourceUnavailable byte = 0x03
)

var (
	// ErrSizeLimitExceeded aborts a stream whose declared or decoded sizes
	// violate the per-chunk or per-response budget.
	ErrSizeLimitExceeded = errors.New("reqresp: size limit exceeded")

	// ErrNegotiationFailed means the remote speaks none of the offered
	// protocol versions.
	ErrNegotiationFailed = errors.New("reqresp: protocol negotiation failed")

	// ErrRangeTooLarge rejects a by-range request whose count exceeds the
	// serving limit.
	ErrRangeTooLarge = errors.New("reqresp: requested range too large")

	// ErrInvalidCode means a chunk opened with an unknown result byte.
	ErrInvalidCode = errors.New("reqresp: invalid result code")
)

// writeFrame emits one frame: varint of the uncompressed length followed by
// the body in snappy stream framing. The writer flushes at the frame boundary
// so a reader pulling exactly the declared length never consumes past it.
func writeFrame(w io.Writer, body []byte, maxBytes int) error {
	if len(body) > maxBytes {
		return fmt.Errorf("%w: frame of %d bytes, budget %d", ErrSizeLimitExceeded, len(body), maxBytes)
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(body)))); err != nil {
		return err
	}
	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write(body); err != nil {
		return err
	}
	return sw.Close()
}

// readFrame reads one frame and returns the uncompressed body. The declared
// length is checked against the budget before any payload bytes are consumed.
func readFrame(r *byteReader, maxBytes int) ([]byte, error) {
	declared, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if declared > uint64(maxBytes) {
		return nil, fmt.Errorf("%w: declared %d bytes, budget %d", ErrSizeLimitExceeded, declared, maxBytes)
	}
	body := make([]byte, declared)
	if _, err := io.ReadFull(snappy.NewReader(r), body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// WriteRequest encodes and frames a request message.
func WriteRequest(w io.Writer, msg interface{}, maxBytes int) error {
	body, err := types.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return writeFrame(w, body, maxBytes)
}

// ReadRequest reads and decodes a request message.
func ReadRequest(r *byteReader, out interface{}, maxBytes int) error {
	body, err := readFrame(r, maxBytes)
	if err != nil {
		return err
	}
	return types.Unmarshal(body, out)
}

// WriteChunk emits one response chunk: result code, then a frame. Non-success
// codes carry an ErrorMessage body.
func WriteChunk(w io.Writer, code byte, msg interface{}, maxBytes int) error {
	if _, err := w.Write([]byte{code}); err != nil {
		return err
	}
	body, err := types.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	return writeFrame(w, body, maxBytes)
}

// ReadChunk reads one response chunk and returns its code and uncompressed
// body. io.EOF before the code byte marks a cleanly finished stream.
func ReadChunk(r *byteReader, maxBytes int) (byte, []byte, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if code > CodeResourceUnavailable {
		return code, nil, fmt.Errorf("%w: 0x%02x", ErrInvalidCode, code)
	}
	body, err := readFrame(r, maxBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return code, nil, err
	}
	return code, body, nil
}

// byteReader gives the codec the io.ByteReader varint decoding needs without
// bufio's read-ahead: reqresp frames must be consumed byte-precisely so the
// stream position stays on a chunk boundary between reads.
type byteReader struct {
	r io.Reader
	b [1]byte
}

func newByteReader(r io.Reader) *byteReader { return &byteReader{r: r} }

func (br *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.b[:]); err != nil {
		return 0, err
	}
	return br.b[0], nil
}

func (br *byteReader) Read(p []byte) (int, error) { return br.r.Read(p) }
