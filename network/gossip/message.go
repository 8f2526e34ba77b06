package gossip

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/klauspost/compress/snappy"
)

// ErrTooLarge marks a payload exceeding the configured message size cap.
var ErrTooLarge = errors.New("gossip message exceeds size limit")

// Message is one published payload in flight. Data is snappy-compressed on
// the wire and stays compressed while relayed.
type Message struct {
	Topic string `cbor:"1,keyasint"`
	Data  []byte `cbor:"2,keyasint"`
	From  []byte `cbor:"3,keyasint,omitempty"`
}

// SubOpt announces a subscription change to a peer.
type SubOpt struct {
	Topic     string `cbor:"1,keyasint"`
	Subscribe bool   `cbor:"2,keyasint"`
}

// ControlIHave announces message ids available on a topic.
type ControlIHave struct {
	Topic      string   `cbor:"1,keyasint"`
	MessageIDs []string `cbor:"2,keyasint"`
}

// Control carries mesh and announcement control messages.
type Control struct {
	IHave []ControlIHave `cbor:"1,keyasint,omitempty"`
	IWant []string       `cbor:"2,keyasint,omitempty"`
	Graft []string       `cbor:"3,keyasint,omitempty"`
	Prune []string       `cbor:"4,keyasint,omitempty"`
}

// RPC is the single frame exchanged between gossip peers.
type RPC struct {
	Subs     []SubOpt  `cbor:"1,keyasint,omitempty"`
	Messages []Message `cbor:"2,keyasint,omitempty"`
	Control  *Control  `cbor:"3,keyasint,omitempty"`
}

// MessageID derives the deterministic de-duplication id from the topic and
// the uncompressed payload, so retransmissions collapse regardless of the
// path or compression they arrived through.
func MessageID(topic string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write(payload)
	return string(h.Sum(nil)[:20])
}

// Compress snappy-encodes a payload for the wire.
func Compress(payload []byte) []byte {
	return snappy.Encode(nil, payload)
}

// Decompress decodes a wire payload, refusing anything that would inflate
// past the limit.
func Decompress(data []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt snappy frame: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("corrupt snappy frame: %w", err)
	}
	return out, nil
}
