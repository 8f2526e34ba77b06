package discovery

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/syjn99/ream/network/enr"
)

// Datagram types.
const (
	msgPing     = 1
	msgPong     = 2
	msgFindNode = 3
	msgNodes    = 4
)

// maxDatagramSize bounds both reads and writes; a NODES reply that would
// exceed it is truncated to fewer records by the sender.
const maxDatagramSize = 1280

var errBadPacket = errors.New("malformed discovery packet")

// packet is the single wire frame for all discovery messages. Records travel
// in their signed binary encoding and are re-verified on decode.
type packet struct {
	Type    uint8    `cbor:"1,keyasint"`
	Nonce   uint64   `cbor:"2,keyasint"`
	From    []byte   `cbor:"3,keyasint,omitempty"`
	Target  []byte   `cbor:"4,keyasint,omitempty"`
	Records [][]byte `cbor:"5,keyasint,omitempty"`
}

// decodedPacket is a verified inbound frame.
type decodedPacket struct {
	typ     uint8
	nonce   uint64
	from    *enr.Record
	target  NodeID
	records []*enr.Record
}

func encodePacket(typ uint8, nonce uint64, from *enr.Record, target NodeID, records []*enr.Record) ([]byte, error) {
	p := packet{Type: typ, Nonce: nonce}
	if from != nil {
		enc, err := from.Encode()
		if err != nil {
			return nil, err
		}
		p.From = enc
	}
	if typ == msgFindNode {
		p.Target = target[:]
	}
	for _, rec := range records {
		enc, err := rec.Encode()
		if err != nil {
			return nil, err
		}
		p.Records = append(p.Records, enc)
	}
	enc, err := cbor.Marshal(&p)
	if err != nil {
		return nil, err
	}
	if len(enc) > maxDatagramSize {
		return nil, fmt.Errorf("%w: datagram too large (%d bytes)", errBadPacket, len(enc))
	}
	return enc, nil
}

// decodePacket parses and verifies a datagram. A packet carrying any record
// with a bad signature is dropped whole.
func decodePacket(raw []byte) (*decodedPacket, error) {
	if len(raw) > maxDatagramSize {
		return nil, fmt.Errorf("%w: oversized datagram", errBadPacket)
	}
	var p packet
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPacket, err)
	}
	out := &decodedPacket{typ: p.Type, nonce: p.Nonce}

	switch p.Type {
	case msgPing, msgPong, msgFindNode, msgNodes:
	default:
		return nil, fmt.Errorf("%w: unknown type %d", errBadPacket, p.Type)
	}

	if len(p.From) > 0 {
		rec, err := enr.Decode(p.From)
		if err != nil {
			return nil, err
		}
		out.from = rec
	}
	if p.Type == msgFindNode {
		if len(p.Target) != len(out.target) {
			return nil, fmt.Errorf("%w: bad target length", errBadPacket)
		}
		copy(out.target[:], p.Target)
	}
	for _, encoded := range p.Records {
		rec, err := enr.Decode(encoded)
		if err != nil {
			return nil, err
		}
		out.records = append(out.records, rec)
	}
	return out, nil
}
