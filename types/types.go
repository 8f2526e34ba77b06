// Package types holds the consensus object shapes that cross the wire.
// The network layer treats these as opaque payloads beyond the structural
// checks it needs for framing; semantic validation lives with the consensus
// collaborator.
package types

import (
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
)

// Slot is the consensus time unit.
type Slot uint64

// Root is a 32-byte tree hash root.
type Root [32]byte

// Block is a full consensus block.
type Block struct {
	Slot          Slot   `cbor:"1,keyasint"`
	ProposerIndex uint64 `cbor:"2,keyasint"`
	ParentRoot    Root   `cbor:"3,keyasint"`
	StateRoot     Root   `cbor:"4,keyasint"`
	Body          []byte `cbor:"5,keyasint"`
}

// SignedBlock wraps a block with its proposer signature.
type SignedBlock struct {
	Block     Block  `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// Vote is a single attestation for a target checkpoint.
type Vote struct {
	ValidatorIndex uint64 `cbor:"1,keyasint"`
	Slot           Slot   `cbor:"2,keyasint"`
	HeadRoot       Root   `cbor:"3,keyasint"`
	TargetRoot     Root   `cbor:"4,keyasint"`
	SourceRoot     Root   `cbor:"5,keyasint"`
}

// SignedVote wraps a vote with the validator signature.
type SignedVote struct {
	Vote      Vote   `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// HashRoot returns the canonical root of the block, the hash of its
// deterministic encoding.
func (b *Block) HashRoot() (Root, error) {
	enc, err := Marshal(b)
	if err != nil {
		return Root{}, err
	}
	return sha256.Sum256(enc), nil
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v in canonical CBOR. All wire objects in this module go
// through this single mode so encodings are deterministic across peers.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR produced by Marshal.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
