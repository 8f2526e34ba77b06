package reqresp

import (
	"github.com/syjn99/ream/network/enr"
	"github.com/syjn99/ream/types"
)

// Status is exchanged on connect so both sides can tell whether the other is
// ahead, behind, or on a different fork.
type Status struct {
	Fork          string     `cbor:"1,keyasint"`
	FinalizedRoot types.Root `cbor:"2,keyasint"`
	FinalizedSlot types.Slot `cbor:"3,keyasint"`
	HeadRoot      types.Root `cbor:"4,keyasint"`
	HeadSlot      types.Slot `cbor:"5,keyasint"`
}

// Goodbye announces an intentional disconnect with a reason code.
type Goodbye struct {
	Reason uint64 `cbor:"1,keyasint"`
}

// Goodbye reason codes.
const (
	GoodbyeShutdown        uint64 = 1
	GoodbyeIrrelevantChain uint64 = 2
	GoodbyeFault           uint64 = 3
	GoodbyeTooManyPeers    uint64 = 129
)

// Ping carries the sender's metadata sequence number; a stale one on either
// side triggers a follow-up metadata request.
type Ping struct {
	Seq uint64 `cbor:"1,keyasint"`
}

// MetaData describes the responder's subnet subscriptions. Seq increases
// whenever the subscription set changes.
type MetaData struct {
	Seq     uint64      `cbor:"1,keyasint"`
	Attnets enr.Subnets `cbor:"2,keyasint"`
}

// BlocksByRangeRequest asks for Count consecutive slots starting at StartSlot.
// Counts above the server's advertised maximum are rejected outright, never
// silently truncated.
type BlocksByRangeRequest struct {
	StartSlot types.Slot `cbor:"1,keyasint"`
	Count     uint64     `cbor:"2,keyasint"`
}

// BlocksByRootRequest asks for specific blocks by hash root.
type BlocksByRootRequest struct {
	Roots []types.Root `cbor:"1,keyasint"`
}

// ErrorMessage is the body of every non-success chunk.
type ErrorMessage struct {
	Message string `cbor:"1,keyasint"`
}
