// Package reqresp implements the point-to-point request/response domain:
// versioned protocols negotiated at stream open, length-prefixed snappy
// chunks, and hard per-chunk and per-response byte budgets.
package reqresp

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolPrefix scopes every request/response protocol id.
const ProtocolPrefix = "/ream/req"

// Encoding suffix shared by all current protocol versions.
const protocolEncoding = "cbor_snappy"

// ID builds a versioned protocol identifier.
func ID(name, version string) protocol.ID {
	return protocol.ID(fmt.Sprintf("%s/%s/%s/%s", ProtocolPrefix, name, version, protocolEncoding))
}

// Current protocol versions.
var (
	ProtocolStatusV1        = ID("status", "1")
	ProtocolGoodbyeV1       = ID("goodbye", "1")
	ProtocolPingV1          = ID("ping", "1")
	ProtocolMetaDataV1      = ID("metadata", "1")
	ProtocolBlocksByRangeV1 = ID("blocks_by_range", "1")
	ProtocolBlocksByRootV1  = ID("blocks_by_root", "1")
)

// SupportedProtocols lists everything this node serves, in preference order.
func SupportedProtocols() []protocol.ID {
	return []protocol.ID{
		ProtocolStatusV1,
		ProtocolGoodbyeV1,
		ProtocolPingV1,
		ProtocolMetaDataV1,
		ProtocolBlocksByRangeV1,
		ProtocolBlocksByRootV1,
	}
}
