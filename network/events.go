package network

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/syjn99/ream/network/gossip"
	"github.com/syjn99/ream/types"
)

// MessageKind tags decoded gossip payloads handed to the consensus
// collaborator.
type MessageKind int

const (
	MessageBlock MessageKind = iota
	MessageVote
	MessageAggregate
)

// InboundMessage is one validated, decoded gossip payload. Exactly one of the
// typed fields is set, matching Kind; Raw always holds the uncompressed wire
// bytes.
type InboundMessage struct {
	Kind  MessageKind
	Topic gossip.Topic
	From  peer.ID

	Block *types.SignedBlock
	Vote  *types.SignedVote
	Raw   []byte
}

// decodeInbound turns an accepted gossip payload into a typed message. The
// payload already passed the collaborator's verdict; this is only the
// structural decode.
func decodeInbound(from peer.ID, topic gossip.Topic, payload []byte) (InboundMessage, error) {
	msg := InboundMessage{Topic: topic, From: from, Raw: payload}
	switch topic.Kind {
	case gossip.KindBlock:
		var block types.SignedBlock
		if err := types.Unmarshal(payload, &block); err != nil {
			return msg, fmt.Errorf("decode block: %w", err)
		}
		msg.Kind = MessageBlock
		msg.Block = &block
	case gossip.KindVote:
		var vote types.SignedVote
		if err := types.Unmarshal(payload, &vote); err != nil {
			return msg, fmt.Errorf("decode vote: %w", err)
		}
		msg.Kind = MessageVote
		msg.Vote = &vote
	case gossip.KindAggregate:
		var vote types.SignedVote
		if err := types.Unmarshal(payload, &vote); err != nil {
			return msg, fmt.Errorf("decode aggregate: %w", err)
		}
		msg.Kind = MessageAggregate
		msg.Vote = &vote
	default:
		return msg, fmt.Errorf("unhandled topic kind %q", topic.Kind)
	}
	return msg, nil
}
