// Package gossip implements the topic-based publish/subscribe overlay:
// bounded per-topic meshes, peer scoring, time-windowed de-duplication and
// deadline-bounded hand-off to the consensus validator.
package gossip

import (
	"fmt"
	"strings"
)

// Topic name layout: /<prefix>/<fork>/<kind>/<encoding>.
const (
	TopicPrefix    = "leanconsensus"
	EncodingSuffix = "cbor_snappy"

	KindBlock     = "block"
	KindVote      = "vote"
	KindAggregate = "aggregate"
)

// Topic identifies one gossip channel within a fork epoch.
type Topic struct {
	Fork string
	Kind string
}

// BlockTopic returns the block channel for a fork.
func BlockTopic(fork string) Topic { return Topic{Fork: fork, Kind: KindBlock} }

// VoteTopic returns the vote channel for a fork.
func VoteTopic(fork string) Topic { return Topic{Fork: fork, Kind: KindVote} }

// AggregateTopic returns the aggregate channel for a fork.
func AggregateTopic(fork string) Topic { return Topic{Fork: fork, Kind: KindAggregate} }

func (t Topic) String() string {
	return fmt.Sprintf("/%s/%s/%s/%s", TopicPrefix, t.Fork, t.Kind, EncodingSuffix)
}

// ParseTopic validates and splits a wire topic name.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[3] != EncodingSuffix {
		return Topic{}, fmt.Errorf("invalid topic format: %q", s)
	}
	switch parts[2] {
	case KindBlock, KindVote, KindAggregate:
	default:
		return Topic{}, fmt.Errorf("invalid topic kind: %q", parts[2])
	}
	if parts[1] == "" {
		return Topic{}, fmt.Errorf("empty fork in topic: %q", s)
	}
	return Topic{Fork: parts[1], Kind: parts[2]}, nil
}
