package network

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/syjn99/ream/network/composer"
	"github.com/syjn99/ream/types"
)

// CommandKind discriminates the outbound command union.
type CommandKind int

const (
	CommandPublishBlock CommandKind = iota
	CommandPublishVote
	CommandPublishAggregate
	CommandRequestBlocksByRange
	CommandRequestBlocksByRoot
	CommandDisconnect
)

// OutboundCommand is one instruction from the consensus collaborator. Only the
// fields relevant to Kind are read. A non-nil ResponseCh receives exactly one
// result; it should be buffered so a slow consumer never blocks the manager.
type OutboundCommand struct {
	Kind CommandKind

	Block *types.SignedBlock
	Vote  *types.SignedVote

	Peer  peer.ID
	Start types.Slot
	Count uint64
	Roots []types.Root

	ResponseCh chan CommandResult
}

// CommandResult reports the outcome of one command.
type CommandResult struct {
	MessageID string
	Blocks    []types.SignedBlock
	Err       error
}

// Commands is the channel the consensus collaborator writes publish and
// request instructions to. The method API (PublishBlock, RequestBlocksByRange,
// ...) remains available for callers that prefer synchronous calls.
func (m *Manager) Commands() chan<- OutboundCommand { return m.commands }

// commandLoop executes collaborator instructions. Publishes are quick and run
// inline; requests block on the remote and get their own goroutine so one slow
// peer never stalls the queue.
func (m *Manager) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.commands:
			switch cmd.Kind {
			case CommandRequestBlocksByRange, CommandRequestBlocksByRoot:
				go m.execCommand(ctx, cmd)
			default:
				m.execCommand(ctx, cmd)
			}
		}
	}
}

func (m *Manager) execCommand(ctx context.Context, cmd OutboundCommand) {
	var res CommandResult
	switch cmd.Kind {
	case CommandPublishBlock:
		res.MessageID, res.Err = m.PublishBlock(cmd.Block)
	case CommandPublishVote:
		res.MessageID, res.Err = m.PublishVote(cmd.Vote)
	case CommandPublishAggregate:
		res.MessageID, res.Err = m.PublishAggregate(cmd.Vote)
	case CommandRequestBlocksByRange:
		res.Blocks, res.Err = m.RequestBlocksByRange(ctx, cmd.Peer, cmd.Start, cmd.Count)
	case CommandRequestBlocksByRoot:
		res.Blocks, res.Err = m.RequestBlocksByRoot(ctx, cmd.Peer, cmd.Roots)
	case CommandDisconnect:
		m.comp.Emit(composer.Action{Kind: composer.ActionDisconnect, Peer: cmd.Peer})
	default:
		res.Err = fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
	if cmd.ResponseCh != nil {
		select {
		case cmd.ResponseCh <- res:
		default:
			log.Warnw("command result dropped, response channel full", "kind", cmd.Kind)
		}
	}
}
