package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sequencer/pkg/config"
	"sequencer/pkg/seqerrors"
	"sequencer/pkg/seqlog"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node is a seqlog.Log replicated through raft. Appends are proposed to the
// group; committed entries are appended to a local MemoryLog in commit order,
// so every member assigns the same sequence to the same event.
type Node struct {
	ID           uint64
	underlying   raft.Node
	local        *seqlog.MemoryLog
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	peersMu sync.RWMutex
	Peers   map[uint64]string

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

var _ seqlog.Log = (*Node)(nil)

func NewNode(cfg *config.RaftConfig, capacity int) (*Node, error) {
	rc := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate peer ID %d", seqerrors.ErrInvalidArgument, p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}

	transportPeers := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		transportPeers[id] = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(rc, raftPeers),
		local:        seqlog.NewMemoryLog(capacity),
		jr:           storage,
		tickInterval: tick,
		transport:    NewTransport(transportPeers),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "index", entry.Index, "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		addr := string(cc.Context)
		n.setPeer(cc.NodeID, addr)
		n.transport.AddPeer(cc.NodeID, addr)
		slog.Info("added peer", "id", cc.NodeID, "addr", addr)

	case raftpb.ConfChangeRemoveNode:
		n.peersMu.Lock()
		delete(n.Peers, cc.NodeID)
		n.peersMu.Unlock()
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		n.UpdatePeer(cc.NodeID, string(cc.Context))
	}
}

// UpdatePeer changes where messages for a known member are sent. Membership
// watchers call it when a node re-registers under a new address.
func (n *Node) UpdatePeer(id uint64, addr string) {
	n.setPeer(id, addr)
	n.transport.UpdatePeer(id, addr)
	slog.Info("updated peer", "id", id, "addr", addr)
}

func (n *Node) setPeer(id uint64, addr string) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	n.Peers[id] = addr
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				n.underlying.ReportUnreachable(m.To)
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	// capacity is shared config, so a full log rejects on every member alike
	seq, err := n.local.Append(n.ctx, cmd.Payload)
	if err != nil {
		slog.Warn("committed event not appended", "cmd_id", cmd.ID, "error", err)
	}
	n.notifyProposalResult(cmd.ID, proposeResult{Seq: seq, Err: err})
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.Peers[n.LeaderID()]
}

type proposeResult struct {
	Seq uint64
	Err error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// follower apply, or the proposer already gave up
		return
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
}

// Append proposes payload and blocks until the group commits it and this node
// appends it locally. Proposals dropped while no leader is known are retried
// until ctx ends.
func (n *Node) Append(ctx context.Context, payload string) (uint64, error) {
	if n.local.Length() >= n.local.Capacity() {
		return 0, fmt.Errorf("%w: capacity %d reached", seqerrors.ErrLogFull, n.local.Capacity())
	}

	cmd := NewCmd(payload)
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.tickInterval
	b.MaxInterval = 10 * n.tickInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := n.underlying.Propose(ctx, data)
		if err != nil && !errors.Is(err, raft.ErrProposalDropped) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b))
	if err != nil {
		return 0, fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Seq, result.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-n.ctx.Done():
		return 0, seqerrors.ErrClosed
	}
}

func (n *Node) ReadAt(ctx context.Context, seq uint64) (string, error) {
	return n.local.ReadAt(ctx, seq)
}

func (n *Node) Length() uint64 {
	return n.local.Length()
}

// Entries reads committed entries applied on this node.
func (n *Node) Entries(from uint64, max int) []seqlog.Entry {
	return n.local.Entries(from, max)
}

// Handle steps an inbound message from another member.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	n.stopOnce.Do(n.shutdown)
	return nil
}

func (n *Node) shutdown() {
	slog.Info("stopping raft node", "id", n.ID)

	n.stop()
	n.underlying.Stop()

	n.proposalsMu.Lock()
	for _, resultChan := range n.proposals {
		select {
		case resultChan <- proposeResult{Err: seqerrors.ErrClosed}:
		default:
		}
	}
	n.proposalsMu.Unlock()

	slog.Info("raft node stopped", "id", n.ID)
}
