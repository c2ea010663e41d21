package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// RPCTimeout bounds a sync-info request/response exchange.
	RPCTimeout = 10 * time.Second

	// sendTimeout bounds opening and writing a one-way message.
	sendTimeout = 10 * time.Second

	// maxMessageBytes limits one message on the consensus stream. A
	// RespondBlock carries up to MaxRequestBlocks blocks.
	maxMessageBytes = MaxRequestBlocks*config.MaxBlockSize/10 + 64*1024

	// maxSyncInfoBytes limits a sync-info message.
	maxSyncInfoBytes = 64 * 1024
)

// ErrNoReply is returned when a sync-info request gets no answer.
var ErrNoReply = errors.New("peer did not reply")

// deliver pushes ev onto the event channel, giving up when the node stops.
func (n *Node) deliver(ev *Event) {
	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}

// SendTo writes msg to a single peer on the consensus stream.
func (n *Node) SendTo(id peer.ID, msg *Message) error {
	if n.host == nil {
		return errNotStarted
	}
	if id == n.host.ID() {
		n.deliver(&Event{Kind: EventMessage, From: id, Msg: msg})
		return nil
	}

	ctx, cancel := context.WithTimeout(n.ctx, sendTimeout)
	defer cancel()
	stream, err := n.host.NewStream(ctx, id, ConsensusProtocol)
	if err != nil {
		return fmt.Errorf("open consensus stream: %w", err)
	}
	defer stream.Close()

	_ = stream.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		stream.Reset()
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return stream.CloseWrite()
}

func (n *Node) registerStreamHandlers() {
	n.host.SetStreamHandler(ConsensusProtocol, n.handleConsensusStream)
	n.host.SetStreamHandler(SyncInfoProtocol, n.handleSyncInfoStream)
}

func (n *Node) handleConsensusStream(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer()

	_ = stream.SetReadDeadline(time.Now().Add(sendTimeout))
	var msg Message
	if err := json.NewDecoder(io.LimitReader(stream, maxMessageBytes)).Decode(&msg); err != nil {
		log.P2P.Debug().Err(err).Str("peer", ShortID(from)).Msg("Consensus stream read failed")
		if n.BanManager != nil {
			n.BanManager.RecordOffense(from, PenaltyMalformed, "malformed consensus message")
		}
		return
	}
	switch msg.Type {
	case MsgNewBlock, MsgRequestBlock, MsgRespondBlock, MsgNewTx:
	default:
		log.P2P.Debug().Str("peer", ShortID(from)).Stringer("type", msg.Type).Msg("Unexpected consensus message")
		return
	}
	n.deliver(&Event{Kind: EventMessage, From: from, Msg: &msg})
}

func (n *Node) handleSyncInfoStream(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer()

	_ = stream.SetDeadline(time.Now().Add(RPCTimeout))
	var req Message
	if err := json.NewDecoder(io.LimitReader(stream, maxSyncInfoBytes)).Decode(&req); err != nil {
		log.P2P.Debug().Err(err).Str("peer", ShortID(from)).Msg("Sync info read failed")
		return
	}
	if req.Type != MsgSyncInfoReq {
		return
	}

	reply := make(chan *Message, 1)
	n.deliver(&Event{Kind: EventRPC, From: from, Msg: &req, Reply: reply})

	timer := time.NewTimer(RPCTimeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if err := json.NewEncoder(stream).Encode(resp); err != nil {
			log.P2P.Debug().Err(err).Str("peer", ShortID(from)).Msg("Sync info write failed")
		}
	case <-timer.C:
		stream.Reset()
	case <-n.ctx.Done():
		stream.Reset()
	}
}

// RequestSyncInfo sends our checkpoints to a peer and waits up to
// RPCTimeout for its answer.
func (n *Node) RequestSyncInfo(ctx context.Context, id peer.ID, req *SyncInfoReq) (*SyncInfoResp, error) {
	if n.host == nil {
		return nil, errNotStarted
	}
	msg, err := NewMessage(MsgSyncInfoReq, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	stream, err := n.host.NewStream(ctx, id, SyncInfoProtocol)
	if err != nil {
		return nil, fmt.Errorf("open sync info stream: %w", err)
	}
	defer stream.Close()

	deadline, _ := ctx.Deadline()
	_ = stream.SetDeadline(deadline)
	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("send sync info: %w", err)
	}
	stream.CloseWrite()

	var resp Message
	if err := json.NewDecoder(io.LimitReader(stream, maxSyncInfoBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoReply, err)
	}
	if resp.Type != MsgSyncInfoResp {
		return nil, fmt.Errorf("unexpected reply %s", resp.Type)
	}
	var out SyncInfoResp
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ShortID abbreviates a peer id for logs.
func ShortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
