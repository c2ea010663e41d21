// Package events dispatches network events to the chain, the sync
// manager and the mempool.
package events

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingnet-pow/internal/chainsync"
	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/mempool"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Network is the transport the processor replies and relays through.
// *p2p.Node implements it.
type Network interface {
	ID() peer.ID
	Broadcast(msg *p2p.Message, except []peer.ID, self bool) error
	chainsync.Network
}

// Chain is the local chain. *chain.Manager implements it.
type Chain interface {
	Blocks() chan<- *block.Block
	HeightAndRoot() (uint64, types.Hash)
	Checkpoints() (uint64, []block.Index)
	IsInit() bool
	IsRunning() bool
	SetSync() bool
	BeginMint()
}

// TxPool accepts gossiped transactions.
type TxPool interface {
	Add(t *tx.Transaction) error
}

// Config wires a processor. Pool and Bans are optional.
type Config struct {
	Net       Network
	Chain     Chain
	Store     chainsync.BlockSource
	Validator chainsync.BlockValidator
	Pool      TxPool
	Bans      chainsync.Offender

	Signals   chan<- chainsync.Signal
	Responses chan<- chainsync.Response
}

// Processor handles events from the transport. It keeps no state of its
// own beyond its collaborators.
type Processor struct {
	cfg Config
}

// New creates a processor.
func New(cfg Config) *Processor {
	return &Processor{cfg: cfg}
}

// Run handles events until ctx is done or events is closed.
func (p *Processor) Run(ctx context.Context, events <-chan *p2p.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Handle(ctx, ev)
		}
	}
}

// Handle dispatches one event. NewPeer events are handled on their own
// goroutine because they wait on a peer RPC.
func (p *Processor) Handle(ctx context.Context, ev *p2p.Event) {
	eventsHandled.WithLabelValues(label(ev)).Inc()
	switch ev.Kind {
	case p2p.EventMessage:
		p.handleMessage(ctx, ev.From, ev.Msg)
	case p2p.EventRPC:
		p.handleRPC(ev)
	case p2p.EventNewPeer:
		go p.handleNewPeer(ctx, ev.From)
	case p2p.EventLostPeer:
		log.Events.Debug().Str("peer", p2p.ShortID(ev.From)).Msg("Peer lost")
	}
}

func (p *Processor) handleMessage(ctx context.Context, from peer.ID, msg *p2p.Message) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case p2p.MsgNewBlock:
		var nb p2p.NewBlock
		if err := msg.Decode(&nb); err != nil || nb.Block == nil {
			p.offend(from, p2p.PenaltyMalformed, "malformed new block")
			return
		}
		p.handleNewBlock(ctx, from, nb.Block)

	case p2p.MsgRequestBlock:
		var req p2p.RequestBlock
		if err := msg.Decode(&req); err != nil {
			p.offend(from, p2p.PenaltyMalformed, "malformed block request")
			return
		}
		p.handleRequestBlock(from, &req)

	case p2p.MsgRespondBlock:
		var resp p2p.RespondBlock
		if err := msg.Decode(&resp); err != nil {
			p.offend(from, p2p.PenaltyMalformed, "malformed block response")
			return
		}
		select {
		case p.cfg.Responses <- chainsync.Response{Peer: from, Resp: &resp}:
		case <-ctx.Done():
		}

	case p2p.MsgNewTx:
		var nt p2p.NewTx
		if err := msg.Decode(&nt); err != nil || nt.Tx == nil {
			p.offend(from, p2p.PenaltyMalformed, "malformed transaction")
			return
		}
		p.handleNewTx(from, nt.Tx)

	default:
		log.Events.Debug().Str("peer", p2p.ShortID(from)).Stringer("type", msg.Type).Msg("Ignoring message")
	}
}

func (p *Processor) handleNewBlock(ctx context.Context, from peer.ID, blk *block.Block) {
	if !p.cfg.Chain.IsRunning() {
		return
	}
	self := from == p.cfg.Net.ID()
	if err := p.cfg.Validator.ValidateBlock(blk); err != nil {
		log.Events.Warn().
			Err(err).
			Str("peer", p2p.ShortID(from)).
			Uint64("height", blockHeight(blk)).
			Msg("Invalid block")
		if !self {
			p.offend(from, p2p.PenaltyInvalidBlock, err.Error())
		}
		return
	}

	height, root := p.cfg.Chain.HeightAndRoot()
	if !self && blk.Height() > height && blk.ParentID() != root {
		log.Events.Debug().
			Str("peer", p2p.ShortID(from)).
			Uint64("height", blk.Height()).
			Uint64("local_height", height).
			Msg("Block ahead of local chain, syncing")
		signal := chainsync.Signal{
			Peer: from,
			From: block.Index{Height: blk.Height(), ID: blk.ParentID()},
		}
		select {
		case p.cfg.Signals <- signal:
		default:
			log.Events.Warn().Msg("Sync signal queue full")
		}
		if msg, err := p2p.NewMessage(p2p.MsgNewBlock, &p2p.NewBlock{Block: blk}); err == nil {
			if err := p.cfg.Net.Broadcast(msg, []peer.ID{from}, false); err != nil {
				log.Events.Debug().Err(err).Msg("Relay block")
			}
		}
	}

	select {
	case p.cfg.Chain.Blocks() <- blk:
	case <-ctx.Done():
	}
}

func (p *Processor) handleRequestBlock(from peer.ID, req *p2p.RequestBlock) {
	resp := chainsync.ServeBlocks(p.cfg.Store, req)
	if resp == nil {
		return
	}
	msg, err := p2p.NewMessage(p2p.MsgRespondBlock, resp)
	if err != nil {
		log.Events.Error().Err(err).Msg("Encode block response")
		return
	}
	if err := p.cfg.Net.SendTo(from, msg); err != nil {
		log.Events.Debug().Err(err).Str("peer", p2p.ShortID(from)).Msg("Send block response")
		return
	}
	log.Events.Debug().
		Str("peer", p2p.ShortID(from)).
		Bool("ascending", req.Ascending).
		Int("blocks", len(resp.Blocks)).
		Stringer("status", resp.Status).
		Msg("Served blocks")
}

func (p *Processor) handleNewTx(from peer.ID, t *tx.Transaction) {
	if p.cfg.Pool == nil {
		return
	}
	err := p.cfg.Pool.Add(t)
	switch {
	case err == nil:
		log.Events.Debug().Str("tx", t.Hash().Short()).Msg("Transaction added to mempool")
	case errors.Is(err, mempool.ErrValidation):
		p.offend(from, p2p.PenaltyInvalidTx, err.Error())
	default:
		log.Events.Debug().Err(err).Str("tx", t.Hash().Short()).Msg("Transaction not added")
	}
}

func (p *Processor) handleRPC(ev *p2p.Event) {
	if ev.Msg == nil || ev.Msg.Type != p2p.MsgSyncInfoReq || ev.Reply == nil {
		return
	}
	var req p2p.SyncInfoReq
	if err := ev.Msg.Decode(&req); err != nil {
		p.offend(ev.From, p2p.PenaltyMalformed, "malformed sync info request")
		return
	}
	resp, err := p2p.NewMessage(p2p.MsgSyncInfoResp, chainsync.AnswerSyncInfo(p.cfg.Store, &req))
	if err != nil {
		log.Events.Error().Err(err).Msg("Encode sync info response")
		return
	}
	select {
	case ev.Reply <- resp:
	default:
	}
}

// handleNewPeer probes a new peer while the node is bootstrapping. A
// taller peer that shares an ancestor starts an ascending sync; otherwise
// the node considers itself caught up.
func (p *Processor) handleNewPeer(ctx context.Context, id peer.ID) {
	if !p.cfg.Chain.IsInit() {
		return
	}
	height, checkpoints := p.cfg.Chain.Checkpoints()
	resp, err := p.cfg.Net.RequestSyncInfo(ctx, id, &p2p.SyncInfoReq{LatestBlocks: checkpoints})
	if err != nil {
		log.Events.Warn().Err(err).Str("peer", p2p.ShortID(id)).Msg("Sync info request failed")
		return
	}
	log.Events.Info().
		Str("peer", p2p.ShortID(id)).
		Uint64("local_height", height).
		Uint64("peer_height", resp.LatestHeight).
		Bool("ancestor", resp.CommonAncestor != nil).
		Msg("Peer sync info")

	if resp.LatestHeight > height && resp.CommonAncestor != nil {
		signal := chainsync.Signal{
			Peer:       id,
			Ascending:  true,
			From:       *resp.CommonAncestor,
			PeerHeight: resp.LatestHeight,
		}
		select {
		case p.cfg.Signals <- signal:
			p.cfg.Chain.SetSync()
		case <-ctx.Done():
		}
		return
	}
	p.cfg.Chain.BeginMint()
}

func (p *Processor) offend(id peer.ID, penalty int, reason string) {
	if p.cfg.Bans == nil || id == p.cfg.Net.ID() {
		return
	}
	p.cfg.Bans.RecordOffense(id, penalty, reason)
}

func blockHeight(blk *block.Block) uint64 {
	if blk == nil || blk.Header == nil {
		return 0
	}
	return blk.Header.Height
}

func label(ev *p2p.Event) string {
	if ev.Kind == p2p.EventMessage && ev.Msg != nil {
		return ev.Msg.Type.String()
	}
	return ev.Kind.String()
}
