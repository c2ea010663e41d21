package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/mempool"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// ── chain_* ─────────────────────────────────────────────────────────────

func (s *Server) chainInfo(json.RawMessage) (any, *Error) {
	info := s.Chain.Info()
	return &ChainInfoResult{
		ChainID:    s.Genesis.ChainID,
		Height:     info.Height,
		Root:       info.Root,
		Tail:       info.Tail,
		TailHeight: info.TailHeight,
		Heads:      info.Heads,
		Role:       info.Role,
		Genesis:    info.Genesis,
		Orphans:    info.Orphans,
	}, nil
}

func (s *Server) blockByHash(params json.RawMessage) (any, *Error) {
	var p HashParam
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}
	id, err := types.HexToHash(p.Hash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}
	blk, err := s.Chain.Store().GetBlock(id)
	if err != nil {
		return nil, notFound("block %s: %v", id.Short(), err)
	}
	return NewBlockResult(blk), nil
}

func (s *Server) blockByHeight(params json.RawMessage) (any, *Error) {
	var p HeightParam
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	blk, err := s.Chain.Store().GetBlockByHeight(p.Height)
	if err != nil {
		return nil, notFound("no main-chain block at height %d: %v", p.Height, err)
	}
	return NewBlockResult(blk), nil
}

// heads lists every branch tip, highest first; the main-chain tip is
// flagged.
func (s *Server) heads(json.RawMessage) (any, *Error) {
	info := s.Chain.Info()
	out := make([]HeadEntry, 0, len(info.Heads))
	for _, id := range info.Heads {
		if bi, ok := s.Chain.BlockInfo(id); ok {
			out = append(out, HeadEntry{Hash: id, Height: bi.Height, Main: id == info.Root})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height > out[j].Height
		}
		return out[i].Hash.Compare(out[j].Hash) < 0
	})
	return &HeadsResult{Count: len(out), Heads: out}, nil
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// ── tx_* / mempool_* ────────────────────────────────────────────────────

// submitTx admits a transaction to the mempool and gossips it.
func (s *Server) submitTx(params json.RawMessage) (any, *Error) {
	var p TxSubmitParam
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	t := p.Transaction
	if t == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	if err := s.Pool.Add(t); err != nil {
		return nil, &Error{Code: rejectCode(err), Message: "rejected: " + err.Error()}
	}

	if s.P2P != nil {
		msg, err := p2p.NewMessage(p2p.MsgNewTx, &p2p.NewTx{Tx: t})
		if err == nil {
			err = s.P2P.Broadcast(msg, nil, false)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("tx", t.Hash().Short()).Msg("Relay submitted transaction")
		}
	}
	return &TxSubmitResult{TxHash: t.Hash().String()}, nil
}

// rejectCode blames the caller for a transaction the pool refuses on its
// merits, and the node for anything else.
func rejectCode(err error) int {
	for _, target := range []error{mempool.ErrValidation, mempool.ErrDuplicate, mempool.ErrConflict, mempool.ErrStale} {
		if errors.Is(err, target) {
			return CodeInvalidParams
		}
	}
	return CodeInternalError
}

func (s *Server) mempoolInfo(json.RawMessage) (any, *Error) {
	return &MempoolInfoResult{Count: s.Pool.Count()}, nil
}

// ── net_* ───────────────────────────────────────────────────────────────

func (s *Server) peerInfo(json.RawMessage) (any, *Error) {
	res := &PeerInfoResult{Peers: []PeerInfo{}}
	if s.P2P == nil {
		return res, nil
	}
	for _, p := range s.P2P.PeerList() {
		res.Peers = append(res.Peers, PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format(time.RFC3339),
			Source:      string(p.Source),
			Height:      p.Height,
		})
	}
	sort.Slice(res.Peers, func(i, j int) bool { return res.Peers[i].ConnectedAt < res.Peers[j].ConnectedAt })
	res.Count = len(res.Peers)
	return res, nil
}

func (s *Server) nodeInfo(json.RawMessage) (any, *Error) {
	if s.P2P == nil {
		return &NodeInfoResult{Addrs: []string{}}, nil
	}
	return &NodeInfoResult{ID: s.P2P.ID().String(), Addrs: s.P2P.Addrs()}, nil
}

func (s *Server) banList(json.RawMessage) (any, *Error) {
	res := &BanListResult{Bans: []BanEntry{}}
	if s.bans == nil {
		return res, nil
	}
	for _, r := range s.bans.BanList() {
		res.Bans = append(res.Bans, BanEntry(r))
	}
	res.Count = len(res.Bans)
	return res, nil
}

// ── mining_* ────────────────────────────────────────────────────────────

var errMiningOff = &Error{Code: CodeUnavailable, Message: "mining is not enabled on this node"}

// miningContext returns the open puzzle, or a null context between
// rounds.
func (s *Server) miningContext(json.RawMessage) (any, *Error) {
	if s.coord == nil {
		return nil, errMiningOff
	}
	res := &MiningContextResult{Context: s.coord.CurrentContext()}
	if s.pow != nil {
		res.Target = s.pow.MaxTarget()
	}
	return res, nil
}

func (s *Server) submitSolution(params json.RawMessage) (any, *Error) {
	if s.coord == nil {
		return nil, errMiningOff
	}
	var p SubmitSolutionParam
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Context == nil || p.Proof == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "context and proof are required"}
	}
	ok := s.coord.AcceptSolution(p.Context, p.Proof)
	s.logger.Debug().Bool("accepted", ok).Uint64("nonce", p.Proof.Nonce).Msg("Solution submitted")
	return &SubmitSolutionResult{Accepted: ok}, nil
}
