package chainsync

import (
	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// BlockSource is the durable block storage that answers peer requests.
// *chain.BlockStore implements it.
type BlockSource interface {
	GetBlock(id types.Hash) (*block.Block, error)
	QueryBlocksByHeight(height uint64, count int) ([]*block.Block, error)
	QueryBlockIndexByHeight(height uint64) (types.Hash, error)
	LatestBlockIndex() (block.Index, error)
}

// ServeBlocks answers a RequestBlock from local storage. It returns nil
// for requests with NumBlocks == 0. NumBlocks is capped at
// p2p.MaxRequestBlocks.
func ServeBlocks(src BlockSource, req *p2p.RequestBlock) *p2p.RespondBlock {
	if req.NumBlocks == 0 {
		return nil
	}
	n := req.NumBlocks
	if n > p2p.MaxRequestBlocks {
		n = p2p.MaxRequestBlocks
	}
	if req.Ascending {
		return serveAscending(src, req.Height, int(n))
	}
	return serveDescending(src, req.BlockID, int(n))
}

func serveAscending(src BlockSource, height uint64, n int) *p2p.RespondBlock {
	blocks, err := src.QueryBlocksByHeight(height+1, n)
	if err != nil {
		log.Sync.Warn().Err(err).Uint64("height", height+1).Msg("Serving blocks by height")
	}
	status := p2p.StatusSucceeded
	if len(blocks) != n {
		status = p2p.StatusNotEnoughBlocks
	}
	return &p2p.RespondBlock{Status: status, Ascending: true, Blocks: blocks}
}

func serveDescending(src BlockSource, from types.Hash, n int) *p2p.RespondBlock {
	next := from
	if next.IsZero() {
		tip, err := src.LatestBlockIndex()
		if err != nil {
			return &p2p.RespondBlock{Status: p2p.StatusIDNotFound}
		}
		next = tip.ID
	}

	blocks := make([]*block.Block, 0, n)
	for len(blocks) < n && next != block.PreGenesisID {
		blk, err := src.GetBlock(next)
		if err != nil {
			return &p2p.RespondBlock{Status: p2p.StatusIDNotFound, Blocks: blocks}
		}
		blocks = append(blocks, blk)
		next = blk.ParentID()
	}

	status := p2p.StatusSucceeded
	if len(blocks) != n {
		status = p2p.StatusNotEnoughBlocks
	}
	return &p2p.RespondBlock{Status: status, Blocks: blocks}
}

// AnswerSyncInfo finds the first offered checkpoint that is also on the
// local main chain and reports the local tip height.
func AnswerSyncInfo(src BlockSource, req *p2p.SyncInfoReq) *p2p.SyncInfoResp {
	resp := &p2p.SyncInfoResp{}
	if tip, err := src.LatestBlockIndex(); err == nil {
		resp.LatestHeight = tip.Height
	}
	for _, cp := range req.LatestBlocks {
		id, err := src.QueryBlockIndexByHeight(cp.Height)
		if err == nil && id == cp.ID {
			match := cp
			resp.CommonAncestor = &match
			break
		}
	}
	return resp
}
