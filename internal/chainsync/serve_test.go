package chainsync

import (
	"testing"

	"github.com/Klingon-tech/klingnet-pow/internal/chaintest"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

func TestServeBlocks(t *testing.T) {
	b := chaintest.NewBuilder(t)
	genesis := b.Genesis(t)
	blocks := b.Chain(t, genesis, 12)
	tip := blocks[11]

	tests := []struct {
		name       string
		req        p2p.RequestBlock
		status     p2p.BlockStatus
		wantFirst  uint64
		wantBlocks int
	}{
		{"ascending full", p2p.RequestBlock{Height: 0, NumBlocks: 10, Ascending: true}, p2p.StatusSucceeded, 1, 10},
		{"ascending short", p2p.RequestBlock{Height: 8, NumBlocks: 10, Ascending: true}, p2p.StatusNotEnoughBlocks, 9, 4},
		{"ascending past tip", p2p.RequestBlock{Height: 12, NumBlocks: 10, Ascending: true}, p2p.StatusNotEnoughBlocks, 0, 0},
		{"descending from id", p2p.RequestBlock{BlockID: tip.ID(), NumBlocks: 5}, p2p.StatusSucceeded, 12, 5},
		{"descending from root", p2p.RequestBlock{NumBlocks: 3}, p2p.StatusSucceeded, 12, 3},
		{"descending to genesis", p2p.RequestBlock{BlockID: blocks[2].ID(), NumBlocks: 10}, p2p.StatusNotEnoughBlocks, 3, 4},
		{"descending unknown id", p2p.RequestBlock{BlockID: types.Hash{0xde, 0xad}, NumBlocks: 10}, p2p.StatusIDNotFound, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ServeBlocks(b.Store, &tt.req)
			if resp == nil {
				t.Fatal("nil response")
			}
			if resp.Status != tt.status {
				t.Errorf("status = %s, want %s", resp.Status, tt.status)
			}
			if resp.Ascending != tt.req.Ascending {
				t.Errorf("ascending = %v, want %v", resp.Ascending, tt.req.Ascending)
			}
			if len(resp.Blocks) != tt.wantBlocks {
				t.Fatalf("got %d blocks, want %d", len(resp.Blocks), tt.wantBlocks)
			}
			if tt.wantBlocks > 0 && resp.Blocks[0].Height() != tt.wantFirst {
				t.Errorf("first height = %d, want %d", resp.Blocks[0].Height(), tt.wantFirst)
			}
			for i := 1; i < len(resp.Blocks); i++ {
				prev, cur := resp.Blocks[i-1], resp.Blocks[i]
				if tt.req.Ascending && cur.ParentID() != prev.ID() {
					t.Errorf("block %d does not extend block %d", i, i-1)
				}
				if !tt.req.Ascending && prev.ParentID() != cur.ID() {
					t.Errorf("block %d is not the parent of block %d", i, i-1)
				}
			}
		})
	}
}

func TestServeBlocks_ZeroAndCap(t *testing.T) {
	b := chaintest.NewBuilder(t)
	b.Chain(t, b.Genesis(t), 3)

	if resp := ServeBlocks(b.Store, &p2p.RequestBlock{Ascending: true}); resp != nil {
		t.Errorf("NumBlocks 0 served %+v, want nil", resp)
	}
	resp := ServeBlocks(b.Store, &p2p.RequestBlock{NumBlocks: 1 << 20})
	if resp == nil || len(resp.Blocks) != 4 || resp.Status != p2p.StatusNotEnoughBlocks {
		t.Errorf("capped request = %+v", resp)
	}
}

func TestAnswerSyncInfo(t *testing.T) {
	b := chaintest.NewBuilder(t)
	genesis := b.Genesis(t)
	blocks := b.Chain(t, genesis, 8)

	// A peer on another branch from genesis.
	fork := chaintest.NewBuilder(t)
	forkBlocks := fork.Chain(t, fork.Genesis(t), 9)

	t.Run("first match wins", func(t *testing.T) {
		req := &p2p.SyncInfoReq{LatestBlocks: []block.Index{
			{Height: 9, ID: forkBlocks[8].ID()},
			{Height: 5, ID: blocks[4].ID()},
			{Height: 0, ID: genesis.ID()},
		}}
		resp := AnswerSyncInfo(b.Store, req)
		if resp.LatestHeight != 8 {
			t.Errorf("LatestHeight = %d, want 8", resp.LatestHeight)
		}
		if resp.CommonAncestor == nil || resp.CommonAncestor.Height != 5 {
			t.Errorf("CommonAncestor = %+v, want height 5", resp.CommonAncestor)
		}
	})

	t.Run("no match", func(t *testing.T) {
		req := &p2p.SyncInfoReq{LatestBlocks: []block.Index{{Height: 3, ID: forkBlocks[2].ID()}}}
		resp := AnswerSyncInfo(b.Store, req)
		if resp.CommonAncestor != nil {
			t.Errorf("CommonAncestor = %+v, want nil", resp.CommonAncestor)
		}
	})
}
