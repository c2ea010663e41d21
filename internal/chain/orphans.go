package chain

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// MaxOrphans bounds the number of blocks waiting for their parent.
const MaxOrphans = 256

// OrphanPool holds blocks whose parent is not yet known, indexed by
// parent id. The least recently added block is evicted when full.
// Not safe for concurrent use.
type OrphanPool struct {
	blocks   *lru.Cache[types.Hash, *block.Block]
	byParent map[types.Hash][]types.Hash
}

// NewOrphanPool creates an orphan pool holding up to size blocks.
func NewOrphanPool(size int) *OrphanPool {
	p := &OrphanPool{byParent: make(map[types.Hash][]types.Hash)}
	// Only fails for size <= 0.
	p.blocks, _ = lru.NewWithEvict[types.Hash, *block.Block](size, p.unindex)
	return p
}

// Add stores an orphan. It returns false if the block is already held.
func (p *OrphanPool) Add(blk *block.Block) bool {
	id := blk.ID()
	if p.blocks.Contains(id) {
		return false
	}
	parent := blk.ParentID()
	p.byParent[parent] = append(p.byParent[parent], id)
	p.blocks.Add(id, blk)
	orphanCount.Set(float64(p.blocks.Len()))
	return true
}

// TakeChildren removes and returns the orphans waiting on parent, in
// arrival order.
func (p *OrphanPool) TakeChildren(parent types.Hash) []*block.Block {
	ids := p.byParent[parent]
	if len(ids) == 0 {
		return nil
	}
	delete(p.byParent, parent)

	children := make([]*block.Block, 0, len(ids))
	for _, id := range ids {
		if blk, ok := p.blocks.Peek(id); ok {
			children = append(children, blk)
			p.blocks.Remove(id)
		}
	}
	orphanCount.Set(float64(p.blocks.Len()))
	return children
}

// Has reports whether id is held.
func (p *OrphanPool) Has(id types.Hash) bool {
	return p.blocks.Contains(id)
}

// Len returns the number of held orphans.
func (p *OrphanPool) Len() int {
	return p.blocks.Len()
}

// unindex drops an evicted or removed block from the parent index.
func (p *OrphanPool) unindex(id types.Hash, blk *block.Block) {
	parent := blk.ParentID()
	ids := p.byParent[parent]
	for i, x := range ids {
		if x == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(p.byParent, parent)
	} else {
		p.byParent[parent] = ids
	}
}
