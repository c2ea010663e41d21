package chain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-pow/internal/execution"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// PruneWindow is how far (in heights) a branch may lag the main chain
// before Prune discards it.
const PruneWindow = 100

// BlockTree errors.
var (
	ErrAlreadyExists  = errors.New("block already exists in block tree")
	ErrParentNotFound = errors.New("parent block not found in block tree")
)

// BlockInfo is a snapshot of a block tracked by the tree.
type BlockInfo struct {
	ID       types.Hash
	ParentID types.Hash
	Height   uint64
	Children []types.Hash
	Output   *execution.Output
}

type treeNode struct {
	id       types.Hash
	parentID types.Hash
	height   uint64
	children map[types.Hash]struct{}
	output   *execution.Output
}

// BlockTree is an in-memory forking index of validated blocks.
//
//	tail --> B5  -> B6  -> B7      (root, height 7)
//	     |
//	     └-> B5' -> B6' -> B7'     (head)
//	               |
//	               └----> B7"      (head)
//
// The main chain is the path from tail to root. BlockTree is not safe for
// concurrent use; ChainManager serializes access.
type BlockTree struct {
	height uint64
	root   types.Hash
	tail   types.Hash
	heads  map[types.Hash]struct{}
	nodes  map[types.Hash]*treeNode
	// main maps height to the main-chain id, for heights tail..height.
	main map[uint64]types.Hash
}

// NewBlockTree creates a tree holding a single block, which becomes
// root, tail and only head. For a fresh chain this is genesis, with
// parentID = block.PreGenesisID.
func NewBlockTree(id, parentID types.Hash, height uint64, out *execution.Output) *BlockTree {
	t := &BlockTree{
		height: height,
		root:   id,
		tail:   id,
		heads:  map[types.Hash]struct{}{id: {}},
		nodes:  make(map[types.Hash]*treeNode),
		main:   map[uint64]types.Hash{height: id},
	}
	t.nodes[id] = &treeNode{
		id:       id,
		parentID: parentID,
		height:   height,
		children: make(map[types.Hash]struct{}),
		output:   out,
	}
	return t
}

// AddBlockInfo inserts a block under an existing parent. It reports
// whether the block became the new root.
func (t *BlockTree) AddBlockInfo(id, parentID types.Hash, out *execution.Output) (bool, error) {
	if _, ok := t.nodes[id]; ok {
		return false, fmt.Errorf("%w: %s", ErrAlreadyExists, id.Short())
	}
	parent, ok := t.nodes[parentID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrParentNotFound, parentID.Short())
	}

	n := &treeNode{
		id:       id,
		parentID: parentID,
		height:   parent.height + 1,
		children: make(map[types.Hash]struct{}),
		output:   out,
	}
	t.nodes[id] = n
	parent.children[id] = struct{}{}

	delete(t.heads, parentID)
	t.heads[id] = struct{}{}

	// First writer wins: an equal-height competitor never replaces root.
	newRoot := parent.height == t.height
	if newRoot {
		t.height = n.height
		t.root = id
		t.reindexMain(n)
	}
	return newRoot, nil
}

// reindexMain points the main-chain index at the path ending in n,
// walking back until it meets the existing main chain.
func (t *BlockTree) reindexMain(n *treeNode) {
	for cur := n; ; {
		if id, ok := t.main[cur.height]; ok && id == cur.id {
			return
		}
		t.main[cur.height] = cur.id
		if cur.id == t.tail {
			return
		}
		cur = t.mustNode(cur.parentID)
	}
}

// FindAncestorUntilMainChain walks parent pointers from id until it
// reaches a main-chain block. It returns the visited ids oldest-first,
// excluding that branch point. If id is on the main chain, ancestors is
// empty and the branch point is id itself.
func (t *BlockTree) FindAncestorUntilMainChain(id types.Hash) ([]types.Hash, BlockInfo) {
	var path []types.Hash
	cur := t.mustNode(id)
	for !t.onMainChain(cur) {
		path = append(path, cur.id)
		cur = t.mustNode(cur.parentID)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, cur.info()
}

// Prune discards branches lagging the main chain by more than
// PruneWindow, then advances the tail over unforked history. It returns
// the removed ids.
func (t *BlockTree) Prune() []types.Hash {
	var removed []types.Hash

	var lagging []*treeNode
	for id := range t.heads {
		n := t.mustNode(id)
		if t.height-n.height > PruneWindow {
			lagging = append(lagging, n)
		}
	}
	for _, head := range lagging {
		delete(t.heads, head.id)
		for cur := head; cur.id != t.tail; {
			delete(t.nodes, cur.id)
			removed = append(removed, cur.id)
			parent := t.mustNode(cur.parentID)
			delete(parent.children, cur.id)
			if len(parent.children) > 0 || t.onMainChain(parent) {
				break
			}
			cur = parent
		}
	}

	for {
		tail := t.mustNode(t.tail)
		if t.height-tail.height <= PruneWindow || len(tail.children) != 1 {
			break
		}
		var next types.Hash
		for id := range tail.children {
			next = id
		}
		delete(t.nodes, tail.id)
		delete(t.main, tail.height)
		removed = append(removed, tail.id)
		t.tail = next
	}
	return removed
}

// Height returns the height of the root.
func (t *BlockTree) Height() uint64 { return t.height }

// Root returns the tip of the longest chain.
func (t *BlockTree) Root() types.Hash { return t.root }

// Tail returns the oldest retained block.
func (t *BlockTree) Tail() types.Hash { return t.tail }

// TailHeight returns the height of the oldest retained block.
func (t *BlockTree) TailHeight() uint64 { return t.mustNode(t.tail).height }

// Len returns the number of tracked blocks.
func (t *BlockTree) Len() int { return len(t.nodes) }

// BlockExists reports whether id is tracked.
func (t *BlockTree) BlockExists(id types.Hash) bool {
	_, ok := t.nodes[id]
	return ok
}

// Heads returns the tips of all tracked branches, sorted.
func (t *BlockTree) Heads() []types.Hash {
	heads := make([]types.Hash, 0, len(t.heads))
	for id := range t.heads {
		heads = append(heads, id)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].Compare(heads[j]) < 0 })
	return heads
}

// Get returns a snapshot of a tracked block.
func (t *BlockTree) Get(id types.Hash) (BlockInfo, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return BlockInfo{}, false
	}
	return n.info(), true
}

// MainChainID returns the main-chain block at height, if retained.
func (t *BlockTree) MainChainID(height uint64) (types.Hash, bool) {
	id, ok := t.main[height]
	return id, ok
}

// IsOnMainChain reports whether id is on the path from tail to root.
func (t *BlockTree) IsOnMainChain(id types.Hash) bool {
	n, ok := t.nodes[id]
	return ok && t.onMainChain(n)
}

func (t *BlockTree) onMainChain(n *treeNode) bool {
	id, ok := t.main[n.height]
	return ok && id == n.id
}

// mustNode returns a node that tree invariants guarantee exists.
func (t *BlockTree) mustNode(id types.Hash) *treeNode {
	n, ok := t.nodes[id]
	if !ok {
		panic(fmt.Sprintf("blocktree: missing block %s", id))
	}
	return n
}

func (n *treeNode) info() BlockInfo {
	children := make([]types.Hash, 0, len(n.children))
	for id := range n.children {
		children = append(children, id)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Compare(children[j]) < 0 })
	return BlockInfo{
		ID:       n.id,
		ParentID: n.parentID,
		Height:   n.height,
		Children: children,
		Output:   n.output,
	}
}
