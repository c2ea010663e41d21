// Package chain owns the block tree, the block-ingestion pipeline and the
// node's consensus role.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/execution"
	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// Ingestion errors.
var (
	ErrKnownBlock      = errors.New("block already known")
	ErrOrphan          = errors.New("block parent unknown")
	ErrBadHeight       = errors.New("block height does not follow parent")
	ErrStateMismatch   = errors.New("execution result does not match certificate")
	ErrVersionMismatch = errors.New("transaction count does not match certificate version")
	ErrGenesisMismatch = errors.New("stored genesis does not match config")
)

// IngestQueueSize is the buffer of the ingestion channel.
const IngestQueueSize = 256

// Executor re-executes blocks and stages their results for commit.
type Executor interface {
	Compute(grandparentID, parentID, candidateID types.Hash, batches []execution.Batch) (*execution.Output, error)
	Stage(batch storage.Batch, id types.Hash) error
}

// CommitHandler is called after blocks join the main chain, oldest first.
type CommitHandler func(blocks []*block.Block)

// Info is a snapshot of the chain for RPC.
type Info struct {
	Height     uint64       `json:"height"`
	Root       types.Hash   `json:"root"`
	Tail       types.Hash   `json:"tail"`
	TailHeight uint64       `json:"tail_height"`
	Heads      []types.Hash `json:"heads"`
	Role       string       `json:"role"`
	Genesis    types.Hash   `json:"genesis"`
	Orphans    int          `json:"orphans"`
}

// Manager runs block ingestion against the block tree and tracks the
// node's role.
type Manager struct {
	mu        sync.RWMutex // Guards tree, role and orphans.
	tree      *BlockTree
	role      Role
	orphans   *OrphanPool
	store     *BlockStore
	exec      Executor
	genesisID types.Hash

	blocks    chan *block.Block
	newHeight chan<- uint64
	onCommit  CommitHandler
}

// NewManager opens the chain. An empty store is initialized from gen;
// otherwise the tree is restored from the last PruneWindow main-chain
// blocks ending at the persisted tip.
func NewManager(store *BlockStore, exec Executor, gen *config.Genesis) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("block store is nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is nil")
	}
	genesis, err := CreateGenesisBlock(gen)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		role:      RoleInit,
		orphans:   NewOrphanPool(MaxOrphans),
		store:     store,
		exec:      exec,
		genesisID: genesis.ID(),
		blocks:    make(chan *block.Block, IngestQueueSize),
	}

	tip, err := store.LatestBlockIndex()
	switch {
	case errors.Is(err, ErrBlockNotFound):
		if err := m.initGenesis(genesis); err != nil {
			return nil, fmt.Errorf("init genesis: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("recover tip: %w", err)
	default:
		if err := m.restore(tip); err != nil {
			return nil, fmt.Errorf("restore chain: %w", err)
		}
	}

	chainHeight.Set(float64(m.tree.Height()))
	chainHeads.Set(1)
	return m, nil
}

func (m *Manager) initGenesis(genesis *block.Block) error {
	id := genesis.ID()
	out, err := m.exec.Compute(block.PreGenesisID, block.PreGenesisID, id,
		[]execution.Batch{execution.BatchFor(genesis)})
	if err != nil {
		return err
	}
	if err := checkOutput(genesis, out); err != nil {
		return err
	}

	batch := m.store.NewBatch()
	if err := m.store.StageBlock(batch, genesis); err != nil {
		return err
	}
	if err := m.exec.Stage(batch, id); err != nil {
		return err
	}
	if err := m.store.StageHeight(batch, 0, id); err != nil {
		return err
	}
	if err := m.store.StageTip(batch, 0, id); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}

	m.tree = NewBlockTree(id, block.PreGenesisID, 0, out)
	log.Chain.Info().Str("genesis", id.String()).Msg("Initialized chain from genesis")
	return nil
}

func (m *Manager) restore(tip block.Index) error {
	stored, err := m.store.QueryBlockIndexByHeight(0)
	if err != nil {
		return err
	}
	if stored != m.genesisID {
		return fmt.Errorf("%w: stored %s, config %s", ErrGenesisMismatch, stored.Short(), m.genesisID.Short())
	}

	start := uint64(0)
	if tip.Height > PruneWindow {
		start = tip.Height - PruneWindow
	}
	first, err := m.store.GetBlockByHeight(start)
	if err != nil {
		return err
	}
	m.tree = NewBlockTree(first.ID(), first.ParentID(), start, nil)
	for h := start + 1; h <= tip.Height; h++ {
		blk, err := m.store.GetBlockByHeight(h)
		if err != nil {
			return err
		}
		if _, err := m.tree.AddBlockInfo(blk.ID(), blk.ParentID(), nil); err != nil {
			return fmt.Errorf("height %d: %w", h, err)
		}
	}
	if m.tree.Root() != tip.ID {
		return fmt.Errorf("height index ends at %s, tip is %s", m.tree.Root().Short(), tip.ID.Short())
	}
	log.Chain.Info().
		Uint64("height", tip.Height).
		Str("tip", tip.ID.String()).
		Msg("Restored chain")
	return nil
}

// SetMintNotify sets the channel that receives the new height whenever
// the main chain grows while the node is running. Sends never block.
func (m *Manager) SetMintNotify(ch chan<- uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newHeight = ch
}

// SetOnCommit sets the handler called with blocks that joined the main chain.
func (m *Manager) SetOnCommit(fn CommitHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommit = fn
}

// Blocks returns the ingestion channel.
func (m *Manager) Blocks() chan<- *block.Block {
	return m.blocks
}

// Store returns the underlying block store.
func (m *Manager) Store() *BlockStore {
	return m.store
}

// GenesisID returns the id of the genesis block.
func (m *Manager) GenesisID() types.Hash {
	return m.genesisID
}

// Run consumes the ingestion channel until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case blk := <-m.blocks:
			m.ProcessBlock(blk)
		}
	}
}

// ProcessBlock runs one block through ingestion, then retries any
// orphans that were waiting on it. It reports whether the block became
// the new root.
func (m *Manager) ProcessBlock(blk *block.Block) (bool, error) {
	m.mu.Lock()
	newRoot, committed, err := m.ingestLocked(blk)
	if err != nil {
		m.mu.Unlock()
		m.logRejected(blk, err)
		return false, err
	}

	// Retry orphans breadth-first, in arrival order.
	queue := m.orphans.TakeChildren(blk.ID())
	for len(queue) > 0 {
		child := queue[0]
		queue = queue[1:]
		childRoot, childCommitted, err := m.ingestLocked(child)
		if err != nil {
			m.logRejected(child, err)
			continue
		}
		if childRoot {
			committed = append(committed, childCommitted...)
		}
		queue = append(queue, m.orphans.TakeChildren(child.ID())...)
	}

	onCommit := m.onCommit
	m.mu.Unlock()

	if onCommit != nil && len(committed) > 0 {
		onCommit(committed)
	}
	return newRoot, nil
}

// ingestLocked executes and commits a single block. When the block
// extends the main chain, it returns the blocks that joined it.
// Caller must hold m.mu.
func (m *Manager) ingestLocked(blk *block.Block) (bool, []*block.Block, error) {
	if blk == nil || blk.Header == nil || blk.Certificate == nil {
		return false, nil, block.ErrNilHeader
	}
	id := blk.ID()
	if m.tree.BlockExists(id) || m.orphans.Has(id) {
		return false, nil, ErrKnownBlock
	}
	if has, _ := m.store.HasBlock(id); has {
		return false, nil, ErrKnownBlock
	}

	parentID := blk.ParentID()
	parent, ok := m.tree.Get(parentID)
	if !ok {
		m.orphans.Add(blk)
		return false, nil, ErrOrphan
	}
	if blk.Height() != parent.Height+1 {
		return false, nil, fmt.Errorf("%w: height %d, parent height %d", ErrBadHeight, blk.Height(), parent.Height)
	}

	ancestors, bp := m.tree.FindAncestorUntilMainChain(parentID)
	path := make([]*block.Block, 0, len(ancestors)+1)
	batches := make([]execution.Batch, 0, len(ancestors)+1)
	for _, aid := range ancestors {
		ab, err := m.store.GetBlock(aid)
		if err != nil {
			return false, nil, fmt.Errorf("load ancestor: %w", err)
		}
		path = append(path, ab)
		batches = append(batches, execution.BatchFor(ab))
	}
	path = append(path, blk)
	batches = append(batches, execution.BatchFor(blk))

	out, err := m.exec.Compute(bp.ParentID, parentID, id, batches)
	if err != nil {
		return false, nil, fmt.Errorf("execute: %w", err)
	}
	if err := checkOutput(blk, out); err != nil {
		return false, nil, err
	}

	newRoot := parent.Height == m.tree.Height()

	batch := m.store.NewBatch()
	if err := m.store.StageBlock(batch, blk); err != nil {
		return false, nil, err
	}
	if err := m.exec.Stage(batch, id); err != nil {
		return false, nil, err
	}
	if newRoot {
		for _, b := range path {
			if err := m.store.StageHeight(batch, b.Height(), b.ID()); err != nil {
				return false, nil, err
			}
		}
		if err := m.store.StageTip(batch, blk.Height(), id); err != nil {
			return false, nil, err
		}
	}
	if err := batch.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit block: %w", err)
	}

	if _, err := m.tree.AddBlockInfo(id, parentID, out); err != nil {
		// Existence and parent were checked above under the same lock.
		panic(fmt.Sprintf("blocktree: insert after commit: %v", err))
	}
	if pruned := m.tree.Prune(); len(pruned) > 0 {
		log.Chain.Debug().Int("pruned", len(pruned)).Uint64("tail", m.tree.TailHeight()).Msg("Pruned block tree")
	}

	blocksAccepted.Inc()
	chainHeight.Set(float64(m.tree.Height()))
	chainHeads.Set(float64(len(m.tree.heads)))

	ev := log.Chain.Info()
	if !newRoot {
		ev = log.Chain.Debug()
	}
	ev.Uint64("height", blk.Height()).
		Str("hash", id.String()).
		Int("txs", len(blk.Transactions)).
		Bool("new_root", newRoot).
		Int("reexecuted", len(ancestors)).
		Msg("Block committed")

	if !newRoot {
		return false, nil, nil
	}
	if m.role == RoleRunning {
		m.notifyLocked()
	}
	return true, path, nil
}

func checkOutput(blk *block.Block, out *execution.Output) error {
	c := blk.Certificate
	if out.StateRoot != c.StateRoot || out.AccumulatorRoot != c.AccumulatorRoot {
		return fmt.Errorf("%w: state %s/%s accumulator %s/%s", ErrStateMismatch,
			out.StateRoot.Short(), c.StateRoot.Short(),
			out.AccumulatorRoot.Short(), c.AccumulatorRoot.Short())
	}
	if out.Version != c.Version {
		return fmt.Errorf("%w: executed %d, claimed %d", ErrVersionMismatch, out.Version, c.Version)
	}
	return nil
}

func (m *Manager) logRejected(blk *block.Block, err error) {
	var reason string
	switch {
	case errors.Is(err, ErrKnownBlock):
		reason = "known"
	case errors.Is(err, ErrOrphan):
		reason = "orphan"
	case errors.Is(err, ErrStateMismatch):
		reason = "state_mismatch"
	case errors.Is(err, ErrVersionMismatch):
		reason = "version_mismatch"
	case errors.Is(err, ErrBadHeight):
		reason = "bad_height"
	default:
		reason = "execution"
	}
	blocksRejected.WithLabelValues(reason).Inc()

	ev := log.Chain.Warn()
	if reason == "known" || reason == "orphan" {
		ev = log.Chain.Debug()
	}
	if blk != nil && blk.Header != nil {
		ev = ev.Uint64("height", blk.Height()).Str("hash", blk.ID().String())
	}
	ev.Err(err).Msg("Block not committed")
}

// notifyLocked sends the current height to the mint channel without blocking.
func (m *Manager) notifyLocked() {
	if m.newHeight == nil {
		return
	}
	select {
	case m.newHeight <- m.tree.Height():
	default:
	}
}

// BeginMint promotes the role to Running and kicks off mining.
// It is a no-op once running.
func (m *Manager) BeginMint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role == RoleRunning {
		return
	}
	log.Chain.Info().
		Str("from", m.role.String()).
		Uint64("height", m.tree.Height()).
		Msg("Node is running")
	m.role = RoleRunning
	m.notifyLocked()
}

// SetSync moves Init to Syncing. It reports whether the role changed.
func (m *Manager) SetSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != RoleInit {
		return false
	}
	m.role = RoleSyncing
	log.Chain.Info().Msg("Node is syncing")
	return true
}

// Role returns the current role.
func (m *Manager) Role() Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// IsInit reports whether the node is still bootstrapping.
func (m *Manager) IsInit() bool { return m.Role() == RoleInit }

// IsRunning reports whether the node is caught up and mining.
func (m *Manager) IsRunning() bool { return m.Role() == RoleRunning }

// ChainRoot returns the main-chain tip.
func (m *Manager) ChainRoot() types.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Root()
}

// HeightAndRoot returns the main-chain height and tip.
func (m *Manager) HeightAndRoot() (uint64, types.Hash) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Height(), m.tree.Root()
}

// BlockExists reports whether id is in the tree or the store.
func (m *Manager) BlockExists(id types.Hash) bool {
	m.mu.RLock()
	inTree := m.tree.BlockExists(id)
	m.mu.RUnlock()
	if inTree {
		return true
	}
	has, _ := m.store.HasBlock(id)
	return has
}

// Checkpoints returns the local height and a block locator from the tip
// back to genesis: the 10 most recent heights, then exponentially
// sparser ones, always ending at genesis.
func (m *Manager) Checkpoints() (uint64, []block.Index) {
	height, _ := m.HeightAndRoot()

	var locator []block.Index
	step := uint64(1)
	for h := height; ; {
		id, err := m.store.QueryBlockIndexByHeight(h)
		if err != nil {
			log.Chain.Warn().Err(err).Uint64("height", h).Msg("Missing height index")
		} else {
			locator = append(locator, block.Index{Height: h, ID: id})
		}
		if h == 0 {
			break
		}
		if len(locator) >= 10 {
			step *= 2
		}
		if h < step {
			h = 0
		} else {
			h -= step
		}
	}
	return height, locator
}

// Info returns a snapshot for RPC.
func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		Height:     m.tree.Height(),
		Root:       m.tree.Root(),
		Tail:       m.tree.Tail(),
		TailHeight: m.tree.TailHeight(),
		Heads:      m.tree.Heads(),
		Role:       m.role.String(),
		Genesis:    m.genesisID,
		Orphans:    m.orphans.Len(),
	}
}

// BlockInfo returns the tree entry for id.
func (m *Manager) BlockInfo(id types.Hash) (BlockInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Get(id)
}
