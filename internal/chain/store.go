package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// ErrBlockNotFound is returned when a block or index entry is missing.
var ErrBlockNotFound = errors.New("block not found")

// Key prefixes and state keys for the block store. Executed states live
// under e/<id> and are written by the execution ledger.
var (
	prefixBlock  = []byte("b/") // b/<id(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> main-chain id(32)
	keyTip       = []byte("s/tip")
)

// BlockStore persists blocks and the main-chain height index.
type BlockStore struct {
	db storage.BatchDB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.BatchDB) *BlockStore {
	return &BlockStore{db: db}
}

// NewBatch starts an atomic write.
func (bs *BlockStore) NewBatch() storage.Batch {
	return bs.db.NewBatch()
}

// StageBlock adds a block to batch, keyed by id.
func (bs *BlockStore) StageBlock(batch storage.Batch, blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	id := blk.ID()
	if err := batch.Put(blockKey(id), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return nil
}

// StageHeight points the main-chain index at id for height.
func (bs *BlockStore) StageHeight(batch storage.Batch, height uint64, id types.Hash) error {
	if err := batch.Put(heightKey(height), id[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	return nil
}

// StageTip records the main-chain tip.
func (bs *BlockStore) StageTip(batch storage.Batch, height uint64, id types.Hash) error {
	val := make([]byte, types.HashSize+8)
	copy(val, id[:])
	binary.BigEndian.PutUint64(val[types.HashSize:], height)
	if err := batch.Put(keyTip, val); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by id.
func (bs *BlockStore) GetBlock(id types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id.Short())
		}
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// HasBlock checks if a block exists by id.
func (bs *BlockStore) HasBlock(id types.Hash) (bool, error) {
	return bs.db.Has(blockKey(id))
}

// QueryBlockIndexByHeight returns the main-chain id at height.
func (bs *BlockStore) QueryBlockIndexByHeight(height uint64) (types.Hash, error) {
	data, err := bs.db.Get(heightKey(height))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.Hash{}, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
		}
		return types.Hash{}, fmt.Errorf("height index get: %w", err)
	}
	id, err := types.BytesToHash(data)
	if err != nil {
		return types.Hash{}, fmt.Errorf("corrupt height index at %d: %w", height, err)
	}
	return id, nil
}

// GetBlockByHeight retrieves the main-chain block at height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	id, err := bs.QueryBlockIndexByHeight(height)
	if err != nil {
		return nil, err
	}
	return bs.GetBlock(id)
}

// QueryBlocksByHeight returns up to count consecutive main-chain blocks
// starting at height. It stops at the first missing height.
func (bs *BlockStore) QueryBlocksByHeight(height uint64, count int) ([]*block.Block, error) {
	blocks := make([]*block.Block, 0, count)
	for i := 0; i < count; i++ {
		blk, err := bs.GetBlockByHeight(height + uint64(i))
		if errors.Is(err, ErrBlockNotFound) {
			break
		}
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

// LatestBlockIndex returns the persisted main-chain tip.
// Returns ErrBlockNotFound on a fresh database.
func (bs *BlockStore) LatestBlockIndex() (block.Index, error) {
	data, err := bs.db.Get(keyTip)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return block.Index{}, fmt.Errorf("%w: no tip", ErrBlockNotFound)
		}
		return block.Index{}, fmt.Errorf("get tip: %w", err)
	}
	if len(data) != types.HashSize+8 {
		return block.Index{}, fmt.Errorf("corrupt tip: got %d bytes", len(data))
	}
	var idx block.Index
	copy(idx.ID[:], data[:types.HashSize])
	idx.Height = binary.BigEndian.Uint64(data[types.HashSize:])
	return idx, nil
}

func blockKey(id types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], id[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}
