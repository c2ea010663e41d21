// Package execution implements the deterministic ledger that blocks are
// executed against.
//
// The ledger is a sequence-number ledger: every sender owns an account
// holding the last accepted sequence and the hash of its latest payload.
// A block's metadata is applied first as an implicit transaction, then the
// block's transactions in order. A transaction is kept only when its
// signature verifies and its sequence is the sender's next one.
package execution

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// StateCacheSize is the number of executed states kept in memory.
const StateCacheSize = 512

// Errors returned by Compute and Stage.
var (
	ErrNoBatches    = errors.New("no batches to execute")
	ErrUnknownBase  = errors.New("base state not found")
	ErrLineage      = errors.New("batch lineage mismatch")
	ErrUnknownState = errors.New("executed state not found")
)

var statePrefix = []byte("e/")

// BlockMeta is the block metadata applied as the first transaction of
// every batch. ID labels the resulting state and is not hashed.
type BlockMeta struct {
	ID        types.Hash
	ParentID  types.Hash
	Height    uint64
	Timestamp uint64
	Miner     []byte
}

// Hash returns the metadata transaction hash.
// Format: parent_id(32) | height(8) | timestamp(8) | miner
func (m *BlockMeta) Hash() types.Hash {
	buf := make([]byte, 0, 48+len(m.Miner))
	buf = append(buf, m.ParentID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, m.Height)
	buf = binary.LittleEndian.AppendUint64(buf, m.Timestamp)
	buf = append(buf, m.Miner...)
	return crypto.Hash(buf)
}

// MetaFor builds the metadata of a block.
func MetaFor(b *block.Block) BlockMeta {
	return BlockMeta{
		ID:        b.ID(),
		ParentID:  b.Header.ParentID,
		Height:    b.Header.Height,
		Timestamp: b.Header.Timestamp,
		Miner:     b.Certificate.MinerPubKey,
	}
}

// Batch is one block's worth of input.
type Batch struct {
	Meta BlockMeta
	Txns []*tx.Transaction
}

// BatchFor builds the batch of a block.
func BatchFor(b *block.Block) Batch {
	return Batch{Meta: MetaFor(b), Txns: b.Transactions}
}

// TxStatus is the execution outcome of a single transaction.
type TxStatus uint8

const (
	TxKept TxStatus = iota
	TxDiscarded
)

// Output is the result of executing a chain of batches.
type Output struct {
	StateRoot       types.Hash
	AccumulatorRoot types.Hash
	Version         uint64
	// Statuses holds one entry per transaction of the last batch.
	Statuses []TxStatus
}

// Kept returns the transactions of txns that the last batch kept.
func (o *Output) Kept(txns []*tx.Transaction) []*tx.Transaction {
	kept := make([]*tx.Transaction, 0, len(txns))
	for i, t := range txns {
		if i < len(o.Statuses) && o.Statuses[i] == TxKept {
			kept = append(kept, t)
		}
	}
	return kept
}

// Ledger executes batches and keeps their resulting states.
type Ledger struct {
	mu    sync.Mutex
	db    storage.DB
	cache *lru.Cache[types.Hash, *State]
}

// NewLedger creates a ledger that loads committed states from db.
func NewLedger(db storage.DB) (*Ledger, error) {
	cache, err := lru.New[types.Hash, *State](StateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("state cache: %w", err)
	}
	return &Ledger{db: db, cache: cache}, nil
}

// Compute executes batches on top of the state of batches[0].Meta.ParentID.
//
// The base state must have been produced from grandparentID, and the
// last batch must extend parentID. Each batch must extend the previous
// one. Every intermediate state is cached under its batch id.
func (l *Ledger) Compute(grandparentID, parentID, candidateID types.Hash, batches []Batch) (*Output, error) {
	if len(batches) == 0 {
		return nil, ErrNoBatches
	}
	if last := batches[len(batches)-1]; last.Meta.ParentID != parentID {
		return nil, fmt.Errorf("%w: last batch parent %s, want %s",
			ErrLineage, last.Meta.ParentID.Short(), parentID.Short())
	}
	if batches[len(batches)-1].Meta.ID != candidateID {
		return nil, fmt.Errorf("%w: last batch is not candidate %s", ErrLineage, candidateID.Short())
	}
	for i := 1; i < len(batches); i++ {
		if batches[i].Meta.ParentID != batches[i-1].Meta.ID {
			return nil, fmt.Errorf("%w: batch %d does not extend batch %d", ErrLineage, i, i-1)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	base, err := l.load(batches[0].Meta.ParentID)
	if err != nil {
		return nil, err
	}
	if base.ParentID != grandparentID {
		return nil, fmt.Errorf("%w: base %s descends from %s, want %s",
			ErrLineage, base.BlockID.Short(), base.ParentID.Short(), grandparentID.Short())
	}

	var (
		state    = base
		statuses []TxStatus
	)
	for _, b := range batches {
		state, statuses = apply(state, b)
		l.cache.Add(b.Meta.ID, state)
	}

	return &Output{
		StateRoot:       state.Root(),
		AccumulatorRoot: state.Accumulator,
		Version:         state.Version,
		Statuses:        statuses,
	}, nil
}

// State returns the executed state of id.
func (l *Ledger) State(id types.Hash) (*State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(id)
}

// Stage writes the executed state of id into batch. The state must have
// been produced by an earlier Compute.
func (l *Ledger) Stage(batch storage.Batch, id types.Hash) error {
	l.mu.Lock()
	s, ok := l.cache.Get(id)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, id.Short())
	}
	data, err := encodeState(s)
	if err != nil {
		return err
	}
	return batch.Put(stateKey(id), data)
}

// load returns the state of id from the cache, falling back to storage.
// Caller must hold l.mu.
func (l *Ledger) load(id types.Hash) (*State, error) {
	if id == block.PreGenesisID {
		return preGenesisState(), nil
	}
	if s, ok := l.cache.Get(id); ok {
		return s, nil
	}
	data, err := l.db.Get(stateKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBase, id.Short())
		}
		return nil, fmt.Errorf("load state %s: %w", id.Short(), err)
	}
	s, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	l.cache.Add(id, s)
	return s, nil
}

// apply executes one batch on a copy of base.
func apply(base *State, b Batch) (*State, []TxStatus) {
	s := base.clone()
	s.ParentID = base.BlockID
	s.BlockID = b.Meta.ID
	s.Height = b.Meta.Height

	// Metadata is always kept.
	s.Version++
	s.Accumulator = crypto.HashConcat(s.Accumulator, b.Meta.Hash())

	statuses := make([]TxStatus, len(b.Txns))
	for i, t := range b.Txns {
		if !applyTx(s, t) {
			statuses[i] = TxDiscarded
			continue
		}
		statuses[i] = TxKept
		s.Version++
		s.Accumulator = crypto.HashConcat(s.Accumulator, t.Hash())
	}
	return s, statuses
}

func applyTx(s *State, t *tx.Transaction) bool {
	if t == nil || t.Validate() != nil {
		return false
	}
	if t.Sequence != s.NextSequence(t.Sender) {
		return false
	}
	s.Accounts[hex.EncodeToString(t.Sender)] = Account{
		Sequence: t.Sequence,
		DataHash: crypto.Hash(t.Payload),
	}
	return true
}

func stateKey(id types.Hash) []byte {
	key := make([]byte, 0, len(statePrefix)+types.HashSize)
	key = append(key, statePrefix...)
	return append(key, id[:]...)
}

// ExecuteGenesis runs a genesis batch on the empty state without caching
// the result. The genesis certificate commits to this output.
func ExecuteGenesis(b Batch) *Output {
	s, statuses := apply(preGenesisState(), b)
	return &Output{
		StateRoot:       s.Root(),
		AccumulatorRoot: s.Accumulator,
		Version:         s.Version,
		Statuses:        statuses,
	}
}
