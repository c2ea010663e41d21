// Package chaintest builds valid block chains for tests.
package chaintest

import (
	"encoding/binary"
	"testing"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/chain"
	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	"github.com/Klingon-tech/klingnet-pow/internal/execution"
	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
)

// Node is a chain manager over an in-memory database.
type Node struct {
	DB      *storage.MemoryDB
	Store   *chain.BlockStore
	Ledger  *execution.Ledger
	Manager *chain.Manager
}

// NewNode opens a devnet chain on a fresh in-memory database.
func NewNode(t testing.TB) *Node {
	t.Helper()
	return OpenNode(t, storage.NewMemory())
}

// OpenNode opens a devnet chain on db.
func OpenNode(t testing.TB, db *storage.MemoryDB) *Node {
	t.Helper()
	ledger, err := execution.NewLedger(db)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	store := chain.NewBlockStore(db)
	m, err := chain.NewManager(store, ledger, config.DevnetGenesis())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &Node{DB: db, Store: store, Ledger: ledger, Manager: m}
}

// Genesis returns the stored genesis block.
func (n *Node) Genesis(t testing.TB) *block.Block {
	t.Helper()
	g, err := n.Store.GetBlock(n.Manager.GenesisID())
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	return g
}

// Builder mines dev-sealed blocks on top of a node's committed blocks.
type Builder struct {
	*Node
	Key   *crypto.PrivateKey
	PoW   *consensus.PoW
	clock uint64
}

// NewBuilder creates a builder over a fresh devnet node.
func NewBuilder(t testing.TB) *Builder {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pow, err := consensus.NewPoW(1, true)
	if err != nil {
		t.Fatal(err)
	}
	return &Builder{Node: NewNode(t), Key: key, PoW: pow}
}

// Child builds a sealed, signed child of parent without committing it.
// Parent must already be committed on the builder's node. Transactions
// the ledger would discard are left out.
func (b *Builder) Child(t testing.TB, parent *block.Block, txs ...*tx.Transaction) *block.Block {
	t.Helper()
	b.clock++
	height := parent.Height() + 1
	ts := parent.Header.Timestamp + 1 + b.clock

	var label [32]byte
	copy(label[:], "candidate")
	binary.BigEndian.PutUint64(label[24:], b.clock)

	meta := execution.BlockMeta{
		ID:        label,
		ParentID:  parent.ID(),
		Height:    height,
		Timestamp: ts,
		Miner:     b.Key.PublicKey(),
	}
	out, err := b.Ledger.Compute(parent.ParentID(), parent.ID(), label,
		[]execution.Batch{{Meta: meta, Txns: txs}})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	cert := &block.Certificate{
		ParentID:        parent.ID(),
		Height:          height,
		StateRoot:       out.StateRoot,
		AccumulatorRoot: out.AccumulatorRoot,
		Version:         out.Version,
		Timestamp:       ts,
		MinerPubKey:     b.Key.PublicKey(),
	}
	if err := cert.Sign(b.Key); err != nil {
		t.Fatalf("cert sign: %v", err)
	}
	blk := block.Assemble(cert, out.Kept(txs))
	b.PoW.DevProof(height).Seal(blk.Header)
	if err := blk.Sign(b.Key); err != nil {
		t.Fatalf("block sign: %v", err)
	}
	return blk
}

// Extend builds a child of parent and commits it on the builder's node.
func (b *Builder) Extend(t testing.TB, parent *block.Block, txs ...*tx.Transaction) *block.Block {
	t.Helper()
	blk := b.Child(t, parent, txs...)
	if _, err := b.Manager.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock(height %d): %v", blk.Height(), err)
	}
	return blk
}

// Chain extends parent n times and returns the new blocks, oldest first.
func (b *Builder) Chain(t testing.TB, parent *block.Block, n int) []*block.Block {
	t.Helper()
	blocks := make([]*block.Block, 0, n)
	for i := 0; i < n; i++ {
		parent = b.Extend(t, parent)
		blocks = append(blocks, parent)
	}
	return blocks
}

// Resign replaces the certificate's commitments via mutate, then re-signs
// and rebuilds the header so only the commitments are wrong.
func (b *Builder) Resign(t testing.TB, blk *block.Block, mutate func(c *block.Certificate)) *block.Block {
	t.Helper()
	cert := *blk.Certificate
	mutate(&cert)
	if err := cert.Sign(b.Key); err != nil {
		t.Fatal(err)
	}
	out := block.Assemble(&cert, blk.Transactions)
	consensus.ProofFromHeader(blk.Header).Seal(out.Header)
	if err := out.Sign(b.Key); err != nil {
		t.Fatal(err)
	}
	return out
}
