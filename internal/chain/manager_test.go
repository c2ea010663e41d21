package chain_test

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/chain"
	"github.com/Klingon-tech/klingnet-pow/internal/chaintest"
	"github.com/Klingon-tech/klingnet-pow/internal/execution"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

func TestManager_Genesis(t *testing.T) {
	n := chaintest.NewNode(t)
	m := n.Manager

	height, root := m.HeightAndRoot()
	if height != 0 || root != m.GenesisID() {
		t.Fatalf("height=%d root=%s, want genesis at 0", height, root.Short())
	}
	if !m.IsInit() {
		t.Errorf("role = %s, want init", m.Role())
	}

	want, err := chain.CreateGenesisBlock(config.DevnetGenesis())
	if err != nil {
		t.Fatal(err)
	}
	if want.ID() != m.GenesisID() {
		t.Error("genesis id is not deterministic")
	}
	if want.Certificate.Version != 1 {
		t.Errorf("genesis version = %d, want 1", want.Certificate.Version)
	}
}

func TestManager_RoleTransitions(t *testing.T) {
	m := chaintest.NewNode(t).Manager
	notify := make(chan uint64, 1)
	m.SetMintNotify(notify)

	if !m.SetSync() {
		t.Fatal("SetSync from init = false")
	}
	if m.SetSync() {
		t.Fatal("second SetSync = true")
	}
	m.BeginMint()
	if !m.IsRunning() {
		t.Fatalf("role = %s, want running", m.Role())
	}
	select {
	case h := <-notify:
		if h != 0 {
			t.Errorf("BeginMint notified height %d, want 0", h)
		}
	default:
		t.Fatal("BeginMint did not notify")
	}
	if m.SetSync() {
		t.Error("SetSync moved a running node back")
	}
}

func TestManager_ExtendNotifiesWhenRunning(t *testing.T) {
	b := chaintest.NewBuilder(t)
	g := b.Genesis(t)

	n := chaintest.NewNode(t)
	notify := make(chan uint64, 4)
	n.Manager.SetMintNotify(notify)

	b1 := b.Extend(t, g)
	if _, err := n.Manager.ProcessBlock(b1); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	select {
	case h := <-notify:
		t.Fatalf("notified height %d while not running", h)
	default:
	}

	n.Manager.BeginMint()
	<-notify

	b2 := b.Extend(t, b1)
	newRoot, err := n.Manager.ProcessBlock(b2)
	if err != nil || !newRoot {
		t.Fatalf("ProcessBlock = %v, %v; want new root", newRoot, err)
	}
	if h := <-notify; h != 2 {
		t.Errorf("notified height %d, want 2", h)
	}

	if _, err := n.Manager.ProcessBlock(b2); !errors.Is(err, chain.ErrKnownBlock) {
		t.Errorf("reprocess: err = %v, want ErrKnownBlock", err)
	}
}

func TestManager_CommitRemovesTxsViaHook(t *testing.T) {
	b := chaintest.NewBuilder(t)
	sender, _ := crypto.GenerateKey()
	t0, _ := tx.New(sender, 0, []byte("first"))
	t1, _ := tx.New(sender, 1, []byte("second"))
	stale, _ := tx.New(sender, 0, []byte("replay"))

	blk := b.Child(t, b.Genesis(t), t0, t1, stale)
	if len(blk.Transactions) != 2 {
		t.Fatalf("block carries %d txs, want 2 kept", len(blk.Transactions))
	}

	n := chaintest.NewNode(t)
	var got []*block.Block
	n.Manager.SetOnCommit(func(blocks []*block.Block) { got = append(got, blocks...) })
	if _, err := n.Manager.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if len(got) != 1 || got[0].ID() != blk.ID() {
		t.Fatalf("OnCommit got %d blocks, want the committed block", len(got))
	}
	if blk.Certificate.Version != 4 {
		t.Errorf("version = %d, want 4", blk.Certificate.Version)
	}
}

func TestManager_RejectsCommitmentMismatch(t *testing.T) {
	b := chaintest.NewBuilder(t)
	good := b.Child(t, b.Genesis(t))

	tests := []struct {
		name   string
		mutate func(c *block.Certificate)
		want   error
	}{
		{"state root", func(c *block.Certificate) { c.StateRoot = types.Hash{0xde, 0xad} }, chain.ErrStateMismatch},
		{"accumulator", func(c *block.Certificate) { c.AccumulatorRoot[0] ^= 1 }, chain.ErrStateMismatch},
		{"version", func(c *block.Certificate) { c.Version++ }, chain.ErrVersionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := chaintest.NewNode(t)
			bad := b.Resign(t, good, tt.mutate)

			_, err := n.Manager.ProcessBlock(bad)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if h, _ := n.Manager.HeightAndRoot(); h != 0 {
				t.Errorf("height = %d after rejected block", h)
			}
			if has, _ := n.Store.HasBlock(bad.ID()); has {
				t.Error("rejected block was stored")
			}
		})
	}
}

func TestManager_OrphanRetry(t *testing.T) {
	b := chaintest.NewBuilder(t)
	blocks := b.Chain(t, b.Genesis(t), 3)

	n := chaintest.NewNode(t)
	// Deliver in reverse: 3 and 2 wait for their parents.
	for _, blk := range []*block.Block{blocks[2], blocks[1]} {
		if _, err := n.Manager.ProcessBlock(blk); !errors.Is(err, chain.ErrOrphan) {
			t.Fatalf("height %d: err = %v, want ErrOrphan", blk.Height(), err)
		}
	}
	if got := n.Manager.Info().Orphans; got != 2 {
		t.Fatalf("orphans = %d, want 2", got)
	}

	var committed int
	n.Manager.SetOnCommit(func(bs []*block.Block) { committed += len(bs) })
	if _, err := n.Manager.ProcessBlock(blocks[0]); err != nil {
		t.Fatalf("ProcessBlock(parent): %v", err)
	}

	height, root := n.Manager.HeightAndRoot()
	if height != 3 || root != blocks[2].ID() {
		t.Fatalf("height=%d root=%s, want 3 and %s", height, root.Short(), blocks[2].ID().Short())
	}
	if committed != 3 {
		t.Errorf("OnCommit saw %d blocks, want 3", committed)
	}
	if got := n.Manager.Info().Orphans; got != 0 {
		t.Errorf("orphans = %d after retry, want 0", got)
	}
}

func TestManager_SwitchToLongerBranch(t *testing.T) {
	b := chaintest.NewBuilder(t)
	g := b.Genesis(t)
	sender, _ := crypto.GenerateKey()
	t0, _ := tx.New(sender, 0, []byte("a"))

	a := b.Chain(t, g, 2)
	side1 := b.Extend(t, g, t0)
	side2 := b.Extend(t, side1)
	side3 := b.Extend(t, side2)

	n := chaintest.NewNode(t)
	var joined []*block.Block
	n.Manager.SetOnCommit(func(bs []*block.Block) { joined = bs })

	for _, blk := range []*block.Block{a[0], a[1], side1, side2} {
		if _, err := n.Manager.ProcessBlock(blk); err != nil {
			t.Fatalf("ProcessBlock(height %d): %v", blk.Height(), err)
		}
	}
	if root := n.Manager.ChainRoot(); root != a[1].ID() {
		t.Fatalf("equal-height branch replaced root")
	}
	if len(n.Manager.Info().Heads) != 2 {
		t.Fatalf("heads = %d, want 2", len(n.Manager.Info().Heads))
	}

	newRoot, err := n.Manager.ProcessBlock(side3)
	if err != nil || !newRoot {
		t.Fatalf("ProcessBlock(side3) = %v, %v; want new root", newRoot, err)
	}
	if len(joined) != 3 || joined[0].ID() != side1.ID() || joined[2].ID() != side3.ID() {
		t.Fatalf("OnCommit got %d blocks, want side1..side3", len(joined))
	}
	for h, want := range map[uint64]types.Hash{1: side1.ID(), 2: side2.ID(), 3: side3.ID()} {
		got, err := n.Store.QueryBlockIndexByHeight(h)
		if err != nil || got != want {
			t.Errorf("height index %d = %s (%v), want %s", h, got.Short(), err, want.Short())
		}
	}
	st, err := n.Ledger.State(side3.ID())
	if err != nil {
		t.Fatal(err)
	}
	if st.NextSequence(sender.PublicKey()) != 1 {
		t.Error("side-branch transaction missing from executed state")
	}
}

func TestManager_Restore(t *testing.T) {
	b := chaintest.NewBuilder(t)
	blocks := b.Chain(t, b.Genesis(t), 5)

	reopened := chaintest.OpenNode(t, b.DB)
	height, root := reopened.Manager.HeightAndRoot()
	if height != 5 || root != blocks[4].ID() {
		t.Fatalf("restored height=%d root=%s, want 5 and %s", height, root.Short(), blocks[4].ID().Short())
	}

	// The restored node keeps extending from the persisted state.
	rb := &chaintest.Builder{Node: reopened, Key: b.Key, PoW: b.PoW}
	next := rb.Extend(t, blocks[4])
	if h, _ := reopened.Manager.HeightAndRoot(); h != 6 || next.Height() != 6 {
		t.Fatalf("height after restore+extend = %d", h)
	}

	ledger, _ := execution.NewLedger(b.DB)
	other := config.DevnetGenesis()
	other.Timestamp++
	if _, err := chain.NewManager(chain.NewBlockStore(b.DB), ledger, other); !errors.Is(err, chain.ErrGenesisMismatch) {
		t.Errorf("foreign genesis: err = %v, want ErrGenesisMismatch", err)
	}
}

func TestManager_Checkpoints(t *testing.T) {
	b := chaintest.NewBuilder(t)
	b.Chain(t, b.Genesis(t), 25)

	height, locator := b.Manager.Checkpoints()
	if height != 25 {
		t.Fatalf("height = %d, want 25", height)
	}
	want := []uint64{25, 24, 23, 22, 21, 20, 19, 18, 17, 16, 14, 10, 2, 0}
	if len(locator) != len(want) {
		t.Fatalf("locator has %d entries, want %d", len(locator), len(want))
	}
	for i, h := range want {
		if locator[i].Height != h {
			t.Errorf("locator[%d].Height = %d, want %d", i, locator[i].Height, h)
		}
		id, _ := b.Store.QueryBlockIndexByHeight(h)
		if locator[i].ID != id {
			t.Errorf("locator[%d] id mismatch", i)
		}
	}
	if locator[len(locator)-1].ID != b.Manager.GenesisID() {
		t.Error("locator does not end at genesis")
	}
}

func TestManager_BadHeight(t *testing.T) {
	b := chaintest.NewBuilder(t)
	good := b.Child(t, b.Genesis(t))
	bad := b.Resign(t, good, func(c *block.Certificate) { c.Height = 5 })

	n := chaintest.NewNode(t)
	if _, err := n.Manager.ProcessBlock(bad); !errors.Is(err, chain.ErrBadHeight) {
		t.Errorf("err = %v, want ErrBadHeight", err)
	}
}
