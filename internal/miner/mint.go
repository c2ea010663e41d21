// Package miner implements block production for the klingpow chain.
//
// The MintManager builds a candidate certificate on every new main-chain
// height and hands its hash to the MineCoordinator as a proof-of-work
// puzzle. Solutions come from in-process Workers or from external miners
// over RPC; either way the MintManager seals the block and broadcasts it.
package miner

import (
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	"github.com/Klingon-tech/klingnet-pow/internal/execution"
	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DefaultTxLimit is the number of mempool transactions pulled per round.
const DefaultTxLimit = 100

// Dev-mode round delay bounds.
const (
	devDelayMin = time.Second
	devDelayMax = 4 * time.Second
)

// ChainState is the main-chain tip. *chain.Manager implements it.
type ChainState interface {
	HeightAndRoot() (uint64, types.Hash)
}

// BlockGetter loads committed blocks. *chain.BlockStore implements it.
type BlockGetter interface {
	GetBlock(id types.Hash) (*block.Block, error)
}

// Executor computes the state a candidate block would produce.
type Executor interface {
	Compute(grandparentID, parentID, candidateID types.Hash, batches []execution.Batch) (*execution.Output, error)
}

// TxSource supplies pending transactions. *mempool.Pool implements it.
type TxSource interface {
	PullTxns(limit int, exclude map[types.Hash]struct{}) []*tx.Transaction
}

// Coordinator holds the outstanding puzzle.
// *consensus.MineCoordinator implements it.
type Coordinator interface {
	SubmitContext(ctx consensus.MineContext) <-chan *consensus.Proof
	Cancel()
}

// Broadcaster publishes mined blocks. *p2p.Node implements it.
type Broadcaster interface {
	Broadcast(msg *p2p.Message, except []peer.ID, self bool) error
}

// Config holds MintManager parameters.
type Config struct {
	Key     crypto.Signer
	Dev     bool // sleep 1-4s before each round
	TxLimit int
}

// MintManager runs one mining round per new main-chain height.
type MintManager struct {
	chain  ChainState
	blocks BlockGetter
	exec   Executor
	pool   TxSource
	coord  Coordinator
	net    Broadcaster

	key     crypto.Signer
	dev     bool
	txLimit int

	heights chan uint64
	rounds  atomic.Uint32
	wg      sync.WaitGroup // await goroutines
}

// NewMintManager creates a mint manager.
func NewMintManager(cfg Config, chain ChainState, blocks BlockGetter, exec Executor,
	pool TxSource, coord Coordinator, net Broadcaster) (*MintManager, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("miner key is nil")
	}
	if cfg.TxLimit <= 0 {
		cfg.TxLimit = DefaultTxLimit
	}
	return &MintManager{
		chain:   chain,
		blocks:  blocks,
		exec:    exec,
		pool:    pool,
		coord:   coord,
		net:     net,
		key:     cfg.Key,
		dev:     cfg.Dev,
		txLimit: cfg.TxLimit,
		heights: make(chan uint64, 1),
	}, nil
}

// Notify returns the channel the chain signals new heights on.
func (m *MintManager) Notify() chan<- uint64 {
	return m.heights
}

// Run starts a round for every height signal until ctx is done. It
// returns once no round is sealing a block.
func (m *MintManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.coord.Cancel()
			m.wg.Wait()
			return
		case h := <-m.heights:
			m.round(ctx, h)
		}
	}
}

func (m *MintManager) round(ctx context.Context, signalled uint64) {
	if m.dev {
		d := devDelayMin + mrand.N(devDelayMax-devDelayMin)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		// Rounds are built on the tip, so a height that arrived during
		// the delay is already covered.
		select {
		case signalled = <-m.heights:
		default:
		}
	}

	if err := m.Mint(ctx); err != nil {
		mintRounds.WithLabelValues("error").Inc()
		log.Mint.Warn().Err(err).Uint64("signalled", signalled).Msg("Mint round failed")
	}
}

// Mint builds a candidate on the current tip and submits its puzzle. The
// previous round's waiter is cancelled first. The solution is awaited in
// the background.
func (m *MintManager) Mint(ctx context.Context) error {
	m.coord.Cancel()

	_, root := m.chain.HeightAndRoot()
	parent, err := m.blocks.GetBlock(root)
	if err != nil {
		return fmt.Errorf("load tip: %w", err)
	}
	height := parent.Height() + 1
	ts := uint64(time.Now().Unix())
	if ts <= parent.Header.Timestamp {
		ts = parent.Header.Timestamp + 1
	}

	txs := m.pool.PullTxns(m.txLimit, nil)

	// The candidate's id is not known until it is sealed, so execution
	// runs under a random label.
	var label types.Hash
	if _, err := rand.Read(label[:]); err != nil {
		return fmt.Errorf("candidate label: %w", err)
	}
	meta := execution.BlockMeta{
		ID:        label,
		ParentID:  parent.ID(),
		Height:    height,
		Timestamp: ts,
		Miner:     m.key.PublicKey(),
	}
	out, err := m.exec.Compute(parent.ParentID(), parent.ID(), label,
		[]execution.Batch{{Meta: meta, Txns: txs}})
	if err != nil {
		return fmt.Errorf("execute candidate: %w", err)
	}
	kept := out.Kept(txs)

	cert := &block.Certificate{
		ParentID:        parent.ID(),
		Height:          height,
		StateRoot:       out.StateRoot,
		AccumulatorRoot: out.AccumulatorRoot,
		Version:         out.Version,
		Timestamp:       ts,
		MinerPubKey:     m.key.PublicKey(),
	}
	if err := cert.Sign(m.key); err != nil {
		return fmt.Errorf("sign certificate: %w", err)
	}

	certHash := cert.Hash()
	mc := consensus.MineContext{Header: certHash[:], Nonce: nonceTemplate(height, m.rounds.Add(1)-1)}
	done := m.coord.SubmitContext(mc)
	log.Mint.Debug().
		Uint64("height", height).
		Str("parent", parent.ID().Short()).
		Int("txs", len(kept)).
		Int("dropped", len(txs)-len(kept)).
		Str("puzzle", certHash.Short()).
		Uint64("nonce", mc.Nonce).
		Msg("Puzzle submitted")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.await(ctx, done, cert, kept)
	}()
	return nil
}

// nonceTemplate is the first nonce solvers try: the candidate height in
// the low 32 bits and the round number in the high 32. Two rounds on the
// same tip can sign identical certificates, so the round keeps their
// contexts apart.
func nonceTemplate(height uint64, round uint32) uint64 {
	return uint64(round)<<32 | height&0xffffffff
}

// await seals and broadcasts the block once its puzzle is solved. A nil
// proof means the round was superseded.
func (m *MintManager) await(ctx context.Context, done <-chan *consensus.Proof, cert *block.Certificate, txs []*tx.Transaction) {
	var proof *consensus.Proof
	select {
	case <-ctx.Done():
		return
	case proof = <-done:
	}
	if proof == nil {
		mintRounds.WithLabelValues("cancelled").Inc()
		return
	}

	blk := block.Assemble(cert, txs)
	proof.Seal(blk.Header)
	if err := blk.Sign(m.key); err != nil {
		mintRounds.WithLabelValues("error").Inc()
		log.Mint.Error().Err(err).Uint64("height", cert.Height).Msg("Sign mined block")
		return
	}
	msg, err := p2p.NewMessage(p2p.MsgNewBlock, &p2p.NewBlock{Block: blk})
	if err != nil {
		mintRounds.WithLabelValues("error").Inc()
		log.Mint.Error().Err(err).Msg("Encode mined block")
		return
	}
	mintRounds.WithLabelValues("mined").Inc()
	log.Mint.Info().
		Uint64("height", blk.Height()).
		Str("hash", blk.ID().String()).
		Int("txs", len(txs)).
		Uint64("nonce", proof.Nonce).
		Str("algo", proof.Algo.String()).
		Msg("Block mined")

	if err := m.net.Broadcast(msg, nil, true); err != nil {
		log.Mint.Warn().Err(err).Uint64("height", blk.Height()).Msg("Broadcast mined block")
	}
}
