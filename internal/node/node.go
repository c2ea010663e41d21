// Package node provides a reusable blockchain node that can be embedded
// in any binary (daemon, tests, etc.).
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/chain"
	"github.com/Klingon-tech/klingnet-pow/internal/chainsync"
	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	"github.com/Klingon-tech/klingnet-pow/internal/events"
	"github.com/Klingon-tech/klingnet-pow/internal/execution"
	klog "github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/mempool"
	"github.com/Klingon-tech/klingnet-pow/internal/miner"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/Klingon-tech/klingnet-pow/internal/rpc"
	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/rs/zerolog"
)

// Node is a fully-initialized blockchain node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.BatchDB
	store     *chain.BlockStore
	ledger    *execution.Ledger
	ch        *chain.Manager
	pool      *mempool.Pool
	pow       *consensus.PoW
	validator *consensus.Validator

	// Networking
	p2pNode   *p2p.Node
	processor *events.Processor
	syncer    *chainsync.Manager

	// RPC
	rpcServer *rpc.Server

	// Mining
	minerKey *crypto.PrivateKey
	coord    *consensus.MineCoordinator
	mint     *miner.MintManager
	worker   *miner.Worker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, chain, mempool, mining, P2P, RPC) but does
// NOT start background goroutines. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "klingpow.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	genesis, err := cfg.Genesis()
	if err != nil {
		return nil, err
	}
	return build(cfg, genesis, nil)
}

// build wires every component. When db is nil the configured backend is
// opened under the chain data directory.
func build(cfg *config.Config, genesis *config.Genesis, db storage.BatchDB) (_ *Node, err error) {
	logger := klog.WithComponent("node")
	rules := genesis.Protocol.Consensus

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint64("difficulty", rules.Difficulty).
		Bool("dev", rules.DevMode).
		Msg("Starting Klingnet PoW Node")

	// ── 2. Open storage ─────────────────────────────────────────────
	if db == nil {
		db, err = storage.Open(cfg.Storage.Backend, cfg.BlocksDir())
		if err != nil {
			return nil, err
		}
		logger.Info().Str("backend", cfg.Storage.Backend).Str("path", cfg.BlocksDir()).Msg("Database opened")
	}

	n := &Node{cfg: cfg, genesis: genesis, logger: logger, db: db}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			n.release()
		}
	}()

	// ── 3. Miner key ────────────────────────────────────────────────
	if cfg.Mining.Enabled {
		if cfg.Mining.KeyFile == "" {
			return nil, fmt.Errorf("mining requires mining.keyfile")
		}
		n.minerKey, err = loadMinerKey(cfg.Mining.KeyFile, cfg.Mining.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("load miner key %s: %w", cfg.Mining.KeyFile, err)
		}
		logger.Info().Str("pubkey", shortHex(n.minerKey.PublicKey())).Msg("Miner key loaded")
	}

	// ── 4. Consensus ────────────────────────────────────────────────
	n.pow, err = consensus.NewPoW(rules.Difficulty, rules.DevMode)
	if err != nil {
		return nil, fmt.Errorf("create pow: %w", err)
	}
	n.validator = consensus.NewValidator(n.pow)

	// ── 5. Chain ────────────────────────────────────────────────────
	n.ledger, err = execution.NewLedger(db)
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	n.store = chain.NewBlockStore(db)
	n.ch, err = chain.NewManager(n.store, n.ledger, genesis)
	if err != nil {
		return nil, fmt.Errorf("create chain: %w", err)
	}
	height, root := n.ch.HeightAndRoot()
	logger.Info().Uint64("height", height).Str("root", root.Short()).Msg("Chain loaded")

	// ── 6. Mempool ──────────────────────────────────────────────────
	n.pool = mempool.New(mempool.DefaultMaxSize)
	n.pool.SetSequenceFunc(n.nextSequence)
	n.ch.SetOnCommit(func(blocks []*block.Block) {
		for _, blk := range blocks {
			n.pool.RemoveConfirmed(blk.Transactions)
		}
	})

	// ── 7. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		if err := n.setupP2P(); err != nil {
			return nil, err
		}
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 8. Mining ───────────────────────────────────────────────────
	n.coord = consensus.NewMineCoordinator(n.pow)
	if cfg.Mining.Enabled {
		var relay miner.Broadcaster = &loopback{blocks: n.ch.Blocks(), done: n.ctx.Done()}
		if n.p2pNode != nil {
			relay = n.p2pNode
		}
		n.mint, err = miner.NewMintManager(miner.Config{Key: n.minerKey, Dev: cfg.Mining.Dev},
			n.ch, n.store, n.ledger, n.pool, n.coord, relay)
		if err != nil {
			return nil, fmt.Errorf("create mint manager: %w", err)
		}
		n.ch.SetMintNotify(n.mint.Notify())
		if cfg.Mining.Threads > 0 {
			n.worker = miner.NewWorker(n.coord, n.pow, cfg.Mining.Threads)
		}
		logger.Info().
			Int("threads", cfg.Mining.Threads).
			Bool("dev_delay", cfg.Mining.Dev).
			Msg("Block production enabled")
	}

	// ── 9. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, rpc.Backend{
			Chain:   n.ch,
			Pool:    n.pool,
			P2P:     n.p2pNode,
			Genesis: genesis,
		}, cfg.RPC)
		if cfg.Mining.Enabled {
			n.rpcServer.SetMining(n.coord, n.pow)
		}
		if n.p2pNode != nil {
			n.rpcServer.SetBanManager(n.p2pNode.BanManager)
		}
		if err := n.rpcServer.Start(); err != nil {
			n.rpcServer = nil
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

// setupP2P starts the libp2p host and wires the event processor and the
// sync manager to it.
func (n *Node) setupP2P() error {
	cfg := n.cfg
	if cfg.P2P.ClearBans {
		if err := p2p.ClearBans(n.db); err != nil {
			return fmt.Errorf("clear bans: %w", err)
		}
		n.logger.Info().Msg("Peer bans cleared")
	}

	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         n.db,
		DHTServer:  cfg.P2P.DHTServer,
		NetworkID:  n.genesis.ChainID,
		DataDir:    cfg.ChainDataDir(),
	})
	genesisHash, err := n.genesis.Hash()
	if err != nil {
		return fmt.Errorf("genesis hash: %w", err)
	}
	n.p2pNode.SetGenesisHash(genesisHash)
	n.p2pNode.SetHeightFn(func() uint64 {
		h, _ := n.ch.HeightAndRoot()
		return h
	})

	if err := n.p2pNode.Start(); err != nil {
		n.p2pNode = nil
		return fmt.Errorf("start P2P: %w", err)
	}
	n.logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Int("port", cfg.P2P.Port).
		Bool("discovery", !cfg.P2P.NoDiscover).
		Msg("P2P node started")

	n.syncer = chainsync.New(chainsync.Config{
		BatchSize: cfg.Sync.BatchSize,
		Timeout:   cfg.Sync.Timeout,
		Margin:    cfg.Sync.Margin,
	}, n.p2pNode, n.ch, n.validator)
	n.syncer.SetOffender(n.p2pNode.BanManager)

	n.processor = events.New(events.Config{
		Net:       n.p2pNode,
		Chain:     n.ch,
		Store:     n.store,
		Validator: n.validator,
		Pool:      n.pool,
		Bans:      n.p2pNode.BanManager,
		Signals:   n.syncer.Signals(),
		Responses: n.syncer.Responses(),
	})
	return nil
}

// nextSequence is the mempool's view of the next sequence per sender,
// taken from the executed state of the current root.
func (n *Node) nextSequence(sender []byte) uint64 {
	_, root := n.ch.HeightAndRoot()
	st, err := n.ledger.State(root)
	if err != nil {
		return 0
	}
	return st.NextSequence(sender)
}

// Start launches the chain loop, event processing, sync and mining.
func (n *Node) Start() error {
	n.goRun(n.ch.Run)

	if n.p2pNode != nil {
		events := n.p2pNode.Events()
		n.goRun(func(ctx context.Context) { n.processor.Run(ctx, events) })
		n.goRun(n.syncer.Run)
	}

	if n.mint != nil {
		n.goRun(n.mint.Run)
		if n.worker != nil {
			n.goRun(n.worker.Run)
		}
	}

	switch {
	case n.cfg.Mining.First:
		n.logger.Info().Msg("First node of the network; skipping sync")
		n.ch.BeginMint()
	case n.p2pNode == nil:
		n.ch.BeginMint()
	default:
		n.logger.Info().Msg("Waiting for peers to sync from")
	}

	height, root := n.ch.HeightAndRoot()
	n.logger.Info().
		Uint64("height", height).
		Str("root", root.Short()).
		Bool("mining", n.mint != nil).
		Msg("Node started successfully")
	return nil
}

func (n *Node) goRun(fn func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.ctx)
	}()
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.coord.Cancel()
	// A block being sealed may be blocked delivering to the event queue;
	// stopping the host releases it.
	if n.p2pNode != nil {
		n.p2pNode.Stop()
		n.p2pNode = nil
	}
	n.wg.Wait()
	n.release()
	n.logger.Info().Msg("Goodbye!")
}

// release closes everything New opened.
func (n *Node) release() {
	n.cancel()
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.minerKey != nil {
		n.minerKey.Zero()
	}
	if n.db != nil {
		n.db.Close()
	}
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	h, _ := n.ch.HeightAndRoot()
	return h
}

// Chain returns the chain manager.
func (n *Node) Chain() *chain.Manager {
	return n.ch
}
