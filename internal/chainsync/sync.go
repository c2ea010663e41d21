// Package chainsync pulls missing blocks from peers.
//
// Ascending sessions catch a bootstrapping node up by height from a
// common ancestor. Descending sessions run once the node is mining and
// walk parent links back from an unknown block until they reach a block
// the node already has, then replay what they collected oldest first.
package chainsync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Defaults.
const (
	DefaultBatchSize = 10
	DefaultTimeout   = 10 * time.Second
	DefaultMargin    = 1

	// MaxReprobes is the number of consecutive height probes without new
	// blocks after which an ascending session is dropped.
	MaxReprobes = 3

	// QueueSize is the buffer of the signal and response channels.
	QueueSize = 64

	// maxCachedBlocks bounds a descending session's cache.
	maxCachedBlocks = 1000
)

var (
	errMalformed     = errors.New("malformed block")
	errBrokenLineage = errors.New("block does not link to the previous one")
)

// Config holds sync parameters.
type Config struct {
	BatchSize int
	Timeout   time.Duration
	Margin    uint64
}

// DefaultConfig returns the default sync parameters.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize, Timeout: DefaultTimeout, Margin: DefaultMargin}
}

// Network is the part of the transport the sync manager uses.
type Network interface {
	SendTo(id peer.ID, msg *p2p.Message) error
	RequestSyncInfo(ctx context.Context, id peer.ID, req *p2p.SyncInfoReq) (*p2p.SyncInfoResp, error)
}

// Chain is the local chain the sync manager feeds. *chain.Manager
// implements it.
type Chain interface {
	Blocks() chan<- *block.Block
	BlockExists(id types.Hash) bool
	Checkpoints() (uint64, []block.Index)
	IsRunning() bool
	BeginMint()
}

// BlockValidator checks signatures and proof-of-work of a block.
type BlockValidator interface {
	ValidateBlock(blk *block.Block) error
}

// Offender records misbehavior against a peer.
type Offender interface {
	RecordOffense(id peer.ID, penalty int, reason string)
}

// Signal asks the sync manager to pull blocks from a peer.
type Signal struct {
	Peer      peer.ID
	Ascending bool

	// From is the common ancestor for ascending sessions. For descending
	// sessions From.ID is the block to walk back from and From.Height
	// the height that triggered the sync.
	From block.Index

	// PeerHeight is the peer's reported tip height (ascending only).
	PeerHeight uint64
}

// Response is a RespondBlock received from a peer.
type Response struct {
	Peer peer.ID
	Resp *p2p.RespondBlock
}

type session struct {
	ascending bool
	last      block.Index    // ascending: newest block handed to the chain
	cache     []*block.Block // descending: newest first
	deadline  time.Time      // zero when no request is outstanding
	recheck   time.Time      // ascending: when to probe again while blocks are in flight
	committed uint64         // ascending: local height at the last probe
	reprobes  int
	probing   bool
}

type probeResult struct {
	peer peer.ID
	resp *p2p.SyncInfoResp
	err  error
}

// Manager runs sync sessions, one per peer.
type Manager struct {
	cfg       Config
	net       Network
	chain     Chain
	validator BlockValidator
	bans      Offender

	signals   chan Signal
	responses chan Response
	probes    chan probeResult

	// syncHeight is the highest height a session has been started for.
	// Zero means no ascending session is outstanding.
	syncHeight atomic.Uint64

	sessions map[peer.ID]*session // owned by Run
	ctx      context.Context
	tick     time.Duration
}

// New creates a sync manager.
func New(cfg Config, net Network, chain Chain, validator BlockValidator) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > p2p.MaxRequestBlocks {
		cfg.BatchSize = p2p.MaxRequestBlocks
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Manager{
		cfg:       cfg,
		net:       net,
		chain:     chain,
		validator: validator,
		signals:   make(chan Signal, QueueSize),
		responses: make(chan Response, QueueSize),
		probes:    make(chan probeResult, QueueSize),
		sessions:  make(map[peer.ID]*session),
		ctx:       context.Background(),
		tick:      min(cfg.Timeout/4, time.Second),
	}
}

// SetOffender sets where validation failures are reported.
func (m *Manager) SetOffender(o Offender) {
	m.bans = o
}

// Signals returns the channel that starts sessions.
func (m *Manager) Signals() chan<- Signal {
	return m.signals
}

// Responses returns the channel that receives RespondBlock messages.
func (m *Manager) Responses() chan<- Response {
	return m.responses
}

// SyncHeight returns the highest height a session was started for.
func (m *Manager) SyncHeight() uint64 {
	return m.syncHeight.Load()
}

// Run processes signals, responses and timeouts until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.ctx = ctx
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-m.signals:
			m.handleSignal(s)
		case r := <-m.responses:
			m.handleResponse(r)
		case p := <-m.probes:
			m.handleProbe(p)
		case now := <-ticker.C:
			m.checkTimeouts(now)
		}
	}
}

func (m *Manager) handleSignal(s Signal) {
	if s.Ascending {
		if m.chain.IsRunning() {
			return
		}
		if h := m.syncHeight.Load(); h != 0 {
			log.Sync.Debug().Str("peer", p2p.ShortID(s.Peer)).Uint64("sync_height", h).Msg("Ascending sync already outstanding")
			return
		}
		m.syncHeight.Store(max(s.PeerHeight, 1))
		sess := &session{ascending: true, last: s.From, committed: s.From.Height}
		m.sessions[s.Peer] = sess
		log.Sync.Info().
			Str("peer", p2p.ShortID(s.Peer)).
			Uint64("from", s.From.Height).
			Uint64("peer_height", s.PeerHeight).
			Msg("Starting ascending sync")
		m.request(s.Peer, sess, s.From)
		return
	}

	if s.From.Height <= m.syncHeight.Load() {
		return
	}
	m.syncHeight.Store(s.From.Height)
	sess := &session{}
	m.sessions[s.Peer] = sess
	log.Sync.Info().
		Str("peer", p2p.ShortID(s.Peer)).
		Uint64("height", s.From.Height).
		Str("from", s.From.ID.String()).
		Msg("Starting descending sync")
	m.request(s.Peer, sess, s.From)
}

// request sends the next RequestBlock of a session.
func (m *Manager) request(id peer.ID, sess *session, from block.Index) {
	req := &p2p.RequestBlock{
		Height:    from.Height,
		BlockID:   from.ID,
		NumBlocks: uint32(m.cfg.BatchSize),
		Ascending: sess.ascending,
	}
	msg, err := p2p.NewMessage(p2p.MsgRequestBlock, req)
	if err != nil {
		log.Sync.Error().Err(err).Msg("Encode block request")
		return
	}
	sess.deadline = time.Now().Add(m.cfg.Timeout)
	syncRequests.WithLabelValues(mode(sess)).Inc()
	if err := m.net.SendTo(id, msg); err != nil {
		// The timeout handles the missing response.
		log.Sync.Warn().Err(err).Str("peer", p2p.ShortID(id)).Msg("Block request send failed")
	}
}

func (m *Manager) handleResponse(r Response) {
	sess, ok := m.sessions[r.Peer]
	if !ok || r.Resp == nil {
		log.Sync.Debug().Str("peer", p2p.ShortID(r.Peer)).Msg("Block response without session")
		return
	}
	if sess.deadline.IsZero() || r.Resp.Ascending != sess.ascending {
		log.Sync.Debug().Str("peer", p2p.ShortID(r.Peer)).Msg("Unexpected block response")
		return
	}
	sess.deadline = time.Time{}
	log.Sync.Debug().
		Str("peer", p2p.ShortID(r.Peer)).
		Stringer("status", r.Resp.Status).
		Int("blocks", len(r.Resp.Blocks)).
		Bool("ascending", sess.ascending).
		Msg("Block response")

	if sess.ascending {
		m.ascend(r.Peer, sess, r.Resp)
	} else {
		m.descend(r.Peer, sess, r.Resp)
	}
}

func (m *Manager) ascend(id peer.ID, sess *session, resp *p2p.RespondBlock) {
	for _, blk := range resp.Blocks {
		if blk == nil || blk.Header == nil || blk.Certificate == nil {
			m.abort(id, errMalformed)
			return
		}
		if m.chain.BlockExists(blk.ID()) {
			sess.last = block.Index{Height: blk.Height(), ID: blk.ID()}
			continue
		}
		if err := m.validator.ValidateBlock(blk); err != nil {
			m.abort(id, err)
			return
		}
		m.chain.Blocks() <- blk
		sess.last = block.Index{Height: blk.Height(), ID: blk.ID()}
	}
	if resp.Status == p2p.StatusSucceeded && len(resp.Blocks) > 0 {
		m.request(id, sess, sess.last)
		return
	}
	m.probe(id, sess)
}

func (m *Manager) descend(id peer.ID, sess *session, resp *p2p.RespondBlock) {
	for _, blk := range resp.Blocks {
		if blk == nil || blk.Header == nil || blk.Certificate == nil {
			m.abort(id, errMalformed)
			return
		}
		if n := len(sess.cache); n > 0 && blk.ID() != sess.cache[n-1].ParentID() {
			m.abort(id, errBrokenLineage)
			return
		}
		if m.chain.BlockExists(blk.ID()) {
			m.replay(id, sess)
			return
		}
		if err := m.validator.ValidateBlock(blk); err != nil {
			m.abort(id, err)
			return
		}
		sess.cache = append(sess.cache, blk)
	}

	if len(sess.cache) > maxCachedBlocks {
		log.Sync.Warn().Str("peer", p2p.ShortID(id)).Int("cached", len(sess.cache)).Msg("Descending sync too deep, dropping")
		delete(m.sessions, id)
		return
	}
	if resp.Status == p2p.StatusSucceeded && len(resp.Blocks) > 0 {
		oldest := sess.cache[len(sess.cache)-1]
		m.request(id, sess, block.Index{Height: oldest.Height() - 1, ID: oldest.ParentID()})
		return
	}
	log.Sync.Info().
		Str("peer", p2p.ShortID(id)).
		Stringer("status", resp.Status).
		Int("cached", len(sess.cache)).
		Msg("Descending sync ended without a known block")
	delete(m.sessions, id)
}

// replay hands a descending cache to the chain, oldest first.
func (m *Manager) replay(id peer.ID, sess *session) {
	for i := len(sess.cache) - 1; i >= 0; i-- {
		m.chain.Blocks() <- sess.cache[i]
	}
	log.Sync.Info().Str("peer", p2p.ShortID(id)).Int("blocks", len(sess.cache)).Msg("Descending sync complete")
	delete(m.sessions, id)
}

// abort drops a session after a validation failure so the sync can be
// triggered again.
func (m *Manager) abort(id peer.ID, err error) {
	log.Sync.Warn().Err(err).Str("peer", p2p.ShortID(id)).Msg("Invalid block in sync response, dropping session")
	delete(m.sessions, id)
	m.syncHeight.Store(0)
	syncFailures.Inc()
	if m.bans != nil {
		m.bans.RecordOffense(id, p2p.PenaltyInvalidSync, err.Error())
	}
}

// probe asks the peer for its current height in the background. Only
// committed blocks count as progress; probes that find the local height
// unchanged since the previous one use up the session's reprobes.
func (m *Manager) probe(id peer.ID, sess *session) {
	if sess.probing {
		return
	}
	sess.probing = true
	sess.recheck = time.Time{}
	local, checkpoints := m.chain.Checkpoints()
	if local > sess.committed {
		sess.committed = local
		sess.reprobes = 0
	}
	sess.reprobes++
	req := &p2p.SyncInfoReq{LatestBlocks: checkpoints}
	ctx := m.ctx
	go func() {
		resp, err := m.net.RequestSyncInfo(ctx, id, req)
		select {
		case m.probes <- probeResult{peer: id, resp: resp, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) handleProbe(p probeResult) {
	sess, ok := m.sessions[p.peer]
	if !ok || !sess.ascending {
		return
	}
	sess.probing = false

	local, _ := m.chain.Checkpoints()
	if p.err == nil && p.resp.LatestHeight <= local+m.cfg.Margin {
		log.Sync.Info().
			Str("peer", p2p.ShortID(p.peer)).
			Uint64("height", local).
			Uint64("peer_height", p.resp.LatestHeight).
			Msg("Caught up with peer")
		delete(m.sessions, p.peer)
		m.syncHeight.Store(0)
		m.chain.BeginMint()
		return
	}

	if sess.reprobes >= MaxReprobes {
		log.Sync.Warn().Str("peer", p2p.ShortID(p.peer)).Int("reprobes", sess.reprobes).Msg("Sync made no progress, dropping session")
		delete(m.sessions, p.peer)
		m.syncHeight.Store(0)
		return
	}
	if p.err != nil {
		log.Sync.Debug().Err(p.err).Str("peer", p2p.ShortID(p.peer)).Msg("Height probe failed")
		m.probe(p.peer, sess)
		return
	}

	m.syncHeight.Store(max(p.resp.LatestHeight, 1))
	if local < sess.last.Height {
		// Forwarded blocks have not all committed yet. Ask again later
		// instead of fetching past them.
		sess.recheck = time.Now().Add(m.tick)
		return
	}

	from := sess.last
	if a := p.resp.CommonAncestor; a != nil && a.Height < from.Height {
		from = *a
		sess.last = *a
	}
	m.request(p.peer, sess, from)
}

func (m *Manager) checkTimeouts(now time.Time) {
	for id, sess := range m.sessions {
		if !sess.recheck.IsZero() && !now.Before(sess.recheck) {
			m.probe(id, sess)
			continue
		}
		if sess.deadline.IsZero() || now.Before(sess.deadline) {
			continue
		}
		sess.deadline = time.Time{}
		log.Sync.Debug().Str("peer", p2p.ShortID(id)).Bool("ascending", sess.ascending).Msg("Block request timed out")
		if sess.ascending {
			m.probe(id, sess)
		} else {
			delete(m.sessions, id)
		}
	}
}

func mode(sess *session) string {
	if sess.ascending {
		return "ascending"
	}
	return "descending"
}
