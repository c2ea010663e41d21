// Package p2p implements peer-to-peer networking using libp2p.
//
// Inbound traffic from every source (gossip topics, direct consensus
// streams, sync-info requests, connection changes) is funnelled into a
// single Event channel that the event processor consumes.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

var errNotStarted = errors.New("p2p node not started")

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int // 0 = unlimited
	NoDiscover bool
	DB         storage.BatchDB // Ban list and peer book (nil = in-memory only)
	DHTServer  bool
	NetworkID  string // Chain id; scopes discovery to one network
	DataDir    string // Holds node.key; empty = ephemeral identity
}

// Node is a libp2p host carrying block gossip, consensus streams and
// peer discovery for one chain.
type Node struct {
	config Config
	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closers run in reverse order on Stop or on a failed Start.
	closers []func() error

	topics map[MessageType]*pubsub.Topic
	subs   []*pubsub.Subscription
	events chan *Event

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager *BanManager // set by Start
	book       *PeerStore  // nil without Config.DB
	seeds      []peer.AddrInfo

	genesisHash      types.Hash
	handshakeEnabled bool
	heightFn         func() uint64
}

// New creates an unstarted node. Malformed seed addresses are logged and
// skipped.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[MessageType]*pubsub.Topic),
		peers:  make(map[peer.ID]*Peer),
		events: make(chan *Event, EventQueueSize),
	}
	if cfg.DB != nil {
		n.book = NewPeerStore(storage.NewPrefixDB(cfg.DB, []byte(peerKeyPrefix)))
	}
	for _, s := range cfg.Seeds {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			log.P2P.Warn().Str("addr", s).Err(err).Msg("Bad seed address")
			continue
		}
		n.seeds = append(n.seeds, *info)
	}
	return n
}

// Events returns the inbound event channel.
func (n *Node) Events() <-chan *Event {
	return n.events
}

// Start opens the host, joins the gossip topics and launches discovery.
func (n *Node) Start() error {
	if err := n.start(); err != nil {
		n.shutdown()
		return err
	}
	return nil
}

func (n *Node) start() error {
	var bans *BanStore
	if n.config.DB != nil {
		bans = NewBanStore(storage.NewPrefixDB(n.config.DB, []byte(banKeyPrefix)))
	}
	n.BanManager = NewBanManager(bans, n)
	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)),
		libp2p.ConnectionGater(&connGater{bans: n.BanManager, full: n.inboundFull}),
	}
	if n.config.DataDir != "" {
		key, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(key))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h
	n.closers = append(n.closers, h.Close)
	h.Network().Notify(n.notifiee())

	// The DHT goes up before GossipSub so it can feed the mesh.
	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			return fmt.Errorf("init dht: %w", err)
		}
	}

	n.pubsub, err = pubsub.NewGossipSub(n.ctx, h,
		pubsub.WithMaxMessageSize(config.MaxBlockSize+64*1024),
	)
	if err != nil {
		return fmt.Errorf("create pubsub: %w", err)
	}
	for _, mt := range []MessageType{MsgNewTx, MsgNewBlock} {
		if err := n.join(mt); err != nil {
			return err
		}
	}

	n.registerStreamHandlers()
	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}

	for _, sub := range n.subs {
		n.spawn(func() { n.readLoop(sub) })
	}
	n.spawn(func() { n.BanManager.RunPruneLoop(n.ctx.Done()) })
	n.startDiscovery()
	return nil
}

// join subscribes to the gossip topic carrying mt.
func (n *Node) join(mt MessageType) error {
	name := topicName(mt)
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("join %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	n.topics[mt] = topic
	n.subs = append(n.subs, sub)
	n.closers = append(n.closers, func() error { sub.Cancel(); return nil })
	return nil
}

func (n *Node) topicFor(mt MessageType) *pubsub.Topic {
	return n.topics[mt]
}

// spawn runs fn on a goroutine that Stop waits for.
func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Stop saves the peer book and shuts the node down. Calling Stop on an
// unstarted node is a no-op.
func (n *Node) Stop() error {
	n.savePeers()
	return n.shutdown()
}

func (n *Node) shutdown() error {
	n.cancel()
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	n.wg.Wait()
	return errors.Join(errs...)
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetGenesisHash sets the genesis hash checked during the handshake. A
// non-zero hash enables the handshake; call before Start.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = !h.IsZero()
}

// SetHeightFn sets the height reported in our handshake.
func (n *Node) SetHeightFn(fn func() uint64) {
	n.heightFn = fn
}

// DisconnectPeer closes every connection to id.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return errNotStarted
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns our peer id, or "" before Start.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns our dialable multiaddrs including the /p2p suffix.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	self := n.host.ID().String()
	out := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+self)
	}
	return out
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// inboundFull reports whether MaxPeers is reached.
func (n *Node) inboundFull() bool {
	return n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers
}

// addPeer records id and reports whether it was new.
func (n *Node) addPeer(id peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.peers[id]; ok {
		return false
	}
	n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now()}
	peerCount.Set(float64(len(n.peers)))
	return true
}

// removePeer forgets id and reports whether it was known.
func (n *Node) removePeer(id peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.peers[id]; !ok {
		return false
	}
	delete(n.peers, id)
	peerCount.Set(float64(len(n.peers)))
	return true
}

func (n *Node) setHeight(id peer.ID, height uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.Height = height
	}
}

// tagSource sets how id was found, keeping the first answer.
func (n *Node) tagSource(id peer.ID, src PeerSource) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok && p.Source == "" {
		p.Source = src
	}
}
