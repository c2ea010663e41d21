package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/log"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	rendezvousPrefix = "klingpow"

	dialTimeout     = 5 * time.Second
	seedDialTimeout = 10 * time.Second
	seedRetryMin    = 10 * time.Second
	seedRetryMax    = 2 * time.Minute
	dhtFindInterval = 30 * time.Second
	dhtFindTimeout  = 20 * time.Second
)

// rendezvous is the DHT and mDNS namespace; a set NetworkID keeps
// different chains from finding each other.
func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return rendezvousPrefix + "/" + n.config.NetworkID
	}
	return rendezvousPrefix
}

// startDiscovery launches every peer source the config enables.
func (n *Node) startDiscovery() {
	if n.book != nil {
		n.spawn(n.redialBook)
		n.spawn(n.saveLoop)
	}
	if len(n.seeds) > 0 {
		log.P2P.Info().Int("seeds", len(n.seeds)).Msg("Connecting to seeds...")
		n.dialSeeds()
		n.spawn(n.seedLoop)
	}
	if n.config.NoDiscover {
		return
	}
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), mdnsNotifee{n})
	if err := svc.Start(); err != nil {
		log.P2P.Debug().Err(err).Msg("mDNS unavailable")
	} else {
		n.closers = append(n.closers, svc.Close)
	}
	if n.dht != nil {
		n.spawn(n.dhtLoop)
	}
}

// dial connects to info unless it is us, banned, or the node is full.
func (n *Node) dial(info peer.AddrInfo, src PeerSource, timeout time.Duration) error {
	if info.ID == n.host.ID() || n.BanManager.IsBanned(info.ID) || n.inboundFull() {
		return nil
	}
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		return err
	}
	n.tagSource(info.ID, src)
	return nil
}

// dialSeeds dials every seed in parallel and reports how many answered.
func (n *Node) dialSeeds() int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, info := range n.seeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.dial(info, SourceSeed, seedDialTimeout); err != nil {
				log.P2P.Warn().Str("peer", ShortID(info.ID)).Err(err).Msg("Seed connect failed")
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return ok
}

// seedLoop redials the seeds while the node has no peers.
func (n *Node) seedLoop() {
	wait := seedRetryMin
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(wait):
		}
		if n.PeerCount() > 0 {
			wait = seedRetryMin
			continue
		}
		log.P2P.Info().Int("seeds", len(n.seeds)).Dur("backoff", wait).Msg("No peers, retrying seeds...")
		if n.dialSeeds() > 0 {
			wait = seedRetryMin
		} else {
			wait = nextSeedRetry(wait)
		}
	}
}

// nextSeedRetry doubles the wait, capped at seedRetryMax.
func nextSeedRetry(prev time.Duration) time.Duration {
	if prev < seedRetryMin {
		return seedRetryMin
	}
	if prev*2 > seedRetryMax {
		return seedRetryMax
	}
	return prev * 2
}

type mdnsNotifee struct{ n *Node }

func (m mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	m.n.dial(info, SourceMDNS, dialTimeout)
}

// --- DHT ---

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return err
	}
	n.dht = kad
	n.closers = append(n.closers, kad.Close)
	return kad.Bootstrap(n.ctx)
}

// dhtLoop advertises our rendezvous and periodically dials peers found
// under it.
func (n *Node) dhtLoop() {
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtFindInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findPeers(rd)
		}
	}
}

func (n *Node) findPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, dhtFindTimeout)
	defer cancel()
	found, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		log.P2P.Debug().Err(err).Msg("DHT lookup failed")
		return
	}
	for info := range found {
		if n.inboundFull() {
			return
		}
		if len(info.Addrs) > 0 {
			n.dial(info, SourceDHT, dialTimeout)
		}
	}
}

// --- Peer book ---

// savePeers writes the current peers and their known addresses to the
// book.
func (n *Node) savePeers() {
	if n.book == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	recs := make(map[peer.ID]PeerRecord)
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		if len(addrs) == 0 {
			continue
		}
		rec := PeerRecord{LastSeen: now, Source: p.Source}
		for _, a := range addrs {
			rec.Addrs = append(rec.Addrs, a.String())
		}
		recs[p.ID] = rec
	}
	if err := n.book.Save(recs); err != nil {
		log.P2P.Debug().Err(err).Msg("Save peer book failed")
	}
}

// redialBook reconnects to peers remembered from earlier runs.
func (n *Node) redialBook() {
	infos, _, err := n.book.Load(time.Now(), peerMaxAge)
	if err != nil {
		log.P2P.Debug().Err(err).Msg("Load peer book failed")
		return
	}
	for _, info := range infos {
		if n.ctx.Err() != nil {
			return
		}
		n.dial(info, SourceBook, dialTimeout)
	}
}

func (n *Node) saveLoop() {
	ticker := time.NewTicker(peerSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.savePeers()
		}
	}
}
