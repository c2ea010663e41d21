package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// connGater is consulted by the libp2p swarm for every connection.
// Banned peers are refused in both directions; once MaxPeers is reached
// only outbound connections are let through.
type connGater struct {
	bans *BanManager
	full func() bool // nil = unlimited
}

func (g *connGater) InterceptPeerDial(p peer.ID) bool { return !g.bans.IsBanned(p) }

func (g *connGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool { return true }

// The remote identity is unknown until the connection is secured.
func (g *connGater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

func (g *connGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.bans.IsBanned(p) {
		return false
	}
	return dir != network.DirInbound || g.full == nil || !g.full()
}

func (g *connGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) { return true, 0 }

// notifiee reports connection changes to n.
func (n *Node) notifiee() network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF:    n.onConnected,
		DisconnectedF: n.onDisconnected,
	}
}

// onConnected emits EventNewPeer for a peer's first connection. The
// dialing side starts the handshake.
func (n *Node) onConnected(_ network.Network, c network.Conn) {
	id := c.RemotePeer()
	if id == n.host.ID() {
		return
	}
	if n.addPeer(id) {
		go n.deliver(&Event{Kind: EventNewPeer, From: id})
	}
	if n.handshakeEnabled && c.Stat().Direction == network.DirOutbound {
		go n.doHandshake(id)
	}
}

// onDisconnected emits EventLostPeer when a peer's last connection closes.
func (n *Node) onDisconnected(net network.Network, c network.Conn) {
	id := c.RemotePeer()
	if len(net.ConnsToPeer(id)) > 0 {
		return
	}
	if n.removePeer(id) {
		go n.deliver(&Event{Kind: EventLostPeer, From: id})
	}
}
