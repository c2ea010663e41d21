package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerSource records how a peer was first reached.
type PeerSource string

const (
	SourceSeed PeerSource = "seed"
	SourceDHT  PeerSource = "dht"
	SourceMDNS PeerSource = "mdns"
	SourceBook PeerSource = "book" // redialled from the peer book
)

// Peer represents a connected peer. Source is empty for inbound peers;
// Height is the best height from the peer's handshake, 0 until one
// completes.
type Peer struct {
	ID          peer.ID    `json:"id"`
	ConnectedAt time.Time  `json:"connected_at"`
	Source      PeerSource `json:"source,omitempty"`
	Height      uint64     `json:"height"`
}
