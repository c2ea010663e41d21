package p2p

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// EventQueueSize is the buffer of the node's inbound event channel.
const EventQueueSize = 1024

// EventKind classifies an inbound network event.
type EventKind uint8

const (
	EventMessage  EventKind = iota + 1 // A message from a peer (or from ourselves).
	EventRPC                           // A request that expects a reply.
	EventNewPeer                       // A peer connected.
	EventLostPeer                      // A peer's last connection closed.
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventRPC:
		return "rpc"
	case EventNewPeer:
		return "new_peer"
	case EventLostPeer:
		return "lost_peer"
	default:
		return "unknown"
	}
}

// Event is delivered on Node.Events.
type Event struct {
	Kind EventKind
	From peer.ID
	Msg  *Message

	// Reply is set for EventRPC. The handler sends exactly one response;
	// it is dropped if the requester has already timed out.
	Reply chan<- *Message
}
