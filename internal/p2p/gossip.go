package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Broadcast sends msg to every connected peer.
//
// With no exclusions, blocks and transactions go over gossip. With
// exclusions, the message is sent directly to each remaining peer on
// the consensus stream. When self is true the message is also pushed
// onto our own event channel, as if a peer had sent it.
func (n *Node) Broadcast(msg *Message, except []peer.ID, self bool) error {
	if n.host == nil {
		return errNotStarted
	}
	if self {
		n.deliver(&Event{Kind: EventMessage, From: n.host.ID(), Msg: msg})
	}

	if len(except) == 0 {
		if topic := n.topicFor(msg.Type); topic != nil {
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshal message: %w", err)
			}
			return topic.Publish(n.ctx, data)
		}
	}

	skip := make(map[peer.ID]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	for _, p := range n.PeerList() {
		if _, ok := skip[p.ID]; ok {
			continue
		}
		if err := n.SendTo(p.ID, msg); err != nil {
			log.P2P.Debug().Err(err).Str("peer", ShortID(p.ID)).Msg("Broadcast send failed")
		}
	}
	return nil
}

func (n *Node) readLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // Context cancelled.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue // Skip own messages.
		}
		n.handleGossip(msg.ReceivedFrom, msg.Data)
	}
}

func (n *Node) handleGossip(from peer.ID, data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		log.P2P.Debug().Err(err).Str("peer", ShortID(from)).Msg("Malformed gossip message")
		if n.BanManager != nil {
			n.BanManager.RecordOffense(from, PenaltyMalformed, "malformed gossip")
		}
		return
	}
	if m.Type != MsgNewBlock && m.Type != MsgNewTx {
		return
	}
	n.addPeer(from)
	n.deliver(&Event{Kind: EventMessage, From: from, Msg: &m})
}
