package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	handshakeTimeout  = 10 * time.Second
	maxHandshakeBytes = 4096
)

var (
	ErrGenesisMismatch = errors.New("genesis mismatch")
	ErrOldProtocol     = errors.New("protocol version too old")
	ErrNetworkMismatch = errors.New("network mismatch")
)

// HandshakeMessage is the first thing two peers say to each other. The
// dialer speaks first; the listener answers with its own.
type HandshakeMessage struct {
	ProtocolVersion uint32     `json:"protocol_version"`
	GenesisHash     types.Hash `json:"genesis_hash"`
	NetworkID       string     `json:"network_id"`
	BestHeight      uint64     `json:"best_height"`
}

func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(s network.Stream) {
		defer s.Close()
		n.finishHandshake(s.Conn().RemotePeer(), s, false)
	})
}

// doHandshake opens the handshake stream to id.
func (n *Node) doHandshake(id peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	defer cancel()
	s, err := n.host.NewStream(ctx, id, HandshakeProtocol)
	if err != nil {
		log.P2P.Debug().Err(err).Str("peer", ShortID(id)).Msg("Handshake stream failed")
		return
	}
	defer s.Close()
	n.finishHandshake(id, s, true)
}

func (n *Node) finishHandshake(id peer.ID, s network.Stream, dialer bool) {
	theirs, err := n.exchange(s, dialer)
	if err != nil {
		log.P2P.Debug().Err(err).Str("peer", ShortID(id)).Msg("Handshake exchange failed")
		return
	}
	if err := n.validateHandshake(theirs); err != nil {
		log.P2P.Warn().Str("peer", ShortID(id)).Err(err).Msg("Handshake rejected")
		n.BanManager.RecordOffense(id, PenaltyHandshakeFail, err.Error())
		n.DisconnectPeer(id)
		return
	}
	n.setHeight(id, theirs.BestHeight)
	log.P2P.Debug().Str("peer", ShortID(id)).Uint64("best_height", theirs.BestHeight).Msg("Handshake complete")
}

// exchange sends our message and reads the peer's, in dialer order.
func (n *Node) exchange(s network.Stream, dialer bool) (HandshakeMessage, error) {
	var theirs HandshakeMessage
	_ = s.SetDeadline(time.Now().Add(handshakeTimeout))
	send := func() error {
		ours := n.buildHandshakeMessage()
		return json.NewEncoder(s).Encode(&ours)
	}
	recv := func() error {
		return json.NewDecoder(io.LimitReader(s, maxHandshakeBytes)).Decode(&theirs)
	}
	if dialer {
		if err := send(); err != nil {
			return theirs, fmt.Errorf("send: %w", err)
		}
		s.CloseWrite()
		return theirs, recv()
	}
	if err := recv(); err != nil {
		return theirs, fmt.Errorf("receive: %w", err)
	}
	return theirs, send()
}

// validateHandshake checks that msg comes from a node on our chain. An
// empty network id on either side skips the network check.
func (n *Node) validateHandshake(msg HandshakeMessage) error {
	switch {
	case msg.GenesisHash != n.genesisHash:
		return fmt.Errorf("%w: peer %s, ours %s", ErrGenesisMismatch, msg.GenesisHash.Short(), n.genesisHash.Short())
	case msg.ProtocolVersion < MinProtocolVersion:
		return fmt.Errorf("%w: peer %d, minimum %d", ErrOldProtocol, msg.ProtocolVersion, MinProtocolVersion)
	case n.config.NetworkID != "" && msg.NetworkID != "" && msg.NetworkID != n.config.NetworkID:
		return fmt.Errorf("%w: peer %s, ours %s", ErrNetworkMismatch, msg.NetworkID, n.config.NetworkID)
	}
	return nil
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: config.ProtocolVersion,
		GenesisHash:     n.genesisHash,
		NetworkID:       n.config.NetworkID,
	}
	if n.heightFn != nil {
		msg.BestHeight = n.heightFn()
	}
	return msg
}
