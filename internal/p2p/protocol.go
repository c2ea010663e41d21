package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicTransactions = "/klingpow/tx/1.0.0"
	TopicBlocks       = "/klingpow/block/1.0.0"
)

// topicName maps a gossiped message type to its topic.
func topicName(t MessageType) string {
	if t == MsgNewTx {
		return TopicTransactions
	}
	return TopicBlocks
}

// Stream protocol IDs.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/klingpow/handshake/1.0.0")

	// ConsensusProtocol carries one-way messages to a single peer.
	ConsensusProtocol = protocol.ID("/klingpow/consensus/1.0.0")

	// SyncInfoProtocol is a request/response exchange of chain checkpoints.
	SyncInfoProtocol = protocol.ID("/klingpow/syncinfo/1.0.0")
)

// MinProtocolVersion is the minimum protocol version we accept from peers.
const MinProtocolVersion uint32 = 1

// MaxRequestBlocks caps the number of blocks served per RequestBlock.
const MaxRequestBlocks = 100

// MessageType identifies the type of P2P message.
type MessageType uint8

const (
	MsgNewBlock     MessageType = iota + 1 // Block broadcast.
	MsgRequestBlock                        // Block range request.
	MsgRespondBlock                        // Block range response.
	MsgSyncInfoReq                         // Checkpoint probe.
	MsgSyncInfoResp                        // Checkpoint probe answer.
	MsgNewTx                               // Transaction broadcast.
)

func (t MessageType) String() string {
	switch t {
	case MsgNewBlock:
		return "new_block"
	case MsgRequestBlock:
		return "request_block"
	case MsgRespondBlock:
		return "respond_block"
	case MsgSyncInfoReq:
		return "sync_info_req"
	case MsgSyncInfoResp:
		return "sync_info_resp"
	case MsgNewTx:
		return "new_tx"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is a P2P protocol message.
type Message struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
}

// NewMessage encodes payload into an envelope of the given type.
func NewMessage(t MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	return &Message{Type: t, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// NewBlock announces a freshly produced block.
type NewBlock struct {
	Block *block.Block `json:"block"`
}

// NewTx announces a transaction.
type NewTx struct {
	Tx *tx.Transaction `json:"tx"`
}

// RequestBlock asks for a range of blocks.
//
// Ascending requests are served by height starting at Height+1.
// Descending requests walk parent links back from BlockID, or from the
// current root when BlockID is zero.
type RequestBlock struct {
	Height    uint64     `json:"height"`
	BlockID   types.Hash `json:"block_id"`
	NumBlocks uint32     `json:"num_blocks"`
	Ascending bool       `json:"ascending"`
}

// BlockStatus reports how much of a requested range was served.
type BlockStatus uint8

const (
	StatusSucceeded       BlockStatus = iota + 1 // Full range delivered.
	StatusNotEnoughBlocks                        // Partial range.
	StatusIDNotFound                             // Lookup broke off early.
)

func (s BlockStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusNotEnoughBlocks:
		return "not_enough_blocks"
	case StatusIDNotFound:
		return "id_not_found"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// RespondBlock answers a RequestBlock. Ascending answers are ordered
// oldest first, descending answers newest first.
type RespondBlock struct {
	Status    BlockStatus    `json:"status"`
	Ascending bool           `json:"ascending"`
	Blocks    []*block.Block `json:"blocks"`
}

// SyncInfoReq offers the requester's recent main-chain checkpoints.
type SyncInfoReq struct {
	LatestBlocks []block.Index `json:"latest_blocks"`
}

// SyncInfoResp reports the responder's height and the first offered
// checkpoint it also has on its main chain.
type SyncInfoResp struct {
	LatestHeight   uint64       `json:"latest_height"`
	CommonAncestor *block.Index `json:"common_ancestor,omitempty"`
}
