package rpc

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnavailable    = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      any    `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a block height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// TxSubmitParam is used by tx_submit.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// SubmitSolutionParam is used by mining_submitSolution.
type SubmitSolutionParam struct {
	Context *consensus.MineContext `json:"context"`
	Proof   *consensus.Proof       `json:"proof"`
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID    string       `json:"chain_id"`
	Height     uint64       `json:"height"`
	Root       types.Hash   `json:"root"`
	Tail       types.Hash   `json:"tail"`
	TailHeight uint64       `json:"tail_height"`
	Heads      []types.Hash `json:"heads"`
	Role       string       `json:"role"`
	Genesis    types.Hash   `json:"genesis"`
	Orphans    int          `json:"orphans"`
}

// BlockResult wraps a block with its precomputed id.
type BlockResult struct {
	Hash         string             `json:"hash"`
	Header       *block.Header      `json:"header"`
	Certificate  *block.Certificate `json:"certificate"`
	Transactions []*TxResult        `json:"transactions"`
	Signature    string             `json:"signature,omitempty"`
}

// TxResult wraps a transaction with its precomputed hash.
type TxResult struct {
	Hash     string `json:"hash"`
	Sender   string `json:"sender"`
	Sequence uint64 `json:"sequence"`
	Size     int    `json:"size"`
}

// NewBlockResult creates a BlockResult from a block.
func NewBlockResult(b *block.Block) *BlockResult {
	txs := make([]*TxResult, len(b.Transactions))
	for i, t := range b.Transactions {
		txs[i] = NewTxResult(t)
	}
	return &BlockResult{
		Hash:         b.ID().String(),
		Header:       b.Header,
		Certificate:  b.Certificate,
		Transactions: txs,
		Signature:    b.Signature.String(),
	}
}

// NewTxResult creates a TxResult from a transaction.
func NewTxResult(t *tx.Transaction) *TxResult {
	return &TxResult{
		Hash:     t.Hash().String(),
		Sender:   types.HexBytes(t.Sender).String(),
		Sequence: t.Sequence,
		Size:     t.Size(),
	}
}

// HeadEntry is one branch tip.
type HeadEntry struct {
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
	Main   bool       `json:"main"`
}

// HeadsResult is returned by chain_getHeads.
type HeadsResult struct {
	Count int         `json:"count"`
	Heads []HeadEntry `json:"heads"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	Count int `json:"count"`
}

// TxSubmitResult is returned by tx_submit.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source,omitempty"`
	Height      uint64 `json:"height"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry is one banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

// MiningContextResult is returned by mining_getContext. Target is the
// easiest target the network accepts.
type MiningContextResult struct {
	Context *consensus.MineContext `json:"context"`
	Target  types.Hash             `json:"target"`
}

// SubmitSolutionResult is returned by mining_submitSolution.
type SubmitSolutionResult struct {
	Accepted bool `json:"accepted"`
}
