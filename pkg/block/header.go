package block

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// PowAlgo identifies the proof-of-work function a block was sealed with.
type PowAlgo uint8

const (
	// AlgoBlake3: digest = BLAKE3(cert_hash || nonce_le64), digest <= target.
	AlgoBlake3 PowAlgo = 1
	// AlgoDev needs no work. Only accepted by dev-mode verifiers.
	AlgoDev PowAlgo = 2
)

// String returns the algorithm name.
func (a PowAlgo) String() string {
	switch a {
	case AlgoBlake3:
		return "blake3"
	case AlgoDev:
		return "dev"
	default:
		return fmt.Sprintf("algo(%d)", uint8(a))
	}
}

// PreGenesisID is the parent id of the genesis block.
var PreGenesisID = func() types.Hash {
	var h types.Hash
	for i := range h {
		h[i] = 0xff
	}
	return h
}()

// Header contains block metadata and the proof-of-work seal.
type Header struct {
	Version   uint32         `json:"version"`
	ParentID  types.Hash     `json:"parent_id"`
	Height    uint64         `json:"height"`
	Timestamp uint64         `json:"timestamp"`
	TxRoot    types.Hash     `json:"tx_root"`
	CertHash  types.Hash     `json:"cert_hash"`
	Nonce     uint64         `json:"nonce"`
	Solution  types.HexBytes `json:"solution,omitempty"`
	Target    types.Hash     `json:"target"`
	Algo      PowAlgo        `json:"algo"`
}

// Hash computes the block id.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/signing.
// Format: version(4) | parent_id(32) | height(8) | timestamp(8) | tx_root(32) |
// cert_hash(32) | nonce(8) | solution_len(2) | solution | target(32) | algo(1)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 160+len(h.Solution))
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.ParentID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.CertHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.Solution)))
	buf = append(buf, h.Solution...)
	buf = append(buf, h.Target[:]...)
	buf = append(buf, byte(h.Algo))
	return buf
}
