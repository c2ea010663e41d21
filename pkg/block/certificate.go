package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// Certificate commits a block to the execution result of its body.
// Its hash is the proof-of-work puzzle input.
type Certificate struct {
	ParentID        types.Hash     `json:"parent_id"`
	Height          uint64         `json:"height"`
	StateRoot       types.Hash     `json:"state_root"`
	AccumulatorRoot types.Hash     `json:"accumulator_root"`
	Version         uint64         `json:"version"`
	Timestamp       uint64         `json:"timestamp"`
	MinerPubKey     types.HexBytes `json:"miner_pubkey"`
	Signature       types.HexBytes `json:"signature,omitempty"`
}

// Hash returns the certificate hash. Excludes Signature.
func (c *Certificate) Hash() types.Hash {
	return crypto.Hash(c.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/signing.
// Format: parent_id(32) | height(8) | state_root(32) | accumulator_root(32) |
// version(8) | timestamp(8) | pubkey_len(1) | pubkey
func (c *Certificate) SigningBytes() []byte {
	buf := make([]byte, 0, 121+len(c.MinerPubKey))
	buf = append(buf, c.ParentID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, c.Height)
	buf = append(buf, c.StateRoot[:]...)
	buf = append(buf, c.AccumulatorRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, c.Version)
	buf = binary.LittleEndian.AppendUint64(buf, c.Timestamp)
	buf = append(buf, byte(len(c.MinerPubKey)))
	buf = append(buf, c.MinerPubKey...)
	return buf
}

// Sign sets the certificate signature.
func (c *Certificate) Sign(signer crypto.Signer) error {
	h := c.Hash()
	sig, err := signer.Sign(h)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}
