// Package block defines block types and validation.
package block

import (
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// Block represents a block in the chain.
type Block struct {
	Header       *Header           `json:"header"`
	Certificate  *Certificate      `json:"certificate"`
	Transactions []*tx.Transaction `json:"transactions"`
	// Signature is the miner's signature over the block id.
	Signature types.HexBytes `json:"signature,omitempty"`
}

// NewBlock creates a new block with the given header, certificate and transactions.
func NewBlock(header *Header, cert *Certificate, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Certificate:  cert,
		Transactions: txs,
	}
}

// ID returns the block id (header hash).
func (b *Block) ID() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// ParentID returns the parent block id.
func (b *Block) ParentID() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.ParentID
}

// Height returns the block height.
func (b *Block) Height() uint64 {
	if b.Header == nil {
		return 0
	}
	return b.Header.Height
}

// Sign sets the block signature over the block id.
func (b *Block) Sign(signer crypto.Signer) error {
	id := b.ID()
	sig, err := signer.Sign(id)
	if err != nil {
		return err
	}
	b.Signature = sig
	return nil
}

// TxHashes returns the ids of the block's transactions in order.
func (b *Block) TxHashes() []types.Hash {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	return hashes
}
