package block

import "github.com/Klingon-tech/klingnet-pow/pkg/tx"

// Assemble builds an unsealed block for a signed certificate. The header
// copies parent, height and timestamp from cert and commits to txs.
// The caller seals the header and then signs the block.
func Assemble(cert *Certificate, txs []*tx.Transaction) *Block {
	blk := &Block{
		Header: &Header{
			Version:   CurrentVersion,
			ParentID:  cert.ParentID,
			Height:    cert.Height,
			Timestamp: cert.Timestamp,
			CertHash:  cert.Hash(),
		},
		Certificate:  cert,
		Transactions: txs,
	}
	blk.Header.TxRoot = ComputeMerkleRoot(blk.TxHashes())
	return blk
}
