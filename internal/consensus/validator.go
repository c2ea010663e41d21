package consensus

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/pkg/block"
)

// ErrGenesisRelay is returned for height-0 blocks. Genesis comes from
// config and is never accepted from peers.
var ErrGenesisRelay = errors.New("genesis block cannot be relayed")

// Validator checks blocks received from the network.
type Validator struct {
	pow PowVerifier
}

// NewValidator creates a block validator with the given verifier.
func NewValidator(pow PowVerifier) *Validator {
	return &Validator{pow: pow}
}

// ValidateBlock checks structure, the miner's signatures and the
// proof-of-work seal over the certificate hash.
func (v *Validator) ValidateBlock(blk *block.Block) error {
	if blk.Header != nil && blk.Header.Height == 0 {
		return ErrGenesisRelay
	}
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}
	if err := blk.VerifySignatures(); err != nil {
		return fmt.Errorf("block signature: %w", err)
	}
	certHash := blk.Certificate.Hash()
	if err := v.pow.Verify(certHash[:], ProofFromHeader(blk.Header)); err != nil {
		return fmt.Errorf("proof of work: %w", err)
	}
	return nil
}
