package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
)

// Validation errors.
var (
	ErrBadSender       = errors.New("sender is not a valid public key")
	ErrMissingSig      = errors.New("transaction missing signature")
	ErrInvalidSig      = errors.New("invalid signature")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Validate checks transaction structure and the sender's signature.
// Sequence ordering is a ledger rule and is not checked here.
func (tx *Transaction) Validate() error {
	if !crypto.ValidPublicKey(tx.Sender) {
		return ErrBadSender
	}
	if len(tx.Payload) > config.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(tx.Payload), config.MaxPayloadSize)
	}
	if len(tx.Signature) == 0 {
		return ErrMissingSig
	}
	h := tx.Hash()
	if !crypto.VerifySignature(h, tx.Signature, tx.Sender) {
		return ErrInvalidSig
	}
	return nil
}
