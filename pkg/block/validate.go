package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader       = errors.New("block has nil header")
	ErrNilCertificate  = errors.New("block has nil certificate")
	ErrBadTxRoot       = errors.New("tx root mismatch")
	ErrBadVersion      = errors.New("unsupported block version")
	ErrZeroTimestamp   = errors.New("block timestamp is zero")
	ErrTooManyTxs      = errors.New("too many transactions in block")
	ErrBlockTooLarge   = errors.New("block too large")
	ErrCertMismatch    = errors.New("header does not match certificate")
	ErrBadMinerKey     = errors.New("certificate miner key is invalid")
	ErrBadBlockSig     = errors.New("invalid block signature")
	ErrBadCertSig      = errors.New("invalid certificate signature")
	ErrDuplicateTx     = errors.New("duplicate transaction in block")
	ErrGenesisNotFirst = errors.New("height 0 block must descend from pre-genesis")
)

// Block version constants.
const (
	CurrentVersion = 1 // The current block version produced by this software.
	MaxVersion     = 1 // Bump when a fork introduces a new block version.
)

// Validate checks block structure and internal consistency: the header
// must agree with its certificate and commit to the transaction list.
// Signatures and proof-of-work are checked separately.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Certificate == nil {
		return ErrNilCertificate
	}
	h, c := b.Header, b.Certificate

	if h.Version < 1 || h.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, h.Version, MaxVersion)
	}
	if h.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if h.Height == 0 && h.ParentID != PreGenesisID {
		return ErrGenesisNotFirst
	}

	if h.CertHash != c.Hash() {
		return fmt.Errorf("%w: cert hash", ErrCertMismatch)
	}
	if h.ParentID != c.ParentID || h.Height != c.Height || h.Timestamp != c.Timestamp {
		return fmt.Errorf("%w: parent/height/timestamp", ErrCertMismatch)
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}
	size := len(h.SigningBytes()) + len(c.SigningBytes())
	for _, t := range b.Transactions {
		size += t.Size()
	}
	if size > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, config.MaxBlockSize)
	}

	hashes := b.TxHashes()
	seen := make(map[types.Hash]struct{}, len(hashes))
	for i, th := range hashes {
		if _, dup := seen[th]; dup {
			return fmt.Errorf("tx %d: %w", i, ErrDuplicateTx)
		}
		seen[th] = struct{}{}
	}
	if root := ComputeMerkleRoot(hashes); h.TxRoot != root {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadTxRoot, h.TxRoot, root)
	}

	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}
	return nil
}

// VerifySignatures checks the miner's signatures over the block id and
// the certificate hash, using the key embedded in the certificate.
func (b *Block) VerifySignatures() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Certificate == nil {
		return ErrNilCertificate
	}
	pub := b.Certificate.MinerPubKey
	if !crypto.ValidPublicKey(pub) {
		return ErrBadMinerKey
	}
	certHash := b.Certificate.Hash()
	if !crypto.VerifySignature(certHash, b.Certificate.Signature, pub) {
		return ErrBadCertSig
	}
	id := b.ID()
	if !crypto.VerifySignature(id, b.Signature, pub) {
		return ErrBadBlockSig
	}
	return nil
}
