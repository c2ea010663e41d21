package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const (
	PublicKeySize  = 33 // compressed
	PrivateKeySize = 32
)

var ErrKeyLength = errors.New("private key must be 32 bytes")

// Signer produces BIP-340 style Schnorr signatures over secp256k1.
type Signer interface {
	Sign(digest types.Hash) ([]byte, error)
	PublicKey() []byte
}

// PrivateKey is a secp256k1 secret. It implements Signer.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("%w, got %d", ErrKeyLength, len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key hex: %w", err)
	}
	return PrivateKeyFromBytes(b)
}

func (pk *PrivateKey) Sign(digest types.Hash) ([]byte, error) {
	sig, err := schnorr.Sign(pk.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero wipes the secret from memory; the key is unusable afterwards.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// VerifySignature reports whether sig is a valid signature of digest by
// the compressed public key pub. Malformed input is simply invalid.
func VerifySignature(digest types.Hash, sig, pub []byte) bool {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	return err == nil && s.Verify(digest[:], key)
}

// ValidPublicKey reports whether b is a well-formed compressed key.
func ValidPublicKey(b []byte) bool {
	if len(b) != PublicKeySize {
		return false
	}
	_, err := secp256k1.ParsePubKey(b)
	return err == nil
}
