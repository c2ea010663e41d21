// Package crypto provides the hashing and signature primitives used by
// blocks, certificates and transactions.
package crypto

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash returns the BLAKE3-256 digest of data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat returns Hash(a || b). The execution ledger folds blocks and
// transactions into its accumulator with it.
func HashConcat(a, b types.Hash) types.Hash {
	h := blake3.New()
	h.Write(a[:])
	h.Write(b[:])
	return digest(h)
}

// HashNonce returns Hash(data || le64(nonce)), the proof-of-work digest.
func HashNonce(data []byte, nonce uint64) types.Hash {
	h := blake3.New()
	h.Write(data)
	h.Write(binary.LittleEndian.AppendUint64(nil, nonce))
	return digest(h)
}

func digest(h *blake3.Hasher) types.Hash {
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
