package block

import (
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// Leaves and interior nodes are hashed under different prefixes so an
// interior node can never be passed off as a leaf.
const (
	merkleLeafTag byte = 0x00
	merkleNodeTag byte = 0x01
)

func merkleLeaf(h types.Hash) types.Hash {
	var buf [1 + types.HashSize]byte
	buf[0] = merkleLeafTag
	copy(buf[1:], h[:])
	return crypto.Hash(buf[:])
}

func merkleNode(l, r types.Hash) types.Hash {
	var buf [1 + 2*types.HashSize]byte
	buf[0] = merkleNodeTag
	copy(buf[1:], l[:])
	copy(buf[1+types.HashSize:], r[:])
	return crypto.Hash(buf[:])
}

// ComputeMerkleRoot returns the merkle root of hashes, or the zero hash
// for an empty list. An odd node at the end of a level is carried up
// unchanged rather than paired with itself, so no two distinct lists
// share a root.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}
	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = merkleLeaf(h)
	}
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, merkleNode(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}
