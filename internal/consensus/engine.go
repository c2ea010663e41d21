// Package consensus implements proof-of-work verification, the puzzle
// solver and the coordinator that hands puzzles to miners.
package consensus

import (
	"encoding/json"

	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// PowVerifier checks a proof against a puzzle input.
type PowVerifier interface {
	Verify(header []byte, p *Proof) error
}

// Proof is a puzzle solution.
type Proof struct {
	Nonce    uint64         `json:"nonce"`
	Solution types.HexBytes `json:"solution,omitempty"`
	Target   types.Hash     `json:"target"`
	Algo     block.PowAlgo  `json:"algo"`
}

// ProofFromHeader extracts the seal embedded in a block header.
func ProofFromHeader(h *block.Header) *Proof {
	return &Proof{
		Nonce:    h.Nonce,
		Solution: h.Solution,
		Target:   h.Target,
		Algo:     h.Algo,
	}
}

// Seal embeds the proof into a block header.
func (p *Proof) Seal(h *block.Header) {
	h.Nonce = p.Nonce
	h.Solution = p.Solution
	h.Target = p.Target
	h.Algo = p.Algo
}

// MineContext is an outstanding puzzle: the certificate hash to seal and
// the nonce a solver starts from.
type MineContext struct {
	Header types.HexBytes `json:"header"`
	Nonce  uint64         `json:"nonce"`
}

// Equal reports whether two contexts describe the same puzzle.
func (c *MineContext) Equal(o *MineContext) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Nonce == o.Nonce && string(c.Header) == string(o.Header)
}

// String returns the JSON form, used in logs.
func (c *MineContext) String() string {
	b, _ := json.Marshal(c)
	return string(b)
}
