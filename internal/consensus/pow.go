package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInsufficientWork = errors.New("hash does not meet target")
	ErrTargetTooEasy    = errors.New("target is above the network maximum")
	ErrBadSolution      = errors.New("solution does not match digest")
	ErrUnknownAlgo      = errors.New("unknown proof-of-work algorithm")
	ErrDevAlgo          = errors.New("dev algorithm not accepted")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrNonceExhausted   = errors.New("nonce space exhausted")
)

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// cancelCheckMask sets how often a solver polls its context.
const cancelCheckMask = 1<<16 - 1

// PoW checks proofs against the network's fixed difficulty. A block may
// claim any target up to (2^256-1)/Difficulty.
type PoW struct {
	Difficulty uint64
	DevMode    bool // accept work-free block.AlgoDev proofs

	maxTarget *big.Int
}

func NewPoW(difficulty uint64, devMode bool) (*PoW, error) {
	if difficulty == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{Difficulty: difficulty, DevMode: devMode, maxTarget: target(difficulty)}, nil
}

func target(difficulty uint64) *big.Int {
	return new(big.Int).Div(maxUint256, new(big.Int).SetUint64(difficulty))
}

// MaxTarget is the easiest target a block may claim.
func (p *PoW) MaxTarget() types.Hash {
	var h types.Hash
	p.maxTarget.FillBytes(h[:])
	return h
}

// Verify checks proof for the puzzle input header.
func (p *PoW) Verify(header []byte, proof *Proof) error {
	if proof == nil {
		return ErrBadSolution
	}
	switch proof.Algo {
	case block.AlgoBlake3:
		return p.verifyWork(header, proof)
	case block.AlgoDev:
		if !p.DevMode {
			return ErrDevAlgo
		}
		if len(proof.Solution) != 0 {
			return ErrBadSolution
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownAlgo, proof.Algo)
}

func (p *PoW) verifyWork(header []byte, proof *Proof) error {
	t := new(big.Int).SetBytes(proof.Target[:])
	if t.Cmp(p.maxTarget) > 0 {
		return ErrTargetTooEasy
	}
	digest := crypto.HashNonce(header, proof.Nonce)
	if len(proof.Solution) != types.HashSize || types.Hash(proof.Solution) != digest {
		return ErrBadSolution
	}
	if new(big.Int).SetBytes(digest[:]).Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// DevProof returns a proof only dev-mode verifiers accept.
func (p *PoW) DevProof(nonce uint64) *Proof {
	return &Proof{Nonce: nonce, Target: p.MaxTarget(), Algo: block.AlgoDev}
}

// Solve looks for a nonce, from startNonce upward, whose digest is at or
// below target. Worker i of threads tries startNonce+i, then steps by
// threads. It returns ctx.Err() if ctx ends first.
func Solve(ctx context.Context, header []byte, startNonce uint64, target types.Hash, threads int) (*Proof, error) {
	threads = max(threads, 1)
	t := new(big.Int).SetBytes(target[:])

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var (
		once  sync.Once
		found *Proof
	)
	for i := range threads {
		g.Go(func() error {
			proof, err := search(gctx, header, startNonce+uint64(i), uint64(threads), t)
			if proof != nil {
				once.Do(func() { found = proof })
				stop()
			}
			return err
		})
	}
	err := g.Wait()
	if found != nil {
		return found, nil
	}
	return nil, err
}

// search walks nonce, nonce+stride, ... until a digest meets t.
func search(ctx context.Context, header []byte, nonce, stride uint64, t *big.Int) (*Proof, error) {
	buf := make([]byte, len(header), len(header)+8)
	copy(buf, header)
	v := new(big.Int)
	for i := uint64(0); ; i++ {
		if i&cancelCheckMask == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		digest := crypto.Hash(binary.LittleEndian.AppendUint64(buf[:len(header)], nonce))
		if v.SetBytes(digest[:]).Cmp(t) <= 0 {
			proof := &Proof{Nonce: nonce, Solution: types.HexBytes(digest.Bytes()), Algo: block.AlgoBlake3}
			t.FillBytes(proof.Target[:])
			return proof, nil
		}
		if nonce > math.MaxUint64-stride {
			return nil, ErrNonceExhausted
		}
		nonce += stride
	}
}
