package miner

import (
	"context"
	"errors"

	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	"github.com/Klingon-tech/klingnet-pow/internal/log"
)

// Puzzle is the coordinator as seen by a solver.
// *consensus.MineCoordinator implements it.
type Puzzle interface {
	CurrentContext() *consensus.MineContext
	AcceptSolution(ctx *consensus.MineContext, proof *consensus.Proof) bool
	Changed() <-chan struct{}
}

// Worker solves the coordinator's puzzles in-process. Work on a context
// is abandoned as soon as the coordinator moves on.
type Worker struct {
	puzzle  Puzzle
	pow     *consensus.PoW
	threads int
}

// NewWorker creates a solver. In dev mode (pow.DevMode) it answers every
// puzzle with a dev proof instead of searching.
func NewWorker(puzzle Puzzle, pow *consensus.PoW, threads int) *Worker {
	if threads < 1 {
		threads = 1
	}
	return &Worker{puzzle: puzzle, pow: pow, threads: threads}
}

// Run solves puzzles until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		changed := w.puzzle.Changed()
		mc := w.puzzle.CurrentContext()
		if mc != nil {
			w.solve(ctx, mc, changed)
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func (w *Worker) solve(ctx context.Context, mc *consensus.MineContext, changed <-chan struct{}) {
	var proof *consensus.Proof
	if w.pow.DevMode {
		proof = w.pow.DevProof(mc.Nonce)
	} else {
		sctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-changed:
				cancel()
			case <-sctx.Done():
			}
		}()
		var err error
		proof, err = consensus.Solve(sctx, mc.Header, mc.Nonce, w.pow.MaxTarget(), w.threads)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Miner.Warn().Err(err).Msg("Solver stopped")
			}
			return
		}
	}

	if w.puzzle.AcceptSolution(mc, proof) {
		log.Miner.Debug().
			Str("puzzle", mc.Header.String()).
			Uint64("nonce", proof.Nonce).
			Msg("Solution accepted")
	}
}
