// klingpow-miner solves proof-of-work puzzles for a klingpowd node over
// JSON-RPC.
//
// Usage:
//
//	klingpow-miner --rpc=http://127.0.0.1:4251 --threads=4
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	rpcURL   string
	threads  int
	poll     time.Duration
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "klingpow-miner",
	Short:        "External proof-of-work solver for klingpowd",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := klog.Init(logLevel, false, ""); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		m := &miner{
			client:  rpcclient.New(rpcURL),
			threads: threads,
			poll:    poll,
			logger:  klog.Miner,
		}
		m.logger.Info().Str("rpc", rpcURL).Int("threads", threads).Msg("Miner started")
		m.run(ctx)
		return nil
	},
}

func main() {
	rootCmd.Flags().StringVar(&rpcURL, "rpc", "http://127.0.0.1:4251", "Node RPC endpoint")
	rootCmd.Flags().IntVar(&threads, "threads", runtime.NumCPU(), "Solver threads")
	rootCmd.Flags().DurationVar(&poll, "poll", time.Second, "Interval between context polls")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type miner struct {
	client  *rpcclient.Client
	threads int
	poll    time.Duration
	logger  zerolog.Logger
}

func (m *miner) run(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := m.client.MiningContext(ctx)
		switch {
		case err != nil:
			m.logger.Warn().Err(err).Msg("Fetch mining context")
		case res.Context != nil:
			m.solve(ctx, res.Context, res.Target)
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(m.poll):
		}
	}
}

// solve searches for a proof until one is found or the node moves to a
// different puzzle.
func (m *miner) solve(ctx context.Context, mc *consensus.MineContext, target types.Hash) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.watch(sctx, cancel, mc.Header)

	start := time.Now()
	proof, err := consensus.Solve(sctx, mc.Header, mc.Nonce, target, m.threads)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Warn().Err(err).Msg("Solve failed")
		}
		return
	}
	accepted, err := m.client.SubmitSolution(ctx, mc, proof)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Submit solution")
		return
	}
	m.logger.Info().
		Bool("accepted", accepted).
		Uint64("nonce", proof.Nonce).
		Dur("elapsed", time.Since(start)).
		Msg("Solution submitted")
}

// watch cancels the search once the node's puzzle no longer matches header.
func (m *miner) watch(ctx context.Context, cancel context.CancelFunc, header []byte) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.client.MiningContext(ctx)
			if err != nil {
				continue
			}
			if res.Context == nil || !bytes.Equal(res.Context.Header, header) {
				m.logger.Debug().Msg("Puzzle changed; abandoning search")
				cancel()
				return
			}
		}
	}
}
