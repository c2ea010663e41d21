// klingpowd runs a Klingnet PoW full node.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/node"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "klingpowd",
		Short:   "Klingnet PoW full node",
		Version: config.Version,
		Args:    cobra.NoArgs,
		Example: `  # Mainnet node
  klingpowd

  # First miner of a fresh devnet
  klingpowd --devnet --mine --first --miner-key=~/.klingpow/miner.key

  # Leave solving to external miners
  klingpowd --mine --threads=0 --miner-key=~/.klingpow/miner.key
  klingpow-miner --rpc http://127.0.0.1:4251 --threads 8`,
		SilenceUsage: true,
	}
	flags := config.RegisterFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return run(cmd, flags)
	}
	return cmd
}

func run(cmd *cobra.Command, flags *config.Flags) error {
	cfg, err := config.Build(flags)
	if err != nil {
		return err
	}
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		n.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	n.Stop()
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
