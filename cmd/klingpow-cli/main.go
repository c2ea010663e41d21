// klingpow-cli is a command-line client for interacting with a klingpowd node.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/keystore"
	"github.com/Klingon-tech/klingnet-pow/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/spf13/cobra"
)

var (
	rpcURL  string
	dataDir string
	network string
)

var rootCmd = &cobra.Command{
	Use:           "klingpow-cli",
	Short:         "Command-line client for a klingpowd node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&rpcURL, "rpc", "http://127.0.0.1:4251", "RPC endpoint")
	rootCmd.PersistentFlags().StringVar(&dataDir, "datadir", config.DefaultDataDir(), "Data directory")
	rootCmd.PersistentFlags().StringVar(&network, "network", string(config.Mainnet), "mainnet, testnet or devnet")

	rootCmd.AddCommand(statusCmd, blockCmd, headsCmd, mempoolCmd, peersCmd, bansCmd, txCmd, keyCmd)
	txCmd.AddCommand(txSendCmd)
	keyCmd.AddCommand(keyGenerateCmd, keyShowCmd)

	txSendCmd.Flags().String("key", "", "Sender key file")
	txSendCmd.Flags().String("password-file", "", "Password file for an encrypted key")
	txSendCmd.Flags().Uint64("seq", 0, "Sender sequence number")
	txSendCmd.Flags().String("payload", "", "Payload as a UTF-8 string")
	txSendCmd.Flags().String("payload-hex", "", "Payload as hex")
	txSendCmd.MarkFlagRequired("key")

	keyGenerateCmd.Flags().String("out", "", "Output path (default <datadir>/<network>/keystore/miner.key)")
	keyGenerateCmd.Flags().Bool("encrypt", false, "Encrypt the key with a password")
	keyShowCmd.Flags().String("password-file", "", "Password file for an encrypted key")

	if err := rootCmd.Execute(); err != nil {
		fatal("%v", err)
	}
}

func client() *rpcclient.Client {
	return rpcclient.New(rpcURL)
}

// ── status ──────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chain status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := client()
		info, err := c.ChainInfo(cmd.Context())
		if err != nil {
			return fmt.Errorf("chain_getInfo: %w", err)
		}
		peers, err := c.Peers(cmd.Context())
		if err != nil {
			return fmt.Errorf("net_getPeerInfo: %w", err)
		}

		fmt.Printf("Chain:   %s\n", info.ChainID)
		fmt.Printf("Role:    %s\n", info.Role)
		fmt.Printf("Height:  %d\n", info.Height)
		fmt.Printf("Root:    %s\n", info.Root)
		fmt.Printf("Tail:    %s (height %d)\n", info.Tail, info.TailHeight)
		fmt.Printf("Heads:   %d\n", len(info.Heads))
		fmt.Printf("Orphans: %d\n", info.Orphans)
		fmt.Printf("Peers:   %d\n", peers.Count)
		return nil
	},
}

// ── block ───────────────────────────────────────────────────────────────

var blockCmd = &cobra.Command{
	Use:   "block <hash|height>",
	Short: "Show block details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blk, err := client().Block(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("block %s: %w", args[0], err)
		}
		return printJSON(blk)
	},
}

var headsCmd = &cobra.Command{
	Use:   "heads",
	Short: "List tracked branch tips",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := client().Heads(cmd.Context())
		if err != nil {
			return fmt.Errorf("chain_getHeads: %w", err)
		}
		for _, h := range res.Heads {
			marker := " "
			if h.Main {
				marker = "*"
			}
			fmt.Printf("%s %8d  %s\n", marker, h.Height, h.Hash)
		}
		return nil
	},
}

// ── mempool / network ───────────────────────────────────────────────────

var mempoolCmd = &cobra.Command{
	Use:   "mempool",
	Short: "Show mempool stats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := client().Mempool(cmd.Context())
		if err != nil {
			return fmt.Errorf("mempool_getInfo: %w", err)
		}
		fmt.Printf("Transactions: %d\n", res.Count)
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show connected peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := client().Peers(cmd.Context())
		if err != nil {
			return fmt.Errorf("net_getPeerInfo: %w", err)
		}
		fmt.Printf("Peers: %d\n", res.Count)
		for _, p := range res.Peers {
			fmt.Printf("  %s  since %s  %s\n", p.ID, p.ConnectedAt, p.Source)
		}
		return nil
	},
}

var bansCmd = &cobra.Command{
	Use:   "bans",
	Short: "Show banned peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := client().Bans(cmd.Context())
		if err != nil {
			return fmt.Errorf("net_getBanList: %w", err)
		}
		return printJSON(res)
	},
}

// ── tx ──────────────────────────────────────────────────────────────────

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Transaction commands",
}

var txSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign a payload and submit it to the node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		keyFile, _ := cmd.Flags().GetString("key")
		pwFile, _ := cmd.Flags().GetString("password-file")
		seq, _ := cmd.Flags().GetUint64("seq")
		text, _ := cmd.Flags().GetString("payload")
		payloadHex, _ := cmd.Flags().GetString("payload-hex")

		payload := []byte(text)
		if payloadHex != "" {
			var err error
			if payload, err = hex.DecodeString(payloadHex); err != nil {
				return fmt.Errorf("invalid --payload-hex: %w", err)
			}
		}

		key, err := loadKey(keyFile, pwFile)
		if err != nil {
			return err
		}
		defer key.Zero()

		t, err := tx.New(key, seq, payload)
		if err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}
		hash, err := client().SubmitTx(cmd.Context(), t)
		if err != nil {
			return fmt.Errorf("tx_submit: %w", err)
		}
		fmt.Printf("Submitted: %s\n", hash)
		return nil
	},
}

// ── key ─────────────────────────────────────────────────────────────────

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Miner and sender key management",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new key file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, _ := cmd.Flags().GetString("out")
		encrypt, _ := cmd.Flags().GetBool("encrypt")
		if out == "" {
			out = filepath.Join(dataDir, network, "keystore", "miner.key")
		}
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists", out)
		}

		var password []byte
		if encrypt {
			pw, err := keystore.PromptPassword("New password: ")
			if err != nil {
				return err
			}
			confirm, err := keystore.PromptPassword("Repeat password: ")
			if err != nil {
				return err
			}
			if string(pw) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}
			password = pw
		}

		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		defer key.Zero()
		if err := keystore.Save(out, key, password, keystore.DefaultParams()); err != nil {
			return err
		}
		fmt.Printf("Key file:   %s\n", out)
		fmt.Printf("Public key: %s\n", hex.EncodeToString(key.PublicKey()))
		return nil
	},
}

var keyShowCmd = &cobra.Command{
	Use:   "show <keyfile>",
	Short: "Print the public key of a key file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pwFile, _ := cmd.Flags().GetString("password-file")
		key, err := loadKey(args[0], pwFile)
		if err != nil {
			return err
		}
		defer key.Zero()
		fmt.Println(hex.EncodeToString(key.PublicKey()))
		return nil
	},
}

// loadKey opens a key file, prompting for a password when the file is
// encrypted and no password file was given.
func loadKey(path, passwordFile string) (*crypto.PrivateKey, error) {
	var password []byte
	if passwordFile != "" {
		pw, err := keystore.ReadPasswordFile(passwordFile)
		if err != nil {
			return nil, err
		}
		password = pw
	}
	key, err := keystore.Load(path, password)
	if errors.Is(err, keystore.ErrNeedPassword) {
		pw, perr := keystore.PromptPassword("Password: ")
		if perr != nil {
			return nil, perr
		}
		key, err = keystore.Load(path, pw)
	}
	return key, err
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
