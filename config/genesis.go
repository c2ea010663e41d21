package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

const (
	// ConsensusPoW is the only consensus type this chain runs.
	ConsensusPoW = "pow"

	// ProtocolVersion is sent in the P2P handshake.
	ProtocolVersion uint32 = 1
)

// Size limits enforced by block and transaction validation.
const (
	MaxBlockSize   = 2_000_000 // header, certificate and every tx's signing bytes
	MaxBlockTxs    = 500
	MaxPayloadSize = 16_384
)

var (
	ErrNoChainID      = errors.New("chain_id is required")
	ErrConsensusType  = errors.New("unsupported consensus type")
	ErrZeroDifficulty = errors.New("difficulty must be positive")
	ErrBlockTime      = errors.New("block_time must be positive")
)

// Genesis describes a chain: its identity, its first block and the
// consensus rules every node must share. Changing it forks the network.
type Genesis struct {
	ChainID   string         `json:"chain_id"`
	ChainName string         `json:"chain_name"`
	Timestamp uint64         `json:"timestamp"`
	ExtraData string         `json:"extra_data,omitempty"`
	Protocol  ProtocolConfig `json:"protocol"`
}

type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
}

// ConsensusRules are the proof-of-work parameters.
type ConsensusRules struct {
	Type      string `json:"type"`
	BlockTime int    `json:"block_time"` // seconds; informational, difficulty is fixed

	// Difficulty bounds the target a block may claim:
	// max_target = (2^256 - 1) / Difficulty.
	Difficulty uint64 `json:"difficulty"`

	// DevMode accepts work-free dev proofs.
	DevMode bool `json:"dev_mode,omitempty"`
}

func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingpow-mainnet-1",
		ChainName: "Klingnet PoW Mainnet",
		Timestamp: 1790000000,
		ExtraData: "Klingnet PoW Genesis",
		Protocol: ProtocolConfig{Consensus: ConsensusRules{
			Type:       ConsensusPoW,
			BlockTime:  10,
			Difficulty: 1 << 20,
		}},
	}
}

func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID, g.ChainName = "klingpow-testnet-1", "Klingnet PoW Testnet"
	g.ExtraData = "Klingnet PoW Testnet Genesis"
	g.Protocol.Consensus.Difficulty = 1 << 12
	return g
}

// DevnetGenesis is a single-machine chain that takes dev proofs.
func DevnetGenesis() *Genesis {
	g := TestnetGenesis()
	g.ChainID, g.ChainName = "klingpow-devnet", "Klingnet PoW Devnet"
	g.ExtraData = "Klingnet PoW Devnet Genesis"
	g.Protocol.Consensus.Difficulty = 1
	g.Protocol.Consensus.DevMode = true
	return g
}

// GenesisFor returns the built-in genesis of network; unknown networks get
// mainnet's.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	case Devnet:
		return DevnetGenesis()
	}
	return MainnetGenesis()
}

// Genesis returns the genesis the node runs: the file named by
// GenesisFile when set, the network's built-in one otherwise.
func (c *Config) Genesis() (*Genesis, error) {
	if c.GenesisFile == "" {
		return GenesisFor(c.Network), nil
	}
	return LoadGenesis(c.GenesisFile)
}

// LoadGenesis reads and validates a JSON genesis file. Unknown fields are
// rejected so a typo cannot silently fall back to a zero rule.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var g Genesis
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("parsing genesis file %s: %w", path, err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis %s: %w", path, err)
	}
	return &g, nil
}

// Save writes g as indented JSON, replacing path atomically.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".genesis-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (g *Genesis) Validate() error {
	rules := g.Protocol.Consensus
	switch {
	case g.ChainID == "":
		return ErrNoChainID
	case rules.Type != ConsensusPoW:
		return fmt.Errorf("%w: %q", ErrConsensusType, rules.Type)
	case rules.Difficulty == 0:
		return ErrZeroDifficulty
	case rules.BlockTime <= 0:
		return ErrBlockTime
	}
	return nil
}

// Hash identifies the chain; peers with a different genesis hash are
// refused at handshake.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
