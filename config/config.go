// Package config holds node settings and the genesis description.
//
// Genesis (protocol rules) must be identical on every node of a network.
// Config (node settings) is local: ports, peers, mining, storage, logging.
// Each Config field tagged `conf:"key"` can be set from the config file as
// "key = value" and from the matching command-line flag.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType names a network: mainnet, testnet or devnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Devnet  NetworkType = "devnet"
)

const (
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
)

// Config is the runtime configuration of one node.
type Config struct {
	Network     NetworkType `conf:"network"`
	DataDir     string      `conf:"datadir"`
	GenesisFile string      `conf:"genesis"` // empty = built-in genesis of Network

	P2P     P2PConfig
	RPC     RPCConfig
	Mining  MiningConfig
	Sync    SyncConfig
	Storage StorageConfig
	Log     LogConfig
}

type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"`
	ClearBans  bool     `conf:"p2p.clearbans"`
}

type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"` // addresses or CIDRs; empty = any
	CORSOrigins []string `conf:"rpc.cors"`    // "*" = any origin
}

// MiningConfig controls whether and how this node produces blocks. The
// proof-of-work rules themselves come from genesis.
type MiningConfig struct {
	Enabled      bool   `conf:"mining.enabled"`
	First        bool   `conf:"mining.first"` // start mining without an initial sync
	Threads      int    `conf:"mining.threads"`
	KeyFile      string `conf:"mining.keyfile"`
	PasswordFile string `conf:"mining.password_file"`
	Dev          bool   `conf:"mining.dev"` // devnet pacing: random 1-4s per round
}

type SyncConfig struct {
	BatchSize int           `conf:"sync.batch_size"`
	Timeout   time.Duration `conf:"sync.timeout"`
	Margin    uint64        `conf:"sync.margin"`
}

type StorageConfig struct {
	Backend string `conf:"storage.backend"`
}

type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns ~/.klingpow on Unix, and the usual application
// data location on macOS and Windows.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingpow"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingPow")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingPow")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingPow")
	}
	return filepath.Join(home, ".klingpow")
}

// ChainDataDir is <datadir>/<network>.
func (c *Config) ChainDataDir() string { return filepath.Join(c.DataDir, string(c.Network)) }

func (c *Config) BlocksDir() string { return filepath.Join(c.ChainDataDir(), "chaindata") }
func (c *Config) KeystoreDir() string { return filepath.Join(c.ChainDataDir(), "keystore") }
func (c *Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }
func (c *Config) ConfigFile() string { return filepath.Join(c.DataDir, "klingpow.conf") }
