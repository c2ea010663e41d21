package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Version is the node software version.
const Version = "0.1.0"

// flagBinding ties a command-line flag to the config key it overrides.
type flagBinding struct {
	name  string
	key   string
	def   any // bool, int, string or time.Duration; sets the flag type
	usage string
}

var nodeFlags = []flagBinding{
	{"genesis", "genesis", "", "Genesis JSON file (default: built-in for the network)"},

	{"p2p", "p2p.enabled", true, "Enable P2P networking"},
	{"p2p-port", "p2p.port", 0, "P2P listen port (mainnet 31303, testnet 31304)"},
	{"seeds", "p2p.seeds", "", "Seed nodes as comma-separated libp2p multiaddrs"},
	{"maxpeers", "p2p.maxpeers", 0, "Maximum number of peers (default 50)"},
	{"nodiscover", "p2p.nodiscover", false, "Disable DHT and mDNS discovery"},
	{"dht-server", "p2p.dhtserver", false, "Run the DHT in server mode (seed nodes)"},
	{"clear-bans", "p2p.clearbans", false, "Clear all peer bans on startup"},

	{"rpc", "rpc.enabled", true, "Enable the RPC server"},
	{"rpc-addr", "rpc.addr", "", "RPC listen address (default 127.0.0.1)"},
	{"rpc-port", "rpc.port", 0, "RPC port (mainnet 4251, testnet 4351)"},
	{"rpc-allowed", "rpc.allowed", "", "Addresses or CIDRs allowed to use RPC (comma-separated)"},
	{"rpc-cors", "rpc.cors", "", "Allowed CORS origins (comma-separated)"},

	{"mine", "mining.enabled", false, "Enable block production"},
	{"first", "mining.first", false, "First node of the network: mine without syncing"},
	{"threads", "mining.threads", 0, "In-process solver threads (0 = external miners only)"},
	{"miner-key", "mining.keyfile", "", "Path to the miner private key"},
	{"miner-password-file", "mining.password_file", "", "Password file for an encrypted miner key"},
	{"dev-mine", "mining.dev", false, "Random 1-4s delay per mining round"},

	{"sync-batch", "sync.batch_size", 0, "Blocks per sync request (default 10)"},
	{"sync-timeout", "sync.timeout", time.Duration(0), "Timeout for one sync request (default 10s)"},

	{"db-backend", "storage.backend", "", "Storage backend: badger or leveldb"},

	{"log-level", "log.level", "", "Log level: debug, info, warn, error"},
	{"log-file", "log.file", "", "Log file, rotated at 10 MB"},
	{"log-json", "log.json", false, "Write logs as JSON"},
}

// Flags holds the options that pick where configuration comes from, plus
// the flag set carrying per-setting overrides.
type Flags struct {
	Network string
	Testnet bool
	Devnet  bool
	DataDir string
	Config  string

	fs *pflag.FlagSet
}

// RegisterFlags adds the node's flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.Network, "network", "", "Network: mainnet, testnet or devnet")
	fs.BoolVar(&f.Testnet, "testnet", false, "Shorthand for --network=testnet")
	fs.BoolVar(&f.Devnet, "devnet", false, "Shorthand for --network=devnet")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory (default "+DefaultDataDir()+")")
	fs.StringVarP(&f.Config, "config", "c", "", "Config file (default <datadir>/klingpow.conf)")

	for _, b := range nodeFlags {
		switch d := b.def.(type) {
		case bool:
			fs.Bool(b.name, d, b.usage)
		case int:
			fs.Int(b.name, d, b.usage)
		case string:
			fs.String(b.name, d, b.usage)
		case time.Duration:
			fs.Duration(b.name, d, b.usage)
		default:
			panic(fmt.Sprintf("config: flag %s has unsupported type %T", b.name, d))
		}
	}
	return f
}

// network resolves the network flags; "" selects mainnet.
func (f *Flags) network() (NetworkType, error) {
	switch {
	case f.Devnet:
		return Devnet, nil
	case f.Testnet:
		return Testnet, nil
	}
	switch n := NetworkType(strings.ToLower(f.Network)); n {
	case "":
		return Mainnet, nil
	case Mainnet, Testnet, Devnet:
		return n, nil
	default:
		return "", fmt.Errorf("unknown network %q", f.Network)
	}
}

// Apply copies every explicitly set override flag onto cfg.
func (f *Flags) Apply(cfg *Config) error {
	var errs []error
	for _, b := range nodeFlags {
		fl := f.fs.Lookup(b.name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := cfg.Set(b.key, fl.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

// Build assembles the node configuration. Later sources win: network
// defaults, then the config file, then flags. The data directories and a
// default config file are created on first run.
func Build(f *Flags) (*Config, error) {
	network, err := f.network()
	if err != nil {
		return nil, err
	}
	cfg := Default(network)
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	path := f.Config
	if path == "" {
		path = cfg.ConfigFile()
	}
	values, err := LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, values); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}
	if err := f.Apply(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory tree and, if none exists, a
// default config file. It is safe to call on every start.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.BlocksDir(), cfg.KeystoreDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	path := cfg.ConfigFile()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefaultConfig(path, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
