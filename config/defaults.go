package config

import "time"

const (
	DefaultSyncBatchSize = 10
	DefaultSyncTimeout   = 10 * time.Second
	DefaultSyncMargin    = 1
)

type ports struct{ p2p, rpc int }

var defaultPorts = map[NetworkType]ports{
	Mainnet: {31303, 4251},
	Testnet: {31304, 4351},
	Devnet:  {31305, 4451},
}

// Default returns the node defaults for network. Networks other than
// testnet and devnet get mainnet's.
func Default(network NetworkType) *Config {
	p, ok := defaultPorts[network]
	if !ok {
		network, p = Mainnet, defaultPorts[Mainnet]
	}
	cfg := &Config{
		Network: network,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       p.p2p,
			MaxPeers:   50,
			Seeds:      []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       p.rpc,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Mining:  MiningConfig{Threads: 1},
		Sync:    SyncConfig{BatchSize: DefaultSyncBatchSize, Timeout: DefaultSyncTimeout, Margin: DefaultSyncMargin},
		Storage: StorageConfig{Backend: BackendBadger},
		Log:     LogConfig{Level: "info"},
	}
	if network == Devnet {
		cfg.Mining.Dev = true
		cfg.Log.Level = "debug"
	}
	return cfg
}

func DefaultMainnet() *Config { return Default(Mainnet) }
func DefaultTestnet() *Config { return Default(Testnet) }
func DefaultDevnet() *Config { return Default(Devnet) }
