package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects settings the node cannot run with. It lower-cases the
// storage backend and fills in badger when none is set.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, ok := defaultPorts[cfg.Network]; !ok {
		return fmt.Errorf("network must be %q, %q or %q", Mainnet, Testnet, Devnet)
	}

	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(cfg.P2P.Port < 0 || cfg.P2P.Port > 65535, "p2p.port %d out of range", cfg.P2P.Port)
	check(cfg.RPC.Port < 0 || cfg.RPC.Port > 65535, "rpc.port %d out of range", cfg.RPC.Port)
	check(cfg.P2P.MaxPeers < 0, "p2p.maxpeers must not be negative")
	check(cfg.Sync.BatchSize < 1 || cfg.Sync.BatchSize > 100, "sync.batch_size must be in [1, 100]")
	check(cfg.Sync.Timeout <= 0, "sync.timeout must be positive")
	check(cfg.Mining.Threads < 0, "mining.threads must not be negative")

	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = BackendBadger
	case BackendBadger, BackendLevelDB:
	default:
		check(true, "storage.backend must be %q or %q", BackendBadger, BackendLevelDB)
	}
	return errors.Join(errs...)
}
