package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadFile_Parse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klingpow.conf")
	content := `# comment
network = testnet
p2p.seeds = /ip4/1.2.3.4/tcp/1/p2p/a, /ip4/5.6.7.8/tcp/2/p2p/b
mining.enabled = yes
sync.timeout = "3s"
storage.backend = LevelDB
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Network != Testnet {
		t.Errorf("network = %s, want testnet", cfg.Network)
	}
	if len(cfg.P2P.Seeds) != 2 {
		t.Errorf("seeds = %v, want 2 entries", cfg.P2P.Seeds)
	}
	if !cfg.Mining.Enabled {
		t.Error("mining.enabled should be true")
	}
	if cfg.Sync.Timeout != 3*time.Second {
		t.Errorf("sync.timeout = %s, want 3s", cfg.Sync.Timeout)
	}
	if cfg.Storage.Backend != BackendLevelDB {
		t.Errorf("storage.backend = %q, want leveldb", cfg.Storage.Backend)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected empty map, got %v", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	if err := os.WriteFile(path, []byte("just-a-key\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for line without '='")
	}
}

func TestApplyFileConfig_BadNumber(t *testing.T) {
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, map[string]string{"sync.batch_size": "ten"}); err == nil {
		t.Error("expected error for non-numeric batch size")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"devnet", func(c *Config) { c.Network = Devnet }, false},
		{"unknown network", func(c *Config) { c.Network = "regtest" }, true},
		{"bad port", func(c *Config) { c.P2P.Port = 70000 }, true},
		{"bad backend", func(c *Config) { c.Storage.Backend = "bolt" }, true},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, true},
		{"zero timeout", func(c *Config) { c.Sync.Timeout = 0 }, true},
		{"negative threads", func(c *Config) { c.Mining.Threads = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMainnet()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Set(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(c *Config) bool
	}{
		{"p2p.port", "9000", func(c *Config) bool { return c.P2P.Port == 9000 }},
		{"p2p.nodiscover", "on", func(c *Config) bool { return c.P2P.NoDiscover }},
		{"rpc.allowed", "10.0.0.0/8, ,::1", func(c *Config) bool {
			return len(c.RPC.AllowedIPs) == 2 && c.RPC.AllowedIPs[1] == "::1"
		}},
		{"sync.margin", "3", func(c *Config) bool { return c.Sync.Margin == 3 }},
		{"sync.timeout", "250ms", func(c *Config) bool { return c.Sync.Timeout == 250*time.Millisecond }},
		{"mine", "1", func(c *Config) bool { return c.Mining.Enabled }},
		{"network", "devnet", func(c *Config) bool { return c.Network == Devnet }},
		{"genesis", "/tmp/g.json", func(c *Config) bool { return c.GenesisFile == "/tmp/g.json" }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := DefaultMainnet()
			if err := cfg.Set(tt.key, tt.value); err != nil {
				t.Fatalf("Set(%q, %q): %v", tt.key, tt.value, err)
			}
			if !tt.check(cfg) {
				t.Errorf("Set(%q, %q) not applied", tt.key, tt.value)
			}
		})
	}
}

func TestConfig_SetErrors(t *testing.T) {
	cfg := DefaultMainnet()
	if err := cfg.Set("p2p.colour", "blue"); !errors.Is(err, errUnknownKey) {
		t.Errorf("unknown key: err = %v, want errUnknownKey", err)
	}
	if err := cfg.Set("sync.margin", "-1"); err == nil {
		t.Error("negative uint should fail")
	}
	if err := ApplyFileConfig(cfg, map[string]string{"future.option": "x"}); err != nil {
		t.Errorf("unknown file keys should be ignored: %v", err)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	for _, net := range []NetworkType{Mainnet, Testnet, Devnet} {
		t.Run(string(net), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "klingpow.conf")
			if err := WriteDefaultConfig(path, net); err != nil {
				t.Fatalf("WriteDefaultConfig: %v", err)
			}
			values, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			cfg := Default(net)
			for key, value := range values {
				if err := cfg.Set(key, value); err != nil {
					t.Errorf("generated key %q: %v", key, err)
				}
			}
			if !reflect.DeepEqual(cfg, Default(net)) {
				t.Errorf("generated file does not reproduce %s defaults", net)
			}
		})
	}
}

func parseTestFlags(t *testing.T, args ...string) *Flags {
	t.Helper()
	fs := pflag.NewFlagSet("klingpowd", pflag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return f
}

func TestBuild_Precedence(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "custom.conf")
	if err := os.WriteFile(confPath, []byte("rpc.port = 5000\nmining.threads = 4\nmining.enabled = true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	flags := parseTestFlags(t, "--devnet", "--datadir", dir, "-c", confPath, "--threads", "2")
	cfg, err := Build(flags)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.Network != Devnet {
		t.Errorf("network = %s, want devnet", cfg.Network)
	}
	if cfg.RPC.Port != 5000 {
		t.Errorf("rpc.port = %d, want file value 5000", cfg.RPC.Port)
	}
	if cfg.Mining.Threads != 2 {
		t.Errorf("mining.threads = %d, want flag value 2", cfg.Mining.Threads)
	}
	if !cfg.Mining.Enabled {
		t.Error("unset --mine flag overrode the file")
	}
	if _, err := os.Stat(cfg.BlocksDir()); err != nil {
		t.Errorf("blocks dir not created: %v", err)
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Errorf("default config not written: %v", err)
	}
}

func TestBuild_Rejects(t *testing.T) {
	dir := t.TempDir()
	if _, err := Build(parseTestFlags(t, "--datadir", dir, "--network", "regtest")); err == nil {
		t.Error("unknown network should fail")
	}
	if _, err := Build(parseTestFlags(t, "--datadir", dir, "--db-backend", "bolt")); err == nil {
		t.Error("unknown backend should fail")
	}
	if _, err := Build(parseTestFlags(t, "--datadir", dir, "--rpc=false", "--p2p-port", "99999")); err == nil {
		t.Error("out-of-range port should fail")
	}
}
