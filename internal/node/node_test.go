package node

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/internal/keystore"
	klog "github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/Klingon-tech/klingnet-pow/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.klingpow/miner.key", filepath.Join(home, ".klingpow/miner.key")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestLoadMinerKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	dir := t.TempDir()
	params := keystore.Params{Memory: 1024, Iterations: 1, Parallelism: 1}

	plain := filepath.Join(dir, "plain.key")
	if err := keystore.Save(plain, key, nil, params); err != nil {
		t.Fatal(err)
	}
	sealed := filepath.Join(dir, "sealed.key")
	if err := keystore.Save(sealed, key, []byte("pw"), params); err != nil {
		t.Fatal(err)
	}
	pwFile := filepath.Join(dir, "pw")
	if err := os.WriteFile(pwFile, []byte("pw\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		keyFile string
		pwFile  string
		wantErr error
	}{
		{"plain hex", plain, "", nil},
		{"encrypted", sealed, pwFile, nil},
		{"encrypted without password", sealed, "", keystore.ErrNeedPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadMinerKey(tt.keyFile, tt.pwFile)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadMinerKey: %v", err)
			}
			if string(got.PublicKey()) != string(key.PublicKey()) {
				t.Error("loaded a different key")
			}
		})
	}

	if _, err := loadMinerKey(filepath.Join(dir, "missing"), ""); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuild_MiningRequiresKey(t *testing.T) {
	klog.Init("error", false, "")
	cfg := offlineConfig(t)
	cfg.Mining.Enabled = true
	cfg.Mining.KeyFile = ""
	if _, err := build(cfg, config.DevnetGenesis(), storage.NewMemory()); err == nil {
		t.Fatal("expected error without a miner key")
	}
}

// offlineConfig is a devnet config with networking and RPC off.
func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultDevnet()
	cfg.DataDir = t.TempDir()
	cfg.P2P.Enabled = false
	cfg.RPC.Enabled = false
	cfg.Mining.Dev = false
	return cfg
}

func TestNode_OfflineMining(t *testing.T) {
	klog.Init("error", false, "")

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := offlineConfig(t)
	cfg.Mining.Enabled = true
	cfg.Mining.Threads = 1
	cfg.Mining.KeyFile = filepath.Join(cfg.DataDir, "miner.key")
	if err := keystore.Save(cfg.Mining.KeyFile, key, nil, keystore.DefaultParams()); err != nil {
		t.Fatal(err)
	}
	cfg.RPC.Enabled = true
	cfg.RPC.Port = 0
	cfg.RPC.AllowedIPs = nil

	n, err := build(cfg, config.DevnetGenesis(), storage.NewMemory())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for n.Height() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("height = %d after 10s, want >= 3", n.Height())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !n.Chain().IsRunning() {
		t.Error("offline node is not running")
	}

	client := rpcclient.New("http://" + n.RPCAddr())
	info, err := client.ChainInfo(context.Background())
	if err != nil {
		t.Fatalf("ChainInfo: %v", err)
	}
	if info.Height < 3 || info.Role != "running" {
		t.Errorf("chain_getInfo = height %d role %q, want >= 3 running", info.Height, info.Role)
	}
}

func TestNode_StopWhileMining(t *testing.T) {
	klog.Init("error", false, "")

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := offlineConfig(t)
	cfg.Mining.Enabled = true
	cfg.Mining.Threads = 2
	cfg.Mining.KeyFile = filepath.Join(cfg.DataDir, "miner.key")
	if err := keystore.Save(cfg.Mining.KeyFile, key, nil, keystore.DefaultParams()); err != nil {
		t.Fatal(err)
	}

	for i := range 5 {
		n, err := build(cfg, config.DevnetGenesis(), storage.NewMemory())
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := n.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		time.Sleep(time.Duration(i*5) * time.Millisecond)

		stopped := make(chan struct{})
		go func() {
			n.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			t.Fatal("Stop hung with a round in flight")
		}
		if !bytes.Equal(n.minerKey.Serialize(), make([]byte, crypto.PrivateKeySize)) {
			t.Error("miner key not zeroed after Stop")
		}
	}
}
