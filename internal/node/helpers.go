package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-pow/internal/keystore"
	"github.com/Klingon-tech/klingnet-pow/internal/p2p"
	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadMinerKey reads the miner key file. An encrypted file needs a
// password file; a plain hex file needs none.
func loadMinerKey(keyFile, passwordFile string) (*crypto.PrivateKey, error) {
	var password []byte
	if passwordFile != "" {
		pw, err := keystore.ReadPasswordFile(expandHome(passwordFile))
		if err != nil {
			return nil, err
		}
		password = pw
	}
	return keystore.Load(expandHome(keyFile), password)
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}

// loopback delivers our own mined blocks straight to the chain when the
// node runs without a network.
type loopback struct {
	blocks chan<- *block.Block
	done   <-chan struct{}
}

func (l *loopback) Broadcast(msg *p2p.Message, _ []peer.ID, self bool) error {
	if !self || msg.Type != p2p.MsgNewBlock {
		return nil
	}
	var nb p2p.NewBlock
	if err := msg.Decode(&nb); err != nil {
		return err
	}
	select {
	case l.blocks <- nb.Block:
		return nil
	case <-l.done:
		return fmt.Errorf("node stopped")
	}
}
