package execution

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-pow/pkg/block"
	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// Account is the per-sender ledger entry.
type Account struct {
	Sequence uint64     `json:"sequence"`
	DataHash types.Hash `json:"data_hash"`
}

// State is the executed ledger state after a block.
type State struct {
	BlockID     types.Hash `json:"block_id"`
	ParentID    types.Hash `json:"parent_id"`
	Height      uint64     `json:"height"`
	Version     uint64     `json:"version"`
	Accumulator types.Hash `json:"accumulator"`
	// Accounts is keyed by the hex-encoded sender public key.
	Accounts map[string]Account `json:"accounts"`
}

// preGenesisState is the empty state every chain starts from.
func preGenesisState() *State {
	return &State{
		BlockID:  block.PreGenesisID,
		ParentID: block.PreGenesisID,
		Accounts: make(map[string]Account),
	}
}

// clone returns a deep copy of s.
func (s *State) clone() *State {
	c := *s
	c.Accounts = make(map[string]Account, len(s.Accounts))
	for k, v := range s.Accounts {
		c.Accounts[k] = v
	}
	return &c
}

// NextSequence returns the sequence the sender's next transaction must carry.
func (s *State) NextSequence(sender []byte) uint64 {
	acct, ok := s.Accounts[hex.EncodeToString(sender)]
	if !ok {
		return 0
	}
	return acct.Sequence + 1
}

// Root computes the merkle root over all accounts, sorted by sender.
// Returns a zero hash for an empty ledger.
func (s *State) Root() types.Hash {
	if len(s.Accounts) == 0 {
		return types.Hash{}
	}
	senders := make([]string, 0, len(s.Accounts))
	for k := range s.Accounts {
		senders = append(senders, k)
	}
	// Lowercase hex sorts the same as the raw bytes.
	sort.Strings(senders)

	leaves := make([]types.Hash, len(senders))
	for i, k := range senders {
		sender, _ := hex.DecodeString(k)
		leaves[i] = hashAccount(sender, s.Accounts[k])
	}
	return block.ComputeMerkleRoot(leaves)
}

// hashAccount produces the leaf hash of an account.
// Format: sender | sequence(8) | data_hash(32)
func hashAccount(sender []byte, a Account) types.Hash {
	buf := make([]byte, 0, len(sender)+8+types.HashSize)
	buf = append(buf, sender...)
	buf = binary.LittleEndian.AppendUint64(buf, a.Sequence)
	buf = append(buf, a.DataHash[:]...)
	return crypto.Hash(buf)
}

func encodeState(s *State) ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s.Accounts == nil {
		s.Accounts = make(map[string]Account)
	}
	return &s, nil
}
