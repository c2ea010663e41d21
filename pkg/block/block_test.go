package block

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// signedBlock builds a structurally valid, signed block at height 1.
func signedBlock(t *testing.T, key *crypto.PrivateKey, txs []*tx.Transaction) *Block {
	t.Helper()
	cert := &Certificate{
		ParentID:        types.Hash{0xaa},
		Height:          1,
		StateRoot:       types.Hash{0x01},
		AccumulatorRoot: types.Hash{0x02},
		Version:         2,
		Timestamp:       1700000000,
		MinerPubKey:     key.PublicKey(),
	}
	if err := cert.Sign(key); err != nil {
		t.Fatalf("cert sign: %v", err)
	}
	blk := Assemble(cert, txs)
	blk.Header.Algo = AlgoDev
	if err := blk.Sign(key); err != nil {
		t.Fatalf("block sign: %v", err)
	}
	return blk
}

func testKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestBlock_ValidateAndVerify(t *testing.T) {
	key := testKey(t)
	t1, err := tx.New(key, 0, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	blk := signedBlock(t, key, []*tx.Transaction{t1})
	if err := blk.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := blk.VerifySignatures(); err != nil {
		t.Fatalf("VerifySignatures: %v", err)
	}
}

func TestBlock_Validate_Errors(t *testing.T) {
	key := testKey(t)
	t1, _ := tx.New(key, 0, []byte("a"))

	tests := []struct {
		name   string
		mutate func(b *Block)
		want   error
	}{
		{"nil header", func(b *Block) { b.Header = nil }, ErrNilHeader},
		{"nil cert", func(b *Block) { b.Certificate = nil }, ErrNilCertificate},
		{"bad version", func(b *Block) { b.Header.Version = 9 }, ErrBadVersion},
		{"zero timestamp", func(b *Block) { b.Header.Timestamp = 0 }, ErrZeroTimestamp},
		{"cert hash", func(b *Block) { b.Certificate.StateRoot = types.Hash{0x09} }, ErrCertMismatch},
		{"height mismatch", func(b *Block) { b.Header.Height = 2 }, ErrCertMismatch},
		{"tx root", func(b *Block) { b.Header.TxRoot = types.Hash{0x07} }, ErrBadTxRoot},
		{"duplicate tx", func(b *Block) {
			b.Transactions = append(b.Transactions, b.Transactions[0])
		}, ErrDuplicateTx},
		{"genesis parent", func(b *Block) {
			b.Header.Height = 0
		}, ErrGenesisNotFirst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blk := signedBlock(t, key, []*tx.Transaction{t1})
			tt.mutate(blk)
			if err := blk.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBlock_VerifySignatures_Errors(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	blk := signedBlock(t, key, nil)
	blk.Header.Nonce++ // id changes, block signature no longer matches
	if err := blk.VerifySignatures(); !errors.Is(err, ErrBadBlockSig) {
		t.Errorf("tampered header: got %v, want ErrBadBlockSig", err)
	}

	blk = signedBlock(t, key, nil)
	blk.Certificate.MinerPubKey = other.PublicKey()
	if err := blk.VerifySignatures(); !errors.Is(err, ErrBadCertSig) {
		t.Errorf("swapped miner key: got %v, want ErrBadCertSig", err)
	}

	blk = signedBlock(t, key, nil)
	blk.Certificate.MinerPubKey = []byte{0x02}
	if err := blk.VerifySignatures(); !errors.Is(err, ErrBadMinerKey) {
		t.Errorf("short miner key: got %v, want ErrBadMinerKey", err)
	}
}

func TestHeader_HashCoversSeal(t *testing.T) {
	h := Header{Version: 1, Height: 5, Timestamp: 1}
	base := h.Hash()

	h.Nonce = 1
	if h.Hash() == base {
		t.Error("nonce should change the block id")
	}
	h.Nonce = 0
	h.Solution = []byte{1}
	if h.Hash() == base {
		t.Error("solution should change the block id")
	}
	h.Solution = nil
	h.Algo = AlgoBlake3
	if h.Hash() == base {
		t.Error("algo should change the block id")
	}
}

func TestPreGenesisID(t *testing.T) {
	for i, b := range PreGenesisID {
		if b != 0xff {
			t.Fatalf("PreGenesisID[%d] = %x, want ff", i, b)
		}
	}
}
