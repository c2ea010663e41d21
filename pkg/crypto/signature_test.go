package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

func mustKey(t *testing.T) *PrivateKey {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestGenerateKey(t *testing.T) {
	key := mustKey(t)
	if !ValidPublicKey(key.PublicKey()) {
		t.Errorf("public key %x is not a valid compressed key", key.PublicKey())
	}
	if n := len(key.Serialize()); n != PrivateKeySize {
		t.Errorf("Serialize() = %d bytes, want %d", n, PrivateKeySize)
	}
	if bytes.Equal(key.Serialize(), mustKey(t).Serialize()) {
		t.Error("two generated keys are equal")
	}
}

func TestPrivateKeyDecoding(t *testing.T) {
	for _, n := range []int{0, 31, 33} {
		if _, err := PrivateKeyFromBytes(make([]byte, n)); !errors.Is(err, ErrKeyLength) {
			t.Errorf("%d bytes: err = %v, want ErrKeyLength", n, err)
		}
	}
	if _, err := PrivateKeyFromHex(strings.Repeat("z", 64)); err == nil {
		t.Error("non-hex key accepted")
	}

	key := mustKey(t)
	back, err := PrivateKeyFromHex(hex.EncodeToString(key.Serialize()))
	if err != nil {
		t.Fatalf("PrivateKeyFromHex: %v", err)
	}
	if !bytes.Equal(back.PublicKey(), key.PublicKey()) {
		t.Error("hex round trip changed the key")
	}
}

func TestSignVerify(t *testing.T) {
	key := mustKey(t)
	digest := Hash([]byte("certificate"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	flipped := bytes.Clone(sig)
	flipped[0] ^= 0x01
	tests := []struct {
		name   string
		digest types.Hash
		sig    []byte
		pub    []byte
		want   bool
	}{
		{"valid", digest, sig, key.PublicKey(), true},
		{"other digest", Hash([]byte("other")), sig, key.PublicKey(), false},
		{"other key", digest, sig, mustKey(t).PublicKey(), false},
		{"flipped bit", digest, flipped, key.PublicKey(), false},
		{"short sig", digest, sig[:63], key.PublicKey(), false},
		{"no sig", digest, nil, key.PublicKey(), false},
		{"no key", digest, sig, nil, false},
		{"garbage key", digest, sig, []byte("bad"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.digest, tt.sig, tt.pub); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidPublicKey(t *testing.T) {
	pub := mustKey(t).PublicKey()
	if ValidPublicKey(pub[:32]) {
		t.Error("truncated key accepted")
	}
	bad := bytes.Clone(pub)
	bad[0] = 0x05
	if ValidPublicKey(bad) {
		t.Error("bad prefix accepted")
	}
}

func TestPrivateKey_Zero(t *testing.T) {
	key := mustKey(t)
	key.Zero()
	if !bytes.Equal(key.Serialize(), make([]byte, PrivateKeySize)) {
		t.Error("secret survives Zero()")
	}
}
