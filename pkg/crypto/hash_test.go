package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

func TestHash_Vectors(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"hello", "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f"},
	}
	for _, tt := range tests {
		got := Hash([]byte(tt.in))
		if hex.EncodeToString(got[:]) != tt.want {
			t.Errorf("Hash(%q) = %x, want %s", tt.in, got, tt.want)
		}
	}
}

func TestHashConcat(t *testing.T) {
	a, b := Hash([]byte("left")), Hash([]byte("right"))

	want := Hash(append(append([]byte{}, a[:]...), b[:]...))
	if got := HashConcat(a, b); got != want {
		t.Errorf("HashConcat = %x, want Hash(a||b) = %x", got, want)
	}
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Error("HashConcat is order-independent")
	}
}

func TestHashNonce(t *testing.T) {
	header := []byte("header")
	tests := []struct {
		nonce uint64
		tail  []byte
	}{
		{0, make([]byte, 8)},
		{1, []byte{1, 0, 0, 0, 0, 0, 0, 0}},
		{0x0102030405060708, []byte{8, 7, 6, 5, 4, 3, 2, 1}},
	}
	seen := make(map[types.Hash]bool)
	for _, tt := range tests {
		got := HashNonce(header, tt.nonce)
		if want := Hash(bytes.Join([][]byte{header, tt.tail}, nil)); got != want {
			t.Errorf("HashNonce(%#x) = %x, want %x", tt.nonce, got, want)
		}
		if seen[got] {
			t.Errorf("HashNonce(%#x) repeats an earlier digest", tt.nonce)
		}
		seen[got] = true
	}
}
