// Package types holds the primitive value types shared by every layer.
package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

const HashSize = 32

var ErrHashLength = errors.New("hash must be 32 bytes")

// Hash is a 256-bit digest: block ids, transaction ids and merkle roots.
// It orders as a big-endian integer and encodes as lowercase hex in JSON.
type Hash [HashSize]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short is the first 8 bytes in hex, for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:8]) }

// Bytes returns a copy of h.
func (h Hash) Bytes() []byte { return bytes.Clone(h[:]) }

func (h Hash) Compare(o Hash) int { return bytes.Compare(h[:], o[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return hex.AppendEncode(nil, h[:]), nil
}

// UnmarshalText accepts 64 hex digits; empty text is the zero hash.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = Hash{}
		return nil
	}
	parsed, err := HexToHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func HexToHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hash hex: %w", err)
	}
	return BytesToHash(b)
}

func BytesToHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w, got %d", ErrHashLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}
