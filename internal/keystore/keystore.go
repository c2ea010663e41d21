// Package keystore reads and writes the miner's signing key.
//
// A key file is either the raw key as 64 hex characters, or the key
// encrypted under a password:
//
//	salt(32) | memory(4) | iterations(4) | parallelism(1) | nonce(24) | ciphertext
//
// The encryption key is derived with Argon2id and the key is sealed with
// XChaCha20-Poly1305.
package keystore

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltSize is the Argon2id salt length.
const SaltSize = 32

const paramsSize = SaltSize + 4 + 4 + 1

// Keystore errors.
var (
	ErrWrongPassword = errors.New("wrong password or corrupt key file")
	ErrTooShort      = errors.New("encrypted key file too short")
	ErrNeedPassword  = errors.New("key file is encrypted, password required")
)

// Params are the Argon2id cost parameters.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the cost used for new key files.
func DefaultParams() Params {
	return Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

func deriveKey(password, salt []byte, p Params) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Encrypt seals data under password.
func Encrypt(data, password []byte, p Params) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(password, salt, p)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, paramsSize+len(nonce)+len(data)+aead.Overhead())
	out = append(out, salt...)
	out = binary.LittleEndian.AppendUint32(out, p.Memory)
	out = binary.LittleEndian.AppendUint32(out, p.Iterations)
	out = append(out, p.Parallelism)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(blob, password []byte) ([]byte, error) {
	nonceEnd := paramsSize + chacha20poly1305.NonceSizeX
	if len(blob) < nonceEnd+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(blob))
	}
	p := Params{
		Memory:      binary.LittleEndian.Uint32(blob[SaltSize:]),
		Iterations:  binary.LittleEndian.Uint32(blob[SaltSize+4:]),
		Parallelism: blob[SaltSize+8],
	}
	key := deriveKey(password, blob[:SaltSize], p)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plain, err := aead.Open(nil, blob[paramsSize:nonceEnd], blob[nonceEnd:], nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plain, nil
}

// Save writes key to path, encrypted when password is non-empty.
func Save(path string, key *crypto.PrivateKey, password []byte, p Params) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	raw := key.Serialize()
	defer zero(raw)

	var data []byte
	if len(password) == 0 {
		data = []byte(hex.EncodeToString(raw) + "\n")
	} else {
		var err error
		if data, err = Encrypt(raw, password, p); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Load reads the key at path. Plain hex files ignore password.
func Load(path string, password []byte) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if text := bytes.TrimSpace(data); len(text) == 64 {
		if key, err := crypto.PrivateKeyFromHex(string(text)); err == nil {
			return key, nil
		}
	}
	if len(password) == 0 {
		return nil, ErrNeedPassword
	}
	raw, err := Decrypt(data, password)
	if err != nil {
		return nil, err
	}
	defer zero(raw)
	return crypto.PrivateKeyFromBytes(raw)
}

// ReadPasswordFile returns the first line of a password file.
func ReadPasswordFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read password file: %w", err)
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return bytes.TrimRight(data, "\r"), nil
}
