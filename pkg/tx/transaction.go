// Package tx defines transaction types and validation.
//
// A transaction is an account-sequenced payload: the sender signs
// (sequence, payload) and the ledger keeps it only when the sequence is
// the next one expected for that sender.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-pow/pkg/crypto"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

// Transaction represents a signed ledger transaction.
type Transaction struct {
	Sender    []byte `json:"sender"`
	Sequence  uint64 `json:"sequence"`
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// txJSON is the JSON representation of Transaction with hex-encoded byte fields.
type txJSON struct {
	Sender    string `json:"sender"`
	Sequence  uint64 `json:"sequence"`
	Payload   string `json:"payload"`
	Signature string `json:"signature,omitempty"`
}

// MarshalJSON encodes the transaction with hex-encoded byte fields.
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(txJSON{
		Sender:    hex.EncodeToString(tx.Sender),
		Sequence:  tx.Sequence,
		Payload:   hex.EncodeToString(tx.Payload),
		Signature: hex.EncodeToString(tx.Signature),
	})
}

// UnmarshalJSON decodes a transaction with hex-encoded byte fields.
func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	var err error
	if tx.Sender, err = hex.DecodeString(j.Sender); err != nil {
		return err
	}
	if tx.Payload, err = hex.DecodeString(j.Payload); err != nil {
		return err
	}
	if tx.Signature, err = hex.DecodeString(j.Signature); err != nil {
		return err
	}
	tx.Sequence = j.Sequence
	return nil
}

// Hash computes the transaction ID (BLAKE3 hash of the signing bytes).
// The signature is excluded.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: sender_len(1) | sender | sequence(8) | payload_len(4) | payload
func (tx *Transaction) SigningBytes() []byte {
	buf := make([]byte, 0, 1+len(tx.Sender)+8+4+len(tx.Payload))
	buf = append(buf, byte(len(tx.Sender)))
	buf = append(buf, tx.Sender...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Sequence)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Payload)))
	buf = append(buf, tx.Payload...)
	return buf
}

// Size returns the serialized size used for block size accounting.
func (tx *Transaction) Size() int {
	return len(tx.SigningBytes()) + len(tx.Signature)
}

// New builds and signs a transaction.
func New(signer crypto.Signer, sequence uint64, payload []byte) (*Transaction, error) {
	t := &Transaction{
		Sender:   signer.PublicKey(),
		Sequence: sequence,
		Payload:  payload,
	}
	h := t.Hash()
	sig, err := signer.Sign(h)
	if err != nil {
		return nil, err
	}
	t.Signature = sig
	return t, nil
}
