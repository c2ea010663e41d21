package mempool

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-pow/config"
	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
)

// DefaultMaxTxSize bounds a transaction's signing bytes.
const DefaultMaxTxSize = 20_000

// Policy holds local admission limits. They run before signature checks,
// so oversize transactions cost nothing to refuse.
type Policy struct {
	MaxTxSize int // 0 = no local limit
}

func DefaultPolicy() Policy {
	return Policy{MaxTxSize: DefaultMaxTxSize}
}

func (p Policy) check(t *tx.Transaction) error {
	if n := len(t.Payload); n > config.MaxPayloadSize {
		return fmt.Errorf("payload is %d bytes, limit %d", n, config.MaxPayloadSize)
	}
	if p.MaxTxSize == 0 {
		return nil
	}
	if n := len(t.SigningBytes()); n > p.MaxTxSize {
		return fmt.Errorf("transaction is %d bytes, limit %d", n, p.MaxTxSize)
	}
	return nil
}
