// Package mempool holds pending transactions until a block includes them.
package mempool

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-pow/pkg/tx"
	"github.com/Klingon-tech/klingnet-pow/pkg/types"
)

const DefaultMaxSize = 5000

var (
	ErrDuplicate  = errors.New("transaction already in mempool")
	ErrConflict   = errors.New("sender sequence already pending")
	ErrValidation = errors.New("transaction failed validation")
	ErrStale      = errors.New("transaction sequence already used")
)

// SequenceFunc returns the next sequence the chain expects from sender.
type SequenceFunc func(sender []byte) uint64

type pending struct {
	tx   *tx.Transaction
	hash types.Hash
	slot string
}

// Pool keeps transactions in arrival order. At most one transaction per
// (sender, sequence) slot is pending; a full pool drops its oldest entry.
type Pool struct {
	mu     sync.RWMutex
	order  *list.List // of *pending, oldest at the front
	byHash map[types.Hash]*list.Element
	bySlot map[string]*list.Element
	limit  int
	policy Policy
	seqFn  SequenceFunc
}

// New creates a pool for at most limit transactions; limit <= 0 selects
// DefaultMaxSize.
func New(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	return &Pool{
		order:  list.New(),
		byHash: make(map[types.Hash]*list.Element),
		bySlot: make(map[string]*list.Element),
		limit:  limit,
		policy: DefaultPolicy(),
	}
}

// SetSequenceFunc makes Add refuse sequences the chain has already used.
func (p *Pool) SetSequenceFunc(fn SequenceFunc) {
	p.mu.Lock()
	p.seqFn = fn
	p.mu.Unlock()
}

// Add admits t, evicting the oldest entry when the pool is full.
func (p *Pool) Add(t *tx.Transaction) error {
	if err := p.admit(t); err != nil {
		poolRejected.WithLabelValues(rejectReason(err)).Inc()
		return err
	}
	return nil
}

func (p *Pool) admit(t *tx.Transaction) error {
	if err := p.policy.check(t); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	hash, slot := t.Hash(), slotOf(t)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byHash[hash]; ok {
		return ErrDuplicate
	}
	if el, ok := p.bySlot[slot]; ok {
		return fmt.Errorf("%w: sequence %d held by %s", ErrConflict, t.Sequence, el.Value.(*pending).hash.Short())
	}
	if p.seqFn != nil {
		if next := p.seqFn(t.Sender); t.Sequence < next {
			return fmt.Errorf("%w: sequence %d, chain expects %d", ErrStale, t.Sequence, next)
		}
	}
	for p.order.Len() >= p.limit {
		p.drop(p.order.Front())
		poolEvicted.Inc()
	}
	el := p.order.PushBack(&pending{tx: t, hash: hash, slot: slot})
	p.byHash[hash] = el
	p.bySlot[slot] = el
	poolSize.Set(float64(p.order.Len()))
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStale):
		return "stale"
	}
	return "invalid"
}

// drop unlinks el. p.mu must be held.
func (p *Pool) drop(el *list.Element) {
	e := p.order.Remove(el).(*pending)
	delete(p.byHash, e.hash)
	delete(p.bySlot, e.slot)
}

// Remove drops the transaction with the given hash, if pending.
func (p *Pool) Remove(hash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.byHash[hash]; ok {
		p.drop(el)
		poolSize.Set(float64(p.order.Len()))
	}
}

// RemoveConfirmed drops the transactions of a committed block together
// with any pending rival for the same sender sequence.
func (p *Pool) RemoveConfirmed(txs []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range txs {
		if el, ok := p.bySlot[slotOf(t)]; ok {
			p.drop(el)
		}
	}
	poolSize.Set(float64(p.order.Len()))
}

func (p *Pool) Has(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byHash[hash]
	return ok
}

// Get returns the pending transaction with the given hash, or nil.
func (p *Pool) Get(hash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if el, ok := p.byHash[hash]; ok {
		return el.Value.(*pending).tx
	}
	return nil
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.order.Len()
}

// PullTxns returns up to limit transactions, oldest first, skipping any in
// exclude. Nothing is removed.
func (p *Pool) PullTxns(limit int, exclude map[types.Hash]struct{}) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*tx.Transaction, 0, min(limit, p.order.Len()))
	for el := p.order.Front(); el != nil && len(out) < limit; el = el.Next() {
		e := el.Value.(*pending)
		if _, skip := exclude[e.hash]; !skip {
			out = append(out, e.tx)
		}
	}
	return out
}

// slotOf keys a transaction by sender and sequence.
func slotOf(t *tx.Transaction) string {
	return string(binary.BigEndian.AppendUint64(append([]byte(nil), t.Sender...), t.Sequence))
}
