package storage

import "bytes"

// PrefixDB is a namespace inside another database: every key it is given
// is stored under prefix, and keys it hands back have prefix removed.
// Components sharing one node database each get their own PrefixDB.
type PrefixDB struct {
	inner  BatchDB
	prefix []byte
}

func NewPrefixDB(inner BatchDB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: bytes.Clone(prefix)}
}

// key returns prefix+k in a fresh slice.
func (p *PrefixDB) key(k []byte) []byte {
	return append(p.prefix[:len(p.prefix):len(p.prefix)], k...)
}

func (p *PrefixDB) Get(k []byte) ([]byte, error) { return p.inner.Get(p.key(k)) }
func (p *PrefixDB) Put(k, v []byte) error { return p.inner.Put(p.key(k), v) }
func (p *PrefixDB) Delete(k []byte) error { return p.inner.Delete(p.key(k)) }
func (p *PrefixDB) Has(k []byte) (bool, error) { return p.inner.Has(p.key(k)) }

// ForEach visits the namespace's keys that start with prefix.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.inner.ForEach(p.key(prefix), func(k, v []byte) error {
		return fn(k[n:], v)
	})
}

// DeleteAll empties the namespace in one batch.
func (p *PrefixDB) DeleteAll() error {
	b := p.inner.NewBatch()
	if err := p.inner.ForEach(p.prefix, func(k, _ []byte) error { return b.Delete(k) }); err != nil {
		return err
	}
	return b.Commit()
}

// Close does nothing; the inner database outlives its namespaces.
func (p *PrefixDB) Close() error { return nil }

func (p *PrefixDB) NewBatch() Batch {
	return prefixBatch{ns: p, inner: p.inner.NewBatch()}
}

type prefixBatch struct {
	ns    *PrefixDB
	inner Batch
}

func (b prefixBatch) Put(k, v []byte) error { return b.inner.Put(b.ns.key(k), v) }
func (b prefixBatch) Delete(k []byte) error { return b.inner.Delete(b.ns.key(k)) }
func (b prefixBatch) Commit() error { return b.inner.Commit() }
