package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	peerKeyPrefix = "peer/"

	// peerMaxAge drops book entries not seen for this long.
	peerMaxAge = 24 * time.Hour

	peerSaveInterval = 5 * time.Minute
	peerBookCap      = 500
)

// PeerRecord is the stored form of a peer we have been connected to.
type PeerRecord struct {
	Addrs    []string   `json:"addrs"`
	LastSeen int64      `json:"last_seen"`
	Source   PeerSource `json:"source,omitempty"`
}

// PeerStore is the peer book: addresses of past peers, keyed by raw peer
// id bytes, so a restarted node can reconnect without seeds.
type PeerStore struct {
	db  storage.BatchDB
	cap int
}

// NewPeerStore creates a peer book over db.
func NewPeerStore(db storage.BatchDB) *PeerStore {
	return &PeerStore{db: db, cap: peerBookCap}
}

// Save writes recs in one batch. Known peers are always updated; new
// peers are added only while the book is below its capacity.
func (ps *PeerStore) Save(recs map[peer.ID]PeerRecord) error {
	size, err := ps.Len()
	if err != nil {
		return err
	}
	batch := ps.db.NewBatch()
	for id, rec := range recs {
		key := []byte(id)
		known, err := ps.db.Has(key)
		if err != nil {
			return fmt.Errorf("peer book lookup: %w", err)
		}
		if !known {
			if size >= ps.cap {
				continue
			}
			size++
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal peer record: %w", err)
		}
		if err := batch.Put(key, data); err != nil {
			return err
		}
	}
	return batch.Commit()
}

// Load returns dialable entries seen within maxAge of now. Stale,
// undecodable and address-less entries are removed.
func (ps *PeerStore) Load(now time.Time, maxAge time.Duration) ([]peer.AddrInfo, map[peer.ID]PeerRecord, error) {
	cutoff := now.Add(-maxAge).Unix()
	batch := ps.db.NewBatch()
	dropped := 0
	var infos []peer.AddrInfo
	recs := make(map[peer.ID]PeerRecord)

	err := ps.db.ForEach(nil, func(key, value []byte) error {
		var rec PeerRecord
		if json.Unmarshal(value, &rec) != nil || rec.LastSeen < cutoff {
			dropped++
			return batch.Delete(key)
		}
		id := peer.ID(key)
		info := peer.AddrInfo{ID: id}
		for _, s := range rec.Addrs {
			if a, err := ma.NewMultiaddr(s); err == nil {
				info.Addrs = append(info.Addrs, a)
			}
		}
		if len(info.Addrs) == 0 {
			dropped++
			return batch.Delete(key)
		}
		infos = append(infos, info)
		recs[id] = rec
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan peer book: %w", err)
	}
	if dropped > 0 {
		if err := batch.Commit(); err != nil {
			return nil, nil, fmt.Errorf("prune peer book: %w", err)
		}
	}
	return infos, recs, nil
}

// Forget removes id from the book.
func (ps *PeerStore) Forget(id peer.ID) error {
	return ps.db.Delete([]byte(id))
}

// Len returns the number of entries in the book.
func (ps *PeerStore) Len() (int, error) {
	n := 0
	err := ps.db.ForEach(nil, func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peer book: %w", err)
	}
	return n, nil
}
