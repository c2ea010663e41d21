package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

// banKeyPrefix namespaces the ban list inside the node database.
const banKeyPrefix = "ban/"

// BanRecord is a persisted ban entry.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

func (r *BanRecord) expiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// IsExpired reports whether a timed ban has run out.
func (r *BanRecord) IsExpired() bool {
	return r.expiredAt(time.Now())
}

// BanStore persists ban records keyed by raw peer id bytes. The node hands
// it a storage.PrefixDB scoped to "ban/".
type BanStore struct {
	db storage.BatchDB
}

// NewBanStore creates a ban store over db.
func NewBanStore(db storage.BatchDB) *BanStore {
	return &BanStore{db: db}
}

// ClearBans deletes every persisted ban from db.
func ClearBans(db storage.BatchDB) error {
	return storage.NewPrefixDB(db, []byte(banKeyPrefix)).DeleteAll()
}

// Put persists the ban of id, replacing any earlier record.
func (bs *BanStore) Put(id peer.ID, rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put([]byte(id), data)
}

// Delete removes the record for id, if any.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete([]byte(id))
}

// Load returns the bans still active at now. Expired and undecodable
// records are deleted in one batch while scanning.
func (bs *BanStore) Load(now time.Time) (map[peer.ID]*BanRecord, int, error) {
	active := make(map[peer.ID]*BanRecord)
	batch := bs.db.NewBatch()
	dropped := 0

	err := bs.db.ForEach(nil, func(key, value []byte) error {
		var rec BanRecord
		if json.Unmarshal(value, &rec) != nil || rec.expiredAt(now) {
			dropped++
			return batch.Delete(key)
		}
		active[peer.ID(key)] = &rec
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan bans: %w", err)
	}
	if dropped > 0 {
		if err := batch.Commit(); err != nil {
			return nil, 0, fmt.Errorf("prune bans: %w", err)
		}
	}
	return active, dropped, nil
}
