package p2p

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/log"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Ban thresholds and durations.
const (
	BanThreshold  = 100
	BanDuration   = 24 * time.Hour
	ScoreHalfLife = time.Minute

	banPruneInterval = 10 * time.Minute
)

// Penalty values for different offenses. Penalties up to transientMax
// decay with ScoreHalfLife; larger ones stay until the peer is banned.
const (
	PenaltyInvalidBlock  = 50  // Bad signature or proof-of-work.
	PenaltyInvalidSync   = 50  // Unverifiable block in a sync response.
	PenaltyInvalidTx     = 20  // Stale sequence or bad signature.
	PenaltyMalformed     = 10  // Undecodable message.
	PenaltyHandshakeFail = 100 // Genesis or protocol mismatch.

	transientMax = PenaltyInvalidTx
)

// Disconnector drops every connection to a peer.
type Disconnector interface {
	DisconnectPeer(id peer.ID) error
}

// banScore is a peer's misbehaviour score: a persistent part plus a
// transient part that halves every ScoreHalfLife.
type banScore struct {
	persistent int
	transient  float64
	updated    time.Time
}

func (s *banScore) decayed(now time.Time) float64 {
	if s.transient == 0 {
		return 0
	}
	dt := now.Sub(s.updated)
	if dt <= 0 {
		return s.transient
	}
	return s.transient * math.Exp2(-float64(dt)/float64(ScoreHalfLife))
}

func (s *banScore) value(now time.Time) int {
	return s.persistent + int(s.decayed(now))
}

func (s *banScore) add(penalty int, now time.Time) int {
	if penalty <= transientMax {
		s.transient = s.decayed(now) + float64(penalty)
		s.updated = now
	} else {
		s.persistent += penalty
	}
	return s.value(now)
}

// BanManager scores peer offenses and bans peers whose score reaches
// BanThreshold.
type BanManager struct {
	mu     sync.Mutex
	scores map[peer.ID]*banScore
	bans   map[peer.ID]*BanRecord
	store  *BanStore    // nil disables persistence
	dc     Disconnector // nil disables disconnect-on-ban
	now    func() time.Time
}

// NewBanManager creates a ban manager. store and dc may be nil.
func NewBanManager(store *BanStore, dc Disconnector) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]*banScore),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		dc:     dc,
		now:    time.Now,
	}
}

// LoadBans restores active bans from the store, pruning expired ones.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	active, pruned, err := bm.store.Load(bm.now())
	if err != nil {
		log.P2P.Warn().Err(err).Msg("Load bans failed")
		return
	}

	bm.mu.Lock()
	for id, rec := range active {
		bm.bans[id] = rec
	}
	bm.mu.Unlock()

	log.P2P.Debug().Int("active", len(active)).Int("pruned", pruned).Msg("Bans loaded")
}

// RecordOffense adds penalty to the peer's score. The peer is banned and
// disconnected once the score reaches BanThreshold. Offenses by an
// already-banned peer are ignored.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	now := bm.now()

	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.expiredAt(now) {
		bm.mu.Unlock()
		return
	}
	s := bm.scores[id]
	if s == nil {
		s = &banScore{}
		bm.scores[id] = s
	}
	score := s.add(penalty, now)
	if score < BanThreshold {
		bm.mu.Unlock()
		if score >= BanThreshold/2 {
			log.P2P.Warn().
				Str("peer", ShortID(id)).
				Str("reason", reason).
				Int("score", score).
				Msg("Misbehaving peer")
		}
		return
	}

	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(id, rec); err != nil {
			log.P2P.Error().Err(err).Str("peer", ShortID(id)).Msg("Persist ban failed")
		}
	}

	bannedPeers.Inc()
	log.P2P.Warn().
		Str("peer", ShortID(id)).
		Str("reason", reason).
		Int("score", score).
		Msg("Peer banned")

	if bm.dc != nil {
		go bm.dc.DisconnectPeer(id)
	}
}

// Score returns the peer's current score, or 0 for an unknown or banned peer.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if s, ok := bm.scores[id]; ok {
		return s.value(bm.now())
	}
	return 0
}

// IsBanned reports whether the peer is currently banned. An expired ban
// is dropped on lookup.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.Lock()
	rec, ok := bm.bans[id]
	expired := ok && rec.expiredAt(bm.now())
	if expired {
		delete(bm.bans, id)
	}
	bm.mu.Unlock()

	if expired && bm.store != nil {
		bm.store.Delete(id)
	}
	return ok && !expired
}

// Unban lifts a ban and forgets the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// BanList returns the active bans, oldest first.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.now()
	bm.mu.Lock()
	list := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		if !rec.expiredAt(now) {
			list = append(list, *rec)
		}
	}
	bm.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].BannedAt != list[j].BannedAt {
			return list[i].BannedAt < list[j].BannedAt
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// RunPruneLoop prunes expired bans and fully decayed scores until done
// is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(banPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.prune()
		}
	}
}

func (bm *BanManager) prune() {
	now := bm.now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.expiredAt(now) {
			delete(bm.bans, id)
		}
	}
	for id, s := range bm.scores {
		if s.value(now) == 0 {
			delete(bm.scores, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		if _, _, err := bm.store.Load(now); err != nil {
			log.P2P.Debug().Err(err).Msg("Prune stored bans failed")
		}
	}
}
