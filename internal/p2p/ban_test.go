package p2p

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-pow/internal/storage"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func generateTestPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id from key: %v", err)
	}
	return id
}

func TestBanManager_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		penalties []int
		banned    bool
	}{
		{"single malformed", []int{PenaltyMalformed}, false},
		{"two bad txs", []int{PenaltyInvalidTx, PenaltyInvalidTx}, false},
		{"two bad blocks", []int{PenaltyInvalidBlock, PenaltyInvalidBlock}, true},
		{"bad block and bad sync", []int{PenaltyInvalidBlock, PenaltyInvalidSync}, true},
		{"handshake", []int{PenaltyHandshakeFail}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bm := NewBanManager(nil, nil)
			id := peer.ID("test-peer")
			for _, p := range tt.penalties {
				bm.RecordOffense(id, p, tt.name)
			}
			if got := bm.IsBanned(id); got != tt.banned {
				t.Errorf("IsBanned = %v, want %v", got, tt.banned)
			}
		})
	}
}

func TestBanManager_OffenseOnBannedPeerIsNoop(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("test-peer")
	bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")
	bm.RecordOffense(id, PenaltyInvalidBlock, "bad block")

	list := bm.BanList()
	if len(list) != 1 {
		t.Fatalf("expected 1 ban, got %d", len(list))
	}
	if list[0].Reason != "genesis mismatch" {
		t.Errorf("reason = %q, want first offense", list[0].Reason)
	}

	bm.Unban(id)
	if bm.IsBanned(id) {
		t.Error("peer should not be banned after Unban")
	}
}

func TestBanManager_TransientScoreDecays(t *testing.T) {
	bm := NewBanManager(nil, nil)
	now := time.Unix(1_700_000_000, 0)
	bm.now = func() time.Time { return now }
	id := peer.ID("noisy")

	for i := 0; i < 4; i++ {
		bm.RecordOffense(id, PenaltyInvalidTx, "bad tx")
	}
	if got := bm.Score(id); got != 4*PenaltyInvalidTx {
		t.Fatalf("Score = %d, want %d", got, 4*PenaltyInvalidTx)
	}

	now = now.Add(ScoreHalfLife)
	if got := bm.Score(id); got != 2*PenaltyInvalidTx {
		t.Errorf("Score after one half-life = %d, want %d", got, 2*PenaltyInvalidTx)
	}

	// Spread out, transient offenses never reach the threshold.
	for i := 0; i < 20; i++ {
		now = now.Add(10 * ScoreHalfLife)
		bm.RecordOffense(id, PenaltyInvalidTx, "bad tx")
	}
	if bm.IsBanned(id) {
		t.Error("peer banned for decayed offenses")
	}

	// Persistent penalties do not decay.
	bm.RecordOffense(id, PenaltyInvalidBlock, "bad block")
	now = now.Add(100 * ScoreHalfLife)
	if got := bm.Score(id); got != PenaltyInvalidBlock {
		t.Errorf("Score = %d, want %d", got, PenaltyInvalidBlock)
	}
	bm.prune()
	if got := bm.Score(id); got != PenaltyInvalidBlock {
		t.Errorf("prune dropped a live score: %d", got)
	}
}

func TestBanManager_ExpiredBanLifts(t *testing.T) {
	bm := NewBanManager(nil, nil)
	now := time.Unix(1_700_000_000, 0)
	bm.now = func() time.Time { return now }
	id := peer.ID("temp")

	bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")
	if !bm.IsBanned(id) {
		t.Fatal("peer not banned")
	}
	now = now.Add(BanDuration)
	if bm.IsBanned(id) {
		t.Error("ban outlived BanDuration")
	}
	if len(bm.BanList()) != 0 {
		t.Error("expired ban still listed")
	}
}

func TestBanManager_PersistsUnderPrefix(t *testing.T) {
	db := storage.NewMemory()
	if err := db.Put([]byte("b/unrelated"), []byte("x")); err != nil {
		t.Fatal(err)
	}
	store := NewBanStore(storage.NewPrefixDB(db, []byte(banKeyPrefix)))
	bm := NewBanManager(store, nil)

	id := generateTestPeerID(t)
	bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")

	has, err := db.Has([]byte(banKeyPrefix + string(id)))
	if err != nil || !has {
		t.Fatalf("ban record not stored under %q: has=%v err=%v", banKeyPrefix, has, err)
	}

	bm2 := NewBanManager(store, nil)
	bm2.LoadBans()
	if !bm2.IsBanned(id) {
		t.Error("ban should survive reload from store")
	}

	if err := ClearBans(db); err != nil {
		t.Fatalf("ClearBans: %v", err)
	}
	if has, _ := db.Has([]byte("b/unrelated")); !has {
		t.Error("ClearBans touched keys outside its prefix")
	}
	bm3 := NewBanManager(store, nil)
	bm3.LoadBans()
	if bm3.IsBanned(id) {
		t.Error("ban survived ClearBans")
	}
}

func TestBanStore_LoadPrunes(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(storage.NewPrefixDB(db, []byte(banKeyPrefix)))
	now := time.Now()

	records := map[peer.ID]*BanRecord{
		"expired":   {BannedAt: now.Unix() - 3600, ExpiresAt: now.Unix() - 1},
		"active":    {BannedAt: now.Unix(), ExpiresAt: now.Unix() + 3600},
		"permanent": {BannedAt: now.Unix() - 7200},
	}
	for id, rec := range records {
		if err := bs.Put(id, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := db.Put([]byte(banKeyPrefix+"corrupt"), []byte("{")); err != nil {
		t.Fatal(err)
	}

	active, dropped, err := bs.Load(now)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dropped != 2 {
		t.Errorf("dropped %d, want 2", dropped)
	}
	if len(active) != 2 || active["active"] == nil || active["permanent"] == nil {
		t.Errorf("active = %v", active)
	}
	if has, _ := db.Has([]byte(banKeyPrefix + "expired")); has {
		t.Error("expired record still stored")
	}
}

func TestConnGater(t *testing.T) {
	bm := NewBanManager(nil, nil)
	full := false
	g := &connGater{bans: bm, full: func() bool { return full }}
	id := peer.ID("gated")

	if !g.InterceptPeerDial(id) || !g.InterceptSecured(network.DirInbound, id, nil) {
		t.Fatal("unbanned peer should pass the gater")
	}

	full = true
	if g.InterceptSecured(network.DirInbound, id, nil) {
		t.Error("inbound peer accepted while full")
	}
	if !g.InterceptSecured(network.DirOutbound, id, nil) {
		t.Error("outbound connection refused while full")
	}
	full = false

	bm.RecordOffense(id, PenaltyHandshakeFail, "bad")
	if g.InterceptPeerDial(id) {
		t.Error("dial to banned peer allowed")
	}
	if g.InterceptSecured(network.DirOutbound, id, nil) {
		t.Error("secured conn from banned peer allowed")
	}
	if !g.InterceptAccept(nil) {
		t.Error("InterceptAccept should always allow")
	}
}
