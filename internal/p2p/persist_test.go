package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/Klingon-tech/stakeledger/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestBanStore_PutGetDelete(t *testing.T) {
	bs := NewBanStore(storage.NewMemory())
	id := peer.ID("peer-a")

	rec := &BanRecord{ID: id.String(), Reason: "spam", Score: 120, BannedAt: 1, ExpiresAt: 0}
	if err := bs.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := bs.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *rec {
		t.Errorf("got %+v, want %+v", got, rec)
	}
	if got.IsExpired() {
		t.Error("zero expiry is permanent")
	}

	if err := bs.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bs.Get(id); err == nil {
		t.Error("Get after Delete should fail")
	}
}

func TestBanStore_PruneExpired(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(db)
	now := time.Now()

	bs.Put(&BanRecord{ID: "live", ExpiresAt: now.Add(time.Hour).Unix()})
	bs.Put(&BanRecord{ID: "dead", ExpiresAt: now.Add(-time.Hour).Unix()})
	db.Put([]byte(banKeyPrefix+"corrupt"), []byte("{"))

	n, err := bs.PruneExpired()
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}

	var left []string
	bs.ForEach(func(r *BanRecord) error {
		left = append(left, r.ID)
		return nil
	})
	if len(left) != 1 || left[0] != "live" {
		t.Errorf("remaining = %v, want [live]", left)
	}
}

func TestPeerStore_SaveLoad(t *testing.T) {
	ps := NewPeerStore(storage.NewPrefixDB(storage.NewMemory(), []byte("p2p/")))
	id := peer.ID("peer-a")

	rec := PeerRecord{ID: id.String(), Addrs: []string{"/ip4/127.0.0.1/tcp/30303"}, LastSeen: 10, Source: "seed"}
	if err := ps.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := ps.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != rec.ID || got.Source != "seed" || len(got.Addrs) != 1 {
		t.Errorf("got %+v", got)
	}

	if err := ps.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if count, _ := ps.Count(); count != 0 {
		t.Errorf("count after delete = %d", count)
	}
}

func TestPeerStore_Capacity(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	for i := 0; i < maxPersistedPeers; i++ {
		if err := ps.Save(PeerRecord{ID: fmt.Sprintf("peer-%d", i)}); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	ps.Save(PeerRecord{ID: "overflow"})
	if count, _ := ps.Count(); count != maxPersistedPeers {
		t.Errorf("count = %d, want %d", count, maxPersistedPeers)
	}

	// Known peers still update at capacity.
	if err := ps.Save(PeerRecord{ID: "peer-0", Source: "dht"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	records, err := ps.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	for _, rec := range records {
		if rec.ID == "peer-0" && rec.Source != "dht" {
			t.Errorf("update at capacity lost: %+v", rec)
		}
	}
}

func TestPeerStore_PruneStale(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	now := time.Now()

	ps.Save(PeerRecord{ID: "fresh", LastSeen: now.Unix()})
	ps.Save(PeerRecord{ID: "stale", LastSeen: now.Add(-48 * time.Hour).Unix()})

	n, err := ps.PruneStale(staleThreshold)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	records, _ := ps.LoadAll()
	if len(records) != 1 || records[0].ID != "fresh" {
		t.Errorf("remaining = %+v", records)
	}
}
