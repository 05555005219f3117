package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/stakeledger/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	banKeyPrefix  = "ban/"
	peerKeyPrefix = "peer/"

	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// BanRecord is a persisted ban entry.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

// IsExpired reports whether the ban has a non-zero expiry that has passed.
func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}

// PeerRecord is a persisted peer entry.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`
}

// BanStore persists ban records under the "ban/" prefix.
type BanStore struct {
	db storage.DB
}

// NewBanStore creates a BanStore backed by db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: db}
}

func banKey(id string) []byte {
	return []byte(banKeyPrefix + id)
}

// Get retrieves a ban record by peer ID.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	data, err := bs.db.Get(banKey(id.String()))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return &rec, nil
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put(banKey(rec.ID), data)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete(banKey(id.String()))
}

// ForEach calls fn for every readable ban record.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.db.ForEach([]byte(banKeyPrefix), func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// PruneExpired removes expired and corrupt ban records.
func (bs *BanStore) PruneExpired() (int, error) {
	return prune(bs.db, banKeyPrefix, func(value []byte) bool {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return true
		}
		return rec.IsExpired()
	})
}

// PeerStore persists known peers under the "peer/" prefix so a restarted
// node can reconnect without seeds.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore creates a PeerStore backed by db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerKey(id string) []byte {
	return []byte(peerKeyPrefix + id)
}

// Save persists a peer record. New peers are skipped once the store holds
// maxPersistedPeers records; known peers are always updated.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := peerKey(rec.ID)

	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		count, err := ps.Count()
		if err != nil {
			return err
		}
		if count >= maxPersistedPeers {
			return nil
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(key, data)
}

// Load retrieves a single peer record.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get(peerKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every readable peer record.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return records, nil
}

// Delete removes a peer record.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete(peerKey(id.String()))
}

// PruneStale removes records not seen within threshold, and corrupt ones.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	return prune(ps.db, peerKeyPrefix, func(value []byte) bool {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return true
		}
		return rec.LastSeen < cutoff
	})
}

// Count returns the number of persisted peer records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}

// prune deletes every record under prefix for which drop returns true.
func prune(db storage.DB, prefix string, drop func(value []byte) bool) (int, error) {
	var keys [][]byte
	err := db.ForEach([]byte(prefix), func(key, value []byte) error {
		if drop(value) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	b := storage.NewBatch(db)
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return len(keys), nil
}

// persistPeers snapshots the connected peers into the peer store.
func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}

	now := time.Now().Unix()
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		strs := make([]string, len(addrs))
		for i, a := range addrs {
			strs[i] = a.String()
		}
		n.peerStore.Save(PeerRecord{
			ID:       p.ID.String(),
			Addrs:    strs,
			LastSeen: now,
			Source:   p.Source,
		})
	}
}

// loadPersistedPeers reconnects to peers remembered from earlier runs.
func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	n.peerStore.PruneStale(staleThreshold)

	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}

	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil || id == n.host.ID() {
			continue
		}

		info := peer.AddrInfo{ID: id}
		for _, addr := range rec.Addrs {
			ai, err := peer.AddrInfoFromString(fmt.Sprintf("%s/p2p/%s", addr, rec.ID))
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ai.Addrs...)
		}
		if len(info.Addrs) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		n.host.Connect(ctx, info)
		cancel()
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}
