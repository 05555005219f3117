package p2p

import (
	"sync"
	"time"

	klog "github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour
)

// Penalty values for peer offenses.
const (
	PenaltyInvalidBlock  = 50  // Block fails structure or commit checks.
	PenaltyInvalidTx     = 20  // Transaction fails signature or pool checks.
	PenaltyHandshakeFail = 100 // Genesis or chain mismatch bans at once.
)

// BanManager tracks peer offense scores and bans peers that reach
// BanThreshold.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore // nil disables persistence
	node   *Node     // nil disables disconnect-on-ban
}

// NewBanManager creates a BanManager. Either argument may be nil.
func NewBanManager(store *BanStore, node *Node) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
	}
}

// LoadBans restores unexpired persisted bans.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	bm.store.PruneExpired()

	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.store.ForEach(func(rec *BanRecord) error {
		if rec.IsExpired() {
			return nil
		}
		if id, err := peer.Decode(rec.ID); err == nil {
			bm.bans[id] = rec
		}
		return nil
	})
}

// RecordOffense adds penalty to a peer's score, banning and disconnecting
// it once the score reaches BanThreshold.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if rec, ok := bm.bans[id]; ok && !rec.IsExpired() {
		return
	}

	bm.scores[id] += penalty
	if bm.scores[id] < BanThreshold {
		return
	}

	now := time.Now()
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     bm.scores[id],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Msg("Persist ban failed")
		}
	}

	klog.P2P.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// Score returns a peer's current offense score.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned reports whether the peer is currently banned. Expired bans are
// cleared on lookup.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()

	if !ok {
		return false
	}
	if !rec.IsExpired() {
		return true
	}

	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
	return false
}

// Unban removes a ban and resets the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// BanList returns a snapshot of the active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop drops expired bans every ten minutes until done closes.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.IsExpired() {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired()
	}
}

// banGater rejects banned peers at the transport level.
type banGater struct {
	banMgr *BanManager
}

func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *banGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows every inbound connection; the peer identity is
// not known until the security handshake.
func (g *banGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *banGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
