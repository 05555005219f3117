package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// ValidatorStats holds in-memory round statistics for a single validator.
// Stats reset on node restart (no persistence).
type ValidatorStats struct {
	PubKey         types.PubKey `json:"pubkey"`
	Proposals      uint64       `json:"proposals"`       // blocks proposed as leader
	Finalized      uint64       `json:"finalized"`       // proposals that reached quorum
	RejectedRounds uint64       `json:"rejected_rounds"` // proposals that missed quorum
	VotesAccepted  uint64       `json:"votes_accepted"`
	VotesRejected  uint64       `json:"votes_rejected"`
	LastVote       time.Time    `json:"last_vote"`  // zero if never voted
	LastBlock      time.Time    `json:"last_block"` // zero if never finalized
}

// ValidatorTracker tracks validator activity via votes and proposals.
// All data is in-memory only and has no consensus impact.
type ValidatorTracker struct {
	mu       sync.RWMutex
	stats    map[types.PubKey]*ValidatorStats
	interval time.Duration
	now      func() time.Time
}

// NewValidatorTracker creates a tracker for rounds run every interval.
func NewValidatorTracker(interval time.Duration) *ValidatorTracker {
	return &ValidatorTracker{
		stats:    make(map[types.PubKey]*ValidatorStats),
		interval: interval,
		now:      time.Now,
	}
}

// RecordProposal records that a validator proposed a block.
func (t *ValidatorTracker) RecordProposal(pub types.PubKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(pub).Proposals++
}

// RecordFinalized records that a validator's proposal was finalized.
func (t *ValidatorTracker) RecordFinalized(pub types.PubKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(pub)
	s.Finalized++
	s.LastBlock = t.now()
}

// RecordRejected records that a validator's proposal missed quorum.
func (t *ValidatorTracker) RecordRejected(pub types.PubKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(pub).RejectedRounds++
}

// RecordVote records a vote cast by a validator.
func (t *ValidatorTracker) RecordVote(pub types.PubKey, accepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(pub)
	if accepted {
		s.VotesAccepted++
	} else {
		s.VotesRejected++
	}
	s.LastVote = t.now()
}

// IsOnline returns true if the validator voted within 2x the round interval.
func (t *ValidatorTracker) IsOnline(pub types.PubKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[pub]
	if !ok || s.LastVote.IsZero() {
		return false
	}
	return t.now().Sub(s.LastVote) <= 2*t.interval
}

// GetStats returns a copy of stats for a specific validator, or nil if not tracked.
func (t *ValidatorTracker) GetStats(pub types.PubKey) *ValidatorStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[pub]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// GetAllStats returns copies of all tracked validator stats, ordered by key.
func (t *ValidatorTracker) GetAllStats() []*ValidatorStats {
	t.mu.RLock()
	out := make([]*ValidatorStats, 0, len(t.stats))
	for _, s := range t.stats {
		cp := *s
		out = append(out, &cp)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PubKey.Compare(out[j].PubKey) < 0 })
	return out
}

// Interval returns the configured round interval.
func (t *ValidatorTracker) Interval() time.Duration {
	return t.interval
}

func (t *ValidatorTracker) getOrCreate(pub types.PubKey) *ValidatorStats {
	s, ok := t.stats[pub]
	if !ok {
		s = &ValidatorStats{PubKey: pub}
		t.stats[pub] = s
	}
	return s
}
