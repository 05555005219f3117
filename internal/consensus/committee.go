// Package consensus runs the stake-weighted proposal and voting rounds that
// finalize blocks into the shared ledger.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/stakeledger/internal/ledger"
	"github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/Klingon-tech/stakeledger/internal/mempool"
	"github.com/Klingon-tech/stakeledger/pkg/block"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Consensus errors.
var (
	ErrNotLeader       = errors.New("not the current leader")
	ErrNoQuorum        = errors.New("quorum not reached")
	ErrCommitFailed    = errors.New("block commit failed")
	ErrStaleProposal   = errors.New("proposal does not extend the finalized tip")
	ErrDuplicateMember = errors.New("validator already in committee")
	ErrKnownBlock      = errors.New("block already finalized")
	ErrHeightGap       = errors.New("block height skips ahead of the finalized tip")
	ErrInvalidInterval = errors.New("round interval must be positive")
)

// Member is a committee participant that votes on proposals.
type Member interface {
	ID() types.PubKey
	Vote(blk *block.Block) bool
	// ObserveFinalized is called under the finalization lock after a
	// block commits.
	ObserveFinalized(hash types.Hash)
}

// Archive stores finalized blocks together with the committee that
// finalized them.
type Archive interface {
	PutBlock(blk *block.Block, height uint64, members []types.PubKey) error
	SetTip(hash types.Hash, height uint64) error
}

// FinalizedFunc is notified after a locally proposed block commits. It
// runs outside the finalization lock.
type FinalizedFunc func(blk *block.Block, height uint64, members []types.PubKey)

// Committee is the set of in-process validators sharing one ledger and
// one pool. It owns the finalization lock and the finalized tip.
type Committee struct {
	mu      sync.RWMutex
	members []Member

	// finalMu serializes finalization. It is held across the ledger
	// commit, the pool prune and the tip update.
	finalMu sync.Mutex
	tip     types.Hash
	height  uint64

	ledger  *ledger.Store
	pool    *mempool.Pool
	archive Archive
	tracker *ValidatorTracker

	onFinalized FinalizedFunc
}

// NewCommittee creates an empty committee over the shared ledger and
// pool. The tip starts at the genesis sentinel.
func NewCommittee(store *ledger.Store, pool *mempool.Pool, tracker *ValidatorTracker) *Committee {
	if tracker == nil {
		tracker = NewValidatorTracker(0)
	}
	return &Committee{
		tip:     block.GenesisHash,
		ledger:  store,
		pool:    pool,
		tracker: tracker,
	}
}

// SetArchive attaches a finalized-block archive. Call before any round runs.
func (c *Committee) SetArchive(a Archive) {
	c.finalMu.Lock()
	defer c.finalMu.Unlock()
	c.archive = a
}

// SetOnFinalized registers fn to be called after every block finalized
// by this committee. Blocks applied through ApplyFinalized do not trigger it.
func (c *Committee) SetOnFinalized(fn FinalizedFunc) {
	c.finalMu.Lock()
	defer c.finalMu.Unlock()
	c.onFinalized = fn
}

// SetTip resumes from a previously finalized block. Call before adding
// validators.
func (c *Committee) SetTip(hash types.Hash, height uint64) {
	c.finalMu.Lock()
	defer c.finalMu.Unlock()
	c.tip, c.height = hash, height
}

// Tip returns the last finalized block hash and its height.
func (c *Committee) Tip() (types.Hash, uint64) {
	c.finalMu.Lock()
	defer c.finalMu.Unlock()
	return c.tip, c.height
}

// Add registers a member. Each public key may join once.
func (c *Committee) Add(m Member) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.members {
		if existing.ID() == m.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, m.ID().Short())
		}
	}
	c.members = append(c.members, m)
	sort.Slice(c.members, func(i, j int) bool {
		return c.members[i].ID().Compare(c.members[j].ID()) < 0
	})
	return nil
}

// Members returns the current members ordered by public key.
func (c *Committee) Members() []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Member, len(c.members))
	copy(out, c.members)
	return out
}

// Size returns the number of members.
func (c *Committee) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Threshold returns the number of accepting votes needed to finalize.
func (c *Committee) Threshold() int {
	return Threshold(c.Size())
}

// Ledger returns the shared ledger.
func (c *Committee) Ledger() *ledger.Store { return c.ledger }

// Pool returns the shared transaction pool.
func (c *Committee) Pool() *mempool.Pool { return c.pool }

// Tracker returns the validator statistics tracker.
func (c *Committee) Tracker() *ValidatorTracker { return c.tracker }

// Threshold returns floor(n/2)+1.
func Threshold(n int) int {
	return n/2 + 1
}

// Tally counts accepting votes and reports whether they reach the
// threshold for a committee of n members.
func Tally(votes []bool, n int) (int, bool) {
	yes := 0
	for _, v := range votes {
		if v {
			yes++
		}
	}
	return yes, n > 0 && yes >= Threshold(n)
}

// collectVotes asks every member to validate blk. Votes are cast
// concurrently and returned in member order.
func (c *Committee) collectVotes(blk *block.Block) ([]Member, []bool) {
	members := c.Members()
	votes := make([]bool, len(members))

	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m Member) {
			defer wg.Done()
			votes[i] = m.Vote(blk)
		}(i, m)
	}
	wg.Wait()

	for i, m := range members {
		c.tracker.RecordVote(m.ID(), votes[i])
	}
	return members, votes
}

// finalize commits blk under the finalization lock and notifies the
// finalized hook.
func (c *Committee) finalize(blk *block.Block, members []Member) (uint64, error) {
	ids := make([]types.PubKey, len(members))
	for i, m := range members {
		ids[i] = m.ID()
	}

	c.finalMu.Lock()
	height, err := c.commit(blk, c.height+1, ids, members)
	hook := c.onFinalized
	c.finalMu.Unlock()
	if err != nil {
		return 0, err
	}

	if hook != nil {
		hook(blk, height, ids)
	}
	return height, nil
}

// ApplyFinalized commits a block that a remote committee already
// finalized at the given height. Local members observe it like a block of
// their own.
func (c *Committee) ApplyFinalized(blk *block.Block, height uint64, members []types.PubKey) error {
	if err := blk.VerifyHash(); err != nil {
		return err
	}

	c.finalMu.Lock()
	defer c.finalMu.Unlock()

	if height <= c.height {
		return fmt.Errorf("%w: height %d, local %d", ErrKnownBlock, height, c.height)
	}
	if height > c.height+1 {
		return fmt.Errorf("%w: height %d, local %d", ErrHeightGap, height, c.height)
	}
	_, err := c.commit(blk, height, members, c.Members())
	return err
}

// commit applies blk as block number height. The ledger changes are
// all-or-nothing; the pool and the tip are only touched on success.
// finalMu must be held.
func (c *Committee) commit(blk *block.Block, height uint64, ids []types.PubKey, observers []Member) (uint64, error) {
	if blk.PrevHash != c.tip {
		return 0, fmt.Errorf("%w: prev %s, tip %s", ErrStaleProposal, blk.PrevHash.Short(), c.tip.Short())
	}

	err := c.ledger.Commit(func(txn *ledger.Txn) error {
		for i, t := range blk.Transactions {
			if err := t.Execute(txn); err != nil {
				return fmt.Errorf("tx %d (%s): %w", i, t.Hash().Short(), err)
			}
		}
		for _, id := range ids {
			if _, ok := txn.GetValidator(id); !ok {
				continue
			}
			if err := txn.SetLastFinalized(id, blk.Hash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	removed := c.pool.RemoveIncluded(blk.Transactions)
	c.tip = blk.Hash
	c.height = height
	for _, m := range observers {
		m.ObserveFinalized(blk.Hash)
	}

	if c.archive != nil {
		if err := c.archive.PutBlock(blk, c.height, ids); err != nil {
			log.Consensus.Error().Err(err).Str("hash", blk.Hash.Short()).Msg("Failed to archive block")
		} else if err := c.archive.SetTip(blk.Hash, c.height); err != nil {
			log.Consensus.Error().Err(err).Msg("Failed to store archive tip")
		}
	}

	log.Consensus.Debug().
		Str("hash", blk.Hash.Short()).
		Uint64("height", c.height).
		Int("pruned", removed).
		Msg("Block committed")
	return c.height, nil
}
