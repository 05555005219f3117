package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/stakeledger/internal/builder"
	"github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/Klingon-tech/stakeledger/pkg/block"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// RoundResult is the outcome of one Tick.
type RoundResult int

const (
	// RoundSkipped means this validator was not the leader.
	RoundSkipped RoundResult = iota
	// RoundIdle means the pool held fewer transactions than the batch size.
	RoundIdle
	// RoundFinalized means the proposal reached quorum and was committed.
	RoundFinalized
	// RoundRejected means the proposal missed quorum; nothing changed.
	RoundRejected
	// RoundFailed means building, self-checking or committing failed.
	RoundFailed
)

// String returns a readable round result.
func (r RoundResult) String() string {
	switch r {
	case RoundSkipped:
		return "skipped"
	case RoundIdle:
		return "idle"
	case RoundFinalized:
		return "finalized"
	case RoundRejected:
		return "rejected"
	case RoundFailed:
		return "failed"
	default:
		return fmt.Sprintf("round(%d)", int(r))
	}
}

// Validator is a staking identity taking part in proposal rounds. It
// holds its own builder over the committee's shared ledger and pool.
type Validator struct {
	key       *crypto.PrivateKey
	id        types.PubKey
	committee *Committee
	builder   *builder.Builder
	logger    zerolog.Logger

	mu            sync.RWMutex
	lastFinalized types.Hash
	keepAlive     bool
	dropInvalid   bool
}

// NewValidator creates a validator and joins it to the committee.
func NewValidator(key *crypto.PrivateKey, c *Committee, cfg builder.Config) (*Validator, error) {
	if key == nil {
		return nil, fmt.Errorf("validator key is nil")
	}
	id := key.PublicKey()
	tip, _ := c.Tip()
	v := &Validator{
		key:           key,
		id:            id,
		committee:     c,
		builder:       builder.New(c.Ledger(), c.Pool(), cfg),
		logger:        log.WithValidator(id.Short()),
		lastFinalized: tip,
	}
	if err := c.Add(v); err != nil {
		return nil, err
	}
	return v, nil
}

// ID returns the validator's public key.
func (v *Validator) ID() types.PubKey {
	return v.id
}

// Builder returns the validator's block builder.
func (v *Validator) Builder() *builder.Builder {
	return v.builder
}

// LastFinalized returns the hash of the last block this validator saw
// finalized.
func (v *Validator) LastFinalized() types.Hash {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastFinalized
}

// ObserveFinalized records a newly finalized block hash.
func (v *Validator) ObserveFinalized(hash types.Hash) {
	v.mu.Lock()
	v.lastFinalized = hash
	v.mu.Unlock()
}

// SetKeepAliveWhenIdle keeps Run going after an idle round instead of
// returning.
func (v *Validator) SetKeepAliveWhenIdle(keep bool) {
	v.mu.Lock()
	v.keepAlive = keep
	v.mu.Unlock()
}

// SetDropInvalid makes the validator cancel a pool transaction that
// fails re-validation while building, so the next round can proceed.
func (v *Validator) SetDropInvalid(drop bool) {
	v.mu.Lock()
	v.dropInvalid = drop
	v.mu.Unlock()
}

// Close zeroes the private key.
func (v *Validator) Close() {
	v.key.Zero()
}

// Vote reports whether this validator considers blk valid.
func (v *Validator) Vote(blk *block.Block) bool {
	if err := v.builder.ValidateBlock(blk); err != nil {
		hash := "nil"
		if blk != nil {
			hash = blk.Hash.Short()
		}
		v.logger.Debug().Err(err).Str("hash", hash).Msg("Vote rejected")
		return false
	}
	return true
}

// propose builds a candidate when this validator leads the round.
func (v *Validator) propose() (builder.Proposal, error) {
	leader, err := v.builder.SelectLeader()
	if err != nil {
		return builder.Proposal{}, err
	}
	if leader.PubKey != v.id {
		return builder.Proposal{}, ErrNotLeader
	}
	return v.builder.Build(v.LastFinalized())
}

// Tick runs one round: leader check, build, self-check, vote, tally and
// finalize or reject.
func (v *Validator) Tick(ctx context.Context) (RoundResult, error) {
	if err := ctx.Err(); err != nil {
		return RoundSkipped, err
	}

	p, err := v.propose()
	switch {
	case errors.Is(err, ErrNotLeader):
		return RoundSkipped, nil
	case err != nil:
		v.handleBuildError(err)
		return RoundFailed, fmt.Errorf("build: %w", err)
	case p.Status == builder.StatusIdle:
		return RoundIdle, nil
	}

	blk := p.Block
	if err := v.builder.ValidateBlock(blk); err != nil {
		return RoundFailed, fmt.Errorf("self-check: %w", err)
	}
	v.committee.tracker.RecordProposal(v.id)

	members, votes := v.committee.collectVotes(blk)
	yes, ok := Tally(votes, len(members))
	threshold := Threshold(len(members))
	if !ok {
		v.committee.tracker.RecordRejected(v.id)
		v.logger.Warn().
			Str("hash", blk.Hash.Short()).
			Int("votes", yes).
			Int("threshold", threshold).
			Msg("Proposal rejected")
		return RoundRejected, fmt.Errorf("%w: %d of %d votes, need %d", ErrNoQuorum, yes, len(members), threshold)
	}

	height, err := v.finalize(blk, members)
	if err != nil {
		return RoundFailed, err
	}
	v.committee.tracker.RecordFinalized(v.id)

	v.logger.Info().
		Uint64("height", height).
		Str("hash", blk.Hash.Short()).
		Int("txs", len(blk.Transactions)).
		Int("votes", yes).
		Int("threshold", threshold).
		Msg("Block finalized")
	return RoundFinalized, nil
}

// finalize applies blk to the shared ledger and prunes the pool.
func (v *Validator) finalize(blk *block.Block, members []Member) (uint64, error) {
	return v.committee.finalize(blk, members)
}

func (v *Validator) handleBuildError(err error) {
	var ite *builder.InvalidTxError
	if !errors.As(err, &ite) || !ite.InPool {
		return
	}
	v.mu.RLock()
	drop := v.dropInvalid
	v.mu.RUnlock()
	if !drop {
		return
	}
	if v.committee.pool.Cancel(ite.PoolID) {
		v.logger.Warn().
			Uint64("id", ite.PoolID).
			Str("tx", ite.Hash.Short()).
			Err(ite.Err).
			Msg("Dropped invalid transaction from pool")
	}
}

// Run ticks every interval until ctx is cancelled. An idle round ends the
// loop unless keep-alive is set; every other error is logged and the loop
// continues.
func (v *Validator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			v.logger.Info().Msg("Validator stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		res, err := v.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrNoQuorum) {
				continue
			}
			v.logger.Error().Err(err).Str("round", res.String()).Msg("Round failed")
			continue
		}
		if res != RoundIdle {
			continue
		}

		v.mu.RLock()
		keep := v.keepAlive
		v.mu.RUnlock()
		if !keep {
			v.logger.Info().Msg("Pool idle, validator exiting")
			return nil
		}
	}
}
