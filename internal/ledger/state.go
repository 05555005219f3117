package ledger

import (
	"fmt"
	"math"

	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// view is the key-level access shared by the live store, snapshots and
// commit overlays. Balance rules are written once against it.
type view interface {
	account(pub types.PubKey) (types.UserAccount, bool)
	validator(pub types.PubKey) (types.ValidatorAccount, bool)
	putAccount(a types.UserAccount)
	putValidator(v types.ValidatorAccount)
}

// state is a plain pair of maps. It is not safe for concurrent use.
type state struct {
	accounts   map[types.PubKey]types.UserAccount
	validators map[types.PubKey]types.ValidatorAccount
}

func newState() *state {
	return &state{
		accounts:   make(map[types.PubKey]types.UserAccount),
		validators: make(map[types.PubKey]types.ValidatorAccount),
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts:   make(map[types.PubKey]types.UserAccount, len(s.accounts)),
		validators: make(map[types.PubKey]types.ValidatorAccount, len(s.validators)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.validators {
		c.validators[k] = v
	}
	return c
}

func (s *state) account(pub types.PubKey) (types.UserAccount, bool) {
	a, ok := s.accounts[pub]
	return a, ok
}

func (s *state) validator(pub types.PubKey) (types.ValidatorAccount, bool) {
	v, ok := s.validators[pub]
	return v, ok
}

func (s *state) putAccount(a types.UserAccount) {
	s.accounts[a.PubKey] = a
}

func (s *state) putValidator(v types.ValidatorAccount) {
	s.validators[v.PubKey] = v
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func credit(v view, pub types.PubKey, amount uint64) error {
	a, ok := v.account(pub)
	if !ok {
		return fmt.Errorf("credit %s: %w", pub.Short(), ErrAccountNotFound)
	}
	a.Balance = saturatingAdd(a.Balance, amount)
	v.putAccount(a)
	return nil
}

func debit(v view, pub types.PubKey, amount uint64) error {
	a, ok := v.account(pub)
	if !ok {
		return fmt.Errorf("debit %s: %w", pub.Short(), ErrAccountNotFound)
	}
	if !a.CanDebit(amount) {
		return fmt.Errorf("debit %s: %w: balance %d, amount %d", pub.Short(), ErrInsufficientBalance, a.Balance, amount)
	}
	a.Balance -= amount
	v.putAccount(a)
	return nil
}

func increaseStake(v view, pub types.PubKey, amount uint64) error {
	val, ok := v.validator(pub)
	if !ok {
		return fmt.Errorf("stake %s: %w", pub.Short(), ErrValidatorNotFound)
	}
	val.Stake = saturatingAdd(val.Stake, amount)
	v.putValidator(val)
	return nil
}

func setNonce(v view, pub types.PubKey, nonce uint64) error {
	a, ok := v.account(pub)
	if !ok {
		return fmt.Errorf("nonce %s: %w", pub.Short(), ErrAccountNotFound)
	}
	a.Nonce = nonce
	v.putAccount(a)
	return nil
}

func setLastFinalized(v view, pub types.PubKey, hash types.Hash) error {
	val, ok := v.validator(pub)
	if !ok {
		return fmt.Errorf("finalized hash %s: %w", pub.Short(), ErrValidatorNotFound)
	}
	val.LastFinalizedHash = hash
	v.putValidator(val)
	return nil
}
