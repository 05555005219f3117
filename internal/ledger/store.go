// Package ledger holds the authoritative account and stake registry.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/Klingon-tech/stakeledger/internal/storage"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Ledger errors. They are the same values transactions report, so
// errors.Is works across both packages.
var (
	ErrAccountNotFound     = tx.ErrAccountNotFound
	ErrValidatorNotFound   = tx.ErrValidatorNotFound
	ErrInsufficientBalance = tx.ErrInsufficientBalance
)

// Key prefixes for persisted state.
var (
	prefixAccount   = []byte("a/") // a/<pubkey(33)> -> UserAccount JSON
	prefixValidator = []byte("v/") // v/<pubkey(33)> -> ValidatorAccount JSON
)

// Store is the shared account and validator registry. Every exported
// method is atomic on its own; Commit groups several mutations into one
// exclusive section.
type Store struct {
	mu sync.RWMutex
	st *state
	db storage.DB // nil for a purely in-memory ledger
}

// New creates an empty in-memory ledger.
func New() *Store {
	return &Store{st: newState()}
}

// Open creates a ledger persisted in db and loads any existing state.
func Open(db storage.DB) (*Store, error) {
	s := &Store{st: newState(), db: db}

	err := db.ForEach(prefixAccount, func(_, value []byte) error {
		var a types.UserAccount
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("decode account: %w", err)
		}
		s.st.putAccount(a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	err = db.ForEach(prefixValidator, func(_, value []byte) error {
		var v types.ValidatorAccount
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("decode validator: %w", err)
		}
		s.st.putValidator(v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load validators: %w", err)
	}

	log.Ledger.Debug().
		Int("accounts", len(s.st.accounts)).
		Int("validators", len(s.st.validators)).
		Msg("Ledger loaded")
	return s, nil
}

// IsEmpty reports whether no account or validator has been registered.
func (s *Store) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.accounts) == 0 && len(s.st.validators) == 0
}

// RegisterAccount inserts or replaces the account stored under pub.
func (s *Store) RegisterAccount(pub types.PubKey, acct types.UserAccount) error {
	acct.PubKey = pub
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(map[types.PubKey]types.UserAccount{pub: acct}, nil); err != nil {
		return err
	}
	s.st.putAccount(acct)
	return nil
}

// RegisterValidator inserts or replaces the validator stored under pub.
func (s *Store) RegisterValidator(pub types.PubKey, val types.ValidatorAccount) error {
	val.PubKey = pub
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(nil, map[types.PubKey]types.ValidatorAccount{pub: val}); err != nil {
		return err
	}
	s.st.putValidator(val)
	return nil
}

// GetAccount returns a copy of the account, or false if absent.
func (s *Store) GetAccount(pub types.PubKey) (types.UserAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.account(pub)
}

// GetValidator returns a copy of the validator, or false if absent.
func (s *Store) GetValidator(pub types.PubKey) (types.ValidatorAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.validator(pub)
}

// IsValidator reports whether pub is a registered validator.
func (s *Store) IsValidator(pub types.PubKey) bool {
	_, ok := s.GetValidator(pub)
	return ok
}

// Credit adds amount to the balance, saturating at the uint64 maximum.
func (s *Store) Credit(pub types.PubKey, amount uint64) error {
	return s.Commit(func(t *Txn) error { return t.Credit(pub, amount) })
}

// Debit subtracts amount from the balance. The balance must be strictly
// greater than amount.
func (s *Store) Debit(pub types.PubKey, amount uint64) error {
	return s.Commit(func(t *Txn) error { return t.Debit(pub, amount) })
}

// IncreaseStake adds amount to the validator stake, saturating.
func (s *Store) IncreaseStake(pub types.PubKey, amount uint64) error {
	return s.Commit(func(t *Txn) error { return t.IncreaseStake(pub, amount) })
}

// SetNonce sets the account nonce.
func (s *Store) SetNonce(pub types.PubKey, nonce uint64) error {
	return s.Commit(func(t *Txn) error { return t.SetNonce(pub, nonce) })
}

// SetLastFinalized records the last block hash the validator saw finalized.
func (s *Store) SetLastFinalized(pub types.PubKey, hash types.Hash) error {
	return s.Commit(func(t *Txn) error { return t.SetLastFinalized(pub, hash) })
}

// Validators returns every validator ordered by public key.
func (s *Store) Validators() []types.ValidatorAccount {
	s.mu.RLock()
	out := make([]types.ValidatorAccount, 0, len(s.st.validators))
	for _, v := range s.st.validators {
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PubKey.Compare(out[j].PubKey) < 0 })
	return out
}

// Accounts returns every user account ordered by public key.
func (s *Store) Accounts() []types.UserAccount {
	s.mu.RLock()
	out := make([]types.UserAccount, 0, len(s.st.accounts))
	for _, a := range s.st.accounts {
		out = append(out, a)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PubKey.Compare(out[j].PubKey) < 0 })
	return out
}

// TotalSupply returns the sum of all balances and stakes, saturating.
func (s *Store) TotalSupply() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, a := range s.st.accounts {
		total = saturatingAdd(total, a.Balance)
	}
	for _, v := range s.st.validators {
		total = saturatingAdd(total, v.Stake)
	}
	return total
}

// Snapshot returns a private point-in-time copy of the ledger.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{st: s.st.clone()}
}

// Commit runs fn against a staged overlay while holding the exclusive
// lock. The staged changes are persisted and published only if fn returns
// nil; otherwise the ledger is left untouched.
func (s *Store) Commit(fn func(*Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTxn(s.st)
	if err := fn(t); err != nil {
		return err
	}
	if len(t.accounts) == 0 && len(t.validators) == 0 {
		return nil
	}
	if err := s.persist(t.accounts, t.validators); err != nil {
		return err
	}
	for _, a := range t.accounts {
		s.st.putAccount(a)
	}
	for _, v := range t.validators {
		s.st.putValidator(v)
	}
	return nil
}

// persist writes the given records in one batch. Caller holds s.mu.
func (s *Store) persist(accounts map[types.PubKey]types.UserAccount, validators map[types.PubKey]types.ValidatorAccount) error {
	if s.db == nil {
		return nil
	}
	b := storage.NewBatch(s.db)
	for pub, a := range accounts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode account: %w", err)
		}
		if err := b.Put(key(prefixAccount, pub), data); err != nil {
			return fmt.Errorf("persist account: %w", err)
		}
	}
	for pub, v := range validators {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode validator: %w", err)
		}
		if err := b.Put(key(prefixValidator, pub), data); err != nil {
			return fmt.Errorf("persist validator: %w", err)
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func key(prefix []byte, pub types.PubKey) []byte {
	k := make([]byte, len(prefix)+types.PubKeySize)
	copy(k, prefix)
	copy(k[len(prefix):], pub[:])
	return k
}
