package ledger

import "github.com/Klingon-tech/stakeledger/pkg/types"

// Snapshot is a private copy of the ledger taken by Store.Snapshot. It can
// be mutated to simulate a sequence of transactions without touching the
// store. Not safe for concurrent use.
type Snapshot struct {
	st *state
}

// GetAccount returns the account in the snapshot.
func (s *Snapshot) GetAccount(pub types.PubKey) (types.UserAccount, bool) {
	return s.st.account(pub)
}

// GetValidator returns the validator in the snapshot.
func (s *Snapshot) GetValidator(pub types.PubKey) (types.ValidatorAccount, bool) {
	return s.st.validator(pub)
}

// Credit increases a balance in the snapshot.
func (s *Snapshot) Credit(pub types.PubKey, amount uint64) error {
	return credit(s.st, pub, amount)
}

// Debit decreases a balance in the snapshot.
func (s *Snapshot) Debit(pub types.PubKey, amount uint64) error {
	return debit(s.st, pub, amount)
}

// IncreaseStake increases a stake in the snapshot.
func (s *Snapshot) IncreaseStake(pub types.PubKey, amount uint64) error {
	return increaseStake(s.st, pub, amount)
}

// SetNonce sets a nonce in the snapshot.
func (s *Snapshot) SetNonce(pub types.PubKey, nonce uint64) error {
	return setNonce(s.st, pub, nonce)
}
