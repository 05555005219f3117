package ledger

import "github.com/Klingon-tech/stakeledger/pkg/types"

// Txn is the staged overlay handed to Commit callbacks. Reads see staged
// writes first, then the committed state. A Txn is only valid inside the
// callback that received it.
type Txn struct {
	base       *state
	accounts   map[types.PubKey]types.UserAccount
	validators map[types.PubKey]types.ValidatorAccount
}

func newTxn(base *state) *Txn {
	return &Txn{
		base:       base,
		accounts:   make(map[types.PubKey]types.UserAccount),
		validators: make(map[types.PubKey]types.ValidatorAccount),
	}
}

func (t *Txn) account(pub types.PubKey) (types.UserAccount, bool) {
	if a, ok := t.accounts[pub]; ok {
		return a, true
	}
	return t.base.account(pub)
}

func (t *Txn) validator(pub types.PubKey) (types.ValidatorAccount, bool) {
	if v, ok := t.validators[pub]; ok {
		return v, true
	}
	return t.base.validator(pub)
}

func (t *Txn) putAccount(a types.UserAccount)        { t.accounts[a.PubKey] = a }
func (t *Txn) putValidator(v types.ValidatorAccount) { t.validators[v.PubKey] = v }

// GetAccount returns the staged or committed account.
func (t *Txn) GetAccount(pub types.PubKey) (types.UserAccount, bool) { return t.account(pub) }

// GetValidator returns the staged or committed validator.
func (t *Txn) GetValidator(pub types.PubKey) (types.ValidatorAccount, bool) {
	return t.validator(pub)
}

// Credit stages a saturating balance increase.
func (t *Txn) Credit(pub types.PubKey, amount uint64) error { return credit(t, pub, amount) }

// Debit stages a balance decrease under the strict policy.
func (t *Txn) Debit(pub types.PubKey, amount uint64) error { return debit(t, pub, amount) }

// IncreaseStake stages a saturating stake increase.
func (t *Txn) IncreaseStake(pub types.PubKey, amount uint64) error {
	return increaseStake(t, pub, amount)
}

// SetNonce stages a nonce update.
func (t *Txn) SetNonce(pub types.PubKey, nonce uint64) error { return setNonce(t, pub, nonce) }

// SetLastFinalized stages a validator's last finalized hash.
func (t *Txn) SetLastFinalized(pub types.PubKey, hash types.Hash) error {
	return setLastFinalized(t, pub, hash)
}
