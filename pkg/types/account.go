package types

// UserAccount is a balance-holding account.
// Balance is unsigned, so it can never go negative.
type UserAccount struct {
	PubKey  PubKey `json:"pubkey"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// NewUserAccount returns an empty account for the given key.
func NewUserAccount(pub PubKey) UserAccount {
	return UserAccount{PubKey: pub}
}

// ValidatorAccount is a staking identity. Stake is both the voting
// weight and the leader-selection key.
type ValidatorAccount struct {
	PubKey            PubKey `json:"pubkey"`
	Stake             uint64 `json:"stake"`
	LastFinalizedHash Hash   `json:"last_finalized_hash"`
}

// NewValidatorAccount returns a validator with zero stake.
func NewValidatorAccount(pub PubKey) ValidatorAccount {
	return ValidatorAccount{PubKey: pub}
}

// CanDebit reports whether amount may be taken from the account.
// The balance must stay strictly positive: a debit that would drain the
// account to exactly zero is refused.
func (a UserAccount) CanDebit(amount uint64) bool {
	return a.Balance > amount
}
