package tx

import (
	"fmt"

	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Stake moves Amount from the Staker balance into the Validator stake.
// Staker signs.
type Stake struct {
	Validator types.PubKey
	Staker    types.PubKey
	Amount    uint64
	Nonce     uint64
	Sig       []byte
}

// NewStake returns an unsigned stake transaction.
func NewStake(validator, staker types.PubKey, amount, nonce uint64) *Stake {
	return &Stake{Validator: validator, Staker: staker, Amount: amount, Nonce: nonce}
}

func (s *Stake) sealed() {}

// Kind returns KindStake.
func (s *Stake) Kind() Kind { return KindStake }

// Signer returns the staking account.
func (s *Stake) Signer() types.PubKey { return s.Staker }

// AccountNonce returns the staker nonce.
func (s *Stake) AccountNonce() uint64 { return s.Nonce }

// SigningBytes returns validator || staker || nonce || amount.
func (s *Stake) SigningBytes() []byte {
	return encode(s.Validator, s.Staker, s.Nonce, s.Amount)
}

// Hash returns the transaction identity.
func (s *Stake) Hash() types.Hash {
	return crypto.Hash(s.SigningBytes())
}

// Signature returns the attached signature.
func (s *Stake) Signature() []byte { return s.Sig }

// Sign signs with the staker's key.
func (s *Stake) Sign(key *crypto.PrivateKey) error {
	sig, err := sign(s, key)
	if err != nil {
		return err
	}
	s.Sig = sig
	return nil
}

// VerifySignature checks the signature against Staker.
func (s *Stake) VerifySignature() error {
	return verify(s)
}

// Validate checks the signature, that the validator is registered and the
// staker can fund the amount.
func (s *Stake) Validate(state State) error {
	if err := s.VerifySignature(); err != nil {
		return err
	}
	if _, ok := state.GetValidator(s.Validator); !ok {
		return fmt.Errorf("validator %s: %w", s.Validator.Short(), ErrValidatorNotFound)
	}
	return checkDebit(state, s.Staker, s.Nonce, s.Amount)
}

// Execute debits the staker, raises the validator stake and advances the
// staker nonce.
func (s *Stake) Execute(l Ledger) error {
	if err := s.Validate(l); err != nil {
		return err
	}
	if err := debit(l, s.Staker, s.Amount); err != nil {
		return err
	}
	if err := l.IncreaseStake(s.Validator, s.Amount); err != nil {
		return fmt.Errorf("increase stake: %w", err)
	}
	return l.SetNonce(s.Staker, s.Nonce+1)
}
