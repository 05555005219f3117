package mempool

import (
	"fmt"
	"math"

	"github.com/Klingon-tech/stakeledger/pkg/tx"
)

// Policy is the default admission Checker. It rejects transactions the
// ledger already proves useless; balance is left to build time since
// earlier pending transactions may fund the signer.
type Policy struct {
	State      tx.State
	CheckNonce bool
}

// NewPolicy returns a policy reading from state.
func NewPolicy(state tx.State, checkNonce bool) *Policy {
	return &Policy{State: state, CheckNonce: checkNonce}
}

// Check validates t against policy rules.
func (p *Policy) Check(t tx.Transaction) error {
	acct, ok := p.State.GetAccount(t.Signer())
	if !ok {
		return fmt.Errorf("signer %s: %w", t.Signer().Short(), tx.ErrAccountNotFound)
	}
	if t.AccountNonce() == math.MaxUint64 {
		return tx.ErrNonceExhausted
	}
	if p.CheckNonce && t.AccountNonce() < acct.Nonce {
		return fmt.Errorf("%w: got %d, account at %d", tx.ErrNonceTooLow, t.AccountNonce(), acct.Nonce)
	}
	if s, ok := t.(*tx.Stake); ok {
		if _, ok := p.State.GetValidator(s.Validator); !ok {
			return fmt.Errorf("validator %s: %w", s.Validator.Short(), tx.ErrValidatorNotFound)
		}
	}
	return nil
}
