package tx

import (
	"fmt"

	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Transfer moves Amount from From to To. From signs.
type Transfer struct {
	To     types.PubKey
	From   types.PubKey
	Amount uint64
	Nonce  uint64
	Sig    []byte
}

// NewTransfer returns an unsigned transfer.
func NewTransfer(from, to types.PubKey, amount, nonce uint64) *Transfer {
	return &Transfer{To: to, From: from, Amount: amount, Nonce: nonce}
}

func (t *Transfer) sealed() {}

// Kind returns KindTransfer.
func (t *Transfer) Kind() Kind { return KindTransfer }

// Signer returns the sending account.
func (t *Transfer) Signer() types.PubKey { return t.From }

// AccountNonce returns the sender nonce.
func (t *Transfer) AccountNonce() uint64 { return t.Nonce }

// SigningBytes returns to || from || nonce || amount.
func (t *Transfer) SigningBytes() []byte {
	return encode(t.To, t.From, t.Nonce, t.Amount)
}

// Hash returns the transaction identity.
func (t *Transfer) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// Signature returns the attached signature.
func (t *Transfer) Signature() []byte { return t.Sig }

// Sign signs with the sender's key.
func (t *Transfer) Sign(key *crypto.PrivateKey) error {
	sig, err := sign(t, key)
	if err != nil {
		return err
	}
	t.Sig = sig
	return nil
}

// VerifySignature checks the signature against From.
func (t *Transfer) VerifySignature() error {
	return verify(t)
}

// Validate checks the signature, that both accounts exist, the nonce and
// the sender balance.
func (t *Transfer) Validate(state State) error {
	if err := t.VerifySignature(); err != nil {
		return err
	}
	if _, ok := state.GetAccount(t.To); !ok {
		return fmt.Errorf("recipient %s: %w", t.To.Short(), ErrAccountNotFound)
	}
	return checkDebit(state, t.From, t.Nonce, t.Amount)
}

// Execute debits From, credits To and advances the sender nonce.
func (t *Transfer) Execute(l Ledger) error {
	if err := t.Validate(l); err != nil {
		return err
	}
	if err := debit(l, t.From, t.Amount); err != nil {
		return err
	}
	if err := l.Credit(t.To, t.Amount); err != nil {
		return fmt.Errorf("credit recipient: %w", err)
	}
	return l.SetNonce(t.From, t.Nonce+1)
}
