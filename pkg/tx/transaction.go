// Package tx defines the ledger transaction kinds and their validation and
// execution rules.
package tx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Kind identifies a transaction variant.
type Kind uint8

// Transaction kinds.
const (
	KindTransfer Kind = iota + 1
	KindStake
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindStake:
		return "stake"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Validation and execution errors.
var (
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrAccountNotFound     = errors.New("account not found")
	ErrValidatorNotFound   = errors.New("validator not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNonceTooLow         = errors.New("nonce too low")
	ErrNonceExhausted      = errors.New("nonce exhausted")
	ErrBalanceDebit        = errors.New("balance debit failed during execution")
	ErrUnknownKind         = errors.New("unknown transaction kind")
	ErrMalformed           = errors.New("malformed transaction")
)

// State is the read-only ledger view transactions validate against.
type State interface {
	GetAccount(pub types.PubKey) (types.UserAccount, bool)
	GetValidator(pub types.PubKey) (types.ValidatorAccount, bool)
}

// Ledger is the mutable ledger view transactions execute against.
// Callers hold exclusive access for the whole of Execute.
type Ledger interface {
	State
	Credit(pub types.PubKey, amount uint64) error
	Debit(pub types.PubKey, amount uint64) error
	IncreaseStake(pub types.PubKey, amount uint64) error
	SetNonce(pub types.PubKey, nonce uint64) error
}

// Transaction is implemented by *Transfer and *Stake only.
type Transaction interface {
	// Kind returns the variant tag.
	Kind() Kind
	// Signer is the account whose key must sign the transaction.
	Signer() types.PubKey
	// AccountNonce is the signer nonce carried by the transaction.
	AccountNonce() uint64
	// SigningBytes is the canonical serialization. It excludes the signature.
	SigningBytes() []byte
	// Hash is the transaction identity, BLAKE3 of SigningBytes.
	Hash() types.Hash
	// Signature returns the attached signature, nil if unsigned.
	Signature() []byte
	// Sign attaches a signature made with key. The key must match Signer.
	Sign(key *crypto.PrivateKey) error
	// VerifySignature checks the signature against Signer.
	VerifySignature() error
	// Validate checks the transaction against a ledger view without
	// modifying it.
	Validate(state State) error
	// Execute re-validates and applies the transaction to l.
	Execute(l Ledger) error

	sealed()
}

// encode builds the fixed-width layout shared by both kinds:
// first(33) || second(33) || nonce(u64 LE) || amount(u64 LE).
func encode(first, second types.PubKey, nonce, amount uint64) []byte {
	buf := make([]byte, 0, 2*types.PubKeySize+16)
	buf = append(buf, first[:]...)
	buf = append(buf, second[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, nonce)
	buf = binary.LittleEndian.AppendUint64(buf, amount)
	return buf
}

func sign(t Transaction, key *crypto.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("sign %s: nil key", t.Kind())
	}
	if key.PublicKey() != t.Signer() {
		return nil, fmt.Errorf("sign %s: key does not match signer %s", t.Kind(), t.Signer().Short())
	}
	return key.SignMessage(t.SigningBytes())
}

func verify(t Transaction) error {
	sig := t.Signature()
	if len(sig) == 0 {
		return fmt.Errorf("%w: missing", ErrInvalidSignature)
	}
	if !crypto.VerifyMessage(t.SigningBytes(), sig, t.Signer()) {
		return ErrInvalidSignature
	}
	return nil
}

// checkDebit validates the signer side shared by all kinds: the account
// exists, the nonce is not stale, and the debit policy admits amount.
func checkDebit(state State, signer types.PubKey, nonce, amount uint64) error {
	acct, ok := state.GetAccount(signer)
	if !ok {
		return fmt.Errorf("signer %s: %w", signer.Short(), ErrAccountNotFound)
	}
	if nonce < acct.Nonce {
		return fmt.Errorf("%w: got %d, account at %d", ErrNonceTooLow, nonce, acct.Nonce)
	}
	// The account nonce advances to nonce+1, which must not wrap.
	if nonce == math.MaxUint64 {
		return ErrNonceExhausted
	}
	if !acct.CanDebit(amount) {
		return fmt.Errorf("%w: balance %d, amount %d", ErrInsufficientBalance, acct.Balance, amount)
	}
	return nil
}

// debit applies the signer debit and wraps failures as execution errors.
func debit(l Ledger, signer types.PubKey, amount uint64) error {
	if err := l.Debit(signer, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrBalanceDebit, err)
	}
	return nil
}

func copySig(sig []byte) []byte {
	if sig == nil {
		return nil
	}
	out := make([]byte, len(sig))
	copy(out, sig)
	return out
}
