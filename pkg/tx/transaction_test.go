package tx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// memLedger is a minimal map-backed Ledger for exercising Validate/Execute.
type memLedger struct {
	accounts   map[types.PubKey]types.UserAccount
	validators map[types.PubKey]types.ValidatorAccount
	failDebit  bool
}

func newMemLedger() *memLedger {
	return &memLedger{
		accounts:   make(map[types.PubKey]types.UserAccount),
		validators: make(map[types.PubKey]types.ValidatorAccount),
	}
}

func (m *memLedger) GetAccount(pub types.PubKey) (types.UserAccount, bool) {
	a, ok := m.accounts[pub]
	return a, ok
}

func (m *memLedger) GetValidator(pub types.PubKey) (types.ValidatorAccount, bool) {
	v, ok := m.validators[pub]
	return v, ok
}

func (m *memLedger) Credit(pub types.PubKey, amount uint64) error {
	a, ok := m.accounts[pub]
	if !ok {
		return ErrAccountNotFound
	}
	a.Balance += amount
	m.accounts[pub] = a
	return nil
}

func (m *memLedger) Debit(pub types.PubKey, amount uint64) error {
	if m.failDebit {
		return ErrInsufficientBalance
	}
	a, ok := m.accounts[pub]
	if !ok {
		return ErrAccountNotFound
	}
	if !a.CanDebit(amount) {
		return ErrInsufficientBalance
	}
	a.Balance -= amount
	m.accounts[pub] = a
	return nil
}

func (m *memLedger) IncreaseStake(pub types.PubKey, amount uint64) error {
	v, ok := m.validators[pub]
	if !ok {
		return ErrValidatorNotFound
	}
	v.Stake += amount
	m.validators[pub] = v
	return nil
}

func (m *memLedger) SetNonce(pub types.PubKey, nonce uint64) error {
	a, ok := m.accounts[pub]
	if !ok {
		return ErrAccountNotFound
	}
	a.Nonce = nonce
	m.accounts[pub] = a
	return nil
}

func genKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func fund(l *memLedger, pub types.PubKey, balance uint64) {
	l.accounts[pub] = types.UserAccount{PubKey: pub, Balance: balance}
}

func signedTransfer(t *testing.T, from *crypto.PrivateKey, to types.PubKey, amount, nonce uint64) *Transfer {
	t.Helper()
	tr := NewTransfer(from.PublicKey(), to, amount, nonce)
	if err := tr.Sign(from); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tr
}

func TestTransfer_SigningBytesLayout(t *testing.T) {
	var to, from types.PubKey
	to[0], from[0] = 0xaa, 0xbb
	tr := NewTransfer(from, to, 500, 7)

	b := tr.SigningBytes()
	if len(b) != 2*types.PubKeySize+16 {
		t.Fatalf("len = %d, want %d", len(b), 2*types.PubKeySize+16)
	}
	if !bytes.Equal(b[:33], to[:]) {
		t.Fatal("first field should be recipient")
	}
	if !bytes.Equal(b[33:66], from[:]) {
		t.Fatal("second field should be sender")
	}
	if binary.LittleEndian.Uint64(b[66:74]) != 7 {
		t.Fatal("nonce should follow keys")
	}
	if binary.LittleEndian.Uint64(b[74:82]) != 500 {
		t.Fatal("amount should be last")
	}
}

func TestTransfer_SignatureExcludedFromHash(t *testing.T) {
	key := genKey(t)
	tr := NewTransfer(key.PublicKey(), genKey(t).PublicKey(), 10, 0)
	before := tr.Hash()
	if err := tr.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if tr.Hash() != before {
		t.Fatal("signing changed the transaction hash")
	}
}

func TestTransfer_SignVerify(t *testing.T) {
	key := genKey(t)
	tr := signedTransfer(t, key, genKey(t).PublicKey(), 10, 0)
	if err := tr.VerifySignature(); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}

	tr.Amount = 11
	if err := tr.VerifySignature(); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered amount: got %v, want ErrInvalidSignature", err)
	}
}

func TestTransfer_SignWrongKey(t *testing.T) {
	tr := NewTransfer(genKey(t).PublicKey(), genKey(t).PublicKey(), 10, 0)
	if err := tr.Sign(genKey(t)); err == nil {
		t.Fatal("signing with a foreign key should fail")
	}
}

func TestTransfer_Unsigned(t *testing.T) {
	tr := NewTransfer(genKey(t).PublicKey(), genKey(t).PublicKey(), 10, 0)
	if err := tr.VerifySignature(); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
}

func TestTransfer_Validate(t *testing.T) {
	a, b := genKey(t), genKey(t)
	l := newMemLedger()
	fund(l, a.PublicKey(), 1000)
	fund(l, b.PublicKey(), 0)

	tests := []struct {
		name   string
		amount uint64
		nonce  uint64
		setup  func()
		want   error
	}{
		{"ok", 500, 0, nil, nil},
		{"one below balance", 999, 0, nil, nil},
		{"exact balance", 1000, 0, nil, ErrInsufficientBalance},
		{"over balance", 1001, 0, nil, ErrInsufficientBalance},
		{"stale nonce", 10, 0, func() {
			acct := l.accounts[a.PublicKey()]
			acct.Nonce = 3
			l.accounts[a.PublicKey()] = acct
		}, ErrNonceTooLow},
		{"missing recipient", 10, 5, func() { delete(l.accounts, b.PublicKey()) }, ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			tr := signedTransfer(t, a, b.PublicKey(), tt.amount, tt.nonce)
			err := tr.Validate(l)
			if tt.want == nil && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransfer_Execute(t *testing.T) {
	a, b := genKey(t), genKey(t)
	l := newMemLedger()
	fund(l, a.PublicKey(), 1000)
	fund(l, b.PublicKey(), 0)

	tr := signedTransfer(t, a, b.PublicKey(), 500, 0)
	if err := tr.Execute(l); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	from, to := l.accounts[a.PublicKey()], l.accounts[b.PublicKey()]
	if from.Balance != 500 || to.Balance != 500 {
		t.Fatalf("balances = %d/%d, want 500/500", from.Balance, to.Balance)
	}
	if from.Balance+to.Balance != 1000 {
		t.Fatal("supply not preserved")
	}
	if from.Nonce != 1 {
		t.Fatalf("sender nonce = %d, want 1", from.Nonce)
	}

	// Replaying the same transaction is now stale.
	if err := tr.Execute(l); !errors.Is(err, ErrNonceTooLow) {
		t.Fatalf("replay: got %v, want ErrNonceTooLow", err)
	}
}

func TestTransfer_ExecuteDebitFailure(t *testing.T) {
	a, b := genKey(t), genKey(t)
	l := newMemLedger()
	fund(l, a.PublicKey(), 1000)
	fund(l, b.PublicKey(), 0)
	l.failDebit = true

	err := signedTransfer(t, a, b.PublicKey(), 10, 0).Execute(l)
	if !errors.Is(err, ErrBalanceDebit) {
		t.Fatalf("got %v, want ErrBalanceDebit", err)
	}
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("cause should be preserved, got %v", err)
	}
}

func TestTransfer_NonceExhausted(t *testing.T) {
	a, b := genKey(t), genKey(t)
	l := newMemLedger()
	fund(l, a.PublicKey(), 1000)
	fund(l, b.PublicKey(), 0)

	tr := signedTransfer(t, a, b.PublicKey(), 10, math.MaxUint64)
	if err := tr.Validate(l); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("Validate = %v, want ErrNonceExhausted", err)
	}
	if err := tr.Execute(l); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("Execute = %v, want ErrNonceExhausted", err)
	}
	if from := l.accounts[a.PublicKey()]; from.Balance != 1000 || from.Nonce != 0 {
		t.Fatalf("sender = %+v, want untouched", from)
	}

	// The last usable nonce still executes and leaves the account at MaxUint64.
	last := signedTransfer(t, a, b.PublicKey(), 10, math.MaxUint64-1)
	if err := last.Execute(l); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := l.accounts[a.PublicKey()].Nonce; got != math.MaxUint64 {
		t.Fatalf("nonce = %d, want MaxUint64", got)
	}
	if err := tr.Execute(l); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("Execute after last nonce = %v, want ErrNonceExhausted", err)
	}
}

func TestStake_NonceExhausted(t *testing.T) {
	staker, val := genKey(t), genKey(t)
	l := newMemLedger()
	fund(l, staker.PublicKey(), 1000)
	l.validators[val.PublicKey()] = types.NewValidatorAccount(val.PublicKey())

	s := NewStake(val.PublicKey(), staker.PublicKey(), 10, math.MaxUint64)
	if err := s.Sign(staker); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := s.Execute(l); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("Execute = %v, want ErrNonceExhausted", err)
	}
	if got := l.validators[val.PublicKey()].Stake; got != 0 {
		t.Fatalf("stake = %d, want 0", got)
	}
}

func TestStake_ValidateExecute(t *testing.T) {
	staker, val := genKey(t), genKey(t)
	l := newMemLedger()
	fund(l, staker.PublicKey(), 1000)

	s := NewStake(val.PublicKey(), staker.PublicKey(), 500, 0)
	if err := s.Sign(staker); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := s.Validate(l); !errors.Is(err, ErrValidatorNotFound) {
		t.Fatalf("unregistered validator: got %v, want ErrValidatorNotFound", err)
	}

	l.validators[val.PublicKey()] = types.NewValidatorAccount(val.PublicKey())
	if err := s.Execute(l); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := l.accounts[staker.PublicKey()].Balance; got != 500 {
		t.Fatalf("staker balance = %d, want 500", got)
	}
	if got := l.validators[val.PublicKey()].Stake; got != 500 {
		t.Fatalf("stake = %d, want 500", got)
	}
}

func TestStake_MissingStaker(t *testing.T) {
	staker, val := genKey(t), genKey(t)
	l := newMemLedger()
	l.validators[val.PublicKey()] = types.NewValidatorAccount(val.PublicKey())

	s := NewStake(val.PublicKey(), staker.PublicKey(), 1, 0)
	s.Sign(staker)
	if err := s.Validate(l); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("got %v, want ErrAccountNotFound", err)
	}
}

func TestStake_SigningBytesDifferFromTransfer(t *testing.T) {
	var x, y types.PubKey
	x[0], y[0] = 1, 2
	tr := NewTransfer(y, x, 5, 1)
	st := NewStake(x, y, 5, 1)
	if !bytes.Equal(tr.SigningBytes(), st.SigningBytes()) {
		t.Fatal("same field layout should serialize identically")
	}
	if tr.Kind() == st.Kind() {
		t.Fatal("kinds must differ")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	a, v := genKey(t), genKey(t)
	tr := signedTransfer(t, a, v.PublicKey(), 42, 3)
	st := NewStake(v.PublicKey(), a.PublicKey(), 7, 4)
	st.Sign(a)

	for _, orig := range []Transaction{tr, st} {
		data, err := Marshal(orig)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got.Kind() != orig.Kind() || got.Hash() != orig.Hash() {
			t.Fatalf("%s: decoded transaction differs", orig.Kind())
		}
		if err := got.VerifySignature(); err != nil {
			t.Fatalf("%s: decoded signature: %v", orig.Kind(), err)
		}
	}
}

func TestCodec_UnknownKind(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"mint","amount":1}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("got %v, want ErrUnknownKind", err)
	}
}

func TestCodec_MissingFields(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"transfer","amount":1}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestClone_Independent(t *testing.T) {
	a := genKey(t)
	tr := signedTransfer(t, a, genKey(t).PublicKey(), 1, 0)
	c := Clone(tr).(*Transfer)
	c.Sig[0] ^= 0xff
	if err := tr.VerifySignature(); err != nil {
		t.Fatal("mutating the clone affected the original")
	}
}
