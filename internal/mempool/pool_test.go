package mempool

import (
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/stakeledger/internal/ledger"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

func newKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

var recipient = func() types.PubKey {
	var p types.PubKey
	p[0] = 0x03
	return p
}()

func signedTx(t *testing.T, key *crypto.PrivateKey, amount, nonce uint64) *tx.Transfer {
	t.Helper()
	tr := tx.NewTransfer(key.PublicKey(), recipient, amount, nonce)
	if err := tr.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tr
}

func TestPool_Submit(t *testing.T) {
	p := New(10)
	key := newKey(t)

	id0, err := p.Submit(signedTx(t, key, 1, 0))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id1, err := p.Submit(signedTx(t, key, 1, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id0 != 0 || id1 != 1 {
		t.Fatalf("ids = %d,%d, want 0,1", id0, id1)
	}
	if p.Count() != 2 {
		t.Fatalf("Count = %d, want 2", p.Count())
	}
	if got, ok := p.Get(id1); !ok || got.AccountNonce() != 1 {
		t.Fatal("Get returned wrong transaction")
	}
}

func TestPool_GetReturnsCopy(t *testing.T) {
	p := New(10)
	id, err := p.Submit(signedTx(t, newKey(t), 1, 0))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := p.Get(id)
	tr := got.(*tx.Transfer)
	tr.Sig[0] ^= 0xff
	tr.Amount = 1000

	again, ok := p.Get(id)
	if !ok {
		t.Fatal("transaction vanished")
	}
	if err := again.VerifySignature(); err != nil {
		t.Fatalf("pooled transaction was mutated: %v", err)
	}
	if again.(*tx.Transfer).Amount != 1 {
		t.Fatal("pooled amount was mutated")
	}
}

func TestPool_Submit_InvalidSignature(t *testing.T) {
	p := New(10)
	tr := signedTx(t, newKey(t), 1, 0)
	tr.Amount = 2

	if _, err := p.Submit(tr); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
	if p.Count() != 0 {
		t.Fatal("invalid transaction was admitted")
	}

	// A rejected submission does not consume an id.
	id, _ := p.Submit(signedTx(t, newKey(t), 1, 0))
	if id != 0 {
		t.Fatalf("first accepted id = %d, want 0", id)
	}
}

func TestPool_Submit_Duplicate(t *testing.T) {
	p := New(10)
	tr := signedTx(t, newKey(t), 1, 0)
	p.Submit(tr)
	if _, err := p.Submit(tr); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestPool_Submit_NonceConflict(t *testing.T) {
	p := New(10)
	key := newKey(t)
	p.Submit(signedTx(t, key, 1, 0))
	if _, err := p.Submit(signedTx(t, key, 2, 0)); !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestPool_Submit_Full(t *testing.T) {
	p := New(2)
	key := newKey(t)
	p.Submit(signedTx(t, key, 1, 0))
	p.Submit(signedTx(t, key, 1, 1))
	if _, err := p.Submit(signedTx(t, key, 1, 2)); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("got %v, want ErrPoolFull", err)
	}
}

func TestPool_Cancel(t *testing.T) {
	p := New(10)
	key := newKey(t)
	id, _ := p.Submit(signedTx(t, key, 1, 0))

	if !p.Cancel(id) {
		t.Fatal("first Cancel should remove the entry")
	}
	if p.Cancel(id) {
		t.Fatal("second Cancel should be a no-op")
	}
	if p.Has(id) {
		t.Fatal("cancelled entry still present")
	}

	// The nonce slot is free again and the id is not reused.
	id2, err := p.Submit(signedTx(t, key, 1, 0))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if id2 == id {
		t.Fatal("sequence id reused")
	}
}

func TestPool_DrainUpTo(t *testing.T) {
	p := New(10)
	key := newKey(t)
	for i := uint64(0); i < 5; i++ {
		p.Submit(signedTx(t, key, 1, i))
	}

	got := p.DrainUpTo(3)
	if len(got) != 3 {
		t.Fatalf("DrainUpTo(3) returned %d", len(got))
	}
	for i, tr := range got {
		if tr.AccountNonce() != uint64(i) {
			t.Fatalf("position %d has nonce %d, want oldest-first", i, tr.AccountNonce())
		}
	}
	if p.Count() != 5 {
		t.Fatal("DrainUpTo must not remove entries")
	}
	if len(p.DrainUpTo(100)) != 5 {
		t.Fatal("DrainUpTo beyond pool size should return everything")
	}
	if p.DrainUpTo(0) != nil {
		t.Fatal("DrainUpTo(0) should return nothing")
	}
}

func TestPool_RemoveIncluded(t *testing.T) {
	p := New(10)
	key := newKey(t)
	a, b, c := signedTx(t, key, 1, 0), signedTx(t, key, 1, 1), signedTx(t, key, 1, 2)
	p.Submit(a)
	idB, _ := p.Submit(b)
	p.Submit(c)

	// Identity match works on an equal copy, not only the same pointer.
	copyA := tx.Clone(a)
	if n := p.RemoveIncluded([]tx.Transaction{copyA, c}); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if p.Count() != 1 || !p.Has(idB) {
		t.Fatal("wrong entries removed")
	}
	if n := p.RemoveIncluded([]tx.Transaction{a}); n != 0 {
		t.Fatal("second removal should be a no-op")
	}
}

func TestPool_ConcurrentSubmitDistinctIDs(t *testing.T) {
	const n = 200
	p := New(n)
	keys := make([]*crypto.PrivateKey, 8)
	for i := range keys {
		keys[i] = newKey(t)
	}
	txs := make([]tx.Transaction, n)
	for i := range txs {
		txs[i] = signedTx(t, keys[i%len(keys)], 1, uint64(i))
	}

	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := p.Submit(txs[i])
			if err != nil {
				t.Errorf("Submit %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != uint64(i) {
			t.Fatalf("ids not dense and unique: position %d has %d", i, id)
		}
	}
}

func TestPool_ConcurrentDrainAndSubmit(t *testing.T) {
	p := New(1000)
	key := newKey(t)
	txs := make([]tx.Transaction, 300)
	for i := range txs {
		txs[i] = signedTx(t, key, 1, uint64(i))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, tr := range txs {
			p.Submit(tr)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			got := p.DrainUpTo(2)
			if len(got) == 2 && got[0].AccountNonce() >= got[1].AccountNonce() {
				t.Error("drain order not stable")
				return
			}
		}
	}()
	wg.Wait()
}

func TestPool_Expire(t *testing.T) {
	p := New(10)
	key := newKey(t)
	base := time.Unix(1_700_000_000, 0)

	p.now = func() time.Time { return base }
	old, _ := p.Submit(signedTx(t, key, 1, 0))
	p.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, _ := p.Submit(signedTx(t, key, 1, 1))

	if n := p.Expire(time.Hour); n != 1 {
		t.Fatalf("Expire removed %d, want 1", n)
	}
	if p.Has(old) || !p.Has(fresh) {
		t.Fatal("wrong entry expired")
	}
	if p.Expire(0) != 0 {
		t.Fatal("zero max age should disable expiry")
	}
}

func TestPolicy_Check(t *testing.T) {
	store := ledger.New()
	key := newKey(t)
	val := newKey(t).PublicKey()
	store.RegisterAccount(key.PublicKey(), types.UserAccount{Balance: 100, Nonce: 2})

	p := New(10)
	p.SetChecker(NewPolicy(store, true))

	if _, err := p.Submit(signedTx(t, key, 1, 1)); !errors.Is(err, tx.ErrNonceTooLow) {
		t.Fatalf("stale nonce: got %v, want ErrNonceTooLow", err)
	}
	if _, err := p.Submit(signedTx(t, newKey(t), 1, 0)); !errors.Is(err, tx.ErrAccountNotFound) {
		t.Fatalf("unknown signer: got %v, want ErrAccountNotFound", err)
	}

	st := tx.NewStake(val, key.PublicKey(), 1, 2)
	st.Sign(key)
	if _, err := p.Submit(st); !errors.Is(err, tx.ErrValidatorNotFound) {
		t.Fatalf("unknown validator: got %v, want ErrValidatorNotFound", err)
	}

	if _, err := p.Submit(signedTx(t, key, 1, math.MaxUint64)); !errors.Is(err, tx.ErrNonceExhausted) {
		t.Fatalf("max nonce: got %v, want ErrNonceExhausted", err)
	}

	if _, err := p.Submit(signedTx(t, key, 1, 2)); err != nil {
		t.Fatalf("valid submit: %v", err)
	}
}
