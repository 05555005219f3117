package block

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

func testTransfer(t *testing.T, key *crypto.PrivateKey, amount, nonce uint64) tx.Transaction {
	t.Helper()
	var to types.PubKey
	to[0] = 0x02
	tr := tx.NewTransfer(key.PublicKey(), to, amount, nonce)
	if err := tr.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tr
}

func testKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func TestGenesis_Deterministic(t *testing.T) {
	a, b := Genesis(), Genesis()
	if a.Hash != b.Hash {
		t.Fatal("genesis hash not deterministic")
	}
	if a.Hash != GenesisHash || a.PrevHash != GenesisHash {
		t.Fatal("genesis should carry the sentinel hash")
	}
	if len(a.Transactions) != 0 {
		t.Fatal("genesis should have no transactions")
	}
	if !a.IsGenesis() {
		t.Fatal("IsGenesis() = false")
	}
	if GenesisHash.IsZero() {
		t.Fatal("sentinel must differ from the zero hash")
	}
	for _, by := range GenesisHash {
		if by != 0x01 {
			t.Fatal("sentinel bytes must all be 0x01")
		}
	}
}

func TestNew_TimestampAffectsHash(t *testing.T) {
	key := testKey(t)
	txs := []tx.Transaction{testTransfer(t, key, 10, 0)}
	prev := types.Hash{0xaa}

	b1 := New(txs, prev, 1700000000)
	b2 := New(txs, prev, 1700000001)
	if b1.Hash == b2.Hash {
		t.Fatal("different timestamps should give different hashes")
	}

	b3 := New(txs, prev, 1700000000)
	if b1.Hash != b3.Hash {
		t.Fatal("identical inputs should give identical hashes")
	}
}

func TestNew_PrevHashAndOrderAffectHash(t *testing.T) {
	key := testKey(t)
	t1, t2 := testTransfer(t, key, 10, 0), testTransfer(t, key, 20, 1)

	a := New([]tx.Transaction{t1, t2}, types.Hash{1}, 5)
	b := New([]tx.Transaction{t2, t1}, types.Hash{1}, 5)
	c := New([]tx.Transaction{t1, t2}, types.Hash{2}, 5)
	if a.Hash == b.Hash {
		t.Fatal("transaction order should affect the hash")
	}
	if a.Hash == c.Hash {
		t.Fatal("prev hash should affect the hash")
	}
}

func TestComputeHash_IgnoresSignatures(t *testing.T) {
	key := testKey(t)
	tr := testTransfer(t, key, 10, 0).(*tx.Transfer)
	blk := New([]tx.Transaction{tr}, types.Hash{1}, 5)

	stripped := *tr
	stripped.Sig = nil
	if ComputeHash(types.Hash{1}, 5, []tx.Transaction{&stripped}) != blk.Hash {
		t.Fatal("signatures must not contribute to the block hash")
	}
}

func TestVerifyHash_Tampered(t *testing.T) {
	key := testKey(t)
	blk := New([]tx.Transaction{testTransfer(t, key, 10, 0)}, types.Hash{1}, 5)
	if err := blk.VerifyHash(); err != nil {
		t.Fatalf("VerifyHash: %v", err)
	}

	blk.Timestamp++
	if err := blk.VerifyHash(); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("got %v, want ErrHashMismatch", err)
	}
}

func TestVerifyHash_FakeGenesis(t *testing.T) {
	key := testKey(t)
	blk := &Block{
		Transactions: []tx.Transaction{testTransfer(t, key, 10, 0)},
		Hash:         GenesisHash,
		PrevHash:     GenesisHash,
	}
	if err := blk.VerifyHash(); !errors.Is(err, ErrGenesisMalformed) {
		t.Fatalf("got %v, want ErrGenesisMalformed", err)
	}
}

func TestValidateStructure(t *testing.T) {
	a, b := testKey(t), testKey(t)
	prev := types.Hash{0xaa}

	tests := []struct {
		name   string
		build  func() *Block
		maxTxs int
		want   error
	}{
		{"valid", func() *Block {
			return New([]tx.Transaction{testTransfer(t, a, 1, 0), testTransfer(t, b, 1, 0)}, prev, 10)
		}, 2, nil},
		{"genesis", Genesis, 2, nil},
		{"zero timestamp", func() *Block {
			return New([]tx.Transaction{testTransfer(t, a, 1, 0)}, prev, 0)
		}, 2, ErrZeroTimestamp},
		{"empty", func() *Block { return New(nil, prev, 10) }, 2, ErrNoTransactions},
		{"too many", func() *Block {
			return New([]tx.Transaction{testTransfer(t, a, 1, 0), testTransfer(t, a, 1, 1), testTransfer(t, a, 1, 2)}, prev, 10)
		}, 2, ErrTooManyTxs},
		{"duplicate", func() *Block {
			d := testTransfer(t, a, 1, 0)
			return New([]tx.Transaction{d, d}, prev, 10)
		}, 2, ErrDuplicateTx},
		{"nonce order", func() *Block {
			return New([]tx.Transaction{testTransfer(t, a, 1, 3), testTransfer(t, a, 2, 3)}, prev, 10)
		}, 2, ErrNonceOrder},
		{"nonce decreasing", func() *Block {
			return New([]tx.Transaction{testTransfer(t, a, 1, 4), testTransfer(t, a, 1, 2)}, prev, 10)
		}, 2, ErrNonceOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().ValidateStructure(tt.maxTxs)
			if tt.want == nil && err != nil {
				t.Fatalf("ValidateStructure: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("ValidateStructure = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBlock_JSONRoundTrip(t *testing.T) {
	staker, val := testKey(t), testKey(t)
	st := tx.NewStake(val.PublicKey(), staker.PublicKey(), 50, 0)
	st.Sign(staker)
	blk := New([]tx.Transaction{testTransfer(t, staker, 10, 1), st}, types.Hash{7}, 99)

	data, err := json.Marshal(blk)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Block
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Hash != blk.Hash || got.PrevHash != blk.PrevHash || got.Timestamp != blk.Timestamp {
		t.Fatal("header fields differ after round trip")
	}
	if err := got.VerifyHash(); err != nil {
		t.Fatalf("decoded block hash: %v", err)
	}
	if got.Transactions[1].Kind() != tx.KindStake {
		t.Fatal("transaction kinds not preserved")
	}
}
