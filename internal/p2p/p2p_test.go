package p2p

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/stakeledger/internal/storage"
	"github.com/Klingon-tech/stakeledger/pkg/block"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// --- Node Lifecycle ---

func TestNode_New(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if n == nil {
		t.Fatal("New returned nil")
	}
	if n.host != nil {
		t.Error("host should be nil before Start")
	}
	if n.ID() != "" {
		t.Error("ID should be empty before Start")
	}
	if n.Addrs() != nil {
		t.Error("Addrs should be nil before Start")
	}
}

func TestNode_StartStop(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.ID() == "" {
		t.Error("ID should not be empty after Start")
	}
	if len(n.Addrs()) == 0 {
		t.Error("should have at least one address")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNode_StopBeforeStart(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop before Start should not error: %v", err)
	}
}

func TestNode_PersistentIdentity(t *testing.T) {
	dir := t.TempDir()

	first := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, DataDir: dir})
	if err := first.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := first.ID()
	first.Stop()

	second := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, DataDir: dir})
	if err := second.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer second.Stop()

	if second.ID() != id {
		t.Errorf("peer ID changed across restarts: %s -> %s", id, second.ID())
	}
}

// --- Peer Management ---

func TestNode_AddRemovePeer(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	id := peer.ID("peer-1")

	n.addPeer(id, "")
	n.addPeer(id, "seed")
	if n.PeerCount() != 1 {
		t.Fatalf("PeerCount = %d, want 1", n.PeerCount())
	}
	if got := n.PeerList()[0].Source; got != "seed" {
		t.Errorf("source = %q, want seed", got)
	}

	n.addPeer(id, "dht")
	if got := n.PeerList()[0].Source; got != "seed" {
		t.Errorf("known source overwritten: %q", got)
	}

	n.removePeer(id)
	if n.PeerCount() != 0 {
		t.Errorf("PeerCount = %d after remove, want 0", n.PeerCount())
	}
}

func TestNode_PeerList_Snapshot(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	n.addPeer(peer.ID("peer-1"), "mdns")

	list := n.PeerList()
	list[0].Source = "changed"
	if n.PeerList()[0].Source != "mdns" {
		t.Error("PeerList should return copies")
	}
}

func TestNode_Rendezvous(t *testing.T) {
	if got := New(Config{ChainID: "stakeledger-testnet-1"}).rendezvous(); got != "stakeledger/stakeledger-testnet-1" {
		t.Errorf("rendezvous = %q", got)
	}
	if got := New(Config{}).rendezvous(); got != "stakeledger" {
		t.Errorf("rendezvous = %q", got)
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicTransactions("main"); got != "/stakeledger/main/tx/1.0.0" {
		t.Errorf("TopicTransactions = %q", got)
	}
	if got := TopicBlocks(""); got != "/stakeledger/block/1.0.0" {
		t.Errorf("TopicBlocks = %q", got)
	}
	if TopicBlocks("a") == TopicBlocks("b") {
		t.Error("chains must not share a topic")
	}
}

func TestNode_Broadcast_NotStarted(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if err := n.BroadcastTx(testTransfer(t, 0)); err == nil {
		t.Error("BroadcastTx should fail before Start")
	}
	if err := n.BroadcastBlock(testFinalized(t, 1)); err == nil {
		t.Error("BroadcastBlock should fail before Start")
	}
}

// --- Payloads ---

func TestDecodeFinalizedBlock(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", `not json`},
		{"no block", `{"height":1}`},
		{"zero height", `{"height":0,"block":{"prev_hash":"` + types.Hash{}.String() + `"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFinalizedBlock([]byte(tt.data)); !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("err = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

// --- Two-Node Integration ---

func testTransfer(t *testing.T, nonce uint64) tx.Transaction {
	t.Helper()
	from, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	to, _ := crypto.GenerateKey()
	transfer := tx.NewTransfer(from.PublicKey(), to.PublicKey(), 5000, nonce)
	if err := transfer.Sign(from); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return transfer
}

func testFinalized(t *testing.T, height uint64) *FinalizedBlock {
	t.Helper()
	blk := block.New([]tx.Transaction{testTransfer(t, 0)}, types.Hash{byte(height)}, uint64(time.Now().Unix()))
	return &FinalizedBlock{Height: height, Block: blk, Members: []types.PubKey{{0x02, 0x01}}}
}

// startTestNode creates, starts, and returns a P2P node on a random port.
func startTestNode(t *testing.T) *Node {
	t.Helper()
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// connectNodes dials a from b and waits for the gossip mesh.
func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	info := peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.host.Connect(ctx, info); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestTwoNodes_TxGossip(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	var received atomic.Value
	nodeB.SetTxHandler(func(_ peer.ID, data []byte) {
		if got, err := tx.Unmarshal(data); err == nil {
			received.Store(got)
		}
	})
	time.Sleep(300 * time.Millisecond)

	sent := testTransfer(t, 3)
	if err := nodeA.BroadcastTx(sent); err != nil {
		t.Fatalf("BroadcastTx: %v", err)
	}

	waitFor(t, "tx gossip", func() bool { return received.Load() != nil })
	got := received.Load().(tx.Transaction)
	if got.Hash() != sent.Hash() {
		t.Errorf("hash = %s, want %s", got.Hash().Short(), sent.Hash().Short())
	}
	if err := got.VerifySignature(); err != nil {
		t.Errorf("signature lost in transit: %v", err)
	}
}

func TestTwoNodes_BlockGossip(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	var received atomic.Value
	nodeB.SetBlockHandler(func(_ peer.ID, data []byte) {
		if fb, err := DecodeFinalizedBlock(data); err == nil {
			received.Store(fb)
		}
	})
	time.Sleep(300 * time.Millisecond)

	sent := testFinalized(t, 42)
	if err := nodeA.BroadcastBlock(sent); err != nil {
		t.Fatalf("BroadcastBlock: %v", err)
	}

	waitFor(t, "block gossip", func() bool { return received.Load() != nil })
	got := received.Load().(*FinalizedBlock)
	if got.Height != 42 || got.Block.Hash != sent.Block.Hash {
		t.Errorf("got %d/%s, want 42/%s", got.Height, got.Block.Hash.Short(), sent.Block.Hash.Short())
	}
	if err := got.Block.VerifyHash(); err != nil {
		t.Errorf("VerifyHash: %v", err)
	}
	if len(got.Members) != 1 || got.Members[0] != sent.Members[0] {
		t.Errorf("members = %v", got.Members)
	}
}

func TestPanicRecovery_HandleBlock(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	var calls atomic.Int32
	nodeB.SetBlockHandler(func(_ peer.ID, _ []byte) {
		calls.Add(1)
		panic("test panic in block handler")
	})
	time.Sleep(300 * time.Millisecond)

	if err := nodeA.BroadcastBlock(testFinalized(t, 1)); err != nil {
		t.Fatalf("BroadcastBlock: %v", err)
	}
	waitFor(t, "first handler call", func() bool { return calls.Load() >= 1 })

	if err := nodeA.BroadcastBlock(testFinalized(t, 2)); err != nil {
		t.Fatalf("second BroadcastBlock: %v", err)
	}
	waitFor(t, "second handler call", func() bool { return calls.Load() >= 2 })
}

// --- Sync ---

func TestTwoNodes_SyncBlocks(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	chain := []*FinalizedBlock{testFinalized(t, 1), testFinalized(t, 2), testFinalized(t, 3)}
	var gotMax uint32

	syncerA := NewSyncer(nodeA)
	syncerA.RegisterHandler(func(from uint64, max uint32) []*FinalizedBlock {
		gotMax = max
		var out []*FinalizedBlock
		for _, fb := range chain {
			if fb.Height >= from && uint32(len(out)) < max {
				out = append(out, fb)
			}
		}
		return out
	})

	syncerB := NewSyncer(nodeB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blocks, err := syncerB.RequestBlocks(ctx, nodeA.ID(), 2, 0)
	if err != nil {
		t.Fatalf("RequestBlocks: %v", err)
	}
	if len(blocks) != 2 || blocks[0].Height != 2 || blocks[1].Height != 3 {
		t.Fatalf("unexpected blocks: %d", len(blocks))
	}
	if blocks[0].Block.Hash != chain[1].Block.Hash {
		t.Error("block hash mismatch")
	}
	if gotMax != maxSyncBlocks {
		t.Errorf("zero max should be clamped to %d, got %d", maxSyncBlocks, gotMax)
	}
}

func TestTwoNodes_SyncBlocks_Empty(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	NewSyncer(nodeA).RegisterHandler(func(uint64, uint32) []*FinalizedBlock { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	blocks, err := NewSyncer(nodeB).RequestBlocks(ctx, nodeA.ID(), 1, 10)
	if err != nil {
		t.Fatalf("RequestBlocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected 0 blocks, got %d", len(blocks))
	}
}

func TestTwoNodes_RequestHeight(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	tip := types.Hash{0xab, 0xcd}
	NewSyncer(nodeA).RegisterHeightHandler(func() (uint64, types.Hash) { return 17, tip })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := NewSyncer(nodeB).RequestHeight(ctx, nodeA.ID())
	if err != nil {
		t.Fatalf("RequestHeight: %v", err)
	}
	if resp.Height != 17 || resp.TipHash != tip {
		t.Errorf("height = %d tip = %s", resp.Height, resp.TipHash.Short())
	}
}

// --- DHT + Persistence ---

func TestNode_StartStop_WithDHT(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, DB: storage.NewMemory()})
	if err := n.Start(); err != nil {
		t.Fatalf("Start with DHT: %v", err)
	}
	if n.dht == nil {
		t.Error("DHT should be initialized when NoDiscover is false")
	}
	if n.peerStore == nil {
		t.Error("peerStore should be initialized when DB is provided")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n.dht != nil {
		t.Error("DHT should be nil after Stop")
	}
}

func TestNode_PeerPersistence(t *testing.T) {
	db := storage.NewPrefixDB(storage.NewMemory(), []byte("p2p/"))

	nodeA := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, DB: db})
	if err := nodeA.Start(); err != nil {
		t.Fatalf("Start nodeA: %v", err)
	}
	defer nodeA.Stop()
	nodeB := startTestNode(t)

	connectNodes(t, nodeA, nodeB)
	waitFor(t, "inbound peer", func() bool { return nodeA.PeerCount() >= 1 })

	nodeA.persistPeers()

	records, err := NewPeerStore(db).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.ID == nodeB.ID().String() && len(rec.Addrs) > 0 {
			found = true
		}
	}
	if !found {
		t.Error("nodeB not found in persisted peers")
	}
}

func TestNode_SeedConnect(t *testing.T) {
	nodeA := startTestNode(t)

	nodeB := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, Seeds: nodeA.Addrs()})
	if err := nodeB.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer nodeB.Stop()

	list := nodeB.PeerList()
	if len(list) != 1 || list[0].ID != nodeA.ID() || list[0].Source != "seed" {
		t.Fatalf("peers = %+v, want seed %s", list, nodeA.ID())
	}
}
