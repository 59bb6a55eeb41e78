package core_test

import (
	"testing"

	core "cascoin-core/core"
)

// TestTrustSyncDeltaConverges diverges two nodes' graphs, runs one
// request/response exchange in each direction, and asserts the canonical
// state hashes agree afterwards.
func TestTrustSyncDeltaConverges(t *testing.T) {
	storeA := core.OpenMemStore()
	storeB := core.OpenMemStore()
	tgA := core.NewTrustGraph(storeA)
	tgB := core.NewTrustGraph(storeB)

	alice := core.BytesToAddress([]byte("alice"))
	bob := core.BytesToAddress([]byte("bob"))
	carol := core.BytesToAddress([]byte("carol"))

	bA := storeA.NewBatch()
	if err := tgA.InsertEdge(bA, core.TrustEdge{From: alice, To: bob, Weight: 60, BondAmount: 100}); err != nil {
		t.Fatalf("insert on A: %v", err)
	}
	if err := storeA.Commit(bA); err != nil {
		t.Fatalf("commit A: %v", err)
	}

	bB := storeB.NewBatch()
	if err := tgB.InsertEdge(bB, core.TrustEdge{From: bob, To: carol, Weight: 40, BondAmount: 50}); err != nil {
		t.Fatalf("insert on B: %v", err)
	}
	if err := storeB.Commit(bB); err != nil {
		t.Fatalf("commit B: %v", err)
	}

	if tgA.CanonicalStateHash() == tgB.CanonicalStateHash() {
		t.Fatal("expected the two graphs to start divergent")
	}

	// A pulls from B, then B pulls from A.
	respForA := tgB.ComputeDelta(core.TrustDeltaRequest{Have: tgA.EdgeKeys()})
	mergeA := storeA.NewBatch()
	if n := tgA.ApplyDelta(mergeA, respForA); n != 1 {
		t.Fatalf("expected A to accept 1 edge, accepted %d", n)
	}
	if err := storeA.Commit(mergeA); err != nil {
		t.Fatalf("commit merge A: %v", err)
	}

	respForB := tgA.ComputeDelta(core.TrustDeltaRequest{Have: tgB.EdgeKeys()})
	mergeB := storeB.NewBatch()
	if n := tgB.ApplyDelta(mergeB, respForB); n != 1 {
		t.Fatalf("expected B to accept 1 edge, accepted %d", n)
	}
	if err := storeB.Commit(mergeB); err != nil {
		t.Fatalf("commit merge B: %v", err)
	}

	if tgA.CanonicalStateHash() != tgB.CanonicalStateHash() {
		t.Fatal("expected identical state hashes after a full exchange")
	}
	offer := tgA.Offer()
	if offer.EdgeCount != 2 {
		t.Fatalf("expected 2 edges in the merged graph, offer says %d", offer.EdgeCount)
	}
}

// TestTrustSyncDeltaMergeRules asserts a lower-bond duplicate is refused
// while a slashed copy of a held edge lands regardless of bond.
func TestTrustSyncDeltaMergeRules(t *testing.T) {
	store := core.OpenMemStore()
	tg := core.NewTrustGraph(store)

	from := core.BytesToAddress([]byte("from"))
	to := core.BytesToAddress([]byte("to"))
	bondTx := core.BytesToHash([]byte("bond-tx"))

	b := store.NewBatch()
	if err := tg.InsertEdge(b, core.TrustEdge{From: from, To: to, Weight: 30, BondAmount: 100, BondTxID: bondTx}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	lower := core.TrustDeltaResponse{Edges: []core.TrustEdge{
		{From: from, To: to, Weight: 90, BondAmount: 10, BondTxID: bondTx},
	}}
	mb := store.NewBatch()
	if n := tg.ApplyDelta(mb, lower); n != 0 {
		t.Fatalf("expected the lower-bond duplicate to be refused, accepted %d", n)
	}

	slashed := core.TrustDeltaResponse{Edges: []core.TrustEdge{
		{From: from, To: to, Weight: 30, BondAmount: 100, BondTxID: bondTx, Slashed: true},
	}}
	if n := tg.ApplyDelta(mb, slashed); n != 1 {
		t.Fatalf("expected the slash update to land, accepted %d", n)
	}
	if err := store.Commit(mb); err != nil {
		t.Fatalf("commit merge: %v", err)
	}
	if len(tg.OutgoingEdges(from)) != 0 {
		t.Fatal("expected the slashed edge to leave live traversal")
	}
}
