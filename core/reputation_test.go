package core_test

import (
	"testing"

	core "cascoin-core/core"
)

// TestComputeHATv2AllMaxima drives every sub-score to its ceiling (using
// self-trust to pin the web-of-trust term at 1.0) and asserts the
// composite clamps at the integer ceiling of 100.
func TestComputeHATv2AllMaxima(t *testing.T) {
	store := core.OpenMemStore()
	tg := core.NewTrustGraph(store)
	addr := core.BytesToAddress([]byte("maximal"))

	b := store.NewBatch()
	for i := int64(0); i < 1000; i++ {
		core.ApplyVote(store, b, addr, 1, 0)
	}
	core.StoreBehaviorMetrics(store, b, addr, core.BehaviorMetrics{
		DistinctPartners:     20,
		TotalVolume:          2_000_000,
		InterArrivalVariance: 1.0,
	})
	core.StoreStakeInfo(store, b, addr, core.StakeInfo{Amount: 2_000_000_000_000, StartBlock: 0})
	core.StoreTemporalMetrics(store, b, addr, core.TemporalMetrics{
		CreatedAt:    1_000,
		LastActivity: 71_001_000,
		ActiveMonths: 24,
		TotalMonths:  24,
	})
	if err := store.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := core.ComputeHATv2(store, tg, addr, addr, 200_000, 71_001_000)
	if got.Behavior != 1.0 {
		t.Fatalf("expected behavior sub-score 1.0, got %f", got.Behavior)
	}
	if got.WebOfTrust != 1.0 {
		t.Fatalf("expected self-trust web-of-trust sub-score 1.0, got %f", got.WebOfTrust)
	}
	if got.Stake != 1.0 {
		t.Fatalf("expected stake sub-score 1.0, got %f", got.Stake)
	}
	if got.Temporal != 1.0 {
		t.Fatalf("expected temporal sub-score 1.0, got %f", got.Temporal)
	}
	if got.Final != 100 {
		t.Fatalf("expected final score 100, got %d", got.Final)
	}
}

// TestComputeHATv2WeightedComposite checks the 0.40/0.30/0.20/0.10 weights
// are applied to the sub-scores rather than, say, an unweighted average, by
// pinning three sub-scores at 1.0 and the web-of-trust term at its
// no-edges default of 0.25 (two unconnected addresses) and checking the
// exact rounded composite.
func TestComputeHATv2WeightedComposite(t *testing.T) {
	store := core.OpenMemStore()
	tg := core.NewTrustGraph(store)
	viewer := core.BytesToAddress([]byte("viewer"))
	target := core.BytesToAddress([]byte("target"))

	b := store.NewBatch()
	for i := int64(0); i < 1000; i++ {
		core.ApplyVote(store, b, target, 1, 0)
	}
	core.StoreBehaviorMetrics(store, b, target, core.BehaviorMetrics{
		DistinctPartners:     20,
		TotalVolume:          2_000_000,
		InterArrivalVariance: 1.0,
	})
	core.StoreStakeInfo(store, b, target, core.StakeInfo{Amount: 2_000_000_000_000, StartBlock: 0})
	core.StoreTemporalMetrics(store, b, target, core.TemporalMetrics{
		CreatedAt:    1_000,
		LastActivity: 71_001_000,
		ActiveMonths: 24,
		TotalMonths:  24,
	})
	if err := store.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := core.ComputeHATv2(store, tg, viewer, target, 200_000, 71_001_000)
	if got.WebOfTrust != 0.25 {
		t.Fatalf("expected the no-edges web-of-trust default of 0.25, got %f", got.WebOfTrust)
	}
	// raw = 0.40*1 + 0.30*0.25 + 0.20*1 + 0.10*1 = 0.775 -> round(77.5) = 78
	if got.Final != 78 {
		t.Fatalf("expected weighted composite to round to 78, got %d", got.Final)
	}
}

// TestComputeHATv2ZeroMetricsIsolatesBehavior asserts an address with no
// votes, no trust edges to the viewer, no stake and no activity history
// has zero behavior, stake and temporal sub-scores and a final score
// within [0,100].
func TestComputeHATv2ZeroMetricsIsolatesBehavior(t *testing.T) {
	store := core.OpenMemStore()
	tg := core.NewTrustGraph(store)
	viewer := core.BytesToAddress([]byte("viewer2"))
	target := core.BytesToAddress([]byte("fresh"))

	got := core.ComputeHATv2(store, tg, viewer, target, 0, 0)
	if got.Behavior != 0 || got.Stake != 0 || got.Temporal != 0 {
		t.Fatalf("expected behavior/stake/temporal sub-scores to be zero for a brand-new address, got %+v", got)
	}
	if got.Final < 0 || got.Final > 100 {
		t.Fatalf("expected final score within [0,100], got %d", got.Final)
	}
}
