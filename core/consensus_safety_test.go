package core_test

import (
	"testing"

	core "cascoin-core/core"
)

func testTiers() core.DiscountTiers {
	return core.DiscountTiers{Tier25: 25, Tier50: 50, Tier75: 75, FreeGas: 90}
}

func TestAcceptClaimGate(t *testing.T) {
	if !core.AcceptClaim(40, 50) {
		t.Fatalf("expected claim <= local to be accepted")
	}
	if core.AcceptClaim(60, 50) {
		t.Fatalf("expected claim > local to be rejected")
	}
	if err := core.ValidateClaim(60, 50); err == nil {
		t.Fatalf("expected ValidateClaim to reject an over-claim")
	}
	if err := core.ValidateClaim(50, 50); err != nil {
		t.Fatalf("expected equal claim/local to be accepted, got %v", err)
	}
}

func TestGasDiscountTiers(t *testing.T) {
	tiers := testTiers()
	cases := []struct {
		rClaim int
		want   int
	}{
		{0, 0},
		{24, 0},
		{25, 2500},
		{49, 2500},
		{50, 5000},
		{74, 5000},
		{75, 7500},
		{89, 7500},
		{90, 10000},
		{100, 10000},
	}
	for _, c := range cases {
		if got := core.GasDiscountBps(c.rClaim, tiers); got != c.want {
			t.Fatalf("GasDiscountBps(%d) = %d, want %d", c.rClaim, got, c.want)
		}
	}
}

func TestApplyGasDiscountFreeGasIsZeroCost(t *testing.T) {
	tiers := testTiers()
	if got := core.ApplyGasDiscount(100_000, 95, tiers); got != 0 {
		t.Fatalf("expected free-gas tier to zero the charge, got %d", got)
	}
}

func TestApplyGasDiscountHalvesAtTier50(t *testing.T) {
	tiers := testTiers()
	got := core.ApplyGasDiscount(1000, 60, tiers)
	if got != 500 {
		t.Fatalf("expected 50%% discount tier to charge 500, got %d", got)
	}
}

func TestIsEligibleForFreeGas(t *testing.T) {
	params := core.ConsensusSafetyParams{Discounts: testTiers(), FreeGasThreshold: 95}
	if !core.IsEligibleForFreeGas(90, params) {
		t.Fatalf("expected reputation at the discount-tier free-gas floor to be eligible")
	}
	if core.IsEligibleForFreeGas(80, params) {
		t.Fatalf("expected reputation below both thresholds to be ineligible")
	}
}

func TestClampSubsidy(t *testing.T) {
	params := core.ConsensusSafetyParams{PerTxSubsidyMax: 1000}
	if got := core.ClampSubsidy(5000, params); got != 1000 {
		t.Fatalf("expected subsidy to clamp at the per-tx max, got %d", got)
	}
	if got := core.ClampSubsidy(500, params); got != 500 {
		t.Fatalf("expected an under-cap request to pass through unchanged, got %d", got)
	}
}

func TestFallbackPaidGas(t *testing.T) {
	if got := core.FallbackPaidGas(100_000); got != 25_000 {
		t.Fatalf("expected the top paid band to leave a 25000 budget, got %d", got)
	}
	if got := core.FallbackPaidGas(0); got != 0 {
		t.Fatalf("expected a zero cost to stay zero, got %d", got)
	}
}
