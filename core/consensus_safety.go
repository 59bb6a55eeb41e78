// Package core — consensus-safety layer: the claim-gate acceptance rule
// and the deterministic gas-discount/free-gas functions that must produce
// identical results on every validating node given the same chain state
// and the same transaction-declared claim.
//
// Gas discount and free-gas eligibility are computed from the
// transaction-declared R_claim during validation; the locally recomputed
// R_local is consulted only by the accept-claim gate itself.
package core

import "fmt"

// DiscountTiers holds the four ascending reputation cutoffs that bound the
// 0/25/50/75% gas-discount bands.
// Tier25 is the 25%-band floor, Tier50 the 50%-band floor, Tier75 the
// 75%-band floor, FreeGas the free-gas floor (the configured cutoffs
// [0..3], in that order).
type DiscountTiers struct {
	Tier25     int
	Tier50     int
	Tier75     int
	FreeGas    int
}

// ConsensusSafetyParams bundles every configured constant the safety layer
// needs; constructed once from pkg/config and held by the Engine.
type ConsensusSafetyParams struct {
	Discounts           DiscountTiers
	PerTxSubsidyMax      uint64
	PerBlockSubsidyMax   uint64
	FreeGasThreshold     int
	FreeGasDailyMax      uint64
	FreeGasPoolTarget    uint64
	BlocksPerDay         uint64
}

// AcceptClaim implements the claim-gate rule: a transaction declaring
// rClaim is accepted by this node iff rClaim <= rLocal, the node's own
// HAT v2 computation for the sender at the current height.
func AcceptClaim(rClaim, rLocal int) bool {
	return rClaim <= rLocal
}

// ValidateClaim returns an error wrapping ErrConsensusViolation if rClaim
// is not backed by this node's local view, letting callers short-circuit
// block/transaction validation with a single check.
func ValidateClaim(rClaim, rLocal int) error {
	if !AcceptClaim(rClaim, rLocal) {
		return fmt.Errorf("%w: claimed reputation %d exceeds local %d", ErrConsensusViolation, rClaim, rLocal)
	}
	return nil
}

// GasDiscountBps returns the discount, in basis points (0-10000), applied
// to a transaction's gas charge given its declared R_claim. This is a
// pure function of rClaim and the configured tiers — never of R_local —
// so every validator that accepted the same block computes the same
// charge.
func GasDiscountBps(rClaim int, tiers DiscountTiers) int {
	switch {
	case rClaim >= tiers.FreeGas:
		return 10000
	case rClaim >= tiers.Tier75:
		return 7500
	case rClaim >= tiers.Tier50:
		return 5000
	case rClaim >= tiers.Tier25:
		return 2500
	default:
		return 0
	}
}

// ApplyGasDiscount charges gasCost reduced by the tier-determined
// discount, rounding the discount down so the payer never underpays by a
// fractional unit.
func ApplyGasDiscount(gasCost uint64, rClaim int, tiers DiscountTiers) uint64 {
	bps := GasDiscountBps(rClaim, tiers)
	if bps >= 10000 {
		return 0
	}
	discount := gasCost * uint64(bps) / 10000
	return gasCost - discount
}

// FallbackPaidGas returns the paid budget for a free-gas-tier sender
// whose allowance or pool could not cover the call: the top paid discount
// band (75%) applies instead of free gas, so the call runs on a real
// budget rather than faulting out-of-gas on the first opcode.
func FallbackPaidGas(gasCost uint64) uint64 {
	discount := gasCost * 7500 / 10000
	return gasCost - discount
}

// IsEligibleForFreeGas reports whether rClaim alone (never R_local)
// qualifies a transaction for the free-gas allowance path, keeping the
// decision a pure function of transaction contents.
func IsEligibleForFreeGas(rClaim int, params ConsensusSafetyParams) bool {
	return rClaim >= params.Discounts.FreeGas || rClaim >= params.FreeGasThreshold
}

// ClampSubsidy caps a single transaction's subsidy draw at the configured
// per-transaction maximum.
func ClampSubsidy(requested uint64, params ConsensusSafetyParams) uint64 {
	if requested > params.PerTxSubsidyMax {
		return params.PerTxSubsidyMax
	}
	return requested
}
