// Package core — free-gas allowance and subsidy pools.
//
// The per-address bucket and the pool balances are ordinary store records
// so they participate in the same batch/WAL/disconnect discipline as
// every other piece of state.
package core

import (
	"encoding/json"
	"fmt"
)

// FreeGasBucket is the per-address rolling allowance.
type FreeGasBucket struct {
	Capacity          uint64 `json:"capacity"`
	Remaining         uint64 `json:"remaining"`
	LastReplenishedAt uint64 `json:"last_replenished_at"` // block height
}

func freeGasKey(addr Address) []byte { return []byte("freegas_" + addr.Hex()) }

func loadFreeGasBucket(store *Store, b *Batch, addr Address) FreeGasBucket {
	raw, err := store.GetStaged(b, freeGasKey(addr))
	if err != nil {
		return FreeGasBucket{}
	}
	var bkt FreeGasBucket
	_ = json.Unmarshal(raw, &bkt)
	return bkt
}

func storeFreeGasBucket(store *Store, b *Batch, addr Address, bkt FreeGasBucket) {
	raw, _ := json.Marshal(bkt)
	store.StagePut(b, freeGasKey(addr), raw)
}

// FreeGasCapacity maps reputation to bucket capacity: zero below the
// free-gas threshold, then scaling linearly from there to a configured
// ceiling at score 100.
func FreeGasCapacity(reputation int, threshold int, ceiling uint64) uint64 {
	if reputation < threshold || threshold >= 100 {
		return 0
	}
	span := 100 - threshold
	return ceiling * uint64(reputation-threshold) / uint64(span)
}

// ReplenishFreeGas resets an address's bucket to full capacity if at
// least one replenishment cadence has
// elapsed since the last reset, or if the reputation-derived capacity
// differs from the stored one.
func ReplenishFreeGas(store *Store, b *Batch, addr Address, reputation, threshold int, ceiling uint64, currentHeight, cadenceBlocks uint64) FreeGasBucket {
	bkt := loadFreeGasBucket(store, b, addr)
	capacity := FreeGasCapacity(reputation, threshold, ceiling)
	if currentHeight < bkt.LastReplenishedAt+cadenceBlocks && bkt.Capacity == capacity {
		return bkt
	}
	bkt = FreeGasBucket{Capacity: capacity, Remaining: capacity, LastReplenishedAt: currentHeight}
	storeFreeGasBucket(store, b, addr, bkt)
	return bkt
}

// DrawFreeGas decrements the bucket by gasUsed. Exhaustion is not an
// error: the caller falls back to paid gas (ok=false) rather than
// rejecting the call outright.
func DrawFreeGas(store *Store, b *Batch, addr Address, gasUsed uint64) (ok bool) {
	bkt := loadFreeGasBucket(store, b, addr)
	if bkt.Remaining < gasUsed {
		return false
	}
	bkt.Remaining -= gasUsed
	storeFreeGasBucket(store, b, addr, bkt)
	return true
}

// RefundFreeGas returns the unused portion of an up-front draw once actual
// gas consumption is known, so the bucket ends the transaction decremented
// by gas used, never by the declared limit. Clamped at capacity.
func RefundFreeGas(store *Store, b *Batch, addr Address, amount uint64) {
	if amount == 0 {
		return
	}
	bkt := loadFreeGasBucket(store, b, addr)
	bkt.Remaining += amount
	if bkt.Remaining > bkt.Capacity {
		bkt.Remaining = bkt.Capacity
	}
	storeFreeGasBucket(store, b, addr, bkt)
}

// FreeGasPoolID names the subsidy pool the free-gas allowance path draws
// from; operators can fund additional pools under their own ids for other
// subsidised-call programmes.
const FreeGasPoolID = "freegas"

// SubsidyPool is a named, pool-id-keyed balance subsidized calls draw
// from.
type SubsidyPool struct {
	ID                string `json:"id"`
	Balance           uint64 `json:"balance"`
	LastReplenishedAt uint64 `json:"last_replenished_at"` // block height
}

func subsidyPoolKey(id string) []byte { return []byte("subsidypool_" + id) }

func LoadSubsidyPool(store *Store, id string) SubsidyPool {
	raw, err := store.Get(subsidyPoolKey(id))
	return decodeSubsidyPool(id, raw, err)
}

func loadSubsidyPoolStaged(store *Store, b *Batch, id string) SubsidyPool {
	raw, err := store.GetStaged(b, subsidyPoolKey(id))
	return decodeSubsidyPool(id, raw, err)
}

func decodeSubsidyPool(id string, raw []byte, err error) SubsidyPool {
	if err != nil {
		return SubsidyPool{ID: id}
	}
	var p SubsidyPool
	_ = json.Unmarshal(raw, &p)
	return p
}

// ReplenishSubsidyPool resets a pool's balance to target once per cadence,
// the same height-gated reset the per-address bucket uses. Between resets
// the balance only drains, so a day's subsidised calls are bounded by
// target regardless of how many senders qualify.
func ReplenishSubsidyPool(store *Store, b *Batch, id string, target uint64, currentHeight, cadenceBlocks uint64) SubsidyPool {
	p := loadSubsidyPoolStaged(store, b, id)
	if p.LastReplenishedAt != 0 && currentHeight < p.LastReplenishedAt+cadenceBlocks {
		return p
	}
	p = SubsidyPool{ID: id, Balance: target, LastReplenishedAt: currentHeight}
	raw, _ := json.Marshal(p)
	store.StagePut(b, subsidyPoolKey(id), raw)
	return p
}

func FundSubsidyPool(store *Store, b *Batch, id string, amount uint64) {
	p := loadSubsidyPoolStaged(store, b, id)
	p.Balance += amount
	raw, _ := json.Marshal(p)
	store.StagePut(b, subsidyPoolKey(id), raw)
}

// DrawSubsidy debits amount from pool id, requiring both balance
// sufficiency and a minimum sender reputation. amount is
// first clamped to the configured per-transaction maximum.
func DrawSubsidy(store *Store, b *Batch, id string, amount uint64, senderReputation int, params ConsensusSafetyParams) (uint64, error) {
	if senderReputation < params.FreeGasThreshold {
		return 0, fmt.Errorf("%w: sender reputation %d below subsidy floor %d", ErrSemanticSkip, senderReputation, params.FreeGasThreshold)
	}
	draw := ClampSubsidy(amount, params)
	p := loadSubsidyPoolStaged(store, b, id)
	if p.Balance < draw {
		return 0, fmt.Errorf("%w: subsidy pool %q balance %d below draw %d", ErrSemanticSkip, id, p.Balance, draw)
	}
	p.Balance -= draw
	raw, _ := json.Marshal(p)
	store.StagePut(b, subsidyPoolKey(id), raw)
	return draw, nil
}
