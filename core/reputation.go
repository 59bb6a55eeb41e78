// Package core — HAT v2 reputation compositor.
//
// Produces score in [0,100] from four weighted sub-scores (behavior
// 0.40, web-of-trust 0.30, stake 0.20, temporal 0.10), each in [0,1].
// All arithmetic is IEEE-754 doubles; the integer rounding of the final
// composite is the only consensus-visible boundary.
package core

import (
	"encoding/json"
	"math"
)

// Reputation sub-score weights, fixed protocol constants.
const (
	WeightBehavior  = 0.40
	WeightWebOfTrust = 0.30
	WeightStake      = 0.20
	WeightTemporal   = 0.10
)

// Bounds for the simple reputation record that feeds the behavior
// sub-score's base term, symmetric around zero so signed -100..+100 vote
// contributions have headroom to accumulate without immediately
// saturating.
const (
	ReputationMin = -1000
	ReputationMax = 1000
)

// ReputationRecord is the simple, directly-votable reputation value.
type ReputationRecord struct {
	Score       int64 `json:"score"`
	VoteCount   uint64 `json:"vote_count"`
	LastUpdated int64 `json:"last_updated"`
}

func reputationKey(addr Address) []byte { return []byte("rep_" + addr.Hex()) }

// LoadReputation reads the committed simple reputation record, defaulting
// to a zeroed record if absent.
func LoadReputation(store *Store, addr Address) ReputationRecord {
	return decodeReputation(store.Get(reputationKey(addr)))
}

func loadReputationStaged(store *Store, b *Batch, addr Address) ReputationRecord {
	return decodeReputation(store.GetStaged(b, reputationKey(addr)))
}

func decodeReputation(raw []byte, err error) ReputationRecord {
	if err != nil {
		return ReputationRecord{}
	}
	var r ReputationRecord
	if json.Unmarshal(raw, &r) != nil {
		return ReputationRecord{}
	}
	return r
}

// ApplyVote clamps and accumulates a signed vote into the target's
// simple reputation record. Reads through the batch so two votes on one
// address in the same block both accumulate.
func ApplyVote(store *Store, b *Batch, target Address, vote int64, timestamp int64) ReputationRecord {
	r := loadReputationStaged(store, b, target)
	r.Score = clampInt64(r.Score+vote, ReputationMin, ReputationMax)
	r.VoteCount++
	r.LastUpdated = timestamp
	raw, _ := json.Marshal(r)
	store.StagePut(b, reputationKey(target), raw)
	return r
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

//---------------------------------------------------------------------
// Behavior component
//---------------------------------------------------------------------

// BehaviorMetrics are the raw per-address statistics the behavior
// sub-score derives from.
type BehaviorMetrics struct {
	DistinctPartners     uint64  `json:"distinct_partners"`
	TotalVolume          uint64  `json:"total_volume"`
	InterArrivalVariance float64 `json:"inter_arrival_variance"`
}

func behaviorKey(addr Address) []byte { return []byte("behavior_" + addr.Hex()) }

func LoadBehaviorMetrics(store *Store, addr Address) BehaviorMetrics {
	raw, err := store.Get(behaviorKey(addr))
	if err != nil {
		return BehaviorMetrics{}
	}
	var m BehaviorMetrics
	_ = json.Unmarshal(raw, &m)
	return m
}

func StoreBehaviorMetrics(store *Store, b *Batch, addr Address, m BehaviorMetrics) {
	raw, _ := json.Marshal(m)
	store.StagePut(b, behaviorKey(addr), raw)
}

// Saturation constants for the behavior sub-score.
const (
	diversitySaturationPartners = 20.0
	volumeSaturationUnits       = 1_000_000.0
	regularityVarianceThreshold = 0.05 // below this, inter-arrival timing looks scripted
)

func behaviorScore(rep ReputationRecord, m BehaviorMetrics) float64 {
	base := float64(rep.Score-ReputationMin) / float64(ReputationMax-ReputationMin)
	base = clampFloat(base, 0, 1)

	diversityPenalty := clampFloat(float64(m.DistinctPartners)/diversitySaturationPartners, 0, 1)
	volumePenalty := clampFloat(math.Log1p(float64(m.TotalVolume))/math.Log1p(volumeSaturationUnits), 0, 1)
	regularityPenalty := 1.0
	if m.InterArrivalVariance < regularityVarianceThreshold {
		// Too-regular inter-arrival timing reads as scripted/bot activity;
		// the closer variance is to zero, the larger the reduction.
		regularityPenalty = clampFloat(m.InterArrivalVariance/regularityVarianceThreshold, 0, 1)
	}
	return base * diversityPenalty * volumePenalty * regularityPenalty
}

//---------------------------------------------------------------------
// Stake component
//---------------------------------------------------------------------

// StakeInfo is the per-address bonded-stake record.
type StakeInfo struct {
	Amount          uint64 `json:"amount"` // in satoshi-like base units
	StartBlock      uint64 `json:"start_block"`
	MinLockDuration uint64 `json:"min_lock_duration"`
}

func stakeInfoKey(addr Address) []byte { return []byte("stakeinfo_" + addr.Hex()) }

func LoadStakeInfo(store *Store, addr Address) StakeInfo {
	raw, err := store.Get(stakeInfoKey(addr))
	if err != nil {
		return StakeInfo{}
	}
	var s StakeInfo
	_ = json.Unmarshal(raw, &s)
	return s
}

func StoreStakeInfo(store *Store, b *Batch, addr Address, s StakeInfo) {
	raw, _ := json.Marshal(s)
	store.StagePut(b, stakeInfoKey(addr), raw)
}

const (
	stakeSaturationCAS   = 10_000.0 * 1e8 // 10,000 CAS expressed in base units
	blocksPerYear        = 52_560.0       // ~10 minute blocks
)

func stakeScore(s StakeInfo, currentHeight uint64) float64 {
	if s.Amount == 0 {
		return 0
	}
	logScaled := clampFloat(math.Log1p(float64(s.Amount))/math.Log1p(stakeSaturationCAS), 0, 1)
	var durationYears float64
	if currentHeight > s.StartBlock {
		durationYears = float64(currentHeight-s.StartBlock) / blocksPerYear
	}
	return clampFloat(logScaled*math.Sqrt(durationYears), 0, 1)
}

//---------------------------------------------------------------------
// Temporal component
//---------------------------------------------------------------------

// TemporalMetrics captures account age and activity shape.
type TemporalMetrics struct {
	CreatedAt              int64   `json:"created_at"`
	LastActivity           int64   `json:"last_activity"`
	ActiveMonths           uint32  `json:"active_months"`
	TotalMonths            uint32  `json:"total_months"`
	SparseActivityGapCount uint32  `json:"sparse_activity_gap_count"` // count of >=6-month gaps
}

func temporalKey(addr Address) []byte { return []byte("temporal_" + addr.Hex()) }

func LoadTemporalMetrics(store *Store, addr Address) TemporalMetrics {
	raw, err := store.Get(temporalKey(addr))
	if err != nil {
		return TemporalMetrics{}
	}
	var t TemporalMetrics
	_ = json.Unmarshal(raw, &t)
	return t
}

func StoreTemporalMetrics(store *Store, b *Batch, addr Address, t TemporalMetrics) {
	raw, _ := json.Marshal(t)
	store.StagePut(b, temporalKey(addr), raw)
}

const (
	secondsPerDay        = 86400.0
	maxAccountAgeSeconds = 2 * 365 * secondsPerDay
	inactivityHalfLifeDays = 90.0
)

func temporalScore(t TemporalMetrics, now int64) float64 {
	if t.CreatedAt == 0 {
		return 0
	}
	ageSeconds := float64(now - t.CreatedAt)
	ageComponent := clampFloat(ageSeconds/maxAccountAgeSeconds, 0, 1)

	var activityRatio float64
	if t.TotalMonths > 0 {
		activityRatio = clampFloat(float64(t.ActiveMonths)/float64(t.TotalMonths), 0, 1)
	}

	daysSinceActivity := float64(now-t.LastActivity) / secondsPerDay
	if daysSinceActivity < 0 {
		daysSinceActivity = 0
	}
	decay := math.Pow(0.5, daysSinceActivity/inactivityHalfLifeDays)

	score := ageComponent * activityRatio * decay
	if t.SparseActivityGapCount > 0 {
		score /= 2
	}
	return clampFloat(score, 0, 1)
}

//---------------------------------------------------------------------
// Composite
//---------------------------------------------------------------------

// HATv2Components exposes the four sub-scores alongside the final
// integer for observability (receipts, CLI queries); only Final is
// consensus-visible.
type HATv2Components struct {
	Behavior   float64
	WebOfTrust float64
	Stake      float64
	Temporal   float64
	Final      int
}

// ComputeHATv2 composes the four sub-scores into the final clamped
// integer score. viewer personalises the web-of-trust term; two different
// viewers may legitimately get two different Final values for the same
// target.
func ComputeHATv2(store *Store, tg *TrustGraph, viewer, target Address, currentHeight uint64, now int64) HATv2Components {
	rep := LoadReputation(store, target)
	behavior := behaviorScore(rep, LoadBehaviorMetrics(store, target))
	wot := tg.WeightedTrustScore(viewer, target)
	stake := stakeScore(LoadStakeInfo(store, target), currentHeight)
	temporal := temporalScore(LoadTemporalMetrics(store, target), now)

	raw := WeightBehavior*behavior + WeightWebOfTrust*wot + WeightStake*stake + WeightTemporal*temporal
	final := int(math.Round(100 * raw))
	if final < 0 {
		final = 0
	}
	if final > 100 {
		final = 100
	}
	return HATv2Components{Behavior: behavior, WebOfTrust: wot, Stake: stake, Temporal: temporal, Final: final}
}
