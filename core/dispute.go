// Package core — disputes, juror voting, and conservation-checked reward
// distribution.
//
// Jurors are sorted ascending by address hex before any fractional-share
// arithmetic runs, so the split never depends on map iteration order.
package core

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

// RewardKind enumerates the four pending-reward categories a dispute
// resolution can create.
type RewardKind string

const (
	RewardBondReturn   RewardKind = "bond-return"
	RewardBounty       RewardKind = "bounty"
	RewardJurorShare   RewardKind = "juror-share"
	RewardCompensation RewardKind = "wrongly-accused-compensation"
)

// JurorVote is one juror's stance and stake in an open dispute.
type JurorVote struct {
	Juror        Address `json:"juror"`
	Stake        uint64  `json:"stake"`
	SupportSlash bool    `json:"support_slash"`
}

// Dispute is the record created by a challenge against a bonded vote,
// keyed by the dispute-creation transaction id.
type Dispute struct {
	ID             Hash        `json:"id"`
	ChallengedVote Hash        `json:"challenged_vote"`
	OriginalVoter  Address     `json:"original_voter"`
	Challenger     Address     `json:"challenger"`
	ChallengerBond uint64      `json:"challenger_bond"`
	ChallengedBond uint64      `json:"challenged_bond"`
	CreatedAt      int64       `json:"created_at"`
	Open           bool        `json:"open"`
	SlashDecision  bool        `json:"slash_decision"`
	ResolvedAt     int64       `json:"resolved_at"`
	Jurors         []JurorVote `json:"jurors"`
}

// PendingReward is a content-addressed, unspent claim against a
// resolved dispute.
type PendingReward struct {
	ID           Hash       `json:"id"`
	DisputeID    Hash       `json:"dispute_id"`
	Recipient    Address    `json:"recipient"`
	Amount       uint64     `json:"amount"`
	Kind         RewardKind `json:"kind"`
	CreatedAt    int64      `json:"created_at"`
	Claimed      bool       `json:"claimed"`
	ClaimTxID    Hash       `json:"claim_tx_id"`
	ClaimTime    int64      `json:"claim_time"`
}

func disputeKey(id Hash) []byte        { return []byte("dispute_" + id.Hex()) }
func disputedVoteKey(vote Hash) []byte { return []byte("disputed_vote_" + vote.Hex()) }
func rewardKey(id Hash) []byte         { return []byte("reward_" + id.Hex()) }

// RewardID content-addresses a pending reward:
// hash(dispute-id || recipient || kind), making repeat claims idempotent.
func RewardID(disputeID Hash, recipient Address, kind RewardKind) Hash {
	buf := append([]byte(nil), disputeID[:]...)
	buf = append(buf, recipient[:]...)
	buf = append(buf, []byte(kind)...)
	return BytesToHash(crypto.Keccak256(buf))
}

func LoadDispute(store *Store, id Hash) (Dispute, error) {
	return decodeDispute(store.Get(disputeKey(id)))
}

func loadDisputeStaged(store *Store, b *Batch, id Hash) (Dispute, error) {
	return decodeDispute(store.GetStaged(b, disputeKey(id)))
}

func decodeDispute(raw []byte, err error) (Dispute, error) {
	if err != nil {
		return Dispute{}, err
	}
	var d Dispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return Dispute{}, fmt.Errorf("%w: dispute record: %v", ErrPayloadMalformed, err)
	}
	return d, nil
}

func storeDispute(store *Store, b *Batch, d Dispute) {
	raw, _ := json.Marshal(d)
	store.StagePut(b, disputeKey(d.ID), raw)
}

// CreateDispute opens a dispute: the challenged vote must exist (checked
// by the caller, which has the vote-tx ledger) and must not already be
// under dispute.
func CreateDispute(store *Store, b *Batch, id, challengedVote Hash, originalVoter, challenger Address, challengerBond, challengedBond uint64, now int64) error {
	if store.HasStaged(b, disputedVoteKey(challengedVote)) {
		return fmt.Errorf("%w: vote %s already disputed", ErrSemanticSkip, challengedVote.Hex())
	}
	d := Dispute{
		ID:             id,
		ChallengedVote: challengedVote,
		OriginalVoter:  originalVoter,
		Challenger:     challenger,
		ChallengerBond: challengerBond,
		ChallengedBond: challengedBond,
		CreatedAt:      now,
		Open:           true,
	}
	storeDispute(store, b, d)
	store.StagePut(b, disputedVoteKey(challengedVote), id[:])
	return nil
}

// Dispute-resolution quorum thresholds are
// supplied by the caller (engine/config) to RecordJurorVote rather than
// hardcoded here, so per-chain configuration can override them without
// touching this package.

// Fractional split of the redistributed bond on resolution. Source is
// silent on the exact split; fixed here as a
// documented design choice recorded in DESIGN.md.
const (
	bountyFraction     = 0.20
	jurorShareFraction = 0.50
	// remainder (0.30) burns — tracked only as an implicit accounting
	// balance, never paid to any address.
)

// RecordJurorVote registers one juror's stance: the dispute must be
// open; the juror's (support-slash, stake) is recorded or updated, and if
// quorum is reached the dispute resolves immediately in the same batch.
// Quorum is minJurors distinct jurors or a total juror stake of at least
// stakeQuorum; a zero stakeQuorum disables the stake condition.
// Returns true if this vote triggered resolution.
func RecordJurorVote(store *Store, b *Batch, disputeID Hash, juror Address, supportSlash bool, stake uint64, now int64, minJurors int, stakeQuorum uint64) (bool, error) {
	d, err := loadDisputeStaged(store, b, disputeID)
	if err != nil {
		return false, err
	}
	if !d.Open {
		return false, fmt.Errorf("%w: dispute %s already resolved", ErrSemanticSkip, disputeID.Hex())
	}

	updated := false
	for i := range d.Jurors {
		if d.Jurors[i].Juror == juror {
			d.Jurors[i].SupportSlash = supportSlash
			d.Jurors[i].Stake = stake
			updated = true
			break
		}
	}
	if !updated {
		d.Jurors = append(d.Jurors, JurorVote{Juror: juror, Stake: stake, SupportSlash: supportSlash})
	}

	var totalStake uint64
	for _, jv := range d.Jurors {
		totalStake += jv.Stake
	}

	resolved := false
	if len(d.Jurors) >= minJurors || (stakeQuorum > 0 && totalStake >= stakeQuorum) {
		resolveDispute(store, b, &d, now)
		resolved = true
	}
	storeDispute(store, b, d)
	return resolved, nil
}

// resolveDispute computes majority-by-stake, writes the slash decision,
// and creates every pending-reward entry the conservation invariant
// (inputs(D) = outputs(D) exactly) requires. Jurors are processed in
// ascending-address order so fractional shares never depend on map
// iteration order.
func resolveDispute(store *Store, b *Batch, d *Dispute, now int64) {
	jurors := append([]JurorVote(nil), d.Jurors...)
	sort.Slice(jurors, func(i, j int) bool { return jurors[i].Juror.Hex() < jurors[j].Juror.Hex() })

	var slashStake, keepStake uint64
	for _, jv := range jurors {
		if jv.SupportSlash {
			slashStake += jv.Stake
		} else {
			keepStake += jv.Stake
		}
	}
	// Ties are resolved conservatively: no slash.
	slashWins := slashStake > keepStake

	d.SlashDecision = slashWins
	d.Open = false
	d.ResolvedAt = now

	if slashWins {
		// Challenged bond enters the pool only when slash wins.
		distributeBond(store, b, d.ID, d.ChallengedBond, d.Challenger, RewardBounty, jurors, true, now)
		payReward(store, b, d.ID, d.Challenger, d.ChallengerBond, RewardBondReturn, now)
		return
	}
	// Keep wins: only the challenger's bond is redistributed. The original
	// voter's own bond never moves, so no pending-reward entry is created
	// for it; their share of the forfeited challenger bond is their
	// compensation for having been wrongly accused.
	distributeBond(store, b, d.ID, d.ChallengerBond, d.OriginalVoter, RewardCompensation, jurors, false, now)
}

// distributeBond splits amount (the losing side's bond) into a bounty for
// the prevailing counter-party, a pro-rata juror-share pool for jurors who
// voted with the winning side, and an implicit burn of the remainder —
// the conservation invariant holds because bounty+jurorShare+burn sums
// back to amount exactly (integer remainder folds into the burn).
func distributeBond(store *Store, b *Batch, disputeID Hash, amount uint64, bountyRecipient Address, bountyKind RewardKind, jurors []JurorVote, slashWon bool, now int64) {
	if amount == 0 {
		return
	}
	bounty := uint64(float64(amount) * bountyFraction)
	jurorPool := uint64(float64(amount) * jurorShareFraction)

	payReward(store, b, disputeID, bountyRecipient, bounty, bountyKind, now)

	var winningStake uint64
	for _, jv := range jurors {
		if jv.SupportSlash == slashWon {
			winningStake += jv.Stake
		}
	}
	if winningStake == 0 {
		return
	}
	var distributed uint64
	for _, jv := range jurors {
		if jv.SupportSlash != slashWon {
			continue
		}
		share := uint64(float64(jurorPool) * float64(jv.Stake) / float64(winningStake))
		if share == 0 {
			continue
		}
		distributed += share
		payReward(store, b, disputeID, jv.Juror, share, RewardJurorShare, now)
	}
	// Any rounding remainder from the pro-rata split burns along with the
	// fixed (1 - bountyFraction - jurorShareFraction) share; no additional
	// reward entry is created for it.
	_ = distributed
}

func payReward(store *Store, b *Batch, disputeID Hash, recipient Address, amount uint64, kind RewardKind, now int64) {
	if amount == 0 {
		return
	}
	id := RewardID(disputeID, recipient, kind)
	r := PendingReward{
		ID:        id,
		DisputeID: disputeID,
		Recipient: recipient,
		Amount:    amount,
		Kind:      kind,
		CreatedAt: now,
	}
	raw, _ := json.Marshal(r)
	store.StagePut(b, rewardKey(id), raw)
}

// LoadPendingReward reads a pending-reward record by its content-addressed
// id, or ErrNotFound.
func LoadPendingReward(store *Store, id Hash) (PendingReward, error) {
	return decodePendingReward(store.Get(rewardKey(id)))
}

func loadPendingRewardStaged(store *Store, b *Batch, id Hash) (PendingReward, error) {
	return decodePendingReward(store.GetStaged(b, rewardKey(id)))
}

func decodePendingReward(raw []byte, err error) (PendingReward, error) {
	if err != nil {
		return PendingReward{}, err
	}
	var r PendingReward
	if err := json.Unmarshal(raw, &r); err != nil {
		return PendingReward{}, fmt.Errorf("%w: pending reward record: %v", ErrPayloadMalformed, err)
	}
	return r, nil
}

// ClaimPendingReward marks a reward claimed; a repeat claim on the same
// content-addressed id is a semantic skip rather than an error.
func ClaimPendingReward(store *Store, b *Batch, id, claimTx Hash, now int64) error {
	r, err := loadPendingRewardStaged(store, b, id)
	if err != nil {
		return err
	}
	if r.Claimed {
		return fmt.Errorf("%w: reward %s already claimed", ErrSemanticSkip, id.Hex())
	}
	r.Claimed = true
	r.ClaimTxID = claimTx
	r.ClaimTime = now
	raw, _ := json.Marshal(r)
	store.StagePut(b, rewardKey(id), raw)
	return nil
}
