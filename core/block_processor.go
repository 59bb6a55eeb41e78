// Package core — block processor: walks a connecting block's
// transactions in index order, dispatches each tagged payload to its
// handler, and commits the resulting writes as one batch per block.
//
// A malformed or semantically-invalid transaction is logged and skipped,
// never halting the block; a store failure aborts the whole block. Block
// disconnect always replays the stored batch's Inverse() rather than
// recomputing state forward, so reorgs are exact.
package core

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Tx is the minimal per-transaction view the block processor needs: the
// output scripts to scan for a payload envelope, the sender address
// attributed to it by the outer UTXO layer, the sender-declared claimed
// reputation, and the transaction id used for receipts,
// dispute-linkage, and a deployed contract's DeployTxID.
type Tx struct {
	ID            Hash
	Sender        Address
	OutputScripts [][]byte
	OutputValues  []uint64 // satoshi value per output, index-aligned with OutputScripts
	RClaim        int
}

// Receipt is the user-visible per-transaction outcome: status 0/1, gas
// used, logs, created-contract address if any, plus the cascoin-specific
// reputation/discount/free-gas bits.
type Receipt struct {
	TxID             Hash
	Status           byte
	GasUsed          uint64
	Logs             []Log
	CreatedContract  *Address
	SenderReputation int
	DiscountApplied  int
	FreeGasUsed      bool
	RevertReason     string
}

// BondedVoteRecord is the per-transaction record a BONDED-VOTE handler
// writes so a later DISPUTE can recover the original voter's address and
// bond amount from nothing but the vote's transaction id.
type BondedVoteRecord struct {
	Voter      Address `json:"voter"`
	Target     Address `json:"target"`
	Vote       int64   `json:"vote"`
	BondAmount uint64  `json:"bond_amount"`
	Timestamp  int64   `json:"timestamp"`
}

func bondedVoteKey(txID Hash) []byte { return []byte("bondedvote_" + txID.Hex()) }

func loadBondedVoteRecord(store *Store, b *Batch, txID Hash) (BondedVoteRecord, error) {
	raw, err := store.GetStaged(b, bondedVoteKey(txID))
	if err != nil {
		return BondedVoteRecord{}, err
	}
	var r BondedVoteRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return BondedVoteRecord{}, fmt.Errorf("%w: bonded vote record: %v", ErrPayloadMalformed, err)
	}
	return r, nil
}

// ApplyBlock processes every transaction in txs, in order, against eng's
// store, producing one receipt per applied payload-carrying transaction
// (a semantically skipped one gets none) and one Batch of writes
// committed atomically at the end. A semantic-skip in one
// transaction never aborts the block; a store failure does.
func (eng *Engine) ApplyBlock(height uint64, blockHash Hash, timestamp int64, txs []Tx) ([]Receipt, *Batch, error) {
	b := eng.Store.NewBatch()
	var receipts []Receipt

	if height < eng.Config.Core.ActivationHeight {
		// Pre-fork: payloads are opaque data outputs, exactly as a legacy
		// node sees them. Nothing is interpreted, nothing is written.
		return nil, b, nil
	}

	run := &blockRun{gasRemaining: BlockGasCap, subsidyRemaining: eng.Safety.PerBlockSubsidyMax}

	for i, tx := range txs {
		env, _, found := FindPayloadOutput(tx.OutputScripts)
		if !found {
			continue // ordinary UTXO-layer transaction, no core payload
		}
		receipt, err := eng.applyOne(b, run, height, blockHash, timestamp, tx, env)
		if err != nil {
			if isFatal(err) {
				return nil, nil, fmt.Errorf("block %d tx %d (%s): %w", height, i, tx.ID.Hex(), err)
			}
			eng.logger().WithFields(log.Fields{
				"height": height, "tx_index": i, "tx": tx.ID.Hex(), "type": env.Type,
			}).Warn("semantic skip: " + err.Error())
			eng.recordAudit(height, tx.ID, "skip", err.Error(), timestamp)
			continue
		}
		receipts = append(receipts, receipt)
		if raw, err := json.Marshal(receipt); err == nil {
			eng.Store.StageReceipt(b, blockHash, tx.ID, raw)
		}
		eng.recordAudit(height, tx.ID, "applied", fmt.Sprintf("type=0x%02x status=%d", byte(env.Type), receipt.Status), timestamp)
	}

	if err := eng.Store.Commit(b); err != nil {
		return nil, nil, err
	}
	return receipts, b, nil
}

// recordAudit writes a post-hoc observability entry. It is the one hook
// point the block processor invokes per transaction outcome; failures are
// logged, never escalated, since audit entries carry no consensus weight.
func (eng *Engine) recordAudit(height uint64, txID Hash, kind, detail string, timestamp int64) {
	err := eng.Store.RecordAudit(AuditEntry{
		Height: height, TxID: txID, Kind: kind, Detail: detail, Timestamp: timestamp,
	})
	if err != nil {
		eng.logger().WithError(err).Warn("audit record failed")
	}
}

func isFatal(err error) bool {
	return !isSkip(err)
}

func isSkip(err error) bool {
	return errors.Is(err, ErrSemanticSkip) || errors.Is(err, ErrPayloadMalformed) || errors.Is(err, ErrBytecodeFault)
}

// blockRun tracks the per-block aggregate budgets: the block gas cap and
// the per-block subsidy ceiling. Both only ever decrease across a
// block's transactions.
type blockRun struct {
	gasRemaining     uint64
	subsidyRemaining uint64
}

// applyOne dispatches a single decoded envelope to the handler matching
// its (magic, type) pair.
func (eng *Engine) applyOne(b *Batch, run *blockRun, height uint64, blockHash Hash, timestamp int64, tx Tx, env Envelope) (Receipt, error) {
	if env.Magic != env.Type.Magic() {
		return Receipt{}, fmt.Errorf("%w: magic %q does not carry type 0x%02x", ErrSemanticSkip, env.Magic[:], byte(env.Type))
	}
	switch env.Type {
	case TypeDeploy:
		return eng.handleDeploy(b, height, timestamp, tx, env)
	case TypeCall:
		return eng.handleCall(b, run, height, blockHash, timestamp, tx, env)
	case TypeVote:
		return eng.handleVote(b, timestamp, tx, env)
	case TypeTrustEdge:
		return eng.handleTrustEdge(b, height, timestamp, tx, env)
	case TypeBondedVote:
		return eng.handleBondedVote(b, timestamp, tx, env)
	case TypeDispute:
		return eng.handleDispute(b, timestamp, tx, env)
	case TypeDisputeVote:
		return eng.handleDisputeVote(b, timestamp, tx, env)
	default:
		return Receipt{}, fmt.Errorf("%w: unrecognised payload type 0x%02x", ErrSemanticSkip, byte(env.Type))
	}
}

func (eng *Engine) handleDeploy(b *Batch, height uint64, timestamp int64, tx Tx, env Envelope) (Receipt, error) {
	body, err := DecodeDeployBody(env.Body)
	if err != nil {
		return Receipt{}, err
	}
	// The envelope carries only the code-hash; the full bytecode travels
	// out-of-band at the UTXO layer. Init-data is treated
	// as the bytecode payload staged for this transaction's outer carrier
	// — callers that separate the two wire the real bytecode lookup here.
	code := body.InitData
	if CodeHash(code) != body.CodeHash {
		return Receipt{}, fmt.Errorf("%w: declared code-hash does not match delivered bytecode", ErrPayloadMalformed)
	}
	addr, err := DeployContract(eng.Store, b, tx.Sender, tx.ID, height, code)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{TxID: tx.ID, Status: 1, CreatedContract: &addr}, nil
}

func (eng *Engine) handleCall(b *Batch, run *blockRun, height uint64, blockHash Hash, timestamp int64, tx Tx, env Envelope) (Receipt, error) {
	body, err := DecodeCallBody(env.Body)
	if err != nil {
		return Receipt{}, err
	}
	contract, err := GetContractStaged(eng.Store, b, body.ContractAddr)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: unknown contract %s", ErrSemanticSkip, body.ContractAddr.Hex())
	}
	if contract.Retired {
		return Receipt{}, fmt.Errorf("%w: contract %s retired", ErrSemanticSkip, body.ContractAddr.Hex())
	}

	if body.GasLimit > TxGasCap {
		return Receipt{}, fmt.Errorf("%w: gas limit %d exceeds per-transaction cap %d", ErrSemanticSkip, body.GasLimit, TxGasCap)
	}
	if body.GasLimit > run.gasRemaining {
		return Receipt{}, fmt.Errorf("%w: gas limit %d exceeds remaining block budget %d", ErrSemanticSkip, body.GasLimit, run.gasRemaining)
	}

	rLocal := ComputeHATv2(eng.Store, eng.TrustGraph, tx.Sender, tx.Sender, height, timestamp).Final
	if err := ValidateClaim(tx.RClaim, rLocal); err != nil {
		return Receipt{}, err
	}

	gasLimit := ApplyGasDiscount(body.GasLimit, tx.RClaim, eng.Safety.Discounts)
	discountBps := GasDiscountBps(tx.RClaim, eng.Safety.Discounts)
	freeGas := false
	if IsEligibleForFreeGas(tx.RClaim, eng.Safety) {
		// Fund the sender's bucket and the shared pool on the daily cadence
		// before attempting the draw, then take the full declared limit from
		// both; either failing rolls back the other so a partial draw never
		// commits.
		ReplenishFreeGas(eng.Store, b, tx.Sender, tx.RClaim, eng.Safety.FreeGasThreshold, eng.Safety.FreeGasDailyMax, height, eng.Safety.BlocksPerDay)
		ReplenishSubsidyPool(eng.Store, b, FreeGasPoolID, eng.Safety.FreeGasPoolTarget, height, eng.Safety.BlocksPerDay)
		preDraw := b.Len()
		if body.GasLimit <= run.subsidyRemaining && body.GasLimit <= eng.Safety.PerTxSubsidyMax &&
			DrawFreeGas(eng.Store, b, tx.Sender, body.GasLimit) {
			if _, err := DrawSubsidy(eng.Store, b, FreeGasPoolID, body.GasLimit, tx.RClaim, eng.Safety); err == nil {
				freeGas = true
				gasLimit = body.GasLimit // full budget, paid from the allowance rather than the fee
				run.subsidyRemaining -= body.GasLimit
			} else {
				b.Truncate(preDraw)
			}
		}
		if !freeGas {
			// Exhausted allowance or pool: fall back to paid gas at the top
			// paid band rather than running on a zero budget.
			gasLimit = FallbackPaidGas(body.GasLimit)
			discountBps = 7500
		}
	}

	ctx := CallContext{
		ContractAddr:   body.ContractAddr,
		Caller:         tx.Sender,
		CallValue:      uint256FromU64(body.Value),
		BlockHeight:    height,
		BlockHash:      blockHash,
		BlockTimestamp: timestamp,
		GasLimit:       gasLimit,
		Input:          body.Input,
	}
	eng.logger().WithFields(log.Fields{
		"contract": body.ContractAddr.Hex(), "caller": tx.Sender.Hex(), "input": HexBytes(body.Input),
	}).Debug("dispatching call")
	preCallLen := b.Len()
	interp := NewInterpreter(eng.Store, b, contract.Code, ctx)
	status := interp.Run()
	result := interp.Result()
	run.gasRemaining -= result.GasUsed

	receipt := Receipt{
		TxID:             tx.ID,
		GasUsed:          result.GasUsed,
		Logs:             result.Logs,
		SenderReputation: tx.RClaim,
		DiscountApplied:  discountBps,
		FreeGasUsed:      freeGas,
		RevertReason:     result.RevertReason,
	}
	if status.Success() {
		receipt.Status = 1
		eng.Store.StageIncrementNonce(b, tx.Sender)
	} else {
		receipt.Status = 0
		// On fault, every storage write the interpreter staged for this
		// call is dropped by truncating the batch back to its pre-call
		// length; CALL never partially commits.
		b.Truncate(preCallLen)
	}
	if freeGas && result.GasUsed < body.GasLimit {
		// The allowance and pool were drawn for the full declared limit up
		// front; return the unused part so both net out at gas used.
		unused := body.GasLimit - result.GasUsed
		RefundFreeGas(eng.Store, b, tx.Sender, unused)
		FundSubsidyPool(eng.Store, b, FreeGasPoolID, unused)
		run.subsidyRemaining += unused
	}
	return receipt, nil
}

func (eng *Engine) handleVote(b *Batch, timestamp int64, tx Tx, env Envelope) (Receipt, error) {
	body, err := DecodeVoteBody(env.Body)
	if err != nil {
		return Receipt{}, err
	}
	ApplyVote(eng.Store, b, body.Target, body.Vote, timestamp)
	return Receipt{TxID: tx.ID, Status: 1}, nil
}

func (eng *Engine) handleTrustEdge(b *Batch, height uint64, timestamp int64, tx Tx, env Envelope) (Receipt, error) {
	body, err := DecodeTrustEdgeBody(env.Body)
	if err != nil {
		return Receipt{}, err
	}
	if err := VerifyBondOutput(tx.OutputScripts, tx.OutputValues, body.BondAmount); err != nil {
		return Receipt{}, err
	}
	edge := TrustEdge{
		From:          body.From,
		To:            body.To,
		Weight:        body.Weight,
		BondAmount:    body.BondAmount,
		BondTxID:      tx.ID,
		Timestamp:     body.Timestamp,
		CreatedHeight: height,
	}
	if err := eng.TrustGraph.InsertEdge(b, edge); err != nil {
		return Receipt{}, err
	}
	return Receipt{TxID: tx.ID, Status: 1}, nil
}

func (eng *Engine) handleBondedVote(b *Batch, timestamp int64, tx Tx, env Envelope) (Receipt, error) {
	body, err := DecodeBondedVoteBody(env.Body)
	if err != nil {
		return Receipt{}, err
	}
	if err := VerifyBondOutput(tx.OutputScripts, tx.OutputValues, body.BondAmount); err != nil {
		return Receipt{}, err
	}
	ApplyVote(eng.Store, b, body.Target, body.Vote, timestamp)
	rec := BondedVoteRecord{Voter: body.Voter, Target: body.Target, Vote: body.Vote, BondAmount: body.BondAmount, Timestamp: body.Timestamp}
	raw, _ := json.Marshal(rec)
	eng.Store.StagePut(b, bondedVoteKey(tx.ID), raw)
	return Receipt{TxID: tx.ID, Status: 1}, nil
}

func (eng *Engine) handleDispute(b *Batch, timestamp int64, tx Tx, env Envelope) (Receipt, error) {
	body, err := DecodeDisputeBody(env.Body)
	if err != nil {
		return Receipt{}, err
	}
	if err := VerifyBondOutput(tx.OutputScripts, tx.OutputValues, body.ChallengeBond); err != nil {
		return Receipt{}, err
	}
	voteRec, err := loadBondedVoteRecord(eng.Store, b, body.OriginalVoteTx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: challenged vote %s not found", ErrSemanticSkip, body.OriginalVoteTx.Hex())
	}
	if err := CreateDispute(eng.Store, b, tx.ID, body.OriginalVoteTx, voteRec.Voter, body.Challenger, body.ChallengeBond, voteRec.BondAmount, timestamp); err != nil {
		return Receipt{}, err
	}
	return Receipt{TxID: tx.ID, Status: 1}, nil
}

func (eng *Engine) handleDisputeVote(b *Batch, timestamp int64, tx Tx, env Envelope) (Receipt, error) {
	body, err := DecodeDisputeVoteBody(env.Body)
	if err != nil {
		return Receipt{}, err
	}
	if err := VerifyBondOutput(tx.OutputScripts, tx.OutputValues, body.Stake); err != nil {
		return Receipt{}, err
	}
	_, err = RecordJurorVote(eng.Store, b, body.DisputeID, body.Juror, body.SupportSlash, body.Stake, timestamp, eng.Config.Core.DisputeQuorum, eng.Config.Core.DisputeStakeQuorum)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{TxID: tx.ID, Status: 1}, nil
}

// DisconnectBlock undoes a previously committed block's batch exactly, by
// committing its Inverse().
func (eng *Engine) DisconnectBlock(committed *Batch) error {
	return eng.Store.Commit(committed.Inverse())
}
