package core_test

import (
	"encoding/json"
	"testing"

	core "cascoin-core/core"
	"cascoin-core/pkg/config"
)

func newTestEngine() *core.Engine {
	cfg := config.Default()
	return core.NewMemEngine(&cfg)
}

// TestApplyBlockDeployThenCall exercises the DEPLOY/CALL happy path end to
// end through the block processor's envelope dispatch.
func TestApplyBlockDeployThenCall(t *testing.T) {
	eng := newTestEngine()
	deployer := core.BytesToAddress([]byte("deployer"))

	code := []byte{byte(core.OpSTOP)}
	deployBody := core.DeployBody{CodeHash: core.CodeHash(code), GasLimit: 100_000, InitData: code}
	deployEnv := core.Envelope{Type: core.TypeDeploy, Body: deployBody.Encode()}
	deployOut, err := core.BuildPayloadOutput(deployEnv)
	if err != nil {
		t.Fatalf("build deploy output: %v", err)
	}

	deployTx := core.Tx{ID: core.BytesToHash([]byte("tx1")), Sender: deployer, OutputScripts: [][]byte{deployOut.PkScript}}

	receipts, batch, err := eng.ApplyBlock(1, core.Hash{}, 1000, []core.Tx{deployTx})
	if err != nil {
		t.Fatalf("apply deploy block: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != 1 || receipts[0].CreatedContract == nil {
		t.Fatalf("expected a successful deploy receipt with a created contract, got %+v", receipts)
	}
	contractAddr := *receipts[0].CreatedContract

	callBody := core.CallBody{ContractAddr: contractAddr, GasLimit: 100_000, Value: 0, Input: nil}
	callEnv := core.Envelope{Type: core.TypeCall, Body: callBody.Encode()}
	callOut, err := core.BuildPayloadOutput(callEnv)
	if err != nil {
		t.Fatalf("build call output: %v", err)
	}
	callTx := core.Tx{ID: core.BytesToHash([]byte("tx2")), Sender: deployer, OutputScripts: [][]byte{callOut.PkScript}}

	blockHash2 := core.BytesToHash([]byte("block-2"))
	receipts2, batch2, err := eng.ApplyBlock(2, blockHash2, 1001, []core.Tx{callTx})
	if err != nil {
		t.Fatalf("apply call block: %v", err)
	}
	if len(receipts2) != 1 || receipts2[0].Status != 1 {
		t.Fatalf("expected a successful call receipt, got %+v", receipts2)
	}
	_ = batch

	raw, err := eng.Store.Receipt(callTx.ID)
	if err != nil {
		t.Fatalf("expected the call's receipt to be persisted: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected a non-empty persisted receipt")
	}
	ids, err := eng.Store.BlockReceiptIDs(blockHash2)
	if err != nil || len(ids) != 1 || ids[0] != callTx.ID {
		t.Fatalf("expected the call block's receipt id list to contain exactly the call tx, got %v err=%v", ids, err)
	}
	_ = batch2
}

// TestApplyBlockSemanticSkipDoesNotAbort asserts a malformed/invalid
// transaction (CALL against a nonexistent contract) is skipped without
// aborting the rest of the block.
func TestApplyBlockSemanticSkipDoesNotAbort(t *testing.T) {
	eng := newTestEngine()
	sender := core.BytesToAddress([]byte("sender"))

	badCallBody := core.CallBody{ContractAddr: core.BytesToAddress([]byte("ghost")), GasLimit: 1000}
	badEnv := core.Envelope{Type: core.TypeCall, Body: badCallBody.Encode()}
	badOut, err := core.BuildPayloadOutput(badEnv)
	if err != nil {
		t.Fatalf("build bad call output: %v", err)
	}
	badTx := core.Tx{ID: core.BytesToHash([]byte("bad")), Sender: sender, OutputScripts: [][]byte{badOut.PkScript}}

	voteBody := core.VoteBody{Target: sender, Vote: 5, Timestamp: 1}
	voteEnv := core.Envelope{Type: core.TypeVote, Body: voteBody.Encode()}
	voteOut, err := core.BuildPayloadOutput(voteEnv)
	if err != nil {
		t.Fatalf("build vote output: %v", err)
	}
	voteTx := core.Tx{ID: core.BytesToHash([]byte("good")), Sender: sender, OutputScripts: [][]byte{voteOut.PkScript}}

	receipts, _, err := eng.ApplyBlock(1, core.Hash{}, 1000, []core.Tx{badTx, voteTx})
	if err != nil {
		t.Fatalf("expected block to apply despite one semantic skip, got error: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("expected exactly one receipt (the skip produces none), got %d", len(receipts))
	}
	if receipts[0].TxID != voteTx.ID {
		t.Fatalf("expected the surviving receipt to belong to the vote tx, got %+v", receipts[0])
	}
}

// TestDisconnectBlockRestoresPriorState commits a DEPLOY, then disconnects
// it, and asserts the contract is no longer retrievable.
func TestDisconnectBlockRestoresPriorState(t *testing.T) {
	eng := newTestEngine()
	deployer := core.BytesToAddress([]byte("deployer2"))
	code := []byte{byte(core.OpSTOP)}
	deployBody := core.DeployBody{CodeHash: core.CodeHash(code), GasLimit: 100_000, InitData: code}
	deployEnv := core.Envelope{Type: core.TypeDeploy, Body: deployBody.Encode()}
	deployOut, err := core.BuildPayloadOutput(deployEnv)
	if err != nil {
		t.Fatalf("build deploy output: %v", err)
	}
	deployTx := core.Tx{ID: core.BytesToHash([]byte("tx-d")), Sender: deployer, OutputScripts: [][]byte{deployOut.PkScript}}

	receipts, batch, err := eng.ApplyBlock(1, core.Hash{}, 1000, []core.Tx{deployTx})
	if err != nil {
		t.Fatalf("apply block: %v", err)
	}
	contractAddr := *receipts[0].CreatedContract

	if _, err := core.GetContract(eng.Store, contractAddr); err != nil {
		t.Fatalf("expected contract to be retrievable after commit: %v", err)
	}

	if err := eng.DisconnectBlock(batch); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if _, err := core.GetContract(eng.Store, contractAddr); err == nil {
		t.Fatalf("expected contract to be gone after disconnect")
	}
}

// TestTrustEdgeRequiresBond asserts a TRUST-EDGE payload with no bond
// output (or an underfunded one) is skipped, while the same payload with a
// sufficient P2SH bond at output index 1 lands in the graph.
func TestTrustEdgeRequiresBond(t *testing.T) {
	eng := newTestEngine()
	from := core.BytesToAddress([]byte("edge-from"))
	to := core.BytesToAddress([]byte("edge-to"))

	body := core.TrustEdgeBody{From: from, To: to, Weight: 70, BondAmount: 500, Timestamp: 1}
	env := core.Envelope{Type: core.TypeTrustEdge, Body: body.Encode()}
	payloadOut, err := core.BuildPayloadOutput(env)
	if err != nil {
		t.Fatalf("build payload output: %v", err)
	}

	// No bond output at all.
	bare := core.Tx{ID: core.BytesToHash([]byte("bare")), Sender: from, OutputScripts: [][]byte{payloadOut.PkScript}}
	receipts, _, err := eng.ApplyBlock(1, core.Hash{}, 100, []core.Tx{bare})
	if err != nil {
		t.Fatalf("apply block: %v", err)
	}
	if len(receipts) != 0 {
		t.Fatalf("expected the bondless trust edge to be skipped, got %+v", receipts)
	}
	if len(eng.TrustGraph.OutgoingEdges(from)) != 0 {
		t.Fatal("expected no edge after a bondless insert attempt")
	}

	bondOut, err := core.BuildBondOutput(core.Keccak160([]byte("redeem")), 500)
	if err != nil {
		t.Fatalf("build bond output: %v", err)
	}

	// Bond output present but underfunded.
	low := core.Tx{
		ID:            core.BytesToHash([]byte("low")),
		Sender:        from,
		OutputScripts: [][]byte{payloadOut.PkScript, bondOut.PkScript},
		OutputValues:  []uint64{0, 499},
	}
	receipts, _, err = eng.ApplyBlock(2, core.Hash{}, 101, []core.Tx{low})
	if err != nil || len(receipts) != 0 {
		t.Fatalf("expected the underfunded bond to be skipped, receipts=%v err=%v", receipts, err)
	}

	// Fully funded.
	funded := core.Tx{
		ID:            core.BytesToHash([]byte("funded")),
		Sender:        from,
		OutputScripts: [][]byte{payloadOut.PkScript, bondOut.PkScript},
		OutputValues:  []uint64{0, 500},
	}
	receipts, _, err = eng.ApplyBlock(3, core.Hash{}, 102, []core.Tx{funded})
	if err != nil {
		t.Fatalf("apply funded block: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != 1 {
		t.Fatalf("expected the funded trust edge to apply, got %+v", receipts)
	}
	edges := eng.TrustGraph.OutgoingEdges(from)
	if len(edges) != 1 || edges[0].BondAmount != 500 || edges[0].CreatedHeight != 3 {
		t.Fatalf("expected one edge with bond 500 created at height 3, got %+v", edges)
	}
	if !edges[0].BondLive(4, eng.Config.Core.BondLockBlocks) {
		t.Fatal("expected the bond to be live inside its lock window")
	}
	if edges[0].BondLive(3+eng.Config.Core.BondLockBlocks, eng.Config.Core.BondLockBlocks) {
		t.Fatal("expected the bond to stop being live at lock expiry")
	}
}

// deployForCallTest registers a single-STOP contract and returns its
// address, so call-path tests don't repeat the deploy boilerplate.
func deployForCallTest(t *testing.T, eng *core.Engine, deployer core.Address) core.Address {
	t.Helper()
	code := []byte{byte(core.OpSTOP)}
	body := core.DeployBody{CodeHash: core.CodeHash(code), GasLimit: 100_000, InitData: code}
	out, err := core.BuildPayloadOutput(core.Envelope{Type: core.TypeDeploy, Body: body.Encode()})
	if err != nil {
		t.Fatalf("build deploy output: %v", err)
	}
	tx := core.Tx{ID: core.BytesToHash([]byte("deploy-" + deployer.Hex())), Sender: deployer, OutputScripts: [][]byte{out.PkScript}}
	receipts, _, err := eng.ApplyBlock(1, core.BytesToHash([]byte("deploy-block")), 50, []core.Tx{tx})
	if err != nil || len(receipts) != 1 || receipts[0].CreatedContract == nil {
		t.Fatalf("deploy failed: receipts=%v err=%v", receipts, err)
	}
	return *receipts[0].CreatedContract
}

// freeGasTestConfig lowers the discount tiers so a fresh address's
// self-view HAT score (30, from the maximal self-trust term alone) clears
// the free-gas band, making the allowance path reachable end to end.
func freeGasTestConfig() config.Config {
	cfg := config.Default()
	cfg.Reputation.DiscountTierCutoffs = []int{5, 10, 15, 25}
	cfg.Reputation.FreeGasThreshold = 25
	return cfg
}

// TestCallDrawsFreeGasEndToEnd asserts an eligible sender's bucket is
// replenished and drawn inside the apply path itself: the call runs on
// the full declared budget, the receipt records free gas, and the shared
// pool is debited by exactly the gas used.
func TestCallDrawsFreeGasEndToEnd(t *testing.T) {
	cfg := freeGasTestConfig()
	eng := core.NewMemEngine(&cfg)
	sender := core.BytesToAddress([]byte("free-gas-sender"))
	contractAddr := deployForCallTest(t, eng, sender)

	callBody := core.CallBody{ContractAddr: contractAddr, GasLimit: 100_000}
	out, err := core.BuildPayloadOutput(core.Envelope{Type: core.TypeCall, Body: callBody.Encode()})
	if err != nil {
		t.Fatalf("build call output: %v", err)
	}
	callTx := core.Tx{ID: core.BytesToHash([]byte("free-call")), Sender: sender, OutputScripts: [][]byte{out.PkScript}, RClaim: 30}

	receipts, _, err := eng.ApplyBlock(2, core.BytesToHash([]byte("fg-block")), 100, []core.Tx{callTx})
	if err != nil || len(receipts) != 1 {
		t.Fatalf("apply call block: receipts=%v err=%v", receipts, err)
	}
	r := receipts[0]
	if r.Status != 1 || !r.FreeGasUsed || r.DiscountApplied != 10000 {
		t.Fatalf("expected a successful free-gas call at full discount, got %+v", r)
	}

	pool := core.LoadSubsidyPool(eng.Store, core.FreeGasPoolID)
	if pool.Balance != cfg.Subsidy.FreeGasPoolTarget-r.GasUsed {
		t.Fatalf("expected the pool debited by gas used (%d), balance %d of target %d", r.GasUsed, pool.Balance, cfg.Subsidy.FreeGasPoolTarget)
	}
}

// TestCallFreeGasExhaustedFallsBackToPaid asserts a free-gas-tier sender
// whose allowance cannot cover the call still runs on a paid budget at
// the top discount band instead of faulting out-of-gas on a zero limit.
func TestCallFreeGasExhaustedFallsBackToPaid(t *testing.T) {
	cfg := freeGasTestConfig()
	cfg.Reputation.FreeGasDailyMax = 10 // capacity rounds to zero for this sender
	eng := core.NewMemEngine(&cfg)
	sender := core.BytesToAddress([]byte("exhausted-sender"))
	contractAddr := deployForCallTest(t, eng, sender)

	callBody := core.CallBody{ContractAddr: contractAddr, GasLimit: 100_000}
	out, err := core.BuildPayloadOutput(core.Envelope{Type: core.TypeCall, Body: callBody.Encode()})
	if err != nil {
		t.Fatalf("build call output: %v", err)
	}
	callTx := core.Tx{ID: core.BytesToHash([]byte("paid-fallback")), Sender: sender, OutputScripts: [][]byte{out.PkScript}, RClaim: 30}

	receipts, _, err := eng.ApplyBlock(2, core.BytesToHash([]byte("fb-block")), 100, []core.Tx{callTx})
	if err != nil || len(receipts) != 1 {
		t.Fatalf("apply call block: receipts=%v err=%v", receipts, err)
	}
	r := receipts[0]
	if r.Status != 1 {
		t.Fatalf("expected the fallback call to succeed on a paid budget, got %+v", r)
	}
	if r.FreeGasUsed || r.DiscountApplied != 7500 {
		t.Fatalf("expected paid gas at the top discount band, got %+v", r)
	}
}

// TestVotesInOneBlockAccumulate asserts two VOTE payloads on the same
// address in one block both land: the second handler reads the first's
// staged write, not the committed pre-block state.
func TestVotesInOneBlockAccumulate(t *testing.T) {
	eng := newTestEngine()
	target := core.BytesToAddress([]byte("popular"))

	makeVote := func(id string, vote int64) core.Tx {
		body := core.VoteBody{Target: target, Vote: vote, Timestamp: 1}
		out, err := core.BuildPayloadOutput(core.Envelope{Type: core.TypeVote, Body: body.Encode()})
		if err != nil {
			t.Fatalf("build vote output: %v", err)
		}
		return core.Tx{ID: core.BytesToHash([]byte(id)), Sender: target, OutputScripts: [][]byte{out.PkScript}}
	}

	receipts, _, err := eng.ApplyBlock(1, core.Hash{}, 100, []core.Tx{makeVote("v1", 30), makeVote("v2", 25)})
	if err != nil {
		t.Fatalf("apply block: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected both votes to process, got %d receipts", len(receipts))
	}
	rep := core.LoadReputation(eng.Store, target)
	if rep.Score != 55 || rep.VoteCount != 2 {
		t.Fatalf("expected both votes to accumulate (score 55, count 2), got %+v", rep)
	}
}

// TestDisputeLifecycleThroughBlocks drives a bonded vote, its dispute,
// and five juror votes through the envelope/dispatch path end to end,
// then checks the resolved dispute's reward entries conserve the bonds
// that entered it.
func TestDisputeLifecycleThroughBlocks(t *testing.T) {
	eng := newTestEngine()
	voter := core.BytesToAddress([]byte("voter"))
	target := core.BytesToAddress([]byte("target"))
	challenger := core.BytesToAddress([]byte("challenger"))

	bondScript, err := core.BuildBondOutput(core.Keccak160([]byte("redeem")), 0)
	if err != nil {
		t.Fatalf("build bond output: %v", err)
	}

	makeTx := func(id string, sender core.Address, env core.Envelope, bond uint64) core.Tx {
		out, err := core.BuildPayloadOutput(env)
		if err != nil {
			t.Fatalf("build payload output for %s: %v", id, err)
		}
		return core.Tx{
			ID:            core.BytesToHash([]byte(id)),
			Sender:        sender,
			OutputScripts: [][]byte{out.PkScript, bondScript.PkScript},
			OutputValues:  []uint64{0, bond},
		}
	}

	const challengedBond, challengerBond = uint64(2000), uint64(1000)

	voteBody := core.BondedVoteBody{Voter: voter, Target: target, Vote: -50, BondAmount: challengedBond, Timestamp: 10}
	voteTx := makeTx("bonded-vote", voter, core.Envelope{Type: core.TypeBondedVote, Body: voteBody.Encode()}, challengedBond)
	if _, _, err := eng.ApplyBlock(1, core.BytesToHash([]byte("b1")), 100, []core.Tx{voteTx}); err != nil {
		t.Fatalf("apply bonded vote: %v", err)
	}

	disputeBody := core.DisputeBody{Challenger: challenger, OriginalVoteTx: voteTx.ID, ChallengeBond: challengerBond, Reason: "spite vote", Timestamp: 11}
	disputeTx := makeTx("dispute", challenger, core.Envelope{Type: core.TypeDispute, Body: disputeBody.Encode()}, challengerBond)
	if _, _, err := eng.ApplyBlock(2, core.BytesToHash([]byte("b2")), 101, []core.Tx{disputeTx}); err != nil {
		t.Fatalf("apply dispute: %v", err)
	}

	var jurorTxs []core.Tx
	for i := 0; i < 5; i++ {
		juror := core.BytesToAddress([]byte{byte(0xa0 + i)})
		jb := core.DisputeVoteBody{Juror: juror, DisputeID: disputeTx.ID, SupportSlash: true, Stake: 2, Timestamp: 12}
		jurorTxs = append(jurorTxs, makeTx("juror-"+string(rune('a'+i)), juror, core.Envelope{Type: core.TypeDisputeVote, Body: jb.Encode()}, 2))
	}
	if _, _, err := eng.ApplyBlock(3, core.BytesToHash([]byte("b3")), 102, jurorTxs); err != nil {
		t.Fatalf("apply juror votes: %v", err)
	}
	ids, err := eng.Store.BlockReceiptIDs(core.BytesToHash([]byte("b3")))
	if err != nil || len(ids) != 5 {
		t.Fatalf("expected all five juror receipts in the block's receipt list, got %v err=%v", ids, err)
	}

	d, err := core.LoadDispute(eng.Store, disputeTx.ID)
	if err != nil {
		t.Fatalf("load dispute: %v", err)
	}
	if d.Open || !d.SlashDecision {
		t.Fatalf("expected a resolved slash decision at quorum, got %+v", d)
	}

	var rewardTotal uint64
	var bondReturn uint64
	eng.Store.IteratePrefix([]byte("reward_"), func(_, v []byte) bool {
		var r core.PendingReward
		if err := json.Unmarshal(v, &r); err != nil {
			t.Fatalf("unmarshal reward: %v", err)
		}
		if r.DisputeID != disputeTx.ID {
			return true
		}
		rewardTotal += r.Amount
		if r.Kind == core.RewardBondReturn && r.Recipient == challenger {
			bondReturn = r.Amount
		}
		return true
	})
	if bondReturn != challengerBond {
		t.Fatalf("expected the winning challenger's bond %d returned, got %d", challengerBond, bondReturn)
	}
	if rewardTotal > challengerBond+challengedBond {
		t.Fatalf("reward entries %d exceed the bonds that entered the dispute (%d)", rewardTotal, challengerBond+challengedBond)
	}
	if rewardTotal <= challengerBond {
		t.Fatal("expected the slashed bond to fund bounty and juror shares beyond the bond return")
	}
}

// TestApplyBlockBeforeActivationIsInert asserts a pre-fork block's
// payloads are treated as opaque data outputs: nothing interpreted,
// nothing written.
func TestApplyBlockBeforeActivationIsInert(t *testing.T) {
	cfg := config.Default()
	cfg.Core.ActivationHeight = 1000
	eng := core.NewMemEngine(&cfg)

	target := core.BytesToAddress([]byte("vote-target"))
	voteBody := core.VoteBody{Target: target, Vote: 10, Timestamp: 1}
	voteOut, err := core.BuildPayloadOutput(core.Envelope{Type: core.TypeVote, Body: voteBody.Encode()})
	if err != nil {
		t.Fatalf("build vote output: %v", err)
	}
	tx := core.Tx{ID: core.BytesToHash([]byte("pre-fork")), Sender: target, OutputScripts: [][]byte{voteOut.PkScript}}

	receipts, _, err := eng.ApplyBlock(999, core.Hash{}, 500, []core.Tx{tx})
	if err != nil {
		t.Fatalf("apply pre-fork block: %v", err)
	}
	if len(receipts) != 0 {
		t.Fatalf("expected no receipts before activation, got %+v", receipts)
	}
	if rep := core.LoadReputation(eng.Store, target); rep.VoteCount != 0 {
		t.Fatalf("expected the pre-fork vote to leave no state, got %+v", rep)
	}

	receipts, _, err = eng.ApplyBlock(1000, core.Hash{}, 501, []core.Tx{tx})
	if err != nil || len(receipts) != 1 {
		t.Fatalf("expected the same payload to apply at the fork height, receipts=%v err=%v", receipts, err)
	}
}
