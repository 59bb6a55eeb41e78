// Package core — Bitcoin transport bridge: the seam between the host
// node's UTXO layer and the flat Tx/[]byte-script view the rest of this
// package operates on. Outputs are assembled with txscript.ScriptBuilder,
// and chainhash/btcutil are used directly rather than inventing a
// parallel txid/amount type.
package core

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ChainHashToHash converts a btcd chainhash.Hash (host block/tx id) into
// this package's Hash, byte-for-byte — no digit-endian reversal, since
// nothing here treats it as a display string.
func ChainHashToHash(h chainhash.Hash) Hash { return Hash(h) }

// HashToChainHash is the inverse of ChainHashToHash.
func HashToChainHash(h Hash) chainhash.Hash { return chainhash.Hash(h) }

// BuildPayloadOutput assembles the null-data (OP_RETURN) output a deploy,
// call, vote, trust-edge, bonded-vote, dispute, or dispute-vote transaction
// carries its envelope in.
func BuildPayloadOutput(env Envelope) (*wire.TxOut, error) {
	env.Magic = env.Type.Magic()
	env.Version = ProtocolVersion
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(EncodeEnvelope(env)).
		Script()
	if err != nil {
		return nil, fmt.Errorf("build payload output: %w", err)
	}
	return &wire.TxOut{Value: 0, PkScript: script}, nil
}

// BuildBondOutput assembles the P2SH bond output required at tx output
// index 1 for any payload type whose RequiresBond is true. scriptHash is
// the HASH160 of the bond's redeem script.
func BuildBondOutput(scriptHash [20]byte, amountSats uint64) (*wire.TxOut, error) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(scriptHash[:]).
		AddOp(txscript.OP_EQUAL).
		Script()
	if err != nil {
		return nil, fmt.Errorf("build bond output: %w", err)
	}
	return &wire.TxOut{Value: int64(amountSats), PkScript: script}, nil
}

// AssembleCarrierTx lays out a transaction's outputs in the fixed order the
// block processor expects: payload output at index 0, bond output (if any)
// at index 1. Inputs are left for the caller's wallet layer to fund and
// sign; this only fixes the shape the rest of core relies on.
func AssembleCarrierTx(payload *wire.TxOut, bond *wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(payload)
	if bond != nil {
		tx.AddTxOut(bond)
	}
	return tx
}

// TxFromWire projects a confirmed wire.MsgTx into the minimal Tx view the
// block processor dispatches on. sender and rClaim are supplied by the
// caller (the host's UTXO/signature-recovery layer); no payload body
// carries a claimed-reputation field. This bridge only reshapes the id,
// the output scripts and the output values.
func TxFromWire(wtx *wire.MsgTx, sender Address, rClaim int) Tx {
	scripts := make([][]byte, len(wtx.TxOut))
	values := make([]uint64, len(wtx.TxOut))
	for i, out := range wtx.TxOut {
		scripts[i] = out.PkScript
		if out.Value > 0 {
			values[i] = uint64(out.Value)
		}
	}
	return Tx{
		ID:            ChainHashToHash(wtx.TxHash()),
		Sender:        sender,
		OutputScripts: scripts,
		OutputValues:  values,
		RClaim:        rClaim,
	}
}

// FormatSatoshis renders a satoshi amount the way CLI output and log lines
// display bond and subsidy sizes, matching the host's own unit.
func FormatSatoshis(sats uint64) string {
	return btcutil.Amount(int64(sats)).String()
}
