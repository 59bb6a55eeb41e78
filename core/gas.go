// Package core — gas schedule.
//
// Canonical gas-pricing table for every opcode recognised by the core
// bytecode interpreter, plus the per-transaction and per-block caps.
// These numbers are consensus-critical and must never be tuned per-node.
// The table prices every opcode, so there is no "missing cost" fallback
// case in correctly operating nodes; reaching DefaultGasCost is itself a
// bug worth logging loudly.
package core

import log "github.com/sirupsen/logrus"

// DefaultGasCost is charged for any opcode that has slipped through the
// cracks; deliberately punitive and logged once per occurrence so a
// mispriced opcode shows up in operations rather than silently under- or
// over-charging.
const DefaultGasCost uint64 = 1_000_000

// Fixed protocol constants.
const (
	GasBase       uint64 = 1
	GasVeryLow    uint64 = 3 // stack, bitwise, comparison
	GasLow        uint64 = 5 // arithmetic
	GasMid        uint64 = 8 // JUMP
	GasHigh       uint64 = 10 // JUMPI
	GasSLoad      uint64 = 200
	GasSStore     uint64 = 5000
	GasSHA256     uint64 = 60
	GasVerifySig  uint64 = 3000
	GasCall       uint64 = 700
	GasLog        uint64 = 375
	GasBalance    uint64 = 400

	// TxGasCap is the per-transaction gas limit cap.
	TxGasCap uint64 = 1_000_000
	// BlockGasCap is the per-block aggregate gas cap.
	BlockGasCap uint64 = 10_000_000
)

var gasTable = map[Opcode]uint64{
	OpPOP:  GasVeryLow,
	OpDUP:  GasVeryLow,
	OpSWAP: GasVeryLow,

	OpADD: GasLow,
	OpSUB: GasLow,
	OpMUL: GasLow,
	OpDIV: GasLow,
	OpMOD: GasLow,

	OpAND: GasVeryLow,
	OpOR:  GasVeryLow,
	OpXOR: GasVeryLow,
	OpNOT: GasVeryLow,

	OpEQ: GasVeryLow,
	OpNE: GasVeryLow,
	OpLT: GasVeryLow,
	OpGT: GasVeryLow,
	OpLE: GasVeryLow,
	OpGE: GasVeryLow,

	OpJUMP:   GasMid,
	OpJUMPI:  GasHigh,
	OpCALL:   GasCall,
	OpRETURN: GasBase,
	OpSTOP:   GasBase,
	OpREVERT: GasBase,

	OpSLOAD:  GasSLoad,
	OpSSTORE: GasSStore,

	OpSHA256:     GasSHA256,
	OpVERIFYSIG:  GasVerifySig,
	OpRECOVERPUB: GasVerifySig,

	OpADDRESS:     GasBase,
	OpBALANCE:     GasBalance,
	OpCALLER:      GasBase,
	OpCALLVALUE:   GasBase,
	OpTIMESTAMP:   GasBase,
	OpBLOCKHASH:   GasBase,
	OpBLOCKHEIGHT: GasBase,
	OpGAS:         GasBase,

	OpLOG: GasLog,
}

func init() {
	// PUSH1..PUSH32 all cost GasVeryLow regardless of immediate width;
	// there is no separate per-word PUSH fee.
	for op := OpPUSH1; op <= OpPUSH32; op++ {
		gasTable[op] = GasVeryLow
	}
}

// GasCost returns the static gas cost for a single opcode. Lock-free and
// safe for concurrent use — the table is built once at init and never
// mutated afterward.
func GasCost(op Opcode) uint64 {
	if cost, ok := gasTable[op]; ok {
		return cost
	}
	log.Warnf("cvm: gas table missing cost for opcode 0x%02x, charging default", byte(op))
	return DefaultGasCost
}
