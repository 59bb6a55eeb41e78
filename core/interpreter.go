// Package core — bytecode interpreter.
//
// A register-free, stack-of-256-bit-values machine with a separate
// program counter, maximum stack depth 1024, maximum bytecode size 24 KB.
// Stack words are uint256 values, matching how go-ethereum's own EVM
// represents them internally.
package core

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	MaxStackDepth = 1024
	MaxCodeSize   = 24 * 1024
)

// Status is the terminal or in-flight state of one interpreter run.
type Status int

const (
	StatusRunning Status = iota
	StatusStopped
	StatusReturned
	StatusReverted
	StatusOutOfGas
	StatusStackOverflow
	StatusStackUnderflow
	StatusInvalidOpcode
	StatusInvalidJump
	StatusGenericError
)

// Success reports whether status is one of the two successful terminal
// states.
func (s Status) Success() bool { return s == StatusStopped || s == StatusReturned }

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	case StatusReturned:
		return "RETURNED"
	case StatusReverted:
		return "REVERTED"
	case StatusOutOfGas:
		return "OUT_OF_GAS"
	case StatusStackOverflow:
		return "STACK_OVERFLOW"
	case StatusStackUnderflow:
		return "STACK_UNDERFLOW"
	case StatusInvalidOpcode:
		return "INVALID_OPCODE"
	case StatusInvalidJump:
		return "INVALID_JUMP"
	default:
		return "GENERIC_ERROR"
	}
}

// Log is a single LOG emission captured during a run.
type Log struct {
	Address Address
	Topics  []Hash
	Data    []byte
}

// CallContext supplies the caller-provided execution environment for one
// interpreter run.
type CallContext struct {
	ContractAddr   Address
	Caller         Address
	CallValue      *uint256.Int
	BlockHeight    uint64
	BlockHash      Hash
	BlockTimestamp int64
	GasLimit       uint64
	Input          []byte
}

// snapshot captures (operand stack, PC, remaining gas) plus a marker
// into the pending write-set so REVERT can drop every store write made
// since the snapshot.
type snapshot struct {
	stack    []uint256.Int
	pc       int
	gas      uint64
	batchLen int
}

// Interpreter executes one top-level call (and any nested CALLs it makes)
// against a Store, accumulating writes into a single pending Batch that the
// block processor commits only if the top-level call succeeds.
type Interpreter struct {
	store *Store
	batch *Batch

	code []byte
	pc   int

	stack []uint256.Int
	gas   uint64

	status       Status
	returnData   []byte
	revertReason string
	logs         []Log

	snapshots []snapshot
	batchBase int // batch length at construction; a bare REVERT with no
	              // pushed snapshot rolls back to this, never past it, so
	              // a nested call never discards writes the batch already
	              // held before this interpreter started.

	ctx      CallContext
	callerOf []Address // per-nested-call-level CALLER stack; top is current
	depth    int
}

// NewInterpreter constructs an interpreter for one top-level call.
func NewInterpreter(store *Store, batch *Batch, code []byte, ctx CallContext) *Interpreter {
	return &Interpreter{
		store:     store,
		batch:     batch,
		code:      code,
		gas:       ctx.GasLimit,
		ctx:       ctx,
		callerOf:  []Address{ctx.Caller},
		batchBase: batch.Len(),
	}
}

// GasUsed reports gas consumed so far.
func (in *Interpreter) GasUsed() uint64 {
	if in.ctx.GasLimit < in.gas {
		return 0
	}
	return in.ctx.GasLimit - in.gas
}

func (in *Interpreter) fault(status Status) {
	in.status = status
}

func (in *Interpreter) push(v uint256.Int) bool {
	if len(in.stack) >= MaxStackDepth {
		in.fault(StatusStackOverflow)
		return false
	}
	in.stack = append(in.stack, v)
	return true
}

func (in *Interpreter) pop() (uint256.Int, bool) {
	if len(in.stack) == 0 {
		in.fault(StatusStackUnderflow)
		return uint256.Int{}, false
	}
	v := in.stack[len(in.stack)-1]
	in.stack = in.stack[:len(in.stack)-1]
	return v, true
}

func (in *Interpreter) top() (uint256.Int, bool) {
	if len(in.stack) == 0 {
		in.fault(StatusStackUnderflow)
		return uint256.Int{}, false
	}
	return in.stack[len(in.stack)-1], true
}

func (in *Interpreter) chargeGas(cost uint64) bool {
	if in.gas < cost {
		in.gas = 0
		in.fault(StatusOutOfGas)
		return false
	}
	in.gas -= cost
	return true
}

// Run drives the execution loop until status
// leaves RUNNING.
func (in *Interpreter) Run() Status {
	if len(in.code) > MaxCodeSize {
		in.fault(StatusGenericError)
		return in.status
	}
	in.status = StatusRunning
	for in.status == StatusRunning {
		in.step()
	}
	return in.status
}

func (in *Interpreter) step() {
	if in.pc < 0 || in.pc >= len(in.code) {
		in.fault(StatusStopped) // falling off the end behaves as STOP
		return
	}
	op := Opcode(in.code[in.pc])

	if !in.isDefined(op) {
		in.fault(StatusInvalidOpcode)
		return
	}
	if !in.chargeGas(GasCost(op)) {
		return // out-of-gas: no state effect for this step
	}
	in.execute(op)
}

func (in *Interpreter) isDefined(op Opcode) bool {
	if _, ok := isPush(op); ok {
		return true
	}
	_, known := gasTable[op]
	return known
}

func (in *Interpreter) execute(op Opcode) {
	advance := true
	switch {
	case func() bool { _, ok := isPush(op); return ok }():
		n, _ := isPush(op)
		if in.pc+1+n > len(in.code) {
			in.fault(StatusGenericError)
			return
		}
		var v uint256.Int
		v.SetBytes(in.code[in.pc+1 : in.pc+1+n])
		if !in.push(v) {
			return
		}
	default:
		switch op {
		case OpPOP:
			if _, ok := in.pop(); !ok {
				return
			}
		case OpDUP:
			v, ok := in.top()
			if !ok {
				return
			}
			if !in.push(v) {
				return
			}
		case OpSWAP:
			if len(in.stack) < 2 {
				in.fault(StatusStackUnderflow)
				return
			}
			n := len(in.stack)
			in.stack[n-1], in.stack[n-2] = in.stack[n-2], in.stack[n-1]

		case OpADD, OpSUB, OpMUL, OpDIV, OpMOD:
			b, ok := in.pop()
			if !ok {
				return
			}
			a, ok := in.pop()
			if !ok {
				return
			}
			var r uint256.Int
			switch op {
			case OpADD:
				r.Add(&a, &b)
			case OpSUB:
				r.Sub(&a, &b)
			case OpMUL:
				r.Mul(&a, &b)
			case OpDIV:
				if b.IsZero() {
					r.Clear() // division by zero returns zero, not a fault
				} else {
					r.Div(&a, &b)
				}
			case OpMOD:
				if b.IsZero() {
					r.Clear()
				} else {
					r.Mod(&a, &b)
				}
			}
			if !in.push(r) {
				return
			}

		case OpAND, OpOR, OpXOR:
			b, ok := in.pop()
			if !ok {
				return
			}
			a, ok := in.pop()
			if !ok {
				return
			}
			var r uint256.Int
			switch op {
			case OpAND:
				r.And(&a, &b)
			case OpOR:
				r.Or(&a, &b)
			case OpXOR:
				r.Xor(&a, &b)
			}
			if !in.push(r) {
				return
			}
		case OpNOT:
			a, ok := in.pop()
			if !ok {
				return
			}
			var r uint256.Int
			r.Not(&a)
			if !in.push(r) {
				return
			}

		case OpEQ, OpNE, OpLT, OpGT, OpLE, OpGE:
			b, ok := in.pop()
			if !ok {
				return
			}
			a, ok := in.pop()
			if !ok {
				return
			}
			var res bool
			switch op {
			case OpEQ:
				res = a.Eq(&b)
			case OpNE:
				res = !a.Eq(&b)
			case OpLT:
				res = a.Lt(&b)
			case OpGT:
				res = a.Gt(&b)
			case OpLE:
				res = a.Lt(&b) || a.Eq(&b)
			case OpGE:
				res = a.Gt(&b) || a.Eq(&b)
			}
			if res {
				if !in.push(*uint256.NewInt(1)) {
					return
				}
			} else {
				if !in.push(*uint256.NewInt(0)) {
					return
				}
			}

		case OpJUMP:
			target, ok := in.pop()
			if !ok {
				return
			}
			if !in.jumpTo(target) {
				return
			}
			advance = false

		case OpJUMPI:
			target, ok := in.pop()
			if !ok {
				return
			}
			cond, ok := in.pop()
			if !ok {
				return
			}
			if !cond.IsZero() {
				if !in.jumpTo(target) {
					return
				}
				advance = false
			}

		case OpCALL:
			in.doCall()
			advance = true

		case OpRETURN:
			if v, ok := in.top(); ok {
				b := v.Bytes32()
				in.returnData = append([]byte(nil), b[:]...)
			}
			in.fault(StatusReturned)
			return

		case OpSTOP:
			in.fault(StatusStopped)
			return

		case OpREVERT:
			in.doRevertTop()
			return

		case OpSLOAD:
			slotWord, ok := in.pop()
			if !ok {
				return
			}
			slot := Hash(slotWord.Bytes32())
			val := in.store.SLoadStaged(in.batch, in.ctx.ContractAddr, slot)
			var v uint256.Int
			v.SetBytes(val[:])
			if !in.push(v) {
				return
			}

		case OpSSTORE:
			slotWord, ok := in.pop()
			if !ok {
				return
			}
			valWord, ok := in.pop()
			if !ok {
				return
			}
			slot := Hash(slotWord.Bytes32())
			val := Hash(valWord.Bytes32())
			in.store.StageSStore(in.batch, in.ctx.ContractAddr, slot, val)

		case OpSHA256:
			v, ok := in.pop()
			if !ok {
				return
			}
			b := v.Bytes32()
			sum := sha256.Sum256(b[:])
			var r uint256.Int
			r.SetBytes(sum[:])
			if !in.push(r) {
				return
			}

		case OpVERIFYSIG:
			in.doVerifySig()

		case OpRECOVERPUB:
			in.doRecoverPub()

		case OpADDRESS:
			var v uint256.Int
			v.SetBytes(in.ctx.ContractAddr[:])
			if !in.push(v) {
				return
			}
		case OpBALANCE:
			addrWord, ok := in.pop()
			if !ok {
				return
			}
			b := addrWord.Bytes32()
			addr := WordFromBigEndian(b)
			raw, err := in.store.Get(append([]byte{PrefixBalance}, addr[:]...))
			var bal uint256.Int
			if err == nil {
				bal.SetBytes(raw)
			}
			if !in.push(bal) {
				return
			}
		case OpCALLER:
			var v uint256.Int
			v.SetBytes(in.callerOf[len(in.callerOf)-1][:])
			if !in.push(v) {
				return
			}
		case OpCALLVALUE:
			if in.ctx.CallValue == nil {
				if !in.push(*uint256.NewInt(0)) {
					return
				}
			} else if !in.push(*in.ctx.CallValue) {
				return
			}
		case OpTIMESTAMP:
			if !in.push(*uint256.NewInt(uint64(in.ctx.BlockTimestamp))) {
				return
			}
		case OpBLOCKHASH:
			var v uint256.Int
			v.SetBytes(in.ctx.BlockHash[:])
			if !in.push(v) {
				return
			}
		case OpBLOCKHEIGHT:
			if !in.push(*uint256.NewInt(in.ctx.BlockHeight)) {
				return
			}
		case OpGAS:
			if !in.push(*uint256.NewInt(in.gas)) {
				return
			}

		case OpLOG:
			topicWord, ok := in.pop()
			if !ok {
				return
			}
			dataWord, ok := in.pop()
			if !ok {
				return
			}
			topic := Hash(topicWord.Bytes32())
			data := dataWord.Bytes32()
			in.logs = append(in.logs, Log{Address: in.ctx.ContractAddr, Topics: []Hash{topic}, Data: data[:]})

		default:
			in.fault(StatusInvalidOpcode)
			return
		}
	}

	if advance {
		in.pc += instructionLength(op)
	}
}

func (in *Interpreter) jumpTo(target uint256.Int) bool {
	if !target.IsUint64() {
		in.fault(StatusInvalidJump)
		return false
	}
	t := target.Uint64()
	if t >= uint64(len(in.code)) {
		in.fault(StatusInvalidJump)
		return false
	}
	in.pc = int(t)
	return true
}

// doRevertTop restores the most recent snapshot, or — if no snapshot was
// pushed (top-level REVERT) — truncates the pending batch back to its
// length when this interpreter started, undoing every write this call
// staged. It pops nothing from the stack and sets no revert reason.
func (in *Interpreter) doRevertTop() {
	if len(in.snapshots) == 0 {
		in.batch.Truncate(in.batchBase)
		in.fault(StatusReverted)
		return
	}
	in.popSnapshot(true)
	in.fault(StatusReverted)
}

func (in *Interpreter) pushSnapshot() {
	cp := make([]uint256.Int, len(in.stack))
	copy(cp, in.stack)
	in.snapshots = append(in.snapshots, snapshot{
		stack:    cp,
		pc:       in.pc,
		gas:      in.gas,
		batchLen: in.batch.Len(),
	})
}

// popSnapshot restores (revert=true) or commits/drops (revert=false) the
// most recent snapshot.
func (in *Interpreter) popSnapshot(revert bool) {
	n := len(in.snapshots)
	if n == 0 {
		return
	}
	snap := in.snapshots[n-1]
	in.snapshots = in.snapshots[:n-1]
	if revert {
		in.stack = snap.stack
		in.pc = snap.pc
		in.gas = snap.gas
		if snap.batchLen < len(in.batch.ops) {
			in.batch.ops = in.batch.ops[:snap.batchLen]
		}
	}
	// success: snapshot simply dropped, batch writes since the snapshot remain staged.
}

// doCall implements CALL: pops (gasWord, valueWord, targetWord) and pushes
// a 1/0 success flag. The instruction set has no memory opcodes, so the
// sub-call receives an empty input buffer — a deliberate simplification of
// the memory-less stack machine (see DESIGN.md).
func (in *Interpreter) doCall() {
	targetWord, ok := in.pop()
	if !ok {
		return
	}
	valueWord, ok := in.pop()
	if !ok {
		return
	}
	gasWord, ok := in.pop()
	if !ok {
		return
	}

	targetBytes := targetWord.Bytes32()
	target := WordFromBigEndian(targetBytes)
	callGas := in.gas
	if gasWord.IsUint64() && gasWord.Uint64() < callGas {
		callGas = gasWord.Uint64()
	}

	code, found := in.lookupCode(target)
	if !found {
		// CALL to a non-existent address immediately reverts the sub-frame
		if !in.push(*uint256.NewInt(0)) {
			return
		}
		return
	}

	in.pushSnapshot()
	in.gas -= callGas

	sub := &Interpreter{
		store:     in.store,
		batch:     in.batch,
		batchBase: in.batch.Len(),
		code:      code,
		gas:       callGas,
		ctx: CallContext{
			ContractAddr:   target,
			Caller:         in.ctx.ContractAddr,
			CallValue:      valueWord.Clone(),
			BlockHeight:    in.ctx.BlockHeight,
			BlockHash:      in.ctx.BlockHash,
			BlockTimestamp: in.ctx.BlockTimestamp,
			GasLimit:       callGas,
		},
		callerOf: append(append([]Address(nil), in.callerOf...), in.ctx.ContractAddr),
		depth:    in.depth + 1,
	}
	status := sub.Run()
	in.gas += sub.gas
	in.logs = append(in.logs, sub.logs...)

	if status.Success() {
		in.popSnapshot(false)
		if !in.push(*uint256.NewInt(1)) {
			return
		}
	} else {
		in.popSnapshot(true)
		if !in.push(*uint256.NewInt(0)) {
			return
		}
	}
}

// lookupCode reads deployed bytecode for addr via the contract registry
// convention ("C"-prefixed store record); returns false if absent or
// retired.
func (in *Interpreter) lookupCode(addr Address) ([]byte, bool) {
	raw, err := in.store.GetStaged(in.batch, append([]byte{PrefixContract}, addr[:]...))
	if err != nil {
		return nil, false
	}
	c, err := DecodeContract(raw)
	if err != nil || c.Retired {
		return nil, false
	}
	return c.Code, true
}

// doVerifySig implements VERIFY-SIG. The word-stack machine has no memory,
// so a 65-byte signature cannot be passed as a single 32-byte word;
// instead the opcode pops (expectedAddr, v, s, r, hash) — the same (r, s,
// v) triple go-ethereum's crypto.SigToPub expects — recovers the signer
// address and pushes 1 iff it equals expectedAddr, 0 otherwise. This
// recover-then-compare shape is a deliberate simplification forced by the
// memory-less stack machine (see DESIGN.md).
func (in *Interpreter) doVerifySig() {
	expectedWord, ok := in.pop()
	if !ok {
		return
	}
	vWord, ok := in.pop()
	if !ok {
		return
	}
	sWord, ok := in.pop()
	if !ok {
		return
	}
	rWord, ok := in.pop()
	if !ok {
		return
	}
	hashWord, ok := in.pop()
	if !ok {
		return
	}

	addr, ok2 := recoverSignerAddress(hashWord, rWord, sWord, vWord)
	expected := WordFromBigEndian(expectedWord.Bytes32())
	if ok2 && addr == expected {
		if !in.push(*uint256.NewInt(1)) {
			return
		}
	} else {
		if !in.push(*uint256.NewInt(0)) {
			return
		}
	}
}

// doRecoverPub implements the recover-pubkey opcode: pops (v, s, r, hash)
// and pushes the recovered signer's 20-byte address (left-padded into a
// 32-byte word), or zero if recovery fails.
func (in *Interpreter) doRecoverPub() {
	vWord, ok := in.pop()
	if !ok {
		return
	}
	sWord, ok := in.pop()
	if !ok {
		return
	}
	rWord, ok := in.pop()
	if !ok {
		return
	}
	hashWord, ok := in.pop()
	if !ok {
		return
	}

	addr, ok2 := recoverSignerAddress(hashWord, rWord, sWord, vWord)
	var v uint256.Int
	if ok2 {
		v.SetBytes(addr[:])
	}
	if !in.push(v) {
		return
	}
}

// recoverSignerAddress reconstructs a 65-byte (r||s||v) go-ethereum
// signature from three stack words and recovers the signing address.
func recoverSignerAddress(hashWord, rWord, sWord, vWord uint256.Int) (Address, bool) {
	hashBytes := hashWord.Bytes32()
	rBytes := rWord.Bytes32()
	sBytes := sWord.Bytes32()

	sig := make([]byte, 65)
	copy(sig[0:32], rBytes[:])
	copy(sig[32:64], sBytes[:])
	if vWord.IsUint64() {
		sig[64] = byte(vWord.Uint64())
	}

	pub, err := crypto.SigToPub(hashBytes[:], sig)
	if err != nil {
		return Address{}, false
	}
	return Address(crypto.PubkeyToAddress(*pub)), true
}

// Result is the outward-facing summary of one completed interpreter run.
type Result struct {
	Status       Status
	ReturnData   []byte
	GasUsed      uint64
	Logs         []Log
	RevertReason string
}

func (in *Interpreter) Result() Result {
	return Result{
		Status:       in.status,
		ReturnData:   in.returnData,
		GasUsed:      in.GasUsed(),
		Logs:         in.logs,
		RevertReason: in.revertReason,
	}
}
