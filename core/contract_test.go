package core_test

import (
	"testing"

	core "cascoin-core/core"
)

func TestValidateBytecodeRejectsUnknownOpcodeAndOverrunningPush(t *testing.T) {
	if err := core.ValidateBytecode(nil); err == nil {
		t.Fatal("expected empty bytecode to be rejected")
	}
	if err := core.ValidateBytecode([]byte{0xff}); err == nil {
		t.Fatal("expected an undefined opcode to be rejected")
	}
	// PUSH2 (0x61) declares 2 immediate bytes but only one follows.
	if err := core.ValidateBytecode([]byte{byte(core.OpPUSH1 + 1), 0x01}); err == nil {
		t.Fatal("expected a PUSH overrunning the code to be rejected")
	}
	if err := core.ValidateBytecode([]byte{byte(core.OpSTOP)}); err != nil {
		t.Fatalf("expected valid single-opcode bytecode to pass: %v", err)
	}
}

func TestValidateBytecodeRejectsOversizedCode(t *testing.T) {
	code := make([]byte, core.MaxCodeSize+1)
	for i := range code {
		code[i] = byte(core.OpSTOP)
	}
	if err := core.ValidateBytecode(code); err == nil {
		t.Fatal("expected bytecode exceeding MaxCodeSize to be rejected")
	}
}

func TestDeployContractDerivesDeterministicAddressAndBumpsNonce(t *testing.T) {
	store := core.OpenMemStore()
	deployer := core.BytesToAddress([]byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11})
	code := []byte{byte(core.OpSTOP)}

	b := store.NewBatch()
	addr, err := core.DeployContract(store, b, deployer, core.Hash{}, 1, code)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := store.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The same deployer at nonce 0 must derive the same address on any
	// independent computation.
	want := core.DeriveContractAddress(deployer, 0)
	if addr != want {
		t.Fatalf("expected deterministic address %s, got %s", want.Hex(), addr.Hex())
	}
	if got := store.NonceOf(deployer); got != 1 {
		t.Fatalf("expected deployer nonce to be bumped to 1, got %d", got)
	}

	c, err := core.GetContract(store, addr)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if c.Retired {
		t.Fatal("freshly deployed contract should not be retired")
	}
}

func TestDeployContractRejectsAddressCollision(t *testing.T) {
	store := core.OpenMemStore()
	deployer := core.BytesToAddress([]byte("deployer"))
	code := []byte{byte(core.OpSTOP)}

	b := store.NewBatch()
	if _, err := core.DeployContract(store, b, deployer, core.Hash{}, 1, code); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	if err := store.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Re-deploying at the same nonce (without an intervening nonce bump)
	// must collide on the derived address rather than silently overwrite it.
	store.Put(core.NonceKey(deployer), core.NonceBytes(0))
	b2 := store.NewBatch()
	if _, err := core.DeployContract(store, b2, deployer, core.Hash{}, 1, code); err == nil {
		t.Fatal("expected a second deploy at the same (deployer, nonce) to be rejected as a collision")
	}
}

func TestRetireContractSweepsStorage(t *testing.T) {
	store := core.OpenMemStore()
	deployer := core.BytesToAddress([]byte("deployer3"))
	code := []byte{byte(core.OpSTOP)}

	b := store.NewBatch()
	addr, err := core.DeployContract(store, b, deployer, core.Hash{}, 1, code)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	store.StageSStore(b, addr, core.BytesToHash([]byte("key")), core.BytesToHash([]byte("value")))
	if err := store.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := store.SLoad(addr, core.BytesToHash([]byte("key"))); got != core.BytesToHash([]byte("value")) {
		t.Fatalf("expected storage slot set before retirement, got %x", got)
	}

	b2 := store.NewBatch()
	if err := core.RetireContract(store, b2, addr); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if err := store.Commit(b2); err != nil {
		t.Fatalf("commit retire: %v", err)
	}

	c, err := core.GetContract(store, addr)
	if err != nil {
		t.Fatalf("get contract after retire: %v", err)
	}
	if !c.Retired {
		t.Fatal("expected contract to be marked retired")
	}
	if got := store.SLoad(addr, core.BytesToHash([]byte("key"))); got != (core.Hash{}) {
		t.Fatalf("expected storage to be swept on retirement, got %x", got)
	}
}

func TestDeployContractAppendsToContractList(t *testing.T) {
	store := core.OpenMemStore()
	deployer := core.BytesToAddress([]byte("list-deployer"))
	code := []byte{byte(core.OpSTOP)}

	b := store.NewBatch()
	first, err := core.DeployContract(store, b, deployer, core.Hash{}, 1, code)
	if err != nil {
		t.Fatalf("deploy first: %v", err)
	}
	if err := store.Commit(b); err != nil {
		t.Fatalf("commit first: %v", err)
	}
	b2 := store.NewBatch()
	second, err := core.DeployContract(store, b2, deployer, core.Hash{}, 2, code)
	if err != nil {
		t.Fatalf("deploy second: %v", err)
	}
	if err := store.Commit(b2); err != nil {
		t.Fatalf("commit second: %v", err)
	}

	addrs, err := core.ListContracts(store)
	if err != nil {
		t.Fatalf("list contracts: %v", err)
	}
	if len(addrs) != 2 || addrs[0] != first || addrs[1] != second {
		t.Fatalf("expected [%s %s] in deployment order, got %v", first.Hex(), second.Hex(), addrs)
	}
}

func TestCodeHashIsPureAndDistinct(t *testing.T) {
	code := []byte{byte(core.OpSTOP), byte(core.OpPUSH1), 0x01}
	if core.CodeHash(code) != core.CodeHash(code) {
		t.Fatal("CodeHash must be a pure function of its input")
	}
	other := []byte{byte(core.OpSTOP)}
	if core.CodeHash(code) == core.CodeHash(other) {
		t.Fatal("expected different bytecode to hash differently")
	}
}
