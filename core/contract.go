// Package core — contract registry. Deployment is register-only: the
// bytecode is validated and stored, no constructor runs. All state is
// threaded through an explicit *Store rather than a package singleton.
package core

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Contract is the immutable on-chain record created by a DEPLOY payload.
// Bytecode is never mutated after deployment; "Retired" is set only by
// the cleanup policy, which also sweeps storage.
type Contract struct {
	Address      Address
	Code         []byte
	DeployHeight uint64
	DeployTxID   Hash
	Retired      bool
}

// EncodeContract canonically encodes a Contract record for storage using
// RLP; the less hot-path extension records in reputation.go/dispute.go
// stay JSON.
func EncodeContract(c Contract) []byte {
	raw, err := rlp.EncodeToBytes(&c)
	if err != nil {
		// Contract has no types RLP cannot represent (fixed arrays,
		// []byte, uint64, bool); a failure here means the struct shape
		// changed incompatibly, which is a programming error, not a
		// runtime condition callers can recover from.
		panic(fmt.Sprintf("cvm: rlp-encode contract: %v", err))
	}
	return raw
}

// DecodeContract decodes a stored Contract record.
func DecodeContract(raw []byte) (Contract, error) {
	var c Contract
	if err := rlp.DecodeBytes(raw, &c); err != nil {
		return Contract{}, fmt.Errorf("%w: contract record: %v", ErrPayloadMalformed, err)
	}
	return c, nil
}

func contractKey(addr Address) []byte {
	return append([]byte{PrefixContract}, addr[:]...)
}

func contractListKey() []byte { return []byte{PrefixContractList} }

// ListContracts returns every deployed contract address in deployment
// order, retired contracts included — the record stays for receipt and
// audit lookups even after the cleanup policy sweeps code and storage.
func ListContracts(store *Store) ([]Address, error) {
	raw, err := store.Get(contractListKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var addrs []Address
	if err := rlp.DecodeBytes(raw, &addrs); err != nil {
		return nil, fmt.Errorf("%w: contract list: %v", ErrPayloadMalformed, err)
	}
	return addrs, nil
}

func stageContractListAppend(store *Store, b *Batch, addr Address) {
	var addrs []Address
	if raw, err := store.GetStaged(b, contractListKey()); err == nil {
		if rlp.DecodeBytes(raw, &addrs) != nil {
			addrs = nil
		}
	}
	addrs = append(addrs, addr)
	raw, err := rlp.EncodeToBytes(addrs)
	if err != nil {
		panic(fmt.Sprintf("cvm: rlp-encode contract list: %v", err))
	}
	store.StagePut(b, contractListKey(), raw)
}

// ValidateBytecode enforces the deploy size limit and performs an
// opcode-and-PUSH-length scan: every byte must either be a recognised
// opcode or fall inside a PUSH's immediate, and no PUSH may run past the
// end of the code.
func ValidateBytecode(code []byte) error {
	if len(code) == 0 {
		return fmt.Errorf("%w: empty bytecode", ErrSemanticSkip)
	}
	if len(code) > MaxCodeSize {
		return fmt.Errorf("%w: bytecode %d bytes exceeds max %d", ErrSemanticSkip, len(code), MaxCodeSize)
	}
	i := 0
	for i < len(code) {
		op := Opcode(code[i])
		if n, ok := isPush(op); ok {
			if i+1+n > len(code) {
				return fmt.Errorf("%w: PUSH at offset %d overruns code", ErrSemanticSkip, i)
			}
			i += 1 + n
			continue
		}
		if _, known := gasTable[op]; !known {
			return fmt.Errorf("%w: undefined opcode 0x%02x at offset %d", ErrSemanticSkip, code[i], i)
		}
		i++
	}
	return nil
}

// DeployContract validates bytecode, derives the deterministic contract
// address from (deployer, nonce), stages the Contract record and the
// deployer's nonce bump into b, and returns the new address. Deployment
// registers code only — no constructor runs.
func DeployContract(store *Store, b *Batch, deployer Address, deployTxID Hash, height uint64, code []byte) (Address, error) {
	if err := ValidateBytecode(code); err != nil {
		return Address{}, err
	}
	nonce := store.StagedNonceOf(b, deployer)
	addr := DeriveContractAddress(deployer, nonce)

	if store.HasStaged(b, contractKey(addr)) {
		return Address{}, fmt.Errorf("%w: contract address collision at %s", ErrSemanticSkip, addr.Hex())
	}

	c := Contract{
		Address:      addr,
		Code:         append([]byte(nil), code...),
		DeployHeight: height,
		DeployTxID:   deployTxID,
	}
	store.StagePut(b, contractKey(addr), EncodeContract(c))
	stageContractListAppend(store, b, addr)
	store.StageIncrementNonce(b, deployer)
	return addr, nil
}

// GetContract loads a committed Contract record, or ErrNotFound.
func GetContract(store *Store, addr Address) (Contract, error) {
	raw, err := store.Get(contractKey(addr))
	if err != nil {
		return Contract{}, err
	}
	return DecodeContract(raw)
}

// GetContractStaged is GetContract with staged-write visibility, used by
// the block processor so a CALL can target a contract deployed earlier in
// the same block.
func GetContractStaged(store *Store, b *Batch, addr Address) (Contract, error) {
	raw, err := store.GetStaged(b, contractKey(addr))
	if err != nil {
		return Contract{}, err
	}
	return DecodeContract(raw)
}

// RetireContract marks a contract retired and sweeps its storage slots.
func RetireContract(store *Store, b *Batch, addr Address) error {
	c, err := GetContract(store, addr)
	if err != nil {
		return err
	}
	c.Retired = true
	store.StagePut(b, contractKey(addr), EncodeContract(c))
	store.SweepContractStorage(b, addr)
	return nil
}

// CodeHash returns the Keccak256 hash of code, used to validate a DEPLOY
// payload's declared code-hash field against the bytecode actually
// delivered out-of-band. The envelope only carries the hash; matching
// the full bytecode to it is the outer transaction system's job, and
// this helper makes that boundary check a one-liner.
func CodeHash(code []byte) Hash {
	return BytesToHash(crypto.Keccak256(code))
}

// NonceBytes is a small helper kept for symmetry with StorageKey/NonceKey;
// exported so CLI tooling can print raw nonce records without depending on
// store internals.
func NonceBytes(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}
