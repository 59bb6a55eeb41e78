package core

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Address identifies a contract or externally-owned account: the
// left-most 20 bytes of a keccak256 hash.
type Address [20]byte

// Hash is a 32-byte content hash.
type Hash [32]byte

// AddressZero is the all-zero address, used as the implicit caller for
// deployment-only flows and as the CALL target that always reverts.
var AddressZero = Address{}

// Hex renders the address as a "0x"-prefixed lowercase hex string.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

// Bytes returns the address as a byte slice.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool { return a == AddressZero }

// Hex renders the hash as a "0x"-prefixed lowercase hex string.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// BytesToAddress truncates or left-pads b to 20 bytes.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) >= 20 {
		copy(a[:], b[len(b)-20:])
	} else {
		copy(a[20-len(b):], b)
	}
	return a
}

// BytesToHash truncates or left-pads b to 32 bytes.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) >= 32 {
		copy(h[:], b[len(b)-32:])
	} else {
		copy(h[32-len(b):], b)
	}
	return h
}

// DeriveContractAddress computes the deterministic address assigned to a
// freshly deployed contract: the left-most 20 bytes of
// keccak256(deployer || big-endian-u64(nonce)).
func DeriveContractAddress(deployer Address, nonce uint64) Address {
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	buf := make([]byte, 0, 28)
	buf = append(buf, deployer[:]...)
	buf = append(buf, nonceBuf[:]...)
	sum := crypto.Keccak256(buf)
	return BytesToAddress(sum[:20])
}

// Keccak160 returns the left-most 20 bytes of keccak256(data), the same
// truncation DeriveContractAddress and Address use throughout this package.
func Keccak160(data []byte) [20]byte {
	var out [20]byte
	copy(out[:], crypto.Keccak256(data)[:20])
	return out
}

// WordFromBigEndian interprets a 32-byte big-endian buffer as an address,
// used when decoding addresses carried inside 32-byte stack words.
func WordFromBigEndian(word [32]byte) Address {
	return BytesToAddress(word[12:])
}

// HexBytes renders a byte slice as "0x"-prefixed hex, used throughout the
// logging call sites for readability.
func HexBytes(b []byte) string { return fmt.Sprintf("0x%s", hex.EncodeToString(b)) }
