package core

// Persistent store layer: a prefix-tagged key-value surface with atomic
// batched writes and prefix iteration, backed by a WAL-replayed in-memory
// map. The surface is a small set of typed accessors plus a generic
// string-keyed extension record space.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Key prefix bytes, fixed wire constants.
const (
	PrefixContract        byte = 'C'
	PrefixStorage         byte = 'S'
	PrefixNonce           byte = 'N'
	PrefixBalance         byte = 'B'
	PrefixContractList    byte = 'L'
	PrefixReceipt         byte = 'R'
	PrefixBlockToReceipts byte = 'X'
	PrefixAudit           byte = 'Q'
	PrefixBlacklist       byte = 'K'
)

// WriteOp is one put or delete queued in a Batch.
type WriteOp struct {
	Key     []byte
	Value   []byte // nil => delete
	Prior   []byte // value before this write (nil => key did not exist); used for disconnect inverses
	Existed bool
}

// Batch groups every write triggered by processing one transaction (or one
// block) so it commits atomically; a failed handler simply never appends to
// it, leaving no partial state.
type Batch struct {
	ops []WriteOp
}

// Put stages a key/value write.
func (b *Batch) Put(key, value []byte) { b.ops = append(b.ops, WriteOp{Key: key, Value: value}) }

// Delete stages a key removal.
func (b *Batch) Delete(key []byte) { b.ops = append(b.ops, WriteOp{Key: key, Value: nil}) }

// Len reports the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

// Truncate drops every op staged after index n, used to discard a failed
// sub-operation's writes without touching whatever the batch already held.
func (b *Batch) Truncate(n int) {
	if n < len(b.ops) {
		b.ops = b.ops[:n]
	}
}

// peek returns the latest staged value for key, scanning tail-first so
// the most recent write wins. The second return reports whether the batch
// holds the key at all; a nil value with hit=true is a staged delete.
func (b *Batch) peek(key []byte) ([]byte, bool) {
	for i := len(b.ops) - 1; i >= 0; i-- {
		if bytes.Equal(b.ops[i].Key, key) {
			return b.ops[i].Value, true
		}
	}
	return nil, false
}

// Store is the typed key-value surface the block processor, interpreter,
// and reputation subsystems use. One writer at a time (the block
// processor); many concurrent readers see a consistent snapshot per
// committed batch.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte

	// nonceCache and storageCache mirror committed data for the hot read
	// paths; a miss falls through to data, a hit never
	// returns stale data because Commit invalidates both synchronously.
	nonceCache   map[Address]uint64
	storageCache map[string]Hash

	auditSeq uint64

	walPath string
	wal     *os.File
	logger  *log.Logger
}

// OpenStore opens (creating if absent) a WAL-backed store rooted at dir,
// replaying the WAL into memory before returning.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cvm store: mkdir: %w", err)
	}
	walPath := filepath.Join(dir, "cvm.wal")
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cvm store: open wal: %w", err)
	}
	s := &Store{
		data:         make(map[string][]byte),
		nonceCache:   make(map[Address]uint64),
		storageCache: make(map[string]Hash),
		walPath:      walPath,
		wal:          f,
		logger:       log.StandardLogger(),
	}
	if err := s.replayWAL(); err != nil {
		_ = f.Close()
		return nil, err
	}
	s.recoverAuditSeq()
	return s, nil
}

// recoverAuditSeq scans replayed audit entries for the highest sequence
// number seen so a reopened store keeps assigning strictly increasing
// sequence numbers rather than restarting at zero and colliding.
func (s *Store) recoverAuditSeq() {
	var max uint64
	var any bool
	s.IteratePrefix([]byte{PrefixAudit}, func(key, _ []byte) bool {
		if len(key) == 9 {
			seq := binary.BigEndian.Uint64(key[1:])
			if !any || seq >= max {
				max, any = seq, true
			}
		}
		return true
	})
	if any {
		s.auditSeq = max + 1
	}
}

// OpenMemStore returns a Store backed purely by memory, for tests and
// deterministic-replay scenarios.
func OpenMemStore() *Store {
	return &Store{
		data:         make(map[string][]byte),
		nonceCache:   make(map[Address]uint64),
		storageCache: make(map[string]Hash),
		logger:       log.StandardLogger(),
	}
}

type walRecord struct {
	Key   []byte `json:"k"`
	Value []byte `json:"v"` // nil length => delete
	Del   bool   `json:"d"`
}

func (s *Store) replayWAL() error {
	if s.wal == nil {
		return nil
	}
	if _, err := s.wal.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // truncated trailing record from a crash mid-append
		}
		if rec.Del {
			delete(s.data, string(rec.Key))
		} else {
			s.data[string(rec.Key)] = rec.Value
		}
	}
	if _, err := s.wal.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func (s *Store) appendWAL(rec walRecord) error {
	if s.wal == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = s.wal.Write(raw)
	return err
}

// Get reads a single key. Returns ErrNotFound if absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Has reports whether key is present.
func (s *Store) Has(key []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[string(key)]
	return ok
}

// Put writes a single key immediately, outside of a Batch and outside the
// disconnect-inverse path. Used for records written off the block batch
// (audit log entries, operator blacklist entries); trust graph, dispute
// and behavior records go through StagePut instead.
func (s *Store) Put(key, value []byte) error {
	b := &Batch{}
	b.Put(key, value)
	return s.Commit(b)
}

// Delete removes a single key immediately.
func (s *Store) Delete(key []byte) error {
	b := &Batch{}
	b.Delete(key)
	return s.Commit(b)
}

// GetStaged reads key the way the block processor must see it mid-block:
// the latest write staged in b wins over committed state, so a handler
// observes every earlier transaction's effects in the same block while
// concurrent readers keep seeing the committed snapshot through Get.
func (s *Store) GetStaged(b *Batch, key []byte) ([]byte, error) {
	if b != nil {
		if v, hit := b.peek(key); hit {
			if v == nil {
				return nil, ErrNotFound
			}
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		}
	}
	return s.Get(key)
}

// HasStaged is Has with the same staged-write visibility as GetStaged.
func (s *Store) HasStaged(b *Batch, key []byte) bool {
	if b != nil {
		if v, hit := b.peek(key); hit {
			return v != nil
		}
	}
	return s.Has(key)
}

// NewBatch returns an empty Batch capturing Prior values as ops are staged
// through StagePut/StageDelete, so the caller can build a disconnect
// inverse without a second round-trip to the store.
func (s *Store) NewBatch() *Batch { return &Batch{} }

// StagePut records a put into b, capturing the key's current value so the
// block processor can build the disconnect inverse for this write.
func (s *Store) StagePut(b *Batch, key, value []byte) {
	prior, existed := s.peekLocked(key)
	b.ops = append(b.ops, WriteOp{Key: key, Value: value, Prior: prior, Existed: existed})
}

// StageDelete records a delete into b, capturing the key's current value.
func (s *Store) StageDelete(b *Batch, key []byte) {
	prior, existed := s.peekLocked(key)
	b.ops = append(b.ops, WriteOp{Key: key, Value: nil, Prior: prior, Existed: existed})
}

func (s *Store) peekLocked(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Commit atomically applies every op in b, updates the WAL, and
// invalidates the nonce/storage caches for touched keys. One write batch
// per block (or per extension write).
func (s *Store) Commit(b *Batch) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range b.ops {
		rec := walRecord{Key: op.Key}
		if op.Value == nil {
			delete(s.data, string(op.Key))
			rec.Del = true
		} else {
			cp := make([]byte, len(op.Value))
			copy(cp, op.Value)
			s.data[string(op.Key)] = cp
			rec.Value = cp
		}
		if err := s.appendWAL(rec); err != nil {
			return fmt.Errorf("%w: wal append: %v", ErrStoreFailure, err)
		}
		s.invalidateCachesLocked(op.Key)
	}
	return nil
}

// Inverse returns a Batch that, when committed, undoes b exactly — used by
// block disconnect.
func (b *Batch) Inverse() *Batch {
	inv := &Batch{}
	for i := len(b.ops) - 1; i >= 0; i-- {
		op := b.ops[i]
		if op.Existed {
			inv.ops = append(inv.ops, WriteOp{Key: op.Key, Value: op.Prior})
		} else {
			inv.ops = append(inv.ops, WriteOp{Key: op.Key, Value: nil})
		}
	}
	return inv
}

func (s *Store) invalidateCachesLocked(key []byte) {
	if len(key) == 0 {
		return
	}
	switch key[0] {
	case PrefixNonce:
		if len(key) == 21 {
			delete(s.nonceCache, BytesToAddress(key[1:]))
		}
	case PrefixStorage:
		delete(s.storageCache, string(key))
	}
}

// IteratePrefix calls fn for every key with the given prefix in ascending
// lexicographic order, stopping early if fn returns false. Reserved for
// audit and query scans, never used on the block-processing hot path.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		s.mu.RLock()
		v, ok := s.data[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if !fn([]byte(k), v) {
			return
		}
	}
}

//---------------------------------------------------------------------
// Typed accessors
//---------------------------------------------------------------------

// NonceKey builds the "N"-prefixed key for an address.
func NonceKey(addr Address) []byte {
	k := make([]byte, 0, 21)
	k = append(k, PrefixNonce)
	return append(k, addr[:]...)
}

// NonceOf returns the account nonce, 0 if never set, through a
// transparent read cache.
func (s *Store) NonceOf(addr Address) uint64 {
	s.mu.RLock()
	if n, ok := s.nonceCache[addr]; ok {
		s.mu.RUnlock()
		return n
	}
	s.mu.RUnlock()

	raw, err := s.Get(NonceKey(addr))
	var n uint64
	if err == nil && len(raw) == 8 {
		n = binary.BigEndian.Uint64(raw)
	}
	s.mu.Lock()
	s.nonceCache[addr] = n
	s.mu.Unlock()
	return n
}

// StagedNonceOf is NonceOf with staged-write visibility, so two
// transactions from one sender in the same block see each other's bumps.
func (s *Store) StagedNonceOf(b *Batch, addr Address) uint64 {
	if b != nil {
		if v, hit := b.peek(NonceKey(addr)); hit {
			if len(v) == 8 {
				return binary.BigEndian.Uint64(v)
			}
			return 0
		}
	}
	return s.NonceOf(addr)
}

// StageIncrementNonce stages the nonce bump for addr into b and returns the
// new value; the caller commits b as part of the enclosing transaction
// batch.
func (s *Store) StageIncrementNonce(b *Batch, addr Address) uint64 {
	next := s.StagedNonceOf(b, addr) + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	s.StagePut(b, NonceKey(addr), buf)
	return next
}

// StorageKey builds the "S"-prefixed key for a contract storage slot.
func StorageKey(contract Address, slot Hash) []byte {
	k := make([]byte, 0, 53)
	k = append(k, PrefixStorage)
	k = append(k, contract[:]...)
	return append(k, slot[:]...)
}

// SLoad reads a contract storage slot; a missing key reads as the 32-byte
// zero value.
func (s *Store) SLoad(contract Address, slot Hash) Hash {
	key := StorageKey(contract, slot)
	ck := string(key)
	s.mu.RLock()
	if v, ok := s.storageCache[ck]; ok {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	raw, err := s.Get(key)
	var out Hash
	if err == nil {
		out = BytesToHash(raw)
	}
	s.mu.Lock()
	s.storageCache[ck] = out
	s.mu.Unlock()
	return out
}

// SLoadStaged is SLoad with staged-write visibility: an SSTORE earlier in
// the same transaction or block is read back before committed state,
// which is what makes SSTORE-then-SLOAD idempotent inside one
// transaction.
func (s *Store) SLoadStaged(b *Batch, contract Address, slot Hash) Hash {
	if b != nil {
		if v, hit := b.peek(StorageKey(contract, slot)); hit {
			return BytesToHash(v)
		}
	}
	return s.SLoad(contract, slot)
}

// StageSStore stages a contract storage write into b.
func (s *Store) StageSStore(b *Batch, contract Address, slot, value Hash) {
	s.StagePut(b, StorageKey(contract, slot), value[:])
}

// SweepContractStorage stages deletion of every storage slot owned by
// contract, used by the retirement/cleanup policy.
func (s *Store) SweepContractStorage(b *Batch, contract Address) {
	prefix := append([]byte{PrefixStorage}, contract[:]...)
	s.IteratePrefix(prefix, func(key, _ []byte) bool {
		s.StageDelete(b, append([]byte(nil), key...))
		return true
	})
}

// ReceiptKey builds the "R"-prefixed key for a transaction's receipt.
func ReceiptKey(txID Hash) []byte {
	k := make([]byte, 0, 33)
	k = append(k, PrefixReceipt)
	return append(k, txID[:]...)
}

// BlockReceiptsKey builds the "X"-prefixed key listing a block's receipt
// transaction ids.
func BlockReceiptsKey(blockHash Hash) []byte {
	k := make([]byte, 0, 33)
	k = append(k, PrefixBlockToReceipts)
	return append(k, blockHash[:]...)
}

// StageReceipt stages a receipt's JSON encoding under its tx id and appends
// the tx id to its block's receipt-id list, so RPC callers can look up a
// receipt by tx hash or enumerate every receipt in a block.
func (s *Store) StageReceipt(b *Batch, blockHash Hash, txID Hash, raw []byte) {
	s.StagePut(b, ReceiptKey(txID), raw)

	listKey := BlockReceiptsKey(blockHash)
	var ids [][32]byte
	if existing, err := s.GetStaged(b, listKey); err == nil {
		_ = json.Unmarshal(existing, &ids)
	}
	ids = append(ids, txID)
	encoded, _ := json.Marshal(ids)
	s.StagePut(b, listKey, encoded)
}

// Receipt fetches a receipt's raw JSON encoding by transaction id.
func (s *Store) Receipt(txID Hash) ([]byte, error) {
	return s.Get(ReceiptKey(txID))
}

// BlockReceiptIDs lists the transaction ids carrying a receipt in a given
// block, in the order they were staged.
func (s *Store) BlockReceiptIDs(blockHash Hash) ([]Hash, error) {
	raw, err := s.Get(BlockReceiptsKey(blockHash))
	if err != nil {
		return nil, err
	}
	var ids [][32]byte
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: block receipt list: %v", ErrStoreFailure, err)
	}
	out := make([]Hash, len(ids))
	for i, id := range ids {
		out[i] = Hash(id)
	}
	return out, nil
}

// AuditEntry is a single post-hoc observability record. It never
// participates in any state transition or consensus decision; it exists
// purely for the audit-only prefix scan.
type AuditEntry struct {
	Seq       uint64 `json:"seq"`
	Height    uint64 `json:"height"`
	TxID      Hash   `json:"tx_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Timestamp int64  `json:"timestamp"`
}

// AuditKey builds the "Q"-prefixed key for an audit entry, 8-byte
// big-endian sequence number so entries iterate in insertion order.
func AuditKey(seq uint64) []byte {
	k := make([]byte, 0, 9)
	k = append(k, PrefixAudit)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(k, buf[:]...)
}

// RecordAudit appends an audit entry at the next sequence number. This is
// the one hook point the block processor invokes per transaction outcome;
// it is never read back by any consensus-relevant code path, only by the
// audit-only store scan.
func (s *Store) RecordAudit(entry AuditEntry) error {
	s.mu.Lock()
	seq := s.auditSeq
	s.auditSeq++
	s.mu.Unlock()

	entry.Seq = seq
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.Put(AuditKey(seq), raw)
}

// BlacklistEntry records an off-consensus access-gate decision:
// negative Expiry means permanent. Never consulted by any state-transition
// handler in this package — only by the read-only query below and CLI
// tooling that wraps it.
type BlacklistEntry struct {
	Reason string `json:"reason"`
	Expiry int64  `json:"expiry"`
}

// BlacklistKey builds the "K"-prefixed key: ASCII hex of the 20-byte
// address.
func BlacklistKey(addr Address) []byte {
	k := make([]byte, 0, 41)
	k = append(k, PrefixBlacklist)
	return append(k, []byte(hex.EncodeToString(addr[:]))...)
}

// PutBlacklistEntry writes (or overwrites) a blacklist entry. Operator
// tooling only; no handler in block_processor.go ever calls this.
func (s *Store) PutBlacklistEntry(addr Address, entry BlacklistEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.Put(BlacklistKey(addr), raw)
}

// BlacklistEntryFor reads addr's blacklist entry, if any.
func (s *Store) BlacklistEntryFor(addr Address) (BlacklistEntry, bool) {
	raw, err := s.Get(BlacklistKey(addr))
	if err != nil {
		return BlacklistEntry{}, false
	}
	var entry BlacklistEntry
	if json.Unmarshal(raw, &entry) != nil {
		return BlacklistEntry{}, false
	}
	return entry, true
}

// IsBlacklisted reports whether addr is currently blacklisted at nowUnix:
// a permanent entry (negative Expiry) always applies; a timed entry applies
// only while nowUnix is before Expiry. Read-only; callers (RPC/CLI access
// gates) decide what to do with the answer, never the core state machine.
func (s *Store) IsBlacklisted(addr Address, nowUnix int64) (BlacklistEntry, bool) {
	entry, ok := s.BlacklistEntryFor(addr)
	if !ok {
		return BlacklistEntry{}, false
	}
	if entry.Expiry < 0 {
		return entry, true
	}
	return entry, nowUnix < entry.Expiry
}

// Close flushes and releases the backing WAL file handle, if any.
func (s *Store) Close() error {
	if s.wal == nil {
		return nil
	}
	return s.wal.Close()
}
