// Package core — payload envelope.
//
// Transactions carry core payloads in a single OP_RETURN data output:
// `<3-byte magic> <1-byte version> <1-byte type> <tlv-body>`, pushed as
// the single data element of an OP_RETURN script
// (OP_RETURN <push> <data>) — the same shape bitcoin_bridge.go's
// BuildPayloadOutput assembles with txscript. The TLV body codec is
// plain encoding/binary: these are fixed-width wire fields, not
// ledger-internal records, so RLP buys nothing here.
package core

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// Wire magic values.
var (
	MagicCVM = [3]byte{'C', 'V', 'M'}
	MagicREP = [3]byte{'R', 'E', 'P'}
)

// ProtocolVersion is the only version recognised by the initial protocol.
const ProtocolVersion byte = 1

// PayloadType tags the seven recognised message kinds.
type PayloadType byte

const (
	TypeDeploy       PayloadType = 0x01
	TypeCall         PayloadType = 0x02
	TypeVote         PayloadType = 0x03
	TypeTrustEdge    PayloadType = 0x10
	TypeBondedVote   PayloadType = 0x11
	TypeDispute      PayloadType = 0x20
	TypeDisputeVote  PayloadType = 0x21
)

// RequiresBond reports whether a type must be accompanied by a P2SH bond
// output at tx output index 1.
func (t PayloadType) RequiresBond() bool {
	switch t {
	case TypeTrustEdge, TypeBondedVote, TypeDispute, TypeDisputeVote:
		return true
	default:
		return false
	}
}

// Magic returns the 3-byte magic a type travels under: "REP" for bare
// reputation votes, "CVM" for everything else.
func (t PayloadType) Magic() [3]byte {
	if t == TypeVote {
		return MagicREP
	}
	return MagicCVM
}

// Envelope is the decoded (magic, version, type) prefix plus its raw TLV
// body, prior to per-type parsing.
type Envelope struct {
	Magic   [3]byte
	Version byte
	Type    PayloadType
	Body    []byte
}

// ParseEnvelope scans a transaction output script for a null-data
// (OP_RETURN) script carrying the 5-byte envelope prefix:
// <3-byte magic><1-byte version><1-byte type><body...>. The script must
// start with OP_RETURN and be followed only by pushes, exactly one of
// them; txscript extracts that pushed data element rather than this code
// assuming anything about how the push is encoded — a direct push,
// OP_PUSHDATA1/2/4, the data length all vary with body size, and only the
// script interpreter's own rules decode that correctly. The 80-byte
// relay-standardness cap on null-data outputs is not applied: bond-bearing
// bodies are larger than that. Returns false if the script does not
// match — this is never an error, just "not a payload carrier".
func ParseEnvelope(script []byte) (Envelope, bool) {
	if len(script) == 0 || script[0] != txscript.OP_RETURN || !txscript.IsPushOnlyScript(script[1:]) {
		return Envelope{}, false
	}
	pushes, err := txscript.PushedData(script[1:])
	if err != nil || len(pushes) != 1 {
		return Envelope{}, false
	}
	data := pushes[0]
	if len(data) < 3+1+1 {
		return Envelope{}, false
	}
	var magic [3]byte
	copy(magic[:], data[:3])
	if magic != MagicCVM && magic != MagicREP {
		return Envelope{}, false
	}
	version := data[3]
	if version != ProtocolVersion {
		return Envelope{}, false
	}
	typ := PayloadType(data[4])
	body := data[5:]
	return Envelope{Magic: magic, Version: version, Type: typ, Body: body}, true
}

// VerifyBondOutput checks the bond rule for bond-bearing payload
// types: output index 1 must be a P2SH script (OP_HASH160 <20-byte hash>
// OP_EQUAL) carrying value >= the bond the payload declares. A missing or
// insufficient bond is a semantic skip, never a block-invalidating fault —
// legacy nodes accept the same blocks regardless.
func VerifyBondOutput(outputScripts [][]byte, outputValues []uint64, declaredBond uint64) error {
	if len(outputScripts) < 2 {
		return fmt.Errorf("%w: bond-bearing payload without an output at index 1", ErrSemanticSkip)
	}
	if !txscript.IsPayToScriptHash(outputScripts[1]) {
		return fmt.Errorf("%w: output 1 is not a P2SH bond script", ErrSemanticSkip)
	}
	if len(outputValues) < 2 || outputValues[1] < declaredBond {
		return fmt.Errorf("%w: bond output value below declared bond %d", ErrSemanticSkip, declaredBond)
	}
	return nil
}

// EncodeEnvelope serialises env back into the 5-byte-prefixed wire form
// ParseEnvelope reads, without the leading OP_RETURN opcode — callers that
// need a full output script prepend it themselves (see BuildPayloadOutput).
func EncodeEnvelope(env Envelope) []byte {
	out := make([]byte, 0, 3+1+1+len(env.Body))
	out = append(out, env.Magic[:]...)
	out = append(out, env.Version)
	out = append(out, byte(env.Type))
	out = append(out, env.Body...)
	return out
}

// FindPayloadOutput scans tx output scripts in index order and returns
// the first matching envelope. Only one payload per transaction is
// honoured; later matches are ignored for dispatch.
func FindPayloadOutput(outputScripts [][]byte) (Envelope, int, bool) {
	for i, s := range outputScripts {
		if env, ok := ParseEnvelope(s); ok {
			return env, i, true
		}
	}
	return Envelope{}, -1, false
}

//---------------------------------------------------------------------
// Canonical little-endian length-tagged TLV primitives
//---------------------------------------------------------------------

type tlvReader struct {
	buf []byte
	off int
}

func (r *tlvReader) remaining() int { return len(r.buf) - r.off }

func (r *tlvReader) readBytes() ([]byte, error) {
	if r.remaining() < 4 {
		return nil, fmt.Errorf("%w: truncated length prefix", ErrPayloadMalformed)
	}
	n := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	if uint32(r.remaining()) < n {
		return nil, fmt.Errorf("%w: truncated field (want %d have %d)", ErrPayloadMalformed, n, r.remaining())
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

func (r *tlvReader) readU64() (uint64, error) {
	b, err := r.readBytes()
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: expected 8-byte integer, got %d", ErrPayloadMalformed, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *tlvReader) readI64() (int64, error) {
	u, err := r.readU64()
	return int64(u), err
}

func (r *tlvReader) readAddress() (Address, error) {
	b, err := r.readBytes()
	if err != nil {
		return Address{}, err
	}
	if len(b) != 20 {
		return Address{}, fmt.Errorf("%w: expected 20-byte address, got %d", ErrPayloadMalformed, len(b))
	}
	return BytesToAddress(b), nil
}

func (r *tlvReader) readHash() (Hash, error) {
	b, err := r.readBytes()
	if err != nil {
		return Hash{}, err
	}
	if len(b) != 32 {
		return Hash{}, fmt.Errorf("%w: expected 32-byte hash, got %d", ErrPayloadMalformed, len(b))
	}
	return BytesToHash(b), nil
}

type tlvWriter struct {
	buf []byte
}

func (w *tlvWriter) writeBytes(v []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, v...)
}

func (w *tlvWriter) writeU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.writeBytes(b[:])
}

func (w *tlvWriter) writeI64(v int64) { w.writeU64(uint64(v)) }

func (w *tlvWriter) writeAddress(a Address) { w.writeBytes(a[:]) }
func (w *tlvWriter) writeHash(h Hash)       { w.writeBytes(h[:]) }

func (w *tlvWriter) bytes() []byte { return w.buf }

//---------------------------------------------------------------------
// Per-type bodies, fields in canonical encoded order
//---------------------------------------------------------------------

// DeployBody — code-hash, gas-limit, init-data.
type DeployBody struct {
	CodeHash Hash
	GasLimit uint64
	InitData []byte
}

func DecodeDeployBody(b []byte) (DeployBody, error) {
	r := &tlvReader{buf: b}
	h, err := r.readHash()
	if err != nil {
		return DeployBody{}, err
	}
	gas, err := r.readU64()
	if err != nil {
		return DeployBody{}, err
	}
	init, err := r.readBytes()
	if err != nil {
		return DeployBody{}, err
	}
	return DeployBody{CodeHash: h, GasLimit: gas, InitData: init}, nil
}

func (d DeployBody) Encode() []byte {
	w := &tlvWriter{}
	w.writeHash(d.CodeHash)
	w.writeU64(d.GasLimit)
	w.writeBytes(d.InitData)
	return w.bytes()
}

// CallBody — contract-addr, gas-limit, value, input.
type CallBody struct {
	ContractAddr Address
	GasLimit     uint64
	Value        uint64
	Input        []byte
}

func DecodeCallBody(b []byte) (CallBody, error) {
	r := &tlvReader{buf: b}
	addr, err := r.readAddress()
	if err != nil {
		return CallBody{}, err
	}
	gas, err := r.readU64()
	if err != nil {
		return CallBody{}, err
	}
	val, err := r.readU64()
	if err != nil {
		return CallBody{}, err
	}
	input, err := r.readBytes()
	if err != nil {
		return CallBody{}, err
	}
	return CallBody{ContractAddr: addr, GasLimit: gas, Value: val, Input: input}, nil
}

func (c CallBody) Encode() []byte {
	w := &tlvWriter{}
	w.writeAddress(c.ContractAddr)
	w.writeU64(c.GasLimit)
	w.writeU64(c.Value)
	w.writeBytes(c.Input)
	return w.bytes()
}

// VoteBody — target-addr, signed vote (-100..+100), timestamp.
type VoteBody struct {
	Target    Address
	Vote      int64
	Timestamp int64
}

func DecodeVoteBody(b []byte) (VoteBody, error) {
	r := &tlvReader{buf: b}
	target, err := r.readAddress()
	if err != nil {
		return VoteBody{}, err
	}
	vote, err := r.readI64()
	if err != nil {
		return VoteBody{}, err
	}
	ts, err := r.readI64()
	if err != nil {
		return VoteBody{}, err
	}
	if vote < -100 || vote > 100 {
		return VoteBody{}, fmt.Errorf("%w: vote %d out of [-100,100]", ErrPayloadMalformed, vote)
	}
	return VoteBody{Target: target, Vote: vote, Timestamp: ts}, nil
}

func (v VoteBody) Encode() []byte {
	w := &tlvWriter{}
	w.writeAddress(v.Target)
	w.writeI64(v.Vote)
	w.writeI64(v.Timestamp)
	return w.bytes()
}

// TrustEdgeBody — from, to, weight, bond-amount, timestamp.
type TrustEdgeBody struct {
	From       Address
	To         Address
	Weight     int64
	BondAmount uint64
	Timestamp  int64
}

func DecodeTrustEdgeBody(b []byte) (TrustEdgeBody, error) {
	r := &tlvReader{buf: b}
	from, err := r.readAddress()
	if err != nil {
		return TrustEdgeBody{}, err
	}
	to, err := r.readAddress()
	if err != nil {
		return TrustEdgeBody{}, err
	}
	weight, err := r.readI64()
	if err != nil {
		return TrustEdgeBody{}, err
	}
	bond, err := r.readU64()
	if err != nil {
		return TrustEdgeBody{}, err
	}
	ts, err := r.readI64()
	if err != nil {
		return TrustEdgeBody{}, err
	}
	if weight < -100 || weight > 100 {
		return TrustEdgeBody{}, fmt.Errorf("%w: weight %d out of [-100,100]", ErrPayloadMalformed, weight)
	}
	return TrustEdgeBody{From: from, To: to, Weight: weight, BondAmount: bond, Timestamp: ts}, nil
}

func (e TrustEdgeBody) Encode() []byte {
	w := &tlvWriter{}
	w.writeAddress(e.From)
	w.writeAddress(e.To)
	w.writeI64(e.Weight)
	w.writeU64(e.BondAmount)
	w.writeI64(e.Timestamp)
	return w.bytes()
}

// BondedVoteBody — voter, target, vote, bond-amount, timestamp.
type BondedVoteBody struct {
	Voter      Address
	Target     Address
	Vote       int64
	BondAmount uint64
	Timestamp  int64
}

func DecodeBondedVoteBody(b []byte) (BondedVoteBody, error) {
	r := &tlvReader{buf: b}
	voter, err := r.readAddress()
	if err != nil {
		return BondedVoteBody{}, err
	}
	target, err := r.readAddress()
	if err != nil {
		return BondedVoteBody{}, err
	}
	vote, err := r.readI64()
	if err != nil {
		return BondedVoteBody{}, err
	}
	bond, err := r.readU64()
	if err != nil {
		return BondedVoteBody{}, err
	}
	ts, err := r.readI64()
	if err != nil {
		return BondedVoteBody{}, err
	}
	if vote < -100 || vote > 100 {
		return BondedVoteBody{}, fmt.Errorf("%w: vote %d out of [-100,100]", ErrPayloadMalformed, vote)
	}
	return BondedVoteBody{Voter: voter, Target: target, Vote: vote, BondAmount: bond, Timestamp: ts}, nil
}

func (b BondedVoteBody) Encode() []byte {
	w := &tlvWriter{}
	w.writeAddress(b.Voter)
	w.writeAddress(b.Target)
	w.writeI64(b.Vote)
	w.writeU64(b.BondAmount)
	w.writeI64(b.Timestamp)
	return w.bytes()
}

// DisputeBody — challenger, original-vote-tx, challenge-bond, reason, timestamp.
type DisputeBody struct {
	Challenger     Address
	OriginalVoteTx Hash
	ChallengeBond  uint64
	Reason         string
	Timestamp      int64
}

func DecodeDisputeBody(b []byte) (DisputeBody, error) {
	r := &tlvReader{buf: b}
	challenger, err := r.readAddress()
	if err != nil {
		return DisputeBody{}, err
	}
	voteTx, err := r.readHash()
	if err != nil {
		return DisputeBody{}, err
	}
	bond, err := r.readU64()
	if err != nil {
		return DisputeBody{}, err
	}
	reasonBytes, err := r.readBytes()
	if err != nil {
		return DisputeBody{}, err
	}
	ts, err := r.readI64()
	if err != nil {
		return DisputeBody{}, err
	}
	return DisputeBody{Challenger: challenger, OriginalVoteTx: voteTx, ChallengeBond: bond, Reason: string(reasonBytes), Timestamp: ts}, nil
}

func (d DisputeBody) Encode() []byte {
	w := &tlvWriter{}
	w.writeAddress(d.Challenger)
	w.writeHash(d.OriginalVoteTx)
	w.writeU64(d.ChallengeBond)
	w.writeBytes([]byte(d.Reason))
	w.writeI64(d.Timestamp)
	return w.bytes()
}

// DisputeVoteBody — juror, dispute-id, support-slash (bool), stake, timestamp.
type DisputeVoteBody struct {
	Juror       Address
	DisputeID   Hash
	SupportSlash bool
	Stake       uint64
	Timestamp   int64
}

func DecodeDisputeVoteBody(b []byte) (DisputeVoteBody, error) {
	r := &tlvReader{buf: b}
	juror, err := r.readAddress()
	if err != nil {
		return DisputeVoteBody{}, err
	}
	disputeID, err := r.readHash()
	if err != nil {
		return DisputeVoteBody{}, err
	}
	supportRaw, err := r.readU64()
	if err != nil {
		return DisputeVoteBody{}, err
	}
	stake, err := r.readU64()
	if err != nil {
		return DisputeVoteBody{}, err
	}
	ts, err := r.readI64()
	if err != nil {
		return DisputeVoteBody{}, err
	}
	return DisputeVoteBody{Juror: juror, DisputeID: disputeID, SupportSlash: supportRaw != 0, Stake: stake, Timestamp: ts}, nil
}

func (d DisputeVoteBody) Encode() []byte {
	w := &tlvWriter{}
	w.writeAddress(d.Juror)
	w.writeHash(d.DisputeID)
	if d.SupportSlash {
		w.writeU64(1)
	} else {
		w.writeU64(0)
	}
	w.writeU64(d.Stake)
	w.writeI64(d.Timestamp)
	return w.bytes()
}
