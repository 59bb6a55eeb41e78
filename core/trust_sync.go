// Package core — trust-graph synchronization aid: peers exchange the
// canonical state hash out-of-band to detect divergence, then ship
// missing edges through a delta request/response exchange. None of this
// affects state transitions — the graph is personalized by design, and a
// node that never syncs is still fully consensus-valid. Transport is the
// host node's concern; these are pure codec/merge functions.
package core

import "sort"

// TrustSyncOffer is the out-of-band advertisement a node sends its peers:
// the canonical hash of its stored edge set (slashed edges included) plus
// the edge count, so a peer
// can cheaply decide whether a delta exchange is worth starting.
type TrustSyncOffer struct {
	StateHash Hash   `json:"state_hash"`
	EdgeCount uint64 `json:"edge_count"`
}

// TrustDeltaRequest lists the edge keys (canonical "from_to" hex pairs)
// the requester already holds; the responder replies with everything else.
type TrustDeltaRequest struct {
	Have []string `json:"have"`
}

// TrustDeltaResponse carries the edges the requester was missing.
type TrustDeltaResponse struct {
	Edges []TrustEdge `json:"edges"`
}

func edgeSyncKey(e TrustEdge) string { return e.From.Hex() + "_" + e.To.Hex() }

// Offer builds this node's sync advertisement.
func (tg *TrustGraph) Offer() TrustSyncOffer {
	return TrustSyncOffer{
		StateHash: tg.CanonicalStateHash(),
		EdgeCount: uint64(len(tg.EdgeKeys())),
	}
}

// EdgeKeys returns the canonical key of every stored edge (slashed
// included — a slashed edge is still state a peer must learn about), in
// ascending order.
func (tg *TrustGraph) EdgeKeys() []string {
	var keys []string
	for _, e := range tg.allEdges() {
		keys = append(keys, edgeSyncKey(e))
	}
	sort.Strings(keys)
	return keys
}

func (tg *TrustGraph) allEdges() []TrustEdge {
	var out []TrustEdge
	tg.store.IteratePrefix([]byte(trustKeyPrefix), func(_, v []byte) bool {
		if e, ok := decodeEdge(v); ok {
			out = append(out, e)
		}
		return true
	})
	return out
}

// ComputeDelta answers a peer's request with every edge the peer did not
// declare, in deterministic (from, to) order.
func (tg *TrustGraph) ComputeDelta(req TrustDeltaRequest) TrustDeltaResponse {
	have := make(map[string]bool, len(req.Have))
	for _, k := range req.Have {
		have[k] = true
	}
	var missing []TrustEdge
	for _, e := range tg.allEdges() {
		if !have[edgeSyncKey(e)] {
			missing = append(missing, e)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].From != missing[j].From {
			return missing[i].From.Hex() < missing[j].From.Hex()
		}
		return missing[i].To.Hex() < missing[j].To.Hex()
	})
	return TrustDeltaResponse{Edges: missing}
}

// ApplyDelta merges a peer's response into the local graph and returns how
// many edges were accepted. The merge follows the same rule as the
// TRUST-EDGE handler — an incoming edge lands only if the pair is absent
// locally or the incoming bond is strictly higher — plus one sync-specific
// case: a slashed copy of an edge this node holds unslashed, carrying the
// same BondTxID, lands regardless of bond, since a slash is a resolution
// outcome, not a competing insertion.
func (tg *TrustGraph) ApplyDelta(b *Batch, resp TrustDeltaResponse) int {
	accepted := 0
	for _, e := range resp.Edges {
		existing, ok := tg.lookupEdge(b, e.From, e.To)
		if ok {
			supersedes := e.BondAmount > existing.BondAmount
			slashUpdate := e.Slashed && !existing.Slashed && e.BondTxID == existing.BondTxID
			if !supersedes && !slashUpdate {
				continue
			}
		}
		raw := encodeEdge(e)
		tg.store.StagePut(b, trustEdgeKey(e.From, e.To), raw)
		accepted++
	}
	return accepted
}
