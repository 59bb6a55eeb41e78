// Package core — trust graph, bonds, and personalized web-of-trust
// scoring.
//
// Traversal is depth-bounded with an explicit visited set, never
// unbounded recursion, so cycles terminate. The trust graph is
// deliberately personalized — no attempt is made to reconcile two nodes'
// views; CanonicalStateHash exists purely as a synchronization aid.
package core

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

// TrustEdge is a directed, bonded edge in the trust graph.
type TrustEdge struct {
	From          Address `json:"from"`
	To            Address `json:"to"`
	Weight        int64   `json:"weight"` // [-100, 100]
	BondAmount    uint64  `json:"bond_amount"`
	BondTxID      Hash    `json:"bond_tx_id"`
	Timestamp     int64   `json:"timestamp"`
	CreatedHeight uint64  `json:"created_height"`
	Slashed       bool    `json:"slashed"`
	Reason        string  `json:"reason,omitempty"`
}

// BondLive reports whether an edge's bond is still inside its slash window
// at currentHeight. Past the lock expiry the depositor may reclaim through
// the timelock branch, so the core stops treating the bond as at-stake
// — the edge itself stays in the graph until slashed
// or replaced.
func (e TrustEdge) BondLive(currentHeight, lockBlocks uint64) bool {
	if e.Slashed {
		return false
	}
	return currentHeight < e.CreatedHeight+lockBlocks
}

func encodeEdge(e TrustEdge) []byte {
	raw, _ := json.Marshal(e)
	return raw
}

func decodeEdge(v []byte) (TrustEdge, bool) {
	var e TrustEdge
	if json.Unmarshal(v, &e) != nil {
		return TrustEdge{}, false
	}
	return e, true
}

func trustEdgeKey(from, to Address) []byte {
	return []byte(fmt.Sprintf("trust_%s_%s", from.Hex(), to.Hex()))
}

const trustKeyPrefix = "trust_"

// TrustGraph is a thin, store-backed view over trust-edge records. It
// holds no private in-memory adjacency cache: the store's prefix
// iteration is the source of truth.
type TrustGraph struct {
	store *Store
}

// NewTrustGraph constructs a graph view bound to store.
func NewTrustGraph(store *Store) *TrustGraph { return &TrustGraph{store: store} }

// InsertEdge adds or replaces an edge: on collision (same from/to pair)
// the higher-bond edge supersedes; a lower-bond attempt is a semantic
// skip.
func (tg *TrustGraph) InsertEdge(b *Batch, edge TrustEdge) error {
	key := trustEdgeKey(edge.From, edge.To)
	if existing, ok := tg.lookupEdge(b, edge.From, edge.To); ok {
		if edge.BondAmount <= existing.BondAmount {
			return fmt.Errorf("%w: lower-bond trust edge %s->%s ignored", ErrSemanticSkip, edge.From.Hex(), edge.To.Hex())
		}
	}
	tg.store.StagePut(b, key, encodeEdge(edge))
	return nil
}

func (tg *TrustGraph) lookupEdge(b *Batch, from, to Address) (TrustEdge, bool) {
	raw, err := tg.store.GetStaged(b, trustEdgeKey(from, to))
	if err != nil {
		return TrustEdge{}, false
	}
	return decodeEdge(raw)
}

// SlashEdge marks an edge slashed, removing it from live traversal. The
// record itself is retained (not deleted) so disputes referencing it
// remain auditable.
func (tg *TrustGraph) SlashEdge(b *Batch, from, to Address) error {
	e, ok := tg.lookupEdge(b, from, to)
	if !ok {
		return fmt.Errorf("%w: no trust edge %s->%s", ErrSemanticSkip, from.Hex(), to.Hex())
	}
	e.Slashed = true
	tg.store.StagePut(b, trustEdgeKey(from, to), encodeEdge(e))
	return nil
}

// OutgoingEdges returns every live (non-slashed) edge originating at addr.
func (tg *TrustGraph) OutgoingEdges(addr Address) []TrustEdge {
	prefix := []byte(fmt.Sprintf("trust_%s_", addr.Hex()))
	var out []TrustEdge
	tg.store.IteratePrefix(prefix, func(_, v []byte) bool {
		if e, ok := decodeEdge(v); ok && !e.Slashed {
			out = append(out, e)
		}
		return true
	})
	return out
}

// IncomingEdges returns every live edge terminating at addr. This is a
// full prefix scan, acceptable because it serves query and scoring paths
// only; InsertEdge/SlashEdge never call it.
func (tg *TrustGraph) IncomingEdges(addr Address) []TrustEdge {
	var out []TrustEdge
	tg.store.IteratePrefix([]byte(trustKeyPrefix), func(_, v []byte) bool {
		if e, ok := decodeEdge(v); ok && !e.Slashed && e.To == addr {
			out = append(out, e)
		}
		return true
	})
	return out
}

const (
	maxPathDepth  = 3
	hopDiscount   = 0.5
	clusterPenaltyFactor = 0.3
)

// WeightedTrustScore computes the personalized web-of-trust sub-score from
// viewer toward target: a depth-bounded, cycle-safe weighted path sum,
// scaled by a cluster penalty and a centrality bonus, normalized to [0,1]
func (tg *TrustGraph) WeightedTrustScore(viewer, target Address) float64 {
	if viewer == target {
		return 1.0
	}
	raw := tg.pathSum(viewer, target)
	clustered := raw
	if tg.inSuspiciousCluster(viewer, target) {
		clustered *= clusterPenaltyFactor
	}
	bonus := clampFloat(tg.centralityBonus(target), 0.5, 1.5)
	return clampFloat(clustered*bonus, 0, 1)
}

// pathSum performs an explicit visited-set, depth-bounded traversal —
// never unbounded recursion — accumulating hop-discounted edge weight
// along every simple path up to maxPathDepth hops.
func (tg *TrustGraph) pathSum(viewer, target Address) float64 {
	visited := map[Address]bool{viewer: true}
	var sum float64
	var walk func(addr Address, depth int, carried float64)
	walk = func(addr Address, depth int, carried float64) {
		if depth >= maxPathDepth {
			return
		}
		for _, e := range tg.OutgoingEdges(addr) {
			if visited[e.To] {
				continue // cycle guard
			}
			contribution := carried * hopDiscount * (float64(e.Weight) / 100.0)
			if e.To == target {
				sum += contribution
			}
			visited[e.To] = true
			walk(e.To, depth+1, carried*hopDiscount)
			delete(visited, e.To)
		}
	}
	walk(viewer, 0, 1.0)
	return clampFloat((sum+1)/2, 0, 1) // fold signed [-1,1] accumulation into [0,1]
}

// TrustPath is one simple path discovered by EnumeratePaths: the sequence
// of addresses visited (starting with the origin, ending with the target)
// and the hop-discounted weight the path contributes to pathSum.
type TrustPath struct {
	Addresses []Address
	Weight    float64
}

// EnumeratePaths returns every simple path from origin to target up to
// maxPathDepth hops, as a standalone diagnostic/RPC operation distinct from
// the scalar WeightedTrustScore. Uses the same explicit visited-set and
// depth budget as pathSum so cycles terminate.
func (tg *TrustGraph) EnumeratePaths(origin, target Address) []TrustPath {
	var out []TrustPath
	visited := map[Address]bool{origin: true}
	trail := []Address{origin}

	var walk func(addr Address, depth int, carried float64)
	walk = func(addr Address, depth int, carried float64) {
		if depth >= maxPathDepth {
			return
		}
		for _, e := range tg.OutgoingEdges(addr) {
			if visited[e.To] {
				continue
			}
			weight := carried * hopDiscount * (float64(e.Weight) / 100.0)
			trail = append(trail, e.To)
			if e.To == target {
				path := make([]Address, len(trail))
				copy(path, trail)
				out = append(out, TrustPath{Addresses: path, Weight: weight})
			}
			visited[e.To] = true
			walk(e.To, depth+1, carried*hopDiscount)
			delete(visited, e.To)
			trail = trail[:len(trail)-1]
		}
	}
	walk(origin, 0, 1.0)
	return out
}

// inSuspiciousCluster flags a target reachable from viewer almost
// exclusively through a single densely-interconnected group — a cheap
// proxy: every one of target's incoming edges also has an edge back to
// the same small set of origins.
func (tg *TrustGraph) inSuspiciousCluster(viewer, target Address) bool {
	incoming := tg.IncomingEdges(target)
	if len(incoming) < 3 {
		return false
	}
	mutual := 0
	for _, e := range incoming {
		for _, back := range tg.OutgoingEdges(target) {
			if back.To == e.From {
				mutual++
				break
			}
		}
	}
	return mutual == len(incoming)
}

// centralityBonus approximates betweenness centrality with the ratio of
// target's total degree to a fixed reference degree, clamped by the
// caller to [0.5, 1.5].
func (tg *TrustGraph) centralityBonus(target Address) float64 {
	const referenceDegree = 10.0
	degree := len(tg.OutgoingEdges(target)) + len(tg.IncomingEdges(target))
	return 0.5 + clampFloat(float64(degree)/referenceDegree, 0, 1)
}

// CanonicalStateHash computes a rolling Keccak256 hash over every stored
// edge, slashed ones included, in deterministic sorted order — a
// synchronization aid for peers to
// detect divergence, never consulted by any state-transition
// rule.
func (tg *TrustGraph) CanonicalStateHash() Hash {
	var edges []TrustEdge
	tg.store.IteratePrefix([]byte(trustKeyPrefix), func(_, v []byte) bool {
		if e, ok := decodeEdge(v); ok {
			edges = append(edges, e)
		}
		return true
	})
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From.Hex() < edges[j].From.Hex()
		}
		return edges[i].To.Hex() < edges[j].To.Hex()
	})
	h := crypto.NewKeccakState()
	for _, e := range edges {
		h.Write(encodeEdge(e))
	}
	var out Hash
	h.Read(out[:])
	return out
}
