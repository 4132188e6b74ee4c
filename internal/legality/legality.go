// Package legality decides whether a pack plan may run as is, only behind
// a runtime disjointness check, or not at all, and builds that check.
package legality

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/xyproto/superword/internal/depgraph"
	"github.com/xyproto/superword/internal/diag"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/memref"
	"github.com/xyproto/superword/internal/slp"
)

// Kind is the outcome of Check
type Kind uint8

const (
	Proceed Kind = iota
	SpeculativeGuard
	Reject
)

func (k Kind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case SpeculativeGuard:
		return "speculative-guard"
	default:
		return "reject"
	}
}

// Verdict is what Check decided. Pairs are the accesses of the original
// loop whose disjointness has to be checked at runtime.
type Verdict struct {
	Kind   Kind
	Pairs  [][2]*memref.MemRef
	Reason string
}

// Input is the plan under review
type Input struct {
	G           *ir.Graph
	Original    *ir.Loop
	Unrolled    *ir.Unrolled
	Deps        *depgraph.Graph
	Plan        *slp.Plan
	Speculative bool // runtime alias checks are allowed
}

// Check reviews every pair of memory accesses the plan may reorder. Pairs
// that can overlap must stay ordered by a dependence edge; pairs whose
// edge was dropped on the assumption that they do not alias need a guard.
func Check(in *Input) Verdict {
	site := diag.Site{Loop: in.Original.Name, Stage: "legality"}
	for _, p := range in.Plan.Packs {
		if !p.Op.IsMemory() {
			continue
		}
		for _, id := range p.Members {
			if r := in.Deps.Ref(id); r == nil || !r.Valid {
				site.Node = int32(id)
				diag.Violation(site, "packed access n%d has no valid address form", id)
			}
		}
	}

	if reason := checkOrder(in); reason != "" {
		return Verdict{Kind: Reject, Reason: reason}
	}

	speculated := in.Deps.Speculated()
	if len(speculated) == 0 {
		return Verdict{Kind: Proceed, Reason: "all reordered accesses are provably ordered or disjoint"}
	}
	if !in.Speculative {
		return Verdict{Kind: Reject, Reason: fmt.Sprintf("%d may-alias pairs and runtime checks are disabled", len(speculated))}
	}

	pairs, reason := originalPairs(in, speculated)
	if reason != "" {
		return Verdict{Kind: Reject, Reason: reason}
	}
	for _, pr := range pairs {
		for _, r := range pr {
			if id, ok := unavailable(in.G, in.Original, spanInputs(in.Original, r)); !ok {
				return Verdict{Kind: Reject, Reason: fmt.Sprintf("guard input n%d is only computed after the check point", id)}
			}
		}
	}
	return Verdict{
		Kind:   SpeculativeGuard,
		Pairs:  pairs,
		Reason: fmt.Sprintf("%d may-alias pairs checked at runtime", len(pairs)),
	}
}

// checkOrder makes sure every pair of accesses that may touch the same
// bytes is ordered in the unit graph, so no schedule can swap them
func checkOrder(in *Input) string {
	units, succs := in.Plan.Units(in.Deps)
	owner := make(map[ir.NodeID]int)
	for i, u := range units {
		for _, id := range u.Nodes() {
			owner[id] = i
		}
	}
	skip := make(map[depgraph.Pair]bool)
	for _, pr := range in.Deps.Speculated() {
		skip[pr] = true
	}
	reach := func(from, to int) bool {
		seen := make(map[int]bool)
		var dfs func(int) bool
		dfs = func(u int) bool {
			if u == to {
				return true
			}
			if seen[u] {
				return false
			}
			seen[u] = true
			return lo.SomeBy(succs[u], dfs)
		}
		return dfs(from)
	}
	lowIV, highIV, _ := in.Unrolled.Loop.IVBounds()
	mems := lo.Filter(in.Deps.Nodes(), func(id ir.NodeID, _ int) bool { return in.G.Node(id).Op.IsMemory() })
	for i, a := range mems {
		for _, b := range mems[i+1:] {
			na, nb := in.G.Node(a), in.G.Node(b)
			if na.Op == ir.OpLoad && nb.Op == ir.OpLoad || owner[a] == owner[b] || skip[depgraph.Pair{A: a, B: b}] {
				continue
			}
			if memref.Compare(in.Deps.Ref(a), in.Deps.Ref(b), lowIV, highIV) == memref.Disjoint {
				continue
			}
			if !reach(owner[a], owner[b]) {
				return fmt.Sprintf("accesses n%d and n%d may overlap but are not ordered", a, b)
			}
		}
	}
	return ""
}

// originalPairs maps the speculated pairs of the unrolled body back to the
// accesses of the original loop, once per distinct pair
func originalPairs(in *Input, speculated []depgraph.Pair) ([][2]*memref.MemRef, string) {
	orig := make(map[ir.NodeID]ir.NodeID)
	for _, cp := range in.Unrolled.Copies {
		for o, img := range cp {
			orig[img] = o
		}
	}
	refs := make(map[ir.NodeID]*memref.MemRef)
	ref := func(id ir.NodeID) *memref.MemRef {
		if r, ok := refs[id]; ok {
			return r
		}
		r := memref.Canonicalize(in.G, in.Original, id)
		refs[id] = r
		return r
	}
	seen := make(map[[2]ir.NodeID]bool)
	var pairs [][2]*memref.MemRef
	for _, pr := range speculated {
		a, okA := orig[pr.A]
		b, okB := orig[pr.B]
		if !okA || !okB {
			return nil, fmt.Sprintf("n%d or n%d has no counterpart in the original loop", pr.A, pr.B)
		}
		if a > b {
			a, b = b, a
		}
		if seen[[2]ir.NodeID{a, b}] {
			continue
		}
		seen[[2]ir.NodeID{a, b}] = true
		ra, rb := ref(a), ref(b)
		if !ra.Valid || !rb.Valid {
			return nil, fmt.Sprintf("n%d or n%d has no valid address form", a, b)
		}
		if _, ok := ra.Scale.Value(); !ok {
			return nil, fmt.Sprintf("n%d has an unknown scale", a)
		}
		if _, ok := rb.Scale.Value(); !ok {
			return nil, fmt.Sprintf("n%d has an unknown scale", b)
		}
		pairs = append(pairs, [2]*memref.MemRef{ra, rb})
	}
	return pairs, ""
}

// spanInputs lists the values the span of r is computed from
func spanInputs(l *ir.Loop, r *memref.MemRef) []ir.NodeID {
	ids := []ir.NodeID{r.Base, l.Init, l.Limit}
	for _, t := range r.Invar {
		ids = append(ids, t.Var)
	}
	return ids
}

// unavailable walks the inputs of ids and returns the first one that does
// not exist yet where the guard is inserted: a preheader node, or a node
// of the loop itself
func unavailable(g *ir.Graph, l *ir.Loop, ids []ir.NodeID) (ir.NodeID, bool) {
	late := make(map[ir.NodeID]bool)
	for _, id := range l.Preheader {
		late[id] = true
	}
	for id := range l.Members() {
		late[id] = true
	}
	seen := make(map[ir.NodeID]bool)
	var walk func(id ir.NodeID) (ir.NodeID, bool)
	walk = func(id ir.NodeID) (ir.NodeID, bool) {
		if id == ir.NoNode || seen[id] {
			return 0, true
		}
		seen[id] = true
		if late[id] {
			return id, false
		}
		n := g.Node(id)
		if n == nil {
			return id, false
		}
		for _, a := range n.Args {
			if bad, ok := walk(a); !ok {
				return bad, false
			}
		}
		return 0, true
	}
	for _, id := range ids {
		if bad, ok := walk(id); !ok {
			return bad, false
		}
	}
	return 0, true
}
