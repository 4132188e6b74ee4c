// Package depgraph builds the dependence graph of one unrolled loop body.
// Edges always point forward in program order: data edges from a value to
// its users, memory edges from an earlier access to a later one.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xyproto/superword/internal/diag"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/memref"
)

// EdgeKind tells why two nodes are ordered
type EdgeKind uint8

const (
	Data       EdgeKind = iota // def to use
	MemOverlap                 // accesses share bytes
	MemUnknown                 // accesses may alias
)

func (k EdgeKind) String() string {
	switch k {
	case Data:
		return "data"
	case MemOverlap:
		return "overlap"
	case MemUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Edge orders From before To
type Edge struct {
	From, To ir.NodeID
	Kind     EdgeKind
}

// Options controls how memory edges are created
type Options struct {
	// AssumeNoAlias drops may-alias edges between accesses on different
	// bases. Those pairs are returned by Speculated and have to be checked
	// at runtime.
	AssumeNoAlias bool
}

// Pair is an unordered pair of memory accesses
type Pair struct {
	A, B ir.NodeID
}

// Graph is the dependence graph of a loop body
type Graph struct {
	g          *ir.Graph
	nodes      []ir.NodeID
	pos        map[ir.NodeID]int
	preds      map[ir.NodeID][]Edge
	succs      map[ir.NodeID][]Edge
	refs       map[ir.NodeID]*memref.MemRef
	speculated []Pair
}

// Build creates the dependence graph for the body of l. refs holds the
// canonical address of every load and store of the body; a missing one is
// an invariant violation.
func Build(g *ir.Graph, l *ir.Loop, refs map[ir.NodeID]*memref.MemRef, opts Options) *Graph {
	dg := &Graph{
		g:     g,
		nodes: append([]ir.NodeID(nil), l.Body...),
		pos:   make(map[ir.NodeID]int, len(l.Body)),
		preds: make(map[ir.NodeID][]Edge),
		succs: make(map[ir.NodeID][]Edge),
		refs:  refs,
	}
	for i, id := range dg.nodes {
		dg.pos[id] = i
	}

	for _, id := range dg.nodes {
		for _, a := range g.Node(id).Args {
			if _, inBody := dg.pos[a]; inBody {
				dg.add(Edge{From: a, To: id, Kind: Data})
			}
		}
	}

	lo, hi, _ := l.IVBounds()
	var mems []ir.NodeID
	for _, id := range dg.nodes {
		if g.Node(id).Op.IsMemory() {
			if refs[id] == nil {
				diag.Violation(diag.Site{Loop: l.Name, Stage: "dependencies"}, "access n%d has no canonical address", id)
			}
			mems = append(mems, id)
		}
	}
	for i, a := range mems {
		for _, b := range mems[i+1:] {
			if g.Node(a).Op == ir.OpLoad && g.Node(b).Op == ir.OpLoad {
				continue
			}
			ra, rb := refs[a], refs[b]
			switch memref.Compare(ra, rb, lo, hi) {
			case memref.Overlap:
				dg.add(Edge{From: a, To: b, Kind: MemOverlap})
			case memref.Unknown:
				if opts.AssumeNoAlias && ra.Valid && rb.Valid && ra.Base != rb.Base {
					dg.speculated = append(dg.speculated, Pair{A: a, B: b})
					continue
				}
				dg.add(Edge{From: a, To: b, Kind: MemUnknown})
			}
		}
	}
	return dg
}

func (dg *Graph) add(e Edge) {
	dg.succs[e.From] = append(dg.succs[e.From], e)
	dg.preds[e.To] = append(dg.preds[e.To], e)
}

// Nodes returns the body in program order
func (dg *Graph) Nodes() []ir.NodeID { return dg.nodes }

// Pos returns the program-order position of id, or -1
func (dg *Graph) Pos(id ir.NodeID) int {
	if p, ok := dg.pos[id]; ok {
		return p
	}
	return -1
}

// Preds returns the incoming edges of id
func (dg *Graph) Preds(id ir.NodeID) []Edge { return dg.preds[id] }

// Succs returns the outgoing edges of id
func (dg *Graph) Succs(id ir.NodeID) []Edge { return dg.succs[id] }

// Ref returns the canonical address of a memory node
func (dg *Graph) Ref(id ir.NodeID) *memref.MemRef { return dg.refs[id] }

// Speculated returns the may-alias pairs dropped by AssumeNoAlias
func (dg *Graph) Speculated() []Pair { return dg.speculated }

// HasUnknown reports whether any may-alias edge is present
func (dg *Graph) HasUnknown() bool {
	for _, es := range dg.succs {
		for _, e := range es {
			if e.Kind == MemUnknown {
				return true
			}
		}
	}
	return false
}

// reaches reports whether there is a path from a to b. Paths only go
// forward in program order, so the search is cut off past b.
func (dg *Graph) reaches(from, to ir.NodeID) bool {
	limit := dg.pos[to]
	visited := make(map[ir.NodeID]bool)
	var dfs func(ir.NodeID) bool
	dfs = func(id ir.NodeID) bool {
		if id == to {
			return true
		}
		if visited[id] || dg.pos[id] > limit {
			return false
		}
		visited[id] = true
		for _, e := range dg.succs[id] {
			if dfs(e.To) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}

// Independent reports whether neither node depends on the other
func (dg *Graph) Independent(a, b ir.NodeID) bool {
	if a == b {
		return false
	}
	if dg.pos[a] > dg.pos[b] {
		a, b = b, a
	}
	return !dg.reaches(a, b)
}

// MutuallyIndependent reports whether no member of set depends on another
func (dg *Graph) MutuallyIndependent(set []ir.NodeID) bool {
	sorted := append([]ir.NodeID(nil), set...)
	sort.Slice(sorted, func(i, j int) bool { return dg.pos[sorted[i]] < dg.pos[sorted[j]] })
	for i, a := range sorted {
		for _, b := range sorted[i+1:] {
			if a == b || dg.reaches(a, b) {
				return false
			}
		}
	}
	return true
}

// Dump renders the graph for trace output
func (dg *Graph) Dump() string {
	var sb strings.Builder
	for _, id := range dg.nodes {
		fmt.Fprintf(&sb, "%s\n", dg.g.Node(id))
		for _, e := range dg.succs[id] {
			fmt.Fprintf(&sb, "  -> n%d (%s)\n", e.To, e.Kind)
		}
	}
	return sb.String()
}
