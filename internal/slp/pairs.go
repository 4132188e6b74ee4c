package slp

import (
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/memref"
	"github.com/xyproto/superword/internal/reduction"
)

// packable lists the ops that have a vector form
var packable = map[ir.Op]bool{
	ir.OpAdd: true, ir.OpSub: true, ir.OpMul: true, ir.OpDiv: true,
	ir.OpAnd: true, ir.OpOr: true, ir.OpXor: true, ir.OpShl: true, ir.OpShr: true,
	ir.OpNeg: true, ir.OpAbs: true, ir.OpMin: true, ir.OpMax: true,
	ir.OpConv: true, ir.OpLoad: true, ir.OpStore: true,
}

// findCandidates marks the body nodes that may join a pack. Address
// arithmetic stays scalar: the vector access only needs the address of
// its first lane.
func (f *former) findCandidates() {
	l := f.ctx.Loop
	g := f.ctx.G
	f.uses = g.Uses(append(append([]ir.NodeID(nil), l.Phis...), l.Body...))
	for _, w := range f.ctx.Windows {
		for _, ops := range w.Ops {
			for _, id := range ops {
				f.chainOp[id] = w
			}
		}
	}

	inBody := make(map[ir.NodeID]bool, len(l.Body))
	for _, id := range l.Body {
		inBody[id] = true
	}
	addrOnly := make(map[ir.NodeID]bool)
	for _, id := range l.Body {
		n := g.Node(id)
		if !n.Op.IsMemory() && len(f.uses[id]) > 0 {
			addrOnly[id] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for id := range addrOnly {
			for _, u := range f.uses[id] {
				un := g.Node(u)
				asAddr := un.Op.IsMemory() && un.Arg(0) == id && (un.Op == ir.OpLoad || un.Arg(1) != id)
				if !inBody[u] || (!asAddr && un.Op != ir.OpAddP && !addrOnly[u]) {
					delete(addrOnly, id)
					changed = true
					break
				}
			}
		}
	}

	f.candidate = make(map[ir.NodeID]bool)
	for _, id := range l.Body {
		n := g.Node(id)
		switch {
		case !packable[n.Op], n.IsVector(), addrOnly[id], f.chainOp[id] != nil:
			continue
		case n.Type == ir.TypePtr || n.Type == ir.TypeBool || n.Type == ir.TypeVoid:
			continue
		case n.Op.IsMemory() && (f.ref(id) == nil || !f.ref(id).Valid):
			continue
		}
		f.candidate[id] = true
	}
}

// isomorphic reports whether a and b could share a pack
func (f *former) isomorphic(a, b ir.NodeID) bool {
	if a == b || !f.candidate[a] || !f.candidate[b] {
		return false
	}
	na, nb := f.node(a), f.node(b)
	if na.Op != nb.Op || na.Type != nb.Type || len(na.Args) != len(nb.Args) {
		return false
	}
	if na.Op.IsMemory() && na.Slice != nb.Slice {
		return false
	}
	if na.Op == ir.OpConv && f.node(na.Args[0]).Type != f.node(nb.Args[0]).Type {
		return false
	}
	return true
}

// pairable checks everything isomorphic does plus independence, adjacency
// of memory accesses and that neither side is already taken
func (f *former) pairable(a, b ir.NodeID) bool {
	if !f.isomorphic(a, b) {
		return false
	}
	if _, taken := f.left[a]; taken {
		return false
	}
	if _, taken := f.right[b]; taken {
		return false
	}
	if f.node(a).Op.IsMemory() && !memref.Adjacent(f.ref(a), f.ref(b)) {
		return false
	}
	return f.ctx.Deps.Independent(a, b)
}

func (f *former) addPair(a, b ir.NodeID) {
	f.left[a] = b
	f.right[b] = a
	f.pairs = append(f.pairs, [2]ir.NodeID{a, b})
}

// seedPairs pairs adjacent independent memory accesses
func (f *former) seedPairs() {
	var mems []ir.NodeID
	for _, id := range f.ctx.Loop.Body {
		if f.candidate[id] && f.node(id).Op.IsMemory() {
			mems = append(mems, id)
		}
	}
	for _, a := range mems {
		for _, b := range mems {
			if f.pairable(a, b) {
				f.addPair(a, b)
				break
			}
		}
	}
	f.log.Debug().Int("pairs", len(f.pairs)).Msg("seeded memory pairs")
}

// extendPairs grows the pair set along defs and uses to a fixpoint
func (f *former) extendPairs() {
	for i := 0; i < len(f.pairs); i++ {
		a, b := f.pairs[i][0], f.pairs[i][1]
		f.followDefs(a, b)
		f.followUses(a, b)
	}
}

func (f *former) followDefs(a, b ir.NodeID) {
	na, nb := f.node(a), f.node(b)
	if na.Op == ir.OpLoad {
		return
	}
	first := 0
	if na.Op == ir.OpStore {
		first = 1
	}
	if f.swapToMatch(a, b, first) {
		f.plan.Decisions = append(f.plan.Decisions, Decision{
			Kind:   Reorder,
			Packs:  [][]ir.NodeID{{a, b}},
			Reason: "commutative operands swapped to match lanes",
		})
	}
	for i := first; i < len(na.Args); i++ {
		x, y := na.Args[i], nb.Args[i]
		if f.pairable(x, y) {
			f.addPair(x, y)
		}
	}
}

// swapToMatch swaps the operands of b when only the swapped order lines up
// with a. Only integer ops are swapped: the order of two float NaN inputs
// decides which payload survives.
func (f *former) swapToMatch(a, b ir.NodeID, first int) bool {
	na, nb := f.node(a), f.node(b)
	if first != 0 || len(na.Args) != 2 || !na.Op.Info().Commutative || !na.Type.IsInteger() {
		return false
	}
	shape := func(x, y ir.NodeID) bool {
		if x == y {
			return true
		}
		nx, ny := f.node(x), f.node(y)
		return nx.Op == ny.Op && nx.Type == ny.Type
	}
	straight := shape(na.Args[0], nb.Args[0]) && shape(na.Args[1], nb.Args[1])
	crossed := shape(na.Args[0], nb.Args[1]) && shape(na.Args[1], nb.Args[0])
	if straight || !crossed {
		return false
	}
	nb.Args[0], nb.Args[1] = nb.Args[1], nb.Args[0]
	return true
}

func (f *former) followUses(a, b ir.NodeID) {
	for _, u := range f.uses[a] {
		pos := argPos(f.node(u), a)
		if pos < 0 || (f.node(u).Op.IsMemory() && pos == 0) {
			continue
		}
		for _, v := range f.uses[b] {
			if argPos(f.node(v), b) == pos && f.pairable(u, v) {
				f.addPair(u, v)
				break
			}
		}
	}
}

func argPos(n *ir.Node, id ir.NodeID) int {
	for i, a := range n.Args {
		if a == id {
			return i
		}
	}
	return -1
}

// combinePairs chains pairs (a, b), (b, c), ... into packs [a, b, c, ...]
func (f *former) combinePairs() {
	seen := make(map[ir.NodeID]bool)
	for _, pr := range f.pairs {
		start := pr[0]
		if _, isRight := f.right[start]; isRight || seen[start] {
			continue
		}
		members := []ir.NodeID{start}
		seen[start] = true
		for cur, ok := f.left[start]; ok && !seen[cur]; cur, ok = f.left[cur] {
			members = append(members, cur)
			seen[cur] = true
		}
		n := f.node(start)
		f.plan.Packs = append(f.plan.Packs, &Pack{Members: members, Op: n.Op, Type: n.Type})
	}
	f.log.Debug().Int("pairs", len(f.pairs)).Int("packs", len(f.plan.Packs)).Msg("combined pairs")
}

// windowOf returns the reduction window a chain op belongs to
func (f *former) windowOf(id ir.NodeID) *reduction.Window {
	return f.chainOp[id]
}
