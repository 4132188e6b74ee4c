package ir

import "fmt"

// Facts are what later compiler passes learned about the method after the
// loop was vectorized.
type Facts struct {
	ConstParams map[string]int64 // parameters whose value became a constant
	DeadSlices  map[string]bool  // memory that is never read after the method
}

// SimplifyStats counts what Simplify removed
type SimplifyStats struct {
	FoldedConstants int
	RemovedNodes    int
	FoldedGuards    int
	RemovedLoops    int
}

// Simplify runs the cleanup passes that follow vectorization on p in place.
// Guards whose predicate folds to a constant, or whose fast version lost its
// vector body, are replaced by the surviving branch; the loop and guard
// tables are rebuilt and swapped in one step afterwards so no stale entry
// survives, and the result is verified.
func Simplify(p *Program, facts Facts) (SimplifyStats, error) {
	var st SimplifyStats

	// Pass 1: constant propagation of parameters
	for _, n := range p.Graph.Params() {
		if v, ok := facts.ConstParams[n.Name]; ok {
			n.Op = OpConst
			n.AuxInt = Wrap(n.Type, v)
			st.FoldedConstants++
		}
	}

	// Pass 2: constant folding to a fixpoint
	st.FoldedConstants += foldConstants(p.Graph)

	// Pass 3: stores into memory nobody observes
	if len(facts.DeadSlices) > 0 {
		for _, l := range p.Loops {
			kept := l.Body[:0]
			for _, id := range l.Body {
				n := p.Graph.Node(id)
				if n.Op == OpStore && facts.DeadSlices[p.Graph.SliceName(n.Slice)] {
					st.RemovedNodes++
					continue
				}
				kept = append(kept, id)
			}
			l.Body = kept
		}
	}

	// Pass 4: dead code elimination
	st.RemovedNodes += EliminateDeadCode(p)

	// Pass 5: guard folding
	replace := make(map[NodeID]NodeID)
	var fold func(r Region) Region
	fold = func(r Region) Region {
		switch r := r.(type) {
		case *Seq:
			for i, it := range r.Items {
				r.Items[i] = fold(it)
			}
			return r
		case *GuardRegion:
			gd := p.Guards[r.Guard]
			if gd == nil {
				return r
			}
			gd.Fast = fold(gd.Fast)
			gd.Slow = fold(gd.Slow)
			fast, decided := p.decideGuard(gd)
			if !decided {
				return r
			}
			st.FoldedGuards++
			kept, dropped := gd.Fast, gd.Slow
			pick := 0
			if !fast {
				kept, dropped = gd.Slow, gd.Fast
				pick = 1
			}
			st.RemovedLoops += countLoops(p, dropped)
			for _, m := range gd.Merges {
				replace[m] = p.Graph.Node(m).Arg(pick)
			}
			return kept
		default:
			return r
		}
	}
	p.Root = fold(p.Root).(*Seq)
	if len(replace) > 0 {
		p.replaceUses(replace)
	}

	// Rebuild both tables from what is still reachable and swap them in.
	loops := make(map[LoopID]*Loop)
	guards := make(map[GuardID]*Guard)
	p.Walk(func(r Region) {
		switch r := r.(type) {
		case *LoopRegion:
			if l := p.Loops[r.Loop]; l != nil {
				loops[r.Loop] = l
			}
		case *GuardRegion:
			if gd := p.Guards[r.Guard]; gd != nil {
				guards[r.Guard] = gd
			}
		}
	})
	for _, l := range loops {
		if _, ok := guards[l.Guard]; !ok {
			l.Guard = 0
		}
	}
	p.Loops, p.Guards = loops, guards

	if err := p.Verify(); err != nil {
		return st, fmt.Errorf("program is inconsistent after simplification: %w", err)
	}
	return st, nil
}

// decideGuard reports which branch a guard always takes, if known
func (p *Program) decideGuard(gd *Guard) (fast bool, decided bool) {
	if n := p.Graph.Node(gd.Pred); n != nil && n.Op == OpConst {
		return n.AuxInt != 0, true
	}
	vanished := false
	p.walkRegion(gd.Fast, func(r Region) {
		if lr, ok := r.(*LoopRegion); ok {
			if l := p.Loops[lr.Loop]; l != nil && l.Kind == LoopMain && len(l.Body) == 0 {
				vanished = true
			}
		}
	})
	return vanished, vanished
}

func (p *Program) walkRegion(r Region, visit func(Region)) {
	saved := p.Root
	p.Root = &Seq{Items: []Region{r}}
	p.Walk(visit)
	p.Root = saved
}

func countLoops(p *Program, r Region) int {
	n := 0
	p.walkRegion(r, func(r Region) {
		if _, ok := r.(*LoopRegion); ok {
			n++
		}
	})
	return n
}

// replaceUses redirects every use of a key of m to its value
func (p *Program) replaceUses(m map[NodeID]NodeID) {
	resolve := func(id NodeID) NodeID {
		for {
			r, ok := m[id]
			if !ok {
				return id
			}
			id = r
		}
	}
	for id := NodeID(1); int(id) < p.Graph.Len(); id++ {
		n := p.Graph.Node(id)
		if n == nil {
			continue
		}
		for i, a := range n.Args {
			n.Args[i] = resolve(a)
		}
	}
	for i := range p.Outputs {
		p.Outputs[i].Node = resolve(p.Outputs[i].Node)
	}
	for _, l := range p.Loops {
		l.Init = resolve(l.Init)
		l.Limit = resolve(l.Limit)
	}
}

var foldable = map[Op]bool{
	OpAddP: true, OpAdd: true, OpSub: true, OpMul: true, OpDiv: true,
	OpAnd: true, OpOr: true, OpXor: true, OpShl: true, OpShr: true,
	OpNeg: true, OpAbs: true, OpMin: true, OpMax: true, OpConv: true,
	OpCmpLT: true, OpCmpLE: true, OpOrB: true, OpAndB: true, OpCastP2X: true,
}

// foldConstants turns scalar nodes whose arguments are all constants into
// constants and returns how many it folded
func foldConstants(g *Graph) int {
	folded := 0
	for changed := true; changed; {
		changed = false
		for id := NodeID(1); int(id) < g.Len(); id++ {
			n := g.Node(id)
			if n == nil || !foldable[n.Op] || n.IsVector() || len(n.Args) == 0 {
				continue
			}
			vals := make([]uint64, len(n.Args))
			from := TypeVoid
			ok := true
			for i, a := range n.Args {
				an := g.Node(a)
				if an == nil || an.Op != OpConst {
					ok = false
					break
				}
				vals[i] = uint64(an.AuxInt)
				if i == 0 {
					from = an.Type
				}
			}
			if !ok {
				continue
			}
			v, err := EvalScalar(n.Op, n.Type, from, vals...)
			if err != nil {
				continue
			}
			n.Op = OpConst
			n.AuxInt = int64(v)
			n.Args = nil
			n.Ctrl = NoNode
			folded++
			changed = true
		}
	}
	return folded
}

// EliminateDeadCode removes nodes no store, output, guard or loop bound
// depends on, and returns how many were removed
func EliminateDeadCode(p *Program) int {
	g := p.Graph
	live := make(map[NodeID]bool)
	var work []NodeID
	mark := func(id NodeID) {
		if id != NoNode && !live[id] {
			live[id] = true
			work = append(work, id)
		}
	}
	for _, l := range p.Loops {
		mark(l.IV)
		mark(l.Init)
		mark(l.Limit)
		for _, id := range l.Body {
			if n := g.Node(id); n.Op == OpStore {
				mark(id)
			}
		}
		for _, id := range l.Entry {
			if n := g.Node(id); n != nil && n.Op == OpSafepoint {
				mark(id)
			}
		}
	}
	for _, o := range p.Outputs {
		mark(o.Node)
	}
	for _, gd := range p.Guards {
		mark(gd.Ctrl)
		mark(gd.Pred)
	}
	p.Walk(func(r Region) {
		if c, ok := r.(*Compute); ok {
			for _, id := range c.Nodes {
				if n := g.Node(id); n != nil && (n.Op == OpSafepoint || n.Op == OpStore) {
					mark(id)
				}
			}
		}
	})
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		n := g.Node(id)
		if n == nil {
			continue
		}
		for _, a := range n.Args {
			mark(a)
		}
		mark(n.Ctrl)
	}

	removed := 0
	filter := func(ids []NodeID) []NodeID {
		kept := ids[:0]
		for _, id := range ids {
			if live[id] {
				kept = append(kept, id)
			} else {
				removed++
			}
		}
		return kept
	}
	for _, l := range p.Loops {
		l.Body = filter(l.Body)
		l.Phis = filter(l.Phis)
		l.Preheader = filter(l.Preheader)
	}
	p.Walk(func(r Region) {
		if c, ok := r.(*Compute); ok {
			c.Nodes = filter(c.Nodes)
		}
	})
	for _, gd := range p.Guards {
		gd.Inputs = filter(gd.Inputs)
		gd.Merges = filter(gd.Merges)
	}
	return removed
}
