package schedule

import (
	"fmt"
	"math/bits"

	"github.com/rs/zerolog"

	"github.com/xyproto/superword/internal/depgraph"
	"github.com/xyproto/superword/internal/diag"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/legality"
	"github.com/xyproto/superword/internal/memref"
	"github.com/xyproto/superword/internal/reduction"
	"github.com/xyproto/superword/internal/slp"
)

// Input is an accepted plan ready to be emitted
type Input struct {
	G           *ir.Graph
	Original    *ir.Loop
	Unrolled    *ir.Unrolled
	Windows     []*reduction.Window
	Plan        *slp.Plan
	Deps        *depgraph.Graph
	Order       []slp.Unit
	VectorBytes int
	AlignStrict bool
	// Pairs are checked at runtime when not empty: the vector nest runs
	// only when they are disjoint, a scalar clone otherwise
	Pairs [][2]*memref.MemRef
	Log   zerolog.Logger
}

// Emitted is the replacement program with handles on its parts
type Emitted struct {
	Program *ir.Program
	Main    *ir.Loop
	Pre     *ir.Loop // nil without strict alignment
	Post    *ir.Loop
	Slow    *ir.Loop  // nil without a guard
	Guard   *ir.Guard // nil without a guard
}

type emitter struct {
	in   *Input
	g    *ir.Graph
	site diag.Site
	log  zerolog.Logger

	main    *ir.Loop
	body    []ir.NodeID
	members map[ir.NodeID]bool
	setup   []ir.NodeID // computed once before the main loop

	vec       map[*slp.Pack]ir.NodeID
	extracts  map[[2]int64]ir.NodeID
	invariant map[ir.NodeID]map[int]ir.NodeID // scalar -> lanes -> Replicate

	vecPhi  map[*reduction.Window]ir.NodeID // unordered accumulators
	vecAcc  map[*reduction.Window]ir.NodeID
	ordered map[*reduction.Window]ir.NodeID // last in-loop Reduce
}

// Emit builds the vectorized program. It never returns a partially built
// program: a broken invariant panics with a diag.InvariantViolation.
func Emit(in *Input) *Emitted {
	e := &emitter{
		in:        in,
		g:         in.G,
		site:      diag.Site{Loop: in.Original.Name, Stage: "emit"},
		log:       in.Log.With().Str("stage", "emit").Logger(),
		vec:       make(map[*slp.Pack]ir.NodeID),
		extracts:  make(map[[2]int64]ir.NodeID),
		invariant: make(map[ir.NodeID]map[int]ir.NodeID),
		vecPhi:    make(map[*reduction.Window]ir.NodeID),
		vecAcc:    make(map[*reduction.Window]ir.NodeID),
		ordered:   make(map[*reduction.Window]ir.NodeID),
	}
	return e.emit()
}

func (e *emitter) violation(node ir.NodeID, format string, args ...any) {
	site := e.site
	site.Node = int32(node)
	diag.Violation(site, format, args...)
}

func (e *emitter) emit() *Emitted {
	in := e.in
	g := e.g
	orig := in.Original
	p := ir.NewProgram(g)

	main := *in.Unrolled.Loop
	main.Kind = ir.LoopMain
	main.Entry, main.Preheader = nil, nil
	main.Phis = append([]ir.NodeID(nil), main.Phis...)
	e.main = &main
	e.members = main.Members()
	p.AddLoop(e.main)
	out := &Emitted{Program: p, Main: e.main}

	// alignment pre-loop
	var preCompute []ir.NodeID
	if in.AlignStrict && in.Plan.AlignRef != nil {
		pre, pm := ir.CloneLoop(g, orig, p.NewLoopID(), ir.LoopPre)
		p.AddLoop(pre)
		preCompute, pre.Limit = e.preLimit(orig, in.Plan.AlignRef)
		e.main.Init = pre.IV
		for _, ph := range orig.Phis {
			g.Node(in.Unrolled.PhiMap[ph]).Args[0] = pm[ph]
		}
		out.Pre = pre
	}

	// the main loop runs while a whole window of iterations is left
	step := orig.Stride * int64(e.main.Unroll)
	span := g.Const(ir.TypeLong, step-orig.Stride)
	mainLimit := g.New(ir.OpSub, ir.TypeLong, orig.Limit, span.ID)
	e.setup = append(e.setup, span.ID, mainLimit.ID)
	e.main.Limit = mainLimit.ID

	e.body = nil
	for _, u := range in.Order {
		switch u.Kind {
		case slp.UnitScalar:
			e.scalar(u.Node)
		case slp.UnitPack:
			e.pack(u.Pack)
		case slp.UnitReduction:
			e.reduction(u.Red)
		}
	}
	after := e.closePhis()
	e.main.Body = e.body
	e.checkBody()

	// scalar remainder
	post, qm := ir.CloneLoop(g, orig, p.NewLoopID(), ir.LoopPost)
	p.AddLoop(post)
	post.Init = e.main.IV
	post.Limit = orig.Limit
	for _, ph := range orig.Phis {
		exit := in.Unrolled.PhiMap[ph]
		if r, ok := after[exit]; ok {
			exit = r
		}
		g.Node(qm[ph]).Args[0] = exit
	}
	out.Post = post

	var nest []ir.Region
	if out.Pre != nil {
		nest = append(nest, &ir.Compute{Nodes: preCompute}, &ir.LoopRegion{Loop: out.Pre.ID})
	}
	var combine []ir.NodeID
	for _, ph := range orig.Phis {
		if r, ok := after[in.Unrolled.PhiMap[ph]]; ok {
			combine = append(combine, r)
		}
	}
	nest = append(nest,
		&ir.Compute{Nodes: e.setup},
		&ir.LoopRegion{Loop: e.main.ID},
		&ir.Compute{Nodes: combine},
		&ir.LoopRegion{Loop: post.ID},
	)
	entry := &ir.Compute{Nodes: append([]ir.NodeID(nil), orig.Entry...)}

	if len(in.Pairs) == 0 {
		p.Root.Items = append(p.Root.Items, entry, &ir.Compute{Nodes: append([]ir.NodeID(nil), orig.Preheader...)})
		p.Root.Items = append(p.Root.Items, nest...)
		for _, ph := range orig.Phis {
			p.Outputs = append(p.Outputs, ir.Output{Name: g.Node(ph).Name, Node: qm[ph]})
		}
	} else {
		e.guard(p, out, entry, nest, qm)
	}
	for i := range p.Outputs {
		if p.Outputs[i].Name == "" {
			p.Outputs[i].Name = fmt.Sprintf("n%d", orig.Phis[i])
		}
	}

	removed := ir.EliminateDeadCode(p)
	if err := p.Verify(); err != nil {
		e.violation(0, "emitted program is inconsistent: %v", err)
	}
	e.log.Debug().Int("body", len(e.main.Body)).Int("removed", removed).Msg("emitted vector loop")
	return out
}

// guard wraps the loop nest in a runtime disjointness check; the slow
// branch runs a scalar clone of the original loop
func (e *emitter) guard(p *ir.Program, out *Emitted, entry *ir.Compute, nest []ir.Region, qm map[ir.NodeID]ir.NodeID) {
	g := e.g
	orig := e.in.Original
	check := legality.BuildCheck(g, orig, e.in.Pairs)
	for _, id := range check.Nodes {
		if n := g.Node(id); n.Op == ir.OpCastP2X && n.Ctrl != check.Ctrl {
			e.violation(id, "address cast in the guard is not pinned")
		}
	}
	slow, sm := ir.CloneLoop(g, orig, p.NewLoopID(), ir.LoopSlow)
	p.AddLoop(slow)
	gd := &ir.Guard{
		Ctrl:   check.Ctrl,
		Inputs: check.Nodes,
		Pred:   check.Pred,
		Fast:   &ir.Seq{Items: append([]ir.Region{&ir.Compute{Nodes: append([]ir.NodeID(nil), orig.Preheader...)}}, nest...)},
		Slow:   &ir.Seq{Items: []ir.Region{&ir.Compute{Nodes: append([]ir.NodeID(nil), orig.Preheader...)}, &ir.LoopRegion{Loop: slow.ID}}},
	}
	p.AddGuard(gd)
	for _, l := range p.Loops {
		l.Guard = gd.ID
	}
	for _, ph := range orig.Phis {
		m := g.Add(ir.Node{Op: ir.OpMerge, Type: g.Node(ph).Type, Args: []ir.NodeID{qm[ph], sm[ph]}, AuxInt: int64(gd.ID)})
		gd.Merges = append(gd.Merges, m.ID)
		p.Outputs = append(p.Outputs, ir.Output{Name: g.Node(ph).Name, Node: m.ID})
	}
	p.Root.Items = append(p.Root.Items, entry, &ir.GuardRegion{Guard: gd.ID})
	out.Slow = slow
	out.Guard = gd
}

// preLimit computes how many scalar iterations bring the alignment
// reference to a vector boundary and returns the nodes and the pre-loop
// limit min(limit, init + k*stride)
func (e *emitter) preLimit(orig *ir.Loop, ref *memref.MemRef) ([]ir.NodeID, ir.NodeID) {
	g := e.g
	vw := int64(e.in.VectorBytes)
	size := int64(ref.Type.Size())
	var nodes []ir.NodeID
	emit := func(n *ir.Node) ir.NodeID {
		nodes = append(nodes, n.ID)
		return n.ID
	}
	var safepoint ir.NodeID
	for _, id := range orig.Entry {
		if g.Node(id).Op == ir.OpSafepoint {
			safepoint = id
		}
	}
	ctrl := g.Add(ir.Node{Op: ir.OpCtrl, Type: ir.TypeVoid})
	if safepoint != ir.NoNode {
		ctrl.Args = []ir.NodeID{safepoint}
	}
	emit(ctrl)
	addr := memref.Rebuild(g, ref, orig.Init, 0)
	nodes = append(nodes, addr...)
	cast := g.New(ir.OpCastP2X, ir.TypeLong, addr[len(addr)-1])
	cast.Ctrl = ctrl.ID
	x := emit(cast)
	mask := emit(g.Const(ir.TypeLong, vw-1))
	misalign := emit(g.New(ir.OpAnd, ir.TypeLong, x, mask))
	gap := emit(g.New(ir.OpSub, ir.TypeLong, emit(g.Const(ir.TypeLong, vw)), misalign))
	gap = emit(g.New(ir.OpAnd, ir.TypeLong, gap, mask))
	k := emit(g.New(ir.OpShr, ir.TypeLong, gap, emit(g.Const(ir.TypeLong, int64(bits.TrailingZeros64(uint64(size)))))))
	steps := emit(g.New(ir.OpMul, ir.TypeLong, k, emit(g.Const(ir.TypeLong, orig.Stride))))
	end := emit(g.New(ir.OpAdd, ir.TypeLong, orig.Init, steps))
	limit := emit(g.New(ir.OpMin, ir.TypeLong, orig.Limit, end))
	return nodes, limit
}

func (e *emitter) add(n ir.Node) ir.NodeID {
	n.Loop = e.main.ID
	id := e.g.Add(n).ID
	e.body = append(e.body, id)
	return id
}

// extract returns lane of the vector of pack p as a scalar
func (e *emitter) extract(p *slp.Pack, lane int) ir.NodeID {
	v, ok := e.vec[p]
	if !ok {
		e.violation(p.Members[lane], "lane %d of %s is used before the pack", lane, p)
	}
	key := [2]int64{int64(v), int64(lane)}
	if id, ok := e.extracts[key]; ok {
		return id
	}
	id := e.add(ir.Node{Op: ir.OpExtract, Type: p.Type, Args: []ir.NodeID{v}, AuxInt: int64(lane)})
	e.extracts[key] = id
	return id
}

// scalarArg resolves an operand of a scalar node: packed values are
// extracted from their vector
func (e *emitter) scalarArg(a ir.NodeID) ir.NodeID {
	if p, lane := e.in.Plan.PackOf(a); p != nil {
		return e.extract(p, lane)
	}
	return a
}

func (e *emitter) scalar(id ir.NodeID) {
	n := e.g.Node(id)
	for i, a := range n.Args {
		n.Args[i] = e.scalarArg(a)
	}
	e.body = append(e.body, id)
}

// operand returns the vector for one operand position of a pack
func (e *emitter) operand(p *slp.Pack, lanes []ir.NodeID) ir.NodeID {
	if q := e.in.Plan.Exact(lanes); q != nil {
		v, ok := e.vec[q]
		if !ok {
			e.violation(lanes[0], "%s is used by %s before it is emitted", q, p)
		}
		return v
	}
	s := lanes[0]
	for _, id := range lanes {
		if id != s {
			e.violation(p.Members[0], "operand of %s is neither a pack nor a broadcast", p)
		}
	}
	return e.replicate(s, len(lanes))
}

// replicate broadcasts s; loop-invariant values are broadcast once before
// the loop
func (e *emitter) replicate(s ir.NodeID, lanes int) ir.NodeID {
	t := e.g.Node(s).Type
	if e.members[s] {
		return e.add(ir.Node{Op: ir.OpReplicate, Type: t, Lanes: lanes, Args: []ir.NodeID{s}})
	}
	if byLanes, ok := e.invariant[s]; ok {
		if id, ok := byLanes[lanes]; ok {
			return id
		}
	} else {
		e.invariant[s] = make(map[int]ir.NodeID)
	}
	id := e.g.Add(ir.Node{Op: ir.OpReplicate, Type: t, Lanes: lanes, Args: []ir.NodeID{s}}).ID
	e.setup = append(e.setup, id)
	e.invariant[s][lanes] = id
	return id
}

func (e *emitter) pack(p *slp.Pack) {
	first := e.g.Node(p.Members[0])
	n := ir.Node{Op: p.Op, Type: p.Type, Lanes: len(p.Members), Slice: first.Slice}
	switch p.Op {
	case ir.OpLoad:
		n.Args = []ir.NodeID{first.Args[0]}
	case ir.OpStore:
		n.Args = []ir.NodeID{first.Args[0], e.operand(p, lanesOf(e.g, p, 1))}
	default:
		for i := range first.Args {
			n.Args = append(n.Args, e.operand(p, lanesOf(e.g, p, i)))
		}
	}
	if p.Op.IsMemory() {
		if r := e.in.Deps.Ref(p.Members[0]); r == nil || !r.Valid {
			e.violation(p.Members[0], "vector access without a valid address form")
		}
		if e.in.AlignStrict {
			n.Aligned = true
			n.AuxInt = int64(e.in.VectorBytes)
		}
	}
	e.vec[p] = e.add(n)
}

func lanesOf(g *ir.Graph, p *slp.Pack, arg int) []ir.NodeID {
	out := make([]ir.NodeID, len(p.Members))
	for i, m := range p.Members {
		out[i] = g.Node(m).Args[arg]
	}
	return out
}

func (e *emitter) reduction(r *slp.RedGroup) {
	w := r.Window
	c := w.Chain
	input, ok := e.vec[r.Input]
	if !ok {
		e.violation(r.Ops[0], "reduction input %s is not emitted yet", r.Input)
	}
	switch r.Mode {
	case reduction.Unordered:
		acc, ok := e.vecAcc[w]
		if !ok {
			ident, has := c.Op.Identity(c.Type)
			if !has {
				e.violation(w.Phi, "%s has no identity", c.Op)
			}
			k := e.g.Add(ir.Node{Op: ir.OpConst, Type: c.Type, AuxInt: int64(ident)}).ID
			init := e.g.Add(ir.Node{Op: ir.OpReplicate, Type: c.Type, Lanes: r.Input.Lanes(), Args: []ir.NodeID{k}}).ID
			e.setup = append(e.setup, init)
			phi := e.g.Add(ir.Node{Op: ir.OpPhi, Type: c.Type, Lanes: r.Input.Lanes(), Args: []ir.NodeID{init, ir.NoNode}, Loop: e.main.ID, Name: e.g.Node(w.Phi).Name + ".v"}).ID
			e.main.Phis = append(e.main.Phis, phi)
			e.members[phi] = true
			e.vecPhi[w] = phi
			acc = phi
		}
		if e.g.Node(acc).Lanes != r.Input.Lanes() {
			e.violation(r.Ops[0], "accumulator has %d lanes, input %d", e.g.Node(acc).Lanes, r.Input.Lanes())
		}
		e.vecAcc[w] = e.add(ir.Node{Op: c.Op, Type: c.Type, Lanes: r.Input.Lanes(), Args: []ir.NodeID{acc, input}})
	case reduction.InLoopOrdered:
		acc, ok := e.ordered[w]
		if !ok {
			acc = w.Phi
		}
		e.ordered[w] = e.add(ir.Node{Op: ir.OpReduce, Type: c.Type, AuxInt: int64(c.Op), Args: []ir.NodeID{acc, input}, Ordered: true})
	default:
		e.violation(r.Ops[0], "reduction group in %s mode", r.Mode)
	}
}

// closePhis sets the backedges of the main loop. It returns, per scalar
// phi of a hoisted reduction, the node combining the accumulator after the
// loop.
func (e *emitter) closePhis() map[ir.NodeID]ir.NodeID {
	g := e.g
	after := make(map[ir.NodeID]ir.NodeID)
	byPhi := make(map[ir.NodeID]*reduction.Window)
	for _, w := range e.in.Windows {
		byPhi[w.Phi] = w
	}
	for _, ph := range e.main.Phis {
		n := g.Node(ph)
		if n.IsVector() {
			continue
		}
		w := byPhi[ph]
		switch {
		case w != nil && e.vecPhi[w] != ir.NoNode:
			n.Args[1] = ph
			vp := g.Node(e.vecPhi[w])
			vp.Args[1] = e.vecAcc[w]
			c := w.Chain
			r := g.Add(ir.Node{Op: ir.OpReduce, Type: c.Type, AuxInt: int64(c.Op), Args: []ir.NodeID{ph, vp.ID}})
			after[ph] = r.ID
		case w != nil && e.ordered[w] != ir.NoNode:
			n.Args[1] = e.ordered[w]
		default:
			n.Args[1] = e.scalarArg(n.Args[1])
		}
	}
	return after
}

// checkBody asserts that the main loop contains no packed scalar and that
// every value is defined before it is used
func (e *emitter) checkBody() {
	g := e.g
	defined := make(map[ir.NodeID]bool)
	inBody := make(map[ir.NodeID]bool, len(e.body))
	for _, id := range e.body {
		inBody[id] = true
	}
	replaced := make(map[ir.NodeID]bool)
	for _, p := range e.in.Plan.Packs {
		for _, m := range p.Members {
			replaced[m] = true
		}
	}
	for _, r := range e.in.Plan.Reductions {
		for _, m := range r.Ops {
			replaced[m] = true
		}
	}
	for _, id := range e.body {
		if replaced[id] {
			e.violation(id, "packed node survived in the vector body")
		}
		for _, a := range g.Node(id).Args {
			if replaced[a] {
				e.violation(id, "uses the packed node n%d", a)
			}
			if inBody[a] && !defined[a] {
				e.violation(id, "uses n%d before it is defined", a)
			}
		}
		defined[id] = true
	}
	for _, ph := range e.main.Phis {
		if b := ir.Backedge(g, ph); replaced[b] {
			e.violation(ph, "backedge is the packed node n%d", b)
		}
	}
}
