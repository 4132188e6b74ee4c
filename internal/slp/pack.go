// Package slp forms packs of isomorphic scalar operations in an unrolled
// loop body: adjacent memory pairs are seeded, grown along defs and uses,
// combined into packs, split and filtered until every pack can be emitted
// as one vector operation and the pack graph is acyclic.
package slp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/xyproto/superword/internal/depgraph"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/memref"
	"github.com/xyproto/superword/internal/reduction"
)

// Target tells which vector shapes the machine implements
type Target interface {
	Supports(op ir.Op, t ir.BasicType, lanes int) bool
	SupportsConv(from, to ir.BasicType, lanes int) bool
}

// Pack is an ordered tuple of mutually independent isomorphic nodes.
// Members[i] becomes lane i of the vector node.
type Pack struct {
	Members []ir.NodeID
	Op      ir.Op
	Type    ir.BasicType
}

// Lanes returns the number of members
func (p *Pack) Lanes() int { return len(p.Members) }

func (p *Pack) String() string {
	ids := lo.Map(p.Members, func(id ir.NodeID, _ int) string { return fmt.Sprintf("n%d", id) })
	return fmt.Sprintf("%s.%sx%d[%s]", p.Op, p.Type, len(p.Members), strings.Join(ids, " "))
}

// RedGroup is one vector step of a reduction: the chain ops at position
// Pos of the unrolled copies in Copies, fed by the Input pack.
type RedGroup struct {
	Window *reduction.Window
	Mode   reduction.Mode
	Pos    int
	Copies []int
	Ops    []ir.NodeID
	Input  *Pack
}

func (r *RedGroup) String() string {
	return fmt.Sprintf("%s reduction of n%d step %d copies %v <- %s", r.Mode, r.Window.Phi, r.Pos, r.Copies, r.Input)
}

// DecisionKind tags how a conflict was resolved
type DecisionKind uint8

const (
	Split DecisionKind = iota
	Reorder
	Reject
)

func (k DecisionKind) String() string {
	switch k {
	case Split:
		return "split"
	case Reorder:
		return "reorder"
	default:
		return "reject"
	}
}

// Decision records one resolution step for the trace
type Decision struct {
	Kind   DecisionKind
	Packs  [][]ir.NodeID
	Reason string
}

func (d Decision) String() string {
	return fmt.Sprintf("%s %v: %s", d.Kind, d.Packs, d.Reason)
}

// Context is everything pack formation reads. It belongs to one compile
// task and is not shared.
type Context struct {
	G           *ir.Graph
	Loop        *ir.Loop // the unrolled loop
	Deps        *depgraph.Graph
	Windows     []*reduction.Window
	VectorBytes int
	Target      Target
	AlignStrict bool
	Log         zerolog.Logger
}

// Plan is the outcome of pack formation
type Plan struct {
	Packs      []*Pack
	Reductions []*RedGroup
	// Scalarized holds the reduction windows that stay scalar even though
	// their chain could have been vectorized, with the reason
	Scalarized map[*reduction.Window]string
	Decisions  []Decision
	AlignRef   *memref.MemRef
	Dropped    []string
}

// PackOf returns the pack containing id and its lane, or nil
func (pl *Plan) PackOf(id ir.NodeID) (*Pack, int) {
	for _, p := range pl.Packs {
		if i := lo.IndexOf(p.Members, id); i >= 0 {
			return p, i
		}
	}
	return nil, -1
}

// Exact returns the pack whose members are exactly ids in order
func (pl *Plan) Exact(ids []ir.NodeID) *Pack {
	p, lane := pl.PackOf(ids[0])
	if p == nil || lane != 0 || len(p.Members) != len(ids) {
		return nil
	}
	for i, id := range ids {
		if p.Members[i] != id {
			return nil
		}
	}
	return p
}

// Mode returns how the reduction of window w is vectorized under the plan
func (pl *Plan) Mode(w *reduction.Window) reduction.Mode {
	if _, ok := pl.Scalarized[w]; ok {
		return reduction.Scalar
	}
	for _, r := range pl.Reductions {
		if r.Window == w {
			return r.Mode
		}
	}
	return reduction.Scalar
}

// UnitKind tells what a schedule unit stands for
type UnitKind uint8

const (
	UnitScalar UnitKind = iota
	UnitPack
	UnitReduction
)

// Unit is one item of the schedule: a pack, a reduction step or a scalar
// node left alone
type Unit struct {
	Kind UnitKind
	Pack *Pack
	Red  *RedGroup
	Node ir.NodeID
	Pos  int // smallest body position of the nodes it covers
}

// Nodes returns the body nodes the unit covers
func (u Unit) Nodes() []ir.NodeID {
	switch u.Kind {
	case UnitPack:
		return u.Pack.Members
	case UnitReduction:
		return u.Red.Ops
	default:
		return []ir.NodeID{u.Node}
	}
}

func (u Unit) String() string {
	switch u.Kind {
	case UnitPack:
		return u.Pack.String()
	case UnitReduction:
		return u.Red.String()
	default:
		return fmt.Sprintf("n%d", u.Node)
	}
}

// Units contracts the dependence graph over the plan: every pack and
// reduction step becomes one unit, every other body node its own. Edges
// between the steps of an unordered reduction are dropped, since those
// steps are reassociated anyway.
func (pl *Plan) Units(dg *depgraph.Graph) ([]Unit, [][]int) {
	owner := make(map[ir.NodeID]int)
	var units []Unit
	add := func(u Unit) {
		u.Pos = -1
		for _, id := range u.Nodes() {
			owner[id] = len(units)
			if p := dg.Pos(id); u.Pos < 0 || p < u.Pos {
				u.Pos = p
			}
		}
		units = append(units, u)
	}
	for _, p := range pl.Packs {
		add(Unit{Kind: UnitPack, Pack: p})
	}
	for _, r := range pl.Reductions {
		add(Unit{Kind: UnitReduction, Red: r})
	}
	for _, id := range dg.Nodes() {
		if _, ok := owner[id]; !ok {
			add(Unit{Kind: UnitScalar, Node: id})
		}
	}
	sort.SliceStable(units, func(i, j int) bool { return units[i].Pos < units[j].Pos })
	for i, u := range units {
		for _, id := range u.Nodes() {
			owner[id] = i
		}
	}

	unordered := make(map[ir.NodeID]*reduction.Window)
	for _, r := range pl.Reductions {
		if r.Mode == reduction.Unordered {
			for _, id := range r.Ops {
				unordered[id] = r.Window
			}
		}
	}
	succs := make([][]int, len(units))
	for i, u := range units {
		seen := make(map[int]bool)
		for _, id := range u.Nodes() {
			for _, e := range dg.Succs(id) {
				j, ok := owner[e.To]
				if !ok || j == i || seen[j] {
					continue
				}
				if w := unordered[id]; w != nil && unordered[e.To] == w {
					continue
				}
				seen[j] = true
				succs[i] = append(succs[i], j)
			}
		}
	}
	return units, succs
}

// FormPacks runs pack formation on the unrolled loop of ctx
func FormPacks(ctx *Context) *Plan {
	f := newFormer(ctx)
	f.findCandidates()
	f.seedPairs()
	f.extendPairs()
	f.combinePairs()
	f.splitPacks()

	// filters and cycle resolution feed each other: dropping a pack can
	// starve a consumer, splitting one can strand a reduction
	for round := 0; ; round++ {
		changed := f.splitAtUseDefBoundaries()
		changed = f.filterAlignment() || changed
		changed = f.filterInputs() || changed
		f.buildReductions()
		changed = f.resolveCycles() || changed
		if !changed {
			break
		}
		f.log.Debug().Int("round", round).Int("packs", len(f.plan.Packs)).Msg("pack filters changed the plan")
	}
	sort.SliceStable(f.plan.Packs, func(i, j int) bool {
		return f.ctx.Deps.Pos(f.plan.Packs[i].Members[0]) < f.ctx.Deps.Pos(f.plan.Packs[j].Members[0])
	})
	return f.plan
}

// former holds the working state of FormPacks
type former struct {
	ctx  *Context
	log  zerolog.Logger
	plan *Plan

	candidate map[ir.NodeID]bool
	uses      map[ir.NodeID][]ir.NodeID
	chainOp   map[ir.NodeID]*reduction.Window

	left  map[ir.NodeID]ir.NodeID // a -> b for the pair (a, b)
	right map[ir.NodeID]ir.NodeID // b -> a
	pairs [][2]ir.NodeID
}

func newFormer(ctx *Context) *former {
	return &former{
		ctx:     ctx,
		log:     ctx.Log.With().Str("stage", "packs").Logger(),
		plan:    &Plan{Scalarized: make(map[*reduction.Window]string)},
		chainOp: make(map[ir.NodeID]*reduction.Window),
		left:    make(map[ir.NodeID]ir.NodeID),
		right:   make(map[ir.NodeID]ir.NodeID),
	}
}

func (f *former) node(id ir.NodeID) *ir.Node { return f.ctx.G.Node(id) }

func (f *former) ref(id ir.NodeID) *memref.MemRef { return f.ctx.Deps.Ref(id) }

// maxLanes is the widest pack of p's shape that fits a vector register
func (f *former) maxLanes(op ir.Op, members []ir.NodeID) int {
	size := f.node(members[0]).Type.Size()
	if op == ir.OpConv {
		size = max(size, f.node(f.node(members[0]).Args[0]).Type.Size())
	}
	if size == 0 {
		return 1
	}
	return f.ctx.VectorBytes / size
}

// implemented reports whether the target has the vector form of p
func (f *former) implemented(p *Pack) bool {
	if p.Op == ir.OpConv {
		from := f.node(f.node(p.Members[0]).Args[0]).Type
		return f.ctx.Target.SupportsConv(from, p.Type, len(p.Members))
	}
	return f.ctx.Target.Supports(p.Op, p.Type, len(p.Members))
}

func (f *former) drop(p *Pack, reason string) {
	f.plan.Packs = lo.Without(f.plan.Packs, p)
	f.plan.Dropped = append(f.plan.Dropped, fmt.Sprintf("%s: %s", p, reason))
	f.log.Debug().Str("pack", p.String()).Str("reason", reason).Msg("pack dropped")
}
