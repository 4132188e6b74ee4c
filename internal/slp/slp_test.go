package slp

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/superword/internal/depgraph"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/memref"
	"github.com/xyproto/superword/internal/reduction"
)

type anyTarget struct{ noConv bool }

func (anyTarget) Supports(ir.Op, ir.BasicType, int) bool { return true }

func (t anyTarget) SupportsConv(ir.BasicType, ir.BasicType, int) bool { return !t.noConv }

type setup struct {
	vw          int
	unroll      int
	noAlias     bool
	alignStrict bool
	target      Target
}

func form(t *testing.T, g *ir.Graph, l *ir.Loop, s setup) (*Plan, *ir.Unrolled) {
	plan, u, _ := formWithDeps(t, g, l, s)
	return plan, u
}

func formWithDeps(t *testing.T, g *ir.Graph, l *ir.Loop, s setup) (*Plan, *ir.Unrolled, *depgraph.Graph) {
	t.Helper()
	chains := reduction.FindReductions(g, l, reduction.Options{Hoist: true})
	u, err := ir.Unroll(g, l, s.unroll, 2)
	require.NoError(t, err)
	refs := make(map[ir.NodeID]*memref.MemRef)
	for _, id := range u.Loop.Body {
		if g.Node(id).Op.IsMemory() {
			refs[id] = memref.Canonicalize(g, u.Loop, id)
		}
	}
	var windows []*reduction.Window
	for _, c := range chains {
		windows = append(windows, c.Unrolled(u))
	}
	if s.target == nil {
		s.target = anyTarget{}
	}
	deps := depgraph.Build(g, u.Loop, refs, depgraph.Options{AssumeNoAlias: s.noAlias})
	plan := FormPacks(&Context{
		G:           g,
		Loop:        u.Loop,
		Deps:        deps,
		Windows:     windows,
		VectorBytes: s.vw,
		Target:      s.target,
		AlignStrict: s.alignStrict,
		Log:         zerolog.Nop(),
	})
	return plan, u, deps
}

func shapes(plan *Plan) []string {
	return lo.Map(plan.Packs, func(p *Pack, _ int) string { return fmt.Sprintf("%sx%d", p.Op, p.Lanes()) })
}

// a[i] = b[i] + 1 over int arrays
func addOne(align int) (*ir.Graph, *ir.Loop) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "addone")
	a := b.Array("a", align)
	src := b.Array("b", align)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1000)
	ld := b.Load(ir.TypeInt, b.Addr(src, b.IV(), ir.TypeInt, 0))
	sum := b.Op(ir.OpAdd, ir.TypeInt, ld, b.ConstOf(ir.TypeInt, 1))
	b.Store(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0), sum)
	return g, b.Build()
}

func TestCopyLoopFormsFullPacks(t *testing.T) {
	g, l := addOne(8)
	plan, _ := form(t, g, l, setup{vw: 16, unroll: 4, noAlias: true})
	assert.Equal(t, []string{"Loadx4", "Addx4", "Storex4"}, shapes(plan))
	assert.Empty(t, plan.Reductions)
	for _, p := range plan.Packs {
		assert.Equal(t, ir.TypeInt, p.Type)
	}
}

func TestUnknownAliasingBlocksPacking(t *testing.T) {
	g, l := addOne(8)
	plan, _ := form(t, g, l, setup{vw: 16, unroll: 4})
	assert.Empty(t, plan.Packs)
}

// a[i+2] = a[i] on bytes: copy k stores what copy k+2 loads, so only pairs
// of neighbours stay independent
func TestCarriedDependenceNarrowsPacks(t *testing.T) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "shift")
	a := b.Array("a", 8)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1000)
	ld := b.Load(ir.TypeByte, b.Addr(a, b.IV(), ir.TypeByte, 0))
	b.Store(ir.TypeByte, b.Addr(a, b.IV(), ir.TypeByte, 2), ld)

	plan, _, deps := formWithDeps(t, g, b.Build(), setup{vw: 8, unroll: 8})
	require.Len(t, plan.Packs, 8)
	for _, p := range plan.Packs {
		assert.Equal(t, 2, p.Lanes(), p.String())
	}
	units, succs := plan.Units(deps)
	assert.Empty(t, depgraph.Cycles(len(units), func(v int) []int { return succs[v] }))
}

func TestHoistedReductionGroup(t *testing.T) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "sum")
	a := b.Array("a", 8)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1)
	s := b.Phi("sum", ir.TypeInt, b.ConstOf(ir.TypeInt, 0))
	x := b.Load(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0))
	m := b.Op(ir.OpMul, ir.TypeInt, b.ConstOf(ir.TypeInt, 11), x)
	b.SetBackedge(s, b.Op(ir.OpAdd, ir.TypeInt, s, m))

	plan, u := form(t, g, b.Build(), setup{vw: 16, unroll: 4})
	assert.Equal(t, []string{"Loadx4", "Mulx4"}, shapes(plan))
	require.Len(t, plan.Reductions, 1)
	r := plan.Reductions[0]
	assert.Equal(t, reduction.Unordered, r.Mode)
	assert.Equal(t, []int{0, 1, 2, 3}, r.Copies)
	assert.Equal(t, plan.Packs[1], r.Input)
	for k, id := range r.Ops {
		assert.Equal(t, u.Copies[k][ir.Backedge(g, s)], id)
	}
	assert.Equal(t, reduction.Unordered, plan.Mode(r.Window))
}

// b[i] = (short) a[i]: the byte loads are cut to the width of the conversion
func TestConversionSplitsItsInput(t *testing.T) {
	build := func() (*ir.Graph, *ir.Loop) {
		g := ir.NewGraph()
		b := ir.NewLoopBuilder(g, "widen")
		src := b.Array("a", 16)
		dst := b.Array("b", 16)
		b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1)
		ld := b.Load(ir.TypeByte, b.Addr(src, b.IV(), ir.TypeByte, 0))
		cv := b.Op(ir.OpConv, ir.TypeShort, ld)
		b.Store(ir.TypeShort, b.Addr(dst, b.IV(), ir.TypeShort, 0), cv)
		return g, b.Build()
	}

	g, l := build()
	plan, _ := form(t, g, l, setup{vw: 16, unroll: 16, noAlias: true})
	assert.ElementsMatch(t, []string{"Loadx8", "Loadx8", "Convx8", "Convx8", "Storex8", "Storex8"}, shapes(plan))
	assert.True(t, lo.SomeBy(plan.Decisions, func(d Decision) bool { return d.Kind == Split }))

	g, l = build()
	plan, _ = form(t, g, l, setup{vw: 16, unroll: 16, noAlias: true, target: anyTarget{noConv: true}})
	for _, p := range plan.Packs {
		assert.Equal(t, ir.OpLoad, p.Op, "only the loads survive without a vector conversion: %s", p)
	}
}

func TestStrictAlignmentNeedsAlignedBases(t *testing.T) {
	g, l := addOne(16)
	plan, _ := form(t, g, l, setup{vw: 16, unroll: 4, noAlias: true, alignStrict: true})
	assert.Equal(t, []string{"Loadx4", "Addx4", "Storex4"}, shapes(plan))
	require.NotNil(t, plan.AlignRef)
	assert.Equal(t, ir.OpStore, g.Node(plan.AlignRef.Node).Op, "stores are preferred as the reference")

	// with 8-byte bases only the stores can be aligned; the loads go, the
	// add loses its input and the stores their value
	g, l = addOne(8)
	plan, _ = form(t, g, l, setup{vw: 16, unroll: 4, noAlias: true, alignStrict: true})
	assert.Empty(t, plan.Packs)
	assert.NotEmpty(t, plan.Dropped)
}

func TestCommutativeOperandsAreSwapped(t *testing.T) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "swap")
	a := b.Array("a", 8)
	c := b.Array("c", 8)
	d := b.Array("d", 8)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1000)
	x0 := b.Load(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0))
	y0 := b.Op(ir.OpNeg, ir.TypeInt, b.Load(ir.TypeInt, b.Addr(c, b.IV(), ir.TypeInt, 0)))
	x1 := b.Load(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 1))
	y1 := b.Op(ir.OpNeg, ir.TypeInt, b.Load(ir.TypeInt, b.Addr(c, b.IV(), ir.TypeInt, 1)))
	s0 := b.Op(ir.OpAdd, ir.TypeInt, x0, y0)
	s1 := b.Op(ir.OpAdd, ir.TypeInt, y1, x1)
	b.Store(ir.TypeInt, b.Addr(d, b.IV(), ir.TypeInt, 0), s0)
	b.Store(ir.TypeInt, b.Addr(d, b.IV(), ir.TypeInt, 1), s1)
	l := b.Build()
	l.Stride = 2

	plan, u := form(t, g, l, setup{vw: 8, unroll: 1, noAlias: true})
	require.True(t, lo.SomeBy(plan.Decisions, func(d Decision) bool { return d.Kind == Reorder }))
	sum := u.Copies[0][s1]
	assert.Equal(t, u.Copies[0][x1], g.Node(sum).Args[0])
	assert.Contains(t, shapes(plan), "Addx2")
	assert.Contains(t, shapes(plan), "Negx2")
}
