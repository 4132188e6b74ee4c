package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/superword/internal/diag"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/memref"
)

func refsOf(g *ir.Graph, l *ir.Loop) map[ir.NodeID]*memref.MemRef {
	refs := make(map[ir.NodeID]*memref.MemRef)
	for _, id := range l.Body {
		if g.Node(id).Op.IsMemory() {
			refs[id] = memref.Canonicalize(g, l, id)
		}
	}
	return refs
}

// a[i] = b[i] + 1 over two int arrays that may be the same array
func addOne(t *testing.T) (*ir.Graph, *ir.Loop, ir.NodeID, ir.NodeID) {
	t.Helper()
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "addone")
	a := b.Array("a", 8)
	src := b.Array("b", 8)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1000)
	ld := b.Load(ir.TypeInt, b.Addr(src, b.IV(), ir.TypeInt, 0))
	sum := b.Op(ir.OpAdd, ir.TypeInt, ld, b.ConstOf(ir.TypeInt, 1))
	st := b.Store(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0), sum)
	return g, b.Build(), ld, st
}

func TestUnknownAliasingEdge(t *testing.T) {
	g, l, ld, st := addOne(t)
	dg := Build(g, l, refsOf(g, l), Options{})
	assert.True(t, dg.HasUnknown())
	assert.False(t, dg.Independent(ld, st))
	assert.Empty(t, dg.Speculated())

	guarded := Build(g, l, refsOf(g, l), Options{AssumeNoAlias: true})
	assert.False(t, guarded.HasUnknown())
	require.Len(t, guarded.Speculated(), 1)
	assert.Equal(t, Pair{A: ld, B: st}, guarded.Speculated()[0])
	// still dependent through the data edges
	assert.False(t, guarded.Independent(ld, st))
}

func TestUnrolledCopiesAreIndependent(t *testing.T) {
	g, l, ld, st := addOne(t)
	u, err := ir.Unroll(g, l, 4, 2)
	require.NoError(t, err)
	dg := Build(g, u.Loop, refsOf(g, u.Loop), Options{AssumeNoAlias: true})

	var loads, stores []ir.NodeID
	for k := 0; k < 4; k++ {
		loads = append(loads, u.Copies[k][ld])
		stores = append(stores, u.Copies[k][st])
	}
	assert.True(t, dg.MutuallyIndependent(loads))
	assert.True(t, dg.MutuallyIndependent(stores))
	assert.False(t, dg.Independent(loads[1], stores[1]))
}

// a[i+1] = a[i] * 3: after unrolling, copy 1 reads what copy 0 wrote
func TestOverlapAcrossCopies(t *testing.T) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "carried")
	a := b.Array("a", 8)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1000)
	ld := b.Load(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0))
	mul := b.Op(ir.OpMul, ir.TypeInt, ld, b.ConstOf(ir.TypeInt, 3))
	st := b.Store(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 1), mul)
	l := b.Build()

	u, err := ir.Unroll(g, l, 2, 2)
	require.NoError(t, err)
	dg := Build(g, u.Loop, refsOf(g, u.Loop), Options{AssumeNoAlias: true})
	st0, ld1 := u.Copies[0][st], u.Copies[1][ld]
	found := false
	for _, e := range dg.Succs(st0) {
		if e.To == ld1 && e.Kind == MemOverlap {
			found = true
		}
	}
	assert.True(t, found, "store of copy 0 must be ordered before load of copy 1")
	assert.False(t, dg.MutuallyIndependent([]ir.NodeID{u.Copies[0][ld], ld1}))
	assert.Empty(t, dg.Speculated(), "same base pairs are never speculated")
}

func TestMissingAddressIsAViolation(t *testing.T) {
	g, l, ld, _ := addOne(t)
	refs := refsOf(g, l)
	delete(refs, ld)
	err := func() (err error) {
		defer diag.Recover(&err)
		Build(g, l, refs, Options{})
		return nil
	}()
	require.True(t, diag.IsInvariantViolation(err), "%v", err)
	assert.Contains(t, err.Error(), "has no canonical address")
}

// a[2i + 2^33 + 16] = a[i + 2^32 + 16] on bytes with no iv bounds: the two
// accesses meet for iv near -2^32, so they must stay ordered
func TestUnboundedIVKeepsDifferentScalesOrdered(t *testing.T) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "far")
	a := b.Array("a", 16)
	b.Range(b.Param("lo", ir.TypeLong), b.Param("hi", ir.TypeLong), 1)
	src := b.Op(ir.OpAdd, ir.TypeLong, b.IV(), b.Const(1<<32+16))
	ld := b.Load(ir.TypeByte, b.Addr(a, src, ir.TypeByte, 0))
	dst := b.Op(ir.OpAdd, ir.TypeLong, b.Op(ir.OpMul, ir.TypeLong, b.IV(), b.Const(2)), b.Const(1<<33+16))
	_ = b.Store(ir.TypeByte, b.Addr(a, dst, ir.TypeByte, 0), ld)
	l := b.Build()

	dg := Build(g, l, refsOf(g, l), Options{AssumeNoAlias: true})
	assert.True(t, dg.HasUnknown())
	assert.Empty(t, dg.Speculated())
}

func TestSCC(t *testing.T) {
	// 0 -> 1 -> 2 -> 0, 2 -> 3, 4 -> 4
	edges := map[int][]int{0: {1}, 1: {2}, 2: {0, 3}, 4: {4}}
	succs := func(v int) []int { return edges[v] }
	comps := SCC(5, succs)
	assert.Len(t, comps, 3)
	assert.ElementsMatch(t, []int{3}, comps[0], "sinks come first")

	cycles := Cycles(5, succs)
	require.Len(t, cycles, 2)
	assert.ElementsMatch(t, []int{0, 1, 2}, cycles[0])
	assert.Equal(t, []int{4}, cycles[1])
}
