package reduction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/superword/internal/ir"
)

type sumLoop struct {
	g   *ir.Graph
	b   *ir.LoopBuilder
	phi ir.NodeID
	x   ir.NodeID
}

// s += 11 * a[i] over elements of type t
func newSum(t *testing.T, typ ir.BasicType, op ir.Op) *sumLoop {
	t.Helper()
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "sum")
	a := b.Array("a", 8)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1)
	var zero ir.NodeID
	if typ.IsFloat() {
		zero = b.ConstFloat(typ, 0)
	} else {
		zero = b.ConstOf(typ, 0)
	}
	s := b.Phi("s", typ, zero)
	x := b.Load(typ, b.Addr(a, b.IV(), typ, 0))
	var k ir.NodeID
	if typ.IsFloat() {
		k = b.ConstFloat(typ, 11)
	} else {
		k = b.ConstOf(typ, 11)
	}
	m := b.Op(ir.OpMul, typ, k, x)
	b.SetBackedge(s, b.Op(op, typ, s, m))
	return &sumLoop{g: g, b: b, phi: s, x: m}
}

func TestIntegerSumIsHoisted(t *testing.T) {
	s := newSum(t, ir.TypeInt, ir.OpAdd)
	chains := FindReductions(s.g, s.b.Build(), Options{Hoist: true})
	require.Len(t, chains, 1)
	c := chains[0]
	assert.Equal(t, s.phi, c.Phi)
	assert.Equal(t, ir.OpAdd, c.Op)
	assert.Equal(t, []ir.NodeID{s.x}, c.Inputs)
	assert.True(t, c.Reorderable)
	assert.True(t, c.SingleUse)
	assert.False(t, c.StrictOrder)
	assert.Equal(t, Unordered, c.Mode)

	kept := FindReductions(s.g, s.b.Build(), Options{Hoist: false})
	assert.Equal(t, InLoopOrdered, kept[0].Mode)
}

func TestStrictFloatStaysOrdered(t *testing.T) {
	s := newSum(t, ir.TypeDouble, ir.OpAdd)
	l := s.b.Build()
	c := FindReductions(s.g, l, Options{Hoist: true})[0]
	assert.True(t, c.StrictOrder)
	assert.False(t, c.Reorderable)
	assert.Equal(t, InLoopOrdered, c.Mode)

	relaxed := FindReductions(s.g, l, Options{Hoist: true, RelaxedFloat: true})[0]
	assert.Equal(t, Unordered, relaxed.Mode)

	// min and max reassociate exactly, even on doubles
	m := newSum(t, ir.TypeDouble, ir.OpMax)
	assert.Equal(t, Unordered, FindReductions(m.g, m.b.Build(), Options{Hoist: true})[0].Mode)
}

func TestAccumulatorReadInsideTheLoop(t *testing.T) {
	s := newSum(t, ir.TypeInt, ir.OpAdd)
	out := s.b.Array("out", 8)
	s.b.Store(ir.TypeInt, s.b.Addr(out, s.b.IV(), ir.TypeInt, 0), s.phi)
	c := FindReductions(s.g, s.b.Build(), Options{Hoist: true})[0]
	assert.False(t, c.SingleUse)
	assert.Equal(t, Scalar, c.Mode)
}

// s = (s + x) ^ y mixes two ops; the chain is split into segments and left
// scalar while its inputs still vectorize
func TestBrokenChainHasSegments(t *testing.T) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "mixed")
	a := b.Array("a", 8)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1)
	s := b.Phi("s", ir.TypeInt, b.ConstOf(ir.TypeInt, 0))
	x := b.Load(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0))
	y := b.Load(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 1))
	add := b.Op(ir.OpAdd, ir.TypeInt, s, x)
	xor := b.Op(ir.OpXor, ir.TypeInt, add, y)
	b.SetBackedge(s, xor)

	c := FindReductions(g, b.Build(), Options{Hoist: true})[0]
	assert.True(t, c.Broken)
	assert.Equal(t, [][]ir.NodeID{{add}, {xor}}, c.Segments)
	assert.Equal(t, []ir.NodeID{x, y}, c.Inputs)
	assert.Equal(t, Scalar, c.Mode)
}

// A phi that the loop still lists but whose node now belongs to another
// loop is not a reduction of this one.
func TestPeeledOutPhiIsIgnored(t *testing.T) {
	s := newSum(t, ir.TypeInt, ir.OpAdd)
	l := s.b.Build()
	require.Len(t, FindReductions(s.g, l, Options{Hoist: true}), 1)

	s.g.Node(s.phi).Loop = 2
	assert.Empty(t, FindReductions(s.g, l, Options{Hoist: true}))

	s.g.Node(s.phi).Loop = l.ID
	l.Body = l.Body[:len(l.Body)-1] // the accumulating add moved out
	assert.Empty(t, FindReductions(s.g, l, Options{Hoist: true}))
}

func TestSubtractFromAccumulator(t *testing.T) {
	s := newSum(t, ir.TypeInt, ir.OpSub)
	c := FindReductions(s.g, s.b.Build(), Options{Hoist: true})[0]
	assert.False(t, c.Reorderable)
	assert.Equal(t, InLoopOrdered, c.Mode)
}
