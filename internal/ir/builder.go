package ir

import "math/bits"

// ArrayHeader is the byte offset of element zero from an array base
const ArrayHeader = 16

// LoopBuilder assembles a counted loop. Params and constants live outside
// every loop and are available everywhere.
type LoopBuilder struct {
	g *Graph
	l *Loop
}

// NewLoopBuilder starts a loop with id 1 and a fresh induction variable
func NewLoopBuilder(g *Graph, name string) *LoopBuilder {
	l := &Loop{ID: 1, Name: name, Stride: 1, Unroll: 1}
	iv := g.Add(Node{Op: OpIV, Type: TypeLong, Loop: l.ID, Name: "i"})
	l.IV = iv.ID
	return &LoopBuilder{g: g, l: l}
}

// Graph returns the graph under construction
func (b *LoopBuilder) Graph() *Graph { return b.g }

// IV returns the induction variable
func (b *LoopBuilder) IV() NodeID { return b.l.IV }

// Param declares a scalar parameter
func (b *LoopBuilder) Param(name string, t BasicType) NodeID {
	if n := b.g.ParamByName(name); n != nil {
		return n.ID
	}
	return b.g.Add(Node{Op: OpParam, Type: t, Name: name}).ID
}

// Array declares an array parameter whose base is aligned to align bytes
func (b *LoopBuilder) Array(name string, align int) NodeID {
	id := b.Param(name, TypePtr)
	b.g.Node(id).Align = align
	return id
}

// Const returns a long constant
func (b *LoopBuilder) Const(v int64) NodeID {
	return b.g.Const(TypeLong, v).ID
}

// ConstOf returns a constant of type t
func (b *LoopBuilder) ConstOf(t BasicType, v int64) NodeID {
	return b.g.Const(t, v).ID
}

// ConstFloat returns a float or double constant
func (b *LoopBuilder) ConstFloat(t BasicType, f float64) NodeID {
	return b.g.ConstFloat(t, f).ID
}

// Range sets the iteration space
func (b *LoopBuilder) Range(init, limit NodeID, stride int64) *LoopBuilder {
	b.l.Init, b.l.Limit, b.l.Stride = init, limit, stride
	return b
}

// Bounds records the known range of the induction variable
func (b *LoopBuilder) Bounds(lo, hi int64) *LoopBuilder {
	b.l.IVLo, b.l.IVHi, b.l.IVKnown = lo, hi, true
	return b
}

// Safepoint appends a safepoint before the check point
func (b *LoopBuilder) Safepoint() NodeID {
	id := b.g.Add(Node{Op: OpSafepoint, Type: TypeVoid}).ID
	b.l.Entry = append(b.l.Entry, id)
	return id
}

// Entry appends a node that runs before the check point
func (b *LoopBuilder) Entry(op Op, t BasicType, args ...NodeID) NodeID {
	id := b.g.New(op, t, args...).ID
	b.l.Entry = append(b.l.Entry, id)
	return id
}

// Preheader appends a node that runs after the check point, right before
// the loop
func (b *LoopBuilder) Preheader(op Op, t BasicType, args ...NodeID) NodeID {
	id := b.g.New(op, t, args...).ID
	b.l.Preheader = append(b.l.Preheader, id)
	return id
}

// Phi declares a loop-carried value; its backedge is set with SetBackedge
func (b *LoopBuilder) Phi(name string, t BasicType, init NodeID) NodeID {
	n := b.g.Add(Node{Op: OpPhi, Type: t, Args: []NodeID{init, NoNode}, Loop: b.l.ID, Name: name})
	b.l.Phis = append(b.l.Phis, n.ID)
	return n.ID
}

// SetBackedge sets the value a phi takes at the end of every iteration
func (b *LoopBuilder) SetBackedge(phi, v NodeID) {
	b.g.Node(phi).Args[1] = v
}

// Op appends an arithmetic node to the body
func (b *LoopBuilder) Op(op Op, t BasicType, args ...NodeID) NodeID {
	n := b.g.Add(Node{Op: op, Type: t, Args: args, Loop: b.l.ID})
	b.l.Body = append(b.l.Body, n.ID)
	return n.ID
}

// Addr computes base + ArrayHeader + (index + offset) * size(t) in the body
func (b *LoopBuilder) Addr(base, index NodeID, t BasicType, offset int64) NodeID {
	if idx := b.g.Node(index); idx.Type != TypeLong {
		index = b.Op(OpConv, TypeLong, index)
	}
	scaled := index
	if sz := t.Size(); sz > 1 {
		scaled = b.Op(OpShl, TypeLong, index, b.Const(int64(bits.TrailingZeros(uint(sz)))))
	}
	off := b.Op(OpAdd, TypeLong, scaled, b.Const(ArrayHeader+offset*int64(t.Size())))
	return b.Op(OpAddP, TypePtr, base, off)
}

// Load reads t from addr in the default slice of t
func (b *LoopBuilder) Load(t BasicType, addr NodeID) NodeID {
	return b.LoadSlice(DefaultSlice(t), t, addr)
}

// LoadSlice reads t from addr in a named slice
func (b *LoopBuilder) LoadSlice(slice string, t BasicType, addr NodeID) NodeID {
	n := b.g.Add(Node{Op: OpLoad, Type: t, Args: []NodeID{addr}, Slice: b.g.Slice(slice), Loop: b.l.ID})
	b.l.Body = append(b.l.Body, n.ID)
	return n.ID
}

// Store writes v of type t to addr in the default slice of t
func (b *LoopBuilder) Store(t BasicType, addr, v NodeID) NodeID {
	return b.StoreSlice(DefaultSlice(t), t, addr, v)
}

// StoreSlice writes v of type t to addr in a named slice
func (b *LoopBuilder) StoreSlice(slice string, t BasicType, addr, v NodeID) NodeID {
	n := b.g.Add(Node{Op: OpStore, Type: t, Args: []NodeID{addr, v}, Slice: b.g.Slice(slice), Loop: b.l.ID})
	b.l.Body = append(b.l.Body, n.ID)
	return n.ID
}

// Build returns the finished loop
func (b *LoopBuilder) Build() *Loop {
	return b.l
}

// DefaultSlice is the alias class of plain array accesses of t: arrays of
// the same element type may alias, arrays of different types never do.
func DefaultSlice(t BasicType) string {
	return t.String() + "[]"
}
