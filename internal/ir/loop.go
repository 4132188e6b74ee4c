package ir

import (
	"fmt"
	"math"
)

// LoopKind tells which role a loop plays in a program
type LoopKind uint8

const (
	LoopOriginal LoopKind = iota
	LoopPre               // scalar iterations peeled for alignment
	LoopMain              // vectorized body
	LoopPost              // scalar remainder
	LoopSlow              // scalar clone selected when a guard fails
)

func (k LoopKind) String() string {
	switch k {
	case LoopOriginal:
		return "original"
	case LoopPre:
		return "pre"
	case LoopMain:
		return "main"
	case LoopPost:
		return "post"
	case LoopSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Loop is a counted loop: for iv := Init; iv < Limit; iv += Stride { Body }.
// At the end of every iteration each phi takes the value of its backedge.
type Loop struct {
	ID     LoopID
	Name   string
	Parent LoopID
	Kind   LoopKind
	IV     NodeID
	Init   NodeID
	Limit  NodeID
	Stride int64

	// Known bounds of the iv over the whole loop; only meaningful when
	// IVKnown is set.
	IVLo, IVHi int64
	IVKnown    bool

	Body []NodeID // program order
	Phis []NodeID

	// Entry nodes run before the point where a loop check can be inserted
	// and may contain safepoints. Preheader nodes run after that point.
	Entry     []NodeID
	Preheader []NodeID

	Unroll int
	Guard  GuardID // guard selecting this loop, 0 if none
}

// Members computes loop membership from the current body. Nothing is cached:
// loop-structure changes are always observed.
func (l *Loop) Members() map[NodeID]bool {
	m := make(map[NodeID]bool, len(l.Body)+len(l.Phis)+1)
	m[l.IV] = true
	for _, id := range l.Phis {
		m[id] = true
	}
	for _, id := range l.Body {
		m[id] = true
	}
	return m
}

// Contains reports whether id is the iv, a phi or a body node of l
func (l *Loop) Contains(id NodeID) bool {
	if id == l.IV {
		return true
	}
	for _, p := range l.Phis {
		if p == id {
			return true
		}
	}
	for _, b := range l.Body {
		if b == id {
			return true
		}
	}
	return false
}

// IVBounds returns the known iv range, or the full long range
func (l *Loop) IVBounds() (int64, int64, bool) {
	if !l.IVKnown {
		return math.MinInt64, math.MaxInt64, false
	}
	return l.IVLo, l.IVHi, true
}

// Backedge returns the backedge value of a phi
func Backedge(g *Graph, phi NodeID) NodeID {
	n := g.Node(phi)
	if n == nil || n.Op != OpPhi {
		return NoNode
	}
	return n.Arg(1)
}

// CloneLoop copies the iv, phis and body of l into fresh nodes tagged with
// id. Arguments from outside the loop are shared. The returned map sends
// old ids to new ids.
func CloneLoop(g *Graph, l *Loop, id LoopID, kind LoopKind) (*Loop, map[NodeID]NodeID) {
	m := make(map[NodeID]NodeID)
	clone := func(old NodeID) NodeID {
		n := *g.Node(old)
		n.Loop = id
		c := g.Add(n)
		m[old] = c.ID
		return c.ID
	}
	clone(l.IV)
	for _, p := range l.Phis {
		clone(p)
	}
	for _, b := range l.Body {
		clone(b)
	}
	remap := func(a NodeID) NodeID {
		if r, ok := m[a]; ok {
			return r
		}
		return a
	}
	for _, newID := range m {
		n := g.Node(newID)
		for i, a := range n.Args {
			if n.Op == OpPhi && i == 0 {
				continue
			}
			n.Args[i] = remap(a)
		}
	}
	nl := *l
	nl.ID = id
	nl.Kind = kind
	nl.Guard = 0
	nl.IV = m[l.IV]
	nl.Phis = make([]NodeID, len(l.Phis))
	for i, p := range l.Phis {
		nl.Phis[i] = m[p]
	}
	nl.Body = make([]NodeID, len(l.Body))
	for i, b := range l.Body {
		nl.Body[i] = m[b]
	}
	nl.Entry = nil
	nl.Preheader = nil
	return &nl, m
}

// Unrolled is the result of Unroll. Copies[k] maps an original body node or
// phi to its image in copy k; for phis the image is the value the phi has
// when copy k starts.
type Unrolled struct {
	Loop   *Loop
	Copies []map[NodeID]NodeID
	// PhiMap sends an original phi to the unrolled loop's phi
	PhiMap map[NodeID]NodeID
}

// Unroll builds a new loop whose body is factor consecutive copies of l's
// body. Copy k sees iv + k*stride; phi chains are threaded from copy to copy
// and the last copy feeds the backedge. l itself is not modified.
func Unroll(g *Graph, l *Loop, factor int, id LoopID) (*Unrolled, error) {
	if factor < 1 {
		return nil, fmt.Errorf("invalid unroll factor %d", factor)
	}
	if l.Stride <= 0 {
		return nil, fmt.Errorf("loop %q has non-positive stride %d", l.Name, l.Stride)
	}
	if _, ok := mulNoWrap(l.Stride, int64(factor)); !ok {
		return nil, fmt.Errorf("unrolled stride of loop %q overflows", l.Name)
	}

	ivNode := *g.Node(l.IV)
	ivNode.Loop = id
	iv := g.Add(ivNode)

	phiMap := make(map[NodeID]NodeID, len(l.Phis))
	for _, p := range l.Phis {
		n := *g.Node(p)
		n.Loop = id
		phiMap[p] = g.Add(n).ID
	}

	u := &Unrolled{PhiMap: phiMap}
	var body []NodeID
	copies := make([]map[NodeID]NodeID, factor)
	for k := 0; k < factor; k++ {
		copies[k] = make(map[NodeID]NodeID)
		ivk := iv.ID
		if k > 0 {
			off := g.Const(TypeLong, int64(k)*l.Stride)
			off.Loop = id
			off.Iter = k
			add := g.New(OpAdd, TypeLong, iv.ID, off.ID)
			add.Loop = id
			add.Iter = k
			body = append(body, off.ID, add.ID)
			ivk = add.ID
		}
		copies[k][l.IV] = ivk
		for _, p := range l.Phis {
			if k == 0 {
				copies[k][p] = phiMap[p]
			} else {
				copies[k][p] = image(copies[k-1], Backedge(g, p))
			}
		}
		for _, b := range l.Body {
			n := *g.Node(b)
			n.Loop = id
			n.Iter = k
			n.Args = append([]NodeID(nil), n.Args...)
			for i, a := range n.Args {
				n.Args[i] = image(copies[k], a)
			}
			c := g.Add(n)
			copies[k][b] = c.ID
			body = append(body, c.ID)
		}
	}
	for _, p := range l.Phis {
		np := g.Node(phiMap[p])
		np.Args[1] = image(copies[factor-1], Backedge(g, p))
	}

	nl := *l
	nl.ID = id
	nl.IV = iv.ID
	nl.Stride = l.Stride * int64(factor)
	nl.Unroll = factor
	nl.Body = body
	nl.Phis = make([]NodeID, len(l.Phis))
	for i, p := range l.Phis {
		nl.Phis[i] = phiMap[p]
	}
	u.Loop = &nl
	u.Copies = copies
	return u, nil
}

// image resolves a value of the original loop inside one unrolled copy
func image(copyMap map[NodeID]NodeID, a NodeID) NodeID {
	if r, ok := copyMap[a]; ok {
		return r
	}
	return a
}

func mulNoWrap(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	if c/b != a {
		return 0, false
	}
	return c, true
}

// LoopOutputs reports the final value of every phi of l under its name
func LoopOutputs(g *Graph, l *Loop) []Output {
	out := make([]Output, 0, len(l.Phis))
	for _, p := range l.Phis {
		name := g.Node(p).Name
		if name == "" {
			name = fmt.Sprintf("n%d", p)
		}
		out = append(out, Output{Name: name, Node: p})
	}
	return out
}
