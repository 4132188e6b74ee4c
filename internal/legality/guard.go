package legality

import (
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/memref"
)

// RuntimeCheck is the disjointness predicate of a guard. Nodes lists every
// node the check evaluates, in order, ending with Pred.
type RuntimeCheck struct {
	Ctrl  ir.NodeID
	Nodes []ir.NodeID
	Pred  ir.NodeID
}

// BuildCheck emits the runtime test that every pair of accesses touches
// disjoint byte ranges over the whole iteration space of l. Address casts
// are pinned to a control point after the last safepoint of the loop entry.
func BuildCheck(g *ir.Graph, l *ir.Loop, pairs [][2]*memref.MemRef) *RuntimeCheck {
	var safepoint ir.NodeID
	for _, id := range l.Entry {
		if g.Node(id).Op == ir.OpSafepoint {
			safepoint = id
		}
	}
	ctrl := g.Add(ir.Node{Op: ir.OpCtrl, Type: ir.TypeVoid})
	if safepoint != ir.NoNode {
		ctrl.Args = []ir.NodeID{safepoint}
	}
	c := &RuntimeCheck{Ctrl: ctrl.ID}
	emit := func(n *ir.Node) ir.NodeID {
		c.Nodes = append(c.Nodes, n.ID)
		return n.ID
	}
	last := emit(g.New(ir.OpSub, ir.TypeLong, l.Limit, emit(g.Const(ir.TypeLong, 1))))

	type span struct{ low, high ir.NodeID }
	spans := make(map[ir.NodeID]span)
	spanOf := func(r *memref.MemRef) span {
		if s, ok := spans[r.Node]; ok {
			return s
		}
		first, final := l.Init, last
		if r.Scale.MustValue() < 0 {
			first, final = last, l.Init
		}
		addr := func(iv ir.NodeID, extra int64) ir.NodeID {
			nodes := memref.Rebuild(g, r, iv, extra)
			c.Nodes = append(c.Nodes, nodes...)
			cast := g.New(ir.OpCastP2X, ir.TypeLong, nodes[len(nodes)-1])
			cast.Ctrl = ctrl.ID
			return emit(cast)
		}
		s := span{low: addr(first, 0), high: addr(final, int64(r.Size))}
		spans[r.Node] = s
		return s
	}

	var pred ir.NodeID
	for _, pr := range pairs {
		a, b := spanOf(pr[0]), spanOf(pr[1])
		before := emit(g.New(ir.OpCmpLE, ir.TypeBool, a.high, b.low))
		after := emit(g.New(ir.OpCmpLE, ir.TypeBool, b.high, a.low))
		disjoint := emit(g.New(ir.OpOrB, ir.TypeBool, before, after))
		if pred == ir.NoNode {
			pred = disjoint
		} else {
			pred = emit(g.New(ir.OpAndB, ir.TypeBool, pred, disjoint))
		}
	}
	if pred == ir.NoNode {
		pred = emit(g.Const(ir.TypeBool, 1))
	}
	c.Pred = pred
	return c
}
