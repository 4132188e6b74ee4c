// Package reduction finds loop-carried accumulation chains and decides how
// each one can take part in vectorization.
package reduction

import (
	"fmt"

	"github.com/xyproto/superword/internal/ir"
)

// Mode is how a reduction chain is vectorized
type Mode uint8

const (
	// Unordered keeps per-lane partial results in a vector accumulator and
	// combines them once after the loop
	Unordered Mode = iota
	// InLoopOrdered combines every vector of inputs into the scalar
	// accumulator inside the loop, lane by lane, in source order
	InLoopOrdered
	// Scalar keeps the chain scalar; only its inputs are vectorized
	Scalar
)

func (m Mode) String() string {
	switch m {
	case Unordered:
		return "unordered"
	case InLoopOrdered:
		return "in-loop-ordered"
	default:
		return "scalar"
	}
}

// Chain is one phi-rooted accumulation cycle: phi -> Ops[0] -> ... -> Ops[n-1] -> phi
type Chain struct {
	Phi      ir.NodeID
	Ops      []ir.NodeID
	Inputs   []ir.NodeID // the non-chain operand of each op
	Op       ir.Op       // the common op, OpInvalid when the chain is broken
	Type     ir.BasicType
	Broken   bool
	Segments [][]ir.NodeID // maximal runs of one op

	Reorderable bool
	StrictOrder bool
	SingleUse   bool
	Mode        Mode
	Reason      string
}

// Options tune the analysis
type Options struct {
	RelaxedFloat bool // float add and mul may be reassociated
	Hoist        bool // allow moving reorderable chains out of the loop
}

// accumulators are the ops that can carry a reduction
var accumulators = map[ir.Op]bool{
	ir.OpAdd: true, ir.OpSub: true, ir.OpMul: true,
	ir.OpAnd: true, ir.OpOr: true, ir.OpXor: true,
	ir.OpMin: true, ir.OpMax: true,
}

// FindReductions returns the reduction chains of l. Membership is computed
// from the loop as it is now: a phi that belongs to another loop, for
// example one left behind when an inner loop was peeled away, is ignored.
func FindReductions(g *ir.Graph, l *ir.Loop, opts Options) []*Chain {
	members := l.Members()
	uses := g.Uses(append(append([]ir.NodeID(nil), l.Phis...), l.Body...))

	var chains []*Chain
	for _, p := range l.Phis {
		phi := g.Node(p)
		if phi == nil || phi.Op != ir.OpPhi || phi.Loop != l.ID || !members[p] {
			continue
		}
		c, err := walkChain(g, l, members, p)
		if err != nil {
			continue
		}
		classify(g, c, uses, opts)
		chains = append(chains, c)
	}
	return chains
}

// walkChain follows the backedge of p back to p
func walkChain(g *ir.Graph, l *ir.Loop, members map[ir.NodeID]bool, p ir.NodeID) (*Chain, error) {
	var ops, inputs []ir.NodeID
	cur := ir.Backedge(g, p)
	for steps := 0; cur != p; steps++ {
		if steps > len(l.Body) {
			return nil, fmt.Errorf("chain of n%d does not close", p)
		}
		n := g.Node(cur)
		if n == nil || !members[cur] || n.Loop != l.ID || len(n.Args) != 2 || n.IsVector() {
			return nil, fmt.Errorf("n%d is not a binary loop op", cur)
		}
		onChain := -1
		for i, a := range n.Args {
			if a == p || reachesPhi(g, members, a, p) {
				if onChain >= 0 {
					return nil, fmt.Errorf("n%d uses the accumulator twice", cur)
				}
				onChain = i
			}
		}
		if onChain < 0 {
			return nil, fmt.Errorf("n%d is not on the chain", cur)
		}
		ops = append(ops, cur)
		inputs = append(inputs, n.Args[1-onChain])
		if onChain == 1 && !n.Op.Info().Commutative {
			// x - acc and friends cannot be expressed as acc op x
			return nil, fmt.Errorf("n%d takes the accumulator on the right", cur)
		}
		cur = n.Args[onChain]
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("n%d has no chain", p)
	}
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
		inputs[i], inputs[j] = inputs[j], inputs[i]
	}
	return &Chain{Phi: p, Ops: ops, Inputs: inputs, Type: g.Node(p).Type}, nil
}

// reachesPhi reports whether the loop value id depends on p within one
// iteration
func reachesPhi(g *ir.Graph, members map[ir.NodeID]bool, id, p ir.NodeID) bool {
	seen := make(map[ir.NodeID]bool)
	var walk func(ir.NodeID) bool
	walk = func(id ir.NodeID) bool {
		if id == p {
			return true
		}
		if seen[id] || !members[id] {
			return false
		}
		seen[id] = true
		n := g.Node(id)
		if n.Op == ir.OpPhi || n.Op == ir.OpIV {
			return false
		}
		for _, a := range n.Args {
			if walk(a) {
				return true
			}
		}
		return false
	}
	return walk(id)
}

func classify(g *ir.Graph, c *Chain, uses map[ir.NodeID][]ir.NodeID, opts Options) {
	first := g.Node(c.Ops[0]).Op
	c.Op = first
	var seg []ir.NodeID
	for _, id := range c.Ops {
		op := g.Node(id).Op
		if !accumulators[op] || op != first {
			c.Broken = true
		}
		if len(seg) > 0 && g.Node(seg[0]).Op != op {
			c.Segments = append(c.Segments, seg)
			seg = nil
		}
		seg = append(seg, id)
	}
	c.Segments = append(c.Segments, seg)
	if c.Broken {
		c.Op = ir.OpInvalid
	}

	// the accumulator and every intermediate value feed only the next step
	c.SingleUse = len(uses[c.Phi]) == 1
	for _, id := range c.Ops {
		if len(uses[id]) != 1 {
			c.SingleUse = false
		}
	}

	if !c.Broken {
		c.Reorderable = c.Op.ReorderableFor(c.Type, opts.RelaxedFloat)
		c.StrictOrder = c.Type.IsFloat() && c.Op.Info().FloatOrder && !opts.RelaxedFloat
	}

	switch {
	case c.Broken:
		c.Mode = Scalar
		c.Reason = fmt.Sprintf("chain is broken into %d segments", len(c.Segments))
	case !c.SingleUse:
		c.Mode = Scalar
		c.Reason = "accumulator is read inside the loop"
	case c.Reorderable && opts.Hoist && hasIdentity(c):
		c.Mode = Unordered
		c.Reason = "reduction moved out of the loop"
	case len(c.Ops) == 1:
		c.Mode = InLoopOrdered
		c.Reason = "reduction kept in order inside the loop"
	default:
		c.Mode = Scalar
		c.Reason = "ordered chain has several steps per iteration"
	}
}

func hasIdentity(c *Chain) bool {
	_, ok := c.Op.Identity(c.Type)
	return ok
}

// OnChain returns the chain containing id as an op, or nil
func OnChain(chains []*Chain, id ir.NodeID) *Chain {
	for _, c := range chains {
		for _, op := range c.Ops {
			if op == id {
				return c
			}
		}
	}
	return nil
}

// Window is a chain mapped onto an unrolled loop: Ops[k][j] is step j of
// the chain in copy k.
type Window struct {
	Chain  *Chain
	Phi    ir.NodeID
	Ops    [][]ir.NodeID
	Inputs [][]ir.NodeID
}

// Unrolled maps c onto the copies of u
func (c *Chain) Unrolled(u *ir.Unrolled) *Window {
	w := &Window{Chain: c, Phi: u.PhiMap[c.Phi]}
	for _, cp := range u.Copies {
		ops := make([]ir.NodeID, len(c.Ops))
		in := make([]ir.NodeID, len(c.Inputs))
		for j, id := range c.Ops {
			ops[j] = cp[id]
		}
		for j, id := range c.Inputs {
			if m, ok := cp[id]; ok {
				in[j] = m
			} else {
				in[j] = id
			}
		}
		w.Ops = append(w.Ops, ops)
		w.Inputs = append(w.Inputs, in)
	}
	return w
}

// Contains reports whether id is a step of the chain in any copy
func (w *Window) Contains(id ir.NodeID) bool {
	for _, ops := range w.Ops {
		for _, op := range ops {
			if op == id {
				return true
			}
		}
	}
	return false
}
