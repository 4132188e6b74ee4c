// Package memref canonicalizes array addresses inside a loop into the form
//
//	base + sum(coeff_k * var_k) + scale * iv + offset
//
// and answers whether two accesses can touch the same bytes. All address
// arithmetic uses no-overflow integers; a form with an overflowed part is
// invalid and every question about it is answered conservatively.
package memref

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/noovf"
)

// Term is one loop-invariant summand coeff * Var
type Term struct {
	Var   ir.NodeID
	Coeff noovf.Int
}

// MemRef is the canonical address of one load or store
type MemRef struct {
	Node   ir.NodeID
	Base   ir.NodeID
	Slice  ir.SliceID
	Type   ir.BasicType
	Size   int
	Scale  noovf.Int
	Offset noovf.Int
	Invar  []Term // sorted by Var, no zero coefficients
	Valid  bool
	Reason string // why the form is invalid
}

func (r *MemRef) String() string {
	if !r.Valid {
		return fmt.Sprintf("n%d: invalid (%s)", r.Node, r.Reason)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "n%d: n%d", r.Node, r.Base)
	for _, t := range r.Invar {
		fmt.Fprintf(&sb, " + %s*n%d", t.Coeff, t.Var)
	}
	fmt.Fprintf(&sb, " + %s*iv + %s [%d bytes]", r.Scale, r.Offset, r.Size)
	return sb.String()
}

// SameInvariants reports whether both forms have identical invariant parts
func (r *MemRef) SameInvariants(o *MemRef) bool {
	if len(r.Invar) != len(o.Invar) {
		return false
	}
	for i := range r.Invar {
		if r.Invar[i].Var != o.Invar[i].Var || !r.Invar[i].Coeff.Eq(o.Invar[i].Coeff) {
			return false
		}
	}
	return true
}

// form is a linear expression under construction
type form struct {
	scale  noovf.Int
	offset noovf.Int
	invar  map[ir.NodeID]noovf.Int
}

func newForm() *form {
	return &form{scale: noovf.Of(0), offset: noovf.Of(0), invar: make(map[ir.NodeID]noovf.Int)}
}

type canon struct {
	g       *ir.Graph
	l       *ir.Loop
	members map[ir.NodeID]bool
	ivLo    int64
	ivHi    int64
}

// Canonicalize computes the MemRef of the load or store mem inside l.
// Loop membership is taken from l as it is now.
func Canonicalize(g *ir.Graph, l *ir.Loop, mem ir.NodeID) *MemRef {
	n := g.Node(mem)
	r := &MemRef{Node: mem, Slice: n.Slice, Type: n.Type, Size: n.Type.Size() * n.Lanes}
	c := &canon{g: g, l: l, members: l.Members()}
	var known bool
	c.ivLo, c.ivHi, known = l.IVBounds()

	addr := g.Node(n.Arg(0))
	if addr == nil || addr.Op != ir.OpAddP {
		r.Reason = "address is not base plus offset"
		return r
	}
	base := g.Node(addr.Arg(0))
	if base == nil || c.members[base.ID] || base.Type != ir.TypePtr {
		r.Reason = "base is not a loop-invariant pointer"
		return r
	}
	r.Base = base.ID

	f := newForm()
	if err := c.walk(addr.Arg(1), noovf.Of(1), f); err != nil {
		r.Reason = err.Error()
		return r
	}
	r.Scale = f.scale
	r.Offset = f.offset
	for v, k := range f.invar {
		if k.IsZero() {
			continue
		}
		r.Invar = append(r.Invar, Term{Var: v, Coeff: k})
	}
	sort.Slice(r.Invar, func(i, j int) bool { return r.Invar[i].Var < r.Invar[j].Var })

	if r.Scale.IsOverflowed() || r.Offset.IsOverflowed() {
		r.Reason = "address arithmetic overflows"
		return r
	}
	for _, t := range r.Invar {
		if t.Coeff.IsOverflowed() {
			r.Reason = "invariant coefficient overflows"
			return r
		}
	}
	// With known bounds the address must stay representable for every iv in
	// range. Without them the form only holds modulo 2^64, and Compare sees
	// the full long range and never proves different scales apart.
	if known {
		if lo, hi := r.Scale.Mul(noovf.Of(c.ivLo)), r.Scale.Mul(noovf.Of(c.ivHi)); lo.Add(r.Offset).IsOverflowed() || hi.Add(r.Offset).IsOverflowed() {
			r.Reason = "address overflows over the iv range"
			return r
		}
	}
	r.Valid = true
	return r
}

// walk adds k * value(id) to f
func (c *canon) walk(id ir.NodeID, k noovf.Int, f *form) error {
	n := c.g.Node(id)
	if n == nil {
		return fmt.Errorf("missing node n%d", id)
	}
	if n.Op == ir.OpConst {
		f.offset = f.offset.Add(k.Mul(noovf.Of(n.AuxInt)))
		return nil
	}
	if !c.members[id] {
		f.invar[id] = f.invar[id].Add(k)
		return nil
	}
	if id == c.l.IV {
		f.scale = f.scale.Add(k)
		return nil
	}
	switch n.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpShl, ir.OpConv:
	default:
		return fmt.Errorf("%s in address is not linear", n.Op)
	}
	if !n.Type.IsInteger() {
		return fmt.Errorf("non-integer %s in address", n.Type)
	}

	// Sub-long arithmetic wraps, so it is only linear when its value
	// provably stays in range.
	if n.Type != ir.TypeLong {
		sub := newForm()
		if err := c.walkOp(n, noovf.Of(1), sub); err != nil {
			return err
		}
		if err := c.fits(sub, n.Type); err != nil {
			return err
		}
		merge(f, sub, k)
		return nil
	}
	return c.walkOp(n, k, f)
}

func (c *canon) walkOp(n *ir.Node, k noovf.Int, f *form) error {
	switch n.Op {
	case ir.OpAdd:
		if err := c.walk(n.Args[0], k, f); err != nil {
			return err
		}
		return c.walk(n.Args[1], k, f)
	case ir.OpSub:
		if err := c.walk(n.Args[0], k, f); err != nil {
			return err
		}
		return c.walk(n.Args[1], k.Neg(), f)
	case ir.OpMul:
		if v, ok := c.constOf(n.Args[1]); ok {
			return c.walk(n.Args[0], k.Mul(noovf.Of(v)), f)
		}
		if v, ok := c.constOf(n.Args[0]); ok {
			return c.walk(n.Args[1], k.Mul(noovf.Of(v)), f)
		}
		return fmt.Errorf("multiplication by a non-constant in address")
	case ir.OpShl:
		v, ok := c.constOf(n.Args[1])
		if !ok {
			return fmt.Errorf("shift by a non-constant in address")
		}
		return c.walk(n.Args[0], k.Mul(noovf.Of(1).Shl(noovf.Of(v))), f)
	case ir.OpConv:
		from := c.g.Node(n.Args[0])
		if !from.Type.IsInteger() {
			return fmt.Errorf("conversion from %s in address", from.Type)
		}
		return c.walk(n.Args[0], k, f)
	}
	return fmt.Errorf("%s in address is not linear", n.Op)
}

func (c *canon) constOf(id ir.NodeID) (int64, bool) {
	n := c.g.Node(id)
	if n == nil || n.Op != ir.OpConst {
		return 0, false
	}
	return n.AuxInt, true
}

// fits checks that a sub-long expression cannot wrap for any iv in range
func (c *canon) fits(f *form, t ir.BasicType) error {
	for _, k := range f.invar {
		if !k.IsZero() {
			return fmt.Errorf("%s arithmetic with invariants may wrap", t)
		}
	}
	lo := f.scale.Mul(noovf.Of(c.ivLo)).Add(f.offset)
	hi := f.scale.Mul(noovf.Of(c.ivHi)).Add(f.offset)
	if !lo.FitsWidth(t.Size()) || !hi.FitsWidth(t.Size()) {
		return fmt.Errorf("%s arithmetic may wrap over the iv range", t)
	}
	if t.IsUnsigned() && (lo.Less(noovf.Of(0)) || hi.Less(noovf.Of(0))) {
		return fmt.Errorf("%s arithmetic may go negative", t)
	}
	return nil
}

func merge(dst, src *form, k noovf.Int) {
	dst.scale = dst.scale.Add(src.scale.Mul(k))
	dst.offset = dst.offset.Add(src.offset.Mul(k))
	for v, c := range src.invar {
		dst.invar[v] = dst.invar[v].Add(c.Mul(k))
	}
}
