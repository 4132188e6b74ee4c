package memref

import (
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/noovf"
)

// Verdict is the answer to "can these two accesses touch the same bytes"
type Verdict uint8

const (
	// Disjoint: no byte is shared for any iv in range
	Disjoint Verdict = iota
	// Overlap: the accesses share bytes in the same iteration
	Overlap
	// Unknown: nothing could be proven, the accesses may alias
	Unknown
)

func (v Verdict) String() string {
	switch v {
	case Disjoint:
		return "disjoint"
	case Overlap:
		return "overlap"
	default:
		return "unknown"
	}
}

// Compare decides whether a and b, executed in the same iteration of a
// loop whose iv lies in [ivLo, ivHi], can overlap. A missing form may alias
// anything.
func Compare(a, b *MemRef, ivLo, ivHi int64) Verdict {
	if a == nil || b == nil {
		return Unknown
	}
	if a.Slice != b.Slice {
		return Disjoint
	}
	if !a.Valid || !b.Valid {
		return Unknown
	}
	if a.Base != b.Base || !a.SameInvariants(b) {
		return Unknown
	}
	// distance d(iv) = addr(a) - addr(b); the accesses overlap exactly when
	// -size(a) < d < size(b)
	ds := a.Scale.Sub(b.Scale)
	do := a.Offset.Sub(b.Offset)
	lowOK := noovf.Of(-int64(a.Size))
	highOK := noovf.Of(int64(b.Size))
	if ds.IsZero() {
		if do.IsOverflowed() {
			return Unknown
		}
		if lowOK.Less(do) && do.Less(highOK) {
			return Overlap
		}
		return Disjoint
	}
	d1 := ds.Mul(noovf.Of(ivLo)).Add(do)
	d2 := ds.Mul(noovf.Of(ivHi)).Add(do)
	if d1.IsOverflowed() || d2.IsOverflowed() {
		return Unknown
	}
	dmin, dmax := d1, d2
	if d2.Less(d1) {
		dmin, dmax = d2, d1
	}
	// d is linear in iv; treating [dmin, dmax] as dense is conservative
	if dmin.Less(highOK) && lowOK.Less(dmax) {
		return Unknown
	}
	return Disjoint
}

// Adjacent reports whether b starts exactly where a ends and both belong
// to the same linear address family
func Adjacent(a, b *MemRef) bool {
	if !a.Valid || !b.Valid || a.Slice != b.Slice || a.Base != b.Base {
		return false
	}
	if a.Type.Size() != b.Type.Size() || !a.Scale.Eq(b.Scale) || !a.SameInvariants(b) {
		return false
	}
	return b.Offset.Sub(a.Offset).Eq(noovf.Of(int64(a.Size)))
}

// OffsetDiff returns b.Offset - a.Offset when both forms are comparable
func OffsetDiff(a, b *MemRef) (int64, bool) {
	if !a.Valid || !b.Valid || a.Base != b.Base || !a.Scale.Eq(b.Scale) || !a.SameInvariants(b) {
		return 0, false
	}
	return b.Offset.Sub(a.Offset).Value()
}

// AlignCompatible reports whether aligning ref to vw bytes also aligns r.
// The bases must be the same, or both guaranteed vw-aligned.
func AlignCompatible(g *ir.Graph, ref, r *MemRef, vw int) bool {
	if !ref.Valid || !r.Valid {
		return false
	}
	if ref.Base != r.Base {
		bref, br := g.Node(ref.Base), g.Node(r.Base)
		if bref.Align < vw || br.Align < vw {
			return false
		}
	}
	if !ref.SameInvariants(r) || !ref.Scale.Eq(r.Scale) {
		return false
	}
	d := r.Offset.Sub(ref.Offset).Mod(int64(vw))
	return d.IsZero()
}

// Rebuild emits nodes computing the address of r for the iv value iv, plus
// extra bytes. The new nodes are returned in evaluation order; the last one
// is the address.
func Rebuild(g *ir.Graph, r *MemRef, iv ir.NodeID, extra int64) []ir.NodeID {
	var out []ir.NodeID
	emit := func(n *ir.Node) ir.NodeID {
		out = append(out, n.ID)
		return n.ID
	}
	sum := emit(g.Const(ir.TypeLong, r.Offset.MustValue()+extra))
	if s := r.Scale.MustValue(); s != 0 {
		prod := emit(g.New(ir.OpMul, ir.TypeLong, iv, emit(g.Const(ir.TypeLong, s))))
		sum = emit(g.New(ir.OpAdd, ir.TypeLong, sum, prod))
	}
	for _, t := range r.Invar {
		v := t.Var
		if vn := g.Node(v); vn.Type != ir.TypeLong {
			v = emit(g.New(ir.OpConv, ir.TypeLong, v))
		}
		prod := emit(g.New(ir.OpMul, ir.TypeLong, v, emit(g.Const(ir.TypeLong, t.Coeff.MustValue()))))
		sum = emit(g.New(ir.OpAdd, ir.TypeLong, sum, prod))
	}
	emit(g.New(ir.OpAddP, ir.TypePtr, r.Base, sum))
	return out
}
