package slp

import (
	"fmt"
	"math/bits"

	"github.com/samber/lo"

	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/memref"
	"github.com/xyproto/superword/internal/reduction"
)

// splitPacks cuts every pack down to the lane limit and a power of two,
// then halves packs until their members are mutually independent and the
// target implements them. Packs of one member are dropped.
func (f *former) splitPacks() {
	var out []*Pack
	for _, p := range f.plan.Packs {
		out = append(out, f.normalize(p)...)
	}
	f.plan.Packs = out
}

// normalize cuts p into legal pieces of at least two members
func (f *former) normalize(p *Pack) []*Pack {
	var out []*Pack
	limit := f.maxLanes(p.Op, p.Members)
	for start := 0; start < len(p.Members); {
		n := min(limit, len(p.Members)-start)
		n = 1 << (bits.Len(uint(n)) - 1)
		out = append(out, f.legalPieces(&Pack{Members: p.Members[start : start+n], Op: p.Op, Type: p.Type})...)
		start += n
	}
	return out
}

// legalPieces halves p until every piece is independent and implemented
func (f *former) legalPieces(p *Pack) []*Pack {
	if len(p.Members) < 2 {
		return nil
	}
	reason := ""
	switch {
	case !f.ctx.Deps.MutuallyIndependent(p.Members):
		reason = "members depend on each other"
	case !f.implemented(p):
		reason = "no vector form on the target"
	default:
		return []*Pack{p}
	}
	f.log.Debug().Str("pack", p.String()).Str("reason", reason).Msg("halving pack")
	half := len(p.Members) / 2
	low := &Pack{Members: p.Members[:half], Op: p.Op, Type: p.Type}
	high := &Pack{Members: p.Members[half:], Op: p.Op, Type: p.Type}
	return append(f.legalPieces(low), f.legalPieces(high)...)
}

// operandLanes returns, per value operand position of p, the lane vector
// of arguments. Memory addresses are not operands.
func (f *former) operandLanes(p *Pack) [][]ir.NodeID {
	n := f.node(p.Members[0])
	first := 0
	switch n.Op {
	case ir.OpLoad:
		return nil
	case ir.OpStore:
		first = 1
	}
	var out [][]ir.NodeID
	for i := first; i < len(n.Args); i++ {
		lanes := make([]ir.NodeID, len(p.Members))
		for j, m := range p.Members {
			lanes[j] = f.node(m).Args[i]
		}
		out = append(out, lanes)
	}
	return out
}

// splitAtUseDefBoundaries splits a pack whose lanes are consumed piecewise
// by narrower packs, so every consumer finds its input as a whole pack
func (f *former) splitAtUseDefBoundaries() bool {
	changed := false
	for again := true; again; {
		again = false
		var consumers [][]ir.NodeID
		for _, p := range f.plan.Packs {
			consumers = append(consumers, f.operandLanes(p)...)
		}
		for _, r := range f.plan.Reductions {
			consumers = append(consumers, r.Input.Members)
		}
		for _, lanes := range consumers {
			q, at := f.plan.PackOf(lanes[0])
			if q == nil || len(q.Members) == len(lanes) && at == 0 {
				continue
			}
			end := at + len(lanes)
			if end > len(q.Members) || !equalIDs(q.Members[at:end], lanes) {
				continue
			}
			cuts := lo.Uniq([]int{0, at, end, len(q.Members)})
			f.plan.Packs = lo.Without(f.plan.Packs, q)
			for i := 0; i+1 < len(cuts); i++ {
				piece := &Pack{Members: q.Members[cuts[i]:cuts[i+1]], Op: q.Op, Type: q.Type}
				f.plan.Packs = append(f.plan.Packs, f.normalize(piece)...)
			}
			f.plan.Decisions = append(f.plan.Decisions, Decision{
				Kind:   Split,
				Packs:  [][]ir.NodeID{q.Members},
				Reason: fmt.Sprintf("consumer takes lanes %d..%d", at, end-1),
			})
			changed, again = true, true
			break
		}
	}
	return changed
}

func equalIDs(a, b []ir.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// filterInputs drops packs whose operands are neither a whole pack nor
// one scalar broadcast to every lane
func (f *former) filterInputs() bool {
	changed := false
	for again := true; again; {
		again = false
		for _, p := range f.plan.Packs {
			if reason := f.badInput(p); reason != "" {
				f.drop(p, reason)
				changed, again = true, true
				break
			}
		}
	}
	return changed
}

func (f *former) badInput(p *Pack) string {
	for i, lanes := range f.operandLanes(p) {
		if f.plan.Exact(lanes) != nil {
			continue
		}
		same := lo.EveryBy(lanes, func(id ir.NodeID) bool { return id == lanes[0] })
		if !same {
			return fmt.Sprintf("operand %d is not a pack", i)
		}
		if q, _ := f.plan.PackOf(lanes[0]); q != nil {
			return fmt.Sprintf("operand %d broadcasts one lane of %s", i, q)
		}
		if f.node(lanes[0]).Type != f.operandType(p, i) {
			return fmt.Sprintf("operand %d has a different type", i)
		}
	}
	return ""
}

// operandType is the element type a broadcast operand must have
func (f *former) operandType(p *Pack, i int) ir.BasicType {
	n := f.node(p.Members[0])
	if n.Op == ir.OpStore {
		return f.node(n.Args[1]).Type
	}
	return f.node(n.Args[i]).Type
}

// alignable reports whether r can serve as the alignment reference: the
// pre-loop must be able to reach an aligned address one element at a time,
// and every main loop iteration must advance by whole vectors
func (f *former) alignable(r *memref.MemRef) bool {
	l := f.ctx.Loop
	size := int64(r.Type.Size())
	scale, ok := r.Scale.Value()
	if !ok || !r.Valid || size == 0 || l.Unroll == 0 {
		return false
	}
	step := scale * (l.Stride / int64(l.Unroll))
	if step != size || (step*int64(l.Unroll))%int64(f.ctx.VectorBytes) != 0 {
		return false
	}
	if off, ok := r.Offset.Value(); !ok || off%size != 0 {
		return false
	}
	for _, t := range r.Invar {
		if c, ok := t.Coeff.Value(); !ok || c%size != 0 {
			return false
		}
	}
	return int64(f.node(r.Base).Align) >= size
}

// filterAlignment keeps, under strict alignment, only the memory packs
// that are aligned whenever the chosen reference is
func (f *former) filterAlignment() bool {
	if !f.ctx.AlignStrict {
		return false
	}
	var mems []*Pack
	for _, p := range f.plan.Packs {
		if p.Op.IsMemory() {
			mems = append(mems, p)
		}
	}
	if len(mems) == 0 {
		return false
	}
	vw := f.ctx.VectorBytes
	if f.plan.AlignRef == nil || !lo.SomeBy(mems, func(p *Pack) bool { return p.Members[0] == f.plan.AlignRef.Node }) {
		f.plan.AlignRef = nil
		best := -1
		for _, cand := range mems {
			r := f.ref(cand.Members[0])
			if !f.alignable(r) {
				continue
			}
			n := lo.CountBy(mems, func(p *Pack) bool { return memref.AlignCompatible(f.ctx.G, r, f.ref(p.Members[0]), vw) })
			isStore := cand.Op == ir.OpStore
			bestIsStore := f.plan.AlignRef != nil && f.node(f.plan.AlignRef.Node).Op == ir.OpStore
			if n > best || n == best && isStore && !bestIsStore {
				best = n
				f.plan.AlignRef = r
			}
		}
	}
	changed := false
	for _, p := range mems {
		if f.plan.AlignRef == nil {
			f.drop(p, "no memory access can be aligned")
			changed = true
			continue
		}
		if !memref.AlignCompatible(f.ctx.G, f.plan.AlignRef, f.ref(p.Members[0]), vw) {
			f.drop(p, fmt.Sprintf("misaligned against n%d", f.plan.AlignRef.Node))
			changed = true
		}
	}
	return changed
}

// buildReductions maps every vectorizable reduction window onto input
// packs. A window whose inputs do not line up with packs stays scalar.
func (f *former) buildReductions() {
	f.plan.Reductions = nil
	for _, w := range f.ctx.Windows {
		if _, demoted := f.plan.Scalarized[w]; demoted {
			continue
		}
		mode := w.Chain.Mode
		if mode == reduction.Scalar {
			continue
		}
		groups, reason := f.groupWindow(w, mode)
		if reason != "" {
			f.scalarize(w, reason)
			continue
		}
		f.plan.Reductions = append(f.plan.Reductions, groups...)
	}
}

func (f *former) groupWindow(w *reduction.Window, mode reduction.Mode) ([]*RedGroup, string) {
	var groups []*RedGroup
	lanes := -1
	for j := range w.Chain.Ops {
		for k := 0; k < len(w.Ops); {
			p, lane := f.plan.PackOf(w.Inputs[k][j])
			if p == nil || lane != 0 || k+len(p.Members) > len(w.Ops) {
				return nil, fmt.Sprintf("input n%d of copy %d is not the start of a pack", w.Inputs[k][j], k)
			}
			if p.Type != w.Chain.Type {
				return nil, fmt.Sprintf("input pack %s has type %s", p, p.Type)
			}
			g := &RedGroup{Window: w, Mode: mode, Pos: j, Input: p}
			for i, m := range p.Members {
				if w.Inputs[k+i][j] != m {
					return nil, fmt.Sprintf("input pack %s does not follow the copies", p)
				}
				g.Copies = append(g.Copies, k+i)
				g.Ops = append(g.Ops, w.Ops[k+i][j])
			}
			if mode == reduction.Unordered {
				if lanes >= 0 && lanes != len(p.Members) {
					return nil, "input packs have different widths"
				}
				lanes = len(p.Members)
			}
			if !f.ctx.Target.Supports(w.Chain.Op, w.Chain.Type, len(p.Members)) {
				return nil, fmt.Sprintf("no %d-lane vector %s", len(p.Members), w.Chain.Op)
			}
			groups = append(groups, g)
			k += len(p.Members)
		}
	}
	return groups, ""
}

func (f *former) scalarize(w *reduction.Window, reason string) {
	f.plan.Scalarized[w] = reason
	f.log.Debug().Int("phi", int(w.Phi)).Str("reason", reason).Msg("reduction stays scalar")
}
