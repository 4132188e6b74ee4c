package slp

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/xyproto/superword/internal/depgraph"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/reduction"
)

type group struct {
	members []ir.NodeID
	origin  int
}

// contract builds the unit graph: one unit per group, one per node left
// outside every group
func contract(groups []group, nodes []ir.NodeID, succs func(ir.NodeID) []ir.NodeID) (int, func(int) []int, func(int) int) {
	owner := make(map[ir.NodeID]int)
	for i, g := range groups {
		for _, id := range g.members {
			owner[id] = i
		}
	}
	n := len(groups)
	var unitNodes [][]ir.NodeID
	for _, g := range groups {
		unitNodes = append(unitNodes, g.members)
	}
	for _, id := range nodes {
		if _, ok := owner[id]; !ok {
			owner[id] = n
			unitNodes = append(unitNodes, []ir.NodeID{id})
			n++
		}
	}
	adj := make([][]int, n)
	for u, ids := range unitNodes {
		seen := make(map[int]bool)
		for _, id := range ids {
			for _, s := range succs(id) {
				v, ok := owner[s]
				if ok && v != u && !seen[v] {
					seen[v] = true
					adj[u] = append(adj[u], v)
				}
			}
		}
	}
	isGroup := func(u int) int {
		if u < len(groups) {
			return u
		}
		return -1
	}
	return n, func(u int) []int { return adj[u] }, isGroup
}

// firstCycle returns the groups of one cycle of the unit graph, or nil
func firstCycle(groups []group, nodes []ir.NodeID, succs func(ir.NodeID) []ir.NodeID) []int {
	n, adj, isGroup := contract(groups, nodes, succs)
	for _, c := range depgraph.Cycles(n, adj) {
		var gs []int
		for _, u := range c {
			if g := isGroup(u); g >= 0 {
				gs = append(gs, g)
			}
		}
		if len(gs) > 0 {
			sort.Ints(gs)
			return gs
		}
	}
	return nil
}

// inCycle reports whether any of ids sits on a cycle of the unit graph
func inCycle(groups []group, nodes []ir.NodeID, succs func(ir.NodeID) []ir.NodeID, ids []ir.NodeID) bool {
	n, adj, _ := contract(groups, nodes, succs)
	owner := make(map[ir.NodeID]bool)
	for _, id := range ids {
		owner[id] = true
	}
	cyclic := make(map[int]bool)
	for _, c := range depgraph.Cycles(n, adj) {
		for _, u := range c {
			cyclic[u] = true
		}
	}
	for i, g := range groups {
		if cyclic[i] && lo.SomeBy(g.members, func(id ir.NodeID) bool { return owner[id] }) {
			return true
		}
	}
	return false
}

// ResolveCycles makes the graph over nodes acyclic once every group is
// contracted into a single unit. Each cycle is first attacked by splitting
// one of its groups, smallest first, into halves and then into scalars;
// when no single split breaks it, every group on the cycle is rejected.
// It returns the surviving groups, the index of the input group each one
// came from, and the decisions taken. Groups for which splittable is false
// are never split, only rejected.
func ResolveCycles(groups [][]ir.NodeID, nodes []ir.NodeID, succs func(ir.NodeID) []ir.NodeID, splittable func(int) bool) ([][]ir.NodeID, []int, []Decision) {
	cur := make([]group, len(groups))
	for i, g := range groups {
		cur[i] = group{members: g, origin: i}
	}
	var decisions []Decision
	for {
		cyc := firstCycle(cur, nodes, succs)
		if cyc == nil {
			break
		}
		var involved []ir.NodeID
		for _, gi := range cyc {
			involved = append(involved, cur[gi].members...)
		}
		order := append([]int(nil), cyc...)
		sort.SliceStable(order, func(i, j int) bool { return len(cur[order[i]].members) < len(cur[order[j]].members) })

		resolved := false
		for _, c := range splitCandidates(cur, order, splittable) {
			next := append(append([]group(nil), cur[:c.index]...), cur[c.index+1:]...)
			next = append(next, c.pieces...)
			if inCycle(next, nodes, succs, involved) {
				continue
			}
			how := "halves"
			if c.pieces == nil {
				how = "scalars"
			}
			decisions = append(decisions, Decision{
				Kind:   Split,
				Packs:  [][]ir.NodeID{cur[c.index].members},
				Reason: fmt.Sprintf("split into %s to break a cycle of %d packs", how, len(cyc)),
			})
			cur = next
			resolved = true
			break
		}
		if resolved {
			continue
		}
		d := Decision{Kind: Reject, Reason: fmt.Sprintf("cycle of %d packs cannot be split", len(cyc))}
		drop := make(map[int]bool)
		for _, gi := range cyc {
			d.Packs = append(d.Packs, cur[gi].members)
			drop[gi] = true
		}
		decisions = append(decisions, d)
		cur = lo.Reject(cur, func(_ group, i int) bool { return drop[i] })
	}

	out := make([][]ir.NodeID, len(cur))
	origin := make([]int, len(cur))
	for i, g := range cur {
		out[i] = g.members
		origin[i] = g.origin
	}
	return out, origin, decisions
}

type splitCandidate struct {
	index  int
	pieces []group // nil: every member becomes a scalar
}

// splitCandidates lists the ways to split one group of a cycle: halving
// any group loses the least, so halves come first, then whole groups
// turned into scalars. Groups are tried smallest first.
func splitCandidates(cur []group, order []int, splittable func(int) bool) []splitCandidate {
	var halves, scalars []splitCandidate
	for _, gi := range order {
		g := cur[gi]
		if splittable != nil && !splittable(g.origin) {
			continue
		}
		if len(g.members) >= 4 {
			half := len(g.members) / 2
			halves = append(halves, splitCandidate{index: gi, pieces: []group{
				{members: g.members[:half], origin: g.origin},
				{members: g.members[half:], origin: g.origin},
			}})
		}
		scalars = append(scalars, splitCandidate{index: gi})
	}
	return append(halves, scalars...)
}

// resolveCycles runs ResolveCycles over the current plan
func (f *former) resolveCycles() bool {
	dg := f.ctx.Deps
	var groups [][]ir.NodeID
	for _, p := range f.plan.Packs {
		groups = append(groups, p.Members)
	}
	unordered := make(map[ir.NodeID]*reduction.Window)
	for _, r := range f.plan.Reductions {
		groups = append(groups, r.Ops)
		if r.Mode == reduction.Unordered {
			for _, id := range r.Ops {
				unordered[id] = r.Window
			}
		}
	}
	succs := func(id ir.NodeID) []ir.NodeID {
		var out []ir.NodeID
		for _, e := range dg.Succs(id) {
			if w := unordered[id]; w != nil && unordered[e.To] == w {
				continue
			}
			out = append(out, e.To)
		}
		return out
	}
	npacks := len(f.plan.Packs)
	kept, origin, decisions := ResolveCycles(groups, dg.Nodes(), succs, func(i int) bool { return i < npacks })
	if len(decisions) == 0 {
		return false
	}
	for _, d := range decisions {
		f.log.Debug().Stringer("decision", d).Msg("pack cycle")
	}
	f.plan.Decisions = append(f.plan.Decisions, decisions...)

	packs := f.plan.Packs
	reds := f.plan.Reductions
	f.plan.Packs = nil
	alive := make(map[int]bool)
	for i, members := range kept {
		o := origin[i]
		alive[o] = true
		if o < npacks {
			f.plan.Packs = append(f.plan.Packs, f.normalize(&Pack{Members: members, Op: packs[o].Op, Type: packs[o].Type})...)
		}
	}
	for i, r := range reds {
		if !alive[npacks+i] {
			f.scalarize(r.Window, "reduction step was on a pack cycle")
		}
	}
	for i, p := range packs {
		if !alive[i] {
			f.plan.Dropped = append(f.plan.Dropped, fmt.Sprintf("%s: on a pack cycle", p))
		}
	}
	return true
}
