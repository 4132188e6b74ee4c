// Package schedule linearizes a pack plan and rewrites the loop into its
// vectorized form: an optional alignment pre-loop, the vector main loop,
// the combine of hoisted reductions and a scalar post-loop, optionally
// behind a runtime guard with a scalar slow clone.
package schedule

import (
	"fmt"

	"github.com/xyproto/superword/internal/slp"
)

// Schedule orders units so that every edge of succs points forward. Among
// the units that are ready, the one earliest in the original body goes
// first, so unrelated scalars keep their relative order and producers of a
// pack are hoisted above it as a group, for every unrolled copy alike.
func Schedule(units []slp.Unit, succs [][]int) ([]slp.Unit, error) {
	indeg := make([]int, len(units))
	for _, ss := range succs {
		for _, v := range ss {
			indeg[v]++
		}
	}
	var ready []int
	for i := range units {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]slp.Unit, 0, len(units))
	for len(ready) > 0 {
		best := 0
		for i := range ready {
			if units[ready[i]].Pos < units[ready[best]].Pos {
				best = i
			}
		}
		u := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, units[u])
		for _, v := range succs[u] {
			indeg[v]--
			if indeg[v] == 0 {
				ready = append(ready, v)
			}
		}
	}
	if len(order) != len(units) {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, units[i].String())
			}
		}
		return nil, fmt.Errorf("unit graph has a cycle through %d units: %v", len(stuck), stuck)
	}
	return order, nil
}

// Respects reports the first edge of succs that order breaks, if any
func Respects(units, order []slp.Unit, succs [][]int) error {
	at := make(map[int]int, len(units))
	for i, u := range order {
		for j := range units {
			if sameUnit(units[j], u) {
				at[j] = i
				break
			}
		}
	}
	if len(at) != len(units) {
		return fmt.Errorf("order covers %d of %d units", len(at), len(units))
	}
	for u, ss := range succs {
		for _, v := range ss {
			if at[u] >= at[v] {
				return fmt.Errorf("%s is scheduled after its dependent %s", units[u], units[v])
			}
		}
	}
	return nil
}

func sameUnit(a, b slp.Unit) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case slp.UnitPack:
		return a.Pack == b.Pack
	case slp.UnitReduction:
		return a.Red == b.Red
	default:
		return a.Node == b.Node
	}
}
