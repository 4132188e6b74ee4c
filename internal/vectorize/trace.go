// trace.go - Decision trace of one compiled loop
package vectorize

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/reduction"
)

// Outcome is what happened to a loop
type Outcome uint8

const (
	Declined    Outcome = iota // the scalar loop is kept
	Vectorized                 // replaced by a vector loop nest
	Speculative                // vector nest behind a runtime alias check
	Failed                     // an internal invariant broke, the scalar loop is kept
)

func (o Outcome) String() string {
	switch o {
	case Vectorized:
		return "vectorized"
	case Speculative:
		return "speculative"
	case Failed:
		return "failed"
	default:
		return "declined"
	}
}

// Trace records the decisions taken for one loop. Count is what external
// tooling asserts on: "N vector ops of kind K were produced".
type Trace struct {
	Loop      string
	Target    string
	Outcome   Outcome
	Unroll    int
	Packs     int
	Guards    int
	Costs     Costs
	VectorOps map[string]int            // per kind, statically in the program
	Modes     map[string]reduction.Mode // per accumulator name
	Decisions []string
	Dropped   []string
	Reasons   []string
	Stages    []Stage
}

func newTrace(loop, target string) *Trace {
	return &Trace{
		Loop:      loop,
		Target:    target,
		VectorOps: make(map[string]int),
		Modes:     make(map[string]reduction.Mode),
	}
}

// Count returns the number of vector nodes of the given kind
func (t *Trace) Count(kind string) int {
	return t.VectorOps[kind]
}

// Total returns the number of vector nodes of every kind
func (t *Trace) Total() int {
	return lo.Sum(lo.Values(t.VectorOps))
}

func (t *Trace) reason(format string, args ...any) {
	t.Reasons = append(t.Reasons, fmt.Sprintf(format, args...))
}

// String formats the trace with sorted keys so it can be compared
func (t *Trace) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "loop %s on %s: %s\n", t.Loop, t.Target, t.Outcome)
	if t.Unroll > 0 {
		fmt.Fprintf(&sb, "  unroll: %d\n", t.Unroll)
	}
	if t.Outcome == Vectorized || t.Outcome == Speculative {
		fmt.Fprintf(&sb, "  packs: %d, guards: %d\n", t.Packs, t.Guards)
		fmt.Fprintf(&sb, "  cost: vector %d, scalar %d\n", t.Costs.Vector, t.Costs.Scalar)
	}
	kinds := lo.Keys(t.VectorOps)
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&sb, "  op %s: %d\n", k, t.VectorOps[k])
	}
	names := lo.Keys(t.Modes)
	slices.Sort(names)
	for _, n := range names {
		fmt.Fprintf(&sb, "  reduction %s: %s\n", n, t.Modes[n])
	}
	for _, d := range t.Decisions {
		fmt.Fprintf(&sb, "  decision: %s\n", d)
	}
	for _, d := range t.Dropped {
		fmt.Fprintf(&sb, "  dropped: %s\n", d)
	}
	for _, r := range t.Reasons {
		fmt.Fprintf(&sb, "  reason: %s\n", r)
	}
	return sb.String()
}

// countVectorOps counts the vector nodes reachable from the program
// structure, fast and slow branches included
func countVectorOps(p *ir.Program) map[string]int {
	counts := make(map[string]int)
	seen := make(map[ir.NodeID]bool)
	count := func(ids []ir.NodeID) {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if kind := p.Graph.VectorKind(id); kind != "" {
				counts[kind]++
			}
		}
	}
	p.Walk(func(r ir.Region) {
		switch r := r.(type) {
		case *ir.Compute:
			count(r.Nodes)
		case *ir.LoopRegion:
			if l := p.Loops[r.Loop]; l != nil {
				count(l.Phis)
				count(l.Body)
			}
		case *ir.GuardRegion:
			if gd := p.Guards[r.Guard]; gd != nil {
				count(gd.Inputs)
				count(gd.Merges)
			}
		}
	})
	return counts
}
