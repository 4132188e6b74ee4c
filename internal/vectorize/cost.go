// cost.go - Profitability of an emitted vector loop
package vectorize

import (
	"github.com/xyproto/superword/internal/config"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/schedule"
)

// Fixed per-iteration charges for the code around the vector body
const (
	preLoopCost = 2
	guardCost   = 2
)

// Costs compares one iteration of the vector main loop with the scalar
// work it replaces: the body of the loop unrolled by the same factor
type Costs struct {
	Scalar int
	Vector int
}

func scalarCost(g *ir.Graph, body []ir.NodeID) int {
	total := 0
	for _, id := range body {
		total += g.Node(id).Op.Info().Cost
	}
	return total
}

func vectorCost(e *schedule.Emitted) int {
	g := e.Program.Graph
	total := 0
	for _, id := range e.Main.Body {
		n := g.Node(id)
		switch {
		case n.Op == ir.OpReduce && n.Ordered:
			// an in-loop ordered reduction adds one lane at a time
			total += max(g.Node(n.Arg(1)).Lanes, 1)
		case n.Op == ir.OpReduce:
			total++
		default:
			total += n.Op.Info().Cost
		}
	}
	if e.Pre != nil {
		total += preLoopCost
	}
	if e.Guard != nil {
		total += guardCost
	}
	return total
}

// profitable applies the override, then the cost model
func profitable(o config.Override, c Costs) bool {
	switch o {
	case config.ForceOn:
		return true
	case config.ForceOff:
		return false
	default:
		return c.Vector < c.Scalar
	}
}
