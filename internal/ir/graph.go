// Package ir is the arena-indexed dataflow graph the vectorizer reads and
// writes: nodes addressed by dense ids, counted loops over them, and the
// multiversioned program structure the emitter produces.
package ir

import (
	"fmt"
	"strings"
)

// NodeID indexes the graph arena. Zero is never a valid node.
type NodeID int32

// NoNode is the zero NodeID
const NoNode NodeID = 0

// SliceID names an abstract memory slice (alias class). Accesses on
// different slices never alias.
type SliceID int32

// LoopID names a loop in a program's loop table
type LoopID int32

// Node is one operation in the graph
type Node struct {
	ID      NodeID
	Op      Op
	Type    BasicType
	Lanes   int // 1 for scalars
	Args    []NodeID
	AuxInt  int64
	Slice   SliceID
	Name    string
	Iter    int    // iteration index inside an unrolled window
	Ctrl    NodeID // control pin, only meaningful for CastP2X
	Loop    LoopID // owning loop, 0 outside loops
	Align   int    // Param pointers: guaranteed base alignment in bytes
	Aligned bool   // vector memory access that must be vector aligned
	Ordered bool   // Reduce: combine lanes strictly left to right
}

// IsVector is true for nodes with more than one lane
func (n *Node) IsVector() bool {
	return n.Lanes > 1
}

// Arg returns the i-th argument id, or NoNode
func (n *Node) Arg(i int) NodeID {
	if i < 0 || i >= len(n.Args) {
		return NoNode
	}
	return n.Args[i]
}

func (n *Node) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "n%d:%s", n.ID, n.Op)
	if n.Op == OpReduce {
		fmt.Fprintf(&sb, "(%s)", Op(n.AuxInt))
	}
	sb.WriteString("." + n.Type.String())
	if n.Lanes > 1 {
		fmt.Fprintf(&sb, "x%d", n.Lanes)
	}
	if n.Name != "" {
		fmt.Fprintf(&sb, " %q", n.Name)
	}
	if n.Op == OpConst {
		if n.Type.IsFloat() {
			fmt.Fprintf(&sb, " %g", FloatOf(n.Type, uint64(n.AuxInt)))
		} else {
			fmt.Fprintf(&sb, " %d", n.AuxInt)
		}
	}
	if len(n.Args) > 0 {
		sb.WriteString(" (")
		for i, a := range n.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "n%d", a)
		}
		sb.WriteString(")")
	}
	if n.Iter > 0 {
		fmt.Fprintf(&sb, " #%d", n.Iter)
	}
	return sb.String()
}

// Graph is the node arena of one compile task
type Graph struct {
	nodes  []*Node
	slices []string
}

// NewGraph returns an empty graph
func NewGraph() *Graph {
	return &Graph{
		nodes:  []*Node{nil},
		slices: []string{""},
	}
}

// Len returns the number of ids handed out, including the reserved zero id
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node for id, or nil
func (g *Graph) Node(id NodeID) *Node {
	if id <= 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Add copies n into the arena under a fresh id
func (g *Graph) Add(n Node) *Node {
	n.ID = NodeID(len(g.nodes))
	if n.Lanes == 0 {
		n.Lanes = 1
	}
	n.Args = append([]NodeID(nil), n.Args...)
	node := &n
	g.nodes = append(g.nodes, node)
	return node
}

// New creates a scalar node
func (g *Graph) New(op Op, t BasicType, args ...NodeID) *Node {
	return g.Add(Node{Op: op, Type: t, Args: args})
}

// Const creates an integer constant
func (g *Graph) Const(t BasicType, v int64) *Node {
	return g.Add(Node{Op: OpConst, Type: t, AuxInt: Wrap(t, v)})
}

// ConstFloat creates a float or double constant
func (g *Graph) ConstFloat(t BasicType, f float64) *Node {
	return g.Add(Node{Op: OpConst, Type: t, AuxInt: int64(FloatBits(t, f))})
}

// Slice interns a memory slice name
func (g *Graph) Slice(name string) SliceID {
	for i, s := range g.slices {
		if i > 0 && s == name {
			return SliceID(i)
		}
	}
	g.slices = append(g.slices, name)
	return SliceID(len(g.slices) - 1)
}

// SliceName returns the name of a slice
func (g *Graph) SliceName(id SliceID) string {
	if id <= 0 || int(id) >= len(g.slices) {
		return "?"
	}
	return g.slices[id]
}

// Clone deep-copies the arena. Ids are preserved.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:  make([]*Node, len(g.nodes)),
		slices: append([]string(nil), g.slices...),
	}
	for i, n := range g.nodes {
		if n == nil {
			continue
		}
		cp := *n
		cp.Args = append([]NodeID(nil), n.Args...)
		c.nodes[i] = &cp
	}
	return c
}

// Uses builds the def-use map restricted to the given nodes
func (g *Graph) Uses(ids []NodeID) map[NodeID][]NodeID {
	uses := make(map[NodeID][]NodeID)
	for _, id := range ids {
		n := g.Node(id)
		if n == nil {
			continue
		}
		for _, a := range n.Args {
			uses[a] = append(uses[a], id)
		}
	}
	return uses
}

// Params returns all Param nodes in id order
func (g *Graph) Params() []*Node {
	var params []*Node
	for _, n := range g.nodes {
		if n != nil && n.Op == OpParam {
			params = append(params, n)
		}
	}
	return params
}

// ParamByName looks a Param node up by name
func (g *Graph) ParamByName(name string) *Node {
	for _, n := range g.nodes {
		if n != nil && n.Op == OpParam && n.Name == name {
			return n
		}
	}
	return nil
}

// VectorKind names the vector operation id stands for, the way the
// verification tooling counts them (AddVI, LoadVector, VectorCastB2S,
// AddReductionVD, ReplicateI, ExtractL). Scalar nodes return "".
func (g *Graph) VectorKind(id NodeID) string {
	n := g.Node(id)
	if n == nil {
		return ""
	}
	switch n.Op {
	case OpReplicate:
		return "Replicate" + n.Type.Letter()
	case OpExtract:
		return "Extract" + n.Type.Letter()
	case OpReduce:
		return Op(n.AuxInt).String() + "ReductionV" + n.Type.Letter()
	}
	if !n.IsVector() {
		return ""
	}
	switch n.Op {
	case OpLoad, OpStore:
		return n.Op.Info().VectorName
	case OpConv:
		from := TypeVoid
		if a := g.Node(n.Arg(0)); a != nil {
			from = a.Type
		}
		return "VectorCast" + from.Letter() + "2" + n.Type.Letter()
	}
	if name := n.Op.Info().VectorName; name != "" {
		return name + n.Type.Letter()
	}
	return ""
}
