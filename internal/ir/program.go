package ir

import (
	"errors"
	"fmt"
	"sort"
)

// GuardID names a guard in a program's guard table
type GuardID int32

// Region is one piece of program structure
type Region interface {
	region()
}

// Seq runs its items in order
type Seq struct {
	Items []Region
}

// Compute evaluates straight-line nodes in order
type Compute struct {
	Nodes []NodeID
}

// LoopRegion runs a loop from the loop table
type LoopRegion struct {
	Loop LoopID
}

// GuardRegion runs a guard from the guard table
type GuardRegion struct {
	Guard GuardID
}

func (*Seq) region()         {}
func (*Compute) region()     {}
func (*LoopRegion) region()  {}
func (*GuardRegion) region() {}

// Guard is a runtime check selecting the fast (vectorized) or slow (scalar)
// version of a loop nest. Inputs are evaluated at Ctrl, in order; Pred is
// the last of them. Merges are evaluated right after the chosen branch.
type Guard struct {
	ID     GuardID
	Ctrl   NodeID
	Inputs []NodeID
	Pred   NodeID
	Fast   Region
	Slow   Region
	Merges []NodeID
}

// Output names a value reported after the program ran
type Output struct {
	Name string
	Node NodeID
}

// Program is a graph plus the structure that runs it
type Program struct {
	Graph   *Graph
	Root    *Seq
	Loops   map[LoopID]*Loop
	Guards  map[GuardID]*Guard
	Outputs []Output

	nextLoop  LoopID
	nextGuard GuardID
}

// NewProgram returns an empty program over g
func NewProgram(g *Graph) *Program {
	return &Program{
		Graph:  g,
		Root:   &Seq{},
		Loops:  make(map[LoopID]*Loop),
		Guards: make(map[GuardID]*Guard),
	}
}

// ScalarProgram wraps a single loop: entry, preheader, then the loop itself
func ScalarProgram(g *Graph, l *Loop, outputs []Output) *Program {
	p := NewProgram(g)
	p.AddLoop(l)
	p.Root.Items = append(p.Root.Items,
		&Compute{Nodes: append([]NodeID(nil), l.Entry...)},
		&Compute{Nodes: append([]NodeID(nil), l.Preheader...)},
		&LoopRegion{Loop: l.ID},
	)
	p.Outputs = append(p.Outputs, outputs...)
	return p
}

// NewLoopID reserves a loop id that is unused in the table
func (p *Program) NewLoopID() LoopID {
	for {
		p.nextLoop++
		if _, taken := p.Loops[p.nextLoop]; !taken {
			return p.nextLoop
		}
	}
}

// NewGuardID reserves a guard id that is unused in the table
func (p *Program) NewGuardID() GuardID {
	for {
		p.nextGuard++
		if _, taken := p.Guards[p.nextGuard]; !taken {
			return p.nextGuard
		}
	}
}

// AddLoop registers l, assigning an id when it has none
func (p *Program) AddLoop(l *Loop) {
	if l.ID == 0 {
		l.ID = p.NewLoopID()
	}
	if l.ID > p.nextLoop {
		p.nextLoop = l.ID
	}
	p.Loops[l.ID] = l
}

// AddGuard registers gd, assigning an id when it has none
func (p *Program) AddGuard(gd *Guard) {
	if gd.ID == 0 {
		gd.ID = p.NewGuardID()
	}
	if gd.ID > p.nextGuard {
		p.nextGuard = gd.ID
	}
	p.Guards[gd.ID] = gd
}

// LoopIDs returns the loop table keys in ascending order
func (p *Program) LoopIDs() []LoopID {
	ids := make([]LoopID, 0, len(p.Loops))
	for id := range p.Loops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Output returns the node reported under name
func (p *Program) Output(name string) (NodeID, bool) {
	for _, o := range p.Outputs {
		if o.Name == name {
			return o.Node, true
		}
	}
	return NoNode, false
}

// Walk visits every region depth first, fast branch before slow
func (p *Program) Walk(visit func(Region)) {
	var walk func(r Region)
	walk = func(r Region) {
		if r == nil {
			return
		}
		visit(r)
		switch r := r.(type) {
		case *Seq:
			for _, it := range r.Items {
				walk(it)
			}
		case *GuardRegion:
			if gd := p.Guards[r.Guard]; gd != nil {
				walk(gd.Fast)
				walk(gd.Slow)
			}
		}
	}
	walk(p.Root)
}

// Verify checks that the region tree and the loop and guard tables agree:
// every table entry is reachable exactly once and nothing in the tree or on
// a node points at a stale entry.
func (p *Program) Verify() error {
	var errs []error
	loopRefs := make(map[LoopID]int)
	guardRefs := make(map[GuardID]int)
	p.Walk(func(r Region) {
		switch r := r.(type) {
		case *LoopRegion:
			loopRefs[r.Loop]++
		case *GuardRegion:
			guardRefs[r.Guard]++
		case *Compute:
			for _, id := range r.Nodes {
				if p.Graph.Node(id) == nil {
					errs = append(errs, fmt.Errorf("compute region refers to missing node n%d", id))
				}
			}
		}
	})

	for id, n := range loopRefs {
		if _, ok := p.Loops[id]; !ok {
			errs = append(errs, fmt.Errorf("region refers to loop %d which is not in the loop table", id))
		} else if n != 1 {
			errs = append(errs, fmt.Errorf("loop %d is reached %d times", id, n))
		}
	}
	for _, id := range p.LoopIDs() {
		l := p.Loops[id]
		if loopRefs[id] == 0 {
			errs = append(errs, fmt.Errorf("loop %d (%s) is in the loop table but unreachable", id, l.Name))
		}
		if l.Guard != 0 {
			if _, ok := p.Guards[l.Guard]; !ok {
				errs = append(errs, fmt.Errorf("loop %d refers to stale guard %d", id, l.Guard))
			}
		}
		errs = append(errs, p.verifyLoop(l)...)
	}

	for id, n := range guardRefs {
		if _, ok := p.Guards[id]; !ok {
			errs = append(errs, fmt.Errorf("region refers to guard %d which is not in the guard table", id))
		} else if n != 1 {
			errs = append(errs, fmt.Errorf("guard %d is reached %d times", id, n))
		}
	}
	for id, gd := range p.Guards {
		if guardRefs[id] == 0 {
			errs = append(errs, fmt.Errorf("guard %d is in the guard table but unreachable", id))
		}
		errs = append(errs, p.verifyGuard(gd)...)
	}

	for _, o := range p.Outputs {
		if p.Graph.Node(o.Node) == nil {
			errs = append(errs, fmt.Errorf("output %q refers to missing node n%d", o.Name, o.Node))
		}
	}
	return errors.Join(errs...)
}

func (p *Program) verifyLoop(l *Loop) []error {
	var errs []error
	g := p.Graph
	if n := g.Node(l.IV); n == nil || n.Op != OpIV {
		errs = append(errs, fmt.Errorf("loop %d has no induction variable", l.ID))
	}
	for _, id := range l.Phis {
		if n := g.Node(id); n == nil || n.Op != OpPhi {
			errs = append(errs, fmt.Errorf("loop %d lists n%d as a phi", l.ID, id))
		}
	}
	for _, id := range l.Body {
		n := g.Node(id)
		if n == nil {
			errs = append(errs, fmt.Errorf("loop %d body refers to missing node n%d", l.ID, id))
			continue
		}
		if n.Op == OpSafepoint {
			errs = append(errs, fmt.Errorf("loop %d body contains a safepoint", l.ID))
		}
	}
	for _, id := range l.Preheader {
		if n := g.Node(id); n != nil && n.Op == OpSafepoint {
			errs = append(errs, fmt.Errorf("loop %d preheader contains a safepoint after the check point", l.ID))
		}
	}
	return errs
}

func (p *Program) verifyGuard(gd *Guard) []error {
	var errs []error
	g := p.Graph
	ctrl := g.Node(gd.Ctrl)
	if ctrl == nil || ctrl.Op != OpCtrl {
		errs = append(errs, fmt.Errorf("guard %d has no control point", gd.ID))
	}
	if n := g.Node(gd.Pred); n == nil || n.Type != TypeBool {
		errs = append(errs, fmt.Errorf("guard %d predicate is not a boolean", gd.ID))
	}
	for _, id := range gd.Inputs {
		n := g.Node(id)
		if n == nil {
			errs = append(errs, fmt.Errorf("guard %d input n%d is missing", gd.ID, id))
			continue
		}
		if n.Op == OpCastP2X && n.Ctrl != gd.Ctrl {
			errs = append(errs, fmt.Errorf("guard %d: address cast n%d is not pinned to the check point", gd.ID, id))
		}
	}
	for _, id := range gd.Merges {
		n := g.Node(id)
		if n == nil || n.Op != OpMerge || GuardID(n.AuxInt) != gd.ID {
			errs = append(errs, fmt.Errorf("guard %d lists n%d as a merge", gd.ID, id))
		}
	}
	return errs
}
