// Package interp executes ir programs on a byte-addressed memory. It runs
// the original scalar loop and the vectorized replacement alike, and is the
// oracle every equivalence check compares against. Values are raw bits, so
// comparisons are exact down to NaN payloads.
package interp

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/xyproto/superword/internal/ir"
)

var (
	// ErrOutOfBounds is returned for an access outside every array
	ErrOutOfBounds = errors.New("memory access out of bounds")
	// ErrMisaligned is returned for an aligned vector access at a misaligned address
	ErrMisaligned = errors.New("misaligned vector access")
	// ErrUnpinnedCast is returned when an address cast floats across a safepoint
	ErrUnpinnedCast = errors.New("address cast is not pinned after the last safepoint")
	// ErrUndefined is returned when a node is used before it was computed
	ErrUndefined = errors.New("value used before it is computed")
)

// Input is what a program runs on. Pointer parameters are resolved to the
// array of the same name; scalar parameters come from Params.
type Input struct {
	Memory *Memory
	Params map[string]uint64
}

// Stats counts what happened during a run
type Stats struct {
	VectorOps  map[string]int // executed vector operations by kind
	Guards     map[string]int // "fast" and "slow" branch counts
	Iterations map[ir.LoopKind]int
	Safepoints int
}

// Result holds the outputs of a run
type Result struct {
	Outputs map[string]uint64
	Stats   Stats
}

type machine struct {
	p     *ir.Program
	g     *ir.Graph
	in    Input
	vals  [][]uint64
	epoch int
	pins  map[ir.NodeID]int
	stats Stats
}

// Run executes p on in. Memory is modified in place.
func Run(p *ir.Program, in Input) (res *Result, err error) {
	if in.Memory == nil {
		in.Memory = NewMemory()
	}
	m := &machine{
		p:    p,
		g:    p.Graph,
		in:   in,
		vals: make([][]uint64, p.Graph.Len()),
		pins: make(map[ir.NodeID]int),
		stats: Stats{
			VectorOps:  make(map[string]int),
			Guards:     make(map[string]int),
			Iterations: make(map[ir.LoopKind]int),
		},
	}
	if err := m.region(p.Root); err != nil {
		return nil, err
	}
	res = &Result{Outputs: make(map[string]uint64, len(p.Outputs)), Stats: m.stats}
	for _, o := range p.Outputs {
		v, err := m.value(o.Node)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", o.Name, err)
		}
		res.Outputs[o.Name] = v[0]
	}
	return res, nil
}

func (m *machine) region(r ir.Region) error {
	switch r := r.(type) {
	case *ir.Seq:
		for _, it := range r.Items {
			if err := m.region(it); err != nil {
				return err
			}
		}
	case *ir.Compute:
		for _, id := range r.Nodes {
			if err := m.exec(id); err != nil {
				return err
			}
		}
	case *ir.LoopRegion:
		l := m.p.Loops[r.Loop]
		if l == nil {
			return fmt.Errorf("loop %d is not in the loop table", r.Loop)
		}
		return m.loop(l)
	case *ir.GuardRegion:
		gd := m.p.Guards[r.Guard]
		if gd == nil {
			return fmt.Errorf("guard %d is not in the guard table", r.Guard)
		}
		return m.guard(gd)
	case nil:
	default:
		return fmt.Errorf("unknown region %T", r)
	}
	return nil
}

func (m *machine) loop(l *ir.Loop) error {
	if l.Stride <= 0 {
		return fmt.Errorf("loop %d has stride %d", l.ID, l.Stride)
	}
	init, err := m.scalar(l.Init)
	if err != nil {
		return fmt.Errorf("loop %d init: %w", l.ID, err)
	}
	limit, err := m.scalar(l.Limit)
	if err != nil {
		return fmt.Errorf("loop %d limit: %w", l.ID, err)
	}
	for _, p := range l.Phis {
		v, err := m.value(m.g.Node(p).Arg(0))
		if err != nil {
			return fmt.Errorf("phi n%d init: %w", p, err)
		}
		m.vals[p] = v
	}
	next := make([][]uint64, len(l.Phis))
	iv := int64(init)
	for ; iv < int64(limit); iv += l.Stride {
		m.vals[l.IV] = []uint64{uint64(iv)}
		for _, id := range l.Body {
			m.vals[id] = nil
		}
		for _, id := range l.Body {
			if err := m.exec(id); err != nil {
				return fmt.Errorf("loop %d (%s) at iv %d: %w", l.ID, l.Kind, iv, err)
			}
		}
		for i, p := range l.Phis {
			v, err := m.value(ir.Backedge(m.g, p))
			if err != nil {
				return fmt.Errorf("phi n%d backedge: %w", p, err)
			}
			next[i] = v
		}
		for i, p := range l.Phis {
			m.vals[p] = next[i]
		}
		m.stats.Iterations[l.Kind]++
	}
	m.vals[l.IV] = []uint64{uint64(iv)}
	return nil
}

func (m *machine) guard(gd *ir.Guard) error {
	if err := m.exec(gd.Ctrl); err != nil {
		return err
	}
	for _, id := range gd.Inputs {
		if err := m.exec(id); err != nil {
			return fmt.Errorf("guard %d: %w", gd.ID, err)
		}
	}
	pred, err := m.scalar(gd.Pred)
	if err != nil {
		return fmt.Errorf("guard %d predicate: %w", gd.ID, err)
	}
	branch, pick := gd.Fast, 0
	if pred == 0 {
		branch, pick = gd.Slow, 1
		m.stats.Guards["slow"]++
	} else {
		m.stats.Guards["fast"]++
	}
	if err := m.region(branch); err != nil {
		return err
	}
	for _, id := range gd.Merges {
		v, err := m.value(m.g.Node(id).Arg(pick))
		if err != nil {
			return fmt.Errorf("merge n%d: %w", id, err)
		}
		m.vals[id] = v
	}
	return nil
}

// value returns the lanes of id. Constants and parameters are materialized
// on first use; everything else must have been executed.
func (m *machine) value(id ir.NodeID) ([]uint64, error) {
	if int(id) < len(m.vals) && m.vals[id] != nil {
		return m.vals[id], nil
	}
	n := m.g.Node(id)
	if n == nil {
		return nil, fmt.Errorf("%w: n%d does not exist", ErrUndefined, id)
	}
	switch n.Op {
	case ir.OpConst:
		m.vals[id] = []uint64{uint64(n.AuxInt)}
	case ir.OpParam:
		v, err := m.param(n)
		if err != nil {
			return nil, err
		}
		m.vals[id] = []uint64{v}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUndefined, n)
	}
	return m.vals[id], nil
}

func (m *machine) scalar(id ir.NodeID) (uint64, error) {
	v, err := m.value(id)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (m *machine) param(n *ir.Node) (uint64, error) {
	if n.Type != ir.TypePtr {
		v, ok := m.in.Params[n.Name]
		if !ok {
			return 0, fmt.Errorf("parameter %q has no value", n.Name)
		}
		return uint64(ir.ConstBits(n.Type, int64(v), ir.FloatOf(n.Type, v))), nil
	}
	a := m.in.Memory.Array(n.Name)
	if a == nil {
		return 0, fmt.Errorf("array parameter %q is not in memory", n.Name)
	}
	if n.Align > 0 && a.Base%int64(n.Align) != 0 {
		return 0, fmt.Errorf("array %q at %d breaks its declared %d-byte alignment", n.Name, a.Base, n.Align)
	}
	return uint64(a.Base), nil
}

func (m *machine) exec(id ir.NodeID) error {
	n := m.g.Node(id)
	if n == nil {
		return fmt.Errorf("%w: n%d does not exist", ErrUndefined, id)
	}
	if kind := m.g.VectorKind(id); kind != "" {
		m.stats.VectorOps[kind]++
	}
	switch n.Op {
	case ir.OpConst, ir.OpParam:
		_, err := m.value(id)
		return err
	case ir.OpSafepoint:
		m.epoch++
		m.stats.Safepoints++
		return nil
	case ir.OpCtrl:
		m.pins[id] = m.epoch
		return nil
	case ir.OpLoad:
		return m.load(n)
	case ir.OpStore:
		return m.store(n)
	}

	args := make([][]uint64, len(n.Args))
	for i, a := range n.Args {
		v, err := m.value(a)
		if err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
		args[i] = v
	}
	switch n.Op {
	case ir.OpCastP2X:
		if n.Ctrl == ir.NoNode {
			return fmt.Errorf("%w: %s has no control input", ErrUnpinnedCast, n)
		}
		if at, ok := m.pins[n.Ctrl]; !ok || at != m.epoch {
			return fmt.Errorf("%w: %s", ErrUnpinnedCast, n)
		}
		m.vals[id] = []uint64{args[0][0]}
		return nil
	case ir.OpReplicate:
		out := make([]uint64, n.Lanes)
		for i := range out {
			out[i] = args[0][0]
		}
		m.vals[id] = out
		return nil
	case ir.OpExtract:
		lane := int(n.AuxInt)
		if lane < 0 || lane >= len(args[0]) {
			return fmt.Errorf("%s: lane %d of a %d-lane vector", n, lane, len(args[0]))
		}
		m.vals[id] = []uint64{args[0][lane]}
		return nil
	case ir.OpReduce:
		v, err := reduce(ir.Op(n.AuxInt), n.Type, args[0][0], args[1], n.Ordered)
		if err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
		m.vals[id] = []uint64{v}
		return nil
	case ir.OpMerge:
		return fmt.Errorf("%s is evaluated outside its guard", n)
	}

	from := n.Type
	if len(n.Args) > 0 {
		from = m.g.Node(n.Args[0]).Type
	}
	out := make([]uint64, n.Lanes)
	lane := make([]uint64, len(args))
	for i := range out {
		for j, a := range args {
			switch {
			case len(a) == n.Lanes:
				lane[j] = a[i]
			case len(a) == 1 && n.Lanes == 1:
				lane[j] = a[0]
			default:
				return fmt.Errorf("%s: operand %d has %d lanes", n, j, len(a))
			}
		}
		v, err := ir.EvalScalar(n.Op, n.Type, from, lane...)
		if err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
		out[i] = v
	}
	m.vals[id] = out
	return nil
}

func (m *machine) address(n *ir.Node) (int64, error) {
	addr, err := m.scalar(n.Arg(0))
	if err != nil {
		return 0, fmt.Errorf("%s address: %w", n, err)
	}
	if n.Aligned && n.AuxInt > 0 && int64(addr)%n.AuxInt != 0 {
		return 0, fmt.Errorf("%w: %s at %d is not %d-byte aligned", ErrMisaligned, n, addr, n.AuxInt)
	}
	return int64(addr), nil
}

func (m *machine) load(n *ir.Node) error {
	addr, err := m.address(n)
	if err != nil {
		return err
	}
	size := int64(n.Type.Size())
	out := make([]uint64, n.Lanes)
	for i := range out {
		if out[i], err = m.in.Memory.read(addr+int64(i)*size, n.Type); err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
	}
	m.vals[n.ID] = out
	return nil
}

func (m *machine) store(n *ir.Node) error {
	addr, err := m.address(n)
	if err != nil {
		return err
	}
	v, err := m.value(n.Arg(1))
	if err != nil {
		return fmt.Errorf("%s value: %w", n, err)
	}
	if len(v) != n.Lanes {
		return fmt.Errorf("%s stores a %d-lane value", n, len(v))
	}
	size := int64(n.Type.Size())
	for i, bits := range v {
		if err := m.in.Memory.write(addr+int64(i)*size, n.Type, bits); err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
	}
	return nil
}

// reduce folds the lanes of v into acc. An ordered reduction goes strictly
// left to right; an unordered one combines the lanes pairwise, halving the
// vector each step, and only then folds the single result into acc.
func reduce(op ir.Op, t ir.BasicType, acc uint64, v []uint64, ordered bool) (uint64, error) {
	if ordered {
		for _, x := range v {
			r, err := ir.EvalScalar(op, t, t, acc, x)
			if err != nil {
				return 0, err
			}
			acc = r
		}
		return acc, nil
	}
	if len(v) == 0 || bits.OnesCount(uint(len(v))) != 1 {
		return 0, fmt.Errorf("unordered reduction over %d lanes", len(v))
	}
	work := append([]uint64(nil), v...)
	for len(work) > 1 {
		half := len(work) / 2
		for i := 0; i < half; i++ {
			r, err := ir.EvalScalar(op, t, t, work[i], work[i+half])
			if err != nil {
				return 0, err
			}
			work[i] = r
		}
		work = work[:half]
	}
	return ir.EvalScalar(op, t, t, acc, work[0])
}
