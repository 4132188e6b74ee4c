package vectorize

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/superword/internal/config"
	"github.com/xyproto/superword/internal/diag"
	"github.com/xyproto/superword/internal/interp"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/metrics"
	"github.com/xyproto/superword/internal/reduction"
)

func newTask(t *testing.T, change func(*config.Config)) *Task {
	t.Helper()
	cfg := config.Default()
	cfg.Target = "sse4"
	if change != nil {
		change(&cfg)
	}
	task, err := NewTask(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	return task
}

type builder func() (*ir.Graph, *ir.Loop)

// equivalent runs the scalar loop and the compiled program on copies of
// mem and requires bit-identical memory and outputs
func equivalent(t *testing.T, build builder, task *Task, mem *interp.Memory, params map[string]uint64) (*Result, *interp.Result) {
	t.Helper()
	g, l := build()
	want := mem.Clone()
	ref, err := interp.Run(ir.ScalarProgram(g, l, ir.LoopOutputs(g, l)), interp.Input{Memory: want, Params: params})
	require.NoError(t, err)

	g, l = build()
	res, err := Vectorize(context.Background(), task, g, l)
	require.NoError(t, err)
	got := mem.Clone()
	out, err := interp.Run(res.Program, interp.Input{Memory: got, Params: params})
	require.NoError(t, err, res.Trace.String())
	if diff := cmp.Diff(want.Snapshot(), got.Snapshot()); diff != "" {
		t.Fatalf("memory differs from the scalar loop (-scalar +%s):\n%s", res.Outcome, diff)
	}
	require.Equal(t, ref.Outputs, out.Outputs)
	return res, out
}

// a[i] = b[i] + 1 over int arrays
func addOne(align int) builder {
	return func() (*ir.Graph, *ir.Loop) {
		g := ir.NewGraph()
		b := ir.NewLoopBuilder(g, "addone")
		a := b.Array("a", align)
		src := b.Array("b", align)
		b.Safepoint()
		b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1<<20)
		x := b.Load(ir.TypeInt, b.Addr(src, b.IV(), ir.TypeInt, 0))
		b.Store(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0), b.Op(ir.OpAdd, ir.TypeInt, x, b.ConstOf(ir.TypeInt, 1)))
		return g, b.Build()
	}
}

func addOneMemory(n int, seed int64) *interp.Memory {
	r := rand.New(rand.NewSource(seed))
	mem := interp.NewMemory()
	mem.Alloc("a", ir.TypeInt, n)
	mem.Alloc("b", ir.TypeInt, n).Fill(func(int) uint64 { return uint64(int64(r.Int31()) - 1<<30) })
	return mem
}

// s += a[i]*b[i] + a[i]*c[i] + b[i]*c[i] over doubles
func dot3() (*ir.Graph, *ir.Loop) { return dot3Loop(false) }

// dot3Loop builds dot3; a seeded loop starts the sum from the param s0
func dot3Loop(seeded bool) (*ir.Graph, *ir.Loop) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "dot3")
	pa, pb, pc := b.Array("a", 16), b.Array("b", 16), b.Array("c", 16)
	start := b.ConstFloat(ir.TypeDouble, 0)
	if seeded {
		start = b.Param("s0", ir.TypeDouble)
	}
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1<<20)
	s := b.Phi("s", ir.TypeDouble, start)
	x := b.Load(ir.TypeDouble, b.Addr(pa, b.IV(), ir.TypeDouble, 0))
	y := b.Load(ir.TypeDouble, b.Addr(pb, b.IV(), ir.TypeDouble, 0))
	z := b.Load(ir.TypeDouble, b.Addr(pc, b.IV(), ir.TypeDouble, 0))
	xy := b.Op(ir.OpMul, ir.TypeDouble, x, y)
	xz := b.Op(ir.OpMul, ir.TypeDouble, x, z)
	yz := b.Op(ir.OpMul, ir.TypeDouble, y, z)
	sum := b.Op(ir.OpAdd, ir.TypeDouble, b.Op(ir.OpAdd, ir.TypeDouble, xy, xz), yz)
	b.SetBackedge(s, b.Op(ir.OpAdd, ir.TypeDouble, s, sum))
	return g, b.Build()
}

func dot3Memory(n int, values func(r *rand.Rand) float64) (*interp.Memory, [3][]float64) {
	r := rand.New(rand.NewSource(int64(n)))
	mem := interp.NewMemory()
	var cols [3][]float64
	for k, name := range []string{"a", "b", "c"} {
		cols[k] = make([]float64, n)
		arr := mem.Alloc(name, ir.TypeDouble, n)
		for i := range n {
			cols[k][i] = values(r)
			arr.Set(i, math.Float64bits(cols[k][i]))
		}
	}
	return mem, cols
}

func dot3Reference(cols [3][]float64) float64 { return dot3From(0, cols) }

// Scalar left-to-right accumulation from s; the conversions keep the
// compiler from fusing multiplies into adds
func dot3From(s float64, cols [3][]float64) float64 {
	for i := range cols[0] {
		a, b, c := cols[0][i], cols[1][i], cols[2][i]
		s += float64(float64(float64(a*b)+float64(a*c)) + float64(b*c))
	}
	return s
}

func TestOrderedDoubleSumIsBitIdentical(t *testing.T) {
	mem, cols := dot3Memory(4099, func(r *rand.Rand) float64 { return r.Float64()*2e6 - 1e6 })
	want := math.Float64bits(dot3Reference(cols))
	params := map[string]uint64{"n": 4099}

	for _, o := range []config.Override{config.ForceOff, config.Auto, config.ForceOn} {
		task := newTask(t, func(c *config.Config) { c.Override = o })
		res, out := equivalent(t, dot3, task, mem, params)
		assert.Equal(t, want, out.Outputs["s"], "override %s", o)
		if o == config.ForceOff {
			assert.Equal(t, Declined, res.Outcome)
			continue
		}
		require.Equal(t, Vectorized, res.Outcome, res.Trace.String())
		assert.Equal(t, reduction.InLoopOrdered, res.Trace.Modes["s"])
		assert.Positive(t, res.Trace.Count("AddReductionVD"))
		assert.Positive(t, res.Trace.Count("MulVD"))
	}
}

const (
	rampLen    = 256 * 1024
	rampTrials = 2000
	rampSum    = 3.6028590866691944e19
)

// rampMemory sets a[i] = b[i] = c[i] = i
func rampMemory(n int) (*interp.Memory, [3][]float64) {
	mem := interp.NewMemory()
	var cols [3][]float64
	for k, name := range []string{"a", "b", "c"} {
		cols[k] = make([]float64, n)
		arr := mem.Alloc(name, ir.TypeDouble, n)
		for i := range n {
			cols[k][i] = float64(i)
			arr.Set(i, math.Float64bits(cols[k][i]))
		}
	}
	return mem, cols
}

// 2000 trials over 256K ramps, each continuing the sum of the one before.
// The last trial runs compiled and must land on the same bits.
func TestRampSumIsBitIdentical(t *testing.T) {
	if testing.Short() {
		t.Skip("sums 2000 trials of 256K elements")
	}
	mem, cols := rampMemory(rampLen)
	s := 0.0
	for range rampTrials - 1 {
		s = dot3From(s, cols)
	}
	require.Equal(t, math.Float64bits(rampSum), math.Float64bits(dot3From(s, cols)))

	seeded := func() (*ir.Graph, *ir.Loop) { return dot3Loop(true) }
	params := map[string]uint64{"n": rampLen, "s0": math.Float64bits(s)}
	for _, o := range []config.Override{config.ForceOff, config.Auto, config.ForceOn} {
		task := newTask(t, func(c *config.Config) { c.Override = o })
		res, out := equivalent(t, seeded, task, mem, params)
		assert.Equal(t, math.Float64bits(rampSum), out.Outputs["s"], "override %s", o)
		if o != config.ForceOff {
			assert.Equal(t, Vectorized, res.Outcome, res.Trace.String())
			assert.Equal(t, reduction.InLoopOrdered, res.Trace.Modes["s"])
		}
	}
}

// a[i+2] = a[i] on bytes
func shiftCopy() (*ir.Graph, *ir.Loop) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "shift")
	a := b.Array("a", 16)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1<<20)
	x := b.Load(ir.TypeByte, b.Addr(a, b.IV(), ir.TypeByte, 0))
	b.Store(ir.TypeByte, b.Addr(a, b.IV(), ir.TypeByte, 2), x)
	return g, b.Build()
}

// b[i] = a[i] on bytes, where b may be a view of a
func copyBytes() (*ir.Graph, *ir.Loop) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "copy")
	src := b.Array("a", 1)
	dst := b.Array("b", 1)
	b.Safepoint()
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1<<20)
	x := b.Load(ir.TypeByte, b.Addr(src, b.IV(), ir.TypeByte, 0))
	b.Store(ir.TypeByte, b.Addr(dst, b.IV(), ir.TypeByte, 0), x)
	return g, b.Build()
}

func byteMemory(n int, alias bool) *interp.Memory {
	mem := interp.NewMemory()
	a := mem.Alloc("a", ir.TypeByte, n+2)
	a.Fill(func(i int) uint64 { return uint64(ir.Wrap(ir.TypeByte, int64(i*7+3))) })
	if alias {
		if _, err := mem.Alias("b", "a", 2, ir.TypeByte, n); err != nil {
			panic(err)
		}
	} else {
		mem.Alloc("b", ir.TypeByte, n)
	}
	return mem
}

func TestOverlapAtDistanceTwo(t *testing.T) {
	const n = 101
	params := map[string]uint64{"n": n}

	t.Run("without runtime checks", func(t *testing.T) {
		task := newTask(t, func(c *config.Config) {
			c.SpeculativeChecks = false
			c.Override = config.ForceOn
		})
		res, _ := equivalent(t, shiftCopy, task, byteMemory(n, false), params)
		require.Equal(t, Vectorized, res.Outcome, res.Trace.String())
		assert.Zero(t, res.Trace.Guards)
		assert.Positive(t, res.Trace.Count("LoadVector"))

		res, _ = equivalent(t, copyBytes, task, byteMemory(n, true), params)
		assert.Equal(t, Declined, res.Outcome, "distinct bases cannot be packed without a check")
	})

	t.Run("with runtime checks", func(t *testing.T) {
		task := newTask(t, func(c *config.Config) { c.Override = config.ForceOn })
		res, out := equivalent(t, copyBytes, task, byteMemory(n, true), params)
		require.Equal(t, Speculative, res.Outcome, res.Trace.String())
		assert.Equal(t, 1, out.Stats.Guards["slow"])
		assert.Equal(t, n, out.Stats.Iterations[ir.LoopSlow])

		_, out = equivalent(t, copyBytes, task, byteMemory(n, false), params)
		assert.Equal(t, 1, out.Stats.Guards["fast"])
		assert.Positive(t, out.Stats.VectorOps["LoadVector"])
	})
}

// a[2i + 2^33 + 16] = a[i + 2^32 + 16] on bytes, with no iv bounds
func farStrided() (*ir.Graph, *ir.Loop) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "far")
	a := b.Array("a", 16)
	b.Range(b.Param("lo", ir.TypeLong), b.Param("hi", ir.TypeLong), 1)
	src := b.Op(ir.OpAdd, ir.TypeLong, b.IV(), b.Const(1<<32+16))
	x := b.Load(ir.TypeByte, b.Addr(a, src, ir.TypeByte, 0))
	dst := b.Op(ir.OpAdd, ir.TypeLong, b.Op(ir.OpMul, ir.TypeLong, b.IV(), b.Const(2)), b.Const(1<<33+16))
	b.Store(ir.TypeByte, b.Addr(a, dst, ir.TypeByte, 0), x)
	return g, b.Build()
}

// Starting the iv at -2^32 makes the store run over bytes the load reads
// later in the loop
func TestUnboundedIVReachesPastTheIntRange(t *testing.T) {
	const n = 32
	start := int64(-1 << 32)
	mem := interp.NewMemory()
	mem.Alloc("a", ir.TypeByte, 2*n+16).Fill(func(i int) uint64 { return uint64(i % 5) })
	params := map[string]uint64{"lo": uint64(start), "hi": uint64(start + n)}
	for _, o := range []config.Override{config.Auto, config.ForceOn} {
		task := newTask(t, func(c *config.Config) { c.Override = o })
		equivalent(t, farStrided, task, mem, params)
	}
}

// sum += 11*a[i] over ints
func scaledSum() (*ir.Graph, *ir.Loop) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "scaled")
	a := b.Array("a", 16)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 1).Bounds(0, 1<<20)
	s := b.Phi("sum", ir.TypeInt, b.ConstOf(ir.TypeInt, 0))
	x := b.Load(ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0))
	m := b.Op(ir.OpMul, ir.TypeInt, b.ConstOf(ir.TypeInt, 11), x)
	b.SetBackedge(s, b.Op(ir.OpAdd, ir.TypeInt, s, m))
	return g, b.Build()
}

func TestScaledSumUnderEveryOverride(t *testing.T) {
	const n = 1003
	r := rand.New(rand.NewSource(11))
	mem := interp.NewMemory()
	arr := mem.Alloc("a", ir.TypeInt, n)
	var want int32
	for i := range n {
		v := r.Int31() - 1<<30
		arr.Set(i, uint64(int64(v)))
		want += 11 * v
	}
	params := map[string]uint64{"n": n}

	for _, hoist := range []bool{true, false} {
		for _, o := range []config.Override{config.ForceOff, config.Auto, config.ForceOn} {
			task := newTask(t, func(c *config.Config) {
				c.Override = o
				c.HoistReductions = hoist
			})
			res, out := equivalent(t, scaledSum, task, mem, params)
			assert.Equal(t, int64(want), int64(out.Outputs["sum"]), "override %s hoist %t", o, hoist)
			if o == config.ForceOff {
				assert.Equal(t, Declined, res.Outcome)
				continue
			}
			require.Equal(t, Vectorized, res.Outcome, res.Trace.String())
			assert.Equal(t, 1, res.Trace.Count("AddReductionVI"))
			if hoist {
				assert.Equal(t, reduction.Unordered, res.Trace.Modes["sum"])
			} else {
				assert.Equal(t, reduction.InLoopOrdered, res.Trace.Modes["sum"])
			}
		}
	}
}

// Per iteration of stride 2:
//
//	a[i] = s[i]; x = a[i]; y = a[i+1]; a[i+1] = s[i+1]; c[i] = x; c[i+1] = y
//
// The stores to a form one pack and the loads from a another; the first
// store feeds the first load and the second load must precede the second
// store, so each pack waits for the other.
func crossed() (*ir.Graph, *ir.Loop) {
	g := ir.NewGraph()
	b := ir.NewLoopBuilder(g, "crossed")
	a, s, c := b.Array("a", 16), b.Array("s", 16), b.Array("c", 16)
	b.Range(b.Const(0), b.Param("n", ir.TypeLong), 2).Bounds(0, 1<<20)
	v0 := b.LoadSlice("s", ir.TypeInt, b.Addr(s, b.IV(), ir.TypeInt, 0))
	v1 := b.LoadSlice("s", ir.TypeInt, b.Addr(s, b.IV(), ir.TypeInt, 1))
	b.StoreSlice("a", ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0), v0)
	x := b.LoadSlice("a", ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 0))
	y := b.LoadSlice("a", ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 1))
	b.StoreSlice("a", ir.TypeInt, b.Addr(a, b.IV(), ir.TypeInt, 1), v1)
	b.StoreSlice("c", ir.TypeInt, b.Addr(c, b.IV(), ir.TypeInt, 0), x)
	b.StoreSlice("c", ir.TypeInt, b.Addr(c, b.IV(), ir.TypeInt, 1), y)
	return g, b.Build()
}

func TestTwoPackCycleStaysCorrect(t *testing.T) {
	const n = 66
	mem := interp.NewMemory()
	for _, name := range []string{"a", "s", "c"} {
		seed := int64(len(name) + int(name[0]))
		mem.Alloc(name, ir.TypeInt, n).Fill(func(i int) uint64 { return uint64(int64(i)*seed + 1) })
	}
	task := newTask(t, func(c *config.Config) { c.Override = config.ForceOn })
	res, _ := equivalent(t, crossed, task, mem, map[string]uint64{"n": n})
	assert.NotEmpty(t, res.Trace.Decisions, res.Trace.String())
}

func TestDeadStoresFoldTheGuard(t *testing.T) {
	const n = 45
	task := newTask(t, func(c *config.Config) { c.Override = config.ForceOn })
	g, l := addOne(16)()
	res, err := Vectorize(context.Background(), task, g, l)
	require.NoError(t, err)
	require.Equal(t, Speculative, res.Outcome)
	p := res.Program

	facts := ir.Facts{DeadSlices: map[string]bool{ir.DefaultSlice(ir.TypeInt): true}}
	st, err := ir.Simplify(p, facts)
	require.NoError(t, err)
	assert.Equal(t, 1, st.FoldedGuards)
	assert.Positive(t, st.RemovedLoops)
	assert.Empty(t, p.Guards)
	for _, lp := range p.Loops {
		assert.NotEqual(t, ir.LoopSlow, lp.Kind)
		assert.Zero(t, lp.Guard)
	}

	// the scalar loop loses the same stores
	sg, sl := addOne(16)()
	scalar := ir.ScalarProgram(sg, sl, nil)
	_, err = ir.Simplify(scalar, facts)
	require.NoError(t, err)

	mem := addOneMemory(n, 5)
	want := mem.Clone()
	_, err = interp.Run(scalar, interp.Input{Memory: want, Params: map[string]uint64{"n": n}})
	require.NoError(t, err)
	out, err := interp.Run(p, interp.Input{Memory: mem, Params: map[string]uint64{"n": n}})
	require.NoError(t, err)
	assert.Equal(t, want.Snapshot(), mem.Snapshot())
	assert.Empty(t, out.Stats.Guards)
}

func TestFoldingTheGuardKeepsBehavior(t *testing.T) {
	const n = 39
	params := map[string]uint64{"n": n}
	task := newTask(t, func(c *config.Config) { c.Override = config.ForceOn })

	sg, sl := addOne(16)()
	want := addOneMemory(n, 9)
	_, err := interp.Run(ir.ScalarProgram(sg, sl, nil), interp.Input{Memory: want, Params: params})
	require.NoError(t, err)

	for _, pred := range []int64{1, 0} {
		g, l := addOne(16)()
		res, err := Vectorize(context.Background(), task, g, l)
		require.NoError(t, err)
		require.Equal(t, Speculative, res.Outcome)
		p := res.Program
		var gd *ir.Guard
		for _, v := range p.Guards {
			gd = v
		}
		require.NotNil(t, gd)
		cond := p.Graph.Node(gd.Pred)
		cond.Op, cond.Args, cond.AuxInt = ir.OpConst, nil, pred

		st, err := ir.Simplify(p, ir.Facts{})
		require.NoError(t, err)
		assert.Equal(t, 1, st.FoldedGuards)
		assert.Empty(t, p.Guards)

		mem := addOneMemory(n, 9)
		out, err := interp.Run(p, interp.Input{Memory: mem, Params: params})
		require.NoError(t, err)
		assert.Equal(t, want.Snapshot(), mem.Snapshot(), "guard folded to %d", pred)
		if pred == 1 {
			assert.Positive(t, out.Stats.VectorOps["StoreVector"])
		} else {
			assert.Empty(t, out.Stats.VectorOps)
		}
	}
}

func TestEveryConfigurationIsEquivalent(t *testing.T) {
	const n = 67
	small := func(r *rand.Rand) float64 { return float64(r.Intn(64) - 32) }
	loops := []struct {
		name   string
		build  builder
		memory func() *interp.Memory
	}{
		{"addone", addOne(16), func() *interp.Memory { return addOneMemory(n, 3) }},
		{"dot3", dot3, func() *interp.Memory { m, _ := dot3Memory(n, small); return m }},
		{"shift", shiftCopy, func() *interp.Memory { return byteMemory(n, false) }},
		{"copy-aliased", copyBytes, func() *interp.Memory { return byteMemory(n, true) }},
		{"scaled", scaledSum, func() *interp.Memory {
			m := interp.NewMemory()
			m.Alloc("a", ir.TypeInt, n).Fill(func(i int) uint64 { return uint64(int64(i*i - 900)) })
			return m
		}},
	}
	for _, cfg := range config.Default().Combinations() {
		cfg.Target = "sse4"
		task, err := NewTask(cfg, zerolog.Nop(), nil)
		require.NoError(t, err)
		for _, lp := range loops {
			t.Run(lp.name, func(t *testing.T) {
				equivalent(t, lp.build, task, lp.memory(), map[string]uint64{"n": n})
			})
		}
	}
}

func TestTraceCountsVectorOps(t *testing.T) {
	task := newTask(t, func(c *config.Config) { c.Override = config.ForceOn })
	g, l := addOne(16)()
	res, err := Vectorize(context.Background(), task, g, l)
	require.NoError(t, err)
	tr := res.Trace
	require.Equal(t, Speculative, tr.Outcome)
	assert.Equal(t, 4, tr.Unroll)
	assert.Equal(t, 3, tr.Packs)
	assert.Equal(t, 1, tr.Guards)
	assert.Equal(t, 1, tr.Count("LoadVector"))
	assert.Equal(t, 1, tr.Count("StoreVector"))
	assert.Equal(t, 1, tr.Count("AddVI"))
	assert.Equal(t, 1, tr.Count("ReplicateI"))
	assert.Zero(t, tr.Count("MulVI"))
	assert.Equal(t, StageDone, tr.Stages[len(tr.Stages)-1])
	assert.Contains(t, tr.String(), "op LoadVector: 1")
	assert.Less(t, tr.Costs.Vector, tr.Costs.Scalar)
}

func TestUnprofitableGuardFallsBackToThePlainPlan(t *testing.T) {
	guarded := &attempt{speculative: true}
	plain := &attempt{}
	costs := map[*attempt]Costs{
		guarded: {Scalar: 20, Vector: 21},
		plain:   {Scalar: 20, Vector: 14},
	}
	var costed []*attempt
	cost := func(a *attempt) Costs {
		costed = append(costed, a)
		return costs[a]
	}

	got := firstProfitable(config.Auto, []*attempt{guarded, plain}, cost)
	assert.Same(t, plain, got)
	assert.Equal(t, []*attempt{guarded, plain}, costed)
	assert.Equal(t, costs[guarded], guarded.costs)

	costed = nil
	got = firstProfitable(config.ForceOn, []*attempt{guarded, plain}, cost)
	assert.Same(t, guarded, got)
	assert.Equal(t, []*attempt{guarded}, costed, "a winner stops the search")

	costs[plain] = Costs{Scalar: 20, Vector: 20}
	assert.Nil(t, firstProfitable(config.Auto, []*attempt{guarded, plain}, cost))
	assert.Nil(t, firstProfitable(config.ForceOff, []*attempt{guarded, plain}, cost))
}

func TestDeclinedLoopIsReturnedUntouched(t *testing.T) {
	task := newTask(t, func(c *config.Config) { c.SpeculativeChecks = false })
	g, l := addOne(16)()
	before := g.Len()
	res, err := Vectorize(context.Background(), task, g, l)
	require.NoError(t, err)
	assert.Equal(t, Declined, res.Outcome)
	assert.Equal(t, before, g.Len())
	assert.Contains(t, res.Trace.Reasons[len(res.Trace.Reasons)-1], "no packs formed")
	assert.Empty(t, res.Trace.VectorOps)
	assert.Equal(t, 1, task.Diag.Count(diag.LevelNote))
}

func TestVectorizeNeverTouchesItsInput(t *testing.T) {
	task := newTask(t, func(c *config.Config) { c.Override = config.ForceOn })
	g, l := dot3()
	nodes := make([]ir.Node, 0, g.Len())
	for id := ir.NodeID(1); int(id) < g.Len(); id++ {
		if n := g.Node(id); n != nil {
			cp := *n
			cp.Args = append([]ir.NodeID(nil), n.Args...)
			nodes = append(nodes, cp)
		}
	}
	body := append([]ir.NodeID(nil), l.Body...)

	res, err := Vectorize(context.Background(), task, g, l)
	require.NoError(t, err)
	require.Equal(t, Vectorized, res.Outcome)
	require.NotSame(t, g, res.Program.Graph)

	for _, want := range nodes {
		assert.Equal(t, want, *g.Node(want.ID))
	}
	assert.Equal(t, body, l.Body)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, l := addOne(16)()
	res, err := Vectorize(ctx, newTask(t, nil), g, l)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, diag.ErrCanceled)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestForcedOffAndBadStride(t *testing.T) {
	g, l := addOne(16)()
	res, err := Vectorize(context.Background(), newTask(t, func(c *config.Config) { c.Override = config.ForceOff }), g, l)
	require.NoError(t, err)
	assert.Equal(t, Declined, res.Outcome)
	assert.Equal(t, []Stage{StageInit}, res.Trace.Stages)

	l.Stride = -1
	res, err = Vectorize(context.Background(), newTask(t, nil), g, l)
	require.NoError(t, err)
	assert.Equal(t, Declined, res.Outcome)
	assert.Contains(t, res.Trace.Reasons[0], "not positive")
}

func TestMetricsFollowOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := config.Default()
	cfg.Target = "sse4"
	cfg.Override = config.ForceOn
	task, err := NewTask(cfg, zerolog.Nop(), metrics.New(reg))
	require.NoError(t, err)

	g, l := addOne(16)()
	_, err = Vectorize(context.Background(), task, g, l)
	require.NoError(t, err)
	g, l = scaledSum()
	_, err = Vectorize(context.Background(), task, g, l)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	got := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetValue() + "}"
			}
			if c := m.GetCounter(); c != nil {
				got[key] = c.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, got["superword_loops_total{speculative}"])
	assert.Equal(t, 1.0, got["superword_loops_total{vectorized}"])
	assert.Equal(t, 1.0, got["superword_guards_total{built}"])
	assert.Equal(t, 5.0, got["superword_packs_total"])
}

func TestPipelineRefusesToSkipStages(t *testing.T) {
	p := newPipeline("loop", zerolog.Nop())
	p.advanceTo(StageReductions)
	err := func() (err error) {
		defer diag.Recover(&err)
		p.advanceTo(StagePacks)
		return nil
	}()
	require.True(t, diag.IsInvariantViolation(err))
	assert.Contains(t, err.Error(), "reductions -> packs")
	assert.Contains(t, err.Error(), "init -> reductions")

	err = func() (err error) {
		defer diag.Recover(&err)
		p.validate(StageEmit, "emission")
		return nil
	}()
	assert.ErrorContains(t, err, "emission attempted at stage reductions")
}
