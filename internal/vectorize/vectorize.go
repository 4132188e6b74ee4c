// Package vectorize drives superword-level parallelism over one counted
// loop: it finds reductions, unrolls, forms packs, checks legality and
// emits a vector loop nest, or leaves the loop alone.
package vectorize

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/xyproto/superword/internal/config"
	"github.com/xyproto/superword/internal/depgraph"
	"github.com/xyproto/superword/internal/diag"
	"github.com/xyproto/superword/internal/ir"
	"github.com/xyproto/superword/internal/legality"
	"github.com/xyproto/superword/internal/memref"
	"github.com/xyproto/superword/internal/reduction"
	"github.com/xyproto/superword/internal/schedule"
	"github.com/xyproto/superword/internal/slp"
)

// Result is the program that replaces the loop, and why
type Result struct {
	// Program runs the vector nest, or the untouched scalar loop when
	// the outcome is Declined
	Program *ir.Program
	Trace   *Trace
	Outcome Outcome
}

// attempt is one way of planning the loop, on its own copy of the graph
type attempt struct {
	speculative bool
	g           *ir.Graph
	deps        *depgraph.Graph
	plan        *slp.Plan
	verdict     legality.Verdict
	order       []slp.Unit
	emitted     *schedule.Emitted
	costs       Costs
}

func (a *attempt) lanes() int {
	n := 0
	for _, p := range a.plan.Packs {
		n += p.Lanes()
	}
	for _, r := range a.plan.Reductions {
		n += len(r.Ops)
	}
	return n
}

// run is the state of Vectorize between stages
type run struct {
	task  *Task
	g     *ir.Graph // input, never modified
	loop  *ir.Loop
	pipe  *pipeline
	trace *Trace
	log   zerolog.Logger

	chains   []*reduction.Chain
	work     *ir.Graph // input clone holding the unrolled loop
	u        *ir.Unrolled
	windows  []*reduction.Window
	refs     map[ir.NodeID]*memref.MemRef
	attempts []*attempt
	legal    []*attempt // widest first
	chosen   *attempt
	emitted  *schedule.Emitted
}

// Vectorize compiles loop l of g. The input is never modified: every
// transformation happens on a copy of the graph, so a declined, failed or
// canceled run leaves nothing behind. A broken internal invariant is
// returned as an error wrapping *diag.InvariantViolation; the caller keeps
// the scalar loop.
func Vectorize(ctx context.Context, task *Task, g *ir.Graph, l *ir.Loop) (res *Result, err error) {
	start := time.Now()
	r := &run{
		task:  task,
		g:     g,
		loop:  l,
		trace: newTrace(l.Name, task.Target.Name),
		log:   task.Log.With().Str("loop", l.Name).Logger(),
	}
	r.pipe = newPipeline(l.Name, r.log)

	defer func() {
		r.trace.Stages = slices.Clone(r.pipe.history)
		switch {
		case err != nil && diag.IsInvariantViolation(err):
			var v *diag.InvariantViolation
			if errors.As(err, &v) {
				task.Diag.Add(v.Diagnostic())
			}
			task.Metrics.Loop("failed", time.Since(start))
			r.log.Error().Err(err).Msg("vectorization aborted")
			res = nil
		case err != nil:
			task.Metrics.Loop("canceled", time.Since(start))
			res = nil
		default:
			task.Metrics.Loop(res.Outcome.String(), time.Since(start))
		}
	}()
	defer diag.Recover(&err)

	return r.execute(ctx)
}

// Fallback is the result for a loop whose compile stopped with err: the
// untouched scalar loop, with err as the reason
func Fallback(task *Task, g *ir.Graph, l *ir.Loop, err error) *Result {
	tr := newTrace(l.Name, task.Target.Name)
	tr.Outcome = Failed
	tr.reason("%v", err)
	cp := *l
	return &Result{
		Program: ir.ScalarProgram(g, &cp, ir.LoopOutputs(g, l)),
		Trace:   tr,
		Outcome: Failed,
	}
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	cfg := r.task.Config
	if cfg.Override == config.ForceOff {
		return r.decline(diag.Rejectf("override", "vectorization is forced off")), nil
	}
	if r.loop.Stride <= 0 {
		return r.decline(diag.Rejectf("init", "stride %d is not positive", r.loop.Stride)), nil
	}

	steps := []struct {
		stage Stage
		fn    func() *diag.Reject
	}{
		{StageReductions, r.reductions},
		{StageUnroll, r.unroll},
		{StageCanonicalize, r.canonicalize},
		{StageDependencies, r.dependencies},
		{StagePacks, r.packs},
		{StageLegality, r.legality},
		{StageSchedule, r.schedule},
		{StageEmit, r.emit},
		{StageVerify, r.verify},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: loop %s before %s: %w", diag.ErrCanceled, r.loop.Name, s.stage, err)
		}
		r.pipe.advanceTo(s.stage)
		if rej := s.fn(); rej != nil {
			return r.decline(rej), nil
		}
	}
	r.pipe.advanceTo(StageDone)
	return r.accept(), nil
}

// decline keeps the scalar loop
func (r *run) decline(rej *diag.Reject) *Result {
	r.trace.Outcome = Declined
	r.trace.reason("%s", rej.Error())
	r.task.Diag.Note(diag.CategoryReject, diag.Site{Loop: r.loop.Name, Stage: rej.Stage}, "%s", rej.Reason)
	r.task.Metrics.Rejected(rej.Stage)
	r.log.Debug().Str("stage", rej.Stage).Str("reason", rej.Reason).Msg("loop left scalar")
	l := *r.loop
	return &Result{
		Program: ir.ScalarProgram(r.g, &l, ir.LoopOutputs(r.g, r.loop)),
		Trace:   r.trace,
		Outcome: Declined,
	}
}

func (r *run) accept() *Result {
	p := r.emitted.Program
	tr := r.trace
	tr.Outcome = Vectorized
	if r.emitted.Guard != nil {
		tr.Outcome = Speculative
		r.task.Diag.Note(diag.CategorySpeculative, diag.Site{Loop: r.loop.Name, Stage: "legality"},
			"vector loop runs behind a check of %d access pair(s)", len(r.chosen.verdict.Pairs))
		r.task.Metrics.Guard("built")
	}
	tr.Packs = len(r.chosen.plan.Packs)
	tr.Guards = len(p.Guards)
	tr.VectorOps = countVectorOps(p)
	r.task.Metrics.Emitted(tr.Packs, tr.VectorOps)
	r.log.Info().
		Stringer("outcome", tr.Outcome).
		Int("packs", tr.Packs).
		Int("vector_ops", tr.Total()).
		Int("unroll", tr.Unroll).
		Msg("loop vectorized")
	return &Result{Program: p, Trace: tr, Outcome: tr.Outcome}
}

func (r *run) reductions() *diag.Reject {
	r.pipe.validate(StageReductions, "reduction analysis")
	cfg := r.task.Config
	r.chains = reduction.FindReductions(r.g, r.loop, reduction.Options{
		RelaxedFloat: cfg.RelaxedFloatReduction,
		Hoist:        cfg.HoistReductions,
	})
	for _, c := range r.chains {
		r.trace.Modes[r.phiName(c.Phi)] = c.Mode
		if c.Reason != "" {
			r.trace.reason("reduction %s: %s", r.phiName(c.Phi), c.Reason)
		}
	}
	return nil
}

func (r *run) phiName(id ir.NodeID) string {
	if name := r.g.Node(id).Name; name != "" {
		return name
	}
	return fmt.Sprintf("n%d", id)
}

// unroll copies the body until one copy of the narrowest memory access
// fills a vector
func (r *run) unroll() *diag.Reject {
	r.pipe.validate(StageUnroll, "unrolling")
	narrowest := 0
	for _, id := range r.loop.Body {
		n := r.g.Node(id)
		if !n.Op.IsMemory() {
			continue
		}
		if size := n.Type.Size(); narrowest == 0 || size < narrowest {
			narrowest = size
		}
	}
	if narrowest == 0 {
		return diag.Rejectf("unroll", "loop has no memory accesses")
	}
	factor := r.task.Target.VectorBytes / narrowest
	if limit := r.task.Config.MaxUnroll; limit > 0 && factor > limit {
		factor = 1 << (bits.Len(uint(limit)) - 1)
	}
	if factor < 2 {
		return diag.Rejectf("unroll", "a %d byte vector holds a single %d byte element", r.task.Target.VectorBytes, narrowest)
	}
	r.work = r.g.Clone()
	u, err := ir.Unroll(r.work, r.loop, factor, r.loop.ID+1)
	if err != nil {
		return diag.Rejectf("unroll", "%v", err)
	}
	r.u = u
	r.trace.Unroll = factor
	for _, c := range r.chains {
		r.windows = append(r.windows, c.Unrolled(u))
	}
	return nil
}

func (r *run) canonicalize() *diag.Reject {
	r.pipe.validate(StageCanonicalize, "address canonicalization")
	r.refs = make(map[ir.NodeID]*memref.MemRef)
	invalid := 0
	for _, id := range r.u.Loop.Body {
		if r.work.Node(id).Op.IsMemory() {
			ref := memref.Canonicalize(r.work, r.u.Loop, id)
			if !ref.Valid {
				invalid++
			}
			r.refs[id] = ref
		}
	}
	if invalid > 0 {
		r.trace.reason("%d address(es) have no linear form", invalid)
	}
	return nil
}

// dependencies builds the dependence graph for a plain attempt and, when
// runtime checks are allowed and some pair of accesses cannot be told
// apart, for a speculative attempt that assumes distinct bases never alias
func (r *run) dependencies() *diag.Reject {
	r.pipe.validate(StageDependencies, "dependence analysis")
	plain := &attempt{g: r.work.Clone()}
	plain.deps = depgraph.Build(plain.g, r.u.Loop, r.refs, depgraph.Options{})
	r.attempts = append(r.attempts, plain)
	if r.task.Config.SpeculativeChecks && plain.deps.HasUnknown() {
		guarded := &attempt{speculative: true, g: r.work.Clone()}
		guarded.deps = depgraph.Build(guarded.g, r.u.Loop, r.refs, depgraph.Options{AssumeNoAlias: true})
		r.attempts = append(r.attempts, guarded)
	}
	return nil
}

func (r *run) packs() *diag.Reject {
	r.pipe.validate(StagePacks, "pack formation")
	cfg := r.task.Config
	for _, a := range r.attempts {
		a.plan = slp.FormPacks(&slp.Context{
			G:           a.g,
			Loop:        r.u.Loop,
			Deps:        a.deps,
			Windows:     r.windows,
			VectorBytes: r.task.Target.VectorBytes,
			Target:      r.task.Target,
			AlignStrict: cfg.AlignStrict,
			Log:         r.log,
		})
		r.log.Debug().Bool("speculative", a.speculative).Int("packs", len(a.plan.Packs)).Int("lanes", a.lanes()).Msg("plan formed")
	}
	r.attempts = lo.Filter(r.attempts, func(a *attempt, _ int) bool { return a.lanes() > 0 })
	if len(r.attempts) == 0 {
		return diag.Rejectf("packs", "no packs formed")
	}
	// widest plan first, the plain one on a tie
	slices.SortStableFunc(r.attempts, func(a, b *attempt) int { return b.lanes() - a.lanes() })
	return nil
}

// legality keeps every attempt whose plan may run, widest first
func (r *run) legality() *diag.Reject {
	r.pipe.validate(StageLegality, "legality review")
	var reasons []string
	for _, a := range r.attempts {
		a.verdict = legality.Check(&legality.Input{
			G:           a.g,
			Original:    r.loop,
			Unrolled:    r.u,
			Deps:        a.deps,
			Plan:        a.plan,
			Speculative: r.task.Config.SpeculativeChecks,
		})
		if a.verdict.Kind == legality.Reject {
			reasons = append(reasons, a.verdict.Reason)
			continue
		}
		r.legal = append(r.legal, a)
	}
	if len(r.legal) == 0 {
		return diag.Rejectf("legality", "%s", reasons[0])
	}
	return nil
}

// record copies the decisions of a plan into the trace
func (r *run) record(a *attempt) {
	pl := a.plan
	for _, d := range pl.Decisions {
		r.trace.Decisions = append(r.trace.Decisions, d.String())
	}
	r.trace.Dropped = append(r.trace.Dropped, pl.Dropped...)
	for _, w := range r.windows {
		r.trace.Modes[r.phiName(w.Chain.Phi)] = pl.Mode(w)
	}
	for w, why := range pl.Scalarized {
		r.trace.reason("reduction %s stays scalar: %s", r.phiName(w.Chain.Phi), why)
	}
	r.trace.Costs = a.costs
}

func (r *run) schedule() *diag.Reject {
	r.pipe.validate(StageSchedule, "scheduling")
	site := diag.Site{Loop: r.loop.Name, Stage: "schedule"}
	for _, a := range r.legal {
		units, succs := a.plan.Units(a.deps)
		order, err := schedule.Schedule(units, succs)
		if err != nil {
			diag.Violation(site, "%v", err)
		}
		if err := schedule.Respects(units, order, succs); err != nil {
			diag.Violation(site, "%v", err)
		}
		a.order = order
	}
	return nil
}

// emit builds the vector nest of each legal attempt in turn and keeps the
// first one that pays off. A speculative plan that loses to its guard
// falls back to the plain one.
func (r *run) emit() *diag.Reject {
	r.pipe.validate(StageEmit, "emission")
	cfg := r.task.Config
	a := firstProfitable(cfg.Override, r.legal, func(c *attempt) Costs {
		scalar := scalarCost(c.g, r.u.Loop.Body)
		c.emitted = schedule.Emit(&schedule.Input{
			G:           c.g,
			Original:    r.loop,
			Unrolled:    r.u,
			Windows:     r.windows,
			Plan:        c.plan,
			Deps:        c.deps,
			Order:       c.order,
			VectorBytes: r.task.Target.VectorBytes,
			AlignStrict: cfg.AlignStrict,
			Pairs:       c.verdict.Pairs,
			Log:         r.log,
		})
		costs := Costs{Scalar: scalar, Vector: vectorCost(c.emitted)}
		r.log.Debug().Bool("speculative", c.speculative).Int("vector", costs.Vector).Int("scalar", costs.Scalar).Msg("plan costed")
		return costs
	})
	if a == nil {
		widest := r.legal[0]
		r.record(widest)
		return diag.Rejectf("profitability", "vector body costs %d, scalar body %d", widest.costs.Vector, widest.costs.Scalar)
	}
	r.chosen, r.emitted = a, a.emitted
	r.record(a)
	return nil
}

// firstProfitable costs the attempts in order and returns the first that
// pays off under o, or nil
func firstProfitable(o config.Override, attempts []*attempt, cost func(*attempt) Costs) *attempt {
	for _, a := range attempts {
		a.costs = cost(a)
		if profitable(o, a.costs) {
			return a
		}
	}
	return nil
}

// verify checks the emitted program before anyone can run it
func (r *run) verify() *diag.Reject {
	r.pipe.validate(StageVerify, "verification")
	p := r.emitted.Program
	site := diag.Site{Loop: r.loop.Name, Stage: "verify"}
	if err := p.Verify(); err != nil {
		diag.Violation(site, "%v", err)
	}
	want := ir.LoopOutputs(r.g, r.loop)
	if len(p.Outputs) != len(want) {
		diag.Violation(site, "program reports %d values, the loop has %d", len(p.Outputs), len(want))
	}
	for i, o := range want {
		if p.Outputs[i].Name != o.Name {
			diag.Violation(site, "output %d is %q, expected %q", i, p.Outputs[i].Name, o.Name)
		}
	}
	return nil
}
