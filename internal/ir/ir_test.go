package ir

import (
	"math"
	"strings"
	"testing"
)

// sumLoop builds: for i in [0,n): a[i] = b[i] + c; s += b[i]
func sumLoop(t *testing.T) (*Graph, *Loop, NodeID) {
	t.Helper()
	g := NewGraph()
	b := NewLoopBuilder(g, "sum")
	a := b.Array("a", 8)
	src := b.Array("b", 8)
	n := b.Param("n", TypeLong)
	c := b.ConstOf(TypeInt, 3)
	b.Range(b.Const(0), n, 1).Bounds(0, 1<<20)
	b.Safepoint()
	s := b.Phi("s", TypeInt, b.ConstOf(TypeInt, 0))
	x := b.Load(TypeInt, b.Addr(src, b.IV(), TypeInt, 0))
	b.Store(TypeInt, b.Addr(a, b.IV(), TypeInt, 0), b.Op(OpAdd, TypeInt, x, c))
	b.SetBackedge(s, b.Op(OpAdd, TypeInt, s, x))
	return g, b.Build(), s
}

func TestUnrollThreadsPhis(t *testing.T) {
	g, l, s := sumLoop(t)
	u, err := Unroll(g, l, 4, 2)
	if err != nil {
		t.Fatalf("Unroll: %v", err)
	}
	if u.Loop.Stride != 4 {
		t.Errorf("stride = %d, want 4", u.Loop.Stride)
	}
	if len(u.Copies) != 4 {
		t.Fatalf("got %d copies, want 4", len(u.Copies))
	}
	phi := u.PhiMap[s]
	// copy 1 starts with the sum computed by copy 0
	if got, want := u.Copies[1][s], u.Copies[0][Backedge(g, s)]; got != want {
		t.Errorf("copy 1 phi image = n%d, want n%d", got, want)
	}
	if got, want := Backedge(g, phi), u.Copies[3][Backedge(g, s)]; got != want {
		t.Errorf("backedge = n%d, want n%d", got, want)
	}
	for _, id := range u.Loop.Body {
		if g.Node(id).Loop != 2 {
			t.Errorf("n%d not tagged with the unrolled loop", id)
		}
	}
	// the original loop is untouched
	if l.Stride != 1 || len(l.Body) == len(u.Loop.Body) {
		t.Errorf("original loop was modified")
	}
}

func TestUnrollRejectsBadFactor(t *testing.T) {
	g, l, _ := sumLoop(t)
	if _, err := Unroll(g, l, 0, 2); err == nil {
		t.Error("expected an error for factor 0")
	}
	l.Stride = -1
	if _, err := Unroll(g, l, 2, 2); err == nil {
		t.Error("expected an error for a negative stride")
	}
}

func TestCloneLoopSharesOutsideValues(t *testing.T) {
	g, l, s := sumLoop(t)
	c, m := CloneLoop(g, l, 7, LoopSlow)
	if c.Kind != LoopSlow || c.ID != 7 {
		t.Fatalf("clone has kind %v id %d", c.Kind, c.ID)
	}
	if g.Node(m[s]).Arg(0) != g.Node(s).Arg(0) {
		t.Error("phi init should be shared with the original")
	}
	if g.Node(m[s]).Arg(1) != m[Backedge(g, s)] {
		t.Error("phi backedge should point into the clone")
	}
	for _, id := range c.Body {
		if l.Contains(id) {
			t.Errorf("clone body node n%d belongs to the original", id)
		}
	}
}

func TestVerifyFindsStaleEntries(t *testing.T) {
	g, l, s := sumLoop(t)
	p := ScalarProgram(g, l, []Output{{Name: "s", Node: s}})
	if err := p.Verify(); err != nil {
		t.Fatalf("scalar program should verify: %v", err)
	}

	p.Loops[42] = &Loop{ID: 42, IV: l.IV}
	err := p.Verify()
	if err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("expected an unreachable loop error, got %v", err)
	}
	delete(p.Loops, 42)

	l.Guard = 9
	if err := p.Verify(); err == nil || !strings.Contains(err.Error(), "stale guard") {
		t.Errorf("expected a stale guard error, got %v", err)
	}
}

func TestVerifyRequiresPinnedCasts(t *testing.T) {
	g, l, _ := sumLoop(t)
	p := ScalarProgram(g, l, nil)
	ctrl := g.Add(Node{Op: OpCtrl, Type: TypeVoid, Args: []NodeID{l.Entry[0]}})
	cast := g.New(OpCastP2X, TypeLong, g.ParamByName("a").ID)
	pred := g.New(OpCmpLE, TypeBool, cast.ID, cast.ID)
	slow, _ := CloneLoop(g, l, p.NewLoopID(), LoopSlow)
	p.AddLoop(slow)
	gd := &Guard{Ctrl: ctrl.ID, Inputs: []NodeID{cast.ID, pred.ID}, Pred: pred.ID,
		Fast: &Seq{}, Slow: &LoopRegion{Loop: slow.ID}}
	p.AddGuard(gd)
	p.Root.Items = append(p.Root.Items, &GuardRegion{Guard: gd.ID})

	if err := p.Verify(); err == nil || !strings.Contains(err.Error(), "not pinned") {
		t.Errorf("expected an unpinned cast error, got %v", err)
	}
	cast.Ctrl = ctrl.ID
	if err := p.Verify(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEvalScalar(t *testing.T) {
	tests := []struct {
		name string
		op   Op
		t    BasicType
		from BasicType
		args []int64
		want int64
	}{
		{"byte wraps", OpAdd, TypeByte, TypeByte, []int64{127, 1}, -128},
		{"char is unsigned", OpSub, TypeChar, TypeChar, []int64{0, 1}, 65535},
		{"int shift masks", OpShl, TypeInt, TypeInt, []int64{1, 33}, 2},
		{"long shift masks", OpShl, TypeLong, TypeLong, []int64{1, 65}, 2},
		{"min int / -1", OpDiv, TypeInt, TypeInt, []int64{math.MinInt32, -1}, math.MinInt32},
		{"narrowing conv", OpConv, TypeByte, TypeInt, []int64{300}, 44},
		{"signed compare", OpCmpLT, TypeBool, TypeLong, []int64{-1, 0}, 1},
	}
	for _, tt := range tests {
		vals := make([]uint64, len(tt.args))
		for i, a := range tt.args {
			vals[i] = uint64(a)
		}
		got, err := EvalScalar(tt.op, tt.t, tt.from, vals...)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if int64(got) != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, int64(got), tt.want)
		}
	}

	if _, err := EvalScalar(OpDiv, TypeInt, TypeInt, 1, 0); err != ErrDivideByZero {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
	nan := FloatBits(TypeDouble, math.NaN())
	got, _ := EvalScalar(OpConv, TypeInt, TypeDouble, nan)
	if got != 0 {
		t.Errorf("NaN converts to %d, want 0", got)
	}
	big := FloatBits(TypeFloat, 1e20)
	got, _ = EvalScalar(OpConv, TypeInt, TypeFloat, big)
	if int64(got) != math.MaxInt32 {
		t.Errorf("1e20 converts to %d, want MaxInt32", int64(got))
	}
	negz := FloatBits(TypeDouble, math.Copysign(0, -1))
	got, _ = EvalScalar(OpMin, TypeDouble, TypeDouble, FloatBits(TypeDouble, 0), negz)
	if got != negz {
		t.Error("min(0.0, -0.0) should be -0.0")
	}
}

func TestIdentityOfFloatAddIsNegativeZero(t *testing.T) {
	id, ok := OpAdd.Identity(TypeDouble)
	if !ok {
		t.Fatal("Add has an identity")
	}
	negz := FloatBits(TypeDouble, math.Copysign(0, -1))
	got, _ := EvalScalar(OpAdd, TypeDouble, TypeDouble, id, negz)
	if got != negz {
		t.Error("identity + -0.0 must stay -0.0")
	}
	if _, ok := OpSub.Identity(TypeInt); ok {
		t.Error("Sub has no identity")
	}
}

func TestParseRoundTrip(t *testing.T) {
	for op := OpConst; op < opCount; op++ {
		got, err := ParseOp(op.String())
		if err != nil || got != op {
			t.Errorf("ParseOp(%q) = %v, %v", op.String(), got, err)
		}
	}
	if _, err := ParseType("quad"); err == nil {
		t.Error("expected an error for an unknown type")
	}
}
