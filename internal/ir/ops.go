package ir

import "fmt"

// Op is an opcode. Behavior per opcode lives in the opTable below, not in
// per-opcode types.
type Op uint8

const (
	OpInvalid Op = iota
	OpConst      // AuxInt holds the integer value or the float bits
	OpParam      // loop-invariant input, Name identifies it
	OpIV         // induction variable of Node.Loop
	OpPhi        // loop-carried value: Args[0] = init, Args[1] = backedge
	OpAddP       // pointer + long byte offset
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpNeg
	OpAbs
	OpMin
	OpMax
	OpConv // converts Args[0] to Node.Type
	OpLoad
	OpStore
	OpCmpLT   // signed less-than, result bool
	OpCmpLE   // signed less-or-equal, result bool
	OpOrB     // boolean or
	OpAndB    // boolean and
	OpCastP2X // pointer to long, pinned by Ctrl
	OpSafepoint
	OpReplicate // broadcast a scalar to all lanes
	OpExtract   // Args[0] vector, AuxInt lane
	OpReduce    // horizontal reduction, AuxInt holds the element Op
	OpMerge     // value merged after a guard: Args[0] fast, Args[1] slow
	OpCtrl      // control point of a guard check, Args[0] is the last safepoint before it
	opCount
)

// OpKind groups opcodes for the pass
type OpKind uint8

const (
	KindLeaf OpKind = iota
	KindArith
	KindMemory
	KindConv
	KindControl
	KindVector
)

// OpInfo is the static description of one opcode
type OpInfo struct {
	Name        string
	Kind        OpKind
	Arity       int  // -1: variable
	Commutative bool // a op b == b op a
	Reorderable bool // associative and commutative on integers
	FloatOrder  bool // reassociation changes float rounding
	VectorName  string
	Cost        int // scalar cost per operation
	Identity    int64
	HasIdentity bool
}

var opTable = [opCount]OpInfo{
	OpInvalid:   {Name: "Invalid"},
	OpConst:     {Name: "Const", Kind: KindLeaf, Arity: 0},
	OpParam:     {Name: "Param", Kind: KindLeaf, Arity: 0},
	OpIV:        {Name: "IV", Kind: KindLeaf, Arity: 0},
	OpPhi:       {Name: "Phi", Kind: KindLeaf, Arity: 2},
	OpAddP:      {Name: "AddP", Kind: KindArith, Arity: 2, Cost: 1},
	OpAdd:       {Name: "Add", Kind: KindArith, Arity: 2, Commutative: true, Reorderable: true, FloatOrder: true, VectorName: "AddV", Cost: 1, HasIdentity: true},
	OpSub:       {Name: "Sub", Kind: KindArith, Arity: 2, VectorName: "SubV", Cost: 1},
	OpMul:       {Name: "Mul", Kind: KindArith, Arity: 2, Commutative: true, Reorderable: true, FloatOrder: true, VectorName: "MulV", Cost: 2, Identity: 1, HasIdentity: true},
	OpDiv:       {Name: "Div", Kind: KindArith, Arity: 2, VectorName: "DivV", Cost: 8},
	OpAnd:       {Name: "And", Kind: KindArith, Arity: 2, Commutative: true, Reorderable: true, VectorName: "AndV", Cost: 1, Identity: -1, HasIdentity: true},
	OpOr:        {Name: "Or", Kind: KindArith, Arity: 2, Commutative: true, Reorderable: true, VectorName: "OrV", Cost: 1, HasIdentity: true},
	OpXor:       {Name: "Xor", Kind: KindArith, Arity: 2, Commutative: true, Reorderable: true, VectorName: "XorV", Cost: 1, HasIdentity: true},
	OpShl:       {Name: "Shl", Kind: KindArith, Arity: 2, VectorName: "LShiftV", Cost: 1},
	OpShr:       {Name: "Shr", Kind: KindArith, Arity: 2, VectorName: "RShiftV", Cost: 1},
	OpNeg:       {Name: "Neg", Kind: KindArith, Arity: 1, VectorName: "NegV", Cost: 1},
	OpAbs:       {Name: "Abs", Kind: KindArith, Arity: 1, VectorName: "AbsV", Cost: 1},
	OpMin:       {Name: "Min", Kind: KindArith, Arity: 2, Commutative: true, Reorderable: true, VectorName: "MinV", Cost: 1},
	OpMax:       {Name: "Max", Kind: KindArith, Arity: 2, Commutative: true, Reorderable: true, VectorName: "MaxV", Cost: 1},
	OpConv:      {Name: "Conv", Kind: KindConv, Arity: 1, VectorName: "VectorCast", Cost: 1},
	OpLoad:      {Name: "Load", Kind: KindMemory, Arity: 1, VectorName: "LoadVector", Cost: 1},
	OpStore:     {Name: "Store", Kind: KindMemory, Arity: 2, VectorName: "StoreVector", Cost: 1},
	OpCmpLT:     {Name: "CmpLT", Kind: KindArith, Arity: 2, Cost: 1},
	OpCmpLE:     {Name: "CmpLE", Kind: KindArith, Arity: 2, Cost: 1},
	OpOrB:       {Name: "OrB", Kind: KindArith, Arity: 2, Commutative: true, Cost: 1},
	OpAndB:      {Name: "AndB", Kind: KindArith, Arity: 2, Commutative: true, Cost: 1},
	OpCastP2X:   {Name: "CastP2X", Kind: KindConv, Arity: 1, Cost: 1},
	OpSafepoint: {Name: "Safepoint", Kind: KindControl, Arity: 0},
	OpReplicate: {Name: "Replicate", Kind: KindVector, Arity: 1, Cost: 1},
	OpExtract:   {Name: "Extract", Kind: KindVector, Arity: 1, Cost: 1},
	OpReduce:    {Name: "Reduce", Kind: KindVector, Arity: 2},
	OpMerge:     {Name: "Merge", Kind: KindControl, Arity: 2},
	OpCtrl:      {Name: "Ctrl", Kind: KindControl, Arity: -1},
}

// Info returns the table entry for op
func (op Op) Info() *OpInfo {
	if op >= opCount {
		return &opTable[OpInvalid]
	}
	return &opTable[op]
}

func (op Op) String() string {
	if op >= opCount {
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
	return opTable[op].Name
}

// IsMemory is true for loads and stores
func (op Op) IsMemory() bool {
	return op == OpLoad || op == OpStore
}

// ReorderableFor reports whether a chain of op over t may be reassociated.
// Floating point chains are only reorderable when relaxed is set.
func (op Op) ReorderableFor(t BasicType, relaxed bool) bool {
	info := op.Info()
	if !info.Reorderable {
		return false
	}
	if t.IsFloat() {
		switch op {
		case OpAdd, OpMul:
			return relaxed
		case OpMin, OpMax:
			// NaN-propagating min and max are associative and commutative
			return true
		}
		return false
	}
	return true
}

// Identity returns the raw bits of the identity element of op for type t
func (op Op) Identity(t BasicType) (uint64, bool) {
	switch op {
	case OpMin:
		if t.IsFloat() {
			return FloatBits(t, posInf()), true
		}
		return uint64(maxOf(t)), true
	case OpMax:
		if t.IsFloat() {
			return FloatBits(t, -posInf()), true
		}
		return uint64(minOf(t)), true
	}
	info := op.Info()
	if !info.HasIdentity {
		return 0, false
	}
	if t.IsFloat() {
		if op == OpAdd {
			// -0.0 is the identity of IEEE addition: -0.0 + x == x for every x.
			return FloatBits(t, negZero()), true
		}
		return FloatBits(t, float64(info.Identity)), true
	}
	return uint64(Wrap(t, info.Identity)), true
}

// ParseOp parses the names used by loop description files
func ParseOp(s string) (Op, error) {
	for op := OpConst; op < opCount; op++ {
		if opTable[op].Name == s || lowerName(op) == s {
			return op, nil
		}
	}
	return OpInvalid, fmt.Errorf("unknown op: %s", s)
}

func lowerName(op Op) string {
	name := []byte(opTable[op].Name)
	for i, c := range name {
		if c >= 'A' && c <= 'Z' {
			name[i] = c + ('a' - 'A')
		}
	}
	return string(name)
}

// OpNames returns the lower-case names accepted by ParseOp
func OpNames() []string {
	names := make([]string, 0, opCount)
	for op := OpConst; op < opCount; op++ {
		names = append(names, lowerName(op))
	}
	return names
}
