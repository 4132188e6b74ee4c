package engine

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/xyproto/superword/internal/ir"
)

// Target describes the vector unit of a machine: its widest vector in
// bytes and the element operations it has no vector form for
type Target struct {
	Name        string
	Platform    Platform
	VectorBytes int
	// AlignStrict is set when vector accesses must be vector aligned
	AlignStrict bool
	Features    []string

	missingOps   map[opShape]bool
	missingConvs map[convShape]bool
}

type opShape struct {
	op ir.Op
	t  ir.BasicType
}

type convShape struct {
	from, to ir.BasicType
}

type preset struct {
	arch        Arch
	vectorBytes int
	alignStrict bool
	features    []string
	missingOps  []opShape
	convs       []convShape
}

var (
	noIntDiv = []opShape{
		{ir.OpDiv, ir.TypeByte}, {ir.OpDiv, ir.TypeShort}, {ir.OpDiv, ir.TypeChar},
		{ir.OpDiv, ir.TypeInt}, {ir.OpDiv, ir.TypeLong},
	}
	noLongMul = []opShape{{ir.OpMul, ir.TypeLong}, {ir.OpAbs, ir.TypeLong}, {ir.OpMin, ir.TypeLong}, {ir.OpMax, ir.TypeLong}}
	noLongFP  = []convShape{
		{ir.TypeLong, ir.TypeDouble}, {ir.TypeDouble, ir.TypeLong},
		{ir.TypeLong, ir.TypeFloat}, {ir.TypeFloat, ir.TypeLong},
	}
)

var presets = map[string]preset{
	"sse4":   {ArchX86_64, 16, false, []string{"sse4.1"}, concat(noIntDiv, noLongMul), noLongFP},
	"avx2":   {ArchX86_64, 32, false, []string{"avx", "avx2"}, concat(noIntDiv, noLongMul), noLongFP},
	"avx512": {ArchX86_64, 64, false, []string{"avx", "avx2", "avx512f"}, noIntDiv, nil},
	"neon":   {ArchARM64, 16, false, []string{"asimd"}, concat(noIntDiv, []opShape{{ir.OpMul, ir.TypeLong}}), nil},
	"rvv":    {ArchRiscv64, 16, true, []string{"v"}, nil, nil},
}

func concat[T any](parts ...[]T) []T {
	var out []T
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Presets returns the known target names, sorted
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Named returns the preset called name
func Named(name string) (*Target, error) {
	p, ok := presets[strings.ToLower(name)]
	if !ok {
		msg := fmt.Sprintf("unknown target %q (known: %s)", name, strings.Join(Presets(), ", "))
		if s := Suggest(strings.ToLower(name), Presets(), 1); len(s) > 0 {
			msg += fmt.Sprintf(", did you mean %q?", s[0])
		}
		return nil, fmt.Errorf("%s", msg)
	}
	t := &Target{
		Name:         strings.ToLower(name),
		Platform:     Platform{Arch: p.arch, OS: HostPlatform().OS},
		VectorBytes:  p.vectorBytes,
		AlignStrict:  p.alignStrict,
		Features:     append([]string(nil), p.features...),
		missingOps:   make(map[opShape]bool),
		missingConvs: make(map[convShape]bool),
	}
	for _, s := range p.missingOps {
		t.missingOps[s] = true
	}
	for _, c := range p.convs {
		t.missingConvs[c] = true
	}
	return t, nil
}

// Detect returns the preset matching the host CPU. Hosts without a
// recognized vector unit get a generic 16-byte target.
func Detect() *Target {
	name := "sse4"
	switch HostPlatform().Arch {
	case ArchX86_64:
		switch {
		case cpu.X86.HasAVX512F:
			name = "avx512"
		case cpu.X86.HasAVX2:
			name = "avx2"
		}
	case ArchARM64:
		if cpu.ARM64.HasASIMD {
			name = "neon"
		}
	case ArchRiscv64:
		name = "rvv"
	}
	t, _ := Named(name)
	if t.Platform.Arch != HostPlatform().Arch && HostPlatform().Arch != ArchUnknown {
		t.Name = "generic"
		t.Platform.Arch = HostPlatform().Arch
		t.Features = nil
	}
	return t
}

// WithVectorBytes returns a copy of t whose widest vector has n bytes
func (t *Target) WithVectorBytes(n int) (*Target, error) {
	if n < 2 || n > 256 || bits.OnesCount(uint(n)) != 1 {
		return nil, fmt.Errorf("vector width %d is not a power of two between 2 and 256", n)
	}
	c := *t
	c.VectorBytes = n
	return &c, nil
}

// Supports reports whether op on lanes elements of type t is one vector
// operation on this target
func (t *Target) Supports(op ir.Op, typ ir.BasicType, lanes int) bool {
	if !t.fits(typ, lanes) {
		return false
	}
	return !t.missingOps[opShape{op, typ}]
}

// SupportsConv reports whether a lanes-wide conversion from one element
// type to another is one vector operation on this target. Both sides must
// fit in a vector.
func (t *Target) SupportsConv(from, to ir.BasicType, lanes int) bool {
	if !t.fits(from, lanes) || !t.fits(to, lanes) {
		return false
	}
	return !t.missingConvs[convShape{from, to}]
}

func (t *Target) fits(typ ir.BasicType, lanes int) bool {
	size := typ.Size()
	return size > 0 && lanes >= 2 && bits.OnesCount(uint(lanes)) == 1 && lanes*size <= t.VectorBytes
}

// MaxLanes returns how many elements of typ fit in one vector
func (t *Target) MaxLanes(typ ir.BasicType) int {
	if typ.Size() == 0 {
		return 0
	}
	return t.VectorBytes / typ.Size()
}

func (t *Target) String() string {
	s := fmt.Sprintf("%s (%s, %d-byte vectors", t.Name, t.Platform, t.VectorBytes)
	if t.AlignStrict {
		s += ", strict alignment"
	}
	if len(t.Features) > 0 {
		s += ", " + strings.Join(t.Features, " ")
	}
	return s + ")"
}
