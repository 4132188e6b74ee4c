package loopfile

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/xyproto/superword/internal/interp"
	"github.com/xyproto/superword/internal/ir"
)

type runDoc struct {
	Params map[string]Value `yaml:"params,omitempty"`
	Arrays []arrayDoc       `yaml:"arrays"`
	Expect map[string]Value `yaml:"expect,omitempty"`
}

type arrayDoc struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"`
	Len    int      `yaml:"len"`
	Alias  string   `yaml:"alias,omitempty"`
	Offset int64    `yaml:"offset,omitempty"` // bytes from the aliased array base
	Fill   *fillDoc `yaml:"fill,omitempty"`
}

type fillDoc struct {
	Start  Value   `yaml:"start,omitempty"`
	Step   Value   `yaml:"step,omitempty"`
	Random uint64  `yaml:"random,omitempty"` // seed
	Range  int64   `yaml:"range,omitempty"`
	Values []Value `yaml:"values,omitempty"`
}

// Array describes one allocation of a run
type Array struct {
	Name   string
	Type   ir.BasicType
	Len    int
	Alias  string
	Offset int64
	Values func(i int) uint64 // nil leaves memory zeroed
}

// Run is the input of a reference run plus the outputs it must produce
type Run struct {
	Params map[string]uint64
	Arrays []Array
	Expect map[string]uint64
	types  map[string]ir.BasicType
}

func parseRun(d *runDoc, g *ir.Graph, l *ir.Loop) (*Run, error) {
	r := &Run{
		Params: make(map[string]uint64, len(d.Params)),
		Expect: make(map[string]uint64, len(d.Expect)),
		types:  make(map[string]ir.BasicType),
	}
	for _, name := range sortedKeys(d.Params) {
		p := g.ParamByName(name)
		if p == nil || p.Type == ir.TypePtr {
			return nil, fmt.Errorf("%q is not a scalar parameter", name)
		}
		bits, err := parseBits(p.Type, string(d.Params[name]))
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", name, err)
		}
		r.Params[name] = bits
	}
	for _, p := range g.Params() {
		if _, ok := r.Params[p.Name]; !ok && p.Type != ir.TypePtr {
			return nil, fmt.Errorf("param %q has no value", p.Name)
		}
	}

	seen := make(map[string]bool)
	for _, a := range d.Arrays {
		arr, err := parseArray(a, seen)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", a.Name, err)
		}
		seen[a.Name] = true
		r.Arrays = append(r.Arrays, arr)
	}

	outputs := lo.SliceToMap(ir.LoopOutputs(g, l), func(o ir.Output) (string, ir.BasicType) {
		return o.Name, g.Node(o.Node).Type
	})
	for _, name := range sortedKeys(d.Expect) {
		t, ok := outputs[name]
		if !ok {
			return nil, fmt.Errorf("expected output %q is not a phi of the loop", name)
		}
		bits, err := parseBits(t, string(d.Expect[name]))
		if err != nil {
			return nil, fmt.Errorf("expect %q: %w", name, err)
		}
		r.Expect[name] = bits
		r.types[name] = t
	}
	return r, nil
}

func parseArray(a arrayDoc, seen map[string]bool) (Array, error) {
	t, err := ir.ParseType(a.Type)
	if err != nil {
		return Array{}, err
	}
	if t == ir.TypeVoid || t == ir.TypePtr {
		return Array{}, fmt.Errorf("arrays cannot hold %s", t)
	}
	if a.Len <= 0 {
		return Array{}, fmt.Errorf("length %d is not positive", a.Len)
	}
	if seen[a.Name] {
		return Array{}, fmt.Errorf("declared twice")
	}
	if a.Alias != "" && !seen[a.Alias] {
		return Array{}, fmt.Errorf("aliases %q, which is not declared before it", a.Alias)
	}
	arr := Array{Name: a.Name, Type: t, Len: a.Len, Alias: a.Alias, Offset: a.Offset}
	if a.Fill != nil {
		if arr.Values, err = a.Fill.values(t, a.Len); err != nil {
			return Array{}, err
		}
	}
	return arr, nil
}

// values returns the element generator of a fill
func (f *fillDoc) values(t ir.BasicType, n int) (func(i int) uint64, error) {
	switch {
	case len(f.Values) > 0:
		if len(f.Values) > n {
			return nil, fmt.Errorf("%d values for %d elements", len(f.Values), n)
		}
		bits := make([]uint64, len(f.Values))
		for i, v := range f.Values {
			b, err := parseBits(t, string(v))
			if err != nil {
				return nil, fmt.Errorf("value %d: %w", i, err)
			}
			bits[i] = b
		}
		// the list repeats when it is shorter than the array
		return func(i int) uint64 { return bits[i%len(bits)] }, nil
	case f.Random != 0:
		span := f.Range
		if span <= 0 {
			span = 100
		}
		rng := rand.New(rand.NewPCG(f.Random, uint64(n)))
		bits := make([]uint64, n)
		for i := range bits {
			v := rng.Int64N(2*span+1) - span
			if t.IsFloat() {
				bits[i] = ir.FloatBits(t, float64(v)/4)
			} else {
				bits[i] = uint64(ir.Wrap(t, v))
			}
		}
		return func(i int) uint64 { return bits[i] }, nil
	default:
		start, step := Value("0"), Value("1")
		if f.Start != "" {
			start = f.Start
		}
		if f.Step != "" {
			step = f.Step
		}
		if t.IsFloat() {
			s, err := parseFloat(string(start))
			if err != nil {
				return nil, fmt.Errorf("start: %w", err)
			}
			d, err := parseFloat(string(step))
			if err != nil {
				return nil, fmt.Errorf("step: %w", err)
			}
			return func(i int) uint64 { return ir.FloatBits(t, s+float64(i)*d) }, nil
		}
		s, err := parseInt(string(start))
		if err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		d, err := parseInt(string(step))
		if err != nil {
			return nil, fmt.Errorf("step: %w", err)
		}
		return func(i int) uint64 { return uint64(ir.Wrap(t, s+int64(i)*d)) }, nil
	}
}

// Memory allocates and fills the arrays of the run
func (r *Run) Memory() (*interp.Memory, error) {
	mem := interp.NewMemory()
	for _, a := range r.Arrays {
		var arr *interp.Array
		if a.Alias != "" {
			var err error
			if arr, err = mem.Alias(a.Name, a.Alias, a.Offset, a.Type, a.Len); err != nil {
				return nil, fmt.Errorf("array %q: %w", a.Name, err)
			}
		} else {
			arr = mem.Alloc(a.Name, a.Type, a.Len)
		}
		if a.Values != nil {
			arr.Fill(a.Values)
		}
	}
	return mem, nil
}

// Check compares the outputs of a run with the expected ones
func (r *Run) Check(outputs map[string]uint64) error {
	var errs []error
	for _, name := range sortedKeys(r.Expect) {
		got, ok := outputs[name]
		want := r.Expect[name]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("output %q is missing", name))
		case got != want:
			t := r.types[name]
			errs = append(errs, fmt.Errorf("output %q: got %s, want %s", name, Format(t, got), Format(t, want)))
		}
	}
	return errors.Join(errs...)
}

// Format renders raw bits of type t for messages
func Format(t ir.BasicType, bits uint64) string {
	if t.IsFloat() {
		return strconv.FormatFloat(ir.FloatOf(t, bits), 'g', -1, 64)
	}
	return strconv.FormatInt(int64(bits), 10)
}

const bitsPrefix = "bits:"

// parseBits reads a literal of type t. Integers accept any base prefix Go
// does; bits:0x... gives the raw pattern, which is the only way to write a
// NaN with a payload.
func parseBits(t ir.BasicType, s string) (uint64, error) {
	if raw, ok := strings.CutPrefix(s, bitsPrefix); ok {
		v, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad raw bits %q", s)
		}
		return v, nil
	}
	switch {
	case t.IsFloat():
		f, err := parseFloat(s)
		if err != nil {
			return 0, err
		}
		return ir.FloatBits(t, f), nil
	case t.IsInteger():
		v, err := parseInt(s)
		if err != nil {
			return 0, err
		}
		return uint64(ir.Wrap(t, v)), nil
	default:
		return 0, fmt.Errorf("no literal of type %s: %q", t, s)
	}
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer or a known name", s)
	}
	return v, nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number or a known name", s)
	}
	return f, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
