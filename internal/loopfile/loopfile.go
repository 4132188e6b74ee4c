// Package loopfile reads loop description files: YAML documents naming the
// parameters, the counted loop, its phis and body, plus optional run data
// for the reference interpreter.
package loopfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xyproto/superword/internal/engine"
	"github.com/xyproto/superword/internal/ir"
)

// File is a parsed loop description
type File struct {
	Name        string
	Description string
	Path        string
	Graph       *ir.Graph
	Loop        *ir.Loop
	Run         *Run // nil without run data
}

// Value is a scalar as written in the file: a number, a name, or raw bits
// written as bits:0x...
type Value string

// UnmarshalYAML keeps the scalar text so it can be typed later
func (v *Value) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", n.Line)
	}
	*v = Value(n.Value)
	return nil
}

type document struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Params      []paramDoc `yaml:"params"`
	Loop        loopDoc    `yaml:"loop"`
	Phis        []phiDoc   `yaml:"phis,omitempty"`
	Body        []opDoc    `yaml:"body"`
	Run         *runDoc    `yaml:"run,omitempty"`
}

type paramDoc struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Align int    `yaml:"align,omitempty"`
}

type loopDoc struct {
	Init      Value   `yaml:"init"`
	Limit     Value   `yaml:"limit"`
	Stride    int64   `yaml:"stride,omitempty"`
	Bounds    []int64 `yaml:"bounds,omitempty"`
	Safepoint bool    `yaml:"safepoint,omitempty"`
	Preheader []opDoc `yaml:"preheader,omitempty"`
}

type phiDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Init Value  `yaml:"init"`
	Next string `yaml:"next"`
}

type opDoc struct {
	ID     string  `yaml:"id,omitempty"`
	Op     string  `yaml:"op"`
	Type   string  `yaml:"type"`
	Args   []Value `yaml:"args,omitempty"`
	Array  string  `yaml:"array,omitempty"`
	Index  string  `yaml:"index,omitempty"`
	Offset int64   `yaml:"offset,omitempty"`
	Slice  string  `yaml:"slice,omitempty"`
	Value  Value   `yaml:"value,omitempty"`
}

// Load reads and parses the loop description at path
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read loop file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		f.Loop.Name = f.Name
	}
	return f, nil
}

// Parse builds a loop from a YAML document. Unknown fields are errors.
func Parse(data []byte) (*File, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	b := &build{
		g:     ir.NewGraph(),
		names: make(map[string]ir.NodeID),
	}
	if err := b.loop(&doc); err != nil {
		return nil, err
	}
	f := &File{Name: doc.Name, Description: doc.Description, Graph: b.g, Loop: b.lb.Build()}
	if doc.Run != nil {
		run, err := parseRun(doc.Run, b.g, f.Loop)
		if err != nil {
			return nil, fmt.Errorf("run: %w", err)
		}
		f.Run = run
	}
	return f, nil
}

// build turns a document into graph nodes
type build struct {
	g     *ir.Graph
	lb    *ir.LoopBuilder
	names map[string]ir.NodeID
}

func (b *build) define(name string, id ir.NodeID) error {
	if name == "" {
		return nil
	}
	if _, dup := b.names[name]; dup {
		return fmt.Errorf("%q is defined twice", name)
	}
	b.names[name] = id
	return nil
}

func (b *build) loop(doc *document) error {
	b.lb = ir.NewLoopBuilder(b.g, doc.Name)
	b.names["i"] = b.lb.IV()

	for _, p := range doc.Params {
		t, err := ir.ParseType(p.Type)
		if err != nil {
			return fmt.Errorf("param %q: %w", p.Name, err)
		}
		var id ir.NodeID
		if t == ir.TypePtr {
			id = b.lb.Array(p.Name, p.Align)
		} else {
			id = b.lb.Param(p.Name, t)
		}
		if err := b.define(p.Name, id); err != nil {
			return fmt.Errorf("param: %w", err)
		}
	}

	l := doc.Loop
	if l.Safepoint {
		b.lb.Safepoint()
	}
	for i, op := range l.Preheader {
		if err := b.op(op, true); err != nil {
			return fmt.Errorf("preheader[%d]: %w", i, err)
		}
	}
	start, err := b.value(l.Init, ir.TypeLong)
	if err != nil {
		return fmt.Errorf("loop init: %w", err)
	}
	limit, err := b.value(l.Limit, ir.TypeLong)
	if err != nil {
		return fmt.Errorf("loop limit: %w", err)
	}
	stride := l.Stride
	if stride == 0 {
		stride = 1
	}
	b.lb.Range(start, limit, stride)
	switch len(l.Bounds) {
	case 0:
	case 2:
		if l.Bounds[0] > l.Bounds[1] {
			return fmt.Errorf("loop bounds [%d, %d] are empty", l.Bounds[0], l.Bounds[1])
		}
		b.lb.Bounds(l.Bounds[0], l.Bounds[1])
	default:
		return fmt.Errorf("loop bounds need two values, got %d", len(l.Bounds))
	}

	phis := make([]ir.NodeID, len(doc.Phis))
	for i, p := range doc.Phis {
		t, err := ir.ParseType(p.Type)
		if err != nil {
			return fmt.Errorf("phi %q: %w", p.Name, err)
		}
		v, err := b.value(p.Init, t)
		if err != nil {
			return fmt.Errorf("phi %q: %w", p.Name, err)
		}
		phis[i] = b.lb.Phi(p.Name, t, v)
		if err := b.define(p.Name, phis[i]); err != nil {
			return fmt.Errorf("phi: %w", err)
		}
	}

	if len(doc.Body) == 0 {
		return fmt.Errorf("loop %q has an empty body", doc.Name)
	}
	for i, op := range doc.Body {
		if err := b.op(op, false); err != nil {
			if op.ID != "" {
				return fmt.Errorf("body[%d] (%s): %w", i, op.ID, err)
			}
			return fmt.Errorf("body[%d]: %w", i, err)
		}
	}

	for i, p := range doc.Phis {
		next, ok := b.names[p.Next]
		if !ok {
			return fmt.Errorf("phi %q: next value %q is not defined", p.Name, p.Next)
		}
		b.lb.SetBackedge(phis[i], next)
	}
	return nil
}

// value resolves a name, or makes a constant of type t
func (b *build) value(v Value, t ir.BasicType) (ir.NodeID, error) {
	s := string(v)
	if s == "" {
		return ir.NoNode, fmt.Errorf("missing value")
	}
	if id, ok := b.names[s]; ok {
		return id, nil
	}
	bits, err := parseBits(t, s)
	if err != nil {
		return ir.NoNode, err
	}
	return b.g.Add(ir.Node{Op: ir.OpConst, Type: t, AuxInt: int64(bits)}).ID, nil
}

func (b *build) op(d opDoc, preheader bool) error {
	t, err := ir.ParseType(d.Type)
	if err != nil {
		return err
	}
	var id ir.NodeID
	switch d.Op {
	case "const":
		if id, err = b.value(d.Value, t); err != nil {
			return err
		}
	case "load", "store":
		if preheader {
			return fmt.Errorf("memory access outside the loop body")
		}
		if id, err = b.access(d, t); err != nil {
			return err
		}
	default:
		op, err := ir.ParseOp(d.Op)
		if err != nil {
			if s := engine.Suggest(d.Op, ir.OpNames(), 3); len(s) > 0 {
				return fmt.Errorf("unknown op %q, did you mean %q?", d.Op, s[0])
			}
			return fmt.Errorf("unknown op %q", d.Op)
		}
		info := op.Info()
		if info.Kind != ir.KindArith && info.Kind != ir.KindConv {
			return fmt.Errorf("op %q cannot be written in a loop file", d.Op)
		}
		if info.Arity >= 0 && len(d.Args) != info.Arity {
			return fmt.Errorf("%s takes %d argument(s), got %d", d.Op, info.Arity, len(d.Args))
		}
		args := make([]ir.NodeID, len(d.Args))
		for i, a := range d.Args {
			if args[i], err = b.value(a, t); err != nil {
				return fmt.Errorf("argument %d: %w", i, err)
			}
		}
		if preheader {
			id = b.lb.Preheader(op, t, args...)
		} else {
			id = b.lb.Op(op, t, args...)
		}
	}
	return b.define(d.ID, id)
}

func (b *build) access(d opDoc, t ir.BasicType) (ir.NodeID, error) {
	base, ok := b.names[d.Array]
	if !ok || b.g.Node(base).Type != ir.TypePtr {
		return ir.NoNode, fmt.Errorf("%s needs an array parameter, got %q", d.Op, d.Array)
	}
	index := d.Index
	if index == "" {
		index = "i"
	}
	idx, ok := b.names[index]
	if !ok {
		return ir.NoNode, fmt.Errorf("index %q is not defined", index)
	}
	addr := b.lb.Addr(base, idx, t, d.Offset)
	slice := d.Slice
	if slice == "" {
		slice = ir.DefaultSlice(t)
	}
	if d.Op == "load" {
		return b.lb.LoadSlice(slice, t, addr), nil
	}
	v, err := b.value(d.Value, t)
	if err != nil {
		return ir.NoNode, fmt.Errorf("stored value: %w", err)
	}
	return b.lb.StoreSlice(slice, t, addr, v), nil
}
