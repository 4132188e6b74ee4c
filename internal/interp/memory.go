package interp

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/superword/internal/ir"
)

// allocAlign is the alignment of every fresh allocation
const allocAlign = 64

// Array is a typed view on memory. Element i lives at
// Base + ir.ArrayHeader + i*size.
type Array struct {
	Name string
	Type ir.BasicType
	Len  int
	Base int64
	mem  *Memory
}

// Addr returns the address of element i
func (a *Array) Addr(i int) int64 {
	return a.Base + ir.ArrayHeader + int64(i*a.Type.Size())
}

// Get returns the raw bits of element i
func (a *Array) Get(i int) uint64 {
	v, _ := a.mem.read(a.Addr(i), a.Type)
	return v
}

// Set stores raw bits into element i
func (a *Array) Set(i int, bits uint64) {
	_ = a.mem.write(a.Addr(i), a.Type, bits)
}

// Fill sets every element from f
func (a *Array) Fill(f func(i int) uint64) {
	for i := 0; i < a.Len; i++ {
		a.Set(i, f(i))
	}
}

// Values returns all elements
func (a *Array) Values() []uint64 {
	out := make([]uint64, a.Len)
	for i := range out {
		out[i] = a.Get(i)
	}
	return out
}

// Memory is a flat little-endian byte store holding named arrays. Address 0
// is never handed out.
type Memory struct {
	data   []byte
	arrays map[string]*Array
	order  []string
}

// NewMemory returns an empty memory
func NewMemory() *Memory {
	return &Memory{data: make([]byte, allocAlign), arrays: make(map[string]*Array)}
}

// Alloc creates a zeroed array of n elements on a fresh 64-byte aligned block
func (m *Memory) Alloc(name string, t ir.BasicType, n int) *Array {
	base := int64(len(m.data))
	base = (base + allocAlign - 1) &^ (allocAlign - 1)
	end := base + ir.ArrayHeader + int64(n*t.Size())
	end = (end + allocAlign - 1) &^ (allocAlign - 1)
	m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	return m.register(&Array{Name: name, Type: t, Len: n, Base: base, mem: m})
}

// Alias creates an array view named name whose base is offset bytes past
// the base of an existing array. The view must stay inside memory.
func (m *Memory) Alias(name, of string, offset int64, t ir.BasicType, n int) (*Array, error) {
	src, ok := m.arrays[of]
	if !ok {
		return nil, fmt.Errorf("alias %q: no array named %q", name, of)
	}
	a := &Array{Name: name, Type: t, Len: n, Base: src.Base + offset, mem: m}
	if a.Base < allocAlign || a.Addr(n) > int64(len(m.data)) {
		return nil, fmt.Errorf("alias %q: [%d, %d) is outside memory", name, a.Base, a.Addr(n))
	}
	return m.register(a), nil
}

func (m *Memory) register(a *Array) *Array {
	if _, dup := m.arrays[a.Name]; !dup {
		m.order = append(m.order, a.Name)
	}
	m.arrays[a.Name] = a
	return a
}

// Array returns the array called name, or nil
func (m *Memory) Array(name string) *Array {
	return m.arrays[name]
}

// Names returns the array names in creation order
func (m *Memory) Names() []string {
	return append([]string(nil), m.order...)
}

// Clone deep-copies memory and every array view
func (m *Memory) Clone() *Memory {
	c := &Memory{data: append([]byte(nil), m.data...), arrays: make(map[string]*Array), order: append([]string(nil), m.order...)}
	for name, a := range m.arrays {
		cp := *a
		cp.mem = c
		c.arrays[name] = &cp
	}
	return c
}

// Snapshot returns the elements of every array by name
func (m *Memory) Snapshot() map[string][]uint64 {
	out := make(map[string][]uint64, len(m.arrays))
	for name, a := range m.arrays {
		out[name] = a.Values()
	}
	return out
}

// inside reports whether [addr, addr+size) lies in the element area of an array
func (m *Memory) inside(addr int64, size int) bool {
	for _, name := range m.order {
		a := m.arrays[name]
		if addr >= a.Addr(0) && addr+int64(size) <= a.Addr(a.Len) {
			return true
		}
	}
	return false
}

func (m *Memory) read(addr int64, t ir.BasicType) (uint64, error) {
	size := t.Size()
	if !m.inside(addr, size) {
		return 0, fmt.Errorf("%w: %d bytes at %d", ErrOutOfBounds, size, addr)
	}
	var buf [8]byte
	copy(buf[:size], m.data[addr:addr+int64(size)])
	raw := binary.LittleEndian.Uint64(buf[:])
	if t.IsInteger() {
		return uint64(ir.Wrap(t, int64(raw))), nil
	}
	return raw, nil
}

func (m *Memory) write(addr int64, t ir.BasicType, bits uint64) error {
	size := t.Size()
	if !m.inside(addr, size) {
		return fmt.Errorf("%w: %d bytes at %d", ErrOutOfBounds, size, addr)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], bits)
	copy(m.data[addr:addr+int64(size)], buf[:size])
	return nil
}
