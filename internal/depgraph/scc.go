package depgraph

// SCC returns the strongly connected components of a graph over the
// vertices 0..n-1 using Tarjan's algorithm. Components come out in reverse
// topological order: a component is emitted after everything it reaches.
func SCC(n int, succs func(v int) []int) [][]int {
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var (
		stack []int
		comps [][]int
		next  int
	)
	var visit func(v int)
	visit = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range succs(v) {
			if index[w] < 0 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var comp []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		comps = append(comps, comp)
	}
	for v := 0; v < n; v++ {
		if index[v] < 0 {
			visit(v)
		}
	}
	return comps
}

// Cycles returns the components of SCC that are real cycles: more than one
// vertex, or a vertex with an edge to itself
func Cycles(n int, succs func(v int) []int) [][]int {
	var out [][]int
	for _, c := range SCC(n, succs) {
		if len(c) > 1 {
			out = append(out, c)
			continue
		}
		for _, w := range succs(c[0]) {
			if w == c[0] {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
