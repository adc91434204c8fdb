package nest

// Fuse flattens the plan's thread-axis loops into a single parallel loop so
// the worker pool sees one balanced iteration space instead of nested fixed
// grids. The chain order is fixed by the emitters (outer split, batch,
// height, width, output channel, input channel); axes absent from a
// strategy simply do not appear in ThreadAxes. Fusion never crosses a
// sequential loop: only the recorded chain is touched.
//
// Trailing siblings of a fused inner loop (anchor publications that fire
// after the inner loop completes) are preserved by wrapping them in a
// last-iteration guard on the inner loop's variables.
//
// The plan is modified in place and returned.
func Fuse(p *Plan) *Plan {
	if len(p.ThreadAxes) < 2 {
		return p
	}

	acc := p.ThreadAxes[0]
	for _, inner := range p.ThreadAxes[1:] {
		if !fuseInto(acc, inner) {
			break
		}
	}
	p.ThreadAxes = []*Loop{acc}
	return p
}

// fuseInto merges inner, which must be the first statement of acc's body,
// into acc. Returns false when the chain is not directly nested.
func fuseInto(acc, inner *Loop) bool {
	if len(acc.Body) == 0 {
		return false
	}
	first, ok := acc.Body[0].(*Loop)
	if !ok || first != inner {
		return false
	}
	trailing := acc.Body[1:]

	acc.Label = acc.Label + "*" + inner.Label
	acc.Vars = append(acc.Vars, inner.Vars...)
	acc.Extents = append(acc.Extents, inner.Extents...)

	body := inner.Body
	if len(trailing) > 0 {
		body = append(append([]Node{}, body...), &If{
			Cond: lastIteration(inner.Vars, inner.Extents),
			Then: trailing,
		})
	}
	acc.Body = body
	return true
}

// lastIteration is true when every listed variable is at its final value.
func lastIteration(vars []Var, extents []int) func(Env) bool {
	vs := append([]Var{}, vars...)
	es := append([]int{}, extents...)
	return func(env Env) bool {
		for i, v := range vs {
			if env.Get(v) != es[i]-1 {
				return false
			}
		}
		return true
	}
}
