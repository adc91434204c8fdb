// Package nest defines the loop-nest representation emitted by the
// convolution planner: an explicit tree of tagged loop nodes built by pure
// builder functions and executed by a separate interpreter. Keeping the
// structure as data decouples what a plan is from how it runs, and lets the
// scheduler fuse parallel axes before execution.
package nest

// Var identifies one loop variable within a plan.
type Var int

// Env holds the current value of every loop variable. Each worker gets its
// own Env during execution; indices are Var values.
type Env []int

// Get returns the current value of v.
func (e Env) Get(v Var) int { return e[v] }

// Node is one element of the loop tree.
type Node interface {
	isNode()
}

// Loop iterates one or more fused axes. The flat iteration count is the
// product of Extents; each flat index decomposes row-major into Vars, with
// Vars[0] slowest. Parallel loops may distribute iterations over workers;
// disjointness of the work done by different iterations is the emitter's
// responsibility.
type Loop struct {
	Label    string
	Vars     []Var
	Extents  []int
	Parallel bool
	Body     []Node
}

// If guards its body with a runtime condition over loop variables.
type If struct {
	Cond func(Env) bool
	Then []Node
}

// Compute is a leaf performing real work, typically one micro-kernel call.
type Compute struct {
	Label string
	Run   func(Env) error
}

// Region is a rectangular sub-tensor in NHWC coordinates.
type Region struct {
	Begin [4]int
	Size  [4]int
}

// Elements returns the number of tensor elements the region covers.
func (r Region) Elements() int {
	n := 1
	for _, s := range r.Size {
		n *= s
	}
	return n
}

// Anchor is a leaf publishing a finalized output region to a downstream
// consumer. Level orders granularities: lower levels are finer and fire
// before any coarser anchor covering the same elements.
type Anchor struct {
	Level  int
	Region func(Env) Region
}

func (*Loop) isNode()    {}
func (*If) isNode()      {}
func (*Compute) isNode() {}
func (*Anchor) isNode()  {}

// Plan is a complete emitted loop nest.
//
// ThreadAxes records the chain of parallel thread-axis loops, outermost
// first, in the order the scheduler fuses them. Each listed loop must be
// nested directly inside its predecessor.
type Plan struct {
	NumVars    int
	Body       []Node
	ThreadAxes []*Loop
}

// Total returns the flat iteration count of a loop.
func (l *Loop) Total() int {
	n := 1
	for _, e := range l.Extents {
		n *= e
	}
	return n
}

// decompose writes the loop variable values for flat index i into env.
func (l *Loop) decompose(i int, env Env) {
	for k := len(l.Vars) - 1; k >= 0; k-- {
		env[l.Vars[k]] = i % l.Extents[k]
		i /= l.Extents[k]
	}
}
