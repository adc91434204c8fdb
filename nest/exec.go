package nest

import (
	"sync"

	"github.com/born-ml/convplan/internal/parallel"
)

// Options configures one execution of a plan.
type Options struct {
	// Workers is the number of goroutines available to parallel loops.
	// Zero or one runs the plan sequentially.
	Workers int

	// OnAnchor, when non-nil, receives every output-region publication.
	// It may be called concurrently from different workers; regions
	// published at the same level never overlap.
	OnAnchor func(level int, r Region)
}

// Execute runs the plan to completion and returns the first compute error.
// A failing compute does not stop other in-flight iterations; the plan has
// no cancellation, matching the run-to-completion model of the emitters.
func Execute(p *Plan, opts Options) error {
	r := &runner{opts: opts}
	env := make(Env, p.NumVars)
	r.runNodes(p.Body, env)
	return r.err
}

type runner struct {
	opts Options
	mu   sync.Mutex
	err  error
}

func (r *runner) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *runner) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err != nil
}

func (r *runner) runNodes(nodes []Node, env Env) {
	for _, n := range nodes {
		if r.failed() {
			return
		}
		switch n := n.(type) {
		case *Loop:
			r.runLoop(n, env)
		case *If:
			if n.Cond(env) {
				r.runNodes(n.Then, env)
			}
		case *Compute:
			if err := n.Run(env); err != nil {
				r.fail(err)
			}
		case *Anchor:
			if r.opts.OnAnchor != nil {
				r.opts.OnAnchor(n.Level, n.Region(env))
			}
		}
	}
}

func (r *runner) runLoop(l *Loop, env Env) {
	total := l.Total()
	if l.Parallel && r.opts.Workers > 1 {
		parallel.For(total, func(i int) {
			// Workers mutate their own variable bindings.
			worker := make(Env, len(env))
			copy(worker, env)
			l.decompose(i, worker)
			r.runNodes(l.Body, worker)
		}, parallel.Workers(r.opts.Workers))
		return
	}
	for i := 0; i < total; i++ {
		l.decompose(i, env)
		r.runNodes(l.Body, env)
		if r.failed() {
			return
		}
	}
}
