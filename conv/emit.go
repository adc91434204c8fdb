package conv

import (
	"github.com/born-ml/convplan/brgemm"
	"github.com/born-ml/convplan/machine"
	"github.com/born-ml/convplan/nest"
	"github.com/born-ml/convplan/tensor"
)

// Anchor levels, finest first. A plan publishes each distinct region
// exactly once, at the finest level where the region is known complete;
// every coarser anchor covers strictly more elements than the one below.
const (
	LevelRow = iota
	LevelTile
	LevelOCBlock
	LevelWidth
	LevelHeight
	LevelImage
)

// Binding supplies the runtime operands of a plan: the NHWC input, the
// blocked weights (see PackWeights), the NHWC output, and the micro-kernel
// to invoke. WantAnchors controls whether output-region publications are
// emitted into the nest.
type Binding struct {
	Input  *tensor.RawTensor
	Weight *tensor.RawTensor
	Output *tensor.RawTensor
	Kernel brgemm.Kernel

	WantAnchors bool
}

// emitter carries the state shared by the strategy builders.
type emitter struct {
	p   *Problem
	cfg *Config
	m   *machine.Descriptor
	b   *Binding

	nvars int

	// casc tracks the extent of the last emitted anchor so each coarser
	// level fires only when its region strictly grows.
	casc struct{ h, w, oc int }
}

func newEmitter(p *Problem, cfg *Config, m *machine.Descriptor, b *Binding) *emitter {
	return &emitter{p: p, cfg: cfg, m: m, b: b}
}

func (e *emitter) v() nest.Var {
	v := nest.Var(e.nvars)
	e.nvars++
	return v
}

// grows reports whether a (rows, cols, channels) anchor extent is strictly
// larger than the last one emitted, and records it.
func (e *emitter) grows(h, w, oc int) bool {
	if h == e.casc.h && w == e.casc.w && oc == e.casc.oc {
		return false
	}
	e.casc.h, e.casc.w, e.casc.oc = h, w, oc
	return true
}

// wgtOff returns the element offset of one (ocBlock, icBlock, kh, kw)
// weight block in the blocked layout produced by PackWeights.
func (e *emitter) wgtOff(ocb, icb, r, s int) int {
	icNB := e.p.IC / e.cfg.ImICBlock
	return (((ocb*icNB+icb)*e.p.KH+r)*e.p.KW + s) * e.cfg.ImICBlock * e.cfg.ImOCBlock
}

// scratchOutput returns the output buffer the kernels write to. With more
// than one input-channel thread each thread needs a private replica of the
// output for the external reduction pass; otherwise the bound output is
// used directly.
func (e *emitter) scratchOutput(icUsedThreads int) *tensor.RawTensor {
	if icUsedThreads <= 1 {
		return e.b.Output
	}
	shape := tensor.Shape{icUsedThreads * e.p.MB, e.p.OH, e.p.OW, e.p.OC}
	out, err := tensor.NewRaw(shape, e.p.DstType)
	if err != nil {
		panic(err)
	}
	return out
}

// ocSplitFactor decides the extra outer parallel split of the
// output-channel axis used when the weight working set exceeds the L2
// cache and the batch axis alone saturates the threads. First-fit over the
// divisors of the per-thread block count, smallest divisor that reaches
// the footprint ratio.
func ocSplitFactor(p *Problem, cfg *Config, m *machine.Descriptor, ocNumBlockPT int) int {
	nt := m.NumThreads
	enough := p.MB%nt == 0 || divCeil(p.MB, nt) > 8
	weightBytes := p.OC * p.IC * p.KH * p.KW * p.WgtType.Size()
	if weightBytes < m.L2CacheSize || !enough || cfg.OCThreads != 1 || ocNumBlockPT != 1 {
		return 1
	}
	numBlock := cfg.KBlock / cfg.ImOCBlock
	want := smallestFactorAtLeast(numBlock, divCeil(weightBytes, m.L2CacheSize))
	if numBlock < want {
		return 1
	}
	return want
}
