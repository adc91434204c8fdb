package conv

import (
	"fmt"

	"github.com/born-ml/convplan/machine"
	"github.com/born-ml/convplan/nest"
	"github.com/born-ml/convplan/tensor"
)

// Generate selects one emission strategy for the problem, validates the
// configuration against every divisibility invariant, and builds the loop
// nest. No kernel runs here; a returned plan is executed with
// nest.Execute. The configuration may come from PlanConfig or from an
// external tuner; both are validated the same way.
func Generate(p *Problem, cfg *Config, m *machine.Descriptor, b Binding) (*nest.Plan, error) {
	if p == nil || cfg == nil || m == nil {
		panic("conv: Generate with nil problem, config or machine")
	}
	if b.Input == nil || b.Weight == nil || b.Output == nil || b.Kernel == nil {
		panic("conv: Generate with incomplete binding")
	}
	if p.Is1D || p.Is3D {
		return nil, fmt.Errorf("%w: only 2D convolution is supported", ErrUnsupported)
	}
	if err := checkDataTypes(p); err != nil {
		return nil, err
	}
	if err := checkBinding(p, b); err != nil {
		return nil, err
	}
	if err := checkConfig(p, cfg); err != nil {
		return nil, err
	}

	useOS := p.TryOSBlocking && m.HasAMX
	packRows := useOS && cfg.ImWBlock > 0 && p.OW%cfg.ImWBlock != 0

	os := p.ActualOS
	var osMask []uint8
	var accSize []int
	if packRows {
		os = p.AdjOS
		adjOW := p.OW + p.SkipPerRow
		osMask = make([]uint8, os)
		for i := range osMask {
			if i%adjOW < p.OW {
				osMask[i] = 1
			}
		}
		nb := os / cfg.ImWBlock
		accSize = make([]int, nb)
		acc := 0
		for i := 0; i < nb; i++ {
			accSize[i] = acc
			for _, v := range osMask[i*cfg.ImWBlock : (i+1)*cfg.ImWBlock] {
				acc += int(v)
			}
		}
	}

	if useOS {
		if cfg.ImWBlock <= 0 || os%cfg.ImWBlock != 0 {
			return nil, fmt.Errorf("%w: flattened output %d not divisible by im_w_block %d",
				ErrConfigInvariant, os, cfg.ImWBlock)
		}
	} else {
		if cfg.ImHBlock <= 0 || p.OH%cfg.ImHBlock != 0 {
			return nil, fmt.Errorf("%w: output height %d not divisible by im_h_block %d",
				ErrConfigInvariant, p.OH, cfg.ImHBlock)
		}
		if cfg.ImWBlock <= 0 || p.OW%cfg.ImWBlock != 0 {
			return nil, fmt.Errorf("%w: output width %d not divisible by im_w_block %d",
				ErrConfigInvariant, p.OW, cfg.ImWBlock)
		}
	}

	e := newEmitter(p, cfg, m, &b)
	if p.Is1x1 {
		if cfg.ImWBlock != p.OW && cfg.ImHBlock != 1 {
			return nil, fmt.Errorf("%w: 1x1 micro tile must cover full rows or a single row",
				ErrConfigInvariant)
		}
		if !cfg.PackInput && (p.SH > 1 || p.SW > 1) {
			return e.emit1x1NoPackInput(), nil
		}
		return e.emit1x1PackInput(), nil
	}
	if useOS && packRows {
		return e.emitOSBlocking(osMask, accSize, os), nil
	}
	return e.emitNoPadding(), nil
}

// GeneratePlan is Generate followed by thread-axis loop fusion, returning
// a plan ready for execution on a flat worker pool.
func GeneratePlan(p *Problem, cfg *Config, m *machine.Descriptor, b Binding) (*nest.Plan, error) {
	plan, err := Generate(p, cfg, m, b)
	if err != nil {
		return nil, err
	}
	return nest.Fuse(plan), nil
}

func checkDataTypes(p *Problem) error {
	switch {
	case p.SrcType == tensor.BFloat16:
		if p.WgtType != tensor.BFloat16 {
			return fmt.Errorf("%w: bf16 data requires bf16 weights", ErrUnsupported)
		}
		if p.DstType != tensor.Float32 {
			return fmt.Errorf("%w: bf16 data requires f32 output", ErrUnsupported)
		}
	case p.SrcType.IsInt8():
		if p.WgtType != tensor.Int8 {
			return fmt.Errorf("%w: int8 data requires s8 weights", ErrUnsupported)
		}
		if p.DstType != tensor.Int32 {
			return fmt.Errorf("%w: int8 data requires s32 output", ErrUnsupported)
		}
	}
	return nil
}

func checkBinding(p *Problem, b Binding) error {
	check := func(name string, t *tensor.RawTensor, dt tensor.DataType, want int) error {
		if t.DType() != dt {
			return fmt.Errorf("%w: %s dtype %s, want %s", ErrShape, name, t.DType(), dt)
		}
		if t.NumElements() != want {
			return fmt.Errorf("%w: %s has %d elements, want %d", ErrShape, name, t.NumElements(), want)
		}
		return nil
	}
	if err := check("input", b.Input, p.SrcType, p.MB*p.IH*p.IW*p.IC); err != nil {
		return err
	}
	if err := check("weight", b.Weight, p.WgtType, p.OC*p.IC*p.KH*p.KW); err != nil {
		return err
	}
	return check("output", b.Output, p.DstType, p.MB*p.OH*p.OW*p.OC)
}

func checkConfig(p *Problem, cfg *Config) error {
	if cfg.KBlock <= 0 || p.OC%cfg.KBlock != 0 {
		return fmt.Errorf("%w: oc %d not divisible by K_block %d", ErrConfigInvariant, p.OC, cfg.KBlock)
	}
	if cfg.CBlock <= 0 || p.IC%cfg.CBlock != 0 {
		return fmt.Errorf("%w: ic %d not divisible by C_block %d", ErrConfigInvariant, p.IC, cfg.CBlock)
	}
	type pair struct {
		name         string
		outer, micro int
	}
	for _, pr := range []pair{
		{"K_block/im_oc_block", cfg.KBlock, cfg.ImOCBlock},
		{"C_block/im_ic_block", cfg.CBlock, cfg.ImICBlock},
		{"h_block/im_h_block", cfg.HBlock, cfg.ImHBlock},
		{"w_block/im_w_block", cfg.WBlock, cfg.ImWBlock},
	} {
		if pr.micro <= 0 || pr.outer%pr.micro != 0 {
			return fmt.Errorf("%w: %s = %d/%d", ErrConfigInvariant, pr.name, pr.outer, pr.micro)
		}
	}
	if cfg.BSThreads < 1 || cfg.OCThreads < 1 || cfg.HThreads < 1 || cfg.WThreads < 1 {
		return fmt.Errorf("%w: nonpositive thread count", ErrConfigInvariant)
	}
	return nil
}
