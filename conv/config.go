package conv

import (
	"fmt"

	"github.com/born-ml/convplan/machine"
)

// Config is the blocking and thread-partition record consumed by the
// emitters. Outer blocks are the per-thread share of an axis; the Im*
// fields are the micro blocks one kernel invocation covers. Every outer
// block is an exact multiple of its micro block.
type Config struct {
	KBlock int
	CBlock int
	HBlock int
	WBlock int

	ImOCBlock int
	ImICBlock int
	ImHBlock  int
	ImWBlock  int

	BSThreads int
	OCThreads int
	HThreads  int
	WThreads  int

	// PackInput requests the stride-eliminating input repack pre-pass of
	// the 1x1 strategy.
	PackInput bool
}

const defaultMicroBlock = 128

// PlanConfig derives a blocking configuration for the problem on the given
// machine. The heuristic is deterministic: identical inputs produce
// identical configurations. Callers may instead supply an externally tuned
// Config; Generate validates either the same way.
func PlanConfig(p *Problem, m *machine.Descriptor) (*Config, error) {
	if p.Is1D || p.Is3D {
		return nil, fmt.Errorf("%w: blocking heuristic covers 2D only", ErrUnsupported)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	nt := m.NumThreads
	cfg := &Config{}

	// Thread geometry: favor batch parallelism when the batch is large,
	// otherwise the largest thread divisor the batch can still fill.
	if p.MB > nt || (p.MB == nt && p.OC <= 128) {
		cfg.BSThreads = nt
	} else {
		cfg.BSThreads = 1
		ds := divisors(nt)
		for i := len(ds) - 1; i >= 0; i-- {
			if ds[i] == 1 || ds[i] < p.MB {
				cfg.BSThreads = ds[i]
				break
			}
		}
	}
	cfg.OCThreads = nt / cfg.BSThreads
	cfg.HThreads = 1
	cfg.WThreads = 1
	icThreads := 1

	cfg.ImOCBlock = largestDivisorUpTo(p.OC, defaultMicroBlock)
	cfg.ImICBlock = largestDivisorUpTo(p.IC, defaultMicroBlock)
	cfg.ImHBlock = 1
	cfg.ImWBlock = p.OW
	cfg.HBlock = p.OH
	cfg.WBlock = p.OW

	if cfg.OCThreads != 1 && (p.OC/cfg.ImOCBlock)%cfg.OCThreads != 0 {
		cfg.ImOCBlock = suitableBlock(p.OC, cfg.ImOCBlock, cfg.OCThreads)
	}

	if p.TryOSBlocking {
		cands := osBlockCandidates(p.OW, p.AdjOS)
		cfg.ImWBlock = cands[len(cands)-1]
		if p.OW > 28 && m.HasAMX {
			cfg.ImWBlock = largestDivisorUpTo(p.OW, 256)
		} else {
			for i := len(cands) - 1; i >= 0; i-- {
				if cands[i] < 800 {
					cfg.ImWBlock = cands[i]
					break
				}
			}
		}
		packRows := cfg.ImWBlock > 0 && p.OW%cfg.ImWBlock != 0
		cfg.WBlock = p.ActualOS
		if packRows {
			cfg.WBlock = p.AdjOS
		}
		if p.MB == 1 && nt == 4 {
			// Single image on four threads: all parallelism goes to
			// output channels when they are plentiful, else to height.
			cfg.ImWBlock = largestDivisorUpTo(p.OW, 256)
			if p.OC >= 512 {
				cfg.BSThreads, cfg.HThreads, cfg.WThreads, cfg.OCThreads = 1, 1, 1, nt
			} else {
				cfg.BSThreads, cfg.OCThreads, cfg.HThreads, cfg.WThreads = 1, 1, nt, 1
			}
			cfg.ImOCBlock = minInt(largestDivisorUpTo(p.OC, defaultMicroBlock),
				maxInt(1, p.OC/cfg.OCThreads))
			cfg.WBlock = divCeil(divCeil(p.ActualOS, cfg.ImWBlock), cfg.WThreads) * cfg.ImWBlock
		}
		packRows = cfg.ImWBlock > 0 && p.OW%cfg.ImWBlock != 0
		if !packRows {
			cfg.ImHBlock = 1
			cfg.HBlock = p.OH
			if cfg.HThreads != 1 {
				cfg.HBlock = divCeil(divCeil(p.OH, cfg.ImHBlock), cfg.HThreads) * cfg.ImHBlock
			}
			cfg.WBlock = p.OW
			if cfg.WThreads != 1 {
				cfg.WBlock = divCeil(divCeil(p.OW, cfg.ImWBlock), cfg.WThreads) * cfg.ImWBlock
			}
		}
	}

	if p.Is1x1 {
		if p.IC >= 256 && p.OC >= 256 && p.OH <= 14 {
			// Fuse all rows into one tile; channel work dominates.
			cfg.ImHBlock = p.OH
		} else {
			cfg.ImHBlock = 1
			if p.OH >= 28 && cfg.BSThreads%2 == 0 {
				cfg.HThreads = 2
				cfg.BSThreads /= 2
			}
		}
		if p.MB == 1 && nt == 4 {
			cfg.ImWBlock = p.OW
			if p.OC >= 512 && p.IC >= 512 {
				cfg.BSThreads, cfg.HThreads, cfg.WThreads, cfg.OCThreads = 1, 1, 1, nt
			} else {
				cfg.BSThreads, cfg.OCThreads, cfg.HThreads, cfg.WThreads = 1, 1, nt, 1
				cfg.ImHBlock = 1
			}
		}
		cfg.ImOCBlock = minInt(largestDivisorUpTo(p.OC, defaultMicroBlock),
			maxInt(1, p.OC/cfg.OCThreads))
		if cfg.ImHBlock == 1 && cfg.ImOCBlock == defaultMicroBlock &&
			cfg.ImICBlock == defaultMicroBlock {
			switch {
			case p.OW >= 56 && p.OW%2 == 0:
				cfg.ImWBlock = p.OW / 2
			case p.SW == 1 && p.OW >= 28 && p.OC >= p.IC && p.OC >= 512:
				cfg.ImWBlock = p.OW / 2
			default:
				cfg.ImWBlock = p.OW
			}
		}
		cfg.HBlock = p.OH
		if cfg.HThreads != 1 {
			cfg.HBlock = divCeil(divCeil(p.OH, cfg.ImHBlock), cfg.HThreads) * cfg.ImHBlock
		}
		cfg.PackInput = p.SH > 1 || p.SW > 1
	}

	cfg.KBlock = divCeil(divCeil(p.OC, cfg.ImOCBlock), cfg.OCThreads) * cfg.ImOCBlock
	if p.OC%cfg.KBlock != 0 {
		cfg.KBlock = cfg.ImOCBlock
	}
	cfg.CBlock = divCeil(divCeil(p.IC, cfg.ImICBlock), icThreads) * cfg.ImICBlock
	if p.IC%cfg.CBlock != 0 {
		cfg.CBlock = cfg.ImICBlock
	}
	return cfg, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
