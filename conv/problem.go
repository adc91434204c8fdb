package conv

import (
	"fmt"

	"github.com/born-ml/convplan/tensor"
)

// Problem is the normalized description of one forward convolution. It is
// built once from the declared logical shapes (activations NCHW, weights
// OIHW) and read-only afterwards.
type Problem struct {
	MB, IC, OC int

	ID, IH, IW int
	OD, OH, OW int
	KD, KH, KW int
	SD, SH, SW int
	PD, PH, PW int

	SrcType, WgtType, DstType tensor.DataType

	Is1x1 bool
	Is1D  bool
	Is3D  bool

	// TryOSBlocking marks problems eligible for the output-stationary
	// row-packed strategy: general kernel, no padding, 2D, int8 data.
	TryOSBlocking bool

	// Flattened-output geometry for the row-packed strategy. AdjOS pads
	// the true output size with the skip elements produced when a tile
	// slides across a row boundary.
	ActualOS   int
	SkipPerRow int
	AdjOS      int
}

// BuildProblem validates the declared shapes and derives the execution
// strategy flags. Shapes are logical: input NCHW, weight OIHW, output
// NCHW, each of rank 3, 4 or 5 (1D/2D/3D). Stride and padBegin carry one
// entry per spatial axis, or a single broadcast entry.
func BuildProblem(input, weight, output tensor.Shape, stride, padBegin []int,
	src, wgt, dst tensor.DataType) (*Problem, error) {
	ndims := len(input)
	if ndims < 3 || ndims > 5 {
		return nil, fmt.Errorf("%w: input rank %d, want 3, 4 or 5", ErrShape, ndims)
	}
	if len(weight) != ndims || len(output) != ndims {
		return nil, fmt.Errorf("%w: rank mismatch input=%d weight=%d output=%d",
			ErrShape, ndims, len(weight), len(output))
	}
	if input[1] != weight[1] {
		return nil, fmt.Errorf("%w: input channels %d != weight channels %d",
			ErrShape, input[1], weight[1])
	}
	spatial := ndims - 2
	if len(stride) != 1 && len(stride) != spatial {
		return nil, fmt.Errorf("%w: stride rank %d for %dD problem", ErrShape, len(stride), spatial)
	}
	if len(padBegin) != 1 && len(padBegin) != spatial {
		return nil, fmt.Errorf("%w: pad rank %d for %dD problem", ErrShape, len(padBegin), spatial)
	}

	p := &Problem{
		MB: input[0], IC: input[1], OC: weight[0],
		SrcType: src, WgtType: wgt, DstType: dst,
		Is1D: ndims == 3,
		Is3D: ndims == 5,
	}
	p.ID, p.OD, p.KD = 1, 1, 1
	if p.Is3D {
		p.ID, p.OD, p.KD = input[2], output[2], weight[2]
	}
	p.IH, p.OH, p.KH = 1, 1, 1
	if !p.Is1D {
		p.IH, p.OH, p.KH = input[ndims-2], output[ndims-2], weight[ndims-2]
	}
	p.IW, p.OW, p.KW = input[ndims-1], output[ndims-1], weight[ndims-1]

	p.SD, p.SH, p.SW = 1, stride[0], stride[0]
	if p.Is3D {
		p.SD = stride[0]
	}
	if p.Is1D {
		p.SH = 1
	}
	if len(stride) > 1 {
		p.SH = stride[len(stride)-2]
		p.SW = stride[len(stride)-1]
	}
	p.PD, p.PH, p.PW = 0, padBegin[0], padBegin[0]
	if p.Is3D {
		p.PD = padBegin[0]
	}
	if p.Is1D {
		p.PH = 0
	}
	if len(padBegin) > 1 {
		p.PH = padBegin[len(padBegin)-2]
		p.PW = padBegin[len(padBegin)-1]
	}

	type axis struct{ in, out, k, s, pad int }
	axes := []axis{{p.IW, p.OW, p.KW, p.SW, p.PW}}
	if !p.Is1D {
		axes = append(axes, axis{p.IH, p.OH, p.KH, p.SH, p.PH})
	}
	if p.Is3D {
		axes = append(axes, axis{p.ID, p.OD, p.KD, p.SD, p.PD})
	}
	for _, a := range axes {
		if a.in < 1 || a.out < 1 || a.k < 1 || a.s < 1 {
			return nil, fmt.Errorf("%w: nonpositive extent", ErrShape)
		}
		if span := a.in + 2*a.pad - a.k; span < 0 || a.out != span/a.s+1 {
			return nil, fmt.Errorf("%w: output extent %d inconsistent with input %d kernel %d stride %d pad %d",
				ErrShape, a.out, a.in, a.k, a.s, a.pad)
		}
	}
	if p.MB < 1 || p.IC < 1 || p.OC < 1 {
		return nil, fmt.Errorf("%w: nonpositive batch or channel count", ErrShape)
	}

	if p.PD > 0 || p.PH > 0 || p.PW > 0 {
		return nil, fmt.Errorf("%w: padded convolution", ErrUnsupported)
	}

	p.Is1x1 = p.KD == 1 && p.KH == 1 && p.KW == 1
	p.TryOSBlocking = !p.Is1x1 && !p.Is1D && !p.Is3D && src.IsInt8()

	// A tile of the flattened output that crosses a row boundary produces
	// elements with no real output position; they are skipped on store.
	p.ActualOS = p.OH * p.OW
	if !p.Is1D {
		p.SkipPerRow = ((p.KW-1)/p.SW)*p.SH + (p.SH-1)*p.OW
		adj := p.ActualOS + p.SkipPerRow*(p.OH-1)
		if lim := (p.IH + 2*p.PH) * (p.IW + 2*p.PW); adj > lim {
			adj = lim
		}
		p.AdjOS = adj
	} else {
		p.AdjOS = p.ActualOS
	}
	return p, nil
}

// KPack reports the K-dimension packing of the blocked weight layout:
// 1 for fp32, 2 for bf16, 4 for int8.
func (p *Problem) KPack() int {
	switch {
	case p.SrcType == tensor.BFloat16:
		return 2
	case p.SrcType.IsInt8():
		return 4
	default:
		return 1
	}
}

// GFlop returns the arithmetic cost of the convolution in GFLOPs.
func (p *Problem) GFlop() float64 {
	return float64(p.MB) * float64(p.OC) * 2 * float64(p.IC) *
		float64(p.KD*p.KH*p.KW) * float64(p.OD*p.OH*p.OW) / 1e9
}

// Input element offset in the NHWC activation buffer.
func (p *Problem) inOff(n, y, x, c int) int {
	return ((n*p.IH+y)*p.IW+x)*p.IC + c
}

// Output element offset in the NHWC output buffer.
func (p *Problem) outOff(n, y, x, c int) int {
	return ((n*p.OH+y)*p.OW+x)*p.OC + c
}
