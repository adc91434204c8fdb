package conv

import (
	"fmt"

	"github.com/born-ml/convplan/tensor"
)

// PackWeights reorders plain OIHW weights into the blocked layout the
// emitters address: [oc/im_oc][ic/im_ic][kh][kw] blocks whose inner
// K-packed layout places element (k, n) at (k/kpack)*im_oc*kpack +
// n*kpack + k%kpack. With kpack 1 (fp32) the inner block is a plain
// row-major im_ic x im_oc matrix.
func PackWeights(w *tensor.RawTensor, p *Problem, cfg *Config) (*tensor.RawTensor, error) {
	if w.DType() != p.WgtType {
		return nil, fmt.Errorf("%w: weight dtype %s, want %s", ErrShape, w.DType(), p.WgtType)
	}
	if w.NumElements() != p.OC*p.IC*p.KH*p.KW {
		return nil, fmt.Errorf("%w: weight has %d elements, want %d",
			ErrShape, w.NumElements(), p.OC*p.IC*p.KH*p.KW)
	}
	imOC, imIC := cfg.ImOCBlock, cfg.ImICBlock
	if imOC <= 0 || p.OC%imOC != 0 || imIC <= 0 || p.IC%imIC != 0 {
		return nil, fmt.Errorf("%w: channels %dx%d not divisible by micro blocks %dx%d",
			ErrConfigInvariant, p.OC, p.IC, imOC, imIC)
	}
	kp := p.KPack()
	if imIC%kp != 0 {
		return nil, fmt.Errorf("%w: im_ic_block %d not divisible by kpack %d",
			ErrConfigInvariant, imIC, kp)
	}

	shape := tensor.Shape{p.OC / imOC, p.IC / imIC, p.KH, p.KW, imIC, imOC}
	packed, err := tensor.NewRaw(shape, p.WgtType)
	if err != nil {
		return nil, err
	}

	// Source offset of weight (o, i, r, s) in OIHW.
	srcOff := func(o, i, r, s int) int {
		return ((o*p.IC+i)*p.KH+r)*p.KW + s
	}
	icNB := p.IC / imIC
	dstOff := func(ocb, icb, r, s, k, n int) int {
		base := (((ocb*icNB+icb)*p.KH+r)*p.KW + s) * imIC * imOC
		return base + (k/kp)*imOC*kp + n*kp + k%kp
	}

	switch p.WgtType {
	case tensor.Float32:
		src, dst := w.AsFloat32(), packed.AsFloat32()
		forEachWeight(p, imOC, imIC, func(ocb, icb, r, s, k, n int) {
			dst[dstOff(ocb, icb, r, s, k, n)] = src[srcOff(ocb*imOC+n, icb*imIC+k, r, s)]
		})
	case tensor.Int8:
		src, dst := w.AsInt8(), packed.AsInt8()
		forEachWeight(p, imOC, imIC, func(ocb, icb, r, s, k, n int) {
			dst[dstOff(ocb, icb, r, s, k, n)] = src[srcOff(ocb*imOC+n, icb*imIC+k, r, s)]
		})
	default:
		return nil, fmt.Errorf("%w: packing %s weights", ErrUnsupported, p.WgtType)
	}
	return packed, nil
}

func forEachWeight(p *Problem, imOC, imIC int, visit func(ocb, icb, r, s, k, n int)) {
	for ocb := 0; ocb < p.OC/imOC; ocb++ {
		for icb := 0; icb < p.IC/imIC; icb++ {
			for r := 0; r < p.KH; r++ {
				for s := 0; s < p.KW; s++ {
					for k := 0; k < imIC; k++ {
						for n := 0; n < imOC; n++ {
							visit(ocb, icb, r, s, k, n)
						}
					}
				}
			}
		}
	}
}
