package brgemm

import "github.com/born-ml/convplan/tensor"

// RefKernel is a straightforward scalar implementation of the brgemm
// contract, used to validate emitted loop nests and as a fallback where
// no JIT backend is wired in. It supports the f32 x f32 -> f32 and
// u8/s8 x s8 -> s32 pairings.
type RefKernel struct{}

func (RefKernel) Invoke(c *Call) error {
	switch {
	case c.A.DType() == tensor.Float32 && c.B.DType() == tensor.Float32 &&
		c.C.DType() == tensor.Float32:
		return refF32(c)
	case c.A.DType().IsInt8() && c.B.DType() == tensor.Int8 &&
		c.C.DType() == tensor.Int32:
		return refInt8(c)
	default:
		return ErrUnsupportedData
	}
}

// rows returns the mask slice in effect for the call, or nil.
func rows(c *Call) []uint8 {
	if c.Attrs == nil || c.Attrs.PosMask == nil {
		return nil
	}
	return c.Attrs.PosMask[c.MaskOffset:]
}

func kpack(c *Call) int {
	if c.KPack <= 0 {
		return 1
	}
	return c.KPack
}

func refF32(c *Call) error {
	a, b, out := c.A.AsFloat32(), c.B.AsFloat32(), c.C.AsFloat32()
	mask := rows(c)
	kp := kpack(c)

	ci := 0
	for m := 0; m < c.M; m++ {
		if mask != nil && mask[m] == 0 {
			continue
		}
		for n := 0; n < c.N; n++ {
			var acc float32
			for bi := range c.AOffsets {
				aBase := c.AOffsets[bi] + m*c.LDA
				bBase := c.BOffsets[bi]
				for k := 0; k < c.K; k++ {
					bIdx := bBase + (k/kp)*c.LDB*kp + n*kp + k%kp
					acc += a[aBase+k] * b[bIdx]
				}
			}
			dst := c.COffset + ci*c.LDC + n
			if c.Accumulate {
				out[dst] += acc
			} else {
				out[dst] = acc
			}
		}
		ci++
	}
	return nil
}

func refInt8(c *Call) error {
	var a []uint8
	if c.A.DType() == tensor.Uint8 {
		a = c.A.AsUint8()
	} else {
		// Reinterpret: the s8 path widens through the same loop below.
		s := c.A.AsInt8()
		a = make([]uint8, len(s))
		for i, v := range s {
			a[i] = uint8(v)
		}
	}
	signedA := c.A.DType() == tensor.Int8
	b, out := c.B.AsInt8(), c.C.AsInt32()
	mask := rows(c)
	kp := kpack(c)

	ci := 0
	for m := 0; m < c.M; m++ {
		if mask != nil && mask[m] == 0 {
			continue
		}
		for n := 0; n < c.N; n++ {
			var acc int32
			for bi := range c.AOffsets {
				aBase := c.AOffsets[bi] + m*c.LDA
				bBase := c.BOffsets[bi]
				for k := 0; k < c.K; k++ {
					av := int32(a[aBase+k])
					if signedA {
						av = int32(int8(a[aBase+k]))
					}
					bIdx := bBase + (k/kp)*c.LDB*kp + n*kp + k%kp
					acc += av * int32(b[bIdx])
				}
			}
			dst := c.COffset + ci*c.LDC + n
			if c.Accumulate {
				out[dst] += acc
			} else {
				out[dst] = acc
			}
		}
		ci++
	}
	return nil
}
