package conv

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/convplan/brgemm"
	"github.com/born-ml/convplan/machine"
	"github.com/born-ml/convplan/nest"
	"github.com/born-ml/convplan/tensor"
)

// refConvF32 is the direct convolution the emitted plans are compared
// against. Accumulation follows the call structure of the plans exactly:
// one partial sum per C_block chunk, entries ordered micro block first,
// then kernel row, kernel column and channel within the block. Matching
// the order makes the float32 comparison bit exact.
func refConvF32(p *Problem, cfg *Config, in, wgt, out []float32) {
	for n := 0; n < p.MB; n++ {
		for y := 0; y < p.OH; y++ {
			for x := 0; x < p.OW; x++ {
				for k := 0; k < p.OC; k++ {
					var total float32
					for cb := 0; cb < p.IC; cb += cfg.CBlock {
						var acc float32
						for icb := cb; icb < cb+cfg.CBlock && icb < p.IC; icb += cfg.ImICBlock {
							for r := 0; r < p.KH; r++ {
								for s := 0; s < p.KW; s++ {
									for c := icb; c < icb+cfg.ImICBlock && c < p.IC; c++ {
										acc += in[p.inOff(n, y*p.SH+r, x*p.SW+s, c)] *
											wgt[((k*p.IC+c)*p.KH+r)*p.KW+s]
									}
								}
							}
						}
						total += acc
					}
					out[p.outOff(n, y, x, k)] = total
				}
			}
		}
	}
}

// refConvInt8 needs no particular order; integer accumulation is exact.
func refConvInt8(p *Problem, in []uint8, wgt []int8, out []int32) {
	for n := 0; n < p.MB; n++ {
		for y := 0; y < p.OH; y++ {
			for x := 0; x < p.OW; x++ {
				for k := 0; k < p.OC; k++ {
					var acc int32
					for c := 0; c < p.IC; c++ {
						for r := 0; r < p.KH; r++ {
							for s := 0; s < p.KW; s++ {
								acc += int32(in[p.inOff(n, y*p.SH+r, x*p.SW+s, c)]) *
									int32(wgt[((k*p.IC+c)*p.KH+r)*p.KW+s])
							}
						}
					}
					out[p.outOff(n, y, x, k)] = acc
				}
			}
		}
	}
}

func randF32(t *testing.T, shape tensor.Shape, rng *rand.Rand) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32)
	require.NoError(t, err)
	s := raw.AsFloat32()
	for i := range s {
		s[i] = rng.Float32()*2 - 1
	}
	return raw
}

func newRaw(t *testing.T, shape tensor.Shape, dt tensor.DataType) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, dt)
	require.NoError(t, err)
	return raw
}

func runPlan(t *testing.T, p *Problem, cfg *Config, m *machine.Descriptor,
	in, wgt *tensor.RawTensor) *tensor.RawTensor {
	t.Helper()
	packed, err := PackWeights(wgt, p, cfg)
	require.NoError(t, err)
	out := newRaw(t, tensor.Shape{p.MB, p.OH, p.OW, p.OC}, p.DstType)

	plan, err := GeneratePlan(p, cfg, m, Binding{
		Input: in, Weight: packed, Output: out, Kernel: brgemm.RefKernel{},
	})
	require.NoError(t, err)
	require.NoError(t, nest.Execute(plan, nest.Options{Workers: m.NumThreads}))
	return out
}

func TestGeneratePlan_GeneralF32(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{1, 64, 28, 28}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 26, 26},
		[]int{1}, []int{0})
	m := testMachine(4)
	cfg, err := PlanConfig(p, m)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	in := randF32(t, tensor.Shape{p.MB, p.IH, p.IW, p.IC}, rng)
	wgt := randF32(t, tensor.Shape{p.OC, p.IC, p.KH, p.KW}, rng)

	out := runPlan(t, p, cfg, m, in, wgt)

	want := make([]float32, p.MB*p.OH*p.OW*p.OC)
	refConvF32(p, cfg, in.AsFloat32(), wgt.AsFloat32(), want)
	require.Equal(t, want, out.AsFloat32())
}

func TestGeneratePlan_GeneralF32_Batch(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{4, 32, 14, 14}, tensor.Shape{64, 32, 3, 3}, tensor.Shape{4, 64, 12, 12},
		[]int{1}, []int{0})
	m := testMachine(2)
	cfg, err := PlanConfig(p, m)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	in := randF32(t, tensor.Shape{p.MB, p.IH, p.IW, p.IC}, rng)
	wgt := randF32(t, tensor.Shape{p.OC, p.IC, p.KH, p.KW}, rng)

	out := runPlan(t, p, cfg, m, in, wgt)

	want := make([]float32, p.MB*p.OH*p.OW*p.OC)
	refConvF32(p, cfg, in.AsFloat32(), wgt.AsFloat32(), want)
	require.Equal(t, want, out.AsFloat32())
}

func TestGeneratePlan_1x1Strided(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{2, 64, 28, 28}, tensor.Shape{128, 64, 1, 1}, tensor.Shape{2, 128, 14, 14},
		[]int{2}, []int{0})
	m := testMachine(2)
	cfg, err := PlanConfig(p, m)
	require.NoError(t, err)
	require.True(t, cfg.PackInput)

	rng := rand.New(rand.NewSource(3))
	in := randF32(t, tensor.Shape{p.MB, p.IH, p.IW, p.IC}, rng)
	wgt := randF32(t, tensor.Shape{p.OC, p.IC, 1, 1}, rng)

	want := make([]float32, p.MB*p.OH*p.OW*p.OC)
	refConvF32(p, cfg, in.AsFloat32(), wgt.AsFloat32(), want)

	// Pack-input strategy.
	out := runPlan(t, p, cfg, m, in, wgt)
	require.Equal(t, want, out.AsFloat32())

	// In-place strided reads must produce the same bits.
	noPack := *cfg
	noPack.PackInput = false
	out2 := runPlan(t, p, &noPack, m, in, wgt)
	require.Equal(t, want, out2.AsFloat32())
}

func TestGeneratePlan_1x1Unit(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{2, 256, 14, 14}, tensor.Shape{256, 256, 1, 1}, tensor.Shape{2, 256, 14, 14},
		[]int{1}, []int{0})
	m := testMachine(2)
	cfg, err := PlanConfig(p, m)
	require.NoError(t, err)
	require.False(t, cfg.PackInput)

	rng := rand.New(rand.NewSource(4))
	in := randF32(t, tensor.Shape{p.MB, p.IH, p.IW, p.IC}, rng)
	wgt := randF32(t, tensor.Shape{p.OC, p.IC, 1, 1}, rng)

	out := runPlan(t, p, cfg, m, in, wgt)

	want := make([]float32, p.MB*p.OH*p.OW*p.OC)
	refConvF32(p, cfg, in.AsFloat32(), wgt.AsFloat32(), want)
	require.Equal(t, want, out.AsFloat32())
}

func TestGeneratePlan_OSBlockingInt8(t *testing.T) {
	p, err := BuildProblem(
		tensor.Shape{1, 64, 12, 12}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 10, 10},
		[]int{1}, []int{0},
		tensor.Uint8, tensor.Int8, tensor.Int32)
	require.NoError(t, err)

	m := testMachine(2)
	m.HasAMX = true
	cfg, err := PlanConfig(p, m)
	require.NoError(t, err)
	require.NotZero(t, p.OW%cfg.ImWBlock, "shape chosen to exercise row packing")

	rng := rand.New(rand.NewSource(5))
	in := newRaw(t, tensor.Shape{p.MB, p.IH, p.IW, p.IC}, tensor.Uint8)
	for i, s := 0, in.AsUint8(); i < len(s); i++ {
		s[i] = uint8(rng.Intn(16))
	}
	wgt := newRaw(t, tensor.Shape{p.OC, p.IC, 3, 3}, tensor.Int8)
	for i, s := 0, wgt.AsInt8(); i < len(s); i++ {
		s[i] = int8(rng.Intn(15) - 7)
	}

	out := runPlan(t, p, cfg, m, in, wgt)

	want := make([]int32, p.MB*p.OH*p.OW*p.OC)
	refConvInt8(p, in.AsUint8(), wgt.AsInt8(), want)
	require.Equal(t, want, out.AsInt32())
}

// anchorPartition generates the plan with anchors enabled, runs it, and
// checks that at every published level the regions stay inside the output
// and tile it exactly once. Returns the collected regions per level.
func anchorPartition(t *testing.T, p *Problem, cfg *Config, m *machine.Descriptor,
	in, wgt *tensor.RawTensor) map[int][]nest.Region {
	t.Helper()
	packed, err := PackWeights(wgt, p, cfg)
	require.NoError(t, err)
	out := newRaw(t, tensor.Shape{p.MB, p.OH, p.OW, p.OC}, p.DstType)

	plan, err := GeneratePlan(p, cfg, m, Binding{
		Input: in, Weight: packed, Output: out, Kernel: brgemm.RefKernel{},
		WantAnchors: true,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	byLevel := map[int][]nest.Region{}
	require.NoError(t, nest.Execute(plan, nest.Options{
		Workers: m.NumThreads,
		OnAnchor: func(level int, r nest.Region) {
			mu.Lock()
			byLevel[level] = append(byLevel[level], r)
			mu.Unlock()
		},
	}))
	require.NotEmpty(t, byLevel, "anchored plan must publish regions")

	total := p.MB * p.OH * p.OW * p.OC
	for level, regions := range byLevel {
		covered := make([]int, total)
		for _, r := range regions {
			require.LessOrEqualf(t, r.Begin[1]+r.Size[1], p.OH,
				"level %d: region %v exceeds output height", level, r)
			require.LessOrEqualf(t, r.Begin[2]+r.Size[2], p.OW,
				"level %d: region %v exceeds output width", level, r)
			for n := r.Begin[0]; n < r.Begin[0]+r.Size[0]; n++ {
				for y := r.Begin[1]; y < r.Begin[1]+r.Size[1]; y++ {
					for x := r.Begin[2]; x < r.Begin[2]+r.Size[2]; x++ {
						for k := r.Begin[3]; k < r.Begin[3]+r.Size[3]; k++ {
							covered[p.outOff(n, y, x, k)]++
						}
					}
				}
			}
		}
		for i, c := range covered {
			require.Equalf(t, 1, c, "level %d: element %d covered %d times", level, i, c)
		}
	}
	return byLevel
}

func TestGenerate_AnchorsPartitionOutput(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{1, 64, 28, 28}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 26, 26},
		[]int{1}, []int{0})
	m := testMachine(1)
	cfg, err := PlanConfig(p, m)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(6))
	in := randF32(t, tensor.Shape{p.MB, p.IH, p.IW, p.IC}, rng)
	wgt := randF32(t, tensor.Shape{p.OC, p.IC, 3, 3}, rng)
	anchorPartition(t, p, cfg, m, in, wgt)
}

func TestGenerate_AnchorsPartitionOutput_HeightTail(t *testing.T) {
	// Tuned configuration whose height block does not divide the output
	// height: the trailing height chunk iterates past the last row, and
	// its coarse anchors must not publish those rows.
	p := f32Problem(t,
		tensor.Shape{1, 64, 12, 12}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 10, 10},
		[]int{1}, []int{0})
	m := testMachine(1)
	cfg := &Config{
		KBlock: 64, CBlock: 64, HBlock: 4, WBlock: 10,
		ImOCBlock: 64, ImICBlock: 64, ImHBlock: 1, ImWBlock: 5,
		BSThreads: 1, OCThreads: 1, HThreads: 1, WThreads: 1,
	}

	rng := rand.New(rand.NewSource(7))
	in := randF32(t, tensor.Shape{p.MB, p.IH, p.IW, p.IC}, rng)
	wgt := randF32(t, tensor.Shape{p.OC, p.IC, 3, 3}, rng)
	byLevel := anchorPartition(t, p, cfg, m, in, wgt)
	require.Contains(t, byLevel, LevelWidth)
}

func TestGenerate_AnchorsPartitionOutput_OSBlocking(t *testing.T) {
	p, err := BuildProblem(
		tensor.Shape{1, 64, 12, 12}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 10, 10},
		[]int{1}, []int{0},
		tensor.Uint8, tensor.Int8, tensor.Int32)
	require.NoError(t, err)
	m := testMachine(2)
	m.HasAMX = true
	cfg, err := PlanConfig(p, m)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(8))
	in := newRaw(t, tensor.Shape{p.MB, p.IH, p.IW, p.IC}, tensor.Uint8)
	for i, s := 0, in.AsUint8(); i < len(s); i++ {
		s[i] = uint8(rng.Intn(16))
	}
	wgt := newRaw(t, tensor.Shape{p.OC, p.IC, 3, 3}, tensor.Int8)
	for i, s := 0, wgt.AsInt8(); i < len(s); i++ {
		s[i] = int8(rng.Intn(15) - 7)
	}

	byLevel := anchorPartition(t, p, cfg, m, in, wgt)
	require.Contains(t, byLevel, LevelTile)
}

type countingKernel struct{ calls int }

func (k *countingKernel) Invoke(*brgemm.Call) error {
	k.calls++
	return nil
}

func TestGenerate_Rejections(t *testing.T) {
	f32 := tensor.Float32
	kern := &countingKernel{}

	valid := func(t *testing.T) (*Problem, *Config, Binding) {
		t.Helper()
		p := f32Problem(t,
			tensor.Shape{1, 64, 28, 28}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 26, 26},
			[]int{1}, []int{0})
		cfg, err := PlanConfig(p, testMachine(2))
		require.NoError(t, err)
		b := Binding{
			Input:  newRaw(t, tensor.Shape{1, 28, 28, 64}, f32),
			Weight: newRaw(t, tensor.Shape{64, 64, 3, 3}, f32),
			Output: newRaw(t, tensor.Shape{1, 26, 26, 64}, f32),
			Kernel: kern,
		}
		return p, cfg, b
	}

	t.Run("3d problem", func(t *testing.T) {
		p3, err := BuildProblem(
			tensor.Shape{1, 8, 8, 8, 8}, tensor.Shape{8, 8, 3, 3, 3}, tensor.Shape{1, 8, 6, 6, 6},
			[]int{1}, []int{0}, f32, f32, f32)
		require.NoError(t, err)
		_, cfg, b := valid(t)
		_, err = Generate(p3, cfg, testMachine(2), b)
		require.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("broken blocking", func(t *testing.T) {
		p, cfg, b := valid(t)
		bad := *cfg
		bad.KBlock = 48
		_, err := Generate(p, &bad, testMachine(2), b)
		require.ErrorIs(t, err, ErrConfigInvariant)
	})

	t.Run("zero micro block", func(t *testing.T) {
		p, cfg, b := valid(t)
		bad := *cfg
		bad.ImWBlock = 0
		_, err := Generate(p, &bad, testMachine(2), b)
		require.ErrorIs(t, err, ErrConfigInvariant)
	})

	t.Run("dtype pairing", func(t *testing.T) {
		pi, err := BuildProblem(
			tensor.Shape{1, 64, 12, 12}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 10, 10},
			[]int{1}, []int{0},
			tensor.Uint8, tensor.Int8, tensor.Float32)
		require.NoError(t, err)
		cfg, err := PlanConfig(pi, testMachine(2))
		require.NoError(t, err)
		b := Binding{
			Input:  newRaw(t, tensor.Shape{1, 12, 12, 64}, tensor.Uint8),
			Weight: newRaw(t, tensor.Shape{64, 64, 3, 3}, tensor.Int8),
			Output: newRaw(t, tensor.Shape{1, 10, 10, 64}, f32),
			Kernel: kern,
		}
		_, err = Generate(pi, cfg, testMachine(2), b)
		require.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("binding size", func(t *testing.T) {
		p, cfg, b := valid(t)
		b.Output = newRaw(t, tensor.Shape{1, 26, 26, 32}, f32)
		_, err := Generate(p, cfg, testMachine(2), b)
		require.ErrorIs(t, err, ErrShape)
	})

	require.Zero(t, kern.calls, "no rejected plan may reach the kernel")
}

func TestPackWeights_Layout(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{1, 4, 5, 5}, tensor.Shape{4, 4, 3, 3}, tensor.Shape{1, 4, 3, 3},
		[]int{1}, []int{0})
	cfg := &Config{ImOCBlock: 2, ImICBlock: 2}

	wgt := newRaw(t, tensor.Shape{4, 4, 3, 3}, tensor.Float32)
	src := wgt.AsFloat32()
	for i := range src {
		src[i] = float32(i)
	}

	packed, err := PackWeights(wgt, p, cfg)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{2, 2, 3, 3, 2, 2}, packed.Shape())

	dst := packed.AsFloat32()
	// Element (oc=3, ic=2, r=1, s=2) lives in block (ocb=1, icb=1) at
	// inner position k=0, n=1 of a 2x2 tile.
	base := (((1*2+1)*3+1)*3 + 2) * 4
	require.Equal(t, src[((3*4+2)*3+1)*3+2], dst[base+1])
}
