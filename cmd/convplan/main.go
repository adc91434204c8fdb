// Command convplan plans a blocked convolution for the host (or a
// hand-specified) machine and prints the resulting configuration and loop
// nest. It is a planning inspector: no kernel code runs unless -exec is
// given, in which case the plan is executed against the scalar reference
// kernel with random data.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/born-ml/convplan/brgemm"
	"github.com/born-ml/convplan/conv"
	"github.com/born-ml/convplan/machine"
	"github.com/born-ml/convplan/nest"
	"github.com/born-ml/convplan/tensor"
)

func main() {
	var (
		mb      = flag.Int("mb", 1, "batch size")
		ic      = flag.Int("ic", 64, "input channels")
		oc      = flag.Int("oc", 64, "output channels")
		ih      = flag.Int("ih", 28, "input height")
		iw      = flag.Int("iw", 0, "input width (defaults to -ih)")
		kh      = flag.Int("kh", 3, "kernel height")
		kw      = flag.Int("kw", 0, "kernel width (defaults to -kh)")
		sh      = flag.Int("sh", 1, "vertical stride")
		sw      = flag.Int("sw", 0, "horizontal stride (defaults to -sh)")
		dtype   = flag.String("dtype", "f32", "data type: f32 or int8")
		threads = flag.Int("threads", 0, "thread count (defaults to detected)")
		amx     = flag.Bool("amx", false, "force AMX on, for planning int8 shapes off-host")
		exec    = flag.Bool("exec", false, "execute the plan with the reference kernel")
	)
	flag.Parse()

	if *iw == 0 {
		*iw = *ih
	}
	if *kw == 0 {
		*kw = *kh
	}
	if *sw == 0 {
		*sw = *sh
	}

	if err := run(*mb, *ic, *oc, *ih, *iw, *kh, *kw, *sh, *sw, *dtype, *threads, *amx, *exec); err != nil {
		fmt.Fprintln(os.Stderr, "convplan:", err)
		os.Exit(1)
	}
}

func run(mb, ic, oc, ih, iw, kh, kw, sh, sw int, dtype string, threads int, amx, exec bool) error {
	src, wgt, dst := tensor.Float32, tensor.Float32, tensor.Float32
	switch dtype {
	case "f32":
	case "int8":
		src, wgt, dst = tensor.Uint8, tensor.Int8, tensor.Int32
	default:
		return fmt.Errorf("unknown dtype %q", dtype)
	}

	oh := (ih-kh)/sh + 1
	ow := (iw-kw)/sw + 1
	if oh < 1 || ow < 1 {
		return fmt.Errorf("kernel %dx%d does not fit input %dx%d", kh, kw, ih, iw)
	}

	p, err := conv.BuildProblem(
		tensor.Shape{mb, ic, ih, iw},
		tensor.Shape{oc, ic, kh, kw},
		tensor.Shape{mb, oc, oh, ow},
		[]int{sh, sw}, []int{0, 0},
		src, wgt, dst)
	if err != nil {
		return err
	}

	m := machine.Detect()
	if threads > 0 {
		m.NumThreads = threads
	}
	if amx {
		m.HasAMX = true
	}
	fmt.Println("machine:", m.String())
	fmt.Printf("problem: mb=%d ic=%d oc=%d in=%dx%d k=%dx%d stride=%dx%d out=%dx%d (%.3f gflop)\n",
		mb, ic, oc, ih, iw, kh, kw, sh, sw, oh, ow, p.GFlop())

	cfg, err := conv.PlanConfig(p, &m)
	if err != nil {
		return err
	}
	fmt.Printf("config: K=%d C=%d h=%d w=%d im=[oc %d ic %d h %d w %d] threads=[bs %d oc %d h %d w %d] pack_input=%v\n",
		cfg.KBlock, cfg.CBlock, cfg.HBlock, cfg.WBlock,
		cfg.ImOCBlock, cfg.ImICBlock, cfg.ImHBlock, cfg.ImWBlock,
		cfg.BSThreads, cfg.OCThreads, cfg.HThreads, cfg.WThreads, cfg.PackInput)

	in, err := tensor.NewRaw(tensor.Shape{mb, ih, iw, ic}, src)
	if err != nil {
		return err
	}
	weights, err := tensor.NewRaw(tensor.Shape{oc, ic, kh, kw}, wgt)
	if err != nil {
		return err
	}
	out, err := tensor.NewRaw(tensor.Shape{mb, oh, ow, oc}, dst)
	if err != nil {
		return err
	}
	fill(in)
	fill(weights)
	packed, err := conv.PackWeights(weights, p, cfg)
	if err != nil {
		return err
	}

	plan, err := conv.GeneratePlan(p, cfg, &m, conv.Binding{
		Input: in, Weight: packed, Output: out, Kernel: brgemm.RefKernel{},
	})
	if err != nil {
		return err
	}
	fmt.Println("plan:")
	plan.Dump(os.Stdout)

	if exec {
		start := time.Now()
		if err := nest.Execute(plan, nest.Options{Workers: m.NumThreads}); err != nil {
			return err
		}
		elapsed := time.Since(start)
		fmt.Printf("executed in %v (%.3f gflop/s, reference kernel)\n",
			elapsed, p.GFlop()/elapsed.Seconds())
	}
	return nil
}

func fill(t *tensor.RawTensor) {
	rng := rand.New(rand.NewSource(42))
	switch t.DType() {
	case tensor.Float32:
		s := t.AsFloat32()
		for i := range s {
			s[i] = rng.Float32()*2 - 1
		}
	case tensor.Uint8:
		s := t.AsUint8()
		for i := range s {
			s[i] = uint8(rng.Intn(16))
		}
	case tensor.Int8:
		s := t.AsInt8()
		for i := range s {
			s[i] = int8(rng.Intn(15) - 7)
		}
	}
}
